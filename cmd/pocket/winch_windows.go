package main

import "os"

// Windows has no SIGWINCH; the initial size is still sent.
func notifyResize(chan<- os.Signal) {}

func stopResize(ch chan os.Signal) { close(ch) }
