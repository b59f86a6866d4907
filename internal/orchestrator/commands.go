package orchestrator

import (
	"strings"
	"sync"
	"unicode/utf8"
)

const maxCommandLine = 4096

// lineRecorder turns raw terminal input into the command lines a user
// submitted. It understands enough line editing to undo backspaces and
// skips escape sequences such as cursor keys. Lines are cut on CR or LF.
type lineRecorder struct {
	mu   sync.Mutex
	buf  []byte
	esc  int // 0 outside an escape, 1 after ESC, 2 inside CSI
	emit func(string)
}

func newLineRecorder(emit func(string)) *lineRecorder {
	return &lineRecorder{emit: emit}
}

// Write consumes input bytes. It never fails.
func (l *lineRecorder) Write(p []byte) {
	var lines []string

	l.mu.Lock()
	for _, b := range p {
		switch l.esc {
		case 1:
			if b == '[' || b == 'O' {
				l.esc = 2
			} else {
				l.esc = 0
			}
			continue
		case 2:
			if b >= 0x40 && b <= 0x7e {
				l.esc = 0
			}
			continue
		}

		switch {
		case b == '\r' || b == '\n':
			if line := strings.TrimSpace(string(l.buf)); line != "" {
				lines = append(lines, line)
			}
			l.buf = l.buf[:0]
		case b == 0x1b:
			l.esc = 1
		case b == 0x7f || b == 0x08:
			l.backspace()
		case b == 0x03 || b == 0x15: // ^C, ^U
			l.buf = l.buf[:0]
		case b < 0x20 && b != '\t':
		default:
			if len(l.buf) < maxCommandLine {
				l.buf = append(l.buf, b)
			}
		}
	}
	l.mu.Unlock()

	for _, line := range lines {
		l.emit(line)
	}
}

func (l *lineRecorder) backspace() {
	if len(l.buf) == 0 {
		return
	}
	_, size := utf8.DecodeLastRune(l.buf)
	l.buf = l.buf[:len(l.buf)-size]
}
