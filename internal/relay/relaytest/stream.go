// Package relaytest provides an in-memory relay.Stream for tests.
package relaytest

import (
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/michaelbrown/pocket/internal/relay"
)

// Stream is a client stream driven from test code. Frames passed to Send
// are read by the relay; frames the relay writes are available from Next
// and ReadData.
type Stream struct {
	in  chan relay.Frame
	out chan relay.Frame

	unblock     chan struct{}
	unblockOnce sync.Once
	closed      chan struct{}
	closeOnce   sync.Once
	hangupOnce  sync.Once
}

func New() *Stream {
	return &Stream{
		in:      make(chan relay.Frame, 64),
		out:     make(chan relay.Frame, 1024),
		unblock: make(chan struct{}),
		closed:  make(chan struct{}),
	}
}

func (s *Stream) ReadFrame() (relay.Frame, error) {
	select {
	case f, ok := <-s.in:
		if !ok {
			return relay.Frame{}, io.EOF
		}
		return f, nil
	case <-s.unblock:
		return relay.Frame{}, errors.New("read unblocked")
	}
}

func (s *Stream) WriteFrame(f relay.Frame) error {
	f.Payload = append([]byte(nil), f.Payload...)
	select {
	case s.out <- f:
		return nil
	case <-s.closed:
		return io.ErrClosedPipe
	}
}

func (s *Stream) Unblock() {
	s.unblockOnce.Do(func() { close(s.unblock) })
}

func (s *Stream) Close() error {
	s.closeOnce.Do(func() { close(s.closed) })
	return nil
}

// Send queues a frame from the client.
func (s *Stream) Send(f relay.Frame) { s.in <- f }

// Hangup simulates the client dropping the connection.
func (s *Stream) Hangup() {
	s.hangupOnce.Do(func() { close(s.in) })
}

// Closed reports whether the relay closed the stream.
func (s *Stream) Closed() bool {
	select {
	case <-s.closed:
		return true
	default:
		return false
	}
}

// ReadData collects data frames until their concatenation is want.
func (s *Stream) ReadData(t testing.TB, want string) {
	t.Helper()
	var got strings.Builder
	deadline := time.After(2 * time.Second)
	for got.Len() < len(want) {
		select {
		case f := <-s.out:
			if f.Type != relay.FrameData {
				t.Fatalf("unexpected %s frame while reading data", f.Type)
			}
			got.Write(f.Payload)
		case <-deadline:
			t.Fatalf("timed out: got %q, want %q", got.String(), want)
		}
	}
	if got.String() != want {
		t.Fatalf("data = %q, want %q", got.String(), want)
	}
}

// Next returns the next non-data frame.
func (s *Stream) Next(t testing.TB) relay.Frame {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case f := <-s.out:
			if f.Type != relay.FrameData {
				return f
			}
		case <-deadline:
			t.Fatal("timed out waiting for frame")
			return relay.Frame{}
		}
	}
}
