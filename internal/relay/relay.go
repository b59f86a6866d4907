// Package relay pumps terminal bytes between an attached client stream and a
// sandbox pty. A Relay lives as long as its session and is re-attached after
// every client disconnect.
package relay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/michaelbrown/pocket/internal/errdefs"
	"github.com/michaelbrown/pocket/internal/logging"
	"github.com/michaelbrown/pocket/internal/sandbox"
)

// State is the relay state machine.
type State int

const (
	Idle State = iota
	Attaching
	Streaming
	Closing
	Closed
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Attaching:
		return "attaching"
	case Streaming:
		return "streaming"
	case Closing:
		return "closing"
	case Closed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Outcome is how an Attach ended.
type Outcome int

const (
	// Detached means the client went away. The sandbox is kept and the relay
	// is Idle again.
	Detached Outcome = iota
	// Ended means the relay is Closed and the session should be torn down.
	Ended
)

// CodeTerminated is the error code sent to a client whose session was
// terminated while attached.
const CodeTerminated = "terminated"

// Stream is the client side of an attach. ReadFrame and WriteFrame are each
// called from a single goroutine. WriteFrame must not retain the payload.
type Stream interface {
	ReadFrame() (Frame, error)
	WriteFrame(Frame) error
	// Unblock makes a pending ReadFrame return promptly while leaving the
	// write side usable for the farewell frames.
	Unblock()
	Close() error
}

// Config configures a Relay.
type Config struct {
	SessionID string

	// Dial opens a fresh pty on the sandbox for attaches after the first.
	Dial func(ctx context.Context) (sandbox.PTY, error)

	// OnActivity is called for every byte chunk and control event.
	OnActivity func()
	// OnBytes reports transferred byte counts; direction is "in" (client to
	// sandbox) or "out".
	OnBytes func(direction string, n int)
	// OnInput sees client input after it reached the pty.
	OnInput func(p []byte)
	// OnClosed is called once when the relay closes for a reason other than
	// Cancel.
	OnClosed func(reason error)

	// CancelTimeout bounds how long Cancel waits for the pumps to stop.
	CancelTimeout time.Duration
	BufferSize    int

	Logger *zerolog.Logger
}

var (
	errTerminated  = errors.New("session terminated")
	errClientClose = errors.New("client closed stream")
	errStreamGone  = errors.New("stream disconnected")
	errPTYExited   = errors.New("pty exited")
)

// Relay binds at most one stream at a time to a sandbox pty.
type Relay struct {
	cfg    Config
	logger zerolog.Logger

	mu       sync.Mutex
	state    State
	parked   sandbox.PTY
	canceled bool
	cancel   context.CancelCauseFunc
	done     chan struct{}
	closed   chan struct{}
	reason   error
}

// New returns an Idle relay.
func New(cfg Config) *Relay {
	if cfg.CancelTimeout <= 0 {
		cfg.CancelTimeout = 5 * time.Second
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 32 * 1024
	}
	logger := logging.Or(cfg.Logger, "relay")
	return &Relay{
		cfg:    cfg,
		logger: logger.With().Str(logging.FieldSessionID, cfg.SessionID).Logger(),
		closed: make(chan struct{}),
	}
}

// Park hands the relay a pty to use for the next attach instead of dialing.
func (r *Relay) Park(p sandbox.PTY) {
	r.mu.Lock()
	if r.state == Closed || r.parked != nil {
		r.mu.Unlock()
		p.Close()
		return
	}
	r.parked = p
	r.mu.Unlock()
}

// State returns the current state.
func (r *Relay) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Closed reports whether the relay reached its terminal state.
func (r *Relay) Closed() bool {
	return r.State() == Closed
}

// Err returns why the relay closed, or nil while it is open.
func (r *Relay) Err() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.reason
}

// Attach binds stream to the sandbox pty and blocks until the binding ends.
// It returns an error without touching the stream when the relay is already
// attached or closed. The stream is closed when Attach returns nil.
func (r *Relay) Attach(ctx context.Context, stream Stream) (Outcome, error) {
	r.mu.Lock()
	switch {
	case r.state == Closed || r.canceled:
		r.mu.Unlock()
		return Ended, fmt.Errorf("relay is closed: %w", errdefs.ErrInvalidState)
	case r.state != Idle:
		r.mu.Unlock()
		return Ended, fmt.Errorf("relay is %s: %w", r.state, errdefs.ErrInvalidState)
	}
	runCtx, cancel := context.WithCancelCause(ctx)
	done := make(chan struct{})
	r.state = Attaching
	r.cancel = cancel
	r.done = done
	pty := r.parked
	r.parked = nil
	r.mu.Unlock()

	defer close(done)
	defer cancel(nil)

	r.logger.Debug().Str(logging.FieldNewState, Attaching.String()).Msg("relay attaching")

	if pty == nil {
		var err error
		pty, err = r.dial(runCtx)
		if err != nil {
			if runCtx.Err() != nil {
				err = context.Cause(runCtx)
			}
			return r.finish(stream, err), nil
		}
	}

	r.setState(Streaming)
	cause := r.stream(runCtx, stream, pty)
	return r.finish(stream, cause), nil
}

func (r *Relay) dial(ctx context.Context) (sandbox.PTY, error) {
	if r.cfg.Dial == nil {
		return nil, fmt.Errorf("no pty to attach: %w", errdefs.ErrRelayIO)
	}
	pty, err := r.cfg.Dial(ctx)
	if err != nil {
		return nil, fmt.Errorf("dial pty: %w: %w", errdefs.ErrRelayIO, err)
	}
	return pty, nil
}

// stream runs the two pumps and the control listener until one of them
// stops, and returns the first reason.
func (r *Relay) stream(ctx context.Context, stream Stream, pty sandbox.PTY) error {
	g, gctx := errgroup.WithContext(ctx)
	resizes := make(chan Frame, 4)

	g.Go(func() error { return r.pumpOut(gctx, pty, stream) })
	g.Go(func() error { return r.pumpIn(gctx, stream, pty, resizes) })
	g.Go(func() error { return r.control(gctx, pty, resizes) })
	g.Go(func() error {
		<-gctx.Done()
		pty.Close()
		stream.Unblock()
		return nil
	})

	_ = g.Wait()
	return context.Cause(gctx)
}

func (r *Relay) pumpOut(ctx context.Context, pty sandbox.PTY, stream Stream) error {
	buf := make([]byte, r.cfg.BufferSize)
	for {
		n, err := pty.Read(buf)
		if n > 0 {
			if werr := stream.WriteFrame(DataFrame(buf[:n])); werr != nil {
				return fmt.Errorf("%w: %w", errStreamGone, werr)
			}
			r.activity("out", n)
		}
		if err != nil {
			if ctx.Err() != nil {
				return context.Cause(ctx)
			}
			if errors.Is(err, io.EOF) {
				return errPTYExited
			}
			return fmt.Errorf("read pty: %w: %w", errdefs.ErrRelayIO, err)
		}
	}
}

func (r *Relay) pumpIn(ctx context.Context, stream Stream, pty sandbox.PTY, resizes chan<- Frame) error {
	for {
		f, err := stream.ReadFrame()
		if err != nil {
			if ctx.Err() != nil {
				return context.Cause(ctx)
			}
			if IsBadFrame(err) {
				r.logger.Debug().Err(err).Msg("dropping malformed frame")
				continue
			}
			return fmt.Errorf("%w: %w", errStreamGone, err)
		}

		switch f.Type {
		case FrameData:
			if len(f.Payload) == 0 {
				continue
			}
			if _, err := pty.Write(f.Payload); err != nil {
				if ctx.Err() != nil {
					return context.Cause(ctx)
				}
				return fmt.Errorf("write pty: %w: %w", errdefs.ErrRelayIO, err)
			}
			r.activity("in", len(f.Payload))
			if r.cfg.OnInput != nil {
				r.cfg.OnInput(f.Payload)
			}
		case FrameResize:
			select {
			case resizes <- f:
			case <-ctx.Done():
				return context.Cause(ctx)
			}
		case FrameClose:
			return errClientClose
		}
	}
}

// control applies resize events as soon as they arrive.
func (r *Relay) control(ctx context.Context, pty sandbox.PTY, resizes <-chan Frame) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case f := <-resizes:
			if err := pty.Resize(ctx, f.Cols, f.Rows); err != nil {
				r.logger.Warn().Err(err).Uint16("cols", f.Cols).Uint16("rows", f.Rows).Msg("resize failed")
				continue
			}
			r.activity("", 0)
		}
	}
}

func (r *Relay) activity(direction string, n int) {
	if r.cfg.OnActivity != nil {
		r.cfg.OnActivity()
	}
	if n > 0 && r.cfg.OnBytes != nil {
		r.cfg.OnBytes(direction, n)
	}
}

// finish sends the farewell frames for cause, closes the stream and moves
// the relay to Idle or Closed.
func (r *Relay) finish(stream Stream, cause error) Outcome {
	r.mu.Lock()
	canceled := r.canceled
	r.mu.Unlock()

	detach := errors.Is(cause, errStreamGone) || errors.Is(cause, context.Canceled) ||
		errors.Is(cause, context.DeadlineExceeded)
	if canceled {
		cause = errTerminated
		detach = false
	}

	if detach {
		stream.Close()
		r.mu.Lock()
		r.state = Idle
		r.cancel = nil
		r.mu.Unlock()
		r.logger.Debug().Err(cause).Str(logging.FieldNewState, Idle.String()).Msg("client detached")
		return Detached
	}

	r.setState(Closing)
	switch {
	case errors.Is(cause, errTerminated):
		_ = stream.WriteFrame(ErrorFrame(CodeTerminated, "session terminated"))
	case errors.Is(cause, errdefs.ErrRelayIO):
		_ = stream.WriteFrame(ErrorFrame(errdefs.Code(cause), cause.Error()))
	}
	_ = stream.WriteFrame(CloseFrame())
	stream.Close()

	r.mu.Lock()
	r.state = Closed
	r.reason = cause
	r.cancel = nil
	parked := r.parked
	r.parked = nil
	close(r.closed)
	r.mu.Unlock()

	if parked != nil {
		parked.Close()
	}

	r.logger.Debug().Err(cause).Str(logging.FieldNewState, Closed.String()).Msg("relay closed")
	if !canceled && r.cfg.OnClosed != nil {
		r.cfg.OnClosed(cause)
	}
	return Ended
}

func (r *Relay) setState(s State) {
	r.mu.Lock()
	r.state = s
	r.mu.Unlock()
}

// Cancel closes the relay from any state and waits, up to the configured
// timeout or ctx, for an attached stream to be released. Cancel is
// idempotent.
func (r *Relay) Cancel(ctx context.Context) error {
	r.mu.Lock()
	r.canceled = true
	switch r.state {
	case Closed:
		r.mu.Unlock()
		return nil
	case Idle:
		r.state = Closed
		r.reason = errTerminated
		parked := r.parked
		r.parked = nil
		close(r.closed)
		r.mu.Unlock()
		if parked != nil {
			parked.Close()
		}
		r.logger.Debug().Str(logging.FieldNewState, Closed.String()).Msg("relay canceled while idle")
		return nil
	}
	cancel, done := r.cancel, r.done
	r.mu.Unlock()

	if cancel != nil {
		cancel(errTerminated)
	}

	timer := time.NewTimer(r.cfg.CancelTimeout)
	defer timer.Stop()
	select {
	case <-r.closed:
		return nil
	case <-done:
		// Attach finished without seeing the cancel; the relay is Idle or
		// already Closed.
		return r.Cancel(ctx)
	case <-timer.C:
		return fmt.Errorf("relay cancel: %w", context.DeadlineExceeded)
	case <-ctx.Done():
		return ctx.Err()
	}
}
