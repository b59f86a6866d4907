// Package sandboxtest provides an in-memory sandbox engine for tests.
package sandboxtest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/michaelbrown/pocket/internal/errdefs"
	"github.com/michaelbrown/pocket/internal/sandbox"
)

// ErrInjected is returned by operations configured to fail.
var ErrInjected = errors.New("injected failure")

type box struct {
	spec    sandbox.Spec
	status  sandbox.Status
	health  sandbox.Status
	cols    uint16
	rows    uint16
	ptys    []*PTY
	resizes [][2]uint16
}

// Engine is a fake sandbox engine. Its ptys echo input back as output.
type Engine struct {
	mu    sync.Mutex
	seq   int
	boxes map[string]*box

	createErr    error
	startErr     error
	removeErr    error
	stopFailures int
	stopDelay    time.Duration
	onCreate     func()

	creates int
	stops   int
	removes int
}

// NewEngine returns an empty fake engine.
func NewEngine() *Engine {
	return &Engine{boxes: make(map[string]*box)}
}

// FailCreate makes every Create fail with err (nil clears it).
func (e *Engine) FailCreate(err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.createErr = err
}

// OnCreate runs fn at the start of every Create, before the sandbox exists.
func (e *Engine) OnCreate(fn func()) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.onCreate = fn
}

// FailStart makes every Start fail with err (nil clears it).
func (e *Engine) FailStart(err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.startErr = err
}

// FailRemove makes every Remove fail with err (nil clears it).
func (e *Engine) FailRemove(err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.removeErr = err
}

// FailStops makes the next n Stop calls fail.
func (e *Engine) FailStops(n int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.stopFailures = n
}

// SlowStop makes every Stop take d, like a shell ignoring SIGTERM for its
// grace period.
func (e *Engine) SlowStop(d time.Duration) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.stopDelay = d
}

// SetHealth overrides what HealthCheck reports for a Running sandbox.
func (e *Engine) SetHealth(id string, status sandbox.Status) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if b, ok := e.boxes[id]; ok {
		b.health = status
	}
}

// Exit simulates the shell exiting: the sandbox stops and every open pty
// reads EOF.
func (e *Engine) Exit(id string) {
	e.mu.Lock()
	b, ok := e.boxes[id]
	var ptys []*PTY
	if ok {
		b.status = sandbox.StatusStopped
		ptys = b.ptys
		b.ptys = nil
	}
	e.mu.Unlock()

	for _, p := range ptys {
		p.closeWith(io.EOF)
	}
}

// BreakPTY makes every open pty of the sandbox fail reads with err.
func (e *Engine) BreakPTY(id string, err error) {
	e.mu.Lock()
	var ptys []*PTY
	if b, ok := e.boxes[id]; ok {
		ptys = b.ptys
	}
	e.mu.Unlock()

	for _, p := range ptys {
		p.closeWith(err)
	}
}

// Emit writes output into the newest open pty of the sandbox as if the shell
// had printed it.
func (e *Engine) Emit(id string, data []byte) bool {
	e.mu.Lock()
	var p *PTY
	if b, ok := e.boxes[id]; ok && len(b.ptys) > 0 {
		p = b.ptys[len(b.ptys)-1]
	}
	e.mu.Unlock()

	if p == nil {
		return false
	}
	_, err := p.Write(data)
	return err == nil
}

// AddOrphan registers a Running sandbox no session knows about.
func (e *Engine) AddOrphan(sessionID string) string {
	e.mu.Lock()
	defer e.mu.Unlock()
	id := e.nextID()
	e.boxes[id] = &box{spec: sandbox.Spec{SessionID: sessionID}, status: sandbox.StatusRunning}
	return id
}

// Exists reports whether the runtime still holds the sandbox.
func (e *Engine) Exists(id string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.boxes[id]
	return ok
}

// Count returns the number of sandboxes not yet removed.
func (e *Engine) Count() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.boxes)
}

// IDs returns the ids of every sandbox not yet removed, sorted.
func (e *Engine) IDs() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	ids := make([]string, 0, len(e.boxes))
	for id := range e.boxes {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Resizes returns the resize calls applied to the sandbox, in order.
func (e *Engine) Resizes(id string) [][2]uint16 {
	e.mu.Lock()
	defer e.mu.Unlock()
	b, ok := e.boxes[id]
	if !ok {
		return nil
	}
	return append([][2]uint16(nil), b.resizes...)
}

// Calls returns how many Create, Stop and Remove calls were made.
func (e *Engine) Calls() (creates, stops, removes int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.creates, e.stops, e.removes
}

func (e *Engine) nextID() string {
	e.seq++
	return fmt.Sprintf("sbx-%04d", e.seq)
}

// Create behaves like a daemon that finishes a create even when the caller
// gave up: the sandbox exists but a canceled ctx still fails the call.
func (e *Engine) Create(ctx context.Context, spec sandbox.Spec) (string, error) {
	e.mu.Lock()
	hook := e.onCreate
	e.mu.Unlock()
	if hook != nil {
		hook()
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.creates++
	if e.createErr != nil {
		return "", fmt.Errorf("create: %w: %w", errdefs.ErrProvision, e.createErr)
	}
	id := e.nextID()
	e.boxes[id] = &box{spec: spec, status: sandbox.StatusCreating}
	if err := ctx.Err(); err != nil {
		return "", fmt.Errorf("create: %w: %w", errdefs.ErrProvision, err)
	}
	return id, nil
}

func (e *Engine) Start(ctx context.Context, id string) (sandbox.PTY, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	b, ok := e.boxes[id]
	if !ok {
		return nil, fmt.Errorf("sandbox %s: %w", id, errdefs.ErrNotFound)
	}
	switch b.status {
	case sandbox.StatusCreating:
	case sandbox.StatusRunning:
		return nil, fmt.Errorf("sandbox %s: %w", id, errdefs.ErrAlreadyRunning)
	default:
		return nil, fmt.Errorf("sandbox %s is %s: %w", id, b.status, errdefs.ErrInvalidState)
	}
	if e.startErr != nil {
		return nil, fmt.Errorf("start: %w: %w", errdefs.ErrProvision, e.startErr)
	}
	b.status = sandbox.StatusRunning
	return e.open(id, b), nil
}

func (e *Engine) Attach(ctx context.Context, id string) (sandbox.PTY, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	b, ok := e.boxes[id]
	if !ok {
		return nil, fmt.Errorf("sandbox %s: %w", id, errdefs.ErrNotFound)
	}
	if b.status != sandbox.StatusRunning {
		return nil, fmt.Errorf("sandbox %s is %s: %w", id, b.status, errdefs.ErrInvalidState)
	}
	return e.open(id, b), nil
}

func (e *Engine) open(id string, b *box) *PTY {
	p := newPTY(e, id)
	b.ptys = append(b.ptys, p)
	return p
}

func (e *Engine) HealthCheck(ctx context.Context, id string) sandbox.Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	b, ok := e.boxes[id]
	if !ok {
		return sandbox.StatusUnhealthy
	}
	if b.status == sandbox.StatusRunning && b.health != "" {
		return b.health
	}
	return b.status
}

func (e *Engine) Stop(ctx context.Context, id string, graceful bool) error {
	e.mu.Lock()
	delay := e.stopDelay
	e.mu.Unlock()
	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return fmt.Errorf("stop sandbox %s: %w: %w", id, errdefs.ErrTeardown, ctx.Err())
		}
	}

	e.mu.Lock()
	e.stops++
	if e.stopFailures > 0 {
		e.stopFailures--
		e.mu.Unlock()
		return fmt.Errorf("stop sandbox %s: %w: %w", id, errdefs.ErrTeardown, ErrInjected)
	}
	b, ok := e.boxes[id]
	var ptys []*PTY
	if ok {
		b.status = sandbox.StatusStopped
		ptys = b.ptys
		b.ptys = nil
	}
	e.mu.Unlock()

	for _, p := range ptys {
		p.closeWith(io.EOF)
	}
	return nil
}

func (e *Engine) Remove(ctx context.Context, id string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.removes++
	if e.removeErr != nil {
		return fmt.Errorf("remove sandbox %s: %w: %w", id, errdefs.ErrTeardown, e.removeErr)
	}
	b, ok := e.boxes[id]
	if !ok {
		return nil
	}
	if b.status == sandbox.StatusRunning {
		return fmt.Errorf("remove sandbox %s: still running: %w", id, errdefs.ErrInvalidState)
	}
	delete(e.boxes, id)
	return nil
}

func (e *Engine) Inspect(ctx context.Context, id string) (sandbox.Info, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	b, ok := e.boxes[id]
	if !ok {
		return sandbox.Info{ID: id, Status: sandbox.StatusRemoved}, nil
	}
	return sandbox.Info{
		ID:           id,
		SessionID:    b.spec.SessionID,
		Status:       b.status,
		Cols:         b.cols,
		Rows:         b.rows,
		ReadOnlyRoot: true,
		Network:      b.spec.Limits.Network,
		MemoryBytes:  b.spec.Limits.MemoryBytes,
		PidsLimit:    b.spec.Limits.PidsLimit,
	}, nil
}

func (e *Engine) ListOrphans(ctx context.Context, live func(sessionID string) bool) ([]string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []string
	for id, b := range e.boxes {
		if live != nil && live(b.spec.SessionID) {
			continue
		}
		out = append(out, id)
	}
	sort.Strings(out)
	return out, nil
}

func (e *Engine) resize(id string, cols, rows uint16) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	b, ok := e.boxes[id]
	if !ok {
		return fmt.Errorf("sandbox %s: %w", id, errdefs.ErrNotFound)
	}
	b.cols, b.rows = cols, rows
	b.resizes = append(b.resizes, [2]uint16{cols, rows})
	return nil
}

func (e *Engine) detach(id string, p *PTY) {
	e.mu.Lock()
	defer e.mu.Unlock()
	b, ok := e.boxes[id]
	if !ok {
		return
	}
	for i, q := range b.ptys {
		if q == p {
			b.ptys = append(b.ptys[:i], b.ptys[i+1:]...)
			return
		}
	}
}

// PTY is an echoing in-memory terminal. Writes are buffered, so a writer
// never blocks on a slow reader.
type PTY struct {
	engine *Engine
	id     string

	mu     sync.Mutex
	cond   *sync.Cond
	buf    []byte
	err    error
	closed bool
}

func newPTY(e *Engine, id string) *PTY {
	p := &PTY{engine: e, id: id}
	p.cond = sync.NewCond(&p.mu)
	return p
}

func (p *PTY) Read(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for len(p.buf) == 0 && p.err == nil {
		p.cond.Wait()
	}
	// Buffered output drains before the terminal error surfaces.
	if len(p.buf) > 0 && !p.closed {
		n := copy(b, p.buf)
		p.buf = p.buf[n:]
		return n, nil
	}
	return 0, p.err
}

func (p *PTY) Write(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return 0, io.ErrClosedPipe
	}
	p.buf = append(p.buf, b...)
	p.cond.Broadcast()
	return len(b), nil
}

// Close detaches this pty. The sandbox keeps running.
func (p *PTY) Close() error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	p.closeWith(io.ErrClosedPipe)
	p.engine.detach(p.id, p)
	return nil
}

func (p *PTY) Resize(ctx context.Context, cols, rows uint16) error {
	return p.engine.resize(p.id, cols, rows)
}

func (p *PTY) closeWith(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err == nil {
		p.err = err
	}
	p.cond.Broadcast()
}
