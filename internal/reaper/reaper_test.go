package reaper

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/michaelbrown/pocket/internal/auth"
	"github.com/michaelbrown/pocket/internal/errdefs"
	"github.com/michaelbrown/pocket/internal/orchestrator"
	"github.com/michaelbrown/pocket/internal/policy"
	"github.com/michaelbrown/pocket/internal/relay"
	"github.com/michaelbrown/pocket/internal/relay/relaytest"
	"github.com/michaelbrown/pocket/internal/sandbox"
	"github.com/michaelbrown/pocket/internal/sandbox/sandboxtest"
	"github.com/michaelbrown/pocket/internal/session"
)

const token = "token-alice"

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type harness struct {
	clock    *clock
	engine   *sandboxtest.Engine
	registry *session.Registry
	orch     *orchestrator.Orchestrator
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		clock:  &clock{now: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)},
		engine: sandboxtest.NewEngine(),
	}
	h.registry = session.NewRegistry(0, session.WithClock(h.clock.Now))

	pol, err := policy.New(policy.DefaultProfiles())
	require.NoError(t, err)
	validator, err := auth.NewStaticTokens(map[string]string{token: "alice"})
	require.NoError(t, err)

	var seq atomic.Int64
	h.orch, err = orchestrator.New(orchestrator.Config{
		Engine:          h.engine,
		Policy:          pol,
		Registry:        h.registry,
		Auth:            validator,
		TeardownRetries: 1,
		RetryBackoff:    time.Millisecond,
		NewID:           func() string { return fmt.Sprintf("sess-%d", seq.Add(1)) },
	})
	require.NoError(t, err)
	return h
}

func (h *harness) reaper(cfg Config) *Reaper {
	return New(h.registry, h.engine, h.orch, cfg)
}

func (h *harness) create(t *testing.T) session.Session {
	t.Helper()
	s, err := h.orch.CreateSession(context.Background(), "small", token)
	require.NoError(t, err)
	return s
}

func TestTick_ReapsIdleSessions(t *testing.T) {
	h := newHarness(t)
	r := h.reaper(Config{IdleThreshold: 10 * time.Minute})
	ctx := context.Background()

	idle := h.create(t)
	h.clock.Advance(8 * time.Minute)
	fresh := h.create(t)

	r.Tick(ctx)
	assert.Equal(t, 2, h.registry.Count(), "nothing idle yet")

	h.clock.Advance(5 * time.Minute)
	r.Tick(ctx)

	_, err := h.registry.Get(idle.ID)
	assert.ErrorIs(t, err, errdefs.ErrNotFound)
	assert.False(t, h.engine.Exists(idle.SandboxID))

	_, err = h.registry.Get(fresh.ID)
	assert.NoError(t, err)
}

func TestTick_ActivityDefersReaping(t *testing.T) {
	h := newHarness(t)
	r := h.reaper(Config{IdleThreshold: 10 * time.Minute})

	s := h.create(t)
	h.clock.Advance(9 * time.Minute)
	h.registry.Touch(s.ID)
	h.clock.Advance(9 * time.Minute)

	r.Tick(context.Background())
	_, err := h.registry.Get(s.ID)
	assert.NoError(t, err)
}

func TestTick_ActivityDuringTickSavesSession(t *testing.T) {
	h := newHarness(t)
	h.engine.SlowStop(300 * time.Millisecond)
	r := h.reaper(Config{IdleThreshold: 10 * time.Minute, Concurrency: 1})

	a := h.create(t)
	b := h.create(t)
	h.clock.Advance(11 * time.Minute)

	done := make(chan struct{})
	go func() {
		r.Tick(context.Background())
		close(done)
	}()

	// The user types into b while a is still being torn down.
	time.Sleep(50 * time.Millisecond)
	h.registry.Touch(b.ID)
	<-done

	_, err := h.registry.Get(a.ID)
	assert.ErrorIs(t, err, errdefs.ErrNotFound)
	got, err := h.registry.Get(b.ID)
	require.NoError(t, err)
	assert.Equal(t, session.Active, got.State)
	assert.True(t, h.engine.Exists(b.SandboxID))
}

func TestTick_AttachedSessionNotReaped(t *testing.T) {
	h := newHarness(t)
	r := h.reaper(Config{IdleThreshold: 10 * time.Minute})

	s := h.create(t)
	stream := relaytest.New()
	attached := make(chan error, 1)
	go func() { attached <- h.orch.AttachStream(context.Background(), s.ID, token, stream) }()
	require.Eventually(t, func() bool {
		got, err := h.registry.Get(s.ID)
		return err == nil && got.Relay.State() == relay.Streaming
	}, 2*time.Second, 5*time.Millisecond)

	// Attached but silent past the threshold.
	h.clock.Advance(time.Hour)
	r.Tick(context.Background())

	got, err := h.registry.Get(s.ID)
	require.NoError(t, err)
	assert.Equal(t, session.Active, got.State)

	stream.Hangup()
	select {
	case err := <-attached:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("attach did not return")
	}
}

func TestTick_TeardownsRunConcurrently(t *testing.T) {
	h := newHarness(t)
	const stopDelay = 300 * time.Millisecond
	h.engine.SlowStop(stopDelay)
	r := h.reaper(Config{Interval: time.Second, IdleThreshold: 10 * time.Minute})

	for i := 0; i < 8; i++ {
		h.create(t)
	}
	h.clock.Advance(11 * time.Minute)

	start := time.Now()
	r.Tick(context.Background())
	elapsed := time.Since(start)

	assert.Zero(t, h.registry.Count())
	assert.Zero(t, h.engine.Count())
	assert.Less(t, elapsed, 3*stopDelay, "tick took %s", elapsed)
}

func TestTick_ReapsUnhealthySandboxes(t *testing.T) {
	h := newHarness(t)
	r := h.reaper(Config{IdleThreshold: time.Hour})

	sick := h.create(t)
	well := h.create(t)
	h.engine.SetHealth(sick.SandboxID, sandbox.StatusUnhealthy)

	r.Tick(context.Background())

	_, err := h.registry.Get(sick.ID)
	assert.ErrorIs(t, err, errdefs.ErrNotFound)
	_, err = h.registry.Get(well.ID)
	assert.NoError(t, err)
	assert.Equal(t, 1, h.engine.Count())
}

func TestTick_ReapsExitedShellWhileDetached(t *testing.T) {
	h := newHarness(t)
	r := h.reaper(Config{IdleThreshold: time.Hour})

	s := h.create(t)
	h.engine.Exit(s.SandboxID)

	r.Tick(context.Background())
	_, err := h.registry.Get(s.ID)
	assert.ErrorIs(t, err, errdefs.ErrNotFound)
	assert.Zero(t, h.engine.Count())
}

func TestTick_RetriesThenAbandons(t *testing.T) {
	h := newHarness(t)
	r := h.reaper(Config{IdleThreshold: time.Hour, MaxRetries: 3})
	ctx := context.Background()

	s := h.create(t)
	h.engine.FailRemove(errors.New("device busy"))
	require.ErrorIs(t, h.orch.Terminate(ctx, s.ID, orchestrator.ReasonRequested), errdefs.ErrTeardown)

	r.Tick(ctx)
	got, err := h.registry.Get(s.ID)
	require.NoError(t, err)
	assert.Equal(t, session.Terminating, got.State)
	assert.Equal(t, 2, got.TeardownAttempts)

	r.Tick(ctx)
	_, err = h.registry.Get(s.ID)
	assert.ErrorIs(t, err, errdefs.ErrNotFound, "abandoned after max retries")
	assert.True(t, h.engine.Exists(s.SandboxID))

	// The sandbox is reclaimed by the orphan sweep once the runtime recovers.
	h.engine.FailRemove(nil)
	sweeper := h.reaper(Config{IdleThreshold: time.Hour, OrphanSweepEvery: 1})
	sweeper.Tick(ctx)
	assert.False(t, h.engine.Exists(s.SandboxID))
}

func TestTick_RetrySucceeds(t *testing.T) {
	h := newHarness(t)
	r := h.reaper(Config{IdleThreshold: time.Hour})
	ctx := context.Background()

	s := h.create(t)
	h.engine.FailRemove(errors.New("device busy"))
	require.Error(t, h.orch.Terminate(ctx, s.ID, orchestrator.ReasonRequested))

	h.engine.FailRemove(nil)
	r.Tick(ctx)

	_, err := h.registry.Get(s.ID)
	assert.ErrorIs(t, err, errdefs.ErrNotFound)
	assert.Zero(t, h.engine.Count())
}

func TestTick_OrphanSweep(t *testing.T) {
	h := newHarness(t)
	r := h.reaper(Config{IdleThreshold: time.Hour, OrphanSweepEvery: 2})
	ctx := context.Background()

	live := h.create(t)
	orphan := h.engine.AddOrphan("before-restart")

	r.Tick(ctx)
	assert.True(t, h.engine.Exists(orphan), "sweep runs every second tick")

	r.Tick(ctx)
	assert.False(t, h.engine.Exists(orphan))
	assert.True(t, h.engine.Exists(live.SandboxID))
}

// Unit tests against fakes for paths the real orchestrator closes on its own.

type fakeSource struct{ sessions []session.Session }

func (f *fakeSource) ListExpired(time.Duration) []session.Session { return nil }
func (f *fakeSource) List() []session.Session                     { return f.sessions }

type healthy struct{}

func (healthy) HealthCheck(context.Context, string) sandbox.Status { return sandbox.StatusRunning }

type recordingTerminator struct {
	mu         sync.Mutex
	terminated map[string]string
}

func (r *recordingTerminator) Terminate(ctx context.Context, id, reason string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.terminated[id] = reason
	return nil
}

func (r *recordingTerminator) TerminateIdle(ctx context.Context, id string, threshold time.Duration) error {
	return r.Terminate(ctx, id, orchestrator.ReasonIdle)
}

func (r *recordingTerminator) RetryTeardown(context.Context, string) (int, error) { return 0, nil }
func (r *recordingTerminator) Abandon(context.Context, string) error              { return nil }
func (r *recordingTerminator) Reconcile(context.Context) (int, error)             { return 0, nil }

func TestTick_ClosedRelayWithoutTerminate(t *testing.T) {
	closed := relay.New(relay.Config{SessionID: "a"})
	require.NoError(t, closed.Cancel(context.Background()))
	open := relay.New(relay.Config{SessionID: "b"})

	src := &fakeSource{sessions: []session.Session{
		{ID: "a", State: session.Active, SandboxID: "x", Relay: closed},
		{ID: "b", State: session.Detached, SandboxID: "y", Relay: open},
	}}
	term := &recordingTerminator{terminated: make(map[string]string)}

	New(src, healthy{}, term, Config{}).Tick(context.Background())

	assert.Equal(t, map[string]string{"a": orchestrator.ReasonRelayClosed}, term.terminated)
}

func TestRun_StopsOnCancel(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	src := &fakeSource{}
	term := &recordingTerminator{terminated: make(map[string]string)}
	r := New(src, healthy{}, term, Config{Interval: time.Millisecond})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	time.Sleep(10 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("reaper did not stop")
	}
}
