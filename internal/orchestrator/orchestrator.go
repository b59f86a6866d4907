// Package orchestrator is the session facade: it creates sessions, attaches
// client streams to them and tears them down, coordinating the policy,
// engine, registry and relay. All work for one session id is serialized.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/michaelbrown/pocket/internal/auth"
	"github.com/michaelbrown/pocket/internal/errdefs"
	"github.com/michaelbrown/pocket/internal/logging"
	"github.com/michaelbrown/pocket/internal/metrics"
	"github.com/michaelbrown/pocket/internal/policy"
	"github.com/michaelbrown/pocket/internal/relay"
	"github.com/michaelbrown/pocket/internal/sandbox"
	"github.com/michaelbrown/pocket/internal/session"
	"github.com/michaelbrown/pocket/internal/storage"
)

// Engine is the sandbox runtime capability the orchestrator drives.
type Engine interface {
	Create(ctx context.Context, spec sandbox.Spec) (string, error)
	Start(ctx context.Context, id string) (sandbox.PTY, error)
	Attach(ctx context.Context, id string) (sandbox.PTY, error)
	HealthCheck(ctx context.Context, id string) sandbox.Status
	Stop(ctx context.Context, id string, graceful bool) error
	Remove(ctx context.Context, id string) error
	Inspect(ctx context.Context, id string) (sandbox.Info, error)
	ListOrphans(ctx context.Context, live func(sessionID string) bool) ([]string, error)
}

// Journal records session lifecycle history. Writes are best effort.
type Journal interface {
	RecordSession(ctx context.Context, r *storage.Record) error
	UpdateStatus(ctx context.Context, id string, status storage.Status, sandboxID string) error
	AppendEvent(ctx context.Context, e storage.Event) error
	AppendCommand(ctx context.Context, c storage.Command) error
}

// Termination reasons.
const (
	ReasonRequested   = "requested"
	ReasonRelayClosed = "relay_closed"
	ReasonIdle        = "idle"
	ReasonUnhealthy   = "unhealthy"
	ReasonShutdown    = "shutdown"
)

// Config wires an Orchestrator.
type Config struct {
	Engine   Engine
	Policy   *policy.Policy
	Registry *session.Registry
	Auth     auth.Validator

	// Journal is optional.
	Journal Journal

	// TeardownRetries is how many times Stop and Remove are each retried
	// within one terminate.
	TeardownRetries int
	RetryBackoff    time.Duration
	// TeardownTimeout bounds one full teardown.
	TeardownTimeout time.Duration
	// CancelTimeout bounds how long a relay cancel may take.
	CancelTimeout time.Duration
	// ProvisionTimeout bounds sandbox create and start. Provisioning does
	// not follow the caller's cancellation, so a client that goes away
	// mid-create cannot strand a half-made sandbox.
	ProvisionTimeout time.Duration

	NewID  func() string
	Logger *zerolog.Logger
}

// Orchestrator coordinates the session lifecycle.
type Orchestrator struct {
	engine   Engine
	policy   *policy.Policy
	registry *session.Registry
	auth     auth.Validator
	journal  Journal
	cfg      Config
	logger   zerolog.Logger

	locks *keyedMutex
	async sync.WaitGroup
}

// New validates cfg and returns an Orchestrator.
func New(cfg Config) (*Orchestrator, error) {
	if cfg.Engine == nil || cfg.Policy == nil || cfg.Registry == nil || cfg.Auth == nil {
		return nil, fmt.Errorf("%w: orchestrator needs an engine, policy, registry and validator", errdefs.ErrInvalidConfig)
	}
	if cfg.TeardownRetries <= 0 {
		cfg.TeardownRetries = 3
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = 200 * time.Millisecond
	}
	if cfg.TeardownTimeout <= 0 {
		cfg.TeardownTimeout = time.Minute
	}
	if cfg.CancelTimeout <= 0 {
		cfg.CancelTimeout = 5 * time.Second
	}
	if cfg.ProvisionTimeout <= 0 {
		cfg.ProvisionTimeout = 2 * time.Minute
	}
	if cfg.NewID == nil {
		cfg.NewID = uuid.NewString
	}

	return &Orchestrator{
		engine:   cfg.Engine,
		policy:   cfg.Policy,
		registry: cfg.Registry,
		auth:     cfg.Auth,
		journal:  cfg.Journal,
		cfg:      cfg,
		logger:   logging.Or(cfg.Logger, "orchestrator"),
		locks:    newKeyedMutex(),
	}, nil
}

// CreateSession provisions a sandbox for the token's user and returns the
// Active session. Any failure after the registry insert rolls back the
// sandbox and the registry entry before returning.
func (o *Orchestrator) CreateSession(ctx context.Context, profile, token string) (session.Session, error) {
	userID, err := o.auth.Validate(ctx, token)
	if err != nil {
		return session.Session{}, err
	}
	return o.CreateSessionFor(ctx, userID, profile)
}

// CreateSessionFor is CreateSession for a caller that already resolved the
// token to userID.
func (o *Orchestrator) CreateSessionFor(ctx context.Context, userID, profile string) (session.Session, error) {
	s, err := o.createSession(ctx, userID, profile)
	if err != nil {
		metrics.RecordCreateFailure(errdefs.Code(err))
		return session.Session{}, err
	}
	metrics.RecordCreated(profile)
	metrics.SetActive(o.registry.Count())
	return s, nil
}

func (o *Orchestrator) createSession(ctx context.Context, userID, profile string) (session.Session, error) {
	limits, err := o.policy.Resolve(profile)
	if err != nil {
		return session.Session{}, err
	}

	id := o.cfg.NewID()
	unlock := o.locks.Lock(id)
	defer unlock()

	logger := o.logger.With().
		Str(logging.FieldSessionID, id).
		Str(logging.FieldUserID, userID).
		Str(logging.FieldProfile, profile).
		Logger()

	if _, err := o.registry.Insert(session.Session{ID: id, UserID: userID, Profile: profile, Limits: limits}); err != nil {
		return session.Session{}, err
	}
	o.record(ctx, &storage.Record{ID: id, UserID: userID, Profile: profile, Status: storage.StatusProvisioning})

	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.cfg.ProvisionTimeout)
	defer cancel()

	sandboxID, err := o.engine.Create(pctx, sandbox.Spec{SessionID: id, Profile: profile, Limits: limits})
	if err != nil {
		return session.Session{}, o.rollback(ctx, id, "", err)
	}
	if err := o.registry.SetSandbox(id, sandboxID); err != nil {
		return session.Session{}, o.rollback(ctx, id, sandboxID, err)
	}

	pty, err := o.engine.Start(pctx, sandboxID)
	if err != nil {
		return session.Session{}, o.rollback(ctx, id, sandboxID, err)
	}

	// Nobody is left to receive the session.
	if ctx.Err() != nil {
		pty.Close()
		return session.Session{}, o.rollback(ctx, id, sandboxID, fmt.Errorf("caller gone: %w", context.Cause(ctx)))
	}

	rl := o.newRelay(id, sandboxID)
	rl.Park(pty)
	if err := o.registry.BindRelay(id, rl); err != nil {
		rl.Cancel(ctx)
		return session.Session{}, o.rollback(ctx, id, sandboxID, err)
	}

	s, err := o.registry.UpdateState(id, session.Active)
	if err != nil {
		rl.Cancel(ctx)
		return session.Session{}, o.rollback(ctx, id, sandboxID, err)
	}

	o.updateStatus(ctx, id, storage.StatusActive, sandboxID)
	o.event(ctx, id, storage.EventCreated, sandboxID)
	logger.Info().Str(logging.FieldSandboxID, sandboxID).Msg("session created")
	return s, nil
}

// rollback undoes a partial creation and returns the error to surface.
func (o *Orchestrator) rollback(ctx context.Context, id, sandboxID string, cause error) error {
	logger := o.logger.With().Str(logging.FieldSessionID, id).Logger()
	logger.Warn().Err(cause).Str(logging.FieldSandboxID, sandboxID).Msg("session creation failed, rolling back")

	if sandboxID != "" {
		if err := o.teardown(ctx, sandboxID, false); err != nil {
			// The orphan sweep reclaims it once the registry entry is gone.
			logger.Error().Err(err).Str(logging.FieldSandboxID, sandboxID).Msg("rollback teardown failed")
		}
	}
	if _, err := o.registry.BeginTerminate(id); err == nil {
		_ = o.registry.Remove(id)
	}

	o.updateStatus(ctx, id, storage.StatusFailed, sandboxID)
	o.event(ctx, id, storage.EventCreateFailed, cause.Error())

	if errors.Is(cause, errdefs.ErrProvision) || errors.Is(cause, errdefs.ErrCapacity) {
		return cause
	}
	return fmt.Errorf("create session: %w: %w", errdefs.ErrProvision, cause)
}

func (o *Orchestrator) newRelay(id, sandboxID string) *relay.Relay {
	var onInput func([]byte)
	if o.journal != nil {
		lines := newLineRecorder(func(line string) { o.command(id, line) })
		onInput = lines.Write
	}
	return relay.New(relay.Config{
		SessionID: id,
		Dial: func(ctx context.Context) (sandbox.PTY, error) {
			return o.engine.Attach(ctx, sandboxID)
		},
		OnActivity: func() { o.registry.Touch(id) },
		OnBytes:    metrics.RecordRelayBytes,
		OnInput:    onInput,
		OnClosed: func(reason error) {
			o.event(context.Background(), id, storage.EventRelayClosed, reason.Error())
			o.terminateAsync(id, ReasonRelayClosed)
		},
		CancelTimeout: o.cfg.CancelTimeout,
		Logger:        &o.logger,
	})
}

// AttachStream binds stream to the session's sandbox and blocks until the
// client detaches or the session ends.
func (o *Orchestrator) AttachStream(ctx context.Context, id, token string, stream relay.Stream) error {
	userID, err := o.auth.Validate(ctx, token)
	if err != nil {
		return err
	}
	return o.AttachStreamFor(ctx, id, userID, stream)
}

// AttachStreamFor is AttachStream for a caller that already resolved the
// token to userID.
func (o *Orchestrator) AttachStreamFor(ctx context.Context, id, userID string, stream relay.Stream) error {
	s, err := o.beginAttach(id, userID)
	if err != nil {
		return err
	}

	logger := o.logger.With().Str(logging.FieldSessionID, id).Logger()
	logger.Debug().Msg("stream attached")
	o.event(ctx, id, storage.EventAttached, "")

	outcome, err := s.Relay.Attach(ctx, stream)
	if err != nil {
		return err
	}
	if outcome == relay.Detached {
		o.endAttach(ctx, id, s.Relay)
		logger.Debug().Msg("stream detached")
	}
	return nil
}

func (o *Orchestrator) beginAttach(id, userID string) (session.Session, error) {
	unlock := o.locks.Lock(id)
	defer unlock()

	s, err := o.registry.Get(id)
	if err != nil {
		return session.Session{}, err
	}
	if s.UserID != userID {
		return session.Session{}, fmt.Errorf("session %s: %w", id, errdefs.ErrNotFound)
	}
	if s.State != session.Active && s.State != session.Detached {
		return session.Session{}, fmt.Errorf("session %s is %s: %w", id, s.State, errdefs.ErrInvalidState)
	}
	if s.Relay == nil || s.Relay.Closed() {
		return session.Session{}, fmt.Errorf("session %s has no open relay: %w", id, errdefs.ErrInvalidState)
	}
	if s.Relay.State() != relay.Idle {
		return session.Session{}, fmt.Errorf("session %s is already attached: %w", id, errdefs.ErrInvalidState)
	}
	if s.State == session.Detached {
		if s, err = o.registry.UpdateState(id, session.Active); err != nil {
			return session.Session{}, err
		}
		o.updateStatus(context.Background(), id, storage.StatusActive, "")
	}
	// An attach is activity even before the first byte.
	o.registry.Touch(id)
	return s, nil
}

func (o *Orchestrator) endAttach(ctx context.Context, id string, rl *relay.Relay) {
	unlock := o.locks.Lock(id)
	defer unlock()

	// A newer attach may already own the relay.
	if rl.State() != relay.Idle {
		return
	}
	if _, err := o.registry.UpdateState(id, session.Detached); err != nil {
		return
	}
	o.updateStatus(ctx, id, storage.StatusDetached, "")
	o.event(ctx, id, storage.EventDetached, "")
}

// TerminateSession tears down a session on behalf of its owner. Losing a
// terminate race is success. Teardown failures are left to the reaper.
func (o *Orchestrator) TerminateSession(ctx context.Context, id, token string) error {
	userID, err := o.auth.Validate(ctx, token)
	if err != nil {
		return err
	}
	s, err := o.registry.Get(id)
	if err != nil {
		return err
	}
	if s.UserID != userID {
		return fmt.Errorf("session %s: %w", id, errdefs.ErrNotFound)
	}

	err = o.Terminate(ctx, id, ReasonRequested)
	switch {
	case err == nil, errors.Is(err, errdefs.ErrAlreadyTerminating):
		return nil
	case errors.Is(err, errdefs.ErrTeardown):
		return nil
	default:
		return err
	}
}

// Terminate runs the teardown sequence for id: mark Terminating, cancel the
// relay, stop and remove the sandbox, then drop the registry entry. Exactly
// one concurrent caller runs it; the others get ErrAlreadyTerminating or
// ErrNotFound. On teardown failure the session stays Terminating and the
// error wraps ErrTeardown.
func (o *Orchestrator) Terminate(ctx context.Context, id, reason string) error {
	unlock := o.locks.Lock(id)
	defer unlock()

	s, err := o.registry.BeginTerminate(id)
	if err != nil {
		return err
	}
	return o.terminateLocked(ctx, s, reason)
}

// TerminateIdle terminates id for inactivity. The idle check is repeated
// under the session lock: a session that saw activity or has a client
// attached since it was found idle is left alone with ErrInvalidState.
func (o *Orchestrator) TerminateIdle(ctx context.Context, id string, threshold time.Duration) error {
	unlock := o.locks.Lock(id)
	defer unlock()

	cur, err := o.registry.Get(id)
	if err != nil {
		return err
	}
	if cur.Relay != nil {
		if st := cur.Relay.State(); st == relay.Attaching || st == relay.Streaming {
			return fmt.Errorf("session %s is attached: %w", id, errdefs.ErrInvalidState)
		}
	}

	s, err := o.registry.BeginTerminateIdle(id, threshold)
	if err != nil {
		return err
	}
	return o.terminateLocked(ctx, s, ReasonIdle)
}

// terminateLocked runs teardown for a session already moved to
// Terminating. The caller holds the session lock.
func (o *Orchestrator) terminateLocked(ctx context.Context, s session.Session, reason string) error {
	id := s.ID
	logger := o.logger.With().
		Str(logging.FieldSessionID, id).
		Str(logging.FieldSandboxID, s.SandboxID).
		Str(logging.FieldReason, reason).
		Logger()
	logger.Info().Msg("terminating session")
	o.updateStatus(ctx, id, storage.StatusTerminating, "")
	o.event(ctx, id, storage.EventTerminating, reason)

	if s.Relay != nil {
		if err := s.Relay.Cancel(ctx); err != nil {
			logger.Warn().Err(err).Msg("relay cancel did not complete")
		}
	}

	if err := o.teardown(ctx, s.SandboxID, true); err != nil {
		o.teardownFailed(ctx, id, err)
		return err
	}

	o.finish(ctx, id, reason)
	return nil
}

// RetryTeardown retries the teardown of a session left Terminating by an
// earlier failure. It returns the number of failed attempts so far.
func (o *Orchestrator) RetryTeardown(ctx context.Context, id string) (int, error) {
	unlock := o.locks.Lock(id)
	defer unlock()

	s, err := o.registry.Get(id)
	if err != nil {
		return 0, err
	}
	if s.State != session.Terminating {
		return s.TeardownAttempts, fmt.Errorf("session %s is %s: %w", id, s.State, errdefs.ErrInvalidState)
	}

	if err := o.teardown(ctx, s.SandboxID, false); err != nil {
		return o.teardownFailed(ctx, id, err), err
	}
	o.finish(ctx, id, "retry")
	return s.TeardownAttempts, nil
}

// Abandon force-marks a Terminating session Terminated and drops it from
// the registry. Its sandbox, if still present, becomes an orphan for
// Reconcile.
func (o *Orchestrator) Abandon(ctx context.Context, id string) error {
	unlock := o.locks.Lock(id)
	defer unlock()

	prev, err := o.registry.ForceTerminate(id)
	if err != nil {
		return err
	}
	if err := o.registry.Remove(id); err != nil {
		return err
	}

	o.logger.Error().
		Str(logging.FieldSessionID, id).
		Str(logging.FieldSandboxID, prev.SandboxID).
		Int("attempts", prev.TeardownAttempts).
		Msg("teardown retries exhausted, session abandoned")
	metrics.RecordTerminated("abandoned")
	metrics.SetActive(o.registry.Count())
	o.updateStatus(ctx, id, storage.StatusTerminated, "")
	o.event(ctx, id, storage.EventAbandoned, fmt.Sprintf("%d failed attempts", prev.TeardownAttempts))
	return nil
}

func (o *Orchestrator) teardownFailed(ctx context.Context, id string, err error) int {
	n, _ := o.registry.RecordTeardownFailure(id)
	metrics.RecordTeardownFailure()
	o.logger.Error().Err(err).Str(logging.FieldSessionID, id).Int("attempts", n).Msg("sandbox teardown failed")
	o.event(ctx, id, storage.EventTeardownFailed, err.Error())
	return n
}

func (o *Orchestrator) finish(ctx context.Context, id, reason string) {
	if err := o.registry.Remove(id); err != nil {
		o.logger.Error().Err(err).Str(logging.FieldSessionID, id).Msg("removing terminated session")
		return
	}
	metrics.RecordTerminated(reason)
	metrics.SetActive(o.registry.Count())
	o.updateStatus(ctx, id, storage.StatusTerminated, "")
	o.event(ctx, id, storage.EventTerminated, reason)
	o.logger.Info().Str(logging.FieldSessionID, id).Str(logging.FieldReason, reason).Msg("session terminated")
}

// teardown stops then removes the sandbox, retrying each step. Remove only
// runs after Stop succeeded.
func (o *Orchestrator) teardown(ctx context.Context, sandboxID string, graceful bool) error {
	if sandboxID == "" {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.cfg.TeardownTimeout)
	defer cancel()

	err := o.retry(ctx, func(attempt int) error {
		return o.engine.Stop(ctx, sandboxID, graceful && attempt == 0)
	})
	if err != nil {
		return fmt.Errorf("stop sandbox %s: %w", sandboxID, asTeardown(err))
	}

	err = o.retry(ctx, func(int) error {
		return o.engine.Remove(ctx, sandboxID)
	})
	if err != nil {
		return fmt.Errorf("remove sandbox %s: %w", sandboxID, asTeardown(err))
	}
	return nil
}

func (o *Orchestrator) retry(ctx context.Context, fn func(attempt int) error) error {
	var err error
	for attempt := 0; attempt < o.cfg.TeardownRetries; attempt++ {
		if err = fn(attempt); err == nil {
			return nil
		}
		select {
		case <-ctx.Done():
			return errors.Join(err, ctx.Err())
		case <-time.After(o.cfg.RetryBackoff * time.Duration(attempt+1)):
		}
	}
	return err
}

func asTeardown(err error) error {
	if errors.Is(err, errdefs.ErrTeardown) {
		return err
	}
	return fmt.Errorf("%w: %w", errdefs.ErrTeardown, err)
}

func (o *Orchestrator) terminateAsync(id, reason string) {
	o.async.Add(1)
	go func() {
		defer o.async.Done()
		err := o.Terminate(context.Background(), id, reason)
		if err != nil && !errors.Is(err, errdefs.ErrAlreadyTerminating) && !errors.Is(err, errdefs.ErrNotFound) {
			o.logger.Debug().Err(err).Str(logging.FieldSessionID, id).Msg("async terminate incomplete")
		}
	}()
}

// Reconcile stops and removes sandboxes carrying this server's marker that
// no live session owns. It runs at startup and periodically from the
// reaper.
func (o *Orchestrator) Reconcile(ctx context.Context) (int, error) {
	orphans, err := o.engine.ListOrphans(ctx, o.registry.OwnsSession)
	if err != nil {
		return 0, fmt.Errorf("listing orphans: %w", err)
	}

	removed := 0
	var errs []error
	for _, id := range orphans {
		if err := o.teardown(ctx, id, false); err != nil {
			errs = append(errs, err)
			continue
		}
		removed++
		o.logger.Info().Str(logging.FieldSandboxID, id).Msg("orphaned sandbox removed")
	}
	if removed > 0 {
		metrics.RecordOrphansRemoved(removed)
	}
	return removed, errors.Join(errs...)
}

// GetSession returns the session if it belongs to the token's user.
func (o *Orchestrator) GetSession(ctx context.Context, id, token string) (session.Session, error) {
	userID, err := o.auth.Validate(ctx, token)
	if err != nil {
		return session.Session{}, err
	}
	return o.SessionFor(id, userID)
}

// SessionFor returns the session if it belongs to userID.
func (o *Orchestrator) SessionFor(id, userID string) (session.Session, error) {
	s, err := o.registry.Get(id)
	if err != nil {
		return session.Session{}, err
	}
	if s.UserID != userID {
		return session.Session{}, fmt.Errorf("session %s: %w", id, errdefs.ErrNotFound)
	}
	return s, nil
}

// SandboxInfo inspects the sandbox of the token user's session.
func (o *Orchestrator) SandboxInfo(ctx context.Context, id, token string) (sandbox.Info, error) {
	s, err := o.GetSession(ctx, id, token)
	if err != nil {
		return sandbox.Info{}, err
	}
	if s.SandboxID == "" {
		return sandbox.Info{}, fmt.Errorf("session %s has no sandbox: %w", id, errdefs.ErrInvalidState)
	}
	return o.engine.Inspect(ctx, s.SandboxID)
}

// ListSessions returns the token user's sessions.
func (o *Orchestrator) ListSessions(ctx context.Context, token string) ([]session.Session, error) {
	userID, err := o.auth.Validate(ctx, token)
	if err != nil {
		return nil, err
	}
	return o.registry.ListByUser(userID), nil
}

// Profiles returns the names of the available resource profiles.
func (o *Orchestrator) Profiles() []string {
	return o.policy.Names()
}

// Shutdown terminates every live session and waits for background
// terminations to finish.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(8)
	for _, s := range o.registry.List() {
		if s.State == session.Terminating || s.State == session.Terminated {
			continue
		}
		id := s.ID
		g.Go(func() error {
			err := o.Terminate(gctx, id, ReasonShutdown)
			if errors.Is(err, errdefs.ErrAlreadyTerminating) || errors.Is(err, errdefs.ErrNotFound) {
				return nil
			}
			return err
		})
	}
	err := g.Wait()

	done := make(chan struct{})
	go func() {
		o.async.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return errors.Join(err, ctx.Err())
	}
	return err
}

func (o *Orchestrator) record(ctx context.Context, r *storage.Record) {
	o.journalWrite(ctx, "record session", func(ctx context.Context) error {
		return o.journal.RecordSession(ctx, r)
	})
}

func (o *Orchestrator) updateStatus(ctx context.Context, id string, status storage.Status, sandboxID string) {
	o.journalWrite(ctx, "update status", func(ctx context.Context) error {
		return o.journal.UpdateStatus(ctx, id, status, sandboxID)
	})
}

func (o *Orchestrator) event(ctx context.Context, id, kind, detail string) {
	o.journalWrite(ctx, "append event", func(ctx context.Context) error {
		return o.journal.AppendEvent(ctx, storage.Event{SessionID: id, Kind: kind, Detail: detail})
	})
}

func (o *Orchestrator) command(id, line string) {
	o.journalWrite(context.Background(), "append command", func(ctx context.Context) error {
		return o.journal.AppendCommand(ctx, storage.Command{SessionID: id, Text: line})
	})
}

func (o *Orchestrator) journalWrite(ctx context.Context, what string, fn func(context.Context) error) {
	if o.journal == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
	defer cancel()
	if err := fn(ctx); err != nil {
		o.logger.Warn().Err(err).Msg("journal: " + what)
	}
}
