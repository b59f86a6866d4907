// Package reaper periodically reclaims idle, unhealthy and orphaned
// sessions. It only ever initiates teardown through the orchestrator.
package reaper

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/michaelbrown/pocket/internal/errdefs"
	"github.com/michaelbrown/pocket/internal/logging"
	"github.com/michaelbrown/pocket/internal/metrics"
	"github.com/michaelbrown/pocket/internal/orchestrator"
	"github.com/michaelbrown/pocket/internal/sandbox"
	"github.com/michaelbrown/pocket/internal/session"
)

// Source is the read-only view of the registry the reaper scans.
type Source interface {
	ListExpired(threshold time.Duration) []session.Session
	List() []session.Session
}

// HealthChecker reports sandbox health.
type HealthChecker interface {
	HealthCheck(ctx context.Context, id string) sandbox.Status
}

// Terminator is the teardown path the reaper drives.
type Terminator interface {
	Terminate(ctx context.Context, id, reason string) error
	TerminateIdle(ctx context.Context, id string, threshold time.Duration) error
	RetryTeardown(ctx context.Context, id string) (int, error)
	Abandon(ctx context.Context, id string) error
	Reconcile(ctx context.Context) (int, error)
}

// Config configures a Reaper.
type Config struct {
	Interval      time.Duration
	IdleThreshold time.Duration
	// MaxRetries is how many failed teardowns a session may accumulate
	// before it is abandoned to the orphan sweep.
	MaxRetries int
	// OrphanSweepEvery runs Reconcile every N ticks. Zero disables it.
	OrphanSweepEvery int
	// Concurrency bounds the health checks and teardowns one tick runs at once.
	Concurrency int

	Logger *zerolog.Logger
}

// Reaper scans sessions on a fixed interval.
type Reaper struct {
	src    Source
	health HealthChecker
	term   Terminator
	cfg    Config
	logger zerolog.Logger

	ticks int
}

// New returns a Reaper with defaults applied to cfg.
func New(src Source, health HealthChecker, term Terminator, cfg Config) *Reaper {
	if cfg.Interval <= 0 {
		cfg.Interval = 15 * time.Second
	}
	if cfg.IdleThreshold <= 0 {
		cfg.IdleThreshold = 30 * time.Minute
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 5
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 8
	}
	return &Reaper{
		src:    src,
		health: health,
		term:   term,
		cfg:    cfg,
		logger: logging.Or(cfg.Logger, "reaper"),
	}
}

// Run ticks until ctx is canceled.
func (r *Reaper) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()

	r.logger.Info().
		Dur("interval", r.cfg.Interval).
		Dur("idle_threshold", r.cfg.IdleThreshold).
		Msg("reaper started")

	for {
		select {
		case <-ctx.Done():
			r.logger.Info().Msg("reaper stopped")
			return nil
		case <-ticker.C:
			r.Tick(ctx)
		}
	}
}

// Tick runs one scan. Every session is handled in its own task so one
// slow teardown does not hold up the rest.
func (r *Reaper) Tick(ctx context.Context) {
	r.ticks++
	metrics.RecordReaperTick()

	var g errgroup.Group
	g.SetLimit(r.cfg.Concurrency)

	all := r.src.List()
	handled := make(map[string]bool)

	for _, s := range r.src.ListExpired(r.cfg.IdleThreshold) {
		handled[s.ID] = true
		g.Go(func() error {
			r.terminateIdle(ctx, s.ID)
			return nil
		})
	}

	for _, s := range all {
		if handled[s.ID] {
			continue
		}
		switch {
		case s.State == session.Terminating:
			g.Go(func() error {
				r.retry(ctx, s)
				return nil
			})
		case s.RelayClosed() && s.State != session.Terminated:
			g.Go(func() error {
				r.terminate(ctx, s.ID, orchestrator.ReasonRelayClosed)
				return nil
			})
		case (s.State == session.Active || s.State == session.Detached) && s.SandboxID != "":
			g.Go(func() error {
				if !r.healthy(ctx, s) {
					r.terminate(ctx, s.ID, orchestrator.ReasonUnhealthy)
				}
				return nil
			})
		}
	}
	_ = g.Wait()

	if r.cfg.OrphanSweepEvery > 0 && r.ticks%r.cfg.OrphanSweepEvery == 0 {
		n, err := r.term.Reconcile(ctx)
		if err != nil {
			r.logger.Warn().Err(err).Int("removed", n).Msg("orphan sweep incomplete")
		} else if n > 0 {
			r.logger.Info().Int("removed", n).Msg("orphan sweep")
		}
	}
}

// healthy reports whether the session's sandbox is still running.
func (r *Reaper) healthy(ctx context.Context, s session.Session) bool {
	status := r.health.HealthCheck(ctx, s.SandboxID)
	if status == sandbox.StatusRunning || status == sandbox.StatusCreating {
		return true
	}
	r.logger.Warn().
		Str(logging.FieldSessionID, s.ID).
		Str(logging.FieldSandboxID, s.SandboxID).
		Str("status", string(status)).
		Msg("sandbox unhealthy")
	return false
}

func (r *Reaper) terminateIdle(ctx context.Context, id string) {
	err := r.term.TerminateIdle(ctx, id, r.cfg.IdleThreshold)
	if errors.Is(err, errdefs.ErrInvalidState) {
		r.logger.Debug().Str(logging.FieldSessionID, id).Msg("session resumed before reaping")
		return
	}
	r.logResult(id, orchestrator.ReasonIdle, err)
}

func (r *Reaper) terminate(ctx context.Context, id, reason string) {
	r.logResult(id, reason, r.term.Terminate(ctx, id, reason))
}

func (r *Reaper) logResult(id, reason string, err error) {
	switch {
	case err == nil:
		r.logger.Info().Str(logging.FieldSessionID, id).Str(logging.FieldReason, reason).Msg("session reaped")
	case errors.Is(err, errdefs.ErrAlreadyTerminating), errors.Is(err, errdefs.ErrNotFound):
	default:
		r.logger.Warn().Err(err).Str(logging.FieldSessionID, id).Msg("reap failed, retrying next tick")
	}
}

func (r *Reaper) retry(ctx context.Context, s session.Session) {
	attempts, err := r.term.RetryTeardown(ctx, s.ID)
	if err == nil || errors.Is(err, errdefs.ErrNotFound) {
		return
	}
	if errors.Is(err, errdefs.ErrInvalidState) {
		return
	}
	if attempts < r.cfg.MaxRetries {
		r.logger.Warn().Err(err).Str(logging.FieldSessionID, s.ID).Int("attempts", attempts).Msg("teardown retry failed")
		return
	}
	if err := r.term.Abandon(ctx, s.ID); err != nil && !errors.Is(err, errdefs.ErrNotFound) {
		r.logger.Error().Err(err).Str(logging.FieldSessionID, s.ID).Msg("abandon failed")
	}
}
