package session

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/michaelbrown/pocket/internal/errdefs"
	"github.com/michaelbrown/pocket/internal/logging"
	"github.com/michaelbrown/pocket/internal/relay"
)

// Registry is the authoritative map of live sessions. Every method takes
// the same lock and none of them call out while holding it.
type Registry struct {
	mu       sync.Mutex
	sessions map[string]*Session
	max      int
	now      func() time.Time
	logger   zerolog.Logger
}

// Option configures a Registry.
type Option func(*Registry)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

// WithLogger sets the registry logger.
func WithLogger(l zerolog.Logger) Option {
	return func(r *Registry) { r.logger = l }
}

// NewRegistry returns an empty registry admitting at most max live
// sessions. max <= 0 means unlimited.
func NewRegistry(max int, opts ...Option) *Registry {
	r := &Registry{
		sessions: make(map[string]*Session),
		max:      max,
		now:      time.Now,
		logger:   logging.WithComponent("registry"),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Insert records a new session in Provisioning. A duplicate id is registry
// corruption and panics.
func (r *Registry) Insert(s Session) (Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.sessions[s.ID]; exists {
		panic(fmt.Sprintf("session registry: duplicate session id %q", s.ID))
	}
	if r.max > 0 && r.liveLocked() >= r.max {
		return Session{}, fmt.Errorf("%d sessions live: %w", r.max, errdefs.ErrCapacity)
	}

	now := r.now()
	s.State = Provisioning
	s.CreatedAt = now
	s.LastActivityAt = now
	stored := s
	r.sessions[s.ID] = &stored
	return stored, nil
}

func (r *Registry) liveLocked() int {
	n := 0
	for _, s := range r.sessions {
		if s.State.Live() {
			n++
		}
	}
	return n
}

// Get returns a copy of the session.
func (r *Registry) Get(id string) (Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok {
		return Session{}, notFound(id)
	}
	return *s, nil
}

// UpdateState moves the session to state to. Illegal transitions fail with
// ErrInvalidState and leave the session untouched.
func (r *Registry) UpdateState(id string, to State) (Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok {
		return Session{}, notFound(id)
	}
	return r.updateLocked(s, to)
}

func (r *Registry) updateLocked(s *Session, to State) (Session, error) {
	id := s.ID
	if to == Terminating && (s.State == Terminating || s.State == Terminated) {
		return *s, fmt.Errorf("session %s: %w", id, errdefs.ErrAlreadyTerminating)
	}
	if !CanTransition(s.State, to) {
		return *s, fmt.Errorf("session %s: %s -> %s: %w", id, s.State, to, errdefs.ErrInvalidState)
	}

	r.logger.Debug().
		Str(logging.FieldSessionID, id).
		Str(logging.FieldOldState, string(s.State)).
		Str(logging.FieldNewState, string(to)).
		Msg("session state changed")
	s.State = to
	if to == Active {
		s.LastActivityAt = r.now()
	}
	return *s, nil
}

// BeginTerminate moves the session to Terminating. Exactly one caller wins;
// the others get ErrAlreadyTerminating or ErrNotFound.
func (r *Registry) BeginTerminate(id string) (Session, error) {
	return r.UpdateState(id, Terminating)
}

// BeginTerminateIdle is BeginTerminate for the reaper: it only wins while
// the session is Active or Detached and has seen no activity for threshold.
// A session touched since it was listed fails with ErrInvalidState.
func (r *Registry) BeginTerminateIdle(id string, threshold time.Duration) (Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok {
		return Session{}, notFound(id)
	}
	switch s.State {
	case Active, Detached:
		if !s.LastActivityAt.Before(r.now().Add(-threshold)) {
			return *s, fmt.Errorf("session %s active since %s: %w", id, s.LastActivityAt.Format(time.RFC3339), errdefs.ErrInvalidState)
		}
	case Provisioning:
		return *s, fmt.Errorf("session %s is %s: %w", id, s.State, errdefs.ErrInvalidState)
	}
	return r.updateLocked(s, Terminating)
}

// SetSandbox records the sandbox owned by a Provisioning session.
func (r *Registry) SetSandbox(id, sandboxID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok {
		return notFound(id)
	}
	if s.State != Provisioning {
		return fmt.Errorf("session %s is %s: %w", id, s.State, errdefs.ErrInvalidState)
	}
	s.SandboxID = sandboxID
	return nil
}

// BindRelay attaches the session's relay. A session has at most one.
func (r *Registry) BindRelay(id string, rl *relay.Relay) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok {
		return notFound(id)
	}
	if s.Relay != nil {
		return fmt.Errorf("session %s already has a relay: %w", id, errdefs.ErrInvalidState)
	}
	s.Relay = rl
	return nil
}

// Touch records activity on the session.
func (r *Registry) Touch(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sessions[id]; ok {
		s.LastActivityAt = r.now()
	}
}

// RecordTeardownFailure counts a failed terminate attempt and returns the
// running total.
func (r *Registry) RecordTeardownFailure(id string) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok {
		return 0, notFound(id)
	}
	s.TeardownAttempts++
	return s.TeardownAttempts, nil
}

// ForceTerminate marks a Terminating session Terminated and drops its
// sandbox and relay references. The sandbox itself is left for the orphan
// sweep.
func (r *Registry) ForceTerminate(id string) (Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok {
		return Session{}, notFound(id)
	}
	if s.State != Terminating {
		return *s, fmt.Errorf("session %s is %s: %w", id, s.State, errdefs.ErrInvalidState)
	}
	prev := *s
	s.State = Terminated
	s.SandboxID = ""
	s.Relay = nil
	return prev, nil
}

// Remove deletes a session once termination has begun.
func (r *Registry) Remove(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok {
		return notFound(id)
	}
	if s.State != Terminating && s.State != Terminated {
		return fmt.Errorf("session %s is %s: %w", id, s.State, errdefs.ErrInvalidState)
	}
	delete(r.sessions, id)
	return nil
}

// ListExpired returns Active and Detached sessions whose last activity is
// older than threshold.
func (r *Registry) ListExpired(threshold time.Duration) []Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	cutoff := r.now().Add(-threshold)
	var out []Session
	for _, s := range r.sessions {
		if (s.State == Active || s.State == Detached) && s.LastActivityAt.Before(cutoff) {
			out = append(out, *s)
		}
	}
	sortByCreated(out)
	return out
}

// List returns every session, oldest first.
func (r *Registry) List() []Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, *s)
	}
	sortByCreated(out)
	return out
}

// ListByUser returns the sessions owned by userID, oldest first.
func (r *Registry) ListByUser(userID string) []Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Session
	for _, s := range r.sessions {
		if s.UserID == userID {
			out = append(out, *s)
		}
	}
	sortByCreated(out)
	return out
}

// Count returns the number of live sessions.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.liveLocked()
}

// OwnsSession reports whether sessionID is a session the registry still
// holds a sandbox for.
func (r *Registry) OwnsSession(sessionID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[sessionID]
	return ok && s.State != Terminated
}

func sortByCreated(list []Session) {
	sort.Slice(list, func(i, j int) bool {
		if list[i].CreatedAt.Equal(list[j].CreatedAt) {
			return list[i].ID < list[j].ID
		}
		return list[i].CreatedAt.Before(list[j].CreatedAt)
	})
}

func notFound(id string) error {
	return fmt.Errorf("session %s: %w", id, errdefs.ErrNotFound)
}
