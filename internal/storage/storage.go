package storage

import (
	"context"
	"time"
)

// Status is the last known lifecycle state of a recorded session.
type Status string

const (
	StatusProvisioning Status = "provisioning"
	StatusActive       Status = "active"
	StatusDetached     Status = "detached"
	StatusTerminating  Status = "terminating"
	StatusTerminated   Status = "terminated"
	StatusFailed       Status = "failed"
)

// Ended reports whether the status is final.
func (s Status) Ended() bool {
	return s == StatusTerminated || s == StatusFailed
}

// Record is the ledger entry for one session.
type Record struct {
	ID        string     `json:"id"`
	UserID    string     `json:"user_id"`
	Profile   string     `json:"profile"`
	SandboxID string     `json:"sandbox_id,omitempty"`
	Status    Status     `json:"status"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
	EndedAt   *time.Time `json:"ended_at,omitempty"`
}

// Event is one lifecycle event of a session.
type Event struct {
	ID        int64     `json:"id"`
	SessionID string    `json:"session_id"`
	Kind      string    `json:"kind"`
	Detail    string    `json:"detail,omitempty"`
	At        time.Time `json:"at"`
}

// Event kinds.
const (
	EventCreated         = "created"
	EventCreateFailed    = "create_failed"
	EventAttached        = "attached"
	EventDetached        = "detached"
	EventRelayClosed     = "relay_closed"
	EventTerminating     = "terminating"
	EventTerminated      = "terminated"
	EventTeardownFailed  = "teardown_failed"
	EventAbandoned       = "abandoned"
	EventOrphanReclaimed = "orphan_reclaimed"
)

// Command is one line of input a user submitted to a session's shell.
type Command struct {
	ID        int64     `json:"id"`
	SessionID string    `json:"session_id"`
	Text      string    `json:"command"`
	At        time.Time `json:"at"`
}

// CommandSearch filters SearchCommands. Term matches anywhere in the line.
type CommandSearch struct {
	UserID    string
	SessionID string
	Term      string
	Limit     int
}

// ListOptions controls filtering and pagination for ListSessions.
type ListOptions struct {
	Status Status
	UserID string
	Limit  int
	Offset int
}

// Store is the session ledger. It is an audit trail; the live source of
// truth is the in-memory registry.
type Store interface {
	// RecordSession inserts a new record. The ID field must be set by the caller.
	RecordSession(ctx context.Context, r *Record) error

	// UpdateStatus sets the status and, when non-empty, the sandbox id.
	// Final statuses also stamp ended_at.
	UpdateStatus(ctx context.Context, id string, status Status, sandboxID string) error

	AppendEvent(ctx context.Context, e Event) error

	// GetSession returns a record by ID or unique ID prefix.
	GetSession(ctx context.Context, id string) (*Record, error)

	// ListSessions returns records ordered by updated_at descending.
	ListSessions(ctx context.Context, opts ListOptions) ([]Record, error)

	// ListEvents returns a session's events in the order they were appended.
	ListEvents(ctx context.Context, sessionID string) ([]Event, error)

	AppendCommand(ctx context.Context, c Command) error

	// ListCommands returns a session's commands oldest first.
	ListCommands(ctx context.Context, sessionID string, limit, offset int) ([]Command, error)

	// SearchCommands returns matching commands newest first.
	SearchCommands(ctx context.Context, q CommandSearch) ([]Command, error)

	Close() error
}
