// Package sandbox wraps the container runtime: it creates, starts, health-checks,
// stops and removes isolated sandboxes and hands out pty handles for
// Running ones. It knows nothing about sessions or network streams.
package sandbox

import (
	"context"
	"io"

	"github.com/michaelbrown/pocket/internal/policy"
)

// Status is the lifecycle state of a sandbox.
type Status string

const (
	StatusCreating  Status = "creating"
	StatusRunning   Status = "running"
	StatusUnhealthy Status = "unhealthy"
	StatusStopped   Status = "stopped"
	StatusRemoved   Status = "removed"
)

// Labels attached to every sandbox this server creates.
const (
	LabelInstance = "pocket.instance"
	LabelSession  = "pocket.session"
	LabelProfile  = "pocket.profile"
)

// Spec describes a sandbox to create.
type Spec struct {
	SessionID string
	Profile   string
	Limits    policy.Limits
}

// PTY is the bidirectional terminal channel of a Running sandbox.
type PTY interface {
	io.ReadWriteCloser
	Resize(ctx context.Context, cols, rows uint16) error
}

// Info is the result of inspecting a sandbox.
type Info struct {
	ID           string             `json:"id"`
	SessionID    string             `json:"sessionId,omitempty"`
	Status       Status             `json:"status"`
	Cols         uint16             `json:"cols,omitempty"`
	Rows         uint16             `json:"rows,omitempty"`
	ReadOnlyRoot bool               `json:"readOnlyRoot"`
	Network      policy.NetworkMode `json:"network,omitempty"`
	MemoryBytes  int64              `json:"memory,omitempty"`
	PidsLimit    int64              `json:"pids,omitempty"`
}
