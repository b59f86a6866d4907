// Package session holds the session data model and the process-wide
// registry that owns every live session.
package session

import (
	"time"

	"github.com/michaelbrown/pocket/internal/policy"
	"github.com/michaelbrown/pocket/internal/relay"
)

// State is the lifecycle state of a session.
type State string

const (
	Provisioning State = "provisioning"
	Active       State = "active"
	Detached     State = "detached"
	Terminating  State = "terminating"
	Terminated   State = "terminated"
)

// transitions lists the states each state may move to.
var transitions = map[State][]State{
	Provisioning: {Active, Terminating},
	Active:       {Detached, Terminating},
	Detached:     {Active, Terminating},
	Terminating:  {Terminated},
	Terminated:   nil,
}

// CanTransition reports whether from -> to is a legal move.
func CanTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Live reports whether the session still counts against capacity.
func (s State) Live() bool {
	return s != Terminated && s != ""
}

// Session is one user's binding to one sandbox. Registry methods hand out
// copies; the Relay pointer is shared.
type Session struct {
	ID        string        `json:"id"`
	UserID    string        `json:"userId"`
	Profile   string        `json:"profile"`
	SandboxID string        `json:"sandboxId,omitempty"`
	State     State         `json:"state"`
	Limits    policy.Limits `json:"resourceLimits"`

	CreatedAt      time.Time `json:"createdAt"`
	LastActivityAt time.Time `json:"lastActivityAt"`

	// TeardownAttempts counts failed terminate attempts.
	TeardownAttempts int `json:"teardownAttempts,omitempty"`

	Relay *relay.Relay `json:"-"`
}

// RelayClosed reports whether the bound relay has reached Closed.
func (s Session) RelayClosed() bool {
	return s.Relay != nil && s.Relay.Closed()
}
