// Package call implements the authoritative state machine for the
// current call session. The machine is the single writer of the
// session; timers and network callbacks feed it events, user actions
// drive it directly.
package call

import (
	"time"

	"github.com/velora/callkit/pkg/signaling"
)

// State is the local call state
type State string

const (
	StateIdle       State = "idle"
	StateInitiating State = "initiating"
	StateCalling    State = "calling"
	StateRinging    State = "ringing"
	StateActive     State = "active"
	StateRejected   State = "rejected"
	StateCancelled  State = "cancelled"
	StateEnded      State = "ended"
)

// Terminal reports whether the state is a terminal one. Terminal states
// auto-reset to idle once cleanup completes.
func (s State) Terminal() bool {
	switch s {
	case StateRejected, StateCancelled, StateEnded:
		return true
	}
	return false
}

// Live reports whether a call is in progress in any form
func (s State) Live() bool {
	return s != StateIdle && !s.Terminal()
}

// Role distinguishes the two ends of a call
type Role string

const (
	RoleCaller Role = "caller"
	RoleCallee Role = "callee"
)

// Session is the current call. At most one non-idle session exists at a
// time; a zero session means idle.
type Session struct {
	ID       string
	Role     Role
	Peer     signaling.Peer
	RoomName string
	State    State

	StartedAt  time.Time
	AnsweredAt time.Time
	EndedAt    time.Time
}

// Idle reports whether no call is present
func (s Session) Idle() bool {
	return s.State == "" || s.State == StateIdle
}

// Transition describes one state change, carrying a snapshot of the
// session after the change.
type Transition struct {
	From    State
	To      State
	Session Session
	At      time.Time
}

// Listener receives transition events. Listeners must not call back
// into the machine synchronously.
type Listener func(Transition)
