package eventbus

import (
	"time"

	"github.com/velora/callkit/pkg/call"
	"github.com/velora/callkit/pkg/signaling"
)

// EventType identifies the kind of bus event
type EventType string

const (
	// EventTransition is a call state change
	EventTransition EventType = "call.transition"
	// EventIncoming is a newly surfaced invitation
	EventIncoming EventType = "call.incoming"
	// EventSuppressed is an invitation filtered before surfacing
	EventSuppressed EventType = "call.suppressed"
	// EventSuspended is a server-side session suspension
	EventSuspended EventType = "session.suspended"
)

// Event is one bus event. Sequence and At are stamped by the bus on
// publish.
type Event struct {
	Type     EventType `json:"type"`
	Sequence int64     `json:"sequence"`
	At       time.Time `json:"at"`

	CallID   string          `json:"call_id,omitempty"`
	From     string          `json:"from,omitempty"`
	To       string          `json:"to,omitempty"`
	Peer     *signaling.Peer `json:"peer,omitempty"`
	RoomName string          `json:"room_name,omitempty"`
	Reason   string          `json:"reason,omitempty"`
}

// TransitionEvent builds an event from a call state change
func TransitionEvent(t call.Transition) Event {
	ev := Event{
		Type:     EventTransition,
		CallID:   t.Session.ID,
		From:     string(t.From),
		To:       string(t.To),
		RoomName: t.Session.RoomName,
	}
	if t.Session.Peer.ID != "" {
		peer := t.Session.Peer
		ev.Peer = &peer
	}
	return ev
}

// IncomingEvent builds an event from a surfaced invitation
func IncomingEvent(inv signaling.Invitation) Event {
	caller := inv.Caller
	return Event{
		Type:     EventIncoming,
		CallID:   inv.CallID,
		Peer:     &caller,
		RoomName: inv.RoomName,
	}
}

// SuppressedEvent builds an event for an invitation that was filtered
func SuppressedEvent(inv signaling.Invitation, reason string) Event {
	return Event{
		Type:   EventSuppressed,
		CallID: inv.CallID,
		Reason: reason,
	}
}

// SuspendedEvent builds an event for a session suspension
func SuspendedEvent() Event {
	return Event{Type: EventSuspended}
}
