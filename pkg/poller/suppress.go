package poller

import "github.com/velora/callkit/pkg/signaling"

// LocalView is the snapshot of local call knowledge the suppressor
// compares an invitation against. Identity only: polling gives no
// causal ordering between starting a call and observing it, so timing
// never factors into the decision.
type LocalView struct {
	// LocalUserID is the authenticated user's id
	LocalUserID string

	// OutgoingCallID is the id of the call the local user started, if
	// one is live in any state
	OutgoingCallID string

	// RingingCallID is the invitation currently ringing, if any
	RingingCallID string
}

// SuppressReason says why an invitation was filtered
type SuppressReason string

const (
	SuppressNone        SuppressReason = ""
	SuppressOwnCall     SuppressReason = "own_call"
	SuppressCurrentRing SuppressReason = "current_ring"
	SuppressSelfCaller  SuppressReason = "self_caller"
	SuppressAlreadyRing SuppressReason = "already_ringing"
)

// ShouldSurface decides whether a reported incoming call is genuine or
// an echo of local activity. Pure function of its inputs. A call id the
// local session already knows is an echo no matter which side started
// the call.
func ShouldSurface(inv signaling.Invitation, view LocalView) (bool, SuppressReason) {
	// The backend reports the call we ourselves started
	if view.OutgoingCallID != "" && inv.CallID == view.OutgoingCallID {
		return false, SuppressOwnCall
	}

	// The invitation we are already ringing for, re-reported by the
	// next poll cycle
	if view.RingingCallID != "" && inv.CallID == view.RingingCallID {
		return false, SuppressCurrentRing
	}

	// The local user is named as the caller of this "incoming" call
	if view.LocalUserID != "" && inv.Caller.ID == view.LocalUserID {
		return false, SuppressSelfCaller
	}

	// Already ringing for a different invitation; first one wins
	if view.RingingCallID != "" && view.RingingCallID != inv.CallID {
		return false, SuppressAlreadyRing
	}

	return true, SuppressNone
}
