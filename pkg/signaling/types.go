package signaling

// CallType distinguishes audio-only from video calls
type CallType string

const (
	CallTypeAudio CallType = "audio"
	CallTypeVideo CallType = "video"
)

// Status is the backend's view of a call, as reported by the status endpoint
type Status string

const (
	StatusCalling   Status = "calling"
	StatusRinging   Status = "ringing"
	StatusActive    Status = "active"
	StatusAnswered  Status = "answered"
	StatusRejected  Status = "rejected"
	StatusCancelled Status = "cancelled"
	StatusEnded     Status = "ended"
)

// normalizeStatus maps the wire value onto a known Status. Unknown or
// absent values mean the backend has not resolved the call yet, so the
// call is still pending.
func normalizeStatus(raw string) Status {
	switch Status(raw) {
	case StatusRinging, StatusActive, StatusAnswered,
		StatusRejected, StatusCancelled, StatusEnded:
		return Status(raw)
	default:
		return StatusCalling
	}
}

// Terminal reports whether the backend considers the call over.
func (s Status) Terminal() bool {
	switch s {
	case StatusRejected, StatusCancelled, StatusEnded:
		return true
	}
	return false
}

// Peer identifies the party on the other end of a call
type Peer struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// Invitation describes an incoming call reported by check-incoming
type Invitation struct {
	CallID   string `json:"id"`
	Caller   Peer   `json:"caller"`
	RoomName string `json:"room_name"`
}

// IncomingResult is the outcome of one check-incoming poll
type IncomingResult struct {
	HasIncoming bool
	Invitation  *Invitation
}

// StartResult is returned when an outgoing call is accepted by the backend
type StartResult struct {
	CallID   string
	RoomName string
}

// AnswerResult is returned when answering an incoming call
type AnswerResult struct {
	RoomName string
	Caller   Peer
}

// wire payloads

type startRequest struct {
	ReceiverID string `json:"receiver_id"`
	CallType   string `json:"call_type"`
}

type startResponse struct {
	Success  bool   `json:"success"`
	CallID   string `json:"call_id"`
	RoomName string `json:"room_name"`
}

type answerRequest struct {
	CallID string `json:"call_id"`
	Action string `json:"action"`
}

type answerResponse struct {
	Success  bool   `json:"success"`
	RoomName string `json:"room_name"`
	Caller   Peer   `json:"caller"`
}

type cancelRequest struct {
	CallID string `json:"call_id"`
}

type cancelResponse struct {
	Success bool `json:"success"`
}

type checkIncomingResponse struct {
	HasIncoming  bool        `json:"has_incoming"`
	IncomingCall *Invitation `json:"incoming_call,omitempty"`
}

type statusRequest struct {
	CallID string `json:"call_id"`
}

type statusResponse struct {
	Call struct {
		Status string `json:"status"`
	} `json:"call"`
}

type balanceResponse struct {
	Sufficient bool `json:"sufficient"`
}

type roomEndedRequest struct {
	RoomName string `json:"room_name"`
}

// errorResponse is the backend's error envelope
type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}
