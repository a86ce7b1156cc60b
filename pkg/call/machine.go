package call

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/velora/callkit/pkg/callerr"
	"github.com/velora/callkit/pkg/logger"
	"github.com/velora/callkit/pkg/signaling"
)

// DefaultStatusPollInterval is the cadence of the outgoing-call status
// loop
const DefaultStatusPollInterval = 2 * time.Second

// Signaler is the slice of the signaling client the machine drives
type Signaler interface {
	Start(ctx context.Context, calleeID string, callType signaling.CallType) (signaling.StartResult, error)
	Answer(ctx context.Context, callID string, accept bool) (signaling.AnswerResult, error)
	Cancel(ctx context.Context, callID string) error
	PollStatus(ctx context.Context, callID string) (signaling.Status, error)
}

// MediaSession is the hand-off surface the machine triggers. Join must
// run the full teardown sequence for any previous session before
// connecting.
type MediaSession interface {
	Join(ctx context.Context, roomName string, role Role) error
	Teardown(ctx context.Context) error
	Active() bool
}

// MachineConfig configures the call state machine
type MachineConfig struct {
	Signaler Signaler
	Media    MediaSession

	// StatusPollInterval is the outgoing-call status cadence (default 2s)
	StatusPollInterval time.Duration

	// OnSessionSuspended is invoked when the backend reports the whole
	// client session as suspended. The handler performs the hard reset.
	OnSessionSuspended func()

	// OnUnauthenticated is invoked when the status loop learns the
	// credential is dead. The loop stops itself first.
	OnUnauthenticated func()

	Logger *logger.Logger
}

// Machine owns the current call session. All state mutations run under
// one lock, so timer callbacks and user actions are serialized the same
// way they interleave on an event loop.
type Machine struct {
	signal    Signaler
	media     MediaSession
	logger    *logger.Logger
	interval  time.Duration
	suspended func()
	unauth    func()

	mu      sync.Mutex
	session Session

	listeners   []Listener
	listenersMu sync.RWMutex

	statusStop   chan struct{}
	statusCancel context.CancelFunc
	statusWG     sync.WaitGroup
}

// NewMachine creates a call state machine in the idle state
func NewMachine(cfg MachineConfig) (*Machine, error) {
	if cfg.Signaler == nil {
		return nil, fmt.Errorf("call: signaler is required")
	}
	if cfg.Media == nil {
		return nil, fmt.Errorf("call: media session is required")
	}
	if cfg.StatusPollInterval <= 0 {
		cfg.StatusPollInterval = DefaultStatusPollInterval
	}

	log := cfg.Logger
	if log == nil {
		log = logger.Global().WithComponent("call")
	}

	return &Machine{
		signal:    cfg.Signaler,
		media:     cfg.Media,
		logger:    log,
		interval:  cfg.StatusPollInterval,
		suspended: cfg.OnSessionSuspended,
		unauth:    cfg.OnUnauthenticated,
		session:   Session{State: StateIdle},
	}, nil
}

// AddListener registers a transition listener
func (m *Machine) AddListener(l Listener) {
	m.listenersMu.Lock()
	m.listeners = append(m.listeners, l)
	m.listenersMu.Unlock()
}

// Current returns a snapshot of the session
func (m *Machine) Current() Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.session
}

// InActiveCall reports whether a media session is live. Used by the
// poller's eligibility check.
func (m *Machine) InActiveCall() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.session.State == StateActive
}

// Ringing returns the call id the machine is currently ringing for, or
// "" when it is not ringing.
func (m *Machine) Ringing() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.session.State == StateRinging {
		return m.session.ID
	}
	return ""
}

// Start places an outgoing call. A live session is fully torn down
// first; switching calls is graceful, never an overwrite.
func (m *Machine) Start(ctx context.Context, calleeID string, callType signaling.CallType) (Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.session.State.Live() {
		m.switchTeardownLocked(ctx)
	}

	m.session = Session{
		Role:      RoleCaller,
		Peer:      signaling.Peer{ID: calleeID},
		State:     StateIdle,
		StartedAt: time.Now(),
	}
	m.transitionLocked(StateInitiating)

	result, err := m.signal.Start(ctx, calleeID, callType)
	if err != nil {
		m.logger.Warn("start failed", "callee_id", calleeID, "error", err)
		m.transitionLocked(StateIdle)
		m.session = Session{State: StateIdle}
		return m.session, err
	}

	m.session.ID = result.CallID
	m.session.RoomName = result.RoomName
	m.transitionLocked(StateCalling)
	m.logger.CallEvent(ctx, "call_started",
		slog.String("call_id", result.CallID),
		slog.String("callee_id", calleeID),
	)
	m.startStatusLoopLocked(result.CallID)

	return m.session, nil
}

// ReceiveInvitation moves the machine into ringing for an incoming
// call. A live session for a different call is torn down first; a
// duplicate invitation for the current ring is ignored.
func (m *Machine) ReceiveInvitation(ctx context.Context, inv signaling.Invitation) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.session.State.Live() {
		if m.session.ID == inv.CallID {
			return
		}
		m.switchTeardownLocked(ctx)
	}

	m.session = Session{
		ID:        inv.CallID,
		Role:      RoleCallee,
		Peer:      inv.Caller,
		RoomName:  inv.RoomName,
		State:     StateIdle,
		StartedAt: time.Now(),
	}
	m.transitionLocked(StateRinging)
}

// ClearInvitation resets a ringing state whose invitation the backend
// no longer reports. The caller hung up before we answered.
func (m *Machine) ClearInvitation(callID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.session.State != StateRinging || m.session.ID != callID {
		return
	}

	m.logger.Info("incoming call withdrawn", "call_id", callID)
	m.finishLocked(StateCancelled)
}

// Answer accepts the ringing call and joins its media session. On a
// signaling failure the machine stays in ringing so the user can retry
// or decline.
func (m *Machine) Answer(ctx context.Context) (Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.session.State != StateRinging {
		return m.session, callerr.New(callerr.DomainCall, callerr.CodeBusy,
			callerr.KindRejected, "no ringing call to answer")
	}

	result, err := m.signal.Answer(ctx, m.session.ID, true)
	if err != nil {
		m.logger.Warn("answer failed", "call_id", m.session.ID, "error", err)
		return m.session, err
	}

	if result.RoomName != "" {
		m.session.RoomName = result.RoomName
	}
	if result.Caller.ID != "" {
		m.session.Peer = result.Caller
	}

	if err := m.media.Join(ctx, m.session.RoomName, RoleCallee); err != nil {
		m.logger.ErrorEvent(ctx, "media join failed", err,
			slog.String("call_id", m.session.ID))
		m.finishLocked(StateEnded)
		return m.session, err
	}

	m.session.AnsweredAt = time.Now()
	m.transitionLocked(StateActive)
	m.logger.CallEvent(ctx, "call_answered",
		slog.String("call_id", m.session.ID),
		slog.String("caller_id", m.session.Peer.ID),
	)
	return m.session, nil
}

// Decline rejects the ringing call. The reject signal is best-effort;
// the local state always returns to idle.
func (m *Machine) Decline(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.session.State != StateRinging {
		return
	}

	if _, err := m.signal.Answer(ctx, m.session.ID, false); err != nil {
		m.logger.Warn("reject failed", "call_id", m.session.ID, "error", err)
	}
	m.finishLocked(StateRejected)
}

// Cancel withdraws an outgoing call while it is initiating or calling
func (m *Machine) Cancel(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.session.State != StateInitiating && m.session.State != StateCalling {
		return
	}

	m.stopStatusLoopLocked()
	if err := m.signal.Cancel(ctx, m.session.ID); err != nil {
		m.logger.Warn("cancel failed", "call_id", m.session.ID, "error", err)
	}
	m.finishLocked(StateCancelled)
}

// HangUp leaves the active call. Media teardown is mandatory, the
// signaling side is best-effort.
func (m *Machine) HangUp(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.session.State != StateActive {
		return
	}

	if err := m.media.Teardown(ctx); err != nil {
		m.logger.Warn("media teardown failed", "call_id", m.session.ID, "error", err)
	}
	if err := m.signal.Cancel(ctx, m.session.ID); err != nil {
		m.logger.Warn("hangup signal failed", "call_id", m.session.ID, "error", err)
	}
	m.finishLocked(StateEnded)
}

// HandleStatus applies one status-poll observation. Stale observations
// for a different call or outside the calling state are ignored.
func (m *Machine) HandleStatus(ctx context.Context, callID string, status signaling.Status) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.session.ID != callID || m.session.State != StateCalling {
		return
	}

	switch status {
	case signaling.StatusActive, signaling.StatusAnswered:
		m.stopStatusLoopLocked()
		if err := m.media.Join(ctx, m.session.RoomName, RoleCaller); err != nil {
			m.logger.ErrorEvent(ctx, "media join failed", err,
				slog.String("call_id", callID))
			m.finishLocked(StateEnded)
			return
		}
		m.session.AnsweredAt = time.Now()
		m.transitionLocked(StateActive)

	case signaling.StatusRejected:
		m.stopStatusLoopLocked()
		m.finishLocked(StateRejected)

	case signaling.StatusCancelled:
		m.stopStatusLoopLocked()
		m.finishLocked(StateCancelled)

	case signaling.StatusEnded:
		m.stopStatusLoopLocked()
		m.finishLocked(StateEnded)
	}
}

// Reset forces the machine back to idle, tearing down whatever exists.
// Used for the session-suspended hard reset.
func (m *Machine) Reset(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.session.State.Live() {
		return
	}
	m.switchTeardownLocked(ctx)
}

// Close disarms the status loop and waits for it to exit
func (m *Machine) Close() {
	m.mu.Lock()
	m.stopStatusLoopLocked()
	m.mu.Unlock()
	m.statusWG.Wait()
}

// switchTeardownLocked fully tears down the live session before a new
// one may exist. The signaling side (cancel or reject, depending on
// role and state) is best-effort; the local media teardown is
// mandatory.
func (m *Machine) switchTeardownLocked(ctx context.Context) {
	old := m.session
	m.logger.Info("tearing down session before switch",
		"call_id", old.ID, "state", string(old.State))

	var next State
	switch old.State {
	case StateInitiating, StateCalling:
		m.stopStatusLoopLocked()
		if err := m.signal.Cancel(ctx, old.ID); err != nil {
			m.logger.Warn("switch cancel failed", "call_id", old.ID, "error", err)
		}
		next = StateCancelled

	case StateRinging:
		if _, err := m.signal.Answer(ctx, old.ID, false); err != nil {
			m.logger.Warn("switch reject failed", "call_id", old.ID, "error", err)
		}
		next = StateRejected

	case StateActive:
		if err := m.signal.Cancel(ctx, old.ID); err != nil {
			m.logger.Warn("switch hangup failed", "call_id", old.ID, "error", err)
		}
		next = StateEnded

	default:
		next = StateEnded
	}

	if err := m.media.Teardown(ctx); err != nil {
		m.logger.Warn("media teardown failed during switch", "call_id", old.ID, "error", err)
	}

	m.finishLocked(next)
}

// finishLocked moves the session into a terminal state and auto-resets
// to idle
func (m *Machine) finishLocked(terminal State) {
	m.session.EndedAt = time.Now()
	m.transitionLocked(terminal)
	m.transitionLocked(StateIdle)
	m.session = Session{State: StateIdle}
}

// transitionLocked applies one state change and notifies listeners.
// Listeners run synchronously on the mutating path and must not call
// back into the machine.
func (m *Machine) transitionLocked(to State) {
	from := m.session.State
	if from == "" {
		from = StateIdle
	}
	if from == to {
		return
	}
	m.session.State = to

	m.logger.Debug("call transition",
		"from", string(from), "to", string(to), "call_id", m.session.ID)

	tr := Transition{From: from, To: to, Session: m.session, At: time.Now()}

	m.listenersMu.RLock()
	listeners := make([]Listener, len(m.listeners))
	copy(listeners, m.listeners)
	m.listenersMu.RUnlock()

	for _, l := range listeners {
		l(tr)
	}
}

// startStatusLoopLocked arms the status-poll loop for callID. The loop
// is sequential, so at most one status request is in flight at a time.
func (m *Machine) startStatusLoopLocked(callID string) {
	m.stopStatusLoopLocked()

	stop := make(chan struct{})
	ctx, cancel := context.WithCancel(context.Background())
	m.statusStop = stop
	m.statusCancel = cancel

	m.statusWG.Add(1)
	go m.statusLoop(ctx, stop, callID)
}

// stopStatusLoopLocked disarms the loop and cancels any in-flight
// status request. Does not wait: the loop goroutine may itself be
// blocked on the machine lock.
func (m *Machine) stopStatusLoopLocked() {
	if m.statusStop != nil {
		close(m.statusStop)
		m.statusStop = nil
	}
	if m.statusCancel != nil {
		m.statusCancel()
		m.statusCancel = nil
	}
}

func (m *Machine) statusLoop(ctx context.Context, stop chan struct{}, callID string) {
	defer m.statusWG.Done()

	log := m.logger.WithCallID(callID)
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	errs := 0
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
		}

		status, err := m.signal.PollStatus(ctx, callID)
		if err != nil {
			if callerr.IsUserCancelled(err) {
				return
			}
			if callerr.IsSessionSuspended(err) {
				log.Error("session suspended during status poll")
				if m.suspended != nil {
					m.suspended()
				}
				return
			}
			if callerr.KindOf(err) == callerr.KindUnauthenticated {
				log.Error("status poll unauthenticated, login required")
				if m.unauth != nil {
					m.unauth()
				}
				return
			}
			errs++
			log.Warn("status poll failed", "consecutive_errors", errs, "error", err)
			continue
		}
		errs = 0

		m.HandleStatus(ctx, callID, status)

		if status.Terminal() || status == signaling.StatusActive || status == signaling.StatusAnswered {
			return
		}
	}
}
