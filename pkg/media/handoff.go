package media

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/velora/callkit/pkg/call"
	"github.com/velora/callkit/pkg/logger"
	"github.com/velora/callkit/pkg/metrics"
)

// FlagStore persists the "currently in a call" marker. Used only to
// detect and resume, never authoritative.
type FlagStore interface {
	SetInCall(roomID string) error
	ClearInCall() error
}

// Notifier tells the backend a room ended. Fire-and-forget.
type Notifier interface {
	RoomEnded(ctx context.Context, roomID string) error
}

// RoomFactory builds a fresh room per join. The session object is
// destroyed and recreated across switches; only DeviceSelection
// survives.
type RoomFactory func() Room

// HandoffConfig configures the session hand-off
type HandoffConfig struct {
	Factory  RoomFactory
	Store    FlagStore
	Notifier Notifier

	// Devices preseeds the preferred camera and microphone
	Devices DeviceSelection

	Metrics *metrics.CallMetrics
	Logger  *logger.Logger
}

// Handoff is the single writer of the process-wide media session
// handle. It swaps sessions without leaking tracks or devices: the old
// session's teardown always completes before a new join begins.
type Handoff struct {
	factory  RoomFactory
	store    FlagStore
	notifier Notifier
	metrics  *metrics.CallMetrics
	logger   *logger.Logger

	mu      sync.Mutex
	room    Room
	roomID  string
	devices DeviceSelection

	peerLeft chan string
	pumpStop chan struct{}
}

// NewHandoff creates the hand-off coordinator
func NewHandoff(cfg HandoffConfig) (*Handoff, error) {
	if cfg.Factory == nil {
		return nil, fmt.Errorf("media: room factory is required")
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.NewCallMetrics()
	}

	log := cfg.Logger
	if log == nil {
		log = logger.Global().WithComponent("handoff")
	}

	return &Handoff{
		factory:  cfg.Factory,
		store:    cfg.Store,
		notifier: cfg.Notifier,
		metrics:  cfg.Metrics,
		logger:   log,
		devices:  cfg.Devices,
		peerLeft: make(chan string, 4),
	}, nil
}

// Join tears down any existing session, then connects to roomName with
// the preserved device selection. The join never begins before the old
// session's disconnect has completed.
func (h *Handoff) Join(ctx context.Context, roomName string, role call.Role) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.room != nil {
		h.teardownLocked(ctx)
	}

	start := time.Now()
	room := h.factory()

	err := room.Connect(ctx, roomName, h.devices)
	if err != nil {
		h.logger.Warn("join failed, retrying once",
			"room_id", roomName, "error", err)
		room.Disconnect()
		room = h.factory()
		if err = room.Connect(ctx, roomName, h.devices); err != nil {
			room.Disconnect()
			h.metrics.RecordHandoffDuration("join_failed", time.Since(start))
			return err
		}
	}

	h.room = room
	h.roomID = roomName
	h.devices = h.devices.Merge(room.LocalDevices())
	h.startPumpLocked(room)

	if h.store != nil {
		if err := h.store.SetInCall(roomName); err != nil {
			h.logger.Warn("failed to persist in-call flag", "error", err)
		}
	}

	h.metrics.RecordHandoffDuration("join", time.Since(start))
	h.logger.Info("joined room", "room_id", roomName, "role", string(role))
	return nil
}

// Teardown releases the current session. Safe to call with none.
func (h *Handoff) Teardown(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.teardownLocked(ctx)
	return nil
}

// Active reports whether a media session handle exists
func (h *Handoff) Active() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.room != nil
}

// Devices returns the current device selection
func (h *Handoff) Devices() DeviceSelection {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.devices
}

// SetDevices replaces the preferred devices for future joins
func (h *Handoff) SetDevices(devices DeviceSelection) {
	h.mu.Lock()
	h.devices = devices
	h.mu.Unlock()
}

// PeerLeft delivers peer-departure hints across session switches
func (h *Handoff) PeerLeft() <-chan string {
	return h.peerLeft
}

// teardownLocked runs the five-step sequence: unpublish, disconnect,
// clear the handle, async backend notify, clear persisted flags.
func (h *Handoff) teardownLocked(ctx context.Context) {
	if h.room == nil {
		return
	}

	start := time.Now()
	room := h.room
	roomID := h.roomID

	// Device continuity: capture the active device ids before the
	// session is destroyed
	if h.devices.Empty() {
		h.devices = room.LocalDevices()
	}

	if err := room.UnpublishAll(); err != nil {
		h.logger.Warn("unpublish failed", "room_id", roomID, "error", err)
	}

	if err := room.Disconnect(); err != nil {
		h.logger.Warn("disconnect failed", "room_id", roomID, "error", err)
	}

	h.stopPumpLocked()
	h.room = nil
	h.roomID = ""

	if h.notifier != nil {
		go func() {
			notifyCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := h.notifier.RoomEnded(notifyCtx, roomID); err != nil {
				h.logger.Warn("room-ended notify failed", "room_id", roomID, "error", err)
			}
		}()
	}

	if h.store != nil {
		if err := h.store.ClearInCall(); err != nil {
			h.logger.Warn("failed to clear in-call flag", "error", err)
		}
	}

	h.metrics.RecordHandoffDuration("teardown", time.Since(start))
	h.logger.Info("session torn down", "room_id", roomID)
}

// startPumpLocked forwards the room's peer-left hints onto the
// persistent channel until the room is replaced
func (h *Handoff) startPumpLocked(room Room) {
	stop := make(chan struct{})
	h.pumpStop = stop

	go func() {
		for {
			select {
			case <-stop:
				return
			case peer, ok := <-room.PeerLeft():
				if !ok {
					return
				}
				select {
				case h.peerLeft <- peer:
				default:
				}
			}
		}
	}()
}

func (h *Handoff) stopPumpLocked() {
	if h.pumpStop != nil {
		close(h.pumpStop)
		h.pumpStop = nil
	}
}
