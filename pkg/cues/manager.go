package cues

import (
	"context"
	"os/exec"
	"strings"
	"time"

	"github.com/velora/callkit/pkg/call"
	"github.com/velora/callkit/pkg/logger"
)

// Cue names handed to the player
const (
	CueOutgoing = "outgoing"
	CueIncoming = "incoming"
)

// Player loops a PCM cue until stopped. Implementations must be safe
// for repeated Stop calls.
type Player interface {
	PlayLoop(name string, pcm []byte, sampleRate int) error
	Stop(name string) error
}

// Config configures the side-effect manager
type Config struct {
	// Enabled turns tone playback on
	Enabled bool

	// NotifyCommand, when set, runs on each new incoming ring.
	// Best-effort: failures are logged and swallowed.
	NotifyCommand string

	Player Player
	Logger *logger.Logger
}

// Manager listens to call transitions and drives the player. Every
// failure is swallowed: a blocked audio device must never stall a call.
type Manager struct {
	enabled bool
	notify  string
	player  Player
	logger  *logger.Logger
}

// NewManager creates the side-effect manager
func NewManager(cfg Config) *Manager {
	log := cfg.Logger
	if log == nil {
		log = logger.Global().WithComponent("cues")
	}
	return &Manager{
		enabled: cfg.Enabled && cfg.Player != nil,
		notify:  cfg.NotifyCommand,
		player:  cfg.Player,
		logger:  log,
	}
}

// Listener returns the transition hook to register on the machine
func (m *Manager) Listener() call.Listener {
	return func(tr call.Transition) {
		m.handle(tr)
	}
}

func (m *Manager) handle(tr call.Transition) {
	// Leaving calling or ringing stops that tone regardless of target
	if tr.From == call.StateCalling {
		m.stop(CueOutgoing)
	}
	if tr.From == call.StateRinging {
		m.stop(CueIncoming)
	}

	switch tr.To {
	case call.StateCalling:
		m.play(CueOutgoing, OutgoingTone())
	case call.StateRinging:
		m.play(CueIncoming, IncomingTone())
		m.runNotify(tr)
	}
}

func (m *Manager) play(name string, pcm []byte) {
	if !m.enabled {
		return
	}
	if err := m.player.PlayLoop(name, pcm, SampleRate); err != nil {
		m.logger.Debug("cue playback failed", "cue", name, "error", err)
	}
}

func (m *Manager) stop(name string) {
	if !m.enabled {
		return
	}
	if err := m.player.Stop(name); err != nil {
		m.logger.Debug("cue stop failed", "cue", name, "error", err)
	}
}

// runNotify executes the configured notify command with call metadata
// in the environment
func (m *Manager) runNotify(tr call.Transition) {
	if m.notify == "" {
		return
	}

	parts := strings.Fields(m.notify)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		cmd := exec.CommandContext(ctx, parts[0], parts[1:]...)
		cmd.Env = append(cmd.Environ(),
			"CALLKIT_CALL_ID="+tr.Session.ID,
			"CALLKIT_CALLER_ID="+tr.Session.Peer.ID,
			"CALLKIT_CALLER_NAME="+tr.Session.Peer.Name,
		)
		if err := cmd.Run(); err != nil {
			m.logger.Debug("notify command failed", "error", err)
		}
	}()
}
