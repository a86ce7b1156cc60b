package cues

import (
	"fmt"
	"sync"
	"testing"

	"github.com/velora/callkit/pkg/call"
)

type fakePlayer struct {
	mu      sync.Mutex
	playing map[string]bool
	events  []string
	failAll bool
}

func newFakePlayer() *fakePlayer {
	return &fakePlayer{playing: make(map[string]bool)}
}

func (f *fakePlayer) PlayLoop(name string, pcm []byte, sampleRate int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, "play:"+name)
	if f.failAll {
		return fmt.Errorf("device busy")
	}
	f.playing[name] = true
	return nil
}

func (f *fakePlayer) Stop(name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, "stop:"+name)
	if f.failAll {
		return fmt.Errorf("device busy")
	}
	delete(f.playing, name)
	return nil
}

func (f *fakePlayer) isPlaying(name string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.playing[name]
}

func transition(from, to call.State) call.Transition {
	return call.Transition{From: from, To: to, Session: call.Session{ID: "call-1", State: to}}
}

// TestOutgoingTone tests the calling-state tone lifecycle
func TestOutgoingTone(t *testing.T) {
	player := newFakePlayer()
	m := NewManager(Config{Enabled: true, Player: player})
	l := m.Listener()

	l(transition(call.StateInitiating, call.StateCalling))
	if !player.isPlaying(CueOutgoing) {
		t.Error("outgoing tone not playing after entering calling")
	}

	l(transition(call.StateCalling, call.StateActive))
	if player.isPlaying(CueOutgoing) {
		t.Error("outgoing tone still playing after leaving calling")
	}
}

// TestIncomingTone tests the ringing-state tone lifecycle including
// decline
func TestIncomingTone(t *testing.T) {
	player := newFakePlayer()
	m := NewManager(Config{Enabled: true, Player: player})
	l := m.Listener()

	l(transition(call.StateIdle, call.StateRinging))
	if !player.isPlaying(CueIncoming) {
		t.Error("incoming tone not playing after entering ringing")
	}

	l(transition(call.StateRinging, call.StateRejected))
	if player.isPlaying(CueIncoming) {
		t.Error("incoming tone still playing after decline")
	}
}

// TestPlayerFailureSwallowed tests that a failing player never panics
// or leaks state
func TestPlayerFailureSwallowed(t *testing.T) {
	player := newFakePlayer()
	player.failAll = true
	m := NewManager(Config{Enabled: true, Player: player})
	l := m.Listener()

	l(transition(call.StateIdle, call.StateRinging))
	l(transition(call.StateRinging, call.StateActive))
	l(transition(call.StateActive, call.StateEnded))
}

// TestDisabled tests that a disabled manager touches nothing
func TestDisabled(t *testing.T) {
	player := newFakePlayer()
	m := NewManager(Config{Enabled: false, Player: player})
	l := m.Listener()

	l(transition(call.StateIdle, call.StateRinging))
	if len(player.events) != 0 {
		t.Errorf("disabled manager drove the player: %v", player.events)
	}
}

// TestToneShapes tests the generated cue cycles
func TestToneShapes(t *testing.T) {
	out := OutgoingTone()
	if want := SampleRate * 5 * 2; len(out) != want {
		t.Errorf("outgoing tone length = %d, want %d", len(out), want)
	}

	in := IncomingTone()
	if want := SampleRate * 6 * 2; len(in) != want {
		t.Errorf("incoming tone length = %d, want %d", len(in), want)
	}

	// The on-phase carries signal, the off-phase is silence
	if out[1] == 0 && out[3] == 0 && out[5] == 0 {
		t.Error("outgoing tone on-phase is silent")
	}
	tail := out[len(out)-100:]
	for _, b := range tail {
		if b != 0 {
			t.Error("outgoing tone off-phase is not silent")
			break
		}
	}
}
