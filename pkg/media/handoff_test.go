package media

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/velora/callkit/pkg/call"
)

// trace collects the ordered event log shared by the fakes
type trace struct {
	mu     sync.Mutex
	events []string
}

func (tr *trace) add(format string, args ...interface{}) {
	tr.mu.Lock()
	tr.events = append(tr.events, fmt.Sprintf(format, args...))
	tr.mu.Unlock()
}

func (tr *trace) list() []string {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	return append([]string(nil), tr.events...)
}

func (tr *trace) index(event string) int {
	for i, e := range tr.list() {
		if e == event {
			return i
		}
	}
	return -1
}

type fakeRoom struct {
	tr   *trace
	name string

	mu         sync.Mutex
	connectErr error
	devices    DeviceSelection
	gotDevices DeviceSelection
	peerLeft   chan string
}

func (f *fakeRoom) Connect(ctx context.Context, roomID string, devices DeviceSelection) error {
	f.tr.add("%s.connect:%s", f.name, roomID)
	f.mu.Lock()
	defer f.mu.Unlock()
	f.gotDevices = devices
	return f.connectErr
}

func (f *fakeRoom) UnpublishAll() error {
	f.tr.add("%s.unpublish", f.name)
	return nil
}

func (f *fakeRoom) Disconnect() error {
	f.tr.add("%s.disconnect", f.name)
	return nil
}

func (f *fakeRoom) LocalDevices() DeviceSelection {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.devices
}

func (f *fakeRoom) PeerLeft() <-chan string {
	return f.peerLeft
}

type fakeStore struct {
	tr *trace
}

func (f *fakeStore) SetInCall(roomID string) error {
	f.tr.add("store.set:%s", roomID)
	return nil
}

func (f *fakeStore) ClearInCall() error {
	f.tr.add("store.clear")
	return nil
}

type fakeNotifier struct {
	tr    *trace
	fired chan string
}

func (f *fakeNotifier) RoomEnded(ctx context.Context, roomID string) error {
	f.tr.add("notify:%s", roomID)
	select {
	case f.fired <- roomID:
	default:
	}
	return nil
}

// roomSequence hands out pre-built fake rooms in order
func roomSequence(t *testing.T, rooms ...*fakeRoom) RoomFactory {
	t.Helper()
	i := 0
	var mu sync.Mutex
	return func() Room {
		mu.Lock()
		defer mu.Unlock()
		if i >= len(rooms) {
			t.Fatalf("factory called %d times, only %d rooms scripted", i+1, len(rooms))
		}
		r := rooms[i]
		i++
		return r
	}
}

func newFakeRoom(tr *trace, name string) *fakeRoom {
	return &fakeRoom{tr: tr, name: name, peerLeft: make(chan string, 1)}
}

// TestJoinFresh tests a first join with no prior session
func TestJoinFresh(t *testing.T) {
	tr := &trace{}
	room := newFakeRoom(tr, "r1")

	h, err := NewHandoff(HandoffConfig{
		Factory: roomSequence(t, room),
		Store:   &fakeStore{tr: tr},
	})
	require.NoError(t, err)

	require.NoError(t, h.Join(context.Background(), "room-1", call.RoleCaller))
	assert.True(t, h.Active())
	assert.GreaterOrEqual(t, tr.index("store.set:room-1"), 0, "in-call flag not persisted")
	assert.Equal(t, -1, tr.index("r1.unpublish"), "teardown ran with no prior session")
}

// TestSwitchOrdering tests the five-step teardown completing strictly
// before the new join
func TestSwitchOrdering(t *testing.T) {
	tr := &trace{}
	first := newFakeRoom(tr, "r1")
	second := newFakeRoom(tr, "r2")
	notifier := &fakeNotifier{tr: tr, fired: make(chan string, 1)}

	h, err := NewHandoff(HandoffConfig{
		Factory:  roomSequence(t, first, second),
		Store:    &fakeStore{tr: tr},
		Notifier: notifier,
	})
	require.NoError(t, err)

	require.NoError(t, h.Join(context.Background(), "room-1", call.RoleCaller))
	require.NoError(t, h.Join(context.Background(), "room-2", call.RoleCallee))

	unpub := tr.index("r1.unpublish")
	disc := tr.index("r1.disconnect")
	clear := tr.index("store.clear")
	join := tr.index("r2.connect:room-2")

	require.GreaterOrEqual(t, unpub, 0, "old session never unpublished: %v", tr.list())
	require.GreaterOrEqual(t, disc, 0, "old session never disconnected: %v", tr.list())
	require.GreaterOrEqual(t, clear, 0, "persisted flag never cleared: %v", tr.list())
	require.GreaterOrEqual(t, join, 0, "new session never joined: %v", tr.list())

	assert.Less(t, unpub, disc, "unpublish must precede disconnect")
	assert.Less(t, disc, join, "join began before old disconnect completed")
	assert.Less(t, clear, join, "persisted flag cleared after new join")

	select {
	case roomID := <-notifier.fired:
		assert.Equal(t, "room-1", roomID)
	case <-time.After(2 * time.Second):
		t.Fatal("room-ended notify never fired")
	}
}

// TestDeviceContinuity tests that device ids captured from the old
// session are reused for every following join, across consecutive
// switches
func TestDeviceContinuity(t *testing.T) {
	tr := &trace{}
	first := newFakeRoom(tr, "r1")
	first.devices = DeviceSelection{CameraID: "cam-front", MicrophoneID: "mic-headset"}
	second := newFakeRoom(tr, "r2")
	third := newFakeRoom(tr, "r3")

	h, err := NewHandoff(HandoffConfig{
		Factory: roomSequence(t, first, second, third),
	})
	require.NoError(t, err)

	// No preseeded selection; first join connects with empty devices
	require.NoError(t, h.Join(context.Background(), "room-1", call.RoleCaller))
	assert.True(t, first.gotDevices.Empty())

	// Selection picked up from the live session survives the switch
	require.NoError(t, h.Join(context.Background(), "room-2", call.RoleCallee))
	assert.Equal(t, "cam-front", second.gotDevices.CameraID)
	assert.Equal(t, "mic-headset", second.gotDevices.MicrophoneID)

	// And the one after: teardown of the second session must not drop
	// the captured selection
	require.NoError(t, h.Join(context.Background(), "room-3", call.RoleCaller))
	assert.Equal(t, "cam-front", third.gotDevices.CameraID)
	assert.Equal(t, "mic-headset", third.gotDevices.MicrophoneID)
}

// TestPreseededDevicesKept tests that an explicit selection is not
// overwritten by the session's own devices
func TestPreseededDevicesKept(t *testing.T) {
	tr := &trace{}
	room := newFakeRoom(tr, "r1")
	room.devices = DeviceSelection{CameraID: "cam-other", MicrophoneID: "mic-other"}

	h, err := NewHandoff(HandoffConfig{
		Factory: roomSequence(t, room),
		Devices: DeviceSelection{CameraID: "cam-chosen", MicrophoneID: "mic-chosen"},
	})
	require.NoError(t, err)

	require.NoError(t, h.Join(context.Background(), "room-1", call.RoleCaller))
	assert.Equal(t, "cam-chosen", room.gotDevices.CameraID)
	assert.Equal(t, "cam-chosen", h.Devices().CameraID)
}

// TestJoinRetriesOnce tests the single bounded retry
func TestJoinRetriesOnce(t *testing.T) {
	tr := &trace{}
	failing := newFakeRoom(tr, "r1")
	failing.connectErr = fmt.Errorf("ice failure")
	working := newFakeRoom(tr, "r2")

	h, err := NewHandoff(HandoffConfig{
		Factory: roomSequence(t, failing, working),
	})
	require.NoError(t, err)

	require.NoError(t, h.Join(context.Background(), "room-1", call.RoleCaller))
	assert.True(t, h.Active())
	assert.GreaterOrEqual(t, tr.index("r2.connect:room-1"), 0)
}

// TestJoinFailsAfterRetry tests that two failures surface the error
func TestJoinFailsAfterRetry(t *testing.T) {
	tr := &trace{}
	first := newFakeRoom(tr, "r1")
	first.connectErr = fmt.Errorf("ice failure")
	second := newFakeRoom(tr, "r2")
	second.connectErr = fmt.Errorf("ice failure")

	h, err := NewHandoff(HandoffConfig{
		Factory: roomSequence(t, first, second),
	})
	require.NoError(t, err)

	require.Error(t, h.Join(context.Background(), "room-1", call.RoleCaller))
	assert.False(t, h.Active())
}

// TestTeardownWithoutSession tests that teardown with no session is a
// clean no-op
func TestTeardownWithoutSession(t *testing.T) {
	tr := &trace{}
	h, err := NewHandoff(HandoffConfig{
		Factory: roomSequence(t),
		Store:   &fakeStore{tr: tr},
	})
	require.NoError(t, err)

	require.NoError(t, h.Teardown(context.Background()))
	assert.Empty(t, tr.list(), "no-op teardown had side effects")
}

// TestPeerLeftSurvivesSwitch tests that the departure channel keeps
// delivering across session switches
func TestPeerLeftSurvivesSwitch(t *testing.T) {
	tr := &trace{}
	first := newFakeRoom(tr, "r1")
	second := newFakeRoom(tr, "r2")

	h, err := NewHandoff(HandoffConfig{
		Factory: roomSequence(t, first, second),
	})
	require.NoError(t, err)

	require.NoError(t, h.Join(context.Background(), "room-1", call.RoleCaller))
	require.NoError(t, h.Join(context.Background(), "room-2", call.RoleCallee))

	second.peerLeft <- "user-9"
	select {
	case peer := <-h.PeerLeft():
		assert.Equal(t, "user-9", peer)
	case <-time.After(2 * time.Second):
		t.Fatal("peer departure never delivered")
	}
}
