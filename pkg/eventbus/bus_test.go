package eventbus

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/velora/callkit/pkg/call"
	"github.com/velora/callkit/pkg/signaling"
)

func receiveEvent(t *testing.T, sub *Subscriber) Event {
	t.Helper()
	select {
	case ev := <-sub.C:
		return ev
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
		return Event{}
	}
}

func TestPublishFanOut(t *testing.T) {
	bus := New(DefaultConfig())
	defer bus.Stop()

	a := bus.Subscribe(Filter{})
	b := bus.Subscribe(Filter{})

	bus.Publish(Event{Type: EventIncoming, CallID: "call-1"})

	for _, sub := range []*Subscriber{a, b} {
		ev := receiveEvent(t, sub)
		if ev.Type != EventIncoming || ev.CallID != "call-1" {
			t.Errorf("got %+v, want incoming/call-1", ev)
		}
		if ev.Sequence == 0 || ev.At.IsZero() {
			t.Errorf("event not stamped: seq=%d at=%v", ev.Sequence, ev.At)
		}
	}
}

func TestFilterByTypeAndCall(t *testing.T) {
	bus := New(DefaultConfig())
	defer bus.Stop()

	sub := bus.Subscribe(Filter{
		Types:  []EventType{EventTransition},
		CallID: "call-1",
	})

	bus.Publish(Event{Type: EventIncoming, CallID: "call-1"})
	bus.Publish(Event{Type: EventTransition, CallID: "call-2"})
	bus.Publish(Event{Type: EventTransition, CallID: "call-1"})

	ev := receiveEvent(t, sub)
	if ev.Type != EventTransition || ev.CallID != "call-1" {
		t.Errorf("got %+v, want the matching transition only", ev)
	}
	select {
	case extra := <-sub.C:
		t.Errorf("unexpected extra event: %+v", extra)
	default:
	}
}

func TestSlowSubscriberDoesNotBlock(t *testing.T) {
	cfg := DefaultConfig()
	cfg.BufferSize = 1
	bus := New(cfg)
	defer bus.Stop()

	sub := bus.Subscribe(Filter{})

	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			bus.Publish(Event{Type: EventIncoming})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked on a full subscriber")
	}
	<-sub.C
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	bus := New(DefaultConfig())
	defer bus.Stop()

	sub := bus.Subscribe(Filter{})
	bus.Unsubscribe(sub.ID)

	if _, ok := <-sub.C; ok {
		t.Error("channel still open after unsubscribe")
	}

	// Publishing after unsubscribe must not panic
	bus.Publish(Event{Type: EventIncoming})
}

func TestTransitionListener(t *testing.T) {
	bus := New(DefaultConfig())
	defer bus.Stop()

	sub := bus.Subscribe(Filter{Types: []EventType{EventTransition}})

	listener := bus.Listener()
	listener(call.Transition{
		From: call.StateIdle,
		To:   call.StateRinging,
		Session: call.Session{
			ID:       "call-1",
			RoomName: "room-1",
			Peer:     signaling.Peer{ID: "user-2", Name: "Bea"},
			State:    call.StateRinging,
		},
	})

	ev := receiveEvent(t, sub)
	if ev.From != "idle" || ev.To != "ringing" || ev.CallID != "call-1" {
		t.Errorf("transition event = %+v", ev)
	}
	if ev.Peer == nil || ev.Peer.ID != "user-2" {
		t.Errorf("peer not carried: %+v", ev.Peer)
	}
}

func TestWebSocketBroadcast(t *testing.T) {
	cfg := DefaultConfig()
	cfg.WebSocketEnabled = true
	cfg.WebSocketAddr = "127.0.0.1:0"
	bus := New(cfg)
	if err := bus.Start(); err != nil {
		t.Fatalf("Start() failed: %v", err)
	}
	defer bus.Stop()

	url := "ws://" + bus.Addr() + cfg.WebSocketPath
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial %s failed: %v", url, err)
	}
	defer conn.Close()

	// The server registers the client just after the upgrade response,
	// give it a beat before publishing
	time.Sleep(100 * time.Millisecond)
	bus.Publish(Event{Type: EventIncoming, CallID: "call-1"})

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("no broadcast received: %v", err)
	}
	var got Event
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("bad frame %q: %v", data, err)
	}

	if got.Type != EventIncoming || got.CallID != "call-1" {
		t.Errorf("broadcast event = %+v", got)
	}
}
