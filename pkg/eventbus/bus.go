// Package eventbus distributes call events to in-process subscribers
// and, when enabled, to local WebSocket clients so an attached UI can
// render call state without polling.
package eventbus

import (
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"log/slog"

	"github.com/velora/callkit/pkg/call"
	"github.com/velora/callkit/pkg/logger"
)

// Filter defines which events a subscriber wants to receive
type Filter struct {
	Types  []EventType // empty = all types
	CallID string      // empty = all calls
}

func (f Filter) matches(ev Event) bool {
	if f.CallID != "" && ev.CallID != f.CallID {
		return false
	}
	if len(f.Types) == 0 {
		return true
	}
	for _, t := range f.Types {
		if ev.Type == t {
			return true
		}
	}
	return false
}

// Subscriber is one in-process subscription. Events arrive on C; a slow
// subscriber drops events rather than blocking publishers.
type Subscriber struct {
	ID     string
	Filter Filter
	C      chan Event

	mu     sync.Mutex
	closed bool
}

func (s *Subscriber) closeOnce() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.C)
	}
}

// Config holds event bus configuration
type Config struct {
	WebSocketEnabled bool
	WebSocketAddr    string
	WebSocketPath    string
	BufferSize       int // per-subscriber channel depth
}

// DefaultConfig returns the default event bus configuration. The
// WebSocket listener binds loopback only.
func DefaultConfig() Config {
	return Config{
		WebSocketEnabled: false,
		WebSocketAddr:    "127.0.0.1:8724",
		WebSocketPath:    "/events",
		BufferSize:       64,
	}
}

// Bus fans events out to subscribers and the WebSocket broadcaster
type Bus struct {
	mu          sync.RWMutex
	subscribers map[string]*Subscriber
	seq         atomic.Int64
	nextID      atomic.Int64
	bufferSize  int
	ws          *wsServer
	logger      *logger.Logger
}

// New creates an event bus
func New(cfg Config) *Bus {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = DefaultConfig().BufferSize
	}

	bus := &Bus{
		subscribers: make(map[string]*Subscriber),
		bufferSize:  cfg.BufferSize,
		logger:      logger.Global().WithComponent("eventbus"),
	}
	if cfg.WebSocketEnabled {
		bus.ws = newWSServer(cfg.WebSocketAddr, cfg.WebSocketPath, bus.logger)
	}
	return bus
}

// Start starts the WebSocket listener if one is configured
func (b *Bus) Start() error {
	if b.ws == nil {
		return nil
	}
	if err := b.ws.start(); err != nil {
		return fmt.Errorf("failed to start event listener: %w", err)
	}
	b.logger.Info("event listener started",
		slog.String("addr", b.ws.addr),
		slog.String("path", b.ws.path))
	return nil
}

// Stop stops the listener and closes all subscriber channels
func (b *Bus) Stop() {
	if b.ws != nil {
		b.ws.stop()
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	for id, sub := range b.subscribers {
		sub.closeOnce()
		delete(b.subscribers, id)
	}
}

// Subscribe registers an in-process subscriber
func (b *Bus) Subscribe(filter Filter) *Subscriber {
	sub := &Subscriber{
		ID:     fmt.Sprintf("sub-%d", b.nextID.Add(1)),
		Filter: filter,
		C:      make(chan Event, b.bufferSize),
	}

	b.mu.Lock()
	b.subscribers[sub.ID] = sub
	b.mu.Unlock()
	return sub
}

// Unsubscribe removes a subscriber and closes its channel
func (b *Bus) Unsubscribe(id string) {
	b.mu.Lock()
	sub, ok := b.subscribers[id]
	if ok {
		delete(b.subscribers, id)
	}
	b.mu.Unlock()
	if ok {
		sub.closeOnce()
	}
}

// Publish stamps the event and fans it out. Never blocks; events to a
// full subscriber channel are dropped.
func (b *Bus) Publish(ev Event) {
	ev.Sequence = b.seq.Add(1)
	if ev.At.IsZero() {
		ev.At = time.Now()
	}

	b.mu.RLock()
	for id, sub := range b.subscribers {
		if !sub.Filter.matches(ev) {
			continue
		}
		select {
		case sub.C <- ev:
		default:
			b.logger.Debug("event dropped, subscriber slow",
				slog.String("subscriber_id", id),
				slog.String("event_type", string(ev.Type)))
		}
	}
	b.mu.RUnlock()

	if b.ws != nil {
		if data, err := json.Marshal(ev); err == nil {
			b.ws.broadcast(data)
		}
	}
}

// Addr returns the bound WebSocket address, empty when disabled
func (b *Bus) Addr() string {
	if b.ws == nil {
		return ""
	}
	b.ws.mu.Lock()
	defer b.ws.mu.Unlock()
	return b.ws.addr
}

// Listener adapts the bus to the state machine's listener hook
func (b *Bus) Listener() call.Listener {
	return func(t call.Transition) {
		b.Publish(TransitionEvent(t))
	}
}
