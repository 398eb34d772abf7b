// Package stream fans engine events out to live subscribers.
package stream

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// EventType names what an event describes.
type EventType string

const (
	EventDecision EventType = "decision"
	EventHITL     EventType = "hitl"
	EventBreaker  EventType = "breaker"
)

// ParseEventType reports whether s names a known event type.
func ParseEventType(s string) (EventType, bool) {
	switch t := EventType(s); t {
	case EventDecision, EventHITL, EventBreaker:
		return t, true
	}
	return "", false
}

// Event is one engine occurrence. Data is JSON encodable.
type Event struct {
	Type EventType   `json:"type"`
	At   time.Time   `json:"at"`
	Data interface{} `json:"data"`
}

// ErrHubStopped is returned by Start after Stop.
var ErrHubStopped = errors.New("stream: hub stopped")

// HubConfig holds configuration for the Hub.
type HubConfig struct {
	// BufferSize is the size of the internal event channel buffer.
	BufferSize int
	// SubscriberBufferSize is the size of each subscriber's channel buffer.
	SubscriberBufferSize int
	// SlowConsumerDropThreshold is the number of drops between warnings for one subscriber.
	SlowConsumerDropThreshold int
}

// DefaultHubConfig returns the default hub configuration.
func DefaultHubConfig() HubConfig {
	return HubConfig{
		BufferSize:                1000,
		SubscriberBufferSize:      100,
		SlowConsumerDropThreshold: 10,
	}
}

// Hub distributes events from a single publisher to many subscribers.
// Publishing never blocks: a full buffer drops the event for that subscriber.
type Hub struct {
	config HubConfig
	logger zerolog.Logger

	mu          sync.RWMutex
	subscribers map[string]*Subscriber
	events      chan Event
	done        chan struct{}
	started     bool
	stopped     bool

	received  atomic.Uint64
	broadcast atomic.Uint64
	dropped   atomic.Uint64
}

// Subscriber receives events on C until it is unsubscribed or the hub stops.
type Subscriber struct {
	ID        string
	C         <-chan Event
	CreatedAt time.Time

	ch      chan Event
	types   map[EventType]bool
	dropped atomic.Uint64
}

// Dropped returns how many events this subscriber missed.
func (s *Subscriber) Dropped() uint64 {
	return s.dropped.Load()
}

func (s *Subscriber) wants(t EventType) bool {
	return len(s.types) == 0 || s.types[t]
}

// NewHub creates a hub. Zero config fields take their defaults.
func NewHub(config HubConfig, logger zerolog.Logger) *Hub {
	def := DefaultHubConfig()
	if config.BufferSize <= 0 {
		config.BufferSize = def.BufferSize
	}
	if config.SubscriberBufferSize <= 0 {
		config.SubscriberBufferSize = def.SubscriberBufferSize
	}
	if config.SlowConsumerDropThreshold <= 0 {
		config.SlowConsumerDropThreshold = def.SlowConsumerDropThreshold
	}
	return &Hub{
		config:      config,
		logger:      logger,
		subscribers: make(map[string]*Subscriber),
		events:      make(chan Event, config.BufferSize),
		done:        make(chan struct{}),
	}
}

// Start begins the distribution loop. It stops with ctx or Stop.
func (h *Hub) Start(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.stopped {
		return ErrHubStopped
	}
	if h.started {
		return nil
	}
	h.started = true
	go h.broadcastLoop(ctx)
	return nil
}

func (h *Hub) broadcastLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			h.Stop()
			return
		case <-h.done:
			return
		case ev := <-h.events:
			h.received.Add(1)
			h.fanOut(ev)
		}
	}
}

// Stop ends distribution and closes every subscriber channel.
func (h *Hub) Stop() {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.stopped {
		return
	}
	h.stopped = true
	close(h.done)

	for id, sub := range h.subscribers {
		close(sub.ch)
		delete(h.subscribers, id)
	}
}

// Subscribe registers a subscriber for the given types, or for every type when
// none are given. After Stop the returned channel is already closed.
func (h *Hub) Subscribe(types ...EventType) *Subscriber {
	ch := make(chan Event, h.config.SubscriberBufferSize)
	sub := &Subscriber{
		ID:        uuid.NewString(),
		C:         ch,
		CreatedAt: time.Now(),
		ch:        ch,
		types:     make(map[EventType]bool, len(types)),
	}
	for _, t := range types {
		sub.types[t] = true
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.stopped {
		close(ch)
		return sub
	}
	h.subscribers[sub.ID] = sub
	return sub
}

// Unsubscribe removes sub and closes its channel.
func (h *Hub) Unsubscribe(sub *Subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.subscribers[sub.ID]; !ok {
		return
	}
	delete(h.subscribers, sub.ID)
	close(sub.ch)
}

// Publish queues an event for distribution. A full buffer drops it.
func (h *Hub) Publish(ev Event) {
	if ev.At.IsZero() {
		ev.At = time.Now()
	}
	select {
	case h.events <- ev:
	default:
		h.dropped.Add(1)
	}
}

// fanOut holds the read lock while sending so Stop and Unsubscribe cannot
// close a channel mid-send.
func (h *Hub) fanOut(ev Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for _, sub := range h.subscribers {
		if !sub.wants(ev.Type) {
			continue
		}
		select {
		case sub.ch <- ev:
			h.broadcast.Add(1)
		default:
			h.dropped.Add(1)
			if n := sub.dropped.Add(1); n%uint64(h.config.SlowConsumerDropThreshold) == 0 {
				h.logger.Warn().Str("subscriber", sub.ID).Uint64("dropped", n).Msg("Slow event subscriber")
			}
		}
	}
}

// SubscriberCount returns the number of active subscribers.
func (h *Hub) SubscriberCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subscribers)
}

// HubMetrics contains hub counters.
type HubMetrics struct {
	EventsReceived  uint64
	EventsBroadcast uint64
	EventsDropped   uint64
	Subscribers     int
}

// GetMetrics returns hub metrics.
func (h *Hub) GetMetrics() HubMetrics {
	return HubMetrics{
		EventsReceived:  h.received.Load(),
		EventsBroadcast: h.broadcast.Load(),
		EventsDropped:   h.dropped.Load(),
		Subscribers:     h.SubscriberCount(),
	}
}

// IsStarted returns whether the hub is running.
func (h *Hub) IsStarted() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.started && !h.stopped
}
