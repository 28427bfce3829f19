// Package events provides a minimal in-process publish/subscribe bus that
// plumbs coordinator, optimizer, reallocation, and monitor activity into
// the WebSocket push layer. There is no persistence or at-least-once
// delivery here: subscribers that are slow to drain simply miss events,
// the same tradeoff the HTTP polling endpoints exist to cover.
package events

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Type identifies the kind of event carried on the bus.
type Type string

const (
	MetricsUpdated     Type = "metrics_updated"
	AllocationChanged  Type = "allocation_changed"
	AlertRaised        Type = "alert_raised"
	ReallocationFailed Type = "reallocation_failed"
)

// Event is a single published message. Data is whatever payload the
// publisher attached (an AggregatedMetrics, an Alert, and so on); Bus
// does not interpret it.
type Event struct {
	Type      Type        `json:"type"`
	Timestamp time.Time   `json:"timestamp"`
	Data      interface{} `json:"data"`
}

// subscriberBuffer bounds how many unconsumed events a slow subscriber
// may accumulate before new events are dropped for it.
const subscriberBuffer = 32

// Bus fans published events out to every active subscriber.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[int]chan Event
	nextID      int
	log         zerolog.Logger
}

// NewBus constructs an empty Bus.
func NewBus(log zerolog.Logger) *Bus {
	return &Bus{
		subscribers: make(map[int]chan Event),
		log:         log.With().Str("component", "events").Logger(),
	}
}

// Subscribe registers a new listener and returns its channel plus an
// unsubscribe function the caller must invoke when done (typically on
// WebSocket disconnect).
func (b *Bus) Subscribe() (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.nextID
	b.nextID++
	ch := make(chan Event, subscriberBuffer)
	b.subscribers[id] = ch

	unsubscribe := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if sub, ok := b.subscribers[id]; ok {
			delete(b.subscribers, id)
			close(sub)
		}
	}
	return ch, unsubscribe
}

// Publish emits an event of the given type to every current subscriber.
// A subscriber whose buffer is full is skipped rather than blocked.
func (b *Bus) Publish(t Type, data interface{}) {
	evt := Event{Type: t, Timestamp: time.Now(), Data: data}

	b.mu.RLock()
	defer b.mu.RUnlock()
	for id, ch := range b.subscribers {
		select {
		case ch <- evt:
		default:
			b.log.Warn().Int("subscriber", id).Str("event_type", string(t)).Msg("dropping event for slow subscriber")
		}
	}
}

// SubscriberCount reports how many listeners are currently attached,
// useful for /status reporting.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}

// Marshal serializes an Event for transmission over a WebSocket text
// frame.
func Marshal(e Event) ([]byte, error) {
	return json.Marshal(e)
}
