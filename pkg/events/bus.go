// Package events is the in-process fan-out bus behind the SSE stream.
// Publishing never blocks: a slow subscriber loses its oldest queued
// events and is flagged as lagged, the publisher and its siblings are
// unaffected.
package events

import (
	"sync"
	"sync/atomic"
	"time"

	"dnsgate/pkg/logging"
)

// Event types carried on the bus and over SSE.
const (
	TypeStatus    = "status"
	TypeDrivers   = "drivers"
	TypeLog       = "log_event"
	TypeError     = "error"
	TypeKeepalive = "keepalive"
)

// SubscriberBuffer is the per-subscriber queue depth.
const SubscriberBuffer = 256

// Event is one bus message.
type Event struct {
	Type      string    `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	Data      any       `json:"data,omitempty"`
}

// Subscription is one subscriber's view of the bus.
type Subscription struct {
	id      uint64
	ch      chan Event
	lagged  atomic.Bool
	dropped atomic.Int64
}

// Events is the subscriber's receive channel. It is closed on
// Unsubscribe and when the bus shuts down.
func (s *Subscription) Events() <-chan Event { return s.ch }

// Lagged reports whether this subscriber has ever lost an event.
func (s *Subscription) Lagged() bool { return s.lagged.Load() }

// Dropped returns how many events this subscriber has lost.
func (s *Subscription) Dropped() int64 { return s.dropped.Load() }

// Bus fans events out to subscribers.
type Bus struct {
	logger *logging.Logger

	mu     sync.Mutex
	subs   map[uint64]*Subscription
	nextID uint64
	closed bool
}

// NewBus creates an event bus.
func NewBus(logger *logging.Logger) *Bus {
	if logger == nil {
		logger = logging.Discard()
	}
	return &Bus{
		logger: logger.WithField("component", "events"),
		subs:   make(map[uint64]*Subscription),
	}
}

// Subscribe registers a new subscriber with a bounded queue.
func (b *Bus) Subscribe() *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	sub := &Subscription{
		id: b.nextID,
		ch: make(chan Event, SubscriberBuffer),
	}
	if b.closed {
		close(sub.ch)
		return sub
	}
	b.subs[sub.id] = sub
	return sub
}

// Unsubscribe removes a subscriber and closes its channel.
func (b *Bus) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subs[sub.id]; !ok {
		return
	}
	delete(b.subs, sub.id)
	close(sub.ch)
}

// SubscriberCount returns the number of active subscribers.
func (b *Bus) SubscriberCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// Publish delivers an event to every subscriber. A full queue sheds its
// oldest event to make room for the new one.
func (b *Bus) Publish(eventType string, data any) {
	evt := Event{Type: eventType, Timestamp: time.Now(), Data: data}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	for _, sub := range b.subs {
		b.deliver(sub, evt)
	}
}

func (b *Bus) deliver(sub *Subscription, evt Event) {
	for {
		select {
		case sub.ch <- evt:
			return
		default:
		}
		select {
		case <-sub.ch:
			sub.lagged.Store(true)
			if sub.dropped.Add(1) == 1 {
				b.logger.Warn("subscriber lagging, shedding oldest events", "subscriber", sub.id)
			}
		default:
		}
	}
}

// Close shuts the bus down and closes every subscriber channel. Publish
// becomes a no-op afterwards.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, sub := range b.subs {
		delete(b.subs, id)
		close(sub.ch)
	}
}
