// Package bus provides the typed in-process pub/sub that decouples the
// core subsystems from plugin consumers (webhooks, push).
//
// Delivery is synchronous in the publisher's goroutine, in subscription
// order. A handler that panics is logged and skipped; it never prevents
// later handlers from running. There is no queueing and no backpressure —
// a handler that needs to do I/O schedules it itself (plugins typically
// fire a goroutine and return).
//
// The same type backs the "native" emitters owned by the host aggregator
// and the node registry; the Bridge adapts those onto the central bus.
package bus

import (
	"log/slog"
	"sync"
	"time"

	"github.com/woly-net/woly/pkg/observability"
)

// Central bus event types, as seen by plugins.
const (
	EventHostDiscovered       = "host.discovered"
	EventHostRemoved          = "host.removed"
	EventHostStatusTransition = "host.status-transition"
	EventNodeConnected        = "node.connected"
	EventNodeDisconnected     = "node.disconnected"
	EventScanComplete         = "scan.complete"
	// EventWakeVerificationComplete is published by the command router when
	// a wake-with-verify follow-up result arrives.
	EventWakeVerificationComplete = "wake.verification-complete"
)

// Event is a tagged domain event.
type Event struct {
	Type      string    `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	Data      any       `json:"data"`
}

// Handler consumes one event.
type Handler func(Event)

// Bus is a typed publish/subscribe hub.
type Bus struct {
	logger *slog.Logger

	mu       sync.RWMutex
	handlers map[string][]*subscription
	nextID   int
}

type subscription struct {
	id      int
	handler Handler
}

// New creates an event bus.
func New(logger *slog.Logger) *Bus {
	return &Bus{
		logger:   logger,
		handlers: make(map[string][]*subscription),
	}
}

// Subscribe registers a handler for one event type and returns an
// unsubscribe function. Handlers for a type run in subscription order.
func (b *Bus) Subscribe(eventType string, h Handler) func() {
	b.mu.Lock()
	b.nextID++
	sub := &subscription{id: b.nextID, handler: h}
	b.handlers[eventType] = append(b.handlers[eventType], sub)
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		subs := b.handlers[eventType]
		for i, s := range subs {
			if s.id == sub.id {
				b.handlers[eventType] = append(subs[:i:i], subs[i+1:]...)
				return
			}
		}
	}
}

// Publish delivers the event synchronously to all subscribers of its type.
// The handler list is snapshotted under the read lock so subscribing or
// unsubscribing from inside a handler is safe.
func (b *Bus) Publish(ev Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	observability.EventsPublished.WithLabelValues(ev.Type).Inc()

	b.mu.RLock()
	subs := make([]*subscription, len(b.handlers[ev.Type]))
	copy(subs, b.handlers[ev.Type])
	b.mu.RUnlock()

	for _, s := range subs {
		b.invoke(s.handler, ev)
	}
}

func (b *Bus) invoke(h Handler, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event handler panicked",
				"eventType", ev.Type,
				"panic", r,
			)
		}
	}()
	h(ev)
}

// Clear removes all subscriptions.
func (b *Bus) Clear() {
	b.mu.Lock()
	b.handlers = make(map[string][]*subscription)
	b.mu.Unlock()
}

// SubscriberCount returns the number of handlers for an event type.
func (b *Bus) SubscriberCount(eventType string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.handlers[eventType])
}
