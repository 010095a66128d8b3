// Package events is the in-process notification bus a client session uses to
// surface hub verdicts, rollbacks and lock changes to its UI.
package events

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"
)

// Notification types published by the client session.
const (
	TypeSnapshot      = "snapshot"
	TypePatched       = "patched"
	TypeRejected      = "rejected"
	TypeReverted      = "reverted"
	TypeStaleWrite    = "stale_write"
	TypeLockChanged   = "lock_changed"
	TypePersisted     = "persisted"
	TypeServerError   = "server_error"
	TypeMismatches    = "mismatches"
	TypeDisconnected  = "disconnected"
	TypeAnyWildcard   = "*"
	defaultBufferSize = 64
)

// Event represents a lightweight notification.
type Event struct {
	ID        int64
	Type      string
	Payload   []byte
	CreatedAt time.Time
}

// Decode unmarshals the payload into out.
func (e Event) Decode(out any) error {
	return json.Unmarshal(e.Payload, out)
}

// EventHandler reacts to an event.
type EventHandler func(event Event) error

// EventBus provides in-process pub/sub for events.
type EventBus struct {
	subscribers map[string][]EventHandler
	mu          sync.RWMutex
	seq         int64
}

// NewEventBus constructs an empty bus.
func NewEventBus() *EventBus {
	return &EventBus{subscribers: make(map[string][]EventHandler)}
}

// Subscribe registers a handler for a given event type, or "*" for all.
func (b *EventBus) Subscribe(eventType string, handler EventHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subscribers[eventType] = append(b.subscribers[eventType], handler)
}

// Publish notifies subscribers of the event type.
func (b *EventBus) Publish(event Event) {
	b.mu.Lock()
	b.seq++
	if event.ID == 0 {
		event.ID = b.seq
	}
	handlers := append([]EventHandler(nil), b.subscribers[event.Type]...)
	handlers = append(handlers, b.subscribers[TypeAnyWildcard]...)
	b.mu.Unlock()

	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now()
	}

	for _, handler := range handlers {
		// Handlers run synchronously on the publisher's goroutine.
		_ = handler(event)
	}
}

// PublishJSON marshals payload and publishes it under eventType.
func (b *EventBus) PublishJSON(eventType string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s event: %w", eventType, err)
	}
	b.Publish(Event{Type: eventType, Payload: data})
	return nil
}

// Channel subscribes a buffered channel to eventType. Events are dropped
// when the buffer is full.
func (b *EventBus) Channel(eventType string) <-chan Event {
	ch := make(chan Event, defaultBufferSize)
	b.Subscribe(eventType, func(e Event) error {
		select {
		case ch <- e:
		default:
		}
		return nil
	})
	return ch
}
