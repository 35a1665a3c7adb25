// Package events emits notification events to the external notification
// service. The core only publishes; delivery is someone else's job.
package events

import (
	"context"
	"sync"
	"time"

	"github.com/broker-aggregator/internal/types"
)

// EventType identifies a notification event.
type EventType string

const (
	// EventReauthRequired means a connection needs user re-consent
	EventReauthRequired EventType = "connection.reauth_required"
	// EventBrokerDegraded means a connection exhausted its failure budget
	EventBrokerDegraded EventType = "broker.degraded"
	// EventConnectionCreated means a new broker connection was established
	EventConnectionCreated EventType = "connection.created"
	// EventConnectionDisconnected means a connection was terminated
	EventConnectionDisconnected EventType = "connection.disconnected"
)

// Event is one notification published to the notification service.
type Event struct {
	Type         EventType        `json:"type"`
	UserID       string           `json:"userId"`
	ConnectionID string           `json:"connectionId,omitempty"`
	BrokerType   types.BrokerType `json:"brokerType,omitempty"`
	Detail       string           `json:"detail,omitempty"`
	OccurredAt   time.Time        `json:"occurredAt"`
}

// Notifier publishes notification events. Implementations must be safe for
// concurrent use.
type Notifier interface {
	Emit(ctx context.Context, event Event) error
	Close() error
}

// NopNotifier discards all events. Used when Kafka is disabled.
type NopNotifier struct{}

// Emit discards the event.
func (NopNotifier) Emit(ctx context.Context, event Event) error { return nil }

// Close is a no-op.
func (NopNotifier) Close() error { return nil }

// MemoryNotifier records events in memory for tests.
type MemoryNotifier struct {
	mu     sync.Mutex
	events []Event
}

// NewMemoryNotifier creates an in-memory event recorder.
func NewMemoryNotifier() *MemoryNotifier {
	return &MemoryNotifier{}
}

// Emit records the event.
func (m *MemoryNotifier) Emit(ctx context.Context, event Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, event)
	return nil
}

// Close is a no-op.
func (m *MemoryNotifier) Close() error { return nil }

// Events returns a copy of all recorded events.
func (m *MemoryNotifier) Events() []Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Event, len(m.events))
	copy(out, m.events)
	return out
}

// ByType returns recorded events of one type.
func (m *MemoryNotifier) ByType(t EventType) []Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Event
	for _, e := range m.events {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}
