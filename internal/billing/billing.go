// Package billing ingests payment provider webhook events and reconciles
// them into subscription lifecycle changes.
//
// Delivery from the provider is at-least-once and unordered. The reconciler
// is idempotent under replay (provider event IDs are tracked) and resolves
// out-of-order delivery last-write-wins on the event's own declared
// timestamp, never on arrival order.
package billing

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/spaceporthq/spaceport/internal/catalog"
)

var (
	// ErrInvalidEvent marks a webhook that cannot be processed (malformed,
	// missing identifiers, unknown type). The HTTP layer logs and still
	// returns success to the provider to stop pointless redelivery.
	ErrInvalidEvent = errors.New("billing: invalid event")

	// ErrAlreadyProcessed is returned when an event ID was recorded before.
	ErrAlreadyProcessed = errors.New("billing: event already processed")
)

// EventType classifies provider events after translation.
type EventType string

const (
	EventPaymentSucceeded EventType = "payment_succeeded"
	EventPaymentFailed    EventType = "payment_failed"
	EventCancelled        EventType = "cancelled"
	EventTierChanged      EventType = "tier_changed"
)

// Valid reports whether the type is one the reconciler understands.
func (t EventType) Valid() bool {
	switch t {
	case EventPaymentSucceeded, EventPaymentFailed, EventCancelled, EventTierChanged:
		return true
	}
	return false
}

// Event is a provider webhook after signature verification and translation.
// OccurredAt is the provider's own declared timestamp and drives
// last-write-wins ordering.
type Event struct {
	EventID               string       `json:"eventId"`
	Type                  EventType    `json:"type"`
	OccurredAt            time.Time    `json:"occurredAt"`
	BillingCustomerID     string       `json:"billingCustomerId,omitempty"`
	BillingSubscriptionID string       `json:"billingSubscriptionId,omitempty"`
	Tier                  catalog.Tier `json:"tier,omitempty"`
	PeriodEnd             time.Time    `json:"periodEnd,omitempty"`
}

// ProcessedEvent records one consumed provider event.
type ProcessedEvent struct {
	EventID        string    `json:"eventId"`
	SubscriptionID string    `json:"subscriptionId"`
	Type           EventType `json:"type"`
	OccurredAt     time.Time `json:"occurredAt"`
	ReceivedAt     time.Time `json:"receivedAt"`
}

// ProcessedStore tracks provider event IDs that have been consumed.
type ProcessedStore interface {
	// Seen reports whether the event ID was recorded before.
	Seen(ctx context.Context, eventID string) (bool, error)
	// Mark records the event; ErrAlreadyProcessed if the ID exists.
	Mark(ctx context.Context, rec *ProcessedEvent) error
}

// MemoryProcessedStore is an in-memory ProcessedStore for tests and
// single-node development.
type MemoryProcessedStore struct {
	mu     sync.RWMutex
	events map[string]*ProcessedEvent
}

// NewMemoryProcessedStore creates an empty in-memory store.
func NewMemoryProcessedStore() *MemoryProcessedStore {
	return &MemoryProcessedStore{events: make(map[string]*ProcessedEvent)}
}

// Seen implements ProcessedStore.
func (m *MemoryProcessedStore) Seen(_ context.Context, eventID string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.events[eventID]
	return ok, nil
}

// Mark implements ProcessedStore.
func (m *MemoryProcessedStore) Mark(_ context.Context, rec *ProcessedEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.events[rec.EventID]; ok {
		return ErrAlreadyProcessed
	}
	cp := *rec
	if cp.ReceivedAt.IsZero() {
		cp.ReceivedAt = time.Now().UTC()
	}
	m.events[rec.EventID] = &cp
	return nil
}

var _ ProcessedStore = (*MemoryProcessedStore)(nil)
