package billing

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spaceporthq/spaceport/internal/audit"
	"github.com/spaceporthq/spaceport/internal/catalog"
	"github.com/spaceporthq/spaceport/internal/subscription"
)

// mockAuditor captures recorded entries for verification.
type mockAuditor struct {
	mu      sync.Mutex
	entries []*audit.Entry
}

func (m *mockAuditor) Record(_ context.Context, e *audit.Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *e
	m.entries = append(m.entries, &cp)
	return nil
}

func (m *mockAuditor) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

func (m *mockAuditor) last() *audit.Entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.entries) == 0 {
		return nil
	}
	return m.entries[len(m.entries)-1]
}

type reconcilerFixture struct {
	reconciler *Reconciler
	subs       *subscription.Service
	store      *subscription.MemoryStore
	processed  *MemoryProcessedStore
	auditor    *mockAuditor
}

// newFixture wires a reconciler against the real subscription service with
// one trial subscription already bound to billing customer cus_1.
func newFixture(t *testing.T) (*reconcilerFixture, *subscription.Subscription) {
	t.Helper()
	ctx := context.Background()

	store := subscription.NewMemoryStore()
	auditor := &mockAuditor{}
	subs := subscription.NewService(store, auditor, time.Hour, 30*time.Minute)

	sub, err := subs.Create(ctx, "ten_1", catalog.TierStarter, "admin")
	require.NoError(t, err)

	// Billing customer IDs are bound when checkout is initiated, before any
	// webhook can arrive.
	sub.BillingCustomerID = "cus_1"
	require.NoError(t, store.Update(ctx, sub))

	processed := NewMemoryProcessedStore()
	f := &reconcilerFixture{
		reconciler: NewReconciler(subs, store, processed, auditor),
		subs:       subs,
		store:      store,
		processed:  processed,
		auditor:    auditor,
	}
	return f, sub
}

func TestReconcile_AppliesCheckout(t *testing.T) {
	ctx := context.Background()
	f, sub := newFixture(t)

	periodEnd := time.Now().UTC().Add(30 * 24 * time.Hour)
	res, err := f.reconciler.Reconcile(ctx, &Event{
		EventID:               "evt_1",
		Type:                  EventPaymentSucceeded,
		OccurredAt:            time.Now().UTC(),
		BillingCustomerID:     "cus_1",
		BillingSubscriptionID: "bsub_1",
		Tier:                  catalog.TierProfessional,
		PeriodEnd:             periodEnd,
	})
	require.NoError(t, err)

	assert.True(t, res.Applied)
	assert.Equal(t, subscription.StatusActive, res.State)
	assert.Equal(t, ResultApplied, res.Result)

	got, err := f.store.Get(ctx, sub.ID)
	require.NoError(t, err)
	assert.Equal(t, catalog.TierProfessional, got.Tier)
	assert.Equal(t, "bsub_1", got.BillingSubscriptionID)
	assert.True(t, got.CurrentPeriodEnd.Equal(periodEnd))

	seen, err := f.processed.Seen(ctx, "evt_1")
	require.NoError(t, err)
	assert.True(t, seen)
}

func TestReconcile_SameEventTwice(t *testing.T) {
	ctx := context.Background()
	f, sub := newFixture(t)

	event := &Event{
		EventID:           "evt_1",
		Type:              EventPaymentSucceeded,
		OccurredAt:        time.Now().UTC(),
		BillingCustomerID: "cus_1",
	}

	res, err := f.reconciler.Reconcile(ctx, event)
	require.NoError(t, err)
	require.True(t, res.Applied)

	stateAfterFirst, err := f.store.Get(ctx, sub.ID)
	require.NoError(t, err)
	auditsAfterFirst := f.auditor.count()

	// Redelivery of the identical event.
	res, err = f.reconciler.Reconcile(ctx, event)
	require.NoError(t, err)

	assert.False(t, res.Applied)
	assert.Equal(t, ResultDuplicateEvent, res.Result)
	assert.Equal(t, subscription.StatusActive, res.State)

	stateAfterSecond, err := f.store.Get(ctx, sub.ID)
	require.NoError(t, err)
	assert.Equal(t, stateAfterFirst, stateAfterSecond, "replay must not move state")

	require.Equal(t, auditsAfterFirst+1, f.auditor.count(), "exactly one extra audit entry")
	entry := f.auditor.last()
	assert.Equal(t, audit.ActionBillingEvent, entry.Action)
	assert.Equal(t, "duplicate_ignored", entry.Detail["result"])
}

func TestReconcile_OutOfOrderDelivery(t *testing.T) {
	ctx := context.Background()
	f, sub := newFixture(t)

	t0 := time.Now().UTC().Add(-time.Hour)
	checkout := &Event{
		EventID:           "evt_0",
		Type:              EventPaymentSucceeded,
		OccurredAt:        t0,
		BillingCustomerID: "cus_1",
	}
	_, err := f.reconciler.Reconcile(ctx, checkout)
	require.NoError(t, err)

	// E2 (newer) arrives before E1 (older).
	e2 := &Event{
		EventID:           "evt_2",
		Type:              EventPaymentFailed,
		OccurredAt:        t0.Add(20 * time.Minute),
		BillingCustomerID: "cus_1",
	}
	e1 := &Event{
		EventID:           "evt_1",
		Type:              EventPaymentSucceeded,
		OccurredAt:        t0.Add(10 * time.Minute),
		BillingCustomerID: "cus_1",
	}

	res, err := f.reconciler.Reconcile(ctx, e2)
	require.NoError(t, err)
	require.True(t, res.Applied)
	require.Equal(t, subscription.StatusGracePeriod, res.State)

	res, err = f.reconciler.Reconcile(ctx, e1)
	require.NoError(t, err)
	assert.False(t, res.Applied)
	assert.Equal(t, subscription.ReasonStale, res.Result)

	got, err := f.store.Get(ctx, sub.ID)
	require.NoError(t, err)
	assert.Equal(t, subscription.StatusGracePeriod, got.Status,
		"the newer event wins regardless of arrival order")

	// The stale event is still consumed; redelivering it repeats the no-op.
	seen, err := f.processed.Seen(ctx, "evt_1")
	require.NoError(t, err)
	assert.True(t, seen)
}

func TestReconcile_UnknownSubscriptionDropped(t *testing.T) {
	ctx := context.Background()
	f, _ := newFixture(t)

	res, err := f.reconciler.Reconcile(ctx, &Event{
		EventID:           "evt_1",
		Type:              EventPaymentSucceeded,
		OccurredAt:        time.Now().UTC(),
		BillingCustomerID: "cus_nobody",
	})
	require.NoError(t, err, "unknown subscriptions are expected, not errors")

	assert.False(t, res.Applied)
	assert.Equal(t, ResultUnknownSub, res.Result)

	seen, err := f.processed.Seen(ctx, "evt_1")
	require.NoError(t, err)
	assert.False(t, seen, "dropped events stay unmarked so late onboarding can replay them")
}

func TestReconcile_InvalidEvents(t *testing.T) {
	ctx := context.Background()
	f, _ := newFixture(t)

	tests := []struct {
		name  string
		event *Event
	}{
		{"missing event id", &Event{Type: EventPaymentSucceeded, BillingCustomerID: "cus_1"}},
		{"unknown type", &Event{EventID: "evt_1", Type: "refund_issued", BillingCustomerID: "cus_1"}},
		{"no billing identifiers", &Event{EventID: "evt_1", Type: EventPaymentSucceeded}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.reconciler.Reconcile(ctx, tt.event)
			assert.ErrorIs(t, err, ErrInvalidEvent)
		})
	}
}

func TestReconcile_TierChanged(t *testing.T) {
	ctx := context.Background()
	f, sub := newFixture(t)

	res, err := f.reconciler.Reconcile(ctx, &Event{
		EventID:           "evt_1",
		Type:              EventTierChanged,
		OccurredAt:        time.Now().UTC(),
		BillingCustomerID: "cus_1",
		Tier:              catalog.TierBusiness,
	})
	require.NoError(t, err)
	assert.True(t, res.Applied)

	got, err := f.store.Get(ctx, sub.ID)
	require.NoError(t, err)
	assert.Equal(t, catalog.TierBusiness, got.Tier)
	assert.Equal(t, subscription.StatusTrial, got.Status)
}

func TestReconcile_PrefersSubscriptionIDResolution(t *testing.T) {
	ctx := context.Background()
	f, _ := newFixture(t)

	other, err := f.subs.Create(ctx, "ten_2", catalog.TierStarter, "admin")
	require.NoError(t, err)
	other.BillingSubscriptionID = "bsub_2"
	require.NoError(t, f.store.Update(ctx, other))

	// Conflicting identifiers: subscription ID points at ten_2, customer ID
	// at ten_1. The subscription ID is the more specific binding.
	res, err := f.reconciler.Reconcile(ctx, &Event{
		EventID:               "evt_1",
		Type:                  EventPaymentSucceeded,
		OccurredAt:            time.Now().UTC(),
		BillingCustomerID:     "cus_1",
		BillingSubscriptionID: "bsub_2",
	})
	require.NoError(t, err)
	require.True(t, res.Applied)

	got, err := f.store.Get(ctx, other.ID)
	require.NoError(t, err)
	assert.Equal(t, subscription.StatusActive, got.Status)
}

// failingLifecycle always errors, standing in for a down database.
type failingLifecycle struct{}

func (failingLifecycle) Apply(context.Context, string, subscription.Change) (*subscription.Result, error) {
	return nil, errors.New("store down")
}

func (failingLifecycle) ChangeTier(context.Context, string, catalog.Tier, time.Time, string) (*subscription.Result, error) {
	return nil, errors.New("store down")
}

func TestReconcile_FailedApplyLeavesEventUnmarked(t *testing.T) {
	ctx := context.Background()
	f, _ := newFixture(t)

	failing := NewReconciler(failingLifecycle{}, f.store, f.processed, f.auditor)

	_, err := failing.Reconcile(ctx, &Event{
		EventID:           "evt_1",
		Type:              EventPaymentSucceeded,
		OccurredAt:        time.Now().UTC(),
		BillingCustomerID: "cus_1",
	})
	require.Error(t, err)

	seen, err := f.processed.Seen(ctx, "evt_1")
	require.NoError(t, err)
	assert.False(t, seen, "a failed apply must leave the event eligible for redelivery")
}

func TestMemoryProcessedStore_Mark(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryProcessedStore()

	rec := &ProcessedEvent{EventID: "evt_1", SubscriptionID: "sub_1", Type: EventPaymentSucceeded}
	require.NoError(t, store.Mark(ctx, rec))

	err := store.Mark(ctx, rec)
	assert.ErrorIs(t, err, ErrAlreadyProcessed)

	seen, err := store.Seen(ctx, "evt_1")
	require.NoError(t, err)
	assert.True(t, seen)

	seen, err = store.Seen(ctx, "evt_other")
	require.NoError(t, err)
	assert.False(t, seen)
}
