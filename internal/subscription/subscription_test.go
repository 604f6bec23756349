package subscription

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spaceporthq/spaceport/internal/catalog"
)

func TestNewTrial(t *testing.T) {
	sub := NewTrial("ten_1", catalog.TierStarter, 30*24*time.Hour)

	assert.True(t, len(sub.ID) > 4 && sub.ID[:4] == "sub_")
	assert.Equal(t, "ten_1", sub.TenantID)
	assert.Equal(t, catalog.TierStarter, sub.Tier)
	assert.Equal(t, StatusTrial, sub.Status)
	require.NotNil(t, sub.TrialExpiry)
	assert.WithinDuration(t, time.Now().UTC().Add(30*24*time.Hour), *sub.TrialExpiry, 5*time.Second)
	assert.True(t, sub.LastEventAt.IsZero(), "first billing event must never look stale")
	assert.Nil(t, sub.GracePeriodEnd)
}

func TestIsTerminal(t *testing.T) {
	assert.False(t, (&Subscription{Status: StatusTrial}).IsTerminal())
	assert.False(t, (&Subscription{Status: StatusActive}).IsTerminal())
	assert.False(t, (&Subscription{Status: StatusGracePeriod}).IsTerminal())
	assert.True(t, (&Subscription{Status: StatusCancelled}).IsTerminal())
	assert.True(t, (&Subscription{Status: StatusExpired}).IsTerminal())
}

func TestWithinPaidPeriod(t *testing.T) {
	now := time.Now().UTC()

	cancelled := &Subscription{Status: StatusCancelled, CurrentPeriodEnd: now.Add(24 * time.Hour)}
	assert.True(t, cancelled.WithinPaidPeriod(now))
	assert.False(t, cancelled.WithinPaidPeriod(now.Add(48*time.Hour)))

	// Cancelled straight out of trial: nothing was paid for.
	fromTrial := &Subscription{Status: StatusCancelled}
	assert.False(t, fromTrial.WithinPaidPeriod(now))

	active := &Subscription{Status: StatusActive, CurrentPeriodEnd: now.Add(24 * time.Hour)}
	assert.False(t, active.WithinPaidPeriod(now), "only cancelled subscriptions run out a paid period")
}

func TestTrialAndGraceExpiry(t *testing.T) {
	now := time.Now().UTC()
	past := now.Add(-time.Hour)
	future := now.Add(time.Hour)

	trial := &Subscription{Status: StatusTrial, TrialExpiry: &past}
	assert.True(t, trial.TrialExpired(now))

	trial.TrialExpiry = &future
	assert.False(t, trial.TrialExpired(now))

	grace := &Subscription{Status: StatusGracePeriod, GracePeriodEnd: &past}
	assert.True(t, grace.GraceExpired(now))

	grace.GracePeriodEnd = &future
	assert.False(t, grace.GraceExpired(now))

	// Wrong status never reports expiry even with a lapsed window.
	active := &Subscription{Status: StatusActive, TrialExpiry: &past, GracePeriodEnd: &past}
	assert.False(t, active.TrialExpired(now))
	assert.False(t, active.GraceExpired(now))
}

func TestMemoryStore_CRUD(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	sub := NewTrial("ten_1", catalog.TierProfessional, time.Hour)
	require.NoError(t, store.Create(ctx, sub))

	got, err := store.Get(ctx, sub.ID)
	require.NoError(t, err)
	assert.Equal(t, "ten_1", got.TenantID)
	assert.Equal(t, catalog.TierProfessional, got.Tier)

	got, err = store.GetByTenant(ctx, "ten_1")
	require.NoError(t, err)
	assert.Equal(t, sub.ID, got.ID)

	got.Status = StatusActive
	got.BillingCustomerID = "cus_123"
	got.BillingSubscriptionID = "bsub_456"
	require.NoError(t, store.Update(ctx, got))

	got2, err := store.Get(ctx, sub.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusActive, got2.Status)

	byCus, err := store.GetByBillingCustomer(ctx, "cus_123")
	require.NoError(t, err)
	assert.Equal(t, sub.ID, byCus.ID)

	bySub, err := store.GetByBillingSubscription(ctx, "bsub_456")
	require.NoError(t, err)
	assert.Equal(t, sub.ID, bySub.ID)
}

func TestMemoryStore_NotFound(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	_, err := store.Get(ctx, "nonexistent")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = store.GetByTenant(ctx, "nonexistent")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = store.GetByBillingCustomer(ctx, "cus_none")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = store.GetByBillingCustomer(ctx, "")
	assert.ErrorIs(t, err, ErrNotFound, "empty billing id must not match unbound subscriptions")

	err = store.Update(ctx, &Subscription{ID: "nonexistent"})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryStore_OneSubscriptionPerTenant(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	require.NoError(t, store.Create(ctx, NewTrial("ten_1", catalog.TierStarter, time.Hour)))

	err := store.Create(ctx, NewTrial("ten_1", catalog.TierBusiness, time.Hour))
	assert.ErrorIs(t, err, ErrAlreadyExists)
}

func TestMemoryStore_CopiesOnReadAndWrite(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	sub := NewTrial("ten_1", catalog.TierStarter, time.Hour)
	require.NoError(t, store.Create(ctx, sub))

	// Mutating the original after Create must not leak into the store.
	sub.Status = StatusCancelled
	got, err := store.Get(ctx, sub.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusTrial, got.Status)

	// Mutating a read result must not leak either.
	got.Status = StatusExpired
	got2, err := store.Get(ctx, sub.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusTrial, got2.Status)
}

func TestMemoryStore_ListDue(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	now := time.Now().UTC()
	past := now.Add(-time.Hour)
	future := now.Add(time.Hour)

	lapsedTrial := NewTrial("ten_1", catalog.TierStarter, time.Hour)
	lapsedTrial.TrialExpiry = &past
	require.NoError(t, store.Create(ctx, lapsedTrial))

	freshTrial := NewTrial("ten_2", catalog.TierStarter, time.Hour)
	freshTrial.TrialExpiry = &future
	require.NoError(t, store.Create(ctx, freshTrial))

	lapsedGrace := NewTrial("ten_3", catalog.TierStarter, time.Hour)
	require.NoError(t, store.Create(ctx, lapsedGrace))
	lapsedGrace.Status = StatusGracePeriod
	lapsedGrace.GracePeriodEnd = &past
	require.NoError(t, store.Update(ctx, lapsedGrace))

	active := NewTrial("ten_4", catalog.TierStarter, time.Hour)
	require.NoError(t, store.Create(ctx, active))
	active.Status = StatusActive
	active.TrialExpiry = nil
	require.NoError(t, store.Update(ctx, active))

	due, err := store.ListDue(ctx, now, 10)
	require.NoError(t, err)
	require.Len(t, due, 2)

	ids := []string{due[0].ID, due[1].ID}
	assert.Contains(t, ids, lapsedTrial.ID)
	assert.Contains(t, ids, lapsedGrace.ID)
}

func TestMemoryStore_ListDueHonorsLimit(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	now := time.Now().UTC()
	past := now.Add(-time.Hour)

	for _, tenant := range []string{"ten_1", "ten_2", "ten_3"} {
		sub := NewTrial(tenant, catalog.TierStarter, time.Hour)
		sub.TrialExpiry = &past
		require.NoError(t, store.Create(ctx, sub))
	}

	due, err := store.ListDue(ctx, now, 2)
	require.NoError(t, err)
	assert.Len(t, due, 2)
}
