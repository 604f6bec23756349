package audit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spaceporthq/spaceport/internal/pagination"
)

func seedEntries(t *testing.T, store *MemoryStore, tenantID string, n int, base time.Time) []*Entry {
	t.Helper()
	entries := make([]*Entry, n)
	for i := 0; i < n; i++ {
		e := &Entry{
			ID:        "aud_" + string(rune('a'+i)) + "00000000000000000000000",
			TenantID:  tenantID,
			Timestamp: base.Add(time.Duration(i) * time.Second),
			Action:    ActionAuthorize,
			Actor:     "api_key",
			Outcome:   OutcomeSuccess,
		}
		require.NoError(t, store.Append(context.Background(), e))
		entries[i] = e
	}
	return entries
}

func TestMemoryStore_AppendDefaultsTimestamp(t *testing.T) {
	store := NewMemoryStore()

	e := &Entry{ID: "aud_1", TenantID: "ten_1", Action: ActionOnboard, Outcome: OutcomeSuccess}
	require.NoError(t, store.Append(context.Background(), e))

	stored := store.Entries()
	require.Len(t, stored, 1)
	assert.False(t, stored[0].Timestamp.IsZero())
}

func TestMemoryStore_AppendCopies(t *testing.T) {
	store := NewMemoryStore()

	e := &Entry{ID: "aud_1", TenantID: "ten_1", Timestamp: time.Now(), Action: ActionOnboard}
	require.NoError(t, store.Append(context.Background(), e))

	// Mutating the original must not reach the store.
	e.Action = "mutated"

	stored := store.Entries()
	assert.Equal(t, ActionOnboard, stored[0].Action)
}

func TestMemoryStore_QueryNewestFirst(t *testing.T) {
	store := NewMemoryStore()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	seedEntries(t, store, "ten_1", 3, base)

	got, err := store.Query(context.Background(), Query{TenantID: "ten_1", Limit: 10})
	require.NoError(t, err)
	require.Len(t, got, 3)

	assert.True(t, got[0].Timestamp.After(got[1].Timestamp))
	assert.True(t, got[1].Timestamp.After(got[2].Timestamp))
}

func TestMemoryStore_QueryFilters(t *testing.T) {
	store := NewMemoryStore()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	ctx := context.Background()

	require.NoError(t, store.Append(ctx, &Entry{
		ID: "aud_1", TenantID: "ten_1", Timestamp: base,
		Action: ActionAuthorize, Outcome: OutcomeDenied,
	}))
	require.NoError(t, store.Append(ctx, &Entry{
		ID: "aud_2", TenantID: "ten_1", Timestamp: base.Add(time.Minute),
		Action: ActionTransition, Outcome: OutcomeSuccess,
	}))
	require.NoError(t, store.Append(ctx, &Entry{
		ID: "aud_3", TenantID: "ten_2", Timestamp: base.Add(2 * time.Minute),
		Action: ActionAuthorize, Outcome: OutcomeSuccess,
	}))

	// Tenant isolation
	got, err := store.Query(ctx, Query{TenantID: "ten_1", Limit: 10})
	require.NoError(t, err)
	assert.Len(t, got, 2)

	// Action filter
	got, err = store.Query(ctx, Query{TenantID: "ten_1", Action: ActionTransition, Limit: 10})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "aud_2", got[0].ID)

	// Outcome filter
	got, err = store.Query(ctx, Query{TenantID: "ten_1", Outcome: OutcomeDenied, Limit: 10})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "aud_1", got[0].ID)

	// Time window
	got, err = store.Query(ctx, Query{TenantID: "ten_1", From: base.Add(30 * time.Second), Limit: 10})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "aud_2", got[0].ID)

	got, err = store.Query(ctx, Query{TenantID: "ten_1", To: base.Add(30 * time.Second), Limit: 10})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "aud_1", got[0].ID)
}

func TestMemoryStore_QueryLimit(t *testing.T) {
	store := NewMemoryStore()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	seedEntries(t, store, "ten_1", 5, base)

	got, err := store.Query(context.Background(), Query{TenantID: "ten_1", Limit: 2})
	require.NoError(t, err)
	assert.Len(t, got, 2)
}

func TestMemoryStore_QueryCursor(t *testing.T) {
	store := NewMemoryStore()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	entries := seedEntries(t, store, "ten_1", 5, base)
	ctx := context.Background()

	// First page: newest two (indexes 4 and 3).
	page1, err := store.Query(ctx, Query{TenantID: "ten_1", Limit: 2})
	require.NoError(t, err)
	require.Len(t, page1, 2)
	assert.Equal(t, entries[4].ID, page1[0].ID)
	assert.Equal(t, entries[3].ID, page1[1].ID)

	// Second page resumes strictly after the last item of page one.
	cursor := &pagination.Cursor{Timestamp: page1[1].Timestamp, ID: page1[1].ID}
	page2, err := store.Query(ctx, Query{TenantID: "ten_1", Limit: 2, Before: cursor})
	require.NoError(t, err)
	require.Len(t, page2, 2)
	assert.Equal(t, entries[2].ID, page2[0].ID)
	assert.Equal(t, entries[1].ID, page2[1].ID)

	// No entry appears on both pages.
	for _, a := range page1 {
		for _, b := range page2 {
			assert.NotEqual(t, a.ID, b.ID)
		}
	}
}

func TestMemoryStore_PurgeOlderThan(t *testing.T) {
	store := NewMemoryStore()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	seedEntries(t, store, "ten_1", 5, base)
	seedEntries(t, store, "ten_2", 2, base)
	ctx := context.Background()

	purged, err := store.PurgeOlderThan(ctx, "ten_1", base.Add(3*time.Second))
	require.NoError(t, err)
	assert.Equal(t, int64(3), purged)

	got, err := store.Query(ctx, Query{TenantID: "ten_1", Limit: 10})
	require.NoError(t, err)
	assert.Len(t, got, 2)

	// Other tenants untouched.
	got, err = store.Query(ctx, Query{TenantID: "ten_2", Limit: 10})
	require.NoError(t, err)
	assert.Len(t, got, 2)
}
