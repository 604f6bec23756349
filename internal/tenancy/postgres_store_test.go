//go:build integration

package tenancy

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spaceporthq/spaceport/internal/testutil"
)

func TestPostgresStore_RoundTrip(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	store := NewPostgresStore(db)
	ctx := context.Background()
	now := time.Now().UTC()

	tenant := &Tenant{
		ID:        "ten_pg1",
		Name:      "Acme Corp",
		Slug:      "acme",
		Status:    StatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	require.NoError(t, store.Create(ctx, tenant))

	got, err := store.Get(ctx, "ten_pg1")
	require.NoError(t, err)
	assert.Equal(t, "Acme Corp", got.Name)
	assert.Equal(t, StatusPending, got.Status)

	bySlug, err := store.GetBySlug(ctx, "acme")
	require.NoError(t, err)
	assert.Equal(t, "ten_pg1", bySlug.ID)

	got.Name = "Acme Inc"
	got.Status = StatusTrial
	got.UpdatedAt = time.Now().UTC()
	require.NoError(t, store.Update(ctx, got))

	got, err = store.Get(ctx, "ten_pg1")
	require.NoError(t, err)
	assert.Equal(t, "Acme Inc", got.Name)
	assert.Equal(t, StatusTrial, got.Status)

	_, err = store.Get(ctx, "ten_missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestPostgresStore_SlugUnique(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	store := NewPostgresStore(db)
	ctx := context.Background()
	now := time.Now().UTC()

	first := &Tenant{ID: "ten_a", Name: "First", Slug: "shared", Status: StatusPending, CreatedAt: now, UpdatedAt: now}
	require.NoError(t, store.Create(ctx, first))

	second := &Tenant{ID: "ten_b", Name: "Second", Slug: "shared", Status: StatusPending, CreatedAt: now, UpdatedAt: now}
	assert.ErrorIs(t, store.Create(ctx, second), ErrSlugTaken)
}

func TestPostgresStore_ListNewestFirst(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	store := NewPostgresStore(db)
	ctx := context.Background()

	base := time.Now().UTC().Add(-time.Hour)
	for i := 0; i < 5; i++ {
		tn := &Tenant{
			ID:        fmt.Sprintf("ten_l%d", i),
			Name:      fmt.Sprintf("Tenant %d", i),
			Slug:      fmt.Sprintf("tenant-%d", i),
			Status:    StatusActive,
			CreatedAt: base.Add(time.Duration(i) * time.Minute),
			UpdatedAt: base.Add(time.Duration(i) * time.Minute),
		}
		require.NoError(t, store.Create(ctx, tn))
	}

	page, err := store.List(ctx, 3, 0)
	require.NoError(t, err)
	require.Len(t, page, 3)
	assert.Equal(t, "ten_l4", page[0].ID)
	assert.Equal(t, "ten_l2", page[2].ID)

	rest, err := store.List(ctx, 3, 3)
	require.NoError(t, err)
	require.Len(t, rest, 2)
	assert.Equal(t, "ten_l1", rest[0].ID)
}
