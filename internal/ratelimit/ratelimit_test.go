package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spaceporthq/spaceport/internal/catalog"
)

// fakeClock drives the limiter and counter off the same controllable time.
type fakeClock struct {
	t time.Time
}

func (f *fakeClock) now() time.Time          { return f.t }
func (f *fakeClock) advance(d time.Duration) { f.t = f.t.Add(d) }

func newTestLimiter() (*Limiter, *MemoryCounter, *fakeClock) {
	clock := &fakeClock{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	counter := NewMemoryCounter()
	counter.now = clock.now
	limiter := New(counter)
	limiter.now = clock.now
	return limiter, counter, clock
}

func TestCheckAndIncrement_WindowSequence(t *testing.T) {
	ctx := context.Background()
	limiter, _, clock := newTestLimiter()

	// Five requests fill the window.
	for i := 0; i < 5; i++ {
		res, err := limiter.CheckAndIncrement(ctx, "ten_1", catalog.ClassRead, 5, time.Minute)
		require.NoError(t, err)
		assert.True(t, res.Allowed, "request %d should fit", i+1)
		assert.Equal(t, 4-i, res.Remaining)
	}

	// The sixth is denied and told when the window resets.
	res, err := limiter.CheckAndIncrement(ctx, "ten_1", catalog.ClassRead, 5, time.Minute)
	require.NoError(t, err)
	assert.False(t, res.Allowed)
	assert.Equal(t, 0, res.Remaining)
	assert.Equal(t, time.Minute, res.RetryAfter)

	// One second after expiry a fresh window opens.
	clock.advance(61 * time.Second)
	res, err = limiter.CheckAndIncrement(ctx, "ten_1", catalog.ClassRead, 5, time.Minute)
	require.NoError(t, err)
	assert.True(t, res.Allowed)
	assert.Equal(t, 4, res.Remaining)
}

func TestCheckAndIncrement_DeniedAttemptsStillCount(t *testing.T) {
	ctx := context.Background()
	limiter, counter, _ := newTestLimiter()

	for i := 0; i < 7; i++ {
		_, err := limiter.CheckAndIncrement(ctx, "ten_1", catalog.ClassWrite, 5, time.Minute)
		require.NoError(t, err)
	}

	counter.mu.Lock()
	w := counter.windows["ten_1:write"]
	counter.mu.Unlock()
	require.NotNil(t, w)
	assert.Equal(t, int64(7), w.count)
}

func TestCheckAndIncrement_MidWindowLimitRaise(t *testing.T) {
	ctx := context.Background()
	limiter, _, _ := newTestLimiter()

	for i := 0; i < 5; i++ {
		_, err := limiter.CheckAndIncrement(ctx, "ten_1", catalog.ClassRead, 5, time.Minute)
		require.NoError(t, err)
	}

	// Tier upgrade mid-window: the caller now passes the higher limit and
	// the same window admits the request.
	res, err := limiter.CheckAndIncrement(ctx, "ten_1", catalog.ClassRead, 10, time.Minute)
	require.NoError(t, err)
	assert.True(t, res.Allowed)
	assert.Equal(t, 4, res.Remaining)
}

func TestCheckAndIncrement_UnlimitedSkipsStorage(t *testing.T) {
	ctx := context.Background()
	limiter, counter, _ := newTestLimiter()

	for i := 0; i < 3; i++ {
		res, err := limiter.CheckAndIncrement(ctx, "ten_1", catalog.ClassExport, catalog.Unlimited, time.Minute)
		require.NoError(t, err)
		assert.True(t, res.Allowed)
		assert.Equal(t, catalog.Unlimited, res.Remaining)
	}
	assert.Equal(t, 0, counter.Len())
}

func TestCheckAndIncrement_KeysAreIndependent(t *testing.T) {
	ctx := context.Background()
	limiter, _, _ := newTestLimiter()

	for i := 0; i < 2; i++ {
		_, err := limiter.CheckAndIncrement(ctx, "ten_1", catalog.ClassRead, 2, time.Minute)
		require.NoError(t, err)
	}
	res, err := limiter.CheckAndIncrement(ctx, "ten_1", catalog.ClassRead, 2, time.Minute)
	require.NoError(t, err)
	assert.False(t, res.Allowed)

	// Same tenant, different class: untouched window.
	res, err = limiter.CheckAndIncrement(ctx, "ten_1", catalog.ClassWrite, 2, time.Minute)
	require.NoError(t, err)
	assert.True(t, res.Allowed)

	// Different tenant, same class: untouched window.
	res, err = limiter.CheckAndIncrement(ctx, "ten_2", catalog.ClassRead, 2, time.Minute)
	require.NoError(t, err)
	assert.True(t, res.Allowed)
}

func TestMemoryCounter_LazyGC(t *testing.T) {
	ctx := context.Background()
	clock := &fakeClock{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	counter := NewMemoryCounter()
	counter.now = clock.now

	for _, key := range []string{"a", "b", "c"} {
		_, _, err := counter.Incr(ctx, key, time.Minute)
		require.NoError(t, err)
	}
	assert.Equal(t, 3, counter.Len())

	clock.advance(2 * time.Minute)

	// Enough increments on a live key to cross the GC threshold.
	for counter.ops%gcEvery != 0 {
		_, _, err := counter.Incr(ctx, "hot", time.Minute)
		require.NoError(t, err)
	}

	assert.Equal(t, 1, counter.Len(), "lapsed windows swept, live window kept")
}

func TestMemoryCounter_ResetAtBoundary(t *testing.T) {
	ctx := context.Background()
	clock := &fakeClock{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	counter := NewMemoryCounter()
	counter.now = clock.now

	count, resetAt, err := counter.Incr(ctx, "k", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)

	// Exactly at expiry the old window is gone.
	clock.t = resetAt
	count, _, err = counter.Incr(ctx, "k", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)
}
