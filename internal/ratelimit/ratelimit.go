// Package ratelimit provides fixed-window rate limiting for the Spaceport
// API. Windows are keyed by tenant and endpoint class; the limit itself is
// supplied by the caller on every check so a mid-window tier upgrade takes
// effect on the next request.
package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/spaceporthq/spaceport/internal/catalog"
	"github.com/spaceporthq/spaceport/internal/metrics"
)

// Result describes the outcome of one rate limit check.
type Result struct {
	Allowed    bool          `json:"allowed"`
	Remaining  int           `json:"remaining"`
	ResetAt    time.Time     `json:"resetAt"`
	RetryAfter time.Duration `json:"retryAfter,omitempty"`
}

// Counter is the storage behind the fixed window. Single-instance
// deployments use MemoryCounter; multi-instance deployments share windows
// through RedisCounter.
type Counter interface {
	// Incr adds one to the window's count, creating the window (expiring
	// window from now) when absent or lapsed. It returns the count after
	// the increment and the window's expiry.
	Incr(ctx context.Context, key string, window time.Duration) (int64, time.Time, error)
}

// Limiter applies fixed-window limits on top of a Counter.
type Limiter struct {
	counter Counter
	now     func() time.Time
}

// New creates a limiter over the given counter.
func New(counter Counter) *Limiter {
	return &Limiter{counter: counter, now: time.Now}
}

// CheckAndIncrement counts this request against the tenant's window for the
// endpoint class and reports whether it fits under limit. Over-limit
// requests are denied but still counted. A negative limit means unlimited
// and touches no storage.
func (l *Limiter) CheckAndIncrement(ctx context.Context, tenantID string, class catalog.EndpointClass, limit int, window time.Duration) (*Result, error) {
	if limit < 0 {
		return &Result{Allowed: true, Remaining: catalog.Unlimited}, nil
	}

	key := fmt.Sprintf("%s:%s", tenantID, class)
	count, resetAt, err := l.counter.Incr(ctx, key, window)
	if err != nil {
		metrics.RateLimitChecksTotal.WithLabelValues(string(class), "error").Inc()
		return nil, fmt.Errorf("rate limit counter: %w", err)
	}

	remaining := limit - int(count)
	if remaining < 0 {
		remaining = 0
	}

	if count > int64(limit) {
		retryAfter := resetAt.Sub(l.now())
		if retryAfter < 0 {
			retryAfter = 0
		}
		metrics.RateLimitChecksTotal.WithLabelValues(string(class), "denied").Inc()
		return &Result{
			Allowed:    false,
			Remaining:  remaining,
			ResetAt:    resetAt,
			RetryAfter: retryAfter,
		}, nil
	}

	metrics.RateLimitChecksTotal.WithLabelValues(string(class), "allowed").Inc()
	return &Result{Allowed: true, Remaining: remaining, ResetAt: resetAt}, nil
}

// gcEvery bounds how often MemoryCounter sweeps lapsed windows. The sweep is
// amortized over Incr calls instead of running a background goroutine.
const gcEvery = 1024

type window struct {
	count   int64
	resetAt time.Time
}

// MemoryCounter is an in-process Counter. Windows whose expiry has passed
// are reset on access and swept lazily.
type MemoryCounter struct {
	mu      sync.Mutex
	windows map[string]*window
	ops     int
	now     func() time.Time
}

// NewMemoryCounter creates an empty in-process counter.
func NewMemoryCounter() *MemoryCounter {
	return &MemoryCounter{
		windows: make(map[string]*window),
		now:     time.Now,
	}
}

// Incr implements Counter.
func (m *MemoryCounter) Incr(_ context.Context, key string, windowFor time.Duration) (int64, time.Time, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()

	m.ops++
	if m.ops%gcEvery == 0 {
		for k, w := range m.windows {
			if !now.Before(w.resetAt) {
				delete(m.windows, k)
			}
		}
	}

	w, ok := m.windows[key]
	if !ok || !now.Before(w.resetAt) {
		w = &window{count: 0, resetAt: now.Add(windowFor)}
		m.windows[key] = w
	}
	w.count++
	return w.count, w.resetAt, nil
}

// Len reports how many windows are currently tracked.
func (m *MemoryCounter) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.windows)
}

var _ Counter = (*MemoryCounter)(nil)
