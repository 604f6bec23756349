package audit

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/spaceporthq/spaceport/internal/circuitbreaker"
	"github.com/spaceporthq/spaceport/internal/idgen"
	"github.com/spaceporthq/spaceport/internal/retry"
)

const (
	breakerKey       = "audit_store"
	defaultMaxBuffer = 4096
)

// Recorder writes audit entries with bounded resilience: a short retry,
// a circuit breaker in front of the store, and an in-memory overflow buffer
// that is drained once the store recovers. A failed write never blocks the
// caller beyond the retry budget and never silently drops the entry unless
// the buffer itself overflows (counted and logged).
//
// With failClosed set, Record instead surfaces the failure so callers can
// refuse the operation rather than proceed unaudited.
type Recorder struct {
	store      Store
	breaker    *circuitbreaker.Breaker
	logger     *slog.Logger
	failClosed bool

	mu        sync.Mutex
	buffer    []*Entry
	maxBuffer int
}

// NewRecorder creates a recorder in front of the given store.
func NewRecorder(store Store, logger *slog.Logger, failClosed bool) *Recorder {
	return &Recorder{
		store:      store,
		breaker:    circuitbreaker.New(5, 15*time.Second),
		logger:     logger,
		failClosed: failClosed,
		maxBuffer:  defaultMaxBuffer,
	}
}

// Record persists one entry. Missing ID and Timestamp are filled in.
// Returns nil on success or successful buffering; returns an error only
// in fail-closed mode when the entry could not be persisted directly.
func (r *Recorder) Record(ctx context.Context, e *Entry) error {
	if e.ID == "" {
		e.ID = idgen.WithPrefix("aud_")
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}

	if r.breaker.Allow(breakerKey) {
		err := retry.Do(ctx, 3, 25*time.Millisecond, func() error {
			return r.store.Append(ctx, e)
		})
		if err == nil {
			r.breaker.RecordSuccess(breakerKey)
			auditWritesTotal.WithLabelValues("ok").Inc()
			r.drain(ctx)
			return nil
		}
		r.breaker.RecordFailure(breakerKey)
		auditWritesTotal.WithLabelValues("error").Inc()
		r.logger.Warn("audit write failed after retries", "action", e.Action, "tenant", e.TenantID, "error", err)
	} else {
		auditWritesTotal.WithLabelValues("circuit_open").Inc()
	}

	if r.failClosed {
		return fmt.Errorf("%w: entry %s not persisted", ErrUnavailable, e.ID)
	}

	r.bufferEntry(e)
	return nil
}

// bufferEntry parks an entry until the store recovers, dropping the oldest
// entry when full.
func (r *Recorder) bufferEntry(e *Entry) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.buffer) >= r.maxBuffer {
		dropped := r.buffer[0]
		r.buffer = r.buffer[1:]
		auditDroppedTotal.Inc()
		r.logger.Error("audit buffer full, dropping oldest entry",
			"dropped_id", dropped.ID, "dropped_action", dropped.Action)
	}
	r.buffer = append(r.buffer, e)
	auditBufferDepth.Set(float64(len(r.buffer)))
}

// drain flushes buffered entries back through the store. Called after a
// successful write and from Flush; stops at the first failure so ordering
// within the buffer is preserved.
func (r *Recorder) drain(ctx context.Context) {
	r.mu.Lock()
	if len(r.buffer) == 0 {
		r.mu.Unlock()
		return
	}
	pending := r.buffer
	r.buffer = nil
	r.mu.Unlock()

	for i, e := range pending {
		if err := r.store.Append(ctx, e); err != nil {
			// Put the remainder back at the front.
			r.mu.Lock()
			r.buffer = append(pending[i:], r.buffer...)
			auditBufferDepth.Set(float64(len(r.buffer)))
			r.mu.Unlock()
			r.logger.Warn("audit buffer drain interrupted", "remaining", len(pending)-i, "error", err)
			return
		}
		auditWritesTotal.WithLabelValues("drained").Inc()
	}

	r.mu.Lock()
	auditBufferDepth.Set(float64(len(r.buffer)))
	r.mu.Unlock()
	r.logger.Info("audit buffer drained", "count", len(pending))
}

// Flush attempts to persist all buffered entries. Called on shutdown.
func (r *Recorder) Flush(ctx context.Context) int {
	r.drain(ctx)
	return r.Buffered()
}

// Buffered returns how many entries are parked in memory.
func (r *Recorder) Buffered() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.buffer)
}
