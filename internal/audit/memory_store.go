package audit

import (
	"context"
	"sync"
	"time"
)

// MemoryStore keeps audit entries in memory for development and tests.
type MemoryStore struct {
	mu      sync.RWMutex
	entries []*Entry
}

// NewMemoryStore creates an in-memory audit store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (m *MemoryStore) Append(_ context.Context, e *Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *e
	if cp.Timestamp.IsZero() {
		cp.Timestamp = time.Now().UTC()
	}
	m.entries = append(m.entries, &cp)
	return nil
}

func (m *MemoryStore) Query(_ context.Context, q Query) ([]*Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	limit := q.Limit
	if limit <= 0 {
		limit = 100
	}

	var result []*Entry
	// Iterate in reverse for newest-first order
	for i := len(m.entries) - 1; i >= 0 && len(result) < limit; i-- {
		e := m.entries[i]
		if e.TenantID != q.TenantID {
			continue
		}
		if !q.From.IsZero() && e.Timestamp.Before(q.From) {
			continue
		}
		if !q.To.IsZero() && e.Timestamp.After(q.To) {
			continue
		}
		if q.Action != "" && e.Action != q.Action {
			continue
		}
		if q.Outcome != "" && e.Outcome != q.Outcome {
			continue
		}
		if q.Before != nil {
			// Page boundary: only entries strictly older than the cursor.
			if e.Timestamp.After(q.Before.Timestamp) {
				continue
			}
			if e.Timestamp.Equal(q.Before.Timestamp) && e.ID >= q.Before.ID {
				continue
			}
		}
		cp := *e
		result = append(result, &cp)
	}
	return result, nil
}

func (m *MemoryStore) PurgeOlderThan(_ context.Context, tenantID string, cutoff time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var kept []*Entry
	var purged int64
	for _, e := range m.entries {
		if e.TenantID == tenantID && e.Timestamp.Before(cutoff) {
			purged++
			continue
		}
		kept = append(kept, e)
	}
	m.entries = kept
	return purged, nil
}

// Entries returns all stored audit entries (for testing).
func (m *MemoryStore) Entries() []*Entry {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]*Entry, len(m.entries))
	copy(result, m.entries)
	return result
}

var _ Store = (*MemoryStore)(nil)
