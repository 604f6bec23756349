package usage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/spaceporthq/spaceport/internal/catalog"
	"github.com/spaceporthq/spaceport/internal/idgen"
)

// MemoryStore is an in-memory usage store for demo/development mode.
type MemoryStore struct {
	counters map[string]map[catalog.LimitKey]*Counter
	events   []*Event
	mu       sync.RWMutex
}

// NewMemoryStore creates a new in-memory usage store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		counters: make(map[string]map[catalog.LimitKey]*Counter),
		events:   make([]*Event, 0),
	}
}

var _ Store = (*MemoryStore)(nil)

func (m *MemoryStore) GetCounter(ctx context.Context, tenantID string, key catalog.LimitKey) (*Counter, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if c, ok := m.counters[tenantID][key]; ok {
		cp := *c
		return &cp, nil
	}
	return &Counter{
		TenantID:  tenantID,
		LimitKey:  key,
		Value:     0,
		UpdatedAt: time.Now(),
	}, nil
}

func (m *MemoryStore) ListCounters(ctx context.Context, tenantID string) ([]*Counter, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*Counter, 0, len(m.counters[tenantID]))
	for _, c := range m.counters[tenantID] {
		cp := *c
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LimitKey < out[j].LimitKey })
	return out, nil
}

func (m *MemoryStore) Adjust(ctx context.Context, tenantID string, key catalog.LimitKey, delta int) (*Counter, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	c := m.getOrCreate(tenantID, key)
	c.Value += delta
	if c.Value < 0 {
		c.Value = 0
	}
	c.UpdatedAt = time.Now()

	m.events = append(m.events, &Event{
		ID:        idgen.WithPrefix("use_"),
		TenantID:  tenantID,
		LimitKey:  key,
		Delta:     delta,
		Value:     c.Value,
		Source:    SourceReport,
		CreatedAt: time.Now(),
	})

	cp := *c
	return &cp, nil
}

func (m *MemoryStore) Reconcile(ctx context.Context, tenantID string, key catalog.LimitKey, value int) (*Counter, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	c := m.getOrCreate(tenantID, key)
	old := c.Value
	c.Value = value
	c.UpdatedAt = time.Now()

	m.events = append(m.events, &Event{
		ID:        idgen.WithPrefix("use_"),
		TenantID:  tenantID,
		LimitKey:  key,
		Delta:     value - old,
		Value:     value,
		Source:    SourceReconcile,
		CreatedAt: time.Now(),
	})

	cp := *c
	return &cp, nil
}

func (m *MemoryStore) History(ctx context.Context, tenantID string, limit int) ([]*Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Event
	for i := len(m.events) - 1; i >= 0 && len(result) < limit; i-- {
		if m.events[i].TenantID == tenantID {
			cp := *m.events[i]
			result = append(result, &cp)
		}
	}
	return result, nil
}

// getOrCreate must be called with the write lock held.
func (m *MemoryStore) getOrCreate(tenantID string, key catalog.LimitKey) *Counter {
	byKey, ok := m.counters[tenantID]
	if !ok {
		byKey = make(map[catalog.LimitKey]*Counter)
		m.counters[tenantID] = byKey
	}
	c, ok := byKey[key]
	if !ok {
		c = &Counter{TenantID: tenantID, LimitKey: key}
		byKey[key] = c
	}
	return c
}
