package subscription

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is an in-memory subscription store for demo/development.
type MemoryStore struct {
	mu      sync.RWMutex
	subs    map[string]*Subscription // by ID
	tenants map[string]string        // tenantID → subscription ID
}

// NewMemoryStore creates a new in-memory subscription store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		subs:    make(map[string]*Subscription),
		tenants: make(map[string]string),
	}
}

func (m *MemoryStore) Create(_ context.Context, s *Subscription) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.tenants[s.TenantID]; exists {
		return ErrAlreadyExists
	}

	cp := *s
	m.subs[s.ID] = &cp
	m.tenants[s.TenantID] = s.ID
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*Subscription, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, ok := m.subs[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *s
	return &cp, nil
}

func (m *MemoryStore) GetByTenant(_ context.Context, tenantID string) (*Subscription, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	id, ok := m.tenants[tenantID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *m.subs[id]
	return &cp, nil
}

func (m *MemoryStore) GetByBillingCustomer(_ context.Context, billingCustomerID string) (*Subscription, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if billingCustomerID == "" {
		return nil, ErrNotFound
	}
	for _, s := range m.subs {
		if s.BillingCustomerID == billingCustomerID {
			cp := *s
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (m *MemoryStore) GetByBillingSubscription(_ context.Context, billingSubscriptionID string) (*Subscription, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if billingSubscriptionID == "" {
		return nil, ErrNotFound
	}
	for _, s := range m.subs {
		if s.BillingSubscriptionID == billingSubscriptionID {
			cp := *s
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (m *MemoryStore) Update(_ context.Context, s *Subscription) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.subs[s.ID]; !ok {
		return ErrNotFound
	}
	cp := *s
	m.subs[s.ID] = &cp
	return nil
}

func (m *MemoryStore) Replace(_ context.Context, fresh *Subscription) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if oldID, ok := m.tenants[fresh.TenantID]; ok {
		delete(m.subs, oldID)
	}
	cp := *fresh
	m.subs[fresh.ID] = &cp
	m.tenants[fresh.TenantID] = fresh.ID
	return nil
}

func (m *MemoryStore) ListDue(_ context.Context, now time.Time, limit int) ([]*Subscription, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var due []*Subscription
	for _, s := range m.subs {
		if len(due) >= limit {
			break
		}
		if s.TrialExpired(now) || s.GraceExpired(now) {
			cp := *s
			due = append(due, &cp)
		}
	}
	return due, nil
}

var _ Store = (*MemoryStore)(nil)
