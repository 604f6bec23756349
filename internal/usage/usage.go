// Package usage tracks per-tenant consumption of countable plan limits.
//
// Flow:
//  1. Host services report deltas as tenants create or delete resources
//  2. Counters floor at zero and persist across restarts
//  3. Authorize calls that omit currentUsage fall back to these counters
//  4. Reconcile overwrites a counter when the host recounts from source
package usage

import (
	"context"
	"errors"
	"time"

	"github.com/spaceporthq/spaceport/internal/catalog"
)

var (
	ErrUnknownLimitKey = errors.New("usage: unknown limit key")
	ErrInvalidDelta    = errors.New("usage: delta must be non-zero")
	ErrInvalidValue    = errors.New("usage: value must be non-negative")
)

// Event sources.
const (
	SourceReport    = "report"
	SourceReconcile = "reconcile"
)

// Counter is the recorded consumption of one limit dimension.
type Counter struct {
	TenantID  string           `json:"tenantId"`
	LimitKey  catalog.LimitKey `json:"limitKey"`
	Value     int              `json:"value"`
	UpdatedAt time.Time        `json:"updatedAt"`
}

// Event records one change to a counter.
type Event struct {
	ID        string           `json:"id"`
	TenantID  string           `json:"tenantId"`
	LimitKey  catalog.LimitKey `json:"limitKey"`
	Delta     int              `json:"delta"`
	Value     int              `json:"value"` // counter value after the change
	Source    string           `json:"source"`
	CreatedAt time.Time        `json:"createdAt"`
}

// Store persists usage counters and their change history.
type Store interface {
	// GetCounter returns the counter for one dimension; tenants that never
	// reported get a zero counter, not an error.
	GetCounter(ctx context.Context, tenantID string, key catalog.LimitKey) (*Counter, error)
	ListCounters(ctx context.Context, tenantID string) ([]*Counter, error)
	// Adjust applies a delta to a counter, flooring the result at zero,
	// and records the change.
	Adjust(ctx context.Context, tenantID string, key catalog.LimitKey, delta int) (*Counter, error)
	// Reconcile overwrites a counter with an absolute value and records
	// the change.
	Reconcile(ctx context.Context, tenantID string, key catalog.LimitKey, value int) (*Counter, error)
	History(ctx context.Context, tenantID string, limit int) ([]*Event, error)
}

// Service validates and records usage changes.
type Service struct {
	store Store
}

// NewService creates a usage service.
func NewService(store Store) *Service {
	return &Service{store: store}
}

// Record applies a signed delta to a tenant's counter. Deletions report
// negative deltas; the counter never goes below zero.
func (s *Service) Record(ctx context.Context, tenantID string, key catalog.LimitKey, delta int) (*Counter, error) {
	if !knownKey(key) {
		return nil, ErrUnknownLimitKey
	}
	if delta == 0 {
		return nil, ErrInvalidDelta
	}
	done := observeOp("report")
	defer done()
	return s.store.Adjust(ctx, tenantID, key, delta)
}

// Reconcile sets a counter to an absolute value, used when the host
// recounts from its own source of truth.
func (s *Service) Reconcile(ctx context.Context, tenantID string, key catalog.LimitKey, value int) (*Counter, error) {
	if !knownKey(key) {
		return nil, ErrUnknownLimitKey
	}
	if value < 0 {
		return nil, ErrInvalidValue
	}
	done := observeOp("reconcile")
	defer done()
	return s.store.Reconcile(ctx, tenantID, key, value)
}

// Current returns the recorded value for one dimension, zero when the
// tenant has never reported against it.
func (s *Service) Current(ctx context.Context, tenantID string, key catalog.LimitKey) (int, error) {
	c, err := s.store.GetCounter(ctx, tenantID, key)
	if err != nil {
		return 0, err
	}
	return c.Value, nil
}

// Snapshot returns every recorded counter for a tenant.
func (s *Service) Snapshot(ctx context.Context, tenantID string) ([]*Counter, error) {
	return s.store.ListCounters(ctx, tenantID)
}

// History returns recent usage events for a tenant, newest first.
func (s *Service) History(ctx context.Context, tenantID string, limit int) ([]*Event, error) {
	if limit <= 0 {
		limit = 50
	}
	return s.store.History(ctx, tenantID, limit)
}

// knownKey checks a dimension against the catalog. The key set is
// tier-independent, so any tier's limits work for the lookup.
func knownKey(key catalog.LimitKey) bool {
	_, ok := catalog.LimitsFor(catalog.TierStarter).Get(key)
	return ok
}
