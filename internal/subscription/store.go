package subscription

import (
	"context"
	"time"
)

// Store persists subscription data. Exactly one current subscription exists
// per tenant; Create enforces that.
type Store interface {
	Create(ctx context.Context, s *Subscription) error
	Get(ctx context.Context, id string) (*Subscription, error)
	GetByTenant(ctx context.Context, tenantID string) (*Subscription, error)
	GetByBillingCustomer(ctx context.Context, billingCustomerID string) (*Subscription, error)
	GetByBillingSubscription(ctx context.Context, billingSubscriptionID string) (*Subscription, error)
	Update(ctx context.Context, s *Subscription) error
	// Replace atomically swaps the tenant's current subscription for a
	// fresh one. Reactivation after a terminal state goes through here so
	// the one-per-tenant invariant never observes two rows.
	Replace(ctx context.Context, fresh *Subscription) error
	// ListDue returns subscriptions whose trial or grace window lapsed
	// before now, for the expiry sweep. Capped at limit.
	ListDue(ctx context.Context, now time.Time, limit int) ([]*Subscription, error)
}
