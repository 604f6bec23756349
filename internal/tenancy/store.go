package tenancy

import "context"

// Store persists tenants.
type Store interface {
	Create(ctx context.Context, t *Tenant) error
	Get(ctx context.Context, id string) (*Tenant, error)
	GetBySlug(ctx context.Context, slug string) (*Tenant, error)
	Update(ctx context.Context, t *Tenant) error
	// List returns tenants ordered by creation time, newest first.
	List(ctx context.Context, limit, offset int) ([]*Tenant, error)
}
