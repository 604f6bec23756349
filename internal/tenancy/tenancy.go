// Package tenancy owns the customer organisations sharing the platform and
// the server-resolved identity requests are scoped by. Billing state lives
// in the subscription package; the tenant status here is the coarse
// lifecycle view operators and dashboards key off.
package tenancy

import (
	"errors"
	"time"
)

// Errors
var (
	ErrNotFound  = errors.New("tenancy: tenant not found")
	ErrSlugTaken = errors.New("tenancy: slug already taken")
	ErrExists    = errors.New("tenancy: tenant already onboarded")
	ErrSuspended = errors.New("tenancy: tenant is suspended")
)

// Status represents a tenant's lifecycle state. Subscription transitions
// drive trial/active/churned; pending marks an onboarding that has not
// produced a subscription yet, and suspended is an administrative freeze
// that outranks whatever billing says.
type Status string

const (
	StatusPending   Status = "pending"
	StatusTrial     Status = "trial"
	StatusActive    Status = "active"
	StatusSuspended Status = "suspended"
	StatusChurned   Status = "churned"
)

// Tenant represents an isolated customer organisation.
type Tenant struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Slug      string    `json:"slug"`
	Status    Status    `json:"status"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Principal is the server-resolved identity behind a request: the tenant
// from the validated API key, the user from the fronting identity proxy.
// It exists for audit attribution only; isolation decisions never read it,
// they derive from the validated key binding alone.
type Principal struct {
	TenantID  string `json:"tenantId"`
	UserID    string `json:"userId,omitempty"`
	UserEmail string `json:"userEmail,omitempty"`
	Admin     bool   `json:"-"`
}

// Actor renders the principal for audit entries.
func (p Principal) Actor() string {
	switch {
	case p.UserEmail != "":
		return "user:" + p.UserEmail
	case p.UserID != "":
		return "user:" + p.UserID
	case p.Admin:
		return "admin"
	case p.TenantID != "":
		return "tenant:" + p.TenantID
	default:
		return "anonymous"
	}
}
