// Package audit provides the append-only audit log: every entitlement
// decision, subscription transition, and billing event leaves exactly one
// immutable entry here.
package audit

import (
	"context"
	"errors"
	"time"

	"github.com/spaceporthq/spaceport/internal/pagination"
)

// Errors
var (
	ErrUnavailable = errors.New("audit: store unavailable")
)

// Outcome classifies what an audited action resulted in.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeDenied  Outcome = "denied"
	OutcomeFailed  Outcome = "failed"
)

// Well-known actions. Free-form actions are allowed but these cover the
// engine's own writes.
const (
	ActionAuthorize    = "entitlement.authorize"
	ActionCreate       = "subscription.create"
	ActionTransition   = "subscription.transition"
	ActionTierChange   = "subscription.tier_change"
	ActionReactivate   = "subscription.reactivate"
	ActionOnboard      = "tenant.onboard"
	ActionSuspend      = "tenant.suspend"
	ActionResume       = "tenant.resume"
	ActionBillingEvent = "billing.event"
)

// Detail is the structured payload attached to an entry. Stored as JSONB.
type Detail map[string]any

// Entry is one immutable audit record.
type Entry struct {
	ID            string    `json:"id"`
	TenantID      string    `json:"tenantId"`
	Timestamp     time.Time `json:"timestamp"`
	CorrelationID string    `json:"correlationId,omitempty"`
	Action        string    `json:"action"`
	Resource      string    `json:"resource,omitempty"`
	Actor         string    `json:"actor"`
	Outcome       Outcome   `json:"outcome"`
	Detail        Detail    `json:"detail,omitempty"`
}

// Query filters audit entries for one tenant. Results are ordered newest
// first; Before resumes a previous page.
type Query struct {
	TenantID string
	From     time.Time
	To       time.Time
	Action   string
	Outcome  Outcome
	Limit    int
	Before   *pagination.Cursor
}

// Store persists audit entries. Append-only: nothing updates or deletes
// individual entries; PurgeOlderThan exists solely for retention enforcement.
type Store interface {
	Append(ctx context.Context, e *Entry) error
	Query(ctx context.Context, q Query) ([]*Entry, error)
	PurgeOlderThan(ctx context.Context, tenantID string, cutoff time.Time) (int64, error)
}
