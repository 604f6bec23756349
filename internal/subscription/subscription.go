// Package subscription owns the billing lifecycle of a tenant: the single
// current subscription, its state machine, and the time sweeps that expire
// trials and grace periods.
package subscription

import (
	"errors"
	"fmt"
	"time"

	"github.com/spaceporthq/spaceport/internal/catalog"
	"github.com/spaceporthq/spaceport/internal/idgen"
)

// Errors
var (
	ErrNotFound      = errors.New("subscription: not found")
	ErrAlreadyExists = errors.New("subscription: tenant already has a subscription")
	ErrInvalidTier   = errors.New("subscription: unknown tier")
	ErrNotTerminal   = errors.New("subscription: current subscription is not terminal")
)

// Status represents the billing lifecycle state of a subscription.
type Status string

const (
	StatusTrial       Status = "trial"
	StatusActive      Status = "active"
	StatusGracePeriod Status = "grace_period"
	StatusCancelled   Status = "cancelled"
	StatusExpired     Status = "expired"
)

// Event represents an action that drives a state transition.
type Event string

const (
	EventPaymentSucceeded Event = "payment_succeeded"
	EventPaymentFailed    Event = "payment_failed"
	EventCancel           Event = "cancel"
	EventExpire           Event = "expire"
)

// Transition defines a valid state change: an event moves a subscription
// from Src to Dst.
type Transition struct {
	Event Event
	Src   Status
	Dst   Status
}

// Transitions defines all valid state changes in the subscription lifecycle.
// Cancelled and Expired are terminal: no event leads out of them; a tenant
// that returns gets a fresh subscription. The active→active self-loop is a
// renewal: the state holds while the current period end advances.
var Transitions = []Transition{
	{Event: EventPaymentSucceeded, Src: StatusTrial, Dst: StatusActive},
	{Event: EventPaymentSucceeded, Src: StatusGracePeriod, Dst: StatusActive},
	{Event: EventPaymentSucceeded, Src: StatusActive, Dst: StatusActive},
	{Event: EventPaymentFailed, Src: StatusActive, Dst: StatusGracePeriod},
	{Event: EventCancel, Src: StatusTrial, Dst: StatusCancelled},
	{Event: EventCancel, Src: StatusActive, Dst: StatusCancelled},
	{Event: EventCancel, Src: StatusGracePeriod, Dst: StatusCancelled},
	{Event: EventExpire, Src: StatusTrial, Dst: StatusExpired},
	{Event: EventExpire, Src: StatusGracePeriod, Dst: StatusExpired},
}

// TransitionError is returned when a state transition is not allowed.
type TransitionError struct {
	Event   Event
	Current Status
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("event %q is not valid from state %q", e.Event, e.Current)
}

// Subscription is the single current billing record for a tenant.
// TrialExpiry is set only while status is trial; GracePeriodEnd only while
// status is grace_period.
type Subscription struct {
	ID                    string       `json:"id"`
	TenantID              string       `json:"tenantId"`
	Tier                  catalog.Tier `json:"tier"`
	Status                Status       `json:"status"`
	CurrentPeriodEnd      time.Time    `json:"currentPeriodEnd"`
	TrialExpiry           *time.Time   `json:"trialExpiry,omitempty"`
	GracePeriodEnd        *time.Time   `json:"gracePeriodEnd,omitempty"`
	BillingCustomerID     string       `json:"billingCustomerId,omitempty"`
	BillingSubscriptionID string       `json:"billingSubscriptionId,omitempty"`
	LastEventAt           time.Time    `json:"lastEventAt"`
	CreatedAt             time.Time    `json:"createdAt"`
	UpdatedAt             time.Time    `json:"updatedAt"`
}

// NewTrial creates a subscription in the initial trial state.
func NewTrial(tenantID string, tier catalog.Tier, trialFor time.Duration) *Subscription {
	now := time.Now().UTC()
	expiry := now.Add(trialFor)
	return &Subscription{
		ID:          idgen.WithPrefix("sub_"),
		TenantID:    tenantID,
		Tier:        tier,
		Status:      StatusTrial,
		TrialExpiry: &expiry,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

// IsTerminal reports whether the subscription reached a terminal state.
func (s *Subscription) IsTerminal() bool {
	return s.Status == StatusCancelled || s.Status == StatusExpired
}

// WithinPaidPeriod reports whether a cancelled subscription still has paid
// time left. Cancellation flips the status immediately but access runs to
// the end of the already-paid period.
func (s *Subscription) WithinPaidPeriod(now time.Time) bool {
	return s.Status == StatusCancelled && !s.CurrentPeriodEnd.IsZero() && now.Before(s.CurrentPeriodEnd)
}

// TrialExpired reports whether a trial subscription is past its expiry.
func (s *Subscription) TrialExpired(now time.Time) bool {
	return s.Status == StatusTrial && s.TrialExpiry != nil && now.After(*s.TrialExpiry)
}

// GraceExpired reports whether a grace-period subscription is past its window.
func (s *Subscription) GraceExpired(now time.Time) bool {
	return s.Status == StatusGracePeriod && s.GracePeriodEnd != nil && now.After(*s.GracePeriodEnd)
}
