package subscription

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/codes"

	"github.com/spaceporthq/spaceport/internal/audit"
	"github.com/spaceporthq/spaceport/internal/catalog"
	"github.com/spaceporthq/spaceport/internal/logging"
	"github.com/spaceporthq/spaceport/internal/metrics"
	"github.com/spaceporthq/spaceport/internal/retry"
	"github.com/spaceporthq/spaceport/internal/syncutil"
	"github.com/spaceporthq/spaceport/internal/traces"
)

// Lifecycle defaults, used when the caller passes non-positive durations.
const (
	DefaultTrialPeriod = 30 * 24 * time.Hour
	DefaultGracePeriod = 7 * 24 * time.Hour
)

// Result reasons for changes that were deliberately not applied.
const (
	ReasonDuplicate = "duplicate_ignored"
	ReasonStale     = "stale_event"
	ReasonTerminal  = "terminal_state"
)

// Auditor records one immutable entry per lifecycle action.
type Auditor interface {
	Record(ctx context.Context, e *audit.Entry) error
}

// Change describes a lifecycle event to apply to a subscription. EffectiveAt
// is the event's own declared timestamp (not arrival time); changes older
// than the subscription's last applied event are ignored.
type Change struct {
	Event                 Event
	EffectiveAt           time.Time
	Tier                  catalog.Tier // optional: set on successful checkout/upgrade
	PeriodEnd             time.Time    // optional: new paid-through timestamp
	BillingCustomerID     string       // optional: bound on first billing contact
	BillingSubscriptionID string
	Actor                 string
}

// Result reports what Apply did. Applied is false when the change was
// ignored (duplicate, stale, or terminal state); Reason says why.
type Result struct {
	Applied      bool          `json:"applied"`
	From         Status        `json:"from"`
	To           Status        `json:"to"`
	Reason       string        `json:"reason,omitempty"`
	Subscription *Subscription `json:"subscription,omitempty"`
}

// Service implements subscription lifecycle business logic. Transitions are
// serialized per subscription via sharded locks; different subscriptions
// proceed in parallel.
type Service struct {
	store        Store
	auditor      Auditor
	trialFor     time.Duration
	graceFor     time.Duration
	locks        syncutil.ShardedMutex
	onTransition func(sub *Subscription, from, to Status, event Event)
}

// NewService creates a subscription service.
func NewService(store Store, auditor Auditor, trialFor, graceFor time.Duration) *Service {
	if trialFor <= 0 {
		trialFor = DefaultTrialPeriod
	}
	if graceFor <= 0 {
		graceFor = DefaultGracePeriod
	}
	return &Service{
		store:    store,
		auditor:  auditor,
		trialFor: trialFor,
		graceFor: graceFor,
	}
}

// WithTransitionHook registers a callback fired after every applied state
// change (used for the live ops feed). The hook runs synchronously under
// the subscription's lock; keep it cheap.
func (s *Service) WithTransitionHook(fn func(sub *Subscription, from, to Status, event Event)) *Service {
	s.onTransition = fn
	return s
}

// Create onboards a tenant: one subscription, starting in trial.
func (s *Service) Create(ctx context.Context, tenantID string, tier catalog.Tier, actor string) (_ *Subscription, retErr error) {
	ctx, span := traces.StartSpan(ctx, "subscription.Create",
		traces.TenantID(tenantID),
		traces.Tier(string(tier)),
	)
	defer func() {
		if retErr != nil {
			span.RecordError(retErr)
			span.SetStatus(codes.Error, retErr.Error())
		}
		span.End()
	}()

	if !tier.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidTier, tier)
	}

	sub := NewTrial(tenantID, tier, s.trialFor)
	if err := s.store.Create(ctx, sub); err != nil {
		return nil, err
	}

	s.audit(ctx, &audit.Entry{
		TenantID: tenantID,
		Action:   audit.ActionCreate,
		Resource: sub.ID,
		Actor:    actor,
		Outcome:  audit.OutcomeSuccess,
		Detail: audit.Detail{
			"tier":        string(tier),
			"status":      string(StatusTrial),
			"trialExpiry": sub.TrialExpiry.Format(time.RFC3339),
		},
	})
	return sub, nil
}

// Get returns a subscription by ID.
func (s *Service) Get(ctx context.Context, id string) (*Subscription, error) {
	return s.store.Get(ctx, id)
}

// GetByTenant returns the tenant's current subscription.
func (s *Service) GetByTenant(ctx context.Context, tenantID string) (*Subscription, error) {
	return s.store.GetByTenant(ctx, tenantID)
}

// Apply runs one lifecycle event against a subscription. It is safe to call
// with duplicated or out-of-order events: stale changes (older than the last
// applied event) and transitions the state machine rejects are ignored with
// an audit entry rather than an error.
func (s *Service) Apply(ctx context.Context, subID string, change Change) (_ *Result, retErr error) {
	ctx, span := traces.StartSpan(ctx, "subscription.Apply",
		traces.SubscriptionID(subID),
	)
	defer func() {
		if retErr != nil {
			span.RecordError(retErr)
			span.SetStatus(codes.Error, retErr.Error())
		}
		span.End()
	}()

	unlock := s.locks.Lock(subID)
	defer unlock()

	sub, err := s.store.Get(ctx, subID)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	effective := change.EffectiveAt
	if effective.IsZero() {
		effective = now
	}

	// Last-write-wins on the event's own timestamp: an event older than the
	// newest applied one must not roll the subscription back.
	if effective.Before(sub.LastEventAt) {
		s.auditIgnored(ctx, sub, change, ReasonStale)
		return &Result{Applied: false, From: sub.Status, To: sub.Status, Reason: ReasonStale, Subscription: sub}, nil
	}

	from := sub.Status
	to, err := ApplyEvent(ctx, from, change.Event)
	if err != nil {
		var te *TransitionError
		if errors.As(err, &te) {
			reason := ReasonDuplicate
			if sub.IsTerminal() {
				reason = ReasonTerminal
			}
			s.auditIgnored(ctx, sub, change, reason)
			return &Result{Applied: false, From: from, To: from, Reason: reason, Subscription: sub}, nil
		}
		return nil, err
	}

	sub.Status = to
	switch change.Event {
	case EventPaymentSucceeded:
		// Checkout, recovery, or renewal: paid state with a fresh period.
		sub.TrialExpiry = nil
		sub.GracePeriodEnd = nil
		if change.Tier.Valid() {
			sub.Tier = change.Tier
		}
		if !change.PeriodEnd.IsZero() {
			sub.CurrentPeriodEnd = change.PeriodEnd
		}
	case EventPaymentFailed:
		graceEnd := effective.Add(s.graceFor)
		sub.GracePeriodEnd = &graceEnd
	case EventCancel:
		// Access keeps running until CurrentPeriodEnd; only the status flips now.
		sub.TrialExpiry = nil
		sub.GracePeriodEnd = nil
	case EventExpire:
		sub.TrialExpiry = nil
		sub.GracePeriodEnd = nil
	}
	if change.BillingCustomerID != "" {
		sub.BillingCustomerID = change.BillingCustomerID
	}
	if change.BillingSubscriptionID != "" {
		sub.BillingSubscriptionID = change.BillingSubscriptionID
	}
	sub.LastEventAt = effective
	sub.UpdatedAt = now

	// Release the shard lock during backoff sleeps so other subscriptions on
	// the same shard are not blocked while the store recovers.
	relockFn := func() { _ = s.locks.Lock(subID) }
	updateErr := retry.DoWithUnlock(ctx, 3, 50*time.Millisecond, unlock, relockFn, func() error {
		if err := s.store.Update(ctx, sub); err != nil {
			logging.L(ctx).Warn("subscription update failed, retrying",
				"subscription", subID, "error", err)
			return err
		}
		return nil
	})
	if updateErr != nil {
		return nil, fmt.Errorf("failed to persist transition: %w", updateErr)
	}

	if from != to {
		metrics.SubscriptionTransitionsTotal.WithLabelValues(string(from), string(to)).Inc()
	}

	s.audit(ctx, &audit.Entry{
		TenantID: sub.TenantID,
		Action:   audit.ActionTransition,
		Resource: sub.ID,
		Actor:    change.Actor,
		Outcome:  audit.OutcomeSuccess,
		Detail: audit.Detail{
			"event":  string(change.Event),
			"from":   string(from),
			"to":     string(to),
			"result": "applied",
		},
	})

	if from != to && s.onTransition != nil {
		s.onTransition(sub, from, to, change.Event)
	}

	return &Result{Applied: true, From: from, To: to, Subscription: sub}, nil
}

// ChangeTier moves a subscription to a different tier without touching its
// lifecycle state. Stale and no-op changes are ignored, mirroring Apply.
func (s *Service) ChangeTier(ctx context.Context, subID string, newTier catalog.Tier, effectiveAt time.Time, actor string) (_ *Result, retErr error) {
	ctx, span := traces.StartSpan(ctx, "subscription.ChangeTier",
		traces.SubscriptionID(subID),
		traces.Tier(string(newTier)),
	)
	defer func() {
		if retErr != nil {
			span.RecordError(retErr)
			span.SetStatus(codes.Error, retErr.Error())
		}
		span.End()
	}()

	if !newTier.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidTier, newTier)
	}

	unlock := s.locks.Lock(subID)
	defer unlock()

	sub, err := s.store.Get(ctx, subID)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	effective := effectiveAt
	if effective.IsZero() {
		effective = now
	}

	if effective.Before(sub.LastEventAt) {
		s.auditIgnoredTier(ctx, sub, newTier, actor, ReasonStale)
		return &Result{Applied: false, From: sub.Status, To: sub.Status, Reason: ReasonStale, Subscription: sub}, nil
	}
	if sub.IsTerminal() {
		s.auditIgnoredTier(ctx, sub, newTier, actor, ReasonTerminal)
		return &Result{Applied: false, From: sub.Status, To: sub.Status, Reason: ReasonTerminal, Subscription: sub}, nil
	}
	if sub.Tier == newTier {
		s.auditIgnoredTier(ctx, sub, newTier, actor, ReasonDuplicate)
		return &Result{Applied: false, From: sub.Status, To: sub.Status, Reason: ReasonDuplicate, Subscription: sub}, nil
	}

	fromTier := sub.Tier
	sub.Tier = newTier
	sub.LastEventAt = effective
	sub.UpdatedAt = now

	relockFn := func() { _ = s.locks.Lock(subID) }
	updateErr := retry.DoWithUnlock(ctx, 3, 50*time.Millisecond, unlock, relockFn, func() error {
		return s.store.Update(ctx, sub)
	})
	if updateErr != nil {
		return nil, fmt.Errorf("failed to persist tier change: %w", updateErr)
	}

	s.audit(ctx, &audit.Entry{
		TenantID: sub.TenantID,
		Action:   audit.ActionTierChange,
		Resource: sub.ID,
		Actor:    actor,
		Outcome:  audit.OutcomeSuccess,
		Detail: audit.Detail{
			"fromTier": string(fromTier),
			"toTier":   string(newTier),
			"result":   "applied",
		},
	})

	return &Result{Applied: true, From: sub.Status, To: sub.Status, Subscription: sub}, nil
}

// Reactivate replaces a terminal subscription with a fresh trial. Cancelled
// and expired states never transition out; a returning tenant gets a new
// subscription record instead. The billing customer binding carries over,
// the provider-side subscription identifier does not.
func (s *Service) Reactivate(ctx context.Context, tenantID string, tier catalog.Tier, actor string) (_ *Subscription, retErr error) {
	ctx, span := traces.StartSpan(ctx, "subscription.Reactivate",
		traces.TenantID(tenantID),
		traces.Tier(string(tier)),
	)
	defer func() {
		if retErr != nil {
			span.RecordError(retErr)
			span.SetStatus(codes.Error, retErr.Error())
		}
		span.End()
	}()

	if !tier.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidTier, tier)
	}

	old, err := s.store.GetByTenant(ctx, tenantID)
	if err != nil {
		return nil, err
	}

	unlock := s.locks.Lock(old.ID)
	defer unlock()

	// Re-read under the lock; a concurrent transition may have landed.
	old, err = s.store.Get(ctx, old.ID)
	if err != nil {
		return nil, err
	}
	if !old.IsTerminal() {
		return nil, fmt.Errorf("%w: status %q", ErrNotTerminal, old.Status)
	}

	fresh := NewTrial(tenantID, tier, s.trialFor)
	fresh.BillingCustomerID = old.BillingCustomerID

	relockFn := func() { _ = s.locks.Lock(old.ID) }
	replaceErr := retry.DoWithUnlock(ctx, 3, 50*time.Millisecond, unlock, relockFn, func() error {
		return s.store.Replace(ctx, fresh)
	})
	if replaceErr != nil {
		return nil, fmt.Errorf("failed to persist reactivation: %w", replaceErr)
	}

	s.audit(ctx, &audit.Entry{
		TenantID: tenantID,
		Action:   audit.ActionReactivate,
		Resource: fresh.ID,
		Actor:    actor,
		Outcome:  audit.OutcomeSuccess,
		Detail: audit.Detail{
			"previousSubscription": old.ID,
			"previousStatus":       string(old.Status),
			"tier":                 string(tier),
			"trialExpiry":          fresh.TrialExpiry.Format(time.RFC3339),
		},
	})

	return fresh, nil
}

// ExpireDue expires every subscription whose trial or grace window lapsed
// before now. Each expiry goes through Apply, so the sweep is idempotent and
// safe to resume after an interruption. Returns how many rows were due and
// how many actually expired.
func (s *Service) ExpireDue(ctx context.Context, now time.Time, limit int) (scanned, expired int, err error) {
	due, err := s.store.ListDue(ctx, now, limit)
	if err != nil {
		return 0, 0, err
	}

	for _, sub := range due {
		from := sub.Status
		res, err := s.Apply(ctx, sub.ID, Change{
			Event:       EventExpire,
			EffectiveAt: now,
			Actor:       "sweeper",
		})
		if err != nil {
			logging.L(ctx).Warn("expiry sweep failed for subscription",
				"subscription", sub.ID, "error", err)
			continue
		}
		if res.Applied {
			expired++
			metrics.SweepExpiredTotal.WithLabelValues(string(from)).Inc()
		}
	}
	return len(due), expired, nil
}

// audit writes one entry, logging (never failing the caller) when the audit
// pipeline itself reports a problem. The recorder has already retried,
// buffered, and counted the loss by the time an error surfaces here.
func (s *Service) audit(ctx context.Context, e *audit.Entry) {
	e.CorrelationID = logging.CorrelationID(ctx)
	if err := s.auditor.Record(ctx, e); err != nil {
		logging.L(ctx).Error("audit record failed for subscription lifecycle",
			"action", e.Action, "tenant", e.TenantID, "error", err)
	}
}

func (s *Service) auditIgnored(ctx context.Context, sub *Subscription, change Change, reason string) {
	s.audit(ctx, &audit.Entry{
		TenantID: sub.TenantID,
		Action:   audit.ActionTransition,
		Resource: sub.ID,
		Actor:    change.Actor,
		Outcome:  audit.OutcomeSuccess,
		Detail: audit.Detail{
			"event":  string(change.Event),
			"from":   string(sub.Status),
			"to":     string(sub.Status),
			"result": reason,
		},
	})
}

func (s *Service) auditIgnoredTier(ctx context.Context, sub *Subscription, tier catalog.Tier, actor, reason string) {
	s.audit(ctx, &audit.Entry{
		TenantID: sub.TenantID,
		Action:   audit.ActionTierChange,
		Resource: sub.ID,
		Actor:    actor,
		Outcome:  audit.OutcomeSuccess,
		Detail: audit.Detail{
			"fromTier": string(sub.Tier),
			"toTier":   string(tier),
			"result":   reason,
		},
	})
}
