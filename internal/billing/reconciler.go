package billing

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
	"github.com/spaceporthq/spaceport/internal/subscription"
	"github.com/spaceporthq/spaceport/internal/traces"
)

// Reconcile result codes, reported to callers and metrics. Semantic no-ops
// pass through the subscription layer's own reason (duplicate_ignored,
// stale_event, terminal_state).
const (
	ResultApplied        = "applied"
	ResultDuplicateEvent = "duplicate_event"
	ResultUnknownSub     = "unknown_subscription"
)

// Lifecycle is the slice of the subscription service the reconciler drives.
type Lifecycle interface {
	Apply(ctx context.Context, subID string, change subscription.Change) (*subscription.Result, error)
	ChangeTier(ctx context.Context, subID string, tier catalog.Tier, effectiveAt time.Time, actor string) (*subscription.Result, error)
}

// Resolver finds subscriptions by provider identifiers. Satisfied by
// subscription.Store.
type Resolver interface {
	GetByBillingSubscription(ctx context.Context, id string) (*subscription.Subscription, error)
	GetByBillingCustomer(ctx context.Context, id string) (*subscription.Subscription, error)
}

// Auditor records billing-level audit entries (event dedup); transition
// entries are written by the subscription service itself.
type Auditor interface {
	Record(ctx context.Context, e *audit.Entry) error
}

// ReconcileResult reports what a webhook event did.
type ReconcileResult struct {
	Applied bool                `json:"applied"`
	State   subscription.Status `json:"state,omitempty"`
	Result  string              `json:"result"`
}

// Reconciler turns provider events into subscription changes.
type Reconciler struct {
	lifecycle  Lifecycle
	resolver   Resolver
	processed  ProcessedStore
	auditor    Auditor
	resultHook func(tenantID, eventType, result string)
}

// NewReconciler creates a reconciler.
func NewReconciler(lifecycle Lifecycle, resolver Resolver, processed ProcessedStore, auditor Auditor) *Reconciler {
	return &Reconciler{
		lifecycle: lifecycle,
		resolver:  resolver,
		processed: processed,
		auditor:   auditor,
	}
}

// WithResultHook registers a callback fired after each event that resolved
// to a subscription, whether or not it changed state (used for the live ops
// feed). The hook runs synchronously.
func (r *Reconciler) WithResultHook(fn func(tenantID, eventType, result string)) *Reconciler {
	r.resultHook = fn
	return r
}

func (r *Reconciler) notify(tenantID, eventType, result string) {
	if r.resultHook != nil {
		r.resultHook(tenantID, eventType, result)
	}
}

// Reconcile applies one provider event. Subscriptions are resolved solely
// via the event's billing identifiers; caller-supplied tenant identity is
// never trusted here. Unknown subscriptions are dropped successfully (the
// tenant may not be onboarded yet).
func (r *Reconciler) Reconcile(ctx context.Context, event *Event) (_ *ReconcileResult, retErr error) {
	ctx, span := traces.StartSpan(ctx, "billing.Reconcile",
		traces.BillingEventID(event.EventID),
	)
	defer func() {
		if retErr != nil {
			span.RecordError(retErr)
			span.SetStatus(codes.Error, retErr.Error())
		}
		span.End()
	}()

	if err := r.validate(event); err != nil {
		metrics.BillingEventsTotal.WithLabelValues(string(event.Type), "invalid").Inc()
		return nil, err
	}

	sub, err := r.resolve(ctx, event)
	if err != nil {
		if errors.Is(err, subscription.ErrNotFound) {
			logging.L(ctx).Info("billing event for unknown subscription dropped",
				"event", event.EventID,
				"type", string(event.Type),
				"billingCustomer", event.BillingCustomerID,
				"billingSubscription", event.BillingSubscriptionID)
			metrics.BillingEventsTotal.WithLabelValues(string(event.Type), ResultUnknownSub).Inc()
			return &ReconcileResult{Applied: false, Result: ResultUnknownSub}, nil
		}
		return nil, err
	}

	seen, err := r.processed.Seen(ctx, event.EventID)
	if err != nil {
		return nil, fmt.Errorf("processed-event lookup: %w", err)
	}
	if seen {
		r.auditDuplicate(ctx, sub, event)
		metrics.BillingEventsTotal.WithLabelValues(string(event.Type), ResultDuplicateEvent).Inc()
		r.notify(sub.TenantID, string(event.Type), ResultDuplicateEvent)
		return &ReconcileResult{Applied: false, State: sub.Status, Result: ResultDuplicateEvent}, nil
	}

	res, err := r.dispatch(ctx, sub, event)
	if err != nil {
		metrics.BillingEventsTotal.WithLabelValues(string(event.Type), "error").Inc()
		return nil, err
	}

	// Record the event ID only after the change is durable, so a crash in
	// between redelivers rather than loses. A concurrent delivery racing to
	// this point is fine: the second Mark conflicts and the second apply was
	// already a semantic no-op.
	if err := r.processed.Mark(ctx, &ProcessedEvent{
		EventID:        event.EventID,
		SubscriptionID: sub.ID,
		Type:           event.Type,
		OccurredAt:     event.OccurredAt,
	}); err != nil && !errors.Is(err, ErrAlreadyProcessed) {
		logging.L(ctx).Warn("failed to record processed billing event",
			"event", event.EventID, "error", err)
	}

	outcome := ResultApplied
	if !res.Applied {
		outcome = res.Reason
	}
	metrics.BillingEventsTotal.WithLabelValues(string(event.Type), outcome).Inc()
	r.notify(sub.TenantID, string(event.Type), outcome)

	return &ReconcileResult{Applied: res.Applied, State: res.To, Result: outcome}, nil
}

func (r *Reconciler) validate(event *Event) error {
	if event.EventID == "" {
		return fmt.Errorf("%w: missing event id", ErrInvalidEvent)
	}
	if !event.Type.Valid() {
		return fmt.Errorf("%w: unknown type %q", ErrInvalidEvent, event.Type)
	}
	if event.BillingCustomerID == "" && event.BillingSubscriptionID == "" {
		return fmt.Errorf("%w: no billing identifiers", ErrInvalidEvent)
	}
	return nil
}

func (r *Reconciler) resolve(ctx context.Context, event *Event) (*subscription.Subscription, error) {
	if event.BillingSubscriptionID != "" {
		sub, err := r.resolver.GetByBillingSubscription(ctx, event.BillingSubscriptionID)
		if err == nil {
			return sub, nil
		}
		if !errors.Is(err, subscription.ErrNotFound) {
			return nil, err
		}
	}
	if event.BillingCustomerID != "" {
		return r.resolver.GetByBillingCustomer(ctx, event.BillingCustomerID)
	}
	return nil, subscription.ErrNotFound
}

func (r *Reconciler) dispatch(ctx context.Context, sub *subscription.Subscription, event *Event) (*subscription.Result, error) {
	if event.Type == EventTierChanged {
		return r.lifecycle.ChangeTier(ctx, sub.ID, event.Tier, event.OccurredAt, "billing-webhook")
	}

	var subEvent subscription.Event
	switch event.Type {
	case EventPaymentSucceeded:
		subEvent = subscription.EventPaymentSucceeded
	case EventPaymentFailed:
		subEvent = subscription.EventPaymentFailed
	case EventCancelled:
		subEvent = subscription.EventCancel
	}

	return r.lifecycle.Apply(ctx, sub.ID, subscription.Change{
		Event:                 subEvent,
		EffectiveAt:           event.OccurredAt,
		Tier:                  event.Tier,
		PeriodEnd:             event.PeriodEnd,
		BillingCustomerID:     event.BillingCustomerID,
		BillingSubscriptionID: event.BillingSubscriptionID,
		Actor:                 "billing-webhook",
	})
}

func (r *Reconciler) auditDuplicate(ctx context.Context, sub *subscription.Subscription, event *Event) {
	entry := &audit.Entry{
		TenantID:      sub.TenantID,
		CorrelationID: logging.CorrelationID(ctx),
		Action:        audit.ActionBillingEvent,
		Resource:      sub.ID,
		Actor:         "billing-webhook",
		Outcome:       audit.OutcomeSuccess,
		Detail: audit.Detail{
			"event":  event.EventID,
			"type":   string(event.Type),
			"result": "duplicate_ignored",
		},
	}
	if err := r.auditor.Record(ctx, entry); err != nil {
		logging.L(ctx).Error("audit record failed for duplicate billing event",
			"event", event.EventID, "error", err)
	}
}
