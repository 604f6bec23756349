// Package entitlement decides whether a tenant may perform an operation.
//
// Authorize runs a fixed sequence of short-circuiting checks against the
// tenant's subscription, the entitlement catalog, and the rate limiter.
// Denials are ordinary Decision values with a machine reason and a human
// hint, never errors; errors are reserved for infrastructure failures.
// Every call writes exactly one audit entry synchronously before returning.
package entitlement

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"
	"time"

	"go.opentelemetry.io/otel/codes"

	"github.com/spaceporthq/spaceport/internal/audit"
	"github.com/spaceporthq/spaceport/internal/catalog"
	"github.com/spaceporthq/spaceport/internal/logging"
	"github.com/spaceporthq/spaceport/internal/metrics"
	"github.com/spaceporthq/spaceport/internal/ratelimit"
	"github.com/spaceporthq/spaceport/internal/subscription"
	"github.com/spaceporthq/spaceport/internal/traces"
)

// Reason is a machine-readable denial code.
type Reason string

const (
	ReasonNoSubscription       Reason = "NO_SUBSCRIPTION"
	ReasonSubscriptionInactive Reason = "SUBSCRIPTION_INACTIVE"
	ReasonTrialExpired         Reason = "TRIAL_EXPIRED"
	ReasonUpgradeRequired      Reason = "UPGRADE_REQUIRED"
	ReasonLimitReached         Reason = "LIMIT_REACHED"
	ReasonRateLimited          Reason = "RATE_LIMITED"
)

// DefaultRateWindow is the fixed rate-limit window applied per endpoint
// class when none is configured.
const DefaultRateWindow = time.Minute

// Request asks whether a tenant may exercise a capability. CurrentUsage is
// supplied by the caller (the engine does not count resources) and is only
// consulted when LimitKey is set. An empty EndpointClass skips rate
// limiting; Actor is used solely for audit attribution.
type Request struct {
	TenantID      string                `json:"tenantId"`
	Capability    catalog.Capability    `json:"capability"`
	LimitKey      catalog.LimitKey      `json:"limitKey,omitempty"`
	CurrentUsage  int                   `json:"currentUsage,omitempty"`
	EndpointClass catalog.EndpointClass `json:"endpointClass,omitempty"`
	Actor         string                `json:"-"`
}

// Decision is the outcome of one authorization check. RetryAfter is in
// seconds, Remaining is the rate window allowance left after this call
// (negative when the rate limiter was not consulted).
type Decision struct {
	Allowed      bool         `json:"allowed"`
	Reason       Reason       `json:"reason,omitempty"`
	Hint         string       `json:"hint,omitempty"`
	RequiredTier catalog.Tier `json:"requiredTier,omitempty"`
	RetryAfter   int          `json:"retryAfter,omitempty"`
	Remaining    int          `json:"-"`
}

// Subscriptions is the slice of the subscription service the engine needs:
// lookup plus the opportunistic expiry transition.
type Subscriptions interface {
	GetByTenant(ctx context.Context, tenantID string) (*subscription.Subscription, error)
	Apply(ctx context.Context, subID string, change subscription.Change) (*subscription.Result, error)
}

// Auditor records one entry per authorize call.
type Auditor interface {
	Record(ctx context.Context, e *audit.Entry) error
}

// Engine evaluates entitlement decisions. It holds no per-tenant state and
// is safe for concurrent use; serialization concerns live in the
// subscription service (per-subscription locks) and the rate limit counter.
type Engine struct {
	subs         Subscriptions
	limiter      *ratelimit.Limiter
	auditor      Auditor
	readOnly     map[catalog.Capability]bool
	rateWindow   time.Duration
	now          func() time.Time
	decisionHook func(req Request, d *Decision)
}

// NewEngine creates an entitlement engine with the catalog's default
// read-only carve-out and rate window.
func NewEngine(subs Subscriptions, limiter *ratelimit.Limiter, auditor Auditor) *Engine {
	return &Engine{
		subs:       subs,
		limiter:    limiter,
		auditor:    auditor,
		readOnly:   catalog.ReadOnly,
		rateWindow: DefaultRateWindow,
		now:        time.Now,
	}
}

// WithReadOnlyCapabilities overrides the capability set that stays allowed
// for cancelled and expired subscriptions.
func (e *Engine) WithReadOnlyCapabilities(caps map[catalog.Capability]bool) *Engine {
	e.readOnly = caps
	return e
}

// WithRateWindow overrides the fixed rate-limit window.
func (e *Engine) WithRateWindow(d time.Duration) *Engine {
	if d > 0 {
		e.rateWindow = d
	}
	return e
}

// WithDecisionHook registers a callback fired after every audited decision
// (used for the live ops feed). The hook runs synchronously; keep it cheap.
func (e *Engine) WithDecisionHook(fn func(req Request, d *Decision)) *Engine {
	e.decisionHook = fn
	return e
}

// Authorize runs the ordered checks for one request. The only returned
// errors are infrastructure failures (subscription store unreachable, audit
// unavailable in fail-closed deployments); every policy outcome is a
// Decision.
func (e *Engine) Authorize(ctx context.Context, req Request) (_ *Decision, retErr error) {
	start := time.Now()
	ctx, span := traces.StartSpan(ctx, "entitlement.Authorize",
		traces.TenantID(req.TenantID),
		traces.Capability(string(req.Capability)),
	)
	defer func() {
		if retErr != nil {
			span.RecordError(retErr)
			span.SetStatus(codes.Error, retErr.Error())
		}
		span.End()
	}()

	decision, sub, err := e.evaluate(ctx, req)
	if err != nil {
		return nil, err
	}

	outcome := audit.OutcomeSuccess
	if !decision.Allowed {
		outcome = audit.OutcomeDenied
	}
	span.SetAttributes(traces.Outcome(string(outcome)))

	if err := e.auditor.Record(ctx, e.buildEntry(ctx, req, sub, decision, outcome)); err != nil {
		// Fail-closed deployments refuse to answer without an audit trail.
		return nil, fmt.Errorf("authorization audit: %w", err)
	}

	metrics.AuthorizationDecisionsTotal.WithLabelValues(string(req.Capability), string(outcome)).Inc()
	metrics.AuthorizationDuration.Observe(time.Since(start).Seconds())

	if e.decisionHook != nil {
		e.decisionHook(req, decision)
	}

	return decision, nil
}

// evaluate runs checks 1-7 and never writes audit entries itself.
func (e *Engine) evaluate(ctx context.Context, req Request) (*Decision, *subscription.Subscription, error) {
	now := e.now().UTC()

	// 1. Tenant must have a subscription.
	sub, err := e.subs.GetByTenant(ctx, req.TenantID)
	if err != nil {
		if errors.Is(err, subscription.ErrNotFound) {
			return &Decision{
				Reason: ReasonNoSubscription,
				Hint:   "No subscription exists for this tenant. Complete onboarding to start a trial.",
			}, nil, nil
		}
		return nil, nil, fmt.Errorf("load subscription: %w", err)
	}

	// 2. Cancelled and expired subscriptions keep the read-only set; a
	// cancelled subscription keeps everything until its paid period ends.
	if sub.IsTerminal() && !e.readOnly[req.Capability] && !sub.WithinPaidPeriod(now) {
		return &Decision{
			Reason: ReasonSubscriptionInactive,
			Hint:   "The subscription is no longer active. Reactivate to restore full access.",
		}, sub, nil
	}

	// 3. Trials are re-checked live rather than waiting for the sweeper.
	if sub.Status == subscription.StatusTrial && sub.TrialExpired(now) {
		if _, err := e.subs.Apply(ctx, sub.ID, subscription.Change{
			Event:       subscription.EventExpire,
			EffectiveAt: now,
			Actor:       "entitlement-engine",
		}); err != nil {
			logging.L(ctx).Warn("opportunistic trial expiry failed",
				"subscription", sub.ID, "error", err)
		}
		return &Decision{
			Reason: ReasonTrialExpired,
			Hint:   "The trial period has ended. Upgrade to a paid tier to continue.",
		}, sub, nil
	}

	// 4. The capability must be granted by the tier.
	if !catalog.HasFeature(sub.Tier, req.Capability) {
		d := &Decision{
			Reason: ReasonUpgradeRequired,
			Hint:   fmt.Sprintf("Capability %q is not included in the %s tier.", req.Capability, sub.Tier),
		}
		if minTier, ok := catalog.MinimumTierFor(req.Capability); ok {
			d.RequiredTier = minTier
			d.Hint = fmt.Sprintf("Capability %q requires the %s tier or higher.", req.Capability, minTier)
		}
		return d, sub, nil
	}

	// 5. Numeric resource limits; the caller supplies its own usage count.
	if req.LimitKey != "" {
		if limit, ok := catalog.LimitsFor(sub.Tier).Get(req.LimitKey); ok && limit != catalog.Unlimited && req.CurrentUsage >= limit {
			d := &Decision{
				Reason: ReasonLimitReached,
				Hint:   fmt.Sprintf("Limit %q reached (%d of %d). Upgrade for a higher allowance.", req.LimitKey, req.CurrentUsage, limit),
			}
			if next, ok := nextTierWithHigherLimit(sub.Tier, req.LimitKey, limit); ok {
				d.RequiredTier = next
			}
			return d, sub, nil
		}
	}

	// 6. Rate window for the endpoint class, limit read fresh so a
	// mid-window upgrade applies immediately.
	remaining := -1
	if req.EndpointClass != "" {
		limit := catalog.RateLimitFor(sub.Tier, req.EndpointClass)
		res, err := e.limiter.CheckAndIncrement(ctx, req.TenantID, req.EndpointClass, limit, e.rateWindow)
		if err != nil {
			// Fail open: rate limiting protects capacity; refusing all
			// traffic on a counter outage would invert that goal.
			logging.L(ctx).Warn("rate limit check failed, allowing request",
				"tenant", req.TenantID, "class", string(req.EndpointClass), "error", err)
		} else {
			remaining = res.Remaining
			if !res.Allowed {
				retryAfter := int(math.Ceil(res.RetryAfter.Seconds()))
				return &Decision{
					Reason:     ReasonRateLimited,
					Hint:       fmt.Sprintf("Rate limit exceeded for %s operations. Retry after %d seconds.", req.EndpointClass, retryAfter),
					RetryAfter: retryAfter,
					Remaining:  res.Remaining,
				}, sub, nil
			}
		}
	}

	// 7. Allowed.
	return &Decision{Allowed: true, Remaining: remaining}, sub, nil
}

func (e *Engine) buildEntry(ctx context.Context, req Request, sub *subscription.Subscription, d *Decision, outcome audit.Outcome) *audit.Entry {
	detail := audit.Detail{
		"capability": string(req.Capability),
		"allowed":    strconv.FormatBool(d.Allowed),
	}
	if d.Reason != "" {
		detail["reason"] = string(d.Reason)
	}
	if sub != nil {
		detail["tier"] = string(sub.Tier)
		detail["status"] = string(sub.Status)
	}
	if req.LimitKey != "" {
		detail["limitKey"] = string(req.LimitKey)
		detail["usage"] = strconv.Itoa(req.CurrentUsage)
	}

	resource := string(req.Capability)
	if sub != nil {
		resource = sub.ID
	}

	return &audit.Entry{
		TenantID:      req.TenantID,
		CorrelationID: logging.CorrelationID(ctx),
		Action:        audit.ActionAuthorize,
		Resource:      resource,
		Actor:         req.Actor,
		Outcome:       outcome,
		Detail:        detail,
	}
}

// nextTierWithHigherLimit finds the lowest tier above current whose limit
// for key beats the current ceiling.
func nextTierWithHigherLimit(current catalog.Tier, key catalog.LimitKey, currentLimit int) (catalog.Tier, bool) {
	for _, tier := range catalog.Tiers() {
		if !tier.AtLeast(current) || tier == current {
			continue
		}
		limit, ok := catalog.LimitsFor(tier).Get(key)
		if !ok {
			continue
		}
		if limit == catalog.Unlimited || limit > currentLimit {
			return tier, true
		}
	}
	return "", false
}
