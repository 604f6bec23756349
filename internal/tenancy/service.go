package tenancy

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/codes"

	"github.com/spaceporthq/spaceport/internal/audit"
	"github.com/spaceporthq/spaceport/internal/auth"
	"github.com/spaceporthq/spaceport/internal/catalog"
	"github.com/spaceporthq/spaceport/internal/idgen"
	"github.com/spaceporthq/spaceport/internal/logging"
	"github.com/spaceporthq/spaceport/internal/metrics"
	"github.com/spaceporthq/spaceport/internal/subscription"
	"github.com/spaceporthq/spaceport/internal/traces"
)

// Subscriptions is the slice of the subscription service the tenancy
// package consumes: onboarding, reactivation, and owner-driven changes.
type Subscriptions interface {
	Create(ctx context.Context, tenantID string, tier catalog.Tier, actor string) (*subscription.Subscription, error)
	GetByTenant(ctx context.Context, tenantID string) (*subscription.Subscription, error)
	Apply(ctx context.Context, subID string, change subscription.Change) (*subscription.Result, error)
	Reactivate(ctx context.Context, tenantID string, tier catalog.Tier, actor string) (*subscription.Subscription, error)
}

// Keys issues tenant-bound API credentials.
type Keys interface {
	GenerateKey(ctx context.Context, tenantID, name string) (string, *auth.APIKey, error)
}

// Auditor records tenancy lifecycle entries.
type Auditor interface {
	Record(ctx context.Context, e *audit.Entry) error
}

// Service implements tenant lifecycle operations.
type Service struct {
	store          Store
	subs           Subscriptions
	keys           Keys
	auditor        Auditor
	suspensionHook func(t *Tenant, suspended bool, actor string)
}

// NewService creates a tenancy service.
func NewService(store Store, subs Subscriptions, keys Keys, auditor Auditor) *Service {
	return &Service{store: store, subs: subs, keys: keys, auditor: auditor}
}

// WithSuspensionHook registers a callback fired after an applied Suspend or
// Resume (used for tenant notifications). The hook runs synchronously.
func (s *Service) WithSuspensionHook(fn func(t *Tenant, suspended bool, actor string)) *Service {
	s.suspensionHook = fn
	return s
}

// Onboarding is everything a freshly created tenant needs: the record, the
// trial subscription, and the raw API key (shown exactly once).
type Onboarding struct {
	Tenant       *Tenant                    `json:"tenant"`
	Subscription *subscription.Subscription `json:"subscription"`
	APIKey       string                     `json:"apiKey,omitempty"`
	KeyID        string                     `json:"keyId,omitempty"`
}

// Onboard creates a tenant with its initial trial subscription and a bound
// API key. Onboarding is resumable: if a previous attempt created the
// tenant row but crashed before the subscription existed, retrying the same
// slug picks up where it stopped. A tenant that already has a subscription
// is a conflict.
func (s *Service) Onboard(ctx context.Context, name, slug string, tier catalog.Tier, actor string) (_ *Onboarding, retErr error) {
	ctx, span := traces.StartSpan(ctx, "tenancy.Onboard",
		traces.Tier(string(tier)),
	)
	defer func() {
		if retErr != nil {
			span.RecordError(retErr)
			span.SetStatus(codes.Error, retErr.Error())
		}
		span.End()
	}()

	now := time.Now().UTC()
	tenant := &Tenant{
		ID:        idgen.WithPrefix("ten_"),
		Name:      name,
		Slug:      slug,
		Status:    StatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}

	if err := s.store.Create(ctx, tenant); err != nil {
		if !errors.Is(err, ErrSlugTaken) {
			return nil, fmt.Errorf("create tenant: %w", err)
		}
		existing, lookErr := s.store.GetBySlug(ctx, slug)
		if lookErr != nil {
			return nil, ErrSlugTaken
		}
		if _, subErr := s.subs.GetByTenant(ctx, existing.ID); subErr == nil {
			return nil, ErrExists
		} else if !errors.Is(subErr, subscription.ErrNotFound) {
			return nil, fmt.Errorf("check existing onboarding: %w", subErr)
		}
		// Pending row without a subscription: a prior attempt stopped
		// halfway, finish it instead of failing the retry.
		tenant = existing
	}

	sub, err := s.subs.Create(ctx, tenant.ID, tier, actor)
	if err != nil {
		if errors.Is(err, subscription.ErrAlreadyExists) {
			return nil, ErrExists
		}
		return nil, fmt.Errorf("create subscription: %w", err)
	}

	tenant.Status = StatusTrial
	tenant.UpdatedAt = time.Now().UTC()
	if err := s.store.Update(ctx, tenant); err != nil {
		// The subscription exists; the sync hook repairs the status on the
		// next transition. Do not fail a completed onboarding over this.
		logging.L(ctx).Warn("tenant status update failed after onboarding",
			"tenant", tenant.ID, "error", err)
	}

	out := &Onboarding{Tenant: tenant, Subscription: sub}
	rawKey, keyInfo, err := s.keys.GenerateKey(ctx, tenant.ID, "Default API key")
	if err != nil {
		logging.L(ctx).Warn("api key generation failed during onboarding",
			"tenant", tenant.ID, "error", err)
	} else {
		out.APIKey = rawKey
		out.KeyID = keyInfo.ID
	}

	metrics.TenantsCreatedTotal.Inc()
	s.audit(ctx, &audit.Entry{
		TenantID: tenant.ID,
		Action:   audit.ActionOnboard,
		Resource: tenant.ID,
		Actor:    actor,
		Outcome:  audit.OutcomeSuccess,
		Detail: audit.Detail{
			"slug":         tenant.Slug,
			"tier":         string(tier),
			"subscription": sub.ID,
		},
	})

	return out, nil
}

// Get returns one tenant.
func (s *Service) Get(ctx context.Context, id string) (*Tenant, error) {
	return s.store.Get(ctx, id)
}

// Rename updates the display name.
func (s *Service) Rename(ctx context.Context, id, name string) (*Tenant, error) {
	t, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	t.Name = name
	t.UpdatedAt = time.Now().UTC()
	if err := s.store.Update(ctx, t); err != nil {
		return nil, err
	}
	return t, nil
}

// Suspend freezes a tenant administratively. Suspension outranks billing
// state: the guard middleware rejects all traffic until Resume.
func (s *Service) Suspend(ctx context.Context, id, actor string) (*Tenant, error) {
	t, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if t.Status == StatusSuspended {
		return t, nil
	}

	previous := t.Status
	t.Status = StatusSuspended
	t.UpdatedAt = time.Now().UTC()
	if err := s.store.Update(ctx, t); err != nil {
		return nil, err
	}

	s.audit(ctx, &audit.Entry{
		TenantID: t.ID,
		Action:   audit.ActionSuspend,
		Resource: t.ID,
		Actor:    actor,
		Outcome:  audit.OutcomeSuccess,
		Detail:   audit.Detail{"previousStatus": string(previous)},
	})
	if s.suspensionHook != nil {
		s.suspensionHook(t, true, actor)
	}
	return t, nil
}

// Resume lifts a suspension, recomputing the lifecycle status from the
// current subscription.
func (s *Service) Resume(ctx context.Context, id, actor string) (*Tenant, error) {
	t, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if t.Status != StatusSuspended {
		return t, nil
	}

	t.Status = s.statusFromSubscription(ctx, t.ID)
	t.UpdatedAt = time.Now().UTC()
	if err := s.store.Update(ctx, t); err != nil {
		return nil, err
	}

	s.audit(ctx, &audit.Entry{
		TenantID: t.ID,
		Action:   audit.ActionResume,
		Resource: t.ID,
		Actor:    actor,
		Outcome:  audit.OutcomeSuccess,
		Detail:   audit.Detail{"status": string(t.Status)},
	})
	if s.suspensionHook != nil {
		s.suspensionHook(t, false, actor)
	}
	return t, nil
}

// Reactivate gives a churned tenant a fresh trial subscription. The old
// subscription is terminal by definition; suspended tenants must be resumed
// first.
func (s *Service) Reactivate(ctx context.Context, id string, tier catalog.Tier, actor string) (*subscription.Subscription, error) {
	t, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if t.Status == StatusSuspended {
		return nil, ErrSuspended
	}

	fresh, err := s.subs.Reactivate(ctx, t.ID, tier, actor)
	if err != nil {
		return nil, err
	}

	t.Status = StatusTrial
	t.UpdatedAt = time.Now().UTC()
	if err := s.store.Update(ctx, t); err != nil {
		logging.L(ctx).Warn("tenant status update failed after reactivation",
			"tenant", t.ID, "error", err)
	}
	return fresh, nil
}

// SyncSubscription mirrors a subscription transition onto the tenant's
// lifecycle status. Wired as the subscription service's transition hook; it
// runs under the subscription lock, so it stays a single cheap store write.
func (s *Service) SyncSubscription(sub *subscription.Subscription, _, to subscription.Status, _ subscription.Event) {
	ctx := context.Background()
	t, err := s.store.Get(ctx, sub.TenantID)
	if err != nil {
		logging.L(ctx).Warn("tenant status sync skipped",
			"tenant", sub.TenantID, "error", err)
		return
	}
	if t.Status == StatusSuspended {
		return
	}

	next := StatusFor(to)
	if next == t.Status {
		return
	}
	t.Status = next
	t.UpdatedAt = time.Now().UTC()
	if err := s.store.Update(ctx, t); err != nil {
		logging.L(ctx).Warn("tenant status sync failed",
			"tenant", t.ID, "error", err)
	}
}

func (s *Service) statusFromSubscription(ctx context.Context, tenantID string) Status {
	sub, err := s.subs.GetByTenant(ctx, tenantID)
	if err != nil {
		return StatusPending
	}
	return StatusFor(sub.Status)
}

// StatusFor maps billing state to the tenant lifecycle view. Grace period
// still counts as active: the tenant keeps access while dunning runs.
func StatusFor(status subscription.Status) Status {
	switch status {
	case subscription.StatusTrial:
		return StatusTrial
	case subscription.StatusActive, subscription.StatusGracePeriod:
		return StatusActive
	case subscription.StatusCancelled, subscription.StatusExpired:
		return StatusChurned
	default:
		return StatusPending
	}
}

func (s *Service) audit(ctx context.Context, e *audit.Entry) {
	e.CorrelationID = logging.CorrelationID(ctx)
	if err := s.auditor.Record(ctx, e); err != nil {
		logging.L(ctx).Error("audit record failed for tenancy lifecycle",
			"action", e.Action, "tenant", e.TenantID, "error", err)
	}
}
