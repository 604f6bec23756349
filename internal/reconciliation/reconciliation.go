// Package reconciliation detects drift between the tenant directory, the
// subscription store, and what the billing trail should have produced.
//
// The checks are read-only. Drift is reported through gauges and logs for an
// operator to act on; nothing here mutates state, because every finding has
// more than one legitimate repair.
package reconciliation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/spaceporthq/spaceport/internal/subscription"
	"github.com/spaceporthq/spaceport/internal/tenancy"
)

// TenantLister pages through the tenant population.
type TenantLister interface {
	List(ctx context.Context, limit, offset int) ([]*tenancy.Tenant, error)
}

// SubscriptionSource resolves subscriptions for drift checks. Satisfied by
// subscription.Store.
type SubscriptionSource interface {
	GetByTenant(ctx context.Context, tenantID string) (*subscription.Subscription, error)
	ListDue(ctx context.Context, now time.Time, limit int) ([]*subscription.Subscription, error)
}

// Report summarizes the findings of one reconciliation run.
type Report struct {
	TenantsScanned  int       `json:"tenantsScanned"`
	StatusDrift     int       `json:"statusDrift"`
	OverdueExpiries int       `json:"overdueExpiries"`
	LapsedRenewals  int       `json:"lapsedRenewals"`
	OrphanedTenants int       `json:"orphanedTenants"`
	SkippedErrors   int       `json:"skippedErrors"`
	Healthy         bool      `json:"healthy"`
	DurationMs      int64     `json:"durationMs"`
	Timestamp       time.Time `json:"timestamp"`
}

const (
	runnerPageSize = 200
	dueScanLimit   = 1000
)

// Runner executes the full set of drift checks.
type Runner struct {
	tenants TenantLister
	subs    SubscriptionSource
	logger  *slog.Logger
	slack   time.Duration
}

// NewRunner creates a runner with a five minute drift tolerance.
func NewRunner(tenants TenantLister, subs SubscriptionSource, logger *slog.Logger) *Runner {
	return &Runner{
		tenants: tenants,
		subs:    subs,
		logger:  logger,
		slack:   5 * time.Minute,
	}
}

// SetSlack sets how long a lapsed deadline may go unhandled before it counts
// as drift. Keep it above the sweep interval or every run flags work the
// sweeper was about to do anyway.
func (r *Runner) SetSlack(d time.Duration) {
	if d > 0 {
		r.slack = d
	}
}

// RunAll executes every check and publishes the results to metrics. A failure
// to page the stores aborts the run; per-tenant lookup failures are counted
// and skipped so one bad row cannot hide drift everywhere else.
func (r *Runner) RunAll(ctx context.Context) (*Report, error) {
	start := time.Now()
	now := start.UTC()
	report := &Report{Timestamp: now}

	if err := r.scanTenants(ctx, now, report); err != nil {
		reconcileErrors.Inc()
		return nil, err
	}
	if err := r.scanOverdue(ctx, now, report); err != nil {
		reconcileErrors.Inc()
		return nil, err
	}

	report.DurationMs = time.Since(start).Milliseconds()
	report.Healthy = report.StatusDrift == 0 &&
		report.OverdueExpiries == 0 &&
		report.LapsedRenewals == 0 &&
		report.OrphanedTenants == 0

	reconcileStatusDrift.Set(float64(report.StatusDrift))
	reconcileOverdueExpiries.Set(float64(report.OverdueExpiries))
	reconcileLapsedRenewals.Set(float64(report.LapsedRenewals))
	reconcileOrphanedTenants.Set(float64(report.OrphanedTenants))
	reconcileDuration.Observe(time.Since(start).Seconds())

	if report.Healthy {
		r.logger.Info("reconciliation run clean",
			"tenantsScanned", report.TenantsScanned,
			"durationMs", report.DurationMs)
	} else {
		r.logger.Warn("reconciliation run found drift",
			"tenantsScanned", report.TenantsScanned,
			"statusDrift", report.StatusDrift,
			"overdueExpiries", report.OverdueExpiries,
			"lapsedRenewals", report.LapsedRenewals,
			"orphanedTenants", report.OrphanedTenants,
			"durationMs", report.DurationMs)
	}
	return report, nil
}

// scanTenants walks the directory comparing each tenant's lifecycle status
// against its subscription. Suspension is an administrative override, so
// suspended tenants are never drift.
func (r *Runner) scanTenants(ctx context.Context, now time.Time, report *Report) error {
	for offset := 0; ; offset += runnerPageSize {
		tenants, err := r.tenants.List(ctx, runnerPageSize, offset)
		if err != nil {
			return fmt.Errorf("list tenants: %w", err)
		}
		if len(tenants) == 0 {
			return nil
		}

		for _, t := range tenants {
			report.TenantsScanned++
			if t.Status == tenancy.StatusSuspended {
				continue
			}

			sub, err := r.subs.GetByTenant(ctx, t.ID)
			if err != nil {
				if errors.Is(err, subscription.ErrNotFound) {
					// Pending means onboarding genuinely has not produced a
					// subscription yet; anything else claims a billing life
					// the billing store knows nothing about.
					if t.Status != tenancy.StatusPending {
						report.OrphanedTenants++
						r.logger.Warn("tenant has lifecycle status but no subscription",
							"tenant", t.ID, "status", string(t.Status))
					}
					continue
				}
				report.SkippedErrors++
				r.logger.Warn("reconciliation skipped tenant",
					"tenant", t.ID, "error", err)
				continue
			}

			if expected := tenancy.StatusFor(sub.Status); t.Status != expected {
				report.StatusDrift++
				r.logger.Warn("tenant status drifted from subscription",
					"tenant", t.ID,
					"tenantStatus", string(t.Status),
					"subscriptionStatus", string(sub.Status),
					"expected", string(expected))
			}

			if r.renewalLapsed(sub, now) {
				report.LapsedRenewals++
				r.logger.Warn("active subscription past its paid period",
					"tenant", t.ID,
					"subscription", sub.ID,
					"periodEnd", sub.CurrentPeriodEnd)
			}
		}

		if len(tenants) < runnerPageSize {
			return nil
		}
	}
}

// scanOverdue flags subscriptions whose trial or grace deadline lapsed longer
// ago than the slack allows. Anything here means the expiry sweeper is behind
// or stuck.
func (r *Runner) scanOverdue(ctx context.Context, now time.Time, report *Report) error {
	due, err := r.subs.ListDue(ctx, now.Add(-r.slack), dueScanLimit)
	if err != nil {
		return fmt.Errorf("list due subscriptions: %w", err)
	}
	report.OverdueExpiries = len(due)
	for _, sub := range due {
		r.logger.Warn("subscription expiry overdue",
			"tenant", sub.TenantID,
			"subscription", sub.ID,
			"status", string(sub.Status))
	}
	return nil
}

// renewalLapsed reports an active subscription whose period ended more than
// slack ago. The renewal payment event never arrived: either the provider
// webhook was lost or dunning stalled upstream.
func (r *Runner) renewalLapsed(sub *subscription.Subscription, now time.Time) bool {
	return sub.Status == subscription.StatusActive &&
		!sub.CurrentPeriodEnd.IsZero() &&
		now.After(sub.CurrentPeriodEnd.Add(r.slack))
}
