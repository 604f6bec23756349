package reconciliation

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/spaceporthq/spaceport/internal/catalog"
	"github.com/spaceporthq/spaceport/internal/subscription"
	"github.com/spaceporthq/spaceport/internal/tenancy"
)

func testRunner() (*tenancy.MemoryStore, *subscription.MemoryStore, *Runner) {
	tenants := tenancy.NewMemoryStore()
	subs := subscription.NewMemoryStore()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return tenants, subs, NewRunner(tenants, subs, logger)
}

func seedTenant(t *testing.T, store *tenancy.MemoryStore, id string, status tenancy.Status) {
	t.Helper()
	now := time.Now().UTC()
	err := store.Create(context.Background(), &tenancy.Tenant{
		ID:        id,
		Name:      id,
		Slug:      id,
		Status:    status,
		CreatedAt: now,
		UpdatedAt: now,
	})
	if err != nil {
		t.Fatalf("seed tenant %s: %v", id, err)
	}
}

func seedSub(t *testing.T, store *subscription.MemoryStore, tenantID string, trialFor time.Duration) *subscription.Subscription {
	t.Helper()
	sub := subscription.NewTrial(tenantID, catalog.TierStarter, trialFor)
	if err := store.Create(context.Background(), sub); err != nil {
		t.Fatalf("seed subscription for %s: %v", tenantID, err)
	}
	return sub
}

func TestRunAll_CleanState(t *testing.T) {
	tenants, subs, runner := testRunner()
	seedTenant(t, tenants, "ten_1", tenancy.StatusTrial)
	seedSub(t, subs, "ten_1", time.Hour)

	report, err := runner.RunAll(context.Background())
	if err != nil {
		t.Fatalf("RunAll failed: %v", err)
	}

	if !report.Healthy {
		t.Errorf("expected healthy report, got %+v", report)
	}
	if report.TenantsScanned != 1 {
		t.Errorf("expected 1 tenant scanned, got %d", report.TenantsScanned)
	}
}

func TestRunAll_StatusDrift(t *testing.T) {
	tenants, subs, runner := testRunner()
	seedTenant(t, tenants, "ten_1", tenancy.StatusActive)
	sub := seedSub(t, subs, "ten_1", time.Hour)

	// Cancel the subscription behind the tenant record's back.
	sub.Status = subscription.StatusCancelled
	sub.TrialExpiry = nil
	if err := subs.Update(context.Background(), sub); err != nil {
		t.Fatalf("update subscription: %v", err)
	}

	report, err := runner.RunAll(context.Background())
	if err != nil {
		t.Fatalf("RunAll failed: %v", err)
	}

	if report.StatusDrift != 1 {
		t.Errorf("expected 1 status drift, got %d", report.StatusDrift)
	}
	if report.Healthy {
		t.Error("expected unhealthy report")
	}
}

func TestRunAll_GracePeriodCountsAsActive(t *testing.T) {
	tenants, subs, runner := testRunner()
	seedTenant(t, tenants, "ten_1", tenancy.StatusActive)
	sub := seedSub(t, subs, "ten_1", time.Hour)

	end := time.Now().UTC().Add(time.Hour)
	sub.Status = subscription.StatusGracePeriod
	sub.TrialExpiry = nil
	sub.GracePeriodEnd = &end
	if err := subs.Update(context.Background(), sub); err != nil {
		t.Fatalf("update subscription: %v", err)
	}

	report, err := runner.RunAll(context.Background())
	if err != nil {
		t.Fatalf("RunAll failed: %v", err)
	}

	if report.StatusDrift != 0 {
		t.Errorf("grace period tenant marked as drift: %+v", report)
	}
}

func TestRunAll_OrphanedTenant(t *testing.T) {
	tenants, _, runner := testRunner()
	seedTenant(t, tenants, "ten_orphan", tenancy.StatusActive)
	seedTenant(t, tenants, "ten_pending", tenancy.StatusPending)

	report, err := runner.RunAll(context.Background())
	if err != nil {
		t.Fatalf("RunAll failed: %v", err)
	}

	// Active without a subscription is drift; pending without one is just an
	// onboarding that has not finished.
	if report.OrphanedTenants != 1 {
		t.Errorf("expected 1 orphaned tenant, got %d", report.OrphanedTenants)
	}
	if report.TenantsScanned != 2 {
		t.Errorf("expected 2 tenants scanned, got %d", report.TenantsScanned)
	}
}

func TestRunAll_SuspendedTenantIsNeverDrift(t *testing.T) {
	tenants, subs, runner := testRunner()
	seedTenant(t, tenants, "ten_1", tenancy.StatusSuspended)
	sub := seedSub(t, subs, "ten_1", time.Hour)

	sub.Status = subscription.StatusExpired
	sub.TrialExpiry = nil
	if err := subs.Update(context.Background(), sub); err != nil {
		t.Fatalf("update subscription: %v", err)
	}

	report, err := runner.RunAll(context.Background())
	if err != nil {
		t.Fatalf("RunAll failed: %v", err)
	}

	if !report.Healthy {
		t.Errorf("suspension should mask billing state, got %+v", report)
	}
}

func TestRunAll_OverdueExpiry(t *testing.T) {
	tenants, subs, runner := testRunner()
	seedTenant(t, tenants, "ten_old", tenancy.StatusTrial)
	seedSub(t, subs, "ten_old", -time.Hour) // trial lapsed an hour ago

	seedTenant(t, tenants, "ten_fresh", tenancy.StatusTrial)
	seedSub(t, subs, "ten_fresh", -30*time.Second) // inside the slack window

	report, err := runner.RunAll(context.Background())
	if err != nil {
		t.Fatalf("RunAll failed: %v", err)
	}

	if report.OverdueExpiries != 1 {
		t.Errorf("expected 1 overdue expiry, got %d", report.OverdueExpiries)
	}
}

func TestRunAll_SlackBoundsOverdue(t *testing.T) {
	tenants, subs, runner := testRunner()
	seedTenant(t, tenants, "ten_1", tenancy.StatusTrial)
	seedSub(t, subs, "ten_1", -30*time.Second)

	report, err := runner.RunAll(context.Background())
	if err != nil {
		t.Fatalf("RunAll failed: %v", err)
	}
	if report.OverdueExpiries != 0 {
		t.Fatalf("expected no overdue expiries inside default slack, got %d", report.OverdueExpiries)
	}

	runner.SetSlack(time.Second)
	report, err = runner.RunAll(context.Background())
	if err != nil {
		t.Fatalf("RunAll failed: %v", err)
	}
	if report.OverdueExpiries != 1 {
		t.Errorf("expected 1 overdue expiry with tight slack, got %d", report.OverdueExpiries)
	}
}

func TestSetSlack_IgnoresNonPositive(t *testing.T) {
	_, _, runner := testRunner()
	runner.SetSlack(0)
	if runner.slack != 5*time.Minute {
		t.Errorf("zero slack should be ignored, got %v", runner.slack)
	}
	runner.SetSlack(-time.Minute)
	if runner.slack != 5*time.Minute {
		t.Errorf("negative slack should be ignored, got %v", runner.slack)
	}
}

func TestRunAll_LapsedRenewal(t *testing.T) {
	tenants, subs, runner := testRunner()
	seedTenant(t, tenants, "ten_lapsed", tenancy.StatusActive)
	lapsed := seedSub(t, subs, "ten_lapsed", time.Hour)
	lapsed.Status = subscription.StatusActive
	lapsed.TrialExpiry = nil
	lapsed.CurrentPeriodEnd = time.Now().UTC().Add(-time.Hour)
	if err := subs.Update(context.Background(), lapsed); err != nil {
		t.Fatalf("update subscription: %v", err)
	}

	seedTenant(t, tenants, "ten_paid", tenancy.StatusActive)
	paid := seedSub(t, subs, "ten_paid", time.Hour)
	paid.Status = subscription.StatusActive
	paid.TrialExpiry = nil
	paid.CurrentPeriodEnd = time.Now().UTC().Add(30 * 24 * time.Hour)
	if err := subs.Update(context.Background(), paid); err != nil {
		t.Fatalf("update subscription: %v", err)
	}

	report, err := runner.RunAll(context.Background())
	if err != nil {
		t.Fatalf("RunAll failed: %v", err)
	}

	if report.LapsedRenewals != 1 {
		t.Errorf("expected 1 lapsed renewal, got %d", report.LapsedRenewals)
	}
}

func TestRunAll_PagesWholeDirectory(t *testing.T) {
	tenants, _, runner := testRunner()
	for i := 0; i < 450; i++ {
		seedTenant(t, tenants, fmt.Sprintf("ten_%03d", i), tenancy.StatusPending)
	}

	report, err := runner.RunAll(context.Background())
	if err != nil {
		t.Fatalf("RunAll failed: %v", err)
	}

	if report.TenantsScanned != 450 {
		t.Errorf("expected 450 tenants scanned, got %d", report.TenantsScanned)
	}
	if !report.Healthy {
		t.Errorf("pending tenants without subscriptions are not drift: %+v", report)
	}
}

// flakySubs fails the lookup for one tenant to prove a bad row is skipped,
// not fatal.
type flakySubs struct {
	inner   *subscription.MemoryStore
	failFor string
}

func (f *flakySubs) GetByTenant(ctx context.Context, tenantID string) (*subscription.Subscription, error) {
	if tenantID == f.failFor {
		return nil, errors.New("store down")
	}
	return f.inner.GetByTenant(ctx, tenantID)
}

func (f *flakySubs) ListDue(ctx context.Context, now time.Time, limit int) ([]*subscription.Subscription, error) {
	return f.inner.ListDue(ctx, now, limit)
}

func TestRunAll_SkipsFailedLookups(t *testing.T) {
	tenants := tenancy.NewMemoryStore()
	subStore := subscription.NewMemoryStore()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	runner := NewRunner(tenants, &flakySubs{inner: subStore, failFor: "ten_bad"}, logger)

	seedTenant(t, tenants, "ten_bad", tenancy.StatusActive)
	seedTenant(t, tenants, "ten_drift", tenancy.StatusActive)
	sub := seedSub(t, subStore, "ten_drift", time.Hour)
	sub.Status = subscription.StatusCancelled
	sub.TrialExpiry = nil
	if err := subStore.Update(context.Background(), sub); err != nil {
		t.Fatalf("update subscription: %v", err)
	}

	report, err := runner.RunAll(context.Background())
	if err != nil {
		t.Fatalf("RunAll failed: %v", err)
	}

	if report.SkippedErrors != 1 {
		t.Errorf("expected 1 skipped error, got %d", report.SkippedErrors)
	}
	if report.StatusDrift != 1 {
		t.Errorf("expected drift on the healthy row, got %d", report.StatusDrift)
	}
}
