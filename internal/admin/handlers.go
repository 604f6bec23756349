package admin

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/spaceporthq/spaceport/internal/audit"
	"github.com/spaceporthq/spaceport/internal/catalog"
	"github.com/spaceporthq/spaceport/internal/reconciliation"
	"github.com/spaceporthq/spaceport/internal/subscription"
	"github.com/spaceporthq/spaceport/internal/tenancy"
)

// Directory pages through the tenant population.
type Directory interface {
	List(ctx context.Context, limit, offset int) ([]*tenancy.Tenant, error)
}

// Sweeper runs an expiry sweep on demand.
type Sweeper interface {
	ExpireDue(ctx context.Context, now time.Time, limit int) (scanned, expired int, err error)
}

// FeedStats exposes ops feed hub statistics.
type FeedStats interface {
	Stats() map[string]interface{}
}

// AuditReader queries one tenant's audit trail.
type AuditReader interface {
	Query(ctx context.Context, q audit.Query) ([]*audit.Entry, error)
}

// AuditPurger deletes audit entries past a retention cutoff.
type AuditPurger interface {
	PurgeOlderThan(ctx context.Context, tenantID string, cutoff time.Time) (int64, error)
}

// TierLookup resolves the subscription whose tier sets a tenant's
// retention window.
type TierLookup interface {
	GetByTenant(ctx context.Context, tenantID string) (*subscription.Subscription, error)
}

// DriftChecker runs the cross-store reconciliation checks.
type DriftChecker interface {
	RunAll(ctx context.Context) (*reconciliation.Report, error)
}

// Handler provides admin HTTP endpoints.
type Handler struct {
	directory  Directory
	sweeper    Sweeper
	feed       FeedStats
	auditRead  AuditReader
	purger     AuditPurger
	tiers      TierLookup
	reconciler DriftChecker
}

// NewHandler creates a new admin handler.
func NewHandler() *Handler {
	return &Handler{}
}

// WithDirectory sets the tenant directory for listing.
func (h *Handler) WithDirectory(d Directory) *Handler {
	h.directory = d
	return h
}

// WithSweeper sets the sweep runner for on-demand expiry sweeps.
func (h *Handler) WithSweeper(s Sweeper) *Handler {
	h.sweeper = s
	return h
}

// WithFeedStats sets the ops feed hub for statistics.
func (h *Handler) WithFeedStats(f FeedStats) *Handler {
	h.feed = f
	return h
}

// WithAuditReader sets the audit store for denial exports.
func (h *Handler) WithAuditReader(r AuditReader) *Handler {
	h.auditRead = r
	return h
}

// WithRetention sets the pieces the audit retention purge needs.
func (h *Handler) WithRetention(p AuditPurger, tiers TierLookup) *Handler {
	h.purger = p
	h.tiers = tiers
	return h
}

// WithReconciler sets the drift checker for on-demand reconciliation.
func (h *Handler) WithReconciler(r DriftChecker) *Handler {
	h.reconciler = r
	return h
}

// RegisterRoutes sets up admin routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/admin/tenants", h.listTenants)
	r.POST("/admin/sweep", h.runSweep)
	r.POST("/admin/reconcile", h.triggerReconciliation)
	r.GET("/admin/feed/stats", h.feedStats)
	r.GET("/admin/denials/export", h.exportDenials)
	r.POST("/admin/audit/purge", h.purgeAudit)
}

// listTenants returns a page of the tenant directory, newest first.
func (h *Handler) listTenants(c *gin.Context) {
	if h.directory == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "tenant directory not configured"})
		return
	}

	limit := boundedQueryInt(c, "limit", 100, 1000)
	offset := boundedQueryInt(c, "offset", 0, 1<<30)

	tenants, err := h.directory.List(c.Request.Context(), limit, offset)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list tenants", "message": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"tenants": tenants, "count": len(tenants)})
}

// runSweep expires every due subscription right now instead of waiting for
// the next scheduled pass.
func (h *Handler) runSweep(c *gin.Context) {
	if h.sweeper == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "sweeper not configured"})
		return
	}

	limit := boundedQueryInt(c, "limit", 500, 10000)

	scanned, expired, err := h.sweeper.ExpireDue(c.Request.Context(), time.Now().UTC(), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "sweep failed", "message": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"scanned": scanned, "expired": expired})
}

// triggerReconciliation runs the drift checks right now and returns the
// report.
func (h *Handler) triggerReconciliation(c *gin.Context) {
	if h.reconciler == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "reconciliation not configured"})
		return
	}

	report, err := h.reconciler.RunAll(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "reconciliation failed", "message": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"report": report})
}

// feedStats reports ops feed connection and delivery counters.
func (h *Handler) feedStats(c *gin.Context) {
	if h.feed == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "ops feed not configured"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"feed": h.feed.Stats()})
}

// exportDenials exports one tenant's denied authorization decisions for
// plan analytics.
func (h *Handler) exportDenials(c *gin.Context) {
	if h.auditRead == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "audit store not configured"})
		return
	}

	tenantID := c.Query("tenant")
	if tenantID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "tenant query parameter required"})
		return
	}

	since := time.Now().UTC().AddDate(0, 0, -30) // Default: last 30 days
	if s := c.Query("since"); s != "" {
		if parsed, err := time.Parse(time.RFC3339, s); err == nil {
			since = parsed
		}
	}
	limit := boundedQueryInt(c, "limit", 1000, 10000)

	entries, err := h.auditRead.Query(c.Request.Context(), audit.Query{
		TenantID: tenantID,
		From:     since,
		Action:   audit.ActionAuthorize,
		Outcome:  audit.OutcomeDenied,
		Limit:    limit,
	})
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to export denials", "message": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"denials": entries, "count": len(entries), "since": since})
}

// purgeAudit enforces per-tier audit retention across the whole tenant
// population. Tenants on unlimited-retention tiers are skipped, as are
// tenants whose subscription cannot be resolved.
func (h *Handler) purgeAudit(c *gin.Context) {
	if h.purger == nil || h.tiers == nil || h.directory == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "retention purge not configured"})
		return
	}

	report, err := h.runRetention(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "retention purge failed", "message": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"report": report})
}

const retentionPageSize = 200

func (h *Handler) runRetention(ctx context.Context) (*RetentionReport, error) {
	now := time.Now().UTC()
	report := &RetentionReport{Timestamp: now}

	for offset := 0; ; offset += retentionPageSize {
		tenants, err := h.directory.List(ctx, retentionPageSize, offset)
		if err != nil {
			return nil, err
		}
		if len(tenants) == 0 {
			return report, nil
		}

		for _, t := range tenants {
			sub, err := h.tiers.GetByTenant(ctx, t.ID)
			if err != nil {
				report.TenantsSkipped++
				continue
			}
			days := catalog.LimitsFor(sub.Tier).AuditRetentionDays
			if days == catalog.Unlimited {
				report.TenantsSkipped++
				continue
			}
			cutoff := now.AddDate(0, 0, -days)
			purged, err := h.purger.PurgeOlderThan(ctx, t.ID, cutoff)
			if err != nil {
				report.TenantsSkipped++
				continue
			}
			report.TenantsProcessed++
			report.EntriesPurged += purged
		}

		if len(tenants) < retentionPageSize {
			return report, nil
		}
	}
}

// boundedQueryInt parses an integer query parameter, ignoring values
// outside [0, ceiling].
func boundedQueryInt(c *gin.Context, name string, def, ceiling int) int {
	v := def
	if raw := c.Query(name); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed >= 0 && parsed <= ceiling {
			v = parsed
		}
	}
	return v
}
