package usage

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/spaceporthq/spaceport/internal/auth"
	"github.com/spaceporthq/spaceport/internal/catalog"
	"github.com/spaceporthq/spaceport/internal/subscription"
)

// TierSource resolves a tenant's subscription so usage rows can carry the
// tier's limit alongside the recorded value.
type TierSource interface {
	GetByTenant(ctx context.Context, tenantID string) (*subscription.Subscription, error)
}

// Handler exposes usage reporting and querying per tenant.
type Handler struct {
	svc  *Service
	subs TierSource
}

// NewHandler creates a new usage handler.
func NewHandler(svc *Service, subs TierSource) *Handler {
	return &Handler{svc: svc, subs: subs}
}

// RegisterRoutes sets up usage routes on an authenticated group.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/tenants/:id/usage", h.GetUsage)
	r.POST("/tenants/:id/usage", h.Report)
	r.GET("/tenants/:id/usage/history", h.History)
}

// counterStatus is a counter annotated with the tenant's current ceiling.
type counterStatus struct {
	*Counter
	Limit     int `json:"limit"`
	Remaining int `json:"remaining"`
}

// GetUsage handles GET /tenants/:id/usage — every recorded counter with the
// tier limit and headroom it is measured against.
func (h *Handler) GetUsage(c *gin.Context) {
	tenantID := c.Param("id")
	if !requireTenantOwnership(c, tenantID) {
		return
	}

	sub, err := h.subs.GetByTenant(c.Request.Context(), tenantID)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "no_subscription", "message": "no subscription exists for this tenant"})
		return
	}

	counters, err := h.svc.Snapshot(c.Request.Context(), tenantID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "usage_error", "message": "Failed to retrieve usage"})
		return
	}

	limits := catalog.LimitsFor(sub.Tier)
	rows := make([]counterStatus, 0, len(counters))
	for _, ctr := range counters {
		limit, ok := limits.Get(ctr.LimitKey)
		if !ok {
			limit = catalog.Unlimited
		}
		remaining := catalog.Unlimited
		if limit != catalog.Unlimited {
			remaining = limit - ctr.Value
			if remaining < 0 {
				remaining = 0
			}
		}
		rows = append(rows, counterStatus{Counter: ctr, Limit: limit, Remaining: remaining})
	}

	c.JSON(http.StatusOK, gin.H{
		"tenantId": tenantID,
		"tier":     sub.Tier,
		"usage":    rows,
		"count":    len(rows),
	})
}

type reportRequest struct {
	LimitKey string `json:"limitKey" binding:"required"`
	Delta    *int   `json:"delta"`
	Value    *int   `json:"value"`
}

// Report handles POST /tenants/:id/usage. A delta adjusts the counter; a
// value overwrites it (reconcile). Exactly one of the two must be present.
func (h *Handler) Report(c *gin.Context) {
	tenantID := c.Param("id")
	if !requireTenantOwnership(c, tenantID) {
		return
	}

	var req reportRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "limitKey is required"})
		return
	}
	if (req.Delta == nil) == (req.Value == nil) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "provide exactly one of delta or value"})
		return
	}

	var (
		counter *Counter
		err     error
	)
	if req.Delta != nil {
		counter, err = h.svc.Record(c.Request.Context(), tenantID, catalog.LimitKey(req.LimitKey), *req.Delta)
	} else {
		counter, err = h.svc.Reconcile(c.Request.Context(), tenantID, catalog.LimitKey(req.LimitKey), *req.Value)
	}
	if err != nil {
		switch {
		case errors.Is(err, ErrUnknownLimitKey):
			c.JSON(http.StatusBadRequest, gin.H{"error": "unknown_limit_key", "message": "Unknown limit key: " + req.LimitKey})
		case errors.Is(err, ErrInvalidDelta), errors.Is(err, ErrInvalidValue):
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{"error": "usage_error", "message": "Failed to record usage"})
		}
		return
	}

	c.JSON(http.StatusOK, gin.H{"counter": counter})
}

// History handles GET /tenants/:id/usage/history?limit=
func (h *Handler) History(c *gin.Context) {
	tenantID := c.Param("id")
	if !requireTenantOwnership(c, tenantID) {
		return
	}

	limit := 50
	if limitStr := c.Query("limit"); limitStr != "" {
		if n, err := strconv.Atoi(limitStr); err == nil && n > 0 {
			limit = n
		}
	}
	if limit > 500 {
		limit = 500
	}

	events, err := h.svc.History(c.Request.Context(), tenantID, limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "usage_error", "message": "Failed to retrieve usage history"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"events": events,
		"count":  len(events),
	})
}

func requireTenantOwnership(c *gin.Context, tenantID string) bool {
	if auth.IsAdmin(c) {
		return true
	}
	if auth.GetTenantID(c) != tenantID {
		c.JSON(http.StatusForbidden, gin.H{"error": "forbidden", "message": "not your tenant"})
		return false
	}
	return true
}
