package entitlement

import (
	"context"
	"net/http"
	"sort"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/spaceporthq/spaceport/internal/auth"
	"github.com/spaceporthq/spaceport/internal/catalog"
)

// UsageSource supplies recorded consumption for authorize calls that do
// not send currentUsage themselves.
type UsageSource interface {
	Current(ctx context.Context, tenantID string, key catalog.LimitKey) (int, error)
}

// Handler exposes the decision endpoint and the per-tenant entitlement
// snapshot.
type Handler struct {
	engine *Engine
	subs   Subscriptions
	usage  UsageSource
}

// NewHandler creates a new entitlement handler.
func NewHandler(engine *Engine, subs Subscriptions) *Handler {
	return &Handler{engine: engine, subs: subs}
}

// WithUsage registers recorded usage counters as the fallback for limit
// checks when a caller omits currentUsage.
func (h *Handler) WithUsage(src UsageSource) *Handler {
	h.usage = src
	return h
}

// RegisterRoutes sets up entitlement routes on an authenticated group.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/authorize", h.Authorize)
	r.GET("/tenants/:id/entitlements", h.Entitlements)
}

type authorizeRequest struct {
	TenantID      string `json:"tenantId"`
	Capability    string `json:"capability" binding:"required"`
	LimitKey      string `json:"limitKey"`
	CurrentUsage  *int   `json:"currentUsage"`
	EndpointClass string `json:"endpointClass"`
}

// Authorize handles POST /v1/authorize. The endpoint is a decision oracle:
// it answers with HTTP 200 and a Decision body whether the answer is allow
// or deny. Callers that want denials turned into status codes use Require.
func (h *Handler) Authorize(c *gin.Context) {
	var body authorizeRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
		return
	}

	tenantID := auth.GetTenantID(c)
	if body.TenantID != "" && body.TenantID != tenantID {
		// Only operators may ask about a tenant other than their own.
		if !auth.IsAdmin(c) {
			c.JSON(http.StatusForbidden, gin.H{"error": "forbidden", "message": "tenantId does not match the authenticated tenant"})
			return
		}
		tenantID = body.TenantID
	}
	if tenantID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "tenantId is required"})
		return
	}

	class := catalog.EndpointClass(body.EndpointClass)
	if body.EndpointClass != "" && !validClass(class) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "unknown endpointClass"})
		return
	}

	// Callers that track their own counts send currentUsage; everyone else
	// gets the recorded counter for the limit dimension.
	currentUsage := 0
	if body.CurrentUsage != nil {
		currentUsage = *body.CurrentUsage
	} else if h.usage != nil && body.LimitKey != "" {
		v, err := h.usage.Current(c.Request.Context(), tenantID, catalog.LimitKey(body.LimitKey))
		if err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "authorization_unavailable", "message": "the request could not be authorized, retry later"})
			return
		}
		currentUsage = v
	}

	decision, err := h.engine.Authorize(c.Request.Context(), Request{
		TenantID:      tenantID,
		Capability:    catalog.Capability(body.Capability),
		LimitKey:      catalog.LimitKey(body.LimitKey),
		CurrentUsage:  currentUsage,
		EndpointClass: class,
		Actor:         actorFrom(c),
	})
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "authorization_unavailable", "message": "the request could not be authorized, retry later"})
		return
	}

	if decision.RetryAfter > 0 {
		c.Header("Retry-After", strconv.Itoa(decision.RetryAfter))
	}
	c.JSON(http.StatusOK, decision)
}

// Entitlements handles GET /v1/tenants/:id/entitlements — the full picture
// a client needs to render plan state: tier, status, feature set, numeric
// limits and rate ceilings.
func (h *Handler) Entitlements(c *gin.Context) {
	tenantID := c.Param("id")
	if !requireTenantOwnership(c, tenantID) {
		return
	}

	sub, err := h.subs.GetByTenant(c.Request.Context(), tenantID)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "no_subscription", "message": "no subscription exists for this tenant"})
		return
	}

	features := make([]string, 0, 8)
	for capability := range catalog.FeaturesFor(sub.Tier) {
		features = append(features, string(capability))
	}
	sort.Strings(features)

	rateLimits := make(map[string]int, 3)
	for _, class := range catalog.EndpointClasses() {
		rateLimits[string(class)] = catalog.RateLimitFor(sub.Tier, class)
	}

	c.JSON(http.StatusOK, gin.H{
		"tenantId":       tenantID,
		"tier":           sub.Tier,
		"status":         sub.Status,
		"catalogVersion": catalog.Version,
		"features":       features,
		"limits":         catalog.LimitsFor(sub.Tier),
		"rateLimits":     rateLimits,
		"subscription":   sub,
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

func actorFrom(c *gin.Context) string {
	if key, ok := auth.GetAPIKey(c); ok {
		return key.ID
	}
	if auth.IsAdmin(c) {
		return "admin"
	}
	return ""
}

func validClass(class catalog.EndpointClass) bool {
	for _, known := range catalog.EndpointClasses() {
		if class == known {
			return true
		}
	}
	return false
}
