package tenancy

import (
	"errors"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/spaceporthq/spaceport/internal/auth"
	"github.com/spaceporthq/spaceport/internal/catalog"
	"github.com/spaceporthq/spaceport/internal/subscription"
	"github.com/spaceporthq/spaceport/internal/validation"
)

var validSlug = regexp.MustCompile(`^[a-z0-9][a-z0-9-]{1,62}[a-z0-9]$`)

// Handler provides HTTP endpoints for tenant lifecycle management.
type Handler struct {
	svc     *Service
	subs    Subscriptions
	authMgr *auth.Manager
}

// NewHandler creates a new tenancy handler.
func NewHandler(svc *Service, subs Subscriptions, authMgr *auth.Manager) *Handler {
	return &Handler{svc: svc, subs: subs, authMgr: authMgr}
}

// RegisterAdminRoutes sets up operator-only tenant routes.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.POST("/tenants", h.CreateTenant)
	r.POST("/tenants/:id/suspend", h.SuspendTenant)
	r.POST("/tenants/:id/resume", h.ResumeTenant)
}

// RegisterProtectedRoutes sets up tenant routes that require API key auth.
// Reads and updates are accessible to both admins and tenant owners
// (checked per-handler).
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.GET("/tenants/:id", h.GetTenant)
	r.PATCH("/tenants/:id", h.UpdateTenant)
	r.GET("/tenants/:id/subscription", h.GetSubscription)
	r.POST("/tenants/:id/cancel", h.CancelSubscription)
	r.POST("/tenants/:id/reactivate", h.ReactivateTenant)
	r.POST("/tenants/:id/keys", h.CreateKey)
	r.GET("/tenants/:id/keys", h.ListKeys)
	r.DELETE("/tenants/:id/keys/:keyId", h.RevokeKey)
}

// ---------- Admin endpoints ----------

// CreateTenant handles POST /v1/tenants (admin only). Onboarding returns
// the tenant, its trial subscription, and a raw API key shown exactly once.
func (h *Handler) CreateTenant(c *gin.Context) {
	var req struct {
		Name string       `json:"name" binding:"required"`
		Slug string       `json:"slug" binding:"required"`
		Tier catalog.Tier `json:"tier"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "name and slug required"})
		return
	}

	req.Slug = strings.ToLower(strings.TrimSpace(req.Slug))
	if !validSlug.MatchString(req.Slug) {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_slug",
			"message": "slug must be 3-64 lowercase alphanumeric/hyphens, start/end with alphanumeric",
		})
		return
	}

	if req.Tier == "" {
		req.Tier = catalog.TierStarter
	}
	if !req.Tier.Valid() {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_tier", "message": "unknown tier"})
		return
	}

	name := validation.SanitizeString(req.Name, 200)
	out, err := h.svc.Onboard(c.Request.Context(), name, req.Slug, req.Tier, PrincipalFrom(c).Actor())
	if err != nil {
		switch {
		case errors.Is(err, ErrSlugTaken):
			c.JSON(http.StatusConflict, gin.H{"error": "slug_taken", "message": "slug already in use"})
		case errors.Is(err, ErrExists):
			c.JSON(http.StatusConflict, gin.H{"error": "tenant_exists", "message": "tenant is already onboarded"})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "failed to onboard tenant"})
		}
		return
	}

	resp := gin.H{
		"tenant":       out.Tenant,
		"subscription": out.Subscription,
	}
	if out.APIKey == "" {
		resp["warning"] = "Tenant created but key generation failed. Use the keys API to create one."
	} else {
		resp["apiKey"] = out.APIKey
		resp["keyId"] = out.KeyID
		resp["warning"] = "Store this API key securely. It will not be shown again."
	}
	c.JSON(http.StatusCreated, resp)
}

// SuspendTenant handles POST /v1/tenants/:id/suspend (admin only).
func (h *Handler) SuspendTenant(c *gin.Context) {
	t, err := h.svc.Suspend(c.Request.Context(), c.Param("id"), PrincipalFrom(c).Actor())
	if err != nil {
		respondTenantErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"tenant": t})
}

// ResumeTenant handles POST /v1/tenants/:id/resume (admin only).
func (h *Handler) ResumeTenant(c *gin.Context) {
	t, err := h.svc.Resume(c.Request.Context(), c.Param("id"), PrincipalFrom(c).Actor())
	if err != nil {
		respondTenantErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"tenant": t})
}

// ---------- Tenant-scoped endpoints ----------

// GetTenant handles GET /v1/tenants/:id
func (h *Handler) GetTenant(c *gin.Context) {
	id := c.Param("id")
	if !h.requireTenantOwnership(c, id) {
		return
	}

	t, err := h.svc.Get(c.Request.Context(), id)
	if err != nil {
		respondTenantErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"tenant": t})
}

// UpdateTenant handles PATCH /v1/tenants/:id. Only the display name is
// mutable here; tier changes flow through billing, status through the
// lifecycle endpoints.
func (h *Handler) UpdateTenant(c *gin.Context) {
	id := c.Param("id")
	if !h.requireTenantOwnership(c, id) {
		return
	}

	var req struct {
		Name *string `json:"name"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "invalid body"})
		return
	}
	if req.Name == nil || strings.TrimSpace(*req.Name) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "name required"})
		return
	}

	t, err := h.svc.Rename(c.Request.Context(), id, validation.SanitizeString(*req.Name, 200))
	if err != nil {
		respondTenantErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"tenant": t})
}

// GetSubscription handles GET /v1/tenants/:id/subscription
func (h *Handler) GetSubscription(c *gin.Context) {
	id := c.Param("id")
	if !h.requireTenantOwnership(c, id) {
		return
	}

	sub, err := h.subs.GetByTenant(c.Request.Context(), id)
	if err != nil {
		if errors.Is(err, subscription.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "no_subscription", "message": "tenant has no subscription"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"subscription": sub})
}

// CancelSubscription handles POST /v1/tenants/:id/cancel. Cancellation is a
// state machine event like any other; a subscription that cannot cancel
// (already terminal) reports applied=false rather than an error.
func (h *Handler) CancelSubscription(c *gin.Context) {
	id := c.Param("id")
	if !h.requireTenantOwnership(c, id) {
		return
	}

	sub, err := h.subs.GetByTenant(c.Request.Context(), id)
	if err != nil {
		if errors.Is(err, subscription.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "no_subscription", "message": "tenant has no subscription"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": err.Error()})
		return
	}

	result, err := h.subs.Apply(c.Request.Context(), sub.ID, subscription.Change{
		Event:       subscription.EventCancel,
		EffectiveAt: time.Now().UTC(),
		Actor:       PrincipalFrom(c).Actor(),
	})
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "failed to cancel subscription"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"result": result})
}

// ReactivateTenant handles POST /v1/tenants/:id/reactivate. A churned
// tenant gets a fresh trial; the old terminal subscription stays in the
// audit history only.
func (h *Handler) ReactivateTenant(c *gin.Context) {
	id := c.Param("id")
	if !h.requireTenantOwnership(c, id) {
		return
	}

	var req struct {
		Tier catalog.Tier `json:"tier"`
	}
	if err := c.ShouldBindJSON(&req); err != nil && err.Error() != "EOF" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "invalid body"})
		return
	}
	if req.Tier == "" {
		req.Tier = catalog.TierStarter
	}
	if !req.Tier.Valid() {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_tier", "message": "unknown tier"})
		return
	}

	fresh, err := h.svc.Reactivate(c.Request.Context(), id, req.Tier, PrincipalFrom(c).Actor())
	if err != nil {
		switch {
		case errors.Is(err, ErrNotFound), errors.Is(err, subscription.ErrNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "tenant not found"})
		case errors.Is(err, ErrSuspended):
			c.JSON(http.StatusForbidden, gin.H{"error": "tenant_suspended", "message": "resume the tenant before reactivating"})
		case errors.Is(err, subscription.ErrNotTerminal):
			c.JSON(http.StatusConflict, gin.H{"error": "not_terminal", "message": "current subscription is still active"})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "failed to reactivate tenant"})
		}
		return
	}
	c.JSON(http.StatusCreated, gin.H{"subscription": fresh})
}

// CreateKey handles POST /v1/tenants/:id/keys — generate a tenant-scoped API key.
func (h *Handler) CreateKey(c *gin.Context) {
	tenantID := c.Param("id")
	if !h.requireTenantOwnership(c, tenantID) {
		return
	}

	var req struct {
		Name string `json:"name"`
	}
	if err := c.ShouldBindJSON(&req); err != nil && err.Error() != "EOF" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "invalid body"})
		return
	}
	if req.Name == "" {
		req.Name = "Tenant key"
	}

	rawKey, keyInfo, err := h.authMgr.GenerateKey(c.Request.Context(), tenantID, req.Name)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "failed to create key"})
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"apiKey":  rawKey,
		"keyId":   keyInfo.ID,
		"name":    keyInfo.Name,
		"warning": "Store this key securely. It will not be shown again.",
	})
}

// ListKeys handles GET /v1/tenants/:id/keys
func (h *Handler) ListKeys(c *gin.Context) {
	tenantID := c.Param("id")
	if !h.requireTenantOwnership(c, tenantID) {
		return
	}

	keys, err := h.authMgr.ListKeys(c.Request.Context(), tenantID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": err.Error()})
		return
	}

	out := make([]gin.H, 0, len(keys))
	for _, k := range keys {
		out = append(out, gin.H{
			"id":        k.ID,
			"name":      k.Name,
			"createdAt": k.CreatedAt,
			"lastUsed":  k.LastUsed,
			"revoked":   k.Revoked,
		})
	}
	c.JSON(http.StatusOK, gin.H{"keys": out, "count": len(out)})
}

// RevokeKey handles DELETE /v1/tenants/:id/keys/:keyId
func (h *Handler) RevokeKey(c *gin.Context) {
	tenantID := c.Param("id")
	if !h.requireTenantOwnership(c, tenantID) {
		return
	}

	keyID := c.Param("keyId")
	if err := h.authMgr.RevokeKey(c.Request.Context(), keyID, tenantID); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "key_not_found", "message": "key not found in this tenant"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "key revoked", "keyId": keyID})
}

// ---------- helpers ----------

// requireTenantOwnership checks if the caller owns the given tenant.
// Returns false (and sends error response) if not authorized.
func (h *Handler) requireTenantOwnership(c *gin.Context, tenantID string) bool {
	if auth.IsAdmin(c) {
		return true
	}
	if auth.GetTenantID(c) != tenantID {
		c.JSON(http.StatusForbidden, gin.H{"error": "forbidden", "message": "not your tenant"})
		return false
	}
	return true
}

func respondTenantErr(c *gin.Context, err error) {
	if errors.Is(err, ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "tenant not found"})
		return
	}
	c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": err.Error()})
}
