package webhooks

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/spaceporthq/spaceport/internal/auth"
	"github.com/spaceporthq/spaceport/internal/idgen"
)

// Handler exposes endpoint management routes.
type Handler struct {
	store Store
}

// NewHandler creates a webhook endpoint handler.
func NewHandler(store Store) *Handler {
	return &Handler{store: store}
}

// RegisterRoutes sets up webhook routes on an authenticated group.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/tenants/:id/webhooks", h.CreateEndpoint)
	r.GET("/tenants/:id/webhooks", h.ListEndpoints)
	r.DELETE("/tenants/:id/webhooks/:webhookId", h.DeleteEndpoint)
}

type createEndpointRequest struct {
	URL    string   `json:"url" binding:"required"`
	Events []string `json:"events" binding:"required"`
}

// CreateEndpoint handles POST /v1/tenants/:id/webhooks. The signing secret
// is returned exactly once.
func (h *Handler) CreateEndpoint(c *gin.Context) {
	tenantID := c.Param("id")
	if !ownsTenant(c, tenantID) {
		return
	}

	var req createEndpointRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "url and events are required",
		})
		return
	}

	if err := ValidateURL(req.URL); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_url",
			"message": err.Error(),
		})
		return
	}

	events := make([]EventType, 0, len(req.Events))
	for _, e := range req.Events {
		t := EventType(e)
		if !KnownEvent(t) {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_event",
				"message": "Unknown event type: " + e,
			})
			return
		}
		events = append(events, t)
	}

	secret := generateSecret()
	ep := &Endpoint{
		ID:        idgen.WithPrefix("wh_"),
		TenantID:  tenantID,
		URL:       req.URL,
		Secret:    secret,
		Events:    events,
		Active:    true,
		CreatedAt: time.Now().UTC(),
	}

	if err := h.store.Create(c.Request.Context(), ep); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "create_failed",
			"message": "Failed to create webhook endpoint",
		})
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"webhook": ep,
		"secret":  secret,
		"usage": gin.H{
			"signature": "Verify with HMAC-SHA256(payload, secret)",
			"header":    "X-Spaceport-Signature",
		},
		"warning": "Store this secret securely. It will not be shown again.",
	})
}

// ListEndpoints handles GET /v1/tenants/:id/webhooks.
func (h *Handler) ListEndpoints(c *gin.Context) {
	tenantID := c.Param("id")
	if !ownsTenant(c, tenantID) {
		return
	}

	endpoints, err := h.store.ListByTenant(c.Request.Context(), tenantID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "list_failed",
			"message": "Failed to list webhook endpoints",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{"webhooks": endpoints, "count": len(endpoints)})
}

// DeleteEndpoint handles DELETE /v1/tenants/:id/webhooks/:webhookId.
func (h *Handler) DeleteEndpoint(c *gin.Context) {
	tenantID := c.Param("id")
	if !ownsTenant(c, tenantID) {
		return
	}

	if err := h.store.Delete(c.Request.Context(), c.Param("webhookId"), tenantID); err != nil {
		if errors.Is(err, ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "webhook_not_found",
				"message": "No such webhook endpoint for this tenant",
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "delete_failed",
			"message": "Failed to delete webhook endpoint",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{"message": "webhook deleted"})
}

// ownsTenant rejects callers whose key is bound to a different tenant.
// Admin credentials may manage any tenant's endpoints.
func ownsTenant(c *gin.Context, tenantID string) bool {
	if auth.IsAdmin(c) {
		return true
	}
	if auth.GetTenantID(c) != tenantID {
		c.JSON(http.StatusForbidden, gin.H{
			"error":   "forbidden",
			"message": "API key is not bound to this tenant",
		})
		return false
	}
	return true
}

func generateSecret() string {
	b := make([]byte, 32)
	rand.Read(b)
	return hex.EncodeToString(b)
}
