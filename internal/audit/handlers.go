package audit

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/spaceporthq/spaceport/internal/auth"
	"github.com/spaceporthq/spaceport/internal/logging"
	"github.com/spaceporthq/spaceport/internal/pagination"
)

const (
	defaultPageSize = 50
	maxPageSize     = 200
	exportBatchSize = 500
)

// Handler provides HTTP endpoints for querying the audit log.
type Handler struct {
	store Store
}

// NewHandler creates a new audit handler.
func NewHandler(store Store) *Handler {
	return &Handler{store: store}
}

// RegisterRoutes sets up audit routes on a tenant-scoped, authenticated
// group. exportGate middleware runs before Export only; the caller supplies
// the entitlement check there so this package stays below the engine.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup, exportGate ...gin.HandlerFunc) {
	r.GET("/tenants/:id/audit", h.List)
	r.GET("/tenants/:id/audit/export", append(exportGate, h.Export)...)
}

// List handles GET /v1/tenants/:id/audit
func (h *Handler) List(c *gin.Context) {
	tenantID := c.Param("id")
	if !requireTenantOwnership(c, tenantID) {
		return
	}

	q, ok := h.parseQuery(c, tenantID, defaultPageSize, maxPageSize)
	if !ok {
		return
	}

	// Fetch one extra row to learn whether another page exists.
	q.Limit++
	entries, err := h.store.Query(c.Request.Context(), q)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "failed to query audit log"})
		return
	}

	page, next, hasMore := pagination.ComputePage(entries, q.Limit-1, func(e *Entry) (time.Time, string) {
		return e.Timestamp, e.ID
	})

	c.JSON(http.StatusOK, gin.H{
		"entries":    page,
		"count":      len(page),
		"nextCursor": next,
		"hasMore":    hasMore,
	})
}

// Export handles GET /v1/tenants/:id/audit/export — streams matching entries
// as NDJSON. Route registration gates this behind the exportAuditLog capability.
func (h *Handler) Export(c *gin.Context) {
	tenantID := c.Param("id")
	if !requireTenantOwnership(c, tenantID) {
		return
	}

	q, ok := h.parseQuery(c, tenantID, exportBatchSize, exportBatchSize)
	if !ok {
		return
	}

	c.Header("Content-Type", "application/x-ndjson")
	c.Header("Content-Disposition", `attachment; filename="audit-`+tenantID+`.ndjson"`)
	c.Status(http.StatusOK)

	enc := json.NewEncoder(c.Writer)
	for {
		entries, err := h.store.Query(c.Request.Context(), q)
		if err != nil {
			logging.L(c.Request.Context()).Error("audit export query failed", "tenant", tenantID, "error", err)
			return
		}
		for _, e := range entries {
			if err := enc.Encode(e); err != nil {
				return
			}
		}
		if len(entries) < q.Limit {
			return
		}
		last := entries[len(entries)-1]
		q.Before = &pagination.Cursor{Timestamp: last.Timestamp, ID: last.ID}
	}
}

// parseQuery builds a Query from request parameters, responding with 400 on
// malformed input.
func (h *Handler) parseQuery(c *gin.Context, tenantID string, defLimit, maxLimit int) (Query, bool) {
	q := Query{TenantID: tenantID, Limit: defLimit}

	if v := c.Query("from"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_from", "message": "from must be RFC3339"})
			return q, false
		}
		q.From = t
	}
	if v := c.Query("to"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_to", "message": "to must be RFC3339"})
			return q, false
		}
		q.To = t
	}
	q.Action = c.Query("action")
	if v := c.Query("outcome"); v != "" {
		switch Outcome(v) {
		case OutcomeSuccess, OutcomeDenied, OutcomeFailed:
			q.Outcome = Outcome(v)
		default:
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_outcome", "message": "outcome must be success, denied, or failed"})
			return q, false
		}
	}
	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_limit", "message": "limit must be a positive integer"})
			return q, false
		}
		if n > maxLimit {
			n = maxLimit
		}
		q.Limit = n
	}
	if v := c.Query("cursor"); v != "" {
		cur, err := pagination.Decode(v)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_cursor", "message": "cursor is malformed"})
			return q, false
		}
		q.Before = cur
	}

	return q, true
}

// requireTenantOwnership checks if the caller owns the given tenant.
// Returns false (and sends error response) if not authorized.
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
