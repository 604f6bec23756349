package tenancy

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/spaceporthq/spaceport/internal/auth"
	"github.com/spaceporthq/spaceport/internal/logging"
)

// Headers the fronting identity proxy sets after authenticating the human
// behind an API call. They are attribution only; tenant isolation always
// derives from the API key.
const (
	HeaderUserID    = "X-User-ID"
	HeaderUserEmail = "X-User-Email"
)

// PrincipalFrom assembles the acting identity for a request: the key-bound
// tenant from the auth middleware plus optional user attribution headers.
func PrincipalFrom(c *gin.Context) Principal {
	return Principal{
		TenantID:  auth.GetTenantID(c),
		UserID:    c.GetHeader(HeaderUserID),
		UserEmail: c.GetHeader(HeaderUserEmail),
		Admin:     auth.IsAdmin(c),
	}
}

// RequireActive rejects traffic from suspended tenants. Suspension is an
// administrative freeze and outranks whatever the subscription allows.
// Admin-authenticated requests pass so operators can still inspect a frozen
// tenant. Lookup failures let the request through; suspension enforcement
// is not worth an outage.
func RequireActive(store Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		if auth.IsAdmin(c) {
			c.Next()
			return
		}

		tenantID := auth.GetTenantID(c)
		if tenantID == "" {
			c.Next()
			return
		}

		t, err := store.Get(c.Request.Context(), tenantID)
		if err != nil {
			if !errors.Is(err, ErrNotFound) {
				logging.L(c.Request.Context()).Warn("suspension check skipped",
					"tenant", tenantID, "error", err)
			}
			c.Next()
			return
		}
		if t.Status == StatusSuspended {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error":   "tenant_suspended",
				"message": "This tenant is suspended. Contact support to restore access.",
			})
			return
		}

		c.Next()
	}
}
