package entitlement

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/spaceporthq/spaceport/internal/auth"
	"github.com/spaceporthq/spaceport/internal/catalog"
)

// decisionKey is the context key under which Require stores its Decision.
const decisionKey = "entitlement_decision"

// Require returns middleware that gates a route behind a capability and a
// rate-limit class. Denials become status codes here: tenants without a
// usable subscription get 403, plan ceilings get 402, rate limits get 429
// with a Retry-After header. Routes whose limits depend on a usage count
// check those inside the handler instead, where the count is known.
//
// Operator requests bypass enforcement: admin traffic is not metered
// against any tenant plan.
func Require(engine *Engine, capability catalog.Capability, class catalog.EndpointClass) gin.HandlerFunc {
	return func(c *gin.Context) {
		if auth.IsAdmin(c) {
			c.Next()
			return
		}
		tenantID := auth.GetTenantID(c)
		if tenantID == "" {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized", "message": "API key required"})
			c.Abort()
			return
		}

		decision, err := engine.Authorize(c.Request.Context(), Request{
			TenantID:      tenantID,
			Capability:    capability,
			EndpointClass: class,
			Actor:         actorFrom(c),
		})
		if err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "authorization_unavailable", "message": "the request could not be authorized, retry later"})
			c.Abort()
			return
		}
		if !decision.Allowed {
			writeDenial(c, decision)
			c.Abort()
			return
		}

		c.Set(decisionKey, decision)
		c.Next()
	}
}

// DecisionFrom returns the Decision stored by Require, if the route was
// gated by it.
func DecisionFrom(c *gin.Context) (*Decision, bool) {
	v, ok := c.Get(decisionKey)
	if !ok {
		return nil, false
	}
	d, ok := v.(*Decision)
	return d, ok
}

func writeDenial(c *gin.Context, d *Decision) {
	if d.RetryAfter > 0 {
		c.Header("Retry-After", strconv.Itoa(d.RetryAfter))
	}
	body := gin.H{
		"error":   strings.ToLower(string(d.Reason)),
		"message": d.Hint,
	}
	if d.RequiredTier != "" {
		body["requiredTier"] = d.RequiredTier
	}
	if d.RetryAfter > 0 {
		body["retryAfter"] = d.RetryAfter
	}
	c.JSON(statusFor(d.Reason), body)
}

// statusFor maps a denial reason to an HTTP status. Upgradeable denials use
// 402 so clients can route users to billing; everything else is a plain
// authorization failure.
func statusFor(reason Reason) int {
	switch reason {
	case ReasonRateLimited:
		return http.StatusTooManyRequests
	case ReasonTrialExpired, ReasonUpgradeRequired, ReasonLimitReached:
		return http.StatusPaymentRequired
	default:
		return http.StatusForbidden
	}
}
