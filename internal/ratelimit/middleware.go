package ratelimit

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/spaceporthq/spaceport/internal/catalog"
	"github.com/spaceporthq/spaceport/internal/logging"
)

// IPMiddleware returns a gin middleware that applies a flat per-IP limit to
// public endpoints. Tenant-scoped limits live in the entitlement engine;
// this only shields unauthenticated surfaces (catalog, health, onboarding)
// from abuse.
func IPMiddleware(limiter *Limiter, limit int, window time.Duration) gin.HandlerFunc {
	return func(c *gin.Context) {
		res, err := limiter.CheckAndIncrement(c.Request.Context(), "ip:"+c.ClientIP(), catalog.ClassRead, limit, window)
		if err != nil {
			// Fail open: a broken counter must not take down public routes.
			logging.L(c.Request.Context()).Warn("ip rate limit check failed", "error", err)
			c.Next()
			return
		}

		if !res.Allowed {
			c.JSON(http.StatusTooManyRequests, gin.H{
				"error":       "rate_limit_exceeded",
				"message":     "Too many requests. Please slow down.",
				"retry_after": int(res.RetryAfter.Seconds()),
			})
			c.Abort()
			return
		}

		c.Next()
	}
}
