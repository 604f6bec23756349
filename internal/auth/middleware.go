package auth

import (
	"crypto/subtle"
	"net/http"
	"os"

	"github.com/gin-gonic/gin"
)

const (
	// ContextKeyAPIKey is the key for storing API key in gin context
	ContextKeyAPIKey = "apiKey"
	// ContextKeyTenantID is the key for storing the authenticated tenant ID
	ContextKeyTenantID = "authTenantID"
	// ContextKeyAdmin is the key marking a request authenticated via admin secret
	ContextKeyAdmin = "authAdmin"
)

// Middleware extracts and validates API key from request
// Sets apiKey and authTenantID in context if valid
func Middleware(m *Manager) gin.HandlerFunc {
	return func(c *gin.Context) {
		// Get API key from header
		apiKey := c.GetHeader("Authorization")
		if apiKey == "" {
			apiKey = c.GetHeader("X-API-Key")
		}

		if apiKey != "" {
			key, err := m.ValidateKey(c.Request.Context(), apiKey)
			if err == nil {
				c.Set(ContextKeyAPIKey, key)
				c.Set(ContextKeyTenantID, key.TenantID)
			}
		}

		// Admin secret is checked independently of API keys so operators
		// can hit tenant endpoints without holding a tenant key.
		if adminSecretMatches(c) {
			c.Set(ContextKeyAdmin, true)
		}

		c.Next()
	}
}

// RequireAuth middleware rejects requests without valid auth
func RequireAuth(m *Manager) gin.HandlerFunc {
	return func(c *gin.Context) {
		if _, exists := c.Get(ContextKeyAPIKey); !exists && !IsAdmin(c) {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": "API key required. Include 'Authorization: Bearer sk_...' header.",
			})
			return
		}
		c.Next()
	}
}

// RequireOwnership middleware requires auth AND ownership of the tenant named
// by the URL param. Admin-authenticated requests bypass the ownership check.
func RequireOwnership(m *Manager, paramName string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if IsAdmin(c) {
			c.Next()
			return
		}

		// Check auth first
		key, exists := c.Get(ContextKeyAPIKey)
		if !exists {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": "API key required.",
			})
			return
		}

		// Get target tenant from URL param
		targetTenant := c.Param(paramName)

		// Check ownership
		apiKey, ok := key.(*APIKey)
		if !ok {
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
				"error":   "internal_error",
				"message": "Invalid authentication state",
			})
			return
		}
		if apiKey.TenantID != targetTenant {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error":   "forbidden",
				"message": "You do not own this tenant.",
			})
			return
		}

		c.Next()
	}
}

// RequireAdmin middleware guards operator endpoints. With ADMIN_SECRET unset
// (demo mode) any authenticated caller passes; otherwise the X-Admin-Secret
// header must match.
func RequireAdmin() gin.HandlerFunc {
	return func(c *gin.Context) {
		secret := os.Getenv("ADMIN_SECRET")
		if secret == "" {
			if !IsAuthenticated(c) {
				c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
					"error":   "unauthorized",
					"message": "Authentication required for admin endpoints.",
				})
				return
			}
			c.Set(ContextKeyAdmin, true)
			c.Next()
			return
		}

		if !adminSecretMatches(c) {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error":   "forbidden",
				"message": "Invalid admin secret.",
			})
			return
		}

		c.Set(ContextKeyAdmin, true)
		c.Next()
	}
}

func adminSecretMatches(c *gin.Context) bool {
	secret := os.Getenv("ADMIN_SECRET")
	if secret == "" {
		return false
	}
	header := c.GetHeader("X-Admin-Secret")
	return subtle.ConstantTimeCompare([]byte(header), []byte(secret)) == 1
}

// GetAPIKey returns the API key from context (if authenticated)
func GetAPIKey(c *gin.Context) (*APIKey, bool) {
	key, exists := c.Get(ContextKeyAPIKey)
	if !exists {
		return nil, false
	}
	return key.(*APIKey), true
}

// GetTenantID returns the authenticated tenant's ID, or "" if unauthenticated
func GetTenantID(c *gin.Context) string {
	id, exists := c.Get(ContextKeyTenantID)
	if !exists {
		return ""
	}
	return id.(string)
}

// IsAdmin reports whether the request was authenticated via admin secret
func IsAdmin(c *gin.Context) bool {
	if c.GetBool(ContextKeyAdmin) {
		return true
	}
	return adminSecretMatches(c)
}

// IsAuthenticated checks if the request is authenticated
func IsAuthenticated(c *gin.Context) bool {
	_, exists := c.Get(ContextKeyAPIKey)
	return exists
}
