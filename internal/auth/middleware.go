package auth

import (
	"crypto/subtle"
	"net/http"

	"github.com/gin-gonic/gin"
)

const (
	// ContextKeyAPIKey is the key for storing the API key in gin context
	ContextKeyAPIKey = "apiKey"
	// ContextKeyUserID is the key for storing the authenticated user ID
	ContextKeyUserID = "authUserID"
	// ContextKeyAdmin marks requests that presented the admin secret
	ContextKeyAdmin = "authAdmin"
)

// Middleware extracts and validates the API key from the request and sets
// apiKey and authUserID in context if valid.
func Middleware(m *Manager) gin.HandlerFunc {
	return func(c *gin.Context) {
		apiKey := c.GetHeader("Authorization")
		if apiKey == "" {
			apiKey = c.GetHeader("X-API-Key")
		}
		// Browsers cannot set headers on a websocket upgrade.
		if apiKey == "" && c.GetHeader("Upgrade") == "websocket" {
			apiKey = c.Query("token")
		}

		if apiKey != "" {
			key, err := m.ValidateKey(c.Request.Context(), apiKey)
			if err == nil {
				c.Set(ContextKeyAPIKey, key)
				c.Set(ContextKeyUserID, key.UserID)
			}
		}

		c.Next()
	}
}

// RequireAuth rejects requests without a valid key.
func RequireAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !IsAuthenticated(c) {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": "API key required. Include 'Authorization: Bearer sk_...' header.",
			})
			return
		}
		c.Next()
	}
}

// RequireAdmin checks the X-Admin-Secret header against secret. With an
// empty secret (demo mode) any authenticated caller is let through.
func RequireAdmin(secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if secret == "" {
			if !IsAuthenticated(c) {
				c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
					"error":   "unauthorized",
					"message": "Authentication required",
				})
				return
			}
			c.Set(ContextKeyAdmin, true)
			c.Next()
			return
		}

		if !HasAdminSecret(c, secret) {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error":   "forbidden",
				"message": "Admin access required",
			})
			return
		}
		c.Set(ContextKeyAdmin, true)
		c.Next()
	}
}

// HasAdminSecret reports whether the request carries a non-empty secret in
// X-Admin-Secret.
func HasAdminSecret(c *gin.Context, secret string) bool {
	provided := c.GetHeader("X-Admin-Secret")
	return secret != "" && subtle.ConstantTimeCompare([]byte(provided), []byte(secret)) == 1
}

// GetAPIKey returns the API key from context (if authenticated).
func GetAPIKey(c *gin.Context) (*APIKey, bool) {
	key, exists := c.Get(ContextKeyAPIKey)
	if !exists {
		return nil, false
	}
	k, ok := key.(*APIKey)
	return k, ok
}

// UserID returns the authenticated user's ID, or "".
func UserID(c *gin.Context) string {
	return c.GetString(ContextKeyUserID)
}

func IsAuthenticated(c *gin.Context) bool {
	_, exists := c.Get(ContextKeyAPIKey)
	return exists
}

// IsAdmin reports whether RequireAdmin accepted the request.
func IsAdmin(c *gin.Context) bool {
	return c.GetBool(ContextKeyAdmin)
}
