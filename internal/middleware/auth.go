package middleware

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"chat-realtime/internal/auth"
)

const (
	UserIDKey      = "userID"
	DisplayNameKey = "displayName"
)

// AuthMiddleware validates the Authorization header with the identity verifier.
func AuthMiddleware(verifier auth.Verifier) gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		if header == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing authorization"})
			return
		}

		token, ok := auth.BearerToken(header)
		if !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid authorization header"})
			return
		}

		identity, err := verifier.Verify(c.Request.Context(), token)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}

		c.Set(UserIDKey, identity.UserID)
		c.Set(DisplayNameKey, identity.DisplayName)
		c.Next()
	}
}

// UserID returns the authenticated user id set by AuthMiddleware.
func UserID(c *gin.Context) int64 {
	return c.GetInt64(UserIDKey)
}
