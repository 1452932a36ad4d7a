package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/clerkmail/clerkmail/internal/auth"
)

const userIDKey = "user_id"

// RequireUser validates the bearer JWT and stores the authenticated
// user id on the request context.
func RequireUser(verifier *auth.Verifier) gin.HandlerFunc {
	return func(c *gin.Context) {
		userID, err := verifier.UserIDFromRequest(c.Request)
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid or missing token"})
			c.Abort()
			return
		}
		c.Set(userIDKey, userID)
		c.Next()
	}
}

// RequireCronSecret authorizes the scheduled sync endpoint with a
// static bearer secret.
func RequireCronSecret(secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.GetHeader("Authorization") != "Bearer "+secret {
			c.String(http.StatusUnauthorized, "Unauthorized")
			c.Abort()
			return
		}
		c.Next()
	}
}

func currentUserID(c *gin.Context) string {
	return c.GetString(userIDKey)
}
