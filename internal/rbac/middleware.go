package rbac

import (
	"net/http"

	"campaign-dialer/internal/auth"

	"github.com/gin-gonic/gin"
)

// RequireAccount rejects requests whose identity carries no account.
// Admin tokens are not bound to an account.
func RequireAccount() gin.HandlerFunc {
	return func(c *gin.Context) {
		if role, _ := auth.Role(c.Request.Context()); IsAdmin(role) {
			c.Next()
			return
		}
		if _, err := auth.AccountID(c.Request.Context()); err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "account_id required"})
			return
		}
		c.Next()
	}
}

// RequireAnyRole allows the request if the caller has one of allowed.
// Admins always pass.
func RequireAnyRole(allowed ...string) gin.HandlerFunc {
	allowedSet := make(map[string]struct{}, len(allowed))
	for _, r := range allowed {
		allowedSet[r] = struct{}{}
	}

	return func(c *gin.Context) {
		role, err := auth.Role(c.Request.Context())
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "role required"})
			return
		}
		if IsAdmin(role) {
			c.Next()
			return
		}
		if _, ok := allowedSet[role]; !ok {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "forbidden"})
			return
		}
		c.Next()
	}
}
