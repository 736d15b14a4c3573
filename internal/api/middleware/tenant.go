package middleware

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/leozw/shopcore/internal/auth"
)

// Tenant only lets through principals bound to a shop database. It must
// run after Authenticate.
func Tenant() gin.HandlerFunc {
	return func(c *gin.Context) {
		admin, ok := auth.TenantOf(principalFrom(c))
		if !ok {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "Endpoint requires a tenant session"})
			return
		}

		c.Set("tenant_id", admin.TenantID)
		c.Set("X-Scope-OrgID", admin.TenantID)

		c.Next()
	}
}
