package middleware

import (
	"context"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/leozw/shopcore/internal/api/handlers"
	"github.com/leozw/shopcore/internal/auth"
)

const PrincipalKey = "principal"

type Resolver interface {
	Resolve(ctx context.Context, token string) (auth.Principal, error)
}

// Authenticate resolves the bearer token into a Principal and attaches it
// to both the gin context and the request context.
func Authenticate(resolver Resolver, logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		if authHeader == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Authorization header required"})
			return
		}

		// Extract token
		tokenString := strings.TrimPrefix(authHeader, "Bearer ")
		if tokenString == authHeader {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Bearer token required"})
			return
		}

		principal, err := resolver.Resolve(c.Request.Context(), tokenString)
		if err != nil {
			handlers.RespondError(c, logger, err)
			return
		}

		id := principal.Identity()
		c.Set(PrincipalKey, principal)
		c.Set("user_id", id.UserID)
		c.Set("principal_kind", string(principal.Kind()))
		if admin, ok := auth.TenantOf(principal); ok {
			c.Set("tenant_id", admin.TenantID)
		}
		c.Request = c.Request.WithContext(auth.WithPrincipal(c.Request.Context(), principal))

		c.Next()
	}
}

func principalFrom(c *gin.Context) auth.Principal {
	p, _ := auth.FromContext(c.Request.Context())
	return p
}

// RequirePermission passes when the principal holds any of permissions.
func RequirePermission(permissions ...string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !auth.HasAnyPermission(principalFrom(c), permissions...) {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "Insufficient permissions"})
			return
		}
		c.Next()
	}
}

func RequireRole(roles ...string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !auth.HasRole(principalFrom(c), roles...) {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "Insufficient role"})
			return
		}
		c.Next()
	}
}

func RequireAdmin() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !auth.IsAdmin(principalFrom(c)) {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "Admin access required"})
			return
		}
		c.Next()
	}
}

func RequirePlatformOperator() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !auth.IsPlatformOperator(principalFrom(c)) {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "Platform operator access required"})
			return
		}
		c.Next()
	}
}

func CORS() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Origin, Content-Type, Authorization")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}
