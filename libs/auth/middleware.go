package auth

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

const (
	ContextUserIDKey = "user_id"
	ContextRolesKey  = "roles"

	RoleAdmin = "admin"
)

func Middleware(secret []byte) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := ExtractBearer(c.GetHeader("Authorization"))
		if token == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"code": "UNAUTHORIZED", "message": "missing token"})
			return
		}

		claims, err := ParseJWT(token, secret)
		if err != nil || claims.Subject == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"code": "UNAUTHORIZED", "message": "invalid token"})
			return
		}

		c.Set(ContextUserIDKey, claims.Subject)
		c.Set(ContextRolesKey, claims.Roles)
		c.Next()
	}
}

// RequireRole aborts with 403 unless the authenticated subject carries the
// given role. Must run after Middleware.
func RequireRole(role string) gin.HandlerFunc {
	return func(c *gin.Context) {
		raw, ok := c.Get(ContextRolesKey)
		if !ok {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"code": "FORBIDDEN", "message": "missing role"})
			return
		}
		roles, _ := raw.([]string)
		claims := Claims{Roles: roles}
		if !claims.HasRole(role) {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"code": "FORBIDDEN", "message": "missing role"})
			return
		}
		c.Next()
	}
}
