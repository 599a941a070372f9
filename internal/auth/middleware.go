package auth

import (
	"net/http"
	"strings"

	"github.com/KevinKickass/OpenMachineIO/internal/types"
	"github.com/gin-gonic/gin"
)

const (
	permissionsKey = "permissions"
	subjectKey     = "subject"
	roleKey        = "role"
)

// Middleware validates bearer tokens and stores the caller's permissions
func (j *JWTHandler) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		if authHeader == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized,
				types.NewErrorResponse(types.ErrCodeUnauthorized, "missing authorization header", nil))
			return
		}

		// Extract token from "Bearer <token>"
		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) != 2 || parts[0] != "Bearer" {
			c.AbortWithStatusJSON(http.StatusUnauthorized,
				types.NewErrorResponse(types.ErrCodeUnauthorized, "invalid authorization header format", nil))
			return
		}

		claims, err := j.ValidateAccessToken(parts[1])
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized,
				types.NewErrorResponse(types.ErrCodeUnauthorized, "invalid or expired token", nil))
			return
		}

		c.Set(permissionsKey, RolePermissions(claims.Role))
		c.Set(subjectKey, claims.Subject)
		c.Set(roleKey, claims.Role)
		c.Next()
	}
}

// RequirePermission checks if the caller has the required permission
func RequirePermission(required Permission) gin.HandlerFunc {
	return func(c *gin.Context) {
		for _, p := range GetPermissions(c) {
			if p == required {
				c.Next()
				return
			}
		}

		c.AbortWithStatusJSON(http.StatusForbidden,
			types.NewErrorResponse(types.ErrCodeForbidden, "insufficient permissions", gin.H{"required": string(required)}))
	}
}

// GetPermissions extracts permissions from the request context
func GetPermissions(c *gin.Context) []Permission {
	if perms, ok := c.Get(permissionsKey); ok {
		if p, ok := perms.([]Permission); ok {
			return p
		}
	}
	return nil
}

// GetSubject returns the token subject of the caller, empty if unauthenticated
func GetSubject(c *gin.Context) string {
	return c.GetString(subjectKey)
}
