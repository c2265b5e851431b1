package middlewares

import (
	"net/http"
	"strings"

	"bitbucket.org/gracesoft/congregate_backend/models"
	"bitbucket.org/gracesoft/congregate_backend/utils"
	"github.com/gin-gonic/gin"
)

// AuthMiddleware validates the bearer token and populates the request
// context with the caller's identity and tenant. Requests without an
// Authorization header pass through unauthenticated; handlers that need an
// identity reject them via RequireAuth.
func AuthMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		auth := c.Request.Header.Get("Authorization")

		if auth == "" {
			c.Next()
			return
		}

		token := strings.TrimPrefix(auth, "Bearer ")

		validated, err := utils.JwtValidate(token)
		if err != nil || !validated.Valid {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			c.Abort()
			return
		}

		claims, ok := validated.Claims.(*utils.JwtCustomClaim)
		if !ok {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			c.Abort()
			return
		}

		ctx := utils.SetTokenInContext(c.Request.Context(), token)
		ctx = utils.SetUserIdInContext(ctx, claims.ID)
		ctx = utils.SetUsernameInContext(ctx, claims.Username)
		ctx = utils.SetRoleInContext(ctx, claims.Role)
		ctx = utils.SetChurchIdInContext(ctx, claims.ChurchId)
		if models.UserRole(claims.Role) == models.UserRoleAdmin {
			ctx = utils.SetIsAdminInContext(ctx, true)
		}
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}

// RequireAuth aborts with 401 when AuthMiddleware did not establish an
// identity. Mount after AuthMiddleware on protected routes.
func RequireAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		if _, ok := utils.GetUserIdFromContext(c.Request.Context()); !ok {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			c.Abort()
			return
		}
		c.Next()
	}
}
