package middleware

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/stemsi/exstem-guard/internal/response"
)

// RequirePermission checks that the admin JWT grants every listed permission.
// A denial names the first missing one so a proctor knows what to ask for.
// Must run after RequireAdminJWT.
func RequirePermission(permissions ...string) gin.HandlerFunc {
	return func(c *gin.Context) {
		claims := GetClaims(c)
		if claims == nil {
			response.AbortFail(c, http.StatusUnauthorized, response.ErrTokenRequired)
			return
		}

		for _, p := range permissions {
			if !claims.HasPermission(p) {
				response.AbortFailWithFields(c, http.StatusForbidden, response.ErrPermissionDenied,
					map[string]string{"permission": p})
				return
			}
		}
		c.Next()
	}
}
