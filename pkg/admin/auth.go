package admin

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/ledgerpulse/ledgerpulse/pkg/auth"
)

const claimsKey = "admin_claims"

// RequireAdminToken accepts `Authorization: Bearer <jwt>` tokens that the
// validator accepts and that carry the admin role.
func RequireAdminToken(validator auth.JWTValidator) gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		scheme, token, ok := strings.Cut(header, " ")
		if !ok || !strings.EqualFold(scheme, "Bearer") || strings.TrimSpace(token) == "" {
			abort(c, http.StatusUnauthorized, "unauthorized", "missing bearer token")
			return
		}
		claims, err := validator.Validate(c.Request.Context(), strings.TrimSpace(token))
		if err != nil {
			abort(c, http.StatusUnauthorized, "unauthorized", "invalid token")
			return
		}
		if !claims.HasRole(auth.RoleAdmin) {
			abort(c, http.StatusForbidden, "forbidden", "admin role required")
			return
		}
		c.Set(claimsKey, claims)
		c.Request = c.Request.WithContext(auth.WithClaims(c.Request.Context(), claims))
		c.Next()
	}
}
