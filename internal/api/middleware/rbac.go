package middleware

import (
	"slices"

	"github.com/gin-gonic/gin"

	apperrors "ledgerwatch.io/ledgerwatch/internal/pkg/errors"
)

// RoleAdmin is the super-user role. It satisfies every RequireRole check.
const RoleAdmin = "admin"

// RequireRole returns middleware that admits authenticated callers holding
// at least one of roles, taken from the token's roles claim. With no roles
// it only requires authentication.
func RequireRole(roles ...string) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := c.Request.Context()
		if GetUserID(ctx) == "" {
			Fail(c, apperrors.Unauthorized(apperrors.CodeUnauthorized, "authentication required"))
			return
		}
		if len(roles) == 0 {
			c.Next()
			return
		}

		held := GetRoles(ctx)
		if slices.Contains(held, RoleAdmin) || slices.ContainsFunc(held, func(r string) bool {
			return slices.Contains(roles, r)
		}) {
			c.Next()
			return
		}

		Fail(c, apperrors.Forbidden(apperrors.CodeForbidden, "insufficient role"))
	}
}
