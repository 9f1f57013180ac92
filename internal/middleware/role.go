package middleware

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/labcore/sample-custody/internal/model"
)

// RequireRole returns a middleware that lets a request through only when
// the role stored by JWTAuth is one of roles.  Anything else, including a
// missing role, is answered with 403.
func RequireRole(roles ...model.Role) echo.MiddlewareFunc {
	allowed := make(map[model.Role]bool, len(roles))
	for _, r := range roles {
		allowed[r] = true
	}
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			role, ok := c.Get("role").(string)
			if !ok || !allowed[model.Role(role)] {
				return c.JSON(http.StatusForbidden, echo.Map{"error": "forbidden"})
			}
			return next(c)
		}
	}
}
