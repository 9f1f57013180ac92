package middleware

// identity.go exposes the caller identity JWTAuth stored on the context to
// handlers and to the other middleware.

import (
	"github.com/labstack/echo/v4"

	"github.com/labcore/sample-custody/internal/model"
)

// Actor returns the authenticated caller.  ok is false on routes that did
// not run JWTAuth.
func Actor(c echo.Context) (model.Actor, bool) {
	id, _ := c.Get("user_id").(string)
	role, _ := c.Get("role").(string)
	if id == "" || role == "" {
		return model.Actor{}, false
	}
	return model.Actor{ID: id, Role: model.Role(role)}, true
}

// userID is the caller's subject, or "anon" for unauthenticated requests.
func userID(c echo.Context) string {
	if a, ok := Actor(c); ok {
		return a.ID
	}
	return "anon"
}
