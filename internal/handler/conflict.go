package handler

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/labcore/sample-custody/internal/conflict"
	"github.com/labcore/sample-custody/internal/model"
)

// ConflictHandler exposes the conflict reporter to operators.
type ConflictHandler struct {
	Reporter *conflict.Reporter
	Log      zerolog.Logger
}

// NewConflictHandler constructs a ConflictHandler.  The reporter must be non-nil.
func NewConflictHandler(reporter *conflict.Reporter, log zerolog.Logger) *ConflictHandler {
	if reporter == nil {
		panic("nil reporter passed to NewConflictHandler")
	}
	return &ConflictHandler{Reporter: reporter, Log: log}
}

// filterFrom reads the listing filter from the query string.  Times are
// RFC 3339.
func filterFrom(c echo.Context) (conflict.Filter, error) {
	f := conflict.Filter{
		EntityType: model.EntityType(c.QueryParam("entity_type")),
		EntityID:   c.QueryParam("entity_id"),
		SessionID:  c.QueryParam("session_id"),
		Resolution: model.Resolution(c.QueryParam("resolution")),
	}
	for name, dst := range map[string]*time.Time{"from": &f.From, "to": &f.To} {
		if raw := c.QueryParam(name); raw != "" {
			t, err := time.Parse(time.RFC3339, raw)
			if err != nil {
				return f, fmt.Errorf("%w: %s must be RFC 3339", model.ErrInvalidInput, name)
			}
			*dst = t
		}
	}
	for name, dst := range map[string]*int{"limit": &f.Limit, "offset": &f.Offset} {
		if raw := c.QueryParam(name); raw != "" {
			n, err := strconv.Atoi(raw)
			if err != nil || n < 0 {
				return f, fmt.Errorf("%w: %s must be a non-negative integer", model.ErrInvalidInput, name)
			}
			*dst = n
		}
	}
	return f, nil
}

// List handles GET /v1/conflicts.
func (h *ConflictHandler) List(c echo.Context) error {
	f, err := filterFrom(c)
	if err != nil {
		return respondError(c, h.Log, err)
	}
	out, err := h.Reporter.List(c.Request().Context(), f)
	if err != nil {
		return respondError(c, h.Log, err)
	}
	return c.JSON(http.StatusOK, out)
}

// Get handles GET /v1/conflicts/:id.
func (h *ConflictHandler) Get(c echo.Context) error {
	rec, err := h.Reporter.Get(c.Request().Context(), c.Param("id"))
	if err != nil {
		return respondError(c, h.Log, err)
	}
	return c.JSON(http.StatusOK, rec)
}

type acceptRequest struct {
	Note string `json:"note" validate:"max=1000"`
}

// Accept handles POST /v1/conflicts/:id/accept.
func (h *ConflictHandler) Accept(c echo.Context) error {
	a, ok := actor(c)
	if !ok {
		return nil
	}
	var body acceptRequest
	if c.Request().ContentLength != 0 {
		if err := bindBody(c, &body); err != nil {
			return respondError(c, h.Log, err)
		}
	}
	rec, err := h.Reporter.Accept(c.Request().Context(), c.Param("id"), a, body.Note)
	if err != nil {
		return respondError(c, h.Log, err)
	}
	return c.JSON(http.StatusOK, rec)
}

type overrideRequest struct {
	Version        *uint64 `json:"version" validate:"required"`
	OverrideReason string  `json:"override_reason" validate:"max=500"`
	Note           string  `json:"note" validate:"max=1000"`
}

// Override handles POST /v1/conflicts/:id/override.  version is the
// target's current version as the operator saw it.
func (h *ConflictHandler) Override(c echo.Context) error {
	a, ok := actor(c)
	if !ok {
		return nil
	}
	var body overrideRequest
	if err := bindBody(c, &body); err != nil {
		return respondError(c, h.Log, err)
	}
	rec, err := h.Reporter.Override(c.Request().Context(), c.Param("id"), a, conflict.Reapply{
		Version:        *body.Version,
		OverrideReason: body.OverrideReason,
		Note:           body.Note,
	})
	if err != nil {
		return respondError(c, h.Log, err)
	}
	return c.JSON(http.StatusOK, rec)
}
