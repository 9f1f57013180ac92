package handler

import (
	"errors"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/labcore/sample-custody/internal/model"
)

// respondError renders err as an echo.Map{"error": ...} body with the
// status its sentinel maps to.  Details the caller needs to recover (the
// current stage, version, claim holder or occupant) are added to the body.
// Unrecognised errors are logged and reported as 500.
func respondError(c echo.Context, log zerolog.Logger, err error) error {
	var (
		transition *model.TransitionError
		stale      *model.StaleError
		locked     *model.LockedError
		occupied   *model.SlotOccupiedError
	)
	switch {
	case errors.As(err, &transition):
		allowed := transition.From.Successors()
		if allowed == nil {
			allowed = []model.Stage{}
		}
		return c.JSON(http.StatusConflict, echo.Map{
			"error":         err.Error(),
			"current_stage": transition.From,
			"allowed":       allowed,
		})
	case errors.As(err, &stale):
		return c.JSON(http.StatusConflict, echo.Map{"error": err.Error(), "current_version": stale.Current})
	case errors.As(err, &locked):
		body := echo.Map{"error": err.Error()}
		if locked.Holder != "" {
			body["holder"] = locked.Holder
			body["expires_at"] = locked.ExpiresAt.UTC().Format(time.RFC3339Nano)
		}
		return c.JSON(http.StatusLocked, body)
	case errors.As(err, &occupied):
		return c.JSON(http.StatusConflict, echo.Map{"error": err.Error(), "occupant": occupied.OccupantID})
	case errors.Is(err, model.ErrAlreadyLocked):
		return c.JSON(http.StatusLocked, echo.Map{"error": err.Error()})
	case errors.Is(err, model.ErrStaleState),
		errors.Is(err, model.ErrSampleAlreadyPlaced),
		errors.Is(err, model.ErrSlotRetired),
		errors.Is(err, model.ErrDuplicate):
		return c.JSON(http.StatusConflict, echo.Map{"error": err.Error()})
	case errors.Is(err, model.ErrClaimExpired):
		return c.JSON(http.StatusGone, echo.Map{"error": err.Error()})
	case errors.Is(err, model.ErrClaimMismatch), errors.Is(err, model.ErrForbidden):
		return c.JSON(http.StatusForbidden, echo.Map{"error": err.Error()})
	case errors.Is(err, model.ErrEntityNotFound):
		return c.JSON(http.StatusNotFound, echo.Map{"error": err.Error()})
	case errors.Is(err, model.ErrInvalidInput), errors.Is(err, model.ErrSequenceReused):
		return c.JSON(http.StatusBadRequest, echo.Map{"error": err.Error()})
	}
	log.Error().Err(err).Str("method", c.Request().Method).Str("route", c.Path()).Msg("request failed")
	return c.JSON(http.StatusInternalServerError, echo.Map{"error": "internal error"})
}
