package handler

import (
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/labcore/sample-custody/internal/allocation"
	"github.com/labcore/sample-custody/internal/model"
)

// StorageHandler exposes boxes, slots and the claim protocol.
type StorageHandler struct {
	Pool *allocation.Pool
	Log  zerolog.Logger
}

// NewStorageHandler constructs a StorageHandler.  The pool must be non-nil.
func NewStorageHandler(pool *allocation.Pool, log zerolog.Logger) *StorageHandler {
	if pool == nil {
		panic("nil pool passed to NewStorageHandler")
	}
	return &StorageHandler{Pool: pool, Log: log}
}

type boxRequest struct {
	Freezer string `json:"freezer" validate:"required,max=64"`
	Rack    string `json:"rack" validate:"required,max=64"`
	Label   string `json:"label" validate:"required,max=64"`
	Rows    uint32 `json:"rows" validate:"required,min=1,max=32"`
	Cols    uint32 `json:"cols" validate:"required,min=1,max=32"`
}

// CreateBox handles POST /v1/boxes (SUPERVISOR) and provisions the box
// with one empty slot per cell.
func (h *StorageHandler) CreateBox(c echo.Context) error {
	var body boxRequest
	if err := bindBody(c, &body); err != nil {
		return respondError(c, h.Log, err)
	}
	box, err := h.Pool.ProvisionBox(c.Request().Context(), body.Freezer, body.Rack, body.Label, body.Rows, body.Cols)
	if err != nil {
		return respondError(c, h.Log, err)
	}
	return c.JSON(http.StatusCreated, box)
}

// BoxSlots handles GET /v1/boxes/:id/slots and returns the grid in
// row-major order.
func (h *StorageHandler) BoxSlots(c echo.Context) error {
	id, err := pathUint(c, "id")
	if err != nil {
		return respondError(c, h.Log, err)
	}
	box, slots, err := h.Pool.Layout(c.Request().Context(), id)
	if err != nil {
		return respondError(c, h.Log, err)
	}
	return c.JSON(http.StatusOK, echo.Map{"box": box, "slots": slots})
}

// GetSlot handles GET /v1/slots/:id.
func (h *StorageHandler) GetSlot(c echo.Context) error {
	id, err := pathUint(c, "id")
	if err != nil {
		return respondError(c, h.Log, err)
	}
	s, err := h.Pool.Slot(c.Request().Context(), id)
	if err != nil {
		return respondError(c, h.Log, err)
	}
	return c.JSON(http.StatusOK, s)
}

// Locate handles GET /v1/slots/locate?freezer=&rack=&box=&row=&col=.
func (h *StorageHandler) Locate(c echo.Context) error {
	row, errRow := strconv.ParseUint(c.QueryParam("row"), 10, 32)
	col, errCol := strconv.ParseUint(c.QueryParam("col"), 10, 32)
	if errRow != nil || errCol != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "row and col must be positive integers"})
	}
	s, err := h.Pool.Locate(c.Request().Context(), c.QueryParam("freezer"), c.QueryParam("rack"), c.QueryParam("box"),
		uint32(row), uint32(col))
	if err != nil {
		return respondError(c, h.Log, err)
	}
	return c.JSON(http.StatusOK, s)
}

type claimRequest struct {
	TTLSeconds int `json:"ttl_seconds" validate:"min=0"`
}

// Claim handles POST /v1/slots/:id/claim.  The caller becomes the holder;
// the response carries the token Occupy needs.  An empty body claims for
// the default TTL.
func (h *StorageHandler) Claim(c echo.Context) error {
	a, ok := actor(c)
	if !ok {
		return nil
	}
	id, err := pathUint(c, "id")
	if err != nil {
		return respondError(c, h.Log, err)
	}
	var body claimRequest
	if c.Request().ContentLength != 0 {
		if err := bindBody(c, &body); err != nil {
			return respondError(c, h.Log, err)
		}
	}
	claim, err := h.Pool.Claim(c.Request().Context(), id, a.ID, time.Duration(body.TTLSeconds)*time.Second)
	if err != nil {
		return respondError(c, h.Log, err)
	}
	return c.JSON(http.StatusCreated, claim)
}

type occupyRequest struct {
	SampleID  string     `json:"sample_id" validate:"required,max=64"`
	Token     string     `json:"token" validate:"required"`
	ExpiresAt *time.Time `json:"expires_at"`
}

// Occupy handles POST /v1/slots/:id/occupy with the caller's live claim.
// Echoing the claim's expires_at lets a lapsed claim that was already
// swept report as expired rather than mismatched.
func (h *StorageHandler) Occupy(c echo.Context) error {
	a, ok := actor(c)
	if !ok {
		return nil
	}
	id, err := pathUint(c, "id")
	if err != nil {
		return respondError(c, h.Log, err)
	}
	var body occupyRequest
	if err := bindBody(c, &body); err != nil {
		return respondError(c, h.Log, err)
	}
	ctx := c.Request().Context()
	claim := model.Claim{SlotID: id, Holder: a.ID, Token: body.Token}
	if body.ExpiresAt != nil {
		claim.ExpiresAt = *body.ExpiresAt
	}
	if err := h.Pool.Occupy(ctx, id, body.SampleID, claim); err != nil {
		return respondError(c, h.Log, err)
	}
	s, err := h.Pool.Slot(ctx, id)
	if err != nil {
		return respondError(c, h.Log, err)
	}
	return c.JSON(http.StatusOK, s)
}

// Release handles DELETE /v1/slots/:id/occupant.  Releasing an empty slot
// succeeds without changes.
func (h *StorageHandler) Release(c echo.Context) error {
	id, err := pathUint(c, "id")
	if err != nil {
		return respondError(c, h.Log, err)
	}
	if err := h.Pool.Release(c.Request().Context(), id); err != nil {
		return respondError(c, h.Log, err)
	}
	return c.NoContent(http.StatusNoContent)
}

// Retire handles POST /v1/slots/:id/retire (SUPERVISOR).
func (h *StorageHandler) Retire(c echo.Context) error {
	id, err := pathUint(c, "id")
	if err != nil {
		return respondError(c, h.Log, err)
	}
	if err := h.Pool.RetireSlot(c.Request().Context(), id); err != nil {
		return respondError(c, h.Log, err)
	}
	return c.NoContent(http.StatusNoContent)
}
