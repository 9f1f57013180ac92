package handler

import (
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/labcore/sample-custody/internal/lifecycle"
	"github.com/labcore/sample-custody/internal/model"
)

// SampleHandler exposes sample registration and the lifecycle engine.
type SampleHandler struct {
	Engine *lifecycle.Engine
	Log    zerolog.Logger
}

// NewSampleHandler constructs a SampleHandler.  The engine must be non-nil.
func NewSampleHandler(engine *lifecycle.Engine, log zerolog.Logger) *SampleHandler {
	if engine == nil {
		panic("nil engine passed to NewSampleHandler")
	}
	return &SampleHandler{Engine: engine, Log: log}
}

type stageEntry struct {
	Stage      model.Stage   `json:"stage"`
	Terminal   bool          `json:"terminal"`
	Successors []model.Stage `json:"successors"`
}

// Stages handles GET /v1/lifecycle/stages and returns the
// permitted-successor table.
func (h *SampleHandler) Stages(c echo.Context) error {
	out := make([]stageEntry, 0, len(model.AllStages()))
	for _, s := range model.AllStages() {
		next := s.Successors()
		if next == nil {
			next = []model.Stage{}
		}
		out = append(out, stageEntry{Stage: s, Terminal: s.Terminal(), Successors: next})
	}
	return c.JSON(http.StatusOK, out)
}

type registerRequest struct {
	ID       string `json:"id" validate:"required,max=64"`
	ParentID string `json:"parent_id" validate:"max=64"`
}

// Register handles POST /v1/samples.  The new sample starts at registered
// with version 1.
func (h *SampleHandler) Register(c echo.Context) error {
	a, ok := actor(c)
	if !ok {
		return nil
	}
	var body registerRequest
	if err := bindBody(c, &body); err != nil {
		return respondError(c, h.Log, err)
	}
	s, err := h.Engine.Register(c.Request().Context(), lifecycle.RegisterRequest{ID: body.ID, ParentID: body.ParentID, Actor: a})
	if err != nil {
		return respondError(c, h.Log, err)
	}
	return c.JSON(http.StatusCreated, s)
}

// Get handles GET /v1/samples/:id.  The response lists the ids of the
// sample's aliquots.
func (h *SampleHandler) Get(c echo.Context) error {
	ctx := c.Request().Context()
	s, err := h.Engine.Get(ctx, c.Param("id"))
	if err != nil {
		return respondError(c, h.Log, err)
	}
	children, err := h.Engine.Children(ctx, s.ID)
	if err != nil {
		return respondError(c, h.Log, err)
	}
	ids := make([]string, 0, len(children))
	for _, ch := range children {
		ids = append(ids, ch.ID)
	}
	return c.JSON(http.StatusOK, echo.Map{"sample": s, "children": ids})
}

// Delete handles DELETE /v1/samples/:id (SUPERVISOR).
func (h *SampleHandler) Delete(c echo.Context) error {
	a, ok := actor(c)
	if !ok {
		return nil
	}
	if err := h.Engine.Delete(c.Request().Context(), c.Param("id"), a); err != nil {
		return respondError(c, h.Log, err)
	}
	return c.NoContent(http.StatusNoContent)
}

type transitionRequest struct {
	Target          model.Stage `json:"target" validate:"required"`
	OverrideReason  string      `json:"override_reason" validate:"max=500"`
	ExpectedVersion *uint64     `json:"expected_version"`
}

// Transition handles POST /v1/samples/:id/transitions.
func (h *SampleHandler) Transition(c echo.Context) error {
	a, ok := actor(c)
	if !ok {
		return nil
	}
	var body transitionRequest
	if err := bindBody(c, &body); err != nil {
		return respondError(c, h.Log, err)
	}
	target, err := model.ParseStage(string(body.Target))
	if err != nil {
		return respondError(c, h.Log, err)
	}
	t, err := h.Engine.TransitionWithRetry(c.Request().Context(), lifecycle.Request{
		SampleID:        c.Param("id"),
		Target:          target,
		Actor:           a,
		OverrideReason:  body.OverrideReason,
		ExpectedVersion: body.ExpectedVersion,
	})
	if err != nil {
		return respondError(c, h.Log, err)
	}
	return c.JSON(http.StatusCreated, t)
}

// History handles GET /v1/samples/:id/history.
func (h *SampleHandler) History(c echo.Context) error {
	rows, err := h.Engine.History(c.Request().Context(), c.Param("id"))
	if err != nil {
		return respondError(c, h.Log, err)
	}
	return c.JSON(http.StatusOK, rows)
}
