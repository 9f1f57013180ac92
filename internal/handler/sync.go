package handler

import (
	"errors"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/labcore/sample-custody/internal/model"
	"github.com/labcore/sample-custody/internal/syncer"
)

// maxPushBatch bounds the mutations accepted by one push.
const maxPushBatch = 500

// SyncHandler exposes the mutation ledger and the sync engine to
// disconnected clients coming back online.
type SyncHandler struct {
	Ledger *syncer.Ledger
	Engine *syncer.Engine
	Log    zerolog.Logger
}

// NewSyncHandler constructs a SyncHandler.  Both collaborators must be non-nil.
func NewSyncHandler(ledger *syncer.Ledger, engine *syncer.Engine, log zerolog.Logger) *SyncHandler {
	if ledger == nil || engine == nil {
		panic("nil dependency passed to NewSyncHandler")
	}
	return &SyncHandler{Ledger: ledger, Engine: engine, Log: log}
}

type mutationRequest struct {
	IdempotencyKey  string                `json:"idempotency_key" validate:"required"`
	SessionID       string                `json:"session_id" validate:"required,max=64"`
	Sequence        uint64                `json:"sequence" validate:"required,min=1"`
	EntityType      model.EntityType      `json:"entity_type"`
	EntityID        string                `json:"entity_id"`
	Operation       model.OperationKind   `json:"operation"`
	Payload         model.MutationPayload `json:"payload"`
	ObservedVersion uint64                `json:"observed_version"`
	ClientTimestamp time.Time             `json:"client_timestamp"`
}

type pushRequest struct {
	Mutations []mutationRequest `json:"mutations" validate:"required,min=1,max=500,dive"`
	Drain     bool              `json:"drain"`
}

type pushItem struct {
	IdempotencyKey string               `json:"idempotency_key"`
	Status         syncer.EnqueueStatus `json:"status,omitempty"`
	Error          string               `json:"error,omitempty"`
	Invalid        string               `json:"invalid,omitempty"`
}

// Push handles POST /v1/sync/mutations.  Each mutation is recorded under
// the caller's identity; a known idempotency key reports "duplicate" and
// changes nothing.  Rejected mutations are reported per item without
// failing the batch.  A mutation with a malformed operation or payload is
// still accepted to keep its session's sequence whole; "invalid" says why
// and the drain records it as a conflict.  With "drain": true the sessions touched are drained
// right away and their results returned.
func (h *SyncHandler) Push(c echo.Context) error {
	a, ok := actor(c)
	if !ok {
		return nil
	}
	var body pushRequest
	if err := bindBody(c, &body); err != nil {
		return respondError(c, h.Log, err)
	}
	if len(body.Mutations) > maxPushBatch {
		return c.JSON(http.StatusRequestEntityTooLarge, echo.Map{"error": "too many mutations in one push"})
	}

	batch := make([]model.QueuedMutation, 0, len(body.Mutations))
	var sessions []string
	seen := map[string]bool{}
	for _, m := range body.Mutations {
		batch = append(batch, model.QueuedMutation{
			IdempotencyKey:  m.IdempotencyKey,
			SessionID:       m.SessionID,
			Sequence:        m.Sequence,
			EntityType:      m.EntityType,
			EntityID:        m.EntityID,
			Operation:       m.Operation,
			Payload:         m.Payload,
			ObservedVersion: m.ObservedVersion,
			ClientTimestamp: m.ClientTimestamp,
			Actor:           a,
		})
		if !seen[m.SessionID] {
			seen[m.SessionID] = true
			sessions = append(sessions, m.SessionID)
		}
	}

	ctx := c.Request().Context()
	items, err := h.Ledger.EnqueueBatch(ctx, batch)
	if err != nil {
		return respondError(c, h.Log, err)
	}
	out := make([]pushItem, 0, len(items))
	for _, it := range items {
		pi := pushItem{IdempotencyKey: it.IdempotencyKey, Status: it.Status}
		if it.Error != nil {
			pi.Error = it.Error.Error()
		}
		if it.Invalid != nil {
			pi.Invalid = it.Invalid.Error()
		}
		out = append(out, pi)
	}
	resp := echo.Map{"results": out}

	if body.Drain {
		drained := make([]syncer.SyncResult, 0, len(sessions))
		for _, id := range sessions {
			res, err := h.Engine.Drain(ctx, id)
			if errors.Is(err, model.ErrEntityNotFound) {
				// Every mutation of this session was rejected.
				continue
			}
			if err != nil {
				return respondError(c, h.Log, err)
			}
			drained = append(drained, res)
		}
		resp["sync"] = drained
	}
	return c.JSON(http.StatusOK, resp)
}

// Drain handles POST /v1/sync/sessions/:id/drain.
func (h *SyncHandler) Drain(c echo.Context) error {
	res, err := h.Engine.Drain(c.Request().Context(), c.Param("id"))
	if err != nil {
		return respondError(c, h.Log, err)
	}
	return c.JSON(http.StatusOK, res)
}

// Mutation handles GET /v1/sync/mutations/:key.
func (h *SyncHandler) Mutation(c echo.Context) error {
	m, err := h.Ledger.Mutation(c.Request().Context(), c.Param("key"))
	if err != nil {
		return respondError(c, h.Log, err)
	}
	return c.JSON(http.StatusOK, m)
}
