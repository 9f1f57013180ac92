package syncer

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/labcore/sample-custody/internal/lifecycle"
	"github.com/labcore/sample-custody/internal/model"
)

// ApplyTx applies m against the current state inside tx through the
// lifecycle engine or the allocation pool.  The target must still be at
// m.ObservedVersion.  Errors wrap the model sentinels; ConflictReason maps
// the domain ones to a conflict reason.  A mutation stored with a malformed
// operation or payload fails with model.ErrInvalidInput.
func (e *Engine) ApplyTx(ctx context.Context, tx *sql.Tx, m model.QueuedMutation) error {
	if err := normalizeBody(&m); err != nil {
		return err
	}
	switch m.Operation {
	case model.OpSetStage:
		sample, err := e.samples.GetTx(ctx, tx, m.EntityID)
		if err != nil {
			return err
		}
		if sample.Version != m.ObservedVersion {
			return &model.StaleError{EntityType: model.EntitySample, EntityID: sample.ID, Expected: m.ObservedVersion, Current: sample.Version}
		}
		req := lifecycle.Request{
			SampleID:        sample.ID,
			Target:          m.Payload.Stage,
			Actor:           m.Actor,
			ExpectedVersion: &m.ObservedVersion,
		}
		if m.Payload.OverrideReason != nil {
			req.OverrideReason = *m.Payload.OverrideReason
		}
		_, err = e.lifecycle.TransitionTx(ctx, tx, req)
		return err

	case model.OpAssignSlot, model.OpReleaseSlot:
		slotID, err := strconv.ParseUint(m.EntityID, 10, 64)
		if err != nil {
			return fmt.Errorf("%w: slot id %q", model.ErrInvalidInput, m.EntityID)
		}
		slot, err := e.slots.GetTx(ctx, tx, slotID)
		if err != nil {
			return err
		}
		if slot.Retired {
			return fmt.Errorf("slot %d: %w", slotID, model.ErrSlotRetired)
		}
		if slot.Version != m.ObservedVersion {
			return &model.StaleError{EntityType: model.EntitySlot, EntityID: m.EntityID, Expected: m.ObservedVersion, Current: slot.Version}
		}
		if m.Operation == model.OpAssignSlot {
			return e.pool.AssignTx(ctx, tx, slotID, m.Payload.SampleID, m.ObservedVersion)
		}
		_, err = e.pool.ReleaseTx(ctx, tx, slotID, &m.ObservedVersion)
		return err
	}
	return fmt.Errorf("%w: unknown operation %q", model.ErrInvalidInput, m.Operation)
}

// ConflictReason maps a domain error raised while applying a mutation to
// the conflict reason recorded for it.  Other errors are infrastructure
// failures and report false.
func ConflictReason(err error) (model.ConflictReason, bool) {
	switch {
	case errors.Is(err, model.ErrEntityNotFound):
		return model.ReasonNotFound, true
	case errors.Is(err, model.ErrSlotRetired):
		return model.ReasonRetired, true
	case errors.Is(err, model.ErrStaleState):
		return model.ReasonVersionMismatch, true
	case errors.Is(err, model.ErrIllegalTransition):
		return model.ReasonIllegalTransition, true
	case errors.Is(err, model.ErrSlotOccupied), errors.Is(err, model.ErrSampleAlreadyPlaced):
		return model.ReasonSlotOccupied, true
	case errors.Is(err, model.ErrAlreadyLocked):
		return model.ReasonSlotLocked, true
	case errors.Is(err, model.ErrForbidden):
		return model.ReasonForbidden, true
	case errors.Is(err, model.ErrInvalidInput):
		return model.ReasonInvalid, true
	}
	return "", false
}

// snapshot reads the server's current value of m's target and the value m
// would have produced from it.  A missing target has no server value, and
// a mutation naming no known entity type has neither.
func (e *Engine) snapshot(ctx context.Context, tx *sql.Tx, m model.QueuedMutation) (server, proposed json.RawMessage, version *uint64, err error) {
	next := m.ObservedVersion + 1
	switch m.EntityType {
	case model.EntitySample:
		sample, err := e.samples.GetTx(ctx, tx, m.EntityID)
		if errors.Is(err, model.ErrEntityNotFound) {
			proposed, err = json.Marshal(map[string]any{"id": m.EntityID, "stage": m.Payload.Stage, "version": next})
			return nil, proposed, nil, err
		}
		if err != nil {
			return nil, nil, nil, err
		}
		if server, err = json.Marshal(sample); err != nil {
			return nil, nil, nil, err
		}
		v := sample.Version
		after := *sample
		after.Stage = m.Payload.Stage
		after.Version = next
		proposed, err = json.Marshal(after)
		return server, proposed, &v, err

	case model.EntitySlot:
		slotID, _ := strconv.ParseUint(m.EntityID, 10, 64)
		slot, err := e.slots.GetTx(ctx, tx, slotID)
		if errors.Is(err, model.ErrEntityNotFound) {
			proposed, err = json.Marshal(map[string]any{"id": slotID, "occupant_id": proposedOccupant(m), "version": next})
			return nil, proposed, nil, err
		}
		if err != nil {
			return nil, nil, nil, err
		}
		if server, err = json.Marshal(slot); err != nil {
			return nil, nil, nil, err
		}
		v := slot.Version
		after := *slot
		after.OccupantID = proposedOccupant(m)
		after.LockHolder, after.LockToken, after.LockExpiresAt = nil, nil, nil
		after.Version = next
		proposed, err = json.Marshal(after)
		return server, proposed, &v, err
	}
	return nil, nil, nil, nil
}

func proposedOccupant(m model.QueuedMutation) *string {
	if m.Operation != model.OpAssignSlot {
		return nil
	}
	id := m.Payload.SampleID
	return &id
}
