package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"unicode"

	"github.com/labcore/sample-custody/internal/model"
)

// RegisterRequest creates a sample.  ParentID makes it an aliquot of an
// existing sample.
type RegisterRequest struct {
	ID       string
	ParentID string
	Actor    model.Actor
}

// Register creates a sample at stage registered with version 1.
// Registration is not a transition and appends no history row.
func (e *Engine) Register(ctx context.Context, req RegisterRequest) (*model.Sample, error) {
	id := strings.TrimSpace(req.ID)
	if err := validSampleID(id); err != nil {
		return nil, err
	}
	parent := strings.TrimSpace(req.ParentID)

	tx, err := e.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	now := e.clock()
	s := &model.Sample{
		ID:        id,
		Stage:     model.StageRegistered,
		Version:   1,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if parent != "" {
		if parent == id {
			return nil, fmt.Errorf("%w: sample %s cannot be its own parent", model.ErrInvalidInput, id)
		}
		// The new id does not exist yet, so it cannot be an ancestor of
		// parent and the tree stays acyclic.
		if _, err := e.samples.GetTx(ctx, tx, parent); err != nil {
			if errors.Is(err, model.ErrEntityNotFound) {
				return nil, fmt.Errorf("%w: parent sample %s does not exist", model.ErrInvalidInput, parent)
			}
			return nil, err
		}
		s.ParentID = &parent
	}
	if err := e.samples.CreateTx(ctx, tx, s); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	e.log.Info().Str("sample_id", id).Str("parent_id", parent).Str("actor", req.Actor.ID).Msg("sample registered")
	return s, nil
}

func validSampleID(id string) error {
	if id == "" || len(id) > MaxSampleIDLength {
		return fmt.Errorf("%w: sample id must be 1-%d characters", model.ErrInvalidInput, MaxSampleIDLength)
	}
	for _, r := range id {
		if unicode.IsSpace(r) || !unicode.IsPrint(r) {
			return fmt.Errorf("%w: sample id %q contains whitespace or control characters", model.ErrInvalidInput, id)
		}
	}
	return nil
}

// Get returns the current state of a sample.
func (e *Engine) Get(ctx context.Context, id string) (*model.Sample, error) {
	return e.samples.Get(ctx, id)
}

// Children returns the aliquots of a sample.
func (e *Engine) Children(ctx context.Context, id string) ([]model.Sample, error) {
	return e.samples.ListChildren(ctx, id)
}

// History returns the chain-of-custody trail of a sample, oldest first.  The
// trail survives a hard delete.
func (e *Engine) History(ctx context.Context, id string) ([]model.StatusTransition, error) {
	h, err := e.transitions.ListBySample(ctx, id)
	if err != nil {
		return nil, err
	}
	if len(h) == 0 {
		if _, err := e.samples.Get(ctx, id); err != nil {
			return nil, err
		}
	}
	return h, nil
}

// Delete hard-deletes a sample.  Only supervisors may delete, and only a
// sample that is neither stored in a slot nor the parent of an aliquot.
func (e *Engine) Delete(ctx context.Context, id string, actor model.Actor) error {
	if !actor.CanOverride() {
		return fmt.Errorf("%s may not delete samples: %w", actor.Role, model.ErrForbidden)
	}
	tx, err := e.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	s, err := e.samples.GetTx(ctx, tx, id)
	if err != nil {
		return err
	}
	if s.SlotID != nil {
		return fmt.Errorf("sample %s is stored in slot %d: %w", id, *s.SlotID, model.ErrSampleAlreadyPlaced)
	}
	n, err := e.samples.CountChildrenTx(ctx, tx, id)
	if err != nil {
		return err
	}
	if n > 0 {
		return fmt.Errorf("%w: sample %s has %d aliquots", model.ErrInvalidInput, id, n)
	}
	if err := e.samples.DeleteTx(ctx, tx, id); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	e.log.Info().Str("sample_id", id).Str("actor", actor.ID).Msg("sample deleted")
	return nil
}
