// Package conflict is the operator-facing side of the conflict records the
// sync engine writes: listing them and settling each one, either by
// accepting the server state or by re-applying the recorded change.
package conflict

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/labcore/sample-custody/internal/metrics"
	"github.com/labcore/sample-custody/internal/model"
	"github.com/labcore/sample-custody/internal/repository"
)

// MaxNoteLength bounds operator resolution notes.
const MaxNoteLength = 1000

// Filter narrows a listing; see repository.ConflictFilter.
type Filter = repository.ConflictFilter

// Applier applies a queued mutation inside a transaction.  *syncer.Engine
// implements it.
type Applier interface {
	ApplyTx(ctx context.Context, tx *sql.Tx, m model.QueuedMutation) error
}

// Reapply describes a manual override.  Version is the target's current
// version as the operator saw it while reviewing the conflict.
type Reapply struct {
	Version        uint64
	OverrideReason string
	Note           string
}

// Reporter lists and resolves conflicts.
type Reporter struct {
	db        *sql.DB
	conflicts *repository.ConflictRepo
	mutations *repository.MutationRepo
	applier   Applier
	now       func() time.Time
	log       zerolog.Logger
}

// NewReporter constructs a Reporter.
func NewReporter(db *sql.DB, applier Applier, now func() time.Time, log zerolog.Logger) *Reporter {
	if now == nil {
		now = time.Now
	}
	return &Reporter{
		db:        db,
		conflicts: repository.NewConflictRepo(db),
		mutations: repository.NewMutationRepo(db),
		applier:   applier,
		now:       now,
		log:       log,
	}
}

// List returns the conflicts matching f, newest first.
func (r *Reporter) List(ctx context.Context, f Filter) ([]model.ConflictRecord, error) {
	if f.Resolution != "" {
		if _, ok := model.ParseResolution(string(f.Resolution)); !ok {
			return nil, fmt.Errorf("%w: unknown resolution %q", model.ErrInvalidInput, f.Resolution)
		}
	}
	if !f.From.IsZero() && !f.To.IsZero() && !f.From.Before(f.To) {
		return nil, fmt.Errorf("%w: from must be before to", model.ErrInvalidInput)
	}
	return r.conflicts.List(ctx, f)
}

// Get returns one conflict.
func (r *Reporter) Get(ctx context.Context, id string) (*model.ConflictRecord, error) {
	return r.conflicts.Get(ctx, id)
}

// Accept settles the conflict as reviewed with the server state kept.
func (r *Reporter) Accept(ctx context.Context, id string, actor model.Actor, note string) (*model.ConflictRecord, error) {
	n, err := reviewNote(actor, note)
	if err != nil {
		return nil, err
	}
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	if err := r.conflicts.ResolveTx(ctx, tx, id, model.ResolutionAccepted, actor.ID, n, r.clock()); err != nil {
		_ = tx.Rollback()
		return nil, r.unresolved(ctx, id, err)
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	metrics.RecordResolution(string(model.ResolutionAccepted))
	r.log.Info().Str("conflict_id", id).Str("actor", actor.ID).Msg("conflict accepted")
	return r.conflicts.Get(ctx, id)
}

// Override re-applies the conflicted change as a new operation by actor
// against the target at re.Version, and settles the conflict as
// manual_override in the same transaction.  The change goes through the
// same applier as the sync engine, so every lifecycle and occupancy rule
// still holds; a failure leaves the conflict unresolved.
func (r *Reporter) Override(ctx context.Context, id string, actor model.Actor, re Reapply) (*model.ConflictRecord, error) {
	n, err := reviewNote(actor, re.Note)
	if err != nil {
		return nil, err
	}
	c, err := r.conflicts.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if c.Resolution != model.ResolutionServerWins {
		return nil, fmt.Errorf("conflict %s already %s: %w", id, c.Resolution, model.ErrStaleState)
	}
	orig, err := r.mutations.GetByKey(ctx, c.MutationKey)
	if err != nil {
		return nil, err
	}

	m := *orig
	m.ObservedVersion = re.Version
	m.Actor = actor
	if reason := strings.TrimSpace(re.OverrideReason); reason != "" {
		if m.Operation != model.OpSetStage {
			return nil, fmt.Errorf("%w: override reason only applies to set_stage", model.ErrInvalidInput)
		}
		m.Payload.OverrideReason = &reason
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	if err := r.applier.ApplyTx(ctx, tx, m); err != nil {
		return nil, err
	}
	if err := r.conflicts.ResolveTx(ctx, tx, id, model.ResolutionManualOverride, actor.ID, n, r.clock()); err != nil {
		_ = tx.Rollback()
		return nil, r.unresolved(ctx, id, err)
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	metrics.RecordResolution(string(model.ResolutionManualOverride))
	r.log.Info().Str("conflict_id", id).Str("actor", actor.ID).Str("entity_type", string(c.EntityType)).
		Str("entity_id", c.EntityID).Uint64("version", re.Version).Msg("conflict overridden")
	return r.conflicts.Get(ctx, id)
}

func (r *Reporter) clock() time.Time { return r.now().UTC().Truncate(time.Microsecond) }

// unresolved turns a failed resolution CAS into NotFound for an unknown id.
// It reads outside any transaction.
func (r *Reporter) unresolved(ctx context.Context, id string, err error) error {
	if _, gerr := r.conflicts.Get(ctx, id); gerr != nil {
		return gerr
	}
	return err
}

// reviewNote checks that actor may resolve conflicts and normalizes the note.
func reviewNote(actor model.Actor, note string) (*string, error) {
	if actor.ID == "" {
		return nil, fmt.Errorf("%w: actor is required", model.ErrInvalidInput)
	}
	if actor.Role != model.RoleTechnician && actor.Role != model.RoleSupervisor {
		return nil, fmt.Errorf("%s may not resolve conflicts: %w", actor.Role, model.ErrForbidden)
	}
	note = strings.TrimSpace(note)
	if len(note) > MaxNoteLength {
		return nil, fmt.Errorf("%w: note longer than %d characters", model.ErrInvalidInput, MaxNoteLength)
	}
	if note == "" {
		return nil, nil
	}
	return &note, nil
}
