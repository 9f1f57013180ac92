package repository

import (
	"context"
	"database/sql"

	"github.com/labcore/sample-custody/internal/model"
)

// TransitionRepo appends to and reads the status_transitions trail.  It has
// no update or delete methods: the trail is the chain of custody.
type TransitionRepo struct {
	db *sql.DB
}

// NewTransitionRepo returns a new TransitionRepo bound to the provided database.
func NewTransitionRepo(db *sql.DB) *TransitionRepo { return &TransitionRepo{db: db} }

// AppendTx inserts t and sets t.ID.
func (r *TransitionRepo) AppendTx(ctx context.Context, tx *sql.Tx, t *model.StatusTransition) error {
	res, err := tx.ExecContext(ctx,
		`INSERT INTO status_transitions (sample_id, from_stage, to_stage, actor_id, actor_role, override_reason, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		t.SampleID, string(t.FromStage), string(t.ToStage), t.ActorID, string(t.ActorRole),
		nullString(t.OverrideReason), t.CreatedAt,
	)
	if err != nil {
		return err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return err
	}
	t.ID = uint64(id)
	return nil
}

// ListBySample returns the trail of a sample oldest first.  The trail of a
// hard-deleted sample is still returned.
func (r *TransitionRepo) ListBySample(ctx context.Context, sampleID string) ([]model.StatusTransition, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, sample_id, from_stage, to_stage, actor_id, actor_role, override_reason, created_at
		 FROM status_transitions WHERE sample_id = ? ORDER BY id`, sampleID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []model.StatusTransition{}
	for rows.Next() {
		var (
			t      model.StatusTransition
			reason sql.NullString
		)
		if err := rows.Scan(&t.ID, &t.SampleID, &t.FromStage, &t.ToStage, &t.ActorID, &t.ActorRole, &reason, &t.CreatedAt); err != nil {
			return nil, err
		}
		t.OverrideReason = stringPtr(reason)
		t.CreatedAt = t.CreatedAt.UTC()
		out = append(out, t)
	}
	return out, rows.Err()
}
