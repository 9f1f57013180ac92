package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/labcore/sample-custody/internal/model"
)

// SampleRepo provides data access to the samples table.  The stage, version
// and slot_id columns only change through the compare-and-swap methods.
type SampleRepo struct {
	db *sql.DB
}

// NewSampleRepo returns a new SampleRepo bound to the provided database.
func NewSampleRepo(db *sql.DB) *SampleRepo { return &SampleRepo{db: db} }

const sampleColumns = `id, stage, parent_id, version, slot_id, created_at, updated_at`

func scanSample(row interface{ Scan(...any) error }) (*model.Sample, error) {
	var (
		s      model.Sample
		parent sql.NullString
		slot   sql.NullInt64
	)
	if err := row.Scan(&s.ID, &s.Stage, &parent, &s.Version, &slot, &s.CreatedAt, &s.UpdatedAt); err != nil {
		return nil, err
	}
	s.ParentID = stringPtr(parent)
	s.SlotID = uintPtr(slot)
	s.CreatedAt = s.CreatedAt.UTC()
	s.UpdatedAt = s.UpdatedAt.UTC()
	return &s, nil
}

// CreateTx inserts a new sample.  A taken id yields model.ErrDuplicate.
func (r *SampleRepo) CreateTx(ctx context.Context, tx *sql.Tx, s *model.Sample) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO samples (id, stage, parent_id, version, slot_id, created_at, updated_at)
		 VALUES (?, ?, ?, ?, NULL, ?, ?)`,
		s.ID, string(s.Stage), nullString(s.ParentID), s.Version, s.CreatedAt, s.UpdatedAt,
	)
	return mapInsertErr(err, "sample "+s.ID)
}

// Get returns the sample with the given id.
func (r *SampleRepo) Get(ctx context.Context, id string) (*model.Sample, error) {
	return r.get(ctx, r.db, id)
}

// GetTx is Get inside tx, so the caller's later writes observe the same row.
func (r *SampleRepo) GetTx(ctx context.Context, tx *sql.Tx, id string) (*model.Sample, error) {
	return r.get(ctx, tx, id)
}

func (r *SampleRepo) get(ctx context.Context, q queryer, id string) (*model.Sample, error) {
	s, err := scanSample(q.QueryRowContext(ctx, `SELECT `+sampleColumns+` FROM samples WHERE id = ?`, id))
	if err != nil {
		return nil, notFound(err, "sample %s", id)
	}
	return s, nil
}

// ListChildren returns the aliquots derived from parentID.
func (r *SampleRepo) ListChildren(ctx context.Context, parentID string) ([]model.Sample, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+sampleColumns+` FROM samples WHERE parent_id = ? ORDER BY created_at, id`, parentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.Sample
	for rows.Next() {
		s, err := scanSample(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *s)
	}
	return out, rows.Err()
}

// CountChildrenTx returns how many samples name id as their parent.
func (r *SampleRepo) CountChildrenTx(ctx context.Context, tx *sql.Tx, id string) (int, error) {
	var n int
	err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM samples WHERE parent_id = ?`, id).Scan(&n)
	return n, err
}

// UpdateStageTx moves the sample to stage and bumps its version, provided
// the version is still expectedVersion.  Otherwise it returns
// model.ErrStaleState and changes nothing.
func (r *SampleRepo) UpdateStageTx(ctx context.Context, tx *sql.Tx, id string, stage model.Stage, expectedVersion uint64, at time.Time) error {
	res, err := tx.ExecContext(ctx,
		`UPDATE samples SET stage = ?, version = version + 1, updated_at = ?
		 WHERE id = ? AND version = ?`,
		string(stage), at, id, expectedVersion,
	)
	if err := expectOne(res, err); err != nil {
		return fmt.Errorf("update stage of sample %s: %w", id, err)
	}
	return nil
}

// SetSlotTx points the sample at slotID (nil clears it) and bumps its
// version under the same compare-and-swap as UpdateStageTx.
func (r *SampleRepo) SetSlotTx(ctx context.Context, tx *sql.Tx, id string, slotID *uint64, expectedVersion uint64, at time.Time) error {
	var slot sql.NullInt64
	if slotID != nil {
		slot = sql.NullInt64{Int64: int64(*slotID), Valid: true}
	}
	res, err := tx.ExecContext(ctx,
		`UPDATE samples SET slot_id = ?, version = version + 1, updated_at = ?
		 WHERE id = ? AND version = ?`,
		slot, at, id, expectedVersion,
	)
	if err != nil {
		if isDuplicate(err) {
			return fmt.Errorf("slot already referenced by another sample: %w", model.ErrSlotOccupied)
		}
		return err
	}
	if err := expectOne(res, nil); err != nil {
		return fmt.Errorf("update slot of sample %s: %w", id, err)
	}
	return nil
}

// ClearSlotTx drops the sample's slot reference without touching its
// version.  It is only used together with a versioned write in the same
// transaction, which carries the version bump for the combined change.
func (r *SampleRepo) ClearSlotTx(ctx context.Context, tx *sql.Tx, id string) error {
	_, err := tx.ExecContext(ctx, `UPDATE samples SET slot_id = NULL WHERE id = ?`, id)
	return err
}

// DeleteTx hard-deletes a sample.  Its history rows are kept.
func (r *SampleRepo) DeleteTx(ctx context.Context, tx *sql.Tx, id string) error {
	res, err := tx.ExecContext(ctx, `DELETE FROM samples WHERE id = ?`, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("sample %s: %w", id, model.ErrEntityNotFound)
	}
	return nil
}
