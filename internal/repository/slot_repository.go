package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/labcore/sample-custody/internal/model"
)

// gridInsertChunk bounds the rows of one multi-row INSERT.
const gridInsertChunk = 200

// SlotRepo provides data access to the storage_slots table.  Claim state
// (lock_holder, lock_token, lock_expires_ms) and occupancy change
// independently; only occupancy changes bump the version.
type SlotRepo struct {
	db *sql.DB
}

// NewSlotRepo returns a new SlotRepo bound to the provided database.
func NewSlotRepo(db *sql.DB) *SlotRepo { return &SlotRepo{db: db} }

const slotColumns = `id, box_id, row_idx, col_idx, occupant_sample_id, lock_holder, lock_token, lock_expires_ms, version, retired`

func scanSlot(row interface{ Scan(...any) error }) (*model.StorageSlot, error) {
	var (
		s                    model.StorageSlot
		occupant, holder, tk sql.NullString
		expires              sql.NullInt64
	)
	if err := row.Scan(&s.ID, &s.BoxID, &s.Row, &s.Col, &occupant, &holder, &tk, &expires, &s.Version, &s.Retired); err != nil {
		return nil, err
	}
	s.OccupantID = stringPtr(occupant)
	s.LockHolder = stringPtr(holder)
	s.LockToken = stringPtr(tk)
	if expires.Valid {
		t := time.UnixMilli(expires.Int64).UTC()
		s.LockExpiresAt = &t
	}
	return &s, nil
}

// CreateGridTx inserts one slot per (row, col) cell of a rows×cols box,
// numbered from 1.
func (r *SlotRepo) CreateGridTx(ctx context.Context, tx *sql.Tx, boxID uint64, rows, cols uint32) error {
	type cell struct{ row, col uint32 }
	cells := make([]cell, 0, int(rows)*int(cols))
	for row := uint32(1); row <= rows; row++ {
		for col := uint32(1); col <= cols; col++ {
			cells = append(cells, cell{row, col})
		}
	}
	for start := 0; start < len(cells); start += gridInsertChunk {
		end := min(start+gridInsertChunk, len(cells))
		query := `INSERT INTO storage_slots (box_id, row_idx, col_idx, version, retired) VALUES `
		args := make([]any, 0, (end-start)*3)
		for i, c := range cells[start:end] {
			if i > 0 {
				query += ","
			}
			query += "(?, ?, ?, 1, 0)"
			args = append(args, boxID, c.row, c.col)
		}
		if _, err := tx.ExecContext(ctx, query, args...); err != nil {
			return mapInsertErr(err, fmt.Sprintf("slots of box %d", boxID))
		}
	}
	return nil
}

// Get returns the slot with the given id.
func (r *SlotRepo) Get(ctx context.Context, id uint64) (*model.StorageSlot, error) {
	return r.get(ctx, r.db, id)
}

// GetTx is Get inside tx.
func (r *SlotRepo) GetTx(ctx context.Context, tx *sql.Tx, id uint64) (*model.StorageSlot, error) {
	return r.get(ctx, tx, id)
}

func (r *SlotRepo) get(ctx context.Context, q queryer, id uint64) (*model.StorageSlot, error) {
	s, err := scanSlot(q.QueryRowContext(ctx, `SELECT `+slotColumns+` FROM storage_slots WHERE id = ?`, id))
	if err != nil {
		return nil, notFound(err, "slot %d", id)
	}
	return s, nil
}

// GetByLocation resolves a (freezer, rack, box label, row, col) address.
func (r *SlotRepo) GetByLocation(ctx context.Context, freezer, rack, label string, row, col uint32) (*model.StorageSlot, error) {
	s, err := scanSlot(r.db.QueryRowContext(ctx,
		`SELECT s.id, s.box_id, s.row_idx, s.col_idx, s.occupant_sample_id, s.lock_holder, s.lock_token,
		        s.lock_expires_ms, s.version, s.retired
		 FROM storage_slots s JOIN storage_boxes b ON b.id = s.box_id
		 WHERE b.freezer = ? AND b.rack = ? AND b.label = ? AND s.row_idx = ? AND s.col_idx = ?`,
		freezer, rack, label, row, col))
	if err != nil {
		return nil, notFound(err, "slot %s/%s/%s r%d c%d", freezer, rack, label, row, col)
	}
	return s, nil
}

// FindByOccupantTx returns the slot holding sampleID, or nil.
func (r *SlotRepo) FindByOccupantTx(ctx context.Context, tx *sql.Tx, sampleID string) (*model.StorageSlot, error) {
	s, err := scanSlot(tx.QueryRowContext(ctx,
		`SELECT `+slotColumns+` FROM storage_slots WHERE occupant_sample_id = ?`, sampleID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return s, err
}

// ListByBox returns every slot of a box in row-major order.
func (r *SlotRepo) ListByBox(ctx context.Context, boxID uint64) ([]model.StorageSlot, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+slotColumns+` FROM storage_slots WHERE box_id = ? ORDER BY row_idx, col_idx`, boxID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []model.StorageSlot{}
	for rows.Next() {
		s, err := scanSlot(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *s)
	}
	return out, rows.Err()
}

// ClaimTx writes a claim for holder if the slot is in service, empty, and
// either unclaimed, claimed by a lapsed holder, or already claimed by the
// same holder.  It reports whether the claim was written; the conditional
// update is the atomic step of the claim protocol.
func (r *SlotRepo) ClaimTx(ctx context.Context, tx *sql.Tx, id uint64, holder, token string, expiresAt, now time.Time) (bool, error) {
	res, err := tx.ExecContext(ctx,
		`UPDATE storage_slots SET lock_holder = ?, lock_token = ?, lock_expires_ms = ?
		 WHERE id = ? AND retired = 0 AND occupant_sample_id IS NULL
		   AND (lock_holder IS NULL OR lock_expires_ms <= ? OR lock_holder = ?)`,
		holder, token, expiresAt.UnixMilli(), id, now.UnixMilli(), holder,
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

// OccupyTx stores sampleID in an empty slot, clears any claim and bumps the
// version, provided the version is still expectedVersion.  A sample that
// already sits elsewhere yields model.ErrSampleAlreadyPlaced.
func (r *SlotRepo) OccupyTx(ctx context.Context, tx *sql.Tx, id uint64, sampleID string, expectedVersion uint64) error {
	res, err := tx.ExecContext(ctx,
		`UPDATE storage_slots
		 SET occupant_sample_id = ?, lock_holder = NULL, lock_token = NULL, lock_expires_ms = NULL, version = version + 1
		 WHERE id = ? AND version = ? AND occupant_sample_id IS NULL AND retired = 0`,
		sampleID, id, expectedVersion,
	)
	if err != nil {
		if isDuplicate(err) {
			return fmt.Errorf("sample %s: %w", sampleID, model.ErrSampleAlreadyPlaced)
		}
		return err
	}
	if err := expectOne(res, nil); err != nil {
		return fmt.Errorf("occupy slot %d: %w", id, err)
	}
	return nil
}

// ReleaseTx empties the slot, clears any claim and bumps the version,
// provided the version is still expectedVersion.
func (r *SlotRepo) ReleaseTx(ctx context.Context, tx *sql.Tx, id uint64, expectedVersion uint64) error {
	res, err := tx.ExecContext(ctx,
		`UPDATE storage_slots
		 SET occupant_sample_id = NULL, lock_holder = NULL, lock_token = NULL, lock_expires_ms = NULL, version = version + 1
		 WHERE id = ? AND version = ?`,
		id, expectedVersion,
	)
	if err := expectOne(res, err); err != nil {
		return fmt.Errorf("release slot %d: %w", id, err)
	}
	return nil
}

// RetireTx withdraws an empty slot from service permanently.
func (r *SlotRepo) RetireTx(ctx context.Context, tx *sql.Tx, id uint64, expectedVersion uint64) error {
	res, err := tx.ExecContext(ctx,
		`UPDATE storage_slots
		 SET retired = 1, lock_holder = NULL, lock_token = NULL, lock_expires_ms = NULL, version = version + 1
		 WHERE id = ? AND version = ? AND occupant_sample_id IS NULL`,
		id, expectedVersion,
	)
	if err := expectOne(res, err); err != nil {
		return fmt.Errorf("retire slot %d: %w", id, err)
	}
	return nil
}

// ExpireClaimsTx clears every claim that lapsed at or before now and
// returns the affected slot ids.
func (r *SlotRepo) ExpireClaimsTx(ctx context.Context, tx *sql.Tx, now time.Time) ([]uint64, error) {
	rows, err := tx.QueryContext(ctx,
		`SELECT id FROM storage_slots WHERE lock_holder IS NOT NULL AND lock_expires_ms <= ?`, now.UnixMilli())
	if err != nil {
		return nil, err
	}
	var ids []uint64
	for rows.Next() {
		var id uint64
		if scanErr := rows.Scan(&id); scanErr != nil {
			rows.Close()
			return nil, scanErr
		}
		ids = append(ids, id)
	}
	if err = rows.Close(); err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return []uint64{}, nil
	}
	_, err = tx.ExecContext(ctx,
		`UPDATE storage_slots SET lock_holder = NULL, lock_token = NULL, lock_expires_ms = NULL
		 WHERE lock_holder IS NOT NULL AND lock_expires_ms <= ?`, now.UnixMilli())
	if err != nil {
		return nil, err
	}
	return ids, nil
}
