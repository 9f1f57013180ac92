package repository

import (
	"context"
	"database/sql"

	"github.com/labcore/sample-custody/internal/model"
)

// BoxRepo provides data access to the storage_boxes table.
type BoxRepo struct {
	db *sql.DB
}

// NewBoxRepo returns a new BoxRepo bound to the provided database.
func NewBoxRepo(db *sql.DB) *BoxRepo { return &BoxRepo{db: db} }

// CreateTx inserts b and sets b.ID.  (freezer, rack, label) is unique; a
// taken location yields model.ErrDuplicate.
func (r *BoxRepo) CreateTx(ctx context.Context, tx *sql.Tx, b *model.StorageBox) error {
	res, err := tx.ExecContext(ctx,
		`INSERT INTO storage_boxes (freezer, rack, label, rows_count, cols_count, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		b.Freezer, b.Rack, b.Label, b.Rows, b.Cols, b.CreatedAt,
	)
	if err != nil {
		return mapInsertErr(err, "box "+b.Freezer+"/"+b.Rack+"/"+b.Label)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return err
	}
	b.ID = uint64(id)
	return nil
}

// Get returns the box with the given id.
func (r *BoxRepo) Get(ctx context.Context, id uint64) (*model.StorageBox, error) {
	var b model.StorageBox
	err := r.db.QueryRowContext(ctx,
		`SELECT id, freezer, rack, label, rows_count, cols_count, created_at FROM storage_boxes WHERE id = ?`, id,
	).Scan(&b.ID, &b.Freezer, &b.Rack, &b.Label, &b.Rows, &b.Cols, &b.CreatedAt)
	if err != nil {
		return nil, notFound(err, "box %d", id)
	}
	b.CreatedAt = b.CreatedAt.UTC()
	return &b, nil
}
