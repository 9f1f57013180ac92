package repository

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/labcore/sample-custody/internal/model"
)

// ConflictFilter narrows a conflict listing.  Zero fields do not filter.
// From is inclusive and To exclusive.
type ConflictFilter struct {
	EntityType model.EntityType
	EntityID   string
	SessionID  string
	Resolution model.Resolution
	From       time.Time
	To         time.Time
	Limit      int
	Offset     int
}

// ConflictRepo provides data access to the conflict_records table.  Rows are
// append-only except for the resolution columns.
type ConflictRepo struct {
	db *sql.DB
}

// NewConflictRepo returns a new ConflictRepo bound to the provided database.
func NewConflictRepo(db *sql.DB) *ConflictRepo { return &ConflictRepo{db: db} }

const conflictColumns = `id, mutation_key, session_id, entity_type, entity_id, operation, reason, observed_version,
	server_version, server_value, proposed_value, resolution, resolved_by, resolved_at, resolution_note, created_at`

func scanConflict(row interface{ Scan(...any) error }) (*model.ConflictRecord, error) {
	var (
		c                     model.ConflictRecord
		serverVersion         sql.NullInt64
		serverValue, proposed sql.NullString
		resolvedBy, note      sql.NullString
		resolvedAt            sql.NullTime
	)
	if err := row.Scan(&c.ID, &c.MutationKey, &c.SessionID, &c.EntityType, &c.EntityID, &c.Operation, &c.Reason,
		&c.ObservedVersion, &serverVersion, &serverValue, &proposed, &c.Resolution, &resolvedBy, &resolvedAt,
		&note, &c.CreatedAt); err != nil {
		return nil, err
	}
	c.ServerVersion = uintPtr(serverVersion)
	if serverValue.Valid {
		c.ServerValue = []byte(serverValue.String)
	}
	if proposed.Valid {
		c.ProposedValue = []byte(proposed.String)
	}
	c.ResolvedBy = stringPtr(resolvedBy)
	c.ResolvedAt = timePtr(resolvedAt)
	c.ResolutionNote = stringPtr(note)
	c.CreatedAt = c.CreatedAt.UTC()
	return &c, nil
}

func rawString(b []byte) sql.NullString {
	if len(b) == 0 {
		return sql.NullString{}
	}
	return sql.NullString{String: string(b), Valid: true}
}

// CreateTx inserts c.  One conflict exists per mutation; recording a second
// one for the same mutation key yields model.ErrDuplicate.
func (r *ConflictRepo) CreateTx(ctx context.Context, tx *sql.Tx, c *model.ConflictRecord) error {
	var serverVersion sql.NullInt64
	if c.ServerVersion != nil {
		serverVersion = sql.NullInt64{Int64: int64(*c.ServerVersion), Valid: true}
	}
	_, err := tx.ExecContext(ctx,
		`INSERT INTO conflict_records (id, mutation_key, session_id, entity_type, entity_id, operation, reason,
		   observed_version, server_version, server_value, proposed_value, resolution, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.MutationKey, c.SessionID, string(c.EntityType), c.EntityID, string(c.Operation), string(c.Reason),
		c.ObservedVersion, serverVersion, rawString(c.ServerValue), rawString(c.ProposedValue),
		string(c.Resolution), c.CreatedAt,
	)
	return mapInsertErr(err, "conflict for mutation "+c.MutationKey)
}

// Get returns the conflict with the given id.
func (r *ConflictRepo) Get(ctx context.Context, id string) (*model.ConflictRecord, error) {
	c, err := scanConflict(r.db.QueryRowContext(ctx, `SELECT `+conflictColumns+` FROM conflict_records WHERE id = ?`, id))
	if err != nil {
		return nil, notFound(err, "conflict %s", id)
	}
	return c, nil
}

// GetByMutationKey returns the conflict recorded for a mutation.
func (r *ConflictRepo) GetByMutationKey(ctx context.Context, key string) (*model.ConflictRecord, error) {
	c, err := scanConflict(r.db.QueryRowContext(ctx,
		`SELECT `+conflictColumns+` FROM conflict_records WHERE mutation_key = ?`, key))
	if err != nil {
		return nil, notFound(err, "conflict for mutation %s", key)
	}
	return c, nil
}

// List returns the conflicts matching f, newest first.
func (r *ConflictRepo) List(ctx context.Context, f ConflictFilter) ([]model.ConflictRecord, error) {
	var (
		where []string
		args  []any
	)
	if f.EntityType != "" {
		where = append(where, "entity_type = ?")
		args = append(args, string(f.EntityType))
	}
	if f.EntityID != "" {
		where = append(where, "entity_id = ?")
		args = append(args, f.EntityID)
	}
	if f.SessionID != "" {
		where = append(where, "session_id = ?")
		args = append(args, f.SessionID)
	}
	if f.Resolution != "" {
		where = append(where, "resolution = ?")
		args = append(args, string(f.Resolution))
	}
	if !f.From.IsZero() {
		where = append(where, "created_at >= ?")
		args = append(args, f.From.UTC())
	}
	if !f.To.IsZero() {
		where = append(where, "created_at < ?")
		args = append(args, f.To.UTC())
	}

	query := `SELECT ` + conflictColumns + ` FROM conflict_records`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	limit := f.Limit
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	query += " ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?"
	args = append(args, limit, max(f.Offset, 0))

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []model.ConflictRecord{}
	for rows.Next() {
		c, err := scanConflict(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *c)
	}
	return out, rows.Err()
}

// ResolveTx moves an unresolved (server_wins) conflict to resolution.  A
// conflict that was already resolved yields model.ErrStaleState.
func (r *ConflictRepo) ResolveTx(ctx context.Context, tx *sql.Tx, id string, resolution model.Resolution, by string, note *string, at time.Time) error {
	res, err := tx.ExecContext(ctx,
		`UPDATE conflict_records SET resolution = ?, resolved_by = ?, resolved_at = ?, resolution_note = ?
		 WHERE id = ? AND resolution = ?`,
		string(resolution), by, at, nullString(note), id, string(model.ResolutionServerWins))
	if err := expectOne(res, err); err != nil {
		return fmt.Errorf("resolve conflict %s: %w", id, err)
	}
	return nil
}
