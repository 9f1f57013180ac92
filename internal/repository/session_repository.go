package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// Session is the server-side view of one disconnected client session.
// LastSeq is the highest client sequence number applied so far.
type Session struct {
	ID        string
	LastSeq   uint64
	CreatedAt time.Time
	UpdatedAt time.Time
}

// SessionRepo provides data access to the sync_sessions table.
type SessionRepo struct {
	db *sql.DB
}

// NewSessionRepo returns a new SessionRepo bound to the provided database.
func NewSessionRepo(db *sql.DB) *SessionRepo { return &SessionRepo{db: db} }

// Ensure creates the session row on first sight.  An existing row is left
// untouched.
func (r *SessionRepo) Ensure(ctx context.Context, id string, at time.Time) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO sync_sessions (session_id, last_seq, created_at, updated_at) VALUES (?, 0, ?, ?)`,
		id, at, at)
	if err != nil && !isDuplicate(err) {
		return err
	}
	return nil
}

// Get returns the session with the given id.
func (r *SessionRepo) Get(ctx context.Context, id string) (*Session, error) {
	return r.get(ctx, r.db, id)
}

// GetTx is Get inside tx.
func (r *SessionRepo) GetTx(ctx context.Context, tx *sql.Tx, id string) (*Session, error) {
	return r.get(ctx, tx, id)
}

func (r *SessionRepo) get(ctx context.Context, q queryer, id string) (*Session, error) {
	var s Session
	err := q.QueryRowContext(ctx,
		`SELECT session_id, last_seq, created_at, updated_at FROM sync_sessions WHERE session_id = ?`, id,
	).Scan(&s.ID, &s.LastSeq, &s.CreatedAt, &s.UpdatedAt)
	if err != nil {
		return nil, notFound(err, "session %s", id)
	}
	return &s, nil
}

// AdvanceTx moves the session watermark from seq-1 to seq.  A concurrent
// drain that already advanced it makes this return model.ErrStaleState.
func (r *SessionRepo) AdvanceTx(ctx context.Context, tx *sql.Tx, id string, seq uint64, at time.Time) error {
	res, err := tx.ExecContext(ctx,
		`UPDATE sync_sessions SET last_seq = ?, updated_at = ? WHERE session_id = ? AND last_seq = ?`,
		seq, at, id, seq-1)
	if err := expectOne(res, err); err != nil {
		return fmt.Errorf("advance session %s to %d: %w", id, seq, err)
	}
	return nil
}
