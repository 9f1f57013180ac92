package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/labcore/sample-custody/internal/model"
)

// MutationRepo provides data access to the queued_mutations ledger.
type MutationRepo struct {
	db *sql.DB
}

// NewMutationRepo returns a new MutationRepo bound to the provided database.
func NewMutationRepo(db *sql.DB) *MutationRepo { return &MutationRepo{db: db} }

const mutationColumns = `id, idempotency_key, session_id, seq, entity_type, entity_id, operation, payload,
	observed_version, client_ts, actor_id, actor_role, status, arrived_at, applied_at`

func scanMutation(row interface{ Scan(...any) error }) (*model.QueuedMutation, error) {
	var (
		m       model.QueuedMutation
		payload string
		applied sql.NullTime
	)
	if err := row.Scan(&m.ID, &m.IdempotencyKey, &m.SessionID, &m.Sequence, &m.EntityType, &m.EntityID,
		&m.Operation, &payload, &m.ObservedVersion, &m.ClientTimestamp, &m.Actor.ID, &m.Actor.Role,
		&m.Status, &m.ArrivedAt, &applied); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(payload), &m.Payload); err != nil {
		return nil, fmt.Errorf("decode payload of mutation %s: %w", m.IdempotencyKey, err)
	}
	m.ClientTimestamp = m.ClientTimestamp.UTC()
	m.ArrivedAt = m.ArrivedAt.UTC()
	m.AppliedAt = timePtr(applied)
	return &m, nil
}

// Insert records a pending mutation and sets m.ID.  Either a reused
// idempotency key or a reused (session, sequence) pair yields
// model.ErrDuplicate; callers tell them apart by looking the key up.
func (r *MutationRepo) Insert(ctx context.Context, m *model.QueuedMutation) error {
	payload, err := m.PayloadJSON()
	if err != nil {
		return err
	}
	res, err := r.db.ExecContext(ctx,
		`INSERT INTO queued_mutations (idempotency_key, session_id, seq, entity_type, entity_id, operation, payload,
		   observed_version, client_ts, actor_id, actor_role, status, arrived_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.IdempotencyKey, m.SessionID, m.Sequence, string(m.EntityType), m.EntityID, string(m.Operation), payload,
		m.ObservedVersion, m.ClientTimestamp, m.Actor.ID, string(m.Actor.Role), string(m.Status), m.ArrivedAt,
	)
	if err != nil {
		return mapInsertErr(err, "mutation "+m.IdempotencyKey)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return err
	}
	m.ID = uint64(id)
	return nil
}

// GetByKey returns the mutation recorded under an idempotency key.
func (r *MutationRepo) GetByKey(ctx context.Context, key string) (*model.QueuedMutation, error) {
	m, err := scanMutation(r.db.QueryRowContext(ctx,
		`SELECT `+mutationColumns+` FROM queued_mutations WHERE idempotency_key = ?`, key))
	if err != nil {
		return nil, notFound(err, "mutation %s", key)
	}
	return m, nil
}

// GetBySequence returns the mutation a session recorded under seq.
func (r *MutationRepo) GetBySequence(ctx context.Context, sessionID string, seq uint64) (*model.QueuedMutation, error) {
	m, err := scanMutation(r.db.QueryRowContext(ctx,
		`SELECT `+mutationColumns+` FROM queued_mutations WHERE session_id = ? AND seq = ?`, sessionID, seq))
	if err != nil {
		return nil, notFound(err, "mutation %s#%d", sessionID, seq)
	}
	return m, nil
}

// ListPending returns up to limit pending mutations of a session in
// client sequence order.
func (r *MutationRepo) ListPending(ctx context.Context, sessionID string, limit int) ([]model.QueuedMutation, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+mutationColumns+` FROM queued_mutations
		 WHERE session_id = ? AND status = ? ORDER BY seq LIMIT ?`,
		sessionID, string(model.MutationPending), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []model.QueuedMutation{}
	for rows.Next() {
		m, err := scanMutation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *m)
	}
	return out, rows.Err()
}

// SessionsWithPending returns the sessions holding pending mutations,
// ordered by the server arrival of their oldest pending mutation.
func (r *MutationRepo) SessionsWithPending(ctx context.Context) ([]string, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT session_id FROM queued_mutations WHERE status = ?
		 GROUP BY session_id ORDER BY MIN(id)`, string(model.MutationPending))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// MarkTx settles a pending mutation as accepted or conflict.  A mutation
// that is no longer pending yields model.ErrStaleState.
func (r *MutationRepo) MarkTx(ctx context.Context, tx *sql.Tx, id uint64, status model.MutationStatus, at time.Time) error {
	res, err := tx.ExecContext(ctx,
		`UPDATE queued_mutations SET status = ?, applied_at = ? WHERE id = ? AND status = ?`,
		string(status), at, id, string(model.MutationPending))
	if err := expectOne(res, err); err != nil {
		return fmt.Errorf("mark mutation %d %s: %w", id, status, err)
	}
	return nil
}
