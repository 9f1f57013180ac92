// Package syncer is the mutation ledger and sync engine.  Disconnected
// clients push the mutations they recorded locally into the Ledger; the
// Engine later drains each client session in sequence order through the
// lifecycle engine and the allocation pool, and records a conflict for
// every mutation the current server state no longer admits.
package syncer

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/labcore/sample-custody/internal/metrics"
	"github.com/labcore/sample-custody/internal/model"
	"github.com/labcore/sample-custody/internal/repository"
)

// MaxSessionIDLength bounds client session identifiers.
const MaxSessionIDLength = 64

// EnqueueStatus is the outcome of pushing one mutation.
type EnqueueStatus string

const (
	StatusAccepted  EnqueueStatus = "accepted"
	StatusDuplicate EnqueueStatus = "duplicate"
)

// EnqueueResult reports the stored mutation.  For a duplicate it is the
// mutation first recorded under the key, unchanged.  Invalid is set when
// the mutation was stored although its operation or payload cannot apply;
// the drain records it as an invalid conflict.
type EnqueueResult struct {
	Status   EnqueueStatus         `json:"status"`
	Mutation *model.QueuedMutation `json:"mutation"`
	Invalid  error                 `json:"-"`
}

// Ledger accepts queued mutations, deduplicating on the idempotency key.
type Ledger struct {
	mutations *repository.MutationRepo
	sessions  *repository.SessionRepo
	now       func() time.Time
	log       zerolog.Logger
}

// NewLedger constructs a Ledger.
func NewLedger(db *sql.DB, now func() time.Time, log zerolog.Logger) *Ledger {
	if now == nil {
		now = time.Now
	}
	return &Ledger{
		mutations: repository.NewMutationRepo(db),
		sessions:  repository.NewSessionRepo(db),
		now:       now,
		log:       log,
	}
}

// Enqueue records m as pending.  Re-submitting a known idempotency key is a
// no-op that reports StatusDuplicate, also when two pushes of the same key
// race.  A sequence number that the session already used under another
// key, or that is at or below what the session has applied, fails with
// model.ErrSequenceReused.
//
// Only a malformed key, session, sequence or actor rejects m.  A mutation
// whose operation or payload is malformed still takes its place in the
// session so that later mutations are not held behind a gap.
func (l *Ledger) Enqueue(ctx context.Context, m model.QueuedMutation) (EnqueueResult, error) {
	if err := normalizeEnvelope(&m); err != nil {
		return EnqueueResult{}, err
	}
	invalid := normalizeBody(&m)
	if invalid != nil {
		clipBody(&m)
	}

	if existing, err := l.mutations.GetByKey(ctx, m.IdempotencyKey); err == nil {
		metrics.RecordMutation("duplicate")
		return EnqueueResult{Status: StatusDuplicate, Mutation: existing}, nil
	} else if !errors.Is(err, model.ErrEntityNotFound) {
		return EnqueueResult{}, err
	}

	now := l.now().UTC().Truncate(time.Microsecond)
	if err := l.sessions.Ensure(ctx, m.SessionID, now); err != nil {
		return EnqueueResult{}, err
	}
	sess, err := l.sessions.Get(ctx, m.SessionID)
	if err != nil {
		return EnqueueResult{}, err
	}
	if m.Sequence <= sess.LastSeq {
		return EnqueueResult{}, fmt.Errorf("session %s already applied up to %d, got sequence %d: %w",
			m.SessionID, sess.LastSeq, m.Sequence, model.ErrSequenceReused)
	}

	m.Status = model.MutationPending
	m.ArrivedAt = now
	m.AppliedAt = nil
	if m.ClientTimestamp.IsZero() {
		m.ClientTimestamp = now
	}
	if err := l.mutations.Insert(ctx, &m); err != nil {
		if !errors.Is(err, model.ErrDuplicate) {
			return EnqueueResult{}, err
		}
		if existing, gerr := l.mutations.GetByKey(ctx, m.IdempotencyKey); gerr == nil {
			metrics.RecordMutation("duplicate")
			return EnqueueResult{Status: StatusDuplicate, Mutation: existing}, nil
		}
		return EnqueueResult{}, fmt.Errorf("session %s sequence %d: %w", m.SessionID, m.Sequence, model.ErrSequenceReused)
	}

	metrics.RecordMutation("enqueued")
	if invalid != nil {
		l.log.Warn().Err(invalid).Str("idempotency_key", m.IdempotencyKey).Str("session_id", m.SessionID).
			Uint64("seq", m.Sequence).Msg("malformed mutation enqueued, it will conflict")
	} else {
		l.log.Debug().Str("idempotency_key", m.IdempotencyKey).Str("session_id", m.SessionID).
			Uint64("seq", m.Sequence).Str("operation", string(m.Operation)).Msg("mutation enqueued")
	}
	return EnqueueResult{Status: StatusAccepted, Mutation: &m, Invalid: invalid}, nil
}

// BatchItem is the outcome of one mutation of an EnqueueBatch call.  Error
// is set for a rejected mutation, Invalid for one stored as malformed.
type BatchItem struct {
	IdempotencyKey string        `json:"idempotency_key"`
	Status         EnqueueStatus `json:"status,omitempty"`
	Error          error         `json:"-"`
	Invalid        error         `json:"-"`
}

// EnqueueBatch enqueues every mutation in order.  A rejected mutation does
// not stop the rest of the batch; infrastructure failures do.
func (l *Ledger) EnqueueBatch(ctx context.Context, batch []model.QueuedMutation) ([]BatchItem, error) {
	out := make([]BatchItem, 0, len(batch))
	for _, m := range batch {
		res, err := l.Enqueue(ctx, m)
		item := BatchItem{IdempotencyKey: m.IdempotencyKey, Status: res.Status, Error: err, Invalid: res.Invalid}
		if err != nil && !errors.Is(err, model.ErrInvalidInput) && !errors.Is(err, model.ErrSequenceReused) {
			return out, err
		}
		out = append(out, item)
	}
	return out, nil
}

// Pending returns up to limit pending mutations of a session.
func (l *Ledger) Pending(ctx context.Context, sessionID string, limit int) ([]model.QueuedMutation, error) {
	return l.mutations.ListPending(ctx, sessionID, limit)
}

// Mutation returns the mutation recorded under key.
func (l *Ledger) Mutation(ctx context.Context, key string) (*model.QueuedMutation, error) {
	id, err := uuid.Parse(key)
	if err != nil {
		return nil, fmt.Errorf("%w: idempotency key %q is not a UUID", model.ErrInvalidInput, key)
	}
	return l.mutations.GetByKey(ctx, id.String())
}

// normalizeEnvelope validates what the ledger needs to store and order m.
func normalizeEnvelope(m *model.QueuedMutation) error {
	key, err := uuid.Parse(strings.TrimSpace(m.IdempotencyKey))
	if err != nil {
		return fmt.Errorf("%w: idempotency key %q is not a UUID", model.ErrInvalidInput, m.IdempotencyKey)
	}
	m.IdempotencyKey = key.String()

	m.SessionID = strings.TrimSpace(m.SessionID)
	if m.SessionID == "" || len(m.SessionID) > MaxSessionIDLength {
		return fmt.Errorf("%w: session id must be 1-%d characters", model.ErrInvalidInput, MaxSessionIDLength)
	}
	if m.Sequence == 0 {
		return fmt.Errorf("%w: sequence numbers start at 1", model.ErrInvalidInput)
	}
	if m.Actor.ID == "" || m.Actor.Role == "" {
		return fmt.Errorf("%w: mutation actor is required", model.ErrInvalidInput)
	}
	return nil
}

// normalizeBody validates what m does and fills the fields derivable from
// it.  It is idempotent, so the drain re-runs it on stored mutations.
func normalizeBody(m *model.QueuedMutation) error {
	target, ok := m.Operation.TargetEntity()
	if !ok {
		return fmt.Errorf("%w: unknown operation %q", model.ErrInvalidInput, m.Operation)
	}
	if m.EntityType == "" {
		m.EntityType = target
	}
	if m.EntityType != target {
		return fmt.Errorf("%w: %s targets a %s, not a %s", model.ErrInvalidInput, m.Operation, target, m.EntityType)
	}
	m.EntityID = strings.TrimSpace(m.EntityID)
	if m.EntityID == "" {
		return fmt.Errorf("%w: entity id is required", model.ErrInvalidInput)
	}
	if m.EntityType == model.EntitySlot {
		if _, err := strconv.ParseUint(m.EntityID, 10, 64); err != nil {
			return fmt.Errorf("%w: slot id %q is not a number", model.ErrInvalidInput, m.EntityID)
		}
	}

	switch m.Operation {
	case model.OpSetStage:
		st, err := model.ParseStage(string(m.Payload.Stage))
		if err != nil {
			return err
		}
		m.Payload = model.MutationPayload{Stage: st, OverrideReason: trimmed(m.Payload.OverrideReason)}
	case model.OpAssignSlot:
		sampleID := strings.TrimSpace(m.Payload.SampleID)
		if sampleID == "" {
			return fmt.Errorf("%w: assign_slot needs payload.sample_id", model.ErrInvalidInput)
		}
		m.Payload = model.MutationPayload{SampleID: sampleID}
	case model.OpReleaseSlot:
		m.Payload = model.MutationPayload{}
	}
	return nil
}

// Column widths of queued_mutations.
const (
	maxEntityTypeLen = 16
	maxEntityIDLen   = 64
	maxOperationLen  = 32
)

// clipBody cuts free-form fields of a malformed mutation to what the
// schema stores.
func clipBody(m *model.QueuedMutation) {
	m.EntityType = model.EntityType(clip(string(m.EntityType), maxEntityTypeLen))
	m.EntityID = clip(m.EntityID, maxEntityIDLen)
	m.Operation = model.OperationKind(clip(string(m.Operation), maxOperationLen))
}

func clip(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return strings.ToValidUTF8(s[:n], "")
}

func trimmed(s *string) *string {
	if s == nil {
		return nil
	}
	v := strings.TrimSpace(*s)
	if v == "" {
		return nil
	}
	return &v
}
