package syncer

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/labcore/sample-custody/internal/allocation"
	"github.com/labcore/sample-custody/internal/lifecycle"
	"github.com/labcore/sample-custody/internal/metrics"
	"github.com/labcore/sample-custody/internal/model"
	"github.com/labcore/sample-custody/internal/queue"
	"github.com/labcore/sample-custody/internal/repository"
)

// errDrainRaced is returned when another drain advanced the session first.
var errDrainRaced = errors.New("session advanced by a concurrent drain")

// Notifier receives operator notifications.  Notify must not block.
type Notifier interface {
	Notify(ctx context.Context, ev queue.Event)
}

// Applied describes one mutation applied by a drain.
type Applied struct {
	IdempotencyKey string              `json:"idempotency_key"`
	Sequence       uint64              `json:"sequence"`
	EntityType     model.EntityType    `json:"entity_type"`
	EntityID       string              `json:"entity_id"`
	Operation      model.OperationKind `json:"operation"`
}

// SyncResult is the outcome of draining one session.  Waiting lists the
// pending sequence numbers held back by a gap in the session's sequence.
type SyncResult struct {
	SessionID string                 `json:"session_id"`
	Applied   []Applied              `json:"applied"`
	Conflicts []model.ConflictRecord `json:"conflicts"`
	Waiting   []uint64               `json:"waiting,omitempty"`
	LastSeq   uint64                 `json:"last_seq"`
}

// EngineDeps carries the collaborators of an Engine.
type EngineDeps struct {
	Lifecycle *lifecycle.Engine
	Pool      *allocation.Pool
	Notifier  Notifier
	MaxBatch  int
	Now       func() time.Time
	Log       zerolog.Logger
}

// Engine is the sync engine.
type Engine struct {
	db        *sql.DB
	samples   *repository.SampleRepo
	slots     *repository.SlotRepo
	mutations *repository.MutationRepo
	sessions  *repository.SessionRepo
	conflicts *repository.ConflictRepo

	lifecycle *lifecycle.Engine
	pool      *allocation.Pool
	notifier  Notifier
	maxBatch  int
	now       func() time.Time
	log       zerolog.Logger
}

// NewEngine constructs a sync Engine.
func NewEngine(db *sql.DB, deps EngineDeps) *Engine {
	e := &Engine{
		db:        db,
		samples:   repository.NewSampleRepo(db),
		slots:     repository.NewSlotRepo(db),
		mutations: repository.NewMutationRepo(db),
		sessions:  repository.NewSessionRepo(db),
		conflicts: repository.NewConflictRepo(db),
		lifecycle: deps.Lifecycle,
		pool:      deps.Pool,
		notifier:  deps.Notifier,
		maxBatch:  deps.MaxBatch,
		now:       deps.Now,
		log:       deps.Log,
	}
	if e.maxBatch <= 0 {
		e.maxBatch = 500
	}
	if e.now == nil {
		e.now = time.Now
	}
	return e
}

func (e *Engine) clock() time.Time { return e.now().UTC().Truncate(time.Microsecond) }

// Drain applies the session's pending mutations strictly in client
// sequence order, one transaction each.  A mutation the server state no
// longer admits becomes a server_wins conflict and the drain continues
// with the next one.  A gap in the sequence stops the drain until the
// missing mutation arrives.  Infrastructure failures abort the drain and
// leave the failing mutation pending.
func (e *Engine) Drain(ctx context.Context, sessionID string) (SyncResult, error) {
	start := time.Now()
	defer func() { metrics.RecordDrain(time.Since(start)) }()

	res := SyncResult{SessionID: sessionID, Applied: []Applied{}, Conflicts: []model.ConflictRecord{}}
	sess, err := e.sessions.Get(ctx, sessionID)
	if err != nil {
		return res, err
	}
	res.LastSeq = sess.LastSeq

	pending, err := e.mutations.ListPending(ctx, sessionID, e.maxBatch)
	if err != nil {
		return res, err
	}
	for i, m := range pending {
		if m.Sequence <= res.LastSeq {
			continue
		}
		if m.Sequence != res.LastSeq+1 {
			for _, rest := range pending[i:] {
				res.Waiting = append(res.Waiting, rest.Sequence)
			}
			e.log.Info().Str("session_id", sessionID).Uint64("last_seq", res.LastSeq).
				Uint64("next_seq", m.Sequence).Msg("sequence gap, waiting for missing mutations")
			break
		}

		conflict, err := e.drainOne(ctx, m)
		if errors.Is(err, errDrainRaced) {
			e.log.Info().Str("session_id", sessionID).Uint64("seq", m.Sequence).Msg("concurrent drain took over")
			break
		}
		if err != nil {
			return res, fmt.Errorf("drain %s seq %d: %w", sessionID, m.Sequence, err)
		}
		res.LastSeq = m.Sequence
		if conflict != nil {
			res.Conflicts = append(res.Conflicts, *conflict)
			continue
		}
		res.Applied = append(res.Applied, Applied{
			IdempotencyKey: m.IdempotencyKey,
			Sequence:       m.Sequence,
			EntityType:     m.EntityType,
			EntityID:       m.EntityID,
			Operation:      m.Operation,
		})
	}

	e.log.Info().Str("session_id", sessionID).Int("applied", len(res.Applied)).
		Int("conflicts", len(res.Conflicts)).Int("waiting", len(res.Waiting)).Msg("session drained")
	return res, nil
}

// drainOne applies m, or records the conflict that keeps it from applying.
func (e *Engine) drainOne(ctx context.Context, m model.QueuedMutation) (*model.ConflictRecord, error) {
	now := e.clock()

	tx, err := e.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	if err := e.advanceTx(ctx, tx, m, now); err != nil {
		return nil, err
	}
	applyErr := e.ApplyTx(ctx, tx, m)
	if applyErr == nil {
		if err := e.mutations.MarkTx(ctx, tx, m.ID, model.MutationAccepted, now); err != nil {
			return nil, err
		}
		if err := tx.Commit(); err != nil {
			return nil, err
		}
		metrics.RecordMutation("applied")
		return nil, nil
	}

	reason, ok := ConflictReason(applyErr)
	if !ok {
		return nil, applyErr
	}
	// Discard whatever the failed apply wrote before recording the conflict.
	if err := tx.Rollback(); err != nil {
		return nil, err
	}
	return e.recordConflict(ctx, m, reason, applyErr, now)
}

func (e *Engine) advanceTx(ctx context.Context, tx *sql.Tx, m model.QueuedMutation, now time.Time) error {
	if err := e.sessions.AdvanceTx(ctx, tx, m.SessionID, m.Sequence, now); err != nil {
		if errors.Is(err, model.ErrStaleState) {
			return errDrainRaced
		}
		return err
	}
	return nil
}

func (e *Engine) recordConflict(ctx context.Context, m model.QueuedMutation, reason model.ConflictReason, cause error, now time.Time) (*model.ConflictRecord, error) {
	tx, err := e.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	if err := e.advanceTx(ctx, tx, m, now); err != nil {
		return nil, err
	}
	server, proposed, version, err := e.snapshot(ctx, tx, m)
	if err != nil {
		return nil, err
	}
	c := &model.ConflictRecord{
		ID:              uuid.NewString(),
		MutationKey:     m.IdempotencyKey,
		SessionID:       m.SessionID,
		EntityType:      m.EntityType,
		EntityID:        m.EntityID,
		Operation:       m.Operation,
		Reason:          reason,
		ObservedVersion: m.ObservedVersion,
		ServerVersion:   version,
		ServerValue:     server,
		ProposedValue:   proposed,
		Resolution:      model.ResolutionServerWins,
		CreatedAt:       now,
	}
	if err := e.conflicts.CreateTx(ctx, tx, c); err != nil {
		return nil, err
	}
	if err := e.mutations.MarkTx(ctx, tx, m.ID, model.MutationConflict, now); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}

	metrics.RecordConflict(string(reason))
	e.log.Warn().Err(cause).Str("conflict_id", c.ID).Str("session_id", m.SessionID).Uint64("seq", m.Sequence).
		Str("entity_type", string(m.EntityType)).Str("entity_id", m.EntityID).Str("reason", string(reason)).
		Msg("mutation conflicted, server wins")
	if e.notifier != nil {
		e.notifier.Notify(ctx, queue.Event{
			Type:       queue.EventConflictCreated,
			ConflictID: c.ID,
			SessionID:  c.SessionID,
			EntityType: string(c.EntityType),
			EntityID:   c.EntityID,
			Reason:     string(c.Reason),
			OccurredAt: now,
		})
	}
	return c, nil
}

// DrainPending drains every session holding pending mutations, in server
// arrival order of their oldest pending mutation.  A session that fails is
// logged and skipped; the first such error is returned after the others
// have been drained.
func (e *Engine) DrainPending(ctx context.Context) ([]SyncResult, error) {
	ids, err := e.mutations.SessionsWithPending(ctx)
	if err != nil {
		return nil, err
	}
	var (
		out      []SyncResult
		firstErr error
	)
	for _, id := range ids {
		if ctx.Err() != nil {
			return out, ctx.Err()
		}
		res, err := e.Drain(ctx, id)
		if err != nil {
			e.log.Error().Err(err).Str("session_id", id).Msg("drain failed")
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		out = append(out, res)
	}
	return out, firstErr
}

// RunWorker calls DrainPending every interval until ctx is done.
func (e *Engine) RunWorker(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			if _, err := e.DrainPending(ctx); err != nil && ctx.Err() == nil {
				e.log.Error().Err(err).Msg("sync worker pass failed")
			}
		}
	}
}
