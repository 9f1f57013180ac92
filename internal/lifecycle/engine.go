// Package lifecycle owns the sample stage state machine.  Every stage
// change, interactive or replayed from the sync ledger, goes through
// Engine and appends exactly one history row.
package lifecycle

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/labcore/sample-custody/internal/metrics"
	"github.com/labcore/sample-custody/internal/model"
	"github.com/labcore/sample-custody/internal/repository"
)

// MaxSampleIDLength bounds the printed tube code.
const MaxSampleIDLength = 64

// SlotReleaser empties the storage slot of a sample inside the caller's
// transaction.  The allocation pool implements it.
type SlotReleaser interface {
	ReleaseForSampleTx(ctx context.Context, tx *sql.Tx, sampleID string) error
}

// Deps carries the collaborators of an Engine.
type Deps struct {
	Releaser SlotReleaser
	Now      func() time.Time
	Log      zerolog.Logger
}

// Engine is the Lifecycle Engine.
type Engine struct {
	db          *sql.DB
	samples     *repository.SampleRepo
	transitions *repository.TransitionRepo
	releaser    SlotReleaser
	now         func() time.Time
	log         zerolog.Logger
}

// NewEngine constructs an Engine.
func NewEngine(db *sql.DB, deps Deps) *Engine {
	e := &Engine{
		db:          db,
		samples:     repository.NewSampleRepo(db),
		transitions: repository.NewTransitionRepo(db),
		releaser:    deps.Releaser,
		now:         deps.Now,
		log:         deps.Log,
	}
	if e.now == nil {
		e.now = time.Now
	}
	return e
}

func (e *Engine) clock() time.Time { return e.now().UTC().Truncate(time.Microsecond) }

// Request asks for one stage change.
//
// OverrideReason forces a change outside the permitted-successor table; it
// is only honoured for actors that may override and is only recorded when
// it was needed.  ExpectedVersion, when set, pins the sample version the
// caller last saw.
type Request struct {
	SampleID        string
	Target          model.Stage
	Actor           model.Actor
	OverrideReason  string
	ExpectedVersion *uint64
}

// Transition applies req in its own transaction.
func (e *Engine) Transition(ctx context.Context, req Request) (model.StatusTransition, error) {
	tx, err := e.db.BeginTx(ctx, nil)
	if err != nil {
		return model.StatusTransition{}, err
	}
	defer tx.Rollback()

	t, err := e.TransitionTx(ctx, tx, req)
	if err != nil {
		return model.StatusTransition{}, err
	}
	if err := tx.Commit(); err != nil {
		return model.StatusTransition{}, err
	}
	ev := e.log.Info().Str("sample_id", t.SampleID).Str("from", string(t.FromStage)).Str("to", string(t.ToStage)).
		Str("actor", t.ActorID)
	if t.OverrideReason != nil {
		ev = ev.Str("override_reason", *t.OverrideReason)
	}
	ev.Msg("sample transitioned")
	return t, nil
}

// TransitionWithRetry is Transition for interactive callers: a StaleState
// caused by a concurrent writer is retried once with a fresh read.  A
// caller that pinned ExpectedVersion gets the StaleState directly, and an
// illegal transition is never retried.
func (e *Engine) TransitionWithRetry(ctx context.Context, req Request) (model.StatusTransition, error) {
	t, err := e.Transition(ctx, req)
	if err != nil && req.ExpectedVersion == nil && errors.Is(err, model.ErrStaleState) {
		e.log.Debug().Str("sample_id", req.SampleID).Msg("stale read, retrying transition once")
		return e.Transition(ctx, req)
	}
	return t, err
}

// TransitionTx applies req inside the caller's transaction.  The sample is
// re-read in tx, validated, and written with a compare-and-swap on the
// version read, so a concurrent change between read and write fails with
// model.ErrStaleState instead of being overwritten.
func (e *Engine) TransitionTx(ctx context.Context, tx *sql.Tx, req Request) (model.StatusTransition, error) {
	t, err := e.transitionTx(ctx, tx, req)
	metrics.RecordTransition(string(req.Target), outcome(err), t.OverrideReason != nil)
	return t, err
}

func (e *Engine) transitionTx(ctx context.Context, tx *sql.Tx, req Request) (model.StatusTransition, error) {
	if !req.Target.Valid() {
		return model.StatusTransition{}, fmt.Errorf("%w: unknown stage %q", model.ErrInvalidInput, req.Target)
	}
	if req.Actor.ID == "" {
		return model.StatusTransition{}, fmt.Errorf("%w: actor is required", model.ErrInvalidInput)
	}

	sample, err := e.samples.GetTx(ctx, tx, req.SampleID)
	if err != nil {
		return model.StatusTransition{}, err
	}
	if req.ExpectedVersion != nil && *req.ExpectedVersion != sample.Version {
		return model.StatusTransition{}, &model.StaleError{
			EntityType: model.EntitySample, EntityID: sample.ID,
			Expected: *req.ExpectedVersion, Current: sample.Version,
		}
	}

	reason, err := authorize(sample, req)
	if err != nil {
		return model.StatusTransition{}, err
	}

	now := e.clock()
	if req.Target.Terminal() && e.releaser != nil {
		if err := e.releaser.ReleaseForSampleTx(ctx, tx, sample.ID); err != nil {
			return model.StatusTransition{}, fmt.Errorf("release slot of sample %s: %w", sample.ID, err)
		}
	}
	if err := e.samples.UpdateStageTx(ctx, tx, sample.ID, req.Target, sample.Version, now); err != nil {
		return model.StatusTransition{}, err
	}

	t := model.StatusTransition{
		SampleID:       sample.ID,
		FromStage:      sample.Stage,
		ToStage:        req.Target,
		ActorID:        req.Actor.ID,
		ActorRole:      req.Actor.Role,
		OverrideReason: reason,
		CreatedAt:      now,
	}
	if err := e.transitions.AppendTx(ctx, tx, &t); err != nil {
		return model.StatusTransition{}, err
	}
	return t, nil
}

// authorize decides whether req may move sample and returns the override
// reason to record, which is nil for a step the table permits.
func authorize(sample *model.Sample, req Request) (*string, error) {
	illegal := &model.TransitionError{SampleID: sample.ID, From: sample.Stage, To: req.Target}
	if req.Target == sample.Stage || req.Target == model.StageRegistered {
		return nil, illegal
	}
	if sample.Stage.CanTransitionTo(req.Target) {
		return nil, nil
	}
	reason := strings.TrimSpace(req.OverrideReason)
	if reason == "" {
		return nil, illegal
	}
	if !req.Actor.CanOverride() {
		return nil, fmt.Errorf("%s may not override %s -> %s: %w", req.Actor.Role, sample.Stage, req.Target, model.ErrForbidden)
	}
	return &reason, nil
}

func outcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, model.ErrIllegalTransition):
		return "illegal"
	case errors.Is(err, model.ErrStaleState):
		return "stale"
	case errors.Is(err, model.ErrForbidden):
		return "forbidden"
	case errors.Is(err, model.ErrEntityNotFound):
		return "not_found"
	case errors.Is(err, model.ErrInvalidInput):
		return "invalid"
	}
	return "error"
}
