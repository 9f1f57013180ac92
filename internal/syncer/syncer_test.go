package syncer

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/labcore/sample-custody/internal/allocation"
	"github.com/labcore/sample-custody/internal/config"
	"github.com/labcore/sample-custody/internal/lifecycle"
	"github.com/labcore/sample-custody/internal/model"
	"github.com/labcore/sample-custody/internal/repository"
	"github.com/labcore/sample-custody/internal/testutil"
)

var (
	tech       = model.Actor{ID: "tech-a", Role: model.RoleTechnician}
	field      = model.Actor{ID: "field-7", Role: model.RoleField}
	supervisor = model.Actor{ID: "sup-1", Role: model.RoleSupervisor}
)

type fixture struct {
	lifecycle *lifecycle.Engine
	pool      *allocation.Pool
	ledger    *Ledger
	engine    *Engine
	conflicts *repository.ConflictRepo
	clock     *testutil.Clock
	notifier  *testutil.Notifier
	box       *model.StorageBox
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db := testutil.NewDB(t)
	clock := testutil.NewClock(time.Date(2026, 7, 1, 10, 0, 0, 0, time.UTC))
	notifier := &testutil.Notifier{}
	pool := allocation.NewPool(db, config.ClaimConfig{DefaultTTL: 5 * time.Second, MaxTTL: time.Minute}, allocation.Deps{
		Now: clock.Now, Log: zerolog.Nop(),
	})
	lc := lifecycle.NewEngine(db, lifecycle.Deps{Releaser: pool, Now: clock.Now, Log: zerolog.Nop()})
	box, err := pool.ProvisionBox(context.Background(), "Freezer2", "RackB", "Box1", 2, 2)
	require.NoError(t, err)
	return &fixture{
		lifecycle: lc,
		pool:      pool,
		ledger:    NewLedger(db, clock.Now, zerolog.Nop()),
		engine: NewEngine(db, EngineDeps{
			Lifecycle: lc, Pool: pool, Notifier: notifier, Now: clock.Now, Log: zerolog.Nop(),
		}),
		conflicts: repository.NewConflictRepo(db),
		clock:     clock,
		notifier:  notifier,
		box:       box,
	}
}

// sampleAt registers id and walks it along the legal path to stage.
func (f *fixture) sampleAt(t *testing.T, id string, stage model.Stage) *model.Sample {
	t.Helper()
	ctx := context.Background()
	_, err := f.lifecycle.Register(ctx, lifecycle.RegisterRequest{ID: id, Actor: tech})
	require.NoError(t, err)
	path := []model.Stage{
		model.StageCollected, model.StageTransported, model.StageReceived, model.StageProcessing,
		model.StageStored, model.StagePendingDiscard,
	}
	for _, st := range path {
		if s, _ := f.lifecycle.Get(ctx, id); s.Stage == stage {
			break
		}
		_, err := f.lifecycle.Transition(ctx, lifecycle.Request{SampleID: id, Target: st, Actor: tech})
		require.NoError(t, err, "-> %s", st)
	}
	s, err := f.lifecycle.Get(ctx, id)
	require.NoError(t, err)
	require.Equal(t, stage, s.Stage)
	return s
}

func (f *fixture) slot(t *testing.T, row, col uint32) *model.StorageSlot {
	t.Helper()
	s, err := f.pool.Locate(context.Background(), "Freezer2", "RackB", "Box1", row, col)
	require.NoError(t, err)
	return s
}

func (f *fixture) enqueue(t *testing.T, m model.QueuedMutation) model.QueuedMutation {
	t.Helper()
	if m.IdempotencyKey == "" {
		m.IdempotencyKey = uuid.NewString()
	}
	if m.Actor.ID == "" {
		m.Actor = field
	}
	res, err := f.ledger.Enqueue(context.Background(), m)
	require.NoError(t, err)
	require.Equal(t, StatusAccepted, res.Status)
	return *res.Mutation
}

func setStage(session string, seq uint64, sampleID string, observed uint64, to model.Stage) model.QueuedMutation {
	return model.QueuedMutation{
		SessionID:       session,
		Sequence:        seq,
		EntityID:        sampleID,
		Operation:       model.OpSetStage,
		Payload:         model.MutationPayload{Stage: to},
		ObservedVersion: observed,
	}
}

func slotOp(session string, seq uint64, op model.OperationKind, slotID uint64, sampleID string, observed uint64) model.QueuedMutation {
	return model.QueuedMutation{
		SessionID:       session,
		Sequence:        seq,
		EntityID:        fmt.Sprint(slotID),
		Operation:       op,
		Payload:         model.MutationPayload{SampleID: sampleID},
		ObservedVersion: observed,
	}
}
