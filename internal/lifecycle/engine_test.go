package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/labcore/sample-custody/internal/allocation"
	"github.com/labcore/sample-custody/internal/config"
	"github.com/labcore/sample-custody/internal/model"
	"github.com/labcore/sample-custody/internal/testutil"
)

var (
	tech       = model.Actor{ID: "tech-a", Role: model.RoleTechnician}
	techB      = model.Actor{ID: "tech-b", Role: model.RoleTechnician}
	supervisor = model.Actor{ID: "sup-1", Role: model.RoleSupervisor}
)

// toStored is the legal path from registration into storage.
var toStored = []model.Stage{
	model.StageCollected, model.StageTransported, model.StageReceived, model.StageProcessing, model.StageStored,
}

type fixture struct {
	engine *Engine
	pool   *allocation.Pool
	clock  *testutil.Clock
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db := testutil.NewDB(t)
	clock := testutil.NewClock(time.Date(2026, 6, 1, 8, 0, 0, 0, time.UTC))
	pool := allocation.NewPool(db, config.ClaimConfig{DefaultTTL: 5 * time.Second}, allocation.Deps{
		Now: clock.Now, Log: zerolog.Nop(),
	})
	engine := NewEngine(db, Deps{Releaser: pool, Now: clock.Now, Log: zerolog.Nop()})
	return &fixture{engine: engine, pool: pool, clock: clock}
}

func (f *fixture) register(t *testing.T, id string) {
	t.Helper()
	_, err := f.engine.Register(context.Background(), RegisterRequest{ID: id, Actor: tech})
	require.NoError(t, err)
}

func (f *fixture) walk(t *testing.T, id string, stages ...model.Stage) {
	t.Helper()
	for _, st := range stages {
		_, err := f.engine.Transition(context.Background(), Request{SampleID: id, Target: st, Actor: tech})
		require.NoError(t, err, "-> %s", st)
	}
}

func TestLegalWalkAppendsOneRowPerStep(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.register(t, "S1")
	f.walk(t, "S1", toStored...)

	s, err := f.engine.Get(ctx, "S1")
	require.NoError(t, err)
	assert.Equal(t, model.StageStored, s.Stage)
	assert.Equal(t, uint64(1+len(toStored)), s.Version)

	h, err := f.engine.History(ctx, "S1")
	require.NoError(t, err)
	require.Len(t, h, len(toStored))
	assert.Equal(t, model.StageRegistered, h[0].FromStage)
	assert.Equal(t, model.StageStored, h[len(h)-1].ToStage)
	for _, step := range h {
		assert.Nil(t, step.OverrideReason)
		assert.Equal(t, "tech-a", step.ActorID)
	}
	assert.NoError(t, ValidateWalk(h))
}

func TestIllegalTransitionReportsCurrentStage(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.register(t, "S1")

	_, err := f.engine.Transition(ctx, Request{SampleID: "S1", Target: model.StageProcessing, Actor: tech})
	var te *model.TransitionError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, model.StageRegistered, te.From)
	assert.Equal(t, model.StageProcessing, te.To)

	s, err := f.engine.Get(ctx, "S1")
	require.NoError(t, err)
	assert.Equal(t, uint64(1), s.Version)
	h, err := f.engine.History(ctx, "S1")
	require.NoError(t, err)
	assert.Empty(t, h)
}

func TestNothingReturnsToRegisteredEvenWithOverride(t *testing.T) {
	f := newFixture(t)
	f.register(t, "S1")
	f.walk(t, "S1", model.StageCollected)

	_, err := f.engine.Transition(context.Background(), Request{
		SampleID: "S1", Target: model.StageRegistered, Actor: supervisor, OverrideReason: "relabel",
	})
	assert.ErrorIs(t, err, model.ErrIllegalTransition)

	_, err = f.engine.Transition(context.Background(), Request{
		SampleID: "S1", Target: model.StageCollected, Actor: supervisor, OverrideReason: "again",
	})
	assert.ErrorIs(t, err, model.ErrIllegalTransition)
}

func TestOverrideNeedsSupervisorAndIsRecorded(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.register(t, "S1")
	f.walk(t, "S1", model.StageCollected)

	_, err := f.engine.Transition(ctx, Request{
		SampleID: "S1", Target: model.StageReceived, Actor: tech, OverrideReason: "courier skipped scan",
	})
	assert.ErrorIs(t, err, model.ErrForbidden)

	tr, err := f.engine.Transition(ctx, Request{
		SampleID: "S1", Target: model.StageReceived, Actor: supervisor, OverrideReason: "  courier skipped scan ",
	})
	require.NoError(t, err)
	require.NotNil(t, tr.OverrideReason)
	assert.Equal(t, "courier skipped scan", *tr.OverrideReason)
	assert.Equal(t, model.RoleSupervisor, tr.ActorRole)

	h, err := f.engine.History(ctx, "S1")
	require.NoError(t, err)
	require.Len(t, h, 2)
	require.NotNil(t, h[1].OverrideReason)
	assert.NoError(t, ValidateWalk(h))
}

func TestReasonOnPermittedStepIsNotRecorded(t *testing.T) {
	f := newFixture(t)
	f.register(t, "S1")
	tr, err := f.engine.Transition(context.Background(), Request{
		SampleID: "S1", Target: model.StageCollected, Actor: supervisor, OverrideReason: "not needed",
	})
	require.NoError(t, err)
	assert.Nil(t, tr.OverrideReason)
}

func TestPinnedVersionMismatchIsStale(t *testing.T) {
	f := newFixture(t)
	f.register(t, "S1")
	f.walk(t, "S1", model.StageCollected)

	v := uint64(1)
	_, err := f.engine.TransitionWithRetry(context.Background(), Request{
		SampleID: "S1", Target: model.StageTransported, Actor: tech, ExpectedVersion: &v,
	})
	var stale *model.StaleError
	require.ErrorAs(t, err, &stale)
	assert.Equal(t, uint64(2), stale.Current)
	assert.ErrorIs(t, err, model.ErrStaleState)
}

func TestConcurrentTransitionsWithSameObservedVersion(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.register(t, "S1")
	f.walk(t, "S1", model.StageCollected, model.StageTransported, model.StageReceived)

	s, err := f.engine.Get(ctx, "S1")
	require.NoError(t, err)
	observed := s.Version

	var ok, stale atomic.Int32
	var g errgroup.Group
	for _, actor := range []model.Actor{tech, techB} {
		g.Go(func() error {
			v := observed
			_, err := f.engine.TransitionWithRetry(ctx, Request{
				SampleID: "S1", Target: model.StageProcessing, Actor: actor, ExpectedVersion: &v,
			})
			switch {
			case err == nil:
				ok.Add(1)
			case errors.Is(err, model.ErrStaleState):
				stale.Add(1)
			default:
				return err
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())
	assert.Equal(t, int32(1), ok.Load())
	assert.Equal(t, int32(1), stale.Load())

	h, err := f.engine.History(ctx, "S1")
	require.NoError(t, err)
	assert.Len(t, h, 4)
}

func TestTerminalStageReleasesSlot(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.register(t, "S2")
	f.walk(t, "S2", toStored...)

	box, err := f.pool.ProvisionBox(ctx, "Freezer1", "RackA", "Box1", 2, 2)
	require.NoError(t, err)
	_, slots, err := f.pool.Layout(ctx, box.ID)
	require.NoError(t, err)
	slotID := slots[0].ID
	c, err := f.pool.Claim(ctx, slotID, "tech-a", 0)
	require.NoError(t, err)
	require.NoError(t, f.pool.Occupy(ctx, slotID, "S2", c))

	f.walk(t, "S2", model.StagePendingDiscard)
	s, err := f.engine.Get(ctx, "S2")
	require.NoError(t, err)
	require.NotNil(t, s.SlotID, "pending_discard keeps the slot")
	before := s.Version

	f.walk(t, "S2", model.StageDiscarded)
	s, err = f.engine.Get(ctx, "S2")
	require.NoError(t, err)
	assert.Nil(t, s.SlotID)
	assert.Equal(t, before+1, s.Version)

	slot, err := f.pool.Slot(ctx, slotID)
	require.NoError(t, err)
	assert.Nil(t, slot.OccupantID)

	_, err = f.engine.Transition(ctx, Request{SampleID: "S2", Target: model.StagePendingDiscard, Actor: tech})
	assert.ErrorIs(t, err, model.ErrIllegalTransition)
}

func TestRegisterValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.register(t, "P1")

	child, err := f.engine.Register(ctx, RegisterRequest{ID: "P1-A", ParentID: "P1", Actor: tech})
	require.NoError(t, err)
	require.NotNil(t, child.ParentID)
	assert.Equal(t, "P1", *child.ParentID)
	assert.Equal(t, model.StageRegistered, child.Stage)

	kids, err := f.engine.Children(ctx, "P1")
	require.NoError(t, err)
	require.Len(t, kids, 1)

	_, err = f.engine.Register(ctx, RegisterRequest{ID: "P1", Actor: tech})
	assert.ErrorIs(t, err, model.ErrDuplicate)
	_, err = f.engine.Register(ctx, RegisterRequest{ID: "X1", ParentID: "nope", Actor: tech})
	assert.ErrorIs(t, err, model.ErrInvalidInput)
	_, err = f.engine.Register(ctx, RegisterRequest{ID: "X2", ParentID: "X2", Actor: tech})
	assert.ErrorIs(t, err, model.ErrInvalidInput)
	_, err = f.engine.Register(ctx, RegisterRequest{ID: "bad id", Actor: tech})
	assert.ErrorIs(t, err, model.ErrInvalidInput)
}

func TestDeleteRules(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.register(t, "P1")
	_, err := f.engine.Register(ctx, RegisterRequest{ID: "P1-A", ParentID: "P1", Actor: tech})
	require.NoError(t, err)
	f.walk(t, "P1-A", model.StageCollected)

	assert.ErrorIs(t, f.engine.Delete(ctx, "P1-A", tech), model.ErrForbidden)
	assert.ErrorIs(t, f.engine.Delete(ctx, "P1", supervisor), model.ErrInvalidInput)
	require.NoError(t, f.engine.Delete(ctx, "P1-A", supervisor))

	_, err = f.engine.Get(ctx, "P1-A")
	assert.ErrorIs(t, err, model.ErrEntityNotFound)
	h, err := f.engine.History(ctx, "P1-A")
	require.NoError(t, err)
	assert.Len(t, h, 1, "history outlives the sample")

	_, err = f.engine.History(ctx, "never")
	assert.ErrorIs(t, err, model.ErrEntityNotFound)
	assert.ErrorIs(t, f.engine.Delete(ctx, "never", supervisor), model.ErrEntityNotFound)
}

func TestValidateWalkRejectsBrokenHistories(t *testing.T) {
	reason := "lab exception"
	cases := map[string][]model.StatusTransition{
		"skip without override": {
			{FromStage: model.StageRegistered, ToStage: model.StageReceived},
		},
		"gap between steps": {
			{FromStage: model.StageRegistered, ToStage: model.StageCollected},
			{FromStage: model.StageTransported, ToStage: model.StageReceived},
		},
		"not starting at registered": {
			{FromStage: model.StageCollected, ToStage: model.StageTransported},
		},
	}
	for name, h := range cases {
		var we *WalkError
		assert.ErrorAs(t, ValidateWalk(h), &we, name)
	}

	ok := []model.StatusTransition{
		{FromStage: model.StageRegistered, ToStage: model.StageReceived, OverrideReason: &reason},
		{FromStage: model.StageReceived, ToStage: model.StageProcessing},
	}
	assert.NoError(t, ValidateWalk(ok))
	assert.NoError(t, ValidateWalk(nil))
}

// Random walks with occasional supervisor overrides must always leave a
// history that ValidateWalk accepts.
func TestRandomWalksStayValid(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	rng := rand.New(rand.NewPCG(7, 11))

	for i := 0; i < 12; i++ {
		id := fmt.Sprintf("R%d", i)
		f.register(t, id)
		current := model.StageRegistered
		for step := 0; step < 10 && !current.Terminal(); step++ {
			req := Request{SampleID: id, Actor: tech}
			if rng.IntN(4) == 0 {
				all := model.AllStages()
				req.Target = all[rng.IntN(len(all))]
				req.Actor = supervisor
				req.OverrideReason = "exception"
			} else {
				next := current.Successors()
				req.Target = next[rng.IntN(len(next))]
			}
			_, err := f.engine.Transition(ctx, req)
			if err != nil {
				require.ErrorIs(t, err, model.ErrIllegalTransition)
				continue
			}
			current = req.Target
		}
		h, err := f.engine.History(ctx, id)
		require.NoError(t, err)
		require.NoError(t, ValidateWalk(h), id)
	}
}
