package allocation

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/labcore/sample-custody/internal/config"
	"github.com/labcore/sample-custody/internal/model"
	"github.com/labcore/sample-custody/internal/queue"
	"github.com/labcore/sample-custody/internal/repository"
	"github.com/labcore/sample-custody/internal/testutil"
)

type fixture struct {
	db       *sql.DB
	pool     *Pool
	clock    *testutil.Clock
	notifier *testutil.Notifier
	box      *model.StorageBox
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db := testutil.NewDB(t)
	clock := testutil.NewClock(time.Date(2026, 5, 4, 9, 0, 0, 0, time.UTC))
	notifier := &testutil.Notifier{}
	pool := NewPool(db, config.ClaimConfig{
		DefaultTTL:          5 * time.Second,
		MaxTTL:              time.Minute,
		ContentionThreshold: 3,
		ContentionWindow:    time.Minute,
	}, Deps{
		Notifier: notifier,
		Now:      clock.Now,
		Log:      zerolog.Nop(),
	})
	box, err := pool.ProvisionBox(context.Background(), "Freezer1", "RackA", "Box3", 4, 6)
	require.NoError(t, err)
	return &fixture{db: db, pool: pool, clock: clock, notifier: notifier, box: box}
}

func (f *fixture) slot(t *testing.T, row, col uint32) uint64 {
	t.Helper()
	s, err := f.pool.Locate(context.Background(), "Freezer1", "RackA", "Box3", row, col)
	require.NoError(t, err)
	return s.ID
}

func (f *fixture) sample(t *testing.T, id string) {
	t.Helper()
	now := f.clock.Now()
	tx, err := f.db.Begin()
	require.NoError(t, err)
	require.NoError(t, repository.NewSampleRepo(f.db).CreateTx(context.Background(), tx, &model.Sample{
		ID: id, Stage: model.StageStored, Version: 1, CreatedAt: now, UpdatedAt: now,
	}))
	require.NoError(t, tx.Commit())
}

func TestProvisionBoxCreatesGrid(t *testing.T) {
	f := newFixture(t)
	box, slots, err := f.pool.Layout(context.Background(), f.box.ID)
	require.NoError(t, err)
	assert.Equal(t, "Box3", box.Label)
	require.Len(t, slots, 24)
	assert.Equal(t, uint32(1), slots[0].Row)
	assert.Equal(t, uint32(1), slots[0].Col)
	assert.Equal(t, uint32(4), slots[23].Row)
	assert.Equal(t, uint32(6), slots[23].Col)
	for _, s := range slots {
		assert.Nil(t, s.OccupantID)
		assert.Equal(t, uint64(1), s.Version)
	}
}

func TestProvisionBoxRejectsDuplicatesAndBadGrids(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.pool.ProvisionBox(ctx, "Freezer1", "RackA", "Box3", 2, 2)
	assert.ErrorIs(t, err, model.ErrDuplicate)

	_, err = f.pool.ProvisionBox(ctx, "Freezer1", "RackA", "Box4", 0, 2)
	assert.ErrorIs(t, err, model.ErrInvalidInput)

	_, err = f.pool.ProvisionBox(ctx, "", "RackA", "Box5", 2, 2)
	assert.ErrorIs(t, err, model.ErrInvalidInput)
}

func TestSecondHolderLockedUntilTTLElapses(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	slotID := f.slot(t, 2, 5)

	first, err := f.pool.Claim(ctx, slotID, "client-x", 5*time.Second)
	require.NoError(t, err)
	assert.NotEmpty(t, first.Token)
	assert.True(t, first.ExpiresAt.Equal(f.clock.Now().Add(5*time.Second)))

	_, err = f.pool.Claim(ctx, slotID, "client-y", 5*time.Second)
	var locked *model.LockedError
	require.ErrorAs(t, err, &locked)
	assert.Equal(t, "client-x", locked.Holder)
	assert.ErrorIs(t, err, model.ErrAlreadyLocked)

	f.clock.Advance(4 * time.Second)
	_, err = f.pool.Claim(ctx, slotID, "client-y", 5*time.Second)
	assert.ErrorIs(t, err, model.ErrAlreadyLocked)

	f.clock.Advance(2 * time.Second)
	second, err := f.pool.Claim(ctx, slotID, "client-y", 5*time.Second)
	require.NoError(t, err)
	assert.Equal(t, "client-y", second.Holder)
}

func TestOccupyAndReleaseClearTheClaim(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	slotID := f.slot(t, 1, 1)
	f.sample(t, "S1")
	f.sample(t, "S2")

	claim, err := f.pool.Claim(ctx, slotID, "client-x", 0)
	require.NoError(t, err)
	require.NoError(t, f.pool.Occupy(ctx, slotID, "S1", claim))

	_, err = f.pool.Claim(ctx, slotID, "client-y", 0)
	var occupied *model.SlotOccupiedError
	require.ErrorAs(t, err, &occupied)
	assert.Equal(t, "S1", occupied.OccupantID)

	require.NoError(t, f.pool.Release(ctx, slotID))
	claim, err = f.pool.Claim(ctx, slotID, "client-y", 0)
	require.NoError(t, err)
	require.NoError(t, f.pool.Occupy(ctx, slotID, "S2", claim))
	assertSymmetric(t, f.db)
}

func TestSameHolderRefreshesItsClaim(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	slotID := f.slot(t, 1, 2)

	first, err := f.pool.Claim(ctx, slotID, "client-x", 5*time.Second)
	require.NoError(t, err)
	f.clock.Advance(3 * time.Second)
	second, err := f.pool.Claim(ctx, slotID, "client-x", 5*time.Second)
	require.NoError(t, err)

	assert.NotEqual(t, first.Token, second.Token)
	assert.True(t, second.ExpiresAt.After(first.ExpiresAt))

	f.sample(t, "S1")
	assert.ErrorIs(t, f.pool.Occupy(ctx, slotID, "S1", first), model.ErrClaimMismatch)
	assert.NoError(t, f.pool.Occupy(ctx, slotID, "S1", second))
}

func TestClaimCapsTTL(t *testing.T) {
	f := newFixture(t)
	c, err := f.pool.Claim(context.Background(), f.slot(t, 1, 3), "client-x", time.Hour)
	require.NoError(t, err)
	assert.True(t, c.ExpiresAt.Equal(f.clock.Now().Add(time.Minute)))
}

func TestOccupyClaimFailures(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	slotID := f.slot(t, 3, 3)
	f.sample(t, "S1")

	claim, err := f.pool.Claim(ctx, slotID, "client-x", 5*time.Second)
	require.NoError(t, err)

	forged := claim
	forged.Holder = "client-y"
	assert.ErrorIs(t, f.pool.Occupy(ctx, slotID, "S1", forged), model.ErrClaimMismatch)

	badToken := claim
	badToken.Token = "nope"
	assert.ErrorIs(t, f.pool.Occupy(ctx, slotID, "S1", badToken), model.ErrClaimMismatch)

	assert.ErrorIs(t, f.pool.Occupy(ctx, slotID, "missing", claim), model.ErrEntityNotFound)

	f.clock.Advance(6 * time.Second)
	assert.ErrorIs(t, f.pool.Occupy(ctx, slotID, "S1", claim), model.ErrClaimExpired)

	// Swept away entirely: still reported as expired, not as a mismatch.
	n, err := f.pool.SweepExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.ErrorIs(t, f.pool.Occupy(ctx, slotID, "S1", claim), model.ErrClaimExpired)

	slot, err := f.pool.Slot(ctx, slotID)
	require.NoError(t, err)
	assert.Nil(t, slot.OccupantID)
	assert.Nil(t, slot.LockHolder)
}

func TestSampleCannotOccupyTwoSlots(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a, b := f.slot(t, 1, 1), f.slot(t, 1, 2)
	f.sample(t, "S1")

	ca, err := f.pool.Claim(ctx, a, "client-x", 0)
	require.NoError(t, err)
	require.NoError(t, f.pool.Occupy(ctx, a, "S1", ca))

	cb, err := f.pool.Claim(ctx, b, "client-x", 0)
	require.NoError(t, err)
	assert.ErrorIs(t, f.pool.Occupy(ctx, b, "S1", cb), model.ErrSampleAlreadyPlaced)
	assertSymmetric(t, f.db)
}

func TestReleaseEmptySlotIsNoop(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	slotID := f.slot(t, 4, 6)

	require.NoError(t, f.pool.Release(ctx, slotID))
	slot, err := f.pool.Slot(ctx, slotID)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), slot.Version)

	assert.ErrorIs(t, f.pool.Release(ctx, 99999), model.ErrEntityNotFound)
}

func TestRetiredSlotsRefuseClaims(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	empty, full := f.slot(t, 2, 1), f.slot(t, 2, 2)
	f.sample(t, "S1")

	require.NoError(t, f.pool.RetireSlot(ctx, empty))
	require.NoError(t, f.pool.RetireSlot(ctx, empty))
	_, err := f.pool.Claim(ctx, empty, "client-x", 0)
	assert.ErrorIs(t, err, model.ErrSlotRetired)

	c, err := f.pool.Claim(ctx, full, "client-x", 0)
	require.NoError(t, err)
	require.NoError(t, f.pool.Occupy(ctx, full, "S1", c))
	assert.ErrorIs(t, f.pool.RetireSlot(ctx, full), model.ErrSlotOccupied)
}

func TestConcurrentClaimsExactlyOneWins(t *testing.T) {
	f := newFixture(t)
	slotID := f.slot(t, 2, 5)

	var wins, locked atomic.Int32
	var g errgroup.Group
	for i := 0; i < 8; i++ {
		holder := fmt.Sprintf("tech-%d", i)
		g.Go(func() error {
			_, err := f.pool.Claim(context.Background(), slotID, holder, 5*time.Second)
			switch {
			case err == nil:
				wins.Add(1)
			case errors.Is(err, model.ErrAlreadyLocked):
				locked.Add(1)
			default:
				return err
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())
	assert.Equal(t, int32(1), wins.Load())
	assert.Equal(t, int32(7), locked.Load())
}

func TestRepeatedLockFailuresNotifyOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	slotID := f.slot(t, 1, 6)

	_, err := f.pool.Claim(ctx, slotID, "client-x", 0)
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		_, err := f.pool.Claim(ctx, slotID, "client-y", 0)
		require.ErrorIs(t, err, model.ErrAlreadyLocked)
	}

	events := f.notifier.OfType(queue.EventSlotContention)
	require.Len(t, events, 1)
	assert.Equal(t, slotID, events[0].SlotID)
	assert.Equal(t, int64(3), events[0].Count)
}

func TestContentionWindowRestartsAfterItPasses(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	slotID := f.slot(t, 2, 6)

	fail := func(n int) {
		_, err := f.pool.Claim(ctx, slotID, "client-x", 0)
		require.NoError(t, err)
		for range n {
			_, err := f.pool.Claim(ctx, slotID, "client-y", 0)
			require.ErrorIs(t, err, model.ErrAlreadyLocked)
		}
	}
	fail(2)
	f.clock.Advance(2 * time.Minute)
	// The two earlier failures fell out of the window.
	fail(2)
	assert.Empty(t, f.notifier.OfType(queue.EventSlotContention))

	fail(1)
	require.Len(t, f.notifier.OfType(queue.EventSlotContention), 1)
}

func TestAssignTxHonoursVersionAndClaims(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	slotID := f.slot(t, 3, 1)
	f.sample(t, "S1")

	run := func(version uint64) error {
		tx, err := f.db.BeginTx(ctx, nil)
		require.NoError(t, err)
		defer tx.Rollback()
		if err := f.pool.AssignTx(ctx, tx, slotID, "S1", version); err != nil {
			return err
		}
		return tx.Commit()
	}

	assert.ErrorIs(t, run(7), model.ErrStaleState)

	_, err := f.pool.Claim(ctx, slotID, "client-x", 5*time.Second)
	require.NoError(t, err)
	assert.ErrorIs(t, run(1), model.ErrAlreadyLocked)

	f.clock.Advance(6 * time.Second)
	require.NoError(t, run(1))
	assertSymmetric(t, f.db)
}

func TestReleaseForSampleTxKeepsSampleVersion(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	slotID := f.slot(t, 4, 1)
	f.sample(t, "S1")
	c, err := f.pool.Claim(ctx, slotID, "client-x", 0)
	require.NoError(t, err)
	require.NoError(t, f.pool.Occupy(ctx, slotID, "S1", c))

	samples := repository.NewSampleRepo(f.db)
	before, err := samples.Get(ctx, "S1")
	require.NoError(t, err)

	tx, err := f.db.BeginTx(ctx, nil)
	require.NoError(t, err)
	require.NoError(t, f.pool.ReleaseForSampleTx(ctx, tx, "S1"))
	require.NoError(t, f.pool.ReleaseForSampleTx(ctx, tx, "S1"))
	require.NoError(t, tx.Commit())

	after, err := samples.Get(ctx, "S1")
	require.NoError(t, err)
	assert.Nil(t, after.SlotID)
	assert.Equal(t, before.Version, after.Version)
	slot, err := f.pool.Slot(ctx, slotID)
	require.NoError(t, err)
	assert.Nil(t, slot.OccupantID)
}

func TestReferentialSymmetryUnderChurn(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	for i := 0; i < 6; i++ {
		f.sample(t, fmt.Sprintf("S%d", i))
	}

	var g errgroup.Group
	for i := 0; i < 6; i++ {
		sampleID := fmt.Sprintf("S%d", i)
		holder := fmt.Sprintf("tech-%d", i)
		g.Go(func() error {
			for round := 0; round < 4; round++ {
				for col := uint32(1); col <= 3; col++ {
					s, err := f.pool.Locate(ctx, "Freezer1", "RackA", "Box3", 1, col)
					if err != nil {
						return err
					}
					c, err := f.pool.Claim(ctx, s.ID, holder, 0)
					if err != nil {
						continue
					}
					if err := f.pool.Occupy(ctx, s.ID, sampleID, c); err != nil {
						if errors.Is(err, model.ErrSampleAlreadyPlaced) {
							_ = f.pool.Release(ctx, s.ID)
							continue
						}
						return err
					}
					if round%2 == 1 {
						if err := f.pool.Release(ctx, s.ID); err != nil {
							return err
						}
					}
					break
				}
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())
	assertSymmetric(t, f.db)
}

func TestLocalLockerHonoursContext(t *testing.T) {
	l := NewLocalLocker()
	unlock, err := l.Lock(context.Background(), "slot:1")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = l.Lock(ctx, "slot:1")
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	other, err := l.Lock(context.Background(), "slot:2")
	require.NoError(t, err)
	other()

	unlock()
	unlock()
	again, err := l.Lock(context.Background(), "slot:1")
	require.NoError(t, err)
	again()
	assert.Empty(t, l.locks)
}

// assertSymmetric checks that every occupied slot names a sample pointing
// back at it and every placed sample names a slot holding it.
func assertSymmetric(t *testing.T, db *sql.DB) {
	t.Helper()
	var broken int
	require.NoError(t, db.QueryRow(`
		SELECT COUNT(*) FROM storage_slots s
		LEFT JOIN samples p ON p.id = s.occupant_sample_id
		WHERE s.occupant_sample_id IS NOT NULL AND (p.slot_id IS NULL OR p.slot_id <> s.id)`).Scan(&broken))
	assert.Zero(t, broken, "slot occupant without back reference")
	require.NoError(t, db.QueryRow(`
		SELECT COUNT(*) FROM samples p
		LEFT JOIN storage_slots s ON s.id = p.slot_id
		WHERE p.slot_id IS NOT NULL AND (s.occupant_sample_id IS NULL OR s.occupant_sample_id <> p.id)`).Scan(&broken))
	assert.Zero(t, broken, "sample slot reference without occupant")
}
