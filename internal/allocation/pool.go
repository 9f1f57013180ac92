// Package allocation owns the physical storage slots and guarantees at most
// one occupant per slot under concurrent claims.
//
// Allocation is a two step protocol.  Claim takes a short-lived exclusive
// reservation on an empty slot; Occupy commits the sample into the slot and
// requires the live claim.  A claim that is never followed by Occupy lapses
// on its own at its deadline, so an abandoned client cannot wedge a slot.
package allocation

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/labcore/sample-custody/internal/config"
	"github.com/labcore/sample-custody/internal/metrics"
	"github.com/labcore/sample-custody/internal/model"
	"github.com/labcore/sample-custody/internal/queue"
	"github.com/labcore/sample-custody/internal/repository"
)

// ContentionCounter counts failed claims per key within a rolling window.
type ContentionCounter interface {
	Incr(ctx context.Context, key string, window time.Duration) (int64, error)
}

// Notifier receives operator notifications.  Notify must not block.
type Notifier interface {
	Notify(ctx context.Context, ev queue.Event)
}

// Deps carries the collaborators of a Pool.  A nil Locker or Counter gets
// the in-process LocalLocker or LocalCounter; a nil Notifier drops
// contention notifications.
type Deps struct {
	Locker   Locker
	Counter  ContentionCounter
	Notifier Notifier
	Now      func() time.Time
	Log      zerolog.Logger
}

// Pool is the Allocation Pool.
type Pool struct {
	db      *sql.DB
	boxes   *repository.BoxRepo
	slots   *repository.SlotRepo
	samples *repository.SampleRepo

	cfg      config.ClaimConfig
	locker   Locker
	counter  ContentionCounter
	notifier Notifier
	now      func() time.Time
	log      zerolog.Logger
}

// NewPool constructs a Pool.
func NewPool(db *sql.DB, cfg config.ClaimConfig, deps Deps) *Pool {
	p := &Pool{
		db:       db,
		boxes:    repository.NewBoxRepo(db),
		slots:    repository.NewSlotRepo(db),
		samples:  repository.NewSampleRepo(db),
		cfg:      cfg,
		locker:   deps.Locker,
		counter:  deps.Counter,
		notifier: deps.Notifier,
		now:      deps.Now,
		log:      deps.Log,
	}
	if p.cfg.DefaultTTL <= 0 {
		p.cfg.DefaultTTL = 5 * time.Second
	}
	if p.cfg.MaxTTL < p.cfg.DefaultTTL {
		p.cfg.MaxTTL = p.cfg.DefaultTTL
	}
	if p.cfg.ContentionThreshold < 1 {
		p.cfg.ContentionThreshold = 5
	}
	if p.cfg.ContentionWindow <= 0 {
		p.cfg.ContentionWindow = time.Minute
	}
	if p.locker == nil {
		p.locker = NewLocalLocker()
	}
	if p.now == nil {
		p.now = time.Now
	}
	if p.counter == nil {
		p.counter = NewLocalCounter(p.cfg.ContentionWindow, p.now)
	}
	return p
}

func slotKey(id uint64) string { return fmt.Sprintf("slot:%d", id) }

// clock returns the current time at the millisecond precision claims are
// stored with.
func (p *Pool) clock() time.Time { return p.now().UTC().Truncate(time.Millisecond) }

// lockSlot acquires the slot's exclusion primitive, waiting at most wait.
// Callers must already hold their transaction so that lock order is always
// connection first, slot second.
func (p *Pool) lockSlot(ctx context.Context, id uint64, wait time.Duration) (func(), error) {
	lctx, cancel := context.WithTimeout(ctx, wait)
	defer cancel()
	unlock, err := p.locker.Lock(lctx, slotKey(id))
	if err != nil {
		if ctx.Err() == nil && errors.Is(err, context.DeadlineExceeded) {
			return nil, fmt.Errorf("slot %d busy: %w", id, model.ErrAlreadyLocked)
		}
		return nil, err
	}
	return unlock, nil
}

// Claim takes a short-lived exclusive claim on an empty slot for holder.
// A non-positive ttl means the configured default; longer ttls are capped.
// The same holder claiming again refreshes its claim with a new token.
func (p *Pool) Claim(ctx context.Context, slotID uint64, holder string, ttl time.Duration) (model.Claim, error) {
	if holder == "" {
		return model.Claim{}, fmt.Errorf("%w: claim holder is required", model.ErrInvalidInput)
	}
	if ttl <= 0 {
		ttl = p.cfg.DefaultTTL
	}
	if ttl > p.cfg.MaxTTL {
		ttl = p.cfg.MaxTTL
	}

	claim, err := p.claim(ctx, slotID, holder, ttl)
	switch {
	case err == nil:
		metrics.RecordClaim("ok")
		p.log.Debug().Uint64("slot_id", slotID).Str("holder", holder).Time("expires_at", claim.ExpiresAt).Msg("slot claimed")
	case errors.Is(err, model.ErrAlreadyLocked):
		metrics.RecordClaim("locked")
		p.recordContention(ctx, slotID)
	case errors.Is(err, model.ErrSlotOccupied):
		metrics.RecordClaim("occupied")
	default:
		metrics.RecordClaim("error")
	}
	return claim, err
}

func (p *Pool) claim(ctx context.Context, slotID uint64, holder string, ttl time.Duration) (model.Claim, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return model.Claim{}, err
	}
	defer tx.Rollback()

	unlock, err := p.lockSlot(ctx, slotID, ttl)
	if err != nil {
		return model.Claim{}, err
	}
	defer unlock()

	now := p.clock()
	slot, err := p.slots.GetTx(ctx, tx, slotID)
	if err != nil {
		return model.Claim{}, err
	}
	if err := claimable(slot, holder, now); err != nil {
		return model.Claim{}, err
	}

	c := model.Claim{
		SlotID:    slotID,
		Holder:    holder,
		Token:     uuid.NewString(),
		ExpiresAt: now.Add(ttl),
	}
	ok, err := p.slots.ClaimTx(ctx, tx, slotID, c.Holder, c.Token, c.ExpiresAt, now)
	if err != nil {
		return model.Claim{}, err
	}
	if !ok {
		// Another process won between the read and the write.
		slot, err = p.slots.GetTx(ctx, tx, slotID)
		if err != nil {
			return model.Claim{}, err
		}
		if err := claimable(slot, holder, now); err != nil {
			return model.Claim{}, err
		}
		return model.Claim{}, &model.LockedError{SlotID: slotID}
	}
	if err := tx.Commit(); err != nil {
		return model.Claim{}, err
	}
	return c, nil
}

// claimable reports why holder may not claim slot at now, or nil.
func claimable(slot *model.StorageSlot, holder string, now time.Time) error {
	if slot.Retired {
		return fmt.Errorf("slot %d: %w", slot.ID, model.ErrSlotRetired)
	}
	if slot.OccupantID != nil {
		return &model.SlotOccupiedError{SlotID: slot.ID, OccupantID: *slot.OccupantID}
	}
	if slot.ClaimActive(now) && *slot.LockHolder != holder {
		return &model.LockedError{SlotID: slot.ID, Holder: *slot.LockHolder, ExpiresAt: *slot.LockExpiresAt}
	}
	return nil
}

func (p *Pool) recordContention(ctx context.Context, slotID uint64) {
	n, err := p.counter.Incr(ctx, "labcore:contention:"+slotKey(slotID), p.cfg.ContentionWindow)
	if err != nil {
		p.log.Warn().Err(err).Uint64("slot_id", slotID).Msg("contention counter unavailable")
		return
	}
	if n != int64(p.cfg.ContentionThreshold) {
		return
	}
	p.log.Warn().Uint64("slot_id", slotID).Int64("failed_claims", n).Msg("repeated claim failures on slot")
	if p.notifier != nil {
		p.notifier.Notify(ctx, queue.Event{
			Type:       queue.EventSlotContention,
			SlotID:     slotID,
			EntityType: string(model.EntitySlot),
			EntityID:   fmt.Sprint(slotID),
			Count:      n,
			OccurredAt: p.clock(),
		})
	}
}

// Occupy commits sampleID into the slot.  It requires the live claim taken
// by the same holder; the slot occupant and the sample's slot reference are
// set in one transaction and the claim is cleared.
func (p *Pool) Occupy(ctx context.Context, slotID uint64, sampleID string, claim model.Claim) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	unlock, err := p.lockSlot(ctx, slotID, p.cfg.DefaultTTL)
	if err != nil {
		return err
	}
	defer unlock()

	now := p.clock()
	slot, err := p.slots.GetTx(ctx, tx, slotID)
	if err != nil {
		return err
	}
	if slot.Retired {
		return fmt.Errorf("slot %d: %w", slotID, model.ErrSlotRetired)
	}
	if slot.OccupantID != nil {
		return &model.SlotOccupiedError{SlotID: slotID, OccupantID: *slot.OccupantID}
	}
	if err := checkClaim(slot, claim, now); err != nil {
		return err
	}
	if err := p.place(ctx, tx, slot, sampleID, now); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	p.log.Info().Uint64("slot_id", slotID).Str("sample_id", sampleID).Msg("slot occupied")
	return nil
}

// checkClaim verifies that claim is the slot's current, unexpired claim.
func checkClaim(slot *model.StorageSlot, claim model.Claim, now time.Time) error {
	matches := slot.LockHolder != nil && *slot.LockHolder == claim.Holder &&
		slot.LockToken != nil && *slot.LockToken == claim.Token
	if matches {
		if !slot.ClaimActive(now) {
			return fmt.Errorf("claim on slot %d lapsed at %s: %w", slot.ID, slot.LockExpiresAt.Format(time.RFC3339Nano), model.ErrClaimExpired)
		}
		return nil
	}
	// The claim may have lapsed and been swept or taken over since.
	if !claim.ExpiresAt.IsZero() && !claim.ExpiresAt.After(now) {
		return fmt.Errorf("claim on slot %d lapsed: %w", slot.ID, model.ErrClaimExpired)
	}
	return fmt.Errorf("slot %d is not claimed by %s: %w", slot.ID, claim.Holder, model.ErrClaimMismatch)
}

// place stores the sample into an empty, in-service slot and points the
// sample back at it.  Both versions are bumped.
func (p *Pool) place(ctx context.Context, tx *sql.Tx, slot *model.StorageSlot, sampleID string, now time.Time) error {
	sample, err := p.samples.GetTx(ctx, tx, sampleID)
	if err != nil {
		return err
	}
	if sample.SlotID != nil {
		return fmt.Errorf("sample %s is in slot %d: %w", sampleID, *sample.SlotID, model.ErrSampleAlreadyPlaced)
	}
	if err := p.slots.OccupyTx(ctx, tx, slot.ID, sampleID, slot.Version); err != nil {
		return err
	}
	id := slot.ID
	return p.samples.SetSlotTx(ctx, tx, sampleID, &id, sample.Version, now)
}

// AssignTx stores sampleID in the slot without a prior claim, inside the
// caller's transaction.  The sync engine uses it to replay offline
// assignments: the slot must still be at expectedVersion and no live claim
// by anyone may be pending on it.
func (p *Pool) AssignTx(ctx context.Context, tx *sql.Tx, slotID uint64, sampleID string, expectedVersion uint64) error {
	unlock, err := p.lockSlot(ctx, slotID, p.cfg.DefaultTTL)
	if err != nil {
		return err
	}
	defer unlock()

	now := p.clock()
	slot, err := p.slots.GetTx(ctx, tx, slotID)
	if err != nil {
		return err
	}
	if slot.Retired {
		return fmt.Errorf("slot %d: %w", slotID, model.ErrSlotRetired)
	}
	if slot.Version != expectedVersion {
		return &model.StaleError{EntityType: model.EntitySlot, EntityID: fmt.Sprint(slotID), Expected: expectedVersion, Current: slot.Version}
	}
	if slot.OccupantID != nil {
		return &model.SlotOccupiedError{SlotID: slotID, OccupantID: *slot.OccupantID}
	}
	if slot.ClaimActive(now) {
		return &model.LockedError{SlotID: slotID, Holder: *slot.LockHolder, ExpiresAt: *slot.LockExpiresAt}
	}
	return p.place(ctx, tx, slot, sampleID, now)
}

// Release empties the slot and clears the former occupant's slot
// reference.  Releasing an empty slot is a no-op.
func (p *Pool) Release(ctx context.Context, slotID uint64) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	released, err := p.ReleaseTx(ctx, tx, slotID, nil)
	if err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	if released != "" {
		p.log.Info().Uint64("slot_id", slotID).Str("sample_id", released).Msg("slot released")
	}
	return nil
}

// ReleaseTx is Release inside the caller's transaction.  When
// expectedVersion is set the slot must still be at that version.  It
// returns the id of the sample that was removed, or "" for an empty slot.
func (p *Pool) ReleaseTx(ctx context.Context, tx *sql.Tx, slotID uint64, expectedVersion *uint64) (string, error) {
	unlock, err := p.lockSlot(ctx, slotID, p.cfg.DefaultTTL)
	if err != nil {
		return "", err
	}
	defer unlock()

	slot, err := p.slots.GetTx(ctx, tx, slotID)
	if err != nil {
		return "", err
	}
	if expectedVersion != nil && slot.Version != *expectedVersion {
		return "", &model.StaleError{EntityType: model.EntitySlot, EntityID: fmt.Sprint(slotID), Expected: *expectedVersion, Current: slot.Version}
	}
	if slot.OccupantID == nil {
		return "", nil
	}
	occupant := *slot.OccupantID
	if err := p.slots.ReleaseTx(ctx, tx, slotID, slot.Version); err != nil {
		return "", err
	}
	sample, err := p.samples.GetTx(ctx, tx, occupant)
	if errors.Is(err, model.ErrEntityNotFound) {
		return occupant, nil
	}
	if err != nil {
		return "", err
	}
	if err := p.samples.SetSlotTx(ctx, tx, occupant, nil, sample.Version, p.clock()); err != nil {
		return "", err
	}
	return occupant, nil
}

// ReleaseForSampleTx empties the slot holding sampleID, if any, leaving the
// sample's version to the caller's own versioned write in tx.  The
// lifecycle engine calls it when a sample reaches a terminal stage.
func (p *Pool) ReleaseForSampleTx(ctx context.Context, tx *sql.Tx, sampleID string) error {
	slot, err := p.slots.FindByOccupantTx(ctx, tx, sampleID)
	if err != nil || slot == nil {
		return err
	}
	unlock, err := p.lockSlot(ctx, slot.ID, p.cfg.DefaultTTL)
	if err != nil {
		return err
	}
	defer unlock()

	if err := p.slots.ReleaseTx(ctx, tx, slot.ID, slot.Version); err != nil {
		return err
	}
	if err := p.samples.ClearSlotTx(ctx, tx, sampleID); err != nil {
		return err
	}
	p.log.Info().Uint64("slot_id", slot.ID).Str("sample_id", sampleID).Msg("slot released for terminal sample")
	return nil
}

// RetireSlot permanently withdraws an empty slot from service.  Retiring a
// retired slot is a no-op.
func (p *Pool) RetireSlot(ctx context.Context, slotID uint64) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	unlock, err := p.lockSlot(ctx, slotID, p.cfg.DefaultTTL)
	if err != nil {
		return err
	}
	defer unlock()

	slot, err := p.slots.GetTx(ctx, tx, slotID)
	if err != nil {
		return err
	}
	if slot.Retired {
		return nil
	}
	if slot.OccupantID != nil {
		return &model.SlotOccupiedError{SlotID: slotID, OccupantID: *slot.OccupantID}
	}
	if err := p.slots.RetireTx(ctx, tx, slotID, slot.Version); err != nil {
		return err
	}
	return tx.Commit()
}

// SweepExpired clears lapsed claims and returns how many it cleared.  Every
// read already treats a lapsed claim as absent; sweeping only keeps the
// table tidy.
func (p *Pool) SweepExpired(ctx context.Context) (int, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	ids, err := p.slots.ExpireClaimsTx(ctx, tx, p.clock())
	if err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	metrics.RecordSwept(len(ids))
	if len(ids) > 0 {
		p.log.Debug().Int("count", len(ids)).Msg("expired claims swept")
	}
	return len(ids), nil
}

// RunSweeper calls SweepExpired every interval until ctx is done.
func (p *Pool) RunSweeper(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = p.cfg.SweepInterval
	}
	if interval <= 0 {
		interval = 30 * time.Second
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			if _, err := p.SweepExpired(ctx); err != nil && ctx.Err() == nil {
				p.log.Error().Err(err).Msg("claim sweep failed")
			}
		}
	}
}
