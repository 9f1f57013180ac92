package allocation

import (
	"context"
	"fmt"
	"strings"

	"github.com/labcore/sample-custody/internal/model"
)

// MaxGridSide bounds the rows and columns of a provisioned box.
const MaxGridSide = 32

// ProvisionBox creates a box and one empty slot per grid cell.
func (p *Pool) ProvisionBox(ctx context.Context, freezer, rack, label string, rows, cols uint32) (*model.StorageBox, error) {
	freezer, rack, label = strings.TrimSpace(freezer), strings.TrimSpace(rack), strings.TrimSpace(label)
	if freezer == "" || rack == "" || label == "" {
		return nil, fmt.Errorf("%w: freezer, rack and label are required", model.ErrInvalidInput)
	}
	if rows == 0 || cols == 0 || rows > MaxGridSide || cols > MaxGridSide {
		return nil, fmt.Errorf("%w: grid must be between 1x1 and %dx%d", model.ErrInvalidInput, MaxGridSide, MaxGridSide)
	}

	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	box := &model.StorageBox{
		Freezer:   freezer,
		Rack:      rack,
		Label:     label,
		Rows:      rows,
		Cols:      cols,
		CreatedAt: p.clock(),
	}
	if err := p.boxes.CreateTx(ctx, tx, box); err != nil {
		return nil, err
	}
	if err := p.slots.CreateGridTx(ctx, tx, box.ID, rows, cols); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	p.log.Info().Uint64("box_id", box.ID).Str("freezer", freezer).Str("rack", rack).Str("label", label).
		Uint32("rows", rows).Uint32("cols", cols).Msg("box provisioned")
	return box, nil
}

// Layout returns a box and its slots in row-major order.
func (p *Pool) Layout(ctx context.Context, boxID uint64) (*model.StorageBox, []model.StorageSlot, error) {
	box, err := p.boxes.Get(ctx, boxID)
	if err != nil {
		return nil, nil, err
	}
	slots, err := p.slots.ListByBox(ctx, boxID)
	if err != nil {
		return nil, nil, err
	}
	return box, slots, nil
}

// Slot returns the current state of one slot.
func (p *Pool) Slot(ctx context.Context, slotID uint64) (*model.StorageSlot, error) {
	return p.slots.Get(ctx, slotID)
}

// Locate resolves a physical address to its slot.
func (p *Pool) Locate(ctx context.Context, freezer, rack, label string, row, col uint32) (*model.StorageSlot, error) {
	return p.slots.GetByLocation(ctx, freezer, rack, label, row, col)
}
