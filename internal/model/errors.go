package model

import (
	"errors"
	"fmt"
	"time"
)

// Sentinel errors shared by the engines, the repositories and the HTTP
// layer.  Handlers translate them into status codes; the sync engine
// converts the domain ones into conflict records.
var (
	ErrIllegalTransition   = errors.New("illegal transition")
	ErrStaleState          = errors.New("stale state")
	ErrAlreadyLocked       = errors.New("slot already locked")
	ErrSlotOccupied        = errors.New("slot occupied")
	ErrClaimExpired        = errors.New("claim expired")
	ErrClaimMismatch       = errors.New("claim mismatch")
	ErrDuplicate           = errors.New("duplicate")
	ErrEntityNotFound      = errors.New("entity not found")
	ErrSlotRetired         = errors.New("slot retired")
	ErrSampleAlreadyPlaced = errors.New("sample already placed in another slot")
	ErrForbidden           = errors.New("forbidden")
	ErrSequenceReused      = errors.New("sequence number already used in session")
	ErrInvalidInput        = errors.New("invalid input")
)

// TransitionError carries the current stage so an operator can correct the
// request.  It unwraps to ErrIllegalTransition.
type TransitionError struct {
	SampleID string
	From     Stage
	To       Stage
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("illegal transition for sample %s: %s -> %s", e.SampleID, e.From, e.To)
}

func (e *TransitionError) Unwrap() error { return ErrIllegalTransition }

// SlotOccupiedError names the sample currently sitting in the slot.
type SlotOccupiedError struct {
	SlotID     uint64
	OccupantID string
}

func (e *SlotOccupiedError) Error() string {
	return fmt.Sprintf("slot %d is occupied by sample %s", e.SlotID, e.OccupantID)
}

func (e *SlotOccupiedError) Unwrap() error { return ErrSlotOccupied }

// LockedError describes the claim that blocked a new claim.
type LockedError struct {
	SlotID    uint64
	Holder    string
	ExpiresAt time.Time
}

func (e *LockedError) Error() string {
	return fmt.Sprintf("slot %d is claimed by %s until %s", e.SlotID, e.Holder, e.ExpiresAt.UTC().Format(time.RFC3339Nano))
}

func (e *LockedError) Unwrap() error { return ErrAlreadyLocked }

// StaleError reports the version an entity actually had when a
// compare-and-swap expected another.  It unwraps to ErrStaleState.
type StaleError struct {
	EntityType EntityType
	EntityID   string
	Expected   uint64
	Current    uint64
}

func (e *StaleError) Error() string {
	return fmt.Sprintf("%s %s is at version %d, expected %d", e.EntityType, e.EntityID, e.Current, e.Expected)
}

func (e *StaleError) Unwrap() error { return ErrStaleState }
