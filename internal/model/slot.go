package model

import "time"

// StorageSlot is one row/column cell of a storage box.  Occupancy and the
// short-lived claim transition independently; a slot holds at most one
// sample, and that sample's SlotID points back to it.
//
// Fields:
//
//	ID            – primary key identifier.
//	BoxID         – box containing the slot.
//	Row, Col      – 1-based grid coordinates, unique per box.
//	OccupantID    – sample stored in the slot (nil when empty).
//	LockHolder    – holder of the current claim (nil when unclaimed).
//	LockToken     – opaque token handed to the claim holder.
//	LockExpiresAt – when the current claim lapses.
//	Version       – optimistic change counter, bumped on occupy/release.
//	Retired       – permanently withdrawn from use.
type StorageSlot struct {
	ID            uint64     `json:"id"`                        // storage_slots.id
	BoxID         uint64     `json:"box_id"`                    // storage_slots.box_id
	Row           uint32     `json:"row"`                       // storage_slots.row_idx
	Col           uint32     `json:"col"`                       // storage_slots.col_idx
	OccupantID    *string    `json:"occupant_id"`               // storage_slots.occupant_sample_id (nullable)
	LockHolder    *string    `json:"lock_holder,omitempty"`     // storage_slots.lock_holder (nullable)
	LockToken     *string    `json:"-"`                         // storage_slots.lock_token (nullable)
	LockExpiresAt *time.Time `json:"lock_expires_at,omitempty"` // storage_slots.lock_expires_ms (nullable)
	Version       uint64     `json:"version"`                   // storage_slots.version
	Retired       bool       `json:"retired"`                   // storage_slots.retired
}

// ClaimActive reports whether the slot carries a claim that has not lapsed at now.
func (s StorageSlot) ClaimActive(now time.Time) bool {
	return s.LockHolder != nil && s.LockExpiresAt != nil && s.LockExpiresAt.After(now)
}
