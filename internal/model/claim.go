package model

import "time"

// Claim is a short-lived exclusive reservation on a slot taken before
// occupancy is committed.  Claims expire on their own at ExpiresAt so an
// abandoned client can never wedge a slot.
//
// Fields:
//
//	SlotID    – slot being claimed.
//	Holder    – caller identity that owns the claim.
//	Token     – opaque token the holder must present to Occupy.
//	ExpiresAt – when the claim lapses.
type Claim struct {
	SlotID    uint64    `json:"slot_id"`
	Holder    string    `json:"holder"`
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}
