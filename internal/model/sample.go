package model

import "time"

// Sample is a physical biological sample.  Samples may be derived from
// exactly one parent (aliquots), which makes the parent references a tree.
// Version increases by one on every committed change and is the optimistic
// concurrency token used by the lifecycle engine and the sync engine.
//
// Fields:
//
//	ID        – opaque unique code printed on the tube label.
//	Stage     – current lifecycle stage.
//	ParentID  – sample this one was aliquoted from (nil for primaries).
//	Version   – monotonically increasing change counter.
//	SlotID    – storage slot the sample currently occupies (nil when not stored).
//	CreatedAt – registration timestamp.
//	UpdatedAt – timestamp of the last change.
type Sample struct {
	ID        string    `json:"id"`         // samples.id
	Stage     Stage     `json:"stage"`      // samples.stage
	ParentID  *string   `json:"parent_id"`  // samples.parent_id (nullable)
	Version   uint64    `json:"version"`    // samples.version
	SlotID    *uint64   `json:"slot_id"`    // samples.slot_id (nullable, unique)
	CreatedAt time.Time `json:"created_at"` // samples.created_at
	UpdatedAt time.Time `json:"updated_at"` // samples.updated_at
}

// StatusTransition is one immutable row of the chain-of-custody trail.
// OverrideReason is non-nil exactly when the step was forced outside the
// permitted-successor table.
type StatusTransition struct {
	ID             uint64    `json:"id"`
	SampleID       string    `json:"sample_id"`
	FromStage      Stage     `json:"from_stage"`
	ToStage        Stage     `json:"to_stage"`
	ActorID        string    `json:"actor_id"`
	ActorRole      Role      `json:"actor_role"`
	OverrideReason *string   `json:"override_reason,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}
