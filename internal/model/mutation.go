package model

import (
	"encoding/json"
	"time"
)

// EntityType names the kind of entity a queued mutation targets.
type EntityType string

const (
	EntitySample EntityType = "sample"
	EntitySlot   EntityType = "slot"
)

// OperationKind is the closed set of operations a disconnected client may
// queue.  Applying a mutation switches over every kind.
type OperationKind string

const (
	// OpSetStage moves a sample to payload.stage.
	OpSetStage OperationKind = "set_stage"
	// OpAssignSlot stores payload.sample_id in the target slot.
	OpAssignSlot OperationKind = "assign_slot"
	// OpReleaseSlot empties the target slot.
	OpReleaseSlot OperationKind = "release_slot"
)

// AllOperations lists every operation kind.
func AllOperations() []OperationKind {
	return []OperationKind{OpSetStage, OpAssignSlot, OpReleaseSlot}
}

// TargetEntity returns the entity type an operation must target.
func (k OperationKind) TargetEntity() (EntityType, bool) {
	switch k {
	case OpSetStage:
		return EntitySample, true
	case OpAssignSlot, OpReleaseSlot:
		return EntitySlot, true
	}
	return "", false
}

// MutationStatus tracks a queued mutation through the ledger.
type MutationStatus string

const (
	MutationPending  MutationStatus = "pending"
	MutationAccepted MutationStatus = "accepted"
	MutationConflict MutationStatus = "conflict"
)

// MutationPayload is the union of the operation payloads.  Only the fields
// relevant to Operation are read.
type MutationPayload struct {
	Stage          Stage   `json:"stage,omitempty"`
	OverrideReason *string `json:"override_reason,omitempty"`
	SampleID       string  `json:"sample_id,omitempty"`
}

// QueuedMutation is a change recorded by a disconnected client.  Within a
// session mutations apply in Sequence order; ObservedVersion is the target's
// version as the client last knew it, counting the client's own earlier
// mutations.
type QueuedMutation struct {
	ID              uint64          `json:"id"`
	IdempotencyKey  string          `json:"idempotency_key"`
	SessionID       string          `json:"session_id"`
	Sequence        uint64          `json:"sequence"`
	EntityType      EntityType      `json:"entity_type"`
	EntityID        string          `json:"entity_id"`
	Operation       OperationKind   `json:"operation"`
	Payload         MutationPayload `json:"payload"`
	ObservedVersion uint64          `json:"observed_version"`
	ClientTimestamp time.Time       `json:"client_timestamp"`
	Actor           Actor           `json:"actor"`
	Status          MutationStatus  `json:"status"`
	ArrivedAt       time.Time       `json:"arrived_at"`
	AppliedAt       *time.Time      `json:"applied_at,omitempty"`
}

// PayloadJSON encodes the payload for storage.
func (m QueuedMutation) PayloadJSON() (string, error) {
	b, err := json.Marshal(m.Payload)
	if err != nil {
		return "", err
	}
	return string(b), nil
}
