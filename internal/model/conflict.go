package model

import (
	"encoding/json"
	"time"
)

// Resolution is the outcome recorded on a conflict.
type Resolution string

const (
	// ResolutionServerWins is the initial outcome: the stale write was discarded.
	ResolutionServerWins Resolution = "server_wins"
	// ResolutionAccepted means an operator reviewed and kept the server state.
	ResolutionAccepted Resolution = "accepted"
	// ResolutionManualOverride means an operator re-applied the change explicitly.
	ResolutionManualOverride Resolution = "manual_override"
)

// ParseResolution validates a resolution filter value.
func ParseResolution(raw string) (Resolution, bool) {
	switch r := Resolution(raw); r {
	case ResolutionServerWins, ResolutionAccepted, ResolutionManualOverride:
		return r, true
	}
	return "", false
}

// ConflictReason explains why a queued mutation was not applied.
type ConflictReason string

const (
	ReasonVersionMismatch   ConflictReason = "version_mismatch"
	ReasonNotFound          ConflictReason = "not_found"
	ReasonRetired           ConflictReason = "retired"
	ReasonIllegalTransition ConflictReason = "illegal_transition"
	ReasonSlotOccupied      ConflictReason = "slot_occupied"
	ReasonSlotLocked        ConflictReason = "slot_locked"
	ReasonForbidden         ConflictReason = "forbidden"
	ReasonInvalid           ConflictReason = "invalid"
)

// ConflictRecord is produced when a queued mutation could not be applied
// against the current server state.  Records are append-only apart from
// the resolution fields an operator sets during review.
type ConflictRecord struct {
	ID              string          `json:"id"`
	MutationKey     string          `json:"mutation_key"`
	SessionID       string          `json:"session_id"`
	EntityType      EntityType      `json:"entity_type"`
	EntityID        string          `json:"entity_id"`
	Operation       OperationKind   `json:"operation"`
	Reason          ConflictReason  `json:"reason"`
	ObservedVersion uint64          `json:"observed_version"`
	ServerVersion   *uint64         `json:"server_version,omitempty"`
	ServerValue     json.RawMessage `json:"server_value,omitempty"`
	ProposedValue   json.RawMessage `json:"proposed_value,omitempty"`
	Resolution      Resolution      `json:"resolution"`
	ResolvedBy      *string         `json:"resolved_by,omitempty"`
	ResolvedAt      *time.Time      `json:"resolved_at,omitempty"`
	ResolutionNote  *string         `json:"resolution_note,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
}
