// Package queue defines the notification payloads exchanged over the
// message broker and the consumer that drains them.
package queue

import "time"

// QueueName is the durable queue carrying every notification.
const QueueName = "labcore.notifications"

// EventType names a notification.
type EventType string

const (
	// EventConflictCreated is published for every new conflict record.
	EventConflictCreated EventType = "conflict.created"
	// EventSlotContention is published when claims on one slot keep failing.
	EventSlotContention EventType = "slot.contention"
)

// Event is a notification for operators.  Delivery is best effort; the
// core never waits for or depends on it.
type Event struct {
	Type       EventType `json:"type"`
	ConflictID string    `json:"conflict_id,omitempty"`
	SessionID  string    `json:"session_id,omitempty"`
	EntityType string    `json:"entity_type,omitempty"`
	EntityID   string    `json:"entity_id,omitempty"`
	Reason     string    `json:"reason,omitempty"`
	SlotID     uint64    `json:"slot_id,omitempty"`
	Count      int64     `json:"count,omitempty"`
	OccurredAt time.Time `json:"occurred_at"`
}
