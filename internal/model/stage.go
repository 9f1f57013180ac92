package model

import (
	"fmt"
	"strings"
)

// Stage is a sample's position in its processing lifecycle.  The set of
// stages is closed; Successors switches over every value so that adding a
// stage without deciding its successors fails TestEveryStageHasATableEntry.
type Stage string

const (
	StageRegistered     Stage = "registered"
	StageCollected      Stage = "collected"
	StageTransported    Stage = "transported"
	StageReceived       Stage = "received"
	StageProcessing     Stage = "processing"
	StageStored         Stage = "stored"
	StageReserved       Stage = "reserved"
	StageInAnalysis     Stage = "in_analysis"
	StagePendingDiscard Stage = "pending_discard"
	StageDepleted       Stage = "depleted"
	StageDiscarded      Stage = "discarded"
)

// AllStages returns every stage in lifecycle order.
func AllStages() []Stage {
	return []Stage{
		StageRegistered,
		StageCollected,
		StageTransported,
		StageReceived,
		StageProcessing,
		StageStored,
		StageReserved,
		StageInAnalysis,
		StagePendingDiscard,
		StageDepleted,
		StageDiscarded,
	}
}

// Successors is the permitted-successor table.  It is the only place that
// decides which transitions are legal without an override.
func (s Stage) Successors() []Stage {
	switch s {
	case StageRegistered:
		return []Stage{StageCollected}
	case StageCollected:
		return []Stage{StageTransported}
	case StageTransported:
		return []Stage{StageReceived}
	case StageReceived:
		return []Stage{StageProcessing}
	case StageProcessing:
		return []Stage{StageStored}
	case StageStored:
		return []Stage{StageReserved, StageInAnalysis, StageProcessing, StagePendingDiscard}
	case StageReserved:
		return []Stage{StagePendingDiscard}
	case StageInAnalysis:
		return []Stage{StageProcessing, StagePendingDiscard}
	case StagePendingDiscard:
		return []Stage{StageDepleted, StageDiscarded}
	case StageDepleted, StageDiscarded:
		return nil
	}
	return nil
}

// Valid reports whether s is one of the known stages.
func (s Stage) Valid() bool {
	for _, st := range AllStages() {
		if st == s {
			return true
		}
	}
	return false
}

// Terminal reports whether no further transition is permitted from s.
func (s Stage) Terminal() bool {
	return s.Valid() && len(s.Successors()) == 0
}

// CanTransitionTo reports whether target is in the permitted-successor set of s.
func (s Stage) CanTransitionTo(target Stage) bool {
	for _, next := range s.Successors() {
		if next == target {
			return true
		}
	}
	return false
}

// ParseStage converts a user supplied string into a Stage.
func ParseStage(raw string) (Stage, error) {
	s := Stage(strings.ToLower(strings.TrimSpace(raw)))
	if !s.Valid() {
		return "", fmt.Errorf("%w: unknown stage %q", ErrInvalidInput, raw)
	}
	return s, nil
}
