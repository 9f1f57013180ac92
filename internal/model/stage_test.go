package model

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEveryStageHasATableEntry(t *testing.T) {
	for _, s := range AllStages() {
		if s == StageDepleted || s == StageDiscarded {
			assert.True(t, s.Terminal(), "%s should be terminal", s)
			continue
		}
		assert.NotEmpty(t, s.Successors(), "%s has no successors", s)
	}
}

func TestSuccessorsOnlyReferenceKnownStages(t *testing.T) {
	for _, s := range AllStages() {
		for _, next := range s.Successors() {
			assert.True(t, next.Valid(), "%s -> %s", s, next)
			assert.NotEqual(t, s, next, "self loop on %s", s)
		}
	}
}

func TestNothingReturnsToRegistered(t *testing.T) {
	for _, s := range AllStages() {
		assert.False(t, s.CanTransitionTo(StageRegistered), "%s -> registered", s)
	}
}

func TestCanTransitionTo(t *testing.T) {
	cases := []struct {
		from, to Stage
		ok       bool
	}{
		{StageRegistered, StageCollected, true},
		{StageRegistered, StageProcessing, false},
		{StageReceived, StageProcessing, true},
		{StageStored, StageProcessing, true},
		{StageInAnalysis, StageProcessing, true},
		{StageStored, StagePendingDiscard, true},
		{StageStored, StageReserved, true},
		{StageReserved, StagePendingDiscard, true},
		{StageReserved, StageStored, false},
		{StageReserved, StageInAnalysis, false},
		{StageInAnalysis, StagePendingDiscard, true},
		{StagePendingDiscard, StageDiscarded, true},
		{StagePendingDiscard, StageDepleted, true},
		{StageDiscarded, StagePendingDiscard, false},
		{StageDepleted, StageProcessing, false},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.ok, tc.from.CanTransitionTo(tc.to), "%s -> %s", tc.from, tc.to)
	}
}

func TestParseStage(t *testing.T) {
	s, err := ParseStage(" In_Analysis ")
	require.NoError(t, err)
	assert.Equal(t, StageInAnalysis, s)

	_, err = ParseStage("frozen")
	assert.True(t, errors.Is(err, ErrInvalidInput))
}

func TestOperationTargets(t *testing.T) {
	for _, op := range AllOperations() {
		_, ok := op.TargetEntity()
		assert.True(t, ok, "%s has no target entity", op)
	}
	_, ok := OperationKind("move_box").TargetEntity()
	assert.False(t, ok)
}

func TestErrorTypesUnwrap(t *testing.T) {
	assert.ErrorIs(t, &TransitionError{SampleID: "S1", From: StageStored, To: StageRegistered}, ErrIllegalTransition)
	assert.ErrorIs(t, &SlotOccupiedError{SlotID: 4, OccupantID: "S2"}, ErrSlotOccupied)
	assert.ErrorIs(t, &LockedError{SlotID: 4, Holder: "x"}, ErrAlreadyLocked)
	assert.ErrorIs(t, &StaleError{EntityType: EntitySample, EntityID: "S1", Expected: 1, Current: 2}, ErrStaleState)
}
