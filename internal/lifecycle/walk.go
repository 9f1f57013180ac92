package lifecycle

import (
	"fmt"

	"github.com/labcore/sample-custody/internal/model"
)

// WalkError locates the first step of a history that breaks the table.
type WalkError struct {
	Index int
	Step  model.StatusTransition
	Want  model.Stage
}

func (e *WalkError) Error() string {
	if e.Want != "" {
		return fmt.Sprintf("step %d starts at %s, previous step ended at %s", e.Index, e.Step.FromStage, e.Want)
	}
	return fmt.Sprintf("step %d %s -> %s is not permitted and carries no override", e.Index, e.Step.FromStage, e.Step.ToStage)
}

// ValidateWalk checks that a history starts at registered, that each step
// starts where the previous one ended, and that every step without an
// override reason is permitted by the successor table.
func ValidateWalk(history []model.StatusTransition) error {
	at := model.StageRegistered
	for i, step := range history {
		if step.FromStage != at {
			return &WalkError{Index: i, Step: step, Want: at}
		}
		if step.OverrideReason == nil && !step.FromStage.CanTransitionTo(step.ToStage) {
			return &WalkError{Index: i, Step: step}
		}
		at = step.ToStage
	}
	return nil
}
