package engine

import (
	"github.com/google/uuid"

	"github.com/aide-sh/aide/internal/store"
	"github.com/aide-sh/aide/internal/validation"
	"github.com/aide-sh/aide/pkg/schema"
)

// ApplyPlanModification applies a re-evaluation edit to the state's plan in
// memory. Structural edits (add/remove/reorder) are followed by a full
// renumbering pass; the caller persists the state with a single CAS update.
//
// Rules enforced here:
//   - edits only touch steps at or after currentStep that are not terminal;
//   - reorder never drops steps: the new order must be a permutation of
//     every remaining non-terminal step number.
//
// On any violation the plan is left untouched and a VALIDATION error is
// returned.
func ApplyPlanModification(state *store.WorkflowState, mod *schema.PlanModification) error {
	if mod == nil {
		return nil
	}

	switch mod.Type {
	case schema.ModificationAddStep:
		return addSteps(state, mod.Changes.NewSteps)
	case schema.ModificationRemoveStep:
		return removeSteps(state, mod.Changes.StepNumbers)
	case schema.ModificationReorderSteps:
		return reorderSteps(state, mod.Changes.NewOrder)
	case schema.ModificationSkipStep:
		return skipStep(state, mod.Changes.StepNumber)
	case schema.ModificationModifyStep:
		return modifyStep(state, mod.Changes)
	default:
		return schema.NewErrorf(schema.ErrCodeValidation, "unknown modification type %q", mod.Type)
	}
}

func addSteps(state *store.WorkflowState, newSteps []schema.WorkflowStep) error {
	if len(newSteps) == 0 {
		return schema.NewError(schema.ErrCodeValidation, "add_step carries no steps")
	}
	if len(state.Plan)+len(newSteps) > validation.MaxPlanSteps {
		return schema.NewErrorf(schema.ErrCodeValidation,
			"add_step would grow the plan to %d steps, maximum is %d",
			len(state.Plan)+len(newSteps), validation.MaxPlanSteps)
	}

	normalized := make([]schema.WorkflowStep, len(newSteps))
	for i, s := range newSteps {
		if s.Description == "" || s.ToolCall.Name == "" {
			return schema.NewErrorf(schema.ErrCodeValidation,
				"new step %d is missing a description or tool call", i+1)
		}
		s.Status = schema.StepStatusPending
		s.RetryCount = 0
		if s.MaxRetries <= 0 {
			s.MaxRetries = schema.DefaultMaxRetries
		}
		if s.StepID == "" {
			s.StepID = uuid.NewString()
		}
		s.Result = nil
		normalized[i] = s
	}

	// Splice at the current position: new steps run next.
	at := state.CurrentStep - 1
	if at < 0 {
		at = 0
	}
	if at > len(state.Plan) {
		at = len(state.Plan)
	}
	plan := make([]schema.WorkflowStep, 0, len(state.Plan)+len(normalized))
	plan = append(plan, state.Plan[:at]...)
	plan = append(plan, normalized...)
	plan = append(plan, state.Plan[at:]...)

	state.Plan = plan
	renumber(state)
	return nil
}

func removeSteps(state *store.WorkflowState, numbers []int) error {
	if len(numbers) == 0 {
		return schema.NewError(schema.ErrCodeValidation, "remove_step names no steps")
	}
	remove := make(map[int]bool, len(numbers))
	for _, n := range numbers {
		step := state.StepByNumber(n)
		if step == nil {
			return schema.NewErrorf(schema.ErrCodeValidation, "step %d does not exist", n)
		}
		if n < state.CurrentStep || step.Status.Terminal() {
			return schema.NewErrorf(schema.ErrCodeValidation,
				"step %d has already run and cannot be removed", n)
		}
		remove[n] = true
	}

	plan := make([]schema.WorkflowStep, 0, len(state.Plan)-len(remove))
	for _, s := range state.Plan {
		if !remove[s.StepNumber] {
			plan = append(plan, s)
		}
	}
	state.Plan = plan
	renumber(state)
	return nil
}

// reorderSteps re-sequences the remaining non-terminal steps. Steps that are
// already terminal keep their positions; the supplied order must name every
// remaining non-terminal step exactly once.
func reorderSteps(state *store.WorkflowState, newOrder []int) error {
	movable := make(map[int]schema.WorkflowStep)
	var slots []int // plan indices holding movable steps, in order
	for i, s := range state.Plan {
		if s.StepNumber >= state.CurrentStep && !s.Status.Terminal() {
			movable[s.StepNumber] = s
			slots = append(slots, i)
		}
	}

	if len(newOrder) != len(movable) {
		return schema.NewErrorf(schema.ErrCodeValidation,
			"reorder names %d steps, %d remain; reorder never drops steps", len(newOrder), len(movable))
	}
	seen := make(map[int]bool, len(newOrder))
	for _, n := range newOrder {
		if _, ok := movable[n]; !ok {
			return schema.NewErrorf(schema.ErrCodeValidation, "step %d cannot be reordered", n)
		}
		if seen[n] {
			return schema.NewErrorf(schema.ErrCodeValidation, "step %d appears twice in the new order", n)
		}
		seen[n] = true
	}

	plan := make([]schema.WorkflowStep, len(state.Plan))
	copy(plan, state.Plan)
	for i, n := range newOrder {
		plan[slots[i]] = movable[n]
	}
	state.Plan = plan
	renumber(state)
	return nil
}

func skipStep(state *store.WorkflowState, number int) error {
	step, err := futureStep(state, number)
	if err != nil {
		return err
	}
	step.Status = schema.StepStatusSkipped
	refreshPending(state)
	return nil
}

func modifyStep(state *store.WorkflowState, changes schema.ModificationChanges) error {
	step, err := futureStep(state, changes.StepNumber)
	if err != nil {
		return err
	}
	if changes.Description != "" {
		step.Description = changes.Description
	}
	if changes.Parameters != nil {
		step.ToolCall.Parameters = changes.Parameters
	}
	refreshPending(state)
	return nil
}

func futureStep(state *store.WorkflowState, number int) (*schema.WorkflowStep, error) {
	step := state.StepByNumber(number)
	if step == nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "step %d does not exist", number)
	}
	if number < state.CurrentStep || step.Status.Terminal() {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"step %d has already run and cannot be changed", number)
	}
	return step, nil
}

// renumber restores the positional invariant: plan[i].stepNumber == i+1.
func renumber(state *store.WorkflowState) {
	for i := range state.Plan {
		state.Plan[i].StepNumber = i + 1
	}
	refreshPending(state)
}

// refreshPending recomputes the cached pointer to the next runnable step.
func refreshPending(state *store.WorkflowState) {
	state.PendingStep = nil
	if step := state.StepByNumber(state.CurrentStep); step != nil && !step.Status.Terminal() {
		copied := *step
		state.PendingStep = &copied
	}
}
