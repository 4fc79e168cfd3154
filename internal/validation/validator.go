package validation

import "github.com/aide-sh/aide/pkg/schema"

// Validator checks LLM-produced payloads before they reach the executor.
// Uses JSON Schema Draft 2020-12; model output is untrusted input.
type Validator interface {
	ValidatePlanResponse(raw []byte) error
	ValidateModification(raw []byte) error
	ValidateRecovery(raw []byte) error
	ValidateInput(input map[string]any, inputSchema []byte) error
}

// MaxPlanSteps caps the number of steps a single plan may contain.
const MaxPlanSteps = 10

// ValidatePlan applies the structural checks JSON Schema cannot express:
// positional numbering, unique step IDs, and the plan size cap.
func ValidatePlan(steps []schema.WorkflowStep) error {
	if len(steps) == 0 {
		return schema.NewError(schema.ErrCodeValidation, "plan has no steps")
	}
	if len(steps) > MaxPlanSteps {
		return schema.NewErrorf(schema.ErrCodeValidation,
			"plan has %d steps, maximum is %d", len(steps), MaxPlanSteps)
	}
	seen := make(map[string]struct{}, len(steps))
	for i, step := range steps {
		if step.StepNumber != i+1 {
			return schema.NewErrorf(schema.ErrCodeValidation,
				"step at position %d has number %d, expected %d", i+1, step.StepNumber, i+1)
		}
		if step.StepID == "" {
			return schema.NewErrorf(schema.ErrCodeValidation, "step %d has no id", i+1)
		}
		if _, exists := seen[step.StepID]; exists {
			return schema.NewErrorf(schema.ErrCodeValidation, "duplicate step id %q", step.StepID)
		}
		seen[step.StepID] = struct{}{}
		if step.ToolCall.Name == "" {
			return schema.NewErrorf(schema.ErrCodeValidation, "step %d has no tool", i+1)
		}
	}
	return nil
}
