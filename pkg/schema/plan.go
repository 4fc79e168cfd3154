package schema

import "time"

// ModificationType enumerates the structural plan edits re-evaluation
// may request.
type ModificationType string

const (
	ModificationAddStep      ModificationType = "add_step"
	ModificationRemoveStep   ModificationType = "remove_step"
	ModificationModifyStep   ModificationType = "modify_step"
	ModificationReorderSteps ModificationType = "reorder_steps"
	ModificationSkipStep     ModificationType = "skip_step"
)

// PlanModification is the ephemeral edit produced by re-evaluation after a
// step completes. Changes carries the payload for the given type.
type PlanModification struct {
	Type      ModificationType    `json:"type"`
	Reasoning string              `json:"reasoning"`
	Changes   ModificationChanges `json:"changes"`
}

// ModificationChanges is the union payload of a PlanModification. Exactly
// the fields relevant to the modification type are populated.
type ModificationChanges struct {
	// add_step: steps spliced in at the current position.
	NewSteps []WorkflowStep `json:"new_steps,omitempty"`
	// remove_step: step numbers to filter out of the plan.
	StepNumbers []int `json:"step_numbers,omitempty"`
	// reorder_steps: the new order of the remaining step numbers. Must be a
	// permutation of every non-terminal step at or after the current
	// position; reorder never drops steps.
	NewOrder []int `json:"new_order,omitempty"`
	// modify_step / skip_step: the target step.
	StepNumber int `json:"step_number,omitempty"`
	// modify_step: field overrides.
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

// RecoveryActionType enumerates the bounded decision procedure after a
// step failure.
type RecoveryActionType string

const (
	RecoveryRetry  RecoveryActionType = "retry"
	RecoverySkip   RecoveryActionType = "skip"
	RecoveryModify RecoveryActionType = "modify"
	RecoveryAbort  RecoveryActionType = "abort"
)

// RecoveryAction is the decision produced on step failure.
type RecoveryAction struct {
	Action        RecoveryActionType `json:"action"`
	Reasoning     string             `json:"reasoning"`
	Modifications *StepOverrides     `json:"modifications,omitempty"`
	RetryDelay    time.Duration      `json:"retry_delay,omitempty"`
}

// StepOverrides carries the field overrides applied by a modify recovery.
type StepOverrides struct {
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}
