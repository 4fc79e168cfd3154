package schema

import "encoding/json"

// ToolCall names an external tool and the parameters it will receive.
// Parameter values may contain ${{ ... }} expressions resolved against the
// workflow scope just before dispatch.
type ToolCall struct {
	Name       string         `json:"name"`
	Parameters map[string]any `json:"parameters"`
}

// WorkflowStep is one tool invocation within a workflow's plan.
// StepID is opaque and stable across renumbering; StepNumber is the 1-based
// position in the plan and is recomputed after every structural change.
type WorkflowStep struct {
	StepID         string          `json:"step_id"`
	StepNumber     int             `json:"step_number"`
	Description    string          `json:"description"`
	ToolCall       ToolCall        `json:"tool_call"`
	Status         StepStatus      `json:"status"`
	RetryCount     int             `json:"retry_count"`
	MaxRetries     int             `json:"max_retries"`
	Result         json.RawMessage `json:"result,omitempty"`
	Narration      string          `json:"narration,omitempty"`
	ConfirmationID string          `json:"confirmation_id,omitempty"`

	// Capture maps gatheredData keys to jq expressions evaluated against the
	// step result after a successful execution.
	Capture map[string]string `json:"capture,omitempty"`
}

// DefaultMaxRetries is applied to plan steps that do not specify a budget.
const DefaultMaxRetries = 3

// WorkflowContext is the free-form scratch state steps and re-evaluation
// may read and augment.
type WorkflowContext struct {
	OriginalRequest string         `json:"original_request"`
	UserIntent      string         `json:"user_intent,omitempty"`
	GatheredData    map[string]any `json:"gathered_data,omitempty"`
}

// ActionPreview is what the user sees when a risky tool call is gated
// behind a confirmation.
type ActionPreview struct {
	Title          string         `json:"title"`
	Description    string         `json:"description"`
	RiskAssessment string         `json:"risk_assessment"`
	PreviewData    map[string]any `json:"preview_data,omitempty"`
}

// WorkflowStatus represents the lifecycle state of a workflow.
type WorkflowStatus string

const (
	WorkflowStatusActive    WorkflowStatus = "active"
	WorkflowStatusCompleted WorkflowStatus = "completed"
	WorkflowStatusFailed    WorkflowStatus = "failed"
	WorkflowStatusCancelled WorkflowStatus = "cancelled"
)

// Terminal reports whether the workflow status is final.
func (s WorkflowStatus) Terminal() bool {
	return s == WorkflowStatusCompleted || s == WorkflowStatusFailed || s == WorkflowStatusCancelled
}

// StepStatus represents the lifecycle state of a plan step.
type StepStatus string

const (
	StepStatusPending              StepStatus = "pending"
	StepStatusAwaitingConfirmation StepStatus = "awaiting_confirmation"
	StepStatusConfirmed            StepStatus = "confirmed"
	StepStatusExecuted             StepStatus = "executed"
	StepStatusFailed               StepStatus = "failed"
	StepStatusSkipped              StepStatus = "skipped"
)

// Terminal reports whether the step status is final.
func (s StepStatus) Terminal() bool {
	return s == StepStatusExecuted || s == StepStatusFailed || s == StepStatusSkipped
}

// ConfirmationStatus represents the lifecycle state of a confirmation flow.
type ConfirmationStatus string

const (
	ConfirmationStatusPending   ConfirmationStatus = "pending"
	ConfirmationStatusConfirmed ConfirmationStatus = "confirmed"
	ConfirmationStatusRejected  ConfirmationStatus = "rejected"
	ConfirmationStatusExpired   ConfirmationStatus = "expired"
	ConfirmationStatusExecuted  ConfirmationStatus = "executed"
	ConfirmationStatusFailed    ConfirmationStatus = "failed"
)

// Terminal reports whether the confirmation status is final.
// confirmed is not terminal: it still awaits execution.
func (s ConfirmationStatus) Terminal() bool {
	return s == ConfirmationStatusRejected || s == ConfirmationStatusExpired ||
		s == ConfirmationStatusExecuted || s == ConfirmationStatusFailed
}
