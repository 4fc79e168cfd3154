package store

import (
	"encoding/json"
	"time"

	"github.com/aide-sh/aide/pkg/schema"
)

// WorkflowState is the persisted record of one in-flight request.
// The executor exclusively owns mutation; Version is the compare-and-swap
// counter for structural plan changes.
type WorkflowState struct {
	WorkflowID     string                `json:"workflow_id"`
	SessionID      string                `json:"session_id"`
	UserID         string                `json:"user_id,omitempty"`
	Status         schema.WorkflowStatus `json:"status"`
	Plan           []schema.WorkflowStep `json:"plan"`
	CurrentStep    int                   `json:"current_step"`
	CompletedSteps []schema.WorkflowStep `json:"completed_steps,omitempty"`
	PendingStep    *schema.WorkflowStep  `json:"pending_step,omitempty"`
	Context        schema.WorkflowContext `json:"context"`
	Summary        string                `json:"summary,omitempty"`
	Version        int64                 `json:"version"`
	CreatedAt      time.Time             `json:"created_at"`
	LastActivity   time.Time             `json:"last_activity"`
	ExpiresAt      time.Time             `json:"expires_at"`
	CompletedAt    *time.Time            `json:"completed_at,omitempty"`
}

// TotalSteps is derived from the plan length, never stored separately.
func (s *WorkflowState) TotalSteps() int { return len(s.Plan) }

// StepByNumber returns the plan step at the given 1-based position, or nil.
func (s *WorkflowState) StepByNumber(n int) *schema.WorkflowStep {
	if n < 1 || n > len(s.Plan) {
		return nil
	}
	return &s.Plan[n-1]
}

// RefreshPending recomputes the cached PendingStep pointer from CurrentStep.
func (s *WorkflowState) RefreshPending() {
	s.PendingStep = nil
	if step := s.StepByNumber(s.CurrentStep); step != nil {
		cp := *step
		s.PendingStep = &cp
	}
}

// WorkflowUpdate specifies mutable fields of a workflow state. Nil fields
// are left unchanged. Plan and CompletedSteps replace the stored value
// wholesale (the full renumbered array, never a partial splice).
type WorkflowUpdate struct {
	Status         *schema.WorkflowStatus
	Plan           []schema.WorkflowStep
	CurrentStep    *int
	CompletedSteps []schema.WorkflowStep
	Context        *schema.WorkflowContext
	Summary        *string
	LastActivity   *time.Time
	ExpiresAt      *time.Time
	CompletedAt    *time.Time

	// ExpectedVersion makes the update a compare-and-swap; the stored
	// version must match and is incremented atomically.
	ExpectedVersion *int64
}

// ConfirmationFlow is the persisted record of one human-approval gate.
// WorkflowID/StepNumber are routing metadata linking the flow back to the
// suspended step; both are zero for standalone confirmations.
type ConfirmationFlow struct {
	ConfirmationID   string                    `json:"confirmation_id"`
	SessionID        string                    `json:"session_id"`
	UserID           string                    `json:"user_id,omitempty"`
	WorkflowID       string                    `json:"workflow_id,omitempty"`
	StepNumber       int                       `json:"step_number,omitempty"`
	ActionPreview    schema.ActionPreview      `json:"action_preview"`
	OriginalToolCall schema.ToolCall           `json:"original_tool_call"`
	Status           schema.ConfirmationStatus `json:"status"`
	Channel          string                    `json:"channel,omitempty"`
	ThreadID         string                    `json:"thread_id,omitempty"`
	RespondedBy      string                    `json:"responded_by,omitempty"`
	ExecutionResult  json.RawMessage           `json:"execution_result,omitempty"`
	CreatedAt        time.Time                 `json:"created_at"`
	ExpiresAt        time.Time                 `json:"expires_at"`
	ConfirmedAt      *time.Time                `json:"confirmed_at,omitempty"`
	ExecutedAt       *time.Time                `json:"executed_at,omitempty"`
}

// Event is an immutable entry in the audit log.
type Event struct {
	ID         int64           `json:"id"`
	WorkflowID string          `json:"workflow_id"`
	StepID     string          `json:"step_id,omitempty"`
	Type       string          `json:"event_type"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	SessionID  string          `json:"session_id,omitempty"`
	Timestamp  time.Time       `json:"timestamp"`
	Sequence   int64           `json:"sequence"`
}

// ScheduledRequest is a cron-triggered recurring natural-language request.
type ScheduledRequest struct {
	ID             string     `json:"id"`
	SessionID      string     `json:"session_id"`
	UserID         string     `json:"user_id,omitempty"`
	Request        string     `json:"request"`
	CronExpression string     `json:"cron_expression"`
	Enabled        bool       `json:"enabled"`
	LastRunAt      *time.Time `json:"last_run_at,omitempty"`
	NextRunAt      *time.Time `json:"next_run_at,omitempty"`
	LastRunStatus  string     `json:"last_run_status,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
}

// ScheduledRequestUpdate specifies mutable fields of a scheduled request.
type ScheduledRequestUpdate struct {
	Enabled       *bool
	LastRunAt     *time.Time
	NextRunAt     *time.Time
	LastRunStatus string
}

// ScheduledRequestFilter specifies criteria for listing scheduled requests.
type ScheduledRequestFilter struct {
	SessionID string
	Enabled   *bool
	Limit     int
}

// ConfirmationFilter specifies criteria for listing confirmations.
type ConfirmationFilter struct {
	SessionID  string
	WorkflowID string
	Status     string
	Limit      int
}
