package engine

import (
	"context"
	"sync"

	"github.com/aide-sh/aide/internal/store"
	"github.com/aide-sh/aide/pkg/schema"
)

// EventAppender is satisfied by the Store; FSMs emit an audit event on
// every transition that has a corresponding event type.
type EventAppender interface {
	AppendEvent(ctx context.Context, event *store.Event) error
}

// ValidWorkflowTransitions defines the allowed workflow state transitions.
// Terminal states have no outgoing edges.
var ValidWorkflowTransitions = map[schema.WorkflowStatus][]schema.WorkflowStatus{
	schema.WorkflowStatusActive:    {schema.WorkflowStatusCompleted, schema.WorkflowStatusFailed, schema.WorkflowStatusCancelled},
	schema.WorkflowStatusCompleted: {},
	schema.WorkflowStatusFailed:    {},
	schema.WorkflowStatusCancelled: {},
}

// ValidStepTransitions defines the allowed step state transitions.
// failed -> pending is the retry edge; it is only taken through the
// recovery path, which owns the retry budget.
var ValidStepTransitions = map[schema.StepStatus][]schema.StepStatus{
	schema.StepStatusPending:               {schema.StepStatusAwaitingConfirmation, schema.StepStatusExecuted, schema.StepStatusFailed, schema.StepStatusSkipped},
	schema.StepStatusAwaitingConfirmation:  {schema.StepStatusConfirmed, schema.StepStatusExecuted, schema.StepStatusFailed, schema.StepStatusSkipped},
	schema.StepStatusConfirmed:             {schema.StepStatusExecuted, schema.StepStatusFailed},
	schema.StepStatusFailed:                {schema.StepStatusPending, schema.StepStatusSkipped},
	schema.StepStatusExecuted:              {},
	schema.StepStatusSkipped:               {},
}

// WorkflowFSM validates workflow lifecycle transitions and emits the
// corresponding audit event. The caller persists the new state.
type WorkflowFSM struct {
	mu       sync.Mutex
	appender EventAppender
}

// NewWorkflowFSM creates a WorkflowFSM emitting events via the appender.
func NewWorkflowFSM(appender EventAppender) *WorkflowFSM {
	return &WorkflowFSM{appender: appender}
}

// Transition validates and records a workflow state transition.
func (f *WorkflowFSM) Transition(ctx context.Context, workflowID, sessionID string, from, to schema.WorkflowStatus) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if !allowedWorkflow(from, to) {
		return schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"invalid workflow transition: %s -> %s", from, to).
			WithDetails(map[string]any{"workflow_id": workflowID, "from": string(from), "to": string(to)})
	}

	eventType := workflowEventType(to)
	if eventType == "" {
		return nil
	}
	if err := f.appender.AppendEvent(ctx, &store.Event{
		WorkflowID: workflowID,
		SessionID:  sessionID,
		Type:       eventType,
	}); err != nil {
		return schema.NewErrorf(schema.ErrCodeStore, "emit workflow event: %s", err.Error()).WithCause(err)
	}
	return nil
}

func allowedWorkflow(from, to schema.WorkflowStatus) bool {
	for _, a := range ValidWorkflowTransitions[from] {
		if a == to {
			return true
		}
	}
	return false
}

func workflowEventType(to schema.WorkflowStatus) string {
	switch to {
	case schema.WorkflowStatusCompleted:
		return schema.EventWorkflowCompleted
	case schema.WorkflowStatusFailed:
		return schema.EventWorkflowFailed
	case schema.WorkflowStatusCancelled:
		return schema.EventWorkflowCancelled
	default:
		return ""
	}
}

// StepFSM validates step lifecycle transitions and emits the corresponding
// audit event.
type StepFSM struct {
	mu       sync.Mutex
	appender EventAppender
}

// NewStepFSM creates a StepFSM emitting events via the appender.
func NewStepFSM(appender EventAppender) *StepFSM {
	return &StepFSM{appender: appender}
}

// Transition validates and records a step state transition.
func (f *StepFSM) Transition(ctx context.Context, workflowID, sessionID, stepID string, from, to schema.StepStatus) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if !allowedStep(from, to) {
		return schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"invalid step transition: %s -> %s", from, to).
			WithStep(stepID).
			WithDetails(map[string]any{"workflow_id": workflowID, "from": string(from), "to": string(to)})
	}

	eventType := stepEventType(from, to)
	if eventType == "" {
		return nil
	}
	if err := f.appender.AppendEvent(ctx, &store.Event{
		WorkflowID: workflowID,
		SessionID:  sessionID,
		StepID:     stepID,
		Type:       eventType,
	}); err != nil {
		return schema.NewErrorf(schema.ErrCodeStore, "emit step event: %s", err.Error()).
			WithStep(stepID).WithCause(err)
	}
	return nil
}

func allowedStep(from, to schema.StepStatus) bool {
	for _, a := range ValidStepTransitions[from] {
		if a == to {
			return true
		}
	}
	return false
}

func stepEventType(from, to schema.StepStatus) string {
	switch to {
	case schema.StepStatusExecuted:
		return schema.EventStepExecuted
	case schema.StepStatusFailed:
		return schema.EventStepFailed
	case schema.StepStatusSkipped:
		return schema.EventStepSkipped
	case schema.StepStatusPending:
		if from == schema.StepStatusFailed {
			return schema.EventStepRetryAttempt
		}
	}
	// Confirmation transitions are recorded by the gate.
	return ""
}
