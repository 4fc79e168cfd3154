// Package engine drives workflows forward one step at a time: it resolves
// parameters, gates risky calls behind confirmations, dispatches tools,
// re-evaluates the remaining plan after every step, and recovers from
// failures through a bounded decision procedure.
package engine

import (
	"context"
	"encoding/json"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/aide-sh/aide/internal/confirm"
	"github.com/aide-sh/aide/internal/expressions"
	"github.com/aide-sh/aide/internal/llm"
	"github.com/aide-sh/aide/internal/logging"
	"github.com/aide-sh/aide/internal/planner"
	"github.com/aide-sh/aide/internal/store"
	"github.com/aide-sh/aide/internal/streaming"
	"github.com/aide-sh/aide/internal/tools"
	"github.com/aide-sh/aide/internal/validation"
	"github.com/aide-sh/aide/pkg/schema"
)

// ToolDispatcher executes a resolved tool call.
type ToolDispatcher interface {
	Dispatch(ctx context.Context, call schema.ToolCall) (*tools.ToolResult, error)
}

// ConfirmationGate is the slice of the gate the executor needs: the risk
// decision and opening a flow for a gated call.
type ConfirmationGate interface {
	RequiresConfirmation(ctx context.Context, call schema.ToolCall) (bool, string, error)
	RequestConfirmation(ctx context.Context, req confirm.ConfirmationRequest) (*store.ConfirmationFlow, error)
}

// PlanCreator turns a request into a validated plan.
type PlanCreator interface {
	CreatePlan(ctx context.Context, request string, wfCtx *schema.WorkflowContext) (*planner.Plan, error)
}

// Config holds executor tuning knobs.
type Config struct {
	// WorkflowTTL bounds how long an active workflow stays resumable.
	WorkflowTTL time.Duration
	// Retention is how long terminal records remain readable.
	Retention time.Duration
}

// Defaults applied when Config fields are zero.
const (
	DefaultWorkflowTTL = 24 * time.Hour
	DefaultRetention   = 7 * 24 * time.Hour
)

// Engine is the workflow executor. All collaborators are injected.
type Engine struct {
	store      store.Store
	llm        llm.Client
	validator  validation.Validator
	planner    PlanCreator
	dispatcher ToolDispatcher
	gate       ConfirmationGate
	interp     *expressions.Interpolator
	jq         *expressions.GoJQEngine
	hub        streaming.EventHub
	wfFSM      *WorkflowFSM
	stepFSM    *StepFSM
	logger     *slog.Logger
	cfg        Config
}

// NewEngine creates an Engine. hub may be nil.
func NewEngine(
	s store.Store,
	client llm.Client,
	v validation.Validator,
	p PlanCreator,
	dispatcher ToolDispatcher,
	gate ConfirmationGate,
	interp *expressions.Interpolator,
	hub streaming.EventHub,
	logger *slog.Logger,
	cfg Config,
) *Engine {
	if cfg.WorkflowTTL <= 0 {
		cfg.WorkflowTTL = DefaultWorkflowTTL
	}
	if cfg.Retention <= 0 {
		cfg.Retention = DefaultRetention
	}
	return &Engine{
		store:      s,
		llm:        client,
		validator:  v,
		planner:    p,
		dispatcher: dispatcher,
		gate:       gate,
		interp:     interp,
		jq:         expressions.NewGoJQEngine(),
		hub:        hub,
		wfFSM:      NewWorkflowFSM(s),
		stepFSM:    NewStepFSM(s),
		logger:     logger,
		cfg:        cfg,
	}
}

// StepResult is the outcome of one ExecuteStep call.
type StepResult struct {
	StepID            string            `json:"step_id"`
	StepNumber        int               `json:"step_number"`
	Status            schema.StepStatus `json:"status"`
	Result            json.RawMessage   `json:"result,omitempty"`
	Error             *schema.AideError `json:"error,omitempty"`
	NeedsConfirmation bool              `json:"needs_confirmation,omitempty"`
	ConfirmationID    string            `json:"confirmation_id,omitempty"`
	Narration         string            `json:"narration,omitempty"`
	ReevalError       string            `json:"reeval_error,omitempty"`
	Duration          time.Duration     `json:"duration,omitempty"`
}

// WorkflowResult is the outcome of ExecuteWorkflow.
type WorkflowResult struct {
	WorkflowID           string                `json:"workflow_id"`
	Status               schema.WorkflowStatus `json:"status"`
	Summary              string                `json:"summary,omitempty"`
	Degraded             bool                  `json:"degraded,omitempty"`
	AwaitingConfirmation bool                  `json:"awaiting_confirmation,omitempty"`
	ConfirmationID       string                `json:"confirmation_id,omitempty"`
}

// StartWorkflow plans the request and persists a new active workflow.
func (e *Engine) StartWorkflow(ctx context.Context, sessionID, userID, request string) (*store.WorkflowState, error) {
	plan, err := e.planner.CreatePlan(ctx, request, nil)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	state := &store.WorkflowState{
		WorkflowID:  uuid.NewString(),
		SessionID:   sessionID,
		UserID:      userID,
		Status:      schema.WorkflowStatusActive,
		Plan:        plan.Steps,
		CurrentStep: 1,
		Context: schema.WorkflowContext{
			OriginalRequest: request,
			UserIntent:      plan.Intent,
			GatheredData:    map[string]any{},
		},
		CreatedAt:    now,
		LastActivity: now,
		ExpiresAt:    now.Add(e.cfg.WorkflowTTL),
	}
	refreshPending(state)

	if err := e.store.CreateWorkflow(ctx, state); err != nil {
		return nil, err
	}

	ctx = logging.WithIDs(ctx, state.WorkflowID, "", sessionID)
	e.appendEvent(ctx, state, "", schema.EventWorkflowCreated, map[string]any{"request": request})
	e.appendEvent(ctx, state, "", schema.EventPlanCreated, map[string]any{
		"intent":      plan.Intent,
		"description": plan.Description,
		"steps":       len(plan.Steps),
	})
	e.publish(ctx, state, "workflow.created", map[string]any{
		"intent":      plan.Intent,
		"description": plan.Description,
		"steps":       len(plan.Steps),
	})
	e.logger.InfoContext(ctx, "workflow started", slog.Int("steps", len(plan.Steps)))
	return state, nil
}

// Run plans the request and drives the workflow to its next suspension
// point or terminal state.
func (e *Engine) Run(ctx context.Context, sessionID, userID, request string) (*WorkflowResult, error) {
	state, err := e.StartWorkflow(ctx, sessionID, userID, request)
	if err != nil {
		return nil, err
	}
	return e.ExecuteWorkflow(ctx, state.WorkflowID)
}

// ExecuteStep runs a single plan step: resolve parameters, gate or
// dispatch, capture, re-evaluate, narrate, and persist with one CAS update.
// A tool failure is reported on the StepResult, not as an error; the error
// return is reserved for infrastructure failures.
func (e *Engine) ExecuteStep(ctx context.Context, workflowID string, stepNumber int) (*StepResult, error) {
	state, err := e.store.GetWorkflow(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	if state.Status != schema.WorkflowStatusActive {
		if state.Status == schema.WorkflowStatusCancelled {
			return nil, schema.NewErrorf(schema.ErrCodeCancelled, "workflow %s is cancelled", workflowID)
		}
		return nil, schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"workflow %s is %s, not active", workflowID, state.Status)
	}

	step := state.StepByNumber(stepNumber)
	if step == nil {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound,
			"workflow %s has no step %d", workflowID, stepNumber)
	}

	ctx = logging.WithIDs(ctx, workflowID, step.StepID, state.SessionID)

	// A step already terminal is never re-executed; its recorded outcome
	// stands. Retries re-enter through the recovery path, which resets the
	// status first.
	if step.Status.Terminal() {
		return &StepResult{
			StepID:     step.StepID,
			StepNumber: step.StepNumber,
			Status:     step.Status,
			Result:     step.Result,
			Narration:  step.Narration,
		}, nil
	}
	if step.Status == schema.StepStatusAwaitingConfirmation {
		return &StepResult{
			StepID:            step.StepID,
			StepNumber:        step.StepNumber,
			Status:            step.Status,
			NeedsConfirmation: true,
			ConfirmationID:    step.ConfirmationID,
		}, nil
	}

	scope := e.buildScope(state)
	resolved, err := e.interp.ResolveParams(ctx, step.ToolCall.Parameters, scope)
	if err != nil {
		return e.finishFailedStep(ctx, state, step, nil, toAideError(err))
	}
	call := schema.ToolCall{Name: step.ToolCall.Name, Parameters: resolved}

	if step.Status != schema.StepStatusConfirmed {
		gated, reason, perr := e.gate.RequiresConfirmation(ctx, call)
		if perr != nil {
			// Policy errors fail closed.
			e.logger.WarnContext(ctx, "risk policy error, gating step",
				slog.String("error", perr.Error()))
			gated = true
			if reason == "" {
				reason = "risk policy unavailable"
			}
		}
		if gated {
			return e.suspendForConfirmation(ctx, state, step, call, reason)
		}
	}

	e.appendEvent(ctx, state, step.StepID, schema.EventStepStarted, map[string]any{
		"step_number": step.StepNumber,
		"tool":        call.Name,
	})

	started := time.Now()
	result, dispatchErr := e.dispatcher.Dispatch(ctx, call)
	duration := time.Since(started)

	if dispatchErr != nil || result == nil || !result.Success {
		var raw json.RawMessage
		stepErr := toAideError(dispatchErr)
		if result != nil {
			raw, _ = json.Marshal(result)
			if dispatchErr == nil && result.Error != "" {
				stepErr = schema.NewError(schema.ErrCodeExecution, result.Error)
			}
		}
		return e.finishFailedStep(ctx, state, step, raw, stepErr)
	}

	return e.finishExecutedStep(ctx, state, step, result.Result, duration)
}

// finishExecutedStep records a successful execution: capture, re-evaluate,
// narrate, advance, persist.
func (e *Engine) finishExecutedStep(ctx context.Context, state *store.WorkflowState, step *schema.WorkflowStep, result json.RawMessage, duration time.Duration) (*StepResult, error) {
	if err := e.stepFSM.Transition(ctx, state.WorkflowID, state.SessionID, step.StepID, step.Status, schema.StepStatusExecuted); err != nil {
		return nil, err
	}
	step.Status = schema.StepStatusExecuted
	step.Result = result

	e.captureResults(ctx, state, step)

	mod, reevalErr := e.reevaluate(ctx, state, step)
	if reevalErr != nil {
		e.logger.WarnContext(ctx, "re-evaluation failed, plan unchanged",
			slog.String("error", reevalErr.Error()))
	}

	step.Narration = e.narrate(ctx, step, result, nil)

	state.CompletedSteps = append(state.CompletedSteps, *step)
	state.CurrentStep = step.StepNumber + 1

	if mod != nil {
		if err := ApplyPlanModification(state, mod); err != nil {
			e.logger.WarnContext(ctx, "plan modification rejected",
				slog.String("type", string(mod.Type)),
				slog.String("error", err.Error()))
		} else {
			e.appendEvent(ctx, state, step.StepID, schema.EventPlanModified, map[string]any{
				"type":      string(mod.Type),
				"reasoning": mod.Reasoning,
			})
		}
	}
	refreshPending(state)

	if err := e.persist(ctx, state); err != nil {
		return nil, err
	}

	e.publish(ctx, state, "step.executed", map[string]any{
		"step_number": step.StepNumber,
		"narration":   step.Narration,
	})

	res := &StepResult{
		StepID:     step.StepID,
		StepNumber: step.StepNumber,
		Status:     schema.StepStatusExecuted,
		Result:     result,
		Narration:  step.Narration,
		Duration:   duration,
	}
	if reevalErr != nil {
		res.ReevalError = reevalErr.Error()
	}
	return res, nil
}

// finishFailedStep records a failed execution. currentStep is not advanced:
// the recovery path decides what happens to the step.
func (e *Engine) finishFailedStep(ctx context.Context, state *store.WorkflowState, step *schema.WorkflowStep, raw json.RawMessage, stepErr *schema.AideError) (*StepResult, error) {
	if err := e.stepFSM.Transition(ctx, state.WorkflowID, state.SessionID, step.StepID, step.Status, schema.StepStatusFailed); err != nil {
		return nil, err
	}
	step.Status = schema.StepStatusFailed
	if raw == nil && stepErr != nil {
		raw, _ = json.Marshal(map[string]any{"error": stepErr.Message, "code": stepErr.Code})
	}
	step.Result = raw
	step.Narration = e.narrate(ctx, step, nil, stepErr)

	state.CompletedSteps = append(state.CompletedSteps, *step)
	refreshPending(state)

	if err := e.persist(ctx, state); err != nil {
		return nil, err
	}

	e.publish(ctx, state, "step.failed", map[string]any{
		"step_number": step.StepNumber,
		"error":       stepErr.Message,
	})

	return &StepResult{
		StepID:     step.StepID,
		StepNumber: step.StepNumber,
		Status:     schema.StepStatusFailed,
		Result:     raw,
		Error:      stepErr.WithStep(step.StepID),
		Narration:  step.Narration,
	}, nil
}

// suspendForConfirmation opens a flow carrying the resolved call and parks
// the step. The tool is not invoked.
func (e *Engine) suspendForConfirmation(ctx context.Context, state *store.WorkflowState, step *schema.WorkflowStep, call schema.ToolCall, reason string) (*StepResult, error) {
	if err := e.stepFSM.Transition(ctx, state.WorkflowID, state.SessionID, step.StepID, step.Status, schema.StepStatusAwaitingConfirmation); err != nil {
		return nil, err
	}

	flow, err := e.gate.RequestConfirmation(ctx, confirm.ConfirmationRequest{
		SessionID:   state.SessionID,
		UserID:      state.UserID,
		WorkflowID:  state.WorkflowID,
		StepNumber:  step.StepNumber,
		ToolCall:    call,
		Description: step.Description,
		Reason:      reason,
	})
	if err != nil {
		return nil, err
	}

	step.Status = schema.StepStatusAwaitingConfirmation
	step.ConfirmationID = flow.ConfirmationID
	refreshPending(state)

	if err := e.persist(ctx, state); err != nil {
		return nil, err
	}

	e.logger.InfoContext(ctx, "step suspended for confirmation",
		slog.String("confirmation_id", flow.ConfirmationID),
		slog.String("tool", call.Name))

	return &StepResult{
		StepID:            step.StepID,
		StepNumber:        step.StepNumber,
		Status:            schema.StepStatusAwaitingConfirmation,
		NeedsConfirmation: true,
		ConfirmationID:    flow.ConfirmationID,
	}, nil
}

// ExecuteWorkflow drives the workflow until it completes, fails, is
// cancelled, or suspends on a confirmation. State is reloaded every
// iteration so concurrent cancellation and plan modifications are seen.
func (e *Engine) ExecuteWorkflow(ctx context.Context, workflowID string) (*WorkflowResult, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, schema.NewError(schema.ErrCodeCancelled, "execution context cancelled").WithCause(err)
		}

		state, err := e.store.GetWorkflow(ctx, workflowID)
		if err != nil {
			return nil, err
		}
		lctx := logging.WithIDs(ctx, workflowID, "", state.SessionID)

		if state.Status == schema.WorkflowStatusCancelled {
			return e.finalize(lctx, state, schema.WorkflowStatusCancelled)
		}
		if state.Status.Terminal() {
			return &WorkflowResult{WorkflowID: workflowID, Status: state.Status, Summary: state.Summary}, nil
		}
		if state.CurrentStep > state.TotalSteps() {
			return e.finalize(lctx, state, schema.WorkflowStatusCompleted)
		}

		step := state.StepByNumber(state.CurrentStep)
		switch {
		case step.Status == schema.StepStatusFailed:
			res, done, rerr := e.recover(lctx, state, step)
			if rerr != nil {
				return nil, rerr
			}
			if done {
				return res, nil
			}
			continue

		case step.Status.Terminal():
			// Skipped or executed out of band; move on.
			state.CurrentStep++
			refreshPending(state)
			if err := e.persist(lctx, state); err != nil {
				return nil, err
			}
			continue
		}

		res, err := e.ExecuteStep(ctx, workflowID, state.CurrentStep)
		if err != nil {
			return nil, err
		}
		if res.NeedsConfirmation {
			return &WorkflowResult{
				WorkflowID:           workflowID,
				Status:               schema.WorkflowStatusActive,
				AwaitingConfirmation: true,
				ConfirmationID:       res.ConfirmationID,
			}, nil
		}
		// Failed steps are picked up by the recovery branch on reload.
	}
}

// recover runs the step-failure decision procedure. It returns done=true
// with a result when the workflow reached a terminal state.
func (e *Engine) recover(ctx context.Context, state *store.WorkflowState, step *schema.WorkflowStep) (*WorkflowResult, bool, error) {
	ctx = logging.WithIDs(ctx, state.WorkflowID, step.StepID, state.SessionID)

	stepErr := stepFailureError(step)
	action := e.HandleStepFailure(ctx, state, step, stepErr)
	action = ApplyRecoveryPolicy(action, step.RetryCount, step.MaxRetries)

	e.appendEvent(ctx, state, step.StepID, schema.EventRecoveryDecided, map[string]any{
		"action":    string(action.Action),
		"reasoning": action.Reasoning,
	})
	e.logger.InfoContext(ctx, "recovery decided",
		slog.String("action", string(action.Action)),
		slog.Int("retry_count", step.RetryCount))

	switch action.Action {
	case schema.RecoveryRetry, schema.RecoveryModify:
		if action.Action == schema.RecoveryModify && action.Modifications != nil {
			if action.Modifications.Description != "" {
				step.Description = action.Modifications.Description
			}
			if action.Modifications.Parameters != nil {
				step.ToolCall.Parameters = action.Modifications.Parameters
			}
		}
		if err := waitRetryDelay(ctx, action.RetryDelay); err != nil {
			return nil, true, schema.NewError(schema.ErrCodeCancelled, "cancelled during retry delay").WithCause(err)
		}
		if err := e.stepFSM.Transition(ctx, state.WorkflowID, state.SessionID, step.StepID, step.Status, schema.StepStatusPending); err != nil {
			return nil, true, err
		}
		step.Status = schema.StepStatusPending
		step.RetryCount++
		step.Result = nil
		refreshPending(state)
		return nil, false, e.persist(ctx, state)

	case schema.RecoverySkip:
		if err := e.stepFSM.Transition(ctx, state.WorkflowID, state.SessionID, step.StepID, step.Status, schema.StepStatusSkipped); err != nil {
			return nil, true, err
		}
		step.Status = schema.StepStatusSkipped
		state.CurrentStep = step.StepNumber + 1
		refreshPending(state)
		return nil, false, e.persist(ctx, state)

	default: // abort
		res, err := e.finalize(ctx, state, schema.WorkflowStatusFailed)
		return res, true, err
	}
}

// HandleStepFailure asks the model for a recovery decision. Degradation of
// the model or a malformed answer yields a safe abort, never a guess.
func (e *Engine) HandleStepFailure(ctx context.Context, state *store.WorkflowState, step *schema.WorkflowStep, stepErr error) *schema.RecoveryAction {
	reply, err := e.llm.Complete(ctx, llm.Request{
		System:      recoverySystemPrompt,
		Prompt:      buildRecoveryPrompt(state, step, stepErr),
		Temperature: 0.1,
	})
	if err != nil {
		return abortAction("recovery reasoning unavailable: " + err.Error())
	}
	raw, err := llm.ExtractJSON(reply)
	if err != nil {
		return abortAction("recovery reasoning unreadable: " + err.Error())
	}
	if err := e.validator.ValidateRecovery(raw); err != nil {
		return abortAction("recovery reasoning invalid: " + err.Error())
	}
	action, err := decodeRecovery(raw)
	if err != nil {
		return abortAction("recovery reasoning invalid: " + err.Error())
	}
	return action
}

// ResumeAfterConfirmation maps a responded confirmation flow back onto its
// suspended step and re-enters the execution loop. A flow the gate already
// executed (or that was declined) carries its outcome; the tool is never
// invoked again. A flow still in confirmed never ran: the step is marked
// confirmed and the loop dispatches it without re-gating.
func (e *Engine) ResumeAfterConfirmation(ctx context.Context, confirmationID string) (*WorkflowResult, error) {
	flow, err := e.store.GetConfirmation(ctx, confirmationID)
	if err != nil {
		return nil, err
	}
	if flow.WorkflowID == "" {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"confirmation %s is not linked to a workflow", confirmationID)
	}

	state, err := e.store.GetWorkflow(ctx, flow.WorkflowID)
	if err != nil {
		return nil, err
	}
	step := stepByConfirmation(state, confirmationID, flow.StepNumber)
	if step == nil {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound,
			"workflow %s has no step for confirmation %s", flow.WorkflowID, confirmationID)
	}
	ctx = logging.WithIDs(ctx, state.WorkflowID, step.StepID, state.SessionID)

	switch flow.Status {
	case schema.ConfirmationStatusExecuted:
		var tr tools.ToolResult
		_ = json.Unmarshal(flow.ExecutionResult, &tr)
		if err := e.markConfirmed(ctx, state, step); err != nil {
			return nil, err
		}
		if _, err := e.finishExecutedStep(ctx, state, step, tr.Result, tr.ExecutionTime); err != nil {
			return nil, err
		}

	case schema.ConfirmationStatusFailed:
		var tr tools.ToolResult
		_ = json.Unmarshal(flow.ExecutionResult, &tr)
		stepErr := schema.NewError(schema.ErrCodeStepFailed, "confirmed action failed")
		if tr.Error != "" {
			stepErr = schema.NewError(schema.ErrCodeStepFailed, tr.Error)
		}
		if err := e.markConfirmed(ctx, state, step); err != nil {
			return nil, err
		}
		if _, err := e.finishFailedStep(ctx, state, step, flow.ExecutionResult, stepErr); err != nil {
			return nil, err
		}

	case schema.ConfirmationStatusConfirmed:
		// Approved, but the gated call never ran (interrupted between the
		// response and the execution). Mark the step confirmed and let the
		// loop dispatch it without re-gating.
		if err := e.markConfirmed(ctx, state, step); err != nil {
			return nil, err
		}
		refreshPending(state)
		if err := e.persist(ctx, state); err != nil {
			return nil, err
		}

	case schema.ConfirmationStatusRejected, schema.ConfirmationStatusExpired:
		if err := e.stepFSM.Transition(ctx, state.WorkflowID, state.SessionID, step.StepID, step.Status, schema.StepStatusSkipped); err != nil {
			return nil, err
		}
		step.Status = schema.StepStatusSkipped
		step.Narration = "Skipped: confirmation " + string(flow.Status) + "."
		state.CompletedSteps = append(state.CompletedSteps, *step)
		state.CurrentStep = step.StepNumber + 1
		refreshPending(state)
		if err := e.persist(ctx, state); err != nil {
			return nil, err
		}

	default:
		return nil, schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"confirmation %s is %s; nothing to resume", confirmationID, flow.Status)
	}

	return e.ExecuteWorkflow(ctx, flow.WorkflowID)
}

// markConfirmed advances a suspended step to confirmed once its flow was
// approved, so the terminal transition leaves from confirmed.
func (e *Engine) markConfirmed(ctx context.Context, state *store.WorkflowState, step *schema.WorkflowStep) error {
	if step.Status != schema.StepStatusAwaitingConfirmation {
		return nil
	}
	if err := e.stepFSM.Transition(ctx, state.WorkflowID, state.SessionID, step.StepID, step.Status, schema.StepStatusConfirmed); err != nil {
		return err
	}
	step.Status = schema.StepStatusConfirmed
	return nil
}

// Cancel marks an active workflow cancelled. The execution loop observes
// the status on its next iteration and stops without running recovery.
func (e *Engine) Cancel(ctx context.Context, workflowID, reason string) error {
	state, err := e.store.GetWorkflow(ctx, workflowID)
	if err != nil {
		return err
	}
	if state.Status.Terminal() {
		return schema.NewErrorf(schema.ErrCodeConflict,
			"workflow %s is already %s", workflowID, state.Status)
	}
	ctx = logging.WithIDs(ctx, workflowID, "", state.SessionID)

	if err := e.wfFSM.Transition(ctx, workflowID, state.SessionID, state.Status, schema.WorkflowStatusCancelled); err != nil {
		return err
	}
	cancelled := schema.WorkflowStatusCancelled
	now := time.Now().UTC()
	if err := e.store.UpdateWorkflow(ctx, workflowID, store.WorkflowUpdate{
		Status:          &cancelled,
		LastActivity:    &now,
		ExpectedVersion: &state.Version,
	}); err != nil {
		return err
	}

	e.publish(ctx, state, "workflow.cancelled", map[string]any{"reason": reason})
	e.logger.InfoContext(ctx, "workflow cancelled", slog.String("reason", reason))
	return nil
}

// finalize produces the terminal summary and completes the workflow.
func (e *Engine) finalize(ctx context.Context, state *store.WorkflowState, status schema.WorkflowStatus) (*WorkflowResult, error) {
	state.Status = status
	summary, degraded := e.summarize(ctx, state)

	// Cancellation already emitted its transition event in Cancel.
	if status != schema.WorkflowStatusCancelled {
		if err := e.wfFSM.Transition(ctx, state.WorkflowID, state.SessionID, schema.WorkflowStatusActive, status); err != nil {
			return nil, err
		}
	}

	if err := e.store.CompleteWorkflow(ctx, state.WorkflowID, string(status), summary, e.cfg.Retention); err != nil {
		return nil, err
	}

	e.publish(ctx, state, "workflow."+string(status), map[string]any{
		"summary":  summary,
		"degraded": degraded,
	})
	e.logger.InfoContext(ctx, "workflow finished",
		slog.String("status", string(status)),
		slog.Bool("degraded_summary", degraded))

	return &WorkflowResult{
		WorkflowID: state.WorkflowID,
		Status:     status,
		Summary:    summary,
		Degraded:   degraded,
	}, nil
}

// summarize produces the terminal natural-language summary, falling back
// to a deterministic per-step report when the model is unavailable.
func (e *Engine) summarize(ctx context.Context, state *store.WorkflowState) (string, bool) {
	reply, err := e.llm.Complete(ctx, llm.Request{
		System:      summarySystemPrompt,
		Prompt:      buildSummaryPrompt(state),
		Temperature: 0.4,
	})
	if err != nil || strings.TrimSpace(reply) == "" {
		if err != nil {
			e.logger.WarnContext(ctx, "summary call failed, using fallback",
				slog.String("error", err.Error()))
		}
		return fallbackSummary(state), true
	}
	return strings.TrimSpace(reply), false
}

// reevaluate asks whether the remaining plan still makes sense. A null
// answer is the common case. A malformed answer leaves the plan unmodified
// and is surfaced to the caller.
func (e *Engine) reevaluate(ctx context.Context, state *store.WorkflowState, step *schema.WorkflowStep) (*schema.PlanModification, error) {
	reply, err := e.llm.Complete(ctx, llm.Request{
		System:      reevalSystemPrompt,
		Prompt:      buildReevalPrompt(state, step, step.Result),
		Temperature: 0.1,
	})
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeLLM, "re-evaluation call failed").WithCause(err)
	}
	if !strings.Contains(reply, "{") {
		return nil, nil // no modification
	}

	raw, err := llm.ExtractJSON(reply)
	if err != nil {
		return nil, err
	}
	if err := e.validator.ValidateModification(raw); err != nil {
		return nil, err
	}
	var mod schema.PlanModification
	if err := json.Unmarshal(raw, &mod); err != nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "plan modification does not match expected shape").WithCause(err)
	}
	return &mod, nil
}

// narrate produces the user-facing description of what the step did.
// Best-effort: never consulted for control flow.
func (e *Engine) narrate(ctx context.Context, step *schema.WorkflowStep, result json.RawMessage, stepErr error) string {
	reply, err := e.llm.Complete(ctx, llm.Request{
		System:      narrationSystemPrompt,
		Prompt:      buildNarrationPrompt(step, result, stepErr),
		Temperature: 0.5,
		MaxTokens:   256,
	})
	if err != nil {
		e.logger.DebugContext(ctx, "narration call failed",
			slog.String("error", err.Error()))
		return ""
	}
	return strings.TrimSpace(reply)
}

// captureResults evaluates the step's capture expressions against its
// result and merges the outputs into gatheredData.
func (e *Engine) captureResults(ctx context.Context, state *store.WorkflowState, step *schema.WorkflowStep) {
	if len(step.Capture) == 0 || len(step.Result) == 0 {
		return
	}
	var doc any
	if err := json.Unmarshal(step.Result, &doc); err != nil {
		e.logger.WarnContext(ctx, "capture skipped, result is not JSON",
			slog.String("error", err.Error()))
		return
	}
	if state.Context.GatheredData == nil {
		state.Context.GatheredData = map[string]any{}
	}
	for key, exprStr := range step.Capture {
		val, err := e.jq.EvaluateValue(ctx, exprStr, doc)
		if err != nil {
			e.logger.WarnContext(ctx, "capture expression failed",
				slog.String("key", key),
				slog.String("error", err.Error()))
			continue
		}
		state.Context.GatheredData[key] = val
	}
}

// buildScope snapshots the interpolation scope. Executed step results are
// reachable both by step number and by step id.
func (e *Engine) buildScope(state *store.WorkflowState) *expressions.Scope {
	sb := expressions.NewScopeBuilder(state.Context.OriginalRequest, state.Context.GatheredData, map[string]any{
		"id":         state.WorkflowID,
		"session_id": state.SessionID,
	})
	for _, s := range state.Plan {
		if s.Status == schema.StepStatusExecuted && len(s.Result) > 0 {
			_ = sb.AddStepResult(s.StepNumber, s.Result)
		}
	}
	scope := sb.Build()
	for _, s := range state.Plan {
		if s.Status == schema.StepStatusExecuted {
			if v, ok := scope.Steps[strconv.Itoa(s.StepNumber)]; ok {
				scope.Steps[s.StepID] = v
			}
		}
	}
	return scope
}

// persist writes the full mutable state back with one CAS update.
func (e *Engine) persist(ctx context.Context, state *store.WorkflowState) error {
	now := time.Now().UTC()
	update := store.WorkflowUpdate{
		Plan:            state.Plan,
		CurrentStep:     &state.CurrentStep,
		CompletedSteps:  state.CompletedSteps,
		Context:         &state.Context,
		LastActivity:    &now,
		ExpectedVersion: &state.Version,
	}
	if err := e.store.UpdateWorkflow(ctx, state.WorkflowID, update); err != nil {
		return err
	}
	state.Version++
	state.LastActivity = now
	return nil
}

func (e *Engine) appendEvent(ctx context.Context, state *store.WorkflowState, stepID, eventType string, payload map[string]any) {
	data, _ := json.Marshal(payload)
	if err := e.store.AppendEvent(ctx, &store.Event{
		WorkflowID: state.WorkflowID,
		SessionID:  state.SessionID,
		StepID:     stepID,
		Type:       eventType,
		Payload:    data,
	}); err != nil {
		e.logger.WarnContext(ctx, "failed to append event",
			slog.String("event_type", eventType),
			slog.String("error", err.Error()))
	}
}

func (e *Engine) publish(ctx context.Context, state *store.WorkflowState, eventType string, payload any) {
	if e.hub == nil {
		return
	}
	_ = e.hub.Publish(ctx, streaming.StreamEvent{
		SessionID:  state.SessionID,
		WorkflowID: state.WorkflowID,
		EventType:  eventType,
		Payload:    payload,
	})
}

// stepByConfirmation locates the suspended step, preferring the stable
// confirmation id over the (renumberable) step number.
func stepByConfirmation(state *store.WorkflowState, confirmationID string, stepNumber int) *schema.WorkflowStep {
	for i := range state.Plan {
		if state.Plan[i].ConfirmationID == confirmationID {
			return &state.Plan[i]
		}
	}
	return state.StepByNumber(stepNumber)
}

// stepFailureError reconstructs the failure from the step's stored result.
func stepFailureError(step *schema.WorkflowStep) error {
	var tr tools.ToolResult
	if len(step.Result) > 0 && json.Unmarshal(step.Result, &tr) == nil && tr.Error != "" {
		return schema.NewError(schema.ErrCodeStepFailed, tr.Error).WithStep(step.StepID)
	}
	var generic map[string]any
	if len(step.Result) > 0 && json.Unmarshal(step.Result, &generic) == nil {
		if msg, ok := generic["error"].(string); ok && msg != "" {
			return schema.NewError(schema.ErrCodeStepFailed, msg).WithStep(step.StepID)
		}
	}
	return schema.NewError(schema.ErrCodeStepFailed, "step failed").WithStep(step.StepID)
}

func toAideError(err error) *schema.AideError {
	if err == nil {
		return schema.NewError(schema.ErrCodeExecution, "tool reported failure")
	}
	if aideErr, ok := err.(*schema.AideError); ok {
		return aideErr
	}
	return schema.NewError(schema.ErrCodeExecution, err.Error()).WithCause(err)
}
