package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/aide-sh/aide/internal/store"
	"github.com/aide-sh/aide/pkg/schema"
)

// handleRequest plans and executes a natural-language request.
func (s *AideServer) handleRequest(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	request, err := req.RequireString("request")
	if err != nil {
		return mcp.NewToolResultError("request is required"), nil
	}
	sessionID, err := req.RequireString("session_id")
	if err != nil {
		return mcp.NewToolResultError("session_id is required"), nil
	}
	userID := req.GetString("user_id", "")

	// Capture session mapping for notifications.
	s.captureSession(ctx, sessionID)

	result, runErr := s.executor.Run(ctx, sessionID, userID, request)
	if runErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("request failed: %v", runErr)), nil
	}

	return marshalResult(result)
}

// handleConfirm records a confirmation response, executes the action when
// approved, and resumes the owning workflow.
func (s *AideServer) handleConfirm(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	confirmationID, err := req.RequireString("confirmation_id")
	if err != nil {
		return mcp.NewToolResultError("confirmation_id is required"), nil
	}
	approved, err := req.RequireBool("approved")
	if err != nil {
		return mcp.NewToolResultError("approved is required"), nil
	}
	respondedBy := req.GetString("responded_by", "")

	flow, respondErr := s.gate.Respond(ctx, confirmationID, approved, respondedBy)
	if respondErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("confirmation response failed: %v", respondErr)), nil
	}

	s.captureSession(ctx, flow.SessionID)

	if approved {
		executed, execErr := s.gate.Execute(ctx, confirmationID)
		if execErr != nil {
			return mcp.NewToolResultError(fmt.Sprintf("approved action failed to execute: %v", execErr)), nil
		}
		flow = executed
	}

	out := map[string]any{
		"confirmation_id": flow.ConfirmationID,
		"status":          flow.Status,
	}

	// Standalone confirmations have no workflow to resume.
	if flow.WorkflowID != "" {
		result, resumeErr := s.executor.ResumeAfterConfirmation(ctx, confirmationID)
		if resumeErr != nil {
			return mcp.NewToolResultError(fmt.Sprintf("confirmation recorded but resume failed: %v", resumeErr)), nil
		}
		out["workflow"] = result
	}

	return marshalResult(out)
}

// handleStatus returns the current state of a workflow.
func (s *AideServer) handleStatus(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	workflowID, err := req.RequireString("workflow_id")
	if err != nil {
		return mcp.NewToolResultError("workflow_id is required"), nil
	}

	state, getErr := s.store.GetWorkflow(ctx, workflowID)
	if getErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("status query failed: %v", getErr)), nil
	}

	return marshalResult(statusView(state))
}

// handleCancel stops an active workflow.
func (s *AideServer) handleCancel(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	workflowID, err := req.RequireString("workflow_id")
	if err != nil {
		return mcp.NewToolResultError("workflow_id is required"), nil
	}
	reason := req.GetString("reason", "")

	if cancelErr := s.executor.Cancel(ctx, workflowID, reason); cancelErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("cancel failed: %v", cancelErr)), nil
	}

	return marshalResult(map[string]any{
		"ok":          true,
		"workflow_id": workflowID,
		"status":      schema.WorkflowStatusCancelled,
	})
}

// handleQuery lists workflows, confirmations, or events based on filters.
func (s *AideServer) handleQuery(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	resource, err := req.RequireString("resource")
	if err != nil {
		return mcp.NewToolResultError("resource is required"), nil
	}

	filter := mcp.ParseStringMap(req, "filter", nil)

	switch resource {
	case "workflows":
		return s.queryWorkflows(ctx, filter)
	case "confirmations":
		return s.queryConfirmations(ctx, filter)
	case "events":
		return s.queryEvents(ctx, filter)
	default:
		return mcp.NewToolResultError(fmt.Sprintf("unknown resource type: %s", resource)), nil
	}
}

// --- Query helpers ---

func (s *AideServer) queryWorkflows(ctx context.Context, filter map[string]any) (*mcp.CallToolResult, error) {
	sessionID, _ := filter["session_id"].(string)
	if sessionID == "" {
		return mcp.NewToolResultError("workflow query requires 'session_id' in filter"), nil
	}

	states, err := s.store.ListActiveWorkflows(ctx, sessionID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("query failed: %v", err)), nil
	}

	views := make([]map[string]any, len(states))
	for i, st := range states {
		views[i] = statusView(st)
	}
	return marshalResult(map[string]any{"workflows": views})
}

func (s *AideServer) queryConfirmations(ctx context.Context, filter map[string]any) (*mcp.CallToolResult, error) {
	sessionID, _ := filter["session_id"].(string)
	if sessionID == "" {
		return mcp.NewToolResultError("confirmation query requires 'session_id' in filter"), nil
	}

	flows, err := s.gate.ListPending(ctx, sessionID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("query failed: %v", err)), nil
	}
	return marshalResult(map[string]any{"confirmations": flows})
}

func (s *AideServer) queryEvents(ctx context.Context, filter map[string]any) (*mcp.CallToolResult, error) {
	workflowID, _ := filter["workflow_id"].(string)
	if workflowID == "" {
		return mcp.NewToolResultError("event query requires 'workflow_id' in filter"), nil
	}
	since := int64(extractInt(filter, "since", 0))

	events, err := s.store.GetEvents(ctx, workflowID, since)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("query failed: %v", err)), nil
	}
	return marshalResult(map[string]any{"events": events})
}

// --- Internal helpers ---

// statusView condenses a workflow state into the shape agents poll for.
func statusView(state *store.WorkflowState) map[string]any {
	steps := make([]map[string]any, len(state.Plan))
	for i, step := range state.Plan {
		view := map[string]any{
			"step_number": step.StepNumber,
			"step_id":     step.StepID,
			"description": step.Description,
			"tool":        step.ToolCall.Name,
			"status":      step.Status,
		}
		if step.Narration != "" {
			view["narration"] = step.Narration
		}
		if step.ConfirmationID != "" {
			view["confirmation_id"] = step.ConfirmationID
		}
		if step.RetryCount > 0 {
			view["retry_count"] = step.RetryCount
		}
		steps[i] = view
	}

	view := map[string]any{
		"workflow_id":   state.WorkflowID,
		"session_id":    state.SessionID,
		"status":        state.Status,
		"current_step":  state.CurrentStep,
		"total_steps":   state.TotalSteps(),
		"plan":          steps,
		"created_at":    state.CreatedAt.Format(time.RFC3339),
		"last_activity": state.LastActivity.Format(time.RFC3339),
	}
	if state.Summary != "" {
		view["summary"] = state.Summary
	}
	return view
}

// extractInt safely extracts an integer from a filter map.
func extractInt(filter map[string]any, key string, defaultVal int) int {
	if filter == nil {
		return defaultVal
	}
	v, ok := filter[key]
	if !ok {
		return defaultVal
	}
	switch val := v.(type) {
	case float64:
		return int(val)
	case int:
		return val
	case string:
		if n, err := strconv.Atoi(val); err == nil {
			return n
		}
	}
	return defaultVal
}

// captureSession maps the assistant session to its current MCP transport
// session for notifications.
func (s *AideServer) captureSession(ctx context.Context, sessionID string) {
	if session := server.ClientSessionFromContext(ctx); session != nil {
		s.sessions.Register(sessionID, session.SessionID())
	}
}

// marshalResult converts a value to a JSON text tool result.
func marshalResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcp.NewToolResultJSON(json.RawMessage(data))
}
