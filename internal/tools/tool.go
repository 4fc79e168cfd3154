package tools

import (
	"context"
	"encoding/json"
	"time"
)

// Tool is an executable external capability a plan step can invoke.
type Tool interface {
	Name() string
	Schema() ToolSchema
	Execute(ctx context.Context, params map[string]any) (json.RawMessage, error)
}

// ToolSchema describes a tool's input contract for planning and validation.
type ToolSchema struct {
	InputSchema json.RawMessage `json:"input_schema,omitempty"`
	Description string          `json:"description,omitempty"`
}

// ToolInfo is a summary of a registered tool for listing and prompt building.
type ToolInfo struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

// ToolResult is the outcome of one dispatched tool call. Error is set when
// Success is false; Result carries the tool's JSON output otherwise.
type ToolResult struct {
	ToolName      string          `json:"tool_name"`
	Success       bool            `json:"success"`
	Result        json.RawMessage `json:"result,omitempty"`
	Error         string          `json:"error,omitempty"`
	ExecutionTime time.Duration   `json:"execution_time"`
}
