package engine

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/aide-sh/aide/internal/store"
	"github.com/aide-sh/aide/pkg/schema"
)

const reevalSystemPrompt = `You review an in-flight task plan after each step.
Given the step that just ran, its result, and the remaining steps, decide
whether the remaining plan still makes sense.

Most of the time it does: answer with the literal JSON null.

Only when the result clearly invalidates the remaining plan, answer with one
modification object:
{
  "type": "add_step" | "remove_step" | "modify_step" | "reorder_steps" | "skip_step",
  "reasoning": "<why>",
  "changes": { ... }
}
changes per type:
  add_step:      {"new_steps": [{"description", "tool_call": {"name", "parameters"}}]}
  remove_step:   {"step_numbers": [<n>, ...]}
  modify_step:   {"step_number": <n>, "description"?, "parameters"?}
  reorder_steps: {"new_order": [<n>, ...]} (every remaining step exactly once)
  skip_step:     {"step_number": <n>}
Answer with JSON only, no prose.`

func buildReevalPrompt(state *store.WorkflowState, step *schema.WorkflowStep, result json.RawMessage) string {
	var b strings.Builder

	fmt.Fprintf(&b, "Original request:\n%s\n\n", state.Context.OriginalRequest)
	fmt.Fprintf(&b, "Step %d just executed: %s (tool %s)\n", step.StepNumber, step.Description, step.ToolCall.Name)
	fmt.Fprintf(&b, "Result:\n%s\n\n", truncateJSON(result, 2000))

	remaining := false
	for _, s := range state.Plan {
		if s.StepNumber > step.StepNumber && !s.Status.Terminal() {
			if !remaining {
				b.WriteString("Remaining steps:\n")
				remaining = true
			}
			fmt.Fprintf(&b, "%d. %s (tool %s)\n", s.StepNumber, s.Description, s.ToolCall.Name)
		}
	}
	if !remaining {
		b.WriteString("No steps remain.\n")
	}
	return b.String()
}

const recoverySystemPrompt = `A step in a task plan failed. Decide how to
proceed. Answer with exactly one JSON object:
{
  "action": "retry" | "skip" | "modify" | "abort",
  "reasoning": "<why>",
  "modifications": {"description"?, "parameters"?},
  "retry_delay_seconds": <number>
}
"modifications" only with action "modify"; "retry_delay_seconds" only with
"retry". Choose "retry" for transient failures, "skip" when the step is
optional, "modify" when the parameters were wrong, "abort" when the task
cannot meaningfully continue. Answer with JSON only, no prose.`

func buildRecoveryPrompt(state *store.WorkflowState, step *schema.WorkflowStep, stepErr error) string {
	var b strings.Builder

	fmt.Fprintf(&b, "Original request:\n%s\n\n", state.Context.OriginalRequest)
	fmt.Fprintf(&b, "Failing step %d: %s (tool %s)\n", step.StepNumber, step.Description, step.ToolCall.Name)
	fmt.Fprintf(&b, "Error: %s\n", stepErr.Error())
	fmt.Fprintf(&b, "Retry budget: attempt %d of %d.\n", step.RetryCount+1, step.MaxRetries)
	return b.String()
}

const narrationSystemPrompt = `Describe in one or two plain sentences what a
task step just did, for a non-technical user. No JSON, no markdown, no tool
names.`

func buildNarrationPrompt(step *schema.WorkflowStep, result json.RawMessage, stepErr error) string {
	var b strings.Builder

	fmt.Fprintf(&b, "Step: %s\n", step.Description)
	if stepErr != nil {
		fmt.Fprintf(&b, "Outcome: failed with %s\n", stepErr.Error())
	} else {
		fmt.Fprintf(&b, "Outcome:\n%s\n", truncateJSON(result, 1500))
	}
	return b.String()
}

const summarySystemPrompt = `Summarize a finished multi-step task for the
user in a short paragraph: what was asked, what was done, and anything that
failed or was skipped. Plain text only.`

func buildSummaryPrompt(state *store.WorkflowState) string {
	var b strings.Builder

	fmt.Fprintf(&b, "Request:\n%s\n\n", state.Context.OriginalRequest)
	fmt.Fprintf(&b, "Final status: %s\n\nSteps:\n", state.Status)
	for _, s := range state.Plan {
		fmt.Fprintf(&b, "%d. [%s] %s", s.StepNumber, s.Status, s.Description)
		if s.Narration != "" {
			fmt.Fprintf(&b, " -- %s", s.Narration)
		}
		b.WriteString("\n")
	}
	return b.String()
}

// fallbackSummary is the deterministic per-step report used when the
// summary call fails. Terminal states always carry a summary.
func fallbackSummary(state *store.WorkflowState) string {
	var b strings.Builder

	fmt.Fprintf(&b, "Task %s.", state.Status)
	for _, s := range state.Plan {
		fmt.Fprintf(&b, " Step %d (%s): %s.", s.StepNumber, s.Description, s.Status)
	}
	return b.String()
}

func truncateJSON(raw json.RawMessage, limit int) string {
	if len(raw) == 0 {
		return "(empty)"
	}
	s := string(raw)
	if len(s) > limit {
		return s[:limit] + "...(truncated)"
	}
	return s
}
