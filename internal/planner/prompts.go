package planner

import (
	"fmt"
	"strings"

	"github.com/aide-sh/aide/internal/tools"
	"github.com/aide-sh/aide/pkg/schema"
)

const planSystemPrompt = `You are the planning component of a task assistant.
You convert a user request into an ordered plan of tool calls.

Rules:
- Use only the tools listed in the prompt. Never invent a tool name.
- Extract the concrete entities the request mentions (people, dates, subjects).
- Prefer the shortest plan that fully satisfies the request.
- Consider what each step needs from earlier steps; parameters may reference
  prior results with ${{ steps.<step_id>.result }} expressions.
- Do not pad the plan with verification or cleanup steps unless asked.

Respond with a single JSON object, no prose, in this exact shape:
{
  "intent": "<one-line restatement of what the user wants>",
  "entities": ["<entity>", ...],
  "confidence": <0.0-1.0>,
  "description": "<one sentence describing the plan, user-readable>",
  "plan": [
    {
      "step_id": "<short unique id>",
      "description": "<what this step does, user-readable>",
      "tool_call": {"name": "<tool name>", "parameters": {...}},
      "capture": {"<key>": "<jq expression over the result>"}
    }
  ]
}
The "capture" field is optional. Omit parameters you cannot fill.`

// buildPlanPrompt assembles the user-turn prompt: the request, any prior
// conversation state, and the tool catalog the plan may draw from.
func buildPlanPrompt(request string, wfCtx *schema.WorkflowContext, catalog []tools.ToolInfo, maxSteps int) string {
	var b strings.Builder

	fmt.Fprintf(&b, "User request:\n%s\n\n", request)

	if wfCtx != nil {
		if wfCtx.UserIntent != "" {
			fmt.Fprintf(&b, "Previously understood intent: %s\n", wfCtx.UserIntent)
		}
		if len(wfCtx.GatheredData) > 0 {
			b.WriteString("Data gathered earlier in this conversation:\n")
			for k := range wfCtx.GatheredData {
				fmt.Fprintf(&b, "- %s\n", k)
			}
		}
		b.WriteString("\n")
	}

	b.WriteString("Available tools:\n")
	if len(catalog) == 0 {
		b.WriteString("(none registered)\n")
	}
	for _, info := range catalog {
		desc := info.Description
		if desc == "" {
			desc = "no description"
		}
		fmt.Fprintf(&b, "- %s: %s\n", info.Name, desc)
	}

	fmt.Fprintf(&b, "\nThe plan must contain between 1 and %d steps.\n", maxSteps)
	return b.String()
}
