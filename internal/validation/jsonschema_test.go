package validation

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aide-sh/aide/pkg/schema"
)

func newTestValidator(t *testing.T) *JSONSchemaValidator {
	t.Helper()
	v, err := NewJSONSchemaValidator()
	require.NoError(t, err)
	return v
}

func TestValidatePlanResponse(t *testing.T) {
	v := newTestValidator(t)

	valid := `{
		"intent": "reply to acme billing",
		"entities": ["acme", "billing"],
		"confidence": 0.92,
		"plan": [
			{"step_id": "s1", "description": "look up the account", "tool_call": {"name": "crm.lookup", "parameters": {"q": "acme"}}},
			{"step_id": "s2", "description": "send the reply", "tool_call": {"name": "email.send"}, "capture": {"message_id": ".id"}}
		]
	}`
	assert.NoError(t, v.ValidatePlanResponse([]byte(valid)))
}

func TestValidatePlanResponse_Invalid(t *testing.T) {
	v := newTestValidator(t)

	base := `"intent": "x", "entities": [], "confidence": 0.5`
	cases := map[string]string{
		"empty plan":      `{` + base + `, "plan": []}`,
		"missing tool":    `{` + base + `, "plan": [{"step_id": "s1", "description": "do it"}]}`,
		"missing desc":    `{` + base + `, "plan": [{"step_id": "s1", "tool_call": {"name": "email.send"}}]}`,
		"missing step id": `{` + base + `, "plan": [{"description": "x", "tool_call": {"name": "t"}}]}`,
		"unknown field":   `{` + base + `, "plan": [{"step_id": "s1", "description": "x", "tool_call": {"name": "t"}, "banana": 1}]}`,
		"missing plan":    `{` + base + `}`,
		"missing intent":  `{"entities": [], "confidence": 0.5, "plan": [{"step_id": "s1", "description": "x", "tool_call": {"name": "t"}}]}`,
		"bad confidence":  `{"intent": "x", "entities": [], "confidence": 1.5, "plan": [{"step_id": "s1", "description": "x", "tool_call": {"name": "t"}}]}`,
		"not json":        `plan: yes`,
	}
	for name, payload := range cases {
		t.Run(name, func(t *testing.T) {
			err := v.ValidatePlanResponse([]byte(payload))
			require.Error(t, err)
			aideErr, ok := err.(*schema.AideError)
			require.True(t, ok)
			assert.Equal(t, schema.ErrCodeValidation, aideErr.Code)
		})
	}
}

func TestValidatePlanResponse_TooManySteps(t *testing.T) {
	v := newTestValidator(t)

	payload := `{"intent": "x", "entities": [], "confidence": 0.5, "plan": [`
	for i := 0; i < 11; i++ {
		if i > 0 {
			payload += ","
		}
		payload += `{"step_id": "s", "description": "step", "tool_call": {"name": "noop"}}`
	}
	payload += `]}`

	err := v.ValidatePlanResponse([]byte(payload))
	require.Error(t, err)
}

func TestValidateModification(t *testing.T) {
	v := newTestValidator(t)

	cases := []string{
		`{"type": "add_step", "reasoning": "need auth first", "changes": {"new_steps": [{"description": "authenticate", "tool_call": {"name": "auth.login"}}]}}`,
		`{"type": "remove_step", "reasoning": "redundant", "changes": {"step_numbers": [3, 4]}}`,
		`{"type": "reorder_steps", "reasoning": "dependency order", "changes": {"new_order": [3, 2, 4]}}`,
		`{"type": "skip_step", "reasoning": "already done", "changes": {"step_number": 2}}`,
		`{"type": "modify_step", "reasoning": "wrong recipient", "changes": {"step_number": 2, "parameters": {"to": "ops@acme.com"}}}`,
	}
	for _, payload := range cases {
		assert.NoError(t, v.ValidateModification([]byte(payload)), payload)
	}
}

func TestValidateModification_Invalid(t *testing.T) {
	v := newTestValidator(t)

	cases := map[string]string{
		"bad type":         `{"type": "replace_all", "reasoning": "nope"}`,
		"no reasoning":     `{"type": "skip_step", "changes": {"step_number": 1}}`,
		"negative number":  `{"type": "skip_step", "reasoning": "x", "changes": {"step_number": -1}}`,
		"new step no tool call": `{"type": "add_step", "reasoning": "x", "changes": {"new_steps": [{"description": "y"}]}}`,
	}
	for name, payload := range cases {
		t.Run(name, func(t *testing.T) {
			require.Error(t, v.ValidateModification([]byte(payload)))
		})
	}
}

func TestValidateRecovery(t *testing.T) {
	v := newTestValidator(t)

	cases := []string{
		`{"action": "retry", "reasoning": "transient timeout", "retry_delay_seconds": 5}`,
		`{"action": "skip", "reasoning": "optional step"}`,
		`{"action": "modify", "reasoning": "bad params", "modifications": {"parameters": {"q": "acme corp"}}}`,
		`{"action": "abort", "reasoning": "cannot proceed"}`,
	}
	for _, payload := range cases {
		assert.NoError(t, v.ValidateRecovery([]byte(payload)), payload)
	}
}

func TestValidateRecovery_Invalid(t *testing.T) {
	v := newTestValidator(t)

	cases := map[string]string{
		"bad action":     `{"action": "panic", "reasoning": "x"}`,
		"no reasoning":   `{"action": "retry"}`,
		"negative delay": `{"action": "retry", "reasoning": "x", "retry_delay_seconds": -1}`,
		"empty":          ``,
	}
	for name, payload := range cases {
		t.Run(name, func(t *testing.T) {
			require.Error(t, v.ValidateRecovery([]byte(payload)))
		})
	}
}

func TestValidateInput(t *testing.T) {
	v := newTestValidator(t)

	inputSchema := []byte(`{
		"type": "object",
		"required": ["to"],
		"properties": {
			"to": {"type": "string", "format": "email"},
			"subject": {"type": "string"}
		}
	}`)

	assert.NoError(t, v.ValidateInput(map[string]any{"to": "a@b.com", "subject": "hi"}, inputSchema))

	err := v.ValidateInput(map[string]any{"subject": "hi"}, inputSchema)
	require.Error(t, err)

	// No schema means no validation.
	assert.NoError(t, v.ValidateInput(map[string]any{"anything": true}, nil))
}

func TestValidateInput_SchemaCache(t *testing.T) {
	v := newTestValidator(t)

	inputSchema := []byte(`{"type": "object"}`)
	require.NoError(t, v.ValidateInput(map[string]any{}, inputSchema))
	require.NoError(t, v.ValidateInput(map[string]any{"k": 1}, inputSchema))
	assert.Len(t, v.cache, 1)
}

func TestValidatePlan(t *testing.T) {
	steps := []schema.WorkflowStep{
		{StepID: "a", StepNumber: 1, Description: "one", ToolCall: schema.ToolCall{Name: "t1"}},
		{StepID: "b", StepNumber: 2, Description: "two", ToolCall: schema.ToolCall{Name: "t2"}},
	}
	assert.NoError(t, ValidatePlan(steps))
}

func TestValidatePlan_Errors(t *testing.T) {
	base := func() []schema.WorkflowStep {
		return []schema.WorkflowStep{
			{StepID: "a", StepNumber: 1, ToolCall: schema.ToolCall{Name: "t1"}},
			{StepID: "b", StepNumber: 2, ToolCall: schema.ToolCall{Name: "t2"}},
		}
	}

	t.Run("empty", func(t *testing.T) {
		require.Error(t, ValidatePlan(nil))
	})

	t.Run("bad numbering", func(t *testing.T) {
		steps := base()
		steps[1].StepNumber = 5
		require.Error(t, ValidatePlan(steps))
	})

	t.Run("duplicate id", func(t *testing.T) {
		steps := base()
		steps[1].StepID = "a"
		require.Error(t, ValidatePlan(steps))
	})

	t.Run("missing tool", func(t *testing.T) {
		steps := base()
		steps[0].ToolCall.Name = ""
		require.Error(t, ValidatePlan(steps))
	})

	t.Run("over cap", func(t *testing.T) {
		var steps []schema.WorkflowStep
		for i := 1; i <= MaxPlanSteps+1; i++ {
			steps = append(steps, schema.WorkflowStep{
				StepID: string(rune('a' + i)), StepNumber: i, ToolCall: schema.ToolCall{Name: "t"},
			})
		}
		require.Error(t, ValidatePlan(steps))
	})
}
