package planner

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aide-sh/aide/internal/llm"
	"github.com/aide-sh/aide/internal/tools"
	"github.com/aide-sh/aide/internal/validation"
	"github.com/aide-sh/aide/pkg/schema"
)

type scriptedLLM struct {
	reply   string
	err     error
	prompts []llm.Request
}

func (s *scriptedLLM) Complete(_ context.Context, req llm.Request) (string, error) {
	s.prompts = append(s.prompts, req)
	if s.err != nil {
		return "", s.err
	}
	return s.reply, nil
}

type stubTool struct {
	name string
	desc string
}

func (s stubTool) Name() string { return s.name }
func (s stubTool) Schema() tools.ToolSchema {
	return tools.ToolSchema{Description: s.desc}
}
func (s stubTool) Execute(context.Context, map[string]any) (json.RawMessage, error) {
	return json.RawMessage(`{}`), nil
}

func testRegistry(t *testing.T, names ...string) *tools.Registry {
	t.Helper()
	r := tools.NewRegistry()
	for _, name := range names {
		require.NoError(t, r.Register(stubTool{name: name, desc: "test tool " + name}))
	}
	return r
}

func newTestPlanner(t *testing.T, client llm.Client, reg *tools.Registry, opts ...Option) *Planner {
	t.Helper()
	v, err := validation.NewJSONSchemaValidator()
	require.NoError(t, err)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewPlanner(client, v, reg, logger, opts...)
}

const twoStepReply = `{
	"intent": "find today's meetings and summarize them",
	"entities": ["today", "meetings"],
	"confidence": 0.9,
	"plan": [
		{
			"step_id": "search",
			"description": "find today's meetings",
			"tool_call": {"name": "calendar.search", "parameters": {"range": "today"}},
			"capture": {"meetings": ".events"}
		},
		{
			"step_id": "summarize",
			"description": "summarize the meetings",
			"tool_call": {"name": "think.summarize", "parameters": {"input": "${{steps.search.result}}"}}
		}
	]
}`

func TestCreatePlan(t *testing.T) {
	client := &scriptedLLM{reply: twoStepReply}
	p := newTestPlanner(t, client, testRegistry(t, "calendar.search", "think.summarize"))

	plan, err := p.CreatePlan(context.Background(), "find today's meetings and summarize", nil)
	require.NoError(t, err)

	assert.Equal(t, "find today's meetings and summarize them", plan.Intent)
	assert.Equal(t, []string{"today", "meetings"}, plan.Entities)
	assert.InDelta(t, 0.9, plan.Confidence, 0.001)

	require.Len(t, plan.Steps, 2)
	for i, step := range plan.Steps {
		assert.Equal(t, i+1, step.StepNumber)
		assert.Equal(t, schema.StepStatusPending, step.Status)
		assert.Equal(t, 0, step.RetryCount)
		assert.Equal(t, schema.DefaultMaxRetries, step.MaxRetries)
	}
	assert.Equal(t, "calendar.search", plan.Steps[0].ToolCall.Name)
	assert.Equal(t, map[string]string{"meetings": ".events"}, plan.Steps[0].Capture)
	assert.Equal(t, "think.summarize", plan.Steps[1].ToolCall.Name)
}

func TestCreatePlan_FencedReply(t *testing.T) {
	client := &scriptedLLM{reply: "```json\n" + twoStepReply + "\n```"}
	p := newTestPlanner(t, client, testRegistry(t, "calendar.search", "think.summarize"))

	plan, err := p.CreatePlan(context.Background(), "meetings", nil)
	require.NoError(t, err)
	assert.Len(t, plan.Steps, 2)
}

func TestCreatePlan_PromptListsTools(t *testing.T) {
	client := &scriptedLLM{reply: twoStepReply}
	p := newTestPlanner(t, client, testRegistry(t, "calendar.search", "think.summarize"))

	_, err := p.CreatePlan(context.Background(), "meetings", nil)
	require.NoError(t, err)

	require.Len(t, client.prompts, 1)
	prompt := client.prompts[0].Prompt
	assert.Contains(t, prompt, "calendar.search")
	assert.Contains(t, prompt, "think.summarize")
	assert.Contains(t, prompt, "meetings")
}

func TestCreatePlan_PromptIncludesContext(t *testing.T) {
	client := &scriptedLLM{reply: twoStepReply}
	p := newTestPlanner(t, client, testRegistry(t, "calendar.search", "think.summarize"))

	wfCtx := &schema.WorkflowContext{
		UserIntent:   "weekly review",
		GatheredData: map[string]any{"last_report": "r-41"},
	}
	_, err := p.CreatePlan(context.Background(), "meetings", wfCtx)
	require.NoError(t, err)

	prompt := client.prompts[0].Prompt
	assert.Contains(t, prompt, "weekly review")
	assert.Contains(t, prompt, "last_report")
}

func TestCreatePlan_EmptyRequest(t *testing.T) {
	client := &scriptedLLM{reply: twoStepReply}
	p := newTestPlanner(t, client, testRegistry(t, "calendar.search"))

	_, err := p.CreatePlan(context.Background(), "  ", nil)
	require.Error(t, err)
	assert.Empty(t, client.prompts)
}

func TestCreatePlan_LLMFailure(t *testing.T) {
	client := &scriptedLLM{err: errors.New("upstream 529")}
	p := newTestPlanner(t, client, testRegistry(t, "calendar.search"))

	_, err := p.CreatePlan(context.Background(), "meetings", nil)
	require.Error(t, err)

	var aideErr *schema.AideError
	require.ErrorAs(t, err, &aideErr)
	assert.Equal(t, schema.ErrCodeLLM, aideErr.Code)
}

func TestCreatePlan_MalformedReply(t *testing.T) {
	cases := map[string]string{
		"prose only":     "I cannot plan this request.",
		"missing intent": `{"entities": [], "confidence": 0.5, "plan": [{"step_id": "a", "description": "x", "tool_call": {"name": "calendar.search"}}]}`,
		"empty plan":     `{"intent": "x", "entities": [], "confidence": 0.5, "plan": []}`,
		"bad confidence": `{"intent": "x", "entities": [], "confidence": 2, "plan": [{"step_id": "a", "description": "x", "tool_call": {"name": "calendar.search"}}]}`,
	}
	for name, reply := range cases {
		t.Run(name, func(t *testing.T) {
			client := &scriptedLLM{reply: reply}
			p := newTestPlanner(t, client, testRegistry(t, "calendar.search"))

			_, err := p.CreatePlan(context.Background(), "meetings", nil)
			require.Error(t, err)

			var aideErr *schema.AideError
			require.ErrorAs(t, err, &aideErr)
			assert.Equal(t, schema.ErrCodeValidation, aideErr.Code)
		})
	}
}

func TestCreatePlan_UnregisteredTool(t *testing.T) {
	client := &scriptedLLM{reply: twoStepReply}
	p := newTestPlanner(t, client, testRegistry(t, "calendar.search")) // think.summarize missing

	_, err := p.CreatePlan(context.Background(), "meetings", nil)
	require.Error(t, err)

	var aideErr *schema.AideError
	require.ErrorAs(t, err, &aideErr)
	assert.Equal(t, schema.ErrCodeValidation, aideErr.Code)
	assert.Contains(t, aideErr.Message, "think.summarize")
}

func TestCreatePlan_DuplicateStepIDs(t *testing.T) {
	reply := `{
		"intent": "x", "entities": [], "confidence": 0.5,
		"plan": [
			{"step_id": "a", "description": "one", "tool_call": {"name": "calendar.search"}},
			{"step_id": "a", "description": "two", "tool_call": {"name": "calendar.search"}}
		]
	}`
	client := &scriptedLLM{reply: reply}
	p := newTestPlanner(t, client, testRegistry(t, "calendar.search"))

	_, err := p.CreatePlan(context.Background(), "meetings", nil)
	require.Error(t, err)
}

func TestCreatePlan_MaxStepsOption(t *testing.T) {
	client := &scriptedLLM{reply: twoStepReply}
	p := newTestPlanner(t, client, testRegistry(t, "calendar.search", "think.summarize"), WithMaxSteps(1))

	_, err := p.CreatePlan(context.Background(), "meetings", nil)
	require.Error(t, err)

	var aideErr *schema.AideError
	require.ErrorAs(t, err, &aideErr)
	assert.Equal(t, schema.ErrCodeValidation, aideErr.Code)
}

func TestCreatePlan_ExplicitRetryBudget(t *testing.T) {
	reply := `{
		"intent": "x", "entities": [], "confidence": 0.5,
		"plan": [
			{"step_id": "a", "description": "one", "tool_call": {"name": "calendar.search"}, "max_retries": 0}
		]
	}`
	client := &scriptedLLM{reply: reply}
	p := newTestPlanner(t, client, testRegistry(t, "calendar.search"))

	plan, err := p.CreatePlan(context.Background(), "meetings", nil)
	require.NoError(t, err)
	assert.Equal(t, 0, plan.Steps[0].MaxRetries)
}
