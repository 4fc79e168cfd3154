package engine

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aide-sh/aide/internal/confirm"
	"github.com/aide-sh/aide/internal/expressions"
	"github.com/aide-sh/aide/internal/llm"
	"github.com/aide-sh/aide/internal/planner"
	"github.com/aide-sh/aide/internal/store"
	"github.com/aide-sh/aide/internal/tools"
	"github.com/aide-sh/aide/internal/validation"
	"github.com/aide-sh/aide/pkg/schema"
)

// --- in-memory store ---

type memStore struct {
	store.Store // unimplemented remainder panics if touched

	mu        sync.Mutex
	workflows map[string]*store.WorkflowState
	flows     map[string]*store.ConfirmationFlow
	events    []*store.Event
}

func newMemStore() *memStore {
	return &memStore{
		workflows: make(map[string]*store.WorkflowState),
		flows:     make(map[string]*store.ConfirmationFlow),
	}
}

func copyState(s *store.WorkflowState) *store.WorkflowState {
	data, _ := json.Marshal(s)
	var out store.WorkflowState
	_ = json.Unmarshal(data, &out)
	return &out
}

func (m *memStore) CreateWorkflow(_ context.Context, state *store.WorkflowState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.workflows[state.WorkflowID]; ok {
		return schema.NewError(schema.ErrCodeConflict, "workflow exists")
	}
	m.workflows[state.WorkflowID] = copyState(state)
	return nil
}

func (m *memStore) GetWorkflow(_ context.Context, id string) (*store.WorkflowState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	state, ok := m.workflows[id]
	if !ok || (!state.ExpiresAt.IsZero() && !state.ExpiresAt.After(time.Now().UTC())) {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "workflow %s not found", id)
	}
	return copyState(state), nil
}

func (m *memStore) UpdateWorkflow(_ context.Context, id string, update store.WorkflowUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	state, ok := m.workflows[id]
	if !ok {
		return schema.NewErrorf(schema.ErrCodeNotFound, "workflow %s not found", id)
	}
	if update.ExpectedVersion != nil && *update.ExpectedVersion != state.Version {
		return schema.NewErrorf(schema.ErrCodeConflict, "version mismatch")
	}
	if update.Status != nil {
		state.Status = *update.Status
	}
	if update.Plan != nil {
		state.Plan = update.Plan
	}
	if update.CurrentStep != nil {
		state.CurrentStep = *update.CurrentStep
	}
	if update.CompletedSteps != nil {
		state.CompletedSteps = update.CompletedSteps
	}
	if update.Context != nil {
		state.Context = *update.Context
	}
	if update.Summary != nil {
		state.Summary = *update.Summary
	}
	if update.LastActivity != nil {
		state.LastActivity = *update.LastActivity
	}
	if update.ExpiresAt != nil {
		state.ExpiresAt = *update.ExpiresAt
	}
	state.Version++
	m.workflows[id] = copyState(state)
	return nil
}

func (m *memStore) CompleteWorkflow(_ context.Context, id, status, summary string, retention time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	state, ok := m.workflows[id]
	if !ok {
		return schema.NewErrorf(schema.ErrCodeNotFound, "workflow %s not found", id)
	}
	now := time.Now().UTC()
	state.Status = schema.WorkflowStatus(status)
	state.Summary = summary
	state.CompletedAt = &now
	state.ExpiresAt = now.Add(retention)
	state.Version++
	return nil
}

func (m *memStore) AppendEvent(_ context.Context, event *store.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	event.Sequence = int64(len(m.events) + 1)
	event.Timestamp = time.Now().UTC()
	m.events = append(m.events, event)
	return nil
}

func (m *memStore) GetEvents(_ context.Context, workflowID string, since int64) ([]*store.Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*store.Event
	for _, e := range m.events {
		if e.WorkflowID == workflowID && e.Sequence > since {
			out = append(out, e)
		}
	}
	return out, nil
}

func (m *memStore) eventTypes(workflowID string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for _, e := range m.events {
		if e.WorkflowID == workflowID {
			out = append(out, e.Type)
		}
	}
	return out
}

func (m *memStore) CreateConfirmation(_ context.Context, flow *store.ConfirmationFlow) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	copied := *flow
	m.flows[flow.ConfirmationID] = &copied
	return nil
}

func (m *memStore) GetConfirmation(_ context.Context, id string) (*store.ConfirmationFlow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	flow, ok := m.flows[id]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "confirmation %s not found", id)
	}
	copied := *flow
	return &copied, nil
}

func (m *memStore) setConfirmation(id string, status schema.ConfirmationStatus, result []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	flow := m.flows[id]
	flow.Status = status
	flow.ExecutionResult = result
}

// --- fakes ---

type routerLLM struct {
	mu       sync.Mutex
	recovery string
	reeval   []string // popped per call; empty means "null"
	summary  string
	err      error // fails every call when set
	calls    map[string]int
}

func newRouterLLM() *routerLLM {
	return &routerLLM{
		summary: "All done.",
		calls:   make(map[string]int),
	}
}

func (r *routerLLM) Complete(_ context.Context, req llm.Request) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return "", r.err
	}
	switch req.System {
	case reevalSystemPrompt:
		r.calls["reeval"]++
		if len(r.reeval) == 0 {
			return "null", nil
		}
		reply := r.reeval[0]
		r.reeval = r.reeval[1:]
		return reply, nil
	case recoverySystemPrompt:
		r.calls["recovery"]++
		return r.recovery, nil
	case narrationSystemPrompt:
		r.calls["narration"]++
		return "Did the thing.", nil
	case summarySystemPrompt:
		r.calls["summary"]++
		return r.summary, nil
	default:
		return "", errors.New("unexpected system prompt")
	}
}

func (r *routerLLM) callCount(kind string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls[kind]
}

type fakeDispatcher struct {
	mu        sync.Mutex
	calls     []schema.ToolCall
	failFirst map[string]int
	results   map[string]json.RawMessage
}

func newFakeDispatcher() *fakeDispatcher {
	return &fakeDispatcher{
		failFirst: make(map[string]int),
		results:   make(map[string]json.RawMessage),
	}
}

func (d *fakeDispatcher) Dispatch(_ context.Context, call schema.ToolCall) (*tools.ToolResult, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls = append(d.calls, call)
	if n := d.failFirst[call.Name]; n != 0 {
		if n > 0 {
			d.failFirst[call.Name] = n - 1
		}
		res := &tools.ToolResult{ToolName: call.Name, Success: false, Error: "boom"}
		return res, schema.NewError(schema.ErrCodeExecution, "boom")
	}
	result, ok := d.results[call.Name]
	if !ok {
		result = json.RawMessage(`{"ok": true}`)
	}
	return &tools.ToolResult{ToolName: call.Name, Success: true, Result: result}, nil
}

func (d *fakeDispatcher) callsFor(name string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := 0
	for _, c := range d.calls {
		if c.Name == name {
			n++
		}
	}
	return n
}

type fakeGate struct {
	store *memStore
	gated map[string]bool
}

func (g *fakeGate) RequiresConfirmation(_ context.Context, call schema.ToolCall) (bool, string, error) {
	if g.gated[call.Name] {
		return true, "tool performs an irreversible action", nil
	}
	return false, "", nil
}

func (g *fakeGate) RequestConfirmation(ctx context.Context, req confirm.ConfirmationRequest) (*store.ConfirmationFlow, error) {
	flow := &store.ConfirmationFlow{
		ConfirmationID:   uuid.NewString(),
		SessionID:        req.SessionID,
		UserID:           req.UserID,
		WorkflowID:       req.WorkflowID,
		StepNumber:       req.StepNumber,
		OriginalToolCall: req.ToolCall,
		Status:           schema.ConfirmationStatusPending,
		CreatedAt:        time.Now().UTC(),
		ExpiresAt:        time.Now().UTC().Add(30 * time.Minute),
	}
	if err := g.store.CreateConfirmation(ctx, flow); err != nil {
		return nil, err
	}
	return flow, nil
}

type fakePlanner struct {
	steps []schema.WorkflowStep
}

func (p *fakePlanner) CreatePlan(_ context.Context, request string, _ *schema.WorkflowContext) (*planner.Plan, error) {
	steps := make([]schema.WorkflowStep, len(p.steps))
	copy(steps, p.steps)
	return &planner.Plan{Intent: "intent: " + request, Confidence: 0.9, Steps: steps}, nil
}

// --- harness ---

type harness struct {
	store  *memStore
	llm    *routerLLM
	disp   *fakeDispatcher
	gate   *fakeGate
	engine *Engine
}

func newHarness(t *testing.T, steps []schema.WorkflowStep) *harness {
	t.Helper()
	ms := newMemStore()
	router := newRouterLLM()
	disp := newFakeDispatcher()
	gate := &fakeGate{store: ms, gated: map[string]bool{}}
	v, err := validation.NewJSONSchemaValidator()
	require.NoError(t, err)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	eng := NewEngine(ms, router, v, &fakePlanner{steps: steps},
		disp, gate, expressions.NewInterpolator(nil), nil, logger, Config{})

	return &harness{store: ms, llm: router, disp: disp, gate: gate, engine: eng}
}

func twoSteps() []schema.WorkflowStep {
	return []schema.WorkflowStep{
		{
			StepID: "search", StepNumber: 1, Description: "find today's meetings",
			ToolCall:   schema.ToolCall{Name: "calendar.search", Parameters: map[string]any{"range": "today"}},
			Status:     schema.StepStatusPending,
			MaxRetries: schema.DefaultMaxRetries,
			Capture:    map[string]string{"meeting_count": ".count"},
		},
		{
			StepID: "summarize", StepNumber: 2, Description: "summarize the meetings",
			ToolCall:   schema.ToolCall{Name: "think.summarize", Parameters: map[string]any{"count": "${{steps.search.result.count}}"}},
			Status:     schema.StepStatusPending,
			MaxRetries: schema.DefaultMaxRetries,
		},
	}
}

// --- tests ---

func TestExecuteWorkflow_HappyPath(t *testing.T) {
	h := newHarness(t, twoSteps())
	h.disp.results["calendar.search"] = json.RawMessage(`{"count": 3}`)

	res, err := h.engine.Run(context.Background(), "sess-1", "user-1", "find today's meetings and summarize")
	require.NoError(t, err)

	assert.Equal(t, schema.WorkflowStatusCompleted, res.Status)
	assert.Equal(t, "All done.", res.Summary)
	assert.False(t, res.Degraded)

	state, err := h.store.GetWorkflow(context.Background(), res.WorkflowID)
	require.NoError(t, err)
	assert.Equal(t, schema.WorkflowStatusCompleted, state.Status)
	require.Len(t, state.CompletedSteps, 2)
	for _, s := range state.Plan {
		assert.Equal(t, schema.StepStatusExecuted, s.Status)
	}

	types := h.store.eventTypes(res.WorkflowID)
	assert.Contains(t, types, schema.EventWorkflowCreated)
	assert.Contains(t, types, schema.EventPlanCreated)
	assert.Contains(t, types, schema.EventStepExecuted)
	assert.Contains(t, types, schema.EventWorkflowCompleted)
}

func TestExecuteWorkflow_InterpolatesPriorResults(t *testing.T) {
	h := newHarness(t, twoSteps())
	h.disp.results["calendar.search"] = json.RawMessage(`{"count": 3}`)

	_, err := h.engine.Run(context.Background(), "sess-1", "", "meetings")
	require.NoError(t, err)

	require.Equal(t, 1, h.disp.callsFor("think.summarize"))
	last := h.disp.calls[len(h.disp.calls)-1]
	assert.Equal(t, float64(3), last.Parameters["count"])
}

func TestExecuteWorkflow_CaptureMergesGatheredData(t *testing.T) {
	h := newHarness(t, twoSteps())
	h.disp.results["calendar.search"] = json.RawMessage(`{"count": 3}`)

	res, err := h.engine.Run(context.Background(), "sess-1", "", "meetings")
	require.NoError(t, err)

	state, err := h.store.GetWorkflow(context.Background(), res.WorkflowID)
	require.NoError(t, err)
	assert.EqualValues(t, 3, state.Context.GatheredData["meeting_count"])
}

func TestExecuteWorkflow_ConfirmationSuspends(t *testing.T) {
	steps := twoSteps()
	steps[1].ToolCall = schema.ToolCall{Name: "email.send", Parameters: map[string]any{"to": "a@b.com"}}
	h := newHarness(t, steps)
	h.gate.gated["email.send"] = true

	res, err := h.engine.Run(context.Background(), "sess-1", "", "send it")
	require.NoError(t, err)

	assert.True(t, res.AwaitingConfirmation)
	assert.NotEmpty(t, res.ConfirmationID)
	assert.Equal(t, schema.WorkflowStatusActive, res.Status)
	assert.Zero(t, h.disp.callsFor("email.send"))

	state, err := h.store.GetWorkflow(context.Background(), res.WorkflowID)
	require.NoError(t, err)
	assert.Equal(t, schema.StepStatusAwaitingConfirmation, state.Plan[1].Status)
	assert.Equal(t, res.ConfirmationID, state.Plan[1].ConfirmationID)
}

func TestResumeAfterConfirmation_Executed(t *testing.T) {
	steps := twoSteps()
	steps[1].ToolCall = schema.ToolCall{Name: "email.send", Parameters: map[string]any{"to": "a@b.com"}}
	h := newHarness(t, steps)
	h.gate.gated["email.send"] = true

	res, err := h.engine.Run(context.Background(), "sess-1", "", "send it")
	require.NoError(t, err)
	require.True(t, res.AwaitingConfirmation)

	// The gate executed the confirmed call and stored the outcome.
	executed, _ := json.Marshal(tools.ToolResult{
		ToolName: "email.send",
		Success:  true,
		Result:   json.RawMessage(`{"message_id": "m-1"}`),
	})
	h.store.setConfirmation(res.ConfirmationID, schema.ConfirmationStatusExecuted, executed)

	final, err := h.engine.ResumeAfterConfirmation(context.Background(), res.ConfirmationID)
	require.NoError(t, err)
	assert.Equal(t, schema.WorkflowStatusCompleted, final.Status)

	// The executor never dispatches the tool itself.
	assert.Zero(t, h.disp.callsFor("email.send"))

	state, err := h.store.GetWorkflow(context.Background(), final.WorkflowID)
	require.NoError(t, err)
	assert.Equal(t, schema.StepStatusExecuted, state.Plan[1].Status)
	assert.JSONEq(t, `{"message_id": "m-1"}`, string(state.Plan[1].Result))
}

func TestResumeAfterConfirmation_Rejected(t *testing.T) {
	steps := twoSteps()
	steps[0].ToolCall = schema.ToolCall{Name: "email.send", Parameters: map[string]any{"to": "a@b.com"}}
	steps[0].Capture = nil
	steps[1].ToolCall.Parameters = map[string]any{"input": "static"}
	h := newHarness(t, steps)
	h.gate.gated["email.send"] = true

	res, err := h.engine.Run(context.Background(), "sess-1", "", "send it")
	require.NoError(t, err)
	require.True(t, res.AwaitingConfirmation)

	h.store.setConfirmation(res.ConfirmationID, schema.ConfirmationStatusRejected, nil)

	final, err := h.engine.ResumeAfterConfirmation(context.Background(), res.ConfirmationID)
	require.NoError(t, err)
	assert.Equal(t, schema.WorkflowStatusCompleted, final.Status)

	state, err := h.store.GetWorkflow(context.Background(), final.WorkflowID)
	require.NoError(t, err)
	assert.Equal(t, schema.StepStatusSkipped, state.Plan[0].Status)
	assert.Equal(t, schema.StepStatusExecuted, state.Plan[1].Status)
	assert.Zero(t, h.disp.callsFor("email.send"))
}

func TestResumeAfterConfirmation_ApprovedButNotExecuted(t *testing.T) {
	steps := twoSteps()
	steps[1].ToolCall = schema.ToolCall{Name: "email.send", Parameters: map[string]any{"to": "a@b.com"}}
	h := newHarness(t, steps)
	h.gate.gated["email.send"] = true
	h.disp.results["calendar.search"] = json.RawMessage(`{"count": 3}`)
	h.disp.results["email.send"] = json.RawMessage(`{"message_id": "m-9"}`)

	res, err := h.engine.Run(context.Background(), "sess-1", "", "send it")
	require.NoError(t, err)
	require.True(t, res.AwaitingConfirmation)

	// Approved, but the gate never got to run the call. The resume path
	// marks the step confirmed and dispatches it without asking the gate
	// again, even though the tool is still flagged as gated.
	h.store.setConfirmation(res.ConfirmationID, schema.ConfirmationStatusConfirmed, nil)

	final, err := h.engine.ResumeAfterConfirmation(context.Background(), res.ConfirmationID)
	require.NoError(t, err)
	assert.Equal(t, schema.WorkflowStatusCompleted, final.Status)
	assert.Equal(t, 1, h.disp.callsFor("email.send"))

	state, err := h.store.GetWorkflow(context.Background(), final.WorkflowID)
	require.NoError(t, err)
	assert.Equal(t, schema.StepStatusExecuted, state.Plan[1].Status)
	assert.JSONEq(t, `{"message_id": "m-9"}`, string(state.Plan[1].Result))
}

func TestResumeAfterConfirmation_StillPending(t *testing.T) {
	steps := twoSteps()
	steps[1].ToolCall = schema.ToolCall{Name: "email.send", Parameters: map[string]any{"to": "a@b.com"}}
	h := newHarness(t, steps)
	h.gate.gated["email.send"] = true

	res, err := h.engine.Run(context.Background(), "sess-1", "", "send it")
	require.NoError(t, err)

	_, err = h.engine.ResumeAfterConfirmation(context.Background(), res.ConfirmationID)
	require.Error(t, err)

	var aideErr *schema.AideError
	require.ErrorAs(t, err, &aideErr)
	assert.Equal(t, schema.ErrCodeInvalidTransition, aideErr.Code)
}

func TestExecuteWorkflow_RetryThenSuccess(t *testing.T) {
	h := newHarness(t, twoSteps())
	h.disp.results["calendar.search"] = json.RawMessage(`{"count": 1}`)
	h.disp.failFirst["calendar.search"] = 1
	h.llm.recovery = `{"action": "retry", "reasoning": "transient"}`

	res, err := h.engine.Run(context.Background(), "sess-1", "", "meetings")
	require.NoError(t, err)

	assert.Equal(t, schema.WorkflowStatusCompleted, res.Status)
	assert.Equal(t, 2, h.disp.callsFor("calendar.search"))

	state, err := h.store.GetWorkflow(context.Background(), res.WorkflowID)
	require.NoError(t, err)
	assert.Equal(t, 1, state.Plan[0].RetryCount)

	types := h.store.eventTypes(res.WorkflowID)
	assert.Contains(t, types, schema.EventRecoveryDecided)
	assert.Contains(t, types, schema.EventStepRetryAttempt)
}

func TestExecuteWorkflow_RetryBudgetAbort(t *testing.T) {
	steps := twoSteps()
	steps[0].MaxRetries = 1
	h := newHarness(t, steps)
	h.disp.failFirst["calendar.search"] = -1 // always fail
	h.llm.recovery = `{"action": "retry", "reasoning": "keep trying"}`

	res, err := h.engine.Run(context.Background(), "sess-1", "", "meetings")
	require.NoError(t, err)

	assert.Equal(t, schema.WorkflowStatusFailed, res.Status)
	assert.NotEmpty(t, res.Summary)
	// Initial attempt plus exactly one retry.
	assert.Equal(t, 2, h.disp.callsFor("calendar.search"))
	assert.Zero(t, h.disp.callsFor("think.summarize"))
}

func TestExecuteWorkflow_SkipRecovery(t *testing.T) {
	h := newHarness(t, twoSteps())
	h.disp.failFirst["calendar.search"] = -1
	h.llm.recovery = `{"action": "skip", "reasoning": "optional step"}`

	res, err := h.engine.Run(context.Background(), "sess-1", "", "meetings")
	require.NoError(t, err)

	assert.Equal(t, schema.WorkflowStatusCompleted, res.Status)
	state, err := h.store.GetWorkflow(context.Background(), res.WorkflowID)
	require.NoError(t, err)
	assert.Equal(t, schema.StepStatusSkipped, state.Plan[0].Status)
	assert.Equal(t, schema.StepStatusExecuted, state.Plan[1].Status)
}

func TestExecuteWorkflow_ModifyRecovery(t *testing.T) {
	h := newHarness(t, twoSteps())
	h.disp.failFirst["calendar.search"] = 1
	h.disp.results["calendar.search"] = json.RawMessage(`{"count": 0}`)
	h.llm.recovery = `{"action": "modify", "reasoning": "bad range", "modifications": {"parameters": {"range": "this week"}}}`

	res, err := h.engine.Run(context.Background(), "sess-1", "", "meetings")
	require.NoError(t, err)
	assert.Equal(t, schema.WorkflowStatusCompleted, res.Status)

	// Second attempt carries the override and consumed a retry.
	require.Equal(t, 2, h.disp.callsFor("calendar.search"))
	assert.Equal(t, "this week", h.disp.calls[1].Parameters["range"])

	state, err := h.store.GetWorkflow(context.Background(), res.WorkflowID)
	require.NoError(t, err)
	assert.Equal(t, 1, state.Plan[0].RetryCount)
}

func TestExecuteWorkflow_DegradedRecoveryAborts(t *testing.T) {
	h := newHarness(t, twoSteps())
	h.disp.failFirst["calendar.search"] = -1
	h.llm.recovery = "I think you should probably try again maybe"

	res, err := h.engine.Run(context.Background(), "sess-1", "", "meetings")
	require.NoError(t, err)

	assert.Equal(t, schema.WorkflowStatusFailed, res.Status)
	assert.Equal(t, 1, h.disp.callsFor("calendar.search"))
}

func TestExecuteWorkflow_DegradedSummaryFallback(t *testing.T) {
	h := newHarness(t, twoSteps())
	h.disp.results["calendar.search"] = json.RawMessage(`{"count": 1}`)
	h.llm.summary = ""

	res, err := h.engine.Run(context.Background(), "sess-1", "", "meetings")
	require.NoError(t, err)

	assert.Equal(t, schema.WorkflowStatusCompleted, res.Status)
	assert.True(t, res.Degraded)
	assert.NotEmpty(t, res.Summary)
}

func TestExecuteWorkflow_ReevaluationAddsStep(t *testing.T) {
	h := newHarness(t, twoSteps())
	h.disp.results["calendar.search"] = json.RawMessage(`{"count": 3}`)

	// Only the first re-evaluation modifies the plan.
	h.llm.reeval = []string{`{"type": "add_step", "reasoning": "need the agenda too", "changes": {"new_steps": [{"description": "fetch the agenda", "tool_call": {"name": "calendar.agenda"}}]}}`}

	res, err := h.engine.Run(context.Background(), "sess-1", "", "meetings")
	require.NoError(t, err)
	assert.Equal(t, schema.WorkflowStatusCompleted, res.Status)

	state, err := h.store.GetWorkflow(context.Background(), res.WorkflowID)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, len(state.Plan), 3)
	assert.Equal(t, "fetch the agenda", state.Plan[1].Description)
	assert.Positive(t, h.disp.callsFor("calendar.agenda"))
	types := h.store.eventTypes(res.WorkflowID)
	assert.Contains(t, types, schema.EventPlanModified)
}

func TestExecuteWorkflow_MalformedReevaluationLeavesPlan(t *testing.T) {
	h := newHarness(t, twoSteps())
	h.disp.results["calendar.search"] = json.RawMessage(`{"count": 3}`)
	h.llm.reeval = []string{`{"type": "replace_everything", "reasoning": "chaos"}`}

	res, err := h.engine.Run(context.Background(), "sess-1", "", "meetings")
	require.NoError(t, err)

	assert.Equal(t, schema.WorkflowStatusCompleted, res.Status)
	state, err := h.store.GetWorkflow(context.Background(), res.WorkflowID)
	require.NoError(t, err)
	assert.Len(t, state.Plan, 2)
}

func TestExecuteStep_TerminalStepNotReExecuted(t *testing.T) {
	h := newHarness(t, twoSteps())
	h.disp.results["calendar.search"] = json.RawMessage(`{"count": 3}`)

	res, err := h.engine.Run(context.Background(), "sess-1", "", "meetings")
	require.NoError(t, err)
	require.Equal(t, 1, h.disp.callsFor("calendar.search"))

	// Terminal workflow: re-running a step is refused at the workflow level.
	_, err = h.engine.ExecuteStep(context.Background(), res.WorkflowID, 1)
	require.Error(t, err)
}

func TestExecuteStep_UnknownWorkflow(t *testing.T) {
	h := newHarness(t, twoSteps())
	_, err := h.engine.ExecuteStep(context.Background(), "missing", 1)
	require.Error(t, err)

	var aideErr *schema.AideError
	require.ErrorAs(t, err, &aideErr)
	assert.Equal(t, schema.ErrCodeNotFound, aideErr.Code)
}

func TestExecuteStep_UnknownStep(t *testing.T) {
	h := newHarness(t, twoSteps())
	state, err := h.engine.StartWorkflow(context.Background(), "sess-1", "", "meetings")
	require.NoError(t, err)

	_, err = h.engine.ExecuteStep(context.Background(), state.WorkflowID, 99)
	require.Error(t, err)

	var aideErr *schema.AideError
	require.ErrorAs(t, err, &aideErr)
	assert.Equal(t, schema.ErrCodeNotFound, aideErr.Code)
}

func TestCancel_StopsExecution(t *testing.T) {
	h := newHarness(t, twoSteps())
	state, err := h.engine.StartWorkflow(context.Background(), "sess-1", "", "meetings")
	require.NoError(t, err)

	require.NoError(t, h.engine.Cancel(context.Background(), state.WorkflowID, "changed my mind"))

	res, err := h.engine.ExecuteWorkflow(context.Background(), state.WorkflowID)
	require.NoError(t, err)
	assert.Equal(t, schema.WorkflowStatusCancelled, res.Status)
	assert.Zero(t, h.disp.callsFor("calendar.search"))

	// Cancelling twice conflicts.
	err = h.engine.Cancel(context.Background(), state.WorkflowID, "again")
	require.Error(t, err)
}

func TestExecuteStep_InterpolationFailureIsStepFailure(t *testing.T) {
	steps := twoSteps()
	steps[0].ToolCall.Parameters = map[string]any{"q": "${{steps.99.result}}"}
	h := newHarness(t, steps)
	h.llm.recovery = `{"action": "abort", "reasoning": "bad reference"}`

	res, err := h.engine.Run(context.Background(), "sess-1", "", "meetings")
	require.NoError(t, err)

	assert.Equal(t, schema.WorkflowStatusFailed, res.Status)
	assert.Zero(t, h.disp.callsFor("calendar.search"))
}
