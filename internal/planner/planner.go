// Package planner turns a natural-language request into an ordered workflow
// plan via a single LLM call with a strict, schema-validated decode.
package planner

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"

	"github.com/aide-sh/aide/internal/llm"
	"github.com/aide-sh/aide/internal/tools"
	"github.com/aide-sh/aide/internal/validation"
	"github.com/aide-sh/aide/pkg/schema"
)

// ToolInventory is the slice of the tool registry the planner needs: the
// catalog for the prompt and membership checks for validation.
type ToolInventory interface {
	List() []tools.ToolInfo
	Has(name string) bool
}

// Plan is the validated, normalized output of a planning call.
type Plan struct {
	Intent      string                `json:"intent"`
	Entities    []string              `json:"entities"`
	Confidence  float64               `json:"confidence"`
	Description string                `json:"description,omitempty"`
	Steps       []schema.WorkflowStep `json:"steps"`
}

// Planner builds execution plans. All collaborators are injected; there is
// no fallback plan when the model misbehaves.
type Planner struct {
	llm       llm.Client
	validator validation.Validator
	inventory ToolInventory
	logger    *slog.Logger
	maxSteps  int
}

// Option configures a Planner.
type Option func(*Planner)

// WithMaxSteps lowers the plan length cap below the schema default.
func WithMaxSteps(n int) Option {
	return func(p *Planner) {
		if n > 0 && n < validation.MaxPlanSteps {
			p.maxSteps = n
		}
	}
}

// NewPlanner creates a Planner.
func NewPlanner(client llm.Client, v validation.Validator, inv ToolInventory, logger *slog.Logger, opts ...Option) *Planner {
	p := &Planner{
		llm:       client,
		validator: v,
		inventory: inv,
		logger:    logger,
		maxSteps:  validation.MaxPlanSteps,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// wire shapes for the LLM planning response. Decoded only after the raw
// payload passes JSON Schema validation.
type planResponse struct {
	Intent      string     `json:"intent"`
	Entities    []string   `json:"entities"`
	Confidence  float64    `json:"confidence"`
	Description string     `json:"description"`
	Plan        []wireStep `json:"plan"`
}

type wireStep struct {
	StepID      string            `json:"step_id"`
	Description string            `json:"description"`
	ToolCall    schema.ToolCall   `json:"tool_call"`
	Capture     map[string]string `json:"capture,omitempty"`
	MaxRetries  *int              `json:"max_retries,omitempty"`
}

// CreatePlan builds the planning prompt, submits it, and returns the
// validated plan. wfCtx may be nil when there is no prior conversation state.
func (p *Planner) CreatePlan(ctx context.Context, request string, wfCtx *schema.WorkflowContext) (*Plan, error) {
	if strings.TrimSpace(request) == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "request is empty")
	}

	reply, err := p.llm.Complete(ctx, llm.Request{
		System:      planSystemPrompt,
		Prompt:      buildPlanPrompt(request, wfCtx, p.inventory.List(), p.maxSteps),
		Temperature: 0.2,
	})
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeLLM, "planning call failed").WithCause(err)
	}

	raw, err := llm.ExtractJSON(reply)
	if err != nil {
		return nil, err
	}
	if err := p.validator.ValidatePlanResponse(raw); err != nil {
		return nil, err
	}

	var resp planResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "plan response does not match expected shape").WithCause(err)
	}

	steps, err := p.normalize(resp.Plan)
	if err != nil {
		return nil, err
	}
	if err := validation.ValidatePlan(steps); err != nil {
		return nil, err
	}

	p.logger.InfoContext(ctx, "plan created",
		slog.String("intent", resp.Intent),
		slog.Int("steps", len(steps)),
		slog.Float64("confidence", resp.Confidence))

	return &Plan{
		Intent:      resp.Intent,
		Entities:    resp.Entities,
		Confidence:  resp.Confidence,
		Description: resp.Description,
		Steps:       steps,
	}, nil
}

// normalize maps wire steps onto WorkflowStep with positional numbering and
// default lifecycle fields, rejecting tools the registry does not know.
func (p *Planner) normalize(ws []wireStep) ([]schema.WorkflowStep, error) {
	if len(ws) > p.maxSteps {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"plan has %d steps, maximum is %d", len(ws), p.maxSteps)
	}

	var unknown []string
	steps := make([]schema.WorkflowStep, 0, len(ws))
	for i, w := range ws {
		if !p.inventory.Has(w.ToolCall.Name) {
			unknown = append(unknown, w.ToolCall.Name)
			continue
		}
		maxRetries := schema.DefaultMaxRetries
		if w.MaxRetries != nil {
			maxRetries = *w.MaxRetries
		}
		steps = append(steps, schema.WorkflowStep{
			StepID:      w.StepID,
			StepNumber:  i + 1,
			Description: w.Description,
			ToolCall:    w.ToolCall,
			Status:      schema.StepStatusPending,
			RetryCount:  0,
			MaxRetries:  maxRetries,
			Capture:     w.Capture,
		})
	}
	if len(unknown) > 0 {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"plan references unregistered tools: %s", strings.Join(unknown, ", ")).
			WithDetails(map[string]any{"unknown_tools": unknown})
	}
	return steps, nil
}
