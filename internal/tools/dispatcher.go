package tools

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/aide-sh/aide/pkg/schema"
)

// DefaultToolTimeout bounds a single tool execution.
const DefaultToolTimeout = 60 * time.Second

// InputValidator validates tool parameters against a JSON Schema.
type InputValidator interface {
	ValidateInput(input map[string]any, inputSchema []byte) error
}

// Dispatcher routes tool calls through the registry with per-call timeout,
// input validation, and circuit breaking. Every call produces a ToolResult;
// the result's Success flag, not the returned error, is what step execution
// consults. A non-nil error always accompanies Success=false.
type Dispatcher struct {
	registry  *Registry
	breakers  *BreakerRegistry
	validator InputValidator
	timeout   time.Duration
	logger    *slog.Logger
}

// DispatcherOption configures a Dispatcher.
type DispatcherOption func(*Dispatcher)

// WithTimeout overrides the default per-call timeout.
func WithTimeout(d time.Duration) DispatcherOption {
	return func(disp *Dispatcher) {
		if d > 0 {
			disp.timeout = d
		}
	}
}

// WithInputValidator enables parameter validation against each tool's
// declared input schema.
func WithInputValidator(v InputValidator) DispatcherOption {
	return func(disp *Dispatcher) { disp.validator = v }
}

// NewDispatcher creates a Dispatcher over the given registry.
func NewDispatcher(registry *Registry, breakers *BreakerRegistry, logger *slog.Logger, opts ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{
		registry: registry,
		breakers: breakers,
		timeout:  DefaultToolTimeout,
		logger:   logger,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Dispatch executes a tool call and returns its outcome.
func (d *Dispatcher) Dispatch(ctx context.Context, call schema.ToolCall) (*ToolResult, error) {
	start := time.Now()

	tool, err := d.registry.Get(call.Name)
	if err != nil {
		return d.failure(call.Name, start, err), err
	}

	if err := d.breakers.AllowRequest(call.Name); err != nil {
		d.logger.WarnContext(ctx, "tool call rejected by circuit breaker",
			slog.String("tool", call.Name))
		return d.failure(call.Name, start, err), err
	}

	if d.validator != nil {
		if s := tool.Schema(); len(s.InputSchema) > 0 {
			if err := d.validator.ValidateInput(call.Parameters, s.InputSchema); err != nil {
				// Bad parameters are the caller's fault, not the tool's.
				return d.failure(call.Name, start, err), err
			}
		}
	}

	callCtx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	raw, err := tool.Execute(callCtx, call.Parameters)
	elapsed := time.Since(start)

	if err != nil {
		d.breakers.RecordFailure(call.Name)

		if errors.Is(err, context.DeadlineExceeded) {
			err = schema.NewErrorf(schema.ErrCodeTimeout,
				"tool %q timed out after %s", call.Name, d.timeout).WithCause(err)
		} else if _, ok := err.(*schema.AideError); !ok {
			err = schema.NewErrorf(schema.ErrCodeExecution,
				"tool %q failed: %s", call.Name, err.Error()).WithCause(err)
		}

		d.logger.WarnContext(ctx, "tool call failed",
			slog.String("tool", call.Name),
			slog.Duration("elapsed", elapsed),
			slog.String("error", err.Error()),
		)
		return d.failure(call.Name, start, err), err
	}

	d.breakers.RecordSuccess(call.Name)

	d.logger.DebugContext(ctx, "tool call succeeded",
		slog.String("tool", call.Name),
		slog.Duration("elapsed", elapsed),
	)

	return &ToolResult{
		ToolName:      call.Name,
		Success:       true,
		Result:        raw,
		ExecutionTime: elapsed,
	}, nil
}

func (d *Dispatcher) failure(name string, start time.Time, err error) *ToolResult {
	return &ToolResult{
		ToolName:      name,
		Success:       false,
		Error:         err.Error(),
		ExecutionTime: time.Since(start),
	}
}
