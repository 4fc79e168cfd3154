package expressions

import (
	"encoding/json"
	"strconv"
	"sync"

	"github.com/aide-sh/aide/pkg/schema"
)

// ScopeBuilder constructs Scopes with proper variable isolation.
// It enforces:
//   - Step results are immutable after completion (frozen on insert).
//   - Append-only: new step results are added as the plan advances.
//   - Resolution order per reference: steps -> gathered -> workflow.
type ScopeBuilder struct {
	mu       sync.RWMutex
	steps    map[string]any // step number (as string) -> frozen result
	gathered map[string]any // accumulated workflow data
	workflow map[string]any // workflow metadata (immutable after init)
	request  string         // original user request
}

// NewScopeBuilder creates a ScopeBuilder initialized with workflow-level data.
// gathered and workflow are deep-copied to prevent external mutation.
func NewScopeBuilder(request string, gathered, workflow map[string]any) *ScopeBuilder {
	return &ScopeBuilder{
		steps:    make(map[string]any),
		gathered: deepCopyMap(gathered),
		workflow: deepCopyMap(workflow),
		request:  request,
	}
}

// AddStepResult registers a completed step's result under its step number.
// The result is frozen (deep-copied) at the time of insertion. Subsequent
// calls with the same step number are rejected.
func (sb *ScopeBuilder) AddStepResult(stepNumber int, result json.RawMessage) error {
	sb.mu.Lock()
	defer sb.mu.Unlock()

	key := strconv.Itoa(stepNumber)
	if _, exists := sb.steps[key]; exists {
		return schema.NewErrorf(schema.ErrCodeInterpolation,
			"step %d result already registered; step results are immutable after completion", stepNumber)
	}

	if len(result) == 0 {
		sb.steps[key] = nil
		return nil
	}

	var parsed any
	if err := json.Unmarshal(result, &parsed); err != nil {
		return schema.NewErrorf(schema.ErrCodeInterpolation,
			"cannot parse step %d result: %s", stepNumber, err.Error())
	}

	// Deep-copy to freeze the value.
	sb.steps[key] = deepCopyAny(parsed)
	return nil
}

// SetGathered merges captured values into the gathered namespace.
func (sb *ScopeBuilder) SetGathered(values map[string]any) {
	sb.mu.Lock()
	defer sb.mu.Unlock()

	if sb.gathered == nil {
		sb.gathered = make(map[string]any, len(values))
	}
	for k, v := range values {
		sb.gathered[k] = deepCopyAny(v)
	}
}

// Build creates a Scope snapshot. The returned scope is safe for concurrent
// use (all mutable data is copied).
func (sb *ScopeBuilder) Build() *Scope {
	sb.mu.RLock()
	defer sb.mu.RUnlock()

	return &Scope{
		Steps:    deepCopyMap(sb.steps),
		Gathered: deepCopyMap(sb.gathered),
		Workflow: sb.workflow, // frozen at init
		Request:  sb.request,
	}
}

// StepResults returns a read-only copy of the current step results.
func (sb *ScopeBuilder) StepResults() map[string]any {
	sb.mu.RLock()
	defer sb.mu.RUnlock()
	return deepCopyMap(sb.steps)
}

// --- Deep copy utilities ---

// deepCopyMap creates a deep copy of a map[string]any.
func deepCopyMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	cp := make(map[string]any, len(m))
	for k, v := range m {
		cp[k] = deepCopyAny(v)
	}
	return cp
}

// deepCopyAny recursively deep-copies a value.
// Handles maps, slices, and primitives (which are inherently immutable).
func deepCopyAny(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return deepCopyMap(val)
	case []any:
		cp := make([]any, len(val))
		for i, item := range val {
			cp[i] = deepCopyAny(item)
		}
		return cp
	case json.RawMessage:
		if val == nil {
			return nil
		}
		cp := make(json.RawMessage, len(val))
		copy(cp, val)
		return cp
	default:
		// Primitives (string, float64, bool, nil, int, int64) are value types.
		return v
	}
}
