package expressions

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/aide-sh/aide/internal/secrets"
	"github.com/aide-sh/aide/pkg/schema"
)

// Scope holds all data available for variable resolution.
type Scope struct {
	Steps    map[string]any // step number (as string) -> result (unmarshalled)
	Gathered map[string]any // accumulated workflow data
	Workflow map[string]any // workflow metadata (workflow_id, etc.)
	Request  string         // original user request
}

// CELData converts the scope to the activation map the CEL engine expects.
func (s *Scope) CELData() map[string]any {
	return map[string]any{
		"steps":    s.Steps,
		"gathered": s.Gathered,
		"workflow": s.Workflow,
		"request":  s.Request,
	}
}

// Interpolator resolves ${{...}} references in tool parameters.
// Two-pass: first resolves non-secret variables, second resolves secrets.
type Interpolator struct {
	vault secrets.Vault
}

// NewInterpolator creates a new Interpolator with an optional Vault for secret resolution.
func NewInterpolator(vault secrets.Vault) *Interpolator {
	return &Interpolator{vault: vault}
}

// ResolveParams interpolates a tool call's parameter map against the scope.
func (interp *Interpolator) ResolveParams(ctx context.Context, params map[string]any, scope *Scope) (map[string]any, error) {
	if len(params) == 0 {
		return params, nil
	}
	raw, err := json.Marshal(params)
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeInterpolation, "cannot serialize parameters").WithCause(err)
	}
	resolved, err := interp.Resolve(ctx, raw, scope)
	if err != nil {
		return nil, err
	}
	var out map[string]any
	if err := json.Unmarshal(resolved, &out); err != nil {
		return nil, schema.NewError(schema.ErrCodeInterpolation,
			"interpolation produced invalid JSON; string references inside quoted values must resolve to scalars").
			WithCause(err)
	}
	return out, nil
}

// Resolve performs two-pass interpolation on raw JSON.
// Pass 1: resolves steps.*, gathered.*, workflow.*, request references.
// Pass 2: resolves secrets.* references via the Vault.
// Returns the interpolated JSON bytes.
func (interp *Interpolator) Resolve(ctx context.Context, raw json.RawMessage, scope *Scope) (json.RawMessage, error) {
	if len(raw) == 0 {
		return raw, nil
	}

	s := string(raw)

	// Pass 1: non-secret variables.
	resolved, err := interp.resolvePass(ctx, s, scope, false)
	if err != nil {
		return nil, err
	}

	// Pass 2: secrets only.
	resolved, err = interp.resolvePass(ctx, resolved, scope, true)
	if err != nil {
		return nil, err
	}

	return json.RawMessage(resolved), nil
}

// resolvePass scans for ${{...}} tokens and resolves them.
// If secretPass is false, it resolves everything except secrets.* and leaves secrets untouched.
// If secretPass is true, it only resolves secrets.* references.
func (interp *Interpolator) resolvePass(ctx context.Context, input string, scope *Scope, secretPass bool) (string, error) {
	var result strings.Builder
	result.Grow(len(input))

	i := 0
	for i < len(input) {
		// Look for ${{ marker.
		idx := strings.Index(input[i:], "${{")
		if idx == -1 {
			result.WriteString(input[i:])
			break
		}

		prefix := input[i : i+idx]
		start := i + idx + 3 // skip "${{".

		// Find the closing }}.
		end := strings.Index(input[start:], "}}")
		if end == -1 {
			return "", schema.NewError(schema.ErrCodeInterpolation, "unclosed ${{ expression")
		}
		end += start

		expr := strings.TrimSpace(input[start:end])

		// Reject recursive interpolation: no nested ${{ inside the expression.
		if strings.Contains(expr, "${{") {
			return "", schema.NewError(schema.ErrCodeInterpolation,
				"nested interpolation not allowed: ${{...}} cannot contain ${{")
		}

		if expr == "" {
			return "", schema.NewError(schema.ErrCodeInterpolation, "empty variable reference: ${{  }}")
		}

		isSecret := strings.HasPrefix(expr, "secrets.")

		if secretPass != isSecret {
			// Wrong pass for this token; write it back unchanged.
			result.WriteString(prefix)
			result.WriteString(input[i+idx : end+2])
			i = end + 2
			continue
		}

		val, err := interp.resolveExpr(ctx, expr, scope)
		if err != nil {
			return "", err
		}

		// A token that spans an entire quoted value replaces the quotes
		// too, so step results keep their JSON type (array, object, number).
		_, isString := val.(string)
		wholeValue := strings.HasSuffix(prefix, `"`) &&
			end+2 < len(input) && input[end+2] == '"'
		if wholeValue && !isString {
			result.WriteString(prefix[:len(prefix)-1])
			result.WriteString(marshalValue(val))
			i = end + 3 // skip "}}" and the closing quote.
			continue
		}

		result.WriteString(prefix)
		result.WriteString(marshalInline(val))
		i = end + 2 // skip "}}".
	}

	return result.String(), nil
}

// resolveExpr resolves a single expression path like "steps.2.result.url".
func (interp *Interpolator) resolveExpr(ctx context.Context, expr string, scope *Scope) (any, error) {
	if expr == "request" {
		return scope.Request, nil
	}

	parts := strings.SplitN(expr, ".", 2)
	namespace := parts[0]

	switch namespace {
	case "steps":
		return interp.resolveSteps(expr, scope)
	case "gathered":
		return interp.resolveFromNamespace(scope.Gathered, expr, "gathered")
	case "workflow":
		return interp.resolveFromNamespace(scope.Workflow, expr, "workflow")
	case "secrets":
		return interp.resolveSecret(ctx, expr)
	default:
		available := []string{"steps", "gathered", "workflow", "request", "secrets"}
		return nil, schema.NewErrorf(schema.ErrCodeInterpolation,
			"unknown namespace %q in ${{%s}}; available: %s", namespace, expr, strings.Join(available, ", ")).
			WithDetails(map[string]any{"expression": expr, "available_namespaces": available})
	}
}

// resolveSteps resolves steps.<n>.result[.<field>...] references.
func (interp *Interpolator) resolveSteps(expr string, scope *Scope) (any, error) {
	// Expected: steps.<n>.result or steps.<n>.result.<field>...
	parts := strings.SplitN(expr, ".", 4) // [steps, n, result, rest...]
	if len(parts) < 3 {
		return nil, schema.NewErrorf(schema.ErrCodeInterpolation,
			"invalid step reference %q: expected steps.<number>.result[.<field>]", expr).
			WithDetails(map[string]any{"expression": expr})
	}

	stepKey := parts[1]
	if parts[2] != "result" {
		return nil, schema.NewErrorf(schema.ErrCodeInterpolation,
			"invalid step reference %q: only 'result' property is supported (got %q)", expr, parts[2]).
			WithDetails(map[string]any{"expression": expr})
	}

	if scope.Steps == nil {
		return nil, interp.missingStepErr(expr, stepKey, scope)
	}

	result, ok := scope.Steps[stepKey]
	if !ok {
		return nil, interp.missingStepErr(expr, stepKey, scope)
	}

	// steps.<n>.result — return the whole result.
	if len(parts) == 3 {
		return result, nil
	}

	// steps.<n>.result.<field>[.<subfield>...]
	return interp.traversePath(result, parts[3], expr)
}

// resolveFromNamespace resolves gathered.<field> and workflow.<field> references.
func (interp *Interpolator) resolveFromNamespace(data map[string]any, expr, namespace string) (any, error) {
	parts := strings.SplitN(expr, ".", 2)
	if len(parts) < 2 || parts[1] == "" {
		return nil, schema.NewErrorf(schema.ErrCodeInterpolation,
			"invalid reference %q: expected %s.<field>", expr, namespace).
			WithDetails(map[string]any{"expression": expr})
	}

	if data == nil {
		return nil, schema.NewErrorf(schema.ErrCodeInterpolation,
			"cannot resolve %q: %s scope is empty", expr, namespace).
			WithDetails(map[string]any{"expression": expr})
	}

	fieldPath := parts[1]

	// Try direct key lookup first (supports keys with dots).
	if val, ok := data[fieldPath]; ok {
		return val, nil
	}

	// Traverse by splitting on dots.
	return interp.traversePath(data, fieldPath, expr)
}

// resolveSecret resolves secrets.<key> via the Vault.
func (interp *Interpolator) resolveSecret(ctx context.Context, expr string) (any, error) {
	parts := strings.SplitN(expr, ".", 2)
	if len(parts) < 2 || parts[1] == "" {
		return nil, schema.NewErrorf(schema.ErrCodeInterpolation,
			"invalid secret reference %q: expected secrets.<KEY>", expr).
			WithDetails(map[string]any{"expression": expr})
	}

	key := parts[1]

	if interp.vault == nil {
		return nil, schema.NewErrorf(schema.ErrCodeInterpolation,
			"cannot resolve secret %q: no vault configured", key).
			WithDetails(map[string]any{"expression": expr})
	}

	val, err := interp.vault.Resolve(ctx, key)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeInterpolation,
			"failed to resolve secret %q: %s", key, err.Error()).
			WithDetails(map[string]any{"expression": expr}).WithCause(err)
	}

	return string(val), nil
}

// traversePath navigates into nested maps using a dot-delimited path.
func (interp *Interpolator) traversePath(root any, path, expr string) (any, error) {
	segments := strings.Split(path, ".")
	current := root

	for i, seg := range segments {
		if seg == "" {
			return nil, schema.NewErrorf(schema.ErrCodeInterpolation,
				"empty segment in path %q at position %d", expr, i).
				WithDetails(map[string]any{"expression": expr})
		}

		switch v := current.(type) {
		case map[string]any:
			val, ok := v[seg]
			if !ok {
				availableKeys := mapKeys(v)
				return nil, schema.NewErrorf(schema.ErrCodeInterpolation,
					"field %q not found in %q; available: [%s]", seg, expr, strings.Join(availableKeys, ", ")).
					WithDetails(map[string]any{"expression": expr, "available_fields": availableKeys})
			}
			current = val
		default:
			return nil, schema.NewErrorf(schema.ErrCodeInterpolation,
				"cannot traverse into non-object at %q in %q (type: %T)", seg, expr, current).
				WithDetails(map[string]any{"expression": expr})
		}
	}

	return current, nil
}

// missingStepErr builds an error for missing step references with available steps listed.
func (interp *Interpolator) missingStepErr(expr, key string, scope *Scope) *schema.AideError {
	available := mapKeys(scope.Steps)
	return schema.NewErrorf(schema.ErrCodeInterpolation,
		"step %s not found in ${{%s}}; completed steps: [%s]", key, expr, strings.Join(available, ", ")).
		WithDetails(map[string]any{"expression": expr, "available_steps": available})
}

// marshalValue JSON-encodes a resolved value for embedding outside quotes.
func marshalValue(val any) string {
	if raw, ok := val.(json.RawMessage); ok {
		return string(raw)
	}
	b, err := json.Marshal(val)
	if err != nil {
		return fmt.Sprintf("%v", val)
	}
	return string(b)
}

// marshalInline converts a resolved value into its inline JSON representation.
// Strings are embedded without extra quotes (but JSON-escaped) so references
// inside quoted JSON values concatenate naturally.
func marshalInline(val any) string {
	switch v := val.(type) {
	case string:
		b, err := json.Marshal(v)
		if err != nil {
			return v
		}
		return string(b[1 : len(b)-1])
	case nil:
		return "null"
	case bool:
		if v {
			return "true"
		}
		return "false"
	case float64:
		return fmt.Sprintf("%v", v)
	case int:
		return fmt.Sprintf("%d", v)
	case int64:
		return fmt.Sprintf("%d", v)
	case json.RawMessage:
		return string(v)
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(b)
	}
}

// mapKeys returns sorted keys from a map[string]any.
func mapKeys(m map[string]any) []string {
	if m == nil {
		return nil
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	// Simple insertion sort for small slices.
	for i := 1; i < len(keys); i++ {
		key := keys[i]
		j := i - 1
		for j >= 0 && keys[j] > key {
			keys[j+1] = keys[j]
			j--
		}
		keys[j+1] = key
	}
	return keys
}

// HasInterpolation checks if a JSON blob contains any ${{...}} references.
func HasInterpolation(raw json.RawMessage) bool {
	return strings.Contains(string(raw), "${{")
}
