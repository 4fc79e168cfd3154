package confirm

import (
	"context"
	"strings"

	"github.com/aide-sh/aide/internal/expressions"
	"github.com/aide-sh/aide/pkg/schema"
)

// Risk levels attached to action previews.
const (
	RiskSafe         = "safe"
	RiskIrreversible = "irreversible"
)

// irreversibleVerbs classify a tool's final name segment. A tool named
// "email.send" or "calendar.create_event" has an outward effect the user
// cannot take back; lookups and searches do not.
var irreversibleVerbs = []string{
	"send",
	"create",
	"delete",
	"update",
	"remove",
	"cancel",
	"reply",
	"forward",
	"move",
}

// Policy decides whether a tool call must be confirmed by the user before
// dispatch. It combines the built-in irreversible verb set with optional
// CEL rules evaluated over {tool, parameters, risk}. Pure: no I/O, no
// persistence.
type Policy struct {
	cel   *expressions.CELEngine
	rules []string
}

// NewPolicy creates a Policy with the given CEL rules. The engine may be
// nil when no rules are configured.
func NewPolicy(cel *expressions.CELEngine, rules []string) *Policy {
	return &Policy{cel: cel, rules: rules}
}

// AssessRisk classifies a tool call by its name.
func AssessRisk(call schema.ToolCall) string {
	name := call.Name
	if idx := strings.LastIndex(name, "."); idx >= 0 {
		name = name[idx+1:]
	}
	for _, verb := range irreversibleVerbs {
		if name == verb || strings.HasPrefix(name, verb+"_") {
			return RiskIrreversible
		}
	}
	return RiskSafe
}

// RequiresConfirmation reports whether the call must be gated, with the
// reason that triggered it. Rule evaluation errors fail closed: a rule
// that cannot be evaluated gates the call.
func (p *Policy) RequiresConfirmation(ctx context.Context, call schema.ToolCall) (bool, string, error) {
	risk := AssessRisk(call)
	if risk == RiskIrreversible {
		return true, "tool performs an irreversible action", nil
	}

	if p.cel == nil || len(p.rules) == 0 {
		return false, "", nil
	}

	data := map[string]any{
		"tool":       call.Name,
		"parameters": call.Parameters,
		"risk":       risk,
	}
	for _, rule := range p.rules {
		matched, err := p.cel.EvaluateBool(ctx, rule, data)
		if err != nil {
			return true, "policy rule could not be evaluated", err
		}
		if matched {
			return true, "matched policy rule: " + rule, nil
		}
	}
	return false, "", nil
}
