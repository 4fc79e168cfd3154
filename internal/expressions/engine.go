package expressions

import "context"

// Engine evaluates expressions against workflow data.
// Three implementations: CEL (confirmation policy rules), GoJQ (result
// capture), Expr (parameter logic).
type Engine interface {
	Name() string
	Evaluate(ctx context.Context, expression string, data map[string]any) (any, error)
}
