package expressions

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExprEngine_Evaluate(t *testing.T) {
	e := NewExprEngine()
	ctx := context.Background()

	out, err := e.Evaluate(ctx, `gathered.count > 2`, map[string]any{
		"gathered": map[string]any{"count": 5},
	})
	require.NoError(t, err)
	assert.Equal(t, true, out)
}

func TestExprEngine_ArrayOps(t *testing.T) {
	e := NewExprEngine()
	ctx := context.Background()

	out, err := e.Evaluate(ctx, `filter(items, # > 10)`, map[string]any{
		"items": []any{5, 15, 25},
	})
	require.NoError(t, err)
	assert.Equal(t, []any{15, 25}, out)
}

func TestExprEngine_NilCoalescing(t *testing.T) {
	e := NewExprEngine()
	ctx := context.Background()

	out, err := e.Evaluate(ctx, `missing ?? "fallback"`, map[string]any{})
	require.NoError(t, err)
	assert.Equal(t, "fallback", out)
}

func TestExprEngine_Empty(t *testing.T) {
	e := NewExprEngine()
	_, err := e.Evaluate(context.Background(), "", nil)
	require.Error(t, err)
}

func TestExprEngine_CompileError(t *testing.T) {
	e := NewExprEngine()
	_, err := e.Evaluate(context.Background(), `1 +`, nil)
	require.Error(t, err)
}

func TestExprEngine_CacheReuse(t *testing.T) {
	e := NewExprEngine()
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := e.Evaluate(ctx, `x * 2`, map[string]any{"x": i})
		require.NoError(t, err)
	}
	assert.Len(t, e.cache, 1)
}
