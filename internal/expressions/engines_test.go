package expressions

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCELEngine_BoolGuard(t *testing.T) {
	e, err := NewCELEngine()
	require.NoError(t, err)

	data := map[string]any{
		"context": map[string]any{"amount": 150.0, "region": "eu"},
	}

	ok, err := e.EvaluateBool(context.Background(), `context.amount > 100.0 && context.region == "eu"`, data)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = e.EvaluateBool(context.Background(), `context.amount > 1000.0`, data)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestCELEngine_MissingVariablesDefaultEmpty(t *testing.T) {
	e, err := NewCELEngine()
	require.NoError(t, err)

	ok, err := e.EvaluateBool(context.Background(), `"k" in context`, nil)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestCELEngine_NonBoolResult(t *testing.T) {
	e, err := NewCELEngine()
	require.NoError(t, err)

	_, err = e.EvaluateBool(context.Background(), `1 + 1`, nil)
	require.Error(t, err)
}

func TestCELEngine_CompileErrorCached(t *testing.T) {
	e, err := NewCELEngine()
	require.NoError(t, err)

	_, err = e.Evaluate(context.Background(), `context..broken`, nil)
	require.Error(t, err)
}

func TestGoJQEngine_SingleOutput(t *testing.T) {
	e := NewGoJQEngine()

	out, err := e.Evaluate(context.Background(), `.items | length`, map[string]any{
		"items": []any{"a", "b", "c"},
	})
	require.NoError(t, err)
	assert.Equal(t, 3, out)
}

func TestGoJQEngine_MultipleOutputsCollect(t *testing.T) {
	e := NewGoJQEngine()

	out, err := e.Evaluate(context.Background(), `.items[]`, map[string]any{
		"items": []any{"a", "b"},
	})
	require.NoError(t, err)
	assert.Equal(t, []any{"a", "b"}, out)
}

func TestGoJQEngine_ZeroOutputsAbsent(t *testing.T) {
	e := NewGoJQEngine()

	out, err := e.Evaluate(context.Background(), `.items[] | select(. == "z")`, map[string]any{
		"items": []any{"a"},
	})
	require.NoError(t, err)
	assert.Nil(t, out)
}

func TestGoJQEngine_IntInputNormalized(t *testing.T) {
	e := NewGoJQEngine()

	out, err := e.Evaluate(context.Background(), `.n + 1`, map[string]any{"n": 41})
	require.NoError(t, err)
	assert.Equal(t, 42.0, out)
}

func TestExprEngine_ComputedSeconds(t *testing.T) {
	e := NewExprEngine()

	out, err := e.Evaluate(context.Background(), `retries * 10`, map[string]any{"retries": 3})
	require.NoError(t, err)
	assert.EqualValues(t, 30, out)
}

func TestExprEngine_UndefinedVariablesAllowed(t *testing.T) {
	e := NewExprEngine()

	out, err := e.Evaluate(context.Background(), `missing ?? "fallback"`, map[string]any{})
	require.NoError(t, err)
	assert.Equal(t, "fallback", out)
}

func TestEngines_EmptyExpressionRejected(t *testing.T) {
	cel, err := NewCELEngine()
	require.NoError(t, err)

	for _, e := range []Engine{cel, NewGoJQEngine(), NewExprEngine()} {
		_, err := e.Evaluate(context.Background(), "", nil)
		assert.Error(t, err, e.Name())
	}
}
