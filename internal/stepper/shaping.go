package stepper

import (
	"context"

	"github.com/rendis/stateflow/internal/expressions"
	"github.com/rendis/stateflow/internal/path"
	"github.com/rendis/stateflow/pkg/schema"
)

// Shaper applies the input/output shaping pipeline around a Task execution:
// input_path and parameters before the tool runs, result_expr, result_path and
// output_path after.
type Shaper struct {
	jq *expressions.GoJQEngine
}

// NewShaper creates a Shaper. The jq engine backs result_expr.
func NewShaper(jq *expressions.GoJQEngine) *Shaper {
	return &Shaper{jq: jq}
}

// TaskInput builds the payload handed to the task's resource. input_path
// selects the slice of context the task sees (the whole tree by default), and
// parameters overlays a reference-resolved template on top of it. References
// inside parameters resolve against the full context tree, so a template can
// reach outside the input_path selection. Template keys win over selected
// keys.
func (sh *Shaper) TaskInput(state *schema.State, tree map[string]any) (map[string]any, error) {
	base := map[string]any{}
	sel := any(tree)
	if state.InputPath != "" {
		v, ok := path.Get(tree, state.InputPath)
		if !ok {
			v = map[string]any{}
		}
		sel = v
	}
	switch v := sel.(type) {
	case map[string]any:
		base = path.DeepCopy(v)
	case nil:
		// absent or null selection: empty input
	default:
		base = map[string]any{"value": v}
	}

	if state.Parameters == nil {
		return base, nil
	}

	resolved, ok := path.MergeWithReferences(state.Parameters, tree).(map[string]any)
	if !ok {
		return nil, schema.NewError(schema.ErrCodeInterpolation,
			"parameters template did not resolve to a mapping")
	}
	for k, v := range resolved {
		base[k] = v
	}
	return base, nil
}

// TaskResult folds a raw task result back into the context tree, applying
// result_expr, result_path and output_path in that order. The input tree is
// not mutated.
func (sh *Shaper) TaskResult(ctx context.Context, state *schema.State, tree map[string]any, result any) (map[string]any, error) {
	var err error
	if state.ResultExpr != "" {
		if sh.jq == nil {
			return nil, schema.NewError(schema.ErrCodeExecution, "no jq engine for result_expr")
		}
		result, err = sh.jq.EvaluateValue(ctx, state.ResultExpr, result)
		if err != nil {
			return nil, err
		}
	}

	out, err := sh.applyResultPath(state, tree, result)
	if err != nil {
		return nil, err
	}
	return ApplyOutputPath(out, state.OutputPath)
}

// applyResultPath places the (possibly reshaped) result into the context.
// Without an explicit result_path, a mapping result merges into the root and
// anything else lands under $.result.
func (sh *Shaper) applyResultPath(state *schema.State, tree map[string]any, result any) (map[string]any, error) {
	if state.ResultPath == "" {
		if m, ok := result.(map[string]any); ok {
			out := path.DeepCopy(tree)
			if out == nil {
				out = map[string]any{}
			}
			for k, v := range m {
				out[k] = v
			}
			return out, nil
		}
		return path.Set(tree, "$.result", result)
	}
	return path.Set(tree, state.ResultPath, result)
}

// ApplyOutputPath filters the outgoing context to the sub-tree at p. The
// empty path keeps the whole tree. The selection must exist and be a mapping,
// since the context is always a tree.
func ApplyOutputPath(tree map[string]any, p string) (map[string]any, error) {
	if p == "" || p == path.Root {
		return tree, nil
	}
	v, ok := path.Get(tree, p)
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeInterpolation,
			"output_path %q resolved to nothing", p)
	}
	m, ok := v.(map[string]any)
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeInterpolation,
			"output_path %q did not resolve to a mapping (got %T)", p, v)
	}
	return m, nil
}
