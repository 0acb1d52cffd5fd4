// Package expressions hosts the expression engines used by the DSL: CEL for
// Choice guards, jq for result/output shaping, and expr for computed values.
package expressions

import "context"

// Engine evaluates an expression against a run's context tree.
type Engine interface {
	Name() string
	Evaluate(ctx context.Context, expression string, data map[string]any) (any, error)
}
