package stepper

import (
	"context"
	"encoding/json"
	"reflect"

	"github.com/rendis/stateflow/internal/path"
	"github.com/rendis/stateflow/pkg/schema"
)

// evalRule evaluates a Choice predicate tree against the context tree.
// Combinators nest; a leaf rule matches when every operator it declares holds
// for the value at Variable.
func (s *Stepper) evalRule(ctx context.Context, rule *schema.ChoiceRule, tree map[string]any) (bool, error) {
	switch {
	case len(rule.And) > 0:
		for i := range rule.And {
			ok, err := s.evalRule(ctx, &rule.And[i], tree)
			if err != nil || !ok {
				return false, err
			}
		}
		return true, nil

	case len(rule.Or) > 0:
		for i := range rule.Or {
			ok, err := s.evalRule(ctx, &rule.Or[i], tree)
			if err != nil {
				return false, err
			}
			if ok {
				return true, nil
			}
		}
		return false, nil

	case rule.Not != nil:
		ok, err := s.evalRule(ctx, rule.Not, tree)
		if err != nil {
			return false, err
		}
		return !ok, nil

	case rule.Condition != "":
		if s.cel == nil {
			return false, schema.NewError(schema.ErrCodeExecution, "no CEL engine for condition guard")
		}
		return s.cel.EvaluateBool(ctx, rule.Condition, map[string]any{"context": tree})
	}

	return evalLeaf(rule, tree)
}

// evalLeaf tests the comparison operators of a leaf rule. A type mismatch
// (e.g. greater_than on a string) makes the rule false, not an error, so a
// Choice can route on loosely typed data.
func evalLeaf(rule *schema.ChoiceRule, tree map[string]any) (bool, error) {
	val, present := path.Get(tree, rule.Variable)

	checked := false
	check := func(ok bool) bool {
		checked = true
		return ok
	}

	if len(rule.Equals) > 0 {
		var want any
		if err := json.Unmarshal(rule.Equals, &want); err != nil {
			return false, schema.NewErrorf(schema.ErrCodeSchema, "bad equals literal: %s", err.Error())
		}
		if !check(present && jsonEqual(val, want)) {
			return false, nil
		}
	}
	if len(rule.NotEquals) > 0 {
		var want any
		if err := json.Unmarshal(rule.NotEquals, &want); err != nil {
			return false, schema.NewErrorf(schema.ErrCodeSchema, "bad not_equals literal: %s", err.Error())
		}
		if !check(present && !jsonEqual(val, want)) {
			return false, nil
		}
	}

	if rule.GreaterThan != nil {
		n, ok := toFloat(val)
		if !check(present && ok && n > *rule.GreaterThan) {
			return false, nil
		}
	}
	if rule.GreaterThanEq != nil {
		n, ok := toFloat(val)
		if !check(present && ok && n >= *rule.GreaterThanEq) {
			return false, nil
		}
	}
	if rule.LessThan != nil {
		n, ok := toFloat(val)
		if !check(present && ok && n < *rule.LessThan) {
			return false, nil
		}
	}
	if rule.LessThanEq != nil {
		n, ok := toFloat(val)
		if !check(present && ok && n <= *rule.LessThanEq) {
			return false, nil
		}
	}

	if rule.StringEquals != nil {
		str, ok := val.(string)
		if !check(present && ok && str == *rule.StringEquals) {
			return false, nil
		}
	}
	if rule.StringNotEquals != nil {
		str, ok := val.(string)
		if !check(present && ok && str != *rule.StringNotEquals) {
			return false, nil
		}
	}

	if len(rule.IsIn) > 0 {
		if !check(present && containsJSON(rule.IsIn, val)) {
			return false, nil
		}
	}
	if len(rule.IsNotIn) > 0 {
		if !check(present && !containsJSON(rule.IsNotIn, val)) {
			return false, nil
		}
	}

	if rule.IsNull != nil {
		isNull := !present || val == nil
		if !check(isNull == *rule.IsNull) {
			return false, nil
		}
	}
	if rule.IsBoolean != nil {
		_, ok := val.(bool)
		if !check((present && ok) == *rule.IsBoolean) {
			return false, nil
		}
	}
	if rule.IsString != nil {
		_, ok := val.(string)
		if !check((present && ok) == *rule.IsString) {
			return false, nil
		}
	}
	if rule.IsNumeric != nil {
		_, ok := toFloat(val)
		if !check((present && ok) == *rule.IsNumeric) {
			return false, nil
		}
	}

	if !checked {
		return false, schema.NewErrorf(schema.ErrCodeSchema,
			"choice rule on %q declares no operator", rule.Variable)
	}
	return true, nil
}

// jsonEqual compares two JSON-decoded values, normalizing integer widths to
// float64 first so 3 == 3.0.
func jsonEqual(a, b any) bool {
	return reflect.DeepEqual(normalizeNums(a), normalizeNums(b))
}

func containsJSON(list []any, val any) bool {
	for _, item := range list {
		if jsonEqual(item, val) {
			return true
		}
	}
	return false
}

func normalizeNums(v any) any {
	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[k] = normalizeNums(item)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = normalizeNums(item)
		}
		return out
	case int:
		return float64(val)
	case int32:
		return float64(val)
	case int64:
		return float64(val)
	case float32:
		return float64(val)
	default:
		return v
	}
}
