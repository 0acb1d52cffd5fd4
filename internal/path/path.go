// Package path implements the dotted-path language used throughout the DSL:
// lookups and writes on a context tree, and $.-reference substitution inside
// string templates.
package path

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/Jeffail/gabs/v2"

	"github.com/rendis/stateflow/pkg/schema"
)

// Root is the path that designates the entire context tree.
const Root = "$"

// refPattern matches $.-prefixed path tokens embedded in strings.
var refPattern = regexp.MustCompile(`\$(?:\.[A-Za-z0-9_-]+)+`)

// normalize strips the $ anchor and returns the gabs dot-path.
// Returns "" for the root path.
func normalize(p string) string {
	p = strings.TrimSpace(p)
	if p == Root || p == "" {
		return ""
	}
	return strings.TrimPrefix(p, "$.")
}

// Get extracts the value at a dotted path rooted at $. A missing path is an
// absent value, not an error.
func Get(tree map[string]any, p string) (any, bool) {
	dot := normalize(p)
	if dot == "" {
		return tree, true
	}
	c := gabs.Wrap(tree)
	if !c.ExistsP(dot) {
		return nil, false
	}
	return c.Path(dot).Data(), true
}

// Set writes a value at a dotted path, creating intermediate mappings as
// needed. It fails if an intermediate segment already holds a non-mapping.
// The input tree is not mutated; the updated tree is returned.
func Set(tree map[string]any, p string, value any) (map[string]any, error) {
	dot := normalize(p)
	if dot == "" {
		m, ok := value.(map[string]any)
		if !ok {
			return nil, schema.NewErrorf(schema.ErrCodeInterpolation,
				"cannot replace context root with non-mapping value (%T)", value)
		}
		return deepCopyMap(m), nil
	}

	out := deepCopyMap(tree)
	if out == nil {
		out = make(map[string]any)
	}
	if _, err := gabs.Wrap(out).SetP(value, dot); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeInterpolation,
			"cannot set path %q: %s", p, err.Error()).WithCause(err)
	}
	return out, nil
}

// ResolveReferences substitutes every embedded $.-path token in text with the
// stringified resolved value. Mappings and sequences are JSON-serialized;
// absent values become the empty string.
func ResolveReferences(text string, tree map[string]any) string {
	return refPattern.ReplaceAllStringFunc(text, func(token string) string {
		val, ok := Get(tree, token)
		if !ok {
			return ""
		}
		return stringify(val)
	})
}

// MergeWithReferences walks a template, resolving references in every string
// leaf and recursing into nested mappings and sequences. A string that is
// exactly one path token resolves to the typed value; strings with embedded
// tokens resolve to substituted text.
func MergeWithReferences(template any, tree map[string]any) any {
	switch v := template.(type) {
	case map[string]any:
		out := make(map[string]any, len(v))
		for k, item := range v {
			out[k] = MergeWithReferences(item, tree)
		}
		return out
	case []any:
		out := make([]any, len(v))
		for i, item := range v {
			out[i] = MergeWithReferences(item, tree)
		}
		return out
	case string:
		trimmed := strings.TrimSpace(v)
		if refPattern.MatchString(trimmed) && refPattern.FindString(trimmed) == trimmed {
			val, ok := Get(tree, trimmed)
			if !ok {
				return nil
			}
			return val
		}
		return ResolveReferences(v, tree)
	default:
		return v
	}
}

// stringify renders a resolved value for embedding into text.
func stringify(val any) string {
	switch v := val.(type) {
	case nil:
		return ""
	case string:
		return v
	case bool:
		if v {
			return "true"
		}
		return "false"
	case float64, int, int64:
		return fmt.Sprintf("%v", v)
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(b)
	}
}

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

// DeepCopy returns a deep copy of a context tree.
func DeepCopy(m map[string]any) map[string]any {
	return deepCopyMap(m)
}

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
	default:
		return v
	}
}
