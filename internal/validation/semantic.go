package validation

import (
	"fmt"
	"time"

	"github.com/rendis/stateflow/pkg/schema"
)

// SemanticValidator performs the cross-state checks a JSON schema cannot
// express: target resolution, transition rules and reachability. Branch and
// iterator sub-machines form their own naming scopes and are validated
// recursively.
type SemanticValidator struct{}

// NewSemanticValidator creates a semantic validator.
func NewSemanticValidator() *SemanticValidator {
	return &SemanticValidator{}
}

// Validate checks a parsed definition and returns all issues found.
func (v *SemanticValidator) Validate(def *schema.WorkflowDefinition) *schema.ValidationResult {
	result := &schema.ValidationResult{}
	v.validateMachine(def, "$", result)
	return result
}

func (v *SemanticValidator) validateMachine(def *schema.WorkflowDefinition, base string, result *schema.ValidationResult) {
	if def == nil {
		result.AddError(base, "missing_machine", "state machine is empty")
		return
	}
	if _, ok := def.States[def.StartAt]; !ok {
		result.AddError(base+".start_at", "unknown_start_state",
			fmt.Sprintf("start_at %q does not name a state", def.StartAt))
	}

	for name, st := range def.States {
		v.validateState(def, name, st, base+".states."+name, result)
	}

	v.checkReachability(def, base, result)
}

func (v *SemanticValidator) validateState(def *schema.WorkflowDefinition, name string, st *schema.State, path string, result *schema.ValidationResult) {
	switch st.Type {
	case schema.StateTask:
		if st.Resource == "" {
			result.AddError(path, "missing_resource", "task state requires a resource")
		}
		v.checkTransition(def, st, path, result)
		for i, c := range st.Catch {
			v.checkTarget(def, c.Next, fmt.Sprintf("%s.catch[%d].next", path, i), result)
		}
		for i, r := range st.Retry {
			v.checkDuration(r.Delay, fmt.Sprintf("%s.retry[%d].delay", path, i), result)
			v.checkDuration(r.MaxDelay, fmt.Sprintf("%s.retry[%d].max_delay", path, i), result)
		}

	case schema.StatePass:
		v.checkTransition(def, st, path, result)

	case schema.StateWait:
		v.checkWaitSource(st, path, result)
		v.checkTransition(def, st, path, result)

	case schema.StateChoice:
		if len(st.Choices) == 0 {
			result.AddError(path, "missing_choices", "choice state requires at least one rule")
		}
		for i, rule := range st.Choices {
			rulePath := fmt.Sprintf("%s.choices[%d]", path, i)
			if rule.Next == "" {
				result.AddError(rulePath+".next", "missing_target", "choice rule requires a next state")
			} else {
				v.checkTarget(def, rule.Next, rulePath+".next", result)
			}
		}
		if st.Default != "" {
			v.checkTarget(def, st.Default, path+".default", result)
		}
		if st.Next != "" || st.End {
			result.AddError(path, "invalid_transition_fields", "choice state routes via rules, not next/end")
		}

	case schema.StateParallel:
		if len(st.Branches) == 0 {
			result.AddError(path, "missing_branches", "parallel state requires at least one branch")
		}
		for i, branch := range st.Branches {
			v.validateMachine(branch, fmt.Sprintf("%s.branches[%d]", path, i), result)
			v.checkBranchTasks(branch, fmt.Sprintf("%s.branches[%d]", path, i), result)
		}
		v.checkTransition(def, st, path, result)

	case schema.StateMap:
		if st.ItemsPath == "" {
			result.AddError(path, "missing_items_path", "map state requires items_path")
		}
		if st.Iterator == nil {
			result.AddError(path, "missing_iterator", "map state requires an iterator")
		} else {
			v.validateMachine(st.Iterator, path+".iterator", result)
			v.checkBranchTasks(st.Iterator, path+".iterator", result)
		}
		v.checkTransition(def, st, path, result)

	case schema.StateSucceed, schema.StateFail:
		if st.Next != "" {
			result.AddError(path, "invalid_transition_fields",
				fmt.Sprintf("%s state is terminal and cannot declare next", st.Type))
		}
	}
}

// checkTransition enforces exactly one of next / end on states that
// transition linearly, and resolves the next target when present.
func (v *SemanticValidator) checkTransition(def *schema.WorkflowDefinition, st *schema.State, path string, result *schema.ValidationResult) {
	switch {
	case st.Next != "" && st.End:
		result.AddError(path, "ambiguous_transition", "state declares both next and end")
	case st.Next == "" && !st.End:
		result.AddError(path, "missing_transition", "state declares neither next nor end")
	case st.Next != "":
		v.checkTarget(def, st.Next, path+".next", result)
	}
}

func (v *SemanticValidator) checkTarget(def *schema.WorkflowDefinition, target, path string, result *schema.ValidationResult) {
	if _, ok := def.States[target]; !ok {
		result.AddError(path, "unknown_target",
			fmt.Sprintf("transition target %q does not name a state in this scope", target))
	}
}

// checkWaitSource enforces exactly one wait duration source.
func (v *SemanticValidator) checkWaitSource(st *schema.State, path string, result *schema.ValidationResult) {
	sources := 0
	if st.Seconds > 0 {
		sources++
	}
	if st.SecondsExpr != "" {
		sources++
	}
	if st.Timestamp != "" {
		sources++
		if _, err := time.Parse(time.RFC3339, st.Timestamp); err != nil {
			result.AddError(path+".timestamp", "invalid_timestamp",
				fmt.Sprintf("timestamp %q is not RFC 3339", st.Timestamp))
		}
	}
	if sources != 1 {
		result.AddError(path, "invalid_wait_source",
			"wait state requires exactly one of seconds, seconds_expr, timestamp")
	}
}

func (v *SemanticValidator) checkDuration(raw, path string, result *schema.ValidationResult) {
	if raw == "" {
		return
	}
	if _, err := time.ParseDuration(raw); err != nil {
		result.AddError(path, "invalid_duration", fmt.Sprintf("duration %q is not parseable", raw))
	}
}

// checkBranchTasks warns about task states inside branch sub-machines. The
// advance loop always executes branches inline, so deferred dispatch settings
// do not apply to them.
func (v *SemanticValidator) checkBranchTasks(def *schema.WorkflowDefinition, base string, result *schema.ValidationResult) {
	if def == nil {
		return
	}
	for name, st := range def.States {
		if st.Type == schema.StateTask {
			result.AddWarning(base+".states."+name, "inline_branch_task",
				"task states inside branches always execute inline")
		}
	}
}

// checkReachability walks transition edges from start_at and warns about
// states nothing can reach.
func (v *SemanticValidator) checkReachability(def *schema.WorkflowDefinition, base string, result *schema.ValidationResult) {
	if _, ok := def.States[def.StartAt]; !ok {
		return
	}

	visited := make(map[string]bool, len(def.States))
	queue := []string{def.StartAt}
	for len(queue) > 0 {
		name := queue[0]
		queue = queue[1:]
		if visited[name] {
			continue
		}
		visited[name] = true

		st, ok := def.States[name]
		if !ok {
			continue
		}
		for _, target := range transitionTargets(st) {
			if !visited[target] {
				queue = append(queue, target)
			}
		}
	}

	for name := range def.States {
		if !visited[name] {
			result.AddWarning(base+".states."+name, "unreachable_state",
				fmt.Sprintf("state %q is unreachable from start_at", name))
		}
	}
}

func transitionTargets(st *schema.State) []string {
	var targets []string
	if st.Next != "" {
		targets = append(targets, st.Next)
	}
	if st.Default != "" {
		targets = append(targets, st.Default)
	}
	for _, rule := range st.Choices {
		if rule.Next != "" {
			targets = append(targets, rule.Next)
		}
	}
	for _, c := range st.Catch {
		if c.Next != "" {
			targets = append(targets, c.Next)
		}
	}
	return targets
}
