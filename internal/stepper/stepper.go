// Package stepper implements the pure single-step interpreter: given a
// definition, a state name, and the run's context tree, it decides what the
// engine should do next. It performs no I/O and mutates nothing.
package stepper

import (
	"context"
	"time"

	"github.com/rendis/stateflow/internal/expressions"
	"github.com/rendis/stateflow/internal/path"
	"github.com/rendis/stateflow/pkg/schema"
)

// CommandType enumerates the stepper's decisions.
type CommandType string

const (
	CommandExecuteTask CommandType = "execute_task"
	CommandPass        CommandType = "pass"
	CommandTransition  CommandType = "transition" // Choice outcome
	CommandWait        CommandType = "wait"
	CommandParallel    CommandType = "parallel"
	CommandMap         CommandType = "map"
	CommandSucceed     CommandType = "succeed"
	CommandFail        CommandType = "fail"
)

// Command is the stepper's decision for one state. Parameters are resolved
// lazily by the engine, never here.
type Command struct {
	Type  CommandType
	State string
	Next  string
	End   bool

	// execute_task
	Resource       string
	TimeoutSeconds int

	// pass / succeed
	Output    any
	HasOutput bool

	// wait
	WaitSeconds int
	WaitUntil   *time.Time

	// parallel
	Branches []*schema.WorkflowDefinition

	// map
	Items    []any
	Iterator *schema.WorkflowDefinition

	// fail
	Error string
	Cause string
}

// Stepper interprets one state at a time. The CEL engine backs Choice-rule
// condition guards; the expr engine backs Wait seconds_expr.
type Stepper struct {
	cel  *expressions.CELEngine
	expr *expressions.ExprEngine
}

// New creates a Stepper. The CEL engine may be nil, in which case Choice
// rules using condition guards fail at evaluation time.
func New(cel *expressions.CELEngine, exprEngine *expressions.ExprEngine) *Stepper {
	return &Stepper{cel: cel, expr: exprEngine}
}

// StepOnce interprets the named state against the context tree and returns
// the next Command. It is side-effect-free and safe for concurrent use.
func (s *Stepper) StepOnce(ctx context.Context, def *schema.WorkflowDefinition, stateName string, tree map[string]any) (*Command, error) {
	state, ok := def.States[stateName]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "state %q not found in definition", stateName).
			WithState(stateName)
	}

	switch state.Type {
	case schema.StateTask:
		return &Command{
			Type:           CommandExecuteTask,
			State:          stateName,
			Next:           state.Next,
			End:            state.End,
			Resource:       state.Resource,
			TimeoutSeconds: state.TimeoutSeconds,
		}, nil

	case schema.StatePass:
		return s.stepPass(state, stateName, tree), nil

	case schema.StateWait:
		return s.stepWait(ctx, state, stateName, tree)

	case schema.StateChoice:
		return s.stepChoice(ctx, state, stateName, tree)

	case schema.StateParallel:
		return &Command{
			Type:     CommandParallel,
			State:    stateName,
			Next:     state.Next,
			End:      state.End,
			Branches: state.Branches,
		}, nil

	case schema.StateMap:
		return s.stepMap(state, stateName, tree)

	case schema.StateSucceed:
		return &Command{
			Type:      CommandSucceed,
			State:     stateName,
			Output:    tree,
			HasOutput: true,
		}, nil

	case schema.StateFail:
		return &Command{
			Type:  CommandFail,
			State: stateName,
			Error: state.Error,
			Cause: state.Cause,
		}, nil

	default:
		// Unreachable when definitions come through ParseDefinition, which
		// rejects unknown discriminators. Kept as a hard stop for definitions
		// constructed programmatically.
		return nil, schema.NewErrorf(schema.ErrCodeUnsupportedState,
			"unsupported state type %q", state.Type).WithState(stateName)
	}
}

func (s *Stepper) stepPass(state *schema.State, stateName string, tree map[string]any) *Command {
	cmd := &Command{
		Type:  CommandPass,
		State: stateName,
		Next:  state.Next,
		End:   state.End,
	}
	if state.Result != nil {
		cmd.Output = path.MergeWithReferences(state.Result, tree)
		cmd.HasOutput = true
	} else {
		cmd.Output = tree
		cmd.HasOutput = true
	}
	if state.Terminal() {
		cmd.Type = CommandSucceed
	}
	return cmd
}

func (s *Stepper) stepWait(ctx context.Context, state *schema.State, stateName string, tree map[string]any) (*Command, error) {
	cmd := &Command{
		Type:  CommandWait,
		State: stateName,
		Next:  state.Next,
		End:   state.End,
	}

	switch {
	case state.Timestamp != "":
		ts, err := time.Parse(time.RFC3339, state.Timestamp)
		if err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeValidation,
				"invalid wait timestamp %q: %s", state.Timestamp, err.Error()).
				WithState(stateName).WithCause(err)
		}
		cmd.WaitUntil = &ts

	case state.SecondsExpr != "":
		if s.expr == nil {
			return nil, schema.NewError(schema.ErrCodeExecution, "no expr engine for seconds_expr").
				WithState(stateName)
		}
		out, err := s.expr.Evaluate(ctx, state.SecondsExpr, tree)
		if err != nil {
			return nil, err
		}
		secs, ok := toFloat(out)
		if !ok || secs < 0 {
			return nil, schema.NewErrorf(schema.ErrCodeExecution,
				"seconds_expr %q did not yield a non-negative number (got %v)", state.SecondsExpr, out).
				WithState(stateName)
		}
		cmd.WaitSeconds = int(secs)

	default:
		cmd.WaitSeconds = state.Seconds
	}

	return cmd, nil
}

func (s *Stepper) stepChoice(ctx context.Context, state *schema.State, stateName string, tree map[string]any) (*Command, error) {
	for i := range state.Choices {
		rule := &state.Choices[i]
		match, err := s.evalRule(ctx, rule, tree)
		if err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeExecution,
				"choice rule %d: %s", i, err.Error()).WithState(stateName).WithCause(err)
		}
		if match {
			return &Command{Type: CommandTransition, State: stateName, Next: rule.Next}, nil
		}
	}

	if state.Default != "" {
		return &Command{Type: CommandTransition, State: stateName, Next: state.Default}, nil
	}

	return nil, schema.NewError(schema.ErrCodeNoMatchingChoice,
		"no choice rule matched and no default is defined").WithState(stateName)
}

func (s *Stepper) stepMap(state *schema.State, stateName string, tree map[string]any) (*Command, error) {
	itemsPath := state.ItemsPath
	if itemsPath == "" {
		itemsPath = path.Root
	}
	raw, ok := path.Get(tree, itemsPath)
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeExecution,
			"map items_path %q resolved to nothing", itemsPath).WithState(stateName)
	}
	items, ok := raw.([]any)
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeExecution,
			"map items_path %q did not resolve to a sequence (got %T)", itemsPath, raw).
			WithState(stateName)
	}

	return &Command{
		Type:     CommandMap,
		State:    stateName,
		Next:     state.Next,
		End:      state.End,
		Items:    items,
		Iterator: state.Iterator,
	}, nil
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint64:
		return float64(n), true
	default:
		return 0, false
	}
}
