package schema

import "encoding/json"

// WorkflowDefinition is the declarative state-machine format. Clients submit
// it as JSON or YAML; it is immutable once stored.
type WorkflowDefinition struct {
	Comment string            `json:"comment,omitempty"`
	StartAt string            `json:"start_at"`
	States  map[string]*State `json:"states"`
}

// StateType enumerates the kinds of states in a state machine.
type StateType string

const (
	StateTask     StateType = "task"
	StatePass     StateType = "pass"
	StateWait     StateType = "wait"
	StateChoice   StateType = "choice"
	StateParallel StateType = "parallel"
	StateMap      StateType = "map"
	StateSucceed  StateType = "succeed"
	StateFail     StateType = "fail"
)

// Known reports whether the discriminator belongs to the closed set.
// Unknown discriminators are rejected at parse time, never at step time.
func (t StateType) Known() bool {
	switch t {
	case StateTask, StatePass, StateWait, StateChoice, StateParallel, StateMap, StateSucceed, StateFail:
		return true
	}
	return false
}

// State is one named node in the state machine. The Type discriminator
// selects which field group applies.
type State struct {
	Type    StateType `json:"type"`
	Comment string    `json:"comment,omitempty"`

	// Transition: non-terminal states define exactly one of next / end.
	Next string `json:"next,omitempty"`
	End  bool   `json:"end,omitempty"`

	// Task
	Resource       string         `json:"resource,omitempty"`
	Parameters     map[string]any `json:"parameters,omitempty"`
	InputPath      string         `json:"input_path,omitempty"`
	ResultPath     string         `json:"result_path,omitempty"`
	OutputPath     string         `json:"output_path,omitempty"`
	ResultExpr     string         `json:"result_expr,omitempty"` // jq expression over the raw result
	TimeoutSeconds int            `json:"timeout_seconds,omitempty"`
	Retry          []RetryPolicy  `json:"retry,omitempty"`
	Catch          []CatchPolicy  `json:"catch,omitempty"`

	// Pass
	Result any `json:"result,omitempty"`

	// Wait: exactly one of seconds / seconds_expr / timestamp.
	Seconds     int    `json:"seconds,omitempty"`
	SecondsExpr string `json:"seconds_expr,omitempty"` // expr-lang expression over the context
	Timestamp   string `json:"timestamp,omitempty"`    // RFC 3339

	// Choice
	Choices []ChoiceRule `json:"choices,omitempty"`
	Default string       `json:"default,omitempty"`

	// Parallel
	Branches []*WorkflowDefinition `json:"branches,omitempty"`

	// Map
	ItemsPath string              `json:"items_path,omitempty"`
	Iterator  *WorkflowDefinition `json:"iterator,omitempty"`

	// Fail
	Error string `json:"error,omitempty"`
	Cause string `json:"cause,omitempty"`
}

// Terminal reports whether the state ends the machine when reached.
func (s *State) Terminal() bool {
	return s.End || s.Type == StateSucceed || s.Type == StateFail
}

// RetryPolicy configures automatic re-dispatch of a failed Task attempt.
type RetryPolicy struct {
	ErrorEquals []string `json:"error_equals,omitempty"` // error codes to match; empty matches all
	MaxAttempts int      `json:"max_attempts"`
	Backoff     string   `json:"backoff,omitempty"` // none | constant | linear | exponential
	Delay       string   `json:"delay,omitempty"`   // e.g. "1s", "500ms"
	MaxDelay    string   `json:"max_delay,omitempty"`
}

// Matches reports whether the policy applies to the given error code.
func (p *RetryPolicy) Matches(code string) bool {
	if len(p.ErrorEquals) == 0 {
		return true
	}
	for _, e := range p.ErrorEquals {
		if e == code || e == "*" {
			return true
		}
	}
	return false
}

// CatchPolicy routes a matched Task failure to a recovery state instead of
// failing the run.
type CatchPolicy struct {
	ErrorEquals []string `json:"error_equals,omitempty"`
	ResultPath  string   `json:"result_path,omitempty"` // where the error output lands in the context
	Next        string   `json:"next"`
}

// Matches reports whether the policy applies to the given error code.
func (c *CatchPolicy) Matches(code string) bool {
	if len(c.ErrorEquals) == 0 {
		return true
	}
	for _, e := range c.ErrorEquals {
		if e == code || e == "*" {
			return true
		}
	}
	return false
}

// ChoiceRule is one rule in a Choice state: a predicate tree plus the target
// state when the predicate holds. Leaf comparisons test the value at Variable;
// and/or/not combine nested rules. Condition is an optional CEL guard
// evaluated against the whole context.
type ChoiceRule struct {
	Variable string `json:"variable,omitempty"`

	Equals          json.RawMessage `json:"equals,omitempty"`
	NotEquals       json.RawMessage `json:"not_equals,omitempty"`
	GreaterThan     *float64        `json:"greater_than,omitempty"`
	GreaterThanEq   *float64        `json:"greater_than_equals,omitempty"`
	LessThan        *float64        `json:"less_than,omitempty"`
	LessThanEq      *float64        `json:"less_than_equals,omitempty"`
	StringEquals    *string         `json:"string_equals,omitempty"`
	StringNotEquals *string         `json:"string_not_equals,omitempty"`
	IsIn            []any           `json:"is_in,omitempty"`
	IsNotIn         []any           `json:"is_not_in,omitempty"`
	IsNull          *bool           `json:"is_null,omitempty"`
	IsBoolean       *bool           `json:"is_boolean,omitempty"`
	IsString        *bool           `json:"is_string,omitempty"`
	IsNumeric       *bool           `json:"is_numeric,omitempty"`

	And []ChoiceRule `json:"and,omitempty"`
	Or  []ChoiceRule `json:"or,omitempty"`
	Not *ChoiceRule  `json:"not,omitempty"`

	Condition string `json:"condition,omitempty"` // CEL expression

	Next string `json:"next,omitempty"`
}

// ParseDefinition decodes a JSON-serialized definition into the typed model.
// Structurally invalid shapes and unknown state types fail with SCHEMA_ERROR.
func ParseDefinition(raw []byte) (*WorkflowDefinition, error) {
	var def WorkflowDefinition
	if err := json.Unmarshal(raw, &def); err != nil {
		return nil, NewErrorf(ErrCodeSchema, "malformed definition: %s", err.Error()).WithCause(err)
	}
	if def.StartAt == "" {
		return nil, NewError(ErrCodeSchema, "definition is missing start_at")
	}
	if len(def.States) == 0 {
		return nil, NewError(ErrCodeSchema, "definition has no states")
	}
	for name, st := range def.States {
		if st == nil {
			return nil, NewErrorf(ErrCodeSchema, "state %q is empty", name)
		}
		if !st.Type.Known() {
			return nil, NewErrorf(ErrCodeSchema, "state %q has unknown type %q", name, st.Type).
				WithState(name)
		}
	}
	return &def, nil
}
