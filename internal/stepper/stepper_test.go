package stepper

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/stateflow/internal/expressions"
	"github.com/rendis/stateflow/pkg/schema"
)

func newTestStepper(t *testing.T) *Stepper {
	t.Helper()
	cel, err := expressions.NewCELEngine()
	require.NoError(t, err)
	return New(cel, expressions.NewExprEngine())
}

func TestStepOnce_UnknownState(t *testing.T) {
	s := newTestStepper(t)
	def := &schema.WorkflowDefinition{
		StartAt: "a",
		States:  map[string]*schema.State{"a": {Type: schema.StateSucceed}},
	}

	_, err := s.StepOnce(context.Background(), def, "missing", map[string]any{})
	require.Error(t, err)

	var fe *schema.FlowError
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, schema.ErrCodeNotFound, fe.Code)
}

func TestStepOnce_Task(t *testing.T) {
	s := newTestStepper(t)
	def := &schema.WorkflowDefinition{
		StartAt: "fetch",
		States: map[string]*schema.State{
			"fetch": {
				Type:           schema.StateTask,
				Resource:       "http.request",
				Next:           "done",
				TimeoutSeconds: 30,
			},
			"done": {Type: schema.StateSucceed},
		},
	}

	cmd, err := s.StepOnce(context.Background(), def, "fetch", map[string]any{})
	require.NoError(t, err)
	assert.Equal(t, CommandExecuteTask, cmd.Type)
	assert.Equal(t, "http.request", cmd.Resource)
	assert.Equal(t, "done", cmd.Next)
	assert.Equal(t, 30, cmd.TimeoutSeconds)
}

func TestStepOnce_PassMergesResultTemplate(t *testing.T) {
	s := newTestStepper(t)
	def := &schema.WorkflowDefinition{
		StartAt: "shape",
		States: map[string]*schema.State{
			"shape": {
				Type: schema.StatePass,
				Result: map[string]any{
					"greeting": "hello $.user.name",
					"amount":   "$.order.total",
				},
				Next: "done",
			},
			"done": {Type: schema.StateSucceed},
		},
	}
	tree := map[string]any{
		"user":  map[string]any{"name": "ada"},
		"order": map[string]any{"total": 42.5},
	}

	cmd, err := s.StepOnce(context.Background(), def, "shape", tree)
	require.NoError(t, err)
	assert.Equal(t, CommandPass, cmd.Type)
	require.True(t, cmd.HasOutput)

	out, ok := cmd.Output.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "hello ada", out["greeting"])
	assert.Equal(t, 42.5, out["amount"])
}

func TestStepOnce_TerminalPassBecomesSucceed(t *testing.T) {
	s := newTestStepper(t)
	def := &schema.WorkflowDefinition{
		StartAt: "last",
		States: map[string]*schema.State{
			"last": {Type: schema.StatePass, End: true},
		},
	}

	cmd, err := s.StepOnce(context.Background(), def, "last", map[string]any{"k": "v"})
	require.NoError(t, err)
	assert.Equal(t, CommandSucceed, cmd.Type)
}

func TestStepOnce_WaitSeconds(t *testing.T) {
	s := newTestStepper(t)
	def := &schema.WorkflowDefinition{
		StartAt: "hold",
		States: map[string]*schema.State{
			"hold": {Type: schema.StateWait, Seconds: 60, Next: "done"},
			"done": {Type: schema.StateSucceed},
		},
	}

	cmd, err := s.StepOnce(context.Background(), def, "hold", map[string]any{})
	require.NoError(t, err)
	assert.Equal(t, CommandWait, cmd.Type)
	assert.Equal(t, 60, cmd.WaitSeconds)
	assert.Nil(t, cmd.WaitUntil)
}

func TestStepOnce_WaitSecondsExpr(t *testing.T) {
	s := newTestStepper(t)
	def := &schema.WorkflowDefinition{
		StartAt: "hold",
		States: map[string]*schema.State{
			"hold": {Type: schema.StateWait, SecondsExpr: "retries * 10", Next: "done"},
			"done": {Type: schema.StateSucceed},
		},
	}

	cmd, err := s.StepOnce(context.Background(), def, "hold", map[string]any{"retries": 3})
	require.NoError(t, err)
	assert.Equal(t, 30, cmd.WaitSeconds)
}

func TestStepOnce_WaitSecondsExprNegative(t *testing.T) {
	s := newTestStepper(t)
	def := &schema.WorkflowDefinition{
		StartAt: "hold",
		States: map[string]*schema.State{
			"hold": {Type: schema.StateWait, SecondsExpr: "0 - 5", Next: "done"},
			"done": {Type: schema.StateSucceed},
		},
	}

	_, err := s.StepOnce(context.Background(), def, "hold", map[string]any{})
	require.Error(t, err)
}

func TestStepOnce_WaitTimestamp(t *testing.T) {
	s := newTestStepper(t)
	ts := "2026-09-01T12:00:00Z"
	def := &schema.WorkflowDefinition{
		StartAt: "hold",
		States: map[string]*schema.State{
			"hold": {Type: schema.StateWait, Timestamp: ts, Next: "done"},
			"done": {Type: schema.StateSucceed},
		},
	}

	cmd, err := s.StepOnce(context.Background(), def, "hold", map[string]any{})
	require.NoError(t, err)
	require.NotNil(t, cmd.WaitUntil)
	want, _ := time.Parse(time.RFC3339, ts)
	assert.True(t, cmd.WaitUntil.Equal(want))
}

func TestStepOnce_WaitBadTimestamp(t *testing.T) {
	s := newTestStepper(t)
	def := &schema.WorkflowDefinition{
		StartAt: "hold",
		States: map[string]*schema.State{
			"hold": {Type: schema.StateWait, Timestamp: "not-a-time", Next: "done"},
			"done": {Type: schema.StateSucceed},
		},
	}

	_, err := s.StepOnce(context.Background(), def, "hold", map[string]any{})
	require.Error(t, err)
}

func TestStepOnce_ChoiceFirstMatchWins(t *testing.T) {
	s := newTestStepper(t)
	gt := 100.0
	def := &schema.WorkflowDefinition{
		StartAt: "route",
		States: map[string]*schema.State{
			"route": {
				Type: schema.StateChoice,
				Choices: []schema.ChoiceRule{
					{Variable: "$.amount", GreaterThan: &gt, Next: "big"},
					{Variable: "$.amount", LessThanEq: &gt, Next: "small"},
				},
				Default: "fallback",
			},
			"big":      {Type: schema.StateSucceed},
			"small":    {Type: schema.StateSucceed},
			"fallback": {Type: schema.StateSucceed},
		},
	}

	cmd, err := s.StepOnce(context.Background(), def, "route", map[string]any{"amount": 150.0})
	require.NoError(t, err)
	assert.Equal(t, CommandTransition, cmd.Type)
	assert.Equal(t, "big", cmd.Next)

	cmd, err = s.StepOnce(context.Background(), def, "route", map[string]any{"amount": 10.0})
	require.NoError(t, err)
	assert.Equal(t, "small", cmd.Next)
}

func TestStepOnce_ChoiceDefault(t *testing.T) {
	s := newTestStepper(t)
	se := "eu"
	def := &schema.WorkflowDefinition{
		StartAt: "route",
		States: map[string]*schema.State{
			"route": {
				Type: schema.StateChoice,
				Choices: []schema.ChoiceRule{
					{Variable: "$.region", StringEquals: &se, Next: "eu"},
				},
				Default: "other",
			},
			"eu":    {Type: schema.StateSucceed},
			"other": {Type: schema.StateSucceed},
		},
	}

	cmd, err := s.StepOnce(context.Background(), def, "route", map[string]any{"region": "us"})
	require.NoError(t, err)
	assert.Equal(t, "other", cmd.Next)
}

func TestStepOnce_ChoiceNoMatchNoDefault(t *testing.T) {
	s := newTestStepper(t)
	se := "eu"
	def := &schema.WorkflowDefinition{
		StartAt: "route",
		States: map[string]*schema.State{
			"route": {
				Type: schema.StateChoice,
				Choices: []schema.ChoiceRule{
					{Variable: "$.region", StringEquals: &se, Next: "eu"},
				},
			},
			"eu": {Type: schema.StateSucceed},
		},
	}

	_, err := s.StepOnce(context.Background(), def, "route", map[string]any{"region": "us"})
	require.Error(t, err)

	var fe *schema.FlowError
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, schema.ErrCodeNoMatchingChoice, fe.Code)
}

func TestStepOnce_MapResolvesItems(t *testing.T) {
	s := newTestStepper(t)
	def := &schema.WorkflowDefinition{
		StartAt: "each",
		States: map[string]*schema.State{
			"each": {
				Type:      schema.StateMap,
				ItemsPath: "$.orders",
				Iterator: &schema.WorkflowDefinition{
					StartAt: "p",
					States:  map[string]*schema.State{"p": {Type: schema.StatePass, End: true}},
				},
				Next: "done",
			},
			"done": {Type: schema.StateSucceed},
		},
	}
	tree := map[string]any{"orders": []any{"o1", "o2", "o3"}}

	cmd, err := s.StepOnce(context.Background(), def, "each", tree)
	require.NoError(t, err)
	assert.Equal(t, CommandMap, cmd.Type)
	assert.Len(t, cmd.Items, 3)
	require.NotNil(t, cmd.Iterator)
}

func TestStepOnce_MapItemsNotASequence(t *testing.T) {
	s := newTestStepper(t)
	def := &schema.WorkflowDefinition{
		StartAt: "each",
		States: map[string]*schema.State{
			"each": {Type: schema.StateMap, ItemsPath: "$.orders", Next: "done"},
			"done": {Type: schema.StateSucceed},
		},
	}

	_, err := s.StepOnce(context.Background(), def, "each", map[string]any{"orders": "nope"})
	require.Error(t, err)
}

func TestStepOnce_SucceedCarriesContext(t *testing.T) {
	s := newTestStepper(t)
	def := &schema.WorkflowDefinition{
		StartAt: "ok",
		States:  map[string]*schema.State{"ok": {Type: schema.StateSucceed}},
	}
	tree := map[string]any{"final": true}

	cmd, err := s.StepOnce(context.Background(), def, "ok", tree)
	require.NoError(t, err)
	assert.Equal(t, CommandSucceed, cmd.Type)
	assert.Equal(t, tree, cmd.Output)
}

func TestStepOnce_Fail(t *testing.T) {
	s := newTestStepper(t)
	def := &schema.WorkflowDefinition{
		StartAt: "boom",
		States: map[string]*schema.State{
			"boom": {Type: schema.StateFail, Error: "PaymentDeclined", Cause: "card expired"},
		},
	}

	cmd, err := s.StepOnce(context.Background(), def, "boom", map[string]any{})
	require.NoError(t, err)
	assert.Equal(t, CommandFail, cmd.Type)
	assert.Equal(t, "PaymentDeclined", cmd.Error)
	assert.Equal(t, "card expired", cmd.Cause)
}

func TestStepOnce_DoesNotMutateContext(t *testing.T) {
	s := newTestStepper(t)
	def := &schema.WorkflowDefinition{
		StartAt: "shape",
		States: map[string]*schema.State{
			"shape": {
				Type:   schema.StatePass,
				Result: map[string]any{"copy": "$.orig"},
				Next:   "done",
			},
			"done": {Type: schema.StateSucceed},
		},
	}
	tree := map[string]any{"orig": "value"}

	_, err := s.StepOnce(context.Background(), def, "shape", tree)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"orig": "value"}, tree)
}
