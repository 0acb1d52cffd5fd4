package tools

import "context"

// EchoTool returns its params unchanged. Useful for demos and for exercising
// the activity lifecycle in tests.
type EchoTool struct{}

// NewEchoTool creates the echo tool.
func NewEchoTool() *EchoTool { return &EchoTool{} }

// Name returns the tool identifier.
func (t *EchoTool) Name() string { return "echo" }

// Execute returns the params as the result.
func (t *EchoTool) Execute(ctx context.Context, params map[string]any) (map[string]any, error) {
	if params == nil {
		return map[string]any{}, nil
	}
	return params, nil
}

var _ Tool = (*EchoTool)(nil)
