package schema

import "fmt"

// Error codes for structured error reporting.
const (
	ErrCodeValidation        = "VALIDATION_ERROR"
	ErrCodeSchema            = "SCHEMA_ERROR"
	ErrCodeExecution         = "EXECUTION_ERROR"
	ErrCodeTimeout           = "TIMEOUT_ERROR"
	ErrCodeNotFound          = "NOT_FOUND"
	ErrCodeConflict          = "CONFLICT"
	ErrCodeInvalidTransition = "INVALID_TRANSITION"
	ErrCodeUnsupportedState  = "UNSUPPORTED_STATE"
	ErrCodeNoMatchingChoice  = "NO_MATCHING_CHOICE"
	ErrCodeTaskFailed        = "TASK_FAILED"
	ErrCodeRetryExhausted    = "RETRY_EXHAUSTED"
	ErrCodeCancelled         = "CANCELLED"
	ErrCodeStore             = "STORE_ERROR"
	ErrCodeInterpolation     = "INTERPOLATION_ERROR"
	ErrCodeToolUnavailable   = "TOOL_UNAVAILABLE"
)

// FlowError is the structured error type for all stateflow operations.
type FlowError struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
	State   string         `json:"state,omitempty"`
	Cause   error          `json:"-"`
}

func (e *FlowError) Error() string {
	if e.State != "" {
		return fmt.Sprintf("[%s] state %s: %s", e.Code, e.State, e.Message)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *FlowError) Unwrap() error {
	return e.Cause
}

// IsRetryable reports whether the error code points at a transient condition.
func (e *FlowError) IsRetryable() bool {
	switch e.Code {
	case ErrCodeExecution, ErrCodeTimeout, ErrCodeStore, ErrCodeTaskFailed:
		return true
	default:
		return false
	}
}

// NewError creates a new FlowError.
func NewError(code, message string) *FlowError {
	return &FlowError{Code: code, Message: message}
}

// NewErrorf creates a new FlowError with a formatted message.
func NewErrorf(code, format string, args ...any) *FlowError {
	return &FlowError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithState attaches a state name to the error.
func (e *FlowError) WithState(state string) *FlowError {
	e.State = state
	return e
}

// WithCause attaches an underlying cause.
func (e *FlowError) WithCause(err error) *FlowError {
	e.Cause = err
	return e
}

// WithDetails attaches key-value details.
func (e *FlowError) WithDetails(details map[string]any) *FlowError {
	e.Details = details
	return e
}

// ErrorOutput is the structured {error, cause} tree recorded as the terminal
// result of a failed run.
type ErrorOutput struct {
	Error   string         `json:"error"`
	Cause   string         `json:"cause,omitempty"`
	Details map[string]any `json:"details,omitempty"`
}

// NewErrorOutput builds an ErrorOutput from a FlowError.
func NewErrorOutput(err *FlowError) *ErrorOutput {
	return &ErrorOutput{Error: err.Code, Cause: err.Message, Details: err.Details}
}
