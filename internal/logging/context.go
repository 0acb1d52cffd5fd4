package logging

import (
	"context"
	"log/slog"
)

type ctxKey int

const (
	runIDKey ctxKey = iota
	stateKey
	taskTokenKey
)

// WithRunID returns a context with the run ID set.
func WithRunID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, runIDKey, id)
}

// WithState returns a context with the state name set.
func WithState(ctx context.Context, name string) context.Context {
	return context.WithValue(ctx, stateKey, name)
}

// WithTaskToken returns a context with the task token set.
func WithTaskToken(ctx context.Context, token string) context.Context {
	return context.WithValue(ctx, taskTokenKey, token)
}

// RunID extracts the run ID from the context, or "" if absent.
func RunID(ctx context.Context) string {
	v, _ := ctx.Value(runIDKey).(string)
	return v
}

// State extracts the state name from the context, or "" if absent.
func State(ctx context.Context) string {
	v, _ := ctx.Value(stateKey).(string)
	return v
}

// TaskToken extracts the task token from the context, or "" if absent.
func TaskToken(ctx context.Context) string {
	v, _ := ctx.Value(taskTokenKey).(string)
	return v
}

// WithIDs sets all three correlation IDs on the context at once.
func WithIDs(ctx context.Context, runID, state, taskToken string) context.Context {
	ctx = WithRunID(ctx, runID)
	ctx = WithState(ctx, state)
	ctx = WithTaskToken(ctx, taskToken)
	return ctx
}

// LogWith returns a logger enriched with correlation IDs from the context.
// Only non-empty values are added as attributes.
func LogWith(ctx context.Context, logger *slog.Logger) *slog.Logger {
	if id := RunID(ctx); id != "" {
		logger = logger.With(slog.String("run_id", id))
	}
	if name := State(ctx); name != "" {
		logger = logger.With(slog.String("state", name))
	}
	if token := TaskToken(ctx); token != "" {
		logger = logger.With(slog.String("task_token", token))
	}
	return logger
}

// CorrelationHandler wraps an slog.Handler, automatically injecting
// correlation IDs from the context into every log record.
// Use with slog.New(NewCorrelationHandler(inner)) so callers can use
// logger.InfoContext(ctx, ...) and IDs appear automatically.
type CorrelationHandler struct {
	inner slog.Handler
}

// NewCorrelationHandler wraps the given handler with automatic correlation ID injection.
func NewCorrelationHandler(inner slog.Handler) *CorrelationHandler {
	return &CorrelationHandler{inner: inner}
}

func (h *CorrelationHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.inner.Enabled(ctx, level)
}

func (h *CorrelationHandler) Handle(ctx context.Context, r slog.Record) error {
	if v := RunID(ctx); v != "" {
		r.AddAttrs(slog.String("run_id", v))
	}
	if v := State(ctx); v != "" {
		r.AddAttrs(slog.String("state", v))
	}
	if v := TaskToken(ctx); v != "" {
		r.AddAttrs(slog.String("task_token", v))
	}
	return h.inner.Handle(ctx, r)
}

func (h *CorrelationHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &CorrelationHandler{inner: h.inner.WithAttrs(attrs)}
}

func (h *CorrelationHandler) WithGroup(name string) slog.Handler {
	return &CorrelationHandler{inner: h.inner.WithGroup(name)}
}
