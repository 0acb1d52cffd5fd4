package engine

import (
	"context"
	"log/slog"

	"github.com/rendis/stateflow/internal/store"
	"github.com/rendis/stateflow/internal/streaming"
)

// HookEvent is one lifecycle notification fanned out to listeners. Type is
// one of the schema.Event* constants.
type HookEvent struct {
	Type      string
	Run       *store.Run
	StateName string
	Payload   any
}

// Hook receives lifecycle notifications. Hooks are fire-and-forget: a slow,
// failing or panicking hook must never affect the run.
type Hook interface {
	Name() string
	OnEvent(ctx context.Context, event HookEvent)
}

// Dispatcher fans out lifecycle events to registered hooks, isolating each
// listener: a panic is recovered and logged, and dispatch to the remaining
// listeners continues.
type Dispatcher struct {
	hooks  []Hook
	logger *slog.Logger
}

// NewDispatcher creates a dispatcher over the given hooks.
func NewDispatcher(logger *slog.Logger, hooks ...Hook) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{hooks: hooks, logger: logger}
}

// Dispatch delivers the event to every hook in registration order.
func (d *Dispatcher) Dispatch(ctx context.Context, event HookEvent) {
	for _, h := range d.hooks {
		d.dispatchOne(ctx, h, event)
	}
}

func (d *Dispatcher) dispatchOne(ctx context.Context, h Hook, event HookEvent) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.ErrorContext(ctx, "hook panicked",
				slog.String("hook", h.Name()),
				slog.String("event_type", event.Type),
				slog.Any("panic", r))
		}
	}()
	h.OnEvent(ctx, event)
}

// LogHook logs every lifecycle event through slog.
type LogHook struct {
	logger *slog.Logger
}

// NewLogHook creates a logging hook.
func NewLogHook(logger *slog.Logger) *LogHook {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogHook{logger: logger}
}

func (h *LogHook) Name() string { return "log" }

func (h *LogHook) OnEvent(ctx context.Context, event HookEvent) {
	attrs := []any{slog.String("event_type", event.Type)}
	if event.Run != nil {
		attrs = append(attrs, slog.String("run_id", event.Run.ID), slog.String("status", string(event.Run.Status)))
	}
	if event.StateName != "" {
		attrs = append(attrs, slog.String("state", event.StateName))
	}
	h.logger.InfoContext(ctx, "run lifecycle event", attrs...)
}

// StreamHook publishes lifecycle events to the streaming hub so subscribers
// can follow runs live. Publish failures are dropped.
type StreamHook struct {
	hub streaming.EventHub
}

// NewStreamHook creates a streaming hook over the hub.
func NewStreamHook(hub streaming.EventHub) *StreamHook {
	return &StreamHook{hub: hub}
}

func (h *StreamHook) Name() string { return "stream" }

func (h *StreamHook) OnEvent(ctx context.Context, event HookEvent) {
	if h.hub == nil || event.Run == nil {
		return
	}
	_ = h.hub.Publish(ctx, streaming.StreamEvent{
		RunID:     event.Run.ID,
		StateName: event.StateName,
		EventType: event.Type,
		Payload:   event.Payload,
	})
}

var (
	_ Hook = (*LogHook)(nil)
	_ Hook = (*StreamHook)(nil)
)
