package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/rendis/stateflow/pkg/schema"
)

// EventLog provides event-sourcing operations over any Store implementation.
type EventLog struct {
	store Store
}

// NewEventLog wraps a Store to provide event-sourcing operations.
func NewEventLog(s Store) *EventLog {
	return &EventLog{store: s}
}

// Append records one event. Attributes are JSON-serialized; the store
// assigns the per-run event id.
func (el *EventLog) Append(ctx context.Context, runID, eventType, stateName string, attributes map[string]any) error {
	event, err := buildEvent(runID, eventType, stateName, attributes)
	if err != nil {
		return err
	}
	return el.store.AppendEvent(ctx, event)
}

// AppendBatch records several events atomically with consecutive ids.
func (el *EventLog) AppendBatch(ctx context.Context, events []*Event) error {
	return el.store.AppendEvents(ctx, events)
}

// ListByRun returns the run's events with event_id > since, ascending.
func (el *EventLog) ListByRun(ctx context.Context, runID string, since int64) ([]*Event, error) {
	return el.store.ListEventsByRun(ctx, runID, since)
}

// LastEventID returns the highest assigned event id for the run (0 when the
// log is empty).
func (el *EventLog) LastEventID(ctx context.Context, runID string) (int64, error) {
	return el.store.LastEventID(ctx, runID)
}

// ReplayRun folds the run's event log into (context, status). It is
// read-only: context starts from the run's recorded input, each
// state_finished event merges its recorded result and advances the current
// state, and a terminal run event stops the fold early. A gap in the
// event id sequence means a lost write and fails with STORE_ERROR.
func (el *EventLog) ReplayRun(ctx context.Context, runID string) (map[string]any, schema.RunStatus, error) {
	run, err := el.store.GetRun(ctx, runID)
	if err != nil {
		return nil, "", err
	}
	events, err := el.store.ListEventsByRun(ctx, runID, 0)
	if err != nil {
		return nil, "", fmt.Errorf("list events for replay: %w", err)
	}

	for i, e := range events {
		if e.EventID != int64(i+1) {
			return nil, "", schema.NewErrorf(schema.ErrCodeStore,
				"event id gap in run %s: expected %d, got %d", runID, i+1, e.EventID)
		}
	}

	tree := cloneTree(run.Input)
	if tree == nil {
		tree = map[string]any{}
	}
	status := schema.RunStatusRunning

	for _, e := range events {
		switch e.Type {
		case schema.EventStateFinished:
			var attrs struct {
				Result any    `json:"result"`
				Next   string `json:"next,omitempty"`
			}
			if len(e.Attributes) > 0 {
				if err := json.Unmarshal(e.Attributes, &attrs); err != nil {
					return nil, "", schema.NewErrorf(schema.ErrCodeStore,
						"malformed state_finished attributes at event %d of run %s: %s",
						e.EventID, runID, err.Error()).WithCause(err)
				}
			}
			tree = foldResult(tree, attrs.Result)

		case schema.EventRunSucceeded:
			return tree, schema.RunStatusCompleted, nil

		case schema.EventRunFailed:
			return tree, schema.RunStatusFailed, nil

		case schema.EventRunCancelled:
			return tree, schema.RunStatusCancelled, nil
		}
	}

	return tree, status, nil
}

// foldResult applies one recorded state result: a mapping merges into the
// root, anything else lands under the result key, matching the engine's
// default result placement.
func foldResult(tree map[string]any, result any) map[string]any {
	switch v := result.(type) {
	case nil:
		return tree
	case map[string]any:
		out := cloneTree(tree)
		for k, item := range v {
			out[k] = item
		}
		return out
	default:
		out := cloneTree(tree)
		out["result"] = v
		return out
	}
}

func buildEvent(runID, eventType, stateName string, attributes map[string]any) (*Event, error) {
	var raw json.RawMessage
	if len(attributes) > 0 {
		b, err := json.Marshal(attributes)
		if err != nil {
			return nil, fmt.Errorf("marshal event attributes: %w", err)
		}
		raw = b
	}
	return &Event{
		RunID:      runID,
		Type:       eventType,
		StateName:  stateName,
		Attributes: raw,
	}, nil
}

// NewEvent builds an event ready for AppendBatch.
func NewEvent(runID, eventType, stateName string, attributes map[string]any) (*Event, error) {
	return buildEvent(runID, eventType, stateName, attributes)
}
