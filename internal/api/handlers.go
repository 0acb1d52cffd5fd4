package api

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/rendis/stateflow/internal/diagram"
	"github.com/rendis/stateflow/internal/store"
	"github.com/rendis/stateflow/internal/streaming"
	"github.com/rendis/stateflow/pkg/schema"
)

// handleValidate validates a raw YAML or JSON definition without storing it.
func (s *Server) handleValidate(c *gin.Context) {
	raw, err := io.ReadAll(c.Request.Body)
	if err != nil {
		badRequest(c, "unreadable body")
		return
	}

	_, result := s.deps.Validator.ValidateDefinition(raw)
	c.JSON(http.StatusOK, gin.H{
		"valid":    result.Valid(),
		"errors":   result.Errors,
		"warnings": result.Warnings,
	})
}

// handleCreateDefinition validates and stores a workflow definition. The
// definition field carries the raw document so YAML and JSON both work.
func (s *Server) handleCreateDefinition(c *gin.Context) {
	var body struct {
		ID         string          `json:"id"`
		Name       string          `json:"name"`
		Version    int             `json:"version"`
		Definition json.RawMessage `json:"definition"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		badRequest(c, fmt.Sprintf("invalid JSON: %v", err))
		return
	}
	if body.Name == "" {
		badRequest(c, "name is required")
		return
	}
	if len(body.Definition) == 0 {
		badRequest(c, "definition is required")
		return
	}

	def, result := s.deps.Validator.ValidateDefinition(body.Definition)
	if !result.Valid() {
		c.JSON(http.StatusBadRequest, gin.H{
			"valid":    false,
			"errors":   result.Errors,
			"warnings": result.Warnings,
		})
		return
	}

	if body.ID == "" {
		body.ID = uuid.NewString()
	}
	if body.Version <= 0 {
		body.Version = 1
	}
	record := &store.DefinitionRecord{
		ID:         body.ID,
		Name:       body.Name,
		Version:    body.Version,
		Definition: *def,
		CreatedAt:  time.Now().UTC(),
	}
	if err := s.deps.Store.CreateDefinition(c.Request.Context(), record); err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"id":       record.ID,
		"name":     record.Name,
		"version":  record.Version,
		"warnings": result.Warnings,
	})
}

func (s *Server) handleListDefinitions(c *gin.Context) {
	limit := queryInt(c, "limit", 100)
	defs, err := s.deps.Store.ListDefinitions(c.Request.Context(), limit)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"definitions": defs})
}

func (s *Server) handleGetDefinition(c *gin.Context) {
	def, err := s.deps.Store.GetDefinition(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, def)
}

// handleDefinitionDiagram renders the definition as Mermaid (default) or
// Graphviz DOT.
func (s *Server) handleDefinitionDiagram(c *gin.Context) {
	def, err := s.deps.Store.GetDefinition(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}

	model := diagram.Build(def.Name, &def.Definition)
	switch c.DefaultQuery("format", "mermaid") {
	case "mermaid":
		c.String(http.StatusOK, diagram.RenderMermaid(model))
	case "dot":
		c.String(http.StatusOK, diagram.RenderDOT(model))
	default:
		badRequest(c, "format must be mermaid or dot")
	}
}

func (s *Server) handleDeleteDefinition(c *gin.Context) {
	if err := s.deps.Store.DeleteDefinition(c.Request.Context(), c.Param("id")); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": c.Param("id")})
}

// handleStartRun creates a run for the definition and drives it until it
// pauses or finishes.
func (s *Server) handleStartRun(c *gin.Context) {
	var body struct {
		Input map[string]any `json:"input"`
	}
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&body); err != nil {
			badRequest(c, fmt.Sprintf("invalid JSON: %v", err))
			return
		}
	}

	ctx := c.Request.Context()
	run, err := s.deps.Engine.StartRun(ctx, c.Param("id"), body.Input)
	if err != nil {
		writeError(c, err)
		return
	}
	if _, err := s.deps.Engine.AdvanceRun(ctx, run.ID); err != nil {
		writeError(c, err)
		return
	}

	current, err := s.deps.Engine.Status(ctx, run.ID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, current)
}

func (s *Server) handleListRuns(c *gin.Context) {
	filter := store.RunFilter{
		DefinitionID: c.Query("definition_id"),
		Limit:        queryInt(c, "limit", 100),
		Offset:       queryInt(c, "offset", 0),
	}
	if raw := c.Query("status"); raw != "" {
		status := schema.RunStatus(raw)
		filter.Status = &status
	}

	runs, err := s.deps.Store.ListRuns(c.Request.Context(), filter)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"runs": runs})
}

func (s *Server) handleGetRun(c *gin.Context) {
	run, err := s.deps.Engine.Status(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, run)
}

// handleAdvanceRun drives a run forward. Advancing is idempotent, so this is
// safe to call on a paused or already terminal run.
func (s *Server) handleAdvanceRun(c *gin.Context) {
	ctx := c.Request.Context()
	outcome, err := s.deps.Engine.AdvanceRun(ctx, c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	run, err := s.deps.Engine.Status(ctx, c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"outcome": string(outcome), "run": run})
}

func (s *Server) handleCancelRun(c *gin.Context) {
	if err := s.deps.Engine.Cancel(c.Request.Context(), c.Param("id")); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"cancelled": c.Param("id")})
}

func (s *Server) handleListEvents(c *gin.Context) {
	since := int64(queryInt(c, "since", 0))
	events, err := s.deps.Events.ListByRun(c.Request.Context(), c.Param("id"), since)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"events": events})
}

// handleReplayRun folds the run's event log into (context, status) without
// touching the stored run.
func (s *Server) handleReplayRun(c *gin.Context) {
	tree, status, err := s.deps.Events.ReplayRun(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"context": tree, "status": status})
}

func (s *Server) handleListTasks(c *gin.Context) {
	tasks, err := s.deps.Store.ListTasksByRun(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"tasks": tasks})
}

// handleStreamRun streams the run's events over SSE until the client leaves.
func (s *Server) handleStreamRun(c *gin.Context) {
	ch, cancel, err := s.deps.Hub.Subscribe(c.Request.Context(), streaming.EventFilter{
		RunID: c.Param("id"),
	})
	if err != nil {
		writeError(c, err)
		return
	}
	defer cancel()

	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Stream(func(w io.Writer) bool {
		select {
		case <-c.Request.Context().Done():
			return false
		case event, ok := <-ch:
			if !ok {
				return false
			}
			c.SSEvent(event.EventType, event)
			return true
		}
	})
}

// handleCompleteTask is the callback for externally executed activities. It
// walks the task through its lifecycle and drives the run forward.
func (s *Server) handleCompleteTask(c *gin.Context) {
	var body struct {
		Result map[string]any `json:"result"`
	}
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&body); err != nil {
			badRequest(c, fmt.Sprintf("invalid JSON: %v", err))
			return
		}
	}

	ctx := c.Request.Context()
	token := c.Param("token")
	task, err := s.deps.Store.GetTaskByToken(ctx, token)
	if err != nil {
		writeError(c, err)
		return
	}
	if task.Terminal() {
		writeError(c, schema.NewErrorf(schema.ErrCodeConflict,
			"task %s is already %s", token, task.Status))
		return
	}

	if err := s.claimForCallback(c, task); err != nil {
		writeError(c, err)
		return
	}

	result, err := json.Marshal(body.Result)
	if err != nil {
		badRequest(c, fmt.Sprintf("unencodable result: %v", err))
		return
	}
	now := time.Now().UTC()
	completed := schema.TaskStatusCompleted
	if err := s.deps.Store.UpdateTask(ctx, token, store.TaskUpdate{
		Status:      &completed,
		Result:      result,
		CompletedAt: &now,
	}); err != nil {
		writeError(c, err)
		return
	}

	s.appendTaskEvent(c, task, schema.EventTaskCompleted, map[string]any{
		"attempt": task.Attempt,
	})
	s.advanceAfterCallback(c, task.RunID)
}

// handleFailTask records a terminal failure reported by an external worker.
// Callback failures are final; retry policies apply only to tasks executed
// by the in-process activity worker.
func (s *Server) handleFailTask(c *gin.Context) {
	var body struct {
		Error   string         `json:"error"`
		Details map[string]any `json:"details"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		badRequest(c, fmt.Sprintf("invalid JSON: %v", err))
		return
	}
	if body.Error == "" {
		body.Error = schema.ErrCodeTaskFailed
	}

	ctx := c.Request.Context()
	token := c.Param("token")
	task, err := s.deps.Store.GetTaskByToken(ctx, token)
	if err != nil {
		writeError(c, err)
		return
	}
	if task.Terminal() {
		writeError(c, schema.NewErrorf(schema.ErrCodeConflict,
			"task %s is already %s", token, task.Status))
		return
	}

	if err := s.claimForCallback(c, task); err != nil {
		writeError(c, err)
		return
	}

	var details json.RawMessage
	if len(body.Details) > 0 {
		details, _ = json.Marshal(body.Details)
	}
	now := time.Now().UTC()
	failed := schema.TaskStatusFailed
	if err := s.deps.Store.UpdateTask(ctx, token, store.TaskUpdate{
		Status:       &failed,
		Error:        &body.Error,
		ErrorDetails: details,
		CompletedAt:  &now,
	}); err != nil {
		writeError(c, err)
		return
	}

	s.appendTaskEvent(c, task, schema.EventTaskFailed, map[string]any{
		"attempt": task.Attempt,
		"error":   body.Error,
	})
	s.advanceAfterCallback(c, task.RunID)
}

// claimForCallback moves a still-scheduled task to running so the terminal
// transition is legal.
func (s *Server) claimForCallback(c *gin.Context, task *store.ActivityTask) error {
	if task.Status != schema.TaskStatusScheduled {
		return nil
	}
	now := time.Now().UTC()
	running := schema.TaskStatusRunning
	return s.deps.Store.UpdateTask(c.Request.Context(), task.TaskToken, store.TaskUpdate{
		Status:    &running,
		StartedAt: &now,
	})
}

func (s *Server) appendTaskEvent(c *gin.Context, task *store.ActivityTask, eventType string, attrs map[string]any) {
	attrs["task_token"] = task.TaskToken
	if err := s.deps.Events.Append(c.Request.Context(), task.RunID, eventType, task.StateName, attrs); err != nil {
		s.deps.Logger.ErrorContext(c.Request.Context(), "failed to append task event",
			slog.String("run_id", task.RunID), slog.String("error", err.Error()))
	}
}

func (s *Server) advanceAfterCallback(c *gin.Context, runID string) {
	ctx := c.Request.Context()
	if _, err := s.deps.Engine.AdvanceRun(ctx, runID); err != nil {
		writeError(c, err)
		return
	}
	run, err := s.deps.Engine.Status(ctx, runID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, run)
}

// handleCreateSchedule registers a cron schedule for a stored definition.
func (s *Server) handleCreateSchedule(c *gin.Context) {
	var body struct {
		ID           string         `json:"id"`
		DefinitionID string         `json:"definition_id"`
		CronExpr     string         `json:"cron_expr"`
		Input        map[string]any `json:"input"`
		Enabled      *bool          `json:"enabled"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		badRequest(c, fmt.Sprintf("invalid JSON: %v", err))
		return
	}
	if body.DefinitionID == "" || body.CronExpr == "" {
		badRequest(c, "definition_id and cron_expr are required")
		return
	}

	ctx := c.Request.Context()
	if _, err := s.deps.Store.GetDefinition(ctx, body.DefinitionID); err != nil {
		writeError(c, err)
		return
	}

	if body.ID == "" {
		body.ID = uuid.NewString()
	}
	enabled := true
	if body.Enabled != nil {
		enabled = *body.Enabled
	}
	sched := &store.Schedule{
		ID:           body.ID,
		DefinitionID: body.DefinitionID,
		CronExpr:     body.CronExpr,
		Input:        body.Input,
		Enabled:      enabled,
		CreatedAt:    time.Now().UTC(),
	}
	if err := s.deps.Store.CreateSchedule(ctx, sched); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, sched)
}

func (s *Server) handleListSchedules(c *gin.Context) {
	filter := store.ScheduleFilter{
		DefinitionID: c.Query("definition_id"),
		Limit:        queryInt(c, "limit", 100),
	}
	if raw := c.Query("enabled"); raw != "" {
		enabled := raw == "true"
		filter.Enabled = &enabled
	}

	scheds, err := s.deps.Store.ListSchedules(c.Request.Context(), filter)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"schedules": scheds})
}

func (s *Server) handleGetSchedule(c *gin.Context) {
	sched, err := s.deps.Store.GetSchedule(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, sched)
}

func (s *Server) handleUpdateSchedule(c *gin.Context) {
	var body struct {
		Enabled  *bool   `json:"enabled"`
		CronExpr *string `json:"cron_expr"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		badRequest(c, fmt.Sprintf("invalid JSON: %v", err))
		return
	}

	if err := s.deps.Store.UpdateSchedule(c.Request.Context(), c.Param("id"), store.ScheduleUpdate{
		Enabled:  body.Enabled,
		CronExpr: body.CronExpr,
	}); err != nil {
		writeError(c, err)
		return
	}

	sched, err := s.deps.Store.GetSchedule(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, sched)
}

func (s *Server) handleDeleteSchedule(c *gin.Context) {
	if err := s.deps.Store.DeleteSchedule(c.Request.Context(), c.Param("id")); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": c.Param("id")})
}

func queryInt(c *gin.Context, key string, fallback int) int {
	raw := c.Query(key)
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return n
}
