// Package api exposes the orchestrator over HTTP: definition management,
// run control, event inspection, task callbacks and schedules.
package api

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/rendis/stateflow/internal/engine"
	"github.com/rendis/stateflow/internal/store"
	"github.com/rendis/stateflow/internal/streaming"
	"github.com/rendis/stateflow/internal/validation"
	"github.com/rendis/stateflow/pkg/schema"
)

// Deps holds the collaborators of the API server.
type Deps struct {
	Store     store.Store
	Events    *store.EventLog
	Engine    *engine.Engine
	Validator *validation.Validator
	Hub       streaming.EventHub
	Logger    *slog.Logger
}

// Server is the HTTP front of the orchestrator.
type Server struct {
	deps   Deps
	router *gin.Engine
}

// NewServer builds the server and registers all routes.
func NewServer(deps Deps) *Server {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery(), requestLogger(deps.Logger))

	s := &Server{deps: deps, router: router}

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	v1 := router.Group("/v1")
	{
		v1.POST("/validate", s.handleValidate)

		v1.POST("/definitions", s.handleCreateDefinition)
		v1.GET("/definitions", s.handleListDefinitions)
		v1.GET("/definitions/:id", s.handleGetDefinition)
		v1.GET("/definitions/:id/diagram", s.handleDefinitionDiagram)
		v1.DELETE("/definitions/:id", s.handleDeleteDefinition)
		v1.POST("/definitions/:id/runs", s.handleStartRun)

		v1.GET("/runs", s.handleListRuns)
		v1.GET("/runs/:id", s.handleGetRun)
		v1.POST("/runs/:id/advance", s.handleAdvanceRun)
		v1.POST("/runs/:id/cancel", s.handleCancelRun)
		v1.GET("/runs/:id/events", s.handleListEvents)
		v1.GET("/runs/:id/replay", s.handleReplayRun)
		v1.GET("/runs/:id/tasks", s.handleListTasks)
		v1.GET("/runs/:id/stream", s.handleStreamRun)

		v1.POST("/tasks/:token/complete", s.handleCompleteTask)
		v1.POST("/tasks/:token/fail", s.handleFailTask)

		v1.POST("/schedules", s.handleCreateSchedule)
		v1.GET("/schedules", s.handleListSchedules)
		v1.GET("/schedules/:id", s.handleGetSchedule)
		v1.PATCH("/schedules/:id", s.handleUpdateSchedule)
		v1.DELETE("/schedules/:id", s.handleDeleteSchedule)
	}

	return s
}

// Handler returns the root HTTP handler.
func (s *Server) Handler() http.Handler { return s.router }

// Run starts serving on addr and blocks.
func (s *Server) Run(addr string) error { return s.router.Run(addr) }

func requestLogger(logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.InfoContext(c.Request.Context(), "http request",
			slog.String("method", c.Request.Method),
			slog.String("path", c.Request.URL.Path),
			slog.Int("status", c.Writer.Status()),
			slog.Duration("duration", time.Since(start)),
		)
	}
}

// writeError maps a FlowError code to an HTTP status and renders the
// standard error envelope.
func writeError(c *gin.Context, err error) {
	var fe *schema.FlowError
	if !errors.As(err, &fe) {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": gin.H{"code": schema.ErrCodeExecution, "message": err.Error()},
		})
		return
	}

	status := http.StatusInternalServerError
	switch fe.Code {
	case schema.ErrCodeNotFound:
		status = http.StatusNotFound
	case schema.ErrCodeConflict, schema.ErrCodeInvalidTransition:
		status = http.StatusConflict
	case schema.ErrCodeValidation, schema.ErrCodeSchema:
		status = http.StatusBadRequest
	}
	c.JSON(status, gin.H{
		"error": gin.H{"code": fe.Code, "message": fe.Message},
	})
}

func badRequest(c *gin.Context, message string) {
	c.JSON(http.StatusBadRequest, gin.H{
		"error": gin.H{"code": schema.ErrCodeValidation, "message": message},
	})
}
