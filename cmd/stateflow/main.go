package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/rendis/stateflow/internal/api"
	"github.com/rendis/stateflow/internal/engine"
	"github.com/rendis/stateflow/internal/expressions"
	"github.com/rendis/stateflow/internal/logging"
	"github.com/rendis/stateflow/internal/schedule"
	"github.com/rendis/stateflow/internal/stepper"
	"github.com/rendis/stateflow/internal/store"
	"github.com/rendis/stateflow/internal/streaming"
	"github.com/rendis/stateflow/internal/timer"
	"github.com/rendis/stateflow/internal/tools"
	"github.com/rendis/stateflow/internal/validation"
)

func main() {
	if err := run(); err != nil {
		slog.Error("stateflow exited", slog.String("error", err.Error()))
		os.Exit(1)
	}
}

func run() error {
	cfg := loadConfig()
	logger := newLogger(cfg.LogLevel)

	st, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := st.Migrate(ctx); err != nil {
		return err
	}

	cel, err := expressions.NewCELEngine()
	if err != nil {
		return err
	}
	stp := stepper.New(cel, expressions.NewExprEngine())
	sh := stepper.NewShaper(expressions.NewGoJQEngine())

	registry := tools.NewRegistry()
	for _, tool := range []tools.Tool{
		tools.NewEchoTool(),
		tools.NewHTTPTool(),
		tools.NewShellTool(tools.ShellConfig{}),
	} {
		if err := registry.Register(tool); err != nil {
			return err
		}
	}

	hub := streaming.NewMemoryHub()
	hooks := engine.NewDispatcher(logger,
		engine.NewLogHook(logger),
		engine.NewStreamHook(hub),
	)

	eng := engine.New(st, stp, sh, registry, hooks, logger, engine.Config{
		Mode:              engine.Mode(cfg.ExecutionMode),
		BranchConcurrency: cfg.BranchConcurrency,
		InlineTaskTimeout: cfg.taskTimeout(),
	})

	activityWorker := engine.NewActivityWorker(st, registry, eng, logger, engine.WorkerConfig{
		PollInterval:       cfg.workerPollInterval(),
		Concurrency:        cfg.WorkerConcurrency,
		DefaultTaskTimeout: cfg.taskTimeout(),
	})
	activityWorker.Start(ctx)
	defer activityWorker.Stop()

	timerWorker := timer.NewWorker(st, eng, logger, timer.Config{
		PollInterval: cfg.timerPollInterval(),
	})
	timerWorker.Start(ctx)
	defer timerWorker.Stop()

	scheduler := schedule.NewScheduler(st, eng, logger, cfg.schedulerTick())
	if err := scheduler.RecoverMissed(ctx); err != nil {
		logger.ErrorContext(ctx, "schedule recovery failed", slog.String("error", err.Error()))
	}
	if err := scheduler.Start(ctx); err != nil {
		return err
	}
	defer scheduler.Stop()

	validator, err := validation.New()
	if err != nil {
		return err
	}

	server := api.NewServer(api.Deps{
		Store:     st,
		Events:    store.NewEventLog(st),
		Engine:    eng,
		Validator: validator,
		Hub:       hub,
		Logger:    logger,
	})

	httpServer := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: server.Handler(),
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("stateflow listening", slog.String("addr", cfg.ListenAddr))
		if err := httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return httpServer.Shutdown(shutdownCtx)
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	inner := slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})
	return slog.New(logging.NewCorrelationHandler(inner))
}

func openStore(cfg Config) (store.Store, error) {
	if cfg.DBPath == "memory" {
		return store.NewMemoryStore(), nil
	}
	if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0o755); err != nil {
		return nil, err
	}
	return store.NewLibSQLStore("file:" + cfg.DBPath)
}
