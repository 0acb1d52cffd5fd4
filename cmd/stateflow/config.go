package main

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"
	"time"
)

// Config holds all stateflow server configuration.
// Priority: env vars > settings.json > defaults.
type Config struct {
	ListenAddr         string `json:"listen_addr"`
	DBPath             string `json:"db_path"` // "memory" runs on the in-memory store
	LogLevel           string `json:"log_level"`
	ExecutionMode      string `json:"execution_mode"` // inline or deferred
	WorkerConcurrency  int    `json:"worker_concurrency"`
	WorkerPollMillis   int    `json:"worker_poll_millis"`
	TimerPollMillis    int    `json:"timer_poll_millis"`
	SchedulerTickSecs  int    `json:"scheduler_tick_secs"`
	BranchConcurrency  int    `json:"branch_concurrency"`
	TaskTimeoutSeconds int    `json:"task_timeout_seconds"`
}

func defaultConfig() Config {
	return Config{
		ListenAddr:         ":4200",
		DBPath:             filepath.Join(stateflowDir(), "stateflow.db"),
		LogLevel:           "info",
		ExecutionMode:      "deferred",
		WorkerConcurrency:  4,
		WorkerPollMillis:   500,
		TimerPollMillis:    1000,
		SchedulerTickSecs:  60,
		BranchConcurrency:  4,
		TaskTimeoutSeconds: 30,
	}
}

func stateflowDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".stateflow"
	}
	return filepath.Join(home, ".stateflow")
}

func settingsPath() string {
	return filepath.Join(stateflowDir(), "settings.json")
}

func loadConfig() Config {
	cfg := defaultConfig()

	// Layer 2: settings.json (ignore if missing).
	if data, err := os.ReadFile(settingsPath()); err == nil {
		_ = json.Unmarshal(data, &cfg)
	}

	// Layer 3: env vars override.
	if v := os.Getenv("STATEFLOW_LISTEN_ADDR"); v != "" {
		cfg.ListenAddr = v
	}
	if v := os.Getenv("STATEFLOW_DB_PATH"); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv("STATEFLOW_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("STATEFLOW_EXECUTION_MODE"); v != "" {
		cfg.ExecutionMode = v
	}
	if v := os.Getenv("STATEFLOW_WORKER_CONCURRENCY"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.WorkerConcurrency = n
		}
	}
	if v := os.Getenv("STATEFLOW_WORKER_POLL_MILLIS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.WorkerPollMillis = n
		}
	}
	if v := os.Getenv("STATEFLOW_TIMER_POLL_MILLIS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.TimerPollMillis = n
		}
	}
	if v := os.Getenv("STATEFLOW_SCHEDULER_TICK_SECS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.SchedulerTickSecs = n
		}
	}
	if v := os.Getenv("STATEFLOW_BRANCH_CONCURRENCY"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.BranchConcurrency = n
		}
	}
	if v := os.Getenv("STATEFLOW_TASK_TIMEOUT_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.TaskTimeoutSeconds = n
		}
	}

	return cfg
}

func (c Config) workerPollInterval() time.Duration {
	return time.Duration(c.WorkerPollMillis) * time.Millisecond
}

func (c Config) timerPollInterval() time.Duration {
	return time.Duration(c.TimerPollMillis) * time.Millisecond
}

func (c Config) schedulerTick() time.Duration {
	return time.Duration(c.SchedulerTickSecs) * time.Second
}

func (c Config) taskTimeout() time.Duration {
	return time.Duration(c.TaskTimeoutSeconds) * time.Second
}
