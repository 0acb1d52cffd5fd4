package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/rendis/stateflow/pkg/schema"
)

const (
	defaultShellTimeout  = 30 * time.Second
	defaultMaxOutputSize = 10 * 1024 * 1024 // 10MB
)

// ShellConfig configures the shell.exec tool.
type ShellConfig struct {
	DefaultTimeout time.Duration
	MaxOutputSize  int64
}

// ShellTool is the built-in "shell.exec" tool. Params:
//
//	command (required) executable or shell string
//	args    list of arguments
//	env     map of extra environment variables
//	cwd     working directory
//	stdin   string piped to the process
//	timeout duration string, e.g. "10s"
//	shell   run via /bin/sh -c
//
// stdout is auto-parsed when it is valid JSON; a timeout kill reports
// killed=true with a TIMEOUT_ERROR.
type ShellTool struct {
	cfg ShellConfig
}

// NewShellTool creates the shell.exec tool.
func NewShellTool(cfg ShellConfig) *ShellTool {
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = defaultShellTimeout
	}
	if cfg.MaxOutputSize <= 0 {
		cfg.MaxOutputSize = defaultMaxOutputSize
	}
	return &ShellTool{cfg: cfg}
}

// Name returns the tool identifier.
func (t *ShellTool) Name() string { return "shell.exec" }

// Execute runs the command and captures stdout, stderr and the exit code.
func (t *ShellTool) Execute(ctx context.Context, params map[string]any) (map[string]any, error) {
	command := stringParam(params, "command", "")
	if command == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "shell.exec: missing required param 'command'")
	}
	args := stringSliceParam(params, "args")
	envMap := stringMapParam(params, "env")
	cwd := stringParam(params, "cwd", "")
	stdinStr := stringParam(params, "stdin", "")
	shellMode := boolParam(params, "shell", false)

	timeout := t.cfg.DefaultTimeout
	if timeoutStr := stringParam(params, "timeout", ""); timeoutStr != "" {
		d, err := time.ParseDuration(timeoutStr)
		if err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "shell.exec: invalid timeout %q", timeoutStr)
		}
		timeout = d
	}

	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var cmd *exec.Cmd
	if shellMode {
		full := command
		if len(args) > 0 {
			full = command + " " + strings.Join(args, " ")
		}
		cmd = exec.CommandContext(execCtx, "/bin/sh", "-c", full)
	} else {
		cmd = exec.CommandContext(execCtx, command, args...)
	}

	if cwd != "" {
		cmd.Dir = cwd
	}
	if envMap != nil {
		cmd.Env = os.Environ()
		for k, v := range envMap {
			cmd.Env = append(cmd.Env, k+"="+v)
		}
	}
	if stdinStr != "" {
		cmd.Stdin = strings.NewReader(stdinStr)
	}

	var stdoutBuf, stderrBuf bytes.Buffer
	cmd.Stdout = &limitedWriter{w: &stdoutBuf, limit: t.cfg.MaxOutputSize}
	cmd.Stderr = &limitedWriter{w: &stderrBuf, limit: t.cfg.MaxOutputSize}

	start := time.Now()
	runErr := cmd.Run()
	durationMs := time.Since(start).Milliseconds()

	exitCode := 0
	killed := false
	if runErr != nil {
		if execCtx.Err() == context.DeadlineExceeded {
			return nil, schema.NewErrorf(schema.ErrCodeTimeout,
				"shell.exec: %q killed after %s", command, timeout).WithCause(runErr).
				WithDetails(map[string]any{"killed": true, "duration_ms": durationMs})
		}
		var exitErr *exec.ExitError
		if errors.As(runErr, &exitErr) {
			exitCode = exitErr.ExitCode()
		} else {
			return nil, schema.NewErrorf(schema.ErrCodeExecution, "shell.exec: %s", runErr.Error()).WithCause(runErr)
		}
	}

	// Auto-parse stdout if it's valid JSON, for consistent downstream shaping.
	stdoutStr := stdoutBuf.String()
	var parsedStdout any = stdoutStr
	if stdoutBuf.Len() > 0 && json.Valid(stdoutBuf.Bytes()) {
		var parsed any
		if err := json.Unmarshal(stdoutBuf.Bytes(), &parsed); err == nil {
			parsedStdout = parsed
		}
	}

	return map[string]any{
		"stdout":      parsedStdout,
		"stdout_raw":  stdoutStr,
		"stderr":      stderrBuf.String(),
		"exit_code":   exitCode,
		"duration_ms": durationMs,
		"killed":      killed,
	}, nil
}

// limitedWriter wraps a writer and silently discards bytes beyond the limit.
// Write always reports the full len(p) consumed to prevent the subprocess from
// blocking on a full pipe.
type limitedWriter struct {
	w       io.Writer
	limit   int64
	written int64
}

func (lw *limitedWriter) Write(p []byte) (int, error) {
	total := len(p)
	remaining := lw.limit - lw.written
	if remaining <= 0 {
		return total, nil
	}
	if int64(len(p)) > remaining {
		p = p[:remaining]
	}
	n, err := lw.w.Write(p)
	lw.written += int64(n)
	if err != nil {
		return total, err
	}
	return total, nil
}

var _ Tool = (*ShellTool)(nil)
