// Package executor runs a single task invocation in a child process,
// honoring kind, timeout, working directory, and environment, and
// captures stdout, stderr, exit status, and resource cost.
package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"runtime"
	"syscall"
	"time"

	"github.com/basket/go-runner/internal/persistence"
	"github.com/basket/go-runner/internal/protocol"
	"github.com/basket/go-runner/internal/shared"
)

// Exit codes for non-process failures.
const (
	ExitTimeout    = -1
	ExitSpawnError = -2
)

// Request is one task invocation.
type Request struct {
	Definition persistence.TaskDefinition
	Parameters map[string]any   // merged (defaults overlaid by invocation)
	Context    protocol.Context // read-only snapshot
	QueueID    int64
	StackID    string // empty for single-shot runs
	DBPath     string

	// Interpreter runs interpreted_inline/interpreted_file code.
	// Defaults to python3.
	Interpreter string
	// BaseDir resolves relative interpreted_file paths. Defaults to the
	// runner executable's directory.
	BaseDir string
}

// Cost is the resource accounting for one invocation.
type Cost struct {
	WallMS   int64 `json:"wall_ms"`
	UserMS   int64 `json:"user_cpu_ms"`
	SystemMS int64 `json:"system_cpu_ms"`
	MaxRSSKB int64 `json:"max_rss_kb"`
}

// Result is the outcome of one invocation.
type Result struct {
	ExitCode   int                 `json:"exit_code"`
	Stdout     string              `json:"stdout"`
	Stderr     string              `json:"stderr"`
	Cost       Cost                `json:"cost"`
	StartedAt  time.Time           `json:"started_at"`
	FinishedAt time.Time           `json:"finished_at"`
	TimedOut   bool                `json:"timed_out"`
	Parsed     protocol.TaskResult `json:"parsed_result"`
}

var placeholderPattern = regexp.MustCompile(`\{([A-Za-z0-9_]+)\}`)

// RenderShellTemplate substitutes {name} placeholders from params.
// A placeholder with no matching key fails the render.
func RenderShellTemplate(template string, params map[string]any) (string, error) {
	var missing []string
	rendered := placeholderPattern.ReplaceAllStringFunc(template, func(match string) string {
		key := match[1 : len(match)-1]
		v, ok := params[key]
		if !ok {
			missing = append(missing, key)
			return match
		}
		return fmt.Sprint(v)
	})
	if len(missing) > 0 {
		return "", fmt.Errorf("missing template parameters: %v", missing)
	}
	return rendered, nil
}

// Run executes the request and blocks until the child exits or times out.
// Errors that prevent a spawn are reported through the Result (exit code
// -2 with a descriptive stderr), never as a Go error: the caller always
// gets a finalizable outcome.
func Run(ctx context.Context, req Request) Result {
	started := shared.UTCNow()
	monotonicStart := time.Now()

	res := Result{
		StartedAt: started,
	}
	fail := func(code int, msg string) Result {
		res.ExitCode = code
		res.Stderr = msg
		res.FinishedAt = shared.UTCNow()
		res.Cost.WallMS = time.Since(monotonicStart).Milliseconds()
		res.Parsed = protocol.ParseStdout(res.Stdout)
		return res
	}

	timeout := time.Duration(req.Definition.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 300 * time.Second
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var cmd *exec.Cmd
	switch req.Definition.Kind {
	case persistence.KindShell:
		rendered, err := RenderShellTemplate(req.Definition.Code, req.Parameters)
		if err != nil {
			return fail(ExitSpawnError, fmt.Sprintf("shell template: %v", err))
		}
		cmd = exec.CommandContext(runCtx, "/bin/sh", "-c", rendered)

	case persistence.KindInterpretedInline:
		tmp, err := os.CreateTemp("", "task_inline_*.py")
		if err != nil {
			return fail(ExitSpawnError, fmt.Sprintf("create temp script: %v", err))
		}
		tmpPath := tmp.Name()
		defer os.Remove(tmpPath)
		if _, err := tmp.WriteString(req.Definition.Code); err != nil {
			_ = tmp.Close()
			return fail(ExitSpawnError, fmt.Sprintf("write temp script: %v", err))
		}
		if err := tmp.Close(); err != nil {
			return fail(ExitSpawnError, fmt.Sprintf("close temp script: %v", err))
		}
		cmd = exec.CommandContext(runCtx, interpreter(req), tmpPath)

	case persistence.KindInterpretedFile:
		path := req.Definition.Code
		if !filepath.IsAbs(path) {
			path = filepath.Join(baseDir(req), path)
		}
		if _, err := os.Stat(path); err != nil {
			return fail(ExitSpawnError, fmt.Sprintf("script not found: %s", path))
		}
		cmd = exec.CommandContext(runCtx, interpreter(req), path)

	default:
		return fail(ExitSpawnError, fmt.Sprintf("unknown task kind %q", req.Definition.Kind))
	}

	if req.Definition.WorkingDirectory != "" {
		cmd.Dir = req.Definition.WorkingDirectory
	}
	env, err := buildEnv(req)
	if err != nil {
		return fail(ExitSpawnError, fmt.Sprintf("build environment: %v", err))
	}
	cmd.Env = env

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	runErr := cmd.Run()
	res.FinishedAt = shared.UTCNow()
	res.Cost.WallMS = time.Since(monotonicStart).Milliseconds()
	res.Stdout = stdout.String()
	res.Stderr = stderr.String()

	if state := cmd.ProcessState; state != nil {
		res.Cost.UserMS = state.UserTime().Milliseconds()
		res.Cost.SystemMS = state.SystemTime().Milliseconds()
		if ru, ok := state.SysUsage().(*syscall.Rusage); ok && ru != nil {
			res.Cost.MaxRSSKB = normalizeMaxRSS(int64(ru.Maxrss))
		}
	}

	switch {
	case errors.Is(runCtx.Err(), context.DeadlineExceeded):
		res.TimedOut = true
		res.ExitCode = ExitTimeout
		res.Stderr += fmt.Sprintf("\n[timeout after %ds]", req.Definition.TimeoutSeconds)
	case runErr == nil:
		res.ExitCode = 0
	default:
		var exitErr *exec.ExitError
		if errors.As(runErr, &exitErr) {
			res.ExitCode = exitErr.ExitCode()
		} else {
			// The process never started.
			res.ExitCode = ExitSpawnError
			res.Stderr += fmt.Sprintf("\nspawn error: %v", runErr)
		}
	}

	res.Parsed = protocol.ParseStdout(res.Stdout)
	return res
}

func interpreter(req Request) string {
	if req.Interpreter != "" {
		return req.Interpreter
	}
	return "python3"
}

func baseDir(req Request) string {
	if req.BaseDir != "" {
		return req.BaseDir
	}
	if exe, err := os.Executable(); err == nil {
		return filepath.Dir(exe)
	}
	return "."
}

// buildEnv inherits the parent environment, applies per-task overrides,
// then injects the task protocol variables.
func buildEnv(req Request) ([]string, error) {
	env := os.Environ()
	for k, v := range req.Definition.EnvironmentOverrides {
		env = append(env, k+"="+v)
	}

	paramsJSON, err := json.Marshal(req.Parameters)
	if err != nil {
		return nil, fmt.Errorf("marshal parameters: %w", err)
	}
	ctxJSON, err := json.Marshal(req.Context.Normalize())
	if err != nil {
		return nil, fmt.Errorf("marshal context: %w", err)
	}

	env = append(env,
		"TASK_PARAMS="+string(paramsJSON),
		"TASK_CONTEXT="+string(ctxJSON),
		fmt.Sprintf("TASK_QUEUE_ID=%d", req.QueueID),
		"TASK_DB="+req.DBPath,
	)
	if req.StackID != "" {
		env = append(env, "TASK_STACK_ID="+req.StackID)
	}
	return env, nil
}

// normalizeMaxRSS converts the platform Maxrss value to kilobytes:
// Linux reports KB, Darwin reports bytes.
func normalizeMaxRSS(maxrss int64) int64 {
	if runtime.GOOS == "darwin" {
		return maxrss / 1024
	}
	return maxrss
}
