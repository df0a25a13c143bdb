// Package runs writes the JSON artifacts emitted for every single-shot
// run and every finished stack.
package runs

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"github.com/basket/go-runner/internal/executor"
	"github.com/basket/go-runner/internal/persistence"
	"github.com/basket/go-runner/internal/protocol"
	"github.com/basket/go-runner/internal/shared"
)

// Ref points at captured output. Captures are stored inline whatever
// their size.
type Ref struct {
	Kind  string `json:"kind"` // "inline"
	Value string `json:"value"`
}

// InlineRef wraps a captured string.
func InlineRef(value string) Ref {
	return Ref{Kind: "inline", Value: value}
}

// Action records one child-process invocation inside a run.
type Action struct {
	Kind       string        `json:"kind"` // task kind
	StartedAt  time.Time     `json:"started_at"`
	FinishedAt time.Time     `json:"finished_at"`
	ExitCode   int           `json:"exit_code"`
	TimedOut   bool          `json:"timed_out"`
	Cost       executor.Cost `json:"cost"`
	Stdout     Ref           `json:"stdout"`
	Stderr     Ref           `json:"stderr"`
}

// RunRecord is the artifact for one single-shot queue execution.
type RunRecord struct {
	Task       persistence.TaskDefinition `json:"task"`
	QueueEntry persistence.QueueEntry     `json:"queue_entry"`
	Parameters map[string]any             `json:"parameters"`
	WorkerID   string                     `json:"worker_id"`
	StartedAt  time.Time                  `json:"started_at"`
	FinishedAt time.Time                  `json:"finished_at"`
	Status     persistence.Status         `json:"status"`
	Action     Action                     `json:"action"`
	Fanouts    []persistence.FanoutRecord `json:"fanouts"`
}

// TraceStep is one entry of a stack's execution trace.
type TraceStep struct {
	QueueID       int64               `json:"queue_id"`
	TaskID        string              `json:"task_id"`
	Depth         int                 `json:"depth"`
	Status        persistence.Status  `json:"status"`
	StartedAt     *time.Time          `json:"started_at,omitempty"`
	FinishedAt    *time.Time          `json:"finished_at,omitempty"`
	ExecutionMS   int64               `json:"execution_ms"`
	InputContext  protocol.Context    `json:"input_context"`
	OutputContext *protocol.Context   `json:"output_context,omitempty"`
	Output        json.RawMessage     `json:"output,omitempty"`
	PushedTasks   []protocol.PushTask `json:"pushed_tasks,omitempty"`
	Error         string              `json:"error,omitempty"`
}

// StackRecord is the artifact for one finished stack.
type StackRecord struct {
	StackID       string             `json:"stack_id"`
	Status        persistence.Status `json:"status"`
	CreatedAt     time.Time          `json:"created_at"`
	FinishedAt    *time.Time         `json:"finished_at,omitempty"`
	InitialTaskID string             `json:"initial_task_id"`
	FinalContext  protocol.Context   `json:"final_context"`
	FinalOutput   json.RawMessage    `json:"final_output,omitempty"`
	Trace         []TraceStep        `json:"trace"`
	Error         string             `json:"error,omitempty"`
}

var unsafeIDChars = regexp.MustCompile(`[^A-Za-z0-9_.-]`)

// SafeTaskID sanitizes a task id for use in a file name.
func SafeTaskID(taskID string) string {
	return unsafeIDChars.ReplaceAllString(taskID, "_")
}

// WriteRun writes the run artifact as run_<safe_task_id>_<queue_prefix>.json
// and returns its path.
func WriteRun(runsDir string, rec RunRecord) (string, error) {
	name := fmt.Sprintf("run_%s_%s.json", SafeTaskID(rec.Task.TaskID), shared.ShortID(rec.QueueEntry.RequestID))
	return writeArtifact(runsDir, name, rec)
}

// WriteStack writes the stack artifact as stack_<stack_prefix>.json and
// returns its path.
func WriteStack(runsDir string, rec StackRecord) (string, error) {
	name := fmt.Sprintf("stack_%s.json", shared.ShortID(rec.StackID))
	return writeArtifact(runsDir, name, rec)
}

func writeArtifact(runsDir, name string, payload any) (string, error) {
	if runsDir == "" {
		runsDir = "./runs"
	}
	if err := os.MkdirAll(runsDir, 0o755); err != nil {
		return "", fmt.Errorf("create runs dir: %w", err)
	}
	data, err := json.MarshalIndent(payload, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal artifact: %w", err)
	}
	path := filepath.Join(runsDir, name)
	if err := os.WriteFile(path, append(data, '\n'), 0o644); err != nil {
		return "", fmt.Errorf("write artifact: %w", err)
	}
	return path, nil
}
