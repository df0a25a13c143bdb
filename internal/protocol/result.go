package protocol

import (
	"encoding/json"
	"strings"
)

// SentinelKey marks a stdout line as the structured task result.
const SentinelKey = "__task_result__"

// PushTask names a child task a result wants scheduled.
type PushTask struct {
	TaskID     string         `json:"task_id"`
	Parameters map[string]any `json:"parameters,omitempty"`
	Reason     string         `json:"reason,omitempty"`
}

// TaskResult is the structured record recovered from a task's stdout.
type TaskResult struct {
	Output    any            `json:"output"`
	Variables map[string]any `json:"variables,omitempty"`
	Decisions []string       `json:"decisions,omitempty"`
	Errors    []string       `json:"errors,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	PushTasks []PushTask     `json:"push_tasks,omitempty"`
	Abort     bool           `json:"abort,omitempty"`

	// Structured reports whether the sentinel record was found, as
	// opposed to a bare wrapper around plain stdout.
	Structured bool `json:"-"`
}

// ParseStdout recovers a TaskResult from a task's stdout. Lines are
// scanned in reverse; the last line that decodes as a JSON object with
// SentinelKey set true wins. Tasks may print arbitrary progress above
// it. When no sentinel line exists the result is a bare wrapper whose
// Output is the trimmed stdout, or nil when stdout is blank.
func ParseStdout(stdout string) TaskResult {
	lines := strings.Split(stdout, "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		line := strings.TrimSpace(lines[i])
		if !strings.HasPrefix(line, "{") || !strings.HasSuffix(line, "}") {
			continue
		}
		var probe map[string]json.RawMessage
		if err := json.Unmarshal([]byte(line), &probe); err != nil {
			continue
		}
		raw, ok := probe[SentinelKey]
		if !ok {
			continue
		}
		var sentinel bool
		if err := json.Unmarshal(raw, &sentinel); err != nil || !sentinel {
			continue
		}
		var result TaskResult
		if err := json.Unmarshal([]byte(line), &result); err != nil {
			continue
		}
		result.Structured = true
		return result
	}

	trimmed := strings.TrimSpace(stdout)
	if trimmed == "" {
		return TaskResult{}
	}
	return TaskResult{Output: trimmed}
}
