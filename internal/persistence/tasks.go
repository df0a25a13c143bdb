package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Task kinds.
const (
	KindShell            = "shell"
	KindInterpretedInline = "interpreted_inline"
	KindInterpretedFile   = "interpreted_file"
)

// ErrTaskNotFound is returned when a task definition does not exist.
var ErrTaskNotFound = errors.New("task not found")

// TaskDefinition is a row of the task catalog. Code is interpreted per
// Kind: a shell command template, an inline interpreter snippet, or a
// script path.
type TaskDefinition struct {
	TaskID               string            `json:"task_id"`
	Kind                 string            `json:"kind"`
	Code                 string            `json:"code"`
	DefaultParameters    map[string]any    `json:"default_parameters"`
	WorkingDirectory     string            `json:"working_directory,omitempty"`
	EnvironmentOverrides map[string]string `json:"environment_overrides,omitempty"`
	TimeoutSeconds       int               `json:"timeout_seconds"`
	Enabled              bool              `json:"enabled"`
	CreatedAt            time.Time         `json:"created_at"`
	UpdatedAt            time.Time         `json:"updated_at"`
}

func validKind(kind string) bool {
	switch kind {
	case KindShell, KindInterpretedInline, KindInterpretedFile:
		return true
	}
	return false
}

// UpsertTask creates or updates a task definition. Tasks register
// themselves dynamically through this path, so it never rejects an
// existing id.
func (s *Store) UpsertTask(ctx context.Context, def TaskDefinition) error {
	if def.TaskID == "" {
		return fmt.Errorf("task_id required")
	}
	if !validKind(def.Kind) {
		return fmt.Errorf("invalid task kind %q", def.Kind)
	}
	if def.TimeoutSeconds <= 0 {
		def.TimeoutSeconds = 300
	}
	params, err := marshalJSONMap(def.DefaultParameters)
	if err != nil {
		return fmt.Errorf("marshal default_parameters: %w", err)
	}
	env, err := json.Marshal(nonNilStringMap(def.EnvironmentOverrides))
	if err != nil {
		return fmt.Errorf("marshal environment_overrides: %w", err)
	}
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO tasks (task_id, kind, code, default_parameters, working_directory, environment_overrides, timeout_seconds, enabled, created_at, updated_at)
			VALUES (?, ?, ?, ?, NULLIF(?, ''), ?, ?, ?, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP)
			ON CONFLICT(task_id) DO UPDATE SET
				kind = excluded.kind,
				code = excluded.code,
				default_parameters = excluded.default_parameters,
				working_directory = excluded.working_directory,
				environment_overrides = excluded.environment_overrides,
				timeout_seconds = excluded.timeout_seconds,
				enabled = excluded.enabled,
				updated_at = CURRENT_TIMESTAMP;
		`, def.TaskID, def.Kind, def.Code, params, def.WorkingDirectory, string(env), def.TimeoutSeconds, boolToInt(def.Enabled))
		if err != nil {
			return fmt.Errorf("upsert task %s: %w", def.TaskID, err)
		}
		return nil
	})
}

// GetTask fetches a task definition by id.
func (s *Store) GetTask(ctx context.Context, taskID string) (*TaskDefinition, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT task_id, kind, code, default_parameters, COALESCE(working_directory, ''), environment_overrides, timeout_seconds, enabled, created_at, updated_at
		FROM tasks
		WHERE task_id = ?;
	`, taskID)
	def, err := scanTaskDefinition(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrTaskNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get task %s: %w", taskID, err)
	}
	return def, nil
}

// SetTaskEnabled flips the enabled bit on a definition.
func (s *Store) SetTaskEnabled(ctx context.Context, taskID string, enabled bool) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE tasks SET enabled = ?, updated_at = CURRENT_TIMESTAMP WHERE task_id = ?;
	`, boolToInt(enabled), taskID)
	if err != nil {
		return fmt.Errorf("set task enabled: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("set task enabled rows: %w", err)
	}
	if n == 0 {
		return ErrTaskNotFound
	}
	return nil
}

// ListTasks returns the full catalog ordered by id.
func (s *Store) ListTasks(ctx context.Context) ([]TaskDefinition, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT task_id, kind, code, default_parameters, COALESCE(working_directory, ''), environment_overrides, timeout_seconds, enabled, created_at, updated_at
		FROM tasks
		ORDER BY task_id ASC;
	`)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	var out []TaskDefinition
	for rows.Next() {
		def, err := scanTaskDefinition(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		out = append(out, *def)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("task rows: %w", err)
	}
	return out, nil
}

func scanTaskDefinition(scanFn func(dest ...any) error) (*TaskDefinition, error) {
	var (
		def       TaskDefinition
		paramsRaw string
		envRaw    string
		enabled   int
	)
	if err := scanFn(
		&def.TaskID,
		&def.Kind,
		&def.Code,
		&paramsRaw,
		&def.WorkingDirectory,
		&envRaw,
		&def.TimeoutSeconds,
		&enabled,
		&def.CreatedAt,
		&def.UpdatedAt,
	); err != nil {
		return nil, err
	}
	def.Enabled = enabled == 1
	if err := json.Unmarshal([]byte(paramsRaw), &def.DefaultParameters); err != nil {
		return nil, fmt.Errorf("decode default_parameters: %w", err)
	}
	if err := json.Unmarshal([]byte(envRaw), &def.EnvironmentOverrides); err != nil {
		return nil, fmt.Errorf("decode environment_overrides: %w", err)
	}
	return &def, nil
}

// MergeParameters overlays invocation parameters on the definition's
// defaults; invocation values win.
func MergeParameters(def *TaskDefinition, params map[string]any) map[string]any {
	merged := make(map[string]any, len(def.DefaultParameters)+len(params))
	for k, v := range def.DefaultParameters {
		merged[k] = v
	}
	for k, v := range params {
		merged[k] = v
	}
	return merged
}

func marshalJSONMap(m map[string]any) (string, error) {
	if m == nil {
		m = map[string]any{}
	}
	data, err := json.Marshal(m)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func nonNilStringMap(m map[string]string) map[string]string {
	if m == nil {
		return map[string]string{}
	}
	return m
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
