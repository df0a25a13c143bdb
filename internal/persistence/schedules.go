package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Schedule is a recurring enqueue rule evaluated by the cron scheduler.
type Schedule struct {
	ID         string         `json:"id"`
	Name       string         `json:"name"`
	CronExpr   string         `json:"cron_expr"`
	TaskID     string         `json:"task_id"`
	Parameters map[string]any `json:"parameters"`
	Enabled    bool           `json:"enabled"`
	NextRunAt  *time.Time     `json:"next_run_at,omitempty"`
	LastRunAt  *time.Time     `json:"last_run_at,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
}

// CreateSchedule registers a recurring enqueue. nextRun is computed by
// the caller from the cron expression.
func (s *Store) CreateSchedule(ctx context.Context, name, cronExpr, taskID string, params map[string]any, nextRun time.Time) (string, error) {
	paramsJSON, err := marshalJSONMap(params)
	if err != nil {
		return "", fmt.Errorf("marshal schedule parameters: %w", err)
	}
	id := uuid.NewString()
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO schedules (id, name, cron_expr, task_id, parameters, enabled, next_run_at)
		VALUES (?, ?, ?, ?, ?, 1, ?);
	`, id, name, cronExpr, taskID, paramsJSON, nextRun)
	if err != nil {
		return "", fmt.Errorf("create schedule: %w", err)
	}
	return id, nil
}

// DueSchedules returns enabled schedules whose next_run_at has passed.
func (s *Store) DueSchedules(ctx context.Context, now time.Time) ([]Schedule, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, cron_expr, task_id, parameters, enabled, next_run_at, last_run_at, created_at
		FROM schedules
		WHERE enabled = 1 AND next_run_at IS NOT NULL AND next_run_at <= ?
		ORDER BY next_run_at ASC;
	`, now)
	if err != nil {
		return nil, fmt.Errorf("query due schedules: %w", err)
	}
	defer rows.Close()

	var out []Schedule
	for rows.Next() {
		var (
			sched     Schedule
			paramsRaw string
			enabled   int
			nextRun   sql.NullTime
			lastRun   sql.NullTime
		)
		if err := rows.Scan(&sched.ID, &sched.Name, &sched.CronExpr, &sched.TaskID, &paramsRaw, &enabled, &nextRun, &lastRun, &sched.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan schedule: %w", err)
		}
		sched.Enabled = enabled == 1
		if err := json.Unmarshal([]byte(paramsRaw), &sched.Parameters); err != nil {
			return nil, fmt.Errorf("decode schedule parameters: %w", err)
		}
		if nextRun.Valid {
			t := nextRun.Time
			sched.NextRunAt = &t
		}
		if lastRun.Valid {
			t := lastRun.Time
			sched.LastRunAt = &t
		}
		out = append(out, sched)
	}
	return out, rows.Err()
}

// MarkScheduleFired advances a schedule's run timestamps.
func (s *Store) MarkScheduleFired(ctx context.Context, id string, firedAt, nextRun time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE schedules
		SET last_run_at = ?, next_run_at = ?, updated_at = CURRENT_TIMESTAMP
		WHERE id = ?;
	`, firedAt, nextRun, id)
	if err != nil {
		return fmt.Errorf("mark schedule fired: %w", err)
	}
	return nil
}

// SetScheduleEnabled flips a schedule on or off.
func (s *Store) SetScheduleEnabled(ctx context.Context, id string, enabled bool) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE schedules SET enabled = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?;
	`, boolToInt(enabled), id)
	if err != nil {
		return fmt.Errorf("set schedule enabled: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("schedule enabled rows: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("schedule %s not found", id)
	}
	return nil
}
