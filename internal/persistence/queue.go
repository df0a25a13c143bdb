package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/google/uuid"

	"github.com/basket/go-runner/internal/bus"
	"github.com/basket/go-runner/internal/shared"
)

// QueueEntry is a row of the single-shot queue.
type QueueEntry struct {
	QueueID        int64          `json:"queue_id"`
	RequestID      string         `json:"request_id"`
	TaskID         string         `json:"task_id"`
	Parameters     map[string]any `json:"parameters"`
	Status         Status         `json:"status"`
	WorkerID       string         `json:"worker_id,omitempty"`
	LeaseExpiresAt *time.Time     `json:"lease_expires_at,omitempty"`
	EnqueuedAt     time.Time      `json:"enqueued_at"`
	StartedAt      *time.Time     `json:"started_at,omitempty"`
	FinishedAt     *time.Time     `json:"finished_at,omitempty"`
}

// FanoutRecord describes a child to enqueue after its parent completes.
// Either TaskID references an existing definition or InlineDefinition
// carries an ephemeral one.
type FanoutRecord struct {
	FanoutID         int64           `json:"fanout_id"`
	ParentQueueID    int64           `json:"parent_queue_id"`
	TaskID           string          `json:"task_id,omitempty"`
	InlineDefinition *TaskDefinition `json:"inline_definition,omitempty"`
	Parameters       map[string]any  `json:"parameters"`
	Processed        bool            `json:"processed"`
}

// Enqueue inserts a queued row for taskID. requestID is the idempotency
// key; empty means generate one. Returns the existing row's ids when the
// requestID was already enqueued.
func (s *Store) Enqueue(ctx context.Context, taskID string, params map[string]any, requestID string) (int64, string, error) {
	if requestID == "" {
		requestID = uuid.NewString()
	}
	paramsJSON, err := marshalJSONMap(params)
	if err != nil {
		return 0, "", fmt.Errorf("marshal parameters: %w", err)
	}

	var queueID int64
	err = retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin enqueue tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		if err := tx.QueryRowContext(ctx, `SELECT queue_id FROM task_queue WHERE request_id = ?;`, requestID).Scan(&queueID); err == nil {
			return tx.Commit() // already enqueued under this request id
		} else if !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("check existing request: %w", err)
		}

		res, err := tx.ExecContext(ctx, `
			INSERT INTO task_queue (request_id, task_id, parameters, status, enqueued_at)
			VALUES (?, ?, ?, 'queued', CURRENT_TIMESTAMP);
		`, requestID, taskID, paramsJSON)
		if err != nil {
			return fmt.Errorf("enqueue task %s: %w", taskID, err)
		}
		queueID, err = res.LastInsertId()
		if err != nil {
			return fmt.Errorf("enqueue last insert id: %w", err)
		}
		if err := s.appendEventTx(ctx, tx, "queue", fmt.Sprint(queueID), "", StatusQueued, "queue.enqueued", ""); err != nil {
			return err
		}
		return tx.Commit()
	})
	if err != nil {
		return 0, "", err
	}
	s.publish(bus.TopicQueueEnqueued, bus.QueueEvent{QueueID: queueID, RequestID: requestID, TaskID: taskID, Status: string(StatusQueued)})
	return queueID, requestID, nil
}

// ClaimNextQueueEntry atomically claims the lowest-queue_id eligible row:
// queued, or running with an expired lease. Returns nil when nothing is
// claimable. Reacquisition of an expired lease rewrites worker_id,
// started_at, and the lease.
func (s *Store) ClaimNextQueueEntry(ctx context.Context, workerID string, lease time.Duration) (*QueueEntry, error) {
	var claimed *QueueEntry
	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin claim tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		now := shared.UTCNow()
		var (
			queueID int64
			prev    Status
		)
		err = tx.QueryRowContext(ctx, `
			SELECT queue_id, status
			FROM task_queue
			WHERE status = 'queued'
			   OR (status = 'running' AND lease_expires_at IS NOT NULL AND lease_expires_at < ?)
			ORDER BY queue_id ASC
			LIMIT 1;
		`, now).Scan(&queueID, &prev)
		if errors.Is(err, sql.ErrNoRows) {
			claimed = nil
			return tx.Commit()
		}
		if err != nil {
			return fmt.Errorf("select claimable row: %w", err)
		}
		if !canTransition(prev, StatusRunning) {
			return fmt.Errorf("illegal transition %s -> running", prev)
		}

		leaseExpires := now.Add(lease)
		res, err := tx.ExecContext(ctx, `
			UPDATE task_queue
			SET status = 'running', worker_id = ?, started_at = ?, lease_expires_at = ?
			WHERE queue_id = ?
			  AND (status = 'queued' OR (status = 'running' AND lease_expires_at IS NOT NULL AND lease_expires_at < ?));
		`, workerID, now, leaseExpires, queueID, now)
		if err != nil {
			return fmt.Errorf("claim update: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("claim rows affected: %w", err)
		}
		if n != 1 {
			// Lost the race inside the same transaction window; report
			// nothing claimed (no re-select).
			claimed = nil
			return tx.Commit()
		}

		entry, err := getQueueEntryTx(ctx, tx, queueID)
		if err != nil {
			return err
		}
		eventType := "queue.claimed"
		if prev == StatusRunning {
			eventType = "queue.lease_stolen"
		}
		if err := s.appendEventTx(ctx, tx, "queue", fmt.Sprint(queueID), prev, StatusRunning, eventType, fmt.Sprintf(`{"worker_id":%q}`, workerID)); err != nil {
			return err
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit claim tx: %w", err)
		}
		claimed = entry
		return nil
	})
	if err != nil {
		return nil, err
	}
	if claimed != nil {
		s.publish(bus.TopicQueueClaimed, bus.QueueEvent{QueueID: claimed.QueueID, RequestID: claimed.RequestID, TaskID: claimed.TaskID, Status: string(StatusRunning), WorkerID: workerID})
	}
	return claimed, nil
}

// FinalizeQueueEntry writes a terminal status, clears the lease, and
// stamps finished_at, all in one write.
func (s *Store) FinalizeQueueEntry(ctx context.Context, queueID int64, status Status) error {
	if !status.IsTerminal() {
		return fmt.Errorf("finalize requires terminal status, got %s", status)
	}
	return retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin finalize tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		var prev Status
		if err := tx.QueryRowContext(ctx, `SELECT status FROM task_queue WHERE queue_id = ?;`, queueID).Scan(&prev); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return fmt.Errorf("finalize queue %d: %w", queueID, sql.ErrNoRows)
			}
			return fmt.Errorf("read status before finalize: %w", err)
		}
		if prev.IsTerminal() {
			// Terminal states never transition; a cancel that raced the
			// finalize wins.
			return tx.Commit()
		}

		if _, err := tx.ExecContext(ctx, `
			UPDATE task_queue
			SET status = ?, lease_expires_at = NULL, finished_at = ?
			WHERE queue_id = ?;
		`, status, shared.UTCNow(), queueID); err != nil {
			return fmt.Errorf("finalize queue %d: %w", queueID, err)
		}
		if err := s.appendEventTx(ctx, tx, "queue", fmt.Sprint(queueID), prev, status, "queue."+string(status), ""); err != nil {
			return err
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit finalize tx: %w", err)
		}
		topic := bus.TopicQueueDone
		switch status {
		case StatusFailed:
			topic = bus.TopicQueueFailed
		case StatusCancelled:
			topic = bus.TopicQueueCanceled
		}
		s.publish(topic, bus.QueueEvent{QueueID: queueID, Status: string(status)})
		return nil
	})
}

// CancelQueueEntry flips a non-terminal row to cancelled. The running
// child process, if any, is not signalled; the runner notices the
// status after the child exits.
func (s *Store) CancelQueueEntry(ctx context.Context, queueID int64) (bool, error) {
	var ok bool
	err := retryOnBusy(ctx, 5, func() error {
		res, err := s.db.ExecContext(ctx, `
			UPDATE task_queue
			SET status = 'cancelled', lease_expires_at = NULL, finished_at = ?
			WHERE queue_id = ? AND status IN ('queued', 'running');
		`, shared.UTCNow(), queueID)
		if err != nil {
			return fmt.Errorf("cancel queue %d: %w", queueID, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("cancel rows affected: %w", err)
		}
		ok = n == 1
		return nil
	})
	if err != nil {
		return false, err
	}
	if ok {
		s.publish(bus.TopicQueueCanceled, bus.QueueEvent{QueueID: queueID, Status: string(StatusCancelled)})
	}
	return ok, nil
}

// GetQueueEntry fetches one queue row.
func (s *Store) GetQueueEntry(ctx context.Context, queueID int64) (*QueueEntry, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin get tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()
	entry, err := getQueueEntryTx(ctx, tx, queueID)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit get tx: %w", err)
	}
	return entry, nil
}

// QueueEntryStatus re-reads just the status (used for the post-execution
// cancellation check).
func (s *Store) QueueEntryStatus(ctx context.Context, queueID int64) (Status, error) {
	var status Status
	if err := s.db.QueryRowContext(ctx, `SELECT status FROM task_queue WHERE queue_id = ?;`, queueID).Scan(&status); err != nil {
		return "", fmt.Errorf("queue status %d: %w", queueID, err)
	}
	return status, nil
}

func getQueueEntryTx(ctx context.Context, tx *sql.Tx, queueID int64) (*QueueEntry, error) {
	row := tx.QueryRowContext(ctx, `
		SELECT queue_id, request_id, task_id, parameters, status,
			COALESCE(worker_id, ''), lease_expires_at, enqueued_at, started_at, finished_at
		FROM task_queue
		WHERE queue_id = ?;
	`, queueID)
	return scanQueueEntry(row.Scan)
}

func scanQueueEntry(scanFn func(dest ...any) error) (*QueueEntry, error) {
	var (
		entry     QueueEntry
		paramsRaw string
		lease     sql.NullTime
		started   sql.NullTime
		finished  sql.NullTime
	)
	if err := scanFn(
		&entry.QueueID,
		&entry.RequestID,
		&entry.TaskID,
		&paramsRaw,
		&entry.Status,
		&entry.WorkerID,
		&lease,
		&entry.EnqueuedAt,
		&started,
		&finished,
	); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(paramsRaw), &entry.Parameters); err != nil {
		return nil, fmt.Errorf("decode parameters: %w", err)
	}
	if lease.Valid {
		t := lease.Time
		entry.LeaseExpiresAt = &t
	}
	if started.Valid {
		t := started.Time
		entry.StartedAt = &t
	}
	if finished.Valid {
		t := finished.Time
		entry.FinishedAt = &t
	}
	return &entry, nil
}

// AddFanout attaches a fanout record to a parent queue row before or
// during its execution.
func (s *Store) AddFanout(ctx context.Context, parentQueueID int64, taskID string, inline *TaskDefinition, params map[string]any) (int64, error) {
	if taskID == "" && inline == nil {
		return 0, fmt.Errorf("fanout needs task_id or inline definition")
	}
	paramsJSON, err := marshalJSONMap(params)
	if err != nil {
		return 0, fmt.Errorf("marshal fanout parameters: %w", err)
	}
	var inlineJSON sql.NullString
	if inline != nil {
		data, err := json.Marshal(inline)
		if err != nil {
			return 0, fmt.Errorf("marshal inline definition: %w", err)
		}
		inlineJSON = sql.NullString{String: string(data), Valid: true}
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO task_fanout (parent_queue_id, task_id, inline_definition, parameters)
		VALUES (?, NULLIF(?, ''), ?, ?);
	`, parentQueueID, taskID, inlineJSON, paramsJSON)
	if err != nil {
		return 0, fmt.Errorf("add fanout: %w", err)
	}
	return res.LastInsertId()
}

// FanoutChild reports a queue entry created by ProcessFanouts.
type FanoutChild struct {
	FanoutID  int64  `json:"fanout_id"`
	QueueID   int64  `json:"queue_id"`
	RequestID string `json:"request_id"`
	TaskID    string `json:"task_id"`
	Ephemeral bool   `json:"ephemeral,omitempty"`
}

// ProcessFanouts enqueues the children of every unprocessed fanout row
// attached to parentQueueID and marks the rows processed, all in one
// transaction. Inline definitions are registered as ephemeral tasks
// named inline_<parent>_<fanout>_<rand>.
func (s *Store) ProcessFanouts(ctx context.Context, parentQueueID int64) ([]FanoutChild, error) {
	var children []FanoutChild
	err := retryOnBusy(ctx, 5, func() error {
		children = nil
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin fanout tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		rows, err := tx.QueryContext(ctx, `
			SELECT fanout_id, COALESCE(task_id, ''), inline_definition, parameters
			FROM task_fanout
			WHERE parent_queue_id = ? AND processed = 0
			ORDER BY fanout_id ASC;
		`, parentQueueID)
		if err != nil {
			return fmt.Errorf("query fanouts: %w", err)
		}
		type pending struct {
			fanoutID  int64
			taskID    string
			inlineRaw sql.NullString
			paramsRaw string
		}
		var fanouts []pending
		for rows.Next() {
			var p pending
			if err := rows.Scan(&p.fanoutID, &p.taskID, &p.inlineRaw, &p.paramsRaw); err != nil {
				_ = rows.Close()
				return fmt.Errorf("scan fanout: %w", err)
			}
			fanouts = append(fanouts, p)
		}
		if err := rows.Err(); err != nil {
			_ = rows.Close()
			return fmt.Errorf("fanout rows: %w", err)
		}
		_ = rows.Close()

		for _, p := range fanouts {
			var params map[string]any
			if err := json.Unmarshal([]byte(p.paramsRaw), &params); err != nil {
				return fmt.Errorf("decode fanout parameters: %w", err)
			}

			taskID := p.taskID
			ephemeral := false
			if taskID == "" {
				if !p.inlineRaw.Valid {
					return fmt.Errorf("fanout %d has neither task_id nor inline definition", p.fanoutID)
				}
				var def TaskDefinition
				if err := json.Unmarshal([]byte(p.inlineRaw.String), &def); err != nil {
					return fmt.Errorf("decode inline definition: %w", err)
				}
				taskID = fmt.Sprintf("inline_%d_%d_%04d", parentQueueID, p.fanoutID, rand.IntN(10000))
				def.TaskID = taskID
				def.Enabled = true
				if def.TimeoutSeconds <= 0 {
					def.TimeoutSeconds = 300
				}
				defParams, err := marshalJSONMap(def.DefaultParameters)
				if err != nil {
					return fmt.Errorf("marshal inline defaults: %w", err)
				}
				envJSON, err := json.Marshal(nonNilStringMap(def.EnvironmentOverrides))
				if err != nil {
					return fmt.Errorf("marshal inline env: %w", err)
				}
				if _, err := tx.ExecContext(ctx, `
					INSERT INTO tasks (task_id, kind, code, default_parameters, working_directory, environment_overrides, timeout_seconds, enabled)
					VALUES (?, ?, ?, ?, NULLIF(?, ''), ?, ?, 1);
				`, def.TaskID, def.Kind, def.Code, defParams, def.WorkingDirectory, string(envJSON), def.TimeoutSeconds); err != nil {
					return fmt.Errorf("register ephemeral task: %w", err)
				}
				ephemeral = true
			}

			requestID := uuid.NewString()
			paramsJSON, err := marshalJSONMap(params)
			if err != nil {
				return fmt.Errorf("marshal child parameters: %w", err)
			}
			res, err := tx.ExecContext(ctx, `
				INSERT INTO task_queue (request_id, task_id, parameters, status, enqueued_at)
				VALUES (?, ?, ?, 'queued', CURRENT_TIMESTAMP);
			`, requestID, taskID, paramsJSON)
			if err != nil {
				return fmt.Errorf("enqueue fanout child: %w", err)
			}
			queueID, err := res.LastInsertId()
			if err != nil {
				return fmt.Errorf("fanout child id: %w", err)
			}
			if _, err := tx.ExecContext(ctx, `
				UPDATE task_fanout SET processed = 1 WHERE fanout_id = ?;
			`, p.fanoutID); err != nil {
				return fmt.Errorf("mark fanout processed: %w", err)
			}
			if err := s.appendEventTx(ctx, tx, "queue", fmt.Sprint(queueID), "", StatusQueued, "queue.fanout_enqueued", fmt.Sprintf(`{"parent_queue_id":%d,"fanout_id":%d}`, parentQueueID, p.fanoutID)); err != nil {
				return err
			}
			children = append(children, FanoutChild{
				FanoutID:  p.fanoutID,
				QueueID:   queueID,
				RequestID: requestID,
				TaskID:    taskID,
				Ephemeral: ephemeral,
			})
		}
		return tx.Commit()
	})
	if err != nil {
		return nil, err
	}
	for _, child := range children {
		s.publish(bus.TopicQueueFanout, bus.QueueEvent{QueueID: child.QueueID, RequestID: child.RequestID, TaskID: child.TaskID, Status: string(StatusQueued)})
	}
	return children, nil
}

// FanoutsForParent lists all fanout records of a parent, for artifacts.
func (s *Store) FanoutsForParent(ctx context.Context, parentQueueID int64) ([]FanoutRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT fanout_id, parent_queue_id, COALESCE(task_id, ''), inline_definition, parameters, processed
		FROM task_fanout
		WHERE parent_queue_id = ?
		ORDER BY fanout_id ASC;
	`, parentQueueID)
	if err != nil {
		return nil, fmt.Errorf("list fanouts: %w", err)
	}
	defer rows.Close()

	var out []FanoutRecord
	for rows.Next() {
		var (
			rec       FanoutRecord
			inlineRaw sql.NullString
			paramsRaw string
			processed int
		)
		if err := rows.Scan(&rec.FanoutID, &rec.ParentQueueID, &rec.TaskID, &inlineRaw, &paramsRaw, &processed); err != nil {
			return nil, fmt.Errorf("scan fanout record: %w", err)
		}
		rec.Processed = processed == 1
		if err := json.Unmarshal([]byte(paramsRaw), &rec.Parameters); err != nil {
			return nil, fmt.Errorf("decode fanout parameters: %w", err)
		}
		if inlineRaw.Valid {
			var def TaskDefinition
			if err := json.Unmarshal([]byte(inlineRaw.String), &def); err != nil {
				return nil, fmt.Errorf("decode inline definition: %w", err)
			}
			rec.InlineDefinition = &def
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// QueueCounts returns pending/running totals for stats output.
func (s *Store) QueueCounts(ctx context.Context) (queued, running int, err error) {
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM task_queue WHERE status = 'queued';`).Scan(&queued); err != nil {
		return 0, 0, fmt.Errorf("count queued: %w", err)
	}
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM task_queue WHERE status = 'running';`).Scan(&running); err != nil {
		return 0, 0, fmt.Errorf("count running: %w", err)
	}
	return queued, running, nil
}
