package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/basket/go-runner/internal/bus"
	"github.com/basket/go-runner/internal/protocol"
	"github.com/basket/go-runner/internal/shared"
)

// ErrStackNotFound is returned for unknown stack ids.
var ErrStackNotFound = errors.New("stack not found")

// ErrStackTerminal names the finished-stack condition. Stepping a
// finished stack does not return it: Engine.Step reports its own
// "stack already <status>" error, which does not wrap this value.
var ErrStackTerminal = errors.New("stack already terminal")

// ExecutionStack is the root record of a LIFO execution tree.
type ExecutionStack struct {
	StackID       string           `json:"stack_id"`
	Status        Status           `json:"status"`
	InitialTaskID string           `json:"initial_task_id"`
	RequestID     string           `json:"request_id,omitempty"`
	Context       protocol.Context `json:"context"`
	Trace         json.RawMessage  `json:"trace,omitempty"`
	FinalOutput   json.RawMessage  `json:"final_output,omitempty"`
	Error         string           `json:"error,omitempty"`
	CreatedAt     time.Time        `json:"created_at"`
	FinishedAt    *time.Time       `json:"finished_at,omitempty"`
}

// StackQueueEntry is one scheduled sub-task of a stack.
type StackQueueEntry struct {
	QueueID        int64               `json:"queue_id"`
	StackID        string              `json:"stack_id"`
	TaskID         string              `json:"task_id"`
	Depth          int                 `json:"depth"`
	ParentQueueID  *int64              `json:"parent_queue_id,omitempty"`
	Sequence       int                 `json:"sequence"`
	Status         Status              `json:"status"`
	WorkerID       string              `json:"worker_id,omitempty"`
	LeaseExpiresAt *time.Time          `json:"lease_expires_at,omitempty"`
	Parameters     map[string]any      `json:"parameters"`
	InputContext   protocol.Context    `json:"input_context"`
	Output         json.RawMessage     `json:"output,omitempty"`
	OutputContext  *protocol.Context   `json:"output_context,omitempty"`
	PushedTasks    []protocol.PushTask `json:"pushed_tasks,omitempty"`
	ErrorMessage   string              `json:"error_message,omitempty"`
	EnqueuedAt     time.Time           `json:"enqueued_at"`
	StartedAt      *time.Time          `json:"started_at,omitempty"`
	FinishedAt     *time.Time          `json:"finished_at,omitempty"`
}

// CreateStack inserts a running stack and its depth-0 entry. requestID,
// when non-empty, is an idempotency key: re-submitting returns the
// existing stack id.
func (s *Store) CreateStack(ctx context.Context, taskID string, params map[string]any, requestID string) (string, error) {
	paramsJSON, err := marshalJSONMap(params)
	if err != nil {
		return "", fmt.Errorf("marshal parameters: %w", err)
	}
	emptyCtx, err := json.Marshal(protocol.EmptyContext())
	if err != nil {
		return "", fmt.Errorf("marshal empty context: %w", err)
	}

	stackID := uuid.NewString()
	err = retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin create stack tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		if requestID != "" {
			var existing string
			err := tx.QueryRowContext(ctx, `SELECT stack_id FROM execution_stacks WHERE request_id = ?;`, requestID).Scan(&existing)
			if err == nil {
				stackID = existing
				return tx.Commit()
			}
			if !errors.Is(err, sql.ErrNoRows) {
				return fmt.Errorf("check existing stack: %w", err)
			}
		}

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO execution_stacks (stack_id, status, initial_task_id, request_id, context, created_at)
			VALUES (?, 'running', ?, NULLIF(?, ''), ?, CURRENT_TIMESTAMP);
		`, stackID, taskID, requestID, string(emptyCtx)); err != nil {
			return fmt.Errorf("insert stack: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO stack_queue (stack_id, task_id, depth, sequence, status, parameters, input_context, enqueued_at)
			VALUES (?, ?, 0, 0, 'queued', ?, ?, CURRENT_TIMESTAMP);
		`, stackID, taskID, paramsJSON, string(emptyCtx)); err != nil {
			return fmt.Errorf("insert initial stack entry: %w", err)
		}
		if err := s.appendEventTx(ctx, tx, "stack", stackID, "", StackRunning, "stack.created", fmt.Sprintf(`{"initial_task_id":%q}`, taskID)); err != nil {
			return err
		}
		return tx.Commit()
	})
	if err != nil {
		return "", err
	}
	s.publish(bus.TopicStackCreated, bus.StackEvent{StackID: stackID, TaskID: taskID, Status: string(StackRunning)})
	return stackID, nil
}

// ClaimNextStackEntry atomically claims the highest-queue_id eligible
// row of the stack (LIFO): queued, or running with an expired lease.
// Returns nil when the stack has no claimable rows.
func (s *Store) ClaimNextStackEntry(ctx context.Context, stackID, workerID string, lease time.Duration) (*StackQueueEntry, error) {
	var claimed *StackQueueEntry
	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin stack claim tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		now := shared.UTCNow()
		var (
			queueID int64
			prev    Status
		)
		err = tx.QueryRowContext(ctx, `
			SELECT queue_id, status
			FROM stack_queue
			WHERE stack_id = ?
			  AND (status = 'queued'
			   OR (status = 'running' AND lease_expires_at IS NOT NULL AND lease_expires_at < ?))
			ORDER BY queue_id DESC
			LIMIT 1;
		`, stackID, now).Scan(&queueID, &prev)
		if errors.Is(err, sql.ErrNoRows) {
			claimed = nil
			return tx.Commit()
		}
		if err != nil {
			return fmt.Errorf("select claimable stack row: %w", err)
		}

		leaseExpires := now.Add(lease)
		res, err := tx.ExecContext(ctx, `
			UPDATE stack_queue
			SET status = 'running', worker_id = ?, started_at = ?, lease_expires_at = ?
			WHERE queue_id = ?
			  AND (status = 'queued' OR (status = 'running' AND lease_expires_at IS NOT NULL AND lease_expires_at < ?));
		`, workerID, now, leaseExpires, queueID, now)
		if err != nil {
			return fmt.Errorf("stack claim update: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("stack claim rows affected: %w", err)
		}
		if n != 1 {
			claimed = nil
			return tx.Commit()
		}

		entry, err := getStackEntryTx(ctx, tx, queueID)
		if err != nil {
			return err
		}
		if err := s.appendEventTx(ctx, tx, "stack", stackID, prev, StatusRunning, "stack.step_claimed", fmt.Sprintf(`{"queue_id":%d,"task_id":%q}`, queueID, entry.TaskID)); err != nil {
			return err
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit stack claim tx: %w", err)
		}
		claimed = entry
		return nil
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

// StackContext reads the stack's accumulated context.
func (s *Store) StackContext(ctx context.Context, stackID string) (protocol.Context, error) {
	var raw string
	err := s.db.QueryRowContext(ctx, `SELECT context FROM execution_stacks WHERE stack_id = ?;`, stackID).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return protocol.Context{}, ErrStackNotFound
	}
	if err != nil {
		return protocol.Context{}, fmt.Errorf("read stack context: %w", err)
	}
	var c protocol.Context
	if err := json.Unmarshal([]byte(raw), &c); err != nil {
		return protocol.Context{}, fmt.Errorf("decode stack context: %w", err)
	}
	return c.Normalize(), nil
}

// SetEntryInputContext overwrites a row's input_context with the state
// observed at claim time, so a child sees the context as of its own
// execution rather than its enqueue.
func (s *Store) SetEntryInputContext(ctx context.Context, queueID int64, c protocol.Context) error {
	data, err := json.Marshal(c.Normalize())
	if err != nil {
		return fmt.Errorf("marshal input context: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, `UPDATE stack_queue SET input_context = ? WHERE queue_id = ?;`, string(data), queueID); err != nil {
		return fmt.Errorf("set input context: %w", err)
	}
	return nil
}

// UpdateStackContext stores the accumulated context after a step.
func (s *Store) UpdateStackContext(ctx context.Context, stackID string, c protocol.Context) error {
	data, err := json.Marshal(c.Normalize())
	if err != nil {
		return fmt.Errorf("marshal stack context: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, `UPDATE execution_stacks SET context = ? WHERE stack_id = ?;`, string(data), stackID); err != nil {
		return fmt.Errorf("update stack context: %w", err)
	}
	return nil
}

// PushStackEntries inserts children for a completed parent. Children are
// inserted in reverse declaration order so the LIFO claim pops them in
// the order the parent declared.
func (s *Store) PushStackEntries(ctx context.Context, parent *StackQueueEntry, pushes []protocol.PushTask, inputContext protocol.Context) error {
	if len(pushes) == 0 {
		return nil
	}
	ctxJSON, err := json.Marshal(inputContext.Normalize())
	if err != nil {
		return fmt.Errorf("marshal child context: %w", err)
	}
	return retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin push tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		for i := len(pushes) - 1; i >= 0; i-- {
			push := pushes[i]
			paramsJSON, err := marshalJSONMap(push.Parameters)
			if err != nil {
				return fmt.Errorf("marshal push parameters: %w", err)
			}
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO stack_queue (stack_id, task_id, depth, parent_queue_id, sequence, status, parameters, input_context, enqueued_at)
				VALUES (?, ?, ?, ?, ?, 'queued', ?, ?, CURRENT_TIMESTAMP);
			`, parent.StackID, push.TaskID, parent.Depth+1, parent.QueueID, i, paramsJSON, string(ctxJSON)); err != nil {
				return fmt.Errorf("push child %s: %w", push.TaskID, err)
			}
		}
		if err := s.appendEventTx(ctx, tx, "stack", parent.StackID, "", StatusQueued, "stack.children_pushed", fmt.Sprintf(`{"parent_queue_id":%d,"count":%d}`, parent.QueueID, len(pushes))); err != nil {
			return err
		}
		if err := tx.Commit(); err != nil {
			return err
		}
		s.publish(bus.TopicStackPushed, bus.StackEvent{StackID: parent.StackID, QueueID: parent.QueueID, TaskID: parent.TaskID, Depth: parent.Depth, Status: string(StatusQueued)})
		return nil
	})
}

// FinalizeStackEntry writes a step's terminal state and outputs.
func (s *Store) FinalizeStackEntry(ctx context.Context, queueID int64, status Status, output any, outputContext protocol.Context, pushed []protocol.PushTask, errMsg string) error {
	if !status.IsTerminal() {
		return fmt.Errorf("finalize requires terminal status, got %s", status)
	}
	outputJSON, err := json.Marshal(output)
	if err != nil {
		return fmt.Errorf("marshal step output: %w", err)
	}
	ctxJSON, err := json.Marshal(outputContext.Normalize())
	if err != nil {
		return fmt.Errorf("marshal output context: %w", err)
	}
	var pushedJSON sql.NullString
	if len(pushed) > 0 {
		data, err := json.Marshal(pushed)
		if err != nil {
			return fmt.Errorf("marshal pushed tasks: %w", err)
		}
		pushedJSON = sql.NullString{String: string(data), Valid: true}
	}
	return retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin finalize step tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		var (
			prev    Status
			stackID string
		)
		if err := tx.QueryRowContext(ctx, `SELECT status, stack_id FROM stack_queue WHERE queue_id = ?;`, queueID).Scan(&prev, &stackID); err != nil {
			return fmt.Errorf("read step before finalize: %w", err)
		}
		if prev.IsTerminal() {
			return tx.Commit()
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE stack_queue
			SET status = ?, lease_expires_at = NULL, finished_at = ?,
				output = ?, output_context = ?, pushed_tasks = ?, error_message = NULLIF(?, '')
			WHERE queue_id = ?;
		`, status, shared.UTCNow(), string(outputJSON), string(ctxJSON), pushedJSON, errMsg, queueID); err != nil {
			return fmt.Errorf("finalize step %d: %w", queueID, err)
		}
		if err := s.appendEventTx(ctx, tx, "stack", stackID, prev, status, "stack.step_"+string(status), fmt.Sprintf(`{"queue_id":%d}`, queueID)); err != nil {
			return err
		}
		if err := tx.Commit(); err != nil {
			return err
		}
		s.publish(bus.TopicStackStep, bus.StackEvent{StackID: stackID, QueueID: queueID, Status: string(status)})
		return nil
	})
}

// FinalizeStack writes the stack's terminal status, trace, final output,
// and error. Terminal stacks are immutable: a second finalize is a no-op.
func (s *Store) FinalizeStack(ctx context.Context, stackID string, status Status, trace any, finalOutput any, errMsg string) error {
	if status != StackDone && status != StackFailed {
		return fmt.Errorf("stack finalize requires done or failed, got %s", status)
	}
	traceJSON, err := json.Marshal(trace)
	if err != nil {
		return fmt.Errorf("marshal trace: %w", err)
	}
	outputJSON, err := json.Marshal(finalOutput)
	if err != nil {
		return fmt.Errorf("marshal final output: %w", err)
	}
	return retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin finalize stack tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		var prev Status
		if err := tx.QueryRowContext(ctx, `SELECT status FROM execution_stacks WHERE stack_id = ?;`, stackID).Scan(&prev); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return ErrStackNotFound
			}
			return fmt.Errorf("read stack before finalize: %w", err)
		}
		if prev != StackRunning {
			return tx.Commit()
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE execution_stacks
			SET status = ?, trace = ?, final_output = ?, error = NULLIF(?, ''), finished_at = ?
			WHERE stack_id = ?;
		`, status, string(traceJSON), string(outputJSON), errMsg, shared.UTCNow(), stackID); err != nil {
			return fmt.Errorf("finalize stack %s: %w", stackID, err)
		}
		if err := s.appendEventTx(ctx, tx, "stack", stackID, prev, status, "stack."+string(status), ""); err != nil {
			return err
		}
		if err := tx.Commit(); err != nil {
			return err
		}
		topic := bus.TopicStackDone
		if status == StackFailed {
			topic = bus.TopicStackFailed
		}
		s.publish(topic, bus.StackEvent{StackID: stackID, Status: string(status)})
		return nil
	})
}

// GetStack fetches a stack record.
func (s *Store) GetStack(ctx context.Context, stackID string) (*ExecutionStack, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT stack_id, status, initial_task_id, COALESCE(request_id, ''), context, trace, final_output, COALESCE(error, ''), created_at, finished_at
		FROM execution_stacks
		WHERE stack_id = ?;
	`, stackID)

	var (
		st       ExecutionStack
		ctxRaw   string
		trace    sql.NullString
		output   sql.NullString
		finished sql.NullTime
	)
	err := row.Scan(&st.StackID, &st.Status, &st.InitialTaskID, &st.RequestID, &ctxRaw, &trace, &output, &st.Error, &st.CreatedAt, &finished)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrStackNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get stack %s: %w", stackID, err)
	}
	if err := json.Unmarshal([]byte(ctxRaw), &st.Context); err != nil {
		return nil, fmt.Errorf("decode stack context: %w", err)
	}
	st.Context = st.Context.Normalize()
	if trace.Valid {
		st.Trace = json.RawMessage(trace.String)
	}
	if output.Valid {
		st.FinalOutput = json.RawMessage(output.String)
	}
	if finished.Valid {
		t := finished.Time
		st.FinishedAt = &t
	}
	return &st, nil
}

// StackEntries returns every row of a stack in queue_id order.
func (s *Store) StackEntries(ctx context.Context, stackID string) ([]StackQueueEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT queue_id, stack_id, task_id, depth, parent_queue_id, sequence, status,
			COALESCE(worker_id, ''), lease_expires_at, parameters, input_context,
			output, output_context, pushed_tasks, COALESCE(error_message, ''),
			enqueued_at, started_at, finished_at
		FROM stack_queue
		WHERE stack_id = ?
		ORDER BY queue_id ASC;
	`, stackID)
	if err != nil {
		return nil, fmt.Errorf("list stack entries: %w", err)
	}
	defer rows.Close()

	var out []StackQueueEntry
	for rows.Next() {
		entry, err := scanStackEntry(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan stack entry: %w", err)
		}
		out = append(out, *entry)
	}
	return out, rows.Err()
}

func getStackEntryTx(ctx context.Context, tx *sql.Tx, queueID int64) (*StackQueueEntry, error) {
	row := tx.QueryRowContext(ctx, `
		SELECT queue_id, stack_id, task_id, depth, parent_queue_id, sequence, status,
			COALESCE(worker_id, ''), lease_expires_at, parameters, input_context,
			output, output_context, pushed_tasks, COALESCE(error_message, ''),
			enqueued_at, started_at, finished_at
		FROM stack_queue
		WHERE queue_id = ?;
	`, queueID)
	return scanStackEntry(row.Scan)
}

func scanStackEntry(scanFn func(dest ...any) error) (*StackQueueEntry, error) {
	var (
		entry     StackQueueEntry
		parentID  sql.NullInt64
		lease     sql.NullTime
		paramsRaw string
		inputRaw  string
		outputRaw sql.NullString
		outCtxRaw sql.NullString
		pushedRaw sql.NullString
		started   sql.NullTime
		finished  sql.NullTime
	)
	if err := scanFn(
		&entry.QueueID,
		&entry.StackID,
		&entry.TaskID,
		&entry.Depth,
		&parentID,
		&entry.Sequence,
		&entry.Status,
		&entry.WorkerID,
		&lease,
		&paramsRaw,
		&inputRaw,
		&outputRaw,
		&outCtxRaw,
		&pushedRaw,
		&entry.ErrorMessage,
		&entry.EnqueuedAt,
		&started,
		&finished,
	); err != nil {
		return nil, err
	}
	if parentID.Valid {
		v := parentID.Int64
		entry.ParentQueueID = &v
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
	if err := json.Unmarshal([]byte(paramsRaw), &entry.Parameters); err != nil {
		return nil, fmt.Errorf("decode parameters: %w", err)
	}
	if err := json.Unmarshal([]byte(inputRaw), &entry.InputContext); err != nil {
		return nil, fmt.Errorf("decode input context: %w", err)
	}
	entry.InputContext = entry.InputContext.Normalize()
	if outputRaw.Valid {
		entry.Output = json.RawMessage(outputRaw.String)
	}
	if outCtxRaw.Valid {
		var c protocol.Context
		if err := json.Unmarshal([]byte(outCtxRaw.String), &c); err != nil {
			return nil, fmt.Errorf("decode output context: %w", err)
		}
		c = c.Normalize()
		entry.OutputContext = &c
	}
	if pushedRaw.Valid {
		if err := json.Unmarshal([]byte(pushedRaw.String), &entry.PushedTasks); err != nil {
			return nil, fmt.Errorf("decode pushed tasks: %w", err)
		}
	}
	return &entry, nil
}
