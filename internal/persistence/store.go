// Package persistence is the local durable store for the runner: the
// task catalog, the single-shot queue with fanout and control flags,
// execution stacks with their LIFO queue, schedules, and an append-only
// event journal. All claim operations are compare-and-swap transactions
// so multiple worker processes can share one database file.
package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"math/rand/v2"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"github.com/basket/go-runner/internal/bus"
	"github.com/basket/go-runner/internal/shared"
)

const (
	schemaVersionV1  = 1
	schemaChecksumV1 = "runner-v1-queue-stack-schema"

	// v2 adds schedules + task_events (recurring enqueue and journal).
	schemaVersionV2  = 2
	schemaChecksumV2 = "runner-v2-schedules-events"

	schemaVersionLatest  = schemaVersionV2
	schemaChecksumLatest = schemaChecksumV2
)

// Queue/stack row statuses. Shared between task_queue and stack_queue.
type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusDone      Status = "done"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Stack statuses.
const (
	StackRunning Status = "running"
	StackDone    Status = "done"
	StackFailed  Status = "failed"
)

// IsTerminal reports whether a queue/stack row status is final.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusDone, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

var allowedTransitions = map[Status]map[Status]struct{}{
	StatusQueued: {
		StatusRunning:   {},
		StatusCancelled: {},
	},
	StatusRunning: {
		StatusDone:      {},
		StatusFailed:    {},
		StatusCancelled: {},
		StatusRunning:   {}, // lease steal rewrites the claim
	},
}

func canTransition(from, to Status) bool {
	next, ok := allowedTransitions[from]
	if !ok {
		return false
	}
	_, ok = next[to]
	return ok
}

// Control flag keys. Read before every claim.
const (
	FlagKillAll       = "kill_all"
	FlagPauseNewTasks = "pause_new_tasks"
)

// Store wraps the SQLite database.
type Store struct {
	db  *sql.DB
	bus *bus.Bus // may be nil in tests and one-shot commands
}

// Open opens (creating if needed) the store at path and brings the
// schema up to date.
func Open(path string, eventBus *bus.Bus) (*Store, error) {
	if path == "" {
		path = "./tasks.db"
	}
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create db directory: %w", err)
		}
	}

	dsn := fmt.Sprintf("%s?_busy_timeout=5000&_foreign_keys=on", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite3: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	store := &Store{db: db, bus: eventBus}
	if err := store.configurePragmas(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := store.initSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func (s *Store) DB() *sql.DB {
	return s.db
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) publish(topic string, payload any) {
	if s.bus != nil {
		s.bus.Publish(topic, payload)
	}
}

// retryOnBusy retries f when SQLite returns BUSY or LOCKED, using
// exponential backoff with bounded jitter on top of the driver's
// busy_timeout.
func retryOnBusy(ctx context.Context, maxRetries int, f func() error) error {
	const baseDelay = 50 * time.Millisecond
	const maxDelay = 500 * time.Millisecond

	var err error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		err = f()
		if err == nil {
			return nil
		}
		if !isSQLiteBusy(err) {
			return err
		}
		if attempt == maxRetries {
			return err
		}
		delay := baseDelay << uint(attempt)
		if delay > maxDelay {
			delay = maxDelay
		}
		jitter := time.Duration(rand.IntN(int(delay / 2)))
		delay = delay - delay/4 + jitter

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return err
}

// isSQLiteBusy checks if an error is a SQLite BUSY (5) or LOCKED (6) error.
func isSQLiteBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked") ||
		strings.Contains(msg, "(5)") || // SQLITE_BUSY
		strings.Contains(msg, "(6)") // SQLITE_LOCKED
}

func (s *Store) configurePragmas(ctx context.Context) error {
	pragma := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=FULL;",
	}
	for _, q := range pragma {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("set pragma %q: %w", q, err)
		}
	}
	return nil
}

func (s *Store) initSchema(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin migration tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			checksum TEXT NOT NULL,
			applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);
	`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	var maxVersion int
	if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0) FROM schema_migrations;`).Scan(&maxVersion); err != nil {
		return fmt.Errorf("read migration max version: %w", err)
	}
	if maxVersion > schemaVersionLatest {
		return fmt.Errorf("db schema version %d is newer than supported %d", maxVersion, schemaVersionLatest)
	}

	if maxVersion == schemaVersionLatest {
		var existingChecksum string
		if err := tx.QueryRowContext(ctx, `SELECT checksum FROM schema_migrations WHERE version = ?;`, schemaVersionLatest).Scan(&existingChecksum); err != nil {
			return fmt.Errorf("read schema migration checksum: %w", err)
		}
		if existingChecksum != schemaChecksumLatest {
			return fmt.Errorf("schema checksum mismatch for version %d: got %q want %q", schemaVersionLatest, existingChecksum, schemaChecksumLatest)
		}
		if err := s.applyBackfillsTx(ctx, tx); err != nil {
			return err
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration tx: %w", err)
		}
		return nil
	}

	if maxVersion == schemaVersionV1 {
		var existingChecksum string
		if err := tx.QueryRowContext(ctx, `SELECT checksum FROM schema_migrations WHERE version = ?;`, schemaVersionV1).Scan(&existingChecksum); err != nil {
			return fmt.Errorf("read schema migration checksum: %w", err)
		}
		if existingChecksum != schemaChecksumV1 {
			return fmt.Errorf("schema checksum mismatch for version %d: got %q want %q", schemaVersionV1, existingChecksum, schemaChecksumV1)
		}
	}

	// Phase 1: tables.
	tableStatements := []string{
		`CREATE TABLE IF NOT EXISTS tasks (
			task_id TEXT PRIMARY KEY,
			kind TEXT NOT NULL CHECK(kind IN ('shell', 'interpreted_inline', 'interpreted_file')),
			code TEXT NOT NULL,
			default_parameters JSON NOT NULL DEFAULT '{}',
			working_directory TEXT,
			environment_overrides JSON NOT NULL DEFAULT '{}',
			timeout_seconds INTEGER NOT NULL DEFAULT 300,
			enabled INTEGER NOT NULL DEFAULT 1,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
		`CREATE TABLE IF NOT EXISTS task_queue (
			queue_id INTEGER PRIMARY KEY AUTOINCREMENT,
			request_id TEXT NOT NULL UNIQUE,
			task_id TEXT NOT NULL,
			parameters JSON NOT NULL DEFAULT '{}',
			status TEXT NOT NULL DEFAULT 'queued' CHECK(status IN ('queued', 'running', 'done', 'failed', 'cancelled')),
			worker_id TEXT,
			lease_expires_at DATETIME,
			enqueued_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			started_at DATETIME,
			finished_at DATETIME
		);`,
		`CREATE TABLE IF NOT EXISTS task_fanout (
			fanout_id INTEGER PRIMARY KEY AUTOINCREMENT,
			parent_queue_id INTEGER NOT NULL REFERENCES task_queue(queue_id),
			task_id TEXT,
			inline_definition JSON,
			parameters JSON NOT NULL DEFAULT '{}',
			processed INTEGER NOT NULL DEFAULT 0,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
		`CREATE TABLE IF NOT EXISTS control_flags (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
		`CREATE TABLE IF NOT EXISTS execution_stacks (
			stack_id TEXT PRIMARY KEY,
			status TEXT NOT NULL DEFAULT 'running' CHECK(status IN ('running', 'done', 'failed')),
			initial_task_id TEXT NOT NULL,
			request_id TEXT UNIQUE,
			context JSON NOT NULL DEFAULT '{}',
			trace JSON,
			final_output JSON,
			error TEXT,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			finished_at DATETIME
		);`,
		`CREATE TABLE IF NOT EXISTS stack_queue (
			queue_id INTEGER PRIMARY KEY AUTOINCREMENT,
			stack_id TEXT NOT NULL REFERENCES execution_stacks(stack_id),
			task_id TEXT NOT NULL,
			depth INTEGER NOT NULL DEFAULT 0,
			parent_queue_id INTEGER,
			sequence INTEGER NOT NULL DEFAULT 0,
			status TEXT NOT NULL DEFAULT 'queued' CHECK(status IN ('queued', 'running', 'done', 'failed', 'cancelled')),
			worker_id TEXT,
			lease_expires_at DATETIME,
			parameters JSON NOT NULL DEFAULT '{}',
			input_context JSON NOT NULL DEFAULT '{}',
			output JSON,
			output_context JSON,
			pushed_tasks JSON,
			error_message TEXT,
			enqueued_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			started_at DATETIME,
			finished_at DATETIME
		);`,
		// v2: recurring enqueue.
		`CREATE TABLE IF NOT EXISTS schedules (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			cron_expr TEXT NOT NULL,
			task_id TEXT NOT NULL,
			parameters JSON NOT NULL DEFAULT '{}',
			enabled INTEGER NOT NULL DEFAULT 1,
			next_run_at DATETIME,
			last_run_at DATETIME,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
		// v2: append-only journal of queue/stack transitions.
		`CREATE TABLE IF NOT EXISTS task_events (
			event_id INTEGER PRIMARY KEY AUTOINCREMENT,
			entity TEXT NOT NULL,
			entity_id TEXT NOT NULL,
			trace_id TEXT,
			event_type TEXT NOT NULL,
			state_from TEXT,
			state_to TEXT NOT NULL,
			payload_json TEXT NOT NULL DEFAULT '{}',
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
	}
	for _, stmt := range tableStatements {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("exec migration: %w", err)
		}
	}

	// Phase 2: backfills for databases created before request_id existed.
	if err := s.applyBackfillsTx(ctx, tx); err != nil {
		return err
	}

	// Phase 3: indexes.
	indexStatements := []string{
		`CREATE INDEX IF NOT EXISTS idx_task_queue_status ON task_queue(status, queue_id);`,
		`CREATE INDEX IF NOT EXISTS idx_task_queue_lease ON task_queue(lease_expires_at);`,
		`CREATE INDEX IF NOT EXISTS idx_task_fanout_parent ON task_fanout(parent_queue_id, processed);`,
		`CREATE INDEX IF NOT EXISTS idx_stack_queue_claim ON stack_queue(stack_id, status, queue_id);`,
		`CREATE INDEX IF NOT EXISTS idx_schedules_next_run ON schedules(enabled, next_run_at);`,
		`CREATE INDEX IF NOT EXISTS idx_task_events_entity ON task_events(entity, entity_id, event_id);`,
	}
	for _, stmt := range indexStatements {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("exec migration index: %w", err)
		}
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT OR REPLACE INTO schema_migrations (version, checksum)
		VALUES (?, ?);
	`, schemaVersionLatest, schemaChecksumLatest); err != nil {
		return fmt.Errorf("insert schema migration ledger: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit migration tx: %w", err)
	}
	return nil
}

// applyBackfillsTx adds columns missing from legacy databases and
// backfills identifiers. Re-runnable: duplicate-column errors are
// treated as already-applied.
func (s *Store) applyBackfillsTx(ctx context.Context, tx *sql.Tx) error {
	alterStatements := []struct {
		stmt string
		desc string
	}{
		{stmt: `ALTER TABLE task_queue ADD COLUMN request_id TEXT;`, desc: "task_queue.request_id"},
		{stmt: `ALTER TABLE execution_stacks ADD COLUMN request_id TEXT;`, desc: "execution_stacks.request_id"},
		{stmt: `ALTER TABLE tasks ADD COLUMN working_directory TEXT;`, desc: "tasks.working_directory"},
		{stmt: `ALTER TABLE tasks ADD COLUMN environment_overrides JSON NOT NULL DEFAULT '{}';`, desc: "tasks.environment_overrides"},
	}
	for _, a := range alterStatements {
		if _, err := tx.ExecContext(ctx, a.stmt); err != nil && !strings.Contains(err.Error(), "duplicate column name") {
			return fmt.Errorf("add %s: %w", a.desc, err)
		}
	}

	// Backfill request_id on rows that predate it.
	rows, err := tx.QueryContext(ctx, `SELECT queue_id FROM task_queue WHERE request_id IS NULL OR request_id = '';`)
	if err != nil {
		return fmt.Errorf("query rows missing request_id: %w", err)
	}
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			_ = rows.Close()
			return fmt.Errorf("scan queue_id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return fmt.Errorf("iterate rows missing request_id: %w", err)
	}
	_ = rows.Close()
	for _, id := range ids {
		if _, err := tx.ExecContext(ctx, `UPDATE task_queue SET request_id = ? WHERE queue_id = ?;`, uuid.NewString(), id); err != nil {
			return fmt.Errorf("backfill request_id for queue %d: %w", id, err)
		}
	}
	return nil
}

func (s *Store) appendEventTx(ctx context.Context, tx *sql.Tx, entity, entityID string, from, to Status, eventType, payload string) error {
	if payload == "" {
		payload = "{}"
	}
	traceID := shared.TraceID(ctx)
	_, err := tx.ExecContext(ctx, `
		INSERT INTO task_events (entity, entity_id, trace_id, event_type, state_from, state_to, payload_json, created_at)
		VALUES (?, ?, NULLIF(?, '-'), ?, NULLIF(?, ''), ?, ?, CURRENT_TIMESTAMP);
	`, entity, entityID, traceID, eventType, string(from), string(to), payload)
	if err != nil {
		return fmt.Errorf("insert task_event: %w", err)
	}
	return nil
}

// SetControlFlag sets a global control flag (kill_all, pause_new_tasks).
func (s *Store) SetControlFlag(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO control_flags (key, value, updated_at)
		VALUES (?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = CURRENT_TIMESTAMP;
	`, key, value)
	if err != nil {
		return fmt.Errorf("set control flag: %w", err)
	}
	return nil
}

// ControlFlag reads a control flag. Missing keys read as empty.
func (s *Store) ControlFlag(ctx context.Context, key string) (string, error) {
	var val string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM control_flags WHERE key = ?;`, key).Scan(&val)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("read control flag: %w", err)
	}
	return val, nil
}

// FlagSet reports whether a control flag reads as "1".
func (s *Store) FlagSet(ctx context.Context, key string) (bool, error) {
	v, err := s.ControlFlag(ctx, key)
	if err != nil {
		return false, err
	}
	return v == "1", nil
}

// EventCount returns the number of journal events for an entity.
func (s *Store) EventCount(ctx context.Context, entity, entityID string) (int64, error) {
	var count int64
	if err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(1) FROM task_events WHERE entity = ? AND entity_id = ?;
	`, entity, entityID).Scan(&count); err != nil {
		return 0, fmt.Errorf("event count: %w", err)
	}
	return count, nil
}
