// Package requests is the graph-backed request store: agent-submitted
// TaskRequest nodes with priorities and dependency edges, and the
// CascadeRule nodes that synthesize new requests from source events.
package requests

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"

	"github.com/basket/go-runner/internal/config"
)

// Request statuses.
const (
	StatusPending   = "pending"
	StatusBlocked   = "blocked"
	StatusClaimed   = "claimed"
	StatusExecuting = "executing"
	StatusDone      = "done"
	StatusFailed    = "failed"
	StatusCancelled = "cancelled"
)

// Priority bounds. Out-of-range submissions are clamped, zero means default.
const (
	PriorityMin     = 1
	PriorityMax     = 1000
	PriorityDefault = 100
)

// ErrAlreadyExists is returned when a request_id is resubmitted.
var ErrAlreadyExists = errors.New("request already exists")

// ErrNotFound is returned for unknown request or rule ids.
var ErrNotFound = errors.New("not found")

// TaskRequest is an externally submitted, prioritized unit of work.
type TaskRequest struct {
	RequestID  string         `json:"request_id"`
	TaskID     string         `json:"task_id"`
	Parameters map[string]any `json:"parameters"`
	Priority   int            `json:"priority"`
	Requester  string         `json:"requester"`
	Status     string         `json:"status"`
	ClaimedBy  string         `json:"claimed_by,omitempty"`
	ResultRef  string         `json:"result_ref,omitempty"`
	Error      string         `json:"error,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
}

// Store wraps a Neo4j driver scoped to one database.
type Store struct {
	driver   neo4j.DriverWithContext
	database string
}

// NewStore connects to the request store.
func NewStore(ctx context.Context, cfg config.Neo4jConfig) (*Store, error) {
	driver, err := neo4j.NewDriverWithContext(cfg.URI, neo4j.BasicAuth(cfg.User, cfg.Password, ""))
	if err != nil {
		return nil, fmt.Errorf("create neo4j driver: %w", err)
	}
	if err := driver.VerifyConnectivity(ctx); err != nil {
		_ = driver.Close(ctx)
		return nil, fmt.Errorf("verify neo4j connectivity: %w", err)
	}
	database := cfg.Database
	if database == "" {
		database = config.DefaultNeo4jDatabase
	}
	return &Store{driver: driver, database: database}, nil
}

func (s *Store) Close(ctx context.Context) error {
	return s.driver.Close(ctx)
}

// run executes one Cypher statement and returns the eager result.
func (s *Store) run(ctx context.Context, query string, params map[string]any) (*neo4j.EagerResult, error) {
	return neo4j.ExecuteQuery(ctx, s.driver, query, params,
		neo4j.EagerResultTransformer,
		neo4j.ExecuteQueryWithDatabase(s.database))
}

// ClampPriority maps an arbitrary submitted priority into [1, 1000];
// zero (unset) becomes the default 100.
func ClampPriority(p int) int {
	if p == 0 {
		return PriorityDefault
	}
	if p < PriorityMin {
		return PriorityMin
	}
	if p > PriorityMax {
		return PriorityMax
	}
	return p
}
