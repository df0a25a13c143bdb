package requests

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
)

// SubmitOptions describes a new request.
type SubmitOptions struct {
	RequestID  string         // optional; generated when empty
	TaskID     string         // required
	Parameters map[string]any // JSON-encoded into the node
	Priority   int            // clamped into [1, 1000], 0 = default
	Requester  string
	DependsOn  []string // request_ids this one waits for
}

// Submit creates a TaskRequest. Initial status is blocked iff the
// request has dependencies. Resubmitting an existing request_id returns
// ErrAlreadyExists. A request depending on itself is rejected.
func (s *Store) Submit(ctx context.Context, opts SubmitOptions) (*TaskRequest, error) {
	if opts.TaskID == "" {
		return nil, fmt.Errorf("task_id required")
	}
	requestID := opts.RequestID
	if requestID == "" {
		requestID = uuid.NewString()
	}
	if slices.Contains(opts.DependsOn, requestID) {
		return nil, fmt.Errorf("request %s cannot depend on itself", requestID)
	}

	paramsJSON, err := json.Marshal(nonNilMap(opts.Parameters))
	if err != nil {
		return nil, fmt.Errorf("marshal parameters: %w", err)
	}
	status := StatusPending
	if len(opts.DependsOn) > 0 {
		status = StatusBlocked
	}

	_, err = s.run(ctx, `
		CREATE (r:TaskRequest {
			request_id: $request_id,
			task_id: $task_id,
			parameters: $parameters,
			priority: $priority,
			requester: $requester,
			status: $status,
			created_at: datetime()
		})
	`, map[string]any{
		"request_id": requestID,
		"task_id":    opts.TaskID,
		"parameters": string(paramsJSON),
		"priority":   ClampPriority(opts.Priority),
		"requester":  opts.Requester,
		"status":     status,
	})
	if err != nil {
		if isConstraintViolation(err) {
			return nil, fmt.Errorf("request %s: %w", requestID, ErrAlreadyExists)
		}
		return nil, fmt.Errorf("create request: %w", err)
	}

	for _, dep := range opts.DependsOn {
		result, err := s.run(ctx, `
			MATCH (r:TaskRequest {request_id: $request_id})
			MATCH (d:TaskRequest {request_id: $dep_id})
			MERGE (r)-[:DEPENDS_ON]->(d)
			RETURN d.request_id AS dep
		`, map[string]any{"request_id": requestID, "dep_id": dep})
		if err != nil {
			return nil, fmt.Errorf("link dependency %s: %w", dep, err)
		}
		if len(result.Records) == 0 {
			return nil, fmt.Errorf("dependency %s: %w", dep, ErrNotFound)
		}
	}

	return s.Get(ctx, requestID)
}

// Get fetches one request.
func (s *Store) Get(ctx context.Context, requestID string) (*TaskRequest, error) {
	result, err := s.run(ctx, `
		MATCH (r:TaskRequest {request_id: $request_id})
		RETURN r {
			.request_id, .task_id, .parameters, .priority, .requester,
			.status, .claimed_by, .result_ref, .error, .created_at
		} AS request
	`, map[string]any{"request_id": requestID})
	if err != nil {
		return nil, fmt.Errorf("get request: %w", err)
	}
	if len(result.Records) == 0 {
		return nil, fmt.Errorf("request %s: %w", requestID, ErrNotFound)
	}
	return recordToRequest(result.Records[0])
}

// ClaimNext atomically claims the highest-priority, oldest pending
// request with no DEPENDS_ON edge to a non-done request. Returns nil
// when nothing is claimable.
func (s *Store) ClaimNext(ctx context.Context, workerID string) (*TaskRequest, error) {
	result, err := s.run(ctx, `
		MATCH (r:TaskRequest)
		WHERE r.status = 'pending'
		AND NOT EXISTS {
			MATCH (r)-[:DEPENDS_ON]->(dep:TaskRequest)
			WHERE dep.status <> 'done'
		}
		WITH r
		ORDER BY r.priority DESC, r.created_at ASC
		LIMIT 1
		SET r.status = 'claimed',
			r.claimed_by = $worker_id,
			r.claimed_at = datetime()
		RETURN r {
			.request_id, .task_id, .parameters, .priority, .requester,
			.status, .claimed_by, .result_ref, .error, .created_at
		} AS request
	`, map[string]any{"worker_id": workerID})
	if err != nil {
		return nil, fmt.Errorf("claim request: %w", err)
	}
	if len(result.Records) == 0 {
		return nil, nil
	}
	return recordToRequest(result.Records[0])
}

// MarkExecuting transitions a claimed request to executing.
func (s *Store) MarkExecuting(ctx context.Context, requestID string) error {
	_, err := s.run(ctx, `
		MATCH (r:TaskRequest {request_id: $request_id})
		SET r.status = 'executing'
	`, map[string]any{"request_id": requestID})
	if err != nil {
		return fmt.Errorf("mark executing: %w", err)
	}
	return nil
}

// MarkDone records a successful completion and its result reference.
func (s *Store) MarkDone(ctx context.Context, requestID, resultRef string) error {
	_, err := s.run(ctx, `
		MATCH (r:TaskRequest {request_id: $request_id})
		SET r.status = 'done',
			r.finished_at = datetime(),
			r.result_ref = $result_ref
	`, map[string]any{"request_id": requestID, "result_ref": resultRef})
	if err != nil {
		return fmt.Errorf("mark done: %w", err)
	}
	return nil
}

// MarkFailed records a failure. Long errors are truncated.
func (s *Store) MarkFailed(ctx context.Context, requestID, errMsg string) error {
	if len(errMsg) > 2000 {
		errMsg = errMsg[:2000]
	}
	_, err := s.run(ctx, `
		MATCH (r:TaskRequest {request_id: $request_id})
		SET r.status = 'failed',
			r.finished_at = datetime(),
			r.error = $error
	`, map[string]any{"request_id": requestID, "error": errMsg})
	if err != nil {
		return fmt.Errorf("mark failed: %w", err)
	}
	return nil
}

// ResolveBlocked moves blocked requests whose dependencies are all done
// to pending, and returns the unblocked ids. Run defensively after every
// completion; re-pending an already pending row is a no-op.
func (s *Store) ResolveBlocked(ctx context.Context, completedRequestID string) ([]string, error) {
	result, err := s.run(ctx, `
		MATCH (waiting:TaskRequest)-[:DEPENDS_ON]->(completed:TaskRequest {request_id: $request_id})
		WHERE waiting.status = 'blocked'
		AND NOT EXISTS {
			MATCH (waiting)-[:DEPENDS_ON]->(other:TaskRequest)
			WHERE other.status <> 'done'
		}
		SET waiting.status = 'pending'
		RETURN waiting.request_id AS unblocked
	`, map[string]any{"request_id": completedRequestID})
	if err != nil {
		return nil, fmt.Errorf("resolve blocked: %w", err)
	}
	var unblocked []string
	for _, record := range result.Records {
		if v, ok := record.Get("unblocked"); ok {
			if id, ok := v.(string); ok {
				unblocked = append(unblocked, id)
			}
		}
	}
	return unblocked, nil
}

// Cancel cancels a pending or blocked request. Later states return an
// error naming the state.
func (s *Store) Cancel(ctx context.Context, requestID string) error {
	result, err := s.run(ctx, `
		MATCH (r:TaskRequest {request_id: $request_id})
		WITH r, r.status AS prev
		WHERE r.status IN ['pending', 'blocked']
		SET r.status = 'cancelled',
			r.finished_at = datetime(),
			r.error = 'Cancelled by user'
		RETURN prev
	`, map[string]any{"request_id": requestID})
	if err != nil {
		return fmt.Errorf("cancel request: %w", err)
	}
	if len(result.Records) > 0 {
		return nil
	}
	req, err := s.Get(ctx, requestID)
	if err != nil {
		return err
	}
	return fmt.Errorf("cannot cancel request in state %s", req.Status)
}

// Stats returns request counts keyed by status.
func (s *Store) Stats(ctx context.Context) (map[string]int64, error) {
	result, err := s.run(ctx, `
		MATCH (r:TaskRequest)
		RETURN r.status AS status, count(r) AS count
	`, nil)
	if err != nil {
		return nil, fmt.Errorf("request stats: %w", err)
	}
	stats := map[string]int64{}
	for _, record := range result.Records {
		status, _ := record.Get("status")
		count, _ := record.Get("count")
		name, ok := status.(string)
		if !ok {
			continue
		}
		if n, ok := count.(int64); ok {
			stats[name] = n
		}
	}
	return stats, nil
}

func recordToRequest(record *neo4j.Record) (*TaskRequest, error) {
	v, ok := record.Get("request")
	if !ok {
		return nil, fmt.Errorf("record missing request projection")
	}
	props, ok := v.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("unexpected request projection type %T", v)
	}

	req := &TaskRequest{
		RequestID: stringProp(props, "request_id"),
		TaskID:    stringProp(props, "task_id"),
		Requester: stringProp(props, "requester"),
		Status:    stringProp(props, "status"),
		ClaimedBy: stringProp(props, "claimed_by"),
		ResultRef: stringProp(props, "result_ref"),
		Error:     stringProp(props, "error"),
	}
	if p, ok := props["priority"].(int64); ok {
		req.Priority = int(p)
	}
	if raw := stringProp(props, "parameters"); raw != "" {
		if err := json.Unmarshal([]byte(raw), &req.Parameters); err != nil {
			return nil, fmt.Errorf("decode request parameters: %w", err)
		}
	}
	if req.Parameters == nil {
		req.Parameters = map[string]any{}
	}
	if t, ok := props["created_at"].(time.Time); ok {
		req.CreatedAt = t
	}
	return req, nil
}

func stringProp(props map[string]any, key string) string {
	if v, ok := props[key].(string); ok {
		return v
	}
	return ""
}

func nonNilMap(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}

func isConstraintViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "ConstraintValidationFailed") ||
		strings.Contains(msg, "already exists")
}
