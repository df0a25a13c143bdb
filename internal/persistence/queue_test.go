package persistence_test

import (
	"context"
	"testing"
	"time"

	"github.com/basket/go-runner/internal/persistence"
)

func seedTask(t *testing.T, store *persistence.Store, taskID string) {
	t.Helper()
	err := store.UpsertTask(context.Background(), persistence.TaskDefinition{
		TaskID:  taskID,
		Kind:    persistence.KindShell,
		Code:    "echo " + taskID,
		Enabled: true,
	})
	if err != nil {
		t.Fatalf("seed task %s: %v", taskID, err)
	}
}

func TestEnqueueAndClaimFIFO(t *testing.T) {
	ctx := context.Background()
	store, _ := openTestStore(t)
	seedTask(t, store, "a")
	seedTask(t, store, "b")

	qa, _, err := store.Enqueue(ctx, "a", nil, "")
	if err != nil {
		t.Fatalf("enqueue a: %v", err)
	}
	qb, _, err := store.Enqueue(ctx, "b", map[string]any{"n": 1}, "")
	if err != nil {
		t.Fatalf("enqueue b: %v", err)
	}
	if qb <= qa {
		t.Fatalf("queue ids must be monotonic: %d then %d", qa, qb)
	}

	first, err := store.ClaimNextQueueEntry(ctx, "w1", time.Minute)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if first == nil || first.QueueID != qa {
		t.Fatalf("FIFO violated: claimed %+v, want queue_id %d", first, qa)
	}
	if first.Status != persistence.StatusRunning || first.WorkerID != "w1" {
		t.Fatalf("claimed row = %+v", first)
	}
	if first.LeaseExpiresAt == nil || first.StartedAt == nil {
		t.Fatal("claim must set lease and started_at")
	}

	second, err := store.ClaimNextQueueEntry(ctx, "w1", time.Minute)
	if err != nil {
		t.Fatalf("claim second: %v", err)
	}
	if second == nil || second.QueueID != qb {
		t.Fatalf("expected second claim %d, got %+v", qb, second)
	}

	third, err := store.ClaimNextQueueEntry(ctx, "w1", time.Minute)
	if err != nil {
		t.Fatalf("claim third: %v", err)
	}
	if third != nil {
		t.Fatalf("expected empty queue, claimed %+v", third)
	}
}

func TestEnqueueIdempotentOnRequestID(t *testing.T) {
	ctx := context.Background()
	store, _ := openTestStore(t)
	seedTask(t, store, "a")

	q1, rid, err := store.Enqueue(ctx, "a", nil, "req-1")
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if rid != "req-1" {
		t.Fatalf("request id = %q", rid)
	}
	q2, _, err := store.Enqueue(ctx, "a", nil, "req-1")
	if err != nil {
		t.Fatalf("re-enqueue: %v", err)
	}
	if q1 != q2 {
		t.Fatalf("duplicate request_id created a second row: %d vs %d", q1, q2)
	}
}

func TestLeaseExpiryStealing(t *testing.T) {
	ctx := context.Background()
	store, _ := openTestStore(t)
	seedTask(t, store, "a")
	qid, _, _ := store.Enqueue(ctx, "a", nil, "")

	claimed, err := store.ClaimNextQueueEntry(ctx, "w1", 10*time.Millisecond)
	if err != nil || claimed == nil {
		t.Fatalf("first claim: %v %v", claimed, err)
	}
	firstStart := *claimed.StartedAt

	// Not yet expired: a second worker sees nothing.
	if again, _ := store.ClaimNextQueueEntry(ctx, "w2", time.Minute); again != nil {
		t.Fatalf("unexpired lease was stolen: %+v", again)
	}

	time.Sleep(50 * time.Millisecond)

	stolen, err := store.ClaimNextQueueEntry(ctx, "w2", time.Minute)
	if err != nil {
		t.Fatalf("steal: %v", err)
	}
	if stolen == nil || stolen.QueueID != qid {
		t.Fatalf("expected steal of %d, got %+v", qid, stolen)
	}
	if stolen.WorkerID != "w2" {
		t.Fatalf("steal must rewrite worker_id, got %q", stolen.WorkerID)
	}
	if !stolen.StartedAt.After(firstStart) {
		t.Fatalf("steal must rewrite started_at: %v !> %v", stolen.StartedAt, firstStart)
	}
}

func TestFinalizeClearsLeaseAndIsTerminal(t *testing.T) {
	ctx := context.Background()
	store, _ := openTestStore(t)
	seedTask(t, store, "a")
	qid, _, _ := store.Enqueue(ctx, "a", nil, "")
	if _, err := store.ClaimNextQueueEntry(ctx, "w1", time.Minute); err != nil {
		t.Fatalf("claim: %v", err)
	}

	if err := store.FinalizeQueueEntry(ctx, qid, persistence.StatusDone); err != nil {
		t.Fatalf("finalize: %v", err)
	}
	entry, err := store.GetQueueEntry(ctx, qid)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if entry.Status != persistence.StatusDone {
		t.Fatalf("status = %s", entry.Status)
	}
	if entry.LeaseExpiresAt != nil {
		t.Fatal("finalize must clear the lease")
	}
	if entry.FinishedAt == nil {
		t.Fatal("finalize must stamp finished_at")
	}

	// Terminal immutability: a late finalize with another status is a no-op.
	if err := store.FinalizeQueueEntry(ctx, qid, persistence.StatusFailed); err != nil {
		t.Fatalf("late finalize: %v", err)
	}
	entry, _ = store.GetQueueEntry(ctx, qid)
	if entry.Status != persistence.StatusDone {
		t.Fatalf("terminal status changed to %s", entry.Status)
	}
}

func TestCancelQueueEntry(t *testing.T) {
	ctx := context.Background()
	store, _ := openTestStore(t)
	seedTask(t, store, "a")
	qid, _, _ := store.Enqueue(ctx, "a", nil, "")

	ok, err := store.CancelQueueEntry(ctx, qid)
	if err != nil || !ok {
		t.Fatalf("cancel queued: %v %v", ok, err)
	}
	status, _ := store.QueueEntryStatus(ctx, qid)
	if status != persistence.StatusCancelled {
		t.Fatalf("status = %s", status)
	}

	// Cancelled rows are not claimable.
	if claimed, _ := store.ClaimNextQueueEntry(ctx, "w1", time.Minute); claimed != nil {
		t.Fatalf("cancelled row claimed: %+v", claimed)
	}
	// And cannot be cancelled twice.
	ok, err = store.CancelQueueEntry(ctx, qid)
	if err != nil {
		t.Fatalf("re-cancel: %v", err)
	}
	if ok {
		t.Fatal("terminal row reported cancellable")
	}
}

func TestProcessFanoutsExistingTask(t *testing.T) {
	ctx := context.Background()
	store, _ := openTestStore(t)
	seedTask(t, store, "parent")
	seedTask(t, store, "child")

	parentQID, _, _ := store.Enqueue(ctx, "parent", nil, "")
	if _, err := store.AddFanout(ctx, parentQID, "child", nil, map[string]any{"n": 2}); err != nil {
		t.Fatalf("add fanout: %v", err)
	}

	children, err := store.ProcessFanouts(ctx, parentQID)
	if err != nil {
		t.Fatalf("process fanouts: %v", err)
	}
	if len(children) != 1 || children[0].TaskID != "child" {
		t.Fatalf("children = %+v", children)
	}

	entry, err := store.GetQueueEntry(ctx, children[0].QueueID)
	if err != nil {
		t.Fatalf("get child: %v", err)
	}
	if entry.Parameters["n"] != 2.0 {
		t.Fatalf("child parameters = %#v", entry.Parameters)
	}

	// Fanouts are processed exactly once.
	again, err := store.ProcessFanouts(ctx, parentQID)
	if err != nil {
		t.Fatalf("re-process: %v", err)
	}
	if len(again) != 0 {
		t.Fatalf("fanout processed twice: %+v", again)
	}
	records, _ := store.FanoutsForParent(ctx, parentQID)
	if len(records) != 1 || !records[0].Processed {
		t.Fatalf("fanout records = %+v", records)
	}
}

func TestProcessFanoutsInlineDefinition(t *testing.T) {
	ctx := context.Background()
	store, _ := openTestStore(t)
	seedTask(t, store, "parent")
	parentQID, _, _ := store.Enqueue(ctx, "parent", nil, "")

	inline := &persistence.TaskDefinition{
		Kind: persistence.KindShell,
		Code: "echo inline",
	}
	if _, err := store.AddFanout(ctx, parentQID, "", inline, nil); err != nil {
		t.Fatalf("add inline fanout: %v", err)
	}
	children, err := store.ProcessFanouts(ctx, parentQID)
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if len(children) != 1 || !children[0].Ephemeral {
		t.Fatalf("children = %+v", children)
	}
	def, err := store.GetTask(ctx, children[0].TaskID)
	if err != nil {
		t.Fatalf("ephemeral definition missing: %v", err)
	}
	if def.Code != "echo inline" || !def.Enabled {
		t.Fatalf("ephemeral definition = %+v", def)
	}
}

func TestQueueEventsJournal(t *testing.T) {
	ctx := context.Background()
	store, _ := openTestStore(t)
	seedTask(t, store, "a")
	qid, _, _ := store.Enqueue(ctx, "a", nil, "")
	if _, err := store.ClaimNextQueueEntry(ctx, "w1", time.Minute); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if err := store.FinalizeQueueEntry(ctx, qid, persistence.StatusDone); err != nil {
		t.Fatalf("finalize: %v", err)
	}

	count, err := store.EventCount(ctx, "queue", "1")
	if err != nil {
		t.Fatalf("event count: %v", err)
	}
	// enqueued, claimed, done.
	if count != 3 {
		t.Fatalf("expected 3 journal events, got %d", count)
	}
}
