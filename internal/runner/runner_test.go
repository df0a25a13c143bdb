package runner

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/basket/go-runner/internal/persistence"
	"github.com/basket/go-runner/internal/runs"
)

func newTestRunner(t *testing.T) (*Runner, *persistence.Store, string) {
	t.Helper()
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "tasks.db")
	store, err := persistence.Open(dbPath, nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	runsDir := filepath.Join(dir, "runs")
	r := New(Options{
		Store:    store,
		DBPath:   dbPath,
		RunsDir:  runsDir,
		Lease:    time.Minute,
		WorkerID: "test:1",
	})
	return r, store, runsDir
}

func registerTask(t *testing.T, store *persistence.Store, def persistence.TaskDefinition) {
	t.Helper()
	if def.TimeoutSeconds == 0 {
		def.TimeoutSeconds = 30
	}
	if err := store.UpsertTask(context.Background(), def); err != nil {
		t.Fatalf("register %s: %v", def.TaskID, err)
	}
}

// Scenario: a shell task with template defaults runs to done and emits
// a run artifact with one shell action and no fanout.
func TestRunOnceEchoSuccess(t *testing.T) {
	ctx := context.Background()
	r, store, runsDir := newTestRunner(t)
	registerTask(t, store, persistence.TaskDefinition{
		TaskID:            "echo",
		Kind:              persistence.KindShell,
		Code:              "echo 'Hi {who}'",
		DefaultParameters: map[string]any{"who": "World"},
		Enabled:           true,
	})
	qid, rid, err := store.Enqueue(ctx, "echo", nil, "")
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	outcome, err := r.RunOnce(ctx)
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if outcome != OutcomeRan {
		t.Fatalf("outcome = %v", outcome)
	}

	status, _ := store.QueueEntryStatus(ctx, qid)
	if status != persistence.StatusDone {
		t.Fatalf("status = %s", status)
	}

	artifact := filepath.Join(runsDir, "run_echo_"+rid[:8]+".json")
	data, err := os.ReadFile(artifact)
	if err != nil {
		t.Fatalf("read artifact: %v", err)
	}
	var rec runs.RunRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		t.Fatalf("decode artifact: %v", err)
	}
	if rec.Action.Kind != persistence.KindShell || rec.Action.ExitCode != 0 {
		t.Fatalf("action = %+v", rec.Action)
	}
	if !strings.Contains(rec.Action.Stdout.Value, "Hi World") {
		t.Fatalf("stdout = %q", rec.Action.Stdout.Value)
	}
	if len(rec.Fanouts) != 0 {
		t.Fatalf("fanouts = %+v", rec.Fanouts)
	}
	if rec.Status != persistence.StatusDone {
		t.Fatalf("record status = %s", rec.Status)
	}
}

func TestRunOnceNoTask(t *testing.T) {
	r, _, _ := newTestRunner(t)
	outcome, err := r.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if outcome != OutcomeNoTask {
		t.Fatalf("outcome = %v", outcome)
	}
}

func TestRunOnceKillSwitch(t *testing.T) {
	ctx := context.Background()
	r, store, _ := newTestRunner(t)
	registerTask(t, store, persistence.TaskDefinition{
		TaskID: "echo", Kind: persistence.KindShell, Code: "echo hi", Enabled: true,
	})
	if _, _, err := store.Enqueue(ctx, "echo", nil, ""); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if err := store.SetControlFlag(ctx, persistence.FlagKillAll, "1"); err != nil {
		t.Fatalf("set flag: %v", err)
	}

	outcome, err := r.RunOnce(ctx)
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if outcome != OutcomeKilled {
		t.Fatalf("outcome = %v", outcome)
	}
	queued, running, _ := store.QueueCounts(ctx)
	if queued != 1 || running != 0 {
		t.Fatalf("kill switch must not claim: %d/%d", queued, running)
	}
}

func TestRunOncePaused(t *testing.T) {
	ctx := context.Background()
	r, store, _ := newTestRunner(t)
	registerTask(t, store, persistence.TaskDefinition{
		TaskID: "echo", Kind: persistence.KindShell, Code: "echo hi", Enabled: true,
	})
	if _, _, err := store.Enqueue(ctx, "echo", nil, ""); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if err := store.SetControlFlag(ctx, persistence.FlagPauseNewTasks, "1"); err != nil {
		t.Fatalf("set flag: %v", err)
	}

	outcome, err := r.RunOnce(ctx)
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if outcome != OutcomeNoTask {
		t.Fatalf("outcome = %v", outcome)
	}
}

func TestRunOnceMissingDefinitionFails(t *testing.T) {
	ctx := context.Background()
	r, store, _ := newTestRunner(t)
	qid, _, err := store.Enqueue(ctx, "ghost", nil, "")
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	if _, err := r.RunOnce(ctx); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	status, _ := store.QueueEntryStatus(ctx, qid)
	if status != persistence.StatusFailed {
		t.Fatalf("status = %s", status)
	}
}

func TestRunOnceDisabledDefinitionCancelled(t *testing.T) {
	ctx := context.Background()
	r, store, _ := newTestRunner(t)
	registerTask(t, store, persistence.TaskDefinition{
		TaskID: "off", Kind: persistence.KindShell, Code: "echo hi", Enabled: false,
	})
	qid, _, _ := store.Enqueue(ctx, "off", nil, "")

	if _, err := r.RunOnce(ctx); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	status, _ := store.QueueEntryStatus(ctx, qid)
	if status != persistence.StatusCancelled {
		t.Fatalf("status = %s", status)
	}
}

func TestRunOnceFailureExitCode(t *testing.T) {
	ctx := context.Background()
	r, store, _ := newTestRunner(t)
	registerTask(t, store, persistence.TaskDefinition{
		TaskID: "boom", Kind: persistence.KindShell, Code: "exit 9", Enabled: true,
	})
	qid, _, _ := store.Enqueue(ctx, "boom", nil, "")
	// Failed runs never fan out.
	if _, err := store.AddFanout(ctx, qid, "boom", nil, nil); err != nil {
		t.Fatalf("add fanout: %v", err)
	}

	if _, err := r.RunOnce(ctx); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	status, _ := store.QueueEntryStatus(ctx, qid)
	if status != persistence.StatusFailed {
		t.Fatalf("status = %s", status)
	}
	fanouts, _ := store.FanoutsForParent(ctx, qid)
	if len(fanouts) != 1 || fanouts[0].Processed {
		t.Fatalf("fanout of failed run must stay unprocessed: %+v", fanouts)
	}
}

// Scenario: a cancel landing while the child runs overrides the final
// status; the artifact still carries the action record.
func TestRunOnceCancellationOverride(t *testing.T) {
	ctx := context.Background()
	r, store, runsDir := newTestRunner(t)
	registerTask(t, store, persistence.TaskDefinition{
		TaskID: "slow", Kind: persistence.KindShell, Code: "sleep 1", Enabled: true,
	})
	qid, rid, _ := store.Enqueue(ctx, "slow", nil, "")

	go func() {
		time.Sleep(200 * time.Millisecond)
		_, _ = store.CancelQueueEntry(context.Background(), qid)
	}()

	if _, err := r.RunOnce(ctx); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	status, _ := store.QueueEntryStatus(ctx, qid)
	if status != persistence.StatusCancelled {
		t.Fatalf("status = %s", status)
	}

	data, err := os.ReadFile(filepath.Join(runsDir, "run_slow_"+rid[:8]+".json"))
	if err != nil {
		t.Fatalf("artifact missing: %v", err)
	}
	var rec runs.RunRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		t.Fatalf("decode artifact: %v", err)
	}
	if rec.Status != persistence.StatusCancelled {
		t.Fatalf("artifact status = %s", rec.Status)
	}
	if rec.Action.ExitCode != 0 {
		t.Fatalf("action exit = %d", rec.Action.ExitCode)
	}
}

func TestRunOnceFanout(t *testing.T) {
	ctx := context.Background()
	r, store, _ := newTestRunner(t)
	registerTask(t, store, persistence.TaskDefinition{
		TaskID: "parent", Kind: persistence.KindShell, Code: "echo parent", Enabled: true,
	})
	registerTask(t, store, persistence.TaskDefinition{
		TaskID: "child", Kind: persistence.KindShell, Code: "echo child", Enabled: true,
	})
	parentQID, _, _ := store.Enqueue(ctx, "parent", nil, "")
	if _, err := store.AddFanout(ctx, parentQID, "child", nil, map[string]any{"from": "parent"}); err != nil {
		t.Fatalf("add fanout: %v", err)
	}

	if _, err := r.RunOnce(ctx); err != nil {
		t.Fatalf("RunOnce parent: %v", err)
	}

	queued, _, _ := store.QueueCounts(ctx)
	if queued != 1 {
		t.Fatalf("expected fanout child queued, got %d", queued)
	}

	// The next invocation picks up the child FIFO.
	if _, err := r.RunOnce(ctx); err != nil {
		t.Fatalf("RunOnce child: %v", err)
	}
	queued, running, _ := store.QueueCounts(ctx)
	if queued != 0 || running != 0 {
		t.Fatalf("queue not drained: %d/%d", queued, running)
	}
}
