package cron

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/basket/go-runner/internal/persistence"
)

func openTestStore(t *testing.T) *persistence.Store {
	t.Helper()
	store, err := persistence.Open(filepath.Join(t.TempDir(), "tasks.db"), nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestNextRunTime(t *testing.T) {
	now := time.Date(2026, 3, 1, 10, 30, 0, 0, time.UTC)
	next, err := NextRunTime("0 12 * * *", now)
	if err != nil {
		t.Fatalf("NextRunTime: %v", err)
	}
	want := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	if !next.Equal(want) {
		t.Fatalf("next = %v, want %v", next, want)
	}
}

func TestNextRunTimeInvalid(t *testing.T) {
	if _, err := NextRunTime("not a cron", time.Now()); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestTickFiresDueSchedule(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)

	if err := store.UpsertTask(ctx, persistence.TaskDefinition{
		TaskID: "sync", Kind: persistence.KindShell, Code: "echo sync", Enabled: true,
	}); err != nil {
		t.Fatalf("upsert task: %v", err)
	}
	past := time.Now().Add(-time.Minute)
	if _, err := store.CreateSchedule(ctx, "auto-sync", "* * * * *", "sync", map[string]any{"mode": "full"}, past); err != nil {
		t.Fatalf("create schedule: %v", err)
	}

	s := NewScheduler(Config{Store: store})
	s.Tick(ctx)

	queued, _, err := store.QueueCounts(ctx)
	if err != nil {
		t.Fatalf("queue counts: %v", err)
	}
	if queued != 1 {
		t.Fatalf("expected one enqueued entry, got %d", queued)
	}

	// The schedule advanced: a second tick in the same minute fires nothing.
	s.Tick(ctx)
	queued, _, err = store.QueueCounts(ctx)
	if err != nil {
		t.Fatalf("queue counts: %v", err)
	}
	if queued != 1 {
		t.Fatalf("schedule did not advance, queued = %d", queued)
	}
}
