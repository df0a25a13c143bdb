package bootstrap

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/basket/go-runner/internal/persistence"
)

func openTestStore(t *testing.T) (*persistence.Store, string) {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "tasks.db")
	store, err := persistence.Open(dbPath, nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store, dbPath
}

func TestSeedDefaults(t *testing.T) {
	ctx := context.Background()
	store, _ := openTestStore(t)

	n, err := SeedDefaults(ctx, store)
	if err != nil {
		t.Fatalf("SeedDefaults: %v", err)
	}
	if n != len(DefaultCatalog()) {
		t.Fatalf("seeded %d, want %d", n, len(DefaultCatalog()))
	}
	def, err := store.GetTask(ctx, "echo")
	if err != nil {
		t.Fatalf("get echo: %v", err)
	}
	if def.DefaultParameters["who"] != "World" {
		t.Fatalf("echo defaults = %#v", def.DefaultParameters)
	}
}

func TestSeedFromYAML(t *testing.T) {
	ctx := context.Background()
	store, _ := openTestStore(t)

	seed := `
- task_id: convert_csv
  kind: interpreted_file
  code: tasks/convert_csv.py
  default_parameters:
    delimiter: ","
  timeout_seconds: 120
- task_id: disabled_task
  kind: shell
  code: echo nope
  enabled: false
`
	path := filepath.Join(t.TempDir(), "seed.yaml")
	if err := os.WriteFile(path, []byte(seed), 0o644); err != nil {
		t.Fatalf("write seed: %v", err)
	}

	n, err := Seed(ctx, store, path)
	if err != nil {
		t.Fatalf("Seed: %v", err)
	}
	if n != 2 {
		t.Fatalf("seeded %d entries", n)
	}

	def, err := store.GetTask(ctx, "convert_csv")
	if err != nil {
		t.Fatalf("get convert_csv: %v", err)
	}
	if def.Kind != persistence.KindInterpretedFile || def.TimeoutSeconds != 120 {
		t.Fatalf("definition = %+v", def)
	}
	disabled, err := store.GetTask(ctx, "disabled_task")
	if err != nil {
		t.Fatalf("get disabled_task: %v", err)
	}
	if disabled.Enabled {
		t.Fatal("enabled=false should persist")
	}
}

func TestSeedRejectsInvalidKind(t *testing.T) {
	ctx := context.Background()
	store, _ := openTestStore(t)

	seed := "- task_id: bad\n  kind: binary\n  code: whatever\n"
	path := filepath.Join(t.TempDir(), "seed.yaml")
	if err := os.WriteFile(path, []byte(seed), 0o644); err != nil {
		t.Fatalf("write seed: %v", err)
	}
	if _, err := Seed(ctx, store, path); err == nil || !strings.Contains(err.Error(), "invalid") {
		t.Fatalf("expected validation error, got %v", err)
	}
	if _, err := store.GetTask(ctx, "bad"); err == nil {
		t.Fatal("invalid seed must not write any definition")
	}
}

func TestReset(t *testing.T) {
	store, dbPath := openTestStore(t)
	_ = store.Close()
	if err := Reset(dbPath); err != nil {
		t.Fatalf("Reset: %v", err)
	}
	if _, err := os.Stat(dbPath); !os.IsNotExist(err) {
		t.Fatalf("db file still present: %v", err)
	}
}
