package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("RUNNER_HOME", t.TempDir())
	for _, k := range []string{"TASK_DB", "RUNS_DIR", "TASK_LEASE_SECONDS", "NEO4J_URI", "NEO4J_USER", "NEO4J_PASSWORD", "NEO4J_DATABASE"} {
		t.Setenv(k, "")
		os.Unsetenv(k)
	}

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.DBPath != DefaultDBPath {
		t.Fatalf("db path = %q", cfg.DBPath)
	}
	if cfg.RunsDir != DefaultRunsDir {
		t.Fatalf("runs dir = %q", cfg.RunsDir)
	}
	if cfg.LeaseSeconds != DefaultLeaseSeconds {
		t.Fatalf("lease = %d", cfg.LeaseSeconds)
	}
	if cfg.Neo4j.URI != DefaultNeo4jURI || cfg.Neo4j.User != DefaultNeo4jUser || cfg.Neo4j.Database != DefaultNeo4jDatabase {
		t.Fatalf("neo4j defaults wrong: %+v", cfg.Neo4j)
	}
	if cfg.Lease() != 300*time.Second {
		t.Fatalf("lease duration = %v", cfg.Lease())
	}
}

func TestEnvOverridesFile(t *testing.T) {
	home := t.TempDir()
	yaml := []byte("db_path: /from/file.db\nlease_seconds: 60\n")
	if err := os.WriteFile(filepath.Join(home, ConfigFileName), yaml, 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("RUNNER_HOME", home)
	t.Setenv("TASK_DB", "/from/env.db")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.DBPath != "/from/env.db" {
		t.Fatalf("env should win over file, got %q", cfg.DBPath)
	}
	if cfg.LeaseSeconds != 60 {
		t.Fatalf("file lease should apply, got %d", cfg.LeaseSeconds)
	}
	if cfg.DataDir != home {
		t.Fatalf("data dir should come from RUNNER_HOME, got %q", cfg.DataDir)
	}
}

func TestInvalidLeaseFallsBack(t *testing.T) {
	t.Setenv("RUNNER_HOME", t.TempDir())
	t.Setenv("TASK_LEASE_SECONDS", "-5")
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.LeaseSeconds != DefaultLeaseSeconds {
		t.Fatalf("expected default lease, got %d", cfg.LeaseSeconds)
	}
}
