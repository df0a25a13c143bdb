// Package bootstrap initializes the local store schema and seeds the
// task catalog from a validated seed file.
package bootstrap

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
	"gopkg.in/yaml.v3"

	"github.com/basket/go-runner/internal/persistence"
)

// seedSchema validates entries of a seed catalog file before they reach
// the store.
const seedSchema = `{
	"type": "array",
	"items": {
		"type": "object",
		"required": ["task_id", "kind", "code"],
		"properties": {
			"task_id": {"type": "string", "minLength": 1},
			"kind": {"enum": ["shell", "interpreted_inline", "interpreted_file"]},
			"code": {"type": "string", "minLength": 1},
			"default_parameters": {"type": "object"},
			"working_directory": {"type": "string"},
			"environment_overrides": {
				"type": "object",
				"additionalProperties": {"type": "string"}
			},
			"timeout_seconds": {"type": "integer", "minimum": 1},
			"enabled": {"type": "boolean"}
		},
		"additionalProperties": false
	}
}`

// seedEntry mirrors the seed file shape; Enabled defaults to true when
// omitted.
type seedEntry struct {
	TaskID               string            `json:"task_id" yaml:"task_id"`
	Kind                 string            `json:"kind" yaml:"kind"`
	Code                 string            `json:"code" yaml:"code"`
	DefaultParameters    map[string]any    `json:"default_parameters,omitempty" yaml:"default_parameters"`
	WorkingDirectory     string            `json:"working_directory,omitempty" yaml:"working_directory"`
	EnvironmentOverrides map[string]string `json:"environment_overrides,omitempty" yaml:"environment_overrides"`
	TimeoutSeconds       int               `json:"timeout_seconds,omitempty" yaml:"timeout_seconds"`
	Enabled              *bool             `json:"enabled,omitempty" yaml:"enabled"`
}

// DefaultCatalog is seeded when no seed file is given: a smoke-test echo
// task plus a long sleeper for exercising cancellation and leases.
func DefaultCatalog() []persistence.TaskDefinition {
	return []persistence.TaskDefinition{
		{
			TaskID:            "echo",
			Kind:              persistence.KindShell,
			Code:              "echo 'Hi {who}'",
			DefaultParameters: map[string]any{"who": "World"},
			TimeoutSeconds:    60,
			Enabled:           true,
		},
		{
			TaskID:            "sleep",
			Kind:              persistence.KindShell,
			Code:              "sleep {seconds}",
			DefaultParameters: map[string]any{"seconds": 10},
			TimeoutSeconds:    300,
			Enabled:           true,
		},
	}
}

// Seed loads, validates, and upserts the seed catalog at path. A YAML
// file is accepted; entries are validated against the JSON Schema
// before any write happens. Returns the number of seeded definitions.
func Seed(ctx context.Context, store *persistence.Store, path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("read seed file: %w", err)
	}

	var entries []seedEntry
	if strings.HasSuffix(path, ".json") {
		if err := json.Unmarshal(data, &entries); err != nil {
			return 0, fmt.Errorf("parse seed JSON: %w", err)
		}
	} else {
		if err := yaml.Unmarshal(data, &entries); err != nil {
			return 0, fmt.Errorf("parse seed YAML: %w", err)
		}
	}

	if err := validateSeed(entries); err != nil {
		return 0, err
	}

	for _, entry := range entries {
		enabled := true
		if entry.Enabled != nil {
			enabled = *entry.Enabled
		}
		def := persistence.TaskDefinition{
			TaskID:               entry.TaskID,
			Kind:                 entry.Kind,
			Code:                 entry.Code,
			DefaultParameters:    entry.DefaultParameters,
			WorkingDirectory:     entry.WorkingDirectory,
			EnvironmentOverrides: entry.EnvironmentOverrides,
			TimeoutSeconds:       entry.TimeoutSeconds,
			Enabled:              enabled,
		}
		if err := store.UpsertTask(ctx, def); err != nil {
			return 0, fmt.Errorf("seed task %s: %w", entry.TaskID, err)
		}
	}
	return len(entries), nil
}

// SeedDefaults upserts the built-in catalog.
func SeedDefaults(ctx context.Context, store *persistence.Store) (int, error) {
	catalog := DefaultCatalog()
	for _, def := range catalog {
		if err := store.UpsertTask(ctx, def); err != nil {
			return 0, fmt.Errorf("seed task %s: %w", def.TaskID, err)
		}
	}
	return len(catalog), nil
}

// validateSeed round-trips the entries through JSON and checks them
// against the seed schema so malformed files are rejected before any
// definition is written.
func validateSeed(entries []seedEntry) error {
	compiler := jsonschema.NewCompiler()
	schemaDoc, err := jsonschema.UnmarshalJSON(strings.NewReader(seedSchema))
	if err != nil {
		return fmt.Errorf("parse seed schema: %w", err)
	}
	if err := compiler.AddResource("seed-schema.json", schemaDoc); err != nil {
		return fmt.Errorf("add seed schema: %w", err)
	}
	schema, err := compiler.Compile("seed-schema.json")
	if err != nil {
		return fmt.Errorf("compile seed schema: %w", err)
	}

	encoded, err := json.Marshal(entries)
	if err != nil {
		return fmt.Errorf("encode seed entries: %w", err)
	}
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(encoded))
	if err != nil {
		return fmt.Errorf("decode seed entries: %w", err)
	}
	if err := schema.Validate(doc); err != nil {
		return fmt.Errorf("seed file invalid: %w", err)
	}
	return nil
}

// Reset removes the database file (and its WAL sidecars) so the next
// Open recreates a fresh schema.
func Reset(dbPath string) error {
	for _, suffix := range []string{"", "-wal", "-shm"} {
		path := dbPath + suffix
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("remove %s: %w", filepath.Base(path), err)
		}
	}
	return nil
}
