package requests

import (
	"context"
	"fmt"
	"strings"
)

// SchemaVersion is recorded on the SchemaVersion node after migration.
const SchemaVersion = "1.0.0"

var constraints = []string{
	`CREATE CONSTRAINT task_request_id IF NOT EXISTS
	 FOR (r:TaskRequest) REQUIRE r.request_id IS UNIQUE`,
	`CREATE CONSTRAINT cascade_rule_id IF NOT EXISTS
	 FOR (r:CascadeRule) REQUIRE r.rule_id IS UNIQUE`,
}

var indexes = []string{
	`CREATE INDEX task_request_status_priority IF NOT EXISTS
	 FOR (r:TaskRequest) ON (r.status, r.priority)`,
	`CREATE INDEX task_request_requester IF NOT EXISTS
	 FOR (r:TaskRequest) ON (r.requester)`,
	`CREATE INDEX task_request_task_id IF NOT EXISTS
	 FOR (r:TaskRequest) ON (r.task_id)`,
	`CREATE INDEX cascade_rule_enabled IF NOT EXISTS
	 FOR (r:CascadeRule) ON (r.enabled)`,
}

// Migrate installs the TaskRequest/CascadeRule schema: unique
// constraints, lookup indexes, a SchemaVersion node, and a disabled
// example rule. Idempotent: re-running is safe.
func (s *Store) Migrate(ctx context.Context) error {
	for _, stmt := range constraints {
		if _, err := s.run(ctx, stmt, nil); err != nil && !alreadyExists(err) {
			return fmt.Errorf("create constraint: %w", err)
		}
	}
	for _, stmt := range indexes {
		if _, err := s.run(ctx, stmt, nil); err != nil && !alreadyExists(err) {
			return fmt.Errorf("create index: %w", err)
		}
	}

	if _, err := s.run(ctx, `
		MERGE (v:SchemaVersion {schema_name: 'task_requests'})
		SET v.version = $version,
			v.migrated_at = datetime(),
			v.description = 'TaskRequest and CascadeRule schema for agent-driven task submission'
	`, map[string]any{"version": SchemaVersion}); err != nil {
		return fmt.Errorf("record schema version: %w", err)
	}

	// Example rule, disabled so installs never trigger it by accident.
	if _, err := s.run(ctx, `
		MERGE (r:CascadeRule {rule_id: 'example_on_new_source'})
		ON CREATE SET
			r.description = 'Example: trigger validation when a new source appears',
			r.source_kind = 'json',
			r.task_id = 'validate_json',
			r.parameter_template = '{"source_id": "$source.source_id"}',
			r.priority = 50,
			r.enabled = false,
			r.created_at = datetime()
	`, nil); err != nil {
		return fmt.Errorf("create example rule: %w", err)
	}
	return nil
}

// SchemaStatus reports the installed schema version, empty when absent.
func (s *Store) SchemaStatus(ctx context.Context) (string, error) {
	result, err := s.run(ctx, `
		MATCH (v:SchemaVersion {schema_name: 'task_requests'})
		RETURN v.version AS version
	`, nil)
	if err != nil {
		return "", fmt.Errorf("read schema version: %w", err)
	}
	if len(result.Records) == 0 {
		return "", nil
	}
	if v, ok := result.Records[0].Get("version"); ok {
		if version, ok := v.(string); ok {
			return version, nil
		}
	}
	return "", nil
}

func alreadyExists(err error) bool {
	return err != nil && strings.Contains(strings.ToLower(err.Error()), "already exists")
}
