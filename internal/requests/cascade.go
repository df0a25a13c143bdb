package requests

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// CascadeRule maps a source event to an auto-generated request.
type CascadeRule struct {
	RuleID            string    `json:"rule_id"`
	Description       string    `json:"description,omitempty"`
	SourceKind        string    `json:"source_kind,omitempty"` // empty matches all kinds
	TaskID            string    `json:"task_id"`
	ParameterTemplate string    `json:"parameter_template"`
	Priority          int       `json:"priority"`
	Enabled           bool      `json:"enabled"`
	CreatedAt         time.Time `json:"created_at,omitempty"`
	TriggerCount      int64     `json:"trigger_count,omitempty"`
}

// UpsertRule creates or updates a cascade rule with MERGE semantics.
// The parameter template must be valid JSON.
func (s *Store) UpsertRule(ctx context.Context, rule CascadeRule) (*CascadeRule, error) {
	if rule.RuleID == "" {
		return nil, fmt.Errorf("rule_id required")
	}
	if rule.TaskID == "" {
		return nil, fmt.Errorf("task_id required")
	}
	if rule.ParameterTemplate == "" {
		rule.ParameterTemplate = `{"source_id": "$source.source_id"}`
	}
	var probe any
	if err := json.Unmarshal([]byte(rule.ParameterTemplate), &probe); err != nil {
		return nil, fmt.Errorf("invalid parameter_template JSON: %w", err)
	}
	if rule.Description == "" {
		rule.Description = "Cascade rule for " + rule.TaskID
	}
	if rule.Priority == 0 {
		rule.Priority = 50
	}

	_, err := s.run(ctx, `
		MERGE (r:CascadeRule {rule_id: $rule_id})
		ON CREATE SET r.created_at = datetime()
		SET r.task_id = $task_id,
			r.description = $description,
			r.source_kind = $source_kind,
			r.parameter_template = $parameter_template,
			r.priority = $priority,
			r.enabled = $enabled
	`, map[string]any{
		"rule_id":            rule.RuleID,
		"task_id":            rule.TaskID,
		"description":        rule.Description,
		"source_kind":        nullableString(rule.SourceKind),
		"parameter_template": rule.ParameterTemplate,
		"priority":           rule.Priority,
		"enabled":            rule.Enabled,
	})
	if err != nil {
		return nil, fmt.Errorf("upsert rule: %w", err)
	}
	return s.GetRule(ctx, rule.RuleID)
}

// GetRule fetches one rule with its trigger count.
func (s *Store) GetRule(ctx context.Context, ruleID string) (*CascadeRule, error) {
	result, err := s.run(ctx, `
		MATCH (r:CascadeRule {rule_id: $rule_id})
		OPTIONAL MATCH (req:TaskRequest)-[:TRIGGERED_BY]->(r)
		RETURN r {
			.rule_id, .description, .source_kind, .task_id,
			.parameter_template, .priority, .enabled, .created_at
		} AS rule, count(req) AS trigger_count
	`, map[string]any{"rule_id": ruleID})
	if err != nil {
		return nil, fmt.Errorf("get rule: %w", err)
	}
	if len(result.Records) == 0 {
		return nil, fmt.Errorf("rule %s: %w", ruleID, ErrNotFound)
	}
	return recordToRule(result.Records[0])
}

// ListRules returns all rules, optionally only enabled ones.
func (s *Store) ListRules(ctx context.Context, enabledOnly bool) ([]CascadeRule, error) {
	query := `MATCH (r:CascadeRule)`
	if enabledOnly {
		query += ` WHERE r.enabled = true`
	}
	query += `
		OPTIONAL MATCH (req:TaskRequest)-[:TRIGGERED_BY]->(r)
		RETURN r {
			.rule_id, .description, .source_kind, .task_id,
			.parameter_template, .priority, .enabled, .created_at
		} AS rule, count(req) AS trigger_count
		ORDER BY r.rule_id`
	result, err := s.run(ctx, query, nil)
	if err != nil {
		return nil, fmt.Errorf("list rules: %w", err)
	}
	var rules []CascadeRule
	for _, record := range result.Records {
		rule, err := recordToRule(record)
		if err != nil {
			return nil, err
		}
		rules = append(rules, *rule)
	}
	return rules, nil
}

// SetRuleEnabled enables or disables a rule.
func (s *Store) SetRuleEnabled(ctx context.Context, ruleID string, enabled bool) error {
	result, err := s.run(ctx, `
		MATCH (r:CascadeRule {rule_id: $rule_id})
		SET r.enabled = $enabled
		RETURN r.rule_id AS rule_id
	`, map[string]any{"rule_id": ruleID, "enabled": enabled})
	if err != nil {
		return fmt.Errorf("set rule enabled: %w", err)
	}
	if len(result.Records) == 0 {
		return fmt.Errorf("rule %s: %w", ruleID, ErrNotFound)
	}
	return nil
}

// DeleteRule removes a rule. Requests it triggered are kept.
func (s *Store) DeleteRule(ctx context.Context, ruleID string) error {
	result, err := s.run(ctx, `
		MATCH (r:CascadeRule {rule_id: $rule_id})
		DETACH DELETE r
		RETURN count(*) AS deleted
	`, map[string]any{"rule_id": ruleID})
	if err != nil {
		return fmt.Errorf("delete rule: %w", err)
	}
	if len(result.Records) > 0 {
		if v, ok := result.Records[0].Get("deleted"); ok {
			if n, ok := v.(int64); ok && n > 0 {
				return nil
			}
		}
	}
	return fmt.Errorf("rule %s: %w", ruleID, ErrNotFound)
}

// TriggeredRequests lists requests a rule has synthesized, newest first.
func (s *Store) TriggeredRequests(ctx context.Context, ruleID string, limit int) ([]TaskRequest, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	result, err := s.run(ctx, `
		MATCH (req:TaskRequest)-[:TRIGGERED_BY]->(r:CascadeRule {rule_id: $rule_id})
		RETURN req {
			.request_id, .task_id, .parameters, .priority, .requester,
			.status, .claimed_by, .result_ref, .error, .created_at
		} AS request
		ORDER BY req.created_at DESC
		LIMIT $limit
	`, map[string]any{"rule_id": ruleID, "limit": limit})
	if err != nil {
		return nil, fmt.Errorf("triggered requests: %w", err)
	}
	var out []TaskRequest
	for _, record := range result.Records {
		req, err := recordToRequest(record)
		if err != nil {
			return nil, err
		}
		out = append(out, *req)
	}
	return out, nil
}

// RenderTemplate substitutes $source.<field> placeholders in a
// parameter template with values from the source's fields. Unmatched
// placeholders are left as-is.
func RenderTemplate(template string, source map[string]any) string {
	rendered := template
	for field, value := range source {
		rendered = strings.ReplaceAll(rendered, "$source."+field, fmt.Sprint(value))
	}
	return rendered
}

// OnSourceCreated evaluates every enabled cascade rule against a newly
// created source entity and synthesizes one TaskRequest per matching
// rule, linked TRIGGERED_BY to it. Returns the created request ids.
func (s *Store) OnSourceCreated(ctx context.Context, sourceKind string, source map[string]any) ([]string, error) {
	rules, err := s.ListRules(ctx, true)
	if err != nil {
		return nil, err
	}

	var created []string
	for _, rule := range rules {
		if rule.SourceKind != "" && rule.SourceKind != sourceKind {
			continue
		}
		rendered := RenderTemplate(rule.ParameterTemplate, source)
		var params map[string]any
		if err := json.Unmarshal([]byte(rendered), &params); err != nil {
			return created, fmt.Errorf("rule %s: rendered template is not JSON: %w", rule.RuleID, err)
		}
		req, err := s.Submit(ctx, SubmitOptions{
			TaskID:     rule.TaskID,
			Parameters: params,
			Priority:   rule.Priority,
			Requester:  "trigger:" + rule.RuleID,
		})
		if err != nil {
			return created, fmt.Errorf("rule %s: %w", rule.RuleID, err)
		}
		if _, err := s.run(ctx, `
			MATCH (req:TaskRequest {request_id: $request_id})
			MATCH (r:CascadeRule {rule_id: $rule_id})
			MERGE (req)-[:TRIGGERED_BY]->(r)
		`, map[string]any{"request_id": req.RequestID, "rule_id": rule.RuleID}); err != nil {
			return created, fmt.Errorf("link TRIGGERED_BY for rule %s: %w", rule.RuleID, err)
		}
		created = append(created, req.RequestID)
	}
	return created, nil
}

func recordToRule(record interface{ Get(key string) (any, bool) }) (*CascadeRule, error) {
	v, ok := record.Get("rule")
	if !ok {
		return nil, fmt.Errorf("record missing rule projection")
	}
	props, ok := v.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("unexpected rule projection type %T", v)
	}
	rule := &CascadeRule{
		RuleID:            stringProp(props, "rule_id"),
		Description:       stringProp(props, "description"),
		SourceKind:        stringProp(props, "source_kind"),
		TaskID:            stringProp(props, "task_id"),
		ParameterTemplate: stringProp(props, "parameter_template"),
	}
	if p, ok := props["priority"].(int64); ok {
		rule.Priority = int(p)
	}
	if e, ok := props["enabled"].(bool); ok {
		rule.Enabled = e
	}
	if t, ok := props["created_at"].(time.Time); ok {
		rule.CreatedAt = t
	}
	if v, ok := record.Get("trigger_count"); ok {
		if n, ok := v.(int64); ok {
			rule.TriggerCount = n
		}
	}
	return rule, nil
}

func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
