package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/basket/go-runner/internal/config"
	"github.com/basket/go-runner/internal/requests"
)

func runCascadeCommand(ctx context.Context, cfg *config.Config, args []string) int {
	if len(args) == 0 {
		fmt.Fprintln(os.Stderr, "usage: runner cascade <list|get|create|enable|disable|delete|triggered> ...")
		return exitError
	}
	action, rest := args[0], args[1:]

	source, err := requests.NewStore(ctx, cfg.Neo4j)
	if err != nil {
		fmt.Fprintln(os.Stderr, "request store:", err)
		return exitError
	}
	defer source.Close(context.Background())

	switch action {
	case "list":
		fs := flag.NewFlagSet("cascade list", flag.ContinueOnError)
		enabledOnly := fs.Bool("enabled-only", false, "only show enabled rules")
		if err := fs.Parse(rest); err != nil {
			return exitError
		}
		rules, err := source.ListRules(ctx, *enabledOnly)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			return exitError
		}
		return printJSON(rules)

	case "get":
		if len(rest) != 1 {
			fmt.Fprintln(os.Stderr, "usage: runner cascade get <rule_id>")
			return exitError
		}
		rule, err := source.GetRule(ctx, rest[0])
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			return exitError
		}
		return printJSON(rule)

	case "create":
		fs := flag.NewFlagSet("cascade create", flag.ContinueOnError)
		ruleID := fs.String("rule-id", "", "unique rule identifier")
		taskID := fs.String("task", "", "task id to create requests for")
		description := fs.String("description", "", "rule description")
		sourceKind := fs.String("source-kind", "", "match sources with this kind (empty = all)")
		template := fs.String("parameters", "", "JSON parameter template with $source.* placeholders")
		priority := fs.Int("priority", 50, "priority for created requests")
		disabled := fs.Bool("disabled", false, "create as disabled")
		if err := fs.Parse(rest); err != nil {
			return exitError
		}
		if *ruleID == "" || *taskID == "" {
			fmt.Fprintln(os.Stderr, "--rule-id and --task are required")
			return exitError
		}
		rule, err := source.UpsertRule(ctx, requests.CascadeRule{
			RuleID:            *ruleID,
			TaskID:            *taskID,
			Description:       *description,
			SourceKind:        *sourceKind,
			ParameterTemplate: *template,
			Priority:          *priority,
			Enabled:           !*disabled,
		})
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			return exitError
		}
		return printJSON(rule)

	case "enable", "disable":
		if len(rest) != 1 {
			fmt.Fprintf(os.Stderr, "usage: runner cascade %s <rule_id>\n", action)
			return exitError
		}
		if err := source.SetRuleEnabled(ctx, rest[0], action == "enable"); err != nil {
			fmt.Fprintln(os.Stderr, err)
			return exitError
		}
		fmt.Printf("rule %q %sd\n", rest[0], action)
		return exitOK

	case "delete":
		if len(rest) != 1 {
			fmt.Fprintln(os.Stderr, "usage: runner cascade delete <rule_id>")
			return exitError
		}
		if err := source.DeleteRule(ctx, rest[0]); err != nil {
			fmt.Fprintln(os.Stderr, err)
			return exitError
		}
		fmt.Printf("rule %q deleted\n", rest[0])
		return exitOK

	case "triggered":
		fs := flag.NewFlagSet("cascade triggered", flag.ContinueOnError)
		limit := fs.Int("limit", 20, "maximum requests to show")
		if err := fs.Parse(rest); err != nil {
			return exitError
		}
		if fs.NArg() != 1 {
			fmt.Fprintln(os.Stderr, "usage: runner cascade triggered <rule_id> [--limit N]")
			return exitError
		}
		reqs, err := source.TriggeredRequests(ctx, fs.Arg(0), *limit)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			return exitError
		}
		return printJSON(reqs)

	default:
		fmt.Fprintf(os.Stderr, "unknown cascade action %q\n", action)
		return exitError
	}
}
