package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/basket/go-runner/internal/config"
	"github.com/basket/go-runner/internal/requests"
)

func runRequestCommand(ctx context.Context, cfg *config.Config, args []string) int {
	if len(args) == 0 {
		fmt.Fprintln(os.Stderr, "usage: runner request <submit|get|cancel|stats> ...")
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
	case "submit":
		fs := flag.NewFlagSet("request submit", flag.ContinueOnError)
		params := fs.String("params", "{}", "task parameters as JSON")
		priority := fs.Int("priority", 0, "priority 1-1000 (default 100)")
		requester := fs.String("requester", "cli", "requester identity")
		requestID := fs.String("request-id", "", "request id (UUID); generated when empty")
		dependsOn := fs.String("depends-on", "", "comma-separated request ids this one waits for")
		if err := fs.Parse(rest); err != nil {
			return exitError
		}
		if fs.NArg() != 1 {
			fmt.Fprintln(os.Stderr, "usage: runner request submit <task_id> [flags]")
			return exitError
		}

		var parsed map[string]any
		if err := json.Unmarshal([]byte(*params), &parsed); err != nil {
			fmt.Fprintln(os.Stderr, "invalid --params JSON:", err)
			return exitError
		}
		var deps []string
		if *dependsOn != "" {
			for _, dep := range strings.Split(*dependsOn, ",") {
				if dep = strings.TrimSpace(dep); dep != "" {
					deps = append(deps, dep)
				}
			}
		}

		req, err := source.Submit(ctx, requests.SubmitOptions{
			RequestID:  *requestID,
			TaskID:     fs.Arg(0),
			Parameters: parsed,
			Priority:   *priority,
			Requester:  *requester,
			DependsOn:  deps,
		})
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			return exitError
		}
		return printJSON(req)

	case "get":
		if len(rest) != 1 {
			fmt.Fprintln(os.Stderr, "usage: runner request get <request_id>")
			return exitError
		}
		req, err := source.Get(ctx, rest[0])
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			return exitError
		}
		return printJSON(req)

	case "cancel":
		if len(rest) != 1 {
			fmt.Fprintln(os.Stderr, "usage: runner request cancel <request_id>")
			return exitError
		}
		if err := source.Cancel(ctx, rest[0]); err != nil {
			fmt.Fprintln(os.Stderr, err)
			return exitError
		}
		fmt.Println("cancelled")
		return exitOK

	case "stats":
		counts, err := source.Stats(ctx)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			return exitError
		}
		return printJSON(counts)

	default:
		fmt.Fprintf(os.Stderr, "unknown request action %q\n", action)
		return exitError
	}
}

func printJSON(v any) int {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitError
	}
	fmt.Println(string(data))
	return exitOK
}
