package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"

	"go.opentelemetry.io/otel/trace"

	"github.com/basket/go-runner/internal/bus"
	"github.com/basket/go-runner/internal/config"
	"github.com/basket/go-runner/internal/persistence"
	"github.com/basket/go-runner/internal/stack"
)

func newStackEngine(cfg *config.Config, logger *slog.Logger, tracer trace.Tracer) (*stack.Engine, *persistence.Store, error) {
	store, err := persistence.Open(cfg.DBPath, bus.NewWithLogger(logger))
	if err != nil {
		return nil, nil, err
	}
	engine := stack.New(stack.Options{
		Store:       store,
		DBPath:      cfg.DBPath,
		RunsDir:     cfg.RunsDir,
		Lease:       cfg.Lease(),
		Interpreter: cfg.Interpreter,
		Logger:      logger,
		Tracer:      tracer,
	})
	return engine, store, nil
}

func runStackCommand(ctx context.Context, cfg *config.Config, logger *slog.Logger, args []string) int {
	if len(args) == 0 {
		fmt.Fprintln(os.Stderr, "usage: runner stack <start|resume|run-one|status> ...")
		return exitError
	}
	action, rest := args[0], args[1:]

	switch action {
	case "start":
		fs := flag.NewFlagSet("stack start", flag.ContinueOnError)
		params := fs.String("params", "{}", "task parameters as JSON")
		requestID := fs.String("request-id", "", "idempotency key (UUID)")
		if err := fs.Parse(rest); err != nil {
			return exitError
		}
		if fs.NArg() != 1 {
			fmt.Fprintln(os.Stderr, "usage: runner stack start <task_id> [--params JSON] [--request-id UUID]")
			return exitError
		}
		taskID := fs.Arg(0)

		var parsed map[string]any
		if err := json.Unmarshal([]byte(*params), &parsed); err != nil {
			fmt.Fprintln(os.Stderr, "invalid --params JSON:", err)
			return exitError
		}

		engine, store, err := newStackEngine(cfg, logger, nil)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			return exitError
		}
		defer store.Close()

		stackID, err := engine.Create(ctx, taskID, parsed, *requestID)
		if err != nil {
			fmt.Fprintln(os.Stderr, "create stack:", err)
			return exitError
		}
		result, err := engine.Run(ctx, stackID)
		if err != nil {
			fmt.Fprintln(os.Stderr, "run stack:", err)
			return exitError
		}
		return printStackResult(result)

	case "resume":
		if len(rest) != 1 {
			fmt.Fprintln(os.Stderr, "usage: runner stack resume <stack_id>")
			return exitError
		}
		engine, store, err := newStackEngine(cfg, logger, nil)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			return exitError
		}
		defer store.Close()

		result, err := engine.Run(ctx, rest[0])
		if err != nil {
			fmt.Fprintln(os.Stderr, "resume stack:", err)
			return exitError
		}
		return printStackResult(result)

	case "run-one":
		if len(rest) != 1 {
			fmt.Fprintln(os.Stderr, "usage: runner stack run-one <stack_id>")
			return exitError
		}
		engine, store, err := newStackEngine(cfg, logger, nil)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			return exitError
		}
		defer store.Close()

		outcome, err := engine.Step(ctx, rest[0])
		switch outcome {
		case stack.Stepped:
			fmt.Println("stepped")
			return exitOK
		case stack.Drained:
			if err != nil {
				fmt.Fprintln(os.Stderr, "step:", err)
				return exitError
			}
			fmt.Println("no eligible entries")
			return exitNothing
		default: // Finished
			if err != nil {
				fmt.Fprintln(os.Stderr, err)
			}
			return exitNothing
		}

	case "status":
		if len(rest) != 1 {
			fmt.Fprintln(os.Stderr, "usage: runner stack status <stack_id>")
			return exitError
		}
		store, err := persistence.Open(cfg.DBPath, nil)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			return exitError
		}
		defer store.Close()

		st, err := store.GetStack(ctx, rest[0])
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			return exitError
		}
		data, err := json.MarshalIndent(st, "", "  ")
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			return exitError
		}
		fmt.Println(string(data))
		return exitOK

	default:
		fmt.Fprintf(os.Stderr, "unknown stack action %q\n", action)
		return exitError
	}
}

func printStackResult(result *stack.Result) int {
	data, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitError
	}
	fmt.Println(string(data))
	if result.Status == persistence.StackDone {
		return exitOK
	}
	return exitError
}
