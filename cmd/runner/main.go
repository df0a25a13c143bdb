// Command runner is the task execution core CLI: single-shot queue
// worker, stack engine, request dispatcher daemon, bootstrap, and
// cascade rule management.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/mattn/go-isatty"

	"github.com/basket/go-runner/internal/config"
	"github.com/basket/go-runner/internal/telemetry"
)

// Exit codes shared by every subcommand.
const (
	exitOK         = 0
	exitNothing    = 1
	exitError      = 2
	exitKillSwitch = 3
)

func printUsage() {
	fmt.Fprintf(os.Stderr, `Usage of %s:

SUBCOMMANDS:
  stack start <task_id> [--params JSON] [--request-id UUID]
                              Create a stack and drive it to completion
  stack resume <stack_id>     Continue an existing running stack
  stack run-one <stack_id>    Advance a stack by exactly one step
  stack status <stack_id>     Print the stored stack record
  runner                      Claim and run exactly one queue entry
  processor [--poll-interval N] [--lease-seconds N] [--single] [--stats]
                              Request-dispatcher daemon
  bootstrap [--seed FILE] [--reset] [--queue TASK_ID --queue-params JSON]
                              Initialize schema, seed the catalog, enqueue
  request <submit|get|cancel|stats>
                              Manage task requests
  cascade <list|get|create|enable|disable|delete|triggered>
                              Manage cascade rules

EXIT CODES:
  0  success
  1  nothing to do
  2  error
  3  kill switch active

ENVIRONMENT VARIABLES:
  TASK_DB              SQLite store path (default ./tasks.db)
  RUNS_DIR             JSON artifact directory (default ./runs)
  TASK_LEASE_SECONDS   Lease duration (default 300)
  TASK_INTERPRETER     Interpreter for interpreted tasks (default python3)
  NEO4J_URI            Request store bolt URI (default bolt://localhost:7687)
  NEO4J_USER           Request store user (default neo4j)
  NEO4J_PASSWORD       Request store password
  NEO4J_DATABASE       Request store database (default hybridgraph)
`, os.Args[0])
}

func main() {
	flag.Usage = printUsage
	flag.Parse()

	args := flag.Args()
	if len(args) == 0 {
		printUsage()
		os.Exit(exitNothing)
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		os.Exit(exitError)
	}

	// Non-interactive invocations (cron, pipelines) keep stdout clean
	// for artifacts and records; logs go to the data dir only.
	quiet := !isatty.IsTerminal(os.Stderr.Fd())
	logger, closer, err := telemetry.NewLogger(cfg.DataDir, cfg.LogLevel, quiet)
	if err != nil {
		fmt.Fprintln(os.Stderr, "logger:", err)
		os.Exit(exitError)
	}
	defer func() { _ = closer.Close() }()
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var code int
	switch strings.ToLower(strings.TrimSpace(args[0])) {
	case "help", "-h", "--help":
		printUsage()
		code = exitOK
	case "stack":
		code = runStackCommand(ctx, cfg, logger, args[1:])
	case "runner":
		code = runRunnerCommand(ctx, cfg, logger, args[1:])
	case "processor":
		code = runProcessorCommand(ctx, cfg, logger, args[1:])
	case "bootstrap":
		code = runBootstrapCommand(ctx, cfg, logger, args[1:])
	case "request":
		code = runRequestCommand(ctx, cfg, args[1:])
	case "cascade":
		code = runCascadeCommand(ctx, cfg, args[1:])
	default:
		fmt.Fprintf(os.Stderr, "unknown subcommand %q\n", args[0])
		printUsage()
		code = exitError
	}
	os.Exit(code)
}
