package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/basket/go-runner/internal/bootstrap"
	"github.com/basket/go-runner/internal/config"
	"github.com/basket/go-runner/internal/cron"
	"github.com/basket/go-runner/internal/persistence"
	"github.com/basket/go-runner/internal/requests"
)

func runBootstrapCommand(ctx context.Context, cfg *config.Config, logger *slog.Logger, args []string) int {
	fs := flag.NewFlagSet("bootstrap", flag.ContinueOnError)
	seedFile := fs.String("seed", "", "seed catalog file (yaml or json)")
	doSeed := fs.Bool("seed-defaults", false, "seed the built-in catalog")
	reset := fs.Bool("reset", false, "remove the store file before initializing")
	migrateRequests := fs.Bool("requests", false, "also migrate the request-store schema")
	queueTask := fs.String("queue", "", "enqueue this task after bootstrap")
	queueParams := fs.String("queue-params", "{}", "parameters for --queue as JSON")
	scheduleName := fs.String("schedule", "", "register a recurring enqueue with this name")
	scheduleCron := fs.String("schedule-cron", "", "cron expression for --schedule")
	scheduleTask := fs.String("schedule-task", "", "task id for --schedule")
	scheduleParams := fs.String("schedule-params", "{}", "parameters for --schedule as JSON")
	if err := fs.Parse(args); err != nil {
		return exitError
	}

	if *reset {
		if err := bootstrap.Reset(cfg.DBPath); err != nil {
			fmt.Fprintln(os.Stderr, "reset:", err)
			return exitError
		}
		logger.Info("store reset", "db_path", cfg.DBPath)
	}

	store, err := persistence.Open(cfg.DBPath, nil)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitError
	}
	defer store.Close()
	logger.Info("schema initialized", "db_path", cfg.DBPath)

	switch {
	case *seedFile != "":
		n, err := bootstrap.Seed(ctx, store, *seedFile)
		if err != nil {
			fmt.Fprintln(os.Stderr, "seed:", err)
			return exitError
		}
		logger.Info("seeded catalog", "file", *seedFile, "count", n)
	case *doSeed:
		n, err := bootstrap.SeedDefaults(ctx, store)
		if err != nil {
			fmt.Fprintln(os.Stderr, "seed defaults:", err)
			return exitError
		}
		logger.Info("seeded built-in catalog", "count", n)
	}

	if *migrateRequests {
		source, err := requests.NewStore(ctx, cfg.Neo4j)
		if err != nil {
			fmt.Fprintln(os.Stderr, "request store:", err)
			return exitError
		}
		defer source.Close(context.Background())
		if err := source.Migrate(ctx); err != nil {
			fmt.Fprintln(os.Stderr, "migrate request store:", err)
			return exitError
		}
		logger.Info("request-store schema migrated")
	}

	if *queueTask != "" {
		var params map[string]any
		if err := json.Unmarshal([]byte(*queueParams), &params); err != nil {
			fmt.Fprintln(os.Stderr, "invalid --queue-params JSON:", err)
			return exitError
		}
		queueID, requestID, err := store.Enqueue(ctx, *queueTask, params, "")
		if err != nil {
			fmt.Fprintln(os.Stderr, "enqueue:", err)
			return exitError
		}
		fmt.Printf("enqueued queue_id=%d request_id=%s\n", queueID, requestID)
	}

	if *scheduleName != "" {
		if *scheduleCron == "" || *scheduleTask == "" {
			fmt.Fprintln(os.Stderr, "--schedule requires --schedule-cron and --schedule-task")
			return exitError
		}
		var params map[string]any
		if err := json.Unmarshal([]byte(*scheduleParams), &params); err != nil {
			fmt.Fprintln(os.Stderr, "invalid --schedule-params JSON:", err)
			return exitError
		}
		nextRun, err := cron.NextRunTime(*scheduleCron, time.Now())
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			return exitError
		}
		id, err := store.CreateSchedule(ctx, *scheduleName, *scheduleCron, *scheduleTask, params, nextRun)
		if err != nil {
			fmt.Fprintln(os.Stderr, "create schedule:", err)
			return exitError
		}
		fmt.Printf("schedule %s registered, next run %s\n", id, nextRun.Format(time.RFC3339))
	}
	return exitOK
}
