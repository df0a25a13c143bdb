package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/basket/go-runner/internal/bus"
	"github.com/basket/go-runner/internal/config"
	"github.com/basket/go-runner/internal/cron"
	"github.com/basket/go-runner/internal/dispatcher"
	otelx "github.com/basket/go-runner/internal/otel"
	"github.com/basket/go-runner/internal/persistence"
	"github.com/basket/go-runner/internal/requests"
	"github.com/basket/go-runner/internal/runner"
	"github.com/basket/go-runner/internal/shared"
)

// runRunnerCommand claims and runs exactly one queue entry.
func runRunnerCommand(ctx context.Context, cfg *config.Config, logger *slog.Logger, args []string) int {
	fs := flag.NewFlagSet("runner", flag.ContinueOnError)
	if err := fs.Parse(args); err != nil {
		return exitError
	}

	provider, err := otelx.Init(ctx, cfg.OTel)
	if err != nil {
		fmt.Fprintln(os.Stderr, "otel:", err)
		return exitError
	}
	defer func() { _ = provider.Shutdown(context.Background()) }()

	store, err := persistence.Open(cfg.DBPath, bus.NewWithLogger(logger))
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitError
	}
	defer store.Close()

	r := runner.New(runner.Options{
		Store:       store,
		DBPath:      cfg.DBPath,
		RunsDir:     cfg.RunsDir,
		Lease:       cfg.Lease(),
		Interpreter: cfg.Interpreter,
		Logger:      logger,
		Tracer:      provider.Tracer,
	})
	outcome, err := r.RunOnce(ctx)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitError
	}
	switch outcome {
	case runner.OutcomeRan:
		return exitOK
	case runner.OutcomeKilled:
		fmt.Fprintln(os.Stderr, "killed")
		return exitKillSwitch
	default:
		fmt.Fprintln(os.Stderr, "no task available")
		return exitNothing
	}
}

// runProcessorCommand is the request-dispatcher daemon.
func runProcessorCommand(ctx context.Context, cfg *config.Config, logger *slog.Logger, args []string) int {
	fs := flag.NewFlagSet("processor", flag.ContinueOnError)
	pollInterval := fs.Float64("poll-interval", cfg.PollInterval.Seconds(), "seconds between polls")
	leaseSeconds := fs.Int("lease-seconds", cfg.LeaseSeconds, "task lease duration in seconds")
	single := fs.Bool("single", false, "process one request and exit")
	stats := fs.Bool("stats", false, "show queue statistics and exit")
	if err := fs.Parse(args); err != nil {
		return exitError
	}
	cfg.LeaseSeconds = *leaseSeconds

	source, err := requests.NewStore(ctx, cfg.Neo4j)
	if err != nil {
		fmt.Fprintln(os.Stderr, "request store:", err)
		return exitError
	}
	defer source.Close(context.Background())

	workerID := shared.WorkerID()

	if *stats {
		counts, err := source.Stats(ctx)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			return exitError
		}
		out := map[string]any{"worker_id": workerID, "queue": counts}
		data, _ := json.MarshalIndent(out, "", "  ")
		fmt.Println(string(data))
		return exitOK
	}

	provider, err := otelx.Init(ctx, cfg.OTel)
	if err != nil {
		fmt.Fprintln(os.Stderr, "otel:", err)
		return exitError
	}
	defer func() { _ = provider.Shutdown(context.Background()) }()

	engine, store, err := newStackEngine(cfg, logger, provider.Tracer)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitError
	}
	defer store.Close()

	d := dispatcher.New(dispatcher.Options{
		Source:       source,
		Stacks:       engine,
		PollInterval: time.Duration(*pollInterval * float64(time.Second)),
		WorkerID:     workerID,
		Logger:       logger,
		Tracer:       provider.Tracer,
	})

	if *single {
		processed, err := d.ProcessOne(ctx)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			return exitError
		}
		if !processed {
			fmt.Fprintln(os.Stderr, "no requests to process")
			return exitNothing
		}
		return exitOK
	}

	// The daemon also owns the recurring-enqueue scheduler.
	scheduler := cron.NewScheduler(cron.Config{Store: store, Logger: logger})
	scheduler.Start(ctx)
	defer scheduler.Stop()

	// Hot-reload the poll interval when runner.yaml changes.
	watcher := config.NewWatcher(cfg.DataDir, logger)
	if err := watcher.Start(ctx); err != nil {
		logger.Warn("config watcher unavailable", "error", err)
	} else {
		go func() {
			for range watcher.Events() {
				fresh, err := config.Load()
				if err != nil {
					logger.Error("config reload failed", "error", err)
					continue
				}
				d.SetPollInterval(fresh.PollInterval)
				logger.Info("configuration reloaded", "poll_interval", fresh.PollInterval)
			}
		}()
	}

	d.Run(ctx)
	fmt.Printf("processed: %d\nfailed: %d\n", d.Processed(), d.Failed())
	return exitOK
}
