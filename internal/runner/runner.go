// Package runner is the single-shot queue executor: claim one entry,
// run it, finalize it, fan out children.
package runner

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"

	"github.com/basket/go-runner/internal/executor"
	otelx "github.com/basket/go-runner/internal/otel"
	"github.com/basket/go-runner/internal/persistence"
	"github.com/basket/go-runner/internal/protocol"
	"github.com/basket/go-runner/internal/runs"
	"github.com/basket/go-runner/internal/shared"
)

// Outcome classifies one RunOnce invocation for exit-code mapping.
type Outcome int

const (
	// OutcomeRan means a task was claimed and finalized.
	OutcomeRan Outcome = iota
	// OutcomeNoTask means nothing was claimable (or new claims are paused).
	OutcomeNoTask
	// OutcomeKilled means the kill switch is set.
	OutcomeKilled
)

// Options configures a Runner.
type Options struct {
	Store       *persistence.Store
	DBPath      string
	RunsDir     string
	Lease       time.Duration
	Interpreter string
	WorkerID    string
	Logger      *slog.Logger
	Tracer      trace.Tracer
}

// Runner claims and executes single queue entries.
type Runner struct {
	store       *persistence.Store
	dbPath      string
	runsDir     string
	lease       time.Duration
	interpreter string
	workerID    string
	logger      *slog.Logger
	tracer      trace.Tracer
}

func New(opts Options) *Runner {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	workerID := opts.WorkerID
	if workerID == "" {
		workerID = shared.WorkerID()
	}
	lease := opts.Lease
	if lease <= 0 {
		lease = 300 * time.Second
	}
	tracer := opts.Tracer
	if tracer == nil {
		tracer = nooptrace.NewTracerProvider().Tracer(otelx.TracerName)
	}
	return &Runner{
		store:       opts.Store,
		dbPath:      opts.DBPath,
		runsDir:     opts.RunsDir,
		lease:       lease,
		interpreter: opts.Interpreter,
		workerID:    workerID,
		logger:      logger,
		tracer:      tracer,
	}
}

// RunOnce claims and runs exactly one queue entry. The control flags are
// re-read on every invocation: kill_all wins over everything, and
// pause_new_tasks reads as "no task".
func (r *Runner) RunOnce(ctx context.Context) (Outcome, error) {
	if killed, err := r.store.FlagSet(ctx, persistence.FlagKillAll); err != nil {
		return OutcomeNoTask, err
	} else if killed {
		r.logger.Warn("kill switch active, refusing to claim")
		return OutcomeKilled, nil
	}
	if paused, err := r.store.FlagSet(ctx, persistence.FlagPauseNewTasks); err != nil {
		return OutcomeNoTask, err
	} else if paused {
		r.logger.Info("new task claims paused")
		return OutcomeNoTask, nil
	}

	claimCtx, claimSpan := r.tracer.Start(ctx, otelx.SpanQueueClaim)
	entry, err := r.store.ClaimNextQueueEntry(claimCtx, r.workerID, r.lease)
	claimSpan.End()
	if err != nil {
		return OutcomeNoTask, err
	}
	if entry == nil {
		return OutcomeNoTask, nil
	}

	log := r.logger.With("queue_id", entry.QueueID, "task_id", entry.TaskID)
	log.Info("claimed queue entry", "request_id", entry.RequestID)

	def, err := r.store.GetTask(ctx, entry.TaskID)
	if err != nil {
		if err == persistence.ErrTaskNotFound {
			log.Error("task definition missing")
			if ferr := r.store.FinalizeQueueEntry(ctx, entry.QueueID, persistence.StatusFailed); ferr != nil {
				return OutcomeRan, ferr
			}
			return OutcomeRan, nil
		}
		return OutcomeRan, err
	}
	if !def.Enabled {
		log.Warn("task disabled, cancelling entry")
		if ferr := r.store.FinalizeQueueEntry(ctx, entry.QueueID, persistence.StatusCancelled); ferr != nil {
			return OutcomeRan, ferr
		}
		return OutcomeRan, nil
	}

	merged := persistence.MergeParameters(def, entry.Parameters)
	execCtx, execSpan := r.tracer.Start(ctx, otelx.SpanTaskExecute, trace.WithAttributes(
		attribute.String("task.id", entry.TaskID),
		attribute.Int64("queue.id", entry.QueueID),
	))
	execResult := executor.Run(execCtx, executor.Request{
		Definition:  *def,
		Parameters:  merged,
		Context:     protocol.EmptyContext(),
		QueueID:     entry.QueueID,
		DBPath:      r.dbPath,
		Interpreter: r.interpreter,
	})
	execSpan.SetAttributes(attribute.Int("task.exit_code", execResult.ExitCode))
	execSpan.End()

	status := persistence.StatusDone
	if execResult.ExitCode != 0 {
		status = persistence.StatusFailed
	}

	// Re-read status: a cancel that landed while the child was running
	// overrides the outcome.
	current, err := r.store.QueueEntryStatus(ctx, entry.QueueID)
	if err != nil {
		return OutcomeRan, err
	}
	if current == persistence.StatusCancelled {
		log.Info("entry was cancelled during execution, overriding outcome")
		status = persistence.StatusCancelled
	}

	if status == persistence.StatusDone {
		children, err := r.store.ProcessFanouts(ctx, entry.QueueID)
		if err != nil {
			return OutcomeRan, fmt.Errorf("process fanouts: %w", err)
		}
		if len(children) > 0 {
			log.Info("fanout enqueued children", "count", len(children))
		}
	}

	if err := r.store.FinalizeQueueEntry(ctx, entry.QueueID, status); err != nil {
		return OutcomeRan, err
	}
	log.Info("finalized queue entry", "status", string(status), "exit_code", execResult.ExitCode, "wall_ms", execResult.Cost.WallMS)

	if err := r.writeArtifact(ctx, def, entry, merged, status, execResult); err != nil {
		// Artifact emission is best-effort; the run already finalized.
		log.Error("write run artifact", "error", err)
	}
	return OutcomeRan, nil
}

func (r *Runner) writeArtifact(ctx context.Context, def *persistence.TaskDefinition, entry *persistence.QueueEntry, merged map[string]any, status persistence.Status, execResult executor.Result) error {
	final, err := r.store.GetQueueEntry(ctx, entry.QueueID)
	if err != nil {
		return err
	}
	fanouts, err := r.store.FanoutsForParent(ctx, entry.QueueID)
	if err != nil {
		return err
	}
	if fanouts == nil {
		fanouts = []persistence.FanoutRecord{}
	}
	rec := runs.RunRecord{
		Task:       *def,
		QueueEntry: *final,
		Parameters: merged,
		WorkerID:   r.workerID,
		StartedAt:  execResult.StartedAt,
		FinishedAt: execResult.FinishedAt,
		Status:     status,
		Action: runs.Action{
			Kind:       def.Kind,
			StartedAt:  execResult.StartedAt,
			FinishedAt: execResult.FinishedAt,
			ExitCode:   execResult.ExitCode,
			TimedOut:   execResult.TimedOut,
			Cost:       execResult.Cost,
			Stdout:     runs.InlineRef(execResult.Stdout),
			Stderr:     runs.InlineRef(execResult.Stderr),
		},
		Fanouts: fanouts,
	}
	_, err = runs.WriteRun(r.runsDir, rec)
	return err
}
