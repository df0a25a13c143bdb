// Package stack drives LIFO execution trees: each step claims the most
// recently pushed entry, threads the accumulated context through it,
// and folds the task's result back in. Tasks grow the tree by returning
// push_tasks; an abort fails the whole stack.
package stack

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
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

// abortError is recorded on stacks failed by a task's abort flag.
const abortError = "Task requested abort"

// StepOutcome classifies one Step call.
type StepOutcome int

const (
	// Stepped means one entry was claimed and finalized.
	Stepped StepOutcome = iota
	// Drained means no eligible entries remain.
	Drained
	// Finished means the stack is terminal: it reached a terminal state
	// during this step, or was already terminal when the step began.
	Finished
)

// Result summarizes a driven stack for callers (the dispatcher, the CLI).
type Result struct {
	StackID    string
	Status     persistence.Status
	Error      string
	OutputPath string
}

// Options configures an Engine.
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

// Engine executes stacks against the store.
type Engine struct {
	store       *persistence.Store
	dbPath      string
	runsDir     string
	lease       time.Duration
	interpreter string
	workerID    string
	logger      *slog.Logger
	tracer      trace.Tracer
}

func New(opts Options) *Engine {
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
	return &Engine{
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

// Create inserts a new running stack rooted at taskID. requestID is an
// optional idempotency key.
func (e *Engine) Create(ctx context.Context, taskID string, params map[string]any, requestID string) (string, error) {
	return e.store.CreateStack(ctx, taskID, params, requestID)
}

// Step advances the stack by exactly one entry.
func (e *Engine) Step(ctx context.Context, stackID string) (StepOutcome, error) {
	ctx, span := e.tracer.Start(ctx, otelx.SpanStackStep,
		trace.WithAttributes(attribute.String("stack.id", stackID)))
	defer span.End()

	st, err := e.store.GetStack(ctx, stackID)
	if err != nil {
		return Drained, err
	}
	if st.Status != persistence.StackRunning {
		return Finished, fmt.Errorf("stack already %s", st.Status)
	}

	entry, err := e.store.ClaimNextStackEntry(ctx, stackID, e.workerID, e.lease)
	if err != nil {
		return Drained, err
	}
	if entry == nil {
		return Drained, nil
	}

	log := e.logger.With("stack_id", stackID, "queue_id", entry.QueueID, "task_id", entry.TaskID, "depth", entry.Depth)

	// Dynamic context snapshot: the child observes the accumulated state
	// as of its own execution, not its enqueue.
	inputCtx, err := e.store.StackContext(ctx, stackID)
	if err != nil {
		return Drained, err
	}
	if err := e.store.SetEntryInputContext(ctx, entry.QueueID, inputCtx); err != nil {
		return Drained, err
	}

	def, err := e.store.GetTask(ctx, entry.TaskID)
	if err != nil {
		if errors.Is(err, persistence.ErrTaskNotFound) {
			return e.finalizeDefinitionFailure(ctx, stackID, entry, inputCtx, fmt.Sprintf("task %q not found", entry.TaskID))
		}
		return Drained, err
	}
	if !def.Enabled {
		return e.finalizeDefinitionFailure(ctx, stackID, entry, inputCtx, fmt.Sprintf("task %q is disabled", entry.TaskID))
	}

	merged := persistence.MergeParameters(def, entry.Parameters)
	execResult := executor.Run(ctx, executor.Request{
		Definition:  *def,
		Parameters:  merged,
		Context:     inputCtx,
		QueueID:     entry.QueueID,
		StackID:     stackID,
		DBPath:      e.dbPath,
		Interpreter: e.interpreter,
	})

	taskResult := execResult.Parsed
	succeeded := execResult.ExitCode == 0
	if !succeeded {
		taskResult.Errors = append(taskResult.Errors,
			fmt.Sprintf("exit code %d", execResult.ExitCode))
		if msg := strings.TrimSpace(execResult.Stderr); msg != "" {
			taskResult.Errors = append(taskResult.Errors, msg)
		}
	}

	outputCtx := protocol.Bind(inputCtx, taskResult)

	if succeeded && len(taskResult.PushTasks) > 0 {
		if err := e.store.PushStackEntries(ctx, entry, taskResult.PushTasks, outputCtx); err != nil {
			return Drained, err
		}
		log.Info("pushed children", "count", len(taskResult.PushTasks))
	}

	stepStatus := persistence.StatusDone
	errMsg := ""
	if !succeeded {
		stepStatus = persistence.StatusFailed
		errMsg = strings.TrimSpace(execResult.Stderr)
		if errMsg == "" {
			errMsg = fmt.Sprintf("exit code %d", execResult.ExitCode)
		}
	}
	if err := e.store.FinalizeStackEntry(ctx, entry.QueueID, stepStatus, taskResult.Output, outputCtx, taskResult.PushTasks, errMsg); err != nil {
		return Drained, err
	}
	if err := e.store.UpdateStackContext(ctx, stackID, outputCtx); err != nil {
		return Drained, err
	}
	log.Info("step finalized", "status", string(stepStatus), "exit_code", execResult.ExitCode, "wall_ms", execResult.Cost.WallMS)

	if taskResult.Abort {
		log.Warn("task requested abort, failing stack")
		if err := e.finalizeStack(ctx, stackID, persistence.StackFailed, abortError); err != nil {
			return Finished, err
		}
		return Finished, nil
	}
	return Stepped, nil
}

// finalizeDefinitionFailure fails the current entry for a missing or
// disabled definition; the stack itself keeps running.
func (e *Engine) finalizeDefinitionFailure(ctx context.Context, stackID string, entry *persistence.StackQueueEntry, inputCtx protocol.Context, msg string) (StepOutcome, error) {
	failure := protocol.TaskResult{Errors: []string{msg}}
	outputCtx := protocol.Bind(inputCtx, failure)
	if err := e.store.FinalizeStackEntry(ctx, entry.QueueID, persistence.StatusFailed, nil, outputCtx, nil, msg); err != nil {
		return Drained, err
	}
	if err := e.store.UpdateStackContext(ctx, stackID, outputCtx); err != nil {
		return Drained, err
	}
	e.logger.Warn("step failed before execution", "stack_id", stackID, "queue_id", entry.QueueID, "error", msg)
	return Stepped, nil
}

// Run drives the stack until no eligible entries remain, then finalizes
// it as done with the accumulated context as final output. A stack
// already terminal returns immediately.
func (e *Engine) Run(ctx context.Context, stackID string) (*Result, error) {
	for {
		outcome, err := e.Step(ctx, stackID)
		if outcome == Finished {
			break
		}
		if err != nil {
			return nil, err
		}
		if outcome == Drained {
			st, err := e.store.GetStack(ctx, stackID)
			if err != nil {
				return nil, err
			}
			if st.Status == persistence.StackRunning {
				// Nothing claimable, but a row held under a live lease by
				// another worker is not drained; leave the stack to it.
				inflight, err := e.hasInflightEntries(ctx, stackID)
				if err != nil {
					return nil, err
				}
				if inflight {
					break
				}
				if err := e.finalizeStack(ctx, stackID, persistence.StackDone, ""); err != nil {
					return nil, err
				}
			}
			break
		}
	}
	return e.result(ctx, stackID)
}

// hasInflightEntries reports whether any row of the stack is still
// non-terminal (claimed by another worker under a live lease).
func (e *Engine) hasInflightEntries(ctx context.Context, stackID string) (bool, error) {
	entries, err := e.store.StackEntries(ctx, stackID)
	if err != nil {
		return false, err
	}
	for _, entry := range entries {
		if !entry.Status.IsTerminal() {
			return true, nil
		}
	}
	return false, nil
}

// finalizeStack computes the trace, writes the terminal stack state, and
// emits the stack artifact.
func (e *Engine) finalizeStack(ctx context.Context, stackID string, status persistence.Status, errMsg string) error {
	finalCtx, err := e.store.StackContext(ctx, stackID)
	if err != nil {
		return err
	}
	trace, err := e.buildTrace(ctx, stackID)
	if err != nil {
		return err
	}
	if err := e.store.FinalizeStack(ctx, stackID, status, trace, finalCtx, errMsg); err != nil {
		return err
	}

	st, err := e.store.GetStack(ctx, stackID)
	if err != nil {
		return err
	}
	rec := runs.StackRecord{
		StackID:       st.StackID,
		Status:        st.Status,
		CreatedAt:     st.CreatedAt,
		FinishedAt:    st.FinishedAt,
		InitialTaskID: st.InitialTaskID,
		FinalContext:  st.Context,
		FinalOutput:   st.FinalOutput,
		Trace:         trace,
		Error:         st.Error,
	}
	path, err := runs.WriteStack(e.runsDir, rec)
	if err != nil {
		e.logger.Error("write stack artifact", "stack_id", stackID, "error", err)
		return nil
	}
	e.logger.Info("stack finalized", "stack_id", stackID, "status", string(status), "artifact", path)
	return nil
}

// buildTrace emits one trace step per stack queue entry, in queue_id order.
func (e *Engine) buildTrace(ctx context.Context, stackID string) ([]runs.TraceStep, error) {
	entries, err := e.store.StackEntries(ctx, stackID)
	if err != nil {
		return nil, err
	}
	trace := make([]runs.TraceStep, 0, len(entries))
	for _, entry := range entries {
		step := runs.TraceStep{
			QueueID:       entry.QueueID,
			TaskID:        entry.TaskID,
			Depth:         entry.Depth,
			Status:        entry.Status,
			StartedAt:     entry.StartedAt,
			FinishedAt:    entry.FinishedAt,
			InputContext:  entry.InputContext,
			OutputContext: entry.OutputContext,
			Output:        entry.Output,
			PushedTasks:   entry.PushedTasks,
			Error:         entry.ErrorMessage,
		}
		if entry.StartedAt != nil && entry.FinishedAt != nil {
			step.ExecutionMS = entry.FinishedAt.Sub(*entry.StartedAt).Milliseconds()
		}
		trace = append(trace, step)
	}
	return trace, nil
}

func (e *Engine) result(ctx context.Context, stackID string) (*Result, error) {
	st, err := e.store.GetStack(ctx, stackID)
	if err != nil {
		return nil, err
	}
	return &Result{
		StackID:    st.StackID,
		Status:     st.Status,
		Error:      st.Error,
		OutputPath: fmt.Sprintf("stack_%s", shared.ShortID(st.StackID)),
	}, nil
}
