// Package dispatcher bridges agent-submitted task requests to the stack
// engine: it polls the request store, claims one request at a time,
// drives a stack for it, and mirrors the outcome back onto the request.
package dispatcher

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"

	"github.com/basket/go-runner/internal/bus"
	otelx "github.com/basket/go-runner/internal/otel"
	"github.com/basket/go-runner/internal/persistence"
	"github.com/basket/go-runner/internal/requests"
	"github.com/basket/go-runner/internal/shared"
	"github.com/basket/go-runner/internal/stack"
)

// RequestSource is the slice of the request store the dispatcher needs.
type RequestSource interface {
	ClaimNext(ctx context.Context, workerID string) (*requests.TaskRequest, error)
	MarkExecuting(ctx context.Context, requestID string) error
	MarkDone(ctx context.Context, requestID, resultRef string) error
	MarkFailed(ctx context.Context, requestID, errMsg string) error
	ResolveBlocked(ctx context.Context, completedRequestID string) ([]string, error)
}

// StackDriver creates and drives stacks.
type StackDriver interface {
	Create(ctx context.Context, taskID string, params map[string]any, requestID string) (string, error)
	Run(ctx context.Context, stackID string) (*stack.Result, error)
}

// Options configures a Dispatcher.
type Options struct {
	Source       RequestSource
	Stacks       StackDriver
	PollInterval time.Duration
	WorkerID     string
	Logger       *slog.Logger
	Bus          *bus.Bus
	Tracer       trace.Tracer
}

// Dispatcher is the polling daemon.
type Dispatcher struct {
	source   RequestSource
	stacks   StackDriver
	workerID string
	logger   *slog.Logger
	bus      *bus.Bus
	tracer   trace.Tracer

	pollIntervalNS atomic.Int64
	processed      atomic.Int64
	failed         atomic.Int64
}

func New(opts Options) *Dispatcher {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	workerID := opts.WorkerID
	if workerID == "" {
		workerID = shared.WorkerID()
	}
	interval := opts.PollInterval
	if interval <= 0 {
		interval = 2 * time.Second
	}
	tracer := opts.Tracer
	if tracer == nil {
		tracer = nooptrace.NewTracerProvider().Tracer(otelx.TracerName)
	}
	d := &Dispatcher{
		source:   opts.Source,
		stacks:   opts.Stacks,
		workerID: workerID,
		logger:   logger,
		bus:      opts.Bus,
		tracer:   tracer,
	}
	d.pollIntervalNS.Store(int64(interval))
	return d
}

// PollInterval returns the current poll interval.
func (d *Dispatcher) PollInterval() time.Duration {
	return time.Duration(d.pollIntervalNS.Load())
}

// SetPollInterval adjusts the poll interval; the next idle wait uses it.
// Called from the config watcher on hot reload.
func (d *Dispatcher) SetPollInterval(interval time.Duration) {
	if interval > 0 {
		d.pollIntervalNS.Store(int64(interval))
	}
}

// Processed returns the count of successfully completed requests.
func (d *Dispatcher) Processed() int64 { return d.processed.Load() }

// Failed returns the count of failed requests.
func (d *Dispatcher) Failed() int64 { return d.failed.Load() }

func (d *Dispatcher) publish(topic string, ev bus.RequestEvent) {
	if d.bus != nil {
		d.bus.Publish(topic, ev)
	}
}

// ProcessOne claims and executes a single request if one is available.
// Returns true when a request was processed (successfully or not).
func (d *Dispatcher) ProcessOne(ctx context.Context) (bool, error) {
	req, err := d.source.ClaimNext(ctx, d.workerID)
	if err != nil {
		return false, err
	}
	if req == nil {
		return false, nil
	}

	ctx, span := d.tracer.Start(ctx, otelx.SpanRequestDispatch, trace.WithAttributes(
		attribute.String("request.id", req.RequestID),
		attribute.String("task.id", req.TaskID),
		attribute.Int("request.priority", req.Priority),
	))
	defer span.End()

	log := d.logger.With("request_id", req.RequestID, "task_id", req.TaskID, "priority", req.Priority)
	log.Info("claimed request", "requester", req.Requester)
	d.publish(bus.TopicRequestClaimed, bus.RequestEvent{RequestID: req.RequestID, TaskID: req.TaskID, Status: requests.StatusClaimed, WorkerID: d.workerID})

	if err := d.source.MarkExecuting(ctx, req.RequestID); err != nil {
		d.failRequest(ctx, log, req.RequestID, fmt.Sprintf("mark executing: %v", err))
		return true, nil
	}

	result, err := d.executeRequest(ctx, req)
	switch {
	case err != nil:
		d.failRequest(ctx, log, req.RequestID, err.Error())
	case result.Status == persistence.StackDone:
		if err := d.source.MarkDone(ctx, req.RequestID, result.OutputPath); err != nil {
			log.Error("mark done", "error", err)
			d.failed.Add(1)
		} else {
			d.processed.Add(1)
			log.Info("request done", "result_ref", result.OutputPath)
			d.publish(bus.TopicRequestDone, bus.RequestEvent{RequestID: req.RequestID, TaskID: req.TaskID, Status: requests.StatusDone, WorkerID: d.workerID})
		}
	default:
		errMsg := result.Error
		if errMsg == "" {
			errMsg = fmt.Sprintf("stack ended with status: %s", result.Status)
		}
		d.failRequest(ctx, log, req.RequestID, errMsg)
	}

	// Only a done request can unblock dependents (all of their
	// dependencies must be done), but resolve defensively on every pass,
	// whatever the outcome.
	unblocked, err := d.source.ResolveBlocked(ctx, req.RequestID)
	if err != nil {
		log.Error("resolve blocked requests", "error", err)
	} else {
		for _, id := range unblocked {
			log.Info("unblocked dependent request", "unblocked_request_id", id)
			d.publish(bus.TopicRequestUnblocked, bus.RequestEvent{RequestID: id, Status: requests.StatusPending})
		}
	}
	return true, nil
}

func (d *Dispatcher) executeRequest(ctx context.Context, req *requests.TaskRequest) (*stack.Result, error) {
	stackID, err := d.stacks.Create(ctx, req.TaskID, req.Parameters, req.RequestID)
	if err != nil {
		return nil, fmt.Errorf("create stack: %w", err)
	}
	result, err := d.stacks.Run(ctx, stackID)
	if err != nil {
		return nil, fmt.Errorf("run stack %s: %w", stackID, err)
	}
	return result, nil
}

func (d *Dispatcher) failRequest(ctx context.Context, log *slog.Logger, requestID, errMsg string) {
	d.failed.Add(1)
	log.Warn("request failed", "error", errMsg)
	if err := d.source.MarkFailed(ctx, requestID, errMsg); err != nil {
		log.Error("mark failed", "error", err)
	}
	d.publish(bus.TopicRequestFailed, bus.RequestEvent{RequestID: requestID, Status: requests.StatusFailed, WorkerID: d.workerID})
}

// Run polls until the context is cancelled. An in-flight request always
// finishes before the loop exits; only new claims are stopped.
func (d *Dispatcher) Run(ctx context.Context) {
	d.logger.Info("request dispatcher starting", "poll_interval", d.PollInterval())

	for {
		if ctx.Err() != nil {
			break
		}
		// The in-flight request runs under Background so shutdown does
		// not kill it mid-stack; only the poll wait is interruptible.
		processed, err := d.ProcessOne(context.WithoutCancel(ctx))
		if err != nil {
			d.logger.Error("dispatch error", "error", err)
		}
		if processed {
			continue
		}
		select {
		case <-ctx.Done():
		case <-time.After(d.PollInterval()):
		}
	}

	d.logger.Info("request dispatcher stopped",
		"processed", d.processed.Load(),
		"failed", d.failed.Load(),
	)
}
