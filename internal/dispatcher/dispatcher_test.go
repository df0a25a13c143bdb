package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/basket/go-runner/internal/persistence"
	"github.com/basket/go-runner/internal/requests"
	"github.com/basket/go-runner/internal/stack"
)

type fakeSource struct {
	queue     []*requests.TaskRequest
	executing []string
	done      map[string]string
	failed    map[string]string
	resolved  []string
}

func newFakeSource(reqs ...*requests.TaskRequest) *fakeSource {
	return &fakeSource{
		queue:  reqs,
		done:   map[string]string{},
		failed: map[string]string{},
	}
}

func (f *fakeSource) ClaimNext(_ context.Context, _ string) (*requests.TaskRequest, error) {
	if len(f.queue) == 0 {
		return nil, nil
	}
	req := f.queue[0]
	f.queue = f.queue[1:]
	req.Status = requests.StatusClaimed
	return req, nil
}

func (f *fakeSource) MarkExecuting(_ context.Context, id string) error {
	f.executing = append(f.executing, id)
	return nil
}

func (f *fakeSource) MarkDone(_ context.Context, id, ref string) error {
	f.done[id] = ref
	return nil
}

func (f *fakeSource) MarkFailed(_ context.Context, id, msg string) error {
	f.failed[id] = msg
	return nil
}

func (f *fakeSource) ResolveBlocked(_ context.Context, id string) ([]string, error) {
	f.resolved = append(f.resolved, id)
	return nil, nil
}

type fakeStacks struct {
	status  persistence.Status
	err     string
	runErr  error
	created []string
}

func (f *fakeStacks) Create(_ context.Context, taskID string, _ map[string]any, requestID string) (string, error) {
	f.created = append(f.created, requestID)
	return "stack-" + requestID, nil
}

func (f *fakeStacks) Run(_ context.Context, stackID string) (*stack.Result, error) {
	if f.runErr != nil {
		return nil, f.runErr
	}
	return &stack.Result{
		StackID:    stackID,
		Status:     f.status,
		Error:      f.err,
		OutputPath: fmt.Sprintf("%s_ref", stackID),
	}, nil
}

func TestProcessOneSuccess(t *testing.T) {
	source := newFakeSource(&requests.TaskRequest{RequestID: "r1", TaskID: "echo", Priority: 100})
	stacks := &fakeStacks{status: persistence.StackDone}
	d := New(Options{Source: source, Stacks: stacks})

	processed, err := d.ProcessOne(context.Background())
	if err != nil {
		t.Fatalf("ProcessOne: %v", err)
	}
	if !processed {
		t.Fatal("expected a request to be processed")
	}
	if len(source.executing) != 1 || source.executing[0] != "r1" {
		t.Fatalf("executing = %v", source.executing)
	}
	if ref, ok := source.done["r1"]; !ok || ref != "stack-r1_ref" {
		t.Fatalf("done = %v", source.done)
	}
	if d.Processed() != 1 || d.Failed() != 0 {
		t.Fatalf("counters = %d/%d", d.Processed(), d.Failed())
	}
	if len(source.resolved) != 1 {
		t.Fatalf("resolve blocked not invoked: %v", source.resolved)
	}
}

func TestProcessOneFailedStack(t *testing.T) {
	source := newFakeSource(&requests.TaskRequest{RequestID: "r2", TaskID: "boom"})
	stacks := &fakeStacks{status: persistence.StackFailed, err: "Task requested abort"}
	d := New(Options{Source: source, Stacks: stacks})

	if _, err := d.ProcessOne(context.Background()); err != nil {
		t.Fatalf("ProcessOne: %v", err)
	}
	if msg := source.failed["r2"]; msg != "Task requested abort" {
		t.Fatalf("failed = %v", source.failed)
	}
	if d.Failed() != 1 {
		t.Fatalf("failed counter = %d", d.Failed())
	}
}

func TestProcessOneExecutionError(t *testing.T) {
	source := newFakeSource(&requests.TaskRequest{RequestID: "r3", TaskID: "x"})
	stacks := &fakeStacks{runErr: errors.New("store exploded")}
	d := New(Options{Source: source, Stacks: stacks})

	if _, err := d.ProcessOne(context.Background()); err != nil {
		t.Fatalf("ProcessOne: %v", err)
	}
	if msg := source.failed["r3"]; msg == "" {
		t.Fatal("expected failure recorded")
	}
	// Even a failed request must trigger dependency resolution.
	if len(source.resolved) != 1 {
		t.Fatalf("resolved = %v", source.resolved)
	}
}

func TestProcessOneEmptyQueue(t *testing.T) {
	d := New(Options{Source: newFakeSource(), Stacks: &fakeStacks{status: persistence.StackDone}})
	processed, err := d.ProcessOne(context.Background())
	if err != nil {
		t.Fatalf("ProcessOne: %v", err)
	}
	if processed {
		t.Fatal("expected no work")
	}
}

func TestIdempotencyKeyFlowsToStack(t *testing.T) {
	source := newFakeSource(&requests.TaskRequest{RequestID: "idem-1", TaskID: "echo"})
	stacks := &fakeStacks{status: persistence.StackDone}
	d := New(Options{Source: source, Stacks: stacks})

	if _, err := d.ProcessOne(context.Background()); err != nil {
		t.Fatalf("ProcessOne: %v", err)
	}
	if len(stacks.created) != 1 || stacks.created[0] != "idem-1" {
		t.Fatalf("stack created with wrong request id: %v", stacks.created)
	}
}
