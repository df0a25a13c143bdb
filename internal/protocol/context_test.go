package protocol

import (
	"reflect"
	"testing"
)

func TestBindAppendsAndMerges(t *testing.T) {
	ctx := EmptyContext()
	r1 := TaskResult{
		Output:    "a",
		Variables: map[string]any{"x": 1.0, "y": "first"},
		Decisions: []string{"picked a"},
	}
	r2 := TaskResult{
		Output:    "b",
		Variables: map[string]any{"y": "second"},
		Errors:    []string{"warn"},
		Metadata:  map[string]any{"m": true},
	}

	got := Bind(Bind(ctx, r1), r2)

	if !reflect.DeepEqual(got.Outputs, []any{"a", "b"}) {
		t.Fatalf("outputs = %#v", got.Outputs)
	}
	if !reflect.DeepEqual(got.Decisions, []string{"picked a"}) {
		t.Fatalf("decisions = %#v", got.Decisions)
	}
	if !reflect.DeepEqual(got.Errors, []string{"warn"}) {
		t.Fatalf("errors = %#v", got.Errors)
	}
	if got.Variables["x"] != 1.0 {
		t.Fatalf("variables x = %#v", got.Variables["x"])
	}
	if got.Variables["y"] != "second" {
		t.Fatalf("later bind should win on variables, got %#v", got.Variables["y"])
	}
	if got.Metadata["m"] != true {
		t.Fatalf("metadata = %#v", got.Metadata)
	}
}

func TestBindDoesNotMutateInput(t *testing.T) {
	ctx := EmptyContext()
	ctx.Variables["keep"] = "original"

	_ = Bind(ctx, TaskResult{Output: "x", Variables: map[string]any{"keep": "overwritten"}})

	if ctx.Variables["keep"] != "original" {
		t.Fatalf("input context mutated: %#v", ctx.Variables)
	}
	if len(ctx.Outputs) != 0 {
		t.Fatalf("input outputs mutated: %#v", ctx.Outputs)
	}
}

func TestBindEmptyIsIdentityOnAppends(t *testing.T) {
	// Binding the empty result still appends its (nil) output; the
	// identity law holds for the empty *context* on the left.
	r := TaskResult{Output: "only"}
	got := Bind(EmptyContext(), r)
	if len(got.Outputs) != 1 || got.Outputs[0] != "only" {
		t.Fatalf("outputs = %#v", got.Outputs)
	}
}

func TestNormalizeNilFields(t *testing.T) {
	var c Context
	n := c.Normalize()
	if n.Variables == nil || n.Outputs == nil || n.Decisions == nil || n.Errors == nil || n.Metadata == nil {
		t.Fatalf("normalize left nil fields: %#v", n)
	}
}
