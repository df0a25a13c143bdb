package protocol

import (
	"testing"
)

func TestParseStdoutSentinel(t *testing.T) {
	stdout := "progress 1/3\nprogress 2/3\n" +
		`{"__task_result__": true, "output": "ok", "variables": {"n": 3}, "push_tasks": [{"task_id": "child"}]}` + "\n"
	r := ParseStdout(stdout)
	if !r.Structured {
		t.Fatal("expected structured result")
	}
	if r.Output != "ok" {
		t.Fatalf("output = %#v", r.Output)
	}
	if r.Variables["n"] != 3.0 {
		t.Fatalf("variables = %#v", r.Variables)
	}
	if len(r.PushTasks) != 1 || r.PushTasks[0].TaskID != "child" {
		t.Fatalf("push_tasks = %#v", r.PushTasks)
	}
}

func TestParseStdoutLastSentinelWins(t *testing.T) {
	stdout := `{"__task_result__": true, "output": "first"}` + "\n" +
		"noise\n" +
		`{"__task_result__": true, "output": "second"}` + "\n"
	r := ParseStdout(stdout)
	if r.Output != "second" {
		t.Fatalf("expected last sentinel line, got %#v", r.Output)
	}
}

func TestParseStdoutIgnoresNonSentinelJSON(t *testing.T) {
	stdout := `{"__task_result__": true, "output": "real"}` + "\n" +
		`{"progress": 100}` + "\n"
	r := ParseStdout(stdout)
	if r.Output != "real" {
		t.Fatalf("expected sentinel result, got %#v", r.Output)
	}
}

func TestParseStdoutBareWrapper(t *testing.T) {
	r := ParseStdout("  plain output line  \n")
	if r.Structured {
		t.Fatal("expected bare wrapper")
	}
	if r.Output != "plain output line" {
		t.Fatalf("output = %#v", r.Output)
	}
}

func TestParseStdoutEmpty(t *testing.T) {
	r := ParseStdout("   \n\n")
	if r.Output != nil {
		t.Fatalf("expected nil output for blank stdout, got %#v", r.Output)
	}
}

func TestParseStdoutSentinelFalse(t *testing.T) {
	r := ParseStdout(`{"__task_result__": false, "output": "nope"}`)
	if r.Structured {
		t.Fatal("sentinel false must not be treated as structured")
	}
}

func TestParseStdoutMalformedJSONFallsThrough(t *testing.T) {
	stdout := `{"__task_result__": true, "output": ` + "\n" // truncated line
	r := ParseStdout(stdout)
	if r.Structured {
		t.Fatal("malformed line must not parse")
	}
}

func TestParseStdoutAbortAndErrors(t *testing.T) {
	r := ParseStdout(`{"__task_result__": true, "abort": true, "errors": ["stop"]}`)
	if !r.Abort {
		t.Fatal("abort flag lost")
	}
	if len(r.Errors) != 1 || r.Errors[0] != "stop" {
		t.Fatalf("errors = %#v", r.Errors)
	}
}
