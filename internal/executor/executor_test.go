package executor

import (
	"context"
	"strings"
	"testing"

	"github.com/basket/go-runner/internal/persistence"
	"github.com/basket/go-runner/internal/protocol"
)

func shellDef(code string, timeout int) persistence.TaskDefinition {
	return persistence.TaskDefinition{
		TaskID:         "test",
		Kind:           persistence.KindShell,
		Code:           code,
		TimeoutSeconds: timeout,
		Enabled:        true,
	}
}

func TestRenderShellTemplate(t *testing.T) {
	out, err := RenderShellTemplate("echo 'Hi {who}' {count}", map[string]any{"who": "World", "count": 3})
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	if out != "echo 'Hi World' 3" {
		t.Fatalf("rendered = %q", out)
	}
}

func TestRenderShellTemplateMissingKey(t *testing.T) {
	_, err := RenderShellTemplate("echo {who}", map[string]any{})
	if err == nil || !strings.Contains(err.Error(), "who") {
		t.Fatalf("expected missing-key error, got %v", err)
	}
}

func TestRunShellSuccess(t *testing.T) {
	res := Run(context.Background(), Request{
		Definition: shellDef("echo 'Hi {who}'", 30),
		Parameters: map[string]any{"who": "World"},
		Context:    protocol.EmptyContext(),
	})
	if res.ExitCode != 0 {
		t.Fatalf("exit = %d, stderr = %q", res.ExitCode, res.Stderr)
	}
	if !strings.Contains(res.Stdout, "Hi World") {
		t.Fatalf("stdout = %q", res.Stdout)
	}
	if res.TimedOut {
		t.Fatal("unexpected timeout")
	}
	if res.Parsed.Output != "Hi World" {
		t.Fatalf("parsed output = %#v", res.Parsed.Output)
	}
	if res.FinishedAt.Before(res.StartedAt) {
		t.Fatal("finished before started")
	}
}

func TestRunShellNonZeroExit(t *testing.T) {
	res := Run(context.Background(), Request{
		Definition: shellDef("exit 7", 30),
		Parameters: map[string]any{},
	})
	if res.ExitCode != 7 {
		t.Fatalf("exit = %d", res.ExitCode)
	}
}

func TestRunShellTimeout(t *testing.T) {
	res := Run(context.Background(), Request{
		Definition: shellDef("sleep 5", 1),
		Parameters: map[string]any{},
	})
	if !res.TimedOut {
		t.Fatal("expected timeout")
	}
	if res.ExitCode != ExitTimeout {
		t.Fatalf("exit = %d", res.ExitCode)
	}
	if !strings.Contains(res.Stderr, "timeout after") {
		t.Fatalf("stderr missing timeout marker: %q", res.Stderr)
	}
}

func TestRunTemplateFailureIsSpawnError(t *testing.T) {
	res := Run(context.Background(), Request{
		Definition: shellDef("echo {missing}", 30),
		Parameters: map[string]any{},
	})
	if res.ExitCode != ExitSpawnError {
		t.Fatalf("exit = %d", res.ExitCode)
	}
	if !strings.Contains(res.Stderr, "missing") {
		t.Fatalf("stderr = %q", res.Stderr)
	}
}

func TestRunMissingScriptFile(t *testing.T) {
	res := Run(context.Background(), Request{
		Definition: persistence.TaskDefinition{
			TaskID:         "ghost",
			Kind:           persistence.KindInterpretedFile,
			Code:           "does/not/exist.py",
			TimeoutSeconds: 30,
		},
		Parameters: map[string]any{},
		BaseDir:    t.TempDir(),
	})
	if res.ExitCode != ExitSpawnError {
		t.Fatalf("exit = %d", res.ExitCode)
	}
	if !strings.Contains(res.Stderr, "script not found") {
		t.Fatalf("stderr = %q", res.Stderr)
	}
}

func TestRunInlineUsesConfiguredInterpreter(t *testing.T) {
	// Use /bin/sh as the "interpreter" so the test has no python
	// dependency; the inline body is a shell script.
	res := Run(context.Background(), Request{
		Definition: persistence.TaskDefinition{
			TaskID:         "inline",
			Kind:           persistence.KindInterpretedInline,
			Code:           "echo inline-ran\n",
			TimeoutSeconds: 30,
		},
		Parameters:  map[string]any{},
		Interpreter: "/bin/sh",
	})
	if res.ExitCode != 0 {
		t.Fatalf("exit = %d, stderr = %q", res.ExitCode, res.Stderr)
	}
	if !strings.Contains(res.Stdout, "inline-ran") {
		t.Fatalf("stdout = %q", res.Stdout)
	}
}

func TestRunInjectsProtocolEnv(t *testing.T) {
	res := Run(context.Background(), Request{
		Definition: shellDef(`echo "$TASK_PARAMS|$TASK_CONTEXT|$TASK_QUEUE_ID|$TASK_STACK_ID|$TASK_DB"`, 30),
		Parameters: map[string]any{"who": "World"},
		Context:    protocol.EmptyContext(),
		QueueID:    42,
		StackID:    "stack-1",
		DBPath:     "/tmp/tasks.db",
	})
	if res.ExitCode != 0 {
		t.Fatalf("exit = %d, stderr = %q", res.ExitCode, res.Stderr)
	}
	out := res.Stdout
	for _, want := range []string{`{"who":"World"}`, `"outputs":[]`, "|42|", "stack-1", "/tmp/tasks.db"} {
		if !strings.Contains(out, want) {
			t.Fatalf("env echo missing %q: %q", want, out)
		}
	}
}

func TestRunEnvironmentOverrides(t *testing.T) {
	def := shellDef(`echo "$EXTRA_VAR"`, 30)
	def.EnvironmentOverrides = map[string]string{"EXTRA_VAR": "override-value"}
	res := Run(context.Background(), Request{Definition: def, Parameters: map[string]any{}})
	if !strings.Contains(res.Stdout, "override-value") {
		t.Fatalf("stdout = %q", res.Stdout)
	}
}

func TestRunStructuredResult(t *testing.T) {
	res := Run(context.Background(), Request{
		Definition: shellDef(`printf '%s\n' '{"__task_result__": true, "output": "structured", "decisions": ["d1"]}'`, 30),
		Parameters: map[string]any{},
	})
	if res.ExitCode != 0 {
		t.Fatalf("exit = %d, stderr = %q", res.ExitCode, res.Stderr)
	}
	if !res.Parsed.Structured || res.Parsed.Output != "structured" {
		t.Fatalf("parsed = %#v", res.Parsed)
	}
	if len(res.Parsed.Decisions) != 1 || res.Parsed.Decisions[0] != "d1" {
		t.Fatalf("decisions = %#v", res.Parsed.Decisions)
	}
}

func TestRunCostAccounting(t *testing.T) {
	res := Run(context.Background(), Request{
		Definition: shellDef("sleep 0.2", 30),
		Parameters: map[string]any{},
	})
	if res.ExitCode != 0 {
		t.Fatalf("exit = %d", res.ExitCode)
	}
	if res.Cost.WallMS < 150 {
		t.Fatalf("wall clock too small: %dms", res.Cost.WallMS)
	}
	if res.Cost.MaxRSSKB <= 0 {
		t.Fatalf("expected positive max rss, got %d", res.Cost.MaxRSSKB)
	}
}
