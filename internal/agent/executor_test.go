package agent

import (
	"context"
	"os/exec"
	"strings"
	"testing"
)

func requireShell(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
}

func TestCommandExecutorJSON(t *testing.T) {
	requireShell(t)
	c := &CommandExecutor{Command: []string{"sh", "-c", `cat >/dev/null; echo '{"score": 3}'`}}

	out, err := c.Execute(context.Background(), Work{TaskID: "t1", Description: "score it"})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	m, ok := out.Result.(map[string]any)
	if !ok || m["score"] != float64(3) {
		t.Errorf("unexpected result %#v", out.Result)
	}
}

func TestCommandExecutorReadsWorkFromStdin(t *testing.T) {
	requireShell(t)
	c := &CommandExecutor{Command: []string{"sh", "-c", "cat"}}

	out, err := c.Execute(context.Background(), Work{TaskID: "t9", Description: "echo"})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	m, ok := out.Result.(map[string]any)
	if !ok || m["task_id"] != "t9" {
		t.Errorf("expected echoed work, got %#v", out.Result)
	}
}

func TestCommandExecutorPlainText(t *testing.T) {
	requireShell(t)
	c := &CommandExecutor{Command: []string{"sh", "-c", "echo hello world"}}

	out, err := c.Execute(context.Background(), Work{TaskID: "t1"})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if out.Result != "hello world" {
		t.Errorf("expected plain text, got %#v", out.Result)
	}
}

func TestCommandExecutorFailure(t *testing.T) {
	requireShell(t)
	c := &CommandExecutor{Command: []string{"sh", "-c", "echo nope >&2; exit 3"}}

	_, err := c.Execute(context.Background(), Work{TaskID: "t1"})
	if err == nil {
		t.Fatal("expected error")
	}
	if !strings.Contains(err.Error(), "nope") {
		t.Errorf("expected stderr in error, got %v", err)
	}

	empty := &CommandExecutor{}
	if _, err := empty.Execute(context.Background(), Work{}); err == nil {
		t.Error("expected error for empty command")
	}
}
