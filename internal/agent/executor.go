package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"
)

// Work is what an executor receives for one task.
type Work struct {
	TaskID      string         `json:"task_id"`
	Description string         `json:"description"`
	Context     map[string]any `json:"context,omitempty"`
}

type Output struct {
	Result any `json:"result"`
}

// Executor performs the actual computation of a task.
type Executor interface {
	Execute(ctx context.Context, w Work) (Output, error)
}

// FuncExecutor adapts a plain function to Executor.
type FuncExecutor func(ctx context.Context, w Work) (Output, error)

func (f FuncExecutor) Execute(ctx context.Context, w Work) (Output, error) {
	return f(ctx, w)
}

// CommandExecutor runs a subprocess per task. The work is written to stdin
// as JSON. Stdout is decoded as JSON when possible, otherwise returned as
// trimmed text.
type CommandExecutor struct {
	Command []string
	Dir     string
	Env     []string
}

func (c *CommandExecutor) Execute(ctx context.Context, w Work) (Output, error) {
	if len(c.Command) == 0 {
		return Output{}, fmt.Errorf("command executor: no command configured")
	}
	input, err := json.Marshal(w)
	if err != nil {
		return Output{}, fmt.Errorf("marshal work: %w", err)
	}

	cmd := exec.CommandContext(ctx, c.Command[0], c.Command[1:]...)
	if c.Dir != "" {
		cmd.Dir = c.Dir
	}
	if len(c.Env) > 0 {
		cmd.Env = append(cmd.Environ(), c.Env...)
	}
	cmd.Stdin = bytes.NewReader(input)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return Output{}, fmt.Errorf("run %s: %w", c.Command[0], ctx.Err())
		}
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			return Output{}, fmt.Errorf("run %s: %w", c.Command[0], err)
		}
		return Output{}, fmt.Errorf("run %s: %w: %s", c.Command[0], err, msg)
	}

	raw := bytes.TrimSpace(stdout.Bytes())
	var decoded any
	if len(raw) > 0 && json.Unmarshal(raw, &decoded) == nil {
		return Output{Result: decoded}, nil
	}
	return Output{Result: string(raw)}, nil
}
