package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/mtzanidakis/kypseli/internal/agent"
)

const defaultExecutorSystem = `You are one agent in a team working towards a shared objective.
Complete the task you are given using the context provided and reply with the result only.`

// Executor performs agent work by prompting the model. A reply that is a
// JSON object is returned decoded; anything else as text.
type Executor struct {
	client *Client
	system string
}

// NewExecutor creates an executor. An empty system prompt uses a generic
// team-member prompt.
func NewExecutor(c *Client, system string) *Executor {
	if strings.TrimSpace(system) == "" {
		system = defaultExecutorSystem
	}
	return &Executor{client: c, system: system}
}

func (e *Executor) Execute(ctx context.Context, w agent.Work) (agent.Output, error) {
	var b strings.Builder
	fmt.Fprintf(&b, "Task %s:\n%s\n", w.TaskID, w.Description)
	if len(w.Context) > 0 {
		ctxJSON, err := json.MarshalIndent(w.Context, "", "  ")
		if err != nil {
			return agent.Output{}, fmt.Errorf("encode task context: %w", err)
		}
		fmt.Fprintf(&b, "\nContext:\n%s\n", ctxJSON)
	}

	reply, err := e.client.Complete(ctx, e.system, b.String())
	if err != nil {
		return agent.Output{}, fmt.Errorf("execute task %s: %w", w.TaskID, err)
	}

	reply = strings.TrimSpace(reply)
	if strings.HasPrefix(reply, "{") {
		var v map[string]any
		if err := json.Unmarshal([]byte(reply), &v); err == nil {
			return agent.Output{Result: v}, nil
		}
	}
	return agent.Output{Result: reply}, nil
}
