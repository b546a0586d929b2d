package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/mtzanidakis/kypseli/internal/errdefs"
	"github.com/mtzanidakis/kypseli/internal/orchestrator"
)

const plannerSystem = `You decompose objectives into execution plans for a pool of agents.
Answer with a single JSON object and nothing else, matching exactly:
{"version": 1, "objective": string, "phases": [{"name": string, "tasks": [{
  "id": string, "description": string, "agent_type": string (optional),
  "estimated_minutes": integer, "dependencies": [task id] (optional),
  "required_capabilities": [capability] (optional)}]}]}
Task ids are unique. Dependencies refer to earlier task ids and never form a cycle.
Agent types: coordinator, researcher, coder, analyst, architect, tester, reviewer,
optimizer, documenter, specialist. Only use capabilities from the list provided.`

// Planner asks the model for a plan document.
type Planner struct {
	client *Client
}

func NewPlanner(c *Client) *Planner {
	return &Planner{client: c}
}

func (p *Planner) Plan(ctx context.Context, req orchestrator.PlanRequest) (*orchestrator.PlanDocument, error) {
	reqJSON, err := json.MarshalIndent(req, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encode plan request: %w", err)
	}
	prompt := fmt.Sprintf("Plan the following request:\n\n%s\n", reqJSON)

	reply, err := p.client.Complete(ctx, plannerSystem, prompt)
	if err != nil {
		return nil, fmt.Errorf("request plan: %w", err)
	}

	raw, ok := extractJSON(reply)
	if !ok {
		slog.Debug("planner reply without json", "reply", reply)
		return nil, fmt.Errorf("planner reply has no json object: %w", errdefs.ErrPlanParse)
	}
	return orchestrator.ParsePlanDocument([]byte(raw))
}
