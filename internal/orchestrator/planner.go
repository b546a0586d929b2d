package orchestrator

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/mtzanidakis/kypseli/internal/agent"
	"github.com/mtzanidakis/kypseli/internal/errdefs"
)

// PlanVersion is the only plan document version accepted.
const PlanVersion = 1

// PlanRequest is what a Planner is asked to decompose.
type PlanRequest struct {
	Objective             string             `json:"objective"`
	AvailableCapabilities []agent.Capability `json:"available_capabilities"`
	Strategy              Strategy           `json:"strategy"`
	Priority              string             `json:"priority"`
	Constraints           map[string]any     `json:"constraints,omitempty"`
}

// Planner turns an objective into a plan document.
type Planner interface {
	Plan(ctx context.Context, req PlanRequest) (*PlanDocument, error)
}

// PlanDocument is the versioned schema a planner answers with.
type PlanDocument struct {
	Version   int         `json:"version"`
	Objective string      `json:"objective"`
	Phases    []PlanPhase `json:"phases"`
}

type PlanPhase struct {
	Name  string     `json:"name"`
	Tasks []PlanTask `json:"tasks"`
}

type PlanTask struct {
	ID                   string   `json:"id"`
	Description          string   `json:"description"`
	AgentType            string   `json:"agent_type,omitempty"`
	EstimatedMinutes     int      `json:"estimated_minutes"`
	Dependencies         []string `json:"dependencies,omitempty"`
	RequiredCapabilities []string `json:"required_capabilities,omitempty"`
}

// ParsePlanDocument decodes raw strictly: unknown fields, trailing data and
// schema violations are all rejected with ErrPlanParse.
func ParsePlanDocument(raw []byte) (*PlanDocument, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()

	var doc PlanDocument
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("decode plan: %w: %w", errdefs.ErrPlanParse, err)
	}
	if dec.More() {
		return nil, fmt.Errorf("decode plan: trailing data: %w", errdefs.ErrPlanParse)
	}
	if err := doc.Validate(); err != nil {
		return nil, err
	}
	return &doc, nil
}

// Validate checks the document against the schema. Dependency cycles are
// detected later, when the plan is leveled.
func (d *PlanDocument) Validate() error {
	if d.Version != PlanVersion {
		return fmt.Errorf("unsupported plan version %d: %w", d.Version, errdefs.ErrPlanParse)
	}
	if len(d.Phases) == 0 {
		return fmt.Errorf("plan has no phases: %w", errdefs.ErrPlanParse)
	}

	ids := make(map[string]bool)
	for _, ph := range d.Phases {
		for _, t := range ph.Tasks {
			if t.ID == "" || strings.TrimSpace(t.Description) == "" {
				return fmt.Errorf("task %q needs an id and a description: %w", t.ID, errdefs.ErrPlanParse)
			}
			if ids[t.ID] {
				return fmt.Errorf("duplicate task id %q: %w", t.ID, errdefs.ErrPlanParse)
			}
			ids[t.ID] = true
			if t.EstimatedMinutes < 0 {
				return fmt.Errorf("task %q has negative estimate: %w", t.ID, errdefs.ErrPlanParse)
			}
			if t.AgentType != "" && !agent.Type(t.AgentType).Valid() {
				return fmt.Errorf("task %q has unknown agent type %q: %w", t.ID, t.AgentType, errdefs.ErrPlanParse)
			}
			for _, c := range t.RequiredCapabilities {
				if !agent.Capability(c).Valid() {
					return fmt.Errorf("task %q has unknown capability %q: %w", t.ID, c, errdefs.ErrPlanParse)
				}
			}
		}
	}
	if len(ids) == 0 {
		return fmt.Errorf("plan has no tasks: %w", errdefs.ErrPlanParse)
	}
	for _, ph := range d.Phases {
		for _, t := range ph.Tasks {
			for _, dep := range t.Dependencies {
				if !ids[dep] {
					return fmt.Errorf("task %q depends on unknown task %q: %w", t.ID, dep, errdefs.ErrPlanParse)
				}
			}
		}
	}
	return nil
}

// tasks flattens the document into plan phases and tasks.
func (d *PlanDocument) tasks(priority string) ([]Phase, []*Task) {
	var phases []Phase
	var tasks []*Task
	for _, ph := range d.Phases {
		p := Phase{Name: ph.Name}
		for _, pt := range ph.Tasks {
			caps := make([]agent.Capability, 0, len(pt.RequiredCapabilities))
			for _, c := range pt.RequiredCapabilities {
				caps = append(caps, agent.Capability(c))
			}
			if len(caps) == 0 {
				caps = InferCapabilities(pt.Description)
			}
			tasks = append(tasks, &Task{
				ID:                   pt.ID,
				Description:          pt.Description,
				AgentType:            agent.Type(pt.AgentType),
				RequiredCapabilities: caps,
				Dependencies:         append([]string(nil), pt.Dependencies...),
				Priority:             priority,
				EstimatedMinutes:     pt.EstimatedMinutes,
			})
			p.Tasks = append(p.Tasks, pt.ID)
		}
		phases = append(phases, p)
	}
	return phases, tasks
}
