package orchestrator

import (
	"github.com/mtzanidakis/kypseli/internal/agent"
)

type Strategy string

const (
	StrategySequential   Strategy = "sequential"
	StrategyParallel     Strategy = "parallel"
	StrategyHierarchical Strategy = "hierarchical"
	StrategyAdaptive     Strategy = "adaptive"
)

func (s Strategy) Valid() bool {
	switch s {
	case StrategySequential, StrategyParallel, StrategyHierarchical, StrategyAdaptive:
		return true
	}
	return false
}

type TaskStatus string

const (
	TaskPending   TaskStatus = "pending"
	TaskAssigned  TaskStatus = "assigned"
	TaskRunning   TaskStatus = "running"
	TaskCompleted TaskStatus = "completed"
	TaskFailed    TaskStatus = "failed"
)

// Task is one node of an execution plan.
type Task struct {
	ID                   string             `json:"id"`
	Description          string             `json:"description"`
	AgentType            agent.Type         `json:"agent_type,omitempty"`
	RequiredCapabilities []agent.Capability `json:"required_capabilities"`
	Dependencies         []string           `json:"dependencies,omitempty"`
	Priority             string             `json:"priority"`
	EstimatedMinutes     int                `json:"estimated_minutes"`
}

type Phase struct {
	Name  string   `json:"name"`
	Tasks []string `json:"tasks"`
}

// ExecutionPlan is built once per orchestration and not modified afterwards.
type ExecutionPlan struct {
	Objective        string     `json:"objective"`
	Strategy         Strategy   `json:"strategy"`
	Source           string     `json:"source"`
	Phases           []Phase    `json:"phases"`
	Tasks            []*Task    `json:"tasks"`
	Levels           [][]string `json:"levels"`
	EstimatedMinutes int        `json:"estimated_minutes"`
}

// Task returns the task with id, or nil.
func (p *ExecutionPlan) Task(id string) *Task {
	for _, t := range p.Tasks {
		if t.ID == id {
			return t
		}
	}
	return nil
}

// HasDependencies reports whether any task depends on another.
func (p *ExecutionPlan) HasDependencies() bool {
	for _, t := range p.Tasks {
		if len(t.Dependencies) > 0 {
			return true
		}
	}
	return false
}

// MaxParallelism is the size of the widest dependency level.
func (p *ExecutionPlan) MaxParallelism() int {
	n := 0
	for _, l := range p.Levels {
		n = max(n, len(l))
	}
	return n
}
