// Package orchestrator decomposes an objective into an execution plan,
// assigns each task to the best scoring agent and runs the plan under a
// sequential, parallel, hierarchical or adaptive strategy.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/mtzanidakis/kypseli/internal/agent"
	"github.com/mtzanidakis/kypseli/internal/channel"
	"github.com/mtzanidakis/kypseli/internal/config"
	"github.com/mtzanidakis/kypseli/internal/errdefs"
	"github.com/mtzanidakis/kypseli/internal/memory"
	"github.com/mtzanidakis/kypseli/internal/taskctx"
)

const (
	EventTaskStarted   = "task.started"
	EventTaskCompleted = "task.completed"
	EventTaskFailed    = "task.failed"

	// TopologyHierarchical enables the configured planner.
	TopologyHierarchical = "hierarchical"

	orchestratorID = "orchestrator"
)

// Options tune a single orchestration.
type Options struct {
	Strategy    Strategy
	Priority    string
	Constraints map[string]any
	// TaskTimeout bounds each task execution; zero uses the default.
	TaskTimeout time.Duration
	// ContextID reuses a task context id instead of generating one.
	ContextID string
}

// TaskOutcome is the result of one plan task.
type TaskOutcome struct {
	TaskID   string     `json:"task_id"`
	AgentID  string     `json:"agent_id,omitempty"`
	Status   TaskStatus `json:"status"`
	Output   any        `json:"output,omitempty"`
	Error    string     `json:"error,omitempty"`
	Attempts int        `json:"attempts"`
}

type Result struct {
	Total      int           `json:"total"`
	Successful int           `json:"successful"`
	Outputs    []TaskOutcome `json:"outputs"`
}

// Outcome is everything an orchestration produced. It is returned even
// when the orchestration failed, carrying the partial result.
type Outcome struct {
	ContextID string          `json:"context_id"`
	Result    Result          `json:"result"`
	Plan      *ExecutionPlan  `json:"plan"`
	Summary   taskctx.Summary `json:"summary"`
}

type Orchestrator struct {
	pool     Pool
	mem      *memory.Store
	ch       *channel.Channel
	planner  Planner
	topology string
	assign   *assigner

	mu      sync.RWMutex
	retry   RetryPolicy
	timeout time.Duration
}

type Option func(*Orchestrator)

// WithPlanner sets the planner consulted under the hierarchical topology.
func WithPlanner(p Planner) Option {
	return func(o *Orchestrator) { o.planner = p }
}

func WithTopology(t string) Option {
	return func(o *Orchestrator) { o.topology = t }
}

func WithRetryPolicy(p RetryPolicy) Option {
	return func(o *Orchestrator) { o.retry = p }
}

// WithTaskTimeout sets the default per-task timeout.
func WithTaskTimeout(d time.Duration) Option {
	return func(o *Orchestrator) { o.timeout = d }
}

// WithConfig applies the orchestrator section of the config.
func WithConfig(cfg config.OrchestratorConfig) Option {
	return func(o *Orchestrator) { o.Reconfigure(cfg) }
}

// New creates an orchestrator. mem and ch may be nil, in which case task
// contexts live only in process and no events are published.
func New(pool Pool, mem *memory.Store, ch *channel.Channel, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		pool:   pool,
		mem:    mem,
		ch:     ch,
		retry:  RetryPolicy{MaxAttempts: 1},
		assign: newAssigner(),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Reconfigure swaps the retry policy and default timeout. Running
// orchestrations keep the settings they started with.
func (o *Orchestrator) Reconfigure(cfg config.OrchestratorConfig) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.timeout = cfg.TaskTimeout
	o.retry = RetryPolicy{MaxAttempts: cfg.RetryAttempts, BaseDelay: cfg.RetryBaseDelay}
}

// BuildPlan decomposes objective into a leveled execution plan.
func (o *Orchestrator) BuildPlan(ctx context.Context, objective string, opts Options) (*ExecutionPlan, error) {
	plan := &ExecutionPlan{Objective: objective, Strategy: opts.Strategy}
	if plan.Strategy == "" {
		plan.Strategy = StrategyAdaptive
	}

	if o.planner != nil && o.topology == TopologyHierarchical {
		doc, err := o.planner.Plan(ctx, PlanRequest{
			Objective:             objective,
			AvailableCapabilities: o.capabilities(),
			Strategy:              plan.Strategy,
			Priority:              opts.Priority,
			Constraints:           opts.Constraints,
		})
		if err == nil && doc == nil {
			err = fmt.Errorf("planner returned no plan: %w", errdefs.ErrPlanParse)
		}
		if err == nil {
			err = doc.Validate()
		}
		switch {
		case err == nil:
			plan.Source = "planner"
			plan.Phases, plan.Tasks = doc.tasks(opts.Priority)
		case ctx.Err() != nil:
			return nil, fmt.Errorf("plan objective: %w", ctx.Err())
		default:
			slog.Warn("planner output rejected, using generic plan", "error", err, "parse_error", errors.Is(err, errdefs.ErrPlanParse))
			plan.Source = "fallback"
			plan.Phases, plan.Tasks = genericPlan(objective, opts.Priority)
		}
	} else {
		plan.Source, plan.Phases, plan.Tasks = heuristicPlan(objective, opts.Priority)
	}

	levels, err := Levels(plan.Tasks)
	if err != nil {
		return nil, fmt.Errorf("level plan: %w", err)
	}
	plan.Levels = levels
	for _, t := range plan.Tasks {
		plan.EstimatedMinutes += t.EstimatedMinutes
	}
	return plan, nil
}

// capabilities is the sorted union of the pool's capabilities.
func (o *Orchestrator) capabilities() []agent.Capability {
	seen := make(map[agent.Capability]bool)
	var out []agent.Capability
	for _, h := range o.pool.Agents() {
		for _, c := range h.Status().Capabilities {
			if !seen[c] {
				seen[c] = true
				out = append(out, c)
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// chooseStrategy resolves the adaptive strategy for plan.
func (o *Orchestrator) chooseStrategy(plan *ExecutionPlan) Strategy {
	if plan.Strategy != StrategyAdaptive {
		return plan.Strategy
	}
	if len(plan.Tasks) <= 1 {
		return StrategySequential
	}
	ready, coordinators := readyAgents(o.pool)
	heavy := len(plan.Tasks) >= 5 || plan.EstimatedMinutes >= 60 || plan.HasDependencies()
	switch {
	case heavy && ready >= 3 && coordinators > 0:
		return StrategyHierarchical
	case plan.MaxParallelism() >= 2 && ready >= 2:
		return StrategyParallel
	default:
		return StrategySequential
	}
}

// Orchestrate plans objective and runs it to completion. On failure the
// returned Outcome holds the partial result and the error is a
// *errdefs.TaskError for the task that failed.
func (o *Orchestrator) Orchestrate(ctx context.Context, objective string, opts Options) (*Outcome, error) {
	if opts.Strategy != "" && !opts.Strategy.Valid() {
		return nil, fmt.Errorf("unknown strategy %q", opts.Strategy)
	}
	if opts.Priority == "" {
		opts.Priority = "normal"
	}

	var tcOpts []taskctx.Option
	if opts.ContextID != "" {
		tcOpts = append(tcOpts, taskctx.WithID(opts.ContextID))
	}
	tc := taskctx.New(o.mem, tcOpts...)
	if err := tc.Initialize(ctx, objective, map[string]any{
		"priority":    opts.Priority,
		"strategy":    string(opts.Strategy),
		"constraints": opts.Constraints,
	}); err != nil {
		return nil, fmt.Errorf("initialize task context: %w", err)
	}

	plan, err := o.BuildPlan(ctx, objective, opts)
	if err != nil {
		o.record(tc.Fail(ctx, err))
		return &Outcome{ContextID: tc.ID(), Summary: tc.Summary()}, err
	}
	plan.Strategy = o.chooseStrategy(plan)

	slog.Info("orchestration planned",
		"context", tc.ID(),
		"strategy", plan.Strategy,
		"source", plan.Source,
		"tasks", len(plan.Tasks),
		"levels", len(plan.Levels))

	o.mu.RLock()
	r := &run{
		o:       o,
		tc:      tc,
		plan:    plan,
		opts:    opts,
		retry:   o.retry,
		timeout: opts.TaskTimeout,
		results: make(map[string]*TaskOutcome),
	}
	if r.timeout <= 0 {
		r.timeout = o.timeout
	}
	o.mu.RUnlock()

	switch plan.Strategy {
	case StrategyParallel:
		err = r.parallel(ctx)
	case StrategyHierarchical:
		err = r.hierarchical(ctx)
	default:
		err = r.sequential(ctx)
	}

	out := &Outcome{ContextID: tc.ID(), Plan: plan, Result: r.result()}
	if err != nil {
		slog.Warn("orchestration failed", "context", tc.ID(), "error", err)
		o.record(tc.Fail(ctx, err))
		out.Summary = tc.Summary()
		return out, err
	}

	o.record(tc.CompleteTask(ctx, out.Result))
	out.Summary = tc.Summary()
	slog.Info("orchestration completed",
		"context", tc.ID(),
		"successful", out.Result.Successful,
		"total", out.Result.Total)
	return out, nil
}

// record logs task context persistence failures. The in-process context
// stays authoritative for the running orchestration.
func (o *Orchestrator) record(err error) {
	if err != nil {
		slog.Warn("task context update failed", "error", err)
	}
}

func (o *Orchestrator) publish(eventType string, payload map[string]any) {
	if o.ch == nil {
		return
	}
	if err := o.ch.Publish(eventType, payload); err != nil {
		slog.Warn("publish orchestration event failed", "type", eventType, "error", err)
	}
}
