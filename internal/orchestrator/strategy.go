package orchestrator

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/mtzanidakis/kypseli/internal/agent"
	"github.com/mtzanidakis/kypseli/internal/errdefs"
	"github.com/mtzanidakis/kypseli/internal/taskctx"
	"golang.org/x/sync/errgroup"
)

// delegateTaskID names the single task of a hierarchical run.
const delegateTaskID = "delegate"

// run is the state of one orchestration.
type run struct {
	o       *Orchestrator
	tc      *taskctx.Context
	plan    *ExecutionPlan
	opts    Options
	retry   RetryPolicy
	timeout time.Duration

	mu      sync.Mutex
	results map[string]*TaskOutcome
}

func (r *run) sequential(ctx context.Context) error {
	for _, level := range r.plan.Levels {
		for _, id := range level {
			if err := r.execute(ctx, r.plan.Task(id), nil); err != nil {
				return err
			}
		}
	}
	return nil
}

// parallel runs each dependency level concurrently. A level starts only
// after every task of the previous level completed; each task also waits
// on the completion channels of its own dependencies.
func (r *run) parallel(ctx context.Context) error {
	done := make(map[string]chan struct{}, len(r.plan.Tasks))
	for _, t := range r.plan.Tasks {
		done[t.ID] = make(chan struct{})
	}

	for i, level := range r.plan.Levels {
		g, gctx := errgroup.WithContext(ctx)
		for _, id := range level {
			t := r.plan.Task(id)
			g.Go(func() error {
				for _, dep := range t.Dependencies {
					select {
					case <-done[dep]:
					case <-gctx.Done():
						return errdefs.NewTaskError(t.ID, "", gctx.Err())
					}
				}
				if err := r.execute(gctx, t, nil); err != nil {
					return err
				}
				close(done[t.ID])
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return err
		}
		slog.Info("level completed", "context", r.tc.ID(), "level", i, "tasks", len(level))
	}
	return nil
}

// hierarchical hands the whole plan to one coordinating agent as a single
// task; fan-out is that agent's business. Only coordinator agents, by type
// or capability, may take it.
func (r *run) hierarchical(ctx context.Context) error {
	t := &Task{
		ID:                   delegateTaskID,
		Description:          r.plan.Objective,
		AgentType:            agent.TypeCoordinator,
		RequiredCapabilities: []agent.Capability{agent.CapCoordination, agent.CapPlanning},
		Priority:             r.opts.Priority,
	}
	return r.execute(ctx, t, isCoordinator)
}

// execute runs t with retries on agents only admits, recording progress in
// the task context.
func (r *run) execute(ctx context.Context, t *Task, only agentFilter) error {
	o := r.o
	started := false
	var lastErr error

	for attempt := 1; attempt <= r.retry.attempts(); attempt++ {
		if attempt > 1 {
			delay := r.retry.Delay(attempt - 1)
			slog.Info("retrying task", "context", r.tc.ID(), "task", t.ID, "attempt", attempt, "delay", delay)
			if err := sleepCtx(ctx, delay); err != nil {
				lastErr = err
				break
			}
		}
		r.setOutcome(t.ID, func(to *TaskOutcome) {
			to.Attempts = attempt
			to.Status = TaskAssigned
		})

		h, err := o.assign.acquire(ctx, o.pool, t, only)
		if err != nil {
			lastErr = err
			if ctx.Err() != nil {
				break
			}
			continue
		}
		agentID := h.ID()
		r.setOutcome(t.ID, func(to *TaskOutcome) {
			to.AgentID = agentID
			to.Status = TaskRunning
		})

		o.record(r.tc.RegisterAgent(ctx, agentID, string(h.Status().Type)))
		if !started {
			o.record(r.tc.StartStep(ctx, t.ID, t.Description, agentID, t.Dependencies))
			started = true
		}
		o.publish(EventTaskStarted, map[string]any{
			"context": r.tc.ID(),
			"task":    t.ID,
			"agent":   agentID,
			"attempt": attempt,
		})

		res, err := h.ExecuteTask(ctx, agent.TaskRequest{
			TaskID:      t.ID,
			Description: t.Description,
			Context:     r.requestContext(t),
			Timeout:     r.timeout,
		})
		o.assign.release(agentID)

		if err == nil {
			r.setOutcome(t.ID, func(to *TaskOutcome) {
				to.Status = TaskCompleted
				to.Output = res.Output
				to.Error = ""
			})
			o.record(r.tc.CompleteStep(ctx, t.ID, res.Output, agentID))
			o.record(r.tc.ShareData(ctx, "result:"+t.ID, res.Output, agentID))
			o.publish(EventTaskCompleted, map[string]any{
				"context":  r.tc.ID(),
				"task":     t.ID,
				"agent":    agentID,
				"duration": res.Duration.String(),
			})
			return nil
		}

		lastErr = err
		slog.Warn("task attempt failed", "context", r.tc.ID(), "task", t.ID, "agent", agentID, "attempt", attempt, "error", err)
		if ctx.Err() != nil {
			break
		}
	}

	agentID := r.outcome(t.ID).AgentID
	if !started {
		o.record(r.tc.StartStep(ctx, t.ID, t.Description, agentID, t.Dependencies))
	}
	o.record(r.tc.FailStep(ctx, t.ID, lastErr, agentID))
	r.setOutcome(t.ID, func(to *TaskOutcome) {
		to.Status = TaskFailed
		to.Error = lastErr.Error()
	})
	o.publish(EventTaskFailed, map[string]any{
		"context": r.tc.ID(),
		"task":    t.ID,
		"agent":   agentID,
		"error":   lastErr.Error(),
	})

	var te *errdefs.TaskError
	if errors.As(lastErr, &te) {
		return lastErr
	}
	return errdefs.NewTaskError(t.ID, agentID, lastErr)
}

// requestContext is what the executor sees besides the description: the
// objective, priority, constraints and the outputs of t's dependencies.
func (r *run) requestContext(t *Task) map[string]any {
	c := map[string]any{
		"context_id": r.tc.ID(),
		"objective":  r.plan.Objective,
		"priority":   t.Priority,
	}
	if len(t.RequiredCapabilities) > 0 {
		c["capabilities"] = t.RequiredCapabilities
	}
	if len(r.opts.Constraints) > 0 {
		c["constraints"] = r.opts.Constraints
	}
	if t.ID == delegateTaskID {
		c["plan"] = r.plan
	}
	if len(t.Dependencies) > 0 {
		deps := make(map[string]any, len(t.Dependencies))
		r.mu.Lock()
		for _, d := range t.Dependencies {
			if to, ok := r.results[d]; ok && to.Status == TaskCompleted {
				deps[d] = to.Output
			}
		}
		r.mu.Unlock()
		c["dependencies"] = deps
	}
	return c
}

// outcome returns a copy of the outcome for id, creating it if needed.
func (r *run) outcome(id string) TaskOutcome {
	r.mu.Lock()
	defer r.mu.Unlock()
	return *r.entry(id)
}

func (r *run) setOutcome(id string, fn func(*TaskOutcome)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	fn(r.entry(id))
}

// entry returns the outcome record for id. Caller holds r.mu.
func (r *run) entry(id string) *TaskOutcome {
	to, ok := r.results[id]
	if !ok {
		to = &TaskOutcome{TaskID: id, Status: TaskPending}
		r.results[id] = to
	}
	return to
}

// result aggregates outcomes in plan order. A hierarchical run counts as
// a single task.
func (r *run) result() Result {
	r.mu.Lock()
	defer r.mu.Unlock()

	var ids []string
	if r.plan.Strategy == StrategyHierarchical {
		ids = []string{delegateTaskID}
	} else {
		for _, t := range r.plan.Tasks {
			ids = append(ids, t.ID)
		}
	}

	res := Result{Total: len(ids)}
	for _, id := range ids {
		to, ok := r.results[id]
		if !ok {
			res.Outputs = append(res.Outputs, TaskOutcome{TaskID: id, Status: TaskPending})
			continue
		}
		if to.Status == TaskCompleted {
			res.Successful++
		}
		res.Outputs = append(res.Outputs, *to)
	}
	return res
}
