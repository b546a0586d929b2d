package orchestrator

import (
	"context"
	"fmt"
	"sync"

	"github.com/mtzanidakis/kypseli/internal/agent"
	"github.com/mtzanidakis/kypseli/internal/errdefs"
)

const (
	scoreBase          = 10.0
	scoreCapability    = 20.0
	scoreTypeMatch     = 15.0
	scorePerCompletion = 0.5
	completionCap      = 10
	scoreLoadPenalty   = 5.0
)

// Score rates how well agent d fits task t. Higher is better. A handle
// only takes work while ready, so every agent acquire weighs has zero load;
// the load penalty ranks descriptors captured while agents are working.
func Score(d agent.Descriptor, t *Task) float64 {
	s := scoreBase
	for _, c := range t.RequiredCapabilities {
		if d.HasCapability(c) {
			s += scoreCapability
		}
	}
	want := t.AgentType
	if want == "" {
		want = InferAgentType(t.Description)
	}
	if want != "" && d.Type == want {
		s += scoreTypeMatch
	}
	s += float64(min(d.TasksCompleted, completionCap)) * scorePerCompletion
	s -= float64(d.Load) * scoreLoadPenalty
	return s
}

// agentFilter restricts which agents may take a task. A nil filter admits
// every agent.
type agentFilter func(agent.Descriptor) bool

// isCoordinator admits agents that can take a delegated plan.
func isCoordinator(d agent.Descriptor) bool {
	return d.Type == agent.TypeCoordinator || d.HasCapability(agent.CapCoordination)
}

// Pool exposes the agents an orchestrator may assign work to, in a stable
// order.
type Pool interface {
	Agents() []*agent.Handle
}

// assigner hands out ready agents, each to at most one task at a time.
// Tasks that find every agent busy wait for a release.
type assigner struct {
	mu       sync.Mutex
	reserved map[string]bool
	wake     chan struct{}
}

func newAssigner() *assigner {
	return &assigner{
		reserved: make(map[string]bool),
		wake:     make(chan struct{}),
	}
}

// acquire reserves the best scoring ready agent for t among those only
// admits. It fails with ErrAgentUnavailable when no admitted agent is ready
// and none will be released.
func (a *assigner) acquire(ctx context.Context, pool Pool, t *Task, only agentFilter) (*agent.Handle, error) {
	for {
		a.mu.Lock()
		var best *agent.Handle
		var bestScore float64
		pending := 0
		for _, h := range pool.Agents() {
			d := h.Status()
			if only != nil && !only(d) {
				continue
			}
			if a.reserved[d.ID] {
				pending++
				continue
			}
			if d.Status != agent.StatusReady {
				continue
			}
			// Strictly greater keeps the earlier agent on ties.
			if sc := Score(d, t); best == nil || sc > bestScore {
				best, bestScore = h, sc
			}
		}
		if best != nil {
			a.reserved[best.ID()] = true
			a.mu.Unlock()
			return best, nil
		}
		if pending == 0 {
			a.mu.Unlock()
			return nil, fmt.Errorf("no agent for task %s: %w", t.ID, errdefs.ErrAgentUnavailable)
		}
		wake := a.wake
		a.mu.Unlock()

		select {
		case <-wake:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (a *assigner) release(id string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.reserved, id)
	close(a.wake)
	a.wake = make(chan struct{})
}

// readyAgents counts agents that could take work now, and how many of
// them can coordinate.
func readyAgents(pool Pool) (ready, coordinators int) {
	for _, h := range pool.Agents() {
		d := h.Status()
		if d.Status != agent.StatusReady {
			continue
		}
		ready++
		if isCoordinator(d) {
			coordinators++
		}
	}
	return ready, coordinators
}
