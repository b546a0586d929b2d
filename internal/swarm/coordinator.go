// Package swarm is the top-level entry point: it owns the agent pool,
// spawns agents from registry definitions and runs objectives through the
// orchestrator.
package swarm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/mtzanidakis/kypseli/internal/agent"
	"github.com/mtzanidakis/kypseli/internal/channel"
	"github.com/mtzanidakis/kypseli/internal/config"
	"github.com/mtzanidakis/kypseli/internal/errdefs"
	"github.com/mtzanidakis/kypseli/internal/memory"
	"github.com/mtzanidakis/kypseli/internal/natsbus"
	"github.com/mtzanidakis/kypseli/internal/orchestrator"
	"github.com/mtzanidakis/kypseli/internal/registry"
	"github.com/mtzanidakis/kypseli/internal/store"
	"github.com/nats-io/nats.go"
)

var (
	ErrNotInitialized = errors.New("swarm not initialized")
	ErrShutdown       = errors.New("swarm is shut down")
)

// Deps are the collaborators of a coordinator. Memory, Channel and
// Registry are required; the rest are optional.
type Deps struct {
	Memory       *memory.Store
	Channel      *channel.Channel
	Store        *store.Store
	Client       *natsbus.Client
	Registry     *registry.Registry
	Planner      orchestrator.Planner
	Orchestrator config.OrchestratorConfig
}

type Coordinator struct {
	id   string
	deps Deps

	baseCtx context.Context
	cancel  context.CancelFunc
	runs    sync.WaitGroup
	ipcSub  *nats.Subscription

	mu        sync.RWMutex
	topology  Topology
	maxAgents int
	orchCfg   config.OrchestratorConfig
	orch      *orchestrator.Orchestrator
	members   []member
	running   map[string]string
	closed    bool
}

func New(deps Deps) *Coordinator {
	ctx, cancel := context.WithCancel(context.Background())
	return &Coordinator{
		id:      uuid.New().String(),
		deps:    deps,
		baseCtx: ctx,
		cancel:  cancel,
		orchCfg: deps.Orchestrator,
		running: make(map[string]string),
	}
}

func (c *Coordinator) ID() string {
	return c.id
}

// Init sets the topology and pool size. It can be called again to change
// them as long as the pool fits.
func (c *Coordinator) Init(topology Topology, maxAgents int) error {
	if !topology.Valid() {
		return fmt.Errorf("unknown topology %q", topology)
	}
	if maxAgents < 1 {
		return fmt.Errorf("max agents must be at least 1, got %d", maxAgents)
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrShutdown
	}
	if len(c.members) > maxAgents {
		n := len(c.members)
		c.mu.Unlock()
		return fmt.Errorf("%d agents already spawned, max %d: %w", n, maxAgents, errdefs.ErrCapacityExceeded)
	}
	opts := []orchestrator.Option{
		orchestrator.WithTopology(string(topology)),
		orchestrator.WithConfig(c.orchCfg),
	}
	if c.deps.Planner != nil {
		opts = append(opts, orchestrator.WithPlanner(c.deps.Planner))
	}
	c.topology = topology
	c.maxAgents = maxAgents
	c.orch = orchestrator.New(c, c.deps.Memory, c.deps.Channel, opts...)
	c.mu.Unlock()

	slog.Info("swarm initialized", "swarm", c.id, "topology", topology, "max_agents", maxAgents)
	c.publishEvent("swarm_initialized", map[string]any{
		"topology":   topology,
		"max_agents": maxAgents,
	})
	return nil
}

// Agents implements orchestrator.Pool in spawn order.
func (c *Coordinator) Agents() []*agent.Handle {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]*agent.Handle, len(c.members))
	for i, m := range c.members {
		out[i] = m.handle
	}
	return out
}

// Definitions lists the agent definitions the coordinator can spawn.
func (c *Coordinator) Definitions() []registry.Definition {
	return c.deps.Registry.List()
}

// Spawn creates an agent from kind, which is a registry definition name or
// an agent type, initializes it and registers its mailbox.
func (c *Coordinator) Spawn(ctx context.Context, kind, name string) (agent.Descriptor, error) {
	def, err := c.deps.Registry.Resolve(kind)
	if err != nil {
		return agent.Descriptor{}, err
	}
	exec, err := c.deps.Registry.NewExecutor(def)
	if err != nil {
		return agent.Descriptor{}, fmt.Errorf("build executor: %w", err)
	}

	id := uuid.New().String()
	if name == "" {
		name = fmt.Sprintf("%s-%s", def.Name, id[:8])
	}
	h := agent.New(id, name, def.Type, def.Capabilities, exec, agent.OnStatusChange(c.agentChanged))

	c.mu.Lock()
	switch {
	case c.closed:
		c.mu.Unlock()
		return agent.Descriptor{}, ErrShutdown
	case c.orch == nil:
		c.mu.Unlock()
		return agent.Descriptor{}, ErrNotInitialized
	case len(c.members) >= c.maxAgents:
		limit := c.maxAgents
		c.mu.Unlock()
		return agent.Descriptor{}, fmt.Errorf("swarm has %d agents: %w", limit, errdefs.ErrCapacityExceeded)
	}
	// Reserve the slot before the possibly slow initialization.
	c.members = append(c.members, member{handle: h, definition: def.Name})
	c.mu.Unlock()

	if err := h.Initialize(ctx); err != nil {
		c.removeMember(id)
		h.Shutdown()
		return agent.Descriptor{}, err
	}
	c.deps.Channel.RegisterAgent(id)

	d := h.Status()
	if c.deps.Store != nil {
		if err := c.deps.Store.SaveAgent(&store.AgentRecord{
			ID:             d.ID,
			SwarmID:        c.id,
			Name:           d.Name,
			Type:           string(d.Type),
			Capabilities:   capabilityStrings(d.Capabilities),
			Status:         string(d.Status),
			TasksCompleted: d.TasksCompleted,
		}); err != nil {
			slog.Warn("save agent failed", "agent", id, "error", err)
		}
	}

	slog.Info("agent spawned", "swarm", c.id, "agent", id, "name", name, "type", d.Type)
	c.publishEvent("agent_spawned", map[string]any{
		"agent_id": id,
		"name":     name,
		"type":     d.Type,
	})
	return d, nil
}

// Terminate shuts an agent down and removes it from the pool.
func (c *Coordinator) Terminate(id string) error {
	h := c.removeMember(id)
	if h == nil {
		return fmt.Errorf("agent %s: %w", id, errdefs.ErrAgentUnavailable)
	}
	h.Shutdown()
	c.deps.Channel.UnregisterAgent(id)
	if c.deps.Store != nil {
		if err := c.deps.Store.DeleteAgent(id); err != nil {
			slog.Warn("delete agent failed", "agent", id, "error", err)
		}
	}
	slog.Info("agent terminated", "swarm", c.id, "agent", id)
	c.publishEvent("agent_terminated", map[string]any{"agent_id": id})
	return nil
}

func (c *Coordinator) removeMember(id string) *agent.Handle {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, m := range c.members {
		if m.handle.ID() == id {
			c.members = append(c.members[:i], c.members[i+1:]...)
			return m.handle
		}
	}
	return nil
}

// agentChanged mirrors every status change to the store and the bus.
func (c *Coordinator) agentChanged(d agent.Descriptor) {
	if c.deps.Store != nil {
		if err := c.deps.Store.UpdateAgentStatus(d.ID, string(d.Status), d.TasksCompleted); err != nil {
			slog.Warn("update agent status failed", "agent", d.ID, "error", err)
		}
	}
	if c.deps.Client != nil {
		_ = c.deps.Client.PublishJSON(natsbus.TopicAgentStatus(d.ID), d)
	}
}

// Orchestrate runs objective to completion on the current pool. The run
// ends early when ctx is done or the coordinator shuts down.
func (c *Coordinator) Orchestrate(ctx context.Context, objective string, strategy orchestrator.Strategy, priority string) (*orchestrator.Outcome, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrShutdown
	}
	c.runs.Add(1)
	c.mu.Unlock()
	defer c.runs.Done()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(c.baseCtx, cancel)
	defer stop()

	return c.orchestrate(ctx, uuid.New().String(), objective, strategy, priority)
}

// Submit starts objective in the background and returns its run id. The
// run is cancelled if the coordinator shuts down before it finishes.
func (c *Coordinator) Submit(objective string, strategy orchestrator.Strategy, priority string) (string, error) {
	c.mu.Lock()
	switch {
	case c.closed:
		c.mu.Unlock()
		return "", ErrShutdown
	case c.orch == nil:
		c.mu.Unlock()
		return "", ErrNotInitialized
	}
	c.runs.Add(1)
	c.mu.Unlock()

	id := uuid.New().String()
	go func() {
		defer c.runs.Done()
		if _, err := c.orchestrate(c.baseCtx, id, objective, strategy, priority); err != nil {
			slog.Warn("submitted orchestration failed", "run", id, "error", err)
		}
	}()
	return id, nil
}

func (c *Coordinator) orchestrate(ctx context.Context, runID, objective string, strategy orchestrator.Strategy, priority string) (*orchestrator.Outcome, error) {
	c.mu.Lock()
	orch := c.orch
	if orch == nil {
		c.mu.Unlock()
		return nil, ErrNotInitialized
	}
	c.running[runID] = objective
	defaultStrategy := c.orchCfg.DefaultStrategy
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.running, runID)
		c.mu.Unlock()
	}()

	if strategy == "" {
		strategy = orchestrator.Strategy(defaultStrategy)
	}
	if priority == "" {
		priority = "normal"
	}

	run := &store.OrchestrationRun{
		ID:        runID,
		SwarmID:   c.id,
		Objective: objective,
		Strategy:  string(strategy),
		Priority:  priority,
		Status:    "running",
	}
	c.saveRun(run)
	c.publishEvent("orchestration_started", map[string]any{
		"run_id":    runID,
		"objective": objective,
		"strategy":  strategy,
	})

	start := time.Now()
	out, err := orch.Orchestrate(ctx, objective, orchestrator.Options{
		Strategy:  strategy,
		Priority:  priority,
		ContextID: runID,
	})

	if out != nil {
		if out.Plan != nil {
			run.Strategy = string(out.Plan.Strategy)
			run.Plan, _ = json.Marshal(out.Plan)
		}
		run.Result, _ = json.Marshal(out.Result)
	}
	if err != nil {
		run.Status = "failed"
		run.Error = err.Error()
	} else {
		run.Status = "completed"
	}
	c.saveRun(run)

	data := map[string]any{
		"run_id":   runID,
		"status":   run.Status,
		"duration": time.Since(start).String(),
	}
	if out != nil {
		data["successful"] = out.Result.Successful
		data["total"] = out.Result.Total
	}
	if err != nil {
		data["error"] = err.Error()
	}
	c.publishEvent("orchestration_"+run.Status, data)
	slog.Info("orchestration finished", "swarm", c.id, "run", runID, "status", run.Status)
	return out, err
}

// RecoverRuns marks runs left running by a previous process as failed.
// It must be called before any run is started.
func (c *Coordinator) RecoverRuns() (int, error) {
	if c.deps.Store == nil {
		return 0, nil
	}
	runs, err := c.deps.Store.ListRuns(0)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, r := range runs {
		if r.Status != "running" {
			continue
		}
		if err := c.deps.Store.FinishRun(r.ID, "failed", r.Result, "interrupted by restart"); err != nil {
			return n, err
		}
		n++
	}
	if n > 0 {
		slog.Warn("recovered interrupted runs", "count", n)
	}
	return n, nil
}

func (c *Coordinator) saveRun(r *store.OrchestrationRun) {
	if c.deps.Store == nil {
		return
	}
	if err := c.deps.Store.SaveRun(r); err != nil {
		slog.Warn("save run failed", "run", r.ID, "error", err)
	}
}

func (c *Coordinator) Status() Status {
	c.mu.RLock()
	defer c.mu.RUnlock()

	s := Status{
		SwarmID:     c.id,
		Initialized: c.orch != nil,
		Topology:    c.topology,
		MaxAgents:   c.maxAgents,
		Agents:      make([]agent.Descriptor, 0, len(c.members)),
		Running:     make([]string, 0, len(c.running)),
	}
	for _, m := range c.members {
		d := m.handle.Status()
		switch d.Status {
		case agent.StatusReady:
			s.Ready++
		case agent.StatusWorking:
			s.Working++
		}
		s.Agents = append(s.Agents, d)
	}
	for id := range c.running {
		s.Running = append(s.Running, id)
	}
	sort.Strings(s.Running)
	return s
}

// Shutdown stops accepting work, waits for running orchestrations until
// ctx is done, cancels whatever is left and shuts every agent down.
func (c *Coordinator) Shutdown(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	if c.ipcSub != nil {
		_ = c.ipcSub.Unsubscribe()
	}

	done := make(chan struct{})
	go func() {
		c.runs.Wait()
		close(done)
	}()
	var waitErr error
	select {
	case <-done:
	case <-ctx.Done():
		waitErr = fmt.Errorf("wait for orchestrations: %w", ctx.Err())
		c.cancel()
		<-done
	}
	c.cancel()

	for _, h := range c.Agents() {
		h.Shutdown()
		c.deps.Channel.UnregisterAgent(h.ID())
	}

	slog.Info("swarm shut down", "swarm", c.id)
	c.publishEvent("swarm_shutdown", nil)
	return waitErr
}

// ApplyConfig reacts to a config reload: the registry takes the new agent
// definitions, agents of removed definitions are terminated, newly added
// boot definitions are spawned, and pool size and orchestrator settings
// are updated.
func (c *Coordinator) ApplyConfig(ctx context.Context, next *config.Config, diff config.ConfigDiff) {
	if len(diff.AgentsAdded)+len(diff.AgentsRemoved)+len(diff.AgentsChanged) > 0 {
		if err := c.deps.Registry.Replace(next.Agents); err != nil {
			slog.Error("reload agent definitions failed", "error", err)
			return
		}
	}

	if diff.MaxAgentsChanged {
		c.mu.Lock()
		c.maxAgents = diff.NewMaxAgents
		c.mu.Unlock()
		slog.Info("max agents updated", "swarm", c.id, "max_agents", diff.NewMaxAgents)
	}
	if diff.OrchestratorChanged {
		c.mu.Lock()
		c.orchCfg = diff.NewOrchestrator
		orch := c.orch
		c.mu.Unlock()
		if orch != nil {
			orch.Reconfigure(diff.NewOrchestrator)
		}
	}

	removed := make(map[string]bool, len(diff.AgentsRemoved))
	for _, name := range diff.AgentsRemoved {
		removed[name] = true
	}
	c.mu.RLock()
	var stale []string
	for _, m := range c.members {
		if removed[m.definition] {
			stale = append(stale, m.handle.ID())
		}
	}
	c.mu.RUnlock()
	for _, id := range stale {
		_ = c.Terminate(id)
	}

	for _, name := range diff.AgentsAdded {
		def, ok := c.deps.Registry.Get(name)
		if !ok || !def.Spawn {
			continue
		}
		if _, err := c.Spawn(ctx, name, ""); err != nil {
			slog.Warn("spawn reloaded agent failed", "definition", name, "error", err)
		}
	}
}

func (c *Coordinator) publishEvent(eventType string, data map[string]any) {
	if c.deps.Client == nil {
		return
	}
	if err := c.deps.Client.PublishEvent(natsbus.TopicEventsSwarm(c.id), eventType, c.id, data); err != nil {
		slog.Debug("publish swarm event failed", "type", eventType, "error", err)
	}
}

func capabilityStrings(caps []agent.Capability) []string {
	out := make([]string, len(caps))
	for i, c := range caps {
		out[i] = string(c)
	}
	return out
}
