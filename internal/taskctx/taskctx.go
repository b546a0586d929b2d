// Package taskctx tracks one objective's collaborative state: steps,
// a shared blackboard, checkpoints and the final result. State is mirrored
// into the memory store so it stays inspectable after the run.
package taskctx

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/mtzanidakis/kypseli/internal/memory"
)

const (
	// SharedNamespace holds blackboard entries of every task, keyed
	// "<taskID>:<dataKey>".
	SharedNamespace = "shared"
	stateKey        = "state"
)

// Namespace returns the memory namespace of a task.
func Namespace(taskID string) string {
	return "task:" + taskID
}

type Status string

const (
	StatusInitialized Status = "initialized"
	StatusActive      Status = "active"
	StatusCompleted   Status = "completed"
	StatusError       Status = "error"
)

type StepStatus string

const (
	StepActive    StepStatus = "active"
	StepCompleted StepStatus = "completed"
	StepFailed    StepStatus = "failed"
)

type Step struct {
	ID           string     `json:"id"`
	Description  string     `json:"description"`
	AgentID      string     `json:"agent_id"`
	Dependencies []string   `json:"dependencies,omitempty"`
	Status       StepStatus `json:"status"`
	Progress     int        `json:"progress"`
	Data         any        `json:"data,omitempty"`
	Result       any        `json:"result,omitempty"`
	Error        string     `json:"error,omitempty"`
	StartedAt    time.Time  `json:"started_at"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
}

type SharedEntry struct {
	Value     json.RawMessage `json:"value"`
	From      string          `json:"from"`
	Timestamp time.Time       `json:"timestamp"`
}

// Decode unmarshals the shared value into v.
func (e SharedEntry) Decode(v any) error {
	return json.Unmarshal(e.Value, v)
}

// Checkpoint is an immutable snapshot of a task's progress.
type Checkpoint struct {
	ID          string            `json:"id"`
	Description string            `json:"description"`
	Timestamp   time.Time         `json:"timestamp"`
	Progress    float64           `json:"progress"`
	Results     map[string]any    `json:"results"`
	ActiveSteps []string          `json:"active_steps"`
	Agents      map[string]string `json:"agents"`
}

// State is the persisted form of a Context.
type State struct {
	ID          string                 `json:"id"`
	Objective   string                 `json:"objective"`
	Metadata    map[string]any         `json:"metadata,omitempty"`
	Status      Status                 `json:"status"`
	Agents      map[string]string      `json:"agents"`
	Steps       []*Step                `json:"steps"`
	Results     map[string]any         `json:"results"`
	Shared      map[string]SharedEntry `json:"shared"`
	Checkpoints []Checkpoint           `json:"checkpoints"`
	Progress    float64                `json:"progress"`
	FinalResult any                    `json:"final_result,omitempty"`
	Error       string                 `json:"error,omitempty"`
	CreatedAt   time.Time              `json:"created_at"`
	CompletedAt *time.Time             `json:"completed_at,omitempty"`
}

// Context is owned by one orchestration and safe for concurrent use by
// the agents assigned to it.
type Context struct {
	mem *memory.Store
	ttl time.Duration
	now func() time.Time

	mu    sync.Mutex
	state State
	steps map[string]*Step
}

type Option func(*Context)

// WithID fixes the task id instead of generating one.
func WithID(id string) Option {
	return func(c *Context) { c.state.ID = id }
}

// WithTTL expires the persisted state after d. Zero keeps it forever.
func WithTTL(d time.Duration) Option {
	return func(c *Context) { c.ttl = d }
}

func WithClock(now func() time.Time) Option {
	return func(c *Context) { c.now = now }
}

func New(mem *memory.Store, opts ...Option) *Context {
	c := &Context{
		mem: mem,
		now: time.Now,
		state: State{
			ID:      uuid.New().String(),
			Agents:  make(map[string]string),
			Results: make(map[string]any),
			Shared:  make(map[string]SharedEntry),
		},
		steps: make(map[string]*Step),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

func (c *Context) ID() string {
	return c.state.ID
}

// persist writes the state snapshot. Caller holds c.mu.
func (c *Context) persist(ctx context.Context) error {
	if c.mem == nil {
		return nil
	}
	if err := c.mem.Store(ctx, Namespace(c.state.ID), stateKey, c.state, c.ttl); err != nil {
		return fmt.Errorf("persist task %s: %w", c.state.ID, err)
	}
	return nil
}

func (c *Context) Initialize(ctx context.Context, objective string, metadata map[string]any) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state.Status != "" {
		return fmt.Errorf("task %s already initialized", c.state.ID)
	}
	c.state.Objective = objective
	c.state.Metadata = metadata
	c.state.Status = StatusInitialized
	c.state.CreatedAt = c.now()
	return c.persist(ctx)
}

func (c *Context) RegisterAgent(ctx context.Context, agentID, role string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state.Agents[agentID] = role
	return c.persist(ctx)
}

func (c *Context) StartStep(ctx context.Context, id, description, agentID string, deps []string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.steps[id]; ok {
		return fmt.Errorf("step %s already started", id)
	}
	s := &Step{
		ID:           id,
		Description:  description,
		AgentID:      agentID,
		Dependencies: append([]string(nil), deps...),
		Status:       StepActive,
		StartedAt:    c.now(),
	}
	c.steps[id] = s
	c.state.Steps = append(c.state.Steps, s)
	if c.state.Status == StatusInitialized {
		c.state.Status = StatusActive
	}
	c.recompute()
	return c.persist(ctx)
}

// UpdateStepProgress sets an active step's progress, clamped to 0..100.
func (c *Context) UpdateStepProgress(ctx context.Context, id string, progress int, data any) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	s, err := c.activeStep(id)
	if err != nil {
		return err
	}
	s.Progress = min(max(progress, 0), 100)
	if data != nil {
		s.Data = data
	}
	return c.persist(ctx)
}

func (c *Context) CompleteStep(ctx context.Context, id string, result any, agentID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	s, err := c.activeStep(id)
	if err != nil {
		return err
	}
	now := c.now()
	s.Status = StepCompleted
	s.Progress = 100
	s.Result = result
	s.CompletedAt = &now
	if agentID != "" {
		s.AgentID = agentID
	}
	c.state.Results[id] = result
	c.recompute()
	return c.persist(ctx)
}

func (c *Context) FailStep(ctx context.Context, id string, stepErr error, agentID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	s, err := c.activeStep(id)
	if err != nil {
		return err
	}
	now := c.now()
	s.Status = StepFailed
	s.CompletedAt = &now
	if stepErr != nil {
		s.Error = stepErr.Error()
	}
	if agentID != "" {
		s.AgentID = agentID
	}
	c.recompute()
	return c.persist(ctx)
}

// activeStep returns step id if it is still active. Caller holds c.mu.
func (c *Context) activeStep(id string) (*Step, error) {
	s, ok := c.steps[id]
	if !ok {
		return nil, fmt.Errorf("unknown step %s", id)
	}
	if s.Status != StepActive {
		return nil, fmt.Errorf("step %s is %s", id, s.Status)
	}
	return s, nil
}

// recompute refreshes the overall progress. Caller holds c.mu.
func (c *Context) recompute() {
	var completed, active int
	for _, s := range c.state.Steps {
		switch s.Status {
		case StepCompleted:
			completed++
		case StepActive:
			active++
		}
	}
	if completed+active == 0 {
		c.state.Progress = 0
		return
	}
	c.state.Progress = float64(completed) / float64(completed+active) * 100
}

// Progress is completed steps over completed plus active steps, in percent.
func (c *Context) Progress() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state.Progress
}

// ShareData puts value on the blackboard and mirrors it into the shared
// namespace so other tasks can Lookup it.
func (c *Context) ShareData(ctx context.Context, key string, value any, from string) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode shared %s: %w", key, err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	e := SharedEntry{Value: data, From: from, Timestamp: c.now()}
	c.state.Shared[key] = e
	if c.mem != nil {
		if err := c.mem.Store(ctx, SharedNamespace, c.state.ID+":"+key, e, c.ttl); err != nil {
			return fmt.Errorf("mirror shared %s: %w", key, err)
		}
	}
	return c.persist(ctx)
}

func (c *Context) GetSharedData(key string) (SharedEntry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.state.Shared[key]
	return e, ok
}

// Lookup finds a blackboard entry of any task through the shared namespace.
func Lookup(ctx context.Context, mem *memory.Store, taskID, key string) (SharedEntry, bool, error) {
	var e SharedEntry
	ok, err := mem.Retrieve(ctx, SharedNamespace, taskID+":"+key, &e)
	return e, ok, err
}

func (c *Context) CreateCheckpoint(ctx context.Context, description string) (Checkpoint, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	cp := Checkpoint{
		ID:          uuid.New().String(),
		Description: description,
		Timestamp:   c.now(),
		Progress:    c.state.Progress,
		Results:     make(map[string]any, len(c.state.Results)),
		Agents:      make(map[string]string, len(c.state.Agents)),
	}
	for k, v := range c.state.Results {
		cp.Results[k] = v
	}
	for k, v := range c.state.Agents {
		cp.Agents[k] = v
	}
	for _, s := range c.state.Steps {
		if s.Status == StepActive {
			cp.ActiveSteps = append(cp.ActiveSteps, s.ID)
		}
	}
	c.state.Checkpoints = append(c.state.Checkpoints, cp)
	return cp, c.persist(ctx)
}

func (c *Context) CompleteTask(ctx context.Context, final any) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	c.state.Status = StatusCompleted
	c.state.FinalResult = final
	c.state.CompletedAt = &now
	return c.persist(ctx)
}

// Fail marks the task as errored. Completed steps and shared data stay
// available for diagnosis.
func (c *Context) Fail(ctx context.Context, taskErr error) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	c.state.Status = StatusError
	if taskErr != nil {
		c.state.Error = taskErr.Error()
	}
	c.state.CompletedAt = &now
	return c.persist(ctx)
}

type Summary struct {
	ID             string            `json:"id"`
	Objective      string            `json:"objective"`
	Status         Status            `json:"status"`
	Progress       float64           `json:"progress"`
	TotalSteps     int               `json:"total_steps"`
	CompletedSteps int               `json:"completed_steps"`
	FailedSteps    int               `json:"failed_steps"`
	ActiveSteps    int               `json:"active_steps"`
	Agents         map[string]string `json:"agents"`
	Results        map[string]any    `json:"results"`
	SharedKeys     []string          `json:"shared_keys"`
	Checkpoints    int               `json:"checkpoints"`
	FinalResult    any               `json:"final_result,omitempty"`
	Error          string            `json:"error,omitempty"`
	Duration       time.Duration     `json:"duration"`
}

func (c *Context) Summary() Summary {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := Summary{
		ID:          c.state.ID,
		Objective:   c.state.Objective,
		Status:      c.state.Status,
		Progress:    c.state.Progress,
		TotalSteps:  len(c.state.Steps),
		Agents:      make(map[string]string, len(c.state.Agents)),
		Results:     make(map[string]any, len(c.state.Results)),
		Checkpoints: len(c.state.Checkpoints),
		FinalResult: c.state.FinalResult,
		Error:       c.state.Error,
	}
	for _, st := range c.state.Steps {
		switch st.Status {
		case StepCompleted:
			s.CompletedSteps++
		case StepFailed:
			s.FailedSteps++
		case StepActive:
			s.ActiveSteps++
		}
	}
	for k, v := range c.state.Agents {
		s.Agents[k] = v
	}
	for k, v := range c.state.Results {
		s.Results[k] = v
	}
	for k := range c.state.Shared {
		s.SharedKeys = append(s.SharedKeys, k)
	}
	sort.Strings(s.SharedKeys)

	end := c.now()
	if c.state.CompletedAt != nil {
		end = *c.state.CompletedAt
	}
	if !c.state.CreatedAt.IsZero() {
		s.Duration = end.Sub(c.state.CreatedAt)
	}
	return s
}

// Restore loads the persisted state of taskID for inspection. It returns
// (nil, nil) when nothing was persisted. The restored context is not
// resumed; callers read it or start a new run.
func Restore(ctx context.Context, mem *memory.Store, taskID string) (*Context, error) {
	var st State
	ok, err := mem.Retrieve(ctx, Namespace(taskID), stateKey, &st)
	if err != nil {
		return nil, fmt.Errorf("restore task %s: %w", taskID, err)
	}
	if !ok {
		return nil, nil
	}
	c := New(mem, WithID(st.ID))
	if st.Agents == nil {
		st.Agents = make(map[string]string)
	}
	if st.Results == nil {
		st.Results = make(map[string]any)
	}
	if st.Shared == nil {
		st.Shared = make(map[string]SharedEntry)
	}
	c.state = st
	for _, s := range st.Steps {
		c.steps[s.ID] = s
	}
	return c, nil
}
