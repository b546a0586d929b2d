// Package agent implements the agent handle: lifecycle, status and load
// tracking around an injected Executor that does the actual work.
package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/mtzanidakis/kypseli/internal/errdefs"
)

// TaskRequest is one unit of work handed to an agent.
type TaskRequest struct {
	TaskID      string         `json:"task_id"`
	Description string         `json:"description"`
	Context     map[string]any `json:"context,omitempty"`
	// Timeout bounds the execution when positive.
	Timeout time.Duration `json:"timeout,omitempty"`
}

type Result struct {
	TaskID   string        `json:"task_id"`
	AgentID  string        `json:"agent_id"`
	Output   any           `json:"output"`
	Duration time.Duration `json:"duration"`
}

// StatusFunc observes every status change of a handle.
type StatusFunc func(Descriptor)

type Handle struct {
	exec     Executor
	onChange StatusFunc

	mu   sync.Mutex
	desc Descriptor
}

type Option func(*Handle)

// OnStatusChange registers fn to observe status changes. fn runs without
// the handle's lock held.
func OnStatusChange(fn StatusFunc) Option {
	return func(h *Handle) { h.onChange = fn }
}

func New(id, name string, typ Type, caps []Capability, exec Executor, opts ...Option) *Handle {
	h := &Handle{
		exec: exec,
		desc: Descriptor{
			ID:           id,
			Name:         name,
			Type:         typ,
			Capabilities: append([]Capability(nil), caps...),
			Status:       StatusInitializing,
		},
	}
	for _, o := range opts {
		o(h)
	}
	return h
}

func (h *Handle) ID() string {
	return h.desc.ID
}

// Status returns a copy of the current descriptor.
func (h *Handle) Status() Descriptor {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.snapshot()
}

func (h *Handle) snapshot() Descriptor {
	d := h.desc
	d.Capabilities = append([]Capability(nil), h.desc.Capabilities...)
	return d
}

// setStatus moves the handle to s. Caller holds h.mu.
func (h *Handle) setStatus(s Status) error {
	if !canTransition(h.desc.Status, s) {
		return fmt.Errorf("agent %s: invalid transition %s -> %s", h.desc.ID, h.desc.Status, s)
	}
	h.desc.Status = s
	return nil
}

func (h *Handle) notify(d Descriptor) {
	if h.onChange != nil {
		h.onChange(d)
	}
}

// Initializer is implemented by executors that need setup before the
// first task.
type Initializer interface {
	Init(ctx context.Context) error
}

// Initialize readies the handle. It also recovers a handle in error state.
func (h *Handle) Initialize(ctx context.Context) error {
	h.mu.Lock()
	if h.desc.Status == StatusError {
		_ = h.setStatus(StatusInitializing)
	}
	if h.desc.Status != StatusInitializing {
		st := h.desc.Status
		h.mu.Unlock()
		return fmt.Errorf("initialize agent %s: status is %s", h.desc.ID, st)
	}
	h.mu.Unlock()

	var initErr error
	if in, ok := h.exec.(Initializer); ok {
		initErr = in.Init(ctx)
	}

	h.mu.Lock()
	if initErr != nil {
		_ = h.setStatus(StatusError)
	} else if err := h.setStatus(StatusReady); err != nil {
		// Shut down while initializing.
		initErr = err
	}
	d := h.snapshot()
	h.mu.Unlock()
	h.notify(d)

	if initErr != nil {
		return fmt.Errorf("initialize agent %s: %w", d.ID, initErr)
	}
	slog.Info("agent ready", "agent", d.ID, "type", d.Type)
	return nil
}

// ExecuteTask runs req on the executor. It is refused unless the handle is
// ready and never retries; retry policy belongs to the caller.
func (h *Handle) ExecuteTask(ctx context.Context, req TaskRequest) (Result, error) {
	h.mu.Lock()
	if h.desc.Status != StatusReady {
		st := h.desc.Status
		h.mu.Unlock()
		return Result{}, fmt.Errorf("agent %s is %s: %w", h.desc.ID, st, errdefs.ErrAgentUnavailable)
	}
	_ = h.setStatus(StatusWorking)
	h.desc.Load++
	d := h.snapshot()
	h.mu.Unlock()
	h.notify(d)

	if req.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, req.Timeout)
		defer cancel()
	}

	start := time.Now()
	out, err := h.run(ctx, req)
	res := Result{TaskID: req.TaskID, AgentID: d.ID, Output: out.Result, Duration: time.Since(start)}

	h.mu.Lock()
	h.desc.Load--
	if h.desc.Status == StatusWorking {
		if err != nil && errors.Is(err, errdefs.ErrUnrecoverable) {
			_ = h.setStatus(StatusError)
		} else if h.desc.Load == 0 {
			_ = h.setStatus(StatusReady)
		}
	}
	if err == nil {
		h.desc.TasksCompleted++
	}
	d = h.snapshot()
	h.mu.Unlock()
	h.notify(d)

	if err != nil {
		slog.Warn("agent task failed", "agent", d.ID, "task", req.TaskID, "status", d.Status, "error", err)
		return res, errdefs.NewTaskError(req.TaskID, d.ID, err)
	}
	return res, nil
}

// run calls the executor, turning a panic into an unrecoverable error.
func (h *Handle) run(ctx context.Context, req TaskRequest) (out Output, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("executor panic: %v: %w", r, errdefs.ErrUnrecoverable)
		}
	}()
	return h.exec.Execute(ctx, Work{
		TaskID:      req.TaskID,
		Description: req.Description,
		Context:     req.Context,
	})
}

// Closer is implemented by executors holding resources.
type Closer interface {
	Close() error
}

// Shutdown moves the handle to shutdown from any state. It is idempotent.
func (h *Handle) Shutdown() {
	h.mu.Lock()
	if h.desc.Status == StatusShutdown {
		h.mu.Unlock()
		return
	}
	_ = h.setStatus(StatusShutdown)
	d := h.snapshot()
	h.mu.Unlock()

	if c, ok := h.exec.(Closer); ok {
		if err := c.Close(); err != nil {
			slog.Warn("close executor", "agent", d.ID, "error", err)
		}
	}
	h.notify(d)
	slog.Info("agent shut down", "agent", d.ID)
}
