package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/mtzanidakis/kypseli/internal/config"
	"github.com/mtzanidakis/kypseli/internal/natsbus"
	"github.com/mtzanidakis/kypseli/internal/orchestrator"
	"github.com/mtzanidakis/kypseli/internal/schedule"
	"github.com/mtzanidakis/kypseli/internal/store"
)

const (
	StatusActive    = "active"
	StatusPaused    = "paused"
	StatusCompleted = "completed"
)

// Submitter starts an orchestration run in the background and returns its id.
type Submitter interface {
	Submit(objective string, strategy orchestrator.Strategy, priority string) (string, error)
}

type Scheduler struct {
	store     *store.Store
	submitter Submitter
	client    *natsbus.Client
	now       func() time.Time

	mu           sync.Mutex
	pollInterval time.Duration
	reloadCh     chan struct{}
}

// New returns a scheduler. client may be nil, in which case no events are
// published.
func New(s *store.Store, sub Submitter, client *natsbus.Client, cfg config.SchedulerConfig) *Scheduler {
	return &Scheduler{
		store:        s,
		submitter:    sub,
		client:       client,
		now:          time.Now,
		pollInterval: cfg.PollInterval,
		reloadCh:     make(chan struct{}, 1),
	}
}

// UpdateConfig swaps the poll interval and signals the run loop to reset its
// ticker.
func (s *Scheduler) UpdateConfig(cfg config.SchedulerConfig) {
	s.mu.Lock()
	s.pollInterval = cfg.PollInterval
	s.mu.Unlock()
	select {
	case s.reloadCh <- struct{}{}:
	default:
	}
}

func (s *Scheduler) interval() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pollInterval <= 0 {
		return 30 * time.Second
	}
	return s.pollInterval
}

func (s *Scheduler) Start(ctx context.Context) {
	ticker := time.NewTicker(s.interval())
	defer ticker.Stop()

	slog.Info("scheduler started", "poll_interval", s.interval())

	for {
		select {
		case <-ctx.Done():
			slog.Info("scheduler stopped")
			return
		case <-s.reloadCh:
			ticker.Reset(s.interval())
			slog.Info("scheduler config reloaded", "poll_interval", s.interval())
		case <-ticker.C:
			s.Poll()
		}
	}
}

// Poll submits every objective that is due and returns how many were run.
func (s *Scheduler) Poll() int {
	now := s.now().UTC()
	due, err := s.store.GetDueObjectives(now)
	if err != nil {
		slog.Error("failed to get due objectives", "error", err)
		return 0
	}
	for _, obj := range due {
		s.execute(obj, now)
	}
	return len(due)
}

func (s *Scheduler) execute(obj store.ScheduledObjective, now time.Time) {
	slog.Info("submitting scheduled objective", "id", obj.ID, "name", obj.Name)

	runID, err := s.submitter.Submit(obj.Objective, orchestrator.Strategy(obj.Strategy), obj.Priority)

	var lastStatus, lastError string
	if err != nil {
		lastStatus = "error"
		lastError = err.Error()
		slog.Error("scheduled objective failed", "id", obj.ID, "error", err)
	} else {
		lastStatus = "submitted"
	}

	nextRun := schedule.NextRun(obj.Schedule, now)
	if err := s.store.UpdateObjectiveRun(obj.ID, lastStatus, lastError, utc(nextRun)); err != nil {
		slog.Error("failed to update objective run", "id", obj.ID, "error", err)
	}

	s.publishExecuted(obj, runID, lastStatus)

	// A schedule with no further runs is finished.
	if nextRun == nil {
		slog.Info("no next run, marking objective completed", "id", obj.ID, "name", obj.Name)
		if err := s.store.UpdateObjectiveStatus(obj.ID, StatusCompleted); err != nil {
			slog.Error("failed to complete objective", "id", obj.ID, "error", err)
		}
	}
}

func (s *Scheduler) publishExecuted(obj store.ScheduledObjective, runID, status string) {
	if s.client == nil {
		return
	}
	data := map[string]any{
		"id":     obj.ID,
		"name":   obj.Name,
		"run_id": runID,
		"status": status,
	}
	if err := s.client.PublishEvent(natsbus.TopicEventsScheduler, "objective_executed", "scheduler", data); err != nil {
		slog.Warn("publish scheduler event failed", "id", obj.ID, "error", err)
	}
}

// Add validates raw (schedule JSON, a duration, a timestamp or a cron
// expression) and stores a new active objective.
func (s *Scheduler) Add(name, raw, objective string, strategy orchestrator.Strategy, priority string) (*store.ScheduledObjective, error) {
	if objective == "" {
		return nil, fmt.Errorf("objective is required")
	}
	if strategy == "" {
		strategy = orchestrator.StrategyAdaptive
	}
	if !strategy.Valid() {
		return nil, fmt.Errorf("unknown strategy %q", strategy)
	}
	if priority == "" {
		priority = "normal"
	}
	normalized, err := schedule.NormalizeSchedule(raw)
	if err != nil {
		return nil, err
	}
	next := schedule.NextRun(normalized, s.now())
	if next == nil {
		return nil, fmt.Errorf("schedule %q never fires", raw)
	}
	if name == "" {
		name = objective
	}

	obj := &store.ScheduledObjective{
		ID:        uuid.New().String(),
		Name:      name,
		Schedule:  normalized,
		Objective: objective,
		Strategy:  string(strategy),
		Priority:  priority,
		Status:    StatusActive,
		NextRunAt: utc(next),
	}
	if err := s.store.SaveObjective(obj); err != nil {
		return nil, err
	}
	slog.Info("objective scheduled", "id", obj.ID, "schedule", schedule.FormatSchedule(normalized), "next_run", *obj.NextRunAt)
	return obj, nil
}

// Pause stops an objective from firing until it is resumed.
func (s *Scheduler) Pause(id string) error {
	return s.setStatus(id, StatusPaused)
}

// Resume reactivates a paused objective and recomputes its next run.
func (s *Scheduler) Resume(id string) error {
	obj, err := s.store.GetObjective(id)
	if err != nil {
		return err
	}
	if obj == nil {
		return fmt.Errorf("objective %s not found", id)
	}
	next := schedule.NextRun(obj.Schedule, s.now())
	if next == nil {
		return fmt.Errorf("objective %s has no future runs", id)
	}
	obj.Status = StatusActive
	obj.NextRunAt = utc(next)
	return s.store.SaveObjective(obj)
}

func (s *Scheduler) Remove(id string) error {
	if err := s.store.DeleteObjective(id); err != nil {
		return fmt.Errorf("delete objective: %w", err)
	}
	return nil
}

func (s *Scheduler) setStatus(id, status string) error {
	obj, err := s.store.GetObjective(id)
	if err != nil {
		return err
	}
	if obj == nil {
		return fmt.Errorf("objective %s not found", id)
	}
	if err := s.store.UpdateObjectiveStatus(id, status); err != nil {
		return fmt.Errorf("update objective status: %w", err)
	}
	return nil
}

func utc(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}
