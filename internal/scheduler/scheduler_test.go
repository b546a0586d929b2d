package scheduler

import (
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/mtzanidakis/kypseli/internal/config"
	"github.com/mtzanidakis/kypseli/internal/natsbus"
	"github.com/mtzanidakis/kypseli/internal/orchestrator"
	"github.com/mtzanidakis/kypseli/internal/store"
)

type fakeSubmitter struct {
	mu         sync.Mutex
	objectives []string
	err        error
}

func (f *fakeSubmitter) Submit(objective string, _ orchestrator.Strategy, _ string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return "", f.err
	}
	f.objectives = append(f.objectives, objective)
	return "run-1", nil
}

func newTestScheduler(t *testing.T, sub Submitter, now time.Time) (*Scheduler, *store.Store, *time.Time) {
	t.Helper()
	s, err := store.New(config.StoreConfig{Path: filepath.Join(t.TempDir(), "test.db")})
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	clock := now
	sched := New(s, sub, nil, config.SchedulerConfig{PollInterval: time.Second})
	sched.now = func() time.Time { return clock }
	return sched, s, &clock
}

func TestAddAndPoll(t *testing.T) {
	t0 := time.Date(2026, 4, 1, 10, 0, 0, 0, time.UTC)
	sub := &fakeSubmitter{}
	sched, s, clock := newTestScheduler(t, sub, t0)

	obj, err := sched.Add("nightly", "15m", "Analyze the sales data", "", "")
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	if obj.Strategy != "adaptive" || obj.Priority != "normal" {
		t.Errorf("expected defaults, got %s/%s", obj.Strategy, obj.Priority)
	}

	if n := sched.Poll(); n != 0 {
		t.Fatalf("expected nothing due yet, got %d", n)
	}

	*clock = t0.Add(16 * time.Minute)
	if n := sched.Poll(); n != 1 {
		t.Fatalf("expected 1 due objective, got %d", n)
	}
	if len(sub.objectives) != 1 || sub.objectives[0] != "Analyze the sales data" {
		t.Fatalf("unexpected submissions %v", sub.objectives)
	}

	got, err := s.GetObjective(obj.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.LastStatus != "submitted" {
		t.Errorf("expected last status submitted, got %s", got.LastStatus)
	}
	if got.NextRunAt == nil || !got.NextRunAt.Equal(t0.Add(31*time.Minute)) {
		t.Errorf("unexpected next run %v", got.NextRunAt)
	}
	if got.Status != StatusActive {
		t.Errorf("expected objective to stay active, got %s", got.Status)
	}
}

func TestOnceCompletes(t *testing.T) {
	t0 := time.Date(2026, 4, 1, 10, 0, 0, 0, time.UTC)
	sched, s, clock := newTestScheduler(t, &fakeSubmitter{}, t0)

	obj, err := sched.Add("", t0.Add(time.Minute).Format(time.RFC3339), "Research caching", "parallel", "high")
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	if obj.Name != "Research caching" {
		t.Errorf("expected name to default to objective, got %s", obj.Name)
	}

	*clock = t0.Add(2 * time.Minute)
	sched.Poll()

	got, _ := s.GetObjective(obj.ID)
	if got.Status != StatusCompleted {
		t.Errorf("expected completed, got %s", got.Status)
	}
	if got.NextRunAt != nil {
		t.Errorf("expected no next run, got %v", got.NextRunAt)
	}
}

func TestSubmitErrorRecorded(t *testing.T) {
	t0 := time.Date(2026, 4, 1, 10, 0, 0, 0, time.UTC)
	sched, s, clock := newTestScheduler(t, &fakeSubmitter{err: errors.New("not initialized")}, t0)

	obj, err := sched.Add("daily", "0 9 * * *", "Train the model", "", "")
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	*clock = t0.Add(24 * time.Hour)
	sched.Poll()

	got, _ := s.GetObjective(obj.ID)
	if got.LastStatus != "error" || got.LastError != "not initialized" {
		t.Errorf("unexpected last run %s / %s", got.LastStatus, got.LastError)
	}
	if got.Status != StatusActive {
		t.Errorf("a failed submission should not stop the schedule, got %s", got.Status)
	}
}

func TestAddRejects(t *testing.T) {
	t0 := time.Date(2026, 4, 1, 10, 0, 0, 0, time.UTC)
	sched, _, _ := newTestScheduler(t, &fakeSubmitter{}, t0)

	tests := map[string]struct {
		schedule, objective string
		strategy            orchestrator.Strategy
	}{
		"empty objective": {"15m", "", ""},
		"bad strategy":    {"15m", "x", "random"},
		"bad schedule":    {"whenever", "x", ""},
		"past timestamp":  {t0.Add(-time.Hour).Format(time.RFC3339), "x", ""},
	}
	for name, tt := range tests {
		if _, err := sched.Add("", tt.schedule, tt.objective, tt.strategy, ""); err == nil {
			t.Errorf("%s: expected error", name)
		}
	}
}

func TestPauseResume(t *testing.T) {
	t0 := time.Date(2026, 4, 1, 10, 0, 0, 0, time.UTC)
	sub := &fakeSubmitter{}
	sched, s, clock := newTestScheduler(t, sub, t0)

	obj, err := sched.Add("hourly", "1h", "Analyze logs", "", "")
	if err != nil {
		t.Fatal(err)
	}
	if err := sched.Pause(obj.ID); err != nil {
		t.Fatalf("pause: %v", err)
	}

	*clock = t0.Add(3 * time.Hour)
	if n := sched.Poll(); n != 0 {
		t.Errorf("paused objective should not fire, got %d", n)
	}

	if err := sched.Resume(obj.ID); err != nil {
		t.Fatalf("resume: %v", err)
	}
	got, _ := s.GetObjective(obj.ID)
	if got.Status != StatusActive || !got.NextRunAt.Equal(t0.Add(4*time.Hour)) {
		t.Errorf("unexpected resumed objective %s %v", got.Status, got.NextRunAt)
	}

	if err := sched.Pause("missing"); err == nil {
		t.Error("expected error pausing unknown objective")
	}
	if err := sched.Remove(obj.ID); err != nil {
		t.Fatal(err)
	}
	if got, _ := s.GetObjective(obj.ID); got != nil {
		t.Error("expected objective to be removed")
	}
}

func TestUpdateConfig(t *testing.T) {
	sched, _, _ := newTestScheduler(t, &fakeSubmitter{}, time.Now())
	sched.UpdateConfig(config.SchedulerConfig{PollInterval: 5 * time.Second})
	if got := sched.interval(); got != 5*time.Second {
		t.Errorf("expected 5s, got %v", got)
	}
	select {
	case <-sched.reloadCh:
	default:
		t.Error("expected reload signal")
	}

	sched.UpdateConfig(config.SchedulerConfig{})
	if got := sched.interval(); got != 30*time.Second {
		t.Errorf("expected fallback 30s, got %v", got)
	}
}

func TestPollPublishesExecutedEvent(t *testing.T) {
	dir := t.TempDir()
	s, err := store.New(config.StoreConfig{Path: filepath.Join(dir, "test.db")})
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	bus, err := natsbus.New(config.NATSConfig{Port: -1, DataDir: filepath.Join(dir, "nats")})
	if err != nil {
		t.Fatalf("bus: %v", err)
	}
	t.Cleanup(bus.Close)
	client, err := natsbus.NewClient(bus)
	if err != nil {
		t.Fatalf("client: %v", err)
	}
	t.Cleanup(client.Close)

	events := make(chan natsbus.Event, 1)
	if _, err := client.SubscribeEvents(natsbus.TopicEventsScheduler, func(_ string, evt natsbus.Event) {
		events <- evt
	}); err != nil {
		t.Fatal(err)
	}
	_ = client.Flush()

	t0 := time.Date(2026, 4, 1, 10, 0, 0, 0, time.UTC)
	clock := t0
	sched := New(s, &fakeSubmitter{}, client, config.SchedulerConfig{PollInterval: time.Second})
	sched.now = func() time.Time { return clock }
	obj, err := sched.Add("hourly", "1h", "Summarize the logs", "", "")
	if err != nil {
		t.Fatal(err)
	}
	clock = t0.Add(2 * time.Hour)
	if n := sched.Poll(); n != 1 {
		t.Fatalf("expected 1 due objective, got %d", n)
	}

	select {
	case evt := <-events:
		var data struct {
			ID     string `json:"id"`
			RunID  string `json:"run_id"`
			Status string `json:"status"`
		}
		if err := evt.Decode(&data); err != nil {
			t.Fatal(err)
		}
		if evt.Type != "objective_executed" || evt.Source != "scheduler" {
			t.Errorf("unexpected envelope %+v", evt)
		}
		if data.ID != obj.ID || data.RunID != "run-1" || data.Status != "submitted" {
			t.Errorf("unexpected event data %+v", data)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no executed event published")
	}
}
