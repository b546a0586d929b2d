package orchestrator

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/mtzanidakis/kypseli/internal/agent"
	"github.com/mtzanidakis/kypseli/internal/errdefs"
)

func TestScore(t *testing.T) {
	task := &Task{
		ID:                   "t",
		Description:          "implement the parser",
		RequiredCapabilities: []agent.Capability{agent.CapCoding, agent.CapTesting},
	}
	base := agent.Descriptor{Type: agent.TypeAnalyst}

	if got := Score(base, task); got != 10 {
		t.Errorf("expected base score 10, got %v", got)
	}

	oneCap := base
	oneCap.Capabilities = []agent.Capability{agent.CapCoding}
	twoCaps := base
	twoCaps.Capabilities = []agent.Capability{agent.CapCoding, agent.CapTesting}
	if !(Score(twoCaps, task) > Score(oneCap, task) && Score(oneCap, task) > Score(base, task)) {
		t.Error("score must grow with matched capabilities")
	}

	// "implement" infers the coder type.
	typed := base
	typed.Type = agent.TypeCoder
	if got := Score(typed, task) - Score(base, task); got != 15 {
		t.Errorf("expected type bonus 15, got %v", got)
	}

	loaded := twoCaps
	loaded.Load = 1
	if Score(loaded, task) >= Score(twoCaps, task) {
		t.Error("score must drop with load")
	}

	experienced := base
	experienced.TasksCompleted = 4
	veteran := base
	veteran.TasksCompleted = 500
	if got := Score(experienced, task) - Score(base, task); got != 2 {
		t.Errorf("expected history bonus 2, got %v", got)
	}
	if got := Score(veteran, task) - Score(base, task); got != 5 {
		t.Errorf("expected capped history bonus 5, got %v", got)
	}
}

func TestScoreExplicitAgentType(t *testing.T) {
	task := &Task{Description: "implement it", AgentType: agent.TypeReviewer}
	reviewer := agent.Descriptor{Type: agent.TypeReviewer}
	coder := agent.Descriptor{Type: agent.TypeCoder}
	if Score(reviewer, task) <= Score(coder, task) {
		t.Error("explicit agent type must win over the inferred one")
	}
}

func TestAssignerPicksBestAndBreaksTiesByOrder(t *testing.T) {
	noop := agent.FuncExecutor(func(context.Context, agent.Work) (agent.Output, error) {
		return agent.Output{}, nil
	})
	pool := newPool(t, noop, agent.TypeDocumenter, agent.TypeDocumenter, agent.TypeCoder)
	a := newAssigner()
	ctx := context.Background()

	coding := &Task{ID: "c", RequiredCapabilities: []agent.Capability{agent.CapCoding}}
	h, err := a.acquire(ctx, pool, coding, nil)
	if err != nil || h.ID() != "agent-2" {
		t.Fatalf("expected agent-2 for coding, got %v (%v)", h, err)
	}

	plain := &Task{ID: "p"}
	h, err = a.acquire(ctx, pool, plain, nil)
	if err != nil || h.ID() != "agent-0" {
		t.Fatalf("expected tie to go to agent-0, got %v (%v)", h, err)
	}
	h, err = a.acquire(ctx, pool, plain, nil)
	if err != nil || h.ID() != "agent-1" {
		t.Fatalf("expected reserved agents to be skipped, got %v (%v)", h, err)
	}
}

func TestAssignerWaitsForRelease(t *testing.T) {
	noop := agent.FuncExecutor(func(context.Context, agent.Work) (agent.Output, error) {
		return agent.Output{}, nil
	})
	pool := newPool(t, noop, agent.TypeCoder)
	a := newAssigner()
	ctx := context.Background()

	first, err := a.acquire(ctx, pool, &Task{ID: "1"}, nil)
	if err != nil {
		t.Fatal(err)
	}

	got := make(chan string, 1)
	go func() {
		h, err := a.acquire(ctx, pool, &Task{ID: "2"}, nil)
		if err != nil {
			got <- err.Error()
			return
		}
		got <- h.ID()
	}()

	select {
	case id := <-got:
		t.Fatalf("acquire should block while the only agent is reserved, got %s", id)
	case <-time.After(50 * time.Millisecond):
	}

	a.release(first.ID())
	select {
	case id := <-got:
		if id != first.ID() {
			t.Errorf("expected %s after release, got %s", first.ID(), id)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("acquire did not wake up after release")
	}
}

func TestAssignerCancelled(t *testing.T) {
	noop := agent.FuncExecutor(func(context.Context, agent.Work) (agent.Output, error) {
		return agent.Output{}, nil
	})
	pool := newPool(t, noop, agent.TypeCoder)
	a := newAssigner()
	if _, err := a.acquire(context.Background(), pool, &Task{ID: "1"}, nil); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := a.acquire(ctx, pool, &Task{ID: "2"}, nil); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected deadline exceeded, got %v", err)
	}
}

func TestAssignerNoReadyAgent(t *testing.T) {
	noop := agent.FuncExecutor(func(context.Context, agent.Work) (agent.Output, error) {
		return agent.Output{}, nil
	})
	pool := newPool(t, noop, agent.TypeCoder)
	pool[0].Shutdown()

	_, err := newAssigner().acquire(context.Background(), pool, &Task{ID: "1"}, nil)
	if !errors.Is(err, errdefs.ErrAgentUnavailable) {
		t.Errorf("expected ErrAgentUnavailable, got %v", err)
	}
}

func TestRetryPolicyDelay(t *testing.T) {
	p := RetryPolicy{MaxAttempts: 4, BaseDelay: 100 * time.Millisecond}
	want := []time.Duration{0, 100 * time.Millisecond, 200 * time.Millisecond, 400 * time.Millisecond}
	for n, w := range want {
		if got := p.Delay(n); got != w {
			t.Errorf("Delay(%d) = %v, want %v", n, got, w)
		}
	}
	if (RetryPolicy{}).attempts() != 1 {
		t.Error("zero policy must allow exactly one attempt")
	}
}

func TestAssignerSkipsWorkingAgents(t *testing.T) {
	release := make(chan struct{})
	busy := make(chan struct{})
	exec := agent.FuncExecutor(func(context.Context, agent.Work) (agent.Output, error) {
		close(busy)
		<-release
		return agent.Output{}, nil
	})
	pool := newPool(t, exec, agent.TypeCoder, agent.TypeDocumenter)
	coding := &Task{ID: "c", RequiredCapabilities: []agent.Capability{agent.CapCoding}}

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = pool[0].ExecuteTask(context.Background(), agent.TaskRequest{TaskID: "outside"})
	}()
	<-busy
	defer func() {
		close(release)
		<-done
	}()

	working := pool[0].Status()
	if working.Status != agent.StatusWorking || working.Load != 1 {
		t.Fatalf("expected a working coder, got %+v", working)
	}
	if Score(working, coding) <= Score(pool[1].Status(), coding) {
		t.Fatal("the busy coder should still outscore the documenter for coding")
	}

	h, err := newAssigner().acquire(context.Background(), pool, coding, nil)
	if err != nil {
		t.Fatal(err)
	}
	if h.ID() != "agent-1" {
		t.Errorf("expected the ready documenter, got %s", h.ID())
	}
}

func TestAssignerFilter(t *testing.T) {
	noop := agent.FuncExecutor(func(context.Context, agent.Work) (agent.Output, error) {
		return agent.Output{}, nil
	})
	pool := newPool(t, noop, agent.TypeCoder, agent.TypeCoordinator)
	a := newAssigner()
	ctx := context.Background()

	h, err := a.acquire(ctx, pool, &Task{ID: "d"}, isCoordinator)
	if err != nil || h.ID() != "agent-1" {
		t.Fatalf("expected the coordinator, got %v (%v)", h, err)
	}

	// The coder is free but not admitted, and the coordinator is reserved:
	// wait rather than fail.
	waitCtx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	if _, err := a.acquire(waitCtx, pool, &Task{ID: "d2"}, isCoordinator); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected deadline exceeded, got %v", err)
	}

	coders := newPool(t, noop, agent.TypeCoder, agent.TypeCoder)
	if _, err := newAssigner().acquire(ctx, coders, &Task{ID: "d"}, isCoordinator); !errors.Is(err, errdefs.ErrAgentUnavailable) {
		t.Errorf("expected ErrAgentUnavailable without coordinators, got %v", err)
	}
}
