package agent

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/mtzanidakis/kypseli/internal/errdefs"
)

func echoExecutor() Executor {
	return FuncExecutor(func(_ context.Context, w Work) (Output, error) {
		return Output{Result: "done: " + w.Description}, nil
	})
}

func newReadyHandle(t *testing.T, exec Executor, opts ...Option) *Handle {
	t.Helper()
	h := New("agent-1", "Worker", TypeCoder, []Capability{CapCoding}, exec, opts...)
	if err := h.Initialize(context.Background()); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	return h
}

func TestLifecycle(t *testing.T) {
	var mu sync.Mutex
	var seen []Status
	h := New("agent-1", "Worker", TypeCoder, nil, echoExecutor(), OnStatusChange(func(d Descriptor) {
		mu.Lock()
		seen = append(seen, d.Status)
		mu.Unlock()
	}))

	if st := h.Status().Status; st != StatusInitializing {
		t.Fatalf("expected initializing, got %s", st)
	}
	if _, err := h.ExecuteTask(context.Background(), TaskRequest{TaskID: "t0"}); !errors.Is(err, errdefs.ErrAgentUnavailable) {
		t.Fatalf("expected ErrAgentUnavailable before init, got %v", err)
	}

	if err := h.Initialize(context.Background()); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	res, err := h.ExecuteTask(context.Background(), TaskRequest{TaskID: "t1", Description: "write code"})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if res.Output != "done: write code" || res.AgentID != "agent-1" {
		t.Errorf("unexpected result %+v", res)
	}

	d := h.Status()
	if d.Status != StatusReady || d.Load != 0 || d.TasksCompleted != 1 {
		t.Errorf("unexpected descriptor after task %+v", d)
	}

	h.Shutdown()
	h.Shutdown()
	if st := h.Status().Status; st != StatusShutdown {
		t.Errorf("expected shutdown, got %s", st)
	}
	if _, err := h.ExecuteTask(context.Background(), TaskRequest{TaskID: "t2"}); !errors.Is(err, errdefs.ErrAgentUnavailable) {
		t.Errorf("expected ErrAgentUnavailable after shutdown, got %v", err)
	}

	want := []Status{StatusReady, StatusWorking, StatusReady, StatusShutdown}
	mu.Lock()
	defer mu.Unlock()
	if len(seen) != len(want) {
		t.Fatalf("expected transitions %v, got %v", want, seen)
	}
	for i := range want {
		if seen[i] != want[i] {
			t.Errorf("transition %d: expected %s, got %s", i, want[i], seen[i])
		}
	}
}

func TestBusyAgentRefusesWork(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{})
	h := newReadyHandle(t, FuncExecutor(func(ctx context.Context, _ Work) (Output, error) {
		close(started)
		<-release
		return Output{}, nil
	}))

	done := make(chan error, 1)
	go func() {
		_, err := h.ExecuteTask(context.Background(), TaskRequest{TaskID: "slow"})
		done <- err
	}()
	<-started

	d := h.Status()
	if d.Status != StatusWorking || d.Load != 1 {
		t.Errorf("expected working with load 1, got %+v", d)
	}
	if _, err := h.ExecuteTask(context.Background(), TaskRequest{TaskID: "other"}); !errors.Is(err, errdefs.ErrAgentUnavailable) {
		t.Errorf("expected ErrAgentUnavailable while working, got %v", err)
	}

	close(release)
	if err := <-done; err != nil {
		t.Fatalf("slow task: %v", err)
	}
	if d := h.Status(); d.Status != StatusReady || d.Load != 0 {
		t.Errorf("expected ready with load 0, got %+v", d)
	}
}

func TestFailureReturnsToReady(t *testing.T) {
	boom := errors.New("boom")
	h := newReadyHandle(t, FuncExecutor(func(context.Context, Work) (Output, error) {
		return Output{}, boom
	}))

	_, err := h.ExecuteTask(context.Background(), TaskRequest{TaskID: "t1"})
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
	var te *errdefs.TaskError
	if !errors.As(err, &te) || te.TaskID != "t1" || te.AgentID != "agent-1" {
		t.Errorf("expected TaskError annotation, got %v", err)
	}
	d := h.Status()
	if d.Status != StatusReady || d.Load != 0 || d.TasksCompleted != 0 {
		t.Errorf("unexpected descriptor %+v", d)
	}
}

func TestUnrecoverableAndPanicMoveToError(t *testing.T) {
	tests := []struct {
		name string
		exec Executor
	}{
		{"unrecoverable", FuncExecutor(func(context.Context, Work) (Output, error) {
			return Output{}, errdefs.ErrUnrecoverable
		})},
		{"panic", FuncExecutor(func(context.Context, Work) (Output, error) {
			panic("kaboom")
		})},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newReadyHandle(t, tt.exec)
			_, err := h.ExecuteTask(context.Background(), TaskRequest{TaskID: "t1"})
			if !errors.Is(err, errdefs.ErrUnrecoverable) {
				t.Fatalf("expected ErrUnrecoverable, got %v", err)
			}
			d := h.Status()
			if d.Status != StatusError || d.Load != 0 {
				t.Errorf("expected error with load 0, got %+v", d)
			}

			// Re-initializing recovers the agent.
			if err := h.Initialize(context.Background()); err != nil {
				t.Fatalf("reinitialize: %v", err)
			}
			if st := h.Status().Status; st != StatusReady {
				t.Errorf("expected ready after reinit, got %s", st)
			}
		})
	}
}

func TestTaskTimeout(t *testing.T) {
	h := newReadyHandle(t, FuncExecutor(func(ctx context.Context, _ Work) (Output, error) {
		<-ctx.Done()
		return Output{}, ctx.Err()
	}))

	_, err := h.ExecuteTask(context.Background(), TaskRequest{TaskID: "t1", Timeout: 20 * time.Millisecond})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
	if st := h.Status().Status; st != StatusReady {
		t.Errorf("expected ready after timeout, got %s", st)
	}
}

type failingInit struct{ FuncExecutor }

func (failingInit) Init(context.Context) error { return errors.New("no credentials") }

func TestInitializeFailure(t *testing.T) {
	h := New("a", "A", TypeAnalyst, nil, failingInit{FuncExecutor: echoExecutor().(FuncExecutor)})
	if err := h.Initialize(context.Background()); err == nil {
		t.Fatal("expected init error")
	}
	if st := h.Status().Status; st != StatusError {
		t.Errorf("expected error status, got %s", st)
	}
}

func TestTransitions(t *testing.T) {
	tests := []struct {
		from, to Status
		ok       bool
	}{
		{StatusInitializing, StatusReady, true},
		{StatusReady, StatusWorking, true},
		{StatusWorking, StatusReady, true},
		{StatusWorking, StatusError, true},
		{StatusReady, StatusError, false},
		{StatusInitializing, StatusWorking, false},
		{StatusError, StatusShutdown, true},
		{StatusShutdown, StatusReady, false},
		{StatusShutdown, StatusShutdown, false},
	}
	for _, tt := range tests {
		if got := canTransition(tt.from, tt.to); got != tt.ok {
			t.Errorf("%s -> %s: expected %v, got %v", tt.from, tt.to, tt.ok, got)
		}
	}
}

func TestParseTypeAndCapabilities(t *testing.T) {
	if typ, err := ParseType(" Analyst "); err != nil || typ != TypeAnalyst {
		t.Errorf("expected analyst, got %q / %v", typ, err)
	}
	if _, err := ParseType("wizard"); err == nil {
		t.Error("expected error for unknown type")
	}
	caps, err := ParseCapabilities([]string{"analysis", "DATA"})
	if err != nil || len(caps) != 2 || caps[1] != CapData {
		t.Errorf("unexpected capabilities %v / %v", caps, err)
	}
	if _, err := ParseCapabilities([]string{"telepathy"}); err == nil {
		t.Error("expected error for unknown capability")
	}
	for _, typ := range allTypes {
		if len(DefaultCapabilities(typ)) == 0 {
			t.Errorf("type %s has no default capabilities", typ)
		}
	}
}
