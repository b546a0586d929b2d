package orchestrator

import (
	"errors"
	"testing"

	"github.com/mtzanidakis/kypseli/internal/errdefs"
)

func tasks(rows ...[]string) []*Task {
	out := make([]*Task, len(rows))
	for i, s := range rows {
		out[i] = &Task{ID: s[0], Dependencies: s[1:]}
	}
	return out
}

func TestLevels_FanOut(t *testing.T) {
	levels, err := Levels(tasks([]string{"a"}, []string{"b", "a"}, []string{"c", "a"}))
	if err != nil {
		t.Fatal(err)
	}
	if len(levels) != 2 {
		t.Fatalf("expected 2 levels, got %d", len(levels))
	}
	if len(levels[0]) != 1 || levels[0][0] != "a" {
		t.Fatalf("expected [a] in level 0, got %v", levels[0])
	}
	if len(levels[1]) != 2 || levels[1][0] != "b" || levels[1][1] != "c" {
		t.Fatalf("expected [b c] in level 1, got %v", levels[1])
	}
}

func TestLevels_LinearPipeline(t *testing.T) {
	levels, err := Levels(tasks([]string{"c", "b"}, []string{"a"}, []string{"b", "a"}))
	if err != nil {
		t.Fatal(err)
	}
	if len(levels) != 3 {
		t.Fatalf("expected 3 levels, got %d", len(levels))
	}
	for i, want := range []string{"a", "b", "c"} {
		if levels[i][0] != want {
			t.Errorf("level %d: expected %s, got %v", i, want, levels[i])
		}
	}
}

func TestLevels_Diamond(t *testing.T) {
	levels, err := Levels(tasks(
		[]string{"a"},
		[]string{"b", "a"},
		[]string{"c", "a"},
		[]string{"d", "b", "c", "b"},
	))
	if err != nil {
		t.Fatal(err)
	}
	if len(levels) != 3 || levels[2][0] != "d" {
		t.Fatalf("unexpected levels %v", levels)
	}
}

// Every task lands strictly after all of its dependencies.
func TestLevels_DependenciesInEarlierLevels(t *testing.T) {
	in := tasks(
		[]string{"t1"},
		[]string{"t2"},
		[]string{"t3", "t1"},
		[]string{"t4", "t1", "t2"},
		[]string{"t5", "t3", "t4"},
		[]string{"t6", "t2"},
		[]string{"t7", "t6", "t5"},
	)
	levels, err := Levels(in)
	if err != nil {
		t.Fatal(err)
	}
	levelOf := make(map[string]int)
	count := 0
	for i, l := range levels {
		for _, id := range l {
			levelOf[id] = i
			count++
		}
	}
	if count != len(in) {
		t.Fatalf("expected %d tasks leveled, got %d", len(in), count)
	}
	for _, task := range in {
		for _, dep := range task.Dependencies {
			if levelOf[dep] >= levelOf[task.ID] {
				t.Errorf("task %s (level %d) not after dep %s (level %d)", task.ID, levelOf[task.ID], dep, levelOf[dep])
			}
		}
	}
}

func TestLevels_CycleDetected(t *testing.T) {
	_, err := Levels(tasks([]string{"a", "c"}, []string{"b", "a"}, []string{"c", "b"}, []string{"d"}))
	if !errors.Is(err, errdefs.ErrCycleDetected) {
		t.Fatalf("expected ErrCycleDetected, got %v", err)
	}
	_, err = Levels(tasks([]string{"self", "self"}))
	if !errors.Is(err, errdefs.ErrCycleDetected) {
		t.Fatalf("expected ErrCycleDetected for self loop, got %v", err)
	}
}

func TestLevels_UnknownDependency(t *testing.T) {
	_, err := Levels(tasks([]string{"a", "ghost"}))
	if err == nil {
		t.Fatal("expected error for unknown dependency")
	}
	if errors.Is(err, errdefs.ErrCycleDetected) {
		t.Error("unknown dependency is not a cycle")
	}
	if _, err := Levels(tasks([]string{"a"}, []string{"a"})); err == nil {
		t.Error("expected error for duplicate id")
	}
}
