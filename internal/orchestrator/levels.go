package orchestrator

import (
	"fmt"

	"github.com/mtzanidakis/kypseli/internal/errdefs"
)

// Levels groups tasks into dependency levels with Kahn's algorithm. Level 0
// holds tasks without dependencies; every later level only depends on
// earlier ones. Within a level tasks keep their plan order.
func Levels(tasks []*Task) ([][]string, error) {
	index := make(map[string]int, len(tasks))
	for i, t := range tasks {
		if _, dup := index[t.ID]; dup {
			return nil, fmt.Errorf("duplicate task id %q", t.ID)
		}
		index[t.ID] = i
	}

	inDegree := make([]int, len(tasks))
	dependents := make([][]int, len(tasks))
	for i, t := range tasks {
		seen := make(map[string]bool, len(t.Dependencies))
		for _, dep := range t.Dependencies {
			j, ok := index[dep]
			if !ok {
				return nil, fmt.Errorf("task %q depends on unknown task %q", t.ID, dep)
			}
			if seen[dep] {
				continue
			}
			seen[dep] = true
			inDegree[i]++
			dependents[j] = append(dependents[j], i)
		}
	}

	var current []int
	for i := range tasks {
		if inDegree[i] == 0 {
			current = append(current, i)
		}
	}

	var levels [][]string
	processed := 0
	for len(current) > 0 {
		level := make([]string, len(current))
		ready := make([]bool, len(tasks))
		for k, i := range current {
			level[k] = tasks[i].ID
			processed++
			for _, d := range dependents[i] {
				inDegree[d]--
				if inDegree[d] == 0 {
					ready[d] = true
				}
			}
		}
		levels = append(levels, level)

		current = current[:0:0]
		for i, ok := range ready {
			if ok {
				current = append(current, i)
			}
		}
	}

	if processed != len(tasks) {
		var stuck []string
		for i, t := range tasks {
			if inDegree[i] > 0 {
				stuck = append(stuck, t.ID)
			}
		}
		return nil, fmt.Errorf("tasks %v: %w", stuck, errdefs.ErrCycleDetected)
	}
	return levels, nil
}
