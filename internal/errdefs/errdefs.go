// Package errdefs defines the error taxonomy shared by the memory store,
// message channel, agents and orchestrator.
package errdefs

import (
	"errors"
	"fmt"
)

var (
	// ErrAgentUnavailable is returned when no agent meets a task's
	// requirements, none is free, or a message targets an unknown agent.
	ErrAgentUnavailable = errors.New("agent unavailable")
	// ErrCapacityExceeded is returned when a mailbox or the agent pool is full.
	ErrCapacityExceeded = errors.New("capacity exceeded")
	// ErrMessageExpired is returned when a message ttl elapsed before delivery.
	ErrMessageExpired = errors.New("message expired")
	// ErrRetriesExhausted is returned when a message retry budget is spent.
	ErrRetriesExhausted = errors.New("retries exhausted")
	// ErrCycleDetected is returned when a task graph cannot be layered.
	ErrCycleDetected = errors.New("dependency cycle detected")
	// ErrPlanParse marks malformed planner output. It is recovered locally.
	ErrPlanParse = errors.New("plan parse error")
	// ErrStorageUnavailable is returned when the durable store cannot be reached.
	ErrStorageUnavailable = errors.New("storage unavailable")
	// ErrUnrecoverable marks an executor failure that leaves the agent in error state.
	ErrUnrecoverable = errors.New("unrecoverable agent failure")
)

// TaskError annotates a failure with the task and agent involved.
type TaskError struct {
	TaskID  string
	AgentID string
	Err     error
}

func (e *TaskError) Error() string {
	if e.AgentID == "" {
		return fmt.Sprintf("task %s: %v", e.TaskID, e.Err)
	}
	return fmt.Sprintf("task %s (agent %s): %v", e.TaskID, e.AgentID, e.Err)
}

func (e *TaskError) Unwrap() error {
	return e.Err
}

// NewTaskError wraps err with task and agent context. A nil err yields nil.
func NewTaskError(taskID, agentID string, err error) error {
	if err == nil {
		return nil
	}
	return &TaskError{TaskID: taskID, AgentID: agentID, Err: err}
}
