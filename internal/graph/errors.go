package graph

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrNotFound is returned when a task id is unknown.
	ErrNotFound = errors.New("task not found")
	// ErrDuplicateNode is returned when an id is reused for different work.
	ErrDuplicateNode = errors.New("task already exists with a different definition")
	// ErrInvalidTransition is returned for status changes the lifecycle forbids.
	ErrInvalidTransition = errors.New("invalid status transition")
	// ErrInvalidEdge is returned for malformed edges.
	ErrInvalidEdge = errors.New("invalid edge")
	// ErrInvalidTask is returned for malformed task definitions.
	ErrInvalidTask = errors.New("invalid task")
	// ErrAttemptLimit is returned when a dispatch would exceed maxRetries+1 attempts.
	ErrAttemptLimit = errors.New("attempt limit reached")
)

// CyclicDependencyError rejects a batch whose dependency edges form a cycle.
// Cycle lists the participating tasks in dependency order, starting from the
// smallest id.
type CyclicDependencyError struct {
	Cycle []string
}

func (e *CyclicDependencyError) Error() string {
	return fmt.Sprintf("cyclic dependency: %s -> %s", strings.Join(e.Cycle, " -> "), e.Cycle[0])
}

// StaleStateError rejects a write against a node whose state moved on,
// either because it is terminal or because it no longer has the expected
// status. Callers may re-read and retry.
type StaleStateError struct {
	TaskID string
	Status Status // Status found in the store
	Want   Status // Expected status, empty for terminal rejections
	Op     string
}

func (e *StaleStateError) Error() string {
	if e.Want != "" {
		return fmt.Sprintf("stale state: %s on task %q: status is %s, expected %s", e.Op, e.TaskID, e.Status, e.Want)
	}
	return fmt.Sprintf("stale state: %s on task %q: task is %s", e.Op, e.TaskID, e.Status)
}

// IsStale reports whether err is a StaleStateError.
func IsStale(err error) bool {
	var stale *StaleStateError
	return errors.As(err, &stale)
}
