package events

import (
	"time"
)

// Event is the base interface for all events.
type Event interface {
	EventType() string
	TaskID() string
}

// Topic constants
const (
	TopicTask  = "task"
	TopicGraph = "graph"
)

// Event type constants
const (
	EventTypeTaskReady      = "task.ready"
	EventTypeTaskDispatched = "task.dispatched"
	EventTypeTaskOutput     = "task.output"
	EventTypeTaskVerifying  = "task.verifying"
	EventTypeTaskPassed     = "task.passed"
	EventTypeTaskRetry      = "task.retry"
	EventTypeTaskEscalated  = "task.escalated"
	EventTypeGraphChanged   = "graph.changed"
	EventTypeGraphProgress  = "graph.progress"
)

// TaskReadyEvent is published when a task's predecessors have all passed.
type TaskReadyEvent struct {
	ID        string
	Timestamp time.Time
}

func (e TaskReadyEvent) EventType() string { return EventTypeTaskReady }
func (e TaskReadyEvent) TaskID() string    { return e.ID }

// TaskDispatchedEvent is published when an attempt is handed to a worker.
type TaskDispatchedEvent struct {
	ID            string
	Role          string
	Attempt       int
	ParallelGroup int
	Timestamp     time.Time
}

func (e TaskDispatchedEvent) EventType() string { return EventTypeTaskDispatched }
func (e TaskDispatchedEvent) TaskID() string    { return e.ID }

// TaskOutputEvent carries one line of worker output.
type TaskOutputEvent struct {
	ID        string
	Line      string
	Timestamp time.Time
}

func (e TaskOutputEvent) EventType() string { return EventTypeTaskOutput }
func (e TaskOutputEvent) TaskID() string    { return e.ID }

// TaskVerifyingEvent is published when a worker returned an artifact.
type TaskVerifyingEvent struct {
	ID         string
	Attempt    int
	Operations int
	Timestamp  time.Time
}

func (e TaskVerifyingEvent) EventType() string { return EventTypeTaskVerifying }
func (e TaskVerifyingEvent) TaskID() string    { return e.ID }

// TaskPassedEvent is published when the verifier accepted an attempt.
type TaskPassedEvent struct {
	ID        string
	Attempt   int
	Duration  time.Duration
	Timestamp time.Time
}

func (e TaskPassedEvent) EventType() string { return EventTypeTaskPassed }
func (e TaskPassedEvent) TaskID() string    { return e.ID }

// TaskRetryEvent is published when a failed attempt sends a task back to pending.
type TaskRetryEvent struct {
	ID        string
	Attempt   int
	Outcome   string
	Evidence  []string
	Err       string
	Timestamp time.Time
}

func (e TaskRetryEvent) EventType() string { return EventTypeTaskRetry }
func (e TaskRetryEvent) TaskID() string    { return e.ID }

// TaskEscalatedEvent is published once a failure record has been attached.
type TaskEscalatedEvent struct {
	ID           string
	Attempts     int
	Impact       []string
	Replacements []string
	Timestamp    time.Time
}

func (e TaskEscalatedEvent) EventType() string { return EventTypeTaskEscalated }
func (e TaskEscalatedEvent) TaskID() string    { return e.ID }

// GraphChangedEvent is published when tasks are added to a running graph.
type GraphChangedEvent struct {
	Version   uint64
	Added     []string
	Timestamp time.Time
}

func (e GraphChangedEvent) EventType() string { return EventTypeGraphChanged }
func (e GraphChangedEvent) TaskID() string    { return "" }

// GraphProgressEvent summarizes task counts by effective status.
type GraphProgressEvent struct {
	Total     int
	Passed    int
	InFlight  int // assigned, running or verifying
	Ready     int
	Pending   int
	Blocked   int
	Escalated int
	Timestamp time.Time
}

func (e GraphProgressEvent) EventType() string { return EventTypeGraphProgress }
func (e GraphProgressEvent) TaskID() string    { return "" }
