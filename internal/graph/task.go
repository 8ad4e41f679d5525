package graph

import (
	"maps"
	"reflect"
	"slices"
	"time"
)

// Status represents the lifecycle state of a task.
type Status string

const (
	StatusPending   Status = "pending"          // Waiting for predecessors
	StatusReady     Status = "ready"            // All predecessors passed
	StatusAssigned  Status = "assigned"         // Claimed by the scheduler, attempt counted
	StatusRunning   Status = "running"          // Worker executing
	StatusVerifying Status = "verifying"        // Artifact handed to the verifier
	StatusPassed    Status = "passed"           // Verified, terminal
	StatusFailed    Status = "failed"           // Attempt failed, awaiting retry decision
	StatusEscalated Status = "failed_escalated" // Retries exhausted, terminal

	// StatusBlocked is derived on read and never stored.
	StatusBlocked Status = "blocked"
)

// DefaultMaxRetries is the retry allowance given to tasks built with NewTask.
const DefaultMaxRetries = 2

// transitions lists the stored status changes the store accepts.
var transitions = map[Status][]Status{
	StatusPending:   {StatusReady},
	StatusReady:     {StatusAssigned, StatusPending},
	StatusAssigned:  {StatusRunning, StatusReady, StatusFailed},
	StatusRunning:   {StatusVerifying, StatusFailed},
	StatusVerifying: {StatusPassed, StatusFailed},
	StatusFailed:    {StatusPending, StatusEscalated},
}

// Terminal reports whether the status is immutable.
func (s Status) Terminal() bool {
	return s == StatusPassed || s == StatusEscalated
}

// InFlight reports whether a task in this status is owned by an execution.
func (s Status) InFlight() bool {
	switch s {
	case StatusAssigned, StatusRunning, StatusVerifying, StatusFailed:
		return true
	}
	return false
}

// Valid reports whether s is a storable status.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusReady, StatusAssigned, StatusRunning,
		StatusVerifying, StatusPassed, StatusFailed, StatusEscalated:
		return true
	}
	return false
}

// CanTransition reports whether the store accepts from -> to.
func CanTransition(from, to Status) bool {
	return slices.Contains(transitions[from], to)
}

// Outcome classifies how an attempt ended.
type Outcome string

const (
	OutcomePassed             Outcome = "passed"
	OutcomeVerificationFailed Outcome = "verification_failed"
	OutcomeBudgetExceeded     Outcome = "budget_exceeded"
	OutcomeWorkerError        Outcome = "worker_error"
	OutcomeCancelled          Outcome = "cancelled"
	OutcomeInterrupted        Outcome = "interrupted"
)

// Artifact is the output a worker hands to the verifier.
type Artifact struct {
	Output   string            `json:"output,omitempty"`
	Files    []string          `json:"files,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// Attempt is one entry of a task's audit history.
type Attempt struct {
	Number     int       `json:"number"`
	Outcome    Outcome   `json:"outcome"`
	Operations int       `json:"operations"`
	Evidence   []string  `json:"evidence,omitempty"`
	Error      string    `json:"error,omitempty"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
}

// FailureRecord is attached to a task once its retries are exhausted.
type FailureRecord struct {
	TaskID       string    `json:"task_id"`
	Attempts     []Attempt `json:"attempts"`
	LastEvidence []string  `json:"last_evidence,omitempty"`
	LastError    string    `json:"last_error,omitempty"`
	Impact       []string  `json:"impact,omitempty"`       // Downstream tasks, transitively
	Replacements []string  `json:"replacements,omitempty"` // Tasks emitted in place of this one
	EscalatedAt  time.Time `json:"escalated_at"`
}

// Task represents a unit of work in the graph.
type Task struct {
	ID                 string         `json:"id"`
	Title              string         `json:"title,omitempty"`
	Description        string         `json:"description,omitempty"`
	Role               string         `json:"role,omitempty"` // Selects the worker
	Status             Status         `json:"status"`
	DependsOn          []string       `json:"depends_on,omitempty"`
	FilesRead          []string       `json:"files_read,omitempty"`
	FilesWritten       []string       `json:"files_written,omitempty"`
	ResourceFamily     string         `json:"resource_family,omitempty"`
	ParallelGroup      int            `json:"parallel_group"` // 0 until grouped
	MaxRetries         int            `json:"max_retries"`
	AttemptNumber      int            `json:"attempt_number"`
	ResourceBudget     int            `json:"resource_budget"`
	AcceptanceCriteria []string       `json:"acceptance_criteria,omitempty"`
	Properties         map[string]any `json:"properties,omitempty"`
	Generation         int            `json:"generation,omitempty"` // Replacement depth
	ReplacementOf      string         `json:"replacement_of,omitempty"`
	Artifact           *Artifact      `json:"artifact,omitempty"`
	Attempts           []Attempt      `json:"attempts,omitempty"`
	FailureRecord      *FailureRecord `json:"failure_record,omitempty"`
}

// NewTask returns a pending task with the default retry allowance.
func NewTask(id string) Task {
	return Task{ID: id, Status: StatusPending, MaxRetries: DefaultMaxRetries}
}

// Declared reports whether the task declares any resources.
func (t *Task) Declared() bool {
	return len(t.FilesRead) > 0 || len(t.FilesWritten) > 0
}

// Clone returns a deep copy of the task.
func (t *Task) Clone() Task {
	c := *t
	c.DependsOn = slices.Clone(t.DependsOn)
	c.FilesRead = slices.Clone(t.FilesRead)
	c.FilesWritten = slices.Clone(t.FilesWritten)
	c.AcceptanceCriteria = slices.Clone(t.AcceptanceCriteria)
	c.Properties = maps.Clone(t.Properties)
	if t.Artifact != nil {
		a := *t.Artifact
		a.Files = slices.Clone(a.Files)
		a.Metadata = maps.Clone(a.Metadata)
		c.Artifact = &a
	}
	c.Attempts = cloneAttempts(t.Attempts)
	if t.FailureRecord != nil {
		r := *t.FailureRecord
		r.Attempts = cloneAttempts(r.Attempts)
		r.LastEvidence = slices.Clone(r.LastEvidence)
		r.Impact = slices.Clone(r.Impact)
		r.Replacements = slices.Clone(r.Replacements)
		c.FailureRecord = &r
	}
	return c
}

func cloneAttempts(in []Attempt) []Attempt {
	if in == nil {
		return nil
	}
	out := make([]Attempt, len(in))
	for i, a := range in {
		a.Evidence = slices.Clone(a.Evidence)
		out[i] = a
	}
	return out
}

// sameSpec reports whether incoming describes the same work as existing.
// Runtime fields are ignored and existing may carry extra edge-derived
// predecessors.
func sameSpec(existing, incoming *Task) bool {
	if existing.Title != incoming.Title ||
		existing.Description != incoming.Description ||
		existing.Role != incoming.Role ||
		existing.ResourceFamily != incoming.ResourceFamily ||
		existing.MaxRetries != incoming.MaxRetries ||
		existing.ResourceBudget != incoming.ResourceBudget ||
		existing.Generation != incoming.Generation ||
		existing.ReplacementOf != incoming.ReplacementOf {
		return false
	}
	if !slices.Equal(existing.FilesRead, incoming.FilesRead) ||
		!slices.Equal(existing.FilesWritten, incoming.FilesWritten) ||
		!slices.Equal(existing.AcceptanceCriteria, incoming.AcceptanceCriteria) {
		return false
	}
	for _, dep := range incoming.DependsOn {
		if !slices.Contains(existing.DependsOn, dep) {
			return false
		}
	}
	if len(existing.Properties) == 0 && len(incoming.Properties) == 0 {
		return true
	}
	return reflect.DeepEqual(existing.Properties, incoming.Properties)
}

// normalizeSet sorts and de-duplicates ids, dropping empty entries.
func normalizeSet(in []string) []string {
	if len(in) == 0 {
		return nil
	}
	out := slices.Clone(in)
	out = slices.DeleteFunc(out, func(s string) bool { return s == "" })
	slices.Sort(out)
	out = slices.Compact(out)
	if len(out) == 0 {
		return nil
	}
	return out
}
