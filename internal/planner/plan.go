package planner

import (
	"bytes"
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/aristath/taskgraph/internal/graph"
)

// ErrInvalidPlan is returned for plan files that cannot become a graph.
var ErrInvalidPlan = errors.New("invalid plan")

// TaskSpec is one task as written in a plan file.
type TaskSpec struct {
	ID                 string         `yaml:"id"`
	Title              string         `yaml:"title,omitempty"`
	Description        string         `yaml:"description,omitempty"`
	Role               string         `yaml:"role,omitempty"`
	DependsOn          []string       `yaml:"depends_on,omitempty"`
	FilesRead          []string       `yaml:"files_read,omitempty"`
	FilesWritten       []string       `yaml:"files_written,omitempty"`
	ResourceFamily     string         `yaml:"resource_family,omitempty"`
	MaxRetries         *int           `yaml:"max_retries,omitempty"`
	ResourceBudget     int            `yaml:"resource_budget,omitempty"`
	AcceptanceCriteria []string       `yaml:"acceptance_criteria,omitempty"`
	Properties         map[string]any `yaml:"properties,omitempty"`
	OnEscalate         []TaskSpec     `yaml:"on_escalate,omitempty"` // Replacements emitted if this task escalates
}

// EdgeSpec is an explicit typed edge.
type EdgeSpec struct {
	Source string         `yaml:"source"`
	Type   graph.EdgeType `yaml:"type"`
	Target string         `yaml:"target"`
}

// Plan is the top-level plan document.
type Plan struct {
	Tasks []TaskSpec `yaml:"tasks"`
	Edges []EdgeSpec `yaml:"edges,omitempty"`
}

// Defaults fill fields a plan leaves unset.
type Defaults struct {
	MaxRetries int
}

// Parse decodes a plan document. Unknown fields are rejected.
func Parse(data []byte) (*Plan, error) {
	var p Plan
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&p); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPlan, err)
	}
	if err := p.validate(); err != nil {
		return nil, err
	}
	return &p, nil
}

// Load reads and parses the plan file at path.
func Load(path string) (*Plan, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read plan: %w", err)
	}
	p, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return p, nil
}

func (p *Plan) validate() error {
	if len(p.Tasks) == 0 {
		return fmt.Errorf("%w: no tasks", ErrInvalidPlan)
	}
	seen := make(map[string]bool)
	var walk func(specs []TaskSpec) error
	walk = func(specs []TaskSpec) error {
		for _, s := range specs {
			if s.ID == "" {
				return fmt.Errorf("%w: task without id", ErrInvalidPlan)
			}
			if seen[s.ID] {
				return fmt.Errorf("%w: duplicate task id %q", ErrInvalidPlan, s.ID)
			}
			seen[s.ID] = true
			if s.MaxRetries != nil && *s.MaxRetries < 0 {
				return fmt.Errorf("%w: task %q: negative max_retries", ErrInvalidPlan, s.ID)
			}
			if s.ResourceBudget < 0 {
				return fmt.Errorf("%w: task %q: negative resource_budget", ErrInvalidPlan, s.ID)
			}
			if err := walk(s.OnEscalate); err != nil {
				return err
			}
		}
		return nil
	}
	if err := walk(p.Tasks); err != nil {
		return err
	}
	for _, e := range p.Edges {
		if !e.Type.Valid() {
			return fmt.Errorf("%w: edge %s -> %s has unknown type %q", ErrInvalidPlan, e.Source, e.Target, e.Type)
		}
	}
	return nil
}

// Task converts the spec to a pending task.
func (s TaskSpec) Task(d Defaults) graph.Task {
	t := graph.NewTask(s.ID)
	t.Title = s.Title
	t.Description = s.Description
	t.Role = s.Role
	t.DependsOn = s.DependsOn
	t.FilesRead = s.FilesRead
	t.FilesWritten = s.FilesWritten
	t.ResourceFamily = s.ResourceFamily
	t.MaxRetries = d.MaxRetries
	if s.MaxRetries != nil {
		t.MaxRetries = *s.MaxRetries
	}
	t.ResourceBudget = s.ResourceBudget
	t.AcceptanceCriteria = s.AcceptanceCriteria
	t.Properties = s.Properties
	return t
}

// Batch converts the top-level tasks and edges into one graph batch.
// Fallback tasks under on_escalate are not part of it.
func (p *Plan) Batch(d Defaults) graph.Batch {
	var b graph.Batch
	for _, s := range p.Tasks {
		b.Nodes = append(b.Nodes, s.Task(d))
	}
	for _, e := range p.Edges {
		b.Edges = append(b.Edges, graph.Edge{Source: e.Source, Type: e.Type, Target: e.Target})
	}
	return b
}

// fallbacks returns the on_escalate specs declared for id anywhere in the
// plan.
func (p *Plan) fallbacks(id string) []TaskSpec {
	var find func(specs []TaskSpec) []TaskSpec
	find = func(specs []TaskSpec) []TaskSpec {
		for _, s := range specs {
			if s.ID == id {
				return s.OnEscalate
			}
			if r := find(s.OnEscalate); r != nil {
				return r
			}
		}
		return nil
	}
	return find(p.Tasks)
}
