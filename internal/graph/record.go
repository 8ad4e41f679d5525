package graph

import (
	"encoding/json"
	"fmt"
)

// RecordTypeTask is the record type of task nodes.
const RecordTypeTask = "task"

// NodeRecord is the flat key-value form of a task exchanged with external
// observers.
type NodeRecord struct {
	Type       string         `json:"type"`
	ID         string         `json:"id"`
	Properties map[string]any `json:"properties"`
}

// EdgeRecord is the flat form of an edge.
type EdgeRecord struct {
	Type       EdgeType       `json:"type"`
	Source     string         `json:"source"`
	Target     string         `json:"target"`
	Properties map[string]any `json:"properties,omitempty"`
}

// ToRecord flattens a task. Every field except the id lands in Properties
// under its JSON name.
func (t Task) ToRecord() (NodeRecord, error) {
	data, err := json.Marshal(t)
	if err != nil {
		return NodeRecord{}, fmt.Errorf("failed to encode task %q: %w", t.ID, err)
	}
	var props map[string]any
	if err := json.Unmarshal(data, &props); err != nil {
		return NodeRecord{}, fmt.Errorf("failed to flatten task %q: %w", t.ID, err)
	}
	delete(props, "id")
	return NodeRecord{Type: RecordTypeTask, ID: t.ID, Properties: props}, nil
}

// TaskFromRecord rebuilds a task from its flat form.
func TaskFromRecord(r NodeRecord) (Task, error) {
	if r.Type != RecordTypeTask {
		return Task{}, fmt.Errorf("%w: record %q has type %q", ErrInvalidTask, r.ID, r.Type)
	}
	props := make(map[string]any, len(r.Properties)+1)
	for k, v := range r.Properties {
		props[k] = v
	}
	props["id"] = r.ID

	data, err := json.Marshal(props)
	if err != nil {
		return Task{}, fmt.Errorf("failed to encode record %q: %w", r.ID, err)
	}
	var t Task
	if err := json.Unmarshal(data, &t); err != nil {
		return Task{}, fmt.Errorf("failed to decode record %q: %w", r.ID, err)
	}
	return t, nil
}

// ToRecord flattens an edge.
func (e Edge) ToRecord() EdgeRecord {
	return EdgeRecord{Type: e.Type, Source: e.Source, Target: e.Target, Properties: cloneEdge(e).Properties}
}

// EdgeFromRecord rebuilds an edge from its flat form.
func EdgeFromRecord(r EdgeRecord) Edge {
	return cloneEdge(Edge{Source: r.Source, Type: r.Type, Target: r.Target, Properties: r.Properties})
}

// Records returns the whole graph in flat form.
func (s *Store) Records() ([]NodeRecord, []EdgeRecord, error) {
	tasks := s.QueryNodes(nil)
	nodes := make([]NodeRecord, 0, len(tasks))
	for _, t := range tasks {
		r, err := t.ToRecord()
		if err != nil {
			return nil, nil, err
		}
		nodes = append(nodes, r)
	}
	var edges []EdgeRecord
	for _, e := range s.Edges() {
		edges = append(edges, e.ToRecord())
	}
	return nodes, edges, nil
}
