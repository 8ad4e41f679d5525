package graph

import (
	"fmt"
	"time"
)

// Snapshot is a point-in-time copy of the whole graph.
type Snapshot struct {
	Version uint64
	Tasks   []Task
	Edges   []Edge
}

// Snapshot returns a consistent copy of the graph.
func (s *Store) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snap := Snapshot{Version: s.version}
	for t := range (storeView{s}).Tasks() {
		snap.Tasks = append(snap.Tasks, t.Clone())
	}
	for _, k := range s.sortedEdgeKeys() {
		snap.Edges = append(snap.Edges, cloneEdge(s.edges[k]))
	}
	return snap
}

// Restore rebuilds a store from a snapshot. Tasks caught mid-attempt are
// returned to pending; the interrupted attempt is recorded in their history
// and not counted against their retries.
func Restore(snap Snapshot, opts ...Option) (*Store, error) {
	s := NewStore(opts...)
	now := time.Now()

	for i := range snap.Tasks {
		t := snap.Tasks[i].Clone()
		if t.ID == "" {
			return nil, fmt.Errorf("%w: empty id in snapshot", ErrInvalidTask)
		}
		if !t.Status.Valid() {
			return nil, fmt.Errorf("%w: task %q has status %q", ErrInvalidTask, t.ID, t.Status)
		}
		if _, dup := s.nodes[t.ID]; dup {
			return nil, fmt.Errorf("%w: %q", ErrDuplicateNode, t.ID)
		}
		if t.Status.InFlight() {
			t.Attempts = append(t.Attempts, Attempt{
				Number:     t.AttemptNumber,
				Outcome:    OutcomeInterrupted,
				Error:      fmt.Sprintf("interrupted while %s", t.Status),
				FinishedAt: now,
			})
			t.AttemptNumber = max(0, t.AttemptNumber-1)
			t.Status = StatusPending
			t.Artifact = nil
		}
		// Rebuilt from edges below.
		t.DependsOn = nil
		s.nodes[t.ID] = &t
	}

	for _, e := range snap.Edges {
		if !e.Type.Valid() {
			return nil, fmt.Errorf("%w: %s: unknown type", ErrInvalidEdge, e)
		}
		for _, id := range []string{e.Source, e.Target} {
			if _, ok := s.nodes[id]; !ok {
				return nil, fmt.Errorf("%w: edge %s references %w %q", ErrInvalidEdge, e, ErrNotFound, id)
			}
		}
		k := e.key()
		if _, ok := s.edges[k]; ok {
			continue
		}
		s.edges[k] = cloneEdge(e)
		s.out[e.Source] = append(s.out[e.Source], k)
		s.in[e.Target] = append(s.in[e.Target], k)
		if e.Type.Dependency() {
			t := s.nodes[e.Target]
			t.DependsOn = normalizeSet(append(t.DependsOn, e.Source))
		}
	}

	v := storeView{s}
	var ids []string
	for t := range v.Tasks() {
		ids = append(ids, t.ID)
	}
	if cycle := findCycle(ids, v.Successors); cycle != nil {
		return nil, &CyclicDependencyError{Cycle: cycle}
	}

	// A ready task whose predecessor regressed goes back to waiting.
	for _, id := range ids {
		t := s.nodes[id]
		if t.Status != StatusReady {
			continue
		}
		for _, dep := range t.DependsOn {
			if !satisfiedBy(s.nodes[dep], v.Node) {
				t.Status = StatusPending
				break
			}
		}
	}

	s.version = snap.Version
	return s, nil
}
