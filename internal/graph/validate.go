package graph

import (
	"fmt"
	"slices"
	"strings"

	"github.com/gammazero/toposort"
)

// findCycle runs a three-color depth-first search from roots and returns the
// first cycle reached, or nil. Only nodes reachable from roots are visited,
// which keeps incremental checks bounded by the affected component.
func findCycle(roots []string, succ func(string) []string) []string {
	const (
		white = iota
		gray
		black
	)
	color := make(map[string]int)
	var stack, cycle []string

	var visit func(id string) bool
	visit = func(id string) bool {
		color[id] = gray
		stack = append(stack, id)
		for _, next := range succ(id) {
			switch color[next] {
			case gray:
				cycle = canonicalCycle(stack[slices.Index(stack, next):])
				return true
			case white:
				if visit(next) {
					return true
				}
			}
		}
		stack = stack[:len(stack)-1]
		color[id] = black
		return false
	}

	for _, root := range normalizeSet(roots) {
		if color[root] == white && visit(root) {
			return cycle
		}
	}
	return nil
}

// canonicalCycle rotates a cycle so it starts at its smallest id.
func canonicalCycle(path []string) []string {
	start := 0
	for i, id := range path {
		if id < path[start] {
			start = i
		}
	}
	out := make([]string, 0, len(path))
	out = append(out, path[start:]...)
	return append(out, path[:start]...)
}

// Validate checks the whole graph and returns a topological order of its
// tasks: prerequisites first, ties broken by id.
func (s *Store) Validate() ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	v := storeView{s}
	var ids []string
	for t := range v.Tasks() {
		ids = append(ids, t.ID)
	}

	if cycle := findCycle(ids, v.Successors); cycle != nil {
		return nil, &CyclicDependencyError{Cycle: cycle}
	}

	var edges []toposort.Edge
	for _, id := range ids {
		preds := v.Predecessors(id)
		if len(preds) == 0 {
			// Roots need an edge from nil to be included
			edges = append(edges, toposort.Edge{nil, id})
			continue
		}
		for _, dep := range preds {
			edges = append(edges, toposort.Edge{dep, id})
		}
	}

	sorted, err := toposort.Toposort(edges)
	if err != nil {
		return nil, fmt.Errorf("graph contains cycle: %w", err)
	}

	order := make([]string, 0, len(sorted))
	for _, id := range sorted {
		if id != nil {
			order = append(order, id.(string))
		}
	}
	if len(order) != len(ids) {
		var missing []string
		for _, id := range ids {
			if !slices.Contains(order, id) {
				missing = append(missing, id)
			}
		}
		return nil, fmt.Errorf("topological sort lost %d tasks: %s", len(missing), strings.Join(missing, ", "))
	}
	return order, nil
}

// satisfiedBy reports whether a predecessor no longer holds back its
// dependents: it passed, or it escalated and every replacement emitted in its
// place is itself satisfied.
func satisfiedBy(t *Task, lookup func(string) (*Task, bool)) bool {
	switch t.Status {
	case StatusPassed:
		return true
	case StatusEscalated:
		if t.FailureRecord == nil || len(t.FailureRecord.Replacements) == 0 {
			return false
		}
		for _, id := range t.FailureRecord.Replacements {
			r, ok := lookup(id)
			if !ok || !satisfiedBy(r, lookup) {
				return false
			}
		}
		return true
	}
	return false
}

// Satisfied reports whether t no longer holds back its dependents.
func Satisfied(v View, t *Task) bool {
	return satisfiedBy(t, v.Node)
}

// ReadyCandidates returns pending tasks whose predecessors are all satisfied.
func ReadyCandidates(v View) []string {
	var ids []string
	for t := range v.Tasks() {
		if t.Status != StatusPending {
			continue
		}
		ready := true
		for _, dep := range t.DependsOn {
			d, ok := v.Node(dep)
			if !ok || !satisfiedBy(d, v.Node) {
				ready = false
				break
			}
		}
		if ready {
			ids = append(ids, t.ID)
		}
	}
	return ids
}

// blockResolver derives the blocked status. A pending task is blocked when a
// predecessor, transitively, escalated with no live replacement.
type blockResolver struct {
	v    View
	memo map[string]bool
}

func newBlockResolver(v View) *blockResolver {
	return &blockResolver{v: v, memo: make(map[string]bool)}
}

func (b *blockResolver) dead(t *Task) bool {
	switch t.Status {
	case StatusEscalated:
		rec := t.FailureRecord
		if rec == nil || len(rec.Replacements) == 0 {
			return true
		}
		for _, id := range rec.Replacements {
			r, ok := b.v.Node(id)
			if !ok || b.dead(r) {
				return true
			}
		}
		return false
	case StatusPending:
		return b.blocked(t)
	}
	return false
}

func (b *blockResolver) blocked(t *Task) bool {
	if t.Status != StatusPending {
		return false
	}
	if v, ok := b.memo[t.ID]; ok {
		return v
	}
	b.memo[t.ID] = false
	res := false
	for _, dep := range t.DependsOn {
		if d, ok := b.v.Node(dep); ok && b.dead(d) {
			res = true
			break
		}
	}
	b.memo[t.ID] = res
	return res
}

// EffectiveStatus returns the stored status, or StatusBlocked for pending
// tasks that can no longer become ready.
func EffectiveStatus(v View, t *Task) Status {
	if t.Status == StatusPending && newBlockResolver(v).blocked(t) {
		return StatusBlocked
	}
	return t.Status
}

// Status returns the effective status of a task.
func (s *Store) Status(id string) (Status, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	t, ok := s.nodes[id]
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrNotFound, id)
	}
	return EffectiveStatus(storeView{s}, t), nil
}

// Blocked returns the ids of all blocked tasks.
func (s *Store) Blocked() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	v := storeView{s}
	br := newBlockResolver(v)
	var ids []string
	for t := range v.Tasks() {
		if br.blocked(t) {
			ids = append(ids, t.ID)
		}
	}
	return ids
}

// Counts tallies tasks by effective status.
func (s *Store) Counts() map[Status]int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	v := storeView{s}
	br := newBlockResolver(v)
	counts := make(map[Status]int)
	for t := range v.Tasks() {
		if br.blocked(t) {
			counts[StatusBlocked]++
			continue
		}
		counts[t.Status]++
	}
	return counts
}

// PromoteReady moves every pending task whose predecessors are satisfied to
// ready and returns the promoted ids.
func (s *Store) PromoteReady() ([]string, error) {
	var promoted []string
	_, err := s.Update(func(v View) (Batch, error) {
		promoted = ReadyCandidates(v)
		var b Batch
		for _, id := range promoted {
			b.Patches = append(b.Patches, Patch{ID: id, Expect: StatusPending, Status: StatusReady})
		}
		return b, nil
	})
	if err != nil {
		return nil, err
	}
	return promoted, nil
}

// Settled reports whether no task can make further progress: nothing is
// ready or in flight and no pending task can become ready.
func (s *Store) Settled() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	v := storeView{s}
	for t := range v.Tasks() {
		if t.Status == StatusReady || t.Status.InFlight() {
			return false
		}
	}
	return len(ReadyCandidates(v)) == 0
}
