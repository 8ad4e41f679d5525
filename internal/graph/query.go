package graph

import (
	"cmp"
	"fmt"
	"maps"
	"slices"
)

// Neighbor is a task adjacent to another through one edge.
type Neighbor struct {
	Task Task
	Edge Edge
}

// GetNeighbors returns the tasks adjacent to id in the given direction,
// optionally restricted to edge types. Results are ordered by edge.
func (s *Store) GetNeighbors(id string, dir Direction, types ...EdgeType) ([]Neighbor, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, ok := s.nodes[id]; !ok {
		return nil, fmt.Errorf("%w: %q", ErrNotFound, id)
	}

	var keys []edgeKey
	if dir == Outgoing || dir == Both {
		keys = append(keys, s.out[id]...)
	}
	if dir == Incoming || dir == Both {
		keys = append(keys, s.in[id]...)
	}

	var out []Neighbor
	for _, k := range sortedKeys(keys) {
		if len(types) > 0 && !slices.Contains(types, k.typ) {
			continue
		}
		other := k.target
		if other == id {
			other = k.source
		}
		out = append(out, Neighbor{Task: s.nodes[other].Clone(), Edge: cloneEdge(s.edges[k])})
	}
	return out, nil
}

// Subgraph is a set of tasks and the edges among them.
type Subgraph struct {
	Tasks []Task
	Edges []Edge
}

// GetSubgraph returns every task within depth hops of id, following edges
// in both directions, and the edges connecting them. Depth 0 returns only id.
func (s *Store) GetSubgraph(id string, depth int) (Subgraph, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, ok := s.nodes[id]; !ok {
		return Subgraph{}, fmt.Errorf("%w: %q", ErrNotFound, id)
	}

	seen := map[string]bool{id: true}
	frontier := []string{id}
	for d := 0; d < depth && len(frontier) > 0; d++ {
		var next []string
		for _, cur := range frontier {
			for _, k := range append(slices.Clone(s.out[cur]), s.in[cur]...) {
				for _, other := range []string{k.source, k.target} {
					if !seen[other] {
						seen[other] = true
						next = append(next, other)
					}
				}
			}
		}
		frontier = next
	}

	var sg Subgraph
	for _, nid := range slices.Sorted(maps.Keys(seen)) {
		sg.Tasks = append(sg.Tasks, s.nodes[nid].Clone())
	}
	for _, k := range s.sortedEdgeKeys() {
		if seen[k.source] && seen[k.target] {
			sg.Edges = append(sg.Edges, cloneEdge(s.edges[k]))
		}
	}
	return sg, nil
}

// QueryNodes returns copies of the tasks matching pred, ordered by id.
func (s *Store) QueryNodes(pred func(Task) bool) []Task {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []Task
	for t := range (storeView{s}).Tasks() {
		c := t.Clone()
		if pred == nil || pred(c) {
			out = append(out, c)
		}
	}
	return out
}

// Edges returns every edge, ordered by source, type, then target.
func (s *Store) Edges() []Edge {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Edge, 0, len(s.edges))
	for _, k := range s.sortedEdgeKeys() {
		out = append(out, cloneEdge(s.edges[k]))
	}
	return out
}

// Downstream returns every task that transitively depends on id.
func (s *Store) Downstream(id string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return Downstream(storeView{s}, id)
}

// Downstream walks dependency edges forward from id.
func Downstream(v View, id string) []string {
	seen := make(map[string]bool)
	queue := v.Successors(id)
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		if seen[cur] || cur == id {
			continue
		}
		seen[cur] = true
		queue = append(queue, v.Successors(cur)...)
	}
	return slices.Sorted(maps.Keys(seen))
}

func (s *Store) sortedEdgeKeys() []edgeKey {
	return sortedKeys(slices.Collect(maps.Keys(s.edges)))
}

func sortedKeys(keys []edgeKey) []edgeKey {
	keys = slices.Clone(keys)
	slices.SortFunc(keys, func(a, b edgeKey) int {
		return cmp.Or(
			cmp.Compare(a.source, b.source),
			cmp.Compare(a.typ, b.typ),
			cmp.Compare(a.target, b.target),
		)
	})
	return keys
}

func cloneEdge(e Edge) Edge {
	e.Properties = maps.Clone(e.Properties)
	return e
}
