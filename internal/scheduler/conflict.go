package scheduler

import (
	"cmp"
	"fmt"
	"slices"
	"strings"

	"github.com/aristath/taskgraph/internal/graph"
)

// Policy decides how tasks without declared resources are grouped.
type Policy int

const (
	// Conservative serializes an undeclared task against every task sharing
	// its resource family, or against everything when it has no family.
	Conservative Policy = iota
	// Optimistic treats undeclared tasks as conflict-free.
	Optimistic
)

// ParsePolicy maps a config value to a Policy.
func ParsePolicy(s string) (Policy, error) {
	switch s {
	case "", "conservative":
		return Conservative, nil
	case "optimistic":
		return Optimistic, nil
	}
	return Conservative, fmt.Errorf("unknown conflict policy %q", s)
}

// ConflictGrouper partitions ready tasks into parallel groups so that no
// group holds two tasks with a write/write or write/read overlap.
type ConflictGrouper struct {
	policy Policy
}

// NewConflictGrouper creates a grouper with the given policy.
func NewConflictGrouper(p Policy) *ConflictGrouper {
	return &ConflictGrouper{policy: p}
}

// Conflicts reports whether a and b must not run at the same time.
func (g *ConflictGrouper) Conflicts(a, b *graph.Task) bool {
	if a.ID == b.ID {
		return false
	}
	if a.Declared() && b.Declared() {
		return intersects(a.FilesWritten, b.FilesWritten) ||
			intersects(a.FilesWritten, b.FilesRead) ||
			intersects(a.FilesRead, b.FilesWritten)
	}
	if g.policy == Optimistic {
		return false
	}

	fa, fb := families(a), families(b)
	if (!a.Declared() && len(fa) == 0) || (!b.Declared() && len(fb) == 0) {
		return true
	}
	return intersects(fa, fb)
}

// Assign colors the conflict graph of tasks greedily, highest degree first,
// and returns 1-based group numbers by task id.
func (g *ConflictGrouper) Assign(tasks []*graph.Task) map[string]int {
	degree := make(map[string]int, len(tasks))
	adj := make(map[string][]string, len(tasks))
	for i, a := range tasks {
		for _, b := range tasks[i+1:] {
			if g.Conflicts(a, b) {
				adj[a.ID] = append(adj[a.ID], b.ID)
				adj[b.ID] = append(adj[b.ID], a.ID)
				degree[a.ID]++
				degree[b.ID]++
			}
		}
	}

	order := slices.Clone(tasks)
	slices.SortFunc(order, func(a, b *graph.Task) int {
		return cmp.Or(cmp.Compare(degree[b.ID], degree[a.ID]), cmp.Compare(a.ID, b.ID))
	})

	groups := make(map[string]int, len(tasks))
	for _, t := range order {
		used := make(map[int]bool)
		for _, n := range adj[t.ID] {
			if c, ok := groups[n]; ok {
				used[c] = true
			}
		}
		c := 1
		for used[c] {
			c++
		}
		groups[t.ID] = c
	}
	return groups
}

// Regroup recomputes parallel groups for every ready task and commits the
// changed ones in a single batch.
func (g *ConflictGrouper) Regroup(store *graph.Store) (map[string]int, error) {
	var changed map[string]int
	_, err := store.Update(func(v graph.View) (graph.Batch, error) {
		var ready []*graph.Task
		for t := range v.Tasks() {
			if t.Status == graph.StatusReady {
				ready = append(ready, t)
			}
		}

		groups := g.Assign(ready)
		changed = make(map[string]int)
		var b graph.Batch
		for _, t := range ready {
			group := groups[t.ID]
			if t.ParallelGroup == group {
				continue
			}
			changed[t.ID] = group
			b.Patches = append(b.Patches, graph.Patch{ID: t.ID, Expect: graph.StatusReady, ParallelGroup: &group})
		}
		return b, nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to regroup ready tasks: %w", err)
	}
	return changed, nil
}

// family returns the resource family of an identifier: its first path or
// scheme segment.
func family(resource string) string {
	r := strings.TrimPrefix(strings.TrimPrefix(resource, "./"), "/")
	if i := strings.IndexAny(r, "/:"); i > 0 {
		return r[:i]
	}
	return r
}

func families(t *graph.Task) []string {
	var out []string
	if t.ResourceFamily != "" {
		out = append(out, t.ResourceFamily)
	}
	for _, r := range t.FilesRead {
		out = append(out, family(r))
	}
	for _, r := range t.FilesWritten {
		out = append(out, family(r))
	}
	slices.Sort(out)
	return slices.Compact(out)
}

// intersects reports whether two sets share an element.
func intersects(a, b []string) bool {
	for _, x := range a {
		if slices.Contains(b, x) {
			return true
		}
	}
	return false
}
