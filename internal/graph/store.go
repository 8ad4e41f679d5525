package graph

import (
	"fmt"
	"iter"
	"maps"
	"slices"
	"sync"
)

// DefaultResourceBudget is applied to tasks that declare no budget.
const DefaultResourceBudget = 100

// View is a read-only window onto the graph, valid only for the duration of
// the callback that received it. Returned tasks must not be mutated.
type View interface {
	Node(id string) (*Task, bool)
	Tasks() iter.Seq[*Task]
	Predecessors(id string) []string
	Successors(id string) []string
}

// Patch describes an update to one task. Zero-valued fields are left alone.
type Patch struct {
	ID            string
	Expect        Status // Reject with StaleStateError unless the task has this status
	Status        Status
	ParallelGroup *int
	BeginAttempt  bool // Increment AttemptNumber
	AttemptNumber *int
	Artifact      *Artifact
	AppendAttempt *Attempt
	FailureRecord *FailureRecord
	Properties    map[string]any // Merged, nil values delete keys
}

// Batch is a set of mutations committed atomically.
type Batch struct {
	Nodes   []Task
	Edges   []Edge
	Patches []Patch
}

// Empty reports whether the batch carries no mutations.
func (b Batch) Empty() bool {
	return len(b.Nodes) == 0 && len(b.Edges) == 0 && len(b.Patches) == 0
}

// Store owns the task graph. All mutation goes through atomic batches and
// every effective commit bumps a monotonic version.
type Store struct {
	mu            sync.RWMutex
	nodes         map[string]*Task
	edges         map[edgeKey]Edge
	out           map[string][]edgeKey // Edges by source
	in            map[string][]edgeKey // Edges by target
	version       uint64
	changed       chan struct{}
	defaultBudget int
}

// Option configures a Store.
type Option func(*Store)

// WithDefaultBudget sets the budget given to tasks that declare none.
func WithDefaultBudget(n int) Option {
	return func(s *Store) {
		if n > 0 {
			s.defaultBudget = n
		}
	}
}

// NewStore creates an empty graph store.
func NewStore(opts ...Option) *Store {
	s := &Store{
		nodes:         make(map[string]*Task),
		edges:         make(map[edgeKey]Edge),
		out:           make(map[string][]edgeKey),
		in:            make(map[string][]edgeKey),
		changed:       make(chan struct{}),
		defaultBudget: DefaultResourceBudget,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Version returns the current graph version.
func (s *Store) Version() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.version
}

var closedChan = func() chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}()

// Changed returns a channel that is closed once the graph version differs
// from since.
func (s *Store) Changed(since uint64) <-chan struct{} {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.version != since {
		return closedChan
	}
	return s.changed
}

// Apply commits the batch atomically and returns the resulting version.
// A batch that changes nothing (exact re-submission) commits as a no-op.
func (s *Store) Apply(b Batch) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.applyLocked(b)
}

// Update computes a batch from the current graph and commits it under the
// same lock, so decisions cannot go stale between read and write.
func (s *Store) Update(fn func(v View) (Batch, error)) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, err := fn(storeView{s})
	if err != nil {
		return s.version, err
	}
	return s.applyLocked(b)
}

// Read runs fn against a consistent view of the graph.
func (s *Store) Read(fn func(v View)) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	fn(storeView{s})
}

// AddNode adds a single task.
func (s *Store) AddNode(t Task) error {
	_, err := s.Apply(Batch{Nodes: []Task{t}})
	return err
}

// AddNodes adds tasks atomically. Each task's DependsOn entries become
// depends_on edges.
func (s *Store) AddNodes(tasks []Task) error {
	_, err := s.Apply(Batch{Nodes: tasks})
	return err
}

// AddEdge adds a single edge.
func (s *Store) AddEdge(e Edge) error {
	_, err := s.Apply(Batch{Edges: []Edge{e}})
	return err
}

// AddEdges adds edges atomically.
func (s *Store) AddEdges(edges []Edge) error {
	_, err := s.Apply(Batch{Edges: edges})
	return err
}

// UpdateNode applies a patch to one task and returns the updated copy.
func (s *Store) UpdateNode(id string, p Patch) (Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p.ID = id
	if _, err := s.applyLocked(Batch{Patches: []Patch{p}}); err != nil {
		return Task{}, err
	}
	return s.nodes[id].Clone(), nil
}

// GetNode returns a copy of the task.
func (s *Store) GetNode(id string) (Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	t, ok := s.nodes[id]
	if !ok {
		return Task{}, fmt.Errorf("%w: %q", ErrNotFound, id)
	}
	return t.Clone(), nil
}

// Len returns the number of tasks.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.nodes)
}

func (s *Store) applyLocked(b Batch) (uint64, error) {
	tx := newTxn(s)
	if err := tx.stage(b); err != nil {
		return s.version, err
	}
	if tx.empty() {
		return s.version, nil
	}
	tx.commit()
	return s.version, nil
}

// dependencyEdges returns the dependency edge keys adjacent to id.
func (s *Store) dependencyEdges(index map[string][]edgeKey, id string) []edgeKey {
	var keys []edgeKey
	for _, k := range index[id] {
		if k.typ.Dependency() {
			keys = append(keys, k)
		}
	}
	return keys
}

// storeView exposes committed state. Callers must hold s.mu.
type storeView struct{ s *Store }

func (v storeView) Node(id string) (*Task, bool) {
	t, ok := v.s.nodes[id]
	return t, ok
}

func (v storeView) Tasks() iter.Seq[*Task] {
	return func(yield func(*Task) bool) {
		for _, id := range slices.Sorted(maps.Keys(v.s.nodes)) {
			if !yield(v.s.nodes[id]) {
				return
			}
		}
	}
}

func (v storeView) Predecessors(id string) []string {
	var ids []string
	for _, k := range v.s.dependencyEdges(v.s.in, id) {
		ids = append(ids, k.source)
	}
	return normalizeSet(ids)
}

func (v storeView) Successors(id string) []string {
	var ids []string
	for _, k := range v.s.dependencyEdges(v.s.out, id) {
		ids = append(ids, k.target)
	}
	return normalizeSet(ids)
}
