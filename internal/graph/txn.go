package graph

import (
	"fmt"
	"maps"
	"slices"
)

// txn stages a batch against committed state. Nothing reaches the store
// until every mutation in the batch has been validated.
type txn struct {
	s          *Store
	nodes      map[string]*Task // Staged copies of new or modified tasks
	edges      []Edge
	edgeKeys   map[edgeKey]bool
	depTargets []string // Targets of new dependency edges, cycle search roots
}

func newTxn(s *Store) *txn {
	return &txn{
		s:        s,
		nodes:    make(map[string]*Task),
		edgeKeys: make(map[edgeKey]bool),
	}
}

func (tx *txn) empty() bool {
	return len(tx.nodes) == 0 && len(tx.edges) == 0
}

func (tx *txn) node(id string) (*Task, bool) {
	if t, ok := tx.nodes[id]; ok {
		return t, true
	}
	t, ok := tx.s.nodes[id]
	return t, ok
}

// mutable returns the staged copy of id, cloning committed state on first use.
func (tx *txn) mutable(id string) *Task {
	if t, ok := tx.nodes[id]; ok {
		return t
	}
	c := tx.s.nodes[id].Clone()
	tx.nodes[id] = &c
	return &c
}

func (tx *txn) stage(b Batch) error {
	type implied struct{ task, dep string }
	var deps []implied

	for i := range b.Nodes {
		declared, added, err := tx.addNode(b.Nodes[i])
		if err != nil {
			return err
		}
		if added {
			for _, dep := range declared {
				deps = append(deps, implied{task: b.Nodes[i].ID, dep: dep})
			}
		}
	}
	for _, d := range deps {
		if err := tx.addEdge(DependsOn(d.task, d.dep)); err != nil {
			return err
		}
	}
	for _, e := range b.Edges {
		if err := tx.addEdge(e); err != nil {
			return err
		}
	}
	for _, p := range b.Patches {
		if err := tx.patch(p); err != nil {
			return err
		}
	}

	if len(tx.depTargets) > 0 {
		if cycle := findCycle(tx.depTargets, tx.successors); cycle != nil {
			return &CyclicDependencyError{Cycle: cycle}
		}
	}
	return nil
}

// addNode stages a new task and returns its declared predecessors.
// An exact re-submission of an existing task is skipped.
func (tx *txn) addNode(in Task) ([]string, bool, error) {
	if in.ID == "" {
		return nil, false, fmt.Errorf("%w: empty id", ErrInvalidTask)
	}
	if in.Status != "" && in.Status != StatusPending {
		return nil, false, fmt.Errorf("%w: task %q: new tasks must be pending, got %s", ErrInvalidTask, in.ID, in.Status)
	}
	if in.MaxRetries < 0 {
		return nil, false, fmt.Errorf("%w: task %q: negative max retries", ErrInvalidTask, in.ID)
	}
	if in.ResourceBudget < 0 {
		return nil, false, fmt.Errorf("%w: task %q: negative resource budget", ErrInvalidTask, in.ID)
	}

	t := Task{
		ID:                 in.ID,
		Title:              in.Title,
		Description:        in.Description,
		Role:               in.Role,
		Status:             StatusPending,
		FilesRead:          normalizeSet(in.FilesRead),
		FilesWritten:       normalizeSet(in.FilesWritten),
		ResourceFamily:     in.ResourceFamily,
		MaxRetries:         in.MaxRetries,
		ResourceBudget:     in.ResourceBudget,
		AcceptanceCriteria: slices.Clone(in.AcceptanceCriteria),
		Generation:         in.Generation,
		ReplacementOf:      in.ReplacementOf,
	}
	if t.ResourceBudget == 0 {
		t.ResourceBudget = tx.s.defaultBudget
	}
	if len(in.Properties) > 0 {
		t.Properties = maps.Clone(in.Properties)
	}
	deps := normalizeSet(in.DependsOn)
	t.DependsOn = deps

	if existing, ok := tx.node(in.ID); ok {
		if sameSpec(existing, &t) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("%w: %q", ErrDuplicateNode, in.ID)
	}

	// DependsOn is rebuilt from the edges staged below.
	t.DependsOn = nil
	tx.nodes[t.ID] = &t
	return deps, true, nil
}

func (tx *txn) addEdge(e Edge) error {
	if !e.Type.Valid() {
		return fmt.Errorf("%w: %s: unknown type", ErrInvalidEdge, e)
	}
	if e.Source == "" || e.Target == "" {
		return fmt.Errorf("%w: %s: empty endpoint", ErrInvalidEdge, e)
	}
	for _, id := range []string{e.Source, e.Target} {
		if _, ok := tx.node(id); !ok {
			return fmt.Errorf("%w: edge %s references %w %q", ErrInvalidEdge, e, ErrNotFound, id)
		}
	}
	if e.Source == e.Target {
		if e.Type.Dependency() {
			return &CyclicDependencyError{Cycle: []string{e.Source}}
		}
		return fmt.Errorf("%w: %s: self loop", ErrInvalidEdge, e)
	}

	k := e.key()
	if _, ok := tx.s.edges[k]; ok || tx.edgeKeys[k] {
		return nil
	}

	if e.Type.Dependency() {
		if err := tx.addDependency(e.Source, e.Target); err != nil {
			return err
		}
	}

	if len(e.Properties) > 0 {
		e.Properties = maps.Clone(e.Properties)
	} else {
		e.Properties = nil
	}
	tx.edges = append(tx.edges, e)
	tx.edgeKeys[k] = true
	return nil
}

// addDependency records source as a prerequisite of target.
func (tx *txn) addDependency(source, target string) error {
	src, _ := tx.node(source)
	dst, _ := tx.node(target)

	if slices.Contains(dst.DependsOn, source) {
		tx.depTargets = append(tx.depTargets, target)
		return nil
	}

	satisfied := satisfiedBy(src, tx.node)
	switch {
	case dst.Status.Terminal():
		return &StaleStateError{TaskID: target, Status: dst.Status, Op: "add dependency"}
	case dst.Status == StatusPending:
	case dst.Status == StatusReady:
		if !satisfied {
			// A ready task with a new unmet prerequisite goes back to waiting.
			tx.mutable(target).Status = StatusPending
		}
	default:
		if !satisfied {
			return &StaleStateError{TaskID: target, Status: dst.Status, Op: "add dependency"}
		}
	}

	m := tx.mutable(target)
	m.DependsOn = normalizeSet(append(m.DependsOn, source))
	tx.depTargets = append(tx.depTargets, target)
	return nil
}

func (tx *txn) patch(p Patch) error {
	cur, ok := tx.node(p.ID)
	if !ok {
		return fmt.Errorf("update: %w: %q", ErrNotFound, p.ID)
	}
	if p.Expect != "" && cur.Status != p.Expect {
		return &StaleStateError{TaskID: p.ID, Status: cur.Status, Want: p.Expect, Op: "update"}
	}
	if cur.Status.Terminal() && !attachesRecord(cur, p) {
		return &StaleStateError{TaskID: p.ID, Status: cur.Status, Op: "update"}
	}

	m := tx.mutable(p.ID)

	if p.Status != "" && p.Status != m.Status {
		if !p.Status.Valid() || !CanTransition(m.Status, p.Status) {
			return fmt.Errorf("%w: task %q: %s -> %s", ErrInvalidTransition, p.ID, m.Status, p.Status)
		}
		if p.Status == StatusReady {
			for _, dep := range m.DependsOn {
				d, _ := tx.node(dep)
				if !satisfiedBy(d, tx.node) {
					return fmt.Errorf("%w: task %q: predecessor %q has not passed", ErrInvalidTransition, p.ID, dep)
				}
			}
		}
		m.Status = p.Status
	}

	if p.AttemptNumber != nil {
		n := *p.AttemptNumber
		if n < 0 || n > m.MaxRetries+1 {
			return fmt.Errorf("%w: task %q: attempt %d outside [0, %d]", ErrAttemptLimit, p.ID, n, m.MaxRetries+1)
		}
		m.AttemptNumber = n
	}
	if p.BeginAttempt {
		if m.AttemptNumber+1 > m.MaxRetries+1 {
			return fmt.Errorf("%w: task %q: %d of %d attempts used", ErrAttemptLimit, p.ID, m.AttemptNumber, m.MaxRetries+1)
		}
		m.AttemptNumber++
	}
	if p.ParallelGroup != nil {
		m.ParallelGroup = *p.ParallelGroup
	}
	if p.Artifact != nil {
		a := *p.Artifact
		a.Files = slices.Clone(a.Files)
		a.Metadata = maps.Clone(a.Metadata)
		m.Artifact = &a
	}
	if p.AppendAttempt != nil {
		m.Attempts = append(m.Attempts, cloneAttempts([]Attempt{*p.AppendAttempt})...)
	}
	if p.FailureRecord != nil {
		c := Task{FailureRecord: p.FailureRecord}
		m.FailureRecord = c.Clone().FailureRecord
	}
	for k, v := range p.Properties {
		if m.Properties == nil {
			m.Properties = make(map[string]any)
		}
		if v == nil {
			delete(m.Properties, k)
			continue
		}
		m.Properties[k] = v
	}
	return nil
}

// attachesRecord reports whether p only attaches the first failure record to
// an escalated task, the one write a terminal task accepts.
func attachesRecord(t *Task, p Patch) bool {
	return t.Status == StatusEscalated &&
		t.FailureRecord == nil &&
		p.FailureRecord != nil &&
		(p.Status == "" || p.Status == StatusEscalated) &&
		p.ParallelGroup == nil &&
		!p.BeginAttempt &&
		p.AttemptNumber == nil &&
		p.Artifact == nil &&
		p.AppendAttempt == nil &&
		len(p.Properties) == 0
}

// successors returns the staged dependency successors of id.
func (tx *txn) successors(id string) []string {
	var ids []string
	for _, k := range tx.s.dependencyEdges(tx.s.out, id) {
		ids = append(ids, k.target)
	}
	for _, e := range tx.edges {
		if e.Source == id && e.Type.Dependency() {
			ids = append(ids, e.Target)
		}
	}
	return normalizeSet(ids)
}

func (tx *txn) commit() {
	s := tx.s
	for id, t := range tx.nodes {
		s.nodes[id] = t
	}
	for _, e := range tx.edges {
		k := e.key()
		s.edges[k] = e
		s.out[e.Source] = append(s.out[e.Source], k)
		s.in[e.Target] = append(s.in[e.Target], k)
	}
	s.version++
	close(s.changed)
	s.changed = make(chan struct{})
}
