package graph

import "fmt"

// EdgeType is the relation an edge expresses between two tasks.
type EdgeType string

const (
	// EdgeDependsOn means the target cannot start until the source passed.
	EdgeDependsOn EdgeType = "depends_on"
	// EdgeBlocks means the source prevents the target from starting.
	EdgeBlocks EdgeType = "blocks"
	// EdgeRelatedTo is informational.
	EdgeRelatedTo EdgeType = "related_to"
	// EdgeExtends links a task to work derived from it.
	EdgeExtends EdgeType = "extends"
)

// Valid reports whether t is a known edge type.
func (t EdgeType) Valid() bool {
	switch t {
	case EdgeDependsOn, EdgeBlocks, EdgeRelatedTo, EdgeExtends:
		return true
	}
	return false
}

// Dependency reports whether the scheduler orders tasks by this edge type.
func (t EdgeType) Dependency() bool {
	return t == EdgeDependsOn || t == EdgeBlocks
}

// Edge is a typed relation between two tasks. For dependency edges the
// source is the prerequisite: "X depends_on Y" is Edge{Source: Y, Target: X}.
type Edge struct {
	Source     string         `json:"source"`
	Type       EdgeType       `json:"type"`
	Target     string         `json:"target"`
	Properties map[string]any `json:"properties,omitempty"`
}

// DependsOn builds the edge recording that task depends on prerequisite.
func DependsOn(task, prerequisite string) Edge {
	return Edge{Source: prerequisite, Type: EdgeDependsOn, Target: task}
}

func (e Edge) String() string {
	return fmt.Sprintf("%s -%s-> %s", e.Source, e.Type, e.Target)
}

type edgeKey struct {
	source string
	typ    EdgeType
	target string
}

func (e Edge) key() edgeKey {
	return edgeKey{source: e.Source, typ: e.Type, target: e.Target}
}

// Direction selects which edges GetNeighbors follows.
type Direction int

const (
	Outgoing Direction = iota
	Incoming
	Both
)
