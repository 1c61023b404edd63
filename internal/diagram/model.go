// Package diagram renders a workflow's level plan, optionally overlaid with the
// step statuses of an execution, as Mermaid, ASCII or PNG.
package diagram

// NodeKind classifies a diagram node by its workflow step type.
type NodeKind string

const (
	NodeKindInput      NodeKind = "input"
	NodeKindProcess    NodeKind = "process"
	NodeKindOutput     NodeKind = "output"
	NodeKindAI         NodeKind = "ai"
	NodeKindValidation NodeKind = "data_validation"
	NodeKindStep       NodeKind = "step" // default and custom types
	NodeKindStart      NodeKind = "start"
	NodeKindEnd        NodeKind = "end"
)

// Virtual node IDs framing the plan.
const (
	StartID = "__start__"
	EndID   = "__end__"
)

// DiagramModel is the intermediate representation used by all renderers.
// Levels holds the execution levels of the real steps, without the virtual nodes.
type DiagramModel struct {
	Title  string
	Nodes  []*Node
	Edges  []Edge
	Levels [][]string
}

// Node represents a single step in the diagram.
type Node struct {
	ID       string
	Label    string
	StepType string
	Kind     NodeKind
	Guarded  bool // has a condition
	Status   *StatusOverlay
}

// StatusOverlay carries runtime state for a node.
type StatusOverlay struct {
	Status     string // from schema.StepStatus
	DurationMs int64
	Attempts   int
	Error      string
}

// Edge represents a dependency between two nodes.
type Edge struct {
	From  string
	To    string
	Label string
}

// node returns the node with the given id, or nil.
func (m *DiagramModel) node(id string) *Node {
	for _, n := range m.Nodes {
		if n.ID == id {
			return n
		}
	}
	return nil
}
