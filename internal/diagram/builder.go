package diagram

import (
	"fmt"
	"slices"

	"github.com/rendis/stepflow/internal/engine"
	"github.com/rendis/stepflow/pkg/schema"
)

// Build constructs a DiagramModel from a WorkflowDefinition and optional step
// states (typically ExecutionResult.Steps). Topology comes from engine.BuildGraph,
// so a definition that cannot run cannot be drawn either.
func Build(def *schema.WorkflowDefinition, states map[string]*engine.StepState) (*DiagramModel, error) {
	g, err := engine.BuildGraph(def)
	if err != nil {
		return nil, fmt.Errorf("diagram: build graph: %w", err)
	}

	nodes := make([]*Node, 0, len(g.Sorted)+2)
	nodes = append(nodes, &Node{ID: StartID, Label: "Start", Kind: NodeKindStart})
	for _, id := range g.Sorted {
		node := stepToNode(g.Nodes[id])
		if st, ok := states[id]; ok && st != nil {
			node.Status = &StatusOverlay{
				Status:     string(st.Status),
				DurationMs: st.DurationMs,
				Attempts:   st.Attempts,
				Error:      st.Error,
			}
		}
		nodes = append(nodes, node)
	}
	nodes = append(nodes, &Node{ID: EndID, Label: "End", Kind: NodeKindEnd})

	return &DiagramModel{
		Title:  titleFromDef(def),
		Nodes:  nodes,
		Edges:  buildEdges(g),
		Levels: g.Levels,
	}, nil
}

func stepToNode(n *schema.WorkflowNode) *Node {
	return &Node{
		ID:       n.ID,
		Label:    nodeLabel(n),
		StepType: n.Type,
		Kind:     stepTypeToKind(n.Type),
		Guarded:  n.String("condition", "") != "",
	}
}

func stepTypeToKind(stepType string) NodeKind {
	switch stepType {
	case "input":
		return NodeKindInput
	case "process":
		return NodeKindProcess
	case "output":
		return NodeKindOutput
	case "ai":
		return NodeKindAI
	case "data_validation":
		return NodeKindValidation
	default:
		return NodeKindStep
	}
}

// nodeLabel is "label (type)", using the node's data label when it has one.
func nodeLabel(n *schema.WorkflowNode) string {
	name := n.String("label", n.ID)
	if n.Type == "" {
		return name
	}
	if op := n.String("operation", ""); n.Type == "process" && op != "" {
		return fmt.Sprintf("%s (%s: %s)", name, n.Type, op)
	}
	return fmt.Sprintf("%s (%s)", name, n.Type)
}

// buildEdges returns start -> roots, dependency edges in topological order,
// then leaves -> end.
func buildEdges(g *engine.Graph) []Edge {
	var edges []Edge
	for _, root := range g.Roots {
		edges = append(edges, Edge{From: StartID, To: root})
	}
	for _, id := range g.Sorted {
		for _, dep := range g.Deps[id] {
			edges = append(edges, Edge{From: dep, To: id})
		}
	}
	leaves := make([]string, 0)
	for _, id := range g.Sorted {
		if len(g.Dependents[id]) == 0 {
			leaves = append(leaves, id)
		}
	}
	slices.Sort(leaves)
	for _, id := range leaves {
		edges = append(edges, Edge{From: id, To: EndID})
	}
	return edges
}

func titleFromDef(def *schema.WorkflowDefinition) string {
	if def.Name != "" {
		return def.Name
	}
	if def.ID != "" {
		return def.ID
	}
	return "Workflow"
}
