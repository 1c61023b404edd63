package diagram

import (
	"fmt"
	"strings"
)

// statusStyles are the Mermaid class definitions for step statuses.
var statusStyles = []struct{ class, style string }{
	{"completed", "fill:#2d6a2d,stroke:#1a4a1a,color:#fff"},
	{"failed", "fill:#8b1a1a,stroke:#5c0e0e,color:#fff"},
	{"running", "fill:#1a5276,stroke:#0e3a52,color:#fff"},
	{"retrying", "fill:#b7791a,stroke:#8a5c14,color:#fff"},
	{"pending", "fill:#6b6b6b,stroke:#4a4a4a,color:#fff"},
	{"skipped", "fill:#4a4a4a,stroke:#333,color:#aaa,stroke-dasharray:5 5"},
	{"cancelled", "fill:#3b3b3b,stroke:#222,color:#ccc"},
}

// RenderMermaid renders a DiagramModel as a Mermaid flowchart. Each execution
// level becomes a subgraph.
func RenderMermaid(model *DiagramModel) string {
	var b strings.Builder

	b.WriteString("graph TD\n")
	if model.Title != "" {
		fmt.Fprintf(&b, "    %%%% %s\n", model.Title)
	}

	if start := model.node(StartID); start != nil {
		fmt.Fprintf(&b, "    %s\n", mermaidNodeDef(start))
	}
	for i, level := range model.Levels {
		fmt.Fprintf(&b, "    subgraph level_%d[\"Level %d\"]\n", i, i)
		for _, id := range level {
			if n := model.node(id); n != nil {
				fmt.Fprintf(&b, "        %s\n", mermaidNodeDef(n))
			}
		}
		b.WriteString("    end\n")
	}
	if end := model.node(EndID); end != nil {
		fmt.Fprintf(&b, "    %s\n", mermaidNodeDef(end))
	}

	for _, edge := range model.Edges {
		label := ""
		if edge.Label != "" {
			label = fmt.Sprintf("|%s|", edge.Label)
		}
		fmt.Fprintf(&b, "    %s -->%s %s\n", mermaidSafeID(edge.From), label, mermaidSafeID(edge.To))
	}

	b.WriteString("\n")
	for _, s := range statusStyles {
		fmt.Fprintf(&b, "    classDef %s %s\n", s.class, s.style)
	}
	for _, n := range model.Nodes {
		if n.Status == nil {
			continue
		}
		if cls := mermaidStatusClass(n.Status.Status); cls != "" {
			fmt.Fprintf(&b, "    class %s %s\n", mermaidSafeID(n.ID), cls)
		}
	}

	return b.String()
}

// mermaidNodeDef returns a Mermaid node definition with the shape of its kind.
func mermaidNodeDef(node *Node) string {
	id := mermaidSafeID(node.ID)
	label := mermaidEscapeLabel(displayLabel(node))

	switch node.Kind {
	case NodeKindInput, NodeKindOutput:
		return fmt.Sprintf("%s([\"%s\"])", id, label)
	case NodeKindAI:
		return fmt.Sprintf("%s{{\"%s\"}}", id, label)
	case NodeKindValidation:
		return fmt.Sprintf("%s{\"%s\"}", id, label)
	case NodeKindStart, NodeKindEnd:
		return fmt.Sprintf("%s((\"%s\"))", id, label)
	default:
		return fmt.Sprintf("%s[\"%s\"]", id, label)
	}
}

// displayLabel is the node label, marked when the step is guarded.
func displayLabel(node *Node) string {
	if node.Guarded {
		return node.Label + " [if]"
	}
	return node.Label
}

var mermaidIDReplacer = strings.NewReplacer(".", "_", "-", "_", " ", "_", ":", "_")

// mermaidSafeID converts a node ID to a Mermaid-safe identifier.
func mermaidSafeID(id string) string {
	return mermaidIDReplacer.Replace(id)
}

// mermaidEscapeLabel replaces double quotes, which end a quoted label.
func mermaidEscapeLabel(s string) string {
	return strings.ReplaceAll(s, `"`, "#quot;")
}

// mermaidStatusClass maps a step status to a Mermaid class name.
func mermaidStatusClass(status string) string {
	for _, s := range statusStyles {
		if s.class == status {
			return s.class
		}
	}
	return ""
}
