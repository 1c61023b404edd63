package diagram

import (
	"fmt"
	"strings"
	"unicode/utf8"
)

// statusTag returns a short ASCII indicator for a status string.
func statusTag(status string) string {
	switch status {
	case "completed":
		return "[OK]"
	case "failed":
		return "[FAIL]"
	case "running":
		return "[RUN]"
	case "retrying":
		return "[RETRY]"
	case "skipped":
		return "[SKIP]"
	case "cancelled":
		return "[CANCEL]"
	case "pending":
		return "[PEND]"
	default:
		return ""
	}
}

// RenderASCII renders a DiagramModel as a level-by-level text diagram.
// Steps of one level are drawn side by side; every step lists its dependencies.
func RenderASCII(model *DiagramModel) string {
	var b strings.Builder

	if model.Title != "" {
		fmt.Fprintf(&b, "=== %s ===\n\n", model.Title)
	}

	deps := make(map[string][]string)
	for _, e := range model.Edges {
		if e.From != StartID && e.To != EndID {
			deps[e.To] = append(deps[e.To], e.From)
		}
	}

	for i, level := range model.Levels {
		fmt.Fprintf(&b, "Level %d\n", i)
		var boxes []asciiBox
		for _, id := range level {
			if n := model.node(id); n != nil {
				boxes = append(boxes, makeBox(n, deps[id]))
			}
		}
		renderBoxRow(&b, boxes)
		if i < len(model.Levels)-1 {
			b.WriteString("       │\n")
			b.WriteString("       ▼\n")
		}
	}

	return b.String()
}

// asciiBox holds the rendered lines of a single box.
type asciiBox struct {
	lines []string
	width int
}

// makeBox creates an ASCII box for a node.
func makeBox(node *Node, deps []string) asciiBox {
	content := []string{displayLabel(node)}
	if len(deps) > 0 {
		content = append(content, "after: "+strings.Join(deps, ", "))
	}
	if node.Status != nil {
		line := statusTag(node.Status.Status)
		if node.Status.DurationMs > 0 {
			line = strings.TrimSpace(fmt.Sprintf("%s %dms", line, node.Status.DurationMs))
		}
		if node.Status.Attempts > 1 {
			line = strings.TrimSpace(fmt.Sprintf("%s x%d", line, node.Status.Attempts))
		}
		if line != "" {
			content = append(content, line)
		}
	}

	maxLen := 0
	for _, line := range content {
		maxLen = max(maxLen, utf8.RuneCountInString(line))
	}
	width := maxLen + 4 // 2 border + 2 padding

	lines := make([]string, 0, len(content)+2)
	lines = append(lines, "┌"+strings.Repeat("─", width-2)+"┐")
	for _, line := range content {
		pad := strings.Repeat(" ", maxLen-utf8.RuneCountInString(line))
		lines = append(lines, "│ "+line+pad+" │")
	}
	lines = append(lines, "└"+strings.Repeat("─", width-2)+"┘")

	return asciiBox{lines: lines, width: width}
}

// renderBoxRow writes boxes side by side.
func renderBoxRow(b *strings.Builder, boxes []asciiBox) {
	maxHeight := 0
	for _, box := range boxes {
		maxHeight = max(maxHeight, len(box.lines))
	}

	for row := 0; row < maxHeight; row++ {
		for i, box := range boxes {
			if i > 0 {
				b.WriteString("  ")
			}
			if row < len(box.lines) {
				b.WriteString(box.lines[row])
			} else {
				b.WriteString(strings.Repeat(" ", box.width))
			}
		}
		b.WriteByte('\n')
	}
}
