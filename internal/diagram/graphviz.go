package diagram

import (
	"bytes"
	"context"
	"fmt"

	"github.com/goccy/go-graphviz"
	"github.com/goccy/go-graphviz/cgraph"
)

// Format is an image output format.
type Format string

const (
	FormatPNG Format = "png"
	FormatSVG Format = "svg"
	FormatDOT Format = "dot"
)

// RenderImage renders a DiagramModel as a PNG image using graphviz.
func RenderImage(ctx context.Context, model *DiagramModel) ([]byte, error) {
	return Render(ctx, model, FormatPNG)
}

// Render renders a DiagramModel with graphviz in the given format. Steps of one
// level share a rank.
func Render(ctx context.Context, model *DiagramModel, format Format) ([]byte, error) {
	gvFormat, err := graphvizFormat(format)
	if err != nil {
		return nil, err
	}

	gv, err := graphviz.New(ctx)
	if err != nil {
		return nil, fmt.Errorf("diagram: create graphviz: %w", err)
	}
	defer gv.Close()

	gv.SetLayout(graphviz.DOT)

	graph, err := gv.Graph()
	if err != nil {
		return nil, fmt.Errorf("diagram: create graph: %w", err)
	}
	defer graph.Close()

	graph.SetRankDir(cgraph.TBRank)
	if model.Title != "" {
		graph.SetLabel(model.Title)
	}

	gvNodes := make(map[string]*cgraph.Node, len(model.Nodes))
	addNode := func(g *cgraph.Graph, node *Node) error {
		gvNode, err := g.CreateNodeByName(node.ID)
		if err != nil {
			return fmt.Errorf("diagram: create node %s: %w", node.ID, err)
		}
		gvNode.SetLabel(displayLabel(node))
		applyNodeStyle(gvNode, node)
		gvNodes[node.ID] = gvNode
		return nil
	}

	for i, level := range model.Levels {
		sub, err := graph.CreateSubGraphByName(fmt.Sprintf("level_%d", i))
		if err != nil {
			return nil, fmt.Errorf("diagram: create level %d: %w", i, err)
		}
		_ = sub.SafeSet("rank", "same", "")
		for _, id := range level {
			if n := model.node(id); n != nil {
				if err := addNode(sub, n); err != nil {
					return nil, err
				}
			}
		}
	}
	for _, id := range []string{StartID, EndID} {
		if n := model.node(id); n != nil {
			if err := addNode(graph, n); err != nil {
				return nil, err
			}
		}
	}

	for _, edge := range model.Edges {
		fromGV, toGV := gvNodes[edge.From], gvNodes[edge.To]
		if fromGV == nil || toGV == nil {
			continue
		}
		e, err := graph.CreateEdgeByName("", fromGV, toGV)
		if err == nil && edge.Label != "" {
			e.SetLabel(edge.Label)
		}
	}

	var buf bytes.Buffer
	if err := gv.Render(ctx, graph, gvFormat, &buf); err != nil {
		return nil, fmt.Errorf("diagram: render %s: %w", format, err)
	}
	return buf.Bytes(), nil
}

func graphvizFormat(f Format) (graphviz.Format, error) {
	switch f {
	case FormatPNG, "":
		return graphviz.PNG, nil
	case FormatSVG:
		return graphviz.SVG, nil
	case FormatDOT:
		return graphviz.XDOT, nil
	default:
		return "", fmt.Errorf("diagram: unsupported image format %q", f)
	}
}

// applyNodeStyle sets graphviz attributes based on node kind and status.
func applyNodeStyle(gvNode *cgraph.Node, node *Node) {
	switch node.Kind {
	case NodeKindInput, NodeKindOutput:
		gvNode.SetShape(cgraph.EllipseShape)
	case NodeKindAI:
		gvNode.SetShape(cgraph.HexagonShape)
	case NodeKindValidation:
		gvNode.SetShape(cgraph.DiamondShape)
	case NodeKindStart, NodeKindEnd:
		gvNode.SetShape(cgraph.CircleShape)
		gvNode.SetWidth(0.5)
		gvNode.SetHeight(0.5)
	default:
		gvNode.SetShape(cgraph.BoxShape)
	}

	if node.Status != nil {
		applyStatusColor(gvNode, node.Status.Status)
	}
}

// applyStatusColor sets fill color and style based on status.
func applyStatusColor(gvNode *cgraph.Node, status string) {
	gvNode.SetStyle(cgraph.FilledNodeStyle)
	switch status {
	case "completed":
		gvNode.SetFillColor("#2d6a2d")
		gvNode.SetFontColor("white")
	case "failed":
		gvNode.SetFillColor("#8b1a1a")
		gvNode.SetFontColor("white")
	case "running":
		gvNode.SetFillColor("#1a5276")
		gvNode.SetFontColor("white")
	case "retrying":
		gvNode.SetFillColor("#b7791a")
		gvNode.SetFontColor("white")
	case "pending":
		gvNode.SetFillColor("#d3d3d3")
		gvNode.SetFontColor("black")
	case "cancelled":
		gvNode.SetFillColor("#3b3b3b")
		gvNode.SetFontColor("#cccccc")
	case "skipped":
		gvNode.SetFillColor("#e8e8e8")
		gvNode.SetFontColor("#888888")
		gvNode.SetStyle(cgraph.DashedNodeStyle)
	}
}
