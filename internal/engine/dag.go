package engine

import (
	"fmt"
	"slices"
	"strings"

	"github.com/rendis/stepflow/pkg/schema"
)

// Graph is the dependency graph of a workflow definition, grouped into
// execution levels. Built once per execution, read-only afterwards.
type Graph struct {
	Nodes      map[string]*schema.WorkflowNode // node ID → node
	Deps       map[string][]string             // node ID → sources it depends on (sorted, unique)
	Dependents map[string][]string             // node ID → targets depending on it (sorted, unique)
	Sorted     []string                        // topological order
	Roots      []string                        // nodes with no dependencies
	Levels     [][]string                      // execution levels, IDs sorted within a level
	Depth      map[string]int                  // node ID → level index
}

// CheckDefinition collects every structural problem of def without stopping at the
// first one. Isolated nodes and untyped nodes produce warnings only.
func CheckDefinition(def *schema.WorkflowDefinition) *schema.ValidationResult {
	res := &schema.ValidationResult{}
	if def == nil {
		res.AddError("", schema.ErrCodeDefinition, "workflow definition is nil")
		return res
	}

	ids := make(map[string]bool, len(def.Nodes))
	for i, n := range def.Nodes {
		path := fmt.Sprintf("nodes[%d]", i)
		if n.ID == "" {
			res.AddError(path+".id", schema.ErrCodeDefinition, "node has empty id")
			continue
		}
		if ids[n.ID] {
			res.AddError(path+".id", schema.ErrCodeDefinition, fmt.Sprintf("duplicate node id %q", n.ID))
			continue
		}
		ids[n.ID] = true
		if n.Type == "" {
			res.AddWarning(path+".type", schema.ErrCodeDefinition,
				fmt.Sprintf("node %q has no type, the default executor will run it", n.ID))
		}
	}

	connected := make(map[string]bool, len(def.Nodes))
	for i, e := range def.Edges {
		path := fmt.Sprintf("edges[%d]", i)
		if !ids[e.Source] {
			res.AddError(path+".source", schema.ErrCodeDefinition, fmt.Sprintf("unknown node %q", e.Source))
		}
		if !ids[e.Target] {
			res.AddError(path+".target", schema.ErrCodeDefinition, fmt.Sprintf("unknown node %q", e.Target))
		}
		if e.Source != "" && e.Source == e.Target {
			res.AddError(path, schema.ErrCodeCycleDetected, fmt.Sprintf("node %q depends on itself", e.Source))
		}
		connected[e.Source] = true
		connected[e.Target] = true
	}

	if len(def.Nodes) > 1 {
		for i, n := range def.Nodes {
			if n.ID != "" && !connected[n.ID] {
				res.AddWarning(fmt.Sprintf("nodes[%d]", i), schema.ErrCodeDefinition,
					fmt.Sprintf("node %q has no edges and runs in the first level", n.ID))
			}
		}
	}
	return res
}

// BuildGraph validates def and computes its execution levels.
//
// A node's level is 0 when it has no dependencies and 1 + the maximum level of its
// dependencies otherwise. A cycle is reported as CYCLE_DETECTED, any other structural
// problem as DEFINITION_ERROR. A definition with no nodes yields an empty graph.
func BuildGraph(def *schema.WorkflowDefinition) (*Graph, error) {
	if err := CheckDefinition(def).ToError(); err != nil {
		return nil, err
	}

	g := &Graph{
		Nodes:      make(map[string]*schema.WorkflowNode, len(def.Nodes)),
		Deps:       make(map[string][]string, len(def.Nodes)),
		Dependents: make(map[string][]string, len(def.Nodes)),
		Depth:      make(map[string]int, len(def.Nodes)),
	}
	for i := range def.Nodes {
		g.Nodes[def.Nodes[i].ID] = &def.Nodes[i]
	}

	// Parallel edges between the same pair count once.
	for _, e := range def.Edges {
		if !slices.Contains(g.Deps[e.Target], e.Source) {
			g.Deps[e.Target] = append(g.Deps[e.Target], e.Source)
			g.Dependents[e.Source] = append(g.Dependents[e.Source], e.Target)
		}
	}
	for id := range g.Deps {
		slices.Sort(g.Deps[id])
	}
	for id := range g.Dependents {
		slices.Sort(g.Dependents[id])
	}

	// Kahn's algorithm: topological sort + cycle detection.
	inDegree := make(map[string]int, len(g.Nodes))
	queue := make([]string, 0, len(g.Nodes))
	for id := range g.Nodes {
		inDegree[id] = len(g.Deps[id])
		if inDegree[id] == 0 {
			queue = append(queue, id)
		}
	}
	slices.Sort(queue)
	g.Roots = slices.Clone(queue)

	sorted := make([]string, 0, len(g.Nodes))
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		sorted = append(sorted, id)

		for _, dep := range g.Dependents[id] {
			inDegree[dep]--
			if inDegree[dep] == 0 {
				queue = append(queue, dep)
			}
		}
	}

	if len(sorted) != len(g.Nodes) {
		var stuck []string
		for id, deg := range inDegree {
			if deg > 0 {
				stuck = append(stuck, id)
			}
		}
		slices.Sort(stuck)
		return nil, schema.NewErrorf(schema.ErrCodeCycleDetected,
			"workflow contains a cycle among nodes: %s", strings.Join(stuck, ", ")).
			WithDetails(map[string]any{"nodes": stuck})
	}

	g.Sorted = sorted
	g.Levels = computeLevels(g)
	return g, nil
}

// computeLevels assigns each node the minimum depth its dependencies allow.
func computeLevels(g *Graph) [][]string {
	maxLevel := -1
	for _, id := range g.Sorted {
		d := 0
		for _, dep := range g.Deps[id] {
			if g.Depth[dep]+1 > d {
				d = g.Depth[dep] + 1
			}
		}
		g.Depth[id] = d
		if d > maxLevel {
			maxLevel = d
		}
	}

	levels := make([][]string, maxLevel+1)
	for _, id := range g.Sorted {
		levels[g.Depth[id]] = append(levels[g.Depth[id]], id)
	}
	for _, level := range levels {
		slices.Sort(level)
	}
	return levels
}

// Size returns the number of nodes in the graph.
func (g *Graph) Size() int {
	return len(g.Nodes)
}
