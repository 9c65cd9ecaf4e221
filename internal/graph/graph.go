// Package graph builds and validates the task graph for a pipeline.
package graph

import (
	"sort"

	"github.com/quantfolio/researchd/pkg/types"
)

// Graph is the validated dependency structure of a pipeline. It is immutable
// after Build; the orchestrator copies the predecessor counts per run.
type Graph struct {
	Nodes map[string]*types.NodeSpec
	// Dependents maps a node to the set of nodes that depend on it.
	Dependents map[string]map[string]bool
	// PredCount maps a node to its number of direct predecessors.
	PredCount map[string]int
	// Order is a deterministic topological order of all node IDs, used for
	// stable scheduling when concurrency is 1.
	Order []string
}

// Build validates a pipeline and returns its graph. It rejects duplicate
// node IDs, edges to unknown nodes, self-dependencies, and cycles.
func Build(pipeline *types.Pipeline) (*Graph, error) {
	if pipeline == nil || len(pipeline.Nodes) == 0 {
		return nil, &types.GraphError{Reason: "pipeline has no nodes"}
	}

	nodes := make(map[string]*types.NodeSpec, len(pipeline.Nodes))
	for i := range pipeline.Nodes {
		node := &pipeline.Nodes[i]
		if node.ID == "" {
			return nil, &types.GraphError{Reason: "node with empty id"}
		}
		if _, exists := nodes[node.ID]; exists {
			return nil, &types.GraphError{Reason: "duplicate node id", Nodes: []string{node.ID}}
		}
		nodes[node.ID] = node
	}

	dependents := make(map[string]map[string]bool, len(nodes))
	predCount := make(map[string]int, len(nodes))
	for id := range nodes {
		dependents[id] = make(map[string]bool)
		predCount[id] = 0
	}

	for id, node := range nodes {
		seen := make(map[string]bool, len(node.DependsOn))
		for _, dep := range node.DependsOn {
			if dep == id {
				return nil, &types.GraphError{Reason: "node depends on itself", Nodes: []string{id}}
			}
			if _, ok := nodes[dep]; !ok {
				return nil, &types.GraphError{Reason: "dependency on unknown node", Nodes: []string{id, dep}}
			}
			if seen[dep] {
				continue
			}
			seen[dep] = true
			dependents[dep][id] = true
			predCount[id]++
		}
	}

	order, err := topoOrder(nodes, dependents, predCount)
	if err != nil {
		return nil, err
	}

	return &Graph{
		Nodes:      nodes,
		Dependents: dependents,
		PredCount:  predCount,
		Order:      order,
	}, nil
}

// topoOrder runs Kahn's algorithm with a sorted frontier so the order is
// deterministic. Leftover nodes after exhaustion form a cycle, which is
// extracted for the error.
func topoOrder(nodes map[string]*types.NodeSpec, dependents map[string]map[string]bool, predCount map[string]int) ([]string, error) {
	remaining := make(map[string]int, len(predCount))
	for id, n := range predCount {
		remaining[id] = n
	}

	var frontier []string
	for id, n := range remaining {
		if n == 0 {
			frontier = append(frontier, id)
		}
	}
	sort.Strings(frontier)

	order := make([]string, 0, len(nodes))
	for len(frontier) > 0 {
		id := frontier[0]
		frontier = frontier[1:]
		order = append(order, id)

		var released []string
		for downstream := range dependents[id] {
			remaining[downstream]--
			if remaining[downstream] == 0 {
				released = append(released, downstream)
			}
		}
		sort.Strings(released)
		frontier = mergeSorted(frontier, released)
	}

	if len(order) != len(nodes) {
		return nil, &types.GraphError{Reason: "cycle detected", Cycle: extractCycle(nodes, remaining)}
	}
	return order, nil
}

// mergeSorted merges two sorted string slices.
func mergeSorted(a, b []string) []string {
	if len(b) == 0 {
		return a
	}
	out := make([]string, 0, len(a)+len(b))
	i, j := 0, 0
	for i < len(a) && j < len(b) {
		if a[i] <= b[j] {
			out = append(out, a[i])
			i++
		} else {
			out = append(out, b[j])
			j++
		}
	}
	out = append(out, a[i:]...)
	out = append(out, b[j:]...)
	return out
}

// extractCycle walks predecessor edges among the unresolved nodes until a
// node repeats, then returns the loop in dependency order.
func extractCycle(nodes map[string]*types.NodeSpec, remaining map[string]int) []string {
	inCycle := make(map[string]bool)
	var start string
	for id, n := range remaining {
		if n > 0 {
			inCycle[id] = true
			if start == "" || id < start {
				start = id
			}
		}
	}

	visited := make(map[string]int)
	path := []string{}
	current := start
	for {
		if pos, seen := visited[current]; seen {
			return path[pos:]
		}
		visited[current] = len(path)
		path = append(path, current)

		// Follow the smallest unresolved predecessor for determinism.
		next := ""
		for _, dep := range nodes[current].DependsOn {
			if inCycle[dep] && (next == "" || dep < next) {
				next = dep
			}
		}
		if next == "" {
			return path
		}
		current = next
	}
}

// TransitiveDependents returns every node reachable downstream of the given
// node, sorted for deterministic processing.
func (g *Graph) TransitiveDependents(nodeID string) []string {
	seen := make(map[string]bool)
	stack := []string{nodeID}
	for len(stack) > 0 {
		id := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		for downstream := range g.Dependents[id] {
			if !seen[downstream] {
				seen[downstream] = true
				stack = append(stack, downstream)
			}
		}
	}

	out := make([]string, 0, len(seen))
	for id := range seen {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Roots returns the nodes with no predecessors, sorted.
func (g *Graph) Roots() []string {
	var roots []string
	for id, n := range g.PredCount {
		if n == 0 {
			roots = append(roots, id)
		}
	}
	sort.Strings(roots)
	return roots
}

// Terminals returns the nodes with no dependents, sorted. Every valid DAG
// has at least one.
func (g *Graph) Terminals() []string {
	var terminals []string
	for id, deps := range g.Dependents {
		if len(deps) == 0 {
			terminals = append(terminals, id)
		}
	}
	sort.Strings(terminals)
	return terminals
}
