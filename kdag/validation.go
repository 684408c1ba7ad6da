package kdag

import (
	"fmt"
	"slices"
	"sort"
	"strings"
)

// Validation limits to prevent pathological cases
const (
	MaxNodesPerDAG     = 10000
	MaxDepth           = 500
	MaxChildrenPerNode = 1000
)

// Validate performs all topology validations.
// This includes size limits, cycle detection and orphan detection.
// Returns early on first error for better UX.
func (d *Dag) Validate() error {
	if len(d.nodes) > MaxNodesPerDAG {
		return fmt.Errorf("%w: node count %d exceeds maximum %d",
			ErrInvalidTopology, len(d.nodes), MaxNodesPerDAG)
	}

	// 1. Cycle detection using DFS
	if err := d.detectCycles(); err != nil {
		return fmt.Errorf("DAG validation failed: %w", err)
	}

	// 2. Orphaned nodes (unreachable from sources)
	if err := d.validateNoOrphans(); err != nil {
		return fmt.Errorf("DAG validation failed: %w", err)
	}

	return nil
}

// detectCycles uses Depth-First Search (DFS) to find cycles in the DAG.
// Returns ErrCycleDetected with the offending path if any cycle is found.
// Time complexity: O(V + E) where V is vertices and E is edges.
func (d *Dag) detectCycles() error {
	visited := make([]bool, len(d.nodes))
	recStack := make([]bool, len(d.nodes))

	var dfs func(NodeIndex, []NodeIndex, int) error
	dfs = func(idx NodeIndex, path []NodeIndex, depth int) error {
		if depth > MaxDepth {
			return fmt.Errorf("%w: maximum depth %d exceeded", ErrInvalidTopology, MaxDepth)
		}

		visited[idx] = true
		recStack[idx] = true
		path = append(path, idx)

		children := d.children(idx)
		if len(children) > MaxChildrenPerNode {
			return fmt.Errorf("%w: node %s has %d children, exceeds maximum %d",
				ErrInvalidTopology, d.nodes[idx].Handle, len(children), MaxChildrenPerNode)
		}

		for _, child := range children {
			if !visited[child] {
				if err := dfs(child, path, depth+1); err != nil {
					return err
				}
			} else if recStack[child] {
				cyclePath := append(path, child)
				pathStr := make([]string, len(cyclePath))
				for i, n := range cyclePath {
					pathStr[i] = d.nodes[n].Handle.String()
				}
				return fmt.Errorf("%w: %s", ErrCycleDetected, strings.Join(pathStr, " -> "))
			}
		}

		recStack[idx] = false
		return nil
	}

	// Check all nodes (handles disconnected components)
	for i := range d.nodes {
		if !visited[i] {
			if err := dfs(NodeIndex(i), nil, 0); err != nil {
				return err
			}
		}
	}

	return nil
}

// validateNoOrphans checks that all nodes are reachable from at least one source.
// Returns ErrOrphanedNodes if unreachable nodes are found.
func (d *Dag) validateNoOrphans() error {
	reachable := make([]bool, len(d.nodes))
	for _, src := range d.Sources() {
		d.markReachable(src, reachable)
	}

	var orphans []string
	for i, ok := range reachable {
		if !ok {
			orphans = append(orphans, d.nodes[i].Handle.String())
		}
	}

	if len(orphans) > 0 {
		slices.Sort(orphans) // Deterministic error message
		return fmt.Errorf("%w (unreachable from sources): %s",
			ErrOrphanedNodes, strings.Join(orphans, ", "))
	}

	return nil
}

// markReachable recursively marks all nodes reachable from the given node.
func (d *Dag) markReachable(idx NodeIndex, reachable []bool) {
	if reachable[idx] {
		return
	}
	reachable[idx] = true
	for _, child := range d.children(idx) {
		d.markReachable(child, reachable)
	}
}

// insertSorted inserts an item into a slice sorted by node handle,
// maintaining sort order.
// Time complexity: O(log n + n) for binary search + insert.
func (d *Dag) insertSorted(slice []NodeIndex, item NodeIndex) []NodeIndex {
	key := d.nodes[item].Handle.String()
	idx := sort.Search(len(slice), func(i int) bool {
		return d.nodes[slice[i]].Handle.String() >= key
	})
	return slices.Insert(slice, idx, item)
}

// TopologicalSort creates a deterministic topological ordering using Kahn's
// algorithm. Ready nodes are visited in handle order.
// Time complexity: O(V log V + E) where V is vertices and E is edges.
func (d *Dag) TopologicalSort() ([]NodeIndex, error) {
	inDegree := make([]int, len(d.nodes))
	for _, e := range d.edges {
		inDegree[e.To.Node]++
	}

	queue := make([]NodeIndex, 0, len(d.nodes)/4)
	for i, degree := range inDegree {
		if degree == 0 {
			queue = d.insertSorted(queue, NodeIndex(i))
		}
	}

	result := make([]NodeIndex, 0, len(d.nodes))
	for len(queue) > 0 {
		idx := queue[0]
		queue = queue[1:]
		result = append(result, idx)

		// Parallel edges count once per edge.
		for _, e := range d.edges {
			if e.From.Node != idx {
				continue
			}
			inDegree[e.To.Node]--
			if inDegree[e.To.Node] == 0 {
				queue = d.insertSorted(queue, e.To.Node)
			}
		}
	}

	// If we didn't process all nodes, there must be a cycle
	if len(result) != len(d.nodes) {
		return nil, fmt.Errorf("%w: topological sort failed", ErrCycleDetected)
	}

	return result, nil
}
