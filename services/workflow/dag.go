package workflow

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/dominikbraun/graph"
)

// successors returns the distinct targets of every node, sorted, so traversals
// are deterministic regardless of edge order or multi-edges.
func successors(wf *Workflow) map[string][]string {
	seen := make(map[string]map[string]struct{}, len(wf.Nodes))
	for _, e := range wf.Edges {
		if seen[e.From] == nil {
			seen[e.From] = make(map[string]struct{})
		}
		seen[e.From][e.To] = struct{}{}
	}
	out := make(map[string][]string, len(seen))
	for from, targets := range seen {
		list := make([]string, 0, len(targets))
		for to := range targets {
			list = append(list, to)
		}
		sort.Strings(list)
		out[from] = list
	}
	return out
}

// predecessors is the inverse of successors.
func predecessors(wf *Workflow) map[string][]string {
	out := make(map[string][]string)
	for from, targets := range successors(wf) {
		for _, to := range targets {
			out[to] = append(out[to], from)
		}
	}
	for to := range out {
		sort.Strings(out[to])
	}
	return out
}

func sortedNodeIDs(wf *Workflow) []string {
	ids := make([]string, 0, len(wf.Nodes))
	for _, n := range wf.Nodes {
		ids = append(ids, n.ID)
	}
	sort.Strings(ids)
	return ids
}

// findCycle runs a depth-first search keeping the current recursion stack and
// returns the first cycle it meets as a closed path, or nil for a DAG.
func findCycle(wf *Workflow) []string {
	succ := successors(wf)
	done := make(map[string]bool)
	onStack := make(map[string]int)
	var stack []string

	var visit func(id string) []string
	visit = func(id string) []string {
		if done[id] {
			return nil
		}
		if pos, ok := onStack[id]; ok {
			cycle := append([]string(nil), stack[pos:]...)
			return append(cycle, id)
		}
		onStack[id] = len(stack)
		stack = append(stack, id)
		for _, next := range succ[id] {
			if cycle := visit(next); cycle != nil {
				return cycle
			}
		}
		stack = stack[:len(stack)-1]
		delete(onStack, id)
		done[id] = true
		return nil
	}

	for _, id := range sortedNodeIDs(wf) {
		if cycle := visit(id); cycle != nil {
			return cycle
		}
	}
	return nil
}

func buildGraph(wf *Workflow) (graph.Graph[string, string], error) {
	g := graph.New(graph.StringHash, graph.Directed())
	for _, n := range wf.Nodes {
		if err := g.AddVertex(n.ID); err != nil && !errors.Is(err, graph.ErrVertexAlreadyExists) {
			return nil, fmt.Errorf("add node %s: %w", n.ID, err)
		}
	}
	for _, e := range wf.Edges {
		err := g.AddEdge(e.From, e.To)
		if err == nil || errors.Is(err, graph.ErrEdgeAlreadyExists) {
			continue
		}
		if errors.Is(err, graph.ErrVertexNotFound) {
			return nil, fmt.Errorf("%w: edge %s -> %s references a missing node", ErrInvalidEdge, e.From, e.To)
		}
		return nil, fmt.Errorf("add edge %s -> %s: %w", e.From, e.To, err)
	}
	return g, nil
}

// executionOrder validates that wf is acyclic and returns its topological
// order, breaking ties between independent nodes by ascending node id.
func executionOrder(wf *Workflow) ([]string, error) {
	if cycle := findCycle(wf); cycle != nil {
		return nil, fmt.Errorf("%w: %s", ErrCyclicGraph, strings.Join(cycle, " -> "))
	}
	g, err := buildGraph(wf)
	if err != nil {
		return nil, err
	}
	order, err := graph.StableTopologicalSort(g, func(a, b string) bool { return a < b })
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCyclicGraph, err)
	}
	return order, nil
}

// createsCycle reports whether adding from -> to would close a cycle.
func createsCycle(wf *Workflow, from, to string) (bool, error) {
	if from == to {
		return true, nil
	}
	g, err := buildGraph(wf)
	if err != nil {
		return false, err
	}
	return graph.CreatesCycle(g, from, to)
}
