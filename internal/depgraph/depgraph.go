// Package depgraph is an in-memory dependency graph used to keep item and
// group dependencies acyclic and to derive parallel execution sets.
package depgraph

import (
	"errors"
	"fmt"
	"sort"
)

// ErrCycleDetected indicates a circular dependency.
var ErrCycleDetected = errors.New("circular dependency detected")

// Graph maps node id to the ids it depends on. Node order is insertion order
// so every traversal is deterministic.
type Graph struct {
	order []string
	nodes map[string]bool
	edges map[string][]string
}

func New() *Graph {
	return &Graph{
		nodes: make(map[string]bool),
		edges: make(map[string][]string),
	}
}

// AddNode registers id. Adding an existing node is a no-op.
func (g *Graph) AddNode(id string) {
	if g.nodes[id] {
		return
	}
	g.nodes[id] = true
	g.order = append(g.order, id)
}

// AddEdge records that from depends on to.
func (g *Graph) AddEdge(from, to string) {
	g.AddNode(from)
	g.AddNode(to)
	for _, existing := range g.edges[from] {
		if existing == to {
			return
		}
	}
	g.edges[from] = append(g.edges[from], to)
}

// Has reports whether id is a node.
func (g *Graph) Has(id string) bool {
	return g.nodes[id]
}

// Reaches reports whether a path of dependencies leads from -> to.
func (g *Graph) Reaches(from, to string) bool {
	seen := map[string]bool{}
	stack := []string{from}
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if cur == to {
			return true
		}
		if seen[cur] {
			continue
		}
		seen[cur] = true
		stack = append(stack, g.edges[cur]...)
	}
	return false
}

// CheckEdge returns ErrCycleDetected when adding from -> to would close a cycle.
func (g *Graph) CheckEdge(from, to string) error {
	if from == to || g.Reaches(to, from) {
		return fmt.Errorf("%w: %s -> %s", ErrCycleDetected, from, to)
	}
	return nil
}

// HasCycle uses depth-first colouring to detect back edges.
func (g *Graph) HasCycle() bool {
	// 0 = unvisited, 1 = on stack, 2 = done.
	colors := make(map[string]int, len(g.nodes))
	var visit func(id string) bool
	visit = func(id string) bool {
		colors[id] = 1
		for _, dep := range g.edges[id] {
			switch colors[dep] {
			case 1:
				return true
			case 0:
				if visit(dep) {
					return true
				}
			}
		}
		colors[id] = 2
		return false
	}
	for _, id := range g.order {
		if colors[id] == 0 && visit(id) {
			return true
		}
	}
	return false
}

// Levels groups nodes into sets where every node depends only on nodes of
// earlier sets. Members of a set keep insertion order.
func (g *Graph) Levels() ([][]string, error) {
	if g.HasCycle() {
		return nil, ErrCycleDetected
	}
	depth := make(map[string]int, len(g.nodes))
	var level func(id string) int
	level = func(id string) int {
		if d, ok := depth[id]; ok {
			return d
		}
		d := 0
		for _, dep := range g.edges[id] {
			if l := level(dep) + 1; l > d {
				d = l
			}
		}
		depth[id] = d
		return d
	}
	deepest := -1
	for _, id := range g.order {
		if l := level(id); l > deepest {
			deepest = l
		}
	}
	out := make([][]string, deepest+1)
	for _, id := range g.order {
		out[depth[id]] = append(out[depth[id]], id)
	}
	return out, nil
}

// Dependents returns the ids that depend directly on id, sorted.
func (g *Graph) Dependents(id string) []string {
	var out []string
	for from, deps := range g.edges {
		for _, d := range deps {
			if d == id {
				out = append(out, from)
				break
			}
		}
	}
	sort.Strings(out)
	return out
}
