// Package depgraph is a small directed dependency graph with stable,
// insertion-ordered iteration. A Graph is not safe for concurrent
// mutation.
package depgraph

import (
	"errors"
	"fmt"
	"strings"
)

var ErrUnknownNode = errors.New("unknown node")

// CycleError is returned by OverallOrder when the graph is not a DAG.
type CycleError struct {
	Path []string
}

func (e *CycleError) Error() string {
	return "dependency cycle found: " + strings.Join(e.Path, " -> ")
}

type node struct {
	deps      []string
	dependant []string
}

// Graph edges point from a node to the nodes it depends on.
type Graph struct {
	order []string
	nodes map[string]*node
}

func New() *Graph {
	return &Graph{nodes: make(map[string]*node)}
}

// AddNode adds name if it is not present yet.
func (g *Graph) AddNode(name string) {
	if _, ok := g.nodes[name]; ok {
		return
	}
	g.nodes[name] = &node{}
	g.order = append(g.order, name)
}

func (g *Graph) HasNode(name string) bool {
	_, ok := g.nodes[name]
	return ok
}

func (g *Graph) Len() int {
	return len(g.order)
}

// RemoveNode deletes name and every edge touching it.
func (g *Graph) RemoveNode(name string) {
	n, ok := g.nodes[name]
	if !ok {
		return
	}
	for _, dep := range n.deps {
		if d, ok := g.nodes[dep]; ok {
			d.dependant = without(d.dependant, name)
		}
	}
	for _, dependant := range n.dependant {
		if d, ok := g.nodes[dependant]; ok {
			d.deps = without(d.deps, name)
		}
	}
	delete(g.nodes, name)
	g.order = without(g.order, name)
}

// AddDependency records that from depends on to. Duplicate edges are
// ignored.
func (g *Graph) AddDependency(from, to string) error {
	f, ok := g.nodes[from]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownNode, from)
	}
	t, ok := g.nodes[to]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownNode, to)
	}
	if contains(f.deps, to) {
		return nil
	}
	f.deps = append(f.deps, to)
	t.dependant = append(t.dependant, from)
	return nil
}

// RemoveDependency drops the edge from -> to if present.
func (g *Graph) RemoveDependency(from, to string) {
	if f, ok := g.nodes[from]; ok {
		f.deps = without(f.deps, to)
	}
	if t, ok := g.nodes[to]; ok {
		t.dependant = without(t.dependant, from)
	}
}

// Nodes returns every node in insertion order.
func (g *Graph) Nodes() []string {
	return append([]string(nil), g.order...)
}

// DirectDependenciesOf returns the nodes name depends on directly.
func (g *Graph) DirectDependenciesOf(name string) []string {
	if n, ok := g.nodes[name]; ok {
		return append([]string(nil), n.deps...)
	}
	return nil
}

// DirectDependantsOf returns the nodes depending on name directly.
func (g *Graph) DirectDependantsOf(name string) []string {
	if n, ok := g.nodes[name]; ok {
		return append([]string(nil), n.dependant...)
	}
	return nil
}

// DependenciesOf returns everything name transitively depends on, in
// insertion order.
func (g *Graph) DependenciesOf(name string) []string {
	return g.reach(name, func(n *node) []string { return n.deps })
}

// DependantsOf returns everything that transitively depends on name, in
// insertion order.
func (g *Graph) DependantsOf(name string) []string {
	return g.reach(name, func(n *node) []string { return n.dependant })
}

func (g *Graph) reach(start string, next func(*node) []string) []string {
	n, ok := g.nodes[start]
	if !ok {
		return nil
	}
	seen := map[string]bool{start: true}
	queue := append([]string(nil), next(n)...)
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		if seen[cur] {
			continue
		}
		seen[cur] = true
		queue = append(queue, next(g.nodes[cur])...)
	}
	delete(seen, start)
	out := make([]string, 0, len(seen))
	for _, name := range g.order {
		if seen[name] {
			out = append(out, name)
		}
	}
	return out
}

// OverallOrder returns every node after all of its dependencies. Ties
// follow insertion order.
func (g *Graph) OverallOrder() ([]string, error) {
	const (
		unvisited = iota
		visiting
		done
	)
	state := make(map[string]int, len(g.order))
	out := make([]string, 0, len(g.order))
	var stack []string

	var visit func(name string) error
	visit = func(name string) error {
		switch state[name] {
		case done:
			return nil
		case visiting:
			start := indexOf(stack, name)
			path := append(append([]string(nil), stack[start:]...), name)
			return &CycleError{Path: path}
		}
		state[name] = visiting
		stack = append(stack, name)
		for _, dep := range g.nodes[name].deps {
			if err := visit(dep); err != nil {
				return err
			}
		}
		stack = stack[:len(stack)-1]
		state[name] = done
		out = append(out, name)
		return nil
	}

	for _, name := range g.order {
		if err := visit(name); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// Cycles returns the strongly connected components that contain a cycle,
// including self-loops. Members are listed in insertion order.
func (g *Graph) Cycles() [][]string {
	index := 0
	indices := make(map[string]int)
	lowlink := make(map[string]int)
	onStack := make(map[string]bool)
	var stack []string
	var components [][]string

	var strongConnect func(v string)
	strongConnect = func(v string) {
		indices[v] = index
		lowlink[v] = index
		index++
		stack = append(stack, v)
		onStack[v] = true

		for _, w := range g.nodes[v].deps {
			if _, seen := indices[w]; !seen {
				strongConnect(w)
				lowlink[v] = min(lowlink[v], lowlink[w])
			} else if onStack[w] {
				lowlink[v] = min(lowlink[v], indices[w])
			}
		}

		if lowlink[v] != indices[v] {
			return
		}
		members := map[string]bool{}
		for {
			w := stack[len(stack)-1]
			stack = stack[:len(stack)-1]
			onStack[w] = false
			members[w] = true
			if w == v {
				break
			}
		}
		if len(members) > 1 || contains(g.nodes[v].deps, v) {
			var component []string
			for _, name := range g.order {
				if members[name] {
					component = append(component, name)
				}
			}
			components = append(components, component)
		}
	}

	for _, v := range g.order {
		if _, seen := indices[v]; !seen {
			strongConnect(v)
		}
	}
	return components
}

func contains(list []string, s string) bool {
	return indexOf(list, s) >= 0
}

func indexOf(list []string, s string) int {
	for i, v := range list {
		if v == s {
			return i
		}
	}
	return -1
}

func without(list []string, s string) []string {
	out := list[:0]
	for _, v := range list {
		if v != s {
			out = append(out, v)
		}
	}
	return out
}
