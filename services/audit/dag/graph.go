// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package dag

import (
	"fmt"
	"slices"

	"github.com/AleutianAI/AleutianAudit/services/audit/state"
)

// Virtual endpoints of every graph.
const (
	// Start is the entry point. Its outgoing edges select the first wave.
	Start = "__start__"

	// End is the success terminal.
	End = "__end__"
)

// Route is the decision of a conditional edge.
type Route struct {
	// Next lists the nodes to trigger.
	Next []string

	// Abort, when non-empty, sends the run to the failure terminal with
	// this reason. Next is ignored.
	Abort string
}

// Goto triggers the named nodes.
func Goto(next ...string) Route {
	return Route{Next: next}
}

// AbortWith routes to the failure terminal.
func AbortWith(reason string) Route {
	return Route{Abort: reason}
}

// RouteFunc decides successors from a snapshot of the merged state.
// It must be deterministic and must not mutate the snapshot.
type RouteFunc func(snapshot state.WorkflowState) Route

type conditionalEdge struct {
	route   RouteFunc
	targets []string
}

// Graph is an immutable, validated workflow graph.
//
// Thread Safety:
//
//	Safe for concurrent use once built. One Graph can back many runs.
type Graph struct {
	name        string
	nodes       map[string]Node
	order       []string
	static      map[string][]string
	conditional map[string]conditionalEdge
	ancestors   map[string]map[string]struct{}
}

// Name returns the graph name.
func (g *Graph) Name() string { return g.name }

// NodeCount returns the number of registered nodes.
func (g *Graph) NodeCount() int { return len(g.nodes) }

// NodeNames returns node names in registration order.
func (g *Graph) NodeNames() []string { return slices.Clone(g.order) }

// Node returns the named node.
func (g *Graph) Node(name string) (Node, bool) {
	n, ok := g.nodes[name]
	return n, ok
}

// Successors returns every node name that from may trigger: static
// targets followed by declared conditional targets.
func (g *Graph) Successors(from string) []string {
	out := slices.Clone(g.static[from])
	if c, ok := g.conditional[from]; ok {
		for _, t := range c.targets {
			if !slices.Contains(out, t) {
				out = append(out, t)
			}
		}
	}
	return out
}

// IsAncestor reports whether a can reach b through declared edges.
func (g *Graph) IsAncestor(a, b string) bool {
	_, ok := g.ancestors[b][a]
	return ok
}

// route evaluates the outgoing edges of from against snapshot.
func (g *Graph) route(from string, snapshot *state.WorkflowState) (Route, error) {
	next := slices.Clone(g.static[from])
	if c, ok := g.conditional[from]; ok {
		r := c.route(snapshot.Clone())
		if r.Abort != "" {
			return r, nil
		}
		for _, t := range r.Next {
			if !slices.Contains(c.targets, t) {
				return Route{}, &state.ConfigError{
					Op:  "route " + from,
					Err: fmt.Errorf("%w: %q", ErrUndeclaredTarget, t),
				}
			}
			if !slices.Contains(next, t) {
				next = append(next, t)
			}
		}
	}
	return Route{Next: next}, nil
}

// Builder constructs a Graph with validation.
//
// Description:
//
//	AddNode registers nodes. AddEdge and AddConditionalEdges declare the
//	routing table. Errors are accumulated and reported by Build.
//
// Thread Safety:
//
//	Builder is NOT safe for concurrent use.
type Builder struct {
	name        string
	nodes       map[string]Node
	order       []string
	static      map[string][]string
	conditional map[string]conditionalEdge
	errs        []error
}

// NewBuilder creates a builder for a graph called name.
func NewBuilder(name string) *Builder {
	return &Builder{
		name:        name,
		nodes:       make(map[string]Node),
		static:      make(map[string][]string),
		conditional: make(map[string]conditionalEdge),
	}
}

// AddNode registers a node.
func (b *Builder) AddNode(node Node) *Builder {
	if node == nil {
		b.errs = append(b.errs, ErrNilNode)
		return b
	}
	name := node.Name()
	switch {
	case name == Start || name == End || name == "":
		b.errs = append(b.errs, &NodeError{NodeName: name, Err: ErrReservedName})
	case b.nodes[name] != nil:
		b.errs = append(b.errs, &NodeError{NodeName: name, Err: ErrDuplicateNode})
	default:
		b.nodes[name] = node
		b.order = append(b.order, name)
	}
	return b
}

// AddEdge declares an unconditional edge.
func (b *Builder) AddEdge(from, to string) *Builder {
	if !slices.Contains(b.static[from], to) {
		b.static[from] = append(b.static[from], to)
	}
	return b
}

// AddConditionalEdges attaches a router to from. targets lists every node
// the router may return.
func (b *Builder) AddConditionalEdges(from string, route RouteFunc, targets ...string) *Builder {
	if route == nil {
		b.errs = append(b.errs, fmt.Errorf("%w: nil router on %q", ErrInvalidInput, from))
		return b
	}
	if _, exists := b.conditional[from]; exists {
		b.errs = append(b.errs, &NodeError{NodeName: from, Err: ErrDuplicateRouter})
		return b
	}
	b.conditional[from] = conditionalEdge{route: route, targets: slices.Clone(targets)}
	return b
}

// Build validates and constructs the Graph.
//
// Description:
//
//	Checks that every edge endpoint exists, that Start has an outgoing
//	edge, that every node is reachable from Start and that the declared
//	edges form no cycle. Precomputes ancestor sets for wave selection.
//
// Outputs:
//
//	*Graph - The validated graph.
//	error  - First accumulated or validation error.
func (b *Builder) Build() (*Graph, error) {
	if len(b.errs) > 0 {
		return nil, b.errs[0]
	}
	if len(b.nodes) == 0 {
		return nil, fmt.Errorf("%w: graph %q has no nodes", ErrInvalidInput, b.name)
	}

	g := &Graph{
		name:        b.name,
		nodes:       b.nodes,
		order:       b.order,
		static:      b.static,
		conditional: b.conditional,
	}

	known := func(name string) bool { return name == Start || name == End || b.nodes[name] != nil }
	for _, from := range b.sources() {
		if !known(from) || from == End {
			return nil, &NodeError{NodeName: from, Err: ErrNodeNotFound}
		}
		for _, to := range g.Successors(from) {
			if !known(to) || to == Start {
				return nil, &NodeError{NodeName: to, Err: ErrNodeNotFound}
			}
		}
	}
	if len(g.Successors(Start)) == 0 {
		return nil, ErrNoEntry
	}

	if err := g.detectCycles(); err != nil {
		return nil, err
	}

	reachable := g.descendants(Start)
	for _, name := range g.order {
		if _, ok := reachable[name]; !ok {
			return nil, &NodeError{NodeName: name, Err: ErrUnreachableNode}
		}
	}

	g.ancestors = make(map[string]map[string]struct{}, len(g.order))
	for _, name := range g.order {
		g.ancestors[name] = make(map[string]struct{})
	}
	for _, name := range g.order {
		for d := range g.descendants(name) {
			if d != End {
				g.ancestors[d][name] = struct{}{}
			}
		}
	}
	return g, nil
}

// sources returns every node with outgoing edges, Start first, then
// registration order, then unknown names in a stable order.
func (b *Builder) sources() []string {
	seen := make(map[string]bool)
	var out []string
	add := func(name string) {
		if !seen[name] {
			seen[name] = true
			out = append(out, name)
		}
	}
	add(Start)
	for _, name := range b.order {
		add(name)
	}
	var rest []string
	for from := range b.static {
		rest = append(rest, from)
	}
	for from := range b.conditional {
		rest = append(rest, from)
	}
	slices.Sort(rest)
	for _, name := range rest {
		add(name)
	}
	return out
}

// descendants returns every node reachable from name, excluding name.
func (g *Graph) descendants(name string) map[string]struct{} {
	out := make(map[string]struct{})
	stack := slices.Clone(g.Successors(name))
	for len(stack) > 0 {
		n := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if _, seen := out[n]; seen {
			continue
		}
		out[n] = struct{}{}
		stack = append(stack, g.Successors(n)...)
	}
	return out
}

// detectCycles runs a DFS over declared edges in registration order.
func (g *Graph) detectCycles() error {
	visited := make(map[string]bool)
	onStack := make(map[string]bool)
	var path []string

	var dfs func(node string) error
	dfs = func(node string) error {
		visited[node] = true
		onStack[node] = true
		path = append(path, node)

		for _, next := range g.Successors(node) {
			if next == End {
				continue
			}
			if onStack[next] {
				i := slices.Index(path, next)
				cycle := append(slices.Clone(path[i:]), next)
				return NewCycleError(cycle)
			}
			if !visited[next] {
				if err := dfs(next); err != nil {
					return err
				}
			}
		}

		path = path[:len(path)-1]
		onStack[node] = false
		return nil
	}

	for _, name := range append([]string{Start}, g.order...) {
		if !visited[name] {
			if err := dfs(name); err != nil {
				return err
			}
		}
	}
	return nil
}
