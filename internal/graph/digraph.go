package graph

import "sort"

// Digraph is a small directed graph over string-named nodes.
type Digraph struct {
	names []string
	index map[string]int
	edges [][]int
}

// NewDigraph returns an empty graph.
func NewDigraph() *Digraph {
	return &Digraph{index: make(map[string]int)}
}

// Node interns a node name and returns its id.
func (g *Digraph) Node(name string) int {
	if id, ok := g.index[name]; ok {
		return id
	}
	id := len(g.names)
	g.index[name] = id
	g.names = append(g.names, name)
	g.edges = append(g.edges, nil)
	return id
}

// Has reports whether a node exists.
func (g *Digraph) Has(name string) bool {
	_, ok := g.index[name]
	return ok
}

// AddEdge adds from -> to, ignoring duplicates.
func (g *Digraph) AddEdge(from, to string) {
	f, t := g.Node(from), g.Node(to)
	for _, e := range g.edges[f] {
		if e == t {
			return
		}
	}
	g.edges[f] = append(g.edges[f], t)
}

// Successors returns the names of nodes reachable through one edge, in insertion order.
func (g *Digraph) Successors(name string) []string {
	id, ok := g.index[name]
	if !ok {
		return nil
	}
	out := make([]string, 0, len(g.edges[id]))
	for _, e := range g.edges[id] {
		out = append(out, g.names[e])
	}
	return out
}

// Len returns the number of nodes.
func (g *Digraph) Len() int {
	return len(g.names)
}

// CycleFrom searches depth-first from start and returns the first cycle met, as a path whose
// last element repeats the node that closed it. It returns nil when no cycle is reachable.
func (g *Digraph) CycleFrom(start string) []string {
	id, ok := g.index[start]
	if !ok {
		return nil
	}
	const (
		white = iota
		grey
		black
	)
	color := make([]int, len(g.names))
	var stack []int
	var cycle []string

	var visit func(n int) bool
	visit = func(n int) bool {
		color[n] = grey
		stack = append(stack, n)
		for _, next := range g.edges[n] {
			switch color[next] {
			case grey:
				for i, s := range stack {
					if s == next {
						for _, c := range stack[i:] {
							cycle = append(cycle, g.names[c])
						}
						cycle = append(cycle, g.names[next])
						return true
					}
				}
			case white:
				if visit(next) {
					return true
				}
			}
		}
		stack = stack[:len(stack)-1]
		color[n] = black
		return false
	}

	if visit(id) {
		return cycle
	}
	return nil
}

// FindCycle returns any cycle in the graph, starting the search from nodes in name order.
func (g *Digraph) FindCycle() []string {
	names := append([]string(nil), g.names...)
	sort.Strings(names)
	for _, n := range names {
		if cycle := g.CycleFrom(n); cycle != nil {
			return cycle
		}
	}
	return nil
}

// TopoSort orders nodes so every edge points forward. Ties are broken by name. When the graph has
// a cycle the order is nil and the cycle is returned instead.
func (g *Digraph) TopoSort() ([]string, []string) {
	indegree := make([]int, len(g.names))
	for _, targets := range g.edges {
		for _, t := range targets {
			indegree[t]++
		}
	}
	var ready []int
	for id, d := range indegree {
		if d == 0 {
			ready = append(ready, id)
		}
	}
	order := make([]string, 0, len(g.names))
	for len(ready) > 0 {
		sort.Slice(ready, func(i, j int) bool { return g.names[ready[i]] < g.names[ready[j]] })
		n := ready[0]
		ready = ready[1:]
		order = append(order, g.names[n])
		for _, t := range g.edges[n] {
			indegree[t]--
			if indegree[t] == 0 {
				ready = append(ready, t)
			}
		}
	}
	if len(order) != len(g.names) {
		return nil, g.FindCycle()
	}
	return order, nil
}
