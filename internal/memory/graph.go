package memory

import (
	"sort"
	"strings"
)

// Edge kinds in the code graph.
const (
	EdgeCalls   = "calls"
	EdgeImports = "imports"
)

// Callee id tags. Caller ids are always qualified "file::symbol"; callees
// may instead be stdlib- or external-module-tagged.
const (
	TagStdlib   = "stdlib"
	TagExternal = "external"
)

// Edge is one directed edge in the code graph.
type Edge struct {
	Caller string `json:"caller"`
	Callee string `json:"callee"`
	Kind   string `json:"kind"`
}

// CodeGraph is the persisted inter-entity graph with optional community
// partitions.
type CodeGraph struct {
	Version     int            `json:"version"`
	Nodes       []string       `json:"nodes"`
	Edges       []Edge         `json:"edges"`
	Communities map[string]int `json:"communities,omitempty"` // node id -> community id

	nodeSet map[string]bool
	edgeSet map[Edge]bool
}

// NewCodeGraph creates an empty graph.
func NewCodeGraph() *CodeGraph {
	return &CodeGraph{
		nodeSet: make(map[string]bool),
		edgeSet: make(map[Edge]bool),
	}
}

// QualifyID builds a caller id from file path and symbol.
func QualifyID(file, symbol string) string {
	return file + "::" + symbol
}

// SplitID splits a qualified id into its file and symbol parts.
func SplitID(id string) (file, symbol string) {
	parts := strings.SplitN(id, "::", 2)
	if len(parts) != 2 {
		return "", id
	}
	return parts[0], parts[1]
}

// AddNode registers a node id.
func (g *CodeGraph) AddNode(id string) {
	if g.nodeSet == nil {
		g.rebuildIndexes()
	}
	if !g.nodeSet[id] {
		g.nodeSet[id] = true
		g.Nodes = append(g.Nodes, id)
	}
}

// AddEdge records an edge, registering both endpoints. Duplicate edges
// collapse.
func (g *CodeGraph) AddEdge(caller, callee, kind string) {
	if g.edgeSet == nil {
		g.rebuildIndexes()
	}
	g.AddNode(caller)
	g.AddNode(callee)
	e := Edge{Caller: caller, Callee: callee, Kind: kind}
	if !g.edgeSet[e] {
		g.edgeSet[e] = true
		g.Edges = append(g.Edges, e)
	}
}

// HasNode reports whether id is in the graph.
func (g *CodeGraph) HasNode(id string) bool {
	if g.nodeSet == nil {
		g.rebuildIndexes()
	}
	return g.nodeSet[id]
}

// rebuildIndexes restores the lookup sets after deserialization.
func (g *CodeGraph) rebuildIndexes() {
	g.nodeSet = make(map[string]bool, len(g.Nodes))
	for _, n := range g.Nodes {
		g.nodeSet[n] = true
	}
	g.edgeSet = make(map[Edge]bool, len(g.Edges))
	for _, e := range g.Edges {
		g.edgeSet[e] = true
	}
}

// Predecessors returns direct callers of id over "calls" edges. When
// community partitions are present, same-community callers sort first;
// within a group, order is lexicographic for determinism.
func (g *CodeGraph) Predecessors(id string) []string {
	var callers []string
	seen := make(map[string]bool)
	for _, e := range g.Edges {
		if e.Kind == EdgeCalls && e.Callee == id && !seen[e.Caller] {
			seen[e.Caller] = true
			callers = append(callers, e.Caller)
		}
	}
	if len(g.Communities) > 0 {
		home, homeKnown := g.Communities[id]
		sort.SliceStable(callers, func(i, j int) bool {
			ci, iKnown := g.Communities[callers[i]]
			cj, jKnown := g.Communities[callers[j]]
			iSame := homeKnown && iKnown && ci == home
			jSame := homeKnown && jKnown && cj == home
			if iSame != jSame {
				return iSame
			}
			return callers[i] < callers[j]
		})
	} else {
		sort.Strings(callers)
	}
	return callers
}

// Descendants returns the full closure of nodes reachable from id over
// directed "calls" edges, excluding id itself.
func (g *CodeGraph) Descendants(id string) []string {
	adjacency := make(map[string][]string)
	for _, e := range g.Edges {
		if e.Kind == EdgeCalls {
			adjacency[e.Caller] = append(adjacency[e.Caller], e.Callee)
		}
	}

	visited := make(map[string]bool)
	stack := []string{id}
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		for _, next := range adjacency[cur] {
			if !visited[next] && next != id {
				visited[next] = true
				stack = append(stack, next)
			}
		}
	}

	out := make([]string, 0, len(visited))
	for n := range visited {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// undirectedAdjacency builds the symmetric adjacency over calls edges,
// used by flow detection and community grouping.
func (g *CodeGraph) undirectedAdjacency() map[string]map[string]bool {
	adj := make(map[string]map[string]bool)
	add := func(a, b string) {
		if adj[a] == nil {
			adj[a] = make(map[string]bool)
		}
		adj[a][b] = true
	}
	for _, e := range g.Edges {
		if e.Kind != EdgeCalls {
			continue
		}
		add(e.Caller, e.Callee)
		add(e.Callee, e.Caller)
	}
	return adj
}
