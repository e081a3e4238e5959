package memory

import (
	"sort"
	"sync"
	"time"

	"makerd/internal/config"
	"makerd/internal/kv"
)

// HMN is the hierarchical memory network: node arena, L2 patterns, L3
// flows, and the persisted code graph. All public methods are safe for
// concurrent use.
type HMN struct {
	mu    sync.RWMutex
	store kv.Store

	nodes    map[string]*Node
	patterns []*Pattern
	flows    []*Flow
	graph    *CodeGraph

	maxFiles       int
	patternMin     int
	flowScoreFloor float64

	// cacheMu guards queryCache independently of mu so queries never
	// need the write lock.
	cacheMu           sync.Mutex
	queryCache        map[string]*cachedQuery
	queryCacheTTL     time.Duration
	queryCacheEntries int
}

// New creates an HMN backed by the given store.
func New(store kv.Store, cfg config.MemoryConfig) *HMN {
	return &HMN{
		store:             store,
		nodes:             make(map[string]*Node),
		graph:             NewCodeGraph(),
		maxFiles:          cfg.MaxFiles,
		patternMin:        cfg.PatternMin,
		flowScoreFloor:    cfg.FlowScoreFloor,
		queryCache:        make(map[string]*cachedQuery),
		queryCacheTTL:     cfg.QueryCacheTTL,
		queryCacheEntries: cfg.QueryCacheEntries,
	}
}

func (h *HMN) resetLocked() {
	h.nodes = make(map[string]*Node)
	h.patterns = nil
	h.flows = nil
	version := 0
	if h.graph != nil {
		version = h.graph.Version
	}
	h.graph = NewCodeGraph()
	h.graph.Version = version
}

func (h *HMN) detectCommunitiesLocked() {
	h.graph.Communities = detectCommunities(h.graph)
}

// Graph returns a deep copy of the current code graph.
func (h *HMN) Graph() *CodeGraph {
	h.mu.RLock()
	defer h.mu.RUnlock()

	out := NewCodeGraph()
	out.Version = h.graph.Version
	for _, n := range h.graph.Nodes {
		out.AddNode(n)
	}
	for _, e := range h.graph.Edges {
		out.AddEdge(e.Caller, e.Callee, e.Kind)
	}
	if h.graph.Communities != nil {
		out.Communities = make(map[string]int, len(h.graph.Communities))
		for k, v := range h.graph.Communities {
			out.Communities[k] = v
		}
	}
	return out
}

// Flows returns the current melodic lines, strongest first.
func (h *HMN) Flows() []*Flow {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return append([]*Flow(nil), h.flows...)
}

// Stats summarises the hierarchy for status endpoints.
func (h *HMN) Stats() map[string]int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	counts := make(map[Level]int)
	for _, n := range h.nodes {
		counts[n.Level]++
	}
	return map[string]int{
		"l0_files":    counts[LevelRaw],
		"l1_entities": counts[LevelEntity],
		"l2_patterns": counts[LevelPattern],
		"l3_flows":    counts[LevelFlow],
		"graph_nodes": len(h.graph.Nodes),
		"graph_edges": len(h.graph.Edges),
	}
}

// FindCallers reports direct predecessors of any graph node whose
// symbol part matches. Same-community callers come first.
func (h *HMN) FindCallers(symbol string) ([]string, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	var out []string
	seen := make(map[string]bool)
	for _, id := range h.matchingNodesLocked(symbol) {
		for _, caller := range h.graph.Predecessors(id) {
			if !seen[caller] {
				seen[caller] = true
				out = append(out, caller)
			}
		}
	}
	return out, nil
}

// ImpactAnalysis reports the full descendant closure of every graph
// node whose symbol part matches.
func (h *HMN) ImpactAnalysis(symbol string) ([]string, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	seen := make(map[string]bool)
	for _, id := range h.matchingNodesLocked(symbol) {
		for _, d := range h.graph.Descendants(id) {
			seen[d] = true
		}
	}
	out := make([]string, 0, len(seen))
	for d := range seen {
		out = append(out, d)
	}
	sort.Strings(out)
	return out, nil
}

func (h *HMN) matchingNodesLocked(symbol string) []string {
	var ids []string
	for _, n := range h.graph.Nodes {
		_, sym := SplitID(n)
		if sym == symbol || n == symbol {
			ids = append(ids, n)
		}
	}
	sort.Strings(ids)
	return ids
}
