package memory

import (
	"math"
	"strings"
)

const (
	pagerankDamping   = 0.85
	pagerankMaxIters  = 100
	pagerankTolerance = 1e-6
	sameModuleBoost   = 1.5
	minThematicWeight = 0.05 // keeps unrelated neighbours reachable
)

// thematicPageRank scores graph nodes over the undirected call graph.
// Transition probability toward a neighbour is proportional to the
// thematic weight between the two names, so rank concentrates inside
// name-coherent regions.
func thematicPageRank(g *CodeGraph) map[string]float64 {
	adj := g.undirectedAdjacency()
	if len(adj) == 0 {
		return map[string]float64{}
	}

	nodes := make([]string, 0, len(adj))
	for n := range adj {
		nodes = append(nodes, n)
	}

	weights := make(map[string]map[string]float64, len(nodes))
	outSum := make(map[string]float64, len(nodes))
	for _, u := range nodes {
		weights[u] = make(map[string]float64, len(adj[u]))
		for v := range adj[u] {
			w := thematicWeight(u, v)
			weights[u][v] = w
			outSum[u] += w
		}
	}

	n := float64(len(nodes))
	rank := make(map[string]float64, len(nodes))
	for _, u := range nodes {
		rank[u] = 1 / n
	}

	for iter := 0; iter < pagerankMaxIters; iter++ {
		next := make(map[string]float64, len(nodes))
		for _, u := range nodes {
			next[u] = (1 - pagerankDamping) / n
		}
		for _, u := range nodes {
			if outSum[u] == 0 {
				continue
			}
			share := pagerankDamping * rank[u] / outSum[u]
			for v, w := range weights[u] {
				next[v] += share * w
			}
		}

		var delta float64
		for _, u := range nodes {
			delta += math.Abs(next[u] - rank[u])
		}
		rank = next
		if delta < pagerankTolerance {
			break
		}
	}
	return rank
}

// thematicWeight is the Jaccard overlap of tokenised names, boosted
// 1.5x for same-module pairs, clamped to 1. A small floor keeps the
// chain irreducible.
func thematicWeight(u, v string) float64 {
	tu := nameTokens(u)
	tv := nameTokens(v)

	var inter, union int
	seen := make(map[string]bool, len(tu)+len(tv))
	for t := range tu {
		seen[t] = true
	}
	for t := range tv {
		if tu[t] {
			inter++
		}
		seen[t] = true
	}
	union = len(seen)

	w := 0.0
	if union > 0 {
		w = float64(inter) / float64(union)
	}
	if w < minThematicWeight {
		w = minThematicWeight
	}

	fu, _ := SplitID(u)
	fv, _ := SplitID(v)
	if fu != "" && fu == fv {
		w *= sameModuleBoost
	}
	if w > 1 {
		w = 1
	}
	return w
}

// nameTokens lowercases and splits an id on path, scope, and word
// separators.
func nameTokens(id string) map[string]bool {
	tokens := make(map[string]bool)
	word := strings.Builder{}
	flush := func() {
		if word.Len() > 1 {
			tokens[word.String()] = true
		}
		word.Reset()
	}
	for _, r := range strings.ToLower(id) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			word.WriteRune(r)
		} else {
			flush()
		}
	}
	flush()
	return tokens
}
