package memory

import "sort"

// communityMinNodes gates community detection; tiny graphs carry no
// useful partition.
const communityMinNodes = 10

// detectCommunities partitions the call graph by greedy modularity
// maximisation: every node starts alone, then the connected community
// pair whose merge yields the best modularity gain is merged until no
// merge improves modularity.
func detectCommunities(g *CodeGraph) map[string]int {
	adj := g.undirectedAdjacency()
	if len(adj) < communityMinNodes {
		return nil
	}

	nodes := make([]string, 0, len(adj))
	for n := range adj {
		nodes = append(nodes, n)
	}
	sort.Strings(nodes)

	// Undirected edge count and degrees.
	degree := make(map[string]float64, len(nodes))
	var twoM float64
	for _, u := range nodes {
		degree[u] = float64(len(adj[u]))
		twoM += degree[u]
	}
	if twoM == 0 {
		return nil
	}

	community := make(map[string]int, len(nodes))
	for i, n := range nodes {
		community[n] = i
	}

	// commDegree is the total degree per community; linksBetween counts
	// edges between two communities.
	commDegree := make(map[int]float64)
	for n, c := range community {
		commDegree[c] = degree[n]
	}
	links := make(map[[2]int]float64)
	for _, u := range nodes {
		for v := range adj[u] {
			if u < v {
				key := pairKey(community[u], community[v])
				links[key]++
			}
		}
	}

	for {
		bestGain := 0.0
		var bestPair [2]int
		found := false

		pairs := make([][2]int, 0, len(links))
		for p := range links {
			pairs = append(pairs, p)
		}
		sort.Slice(pairs, func(i, j int) bool {
			if pairs[i][0] != pairs[j][0] {
				return pairs[i][0] < pairs[j][0]
			}
			return pairs[i][1] < pairs[j][1]
		})

		for _, p := range pairs {
			if p[0] == p[1] {
				continue
			}
			// Modularity gain of merging communities a and b.
			gain := 2*(links[p]/twoM) - 2*(commDegree[p[0]]/twoM)*(commDegree[p[1]]/twoM)
			if gain > bestGain+1e-12 {
				bestGain = gain
				bestPair = p
				found = true
			}
		}
		if !found {
			break
		}

		a, b := bestPair[0], bestPair[1]
		for n, c := range community {
			if c == b {
				community[n] = a
			}
		}
		commDegree[a] += commDegree[b]
		delete(commDegree, b)

		merged := make(map[[2]int]float64, len(links))
		for p, w := range links {
			q := p
			if q[0] == b {
				q[0] = a
			}
			if q[1] == b {
				q[1] = a
			}
			q = pairKey(q[0], q[1])
			merged[q] += w
		}
		links = merged
	}

	// Renumber communities densely in first-seen order over sorted nodes.
	renumber := make(map[int]int)
	out := make(map[string]int, len(community))
	for _, n := range nodes {
		c := community[n]
		id, ok := renumber[c]
		if !ok {
			id = len(renumber)
			renumber[c] = id
		}
		out[n] = id
	}
	return out
}

func pairKey(a, b int) [2]int {
	if a > b {
		a, b = b, a
	}
	return [2]int{a, b}
}
