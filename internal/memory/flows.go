package memory

import (
	"fmt"
	"path"
	"sort"
	"strings"
)

// formPatternsLocked groups same-file L1 entities into L2 pattern
// nodes. Files with fewer entities than the configured minimum form no
// pattern.
func (h *HMN) formPatternsLocked() {
	h.patterns = nil

	byFile := make(map[string][]*Node)
	for _, n := range h.nodes {
		if n.Level == LevelEntity {
			byFile[n.Meta.File] = append(byFile[n.Meta.File], n)
		}
	}

	files := make([]string, 0, len(byFile))
	for f := range byFile {
		files = append(files, f)
	}
	sort.Strings(files)

	for _, file := range files {
		entities := byFile[file]
		if len(entities) < h.patternMin {
			continue
		}
		sort.Slice(entities, func(i, j int) bool {
			return entities[i].Meta.Line < entities[j].Meta.Line
		})

		ids := make([]string, len(entities))
		names := make([]string, len(entities))
		for i, ent := range entities {
			ids[i] = ent.ID
			names[i] = ent.Meta.Name
		}

		p := &Pattern{
			ID:          "pattern::" + file,
			File:        file,
			Description: fmt.Sprintf("module pattern in %s: %s", file, strings.Join(names, ", ")),
			EntityIDs:   ids,
		}
		h.patterns = append(h.patterns, p)

		h.nodes[p.ID] = &Node{
			ID:        p.ID,
			Level:     LevelPattern,
			Content:   p.Description,
			Meta:      NodeMeta{File: file, Kind: "pattern"},
			ChildIDs:  ids,
			ParentIDs: nil,
		}
		for _, ent := range entities {
			ent.ParentIDs = appendUnique(ent.ParentIDs, p.ID)
		}
	}
}

// detectFlowsLocked extracts L3 melodic lines: weakly-connected call
// components of two or more nodes whose mean thematic PageRank is above
// the global mean.
func (h *HMN) detectFlowsLocked() {
	h.flows = nil

	rank := thematicPageRank(h.graph)
	if len(rank) == 0 {
		return
	}
	var total float64
	for _, r := range rank {
		total += r
	}
	threshold := total / float64(len(rank))

	for _, component := range weakComponents(h.graph) {
		if len(component) < 2 {
			continue
		}
		var sum float64
		for _, n := range component {
			sum += rank[n]
		}
		if sum/float64(len(component)) < threshold {
			continue
		}
		h.flows = append(h.flows, h.buildFlowLocked(component))
	}

	sort.Slice(h.flows, func(i, j int) bool {
		if h.flows[i].PersistenceScore != h.flows[j].PersistenceScore {
			return h.flows[i].PersistenceScore > h.flows[j].PersistenceScore
		}
		return h.flows[i].ID < h.flows[j].ID
	})

	for _, f := range h.flows {
		h.nodes[f.ID] = &Node{
			ID:       f.ID,
			Level:    LevelFlow,
			Content:  f.Description,
			Meta:     NodeMeta{Kind: "flow", Name: f.Name},
			ChildIDs: append([]string(nil), f.PatternIDs...),
		}
	}
}

// buildFlowLocked assembles one flow from a connected component.
// persistence_score = internal edge ratio plus small boosts for module
// and pattern breadth, clamped to [0,1].
func (h *HMN) buildFlowLocked(component []string) *Flow {
	members := make(map[string]bool, len(component))
	for _, n := range component {
		members[n] = true
	}

	var internal, touching int
	for _, e := range h.graph.Edges {
		if e.Kind != EdgeCalls {
			continue
		}
		in := members[e.Caller]
		out := members[e.Callee]
		if in && out {
			internal++
			touching++
		} else if in || out {
			touching++
		}
	}
	ratio := 0.0
	if touching > 0 {
		ratio = float64(internal) / float64(touching)
	}

	moduleSet := make(map[string]bool)
	patternSet := make(map[string]bool)
	for _, n := range component {
		if isTaggedNode(n) {
			continue
		}
		file, _ := SplitID(n)
		if file != "" {
			moduleSet[file] = true
			if h.nodes["pattern::"+file] != nil {
				patternSet["pattern::"+file] = true
			}
		}
	}

	score := ratio
	if len(moduleSet) >= 2 {
		score += 0.05
	}
	if len(patternSet) >= 2 {
		score += 0.05
	}
	if score > 1 {
		score = 1
	}
	if score < 0 {
		score = 0
	}

	modules := make([]string, 0, len(moduleSet))
	for m := range moduleSet {
		modules = append(modules, m)
	}
	sort.Strings(modules)
	patternIDs := make([]string, 0, len(patternSet))
	for p := range patternSet {
		patternIDs = append(patternIDs, p)
	}
	sort.Strings(patternIDs)

	name := flowName(modules, patternIDs)
	return &Flow{
		ID:               "flow::" + name,
		Name:             name,
		Description:      describeFlow(name, modules, patternIDs, h.nodes),
		PersistenceScore: score,
		Modules:          modules,
		PatternIDs:       patternIDs,
	}
}

// flowName prefers the longest common directory of the member modules,
// falling back to the dominant (first) pattern's file.
func flowName(modules, patternIDs []string) string {
	if dir := commonDir(modules); dir != "" {
		return dir
	}
	if len(patternIDs) > 0 {
		return strings.TrimPrefix(patternIDs[0], "pattern::")
	}
	if len(modules) > 0 {
		return modules[0]
	}
	return "unnamed"
}

func describeFlow(name string, modules, patternIDs []string, nodes map[string]*Node) string {
	var parts []string
	for i, p := range patternIDs {
		if i == 3 {
			break
		}
		if n := nodes[p]; n != nil {
			parts = append(parts, n.Content)
		}
	}
	if len(parts) == 0 {
		return fmt.Sprintf("thematic flow %s across %d modules", name, len(modules))
	}
	return fmt.Sprintf("thematic flow %s: %s", name, strings.Join(parts, "; "))
}

func commonDir(modules []string) string {
	if len(modules) == 0 {
		return ""
	}
	dir := path.Dir(modules[0])
	for _, m := range modules[1:] {
		other := path.Dir(m)
		for dir != "." && dir != other && !strings.HasPrefix(other+"/", dir+"/") {
			dir = path.Dir(dir)
		}
	}
	if dir == "." || dir == "/" {
		return ""
	}
	return dir
}

// weakComponents returns connected components over the undirected call
// graph, each sorted, ordered by first member.
func weakComponents(g *CodeGraph) [][]string {
	adj := g.undirectedAdjacency()
	nodes := make([]string, 0, len(adj))
	for n := range adj {
		nodes = append(nodes, n)
	}
	sort.Strings(nodes)

	visited := make(map[string]bool, len(nodes))
	var components [][]string
	for _, start := range nodes {
		if visited[start] {
			continue
		}
		var component []string
		stack := []string{start}
		visited[start] = true
		for len(stack) > 0 {
			cur := stack[len(stack)-1]
			stack = stack[:len(stack)-1]
			component = append(component, cur)
			for next := range adj[cur] {
				if !visited[next] {
					visited[next] = true
					stack = append(stack, next)
				}
			}
		}
		sort.Strings(component)
		components = append(components, component)
	}
	return components
}

// isTaggedNode reports whether id is a stdlib/external/module marker
// rather than a codebase entity.
func isTaggedNode(id string) bool {
	return strings.HasPrefix(id, TagStdlib+"::") ||
		strings.HasPrefix(id, TagExternal+"::") ||
		strings.HasPrefix(id, "module::")
}

func appendUnique(list []string, v string) []string {
	for _, x := range list {
		if x == v {
			return list
		}
	}
	return append(list, v)
}
