package memory

import (
	"fmt"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"makerd/internal/logging"
)

const (
	maxQueryFiles     = 20
	maxFileExcerpt    = 4000
	persistenceWeight = 0.4
)

// QueryResult is the narrative-aware context bundle for one task.
type QueryResult struct {
	Code             string   `json:"code"`
	Narratives       []string `json:"narratives"`
	Patterns         []string `json:"patterns"`
	Entities         []string `json:"entities"`
	CompressionRatio float64  `json:"compression_ratio"`
	OriginalSize     int      `json:"original_size"`
	CompressedSize   int      `json:"compressed_size"`
}

type cachedQuery struct {
	result  *QueryResult
	expires time.Time
}

// QueryWithContext ranks flows against the task description and
// descends the hierarchy: flows select patterns, patterns select
// entities, entities select up to twenty files of raw text. Results
// are memoised per (task, top_k) with a TTL. Queries only read the
// hierarchy, so concurrent queries run under the read lock; access
// counters are bumped atomically.
func (h *HMN) QueryWithContext(taskDescription string, topK int) *QueryResult {
	cacheKey := fmt.Sprintf("%d|%s", topK, taskDescription)

	h.cacheMu.Lock()
	if entry, ok := h.queryCache[cacheKey]; ok && time.Now().Before(entry.expires) {
		h.cacheMu.Unlock()
		return entry.result
	}
	h.cacheMu.Unlock()

	timer := logging.StartTimer(logging.CategoryMemory, "query_with_context")
	defer timer.Stop()

	h.mu.RLock()
	result := h.queryRLocked(taskDescription, topK)
	h.mu.RUnlock()

	h.cacheMu.Lock()
	if len(h.queryCache) >= h.queryCacheEntries {
		h.evictOldestLocked()
	}
	h.queryCache[cacheKey] = &cachedQuery{result: result, expires: time.Now().Add(h.queryCacheTTL)}
	h.cacheMu.Unlock()
	return result
}

func (h *HMN) queryRLocked(taskDescription string, topK int) *QueryResult {
	taskTokens := nameTokens(taskDescription)

	type scoredFlow struct {
		flow  *Flow
		score float64
	}
	var ranked []scoredFlow
	for _, f := range h.flows {
		score := keywordOverlap(taskTokens, f) + persistenceWeight*f.PersistenceScore
		if score > h.flowScoreFloor {
			ranked = append(ranked, scoredFlow{f, score})
		}
	}
	sort.SliceStable(ranked, func(i, j int) bool {
		if ranked[i].score != ranked[j].score {
			return ranked[i].score > ranked[j].score
		}
		return ranked[i].flow.ID < ranked[j].flow.ID
	})
	if topK > 0 && len(ranked) > topK {
		ranked = ranked[:topK]
	}

	result := &QueryResult{}
	patternSeen := make(map[string]bool)
	entitySeen := make(map[string]bool)
	fileOrder := []string{}
	fileSeen := make(map[string]bool)

	for _, sf := range ranked {
		result.Narratives = append(result.Narratives, sf.flow.Description)
		for _, pid := range sf.flow.PatternIDs {
			if patternSeen[pid] {
				continue
			}
			patternSeen[pid] = true
			p := h.nodes[pid]
			if p == nil {
				continue
			}
			atomic.AddInt64(&p.AccessCount, 1)
			result.Patterns = append(result.Patterns, p.Content)

			for _, eid := range p.ChildIDs {
				if entitySeen[eid] {
					continue
				}
				entitySeen[eid] = true
				ent := h.nodes[eid]
				if ent == nil {
					continue
				}
				atomic.AddInt64(&ent.AccessCount, 1)
				result.Entities = append(result.Entities,
					fmt.Sprintf("%s (%s:%d)", ent.Meta.Name, ent.Meta.File, ent.Meta.Line))
				if !fileSeen[ent.Meta.File] && len(fileOrder) < maxQueryFiles {
					fileSeen[ent.Meta.File] = true
					fileOrder = append(fileOrder, ent.Meta.File)
				}
			}
		}
	}

	var code strings.Builder
	for _, file := range fileOrder {
		l0 := h.nodes[file]
		if l0 == nil {
			continue
		}
		atomic.AddInt64(&l0.AccessCount, 1)
		text := l0.Content
		if len(text) > maxFileExcerpt {
			text = text[:maxFileExcerpt] + "\n# ... truncated\n"
		}
		fmt.Fprintf(&code, "# === %s ===\n%s\n", file, text)
	}
	result.Code = code.String()

	for _, n := range h.nodes {
		if n.Level == LevelRaw {
			result.OriginalSize += len(n.Content)
		}
	}
	result.CompressedSize = len(result.Code)
	if result.OriginalSize > 0 {
		result.CompressionRatio = 1 - float64(result.CompressedSize)/float64(result.OriginalSize)
	}
	return result
}

// keywordOverlap scores a flow against the task's tokens using the
// flow's name, description, and module paths.
func keywordOverlap(taskTokens map[string]bool, f *Flow) float64 {
	if len(taskTokens) == 0 {
		return 0
	}
	flowTokens := nameTokens(f.Name + " " + f.Description + " " + strings.Join(f.Modules, " "))
	var hits int
	for t := range taskTokens {
		if flowTokens[t] {
			hits++
		}
	}
	return float64(hits) / float64(len(taskTokens))
}

// evictOldestLocked drops the soonest-expiring cache entry. Caller
// holds cacheMu.
func (h *HMN) evictOldestLocked() {
	var oldestKey string
	var oldest time.Time
	for k, entry := range h.queryCache {
		if oldestKey == "" || entry.expires.Before(oldest) {
			oldestKey = k
			oldest = entry.expires
		}
	}
	if oldestKey != "" {
		delete(h.queryCache, oldestKey)
	}
}

func (h *HMN) invalidateQueryCache() {
	h.cacheMu.Lock()
	h.queryCache = make(map[string]*cachedQuery)
	h.cacheMu.Unlock()
}
