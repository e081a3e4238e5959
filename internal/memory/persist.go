package memory

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"makerd/internal/kv"
	"makerd/internal/logging"
)

const (
	persistRetries      = 3
	graphVersionsToKeep = 5
)

// SaveGraph persists the code graph. Writers serialise on the version
// key with an optimistic watch: two writers that both observed version
// V can never both commit V+1. The winner then writes the state, the
// versioned snapshot, and the latest pointer in one transaction, so
// the latest pointer can never name a snapshot that was not written.
// Conflicts retry up to three times.
func (h *HMN) SaveGraph() error {
	var committed int
	var err error
	for attempt := 0; attempt < persistRetries; attempt++ {
		err = h.store.Watch(kv.KeyGraphVersion, func(current []byte) ([]byte, error) {
			version := 0
			if len(current) > 0 {
				version, _ = strconv.Atoi(string(current))
			}
			committed = version + 1
			return []byte(strconv.Itoa(committed)), nil
		})
		if err == nil {
			break
		}
		if !errors.Is(err, kv.ErrConflict) {
			return fmt.Errorf("persist code graph: %w", err)
		}
		logging.Get(logging.CategoryMemory).Warn("graph version conflict, retry %d", attempt+1)
	}
	if err != nil {
		return fmt.Errorf("persist code graph: %w", err)
	}

	h.mu.Lock()
	h.graph.Version = committed
	state, merr := json.Marshal(h.graph)
	h.mu.Unlock()
	if merr != nil {
		return fmt.Errorf("marshal code graph: %w", merr)
	}

	err = h.store.SetMulti([]kv.Entry{
		{Key: kv.KeyGraphState, Value: state},
		{Key: kv.GraphVersionKey(committed), Value: state, TTL: kv.TTLGraphVersion},
		{Key: kv.KeyGraphLatest, Value: []byte(strconv.Itoa(committed))},
	})
	if err != nil {
		return fmt.Errorf("persist code graph: %w", err)
	}

	// Retain only the most recent versioned snapshots.
	if old := committed - graphVersionsToKeep; old > 0 {
		h.store.Del(kv.GraphVersionKey(old))
	}

	logging.Memory("saved code graph v%d", committed)
	return nil
}

// LoadGraph restores the latest persisted graph. A missing state key is
// not an error; the graph stays empty.
func (h *HMN) LoadGraph() error {
	data, err := h.store.Get(kv.KeyGraphState)
	if err != nil {
		if errors.Is(err, kv.ErrNotFound) {
			return nil
		}
		return fmt.Errorf("load code graph: %w", err)
	}

	g := new(CodeGraph)
	if err := json.Unmarshal(data, g); err != nil {
		return fmt.Errorf("decode code graph: %w", err)
	}
	g.rebuildIndexes()

	h.mu.Lock()
	h.graph = g
	h.invalidateQueryCache()
	h.mu.Unlock()

	logging.Memory("loaded code graph v%d: %d nodes, %d edges", g.Version, len(g.Nodes), len(g.Edges))
	return nil
}
