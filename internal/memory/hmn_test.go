package memory

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"makerd/internal/config"
	"makerd/internal/kv"
)

func testConfig() config.MemoryConfig {
	return config.MemoryConfig{
		MaxFiles:          500,
		PatternMin:        3,
		FlowScoreFloor:    0.1,
		QueryCacheTTL:     time.Minute,
		QueryCacheEntries: 16,
	}
}

func newTestHMN(t *testing.T) *HMN {
	t.Helper()
	store, err := kv.Open(filepath.Join(t.TempDir(), "kv.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return New(store, testConfig())
}

func writeSource(t *testing.T, root, rel, content string) {
	t.Helper()
	path := filepath.Join(root, rel)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
}

const authSource = `import json

def hash_password(password):
    return json.dumps(password)

def verify_password(password, hashed):
    return hash_password(password) == hashed

def login_user(name, password):
    record = load_user(name)
    return verify_password(password, record)

def load_user(name):
    return open(name).read()
`

const sessionSource = `def create_session(user):
    token = make_token(user)
    return token

def make_token(user):
    return str(user)

def end_session(token):
    return make_token(token)
`

func TestIngestBuildsHierarchy(t *testing.T) {
	h := newTestHMN(t)
	root := t.TempDir()
	writeSource(t, root, "auth/login.py", authSource)
	writeSource(t, root, "auth/session.py", sessionSource)
	writeSource(t, root, ".git/hook.py", "ignored = True\n")

	require.NoError(t, h.IngestCodebase(root))

	stats := h.Stats()
	assert.Equal(t, 2, stats["l0_files"], "excluded dirs must be skipped")
	assert.Equal(t, 7, stats["l1_entities"])
	assert.Equal(t, 2, stats["l2_patterns"])
	assert.Greater(t, stats["graph_edges"], 0)
}

func TestIngestRecordsCallEdges(t *testing.T) {
	h := newTestHMN(t)
	root := t.TempDir()
	writeSource(t, root, "auth/login.py", authSource)

	require.NoError(t, h.IngestCodebase(root))
	g := h.Graph()

	login := QualifyID("auth/login.py", "login_user")
	verify := QualifyID("auth/login.py", "verify_password")

	callers := g.Predecessors(verify)
	assert.Contains(t, callers, login)

	// open() resolves against the stdlib allowlist.
	loadUser := QualifyID("auth/login.py", "load_user")
	descendants := g.Descendants(loadUser)
	assert.Contains(t, descendants, "stdlib::open")
}

func TestFindCallersAndImpact(t *testing.T) {
	h := newTestHMN(t)
	root := t.TempDir()
	writeSource(t, root, "auth/login.py", authSource)

	require.NoError(t, h.IngestCodebase(root))

	callers, err := h.FindCallers("verify_password")
	require.NoError(t, err)
	assert.Equal(t, []string{QualifyID("auth/login.py", "login_user")}, callers)

	impact, err := h.ImpactAnalysis("login_user")
	require.NoError(t, err)
	assert.Contains(t, impact, QualifyID("auth/login.py", "verify_password"))
	assert.Contains(t, impact, QualifyID("auth/login.py", "hash_password"))
	assert.Contains(t, impact, QualifyID("auth/login.py", "load_user"))
}

func TestGraphRoundTrip(t *testing.T) {
	g := NewCodeGraph()
	g.AddEdge("a.py::f", "a.py::g", EdgeCalls)
	g.AddEdge("a.py::g", "stdlib::open", EdgeCalls)
	g.AddEdge("a.py", "external::requests", EdgeImports)
	g.Version = 3
	g.Communities = map[string]int{"a.py::f": 0, "a.py::g": 0}

	data, err := json.Marshal(g)
	require.NoError(t, err)

	restored := new(CodeGraph)
	require.NoError(t, json.Unmarshal(data, restored))
	restored.rebuildIndexes()

	assert.Equal(t, g.Version, restored.Version)
	assert.ElementsMatch(t, g.Nodes, restored.Nodes)
	assert.ElementsMatch(t, g.Edges, restored.Edges)
	assert.Equal(t, g.Communities, restored.Communities)
	assert.True(t, restored.HasNode("a.py::f"))
}

func TestPredecessorsSameCommunityFirst(t *testing.T) {
	g := NewCodeGraph()
	g.AddEdge("a.py::near", "a.py::target", EdgeCalls)
	g.AddEdge("b.py::far", "a.py::target", EdgeCalls)
	g.Communities = map[string]int{
		"a.py::target": 1,
		"a.py::near":   1,
		"b.py::far":    2,
	}

	callers := g.Predecessors("a.py::target")
	require.Len(t, callers, 2)
	assert.Equal(t, "a.py::near", callers[0], "same-community caller must sort first")
}

func TestPersistenceScoreMonotonic(t *testing.T) {
	h := newTestHMN(t)
	component := []string{"m.py::a", "m.py::b", "m.py::c"}

	sparse := NewCodeGraph()
	sparse.AddEdge("m.py::a", "m.py::b", EdgeCalls)
	sparse.AddEdge("m.py::b", "m.py::c", EdgeCalls)
	sparse.AddEdge("m.py::c", "other.py::x", EdgeCalls) // boundary edge

	dense := NewCodeGraph()
	dense.AddEdge("m.py::a", "m.py::b", EdgeCalls)
	dense.AddEdge("m.py::b", "m.py::c", EdgeCalls)
	dense.AddEdge("m.py::a", "m.py::c", EdgeCalls)
	dense.AddEdge("m.py::c", "other.py::x", EdgeCalls)

	h.graph = sparse
	low := h.buildFlowLocked(component).PersistenceScore
	h.graph = dense
	high := h.buildFlowLocked(component).PersistenceScore

	assert.GreaterOrEqual(t, high, low)
	assert.GreaterOrEqual(t, low, 0.0)
	assert.LessOrEqual(t, high, 1.0)
}

// failingBatchStore models a mid-save outage on batch writes.
type failingBatchStore struct {
	kv.Store
	fail bool
}

func (s *failingBatchStore) SetMulti(entries []kv.Entry) error {
	if s.fail {
		return fmt.Errorf("simulated write failure")
	}
	return s.Store.SetMulti(entries)
}

func TestSaveGraphAtomicOnWriteFailure(t *testing.T) {
	base, err := kv.Open(filepath.Join(t.TempDir(), "kv.db"))
	require.NoError(t, err)
	t.Cleanup(func() { base.Close() })
	store := &failingBatchStore{Store: base}

	h := New(store, testConfig())
	root := t.TempDir()
	writeSource(t, root, "auth/login.py", authSource)
	require.NoError(t, h.IngestCodebase(root))
	require.NoError(t, h.SaveGraph())

	writeSource(t, root, "auth/session.py", sessionSource)
	require.NoError(t, h.IngestCodebase(root))
	store.fail = true
	require.Error(t, h.SaveGraph())

	// A failed save leaves no partial state: the restored graph is the
	// last committed version, not a torn mix of the two.
	restored := New(base, testConfig())
	require.NoError(t, restored.LoadGraph())
	g := restored.Graph()
	assert.Equal(t, 1, g.Version)
	assert.True(t, g.HasNode(QualifyID("auth/login.py", "login_user")))
	assert.False(t, g.HasNode(QualifyID("auth/session.py", "make_token")))
}

func TestSaveAndLoadGraph(t *testing.T) {
	h := newTestHMN(t)
	root := t.TempDir()
	writeSource(t, root, "auth/login.py", authSource)
	require.NoError(t, h.IngestCodebase(root))

	require.NoError(t, h.SaveGraph())
	assert.Equal(t, 1, h.Graph().Version)
	require.NoError(t, h.SaveGraph())
	assert.Equal(t, 2, h.Graph().Version)

	restored := New(h.store, testConfig())
	require.NoError(t, restored.LoadGraph())
	g := restored.Graph()
	assert.Equal(t, 2, g.Version)
	assert.ElementsMatch(t, h.Graph().Nodes, g.Nodes)
}

func TestQueryWithContext(t *testing.T) {
	h := newTestHMN(t)
	root := t.TempDir()
	writeSource(t, root, "auth/login.py", authSource)
	writeSource(t, root, "auth/session.py", sessionSource)
	require.NoError(t, h.IngestCodebase(root))
	require.NotEmpty(t, h.Flows())

	got := h.QueryWithContext("fix the password login flow in auth", 3)
	assert.NotEmpty(t, got.Narratives)
	assert.NotEmpty(t, got.Code)
	assert.Greater(t, got.OriginalSize, 0)
	assert.InDelta(t, 1-float64(got.CompressedSize)/float64(got.OriginalSize),
		got.CompressionRatio, 1e-9)
	assert.Less(t, got.CompressionRatio, 1.0)

	// Memoised by (task, top_k).
	again := h.QueryWithContext("fix the password login flow in auth", 3)
	assert.Same(t, got, again)
}

func TestCompressionRatioReportsSavings(t *testing.T) {
	h := newTestHMN(t)
	root := t.TempDir()
	writeSource(t, root, "auth/login.py", authSource)
	writeSource(t, root, "auth/session.py", sessionSource)
	// Bulk outside every flow still counts toward the original corpus.
	writeSource(t, root, "tables/reference.py",
		"REFERENCE = 1\n"+strings.Repeat("# reference row padding\n", 2000))
	require.NoError(t, h.IngestCodebase(root))
	require.NotEmpty(t, h.Flows())

	got := h.QueryWithContext("fix the password login flow in auth", 3)
	require.Greater(t, got.OriginalSize, 0)
	require.Less(t, got.CompressedSize, got.OriginalSize)
	// Strong compression reports a ratio near 1, weak compression near 0.
	assert.Greater(t, got.CompressionRatio, 0.5)
	assert.Less(t, got.CompressionRatio, 1.0)
}

func TestQueriesRunUnderReadLock(t *testing.T) {
	h := newTestHMN(t)
	root := t.TempDir()
	writeSource(t, root, "auth/login.py", authSource)
	require.NoError(t, h.IngestCodebase(root))

	h.mu.RLock()
	defer h.mu.RUnlock()

	done := make(chan struct{})
	go func() {
		h.QueryWithContext("password login", 2)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("query blocked while another reader held the lock")
	}
}

func TestFlowScoresBounded(t *testing.T) {
	h := newTestHMN(t)
	root := t.TempDir()
	writeSource(t, root, "auth/login.py", authSource)
	writeSource(t, root, "auth/session.py", sessionSource)
	require.NoError(t, h.IngestCodebase(root))

	for _, f := range h.Flows() {
		assert.GreaterOrEqual(t, f.PersistenceScore, 0.0, "flow %s", f.Name)
		assert.LessOrEqual(t, f.PersistenceScore, 1.0, "flow %s", f.Name)
	}
}

func TestReindexFileRemovesDeleted(t *testing.T) {
	h := newTestHMN(t)
	root := t.TempDir()
	writeSource(t, root, "auth/login.py", authSource)
	writeSource(t, root, "auth/session.py", sessionSource)
	require.NoError(t, h.IngestCodebase(root))

	require.NoError(t, h.ReindexFile(root, "auth/session.py", true))

	stats := h.Stats()
	assert.Equal(t, 1, stats["l0_files"])
	callers, err := h.FindCallers("make_token")
	require.NoError(t, err)
	assert.Empty(t, callers)
}

func TestCommunityDetectionOnLargerGraph(t *testing.T) {
	g := NewCodeGraph()
	// Two dense clusters joined by one bridge edge.
	left := []string{"l.py::a", "l.py::b", "l.py::c", "l.py::d", "l.py::e"}
	right := []string{"r.py::a", "r.py::b", "r.py::c", "r.py::d", "r.py::e"}
	for i := range left {
		for j := i + 1; j < len(left); j++ {
			g.AddEdge(left[i], left[j], EdgeCalls)
			g.AddEdge(right[i], right[j], EdgeCalls)
		}
	}
	g.AddEdge(left[0], right[0], EdgeCalls)

	communities := detectCommunities(g)
	require.NotNil(t, communities)

	for _, n := range left[1:] {
		assert.Equal(t, communities[left[0]], communities[n])
	}
	for _, n := range right[1:] {
		assert.Equal(t, communities[right[0]], communities[n])
	}
	assert.NotEqual(t, communities[left[1]], communities[right[1]])
}

func TestPageRankSumsToOne(t *testing.T) {
	g := NewCodeGraph()
	g.AddEdge("a.py::f", "a.py::g", EdgeCalls)
	g.AddEdge("a.py::g", "a.py::h", EdgeCalls)
	g.AddEdge("b.py::x", "a.py::f", EdgeCalls)

	rank := thematicPageRank(g)
	require.Len(t, rank, 4)
	var sum float64
	for _, r := range rank {
		sum += r
	}
	assert.InDelta(t, 1.0, sum, 0.01)
}
