package watcher

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingReindexer struct {
	mu    sync.Mutex
	calls []reindexCall
}

type reindexCall struct {
	rel     string
	deleted bool
}

func (r *recordingReindexer) ReindexFile(_, rel string, deleted bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, reindexCall{rel: rel, deleted: deleted})
	return nil
}

func (r *recordingReindexer) snapshot() []reindexCall {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]reindexCall(nil), r.calls...)
}

func (r *recordingReindexer) waitFor(t *testing.T, predicate func([]reindexCall) bool) []reindexCall {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if calls := r.snapshot(); predicate(calls) {
			return calls
		}
		time.Sleep(25 * time.Millisecond)
	}
	t.Fatalf("condition not met before deadline; calls: %+v", r.snapshot())
	return nil
}

func startWatcher(t *testing.T, root string, target Reindexer) *Watcher {
	t.Helper()
	w, err := New(root, target)
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		w.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		w.Close()
		<-done
	})
	return w
}

func TestWriteBurstCollapsesToOneReindex(t *testing.T) {
	root := t.TempDir()
	rec := &recordingReindexer{}
	startWatcher(t, root, rec)

	path := filepath.Join(root, "app.py")
	for i := 0; i < 5; i++ {
		require.NoError(t, os.WriteFile(path, []byte("x = 1\n"), 0o644))
		time.Sleep(20 * time.Millisecond)
	}

	calls := rec.waitFor(t, func(calls []reindexCall) bool { return len(calls) >= 1 })
	// The burst is inside one debounce window, so exactly one reindex.
	time.Sleep(debounceWindow + 100*time.Millisecond)
	calls = rec.snapshot()
	assert.Len(t, calls, 1)
	assert.Equal(t, "app.py", calls[0].rel)
	assert.False(t, calls[0].deleted)
}

func TestDeleteReportedAsDeleted(t *testing.T) {
	root := t.TempDir()
	path := filepath.Join(root, "gone.py")
	require.NoError(t, os.WriteFile(path, []byte("x = 1\n"), 0o644))

	rec := &recordingReindexer{}
	startWatcher(t, root, rec)

	require.NoError(t, os.Remove(path))
	calls := rec.waitFor(t, func(calls []reindexCall) bool { return len(calls) >= 1 })
	last := calls[len(calls)-1]
	assert.Equal(t, "gone.py", last.rel)
	assert.True(t, last.deleted)
}

func TestExcludedDirectoriesIgnored(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, ".git"), 0o755))

	rec := &recordingReindexer{}
	startWatcher(t, root, rec)

	require.NoError(t, os.WriteFile(
		filepath.Join(root, ".git", "index.py"), []byte("x = 1\n"), 0o644))
	require.NoError(t, os.WriteFile(
		filepath.Join(root, "tracked.py"), []byte("x = 1\n"), 0o644))

	calls := rec.waitFor(t, func(calls []reindexCall) bool { return len(calls) >= 1 })
	for _, call := range calls {
		assert.NotContains(t, call.rel, ".git")
	}
}

func TestNewSubdirectoryPicksUpFiles(t *testing.T) {
	root := t.TempDir()
	rec := &recordingReindexer{}
	startWatcher(t, root, rec)

	sub := filepath.Join(root, "pkg")
	require.NoError(t, os.MkdirAll(sub, 0o755))
	// Give the watcher a beat to register the new directory.
	time.Sleep(150 * time.Millisecond)
	require.NoError(t, os.WriteFile(filepath.Join(sub, "mod.py"), []byte("y = 2\n"), 0o644))

	calls := rec.waitFor(t, func(calls []reindexCall) bool {
		for _, c := range calls {
			if c.rel == filepath.Join("pkg", "mod.py") {
				return true
			}
		}
		return false
	})
	assert.NotEmpty(t, calls)
}
