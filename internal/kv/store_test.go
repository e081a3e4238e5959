package kv

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "kv.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSetGetDel(t *testing.T) {
	s := newTestStore(t)

	require.NoError(t, s.Set("task:abc", []byte(`{"status":"pending"}`), 0))

	got, err := s.Get("task:abc")
	require.NoError(t, err)
	assert.Equal(t, []byte(`{"status":"pending"}`), got)

	require.NoError(t, s.Del("task:abc"))
	_, err = s.Get("task:abc")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestGetMissing(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Get("task:never-set")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestTTLExpiry(t *testing.T) {
	s := newTestStore(t)
	base := time.Now()
	s.now = func() time.Time { return base }

	require.NoError(t, s.Set("clarification:t1", []byte("questions"), time.Hour))

	_, err := s.Get("clarification:t1")
	require.NoError(t, err)

	// Advance past the TTL
	s.now = func() time.Time { return base.Add(time.Hour + time.Second) }
	_, err = s.Get("clarification:t1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestScanPrefix(t *testing.T) {
	s := newTestStore(t)

	require.NoError(t, s.Set("task:a", []byte("1"), 0))
	require.NoError(t, s.Set("task:b", []byte("2"), 0))
	require.NoError(t, s.Set("session:a", []byte("3"), 0))

	got, err := s.Scan("task:")
	require.NoError(t, err)
	assert.Len(t, got, 2)
	assert.Equal(t, []byte("1"), got["task:a"])
	assert.Equal(t, []byte("2"), got["task:b"])
}

func TestScanSkipsExpired(t *testing.T) {
	s := newTestStore(t)
	base := time.Now()
	s.now = func() time.Time { return base }

	require.NoError(t, s.Set("checkpoint:s:f1", []byte("1"), time.Minute))
	require.NoError(t, s.Set("checkpoint:s:f2", []byte("2"), 0))

	s.now = func() time.Time { return base.Add(2 * time.Minute) }
	got, err := s.Scan("checkpoint:s:")
	require.NoError(t, err)
	assert.Len(t, got, 1)
	assert.Contains(t, got, "checkpoint:s:f2")
}

func TestSetMultiCommitsAllEntries(t *testing.T) {
	s := newTestStore(t)

	require.NoError(t, s.SetMulti([]Entry{
		{Key: "code_graph:state", Value: []byte("graph")},
		{Key: "code_graph:v1", Value: []byte("graph"), TTL: time.Hour},
		{Key: "code_graph:latest", Value: []byte("1")},
	}))

	for _, key := range []string{"code_graph:state", "code_graph:v1", "code_graph:latest"} {
		_, err := s.Get(key)
		assert.NoError(t, err, key)
	}
}

func TestSetMultiAllOrNothing(t *testing.T) {
	s := newTestStore(t)

	// The nil value violates the NOT NULL constraint on the second
	// write; the first write must roll back with it.
	err := s.SetMulti([]Entry{
		{Key: "code_graph:state", Value: []byte("graph")},
		{Key: "code_graph:latest", Value: nil},
	})
	require.Error(t, err)

	_, err = s.Get("code_graph:state")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestWatchCreatesAndUpdates(t *testing.T) {
	s := newTestStore(t)

	err := s.Watch("code_graph:version", func(current []byte) ([]byte, error) {
		assert.Nil(t, current)
		return []byte("1"), nil
	})
	require.NoError(t, err)

	err = s.Watch("code_graph:version", func(current []byte) ([]byte, error) {
		assert.Equal(t, []byte("1"), current)
		return []byte("2"), nil
	})
	require.NoError(t, err)

	got, err := s.Get("code_graph:version")
	require.NoError(t, err)
	assert.Equal(t, []byte("2"), got)
}

func TestWatchConflict(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Set("code_graph:version", []byte("1"), 0))

	// Simulate a concurrent writer bumping the version between the read
	// and the conditional write.
	err := s.Watch("code_graph:version", func(current []byte) ([]byte, error) {
		s.db.Exec("UPDATE kv SET version = version + 1 WHERE key = ?", "code_graph:version")
		return []byte("2"), nil
	})
	assert.ErrorIs(t, err, ErrConflict)

	// The conflicting write must not have been applied.
	got, err := s.Get("code_graph:version")
	require.NoError(t, err)
	assert.Equal(t, []byte("1"), got)
}

func TestKeySchema(t *testing.T) {
	assert.Equal(t, "task:t1", TaskKey("t1"))
	assert.Equal(t, "clarification:t1", ClarificationKey("t1"))
	assert.Equal(t, "checkpoint:s1:login", CheckpointKey("s1", "login"))
	assert.Equal(t, "skills:usage:regex-email", SkillUsageKey("regex-email"))
	assert.Equal(t, "code_graph:v3", GraphVersionKey(3))
}
