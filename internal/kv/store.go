// Package kv adapts an opaque key-value service for the rest of makerd.
// Values are opaque byte strings; callers serialize and deserialize. The
// backing store is a single sqlite database in WAL mode.
package kv

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"makerd/internal/logging"
)

// ErrConflict is returned when an optimistic Watch transaction loses a race.
var ErrConflict = errors.New("kv: optimistic write conflict")

// ErrNotFound is returned when a key does not exist or has expired.
var ErrNotFound = errors.New("kv: key not found")

// Entry is one write in a SetMulti batch.
type Entry struct {
	Key   string
	Value []byte
	TTL   time.Duration
}

// Store is the typed adapter over the key-value service.
type Store interface {
	Get(key string) ([]byte, error)
	Set(key string, value []byte, ttl time.Duration) error
	// SetMulti writes every entry in a single transaction: either all
	// writes commit or none do.
	SetMulti(entries []Entry) error
	Del(key string) error
	Scan(prefix string) (map[string][]byte, error)
	// Watch runs an optimistic read-modify-write: fn receives the current
	// value (nil if absent) and returns the replacement. The write commits
	// only if no other writer touched the key in between; otherwise
	// ErrConflict is returned and no state changes.
	Watch(key string, fn func(current []byte) ([]byte, error)) error
	Close() error
}

// SQLiteStore implements Store on a local sqlite file.
type SQLiteStore struct {
	db     *sql.DB
	mu     sync.Mutex
	dbPath string
	now    func() time.Time
}

// Open initializes the sqlite database at the given path.
func Open(path string) (*SQLiteStore, error) {
	timer := logging.StartTimer(logging.CategoryStore, "kv.Open")
	defer timer.Stop()

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		logging.StoreDebug("failed to set sqlite busy_timeout: %v", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
		logging.StoreDebug("failed to set sqlite journal_mode=WAL: %v", err)
	}
	if _, err := db.Exec("PRAGMA synchronous = NORMAL"); err != nil {
		logging.StoreDebug("failed to set sqlite synchronous=NORMAL: %v", err)
	}

	s := &SQLiteStore{db: db, dbPath: path, now: time.Now}
	if err := s.initialize(); err != nil {
		db.Close()
		return nil, err
	}

	logging.Store("kv store ready at %s", path)
	return s, nil
}

// initialize creates the kv table.
func (s *SQLiteStore) initialize() error {
	schema := `
	CREATE TABLE IF NOT EXISTS kv (
		key        TEXT PRIMARY KEY,
		value      BLOB NOT NULL,
		version    INTEGER NOT NULL DEFAULT 1,
		expires_at INTEGER
	);
	CREATE INDEX IF NOT EXISTS idx_kv_expires ON kv(expires_at);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to initialize kv schema: %w", err)
	}
	return nil
}

// Get returns the value for key, or ErrNotFound if absent or expired.
func (s *SQLiteStore) Get(key string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var value []byte
	var expires sql.NullInt64
	err := s.db.QueryRow("SELECT value, expires_at FROM kv WHERE key = ?", key).Scan(&value, &expires)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("kv get %q: %w", key, err)
	}
	if expires.Valid && expires.Int64 <= s.now().Unix() {
		s.db.Exec("DELETE FROM kv WHERE key = ?", key)
		return nil, ErrNotFound
	}
	return value, nil
}

// Set stores value under key. A zero ttl means no expiry.
func (s *SQLiteStore) Set(key string, value []byte, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var expires interface{}
	if ttl > 0 {
		expires = s.now().Add(ttl).Unix()
	}
	_, err := s.db.Exec(`
		INSERT INTO kv(key, value, version, expires_at) VALUES(?, ?, 1, ?)
		ON CONFLICT(key) DO UPDATE SET
			value = excluded.value,
			version = kv.version + 1,
			expires_at = excluded.expires_at`,
		key, value, expires)
	if err != nil {
		return fmt.Errorf("kv set %q: %w", key, err)
	}
	return nil
}

// SetMulti writes all entries inside one sqlite transaction.
func (s *SQLiteStore) SetMulti(entries []Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("kv setmulti: %w", err)
	}
	for _, e := range entries {
		var expires interface{}
		if e.TTL > 0 {
			expires = s.now().Add(e.TTL).Unix()
		}
		if _, err := tx.Exec(`
			INSERT INTO kv(key, value, version, expires_at) VALUES(?, ?, 1, ?)
			ON CONFLICT(key) DO UPDATE SET
				value = excluded.value,
				version = kv.version + 1,
				expires_at = excluded.expires_at`,
			e.Key, e.Value, expires); err != nil {
			tx.Rollback()
			return fmt.Errorf("kv setmulti %q: %w", e.Key, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("kv setmulti: %w", err)
	}
	return nil
}

// Del removes a key. Deleting a missing key is not an error.
func (s *SQLiteStore) Del(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.db.Exec("DELETE FROM kv WHERE key = ?", key); err != nil {
		return fmt.Errorf("kv del %q: %w", key, err)
	}
	return nil
}

// Scan returns all live entries whose key starts with prefix.
func (s *SQLiteStore) Scan(prefix string) (map[string][]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	pattern := escapeLike(prefix) + "%"
	rows, err := s.db.Query(
		"SELECT key, value, expires_at FROM kv WHERE key LIKE ? ESCAPE '\\'", pattern)
	if err != nil {
		return nil, fmt.Errorf("kv scan %q: %w", prefix, err)
	}
	defer rows.Close()

	out := make(map[string][]byte)
	nowUnix := s.now().Unix()
	var expired []string
	for rows.Next() {
		var key string
		var value []byte
		var expires sql.NullInt64
		if err := rows.Scan(&key, &value, &expires); err != nil {
			return nil, fmt.Errorf("kv scan %q: %w", prefix, err)
		}
		if expires.Valid && expires.Int64 <= nowUnix {
			expired = append(expired, key)
			continue
		}
		out[key] = value
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("kv scan %q: %w", prefix, err)
	}

	for _, key := range expired {
		s.db.Exec("DELETE FROM kv WHERE key = ?", key)
	}
	return out, nil
}

// Watch runs an optimistic read-modify-write on key.
func (s *SQLiteStore) Watch(key string, fn func(current []byte) ([]byte, error)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var current []byte
	var version int64
	var expires sql.NullInt64
	exists := true
	err := s.db.QueryRow("SELECT value, version, expires_at FROM kv WHERE key = ?", key).
		Scan(&current, &version, &expires)
	if errors.Is(err, sql.ErrNoRows) {
		exists = false
		current = nil
	} else if err != nil {
		return fmt.Errorf("kv watch %q: %w", key, err)
	}
	if exists && expires.Valid && expires.Int64 <= s.now().Unix() {
		s.db.Exec("DELETE FROM kv WHERE key = ?", key)
		exists = false
		current = nil
	}

	next, err := fn(current)
	if err != nil {
		return err
	}

	if !exists {
		_, err := s.db.Exec("INSERT INTO kv(key, value, version) VALUES(?, ?, 1)", key, next)
		if err != nil {
			if strings.Contains(err.Error(), "UNIQUE") {
				return ErrConflict
			}
			return fmt.Errorf("kv watch insert %q: %w", key, err)
		}
		return nil
	}

	res, err := s.db.Exec(
		"UPDATE kv SET value = ?, version = version + 1 WHERE key = ? AND version = ?",
		next, key, version)
	if err != nil {
		return fmt.Errorf("kv watch update %q: %w", key, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("kv watch update %q: %w", key, err)
	}
	if affected == 0 {
		return ErrConflict
	}
	return nil
}

// Close closes the underlying database.
func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Close()
}

// escapeLike escapes LIKE wildcards so prefixes match literally.
func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}
