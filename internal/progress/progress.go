// Package progress maintains the two per-workspace session files: a
// line-oriented progress log and a structured feature list. Writes take
// a best-effort exclusive lock so concurrent sessions do not interleave.
package progress

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"makerd/internal/logging"
)

const (
	progressFile = "claude-progress.txt"
	featureFile  = "feature_list.json"

	lockRetries   = 20
	lockRetryWait = 25 * time.Millisecond
)

// Manager owns the workspace session files.
type Manager struct {
	mu        sync.Mutex
	workspace string
	now       func() time.Time
}

// NewManager creates a manager rooted at the workspace directory.
func NewManager(workspace string) *Manager {
	return &Manager{workspace: workspace, now: time.Now}
}

func (m *Manager) progressPath() string {
	return filepath.Join(m.workspace, progressFile)
}

func (m *Manager) featurePath() string {
	return filepath.Join(m.workspace, featureFile)
}

// withLock takes a lock file next to the session files. If the lock
// cannot be obtained after bounded retries, fn runs anyway; losing an
// interleaved line beats blocking the workflow.
func (m *Manager) withLock(fn func() error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	lockPath := filepath.Join(m.workspace, ".progress.lock")
	var acquired bool
	for i := 0; i < lockRetries; i++ {
		f, err := os.OpenFile(lockPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0644)
		if err == nil {
			f.Close()
			acquired = true
			break
		}
		if !os.IsExist(err) {
			break
		}
		time.Sleep(lockRetryWait)
	}
	if acquired {
		defer os.Remove(lockPath)
	} else {
		logging.Get(logging.CategoryProgress).Warn("progress lock unavailable, writing anyway")
	}
	return fn()
}

// LogProgress appends one timestamped line to the progress log.
func (m *Manager) LogProgress(msg string) error {
	return m.withLock(func() error {
		f, err := os.OpenFile(m.progressPath(), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
		if err != nil {
			return fmt.Errorf("open progress log: %w", err)
		}
		defer f.Close()

		line := fmt.Sprintf("[%s] %s\n", m.now().UTC().Format("2006-01-02 15:04:05"), msg)
		if _, err := f.WriteString(line); err != nil {
			return fmt.Errorf("append progress log: %w", err)
		}
		return nil
	})
}

// LastEntries returns up to n trailing lines of the progress log.
func (m *Manager) LastEntries(n int) ([]string, error) {
	data, err := os.ReadFile(m.progressPath())
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read progress log: %w", err)
	}
	lines := strings.Split(strings.TrimRight(string(data), "\n"), "\n")
	if len(lines) == 1 && lines[0] == "" {
		return nil, nil
	}
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return lines, nil
}
