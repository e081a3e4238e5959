// Package watcher keeps the hierarchical memory in sync with filesystem
// changes. Events are debounced per path so editor write bursts collapse
// into one reindex.
package watcher

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"makerd/internal/codeops"
	"makerd/internal/logging"
)

const debounceWindow = 500 * time.Millisecond

// Reindexer receives settled file changes. Implemented by the
// hierarchical memory layer.
type Reindexer interface {
	ReindexFile(root, rel string, deleted bool) error
}

// Watcher observes a codebase root recursively.
type Watcher struct {
	root    string
	target  Reindexer
	fs      *fsnotify.Watcher
	mu      sync.Mutex
	pending map[string]*time.Timer
	wg      sync.WaitGroup
}

// New creates a watcher over root, registering every non-excluded
// directory.
func New(root string, target Reindexer) (*Watcher, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, err
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	w := &Watcher{
		root:    abs,
		target:  target,
		fs:      fsw,
		pending: make(map[string]*time.Timer),
	}
	if err := w.addRecursive(abs); err != nil {
		fsw.Close()
		return nil, err
	}
	return w, nil
}

func (w *Watcher) addRecursive(dir string) error {
	return filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if !d.IsDir() {
			return nil
		}
		if codeops.IsExcludedDir(d.Name()) {
			return filepath.SkipDir
		}
		return w.fs.Add(path)
	})
}

// Run processes events until ctx is cancelled. Blocking; callers run it
// in a goroutine.
func (w *Watcher) Run(ctx context.Context) {
	log := logging.Get(logging.CategoryWatcher)
	for {
		select {
		case <-ctx.Done():
			w.drain()
			return
		case event, ok := <-w.fs.Events:
			if !ok {
				w.drain()
				return
			}
			w.handle(event)
		case err, ok := <-w.fs.Errors:
			if !ok {
				w.drain()
				return
			}
			log.Warn("watch error: %v", err)
		}
	}
}

// Close stops the underlying watcher and flushes pending timers.
func (w *Watcher) Close() error {
	err := w.fs.Close()
	w.drain()
	return err
}

func (w *Watcher) handle(event fsnotify.Event) {
	rel, err := filepath.Rel(w.root, event.Name)
	if err != nil || strings.HasPrefix(rel, "..") {
		return
	}
	for _, part := range strings.Split(filepath.ToSlash(rel), "/") {
		if codeops.IsExcludedDir(part) {
			return
		}
	}

	// New directories need their own watch before any file inside them
	// produces events.
	if event.Op&fsnotify.Create != 0 {
		if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
			w.addRecursive(event.Name)
			return
		}
	}

	deleted := event.Op&(fsnotify.Remove|fsnotify.Rename) != 0
	w.schedule(rel, deleted)
}

// schedule resets the path's debounce timer; the reindex fires only
// after the window passes with no further events.
func (w *Watcher) schedule(rel string, deleted bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if timer, ok := w.pending[rel]; ok {
		timer.Stop()
	}
	w.wg.Add(1)
	w.pending[rel] = time.AfterFunc(debounceWindow, func() {
		defer w.wg.Done()
		w.mu.Lock()
		delete(w.pending, rel)
		w.mu.Unlock()

		// Re-check existence at fire time: a create followed by a quick
		// delete settles as a deletion.
		gone := deleted
		if _, err := os.Stat(filepath.Join(w.root, rel)); err != nil {
			gone = true
		}
		if err := w.target.ReindexFile(w.root, rel, gone); err != nil {
			logging.Get(logging.CategoryWatcher).Warn("reindex %s failed: %v", rel, err)
		} else {
			logging.Get(logging.CategoryWatcher).Debug("reindexed %s (deleted=%v)", rel, gone)
		}
	})
}

// drain waits for in-flight debounce callbacks.
func (w *Watcher) drain() {
	w.mu.Lock()
	for rel, timer := range w.pending {
		if timer.Stop() {
			w.wg.Done()
		}
		delete(w.pending, rel)
	}
	w.mu.Unlock()
	w.wg.Wait()
}
