// Package codeops exposes read/analyse/search/reference operations over the
// codebase as tools. Every path argument is canonicalized and must stay under
// the codebase root; violations fail before any filesystem access.
package codeops

import (
	"fmt"
	"path/filepath"
	"strings"

	"makerd/internal/errs"
)

// GraphReader answers call-graph queries from the persisted code graph.
// Implemented by the hierarchical memory layer.
type GraphReader interface {
	FindCallers(symbol string) ([]string, error)
	ImpactAnalysis(symbol string) ([]string, error)
}

// Service implements the code tools over one codebase root.
type Service struct {
	root   string
	graph  GraphReader
	runner *Runner
}

// NewService creates a code service rooted at the given directory.
// graph may be nil; callers/impact queries then return a diagnostic.
func NewService(root string, graph GraphReader) (*Service, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("invalid codebase root %q: %w", root, err)
	}
	return &Service{
		root:   abs,
		graph:  graph,
		runner: NewRunner(abs),
	}, nil
}

// Root returns the canonical codebase root.
func (s *Service) Root() string {
	return s.root
}

// SetGraph wires the graph reader after construction.
func (s *Service) SetGraph(graph GraphReader) {
	s.graph = graph
}

// resolve canonicalizes path (absolute or root-relative), resolves
// symlinks, and rejects anything whose real location escapes the
// codebase root. A link inside the tree targeting outside it is a
// violation even when its lexical path looks confined.
func (s *Service) resolve(path string) (string, error) {
	candidate := path
	if !filepath.IsAbs(candidate) {
		candidate = filepath.Join(s.root, candidate)
	}
	resolved := filepath.Clean(candidate)

	root := s.root
	if realRoot, err := filepath.EvalSymlinks(s.root); err == nil {
		root = realRoot
	}
	real := resolved
	if r, err := filepath.EvalSymlinks(resolved); err == nil {
		real = r
	} else if r, err := filepath.EvalSymlinks(filepath.Dir(resolved)); err == nil {
		// Not-yet-existing leaf: confine its nearest existing ancestor.
		real = filepath.Join(r, filepath.Base(resolved))
	} else {
		root = s.root
	}

	if real != root && !strings.HasPrefix(real, root+string(filepath.Separator)) {
		return "", errs.PathTraversal(path)
	}
	return real, nil
}

// excludedDirs is the fixed traversal exclusion set: VCS dirs, build output,
// caches, virtual envs, data dirs.
var excludedDirs = map[string]bool{
	".git":          true,
	".hg":           true,
	".svn":          true,
	"node_modules":  true,
	"__pycache__":   true,
	".pytest_cache": true,
	".mypy_cache":   true,
	".ruff_cache":   true,
	"venv":          true,
	".venv":         true,
	"env":           true,
	"dist":          true,
	"build":         true,
	"target":        true,
	".idea":         true,
	".vscode":       true,
	"data":          true,
	".maker":        true,
}

// IsExcludedDir reports whether a directory name is in the exclusion set.
// Shared with the hierarchical memory ingest so both traversals agree.
func IsExcludedDir(name string) bool {
	return excludedDirs[name]
}

func isExcludedDir(name string) bool {
	return excludedDirs[name]
}
