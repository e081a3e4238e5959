package codeops

import (
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"makerd/internal/logging"
)

// DocMatch is one hit from search_docs.
type DocMatch struct {
	Path string `json:"path"`
	Line int    `json:"line"`
	Text string `json:"text"`
}

// SearchDocs runs a case-insensitive substring search over markdown files
// in docs/ and the root README.
func (s *Service) SearchDocs(query string) ([]DocMatch, error) {
	needle := strings.ToLower(query)
	if needle == "" {
		return nil, nil
	}

	var candidates []string
	for _, name := range []string{"README.md", "readme.md", "README.markdown"} {
		path := filepath.Join(s.root, name)
		if _, err := os.Stat(path); err == nil {
			candidates = append(candidates, path)
			break
		}
	}
	docsDir := filepath.Join(s.root, "docs")
	filepath.WalkDir(docsDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() {
			if isExcludedDir(d.Name()) {
				return filepath.SkipDir
			}
			return nil
		}
		if strings.HasSuffix(strings.ToLower(path), ".md") {
			candidates = append(candidates, path)
		}
		return nil
	})

	var matches []DocMatch
	for _, path := range candidates {
		data, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		rel, _ := filepath.Rel(s.root, path)
		for i, line := range strings.Split(string(data), "\n") {
			if strings.Contains(strings.ToLower(line), needle) {
				matches = append(matches, DocMatch{
					Path: rel,
					Line: i + 1,
					Text: strings.TrimSpace(line),
				})
			}
		}
	}

	logging.CodeOpsDebug("SearchDocs: %q -> %d matches", query, len(matches))
	return matches, nil
}

// Reference is one classified occurrence of a symbol.
type Reference struct {
	Path         string `json:"path"`
	Line         int    `json:"line"`
	IsDefinition bool   `json:"is_definition"`
	Text         string `json:"text"`
}

// FindReferences locates symbol occurrences across the codebase. Python
// files are walked via their syntax tree (so substrings of longer
// identifiers never match); other files use a word-boundary regex.
func (s *Service) FindReferences(symbol string) ([]Reference, error) {
	if strings.TrimSpace(symbol) == "" {
		return nil, nil
	}
	wordRe, err := regexp.Compile(`\b` + regexp.QuoteMeta(symbol) + `\b`)
	if err != nil {
		return nil, err
	}

	var refs []Reference
	filepath.WalkDir(s.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() {
			if path != s.root && isExcludedDir(d.Name()) {
				return filepath.SkipDir
			}
			return nil
		}

		ext := strings.ToLower(filepath.Ext(path))
		if languageTable[ext] == "" {
			return nil
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return nil
		}
		rel, _ := filepath.Rel(s.root, path)
		lines := strings.Split(string(data), "\n")

		if ext == ".py" || ext == ".pyw" {
			occurrences, err := FindPythonOccurrences(data, symbol)
			if err == nil {
				for _, occ := range occurrences {
					text := ""
					if occ.Line-1 < len(lines) {
						text = strings.TrimSpace(lines[occ.Line-1])
					}
					refs = append(refs, Reference{
						Path:         rel,
						Line:         occ.Line,
						IsDefinition: occ.IsDefinition,
						Text:         text,
					})
				}
				return nil
			}
			// Unparseable python falls through to the regex path
		}

		for i, line := range lines {
			if wordRe.MatchString(line) {
				refs = append(refs, Reference{
					Path: rel,
					Line: i + 1,
					Text: strings.TrimSpace(line),
				})
			}
		}
		return nil
	})

	logging.CodeOpsDebug("FindReferences: %q -> %d refs", symbol, len(refs))
	return refs, nil
}

// CallersResult carries graph query output plus a diagnostic when the
// graph is absent.
type CallersResult struct {
	Symbol     string   `json:"symbol"`
	Results    []string `json:"results"`
	Diagnostic string   `json:"diagnostic,omitempty"`
}

// FindCallers returns direct predecessors of symbol in the persisted call
// graph; callers in the same community come first when partitions exist.
func (s *Service) FindCallers(symbol string) (*CallersResult, error) {
	if s.graph == nil {
		return &CallersResult{Symbol: symbol, Diagnostic: "code graph not available; run indexing first"}, nil
	}
	callers, err := s.graph.FindCallers(symbol)
	if err != nil {
		return &CallersResult{Symbol: symbol, Diagnostic: err.Error()}, nil
	}
	return &CallersResult{Symbol: symbol, Results: callers}, nil
}

// ImpactAnalysis returns the full descendant closure of symbol under the
// directed call graph.
func (s *Service) ImpactAnalysis(symbol string) (*CallersResult, error) {
	if s.graph == nil {
		return &CallersResult{Symbol: symbol, Diagnostic: "code graph not available; run indexing first"}, nil
	}
	impacted, err := s.graph.ImpactAnalysis(symbol)
	if err != nil {
		return &CallersResult{Symbol: symbol, Diagnostic: err.Error()}, nil
	}
	return &CallersResult{Symbol: symbol, Results: impacted}, nil
}
