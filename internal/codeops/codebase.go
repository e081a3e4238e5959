package codeops

import (
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"makerd/internal/logging"
)

// Traversal caps: analysis stops adding files past these and flags the
// result as truncated.
const (
	maxAnalyzedFiles    = 500
	maxAnalyzedFileSize = 1 << 20 // 1 MB
)

// CodebaseAnalysis is the result of analyze_codebase.
type CodebaseAnalysis struct {
	Root          string              `json:"root"`
	TotalFiles    int                 `json:"total_files"`
	TotalLines    int                 `json:"total_lines"`
	Languages     map[string]int      `json:"languages"`      // language -> file count
	Directories   map[string][]string `json:"directories"`    // dir -> file names
	Dependencies  []string            `json:"dependencies"`   // deduplicated external deps
	Truncated     bool                `json:"truncated"`
}

// AnalyzeCodebase traverses from the root, skipping the exclusion set,
// bounded by the file and size caps.
func (s *Service) AnalyzeCodebase() (*CodebaseAnalysis, error) {
	timer := logging.StartTimer(logging.CategoryCodeOps, "AnalyzeCodebase")
	defer timer.Stop()

	analysis := &CodebaseAnalysis{
		Root:        s.root,
		Languages:   make(map[string]int),
		Directories: make(map[string][]string),
	}
	depSet := make(map[string]bool)

	err := filepath.WalkDir(s.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil // unreadable entries are skipped, not fatal
		}
		if d.IsDir() {
			if path != s.root && isExcludedDir(d.Name()) {
				return filepath.SkipDir
			}
			return nil
		}

		if analysis.TotalFiles >= maxAnalyzedFiles {
			analysis.Truncated = true
			return filepath.SkipAll
		}

		ext := strings.ToLower(filepath.Ext(path))
		language := languageTable[ext]
		if language == "" {
			return nil
		}

		info, err := d.Info()
		if err != nil {
			return nil
		}
		if info.Size() > maxAnalyzedFileSize {
			analysis.Truncated = true
			return nil
		}

		data, err := os.ReadFile(path)
		if err != nil {
			return nil
		}

		rel, _ := filepath.Rel(s.root, path)
		dir := filepath.Dir(rel)

		analysis.TotalFiles++
		analysis.TotalLines += strings.Count(string(data), "\n") + 1
		analysis.Languages[language]++
		analysis.Directories[dir] = append(analysis.Directories[dir], filepath.Base(rel))

		for _, dep := range extractDependencies(language, data) {
			if dep.IsExternal {
				depSet[dep.Name] = true
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	for dep := range depSet {
		analysis.Dependencies = append(analysis.Dependencies, dep)
	}
	sort.Strings(analysis.Dependencies)

	logging.CodeOps("AnalyzeCodebase: %d files, %d lines, %d languages, truncated=%v",
		analysis.TotalFiles, analysis.TotalLines, len(analysis.Languages), analysis.Truncated)
	return analysis, nil
}

// Summary renders the analysis as a compact plain-text block for planner
// prompt assembly.
func (a *CodebaseAnalysis) Summary() string {
	var sb strings.Builder
	sb.WriteString("Codebase summary:\n")
	sb.WriteString("  Files: ")
	sb.WriteString(strconv.Itoa(a.TotalFiles))
	sb.WriteString(" | Lines: ")
	sb.WriteString(strconv.Itoa(a.TotalLines))
	sb.WriteString("\n  Languages:")
	langs := make([]string, 0, len(a.Languages))
	for lang := range a.Languages {
		langs = append(langs, lang)
	}
	sort.Strings(langs)
	for _, lang := range langs {
		sb.WriteString(" ")
		sb.WriteString(lang)
		sb.WriteString("(")
		sb.WriteString(strconv.Itoa(a.Languages[lang]))
		sb.WriteString(")")
	}
	if len(a.Dependencies) > 0 {
		sb.WriteString("\n  External deps: ")
		sb.WriteString(strings.Join(a.Dependencies, ", "))
	}
	if a.Truncated {
		sb.WriteString("\n  (analysis truncated at caps)")
	}
	return sb.String()
}
