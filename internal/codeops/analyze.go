package codeops

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"makerd/internal/logging"
)

// languageTable is the closed extension -> language mapping.
var languageTable = map[string]string{
	".py":   "python",
	".pyw":  "python",
	".js":   "javascript",
	".jsx":  "javascript",
	".ts":   "typescript",
	".tsx":  "typescript",
	".go":   "go",
	".rs":   "rust",
	".java": "java",
	".rb":   "ruby",
	".c":    "c",
	".h":    "c",
	".cpp":  "cpp",
	".hpp":  "cpp",
	".cs":   "csharp",
	".php":  "php",
	".sh":   "shell",
	".sql":  "sql",
	".html": "html",
	".css":  "css",
	".json": "json",
	".yaml": "yaml",
	".yml":  "yaml",
	".toml": "toml",
	".md":   "markdown",
}

// pythonStdlib is the stdlib allowlist used to classify dependencies.
var pythonStdlib = map[string]bool{
	"abc": true, "argparse": true, "asyncio": true, "base64": true,
	"collections": true, "contextlib": true, "copy": true, "csv": true,
	"dataclasses": true, "datetime": true, "enum": true, "functools": true,
	"glob": true, "hashlib": true, "heapq": true, "io": true,
	"itertools": true, "json": true, "logging": true, "math": true,
	"os": true, "pathlib": true, "pickle": true, "random": true,
	"re": true, "shutil": true, "socket": true, "sqlite3": true,
	"string": true, "subprocess": true, "sys": true, "tempfile": true,
	"threading": true, "time": true, "typing": true, "unittest": true,
	"urllib": true, "uuid": true, "warnings": true, "xml": true,
}

// pythonBuiltins is the builtin-callable allowlist used when resolving
// bare call sites during graph ingest.
var pythonBuiltins = map[string]bool{
	"abs": true, "all": true, "any": true, "bool": true, "bytes": true,
	"dict": true, "enumerate": true, "filter": true, "float": true,
	"format": true, "getattr": true, "hasattr": true, "hash": true,
	"id": true, "int": true, "isinstance": true, "issubclass": true,
	"iter": true, "len": true, "list": true, "map": true, "max": true,
	"min": true, "next": true, "open": true, "print": true, "range": true,
	"repr": true, "reversed": true, "round": true, "set": true,
	"setattr": true, "sorted": true, "str": true, "sum": true,
	"super": true, "tuple": true, "type": true, "vars": true, "zip": true,
}

// IsPythonStdlib reports whether name is a stdlib module or builtin
// callable. Shared with the hierarchical memory ingest.
func IsPythonStdlib(name string) bool {
	root := name
	if i := strings.IndexByte(root, '.'); i >= 0 {
		root = root[:i]
	}
	return pythonStdlib[root] || pythonBuiltins[root]
}

// nodeBuiltins is the allowlist for javascript/typescript imports.
var nodeBuiltins = map[string]bool{
	"assert": true, "buffer": true, "child_process": true, "crypto": true,
	"events": true, "fs": true, "http": true, "https": true, "net": true,
	"os": true, "path": true, "process": true, "stream": true,
	"url": true, "util": true, "zlib": true,
}

// Dependency is one import recorded by analyze_file.
type Dependency struct {
	Name       string `json:"name"`
	Kind       string `json:"kind"` // import or from-import
	Source     string `json:"source"`
	ImportPath string `json:"import_path"`
	IsExternal bool   `json:"is_external"`
}

// FileAnalysis is the result of analyze_file.
type FileAnalysis struct {
	Path         string       `json:"path"`
	Extension    string       `json:"extension"`
	Language     string       `json:"language"`
	Size         int64        `json:"size"`
	LineCount    int          `json:"line_count"`
	LastModified time.Time    `json:"last_modified"`
	Dependencies []Dependency `json:"dependencies"`
}

// AnalyzeFile reports language, size, line count, and extracted imports.
func (s *Service) AnalyzeFile(path string) (*FileAnalysis, error) {
	resolved, err := s.resolve(path)
	if err != nil {
		return nil, err
	}

	info, err := os.Stat(resolved)
	if err != nil {
		return nil, fmt.Errorf("failed to stat %s: %w", path, err)
	}
	data, err := os.ReadFile(resolved)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}

	ext := strings.ToLower(filepath.Ext(resolved))
	language := languageTable[ext]
	if language == "" {
		language = "unknown"
	}

	analysis := &FileAnalysis{
		Path:         path,
		Extension:    ext,
		Language:     language,
		Size:         info.Size(),
		LineCount:    strings.Count(string(data), "\n") + 1,
		LastModified: info.ModTime(),
		Dependencies: extractDependencies(language, data),
	}

	logging.CodeOpsDebug("AnalyzeFile: %s lang=%s lines=%d deps=%d",
		path, language, analysis.LineCount, len(analysis.Dependencies))
	return analysis, nil
}

// extractDependencies applies per-language import patterns.
func extractDependencies(language string, data []byte) []Dependency {
	switch language {
	case "python":
		return pythonDependencies(data)
	case "javascript", "typescript":
		return jsDependencies(string(data))
	case "go":
		return goDependencies(string(data))
	default:
		return nil
	}
}

func pythonDependencies(data []byte) []Dependency {
	imports, err := ParsePythonImports(data)
	if err != nil {
		return nil
	}
	var deps []Dependency
	for _, imp := range imports {
		kind := "import"
		if len(imp.Names) > 0 {
			kind = "from-import"
		}
		root := strings.SplitN(strings.TrimLeft(imp.Module, "."), ".", 2)[0]
		deps = append(deps, Dependency{
			Name:       root,
			Kind:       kind,
			Source:     imp.Module,
			ImportPath: imp.Module,
			IsExternal: !imp.IsRelative && !pythonStdlib[root],
		})
	}
	return deps
}

var (
	jsImportRe  = regexp.MustCompile(`(?m)^\s*import\s+(?:[\w{},*\s]+\s+from\s+)?['"]([^'"]+)['"]`)
	jsRequireRe = regexp.MustCompile(`require\(\s*['"]([^'"]+)['"]\s*\)`)
	goImportRe  = regexp.MustCompile(`(?m)^\s*(?:import\s+)?(?:\w+\s+)?"([^"]+)"`)
)

func jsDependencies(src string) []Dependency {
	var deps []Dependency
	seen := make(map[string]bool)
	for _, re := range []*regexp.Regexp{jsImportRe, jsRequireRe} {
		for _, m := range re.FindAllStringSubmatch(src, -1) {
			path := m[1]
			if seen[path] {
				continue
			}
			seen[path] = true
			relative := strings.HasPrefix(path, ".")
			root := strings.SplitN(strings.TrimPrefix(path, "node:"), "/", 2)[0]
			deps = append(deps, Dependency{
				Name:       root,
				Kind:       "import",
				Source:     path,
				ImportPath: path,
				IsExternal: !relative && !nodeBuiltins[root],
			})
		}
	}
	return deps
}

func goDependencies(src string) []Dependency {
	// Only look inside import blocks / single imports
	var deps []Dependency
	inBlock := false
	for _, line := range strings.Split(src, "\n") {
		trimmed := strings.TrimSpace(line)
		switch {
		case strings.HasPrefix(trimmed, "import ("):
			inBlock = true
			continue
		case inBlock && trimmed == ")":
			inBlock = false
			continue
		}
		if !inBlock && !strings.HasPrefix(trimmed, "import ") {
			continue
		}
		m := goImportRe.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		path := m[1]
		external := strings.Contains(strings.SplitN(path, "/", 2)[0], ".")
		deps = append(deps, Dependency{
			Name:       path[strings.LastIndex(path, "/")+1:],
			Kind:       "import",
			Source:     path,
			ImportPath: path,
			IsExternal: external,
		})
	}
	return deps
}
