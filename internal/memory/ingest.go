package memory

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"makerd/internal/codeops"
	"makerd/internal/logging"
)

// ingestedExts limits ingest to languages the parser understands.
var ingestedExts = map[string]bool{
	".py":  true,
	".pyw": true,
}

const maxIngestFileSize = 1 << 20

// IngestCodebase rebuilds the hierarchy and code graph from the files
// under root, bounded by the configured file cap. Pattern formation,
// melodic-line detection, and community detection run afterwards.
func (h *HMN) IngestCodebase(root string) error {
	abs, err := filepath.Abs(root)
	if err != nil {
		return fmt.Errorf("invalid ingest root %q: %w", root, err)
	}

	timer := logging.StartTimer(logging.CategoryMemory, "ingest_codebase")
	defer timer.Stop()

	h.mu.Lock()
	defer h.mu.Unlock()

	h.resetLocked()

	var files []string
	err = filepath.WalkDir(abs, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() {
			if codeops.IsExcludedDir(d.Name()) {
				return filepath.SkipDir
			}
			return nil
		}
		if !ingestedExts[strings.ToLower(filepath.Ext(d.Name()))] {
			return nil
		}
		if len(files) >= h.maxFiles {
			return filepath.SkipAll
		}
		files = append(files, path)
		return nil
	})
	if err != nil {
		return fmt.Errorf("ingest walk failed: %w", err)
	}
	sort.Strings(files)

	for _, path := range files {
		rel, err := filepath.Rel(abs, path)
		if err != nil {
			continue
		}
		if err := h.ingestFileLocked(path, filepath.ToSlash(rel)); err != nil {
			logging.Get(logging.CategoryMemory).Warn("skipping %s: %v", rel, err)
		}
	}

	h.formPatternsLocked()
	h.detectFlowsLocked()
	h.detectCommunitiesLocked()
	h.invalidateQueryCache()

	logging.Memory("ingested %d files: %d nodes, %d edges, %d patterns, %d flows",
		len(files), len(h.graph.Nodes), len(h.graph.Edges),
		len(h.patterns), len(h.flows))
	return nil
}

// ReindexFile re-ingests a single file after a watcher event. deleted
// removes the file's nodes instead. Patterns, flows, and communities
// are recomputed over the updated graph.
func (h *HMN) ReindexFile(root, rel string, deleted bool) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	rel = filepath.ToSlash(rel)
	h.removeFileLocked(rel)

	if !deleted {
		if !ingestedExts[strings.ToLower(filepath.Ext(rel))] {
			return nil
		}
		path := filepath.Join(root, filepath.FromSlash(rel))
		if err := h.ingestFileLocked(path, rel); err != nil {
			return err
		}
	}

	h.formPatternsLocked()
	h.detectFlowsLocked()
	h.detectCommunitiesLocked()
	h.invalidateQueryCache()
	return nil
}

// ingestFileLocked registers the L0 node, the per-entity L1 nodes, and
// the file's call and import edges.
func (h *HMN) ingestFileLocked(path, rel string) error {
	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	if info.Size() > maxIngestFileSize {
		return fmt.Errorf("file exceeds ingest size cap")
	}
	content, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	l0 := &Node{
		ID:      rel,
		Level:   LevelRaw,
		Content: string(content),
		Meta:    NodeMeta{File: rel, Kind: "file"},
	}
	h.nodes[l0.ID] = l0
	h.graph.AddNode(rel)

	entities, err := codeops.ParsePythonEntities(content)
	if err != nil {
		return err
	}
	localNames := make(map[string]bool, len(entities))
	for _, ent := range entities {
		localNames[ent.Name] = true
		id := QualifyID(rel, ent.Name)
		h.nodes[id] = &Node{
			ID:      id,
			Level:   LevelEntity,
			Content: ent.Source,
			Meta: NodeMeta{
				File: rel,
				Line: ent.StartLine,
				Kind: ent.Kind,
				Name: ent.Name,
			},
			ParentIDs: []string{l0.ID},
		}
		l0.ChildIDs = append(l0.ChildIDs, id)
		h.graph.AddNode(id)
	}

	imports, err := codeops.ParsePythonImports(content)
	if err != nil {
		return err
	}
	importedNames := make(map[string]string) // local name -> module
	for _, imp := range imports {
		importedNames[lastSegment(imp.Module)] = imp.Module
		for _, name := range imp.Names {
			importedNames[name] = imp.Module
		}
		h.graph.AddEdge(rel, moduleNodeID(imp.Module, imp.IsRelative), EdgeImports)
	}

	calls, err := codeops.ParsePythonCalls(content)
	if err != nil {
		return err
	}
	for _, call := range calls {
		caller := QualifyID(rel, call.Caller)
		callee := h.resolveCallee(rel, call.Callee, localNames, importedNames)
		if caller == callee {
			continue
		}
		h.graph.AddEdge(caller, callee, EdgeCalls)
	}
	return nil
}

// resolveCallee classifies an unqualified call target: same-file entity,
// imported external symbol, stdlib/builtin, or local-to-file fallback.
func (h *HMN) resolveCallee(rel, name string, localNames map[string]bool, importedNames map[string]string) string {
	base := name
	if i := strings.LastIndexByte(base, '.'); i >= 0 {
		base = base[i+1:]
	}
	if localNames[base] {
		return QualifyID(rel, base)
	}
	if module, ok := importedNames[base]; ok {
		if codeops.IsPythonStdlib(module) {
			return TagStdlib + "::" + module + "." + base
		}
		return TagExternal + "::" + module + "." + base
	}
	if codeops.IsPythonStdlib(base) {
		return TagStdlib + "::" + base
	}
	return QualifyID(rel, base)
}

// removeFileLocked drops a file's nodes and edges before re-ingest.
func (h *HMN) removeFileLocked(rel string) {
	prefix := rel + "::"
	for id := range h.nodes {
		if id == rel || strings.HasPrefix(id, prefix) {
			delete(h.nodes, id)
		}
	}

	rebuilt := NewCodeGraph()
	rebuilt.Version = h.graph.Version
	belongs := func(id string) bool {
		return id == rel || strings.HasPrefix(id, prefix)
	}
	for _, e := range h.graph.Edges {
		if belongs(e.Caller) || belongs(e.Callee) {
			continue
		}
		rebuilt.AddEdge(e.Caller, e.Callee, e.Kind)
	}
	for _, n := range h.graph.Nodes {
		if !belongs(n) && (h.nodes[n] != nil || !strings.Contains(n, "::")) {
			rebuilt.AddNode(n)
		}
	}
	h.graph = rebuilt
}

func moduleNodeID(module string, relative bool) string {
	if relative {
		return "module::" + module
	}
	if codeops.IsPythonStdlib(module) {
		return TagStdlib + "::" + module
	}
	return TagExternal + "::" + module
}

func lastSegment(module string) string {
	module = strings.TrimLeft(module, ".")
	if i := strings.LastIndexByte(module, '.'); i >= 0 {
		return module[i+1:]
	}
	return module
}
