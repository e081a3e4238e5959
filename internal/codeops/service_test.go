package codeops

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"makerd/internal/errs"
)

func newTestService(t *testing.T) (*Service, string) {
	t.Helper()
	root := t.TempDir()
	svc, err := NewService(root, nil)
	require.NoError(t, err)
	return svc, root
}

func writeFile(t *testing.T, root, rel, content string) {
	t.Helper()
	path := filepath.Join(root, rel)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
}

func TestPathTraversalRejected(t *testing.T) {
	svc, _ := newTestService(t)

	_, err := svc.ReadFile("../../etc/passwd", false)
	require.Error(t, err)
	var e *errs.Error
	require.True(t, errors.As(err, &e))
	assert.Equal(t, errs.CategoryValidation, e.Category)

	_, err = svc.AnalyzeFile("/etc/passwd")
	require.Error(t, err)
}

func TestSymlinkEscapeRejected(t *testing.T) {
	svc, root := newTestService(t)

	outside := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(outside, "secret.txt"), []byte("top secret"), 0644))

	// A link inside the root targeting outside it is lexically confined
	// but must still be refused.
	require.NoError(t, os.Symlink(filepath.Join(outside, "secret.txt"), filepath.Join(root, "leak.py")))
	_, err := svc.ReadFile("leak.py", false)
	require.Error(t, err)
	var e *errs.Error
	require.True(t, errors.As(err, &e))
	assert.Equal(t, errs.CategoryValidation, e.Category)

	// A symlinked directory leaks every file under it.
	require.NoError(t, os.Symlink(outside, filepath.Join(root, "vendor")))
	_, err = svc.ReadFile(filepath.Join("vendor", "secret.txt"), false)
	require.Error(t, err)

	// Links that stay inside the root keep working.
	writeFile(t, root, "real.py", "print('hi')\n")
	require.NoError(t, os.Symlink(filepath.Join(root, "real.py"), filepath.Join(root, "alias.py")))
	got, err := svc.ReadFile("alias.py", false)
	require.NoError(t, err)
	assert.Equal(t, "print('hi')\n", got.Text)
}

func TestReadFileSmall(t *testing.T) {
	svc, root := newTestService(t)
	writeFile(t, root, "hello.py", "print('hi')\n")

	got, err := svc.ReadFile("hello.py", true)
	require.NoError(t, err)
	assert.False(t, got.Chunked)
	assert.Equal(t, "print('hi')\n", got.Text)
}

func TestReadFileSemanticChunking(t *testing.T) {
	svc, root := newTestService(t)

	var sb strings.Builder
	sb.WriteString("import os\n\n")
	for i := 0; i < 30; i++ {
		sb.WriteString("def handler_")
		sb.WriteString(strings.Repeat("x", 1))
		sb.WriteString(string(rune('a' + i%26)))
		sb.WriteString("(request):\n    value = os.getcwd()\n    return value + '")
		sb.WriteString(strings.Repeat("pad", 20))
		sb.WriteString("'\n\n")
	}
	source := sb.String()
	require.Greater(t, len(source), chunkThreshold)
	writeFile(t, root, "handlers.py", source)

	got, err := svc.ReadFile("handlers.py", true)
	require.NoError(t, err)
	require.True(t, got.Chunked)
	require.NotEmpty(t, got.Chunks)

	var funcs int
	for _, chunk := range got.Chunks {
		if chunk.Kind == "function" {
			funcs++
			assert.NotEmpty(t, chunk.Name)
			assert.LessOrEqual(t, chunk.StartLine, chunk.EndLine)
		}
	}
	assert.Equal(t, 30, funcs)
}

func TestReadFileFallbackChunking(t *testing.T) {
	svc, root := newTestService(t)
	writeFile(t, root, "big.txt", strings.Repeat("line of text here\n", 400))

	got, err := svc.ReadFile("big.txt", true)
	require.NoError(t, err)
	require.True(t, got.Chunked)
	for _, chunk := range got.Chunks {
		assert.Equal(t, "lines", chunk.Kind)
	}
}

func TestAnalyzeFilePython(t *testing.T) {
	svc, root := newTestService(t)
	writeFile(t, root, "app.py", strings.Join([]string{
		"import os",
		"import requests",
		"from .local import helper",
		"from flask import Flask",
		"",
		"def main():",
		"    pass",
	}, "\n"))

	got, err := svc.AnalyzeFile("app.py")
	require.NoError(t, err)
	assert.Equal(t, "python", got.Language)
	assert.Equal(t, ".py", got.Extension)
	assert.Equal(t, 7, got.LineCount)

	byName := map[string]Dependency{}
	for _, dep := range got.Dependencies {
		byName[dep.Name] = dep
	}
	assert.False(t, byName["os"].IsExternal, "stdlib import must not be external")
	assert.True(t, byName["requests"].IsExternal)
	assert.True(t, byName["flask"].IsExternal)
	assert.False(t, byName["local"].IsExternal, "relative import must not be external")
}

func TestAnalyzeCodebase(t *testing.T) {
	svc, root := newTestService(t)
	writeFile(t, root, "a.py", "import requests\nprint(1)\n")
	writeFile(t, root, "sub/b.py", "import requests\nimport flask\n")
	writeFile(t, root, "web/c.js", "import React from 'react';\n")
	writeFile(t, root, ".git/objects/junk.py", "ignored = True\n")
	writeFile(t, root, "node_modules/pkg/index.js", "ignored")

	got, err := svc.AnalyzeCodebase()
	require.NoError(t, err)
	assert.Equal(t, 3, got.TotalFiles)
	assert.Equal(t, 2, got.Languages["python"])
	assert.Equal(t, 1, got.Languages["javascript"])
	assert.False(t, got.Truncated)
	// external deps are deduplicated and sorted
	assert.Equal(t, []string{"flask", "react", "requests"}, got.Dependencies)
}

func TestSearchDocs(t *testing.T) {
	svc, root := newTestService(t)
	writeFile(t, root, "README.md", "# Project\n\nThe voting quorum is 2k-1.\n")
	writeFile(t, root, "docs/design.md", "Quorum voting picks a winner.\n")
	writeFile(t, root, "docs/other.md", "Unrelated content.\n")

	got, err := svc.SearchDocs("QUORUM")
	require.NoError(t, err)
	require.Len(t, got, 2)
}

func TestFindReferencesNoSubstringMatches(t *testing.T) {
	svc, root := newTestService(t)
	writeFile(t, root, "mod.py", strings.Join([]string{
		"def process(data):",
		"    return data",
		"",
		"def preprocess_all(items):", // contains "process" as substring only
		"    return [process(i) for i in items]",
	}, "\n"))

	got, err := svc.FindReferences("process")
	require.NoError(t, err)
	require.NotEmpty(t, got)
	for _, ref := range got {
		// "preprocess_all" must never appear as a hit for "process"
		assert.NotEqual(t, 4, ref.Line, "substring of another identifier matched: %+v", ref)
	}

	var defs, uses int
	for _, ref := range got {
		if ref.IsDefinition {
			defs++
		} else {
			uses++
		}
	}
	assert.Equal(t, 1, defs)
	assert.GreaterOrEqual(t, uses, 1)
}

func TestFindCallersWithoutGraph(t *testing.T) {
	svc, _ := newTestService(t)

	got, err := svc.FindCallers("anything")
	require.NoError(t, err)
	assert.Empty(t, got.Results)
	assert.NotEmpty(t, got.Diagnostic)

	impact, err := svc.ImpactAnalysis("anything")
	require.NoError(t, err)
	assert.Empty(t, impact.Results)
	assert.NotEmpty(t, impact.Diagnostic)
}
