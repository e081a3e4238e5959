package codeops

import (
	"fmt"
	"os"
	"strings"

	"makerd/internal/logging"
)

// chunkThreshold is the file size above which chunked reads split the file.
const chunkThreshold = 5000

// fallbackChunkLines is the chunk height when semantic chunking is unavailable.
const fallbackChunkLines = 120

// Chunk is one semantic slice of a file.
type Chunk struct {
	Kind      string `json:"kind"` // function, class, or lines
	Name      string `json:"name"`
	StartLine int    `json:"start_line"`
	EndLine   int    `json:"end_line"`
	Content   string `json:"content"`
}

// FileContent is the result of a read_file call. For small files (or
// chunked=false) Text carries the whole file and Chunks is nil.
type FileContent struct {
	Path    string  `json:"path"`
	Text    string  `json:"text,omitempty"`
	Chunks  []Chunk `json:"chunks,omitempty"`
	Chunked bool    `json:"chunked"`
}

// ReadFile returns the file text, or a semantic chunking when chunked is
// requested and the file exceeds the threshold. Python files chunk on
// top-level function/class nodes; everything else falls back to fixed
// line-count chunks.
func (s *Service) ReadFile(path string, chunked bool) (*FileContent, error) {
	resolved, err := s.resolve(path)
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(resolved)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}

	if !chunked || len(data) <= chunkThreshold {
		return &FileContent{Path: path, Text: string(data)}, nil
	}

	logging.CodeOpsDebug("ReadFile: chunking %s (%d bytes)", path, len(data))

	if strings.HasSuffix(resolved, ".py") || strings.HasSuffix(resolved, ".pyw") {
		chunks, err := semanticChunks(data)
		if err == nil && len(chunks) > 0 {
			return &FileContent{Path: path, Chunks: chunks, Chunked: true}, nil
		}
		logging.CodeOpsDebug("ReadFile: semantic chunking failed for %s, falling back: %v", path, err)
	}

	return &FileContent{Path: path, Chunks: lineChunks(string(data)), Chunked: true}, nil
}

// semanticChunks splits Python source on top-level definitions. Gaps
// between definitions (module docstring, imports, constants) become
// "lines" chunks so no content is lost.
func semanticChunks(data []byte) ([]Chunk, error) {
	entities, err := ParsePythonEntities(data)
	if err != nil {
		return nil, err
	}
	if len(entities) == 0 {
		return nil, nil
	}

	lines := strings.Split(string(data), "\n")
	var chunks []Chunk
	cursor := 1 // next unclaimed line, 1-based

	for _, e := range entities {
		if e.StartLine > cursor {
			chunks = append(chunks, Chunk{
				Kind:      "lines",
				Name:      fmt.Sprintf("lines %d-%d", cursor, e.StartLine-1),
				StartLine: cursor,
				EndLine:   e.StartLine - 1,
				Content:   strings.Join(lines[cursor-1:e.StartLine-1], "\n"),
			})
		}
		chunks = append(chunks, Chunk{
			Kind:      e.Kind,
			Name:      e.Name,
			StartLine: e.StartLine,
			EndLine:   e.EndLine,
			Content:   e.Source,
		})
		if e.EndLine+1 > cursor {
			cursor = e.EndLine + 1
		}
	}

	if cursor <= len(lines) {
		trailing := strings.Join(lines[cursor-1:], "\n")
		if strings.TrimSpace(trailing) != "" {
			chunks = append(chunks, Chunk{
				Kind:      "lines",
				Name:      fmt.Sprintf("lines %d-%d", cursor, len(lines)),
				StartLine: cursor,
				EndLine:   len(lines),
				Content:   trailing,
			})
		}
	}
	return chunks, nil
}

// lineChunks splits text into fixed-height chunks.
func lineChunks(text string) []Chunk {
	lines := strings.Split(text, "\n")
	var chunks []Chunk
	for start := 0; start < len(lines); start += fallbackChunkLines {
		end := start + fallbackChunkLines
		if end > len(lines) {
			end = len(lines)
		}
		chunks = append(chunks, Chunk{
			Kind:      "lines",
			Name:      fmt.Sprintf("lines %d-%d", start+1, end),
			StartLine: start + 1,
			EndLine:   end,
			Content:   strings.Join(lines[start:end], "\n"),
		})
	}
	return chunks
}
