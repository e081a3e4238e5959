// Package skills loads, matches, and learns reusable task skills. A
// skill is a markdown document with a YAML front-matter header and an
// instructions body, scored against incoming tasks.
package skills

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	"makerd/internal/logging"
)

// Header is the structured front matter of a skill document.
type Header struct {
	Name        string   `yaml:"name"`
	Description string   `yaml:"description"`
	Category    string   `yaml:"category"`
	AppliesTo   []string `yaml:"applies_to"`
	CreatedAt   string   `yaml:"created_at,omitempty"`
	Version     int      `yaml:"version,omitempty"`
}

// Skill is one loaded document.
type Skill struct {
	Header
	Instructions string
	Path         string
}

// Store loads skills from a directory and caches them.
type Store struct {
	mu     sync.RWMutex
	dir    string
	cache  map[string]*Skill
	loaded bool

	registry *Registry
	embedder Embedder
}

// Embedder is an optional semantic-similarity backend. When nil,
// matching falls back to Jaccard word overlap.
type Embedder interface {
	Similarity(a, b string) (float64, error)
}

// NewStore creates a skill store over dir, backed by the registry for
// usage statistics.
func NewStore(dir string, registry *Registry, embedder Embedder) *Store {
	return &Store{
		dir:      dir,
		cache:    make(map[string]*Skill),
		registry: registry,
		embedder: embedder,
	}
}

// LoadAll scans the skills directory, replacing the cache.
func (s *Store) LoadAll() ([]*Skill, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.cache = make(map[string]*Skill)
	s.loaded = true

	entries, err := os.ReadDir(s.dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read skills dir: %w", err)
	}

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".md") {
			continue
		}
		path := filepath.Join(s.dir, entry.Name())
		skill, err := parseSkillFile(path)
		if err != nil {
			logging.Get(logging.CategorySkills).Warn("skipping %s: %v", entry.Name(), err)
			continue
		}
		s.cache[skill.Name] = skill
	}

	logging.Skills("loaded %d skills from %s", len(s.cache), s.dir)
	return s.allLocked(), nil
}

// Load returns a cached skill, loading the directory on first use.
func (s *Store) Load(name string) (*Skill, error) {
	s.mu.RLock()
	loaded := s.loaded
	skill := s.cache[name]
	s.mu.RUnlock()

	if !loaded {
		if _, err := s.LoadAll(); err != nil {
			return nil, err
		}
		s.mu.RLock()
		skill = s.cache[name]
		s.mu.RUnlock()
	}
	if skill == nil {
		return nil, fmt.Errorf("skill %q not found", name)
	}
	return skill, nil
}

// Reload re-reads one skill from disk, invalidating its cache entry.
func (s *Store) Reload(name string) (*Skill, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	old := s.cache[name]
	path := filepath.Join(s.dir, name+".md")
	if old != nil {
		path = old.Path
	}
	skill, err := parseSkillFile(path)
	if err != nil {
		delete(s.cache, name)
		return nil, err
	}
	s.cache[skill.Name] = skill
	return skill, nil
}

// All returns the cached skills sorted by name.
func (s *Store) All() []*Skill {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.allLocked()
}

func (s *Store) allLocked() []*Skill {
	out := make([]*Skill, 0, len(s.cache))
	for _, skill := range s.cache {
		out = append(out, skill)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Save writes a skill document to the directory and caches it.
func (s *Store) Save(skill *Skill) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.MkdirAll(s.dir, 0755); err != nil {
		return fmt.Errorf("create skills dir: %w", err)
	}

	header, err := yaml.Marshal(skill.Header)
	if err != nil {
		return fmt.Errorf("marshal skill header: %w", err)
	}
	doc := fmt.Sprintf("---\n%s---\n\n%s\n", header, strings.TrimSpace(skill.Instructions))

	path := filepath.Join(s.dir, skill.Name+".md")
	if err := os.WriteFile(path, []byte(doc), 0644); err != nil {
		return fmt.Errorf("write skill %q: %w", skill.Name, err)
	}
	skill.Path = path
	s.cache[skill.Name] = skill
	logging.Skills("saved skill %q", skill.Name)
	return nil
}

// parseSkillFile splits a document into YAML front matter and body.
func parseSkillFile(path string) (*Skill, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	text := strings.ReplaceAll(string(data), "\r\n", "\n")

	if !strings.HasPrefix(text, "---\n") {
		return nil, fmt.Errorf("missing front matter")
	}
	rest := text[len("---\n"):]
	end := strings.Index(rest, "\n---")
	if end < 0 {
		return nil, fmt.Errorf("unterminated front matter")
	}

	var header Header
	if err := yaml.Unmarshal([]byte(rest[:end]), &header); err != nil {
		return nil, fmt.Errorf("parse front matter: %w", err)
	}
	if header.Name == "" {
		return nil, fmt.Errorf("skill has no name")
	}

	body := rest[end+len("\n---"):]
	if i := strings.IndexByte(body, '\n'); i >= 0 {
		body = body[i+1:]
	}

	return &Skill{
		Header:       header,
		Instructions: strings.TrimSpace(body),
		Path:         path,
	}, nil
}
