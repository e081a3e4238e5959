// Package memory maintains a four-level compressed model of the codebase:
// raw files (L0), code entities (L1), module patterns (L2), and thematic
// flows (L3, "melodic lines"). Narrative-aware queries descend the levels
// to assemble planner context far smaller than the raw corpus.
package memory

// Level identifies a compression level.
type Level int

const (
	LevelRaw     Level = iota // L0: file text
	LevelEntity               // L1: function/class span
	LevelPattern              // L2: co-occurring entity group
	LevelFlow                 // L3: thematic flow
)

func (l Level) String() string {
	switch l {
	case LevelRaw:
		return "L0-raw"
	case LevelEntity:
		return "L1-entity"
	case LevelPattern:
		return "L2-pattern"
	case LevelFlow:
		return "L3-flow"
	}
	return "unknown"
}

// NodeMeta carries source location and identity for a node.
type NodeMeta struct {
	File string `json:"file,omitempty"`
	Line int    `json:"line,omitempty"`
	Kind string `json:"kind,omitempty"`
	Name string `json:"name,omitempty"`
}

// Node is one entry in the hierarchy. Parent/child links are id lists;
// there are no embedded back-pointers, the arena owns all nodes.
type Node struct {
	ID          string   `json:"id"`
	Level       Level    `json:"level"`
	Content     string   `json:"content"`
	Meta        NodeMeta `json:"meta"`
	ParentIDs   []string `json:"parent_ids,omitempty"`
	ChildIDs    []string `json:"child_ids,omitempty"`
	AccessCount int64    `json:"access_count"`
}

// Flow is the L3 payload: a persistent cross-module narrative.
type Flow struct {
	ID               string   `json:"id"`
	Name             string   `json:"name"`
	Description      string   `json:"description"`
	PersistenceScore float64  `json:"persistence_score"` // clamped to [0,1]
	Modules          []string `json:"modules"`
	PatternIDs       []string `json:"pattern_ids"`
}

// Pattern is the L2 payload: a group of same-file entities.
type Pattern struct {
	ID          string   `json:"id"`
	File        string   `json:"file"`
	Description string   `json:"description"`
	EntityIDs   []string `json:"entity_ids"`
}
