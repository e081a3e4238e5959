package kv

import (
	"fmt"
	"time"
)

// Namespaced key schema. Every persisted object lives under one of these
// prefixes so Scan can enumerate by kind.
const (
	PrefixTask          = "task:"
	PrefixSession       = "session:"
	PrefixClarification = "clarification:"
	PrefixCheckpoint    = "checkpoint:"

	KeySkillsRegistry = "skills:registry"
	PrefixSkillUsage  = "skills:usage:"

	KeyGraphState   = "code_graph:state"
	KeyGraphVersion = "code_graph:version"
	KeyGraphLatest  = "code_graph:latest"
)

// TTLs for expiring namespaces.
const (
	TTLClarification = time.Hour
	TTLSession       = 24 * time.Hour
	TTLCheckpoint    = 7 * 24 * time.Hour
	TTLGraphVersion  = 24 * time.Hour
)

// TaskKey returns the key for a task record.
func TaskKey(id string) string {
	return PrefixTask + id
}

// SessionKey returns the key for a session record.
func SessionKey(id string) string {
	return PrefixSession + id
}

// ClarificationKey returns the key for a pending clarification.
func ClarificationKey(taskID string) string {
	return PrefixClarification + taskID
}

// CheckpointKey returns the key for a checkpoint record.
func CheckpointKey(sessionID, feature string) string {
	return fmt.Sprintf("%s%s:%s", PrefixCheckpoint, sessionID, feature)
}

// SkillUsageKey returns the key for a skill's usage stats.
func SkillUsageKey(name string) string {
	return PrefixSkillUsage + name
}

// GraphVersionKey returns the key for a specific code-graph version.
func GraphVersionKey(version int) string {
	return fmt.Sprintf("code_graph:v%d", version)
}
