package skills

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"makerd/internal/kv"
)

func newTestStore(t *testing.T) (*Store, *Registry, string) {
	t.Helper()
	kvStore, err := kv.Open(filepath.Join(t.TempDir(), "kv.db"))
	require.NoError(t, err)
	t.Cleanup(func() { kvStore.Close() })

	dir := t.TempDir()
	registry := NewRegistry(kvStore)
	return NewStore(dir, registry, nil), registry, dir
}

func writeSkill(t *testing.T, dir, name, doc string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name+".md"), []byte(doc), 0644))
}

const emailRegexSkill = `---
name: email-regex
description: fix email regex
category: regex-pattern-fixing
applies_to:
  - regex
  - email
---

## When to apply

Tasks touching email validation patterns.
`

func TestLoadAllAndParse(t *testing.T) {
	store, _, dir := newTestStore(t)
	writeSkill(t, dir, "email-regex", emailRegexSkill)
	writeSkill(t, dir, "broken", "no front matter here")

	all, err := store.LoadAll()
	require.NoError(t, err)
	require.Len(t, all, 1, "unparseable documents are skipped")

	skill := all[0]
	assert.Equal(t, "email-regex", skill.Name)
	assert.Equal(t, []string{"regex", "email"}, skill.AppliesTo)
	assert.Contains(t, skill.Instructions, "When to apply")
}

func TestLoadAndReload(t *testing.T) {
	store, _, dir := newTestStore(t)
	writeSkill(t, dir, "email-regex", emailRegexSkill)

	skill, err := store.Load("email-regex")
	require.NoError(t, err)
	assert.Equal(t, "fix email regex", skill.Description)

	updated := strings.Replace(emailRegexSkill, "fix email regex", "repair email regex", 1)
	writeSkill(t, dir, "email-regex", updated)

	// Cache serves the old copy until reload.
	skill, err = store.Load("email-regex")
	require.NoError(t, err)
	assert.Equal(t, "fix email regex", skill.Description)

	skill, err = store.Reload("email-regex")
	require.NoError(t, err)
	assert.Equal(t, "repair email regex", skill.Description)
}

func TestFindRelevantBoostsMatchingSkill(t *testing.T) {
	store, registry, dir := newTestStore(t)
	writeSkill(t, dir, "email-regex", emailRegexSkill)
	writeSkill(t, dir, "other", `---
name: other
description: database migration helper
category: database-migration
applies_to:
  - database
  - migration
---

Body.
`)

	// 9 successes over 10 uses: success_rate 0.9, usage term saturated.
	for i := 0; i < 10; i++ {
		require.NoError(t, registry.UpdateStats("email-regex", i != 0))
	}

	matches, err := store.FindRelevant("fix email regex", 5)
	require.NoError(t, err)
	require.Len(t, matches, 2)

	assert.Equal(t, "email-regex", matches[0].Skill.Name)
	assert.Greater(t, matches[0].Score, 0.85)
	assert.Greater(t, matches[0].Score, matches[1].Score)
}

func TestRegistryUpdateAndDeprecate(t *testing.T) {
	_, registry, _ := newTestStore(t)

	require.NoError(t, registry.UpdateStats("weak", false))
	require.NoError(t, registry.UpdateStats("weak", false))
	require.NoError(t, registry.UpdateStats("weak", true))
	require.NoError(t, registry.UpdateStats("strong", true))

	stats, err := registry.Get("weak")
	require.NoError(t, err)
	assert.Equal(t, 3, stats.UsageCount)
	assert.InDelta(t, 1.0/3.0, stats.SuccessRate, 1e-9)

	deprecated, err := registry.Deprecate(0.5)
	require.NoError(t, err)
	assert.Equal(t, []string{"weak"}, deprecated)
}

func TestRegistryMerge(t *testing.T) {
	_, registry, _ := newTestStore(t)

	require.NoError(t, registry.UpdateStats("keep", true))
	require.NoError(t, registry.UpdateStats("drop", true))
	require.NoError(t, registry.UpdateStats("drop", false))

	require.NoError(t, registry.Merge("keep", "drop"))

	stats, err := registry.Get("keep")
	require.NoError(t, err)
	assert.Equal(t, 3, stats.UsageCount)
	assert.Equal(t, 2, stats.SuccessCount)

	dropped, err := registry.Get("drop")
	require.NoError(t, err)
	assert.Zero(t, dropped.UsageCount, "dropped skill reverts to defaults")
}

func TestRegistryWritesPerSkillUsageKeys(t *testing.T) {
	kvStore, err := kv.Open(filepath.Join(t.TempDir(), "kv.db"))
	require.NoError(t, err)
	t.Cleanup(func() { kvStore.Close() })
	registry := NewRegistry(kvStore)

	require.NoError(t, registry.UpdateStats("email-regex", true))

	data, err := kvStore.Get(kv.SkillUsageKey("email-regex"))
	require.NoError(t, err)
	var s Stats
	require.NoError(t, json.Unmarshal(data, &s))
	assert.Equal(t, 1, s.UsageCount)
	assert.Equal(t, 1, s.SuccessCount)

	require.NoError(t, registry.UpdateStats("drop-me", true))
	require.NoError(t, registry.Merge("email-regex", "drop-me"))

	// Merge rewrites the kept record and removes the dropped one.
	_, err = kvStore.Get(kv.SkillUsageKey("drop-me"))
	assert.ErrorIs(t, err, kv.ErrNotFound)

	data, err = kvStore.Get(kv.SkillUsageKey("email-regex"))
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(data, &s))
	assert.Equal(t, 2, s.UsageCount)
}

func TestExtractFromApprovedTask(t *testing.T) {
	store, _, _ := newTestStore(t)
	_, err := store.LoadAll()
	require.NoError(t, err)

	code := strings.Repeat("# setup\n", 20) + `
import re

def validate(value):
    pattern = re.compile(r"\w+@\w+")
    return pattern.match(value) is not None
`
	require.GreaterOrEqual(t, len(code), minExtractableCode)

	skill, err := store.ExtractFromTask(TaskOutcome{
		Description: "fix email validation regex",
		Code:        code,
		Approved:    true,
	})
	require.NoError(t, err)
	require.NotNil(t, skill)
	assert.Equal(t, "regex-pattern-fixing", skill.Category)
	assert.True(t, strings.HasPrefix(skill.Name, "regex-pattern-fixing-"))

	// A second identical extraction gets a versioned name.
	second, err := store.ExtractFromTask(TaskOutcome{
		Description: "fix email validation regex",
		Code:        code,
		Approved:    true,
	})
	require.NoError(t, err)
	require.NotNil(t, second)
	assert.Equal(t, skill.Name+"-v2", second.Name)
}

func TestExtractRejectsUnworthy(t *testing.T) {
	store, _, _ := newTestStore(t)
	_, err := store.LoadAll()
	require.NoError(t, err)

	// Too short.
	skill, err := store.ExtractFromTask(TaskOutcome{
		Description: "tiny change",
		Code:        "x = 1",
		Approved:    true,
	})
	require.NoError(t, err)
	assert.Nil(t, skill)

	// Failed without enough iterations.
	skill, err = store.ExtractFromTask(TaskOutcome{
		Description: "failed thing",
		Code:        strings.Repeat("import re\n", 30),
		Approved:    false,
		Iterations:  1,
	})
	require.NoError(t, err)
	assert.Nil(t, skill)
}

func TestExtractFromInstructiveFailure(t *testing.T) {
	store, _, _ := newTestStore(t)
	_, err := store.LoadAll()
	require.NoError(t, err)

	skill, err := store.ExtractFromTask(TaskOutcome{
		Description:   "migrate the users table",
		Code:          "ALTER TABLE users ADD COLUMN age INT;",
		Approved:      false,
		Iterations:    3,
		ErrorFeedback: true,
	})
	require.NoError(t, err)
	require.NotNil(t, skill)
	assert.Equal(t, "database-migration", skill.Category)
	assert.Contains(t, skill.Instructions, "failed repeatedly")
}
