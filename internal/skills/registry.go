package skills

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"makerd/internal/kv"
	"makerd/internal/logging"
)

// Stats is the per-skill usage record persisted in the registry.
type Stats struct {
	UsageCount   int     `json:"usage_count"`
	SuccessCount int     `json:"success_count"`
	SuccessRate  float64 `json:"success_rate"`
	LastUsed     string  `json:"last_used,omitempty"`
	CreatedAt    string  `json:"created_at,omitempty"`
	Version      int     `json:"version"`
}

// defaultSuccessRate is assumed for skills with no recorded outcomes.
const defaultSuccessRate = 0.5

// Registry persists skill usage statistics. The aggregate index lives
// under skills:registry; each skill's record is also written under
// skills:usage:<name> so single-skill readers need no full scan.
type Registry struct {
	store kv.Store
	now   func() time.Time
}

// NewRegistry creates a registry over the KV store.
func NewRegistry(store kv.Store) *Registry {
	return &Registry{store: store, now: time.Now}
}

func (r *Registry) load() (map[string]*Stats, error) {
	data, err := r.store.Get(kv.KeySkillsRegistry)
	if errors.Is(err, kv.ErrNotFound) {
		return map[string]*Stats{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load skills registry: %w", err)
	}
	out := map[string]*Stats{}
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("decode skills registry: %w", err)
	}
	return out, nil
}

func (r *Registry) save(reg map[string]*Stats) error {
	data, err := json.Marshal(reg)
	if err != nil {
		return fmt.Errorf("encode skills registry: %w", err)
	}
	return r.store.Set(kv.KeySkillsRegistry, data, 0)
}

func (r *Registry) saveSkill(name string, s *Stats) error {
	data, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("encode skill %q stats: %w", name, err)
	}
	return r.store.Set(kv.SkillUsageKey(name), data, 0)
}

// Get returns a skill's stats; missing skills get the defaults.
func (r *Registry) Get(name string) (*Stats, error) {
	reg, err := r.load()
	if err != nil {
		return nil, err
	}
	if s, ok := reg[name]; ok {
		return s, nil
	}
	return &Stats{SuccessRate: defaultSuccessRate, Version: 1}, nil
}

// UpdateStats records one usage outcome and recomputes the rate.
func (r *Registry) UpdateStats(name string, success bool) error {
	reg, err := r.load()
	if err != nil {
		return err
	}
	s, ok := reg[name]
	if !ok {
		s = &Stats{Version: 1, CreatedAt: r.now().UTC().Format(time.RFC3339)}
		reg[name] = s
	}
	s.UsageCount++
	if success {
		s.SuccessCount++
	}
	s.SuccessRate = float64(s.SuccessCount) / float64(s.UsageCount)
	s.LastUsed = r.now().UTC().Format(time.RFC3339)

	if err := r.save(reg); err != nil {
		return err
	}
	if err := r.saveSkill(name, s); err != nil {
		return err
	}
	logging.Skills("skill %q: usage=%d success=%.2f", name, s.UsageCount, s.SuccessRate)
	return nil
}

// Merge folds nameDrop's counters into nameKeep, keeping the earlier
// creation time, and removes the dropped entry.
func (r *Registry) Merge(nameKeep, nameDrop string) error {
	reg, err := r.load()
	if err != nil {
		return err
	}
	keep, ok := reg[nameKeep]
	if !ok {
		keep = &Stats{Version: 1}
		reg[nameKeep] = keep
	}
	drop := reg[nameDrop]
	if drop != nil {
		keep.UsageCount += drop.UsageCount
		keep.SuccessCount += drop.SuccessCount
		if keep.UsageCount > 0 {
			keep.SuccessRate = float64(keep.SuccessCount) / float64(keep.UsageCount)
		}
		if drop.CreatedAt != "" && (keep.CreatedAt == "" || drop.CreatedAt < keep.CreatedAt) {
			keep.CreatedAt = drop.CreatedAt
		}
		delete(reg, nameDrop)
	}
	if err := r.save(reg); err != nil {
		return err
	}
	if err := r.saveSkill(nameKeep, keep); err != nil {
		return err
	}
	return r.store.Del(kv.SkillUsageKey(nameDrop))
}

// Deprecate lists skills used at least three times with a success rate
// below the threshold.
func (r *Registry) Deprecate(threshold float64) ([]string, error) {
	reg, err := r.load()
	if err != nil {
		return nil, err
	}
	var out []string
	for name, s := range reg {
		if s.UsageCount >= 3 && s.SuccessRate < threshold {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out, nil
}
