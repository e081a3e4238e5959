package skills

import (
	"sort"
	"strings"
)

// Match is one scored skill.
type Match struct {
	Skill *Skill
	Score float64
}

// Scoring weights for find_relevant.
const (
	weightKeyword  = 0.3
	weightSemantic = 0.4
	weightSuccess  = 0.2
	weightUsage    = 0.1
)

// FindRelevant scores every cached skill against the task and returns
// the top k, highest first.
func (s *Store) FindRelevant(task string, topK int) ([]Match, error) {
	if _, err := s.ensureLoaded(); err != nil {
		return nil, err
	}

	taskLower := strings.ToLower(task)
	taskWords := wordSet(taskLower)

	var matches []Match
	for _, skill := range s.All() {
		keyword := keywordMatch(taskLower, skill.AppliesTo)
		semantic := s.semanticSimilarity(taskWords, task, skill)

		successRate := defaultSuccessRate
		usage := 0
		if s.registry != nil {
			if stats, err := s.registry.Get(skill.Name); err == nil {
				usage = stats.UsageCount
				if stats.UsageCount > 0 {
					successRate = stats.SuccessRate
				}
			}
		}
		usageScore := float64(usage) / 10
		if usageScore > 1 {
			usageScore = 1
		}

		score := weightKeyword*keyword +
			weightSemantic*semantic +
			weightSuccess*successRate +
			weightUsage*usageScore
		matches = append(matches, Match{Skill: skill, Score: score})
	}

	sort.SliceStable(matches, func(i, j int) bool {
		if matches[i].Score != matches[j].Score {
			return matches[i].Score > matches[j].Score
		}
		return matches[i].Skill.Name < matches[j].Skill.Name
	})
	if topK > 0 && len(matches) > topK {
		matches = matches[:topK]
	}
	return matches, nil
}

func (s *Store) ensureLoaded() ([]*Skill, error) {
	s.mu.RLock()
	loaded := s.loaded
	s.mu.RUnlock()
	if loaded {
		return s.All(), nil
	}
	return s.LoadAll()
}

// keywordMatch is the fraction of applies_to keywords present in the
// task, case-insensitive.
func keywordMatch(taskLower string, keywords []string) float64 {
	if len(keywords) == 0 {
		return 0
	}
	var hits int
	for _, kw := range keywords {
		if strings.Contains(taskLower, strings.ToLower(kw)) {
			hits++
		}
	}
	return float64(hits) / float64(len(keywords))
}

// semanticSimilarity prefers the embedding backend; otherwise Jaccard
// of word sets over the skill's name and description.
func (s *Store) semanticSimilarity(taskWords map[string]bool, task string, skill *Skill) float64 {
	if s.embedder != nil {
		if sim, err := s.embedder.Similarity(task, skill.Description); err == nil {
			return clamp01(sim)
		}
	}
	skillWords := wordSet(strings.ToLower(
		skill.Name + " " + skill.Description + " " + strings.Join(skill.AppliesTo, " ")))
	return jaccard(taskWords, skillWords)
}

func jaccard(a, b map[string]bool) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	var inter int
	for w := range a {
		if b[w] {
			inter++
		}
	}
	union := len(a) + len(b) - inter
	if union == 0 {
		return 0
	}
	return float64(inter) / float64(union)
}

func wordSet(s string) map[string]bool {
	out := make(map[string]bool)
	for _, w := range strings.FieldsFunc(s, func(r rune) bool {
		return !(r >= 'a' && r <= 'z') && !(r >= '0' && r <= '9')
	}) {
		if len(w) > 1 {
			out[w] = true
		}
	}
	return out
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
