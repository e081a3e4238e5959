package skills

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"
)

// TaskOutcome is the slice of task state that extraction inspects.
type TaskOutcome struct {
	Description   string
	Code          string
	Approved      bool
	Iterations    int
	ErrorFeedback bool
}

const (
	minExtractableCode   = 200
	maxHardcodedLiterals = 10
)

// patternRules classify generated code into a reusable pattern type.
// First match wins.
var patternRules = []struct {
	pattern string
	re      *regexp.Regexp
}{
	{"regex-pattern-fixing", regexp.MustCompile(`(?m)\bre\.(compile|match|search|sub|findall)\b|regexp\.`)},
	{"python-ast-refactoring", regexp.MustCompile(`(?m)\bimport ast\b|\bast\.(parse|walk|NodeVisitor)\b`)},
	{"api-endpoint-handling", regexp.MustCompile(`(?m)@(app|router)\.(get|post|put|delete|route)\b`)},
	{"database-migration", regexp.MustCompile(`(?im)\b(ALTER|CREATE)\s+TABLE\b|\bmigrat`)},
	{"test-writing", regexp.MustCompile(`(?m)\bdef test_|\bassert\b.*==|\bunittest\b|\bpytest\b`)},
	{"error-handling", regexp.MustCompile(`(?m)\btry:\s*$|\bexcept\s+\w|\braise\s+\w`)},
	{"data-transformation", regexp.MustCompile(`(?m)\b(json|csv)\.(loads?|dumps?|reader|writer)\b`)},
}

// hardcodedLiteral matches string/number literals that suggest a
// one-off solution rather than a reusable pattern.
var hardcodedLiteral = regexp.MustCompile(`"[^"]{12,}"|'[^']{12,}'|\b\d{5,}\b`)

var deepPath = regexp.MustCompile(`(?m)["'](?:/[\w.-]+){3,}["']`)

// ExtractFromTask produces a new skill from a worthy task outcome, or
// nil when the outcome teaches nothing reusable.
func (s *Store) ExtractFromTask(outcome TaskOutcome) (*Skill, error) {
	pattern, worthy := classify(outcome)
	if !worthy {
		return nil, nil
	}

	name := s.uniqueName(fmt.Sprintf("%s-%s", pattern, salientKeyword(outcome.Description)))

	skill := &Skill{
		Header: Header{
			Name:        name,
			Description: fmt.Sprintf("Learned from task: %s", firstSentence(outcome.Description)),
			Category:    pattern,
			AppliesTo:   extractKeywords(outcome.Description),
			CreatedAt:   time.Now().UTC().Format(time.RFC3339),
			Version:     1,
		},
		Instructions: buildInstructions(outcome, pattern),
	}
	if err := s.Save(skill); err != nil {
		return nil, err
	}
	return skill, nil
}

// classify applies the worthiness rules and returns the pattern type.
func classify(outcome TaskOutcome) (string, bool) {
	if outcome.Approved {
		if len(outcome.Code) < minExtractableCode {
			return "", false
		}
		pattern := patternType(outcome.Code)
		if pattern == "" {
			return "", false
		}
		if isOneOff(outcome.Code) {
			return "", false
		}
		return pattern, true
	}
	// Failures teach too, when the loop generated real feedback.
	if outcome.Iterations > 2 && outcome.ErrorFeedback {
		pattern := patternType(outcome.Code)
		if pattern == "" {
			pattern = "failure-analysis"
		}
		return pattern, true
	}
	return "", false
}

func patternType(code string) string {
	for _, rule := range patternRules {
		if rule.re.MatchString(code) {
			return rule.pattern
		}
	}
	return ""
}

func isOneOff(code string) bool {
	if len(hardcodedLiteral.FindAllString(code, -1)) > maxHardcodedLiterals {
		return true
	}
	return deepPath.MatchString(code)
}

// uniqueName appends -v<N+1> on collisions with cached skills.
func (s *Store) uniqueName(base string) string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.cache[base] == nil {
		return base
	}
	for v := 2; ; v++ {
		candidate := fmt.Sprintf("%s-v%d", base, v)
		if s.cache[candidate] == nil {
			return candidate
		}
	}
}

// extractionStopwords are never salient.
var extractionStopwords = map[string]bool{
	"the": true, "and": true, "for": true, "with": true, "that": true,
	"this": true, "from": true, "into": true, "fix": true, "add": true,
	"make": true, "implement": true, "write": true, "update": true,
	"create": true, "change": true, "please": true, "should": true,
}

func extractKeywords(description string) []string {
	words := wordSet(strings.ToLower(description))
	var out []string
	for w := range words {
		if len(w) >= 4 && !extractionStopwords[w] {
			out = append(out, w)
		}
	}
	sort.Strings(out)
	if len(out) > 6 {
		out = out[:6]
	}
	return out
}

func salientKeyword(description string) string {
	kws := extractKeywords(description)
	if len(kws) == 0 {
		return "general"
	}
	// Longest keyword carries the most signal.
	best := kws[0]
	for _, kw := range kws[1:] {
		if len(kw) > len(best) {
			best = kw
		}
	}
	return best
}

func firstSentence(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexAny(s, ".\n"); i > 0 {
		s = s[:i]
	}
	if len(s) > 120 {
		s = s[:120]
	}
	return s
}

func buildInstructions(outcome TaskOutcome, pattern string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "## When to apply\n\nTasks resembling: %s\n\n", firstSentence(outcome.Description))
	fmt.Fprintf(&b, "## Approach (%s)\n\n", pattern)
	if outcome.Approved {
		b.WriteString("The following solution was approved by review:\n\n")
	} else {
		b.WriteString("The following attempt failed repeatedly; avoid its mistakes:\n\n")
	}
	code := outcome.Code
	if len(code) > 2000 {
		code = code[:2000]
	}
	fmt.Fprintf(&b, "```\n%s\n```\n", code)
	return b.String()
}
