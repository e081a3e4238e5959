package workflow

import (
	"context"
	"regexp"
	"strings"

	"makerd/internal/agent"
	"makerd/internal/logging"
)

const triagePrompt = `You are a request triage agent. Classify the user request into
exactly one category and answer with only the category word:
- question: asks for an explanation, no code change needed
- simple_code: a small self-contained snippet satisfies it
- complex_code: requires planning across existing code`

// classify triages the input through the preprocessor, falling back to
// rules when the model reply contains no recognised category.
func (o *Orchestrator) classify(ctx context.Context, input string) string {
	reply, err := o.caller.Complete(ctx, agent.RolePreprocessor, agent.Request{
		System:      triagePrompt,
		User:        input,
		Temperature: 0,
	})
	if err == nil {
		if class := parseClassification(reply); class != "" {
			return class
		}
	} else {
		logging.Get(logging.CategoryWorkflow).Warn("triage call failed, using rules: %v", err)
	}
	return classifyByRules(input)
}

// parseClassification finds the first category keyword in the reply.
func parseClassification(reply string) string {
	lower := strings.ToLower(reply)
	best := ""
	bestIdx := len(lower) + 1
	for _, class := range []string{ClassQuestion, ClassSimpleCode, ClassComplexCode} {
		if i := strings.Index(lower, class); i >= 0 && i < bestIdx {
			best = class
			bestIdx = i
		}
	}
	return best
}

var (
	questionRe = regexp.MustCompile(`(?i)^\s*(what|why|how|when|where|who|explain|is |are |does |can )`)
	complexRe  = regexp.MustCompile(`(?i)\b(refactor|migrate|architecture|integrate|across|redesign|all files|entire|database schema|multiple)\b`)
)

// classifyByRules is the deterministic fallback.
func classifyByRules(input string) string {
	trimmed := strings.TrimSpace(input)
	if questionRe.MatchString(trimmed) || strings.HasSuffix(trimmed, "?") {
		return ClassQuestion
	}
	if complexRe.MatchString(trimmed) || len(trimmed) > 400 {
		return ClassComplexCode
	}
	return ClassSimpleCode
}

// vagueRe matches short check/help inputs that carry no actionable
// request.
var vagueRe = regexp.MustCompile(`(?i)^\s*(check|help|fix|look|see)( (it|this|that|please|me))?\s*[.!?]?\s*$`)

// isTooVague rebuffs inputs nothing can be done with.
func isTooVague(input string) bool {
	return vagueRe.MatchString(input)
}

// Hallucination indicators in answer mode: tool-call syntax or
// fabricated placeholder paths.
var hallucinationRes = []*regexp.Regexp{
	regexp.MustCompile(`<tool_call>|<function_call>|"function_call"`),
	regexp.MustCompile(`\[TOOL:`),
	regexp.MustCompile(`/path/to/[\w/]+`),
	regexp.MustCompile(`(?i)\bas an ai\b.*\bexecuted\b`),
}

func looksHallucinated(answer string) bool {
	for _, re := range hallucinationRes {
		if re.MatchString(answer) {
			return true
		}
	}
	return false
}

const selfCorrectionNotice = "\n\n(Note: part of the answer above referenced tools or paths " +
	"that were not actually available; please treat those fragments as illustrative only.)"
