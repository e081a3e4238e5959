package workflow

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"makerd/internal/agent"
	"makerd/internal/logging"
)

const eePlannerPrompt = `You are an expert engineering planner. Break the task into
subtasks. Answer with JSON only:
{"plan":[{"id":"t1","description":"...","target_modules":[],"preserved_narratives":[],
"dependencies":[],"warnings":[],"confidence":0.0}],"questions":[]}
Include "questions" only when the task cannot proceed without answers.`

const standardPlannerPrompt = `You are a planning agent. Break the task into ordered steps.
Answer with JSON only: {"plan":[{"id":"t1","description":"..."}],"questions":[]}`

// buildPlanningContext assembles the planner input in fixed order:
// task, narrative memory, structural codebase summary, git diff.
func (o *Orchestrator) buildPlanningContext(ctx context.Context, t *Task) string {
	var b strings.Builder
	fmt.Fprintf(&b, "## Task\n\n%s\n", t.effectiveInput())

	if o.memory != nil {
		if result := o.memory.QueryWithContext(t.effectiveInput(), 3); result != nil {
			if len(result.Narratives) > 0 {
				b.WriteString("\n## Relevant narratives\n\n")
				for _, n := range result.Narratives {
					fmt.Fprintf(&b, "- %s\n", n)
				}
			}
			if result.Code != "" {
				fmt.Fprintf(&b, "\n## Relevant code\n\n%s\n", result.Code)
			}
		}
	}

	if o.inspector != nil {
		if summary, err := o.inspector.Summary(ctx); err == nil && summary != "" {
			fmt.Fprintf(&b, "\n## Codebase\n\n%s\n", summary)
		}
		if diff, err := o.inspector.Diff(ctx); err == nil && strings.TrimSpace(diff) != "" {
			fmt.Fprintf(&b, "\n## Uncommitted changes\n\n%s\n", truncate(diff, 2000))
		}
	}
	return b.String()
}

// plan runs the EE planner when enabled, falling back to the standard
// planner on failure.
func (o *Orchestrator) plan(ctx context.Context, t *Task) (*Plan, error) {
	planningContext := o.buildPlanningContext(ctx, t)

	if o.cfg.Workflow.EEPlannerEnabled {
		p, err := o.invokePlanner(ctx, eePlannerPrompt, planningContext)
		if err == nil {
			return p, nil
		}
		logging.Get(logging.CategoryWorkflow).Warn("ee-planner failed, falling back: %v", err)
	}
	return o.invokePlanner(ctx, standardPlannerPrompt, planningContext)
}

func (o *Orchestrator) invokePlanner(ctx context.Context, system, user string) (*Plan, error) {
	reply, err := o.caller.Complete(ctx, agent.RolePlanner, agent.Request{
		System:      system,
		User:        user,
		Temperature: 0.2,
	})
	if err != nil {
		return nil, err
	}
	p, err := parsePlan(reply)
	if err != nil {
		return nil, err
	}
	return p, nil
}

var jsonBlockRe = regexp.MustCompile(`(?s)\{.*\}`)

// parsePlan decodes planner JSON, salvaging the outermost JSON object
// from malformed replies before giving up.
func parsePlan(reply string) (*Plan, error) {
	var p Plan
	if err := json.Unmarshal([]byte(reply), &p); err == nil && len(p.Subtasks) > 0 {
		p.Raw = reply
		p.Questions = append(p.Questions, textualQuestions(reply)...)
		return &p, nil
	}

	if block := jsonBlockRe.FindString(reply); block != "" {
		var salvaged Plan
		if err := json.Unmarshal([]byte(block), &salvaged); err == nil && len(salvaged.Subtasks) > 0 {
			salvaged.Raw = reply
			return &salvaged, nil
		}
	}

	// A questions-only reply is a valid plan output: it pauses the task.
	if qs := textualQuestions(reply); len(qs) > 0 {
		return &Plan{Questions: qs, Raw: reply}, nil
	}
	return nil, fmt.Errorf("planner reply contains no parseable plan")
}

var questionLineRe = regexp.MustCompile(`(?m)^\s*(?:[-*]|\d+[.)])?\s*(.+\?)\s*$`)

// textualQuestions extracts a questions block from free-form planner
// output.
func textualQuestions(reply string) []string {
	lower := strings.ToLower(reply)
	idx := strings.Index(lower, "questions")
	if idx < 0 {
		return nil
	}
	var out []string
	for _, m := range questionLineRe.FindAllStringSubmatch(reply[idx:], -1) {
		q := strings.TrimSpace(m[1])
		if strings.HasPrefix(q, "\"") || len(q) < 8 {
			continue
		}
		out = append(out, q)
	}
	return out
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "\n... (truncated)"
}

func (t *Task) effectiveInput() string {
	if t.Preprocessed != "" {
		return t.Preprocessed
	}
	return t.Input
}
