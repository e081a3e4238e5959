package workflow

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"makerd/internal/agent"
)

const reviewerPrompt = `You are a strict code reviewer. Check the code against the task
and plan. Answer with JSON only:
{"status":"approved"|"failed","feedback":"...","suggestions":[]}`

const reflectionPrompt = `You wrote the plan below. Decide whether the generated code
fulfils it. Answer with JSON only:
{"status":"approved"|"failed","feedback":"...","suggestions":[]}`

// Verdict is the parsed review outcome.
type Verdict struct {
	Status      string   `json:"status"`
	Feedback    string   `json:"feedback"`
	Suggestions []string `json:"suggestions,omitempty"`
}

// Approved reports whether the verdict passes the code.
func (v *Verdict) Approved() bool {
	return v != nil && v.Status == "approved"
}

// review runs the mode-appropriate review pass. High-resource mode uses
// the dedicated reviewer; low-resource mode asks the planner to reflect
// on its own plan.
func (o *Orchestrator) review(ctx context.Context, t *Task) (*Verdict, error) {
	planText := ""
	if t.Plan != nil {
		planText = t.Plan.Raw
		if t.Plan.ClarifiedContext != "" {
			planText += "\n\nClarified context:\n" + t.Plan.ClarifiedContext
		}
	}
	user := fmt.Sprintf("Task:\n%s\n\nPlan:\n%s\n\nCode:\n%s",
		t.effectiveInput(), planText, t.Code)

	role := agent.RoleReviewer
	system := reviewerPrompt
	if o.cfg.Maker.Mode == "low" {
		role = agent.RolePlanner
		system = reflectionPrompt
	}

	reply, err := o.caller.Complete(ctx, role, agent.Request{
		System:      system,
		User:        user,
		Temperature: 0.1,
	})
	if err != nil {
		return nil, err
	}
	return parseVerdict(reply), nil
}

// Textual approval markers accepted by the lenient fallback.
var approvalMarkers = []string{"approved", "lgtm", "looks good", "code approved"}

// parseVerdict decodes the review JSON; non-JSON replies fall back to
// textual approval markers.
func parseVerdict(reply string) *Verdict {
	var v Verdict
	if err := json.Unmarshal([]byte(reply), &v); err == nil && v.Status != "" {
		v.Status = normalizeStatus(v.Status)
		return &v
	}
	if block := jsonBlockRe.FindString(reply); block != "" {
		var salvaged Verdict
		if err := json.Unmarshal([]byte(block), &salvaged); err == nil && salvaged.Status != "" {
			salvaged.Status = normalizeStatus(salvaged.Status)
			return &salvaged
		}
	}

	lower := strings.ToLower(reply)
	for _, marker := range approvalMarkers {
		if strings.Contains(lower, marker) {
			return &Verdict{Status: "approved", Feedback: reply}
		}
	}
	return &Verdict{Status: "failed", Feedback: reply}
}

func normalizeStatus(s string) string {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "approved", "approve", "pass", "ok":
		return "approved"
	default:
		return "failed"
	}
}
