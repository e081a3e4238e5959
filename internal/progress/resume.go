package progress

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"
)

const gitTimeout = 10 * time.Second

// errorTokens mark a progress entry as suspicious for clean-state
// verification.
var errorTokens = []string{"error", "failed", "traceback", "exception", "panic"}

// CreateResumeContext emits a deterministic orientation block for a
// fresh session: working directory, recent progress, recent commits,
// summary, and the next feature.
func (m *Manager) CreateResumeContext() (string, error) {
	var b strings.Builder

	fmt.Fprintf(&b, "## Working directory\n\n%s\n\n", m.workspace)

	entries, err := m.LastEntries(10)
	if err != nil {
		return "", err
	}
	b.WriteString("## Recent progress\n\n")
	if len(entries) == 0 {
		b.WriteString("(no progress recorded)\n")
	}
	for _, line := range entries {
		b.WriteString(line)
		b.WriteString("\n")
	}
	b.WriteString("\n")

	b.WriteString("## Recent commits\n\n")
	commits := m.recentCommits(5)
	if len(commits) == 0 {
		b.WriteString("(no git history)\n")
	}
	for _, c := range commits {
		b.WriteString(c)
		b.WriteString("\n")
	}
	b.WriteString("\n")

	summary, err := m.GetProgressSummary()
	if err != nil {
		return "", err
	}
	fmt.Fprintf(&b, "## Summary\n\n%d/%d features passing (%.0f%%)\n\n",
		summary.Passing, summary.Total, summary.Rate*100)

	b.WriteString("## Next feature\n\n")
	if summary.NextFeature == "" {
		b.WriteString("(all features passing)\n")
	} else {
		next, err := m.GetFeature(summary.NextFeature)
		if err == nil {
			fmt.Fprintf(&b, "%s: %s\n", next.Name, next.Description)
		}
	}
	return b.String(), nil
}

// VerifyCleanState reports false when the VCS has uncommitted changes
// or the trailing progress entries look like a crash.
func (m *Manager) VerifyCleanState() (bool, string) {
	if out := m.git("status", "--porcelain"); strings.TrimSpace(out) != "" {
		return false, "uncommitted changes present"
	}
	entries, err := m.LastEntries(5)
	if err != nil {
		return false, fmt.Sprintf("progress log unreadable: %v", err)
	}
	for _, line := range entries {
		lower := strings.ToLower(line)
		for _, token := range errorTokens {
			if strings.Contains(lower, token) {
				return false, fmt.Sprintf("recent progress mentions %q", token)
			}
		}
	}
	return true, ""
}

func (m *Manager) recentCommits(n int) []string {
	out := m.git("log", "--oneline", fmt.Sprintf("-%d", n))
	if out == "" {
		return nil
	}
	return strings.Split(strings.TrimRight(out, "\n"), "\n")
}

func (m *Manager) git(args ...string) string {
	ctx, cancel := context.WithTimeout(context.Background(), gitTimeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = m.workspace
	out, err := cmd.Output()
	if err != nil {
		return ""
	}
	return string(out)
}
