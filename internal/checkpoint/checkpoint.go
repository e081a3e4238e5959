// Package checkpoint gates git commits on verified test runs. A
// checkpoint commits only when a test framework produced positive
// evidence of passing; absence of evidence refuses the checkpoint.
package checkpoint

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"time"

	"makerd/internal/codeops"
	"makerd/internal/kv"
	"makerd/internal/logging"
	"makerd/internal/progress"
)

// Result describes one checkpoint attempt.
type Result struct {
	Feature    string `json:"feature"`
	Committed  bool   `json:"committed"`
	CommitID   string `json:"commit_id,omitempty"`
	TestOutput string `json:"test_output,omitempty"`
	Diagnostic string `json:"diagnostic,omitempty"`
}

// record is the KV payload stored per (session, feature).
type record struct {
	Feature   string `json:"feature"`
	Commit    string `json:"commit"`
	Timestamp string `json:"timestamp"`
}

// Manager creates verified checkpoints in the workspace.
type Manager struct {
	workspace string
	runner    *codeops.Runner
	progress  *progress.Manager
	store     kv.Store
}

// NewManager wires the checkpoint manager. store may be nil; checkpoint
// records are then not persisted.
func NewManager(workspace string, prog *progress.Manager, store kv.Store) *Manager {
	return &Manager{
		workspace: workspace,
		runner:    codeops.NewRunner(workspace),
		progress:  prog,
		store:     store,
	}
}

// Success/failure tokens recognised in test framework output. Pass
// evidence is anchored: a counted "N passed" or a framework's own
// line-initial OK, never a bare "ok" substring anywhere in the output.
var (
	passPatterns = []*regexp.Regexp{
		regexp.MustCompile(`\b[1-9]\d* passed\b`),
		regexp.MustCompile(`(?m)^ok\b`),
		regexp.MustCompile(`all tests passed`),
	}

	failPatterns = []*regexp.Regexp{
		regexp.MustCompile(`[1-9]\d* failed`),
		regexp.MustCompile(`failed \(`),
		regexp.MustCompile(`errors=[1-9]`),
		regexp.MustCompile(`failures=[1-9]`),
		regexp.MustCompile(`traceback \(most recent call last\)`),
	}

	noTestTokens = []string{
		"no tests ran",
		"ran 0 tests",
		"no such file or directory",
		"no module named",
		"missing script: \"test\"",
		"missing script: test",
		"could not find",
		"command not found",
	}
)

// CreateCheckpoint verifies tests, commits, updates the feature status,
// and records the checkpoint. Failure at any step leaves the feature
// status untouched.
func (m *Manager) CreateCheckpoint(ctx context.Context, feature, code, sessionID string) (*Result, error) {
	timer := logging.StartTimer(logging.CategoryCheckpoint, "create_checkpoint")
	defer timer.Stop()

	result := &Result{Feature: feature}

	testOut, passed, frameworkRan := m.runTests(ctx)
	result.TestOutput = testOut
	if !passed {
		result.Diagnostic = refusalDiagnostic(frameworkRan)
		logging.Checkpoint("checkpoint %q refused: %s", feature, result.Diagnostic)
		return result, nil
	}

	commitID, committed, err := m.commit(ctx, feature, code)
	if err != nil {
		return nil, fmt.Errorf("checkpoint %q: %w", feature, err)
	}
	result.Committed = committed
	result.CommitID = commitID
	if !committed {
		logging.Checkpoint("checkpoint %q: nothing to commit", feature)
	}

	if m.progress != nil {
		if err := m.progress.UpdateFeatureStatus(feature, true); err != nil {
			logging.Get(logging.CategoryCheckpoint).Warn("feature status update failed: %v", err)
		}
		m.progress.LogProgress(fmt.Sprintf("checkpoint: %s (commit %s)", feature, shortID(commitID)))
	}

	if m.store != nil && sessionID != "" {
		rec := record{
			Feature:   feature,
			Commit:    commitID,
			Timestamp: time.Now().UTC().Format(time.RFC3339),
		}
		data, err := json.Marshal(rec)
		if err == nil {
			m.store.Set(kv.CheckpointKey(sessionID, feature), data, kv.TTLCheckpoint)
		}
	}

	logging.Checkpoint("checkpoint %q committed as %s", feature, shortID(commitID))
	return result, nil
}

// runTests tries pytest, unittest, then npm test, and demands positive
// pass evidence: a success token, no failure tokens, zero exit. The
// third return reports whether any framework actually ran.
func (m *Manager) runTests(ctx context.Context) (string, bool, bool) {
	attempts := [][]string{
		{"python", "-m", "pytest", "-v"},
		{"python", "-m", "unittest", "discover"},
		{"npm", "test"},
	}

	var lastOutput string
	for _, argv := range attempts {
		res, err := m.runner.Run(ctx, argv[0], argv[1:]...)
		if err != nil {
			continue
		}
		lastOutput = res.Output
		if frameworkAbsent(res.Output) {
			continue
		}
		if res.ExitCode == 0 && hasPassEvidence(res.Output) && !hasFailEvidence(res.Output) {
			return res.Output, true, true
		}
		// A framework ran and reported failure: stop, do not fall through
		// to a weaker framework.
		return res.Output, false, true
	}
	return lastOutput, false, false
}

// refusalDiagnostic distinguishes a workspace with no usable test
// framework from a run that produced no passing evidence.
func refusalDiagnostic(frameworkRan bool) string {
	if frameworkRan {
		return "cannot verify tests: the test run did not produce passing evidence"
	}
	return "cannot verify tests: no test framework found in the workspace"
}

func frameworkAbsent(output string) bool {
	lower := strings.ToLower(output)
	for _, token := range noTestTokens {
		if strings.Contains(lower, token) {
			return true
		}
	}
	return false
}

func hasPassEvidence(output string) bool {
	lower := strings.ToLower(output)
	for _, re := range passPatterns {
		if re.MatchString(lower) {
			return true
		}
	}
	return false
}

func hasFailEvidence(output string) bool {
	lower := strings.ToLower(output)
	for _, re := range failPatterns {
		if re.MatchString(lower) {
			return true
		}
	}
	return false
}

// commit stages everything and commits with a conventional message.
// Returns ("", false, nil) when the tree is clean.
func (m *Manager) commit(ctx context.Context, feature, code string) (string, bool, error) {
	status, err := m.runner.Run(ctx, "git", "status", "--porcelain")
	if err != nil {
		return "", false, err
	}
	if strings.TrimSpace(status.Output) == "" {
		return "", false, nil
	}

	if res, err := m.runner.Run(ctx, "git", "add", "-A"); err != nil || res.ExitCode != 0 {
		return "", false, fmt.Errorf("git add failed: %v %s", err, outputOf(res))
	}

	msg := commitMessage(feature, code)
	if res, err := m.runner.Run(ctx, "git", "commit", "-m", msg); err != nil || res.ExitCode != 0 {
		return "", false, fmt.Errorf("git commit failed: %v %s", err, outputOf(res))
	}

	rev, err := m.runner.Run(ctx, "git", "rev-parse", "HEAD")
	if err != nil || rev.ExitCode != 0 {
		return "", true, nil
	}
	return strings.TrimSpace(rev.Output), true, nil
}

// commitMessage builds `feat: Complete <feature>` with a short summary
// derived from the generated code.
func commitMessage(feature, code string) string {
	msg := fmt.Sprintf("feat: Complete %s", feature)
	if summary := codeSummary(code); summary != "" {
		msg += "\n\n" + summary
	}
	return msg
}

var (
	defRe   = regexp.MustCompile(`(?m)^\s*def\s+\w+`)
	classRe = regexp.MustCompile(`(?m)^\s*class\s+\w+`)
)

func codeSummary(code string) string {
	if strings.TrimSpace(code) == "" {
		return ""
	}
	funcs := len(defRe.FindAllString(code, -1))
	classes := len(classRe.FindAllString(code, -1))
	if funcs > 0 || classes > 0 {
		return fmt.Sprintf("Adds %d function(s) and %d class(es).", funcs, classes)
	}
	lines := strings.Count(code, "\n") + 1
	return fmt.Sprintf("Changes %d line(s) of code.", lines)
}

func outputOf(res *codeops.ToolResult) string {
	if res == nil {
		return ""
	}
	return res.Output
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	if id == "" {
		return "none"
	}
	return id
}
