package checkpoint

import (
	"context"
	"os/exec"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"makerd/internal/progress"
)

func TestCheckpointRefusedWithoutTests(t *testing.T) {
	ws := t.TempDir()
	prog := progress.NewManager(ws)
	require.NoError(t, prog.AddFeature("f1", "first feature", 1))

	m := NewManager(ws, prog, nil)
	res, err := m.CreateCheckpoint(context.Background(), "f1", "", "")
	require.NoError(t, err)

	assert.False(t, res.Committed)
	assert.Contains(t, res.Diagnostic, "cannot verify tests")

	f, err := prog.GetFeature("f1")
	require.NoError(t, err)
	assert.False(t, f.Passes, "refused checkpoint must not mark the feature passing")
}

func TestPassEvidenceRecognition(t *testing.T) {
	assert.True(t, hasPassEvidence("===== 5 passed in 0.12s ====="))
	assert.True(t, hasPassEvidence("Ran 3 tests in 0.001s\n\nOK"))
	assert.False(t, hasPassEvidence("collecting..."))

	// Incidental "ok" or a zero count is not evidence of a passing run.
	assert.False(t, hasPassEvidence("building image sha256 ok cached"))
	assert.False(t, hasPassEvidence("broker handshake okay, no suites found"))
	assert.False(t, hasPassEvidence("0 passed, 0 skipped"))

	assert.True(t, hasFailEvidence("1 failed, 2 passed"))
	assert.True(t, hasFailEvidence("FAILED (errors=2)"))
	assert.False(t, hasFailEvidence("===== 5 passed in 0.12s ====="))
	assert.False(t, hasFailEvidence("ran 3 tests ... ok (errors=0)"))
}

func TestFrameworkAbsenceRecognition(t *testing.T) {
	assert.True(t, frameworkAbsent("no tests ran in 0.01s"))
	assert.True(t, frameworkAbsent("Ran 0 tests in 0.000s\n\nOK"))
	assert.True(t, frameworkAbsent("/usr/bin/python: No module named pytest"))
	assert.False(t, frameworkAbsent("Ran 3 tests in 0.001s\n\nOK"))
}

func TestRefusalDiagnosticsDistinct(t *testing.T) {
	absent := refusalDiagnostic(false)
	failed := refusalDiagnostic(true)

	assert.Contains(t, absent, "no test framework")
	assert.Contains(t, failed, "passing evidence")
	assert.NotEqual(t, absent, failed)
}

func TestCommitMessageShape(t *testing.T) {
	msg := commitMessage("user-auth", "def login():\n    pass\n\nclass Session:\n    pass\n")
	assert.Contains(t, msg, "feat: Complete user-auth")
	assert.Contains(t, msg, "1 function(s)")
	assert.Contains(t, msg, "1 class(es)")

	plain := commitMessage("docs", "just\nsome\ntext")
	assert.Contains(t, plain, "3 line(s)")

	empty := commitMessage("noop", "")
	assert.Equal(t, "feat: Complete noop", empty)
}

func TestCommitSkippedOnCleanTree(t *testing.T) {
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not installed")
	}
	ws := t.TempDir()
	for _, argv := range [][]string{
		{"init"},
		{"config", "user.email", "dev@example.com"},
		{"config", "user.name", "dev"},
		{"commit", "--allow-empty", "-m", "init"},
	} {
		cmd := exec.Command("git", argv...)
		cmd.Dir = ws
		require.NoError(t, cmd.Run(), "git %v", argv)
	}

	m := NewManager(ws, nil, nil)
	id, committed, err := m.commit(context.Background(), "f1", "")
	require.NoError(t, err)
	assert.False(t, committed)
	assert.Empty(t, id)
}
