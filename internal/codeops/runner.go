package codeops

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"time"

	"makerd/internal/logging"
)

// defaultToolTimeout bounds git and test subprocesses.
const defaultToolTimeout = 30 * time.Second

// ToolResult is the outcome of a subprocess tool.
type ToolResult struct {
	ExitCode int    `json:"exit_code"`
	Output   string `json:"output"` // combined stdout+stderr
}

// Runner executes subprocess tools inside the workspace. Arguments are
// passed as an argv vector; caller input is never shell-interpolated.
type Runner struct {
	workspace string
	timeout   time.Duration
}

// NewRunner creates a runner for the workspace with the default timeout.
func NewRunner(workspace string) *Runner {
	return &Runner{workspace: workspace, timeout: defaultToolTimeout}
}

// SetTimeout overrides the subprocess timeout.
func (r *Runner) SetTimeout(d time.Duration) {
	r.timeout = d
}

// Run executes binary with args in the workspace and captures output.
func (r *Runner) Run(ctx context.Context, binary string, args ...string) (*ToolResult, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, binary, args...)
	cmd.Dir = r.workspace

	var buf bytes.Buffer
	cmd.Stdout = &buf
	cmd.Stderr = &buf

	start := time.Now()
	err := cmd.Run()
	logging.CodeOpsDebug("Run: %s %v exit=%v in %v", binary, args, err, time.Since(start))

	result := &ToolResult{Output: buf.String()}
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			result.ExitCode = exitErr.ExitCode()
			return result, nil // non-zero exit is data, not an error
		}
		if ctx.Err() == context.DeadlineExceeded {
			result.ExitCode = -1
			result.Output += fmt.Sprintf("\n(timed out after %v)", r.timeout)
			return result, nil
		}
		return nil, fmt.Errorf("failed to run %s: %w", binary, err)
	}
	return result, nil
}

// GitDiff returns the working-tree diff, optionally limited to one file.
func (s *Service) GitDiff(ctx context.Context, file string) (*ToolResult, error) {
	args := []string{"diff"}
	if file != "" {
		resolved, err := s.resolve(file)
		if err != nil {
			return nil, err
		}
		args = append(args, "--", resolved)
	}
	return s.runner.Run(ctx, "git", args...)
}

// RunTests runs the project's tests, optionally scoped to one test file.
// Frameworks are tried in order: pytest, unittest, npm test.
func (s *Service) RunTests(ctx context.Context, testFile string) (*ToolResult, error) {
	if testFile != "" {
		resolved, err := s.resolve(testFile)
		if err != nil {
			return nil, err
		}
		return s.runner.Run(ctx, "python", "-m", "pytest", resolved, "-v")
	}
	result, err := s.runner.Run(ctx, "python", "-m", "pytest", "-v")
	if err == nil {
		return result, nil
	}
	result, err = s.runner.Run(ctx, "python", "-m", "unittest", "discover")
	if err == nil {
		return result, nil
	}
	return s.runner.Run(ctx, "npm", "test")
}
