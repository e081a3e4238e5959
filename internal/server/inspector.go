package server

import (
	"context"

	"makerd/internal/codeops"
)

// CodeInspector adapts the code service to the planner's structural
// context interface.
type CodeInspector struct {
	code *codeops.Service
}

// NewCodeInspector wraps the code service.
func NewCodeInspector(code *codeops.Service) *CodeInspector {
	return &CodeInspector{code: code}
}

// Summary returns the structural codebase summary.
func (ci *CodeInspector) Summary(_ context.Context) (string, error) {
	analysis, err := ci.code.AnalyzeCodebase()
	if err != nil {
		return "", err
	}
	return analysis.Summary(), nil
}

// Diff returns the workspace's uncommitted changes.
func (ci *CodeInspector) Diff(ctx context.Context) (string, error) {
	result, err := ci.code.GitDiff(ctx, "")
	if err != nil {
		return "", err
	}
	return result.Output, nil
}
