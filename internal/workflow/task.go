// Package workflow drives a task through classification, planning,
// candidate generation, quorum voting, and review, persisting state at
// every phase boundary.
package workflow

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"makerd/internal/kv"
)

// Status is a task's lifecycle phase.
type Status string

const (
	StatusPending               Status = "pending"
	StatusPreprocessing         Status = "preprocessing"
	StatusPlanning              Status = "planning"
	StatusCoding                Status = "coding"
	StatusReviewing             Status = "reviewing"
	StatusComplete              Status = "complete"
	StatusFailed                Status = "failed"
	StatusAwaitingClarification Status = "awaiting-clarification"
)

// Classification buckets from triage.
const (
	ClassQuestion    = "question"
	ClassSimpleCode  = "simple_code"
	ClassComplexCode = "complex_code"
)

// Task is the durable task record.
type Task struct {
	ID             string `json:"id"`
	SessionID      string `json:"session_id,omitempty"`
	Input          string `json:"input"`
	Preprocessed   string `json:"preprocessed,omitempty"`
	Classification string `json:"classification,omitempty"`
	Plan           *Plan  `json:"plan,omitempty"`
	Code           string `json:"code,omitempty"`
	ReviewVerdict  string `json:"review_verdict,omitempty"`
	ReviewFeedback string `json:"review_feedback,omitempty"`
	Iterations     int    `json:"iteration_count"`
	Status         Status `json:"status"`
	Output         string `json:"output,omitempty"`
	Error          string `json:"error,omitempty"`
	CreatedAt      string `json:"created_at"`
	UpdatedAt      string `json:"updated_at"`
}

// Subtask is one planner work item.
type Subtask struct {
	ID                  string   `json:"id"`
	Description         string   `json:"description"`
	TargetModules       []string `json:"target_modules,omitempty"`
	PreservedNarratives []string `json:"preserved_narratives,omitempty"`
	Dependencies        []string `json:"dependencies,omitempty"`
	Warnings            []string `json:"warnings,omitempty"`
	Confidence          float64  `json:"confidence,omitempty"`
}

// Plan is the parsed planner output.
type Plan struct {
	Subtasks         []Subtask `json:"plan"`
	Questions        []string  `json:"questions,omitempty"`
	ClarifiedContext string    `json:"clarified_context,omitempty"`
	Raw              string    `json:"-"`
}

// clarification is the paused-task record stored under
// clarification:<task> while the user answers planner questions.
type clarification struct {
	TaskID       string   `json:"task_id"`
	OriginalTask string   `json:"original_task"`
	Questions    []string `json:"questions"`
	Plan         *Plan    `json:"plan"`
	SessionID    string   `json:"session_id,omitempty"`
}

// newTask creates a pending task record.
func newTask(id, sessionID, input string) *Task {
	now := time.Now().UTC().Format(time.RFC3339)
	return &Task{
		ID:        id,
		SessionID: sessionID,
		Input:     input,
		Status:    StatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// saveTask persists the record at a phase boundary.
func (o *Orchestrator) saveTask(t *Task, status Status) {
	t.Status = status
	t.UpdatedAt = time.Now().UTC().Format(time.RFC3339)
	data, err := json.Marshal(t)
	if err != nil {
		return
	}
	if err := o.store.Set(kv.TaskKey(t.ID), data, 0); err != nil {
		o.logWarn("task %s: persist failed: %v", t.ID, err)
	}
}

// LoadTask reads a task record.
func (o *Orchestrator) LoadTask(id string) (*Task, error) {
	data, err := o.store.Get(kv.TaskKey(id))
	if err != nil {
		if errors.Is(err, kv.ErrNotFound) {
			return nil, fmt.Errorf("task %q not found", id)
		}
		return nil, err
	}
	var t Task
	if err := json.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("decode task %q: %w", id, err)
	}
	return &t, nil
}
