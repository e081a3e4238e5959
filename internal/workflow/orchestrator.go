package workflow

import (
	ctxpkg "context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/google/uuid"

	"makerd/internal/agent"
	"makerd/internal/config"
	convo "makerd/internal/context"
	"makerd/internal/errs"
	"makerd/internal/kv"
	"makerd/internal/logging"
	"makerd/internal/maker"
	"makerd/internal/memory"
	"makerd/internal/progress"
	"makerd/internal/skills"
)

// skillBoostThreshold gates skill announcement; only a highly relevant
// skill changes the prompt.
const skillBoostThreshold = 0.85

const skillBodyLimit = 1500

// MemoryQuerier answers narrative context queries.
type MemoryQuerier interface {
	QueryWithContext(taskDescription string, topK int) *memory.QueryResult
}

// Inspector supplies structural codebase facts to the planner.
type Inspector interface {
	Summary(ctx ctxpkg.Context) (string, error)
	Diff(ctx ctxpkg.Context) (string, error)
}

// Emit receives one streamed chunk; progress markers and model output
// are interleaved.
type Emit func(chunk string)

// Orchestrator coordinates the full task pipeline.
type Orchestrator struct {
	caller    agent.Caller
	store     kv.Store
	contexts  *convo.Manager
	engine    *maker.Engine
	skills    *skills.Store
	registry  *skills.Registry
	progress  *progress.Manager
	memory    MemoryQuerier
	inspector Inspector
	cfg       *config.Config
}

// New wires the orchestrator. memory, inspector, skills, registry, and
// progress may be nil; the matching features degrade gracefully.
func New(caller agent.Caller, store kv.Store, contexts *convo.Manager,
	engine *maker.Engine, skillStore *skills.Store, registry *skills.Registry,
	prog *progress.Manager, mem MemoryQuerier, inspector Inspector,
	cfg *config.Config) *Orchestrator {
	return &Orchestrator{
		caller:    caller,
		store:     store,
		contexts:  contexts,
		engine:    engine,
		skills:    skillStore,
		registry:  registry,
		progress:  prog,
		memory:    mem,
		inspector: inspector,
		cfg:       cfg,
	}
}

// Options selects what Execute runs.
type Options struct {
	Input     string
	TaskID    string
	SessionID string
}

// Execute drives one task to a terminal status, streaming chunks
// through emit. The returned task reflects the final persisted state.
func (o *Orchestrator) Execute(ctx ctxpkg.Context, opts Options, emit Emit) (*Task, error) {
	if emit == nil {
		emit = func(string) {}
	}
	taskID := opts.TaskID
	if taskID == "" {
		taskID = uuid.NewString()
	}
	t := newTask(taskID, opts.SessionID, opts.Input)
	o.saveTask(t, StatusPending)
	logging.Workflow("task %s started", t.ID)

	if isTooVague(opts.Input) {
		t.Output = "Could you be more specific? Tell me which file or behaviour to look at, " +
			"and what outcome you expect."
		emit(t.Output)
		t.Classification = ClassQuestion
		o.saveTask(t, StatusComplete)
		return t, nil
	}

	o.conversation(t).AddMessage("user", opts.Input)

	o.saveTask(t, StatusPreprocessing)
	t.Classification = o.classify(ctx, opts.Input)
	t.Preprocessed = opts.Input
	logging.Workflow("task %s classified as %s", t.ID, t.Classification)

	switch t.Classification {
	case ClassQuestion:
		return o.runQuestion(ctx, t, emit)
	case ClassSimpleCode:
		return o.runSimpleCode(ctx, t, emit)
	default:
		return o.runComplexCode(ctx, t, emit)
	}
}

// runQuestion answers directly through a single agent, screening for
// hallucinated tool use.
func (o *Orchestrator) runQuestion(ctx ctxpkg.Context, t *Task, emit Emit) (*Task, error) {
	answer, err := o.caller.Complete(ctx, agent.RoleCoder, agent.Request{
		System: "Answer the user's question about software concisely. You have no tools; answer from knowledge.",
		User:   o.conversation(t).GetContext(ctx, false),
	})
	if err != nil {
		return o.fail(t, emit, errs.Wrap(err, errs.CategoryAIService, errs.SeverityError, "answering failed"))
	}
	emit(answer)
	if looksHallucinated(answer) {
		answer += selfCorrectionNotice
		emit(selfCorrectionNotice)
	}
	t.Output = answer
	o.conversation(t).AddMessage("assistant", answer)
	o.saveTask(t, StatusComplete)
	return t, nil
}

// runSimpleCode is the fast path: exactly one coder invocation, no
// planner, no voting.
func (o *Orchestrator) runSimpleCode(ctx ctxpkg.Context, t *Task, emit Emit) (*Task, error) {
	o.saveTask(t, StatusCoding)
	emit("[CODER] Writing a direct solution...\n")

	out, err := o.caller.Complete(ctx, agent.RoleCoder, agent.Request{
		System:      "Write the requested code. Wrap code in a markdown code block.",
		User:        t.effectiveInput(),
		Temperature: 0.3,
	})
	if err != nil {
		return o.fail(t, emit, errs.Wrap(err, errs.CategoryAIService, errs.SeverityError, "code generation failed"))
	}
	emit(out)
	t.Code = out
	t.Output = out
	o.conversation(t).AddMessage("assistant", out)
	o.saveTask(t, StatusComplete)
	return t, nil
}

// runComplexCode is the full pipeline: plan, then iterate
// generate-vote-review until approval or the iteration budget runs out.
func (o *Orchestrator) runComplexCode(ctx ctxpkg.Context, t *Task, emit Emit) (*Task, error) {
	o.saveTask(t, StatusPlanning)
	emit("[PLANNER] Building a plan...\n")

	p, err := o.plan(ctx, t)
	if err != nil {
		return o.fail(t, emit, errs.Wrap(err, errs.CategoryAIService, errs.SeverityError, "planning failed"))
	}
	t.Plan = p

	if len(p.Questions) > 0 {
		return o.pauseForClarification(t, emit)
	}

	emit(fmt.Sprintf("[PLANNER] %d subtask(s) planned.\n", len(p.Subtasks)))
	return o.iterate(ctx, t, emit)
}

// iterate runs the generate-vote-review loop.
func (o *Orchestrator) iterate(ctx ctxpkg.Context, t *Task, emit Emit) (*Task, error) {
	coderSystem := "You are an expert programmer. Implement the plan. Output only code " +
		"in a markdown code block, with a one-line summary before it."
	usedSkills := o.applySkillBoost(t, &coderSystem, emit)

	var feedback string
	for t.Iterations < o.cfg.Workflow.MaxIterations {
		t.Iterations++
		o.saveTask(t, StatusCoding)
		emit(fmt.Sprintf("[MAKER] Iteration %d: generating %d candidates...\n",
			t.Iterations, o.cfg.Maker.NumCandidates))

		user := o.coderInput(ctx, t, feedback)
		candidates, err := o.engine.GenerateCandidates(ctx, coderSystem, user, o.cfg.Maker.NumCandidates)
		if err != nil {
			return o.fail(t, emit, errs.Wrap(err, errs.CategoryAIService, errs.SeverityError, "candidate generation failed"))
		}
		if len(candidates) == 0 {
			return o.fail(t, emit, errs.New(errs.CategoryVoting, errs.SeverityError,
				"no valid candidates were generated"))
		}

		outcome, err := o.engine.Vote(ctx, candidates, t.effectiveInput(), o.cfg.Maker.VoteK)
		if err != nil || outcome == nil {
			return o.fail(t, emit, errs.New(errs.CategoryVoting, errs.SeverityError,
				"voting produced no winner"))
		}
		emit("[MAKER] Votes: " + formatTally(outcome.Tally) + "\n")
		t.Code = outcome.Winner

		o.saveTask(t, StatusReviewing)
		emit("[REVIEW] Reviewing the winning candidate...\n")
		verdict, err := o.review(ctx, t)
		if err != nil {
			return o.fail(t, emit, errs.Wrap(err, errs.CategoryAIService, errs.SeverityError, "review failed"))
		}
		t.ReviewVerdict = verdict.Status
		t.ReviewFeedback = verdict.Feedback

		if verdict.Approved() {
			emit(" Code approved!\n")
			emit(t.Code)
			t.Output = t.Code
			o.conversation(t).AddMessage("assistant", t.Code)
			o.saveTask(t, StatusComplete)
			o.recordSkillOutcomes(usedSkills, true)
			o.learnFromTask(t, true)
			return t, nil
		}

		feedback = verdict.Feedback
		o.conversation(t).AddMessage("reviewer", feedback)
		emit(fmt.Sprintf("[REVIEW] Needs fixes: %s\n", truncate(feedback, 300)))
	}

	t.Error = "review did not approve within the iteration budget"
	emit("[WORKFLOW] Iteration budget exhausted.\n")
	o.saveTask(t, StatusFailed)
	o.recordSkillOutcomes(usedSkills, false)
	o.learnFromTask(t, false)
	return t, nil
}

// coderInput assembles the per-iteration coder prompt.
func (o *Orchestrator) coderInput(ctx ctxpkg.Context, t *Task, feedback string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Task:\n%s\n", t.effectiveInput())
	if t.Plan != nil && t.Plan.Raw != "" {
		fmt.Fprintf(&b, "\nPlan:\n%s\n", t.Plan.Raw)
	}
	if t.Plan != nil && t.Plan.ClarifiedContext != "" {
		fmt.Fprintf(&b, "\nClarified context:\n%s\n", t.Plan.ClarifiedContext)
	}
	if conv := o.conversation(t).GetContext(ctx, false); conv != "" {
		fmt.Fprintf(&b, "\nConversation:\n%s\n", conv)
	}
	if feedback != "" {
		fmt.Fprintf(&b, "\nReviewer feedback to address:\n%s\n", feedback)
	}
	return b.String()
}

// applySkillBoost announces and applies a highly relevant skill.
func (o *Orchestrator) applySkillBoost(t *Task, system *string, emit Emit) []string {
	if !o.cfg.Workflow.SkillsEnabled || o.skills == nil {
		return nil
	}
	matches, err := o.skills.FindRelevant(t.effectiveInput(), 1)
	if err != nil || len(matches) == 0 {
		return nil
	}
	m := matches[0]
	if m.Score <= skillBoostThreshold {
		return nil
	}
	emit(fmt.Sprintf("[SKILL] Using skill %q (score %.2f)\n", m.Skill.Name, m.Score))
	*system += "\n\nRelevant skill:\n" + truncate(m.Skill.Instructions, skillBodyLimit)
	return []string{m.Skill.Name}
}

func (o *Orchestrator) recordSkillOutcomes(names []string, success bool) {
	if o.registry == nil {
		return
	}
	for _, name := range names {
		if err := o.registry.UpdateStats(name, success); err != nil {
			o.logWarn("skill stats update failed for %q: %v", name, err)
		}
	}
}

// learnFromTask feeds terminal outcomes to skill extraction.
func (o *Orchestrator) learnFromTask(t *Task, approved bool) {
	if !o.cfg.Workflow.SkillLearningEnabled || o.skills == nil {
		return
	}
	_, err := o.skills.ExtractFromTask(skills.TaskOutcome{
		Description:   t.effectiveInput(),
		Code:          t.Code,
		Approved:      approved,
		Iterations:    t.Iterations,
		ErrorFeedback: t.ReviewFeedback != "",
	})
	if err != nil {
		o.logWarn("skill extraction failed: %v", err)
	}
}

// pauseForClarification stores the pending record and marks the task
// awaiting clarification.
func (o *Orchestrator) pauseForClarification(t *Task, emit Emit) (*Task, error) {
	rec := clarification{
		TaskID:       t.ID,
		OriginalTask: t.Input,
		Questions:    t.Plan.Questions,
		Plan:         t.Plan,
		SessionID:    t.SessionID,
	}
	data, err := json.Marshal(rec)
	if err == nil {
		if err := o.store.Set(kv.ClarificationKey(t.ID), data, kv.TTLClarification); err != nil {
			o.logWarn("clarification persist failed: %v", err)
		}
	}

	emit("[CLARIFICATION] The planner needs answers before coding:\n")
	for i, q := range t.Plan.Questions {
		emit(fmt.Sprintf("%d. %s\n", i+1, q))
	}
	o.saveTask(t, StatusAwaitingClarification)
	return t, nil
}

// SubmitClarification resumes a paused task at the coding phase with
// the answers injected into the plan.
func (o *Orchestrator) SubmitClarification(ctx ctxpkg.Context, taskID string, answers []string, emit Emit) (*Task, error) {
	if emit == nil {
		emit = func(string) {}
	}
	data, err := o.store.Get(kv.ClarificationKey(taskID))
	if err != nil {
		if errors.Is(err, kv.ErrNotFound) {
			return nil, errs.New(errs.CategoryValidation, errs.SeverityError,
				"no pending clarification for task %q (it may have expired)", taskID)
		}
		return nil, err
	}
	var rec clarification
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("decode clarification: %w", err)
	}
	o.store.Del(kv.ClarificationKey(taskID))

	t, err := o.LoadTask(taskID)
	if err != nil {
		t = newTask(taskID, rec.SessionID, rec.OriginalTask)
		t.Classification = ClassComplexCode
	}
	t.Plan = rec.Plan
	if t.Plan == nil {
		t.Plan = &Plan{}
	}

	var qa strings.Builder
	for i, q := range rec.Questions {
		answer := "(unanswered)"
		if i < len(answers) {
			answer = answers[i]
		}
		fmt.Fprintf(&qa, "Q: %s\nA: %s\n", q, answer)
	}
	t.Plan.ClarifiedContext = qa.String()
	t.Plan.Questions = nil

	emit("[CLARIFICATION] Answers received, resuming at the coding phase.\n")
	logging.Workflow("task %s resumed from clarification", t.ID)
	return o.iterate(ctx, t, emit)
}

// ResumeSession re-enters the orchestrator with an orientation context
// built from the progress files.
func (o *Orchestrator) ResumeSession(ctx ctxpkg.Context, sessionID string, emit Emit) (*Task, error) {
	if !o.cfg.Workflow.LongRunningEnabled {
		return nil, errs.New(errs.CategoryConfiguration, errs.SeverityError,
			"long-running session support is disabled")
	}
	if o.progress == nil {
		return nil, errs.New(errs.CategoryConfiguration, errs.SeverityError,
			"session resume requires a workspace progress manager")
	}
	orientation, err := o.progress.CreateResumeContext()
	if err != nil {
		return nil, err
	}
	input := "Resume work on this project.\n\n" + orientation
	return o.Execute(ctx, Options{Input: input, SessionID: sessionID}, emit)
}

// SaveSession persists the session's compressor state and pointers.
func (o *Orchestrator) SaveSession(sessionID string, taskIDs []string) error {
	state, err := o.contexts.Get(sessionID).ToJSON()
	if err != nil {
		return err
	}
	rec := map[string]interface{}{
		"session_id": sessionID,
		"task_ids":   taskIDs,
		"context":    json.RawMessage(state),
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return o.store.Set(kv.SessionKey(sessionID), data, kv.TTLSession)
}

// fail marks the task failed, reporting the error in-band.
func (o *Orchestrator) fail(t *Task, emit Emit, err error) (*Task, error) {
	t.Error = err.Error()
	emit(fmt.Sprintf("[ERROR] %s\n", err.Error()))
	o.saveTask(t, StatusFailed)
	logging.WorkflowError("task %s failed: %v", t.ID, err)
	return t, nil
}

// conversation returns the task's compressor, keyed by session when
// present so multi-task sessions share context.
func (o *Orchestrator) conversation(t *Task) *convo.Compressor {
	key := t.SessionID
	if key == "" {
		key = t.ID
	}
	return o.contexts.Get(key)
}

func formatTally(tally map[string]int) string {
	labels := make([]string, 0, len(tally))
	for l := range tally {
		labels = append(labels, l)
	}
	sort.Strings(labels)
	parts := make([]string, len(labels))
	for i, l := range labels {
		parts[i] = fmt.Sprintf("%s=%d", l, tally[l])
	}
	return strings.Join(parts, " ")
}

func (o *Orchestrator) logWarn(format string, args ...interface{}) {
	logging.Get(logging.CategoryWorkflow).Warn(format, args...)
}
