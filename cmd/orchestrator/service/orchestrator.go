// Package service owns the workflow lifecycle: admission, the per-workflow
// graph tasks, pause/resume plumbing, cancellation, and the durable event
// stream. Handlers call into it; it never touches HTTP.
package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/forgeline/overseer/common/agents"
	"github.com/forgeline/overseer/common/config"
	"github.com/forgeline/overseer/common/driver"
	"github.com/forgeline/overseer/common/events"
	"github.com/forgeline/overseer/common/git"
	"github.com/forgeline/overseer/common/graph"
	"github.com/forgeline/overseer/common/logger"
	"github.com/forgeline/overseer/common/state"
	"github.com/forgeline/overseer/common/store"
)

var (
	// ErrTooBusy rejects a start when the concurrency limit is reached under
	// the reject admission policy.
	ErrTooBusy = errors.New("workflow concurrency limit reached")

	// ErrAlreadyRunning guards against driving one workflow from two tasks.
	ErrAlreadyRunning = errors.New("workflow task is already running")

	// ErrPlanArgs is returned when a plan replacement supplies both or
	// neither of planFile and planContent.
	ErrPlanArgs = errors.New("exactly one of planFile and planContent must be provided")

	// ErrPlanFile is returned when the referenced plan file cannot be read.
	ErrPlanFile = errors.New("plan file is missing or empty")

	// errCancelled halts a run at the next node boundary after a cancel
	// request.
	errCancelled = errors.New("cancellation requested")
)

// ApprovalPrompt collects a synchronous plan decision when approvals run in
// CLI mode instead of pausing the graph.
type ApprovalPrompt func(ctx context.Context, st state.WorkflowState) (approved bool, feedback string, err error)

// Orchestrator drives workflows through the fixed agent graph. One task per
// workflow; bounded by a weighted semaphore sized to the concurrency limit.
type Orchestrator struct {
	cfg     *config.Config
	store   *store.Store
	bus     *events.Bus
	drivers *driver.Factory
	log     *logger.Logger
	prompt  ApprovalPrompt

	sem *semaphore.Weighted

	mu     sync.Mutex
	runs   map[string]*run
	trees  map[string]*git.Manager
	closed bool

	wg sync.WaitGroup
}

// OrchestratorOpts wires the orchestrator's dependencies.
type OrchestratorOpts struct {
	Config  *config.Config
	Store   *store.Store
	Bus     *events.Bus
	Drivers *driver.Factory
	Log     *logger.Logger

	// ApprovalPrompt handles plan decisions in CLI approval mode. Ignored in
	// server mode.
	ApprovalPrompt ApprovalPrompt
}

// NewOrchestrator creates the orchestrator. It does not start any
// background work; workflows spawn tasks on demand.
func NewOrchestrator(opts *OrchestratorOpts) *Orchestrator {
	maxConcurrent := opts.Config.Engine.MaxConcurrentWorkflows
	if maxConcurrent < 1 {
		maxConcurrent = 1
	}
	o := &Orchestrator{
		cfg:     opts.Config,
		store:   opts.Store,
		bus:     opts.Bus,
		drivers: opts.Drivers,
		log:     opts.Log,
		prompt:  opts.ApprovalPrompt,
		sem:     semaphore.NewWeighted(int64(maxConcurrent)),
		runs:    make(map[string]*run),
		trees:   make(map[string]*git.Manager),
	}
	if o.prompt == nil {
		o.prompt = StdinApprovalPrompt
	}
	return o
}

// run tracks one in-flight per-workflow task.
type run struct {
	workflowID string
	cancel     context.CancelFunc
	emitter    *emitter
	trees      *git.Manager

	mu           sync.Mutex
	cancelAsked  bool
	cancelReason string
}

// requestCancel flags the run for cancellation at its next node boundary.
// The first reason wins.
func (r *run) requestCancel(reason string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.cancelAsked {
		r.cancelAsked = true
		r.cancelReason = reason
	}
}

func (r *run) cancelRequested() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cancelAsked
}

func (r *run) reason() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cancelReason == "" {
		return "cancelled"
	}
	return r.cancelReason
}

// StartRequest carries everything needed to admit a new workflow.
type StartRequest struct {
	IssueID      string
	ProfileID    string
	WorktreePath string // adopt this checkout instead of creating a worktree
	PlanPath     string // pre-seeded plan file; the run enters at plan validation
}

// StartWorkflow admits a workflow and spawns its task. Under the reject
// policy a saturated orchestrator returns ErrTooBusy before any row is
// written; under the wait policy the workflow is created pending and its
// task queues on the semaphore.
func (o *Orchestrator) StartWorkflow(ctx context.Context, req StartRequest) (string, error) {
	if strings.TrimSpace(req.IssueID) == "" {
		return "", fmt.Errorf("issue id is required")
	}
	profile, err := o.resolveProfile(ctx, req.ProfileID)
	if err != nil {
		return "", err
	}

	admitted := false
	if o.cfg.Engine.AdmissionPolicy == "reject" {
		if !o.sem.TryAcquire(1) {
			return "", ErrTooBusy
		}
		admitted = true
	}

	id := uuid.NewString()
	st := state.New(id, req.IssueID, profile.ID)
	if req.PlanPath != "" {
		st.PlanPath = req.PlanPath
	}
	if err := o.store.CreateWorkflow(ctx, st); err != nil {
		if admitted {
			o.sem.Release(1)
		}
		return "", err
	}

	prompts := o.pinPrompts(ctx, id)

	r, runCtx, err := o.register(id, 0)
	if err != nil {
		if admitted {
			o.sem.Release(1)
		}
		return "", err
	}

	o.log.Info("workflow admitted",
		"workflow_id", id, "issue_id", req.IssueID, "profile", profile.ID)

	o.wg.Add(1)
	go o.runWorkflow(runCtx, r, st, profile, prompts, req.WorktreePath, admitted)
	return id, nil
}

// ApproveBatch resumes a workflow paused at a plan or batch approval gate.
func (o *Orchestrator) ApproveBatch(ctx context.Context, workflowID string, approved bool, feedback string) error {
	updates := state.Update{"humanApproved": approved}
	if feedback != "" {
		updates["humanFeedback"] = feedback
	}
	return o.resume(ctx, workflowID, updates)
}

// ResolveBlocker resumes a workflow paused on a blocker report. "skip" and
// "abort" are sentinels; anything else retries the step with the resolution
// text as guidance.
func (o *Orchestrator) ResolveBlocker(ctx context.Context, workflowID, resolution string) error {
	return o.resume(ctx, workflowID, state.Update{"blockerResolution": resolution})
}

// resume validates that the workflow is actually paused, then spawns a task
// that drives it from its latest checkpoint with the updates merged in.
func (o *Orchestrator) resume(ctx context.Context, workflowID string, updates state.Update) error {
	wf, err := o.store.GetWorkflow(ctx, workflowID)
	if err != nil {
		return err
	}
	if isTerminal(wf.Status) {
		return state.ErrTerminal
	}

	cp, err := o.store.LatestCheckpoint(ctx, workflowID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return graph.ErrNotInterrupted
		}
		return err
	}
	if cp.Interrupt() == nil {
		return graph.ErrNotInterrupted
	}

	profile, err := o.resolveProfile(ctx, wf.State.ProfileID)
	if err != nil {
		return err
	}
	prompts := o.resumePrompts(ctx, workflowID)

	lastSeq, err := o.store.LastSequence(ctx, workflowID)
	if err != nil {
		return err
	}

	r, runCtx, err := o.register(workflowID, lastSeq)
	if err != nil {
		return err
	}

	o.log.Info("workflow resuming", "workflow_id", workflowID)
	o.wg.Add(1)
	go o.resumeWorkflow(runCtx, r, wf.State, profile, prompts, updates)
	return nil
}

// CancelWorkflow requests cancellation. A live task stops at its next node
// boundary; a paused or queued workflow is cancelled in place.
func (o *Orchestrator) CancelWorkflow(ctx context.Context, workflowID, reason string) error {
	if strings.TrimSpace(reason) == "" {
		reason = "cancelled by operator"
	}

	o.mu.Lock()
	r, active := o.runs[workflowID]
	o.mu.Unlock()
	if active {
		r.requestCancel(reason)
		if o.cfg.Driver.CancelAborts {
			r.cancel()
		}
		o.log.Info("cancellation requested", "workflow_id", workflowID, "reason", reason)
		return nil
	}

	wf, err := o.store.GetWorkflow(ctx, workflowID)
	if err != nil {
		return err
	}
	if err := state.ValidateTransition(wf.Status, state.StatusCancelled); err != nil {
		return err
	}

	lastSeq, err := o.store.LastSequence(ctx, workflowID)
	if err != nil {
		return err
	}

	st := wf.State
	st.WorkflowStatus = state.StatusCancelled
	em := newEmitter(workflowID, lastSeq, o.bus)
	em.emit(state.WorkflowEvent{
		Agent:     agentOrchestrator,
		EventType: state.EventWorkflowCancelled,
		Message:   reason,
	})
	evts, _ := em.drain()
	if err := o.store.SaveNodeOutput(ctx, st, evts, nil); err != nil {
		return err
	}

	if profile, perr := o.resolveProfile(ctx, wf.State.ProfileID); perr == nil {
		if err := o.treesFor(profile).Remove(ctx, workflowID); err != nil {
			o.log.Warn("worktree teardown failed", "workflow_id", workflowID, "error", err)
		}
	}
	o.log.Info("workflow cancelled", "workflow_id", workflowID, "reason", reason)
	return nil
}

// PlanUpdate carries a plan replacement request. Exactly one of PlanFile
// and PlanContent must be set.
type PlanUpdate struct {
	PlanFile    string
	PlanContent string
	Force       bool
}

// SetWorkflowPlan swaps the workflow's plan for an operator-supplied one.
// PlanFile points at an existing file in the worktree; PlanContent is
// written to the recorded plan path. A paused checkpoint is refreshed so a
// later resume sees the replacement.
func (o *Orchestrator) SetWorkflowPlan(ctx context.Context, workflowID string, upd PlanUpdate) error {
	if (upd.PlanFile == "") == (upd.PlanContent == "") {
		return ErrPlanArgs
	}

	wf, err := o.store.GetWorkflow(ctx, workflowID)
	if err != nil {
		return err
	}
	if isTerminal(wf.Status) {
		return state.ErrTerminal
	}

	o.mu.Lock()
	_, active := o.runs[workflowID]
	o.mu.Unlock()
	if active && !upd.Force {
		return ErrAlreadyRunning
	}

	profile, err := o.resolveProfile(ctx, wf.State.ProfileID)
	if err != nil {
		return err
	}
	dir := wf.State.WorktreePath
	if dir == "" {
		dir = profile.WorkingDir
	}

	relPath, content, err := resolvePlan(wf.State, profile, dir, upd)
	if err != nil {
		return err
	}

	update := state.Update{"planPath": relPath, "planMarkdown": content}
	if goal := agents.ExtractGoal(content); goal != "" {
		update["goal"] = goal
	}

	newSt, err := wf.State.Merge(update)
	if err != nil {
		return err
	}
	o.refreshCheckpoint(ctx, workflowID, update)

	lastSeq, err := o.store.LastSequence(ctx, workflowID)
	if err != nil {
		return err
	}
	em := newEmitter(workflowID, lastSeq, o.bus)
	em.emit(state.WorkflowEvent{
		Agent:     agentOrchestrator,
		EventType: state.EventAgentOutput,
		Message:   fmt.Sprintf("plan replaced from %s", relPath),
	})
	evts, _ := em.drain()
	return o.store.SaveNodeOutput(ctx, newSt, evts, nil)
}

// resolvePlan loads or writes the replacement plan and returns its
// worktree-relative path and content.
func resolvePlan(st state.WorkflowState, profile state.Profile, dir string, upd PlanUpdate) (string, string, error) {
	if upd.PlanFile != "" {
		relPath := upd.PlanFile
		abs := relPath
		if !filepath.IsAbs(abs) {
			abs = filepath.Join(dir, relPath)
		}
		raw, err := os.ReadFile(abs)
		if err != nil {
			return "", "", fmt.Errorf("%w: %s", ErrPlanFile, relPath)
		}
		content := string(raw)
		if strings.TrimSpace(content) == "" {
			return "", "", fmt.Errorf("%w: %s", ErrPlanFile, relPath)
		}
		return relPath, content, nil
	}

	relPath := st.PlanPath
	if relPath == "" {
		relPath = state.PlanFilePath("", profile.PlanPattern(), st.IssueID, time.Now())
	}
	abs := relPath
	if !filepath.IsAbs(abs) {
		abs = filepath.Join(dir, relPath)
	}
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return "", "", fmt.Errorf("create plan directory: %w", err)
	}
	if err := os.WriteFile(abs, []byte(upd.PlanContent), 0o644); err != nil {
		return "", "", fmt.Errorf("write plan file: %w", err)
	}
	return relPath, upd.PlanContent, nil
}

// refreshCheckpoint folds a state update into the latest checkpoint, if one
// exists, so resume and the workflow row agree. Failures degrade to a
// warning; the row remains authoritative for reads.
func (o *Orchestrator) refreshCheckpoint(ctx context.Context, workflowID string, update state.Update) {
	cp, err := o.store.LatestCheckpoint(ctx, workflowID)
	if err != nil {
		return
	}
	var cpState state.WorkflowState
	if err := json.Unmarshal([]byte(cp.StateJSON), &cpState); err != nil {
		o.log.Warn("checkpoint state unreadable, skipping refresh", "workflow_id", workflowID, "error", err)
		return
	}
	merged, err := cpState.Merge(update)
	if err != nil {
		o.log.Warn("checkpoint refresh merge failed", "workflow_id", workflowID, "error", err)
		return
	}
	raw, err := json.Marshal(merged)
	if err != nil {
		return
	}
	if err := o.store.SaveCheckpoint(ctx, workflowID, uuid.NewString(), raw, cp.Interrupt()); err != nil {
		o.log.Warn("checkpoint refresh failed", "workflow_id", workflowID, "error", err)
	}
}

// GetWorkflow returns the persisted workflow plus its most recent events.
func (o *Orchestrator) GetWorkflow(ctx context.Context, workflowID string, eventLimit int) (store.Workflow, []state.WorkflowEvent, error) {
	wf, err := o.store.GetWorkflow(ctx, workflowID)
	if err != nil {
		return store.Workflow{}, nil, err
	}
	if eventLimit <= 0 {
		eventLimit = 50
	}
	evts, err := o.store.LatestEvents(ctx, workflowID, eventLimit)
	if err != nil {
		return store.Workflow{}, nil, err
	}
	return wf, evts, nil
}

// ListWorkflows returns all workflows, newest first.
func (o *Orchestrator) ListWorkflows(ctx context.Context) ([]store.Workflow, error) {
	return o.store.ListWorkflows(ctx)
}

// WorkflowEvents pages through a workflow's event log in sequence order.
func (o *Orchestrator) WorkflowEvents(ctx context.Context, workflowID string, afterSeq int64, limit int) ([]state.WorkflowEvent, error) {
	if _, err := o.store.GetWorkflow(ctx, workflowID); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 200
	}
	return o.store.Events(ctx, workflowID, afterSeq, limit)
}

// WorkflowUsage returns per agent and model token totals for a workflow.
func (o *Orchestrator) WorkflowUsage(ctx context.Context, workflowID string) ([]store.UsageSummary, error) {
	if _, err := o.store.GetWorkflow(ctx, workflowID); err != nil {
		return nil, err
	}
	return o.store.WorkflowUsage(ctx, workflowID)
}

// Running reports how many workflow tasks are currently registered.
func (o *Orchestrator) Running() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.runs)
}

// Close cancels all in-flight runs and waits for their tasks to exit.
// In-progress workflows keep their status; their checkpoints allow a later
// resume or cancel.
func (o *Orchestrator) Close() {
	o.mu.Lock()
	o.closed = true
	for _, r := range o.runs {
		r.cancel()
	}
	o.mu.Unlock()
	o.wg.Wait()
}

// register claims the per-workflow task slot and allocates the run's
// context and emitter. lastSeq seeds event numbering past what is already
// persisted.
func (o *Orchestrator) register(workflowID string, lastSeq int64) (*run, context.Context, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return nil, nil, fmt.Errorf("orchestrator is shutting down")
	}
	if _, busy := o.runs[workflowID]; busy {
		return nil, nil, ErrAlreadyRunning
	}
	ctx, cancel := context.WithCancel(context.Background())
	r := &run{
		workflowID: workflowID,
		cancel:     cancel,
		emitter:    newEmitter(workflowID, lastSeq, o.bus),
	}
	o.runs[workflowID] = r
	return r, ctx, nil
}

func (o *Orchestrator) unregister(workflowID string) {
	o.mu.Lock()
	delete(o.runs, workflowID)
	o.mu.Unlock()
}

// resolveProfile loads the requested profile, or the first active one when
// no id is given.
func (o *Orchestrator) resolveProfile(ctx context.Context, id string) (state.Profile, error) {
	if id != "" {
		return o.store.GetProfile(ctx, id)
	}
	profiles, err := o.store.ListProfiles(ctx)
	if err != nil {
		return state.Profile{}, err
	}
	for _, p := range profiles {
		if p.IsActive {
			return p, nil
		}
	}
	return state.Profile{}, fmt.Errorf("no active profile: %w", store.ErrNotFound)
}

// pinPrompts snapshots the active prompt catalog onto the workflow and
// returns the resolved prompt map. Catalog problems degrade to the built-in
// defaults rather than blocking the start.
func (o *Orchestrator) pinPrompts(ctx context.Context, workflowID string) agents.Prompts {
	actives, err := o.store.ActivePrompts(ctx)
	if err != nil {
		o.log.Warn("prompt catalog unavailable, using defaults", "error", err)
		return nil
	}
	if len(actives) == 0 {
		return nil
	}
	ids := make([]string, 0, len(actives))
	prompts := make(agents.Prompts, len(actives))
	for _, p := range actives {
		ids = append(ids, p.VersionID)
		prompts[p.Name] = p.Content
	}
	if err := o.store.PinWorkflowVersions(ctx, workflowID, ids); err != nil {
		o.log.Warn("failed to pin prompt versions", "workflow_id", workflowID, "error", err)
	}
	return prompts
}

// resumePrompts rebuilds the prompt map a workflow was pinned to at start.
func (o *Orchestrator) resumePrompts(ctx context.Context, workflowID string) agents.Prompts {
	pinned, err := o.store.PinnedPrompts(ctx, workflowID)
	if err != nil {
		o.log.Warn("failed to load pinned prompts, using defaults", "workflow_id", workflowID, "error", err)
		return nil
	}
	if len(pinned) == 0 {
		return nil
	}
	return agents.Prompts(pinned)
}

// treesFor returns the worktree manager for a profile's repository,
// creating it on first use. Managers are cached per working directory so
// Remove sees the paths Create allocated.
func (o *Orchestrator) treesFor(profile state.Profile) *git.Manager {
	o.mu.Lock()
	defer o.mu.Unlock()
	m, ok := o.trees[profile.WorkingDir]
	if !ok {
		root := o.cfg.Git.WorktreeRoot
		if root == "" {
			root = filepath.Join(os.TempDir(), "overseer-worktrees")
		}
		m = git.NewManager(profile.WorkingDir, root, o.cfg.Git.KeepWorktrees, o.log)
		o.trees[profile.WorkingDir] = m
	}
	return m
}

// driverFor opens a fresh driver session for an agent slot, honoring the
// profile's per-agent overrides.
func (o *Orchestrator) driverFor(agent string, profile state.Profile) (driver.Driver, error) {
	kind := o.cfg.Driver.Kind
	model := o.cfg.Driver.Model
	if ac, ok := profile.Agents[agent]; ok {
		if ac.Driver != "" {
			kind = ac.Driver
		}
		if ac.Model != "" {
			model = ac.Model
		}
	}
	return o.drivers.New(kind, model)
}

func (o *Orchestrator) maxReviewIterations() int {
	if o.cfg.Engine.MaxReviewIterations < 1 {
		return 3
	}
	return o.cfg.Engine.MaxReviewIterations
}

func isTerminal(s state.WorkflowStatus) bool {
	switch s {
	case state.StatusCompleted, state.StatusFailed, state.StatusCancelled:
		return true
	}
	return false
}

// runWorkflow is the task driving one new workflow end to end.
func (o *Orchestrator) runWorkflow(ctx context.Context, r *run, st state.WorkflowState, profile state.Profile, prompts agents.Prompts, worktreePath string, admitted bool) {
	defer o.wg.Done()
	defer o.unregister(r.workflowID)

	if !admitted {
		if err := o.sem.Acquire(ctx, 1); err != nil {
			o.finalize(r, graph.Outcome{State: st}, err)
			return
		}
	}
	defer o.sem.Release(1)

	st, rt, err := o.enterWorkflow(ctx, r, st, profile, prompts, worktreePath)
	if err != nil {
		o.finalize(r, graph.Outcome{State: st}, err)
		return
	}

	entry := nodeArchitect
	if st.PlanPath != "" {
		entry = nodePlanValidator
	}
	g, err := rt.graph(entry)
	if err != nil {
		o.finalize(r, graph.Outcome{State: st}, err)
		return
	}
	eng := graph.NewEngine(g, &storeCheckpointer{store: o.store}, rt.log, graph.WithAfterNode(o.boundary(r, rt)))
	out, err := eng.Run(ctx, r.workflowID, st)
	o.finalize(r, out, err)
}

// resumeWorkflow is the task driving one resumed workflow from its latest
// checkpoint.
func (o *Orchestrator) resumeWorkflow(ctx context.Context, r *run, st state.WorkflowState, profile state.Profile, prompts agents.Prompts, updates state.Update) {
	defer o.wg.Done()
	defer o.unregister(r.workflowID)

	if err := o.sem.Acquire(ctx, 1); err != nil {
		o.finalize(r, graph.Outcome{State: st}, err)
		return
	}
	defer o.sem.Release(1)

	trees := o.treesFor(profile)
	r.trees = trees
	dir := st.WorktreePath
	if dir == "" {
		dir = profile.WorkingDir
	}
	repo := trees.Adopt(r.workflowID, dir)
	hasGit := repo.IsRepo(ctx)

	rt, err := o.newRuntime(r, repo, hasGit, profile, prompts)
	if err != nil {
		o.finalize(r, graph.Outcome{State: st}, err)
		return
	}

	g, err := rt.graph(nodeArchitect)
	if err != nil {
		o.finalize(r, graph.Outcome{State: st}, err)
		return
	}
	eng := graph.NewEngine(g, &storeCheckpointer{store: o.store}, rt.log, graph.WithAfterNode(o.boundary(r, rt)))
	out, err := eng.Resume(ctx, r.workflowID, updates)
	o.finalize(r, out, err)
}

// enterWorkflow moves the workflow to in_progress, sets up its worktree,
// and anchors the base commit reviews will diff against.
func (o *Orchestrator) enterWorkflow(ctx context.Context, r *run, st state.WorkflowState, profile state.Profile, prompts agents.Prompts, worktreePath string) (state.WorkflowState, *runtime, error) {
	st.WorkflowStatus = state.StatusInProgress
	if err := o.store.SaveNodeOutput(ctx, st, nil, nil); err != nil {
		return st, nil, err
	}

	trees := o.treesFor(profile)
	r.trees = trees

	var repo *git.Repo
	if worktreePath != "" {
		repo = trees.Adopt(st.WorkflowID, worktreePath)
		st.WorktreePath = worktreePath
	} else {
		created, branch, err := trees.Create(ctx, st.WorkflowID)
		if err != nil {
			return st, nil, fmt.Errorf("worktree setup: %w", err)
		}
		repo = created
		st.WorktreePath = created.Dir()
		st.WorktreeName = branch
	}

	hasGit := repo.IsRepo(ctx)
	if hasGit {
		head, err := repo.Head(ctx)
		if err != nil {
			return st, nil, fmt.Errorf("read base commit: %w", err)
		}
		st.BaseCommit = head
	} else {
		o.log.Warn("worktree is not a git repository, diffs and snapshots disabled",
			"workflow_id", st.WorkflowID, "path", repo.Dir())
	}

	if err := o.store.SaveNodeOutput(ctx, st, nil, nil); err != nil {
		return st, nil, err
	}

	rt, err := o.newRuntime(r, repo, hasGit, profile, prompts)
	if err != nil {
		return st, nil, err
	}
	return st, rt, nil
}

// boundary is the engine's node-boundary hook: it flushes buffered events
// and usage into the same transaction as the state write, then honors any
// pending cancel request.
func (o *Orchestrator) boundary(r *run, rt *runtime) graph.AfterFunc {
	return func(ctx context.Context, threadID, nodeName string, st state.WorkflowState) error {
		rt.collectUsage()
		evts, usage := r.emitter.drain()
		if err := o.store.SaveNodeOutput(ctx, st, evts, usage); err != nil {
			return fmt.Errorf("persist %s output: %w", nodeName, err)
		}
		if r.cancelRequested() {
			return errCancelled
		}
		return nil
	}
}

// finalize settles a finished or paused run: terminal status, the closing
// event, the last durable write, and worktree teardown. It runs on a fresh
// context so shutdown cannot strand a half-written terminal state.
func (o *Orchestrator) finalize(r *run, out graph.Outcome, runErr error) {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	st := out.State
	log := o.log.WithWorkflowID(r.workflowID)

	switch {
	case runErr == nil && out.Paused():
		o.emitPause(r, out)
		o.persist(ctx, r, st)
		log.Info("workflow paused", "node", out.Interrupt.Node, "reason", out.Interrupt.Reason)
		return

	case runErr == nil:
		if st.WorkflowStatus == state.StatusFailed {
			r.emitter.emit(state.WorkflowEvent{
				Agent:     agentOrchestrator,
				EventType: state.EventWorkflowFailed,
				Message:   "workflow ended in failure",
			})
			log.Info("workflow failed")
		} else {
			st.WorkflowStatus = state.StatusCompleted
			r.emitter.emit(state.WorkflowEvent{
				Agent:     agentOrchestrator,
				EventType: state.EventWorkflowCompleted,
				Message:   "workflow completed",
			})
			log.Info("workflow completed")
		}

	case errors.Is(runErr, errCancelled),
		r.cancelRequested() && errors.Is(runErr, context.Canceled):
		st.WorkflowStatus = state.StatusCancelled
		r.emitter.emit(state.WorkflowEvent{
			Agent:     agentOrchestrator,
			EventType: state.EventWorkflowCancelled,
			Message:   r.reason(),
		})
		log.Info("workflow cancelled", "reason", r.reason())

	case errors.Is(runErr, context.Canceled):
		// Shutdown. The workflow keeps its status; the latest checkpoint
		// lets an operator resume or cancel it after restart.
		log.Warn("workflow task stopped by shutdown")
		return

	default:
		st.WorkflowStatus = state.StatusFailed
		r.emitter.emit(state.WorkflowEvent{
			Agent:     agentOrchestrator,
			EventType: state.EventWorkflowFailed,
			Message:   runErr.Error(),
		})
		log.Error("workflow failed", "error", runErr)
	}

	o.persist(ctx, r, st)
	if r.trees != nil {
		if err := r.trees.Remove(ctx, r.workflowID); err != nil {
			log.Warn("worktree teardown failed", "error", err)
		}
	}
}

// persist writes the state row plus everything emitted since the last node
// boundary in one transaction.
func (o *Orchestrator) persist(ctx context.Context, r *run, st state.WorkflowState) {
	evts, usage := r.emitter.drain()
	if err := o.store.SaveNodeOutput(ctx, st, evts, usage); err != nil {
		o.log.Error("failed to persist workflow state", "workflow_id", r.workflowID, "error", err)
	}
}

// emitPause publishes the event that tells watchers why the workflow
// stopped moving. Blocker pauses already emitted BLOCKED from the node.
func (o *Orchestrator) emitPause(r *run, out graph.Outcome) {
	st := out.State
	switch out.Interrupt.Node {
	case nodeHumanApproval:
		r.emitter.emit(state.WorkflowEvent{
			Agent:     agentOrchestrator,
			EventType: state.EventAgentOutput,
			Message:   "implementation plan ready for approval",
		})
	case nodeBatchApproval:
		r.emitter.emit(state.WorkflowEvent{
			Agent:     agentOrchestrator,
			EventType: state.EventBatchApprovalRequested,
			Message:   fmt.Sprintf("batch %d awaiting approval", pendingBatchNumber(st)),
		})
	}
}

// pendingBatchNumber is the 1-based number of the batch waiting to run.
func pendingBatchNumber(st state.WorkflowState) int {
	if st.ExecutionPlan != nil && st.CurrentBatchIndex < len(st.ExecutionPlan.Batches) {
		if n := st.ExecutionPlan.Batches[st.CurrentBatchIndex].BatchNumber; n > 0 {
			return n
		}
	}
	return st.CurrentBatchIndex + 1
}
