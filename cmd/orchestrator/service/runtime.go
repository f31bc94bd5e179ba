package service

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/forgeline/overseer/common/agents"
	"github.com/forgeline/overseer/common/driver"
	"github.com/forgeline/overseer/common/events"
	"github.com/forgeline/overseer/common/git"
	"github.com/forgeline/overseer/common/graph"
	"github.com/forgeline/overseer/common/logger"
	"github.com/forgeline/overseer/common/state"
	"github.com/forgeline/overseer/common/store"
)

// Node names of the workflow graph.
const (
	nodeArchitect         = "architect"
	nodePlanValidator     = "plan_validator"
	nodeHumanApproval     = "human_approval"
	nodeDeveloper         = "developer"
	nodeBatchApproval     = "batch_approval"
	nodeBlockerResolution = "blocker_resolution"
	nodeReviewer          = "reviewer"
	nodeReviewFix         = "review_fix"
)

// agentOrchestrator marks events emitted by the engine itself rather than
// an agent.
const agentOrchestrator = "orchestrator"

// runtime binds one run's agents, worktree, and emitter to the graph's node
// functions. It lives exactly as long as the task driving the run.
type runtime struct {
	orch    *Orchestrator
	profile state.Profile
	prompts agents.Prompts
	repo    *git.Repo
	hasGit  bool
	em      *emitter
	log     *logger.Logger

	architect *agents.Architect
	validator driver.Driver
	developer *agents.Developer
	reviewer  *agents.Reviewer

	mu       sync.Mutex
	sessions []agentSession
}

// agentSession is one opened driver session, remembered so usage can be
// collected at node boundaries.
type agentSession struct {
	agent string
	drv   driver.Driver
}

// newRuntime opens the run's driver sessions and builds its agents. The
// plan validator shares the architect's session so extraction sees the
// planning conversation.
func (o *Orchestrator) newRuntime(r *run, repo *git.Repo, hasGit bool, profile state.Profile, prompts agents.Prompts) (*runtime, error) {
	rt := &runtime{
		orch:    o,
		profile: profile,
		prompts: prompts,
		repo:    repo,
		hasGit:  hasGit,
		em:      r.emitter,
		log:     o.log.WithWorkflowID(r.workflowID),
	}

	archDrv, err := o.driverFor(agents.NameArchitect, profile)
	if err != nil {
		return nil, fmt.Errorf("architect driver: %w", err)
	}
	rt.track(agents.NameArchitect, archDrv)
	rt.architect = &agents.Architect{Driver: archDrv, Prompts: prompts, Log: rt.log}
	rt.validator = archDrv

	devDrv, err := o.driverFor(agents.NameDeveloper, profile)
	if err != nil {
		return nil, fmt.Errorf("developer driver: %w", err)
	}
	rt.track(agents.NameDeveloper, devDrv)
	var snap agents.Snapshotter
	if hasGit {
		snap = repo.Snapshot
	}
	rt.developer = &agents.Developer{Driver: devDrv, Prompts: prompts, Snapshot: snap, Log: rt.log}

	revDrv, err := o.driverFor(agents.NameReviewer, profile)
	if err != nil {
		return nil, fmt.Errorf("reviewer driver: %w", err)
	}
	rt.track(agents.NameReviewer, revDrv)
	rt.reviewer = &agents.Reviewer{
		Driver:      revDrv,
		Prompts:     prompts,
		Competitive: profile.CompetitiveReview,
		Log:         rt.log,
		NewSession: func() (driver.Driver, error) {
			d, err := o.driverFor(agents.NameReviewer, profile)
			if err != nil {
				return nil, err
			}
			rt.track(agents.NameReviewer, d)
			return d, nil
		},
	}
	return rt, nil
}

func (rt *runtime) track(agent string, drv driver.Driver) {
	rt.mu.Lock()
	rt.sessions = append(rt.sessions, agentSession{agent: agent, drv: drv})
	rt.mu.Unlock()
}

// collectUsage pulls accumulated usage out of every session opened so far.
// Drivers reset on read, so a session idle since the last boundary
// contributes nothing.
func (rt *runtime) collectUsage() {
	rt.mu.Lock()
	sessions := make([]agentSession, len(rt.sessions))
	copy(sessions, rt.sessions)
	rt.mu.Unlock()
	for _, s := range sessions {
		rt.em.recordUsage(s.agent, s.drv)
	}
}

// graph wires the fixed workflow shape. Approval gates interrupt the run in
// server mode; CLI mode replaces the plan gate with a synchronous prompt.
func (rt *runtime) graph(entry string) (*graph.Graph, error) {
	b := graph.NewBuilder()
	b.AddNode(nodeArchitect, rt.architectNode)
	b.AddNode(nodePlanValidator, rt.planValidatorNode)

	if rt.orch.cfg.Engine.HumanApprovalMode == "cli" {
		b.AddNode(nodeHumanApproval, rt.cliApprovalNode)
	} else {
		b.AddInterrupt(nodeHumanApproval, "waiting for plan approval", rt.humanApprovalNode)
	}

	b.AddNode(nodeDeveloper, rt.developerNode)
	b.AddInterrupt(nodeBatchApproval, "waiting for batch approval", rt.batchApprovalNode)
	b.AddInterrupt(nodeBlockerResolution, "waiting for blocker resolution", rt.blockerResolutionNode)
	b.AddNode(nodeReviewer, rt.reviewerNode)
	b.AddNode(nodeReviewFix, rt.reviewFixNode)

	b.AddEdge(nodeArchitect, nodePlanValidator)
	b.AddEdge(nodePlanValidator, nodeHumanApproval)
	b.AddConditionalEdges(nodeHumanApproval, []graph.Branch{
		{When: `$.workflowStatus == "failed"`, To: graph.End},
	}, nodeDeveloper)
	b.AddConditionalEdges(nodeDeveloper, []graph.Branch{
		{When: `$.developerStatus == "executing"`, To: nodeDeveloper},
		{When: `$.developerStatus == "batch_complete"`, To: nodeBatchApproval},
		{When: `$.developerStatus == "blocked"`, To: nodeBlockerResolution},
	}, nodeReviewer)
	b.AddConditionalEdges(nodeBatchApproval, []graph.Branch{
		{When: `$.workflowStatus == "failed"`, To: graph.End},
	}, nodeDeveloper)
	b.AddConditionalEdges(nodeBlockerResolution, []graph.Branch{
		{When: `$.workflowStatus == "failed"`, To: graph.End},
		{When: `$.developerStatus == "all_done"`, To: nodeReviewer},
	}, nodeDeveloper)
	b.AddConditionalEdges(nodeReviewer, []graph.Branch{
		{When: `$.lastReview.approved == true`, To: graph.End},
		{When: fmt.Sprintf(`$.reviewIteration >= %d`, rt.orch.maxReviewIterations()), To: graph.End},
	}, nodeReviewFix)
	b.AddEdge(nodeReviewFix, nodeReviewer)

	return b.Compile(entry)
}

func (rt *runtime) architectNode(ctx context.Context, st state.WorkflowState) (state.Update, error) {
	rt.agentEvent(state.EventAgentStarted, agents.NameArchitect, "drafting implementation plan")
	update, err := rt.architect.Run(ctx, st, rt.profile, rt.em.emit)
	if err != nil {
		return nil, err
	}
	rt.agentEvent(state.EventAgentCompleted, agents.NameArchitect, "plan written")
	return update, nil
}

func (rt *runtime) planValidatorNode(ctx context.Context, st state.WorkflowState) (state.Update, error) {
	update, err := agents.ValidatePlan(ctx, rt.validator, rt.prompts, st, rt.profile)
	if err != nil {
		return nil, err
	}
	msg := "plan validated"
	if goal, ok := update["goal"].(string); ok && goal != "" {
		msg = "plan validated: " + goal
	}
	rt.agentEvent(state.EventAgentOutput, agents.NameArchitect, msg)
	return update, nil
}

// humanApprovalNode runs on resume with humanApproved merged in.
func (rt *runtime) humanApprovalNode(ctx context.Context, st state.WorkflowState) (state.Update, error) {
	approved := st.HumanApproved != nil && *st.HumanApproved
	return rt.applyPlanDecision(st, approved, st.HumanFeedback)
}

// cliApprovalNode gates the plan synchronously on the terminal instead of
// pausing the graph.
func (rt *runtime) cliApprovalNode(ctx context.Context, st state.WorkflowState) (state.Update, error) {
	approved, feedback, err := rt.orch.prompt(ctx, st)
	if err != nil {
		return nil, fmt.Errorf("approval prompt: %w", err)
	}
	update, err := rt.applyPlanDecision(st, approved, feedback)
	if err != nil {
		return nil, err
	}
	if approved && feedback != "" {
		update["humanFeedback"] = feedback
	}
	return update, nil
}

// applyPlanDecision folds a plan decision into state. The approval flag is
// consumed; approval feedback stays for the developer to incorporate;
// rejection fails the workflow.
func (rt *runtime) applyPlanDecision(st state.WorkflowState, approved bool, feedback string) (state.Update, error) {
	update := state.Update{"humanApproved": nil}
	if approved {
		rt.agentEvent(state.EventAgentOutput, agentOrchestrator, "plan approved")
		return update, nil
	}

	update["humanFeedback"] = nil
	update["workflowStatus"] = string(state.StatusFailed)
	rt.agentEvent(state.EventAgentOutput, agentOrchestrator, "plan rejected")
	if rt.orch.cfg.Engine.FailedApprovalArtifact {
		rt.writeRejectionNote(st, feedback)
	}
	return update, nil
}

// writeRejectionNote leaves the rejection and its feedback in the worktree
// so the decision survives the workflow's teardown.
func (rt *runtime) writeRejectionNote(st state.WorkflowState, feedback string) {
	var sb strings.Builder
	fmt.Fprintf(&sb, "# Plan rejected\n\nWorkflow: %s\nIssue: %s\nPlan: %s\n", st.WorkflowID, st.IssueID, st.PlanPath)
	if feedback != "" {
		fmt.Fprintf(&sb, "\nFeedback:\n\n%s\n", feedback)
	}
	path := filepath.Join(rt.repo.Dir(), "REJECTED_PLAN.md")
	if err := os.WriteFile(path, []byte(sb.String()), 0o644); err != nil {
		rt.log.Warn("failed to write rejection note", "error", err)
	}
}

// developerNode re-anchors the review base to HEAD before the developer
// works, so the next review covers exactly this run's changes.
func (rt *runtime) developerNode(ctx context.Context, st state.WorkflowState) (state.Update, error) {
	head := rt.reanchor(ctx, &st)
	rt.agentEvent(state.EventAgentStarted, agents.NameDeveloper, developerStartMessage(st))
	update, err := rt.developer.Run(ctx, st, rt.profile, rt.em.emit)
	if err != nil {
		return nil, err
	}
	if head != "" {
		update["baseCommit"] = head
	}
	// A blocked batch already announced itself through the BLOCKED event.
	if update["developerStatus"] != string(state.DeveloperBlocked) {
		rt.agentEvent(state.EventAgentCompleted, agents.NameDeveloper, developerDoneMessage(update))
	}
	return update, nil
}

// reanchor points the workflow's base commit at the worktree's current HEAD
// and returns it, or "" when the worktree has no git history.
func (rt *runtime) reanchor(ctx context.Context, st *state.WorkflowState) string {
	if !rt.hasGit {
		return ""
	}
	head, err := rt.repo.Head(ctx)
	if err != nil {
		rt.log.Warn("failed to re-anchor base commit", "error", err)
		return ""
	}
	st.BaseCommit = head
	return head
}

func developerStartMessage(st state.WorkflowState) string {
	if st.ExecutionPlan == nil {
		return "implementing plan"
	}
	if st.CurrentBatchIndex < len(st.ExecutionPlan.Batches) {
		return fmt.Sprintf("executing batch %d of %d",
			st.ExecutionPlan.Batches[st.CurrentBatchIndex].BatchNumber, len(st.ExecutionPlan.Batches))
	}
	return "finishing plan execution"
}

func developerDoneMessage(update state.Update) string {
	switch update["developerStatus"] {
	case string(state.DeveloperAllDone):
		return "all batches complete"
	case string(state.DeveloperBatchComplete):
		return "batch complete, awaiting approval"
	default:
		return "batch complete"
	}
}

// batchApprovalNode runs on resume with humanApproved merged in. The
// decision is recorded against the batch waiting to run.
func (rt *runtime) batchApprovalNode(ctx context.Context, st state.WorkflowState) (state.Update, error) {
	approved := st.HumanApproved != nil && *st.HumanApproved
	approval := state.BatchApproval{
		BatchNumber: pendingBatchNumber(st),
		Approved:    approved,
		Feedback:    st.HumanFeedback,
		Timestamp:   time.Now().UTC().Format(time.RFC3339),
	}

	update := state.Update{
		"humanApproved":  nil,
		"humanFeedback":  nil,
		"batchApprovals": append(append([]state.BatchApproval{}, st.BatchApprovals...), approval),
	}
	if !approved {
		update["workflowStatus"] = string(state.StatusFailed)
		rt.agentEvent(state.EventAgentOutput, agentOrchestrator,
			fmt.Sprintf("batch %d rejected", approval.BatchNumber))
		return update, nil
	}

	update["developerStatus"] = string(state.DeveloperExecuting)
	rt.agentEvent(state.EventBatchApproved, agentOrchestrator,
		fmt.Sprintf("batch %d approved", approval.BatchNumber))
	return update, nil
}

// blockerResolutionNode runs on resume with blockerResolution merged in.
// "abort" fails the workflow, "skip" writes off the blocked step and its
// dependents and hands the work done so far to review, anything else
// retries the step with the prior progress preserved.
func (rt *runtime) blockerResolutionNode(ctx context.Context, st state.WorkflowState) (state.Update, error) {
	resolution := strings.TrimSpace(st.BlockerResolution)
	blockedStep := ""
	if st.CurrentBlocker != nil {
		blockedStep = st.CurrentBlocker.StepID
	}

	switch resolution {
	case state.ResolutionAbort:
		rt.agentEvent(state.EventAgentOutput, agentOrchestrator,
			fmt.Sprintf("blocker on step %s aborted the workflow", blockedStep))
		return state.Update{
			"workflowStatus":    string(state.StatusFailed),
			"currentBlocker":    nil,
			"blockerResolution": nil,
		}, nil

	case state.ResolutionSkip:
		rt.agentEvent(state.EventAgentOutput, agentOrchestrator,
			fmt.Sprintf("step %s skipped with its dependents", blockedStep))
		return state.Update{
			"workflowStatus":    string(state.StatusInProgress),
			"developerStatus":   string(state.DeveloperAllDone),
			"skippedStepIds":    rt.skipSet(st, blockedStep),
			"currentBlocker":    nil,
			"blockerResolution": nil,
		}, nil

	default:
		// Retry. The blocker and the resolution text stay in state; the
		// developer uses them to re-enter the batch at the blocked step.
		rt.agentEvent(state.EventAgentOutput, agentOrchestrator,
			fmt.Sprintf("retrying step %s: %s", blockedStep, resolution))
		return state.Update{
			"workflowStatus":  string(state.StatusInProgress),
			"developerStatus": string(state.DeveloperExecuting),
		}, nil
	}
}

// skipSet folds the blocked step and every step depending on it into the
// workflow's skip list.
func (rt *runtime) skipSet(st state.WorkflowState, blockedStep string) []string {
	seen := make(map[string]bool, len(st.SkippedStepIDs)+1)
	out := make([]string, 0, len(st.SkippedStepIDs)+1)
	add := func(id string) {
		if id != "" && !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	for _, id := range st.SkippedStepIDs {
		add(id)
	}
	add(blockedStep)
	if st.ExecutionPlan != nil && blockedStep != "" {
		cascade := agents.CascadeSkips(st.ExecutionPlan, map[string]string{blockedStep: "skipped"})
		for id := range cascade {
			add(id)
		}
	}
	return out
}

// reviewerNode judges the diff since the base commit. Each pass counts
// against the review iteration cap; a rejection at the cap fails the
// workflow instead of spawning another fix round.
func (rt *runtime) reviewerNode(ctx context.Context, st state.WorkflowState) (state.Update, error) {
	rt.agentEvent(state.EventAgentStarted, agents.NameReviewer, "reviewing implementation")

	diff := ""
	if rt.hasGit && st.BaseCommit != "" {
		d, err := rt.repo.Diff(ctx, st.BaseCommit)
		if err != nil {
			return nil, fmt.Errorf("diff for review: %w", err)
		}
		diff = d
	}

	verdict, err := rt.reviewer.Review(ctx, diff, rt.em.emit)
	if err != nil {
		return nil, err
	}

	msg := fmt.Sprintf("review rejected (severity %s)", verdict.Severity)
	if verdict.Approved {
		msg = "review approved"
	}
	rt.agentEvent(state.EventAgentCompleted, agents.NameReviewer, msg)

	iteration := st.ReviewIteration + 1
	update := state.Update{
		"lastReview":           verdict,
		"codeChangesForReview": diff,
		"reviewIteration":      iteration,
	}
	if !verdict.Approved && iteration >= rt.orch.maxReviewIterations() {
		update["workflowStatus"] = string(state.StatusFailed)
		rt.agentEvent(state.EventAgentOutput, agentOrchestrator,
			fmt.Sprintf("review limit reached after %d iterations", iteration))
	}
	return update, nil
}

func (rt *runtime) reviewFixNode(ctx context.Context, st state.WorkflowState) (state.Update, error) {
	rt.agentEvent(state.EventAgentStarted, agents.NameDeveloper,
		fmt.Sprintf("addressing review feedback, iteration %d", st.ReviewIteration))
	update, err := rt.developer.RunReviewFix(ctx, st, rt.profile, rt.em.emit)
	if err != nil {
		return nil, err
	}
	rt.agentEvent(state.EventAgentCompleted, agents.NameDeveloper, "review fixes applied")
	return update, nil
}

func (rt *runtime) agentEvent(et state.EventType, agent, msg string) {
	rt.em.emit(state.WorkflowEvent{Agent: agent, EventType: et, Message: msg})
}

// emitter assigns identity and ordering to events as they happen, publishes
// them on the live bus immediately, and buffers them for the next durable
// write at a node boundary.
type emitter struct {
	workflowID string
	bus        *events.Bus

	mu    sync.Mutex
	seq   int64
	buf   []state.WorkflowEvent
	usage []state.TokenUsage
}

func newEmitter(workflowID string, lastSeq int64, bus *events.Bus) *emitter {
	return &emitter{workflowID: workflowID, bus: bus, seq: lastSeq}
}

func (e *emitter) emit(evt state.WorkflowEvent) {
	e.mu.Lock()
	e.seq++
	evt.Sequence = e.seq
	if evt.ID == "" {
		evt.ID = uuid.NewString()
	}
	if evt.WorkflowID == "" {
		evt.WorkflowID = e.workflowID
	}
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now().UTC()
	}
	e.buf = append(e.buf, evt)
	e.mu.Unlock()
	e.bus.Publish(evt)
}

func (e *emitter) recordUsage(agent string, drv driver.Driver) {
	u := drv.Usage()
	if u == nil {
		return
	}
	tu := u.TokenUsage(e.workflowID, agent, drv.Model())
	e.mu.Lock()
	e.usage = append(e.usage, tu)
	e.mu.Unlock()
}

// drain returns everything emitted since the previous drain.
func (e *emitter) drain() ([]state.WorkflowEvent, []state.TokenUsage) {
	e.mu.Lock()
	defer e.mu.Unlock()
	evts, usage := e.buf, e.usage
	e.buf, e.usage = nil, nil
	return evts, usage
}

// storeCheckpointer adapts the store's checkpoint rows to the engine's
// Checkpointer. State and interrupt travel as JSON.
type storeCheckpointer struct {
	store *store.Store
}

func (c *storeCheckpointer) Save(ctx context.Context, threadID string, cp graph.Checkpoint) error {
	stateJSON, err := json.Marshal(cp.State)
	if err != nil {
		return fmt.Errorf("marshal checkpoint state: %w", err)
	}
	var interruptJSON []byte
	if cp.Interrupt != nil {
		interruptJSON, err = json.Marshal(cp.Interrupt)
		if err != nil {
			return fmt.Errorf("marshal interrupt: %w", err)
		}
	}
	return c.store.SaveCheckpoint(ctx, threadID, uuid.NewString(), stateJSON, interruptJSON)
}

func (c *storeCheckpointer) Load(ctx context.Context, threadID string) (graph.Checkpoint, error) {
	row, err := c.store.LatestCheckpoint(ctx, threadID)
	if err != nil {
		return graph.Checkpoint{}, err
	}
	var cp graph.Checkpoint
	if err := json.Unmarshal([]byte(row.StateJSON), &cp.State); err != nil {
		return graph.Checkpoint{}, fmt.Errorf("decode checkpoint state: %w", err)
	}
	if raw := row.Interrupt(); raw != nil {
		var intr graph.Interrupt
		if err := json.Unmarshal(raw, &intr); err != nil {
			return graph.Checkpoint{}, fmt.Errorf("decode interrupt: %w", err)
		}
		cp.Interrupt = &intr
	}
	return cp, nil
}

// StdinApprovalPrompt asks for a plan decision on the terminal. It backs
// CLI approval mode.
func StdinApprovalPrompt(_ context.Context, st state.WorkflowState) (bool, string, error) {
	fmt.Printf("Plan for %s is ready at %s. Approve? [y/N]: ", st.IssueID, st.PlanPath)
	reader := bufio.NewReader(os.Stdin)
	line, err := reader.ReadString('\n')
	if err != nil {
		return false, "", fmt.Errorf("read approval: %w", err)
	}
	answer := strings.ToLower(strings.TrimSpace(line))
	approved := answer == "y" || answer == "yes"

	var feedback string
	if !approved {
		fmt.Print("Feedback (optional): ")
		if fb, err := reader.ReadString('\n'); err == nil {
			feedback = strings.TrimSpace(fb)
		}
	}
	return approved, feedback, nil
}
