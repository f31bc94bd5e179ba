package agents

import (
	"context"
	"fmt"
	"strings"

	"github.com/forgeline/overseer/common/driver"
	"github.com/forgeline/overseer/common/logger"
	"github.com/forgeline/overseer/common/state"
)

// Snapshotter captures the worktree before a batch runs.
type Snapshotter func(ctx context.Context) (state.GitSnapshot, error)

// Developer executes the plan. With a structured ExecutionPlan it runs one
// batch per invocation through the step runner; without one it hands the
// plan markdown to the driver agentically.
type Developer struct {
	Driver   driver.Driver
	Prompts  Prompts
	Snapshot Snapshotter
	Log      *logger.Logger
}

// Run executes the next unit of developer work and reports progress through
// developerStatus in the returned update.
func (d *Developer) Run(ctx context.Context, st state.WorkflowState, profile state.Profile, emit Emitter) (state.Update, error) {
	if st.ExecutionPlan != nil {
		return d.runBatch(ctx, st, profile, emit)
	}
	return d.runAgentic(ctx, st, profile, emit)
}

// runAgentic drives the whole plan in one tool-using conversation.
func (d *Developer) runAgentic(ctx context.Context, st state.WorkflowState, profile state.Profile, emit Emitter) (state.Update, error) {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Implement the following plan for issue %s.\n\n", st.IssueID)
	if st.Goal != "" {
		fmt.Fprintf(&sb, "Goal: %s\n\n", st.Goal)
	}
	sb.WriteString(st.PlanMarkdown)
	if st.HumanFeedback != "" {
		fmt.Fprintf(&sb, "\n\nOperator feedback to incorporate:\n%s\n", st.HumanFeedback)
	}

	_, err := runAgentic(ctx, d.Driver, driver.AgenticRequest{
		Prompt:       sb.String(),
		SystemPrompt: d.Prompts.Get(PromptDeveloperSystem),
		Cwd:          workingDir(st, profile),
		SessionID:    st.DriverSessionID,
	}, NameDeveloper, emit)
	if err != nil {
		return nil, fmt.Errorf("developer execution: %w", err)
	}

	return state.Update{"developerStatus": string(state.DeveloperAllDone)}, nil
}

// runBatch executes the current batch of the structured plan.
func (d *Developer) runBatch(ctx context.Context, st state.WorkflowState, profile state.Profile, emit Emitter) (state.Update, error) {
	plan := st.ExecutionPlan
	idx := st.CurrentBatchIndex
	if idx >= len(plan.Batches) {
		return state.Update{"developerStatus": string(state.DeveloperAllDone)}, nil
	}
	batch := plan.Batches[idx]

	if d.Snapshot != nil {
		snap, err := d.Snapshot(ctx)
		if err != nil {
			d.Log.Warn("git snapshot failed", "workflow_id", st.WorkflowID, "error", err)
		} else {
			d.Log.Info("batch starting", "workflow_id", st.WorkflowID,
				"batch", batch.BatchNumber, "head", snap.HeadCommit, "dirty", len(snap.DirtyFiles))
		}
	}

	runner := &StepRunner{Dir: workingDir(st, profile), Emit: emit, Log: d.Log}

	// Blocker recovery re-enters the batch at the blocked step; everything
	// before it keeps the results recorded when the batch first ran.
	var results []state.StepResult
	startAt := 0
	if st.CurrentBlocker != nil && isRetryResolution(st.BlockerResolution) {
		startAt, results = recoverBatchProgress(st, batch)
	}

	skipped := make(map[string]bool, len(st.SkippedStepIDs))
	for _, id := range st.SkippedStepIDs {
		skipped[id] = true
	}

	var blocker *state.BlockerReport
	for i := startAt; i < len(batch.Steps); i++ {
		step := batch.Steps[i]

		if skipped[step.ID] {
			results = append(results, state.StepResult{
				StepID: step.ID,
				Status: state.StepSkipped,
				Error:  "skipped by earlier blocker resolution",
			})
			continue
		}

		if check := PreValidateStep(step, runner.Dir); !check.OK {
			blocker = &state.BlockerReport{
				StepID:               step.ID,
				StepDescription:      step.Description,
				BlockerType:          state.BlockerUnexpectedState,
				ErrorMessage:         check.Issue,
				SuggestedResolutions: append(check.Suggestions, "skip", "abort"),
			}
			results = append(results, state.StepResult{StepID: step.ID, Status: state.StepFailed, Error: check.Issue})
		} else {
			var res state.StepResult
			res, blocker = runner.ExecuteStep(ctx, step)
			results = append(results, res)
		}

		if blocker != nil {
			// The rest of the batch rides on this step; record the cascade
			// now so the blocked batch result is complete.
			reasons := CascadeSkips(plan, map[string]string{step.ID: blocker.ErrorMessage})
			for j := i + 1; j < len(batch.Steps); j++ {
				rest := batch.Steps[j]
				if reason, ok := reasons[rest.ID]; ok {
					results = append(results, state.StepResult{StepID: rest.ID, Status: state.StepSkipped, Error: reason})
				} else {
					results = append(results, state.StepResult{StepID: rest.ID, Status: state.StepSkipped, Error: "batch blocked"})
				}
			}
			break
		}
	}

	if blocker != nil {
		emit(state.WorkflowEvent{
			Agent:     NameDeveloper,
			EventType: state.EventBlocked,
			Message:   fmt.Sprintf("step %s blocked: %s", blocker.StepID, blocker.ErrorMessage),
		})
		batchResult := state.BatchResult{
			BatchNumber:    batch.BatchNumber,
			Status:         state.BatchBlocked,
			CompletedSteps: results,
			Blocker:        blocker,
		}
		return state.Update{
			"developerStatus":   string(state.DeveloperBlocked),
			"workflowStatus":    string(state.StatusBlocked),
			"currentBlocker":    blocker,
			"blockerResolution": nil,
			"batchResults":      upsertBatchResult(st.BatchResults, batchResult),
		}, nil
	}

	batchResult := state.BatchResult{
		BatchNumber:    batch.BatchNumber,
		Status:         state.BatchComplete,
		CompletedSteps: results,
	}

	update := state.Update{
		"currentBatchIndex": idx + 1,
		"currentBlocker":    nil,
		"blockerResolution": nil,
		"batchResults":      upsertBatchResult(st.BatchResults, batchResult),
	}

	switch {
	case idx+1 >= len(plan.Batches):
		update["developerStatus"] = string(state.DeveloperAllDone)
	case state.ShouldCheckpoint(plan.Batches[idx+1], profile):
		update["developerStatus"] = string(state.DeveloperBatchComplete)
	default:
		update["developerStatus"] = string(state.DeveloperExecuting)
	}
	return update, nil
}

// RunReviewFix re-enters the developer with a synthetic one-batch plan built
// from the rejected review's comments, executed agentically. The review
// iteration counter belongs to the reviewer; the fix only consumes it.
func (d *Developer) RunReviewFix(ctx context.Context, st state.WorkflowState, profile state.Profile, emit Emitter) (state.Update, error) {
	if st.LastReview == nil {
		return nil, fmt.Errorf("review fix requested without a review on record")
	}
	plan := BuildReviewFixPlan(st.LastReview, st.ReviewIteration)

	var sb strings.Builder
	fmt.Fprintf(&sb, "A review rejected the current changes (severity %s). Address every comment:\n\n", st.LastReview.Severity)
	for _, step := range plan.Batches[0].Steps {
		fmt.Fprintf(&sb, "- %s\n", step.Description)
	}
	if st.CodeChangesForReview != "" {
		sb.WriteString("\nThe reviewed diff:\n")
		sb.WriteString(st.CodeChangesForReview)
	}

	_, err := runAgentic(ctx, d.Driver, driver.AgenticRequest{
		Prompt:       sb.String(),
		SystemPrompt: d.Prompts.Get(PromptDeveloperSystem),
		Cwd:          workingDir(st, profile),
		SessionID:    st.DriverSessionID,
	}, NameDeveloper, emit)
	if err != nil {
		return nil, fmt.Errorf("review fix execution: %w", err)
	}

	return state.Update{}, nil
}

// BuildReviewFixPlan turns review comments into a one-batch plan, one step
// per comment.
func BuildReviewFixPlan(review *state.ReviewResult, iteration int) *state.ExecutionPlan {
	steps := make([]state.PlanStep, 0, len(review.Comments))
	for i, comment := range review.Comments {
		steps = append(steps, state.PlanStep{
			ID:          fmt.Sprintf("review-fix-%d-%d", iteration, i+1),
			Description: comment,
			ActionType:  state.ActionCode,
			RiskLevel:   state.RiskLow,
		})
	}
	if len(steps) == 0 {
		steps = append(steps, state.PlanStep{
			ID:          fmt.Sprintf("review-fix-%d-1", iteration),
			Description: "address the review rejection",
			ActionType:  state.ActionCode,
			RiskLevel:   state.RiskLow,
		})
	}
	return &state.ExecutionPlan{
		Goal: fmt.Sprintf("Address review feedback (iteration %d)", iteration),
		Batches: []state.ExecutionBatch{{
			BatchNumber: 1,
			Steps:       steps,
			RiskSummary: state.RiskLow,
			Description: "review fixes",
		}},
	}
}

// CascadeSkips computes which steps must be skipped because they depend,
// directly or transitively, on a step named in seeds. Direct dependents get
// "depends on <failed>"; transitive dependents get the full chain from
// themselves down to the failed step.
func CascadeSkips(plan *state.ExecutionPlan, seeds map[string]string) map[string]string {
	steps := plan.AllSteps()

	// paths[id] is the dependency chain from id down to a seed.
	paths := make(map[string][]string, len(seeds))
	for id := range seeds {
		paths[id] = []string{id}
	}

	out := make(map[string]string)
	for changed := true; changed; {
		changed = false
		for _, step := range steps {
			if _, done := paths[step.ID]; done {
				continue
			}
			for _, dep := range step.DependsOn {
				chain, hit := paths[dep]
				if !hit {
					continue
				}
				paths[step.ID] = append([]string{step.ID}, chain...)
				if _, isSeed := seeds[dep]; isSeed {
					out[step.ID] = fmt.Sprintf("depends on %s", dep)
				} else {
					out[step.ID] = fmt.Sprintf("depends on %s", strings.Join(paths[step.ID], "→"))
				}
				changed = true
				break
			}
		}
	}
	return out
}

// isRetryResolution reports whether a blocker resolution asks for a retry
// rather than one of the skip/abort sentinels.
func isRetryResolution(resolution string) bool {
	return resolution != "" && resolution != state.ResolutionSkip && resolution != state.ResolutionAbort
}

// recoverBatchProgress finds where a retried batch resumes and the results
// preserved from its first run.
func recoverBatchProgress(st state.WorkflowState, batch state.ExecutionBatch) (int, []state.StepResult) {
	blockedID := st.CurrentBlocker.StepID
	startAt := 0
	for i, step := range batch.Steps {
		if step.ID == blockedID {
			startAt = i
			break
		}
	}

	var preserved []state.StepResult
	for _, br := range st.BatchResults {
		if br.BatchNumber != batch.BatchNumber {
			continue
		}
		for _, res := range br.CompletedSteps {
			if res.Status == state.StepCompleted && stepIndex(batch, res.StepID) < startAt {
				preserved = append(preserved, res)
			}
		}
	}
	return startAt, preserved
}

func stepIndex(batch state.ExecutionBatch, id string) int {
	for i, step := range batch.Steps {
		if step.ID == id {
			return i
		}
	}
	return -1
}

// upsertBatchResult replaces the result for the same batch number or
// appends, keeping one record per batch.
func upsertBatchResult(existing []state.BatchResult, result state.BatchResult) []state.BatchResult {
	out := make([]state.BatchResult, 0, len(existing)+1)
	replaced := false
	for _, br := range existing {
		if br.BatchNumber == result.BatchNumber {
			out = append(out, result)
			replaced = true
			continue
		}
		out = append(out, br)
	}
	if !replaced {
		out = append(out, result)
	}
	return out
}
