package models

import (
	"time"

	"github.com/forgeline/overseer/common/state"
	"github.com/forgeline/overseer/common/store"
)

// StartWorkflowRequest submits an issue for implementation.
type StartWorkflowRequest struct {
	IssueID string `json:"issueId" validate:"required"`
	Profile string `json:"profile"`

	// WorktreePath adopts an existing checkout instead of creating a
	// worktree. PlanPath seeds the plan so the run skips the architect.
	WorktreePath string `json:"worktreePath"`
	PlanPath     string `json:"planPath"`
}

// StartWorkflowResponse carries the id of the admitted workflow.
type StartWorkflowResponse struct {
	WorkflowID string `json:"workflowId"`
}

// ApproveRequest answers a plan or batch approval gate. Approved is a
// pointer so a missing field fails validation instead of meaning "reject".
type ApproveRequest struct {
	Approved *bool  `json:"approved" validate:"required"`
	Feedback string `json:"feedback"`
}

// ResolveBlockerRequest supplies the human resolution for a blocked workflow.
type ResolveBlockerRequest struct {
	Resolution string `json:"resolution" validate:"required"`
}

// PlanRequest replaces a workflow's plan. Exactly one of PlanFile and
// PlanContent must be set; Force overrides the safe-state check.
type PlanRequest struct {
	PlanFile    string `json:"planFile"`
	PlanContent string `json:"planContent"`
	Force       bool   `json:"force"`
}

// CancelRequest optionally names why a workflow is being cancelled.
type CancelRequest struct {
	Reason string `json:"reason"`
}

// WorkflowSummary is the list-view projection of a workflow.
type WorkflowSummary struct {
	WorkflowID   string    `json:"workflowId"`
	IssueID      string    `json:"issueId"`
	Profile      string    `json:"profile"`
	Status       string    `json:"status"`
	Goal         string    `json:"goal,omitempty"`
	WorktreePath string    `json:"worktreePath,omitempty"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

// WorkflowResponse is the detail view: full state plus the latest events.
type WorkflowResponse struct {
	WorkflowSummary
	State  state.WorkflowState    `json:"state"`
	Events []state.WorkflowEvent  `json:"events"`
}

// EventsResponse pages a workflow's event log.
type EventsResponse struct {
	WorkflowID string                 `json:"workflowId"`
	Events     []state.WorkflowEvent  `json:"events"`
	Count      int                    `json:"count"`
}

// UsageResponse aggregates token usage per agent and model.
type UsageResponse struct {
	WorkflowID string               `json:"workflowId"`
	Usage      []store.UsageSummary `json:"usage"`
}

// NewWorkflowSummary projects a stored workflow into its list view.
func NewWorkflowSummary(wf store.Workflow) WorkflowSummary {
	return WorkflowSummary{
		WorkflowID:   wf.ID,
		IssueID:      wf.IssueID,
		Profile:      wf.State.ProfileID,
		Status:       string(wf.Status),
		Goal:         wf.State.Goal,
		WorktreePath: wf.WorktreePath,
		CreatedAt:    wf.CreatedAt,
		UpdatedAt:    wf.UpdatedAt,
	}
}

// NewWorkflowResponse projects a stored workflow and its recent events into
// the detail view.
func NewWorkflowResponse(wf store.Workflow, events []state.WorkflowEvent) WorkflowResponse {
	if events == nil {
		events = []state.WorkflowEvent{}
	}
	return WorkflowResponse{
		WorkflowSummary: NewWorkflowSummary(wf),
		State:           wf.State,
		Events:          events,
	}
}
