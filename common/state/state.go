package state

import (
	"encoding/json"
	"errors"
	"fmt"

	jsonpatch "github.com/evanphx/json-patch/v5"
)

// WorkflowStatus represents the lifecycle status of a workflow
type WorkflowStatus string

const (
	StatusPending    WorkflowStatus = "pending"
	StatusInProgress WorkflowStatus = "in_progress"
	StatusBlocked    WorkflowStatus = "blocked"
	StatusCompleted  WorkflowStatus = "completed"
	StatusFailed     WorkflowStatus = "failed"
	StatusCancelled  WorkflowStatus = "cancelled"
)

// DeveloperStatus reports where the developer agent is within its plan
type DeveloperStatus string

const (
	DeveloperExecuting     DeveloperStatus = "executing"
	DeveloperBatchComplete DeveloperStatus = "batch_complete"
	DeveloperBlocked       DeveloperStatus = "blocked"
	DeveloperAllDone       DeveloperStatus = "all_done"
)

// Blocker resolution sentinels. Any other resolution string is free-form
// guidance for a retry of the blocked step.
const (
	ResolutionSkip  = "skip"
	ResolutionAbort = "abort"
)

var (
	// ErrInvalidTransition is returned for a status move outside the state machine
	ErrInvalidTransition = errors.New("invalid workflow status transition")

	// ErrTerminal is returned when mutating a workflow in a terminal status
	ErrTerminal = errors.New("workflow is in a terminal status")
)

// Issue is the tracked issue a workflow implements. The engine treats its
// content as opaque; only the id is required.
type Issue struct {
	ID    string `json:"id"`
	Title string `json:"title,omitempty"`
	Body  string `json:"body,omitempty"`
	URL   string `json:"url,omitempty"`
}

// BatchApproval records one human decision about one batch
type BatchApproval struct {
	BatchNumber int    `json:"batchNumber"`
	Approved    bool   `json:"approved"`
	Feedback    string `json:"feedback,omitempty"`
	Timestamp   string `json:"timestamp,omitempty"`
}

// WorkflowState is the single record threaded through the workflow graph.
// It is treated as an immutable value: every change goes through Merge,
// which returns a fresh copy.
type WorkflowState struct {
	WorkflowID string `json:"workflowId"`
	IssueID    string `json:"issueId"`
	Issue      *Issue `json:"issue,omitempty"`
	ProfileID  string `json:"profileId"`

	WorktreePath string `json:"worktreePath,omitempty"`
	WorktreeName string `json:"worktreeName,omitempty"`
	BaseCommit   string `json:"baseCommit,omitempty"`

	Goal         string   `json:"goal,omitempty"`
	PlanMarkdown string   `json:"planMarkdown,omitempty"`
	PlanPath     string   `json:"planPath,omitempty"`
	KeyFiles     []string `json:"keyFiles,omitempty"`

	ExecutionPlan     *ExecutionPlan `json:"executionPlan,omitempty"`
	CurrentBatchIndex int            `json:"currentBatchIndex"`

	TotalTasks          *int `json:"totalTasks,omitempty"`
	CurrentTaskIndex    int  `json:"currentTaskIndex"`
	TaskReviewIteration int  `json:"taskReviewIteration"`

	WorkflowStatus  WorkflowStatus  `json:"workflowStatus"`
	DeveloperStatus DeveloperStatus `json:"developerStatus"`

	HumanApproved *bool  `json:"humanApproved,omitempty"`
	HumanFeedback string `json:"humanFeedback,omitempty"`

	CurrentBlocker    *BlockerReport `json:"currentBlocker,omitempty"`
	BlockerResolution string         `json:"blockerResolution,omitempty"`

	LastReview           *ReviewResult `json:"lastReview,omitempty"`
	ReviewIteration      int           `json:"reviewIteration"`
	CodeChangesForReview string        `json:"codeChangesForReview,omitempty"`

	DriverSessionID string          `json:"driverSessionId,omitempty"`
	BatchApprovals  []BatchApproval `json:"batchApprovals,omitempty"`
	BatchResults    []BatchResult   `json:"batchResults,omitempty"`
	SkippedStepIDs  []string        `json:"skippedStepIds,omitempty"`
}

// New creates the initial state for a workflow
func New(workflowID, issueID, profileID string) WorkflowState {
	return WorkflowState{
		WorkflowID:      workflowID,
		IssueID:         issueID,
		ProfileID:       profileID,
		WorkflowStatus:  StatusPending,
		DeveloperStatus: DeveloperExecuting,
	}
}

// Update is a partial state update keyed by the state's JSON field names.
// Nodes return updates; Merge folds them into a fresh state copy.
type Update map[string]any

// Merge applies a partial update as a JSON merge patch and returns the new
// state. The receiver is never modified. A nil or empty update returns a
// plain deep copy.
func (s WorkflowState) Merge(u Update) (WorkflowState, error) {
	base, err := json.Marshal(s)
	if err != nil {
		return s, fmt.Errorf("failed to marshal state: %w", err)
	}

	if len(u) == 0 {
		var out WorkflowState
		if err := json.Unmarshal(base, &out); err != nil {
			return s, fmt.Errorf("failed to copy state: %w", err)
		}
		return out, nil
	}

	patch, err := json.Marshal(u)
	if err != nil {
		return s, fmt.Errorf("failed to marshal update: %w", err)
	}

	merged, err := jsonpatch.MergePatch(base, patch)
	if err != nil {
		return s, fmt.Errorf("failed to merge state update: %w", err)
	}

	var out WorkflowState
	if err := json.Unmarshal(merged, &out); err != nil {
		return s, fmt.Errorf("failed to unmarshal merged state: %w", err)
	}
	return out, nil
}

// Clone returns a deep copy of the state
func (s WorkflowState) Clone() WorkflowState {
	out, err := s.Merge(nil)
	if err != nil {
		// A state that marshalled once cannot fail to round-trip.
		panic(fmt.Sprintf("state clone: %v", err))
	}
	return out
}

// IsTerminal reports whether a status accepts no further transitions
func (ws WorkflowStatus) IsTerminal() bool {
	switch ws {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// allowedTransitions is the workflow status state machine
var allowedTransitions = map[WorkflowStatus][]WorkflowStatus{
	StatusPending:    {StatusInProgress, StatusCancelled},
	StatusInProgress: {StatusBlocked, StatusCompleted, StatusFailed, StatusCancelled},
	StatusBlocked:    {StatusInProgress, StatusFailed, StatusCancelled},
	StatusCompleted:  {},
	StatusFailed:     {},
	StatusCancelled:  {},
}

// ValidateTransition checks a status move against the state machine.
// Forbidden moves return ErrInvalidTransition and must not be persisted.
func ValidateTransition(current, target WorkflowStatus) error {
	if current == target {
		return nil
	}

	next, ok := allowedTransitions[current]
	if !ok {
		return fmt.Errorf("%w: unknown status %q", ErrInvalidTransition, current)
	}

	for _, s := range next {
		if s == target {
			return nil
		}
	}

	if current.IsTerminal() {
		return fmt.Errorf("%w: %s is terminal", ErrTerminal, current)
	}
	return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, current, target)
}
