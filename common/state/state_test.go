package state

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestValidateTransition(t *testing.T) {
	tests := []struct {
		name    string
		from    WorkflowStatus
		to      WorkflowStatus
		wantErr bool
	}{
		{"pending to in_progress", StatusPending, StatusInProgress, false},
		{"pending to cancelled", StatusPending, StatusCancelled, false},
		{"pending to completed", StatusPending, StatusCompleted, true},
		{"pending to blocked", StatusPending, StatusBlocked, true},
		{"in_progress to blocked", StatusInProgress, StatusBlocked, false},
		{"in_progress to completed", StatusInProgress, StatusCompleted, false},
		{"in_progress to failed", StatusInProgress, StatusFailed, false},
		{"in_progress to cancelled", StatusInProgress, StatusCancelled, false},
		{"in_progress to pending", StatusInProgress, StatusPending, true},
		{"blocked to in_progress", StatusBlocked, StatusInProgress, false},
		{"blocked to failed", StatusBlocked, StatusFailed, false},
		{"blocked to cancelled", StatusBlocked, StatusCancelled, false},
		{"blocked to completed", StatusBlocked, StatusCompleted, true},
		{"completed is terminal", StatusCompleted, StatusInProgress, true},
		{"failed is terminal", StatusFailed, StatusInProgress, true},
		{"cancelled is terminal", StatusCancelled, StatusPending, true},
		{"self transition allowed", StatusInProgress, StatusInProgress, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateTransition(tt.from, tt.to)
			if tt.wantErr && err == nil {
				t.Errorf("ValidateTransition(%s, %s) = nil, want error", tt.from, tt.to)
			}
			if !tt.wantErr && err != nil {
				t.Errorf("ValidateTransition(%s, %s) = %v, want nil", tt.from, tt.to, err)
			}
		})
	}
}

func TestValidateTransitionTerminalSentinel(t *testing.T) {
	err := ValidateTransition(StatusCompleted, StatusInProgress)
	if !errors.Is(err, ErrTerminal) {
		t.Errorf("expected ErrTerminal, got %v", err)
	}

	err = ValidateTransition(StatusPending, StatusBlocked)
	if !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("expected ErrInvalidTransition, got %v", err)
	}
}

func TestIsTerminal(t *testing.T) {
	terminal := []WorkflowStatus{StatusCompleted, StatusFailed, StatusCancelled}
	for _, s := range terminal {
		if !s.IsTerminal() {
			t.Errorf("%s should be terminal", s)
		}
	}

	live := []WorkflowStatus{StatusPending, StatusInProgress, StatusBlocked}
	for _, s := range live {
		if s.IsTerminal() {
			t.Errorf("%s should not be terminal", s)
		}
	}
}

func fullState() WorkflowState {
	approved := true
	totalTasks := 4

	return WorkflowState{
		WorkflowID:   "wf-1",
		IssueID:      "TEST-123",
		Issue:        &Issue{ID: "TEST-123", Title: "Add X"},
		ProfileID:    "default",
		WorktreePath: "/tmp/worktrees/wf-1",
		WorktreeName: "wf-1",
		BaseCommit:   "abc123",
		Goal:         "Implement feature X",
		PlanMarkdown: "**Goal:** Implement feature X",
		PlanPath:     "docs/plans/2026-01-18-test-123.md",
		KeyFiles:     []string{"main.go", "main_test.go"},
		ExecutionPlan: &ExecutionPlan{
			Goal: "Implement feature X",
			Batches: []ExecutionBatch{
				{
					BatchNumber: 1,
					RiskSummary: RiskLow,
					Steps: []PlanStep{
						{ID: "s1", Description: "run it", ActionType: ActionCommand, RiskLevel: RiskLow, Command: "echo ok"},
					},
				},
			},
		},
		CurrentBatchIndex:   1,
		TotalTasks:          &totalTasks,
		CurrentTaskIndex:    2,
		TaskReviewIteration: 1,
		WorkflowStatus:      StatusInProgress,
		DeveloperStatus:     DeveloperBatchComplete,
		HumanApproved:       &approved,
		HumanFeedback:       "LGTM",
		CurrentBlocker: &BlockerReport{
			StepID:       "s1",
			BlockerType:  BlockerCommandFailed,
			ErrorMessage: "exit 127",
		},
		BlockerResolution:    "retry with bash",
		LastReview:           &ReviewResult{ReviewerPersona: "General", Approved: true, Severity: SeverityLow},
		ReviewIteration:      1,
		CodeChangesForReview: "diff --git a/main.go b/main.go",
		DriverSessionID:      "sess-9",
		BatchApprovals:       []BatchApproval{{BatchNumber: 1, Approved: true, Feedback: "ok"}},
		SkippedStepIDs:       []string{"s7"},
	}
}

func TestWorkflowStateJSONRoundTrip(t *testing.T) {
	original := fullState()

	data, err := json.Marshal(original)
	require.NoError(t, err)

	var decoded WorkflowState
	require.NoError(t, json.Unmarshal(data, &decoded))
	require.Equal(t, original, decoded)
}

func TestWorkflowStateWireFieldNames(t *testing.T) {
	data, err := json.Marshal(fullState())
	require.NoError(t, err)

	var raw map[string]any
	require.NoError(t, json.Unmarshal(data, &raw))

	for _, field := range []string{
		"workflowId", "issueId", "profileId", "worktreePath", "baseCommit",
		"planMarkdown", "executionPlan", "workflowStatus", "developerStatus",
		"humanApproved", "currentBlocker", "reviewIteration", "driverSessionId",
		"batchApprovals", "skippedStepIds",
	} {
		require.Contains(t, raw, field)
	}
}

func TestMergePartialUpdate(t *testing.T) {
	s := New("wf-1", "TEST-123", "default")

	next, err := s.Merge(Update{
		"workflowStatus": StatusInProgress,
		"baseCommit":     "abc123",
	})
	require.NoError(t, err)

	require.Equal(t, StatusInProgress, next.WorkflowStatus)
	require.Equal(t, "abc123", next.BaseCommit)
	// receiver untouched
	require.Equal(t, StatusPending, s.WorkflowStatus)
	require.Empty(t, s.BaseCommit)
}

func TestMergeClearsFieldsWithNull(t *testing.T) {
	approved := true
	s := New("wf-1", "TEST-123", "default")
	s.HumanApproved = &approved
	s.HumanFeedback = "ship it"

	next, err := s.Merge(Update{
		"humanApproved": nil,
		"humanFeedback": nil,
	})
	require.NoError(t, err)

	require.Nil(t, next.HumanApproved)
	require.Empty(t, next.HumanFeedback)
	require.NotNil(t, s.HumanApproved)
}

func TestMergeAppendsBatchApprovals(t *testing.T) {
	s := New("wf-1", "TEST-123", "default")
	s.BatchApprovals = []BatchApproval{{BatchNumber: 1, Approved: true}}

	appended := append([]BatchApproval{}, s.BatchApprovals...)
	appended = append(appended, BatchApproval{BatchNumber: 2, Approved: false, Feedback: "redo"})

	next, err := s.Merge(Update{"batchApprovals": appended})
	require.NoError(t, err)

	require.Len(t, next.BatchApprovals, 2)
	require.Len(t, s.BatchApprovals, 1)
	require.Equal(t, 2, next.BatchApprovals[1].BatchNumber)
}

func TestCloneIsDeep(t *testing.T) {
	s := fullState()
	c := s.Clone()
	require.Equal(t, s, c)

	c.KeyFiles[0] = "other.go"
	c.ExecutionPlan.Batches[0].Steps[0].Command = "echo changed"

	require.Equal(t, "main.go", s.KeyFiles[0])
	require.Equal(t, "echo ok", s.ExecutionPlan.Batches[0].Steps[0].Command)
}

func TestEventTimestampWireFormat(t *testing.T) {
	evt := WorkflowEvent{
		ID:         "evt-1",
		WorkflowID: "wf-1",
		Sequence:   1,
		Timestamp:  time.Date(2026, 1, 18, 10, 30, 0, 0, time.UTC),
		Agent:      "architect",
		EventType:  EventAgentStarted,
	}

	data, err := json.Marshal(evt)
	require.NoError(t, err)

	var raw map[string]any
	require.NoError(t, json.Unmarshal(data, &raw))
	require.Equal(t, "2026-01-18T10:30:00Z", raw["timestamp"])
	require.Equal(t, "AGENT_STARTED", raw["eventType"])
}
