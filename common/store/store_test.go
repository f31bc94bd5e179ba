package store

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/forgeline/overseer/common/config"
	"github.com/forgeline/overseer/common/logger"
	"github.com/forgeline/overseer/common/state"
)

var memCounter atomic.Int64

// testStore opens a uniquely named shared in-memory sqlite database and
// applies migrations.
func testStore(t *testing.T) *Store {
	t.Helper()

	cfg := &config.Config{Store: config.StoreConfig{
		Backend:    BackendSQLite,
		SQLitePath: fmt.Sprintf("file::memory:store_test_%d", memCounter.Add(1)),
	}}

	s, err := Open(context.Background(), cfg, logger.New("error", "json"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	require.NoError(t, s.Migrate(context.Background()))
	return s
}

func testEvent(workflowID string, seq int64, et state.EventType, ts time.Time) state.WorkflowEvent {
	return state.WorkflowEvent{
		WorkflowID: workflowID,
		Sequence:   seq,
		Timestamp:  ts,
		Agent:      "orchestrator",
		EventType:  et,
		Message:    fmt.Sprintf("event %d", seq),
	}
}

func TestWorkflowRoundTrip(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	st := state.New("wf-rt", "TEST-123", "default")
	st.Goal = "implement feature X"
	st.PlanPath = "docs/plans/2026-01-18-test-123.md"

	require.NoError(t, s.CreateWorkflow(ctx, st))

	wf, err := s.GetWorkflow(ctx, "wf-rt")
	require.NoError(t, err)
	assert.Equal(t, "TEST-123", wf.IssueID)
	assert.Equal(t, state.StatusPending, wf.Status)
	assert.Equal(t, st.Goal, wf.State.Goal)
	assert.Equal(t, st.PlanPath, wf.State.PlanPath)

	list, err := s.ListWorkflows(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)

	require.NoError(t, s.DeleteWorkflow(ctx, "wf-rt"))
	_, err = s.GetWorkflow(ctx, "wf-rt")
	require.ErrorIs(t, err, ErrNotFound)

	err = s.DeleteWorkflow(ctx, "wf-rt")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestSaveNodeOutputAtomicity(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	st := state.New("wf-node", "TEST-1", "default")
	require.NoError(t, s.CreateWorkflow(ctx, st))

	now := time.Now().UTC()
	st.WorkflowStatus = state.StatusInProgress
	events := []state.WorkflowEvent{
		testEvent("wf-node", 1, state.EventAgentStarted, now),
		testEvent("wf-node", 2, state.EventAgentOutput, now),
	}
	usage := []state.TokenUsage{{
		WorkflowID: "wf-node", Agent: "architect", Model: "sonnet",
		InputTokens: 100, OutputTokens: 40, CostUSD: 0.01,
	}}
	require.NoError(t, s.SaveNodeOutput(ctx, st, events, usage))

	got, err := s.Events(ctx, "wf-node", 0, 10)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, int64(1), got[0].Sequence)
	assert.Equal(t, int64(2), got[1].Sequence)

	seq, err := s.LastSequence(ctx, "wf-node")
	require.NoError(t, err)
	assert.Equal(t, int64(2), seq)

	sums, err := s.WorkflowUsage(ctx, "wf-node")
	require.NoError(t, err)
	require.Len(t, sums, 1)
	assert.Equal(t, int64(100), sums[0].InputTokens)

	// A forbidden move rolls the whole write back, events included.
	bad := st
	bad.WorkflowStatus = state.StatusPending
	err = s.SaveNodeOutput(ctx, bad, []state.WorkflowEvent{testEvent("wf-node", 3, state.EventAgentOutput, now)}, nil)
	require.ErrorIs(t, err, state.ErrInvalidTransition)

	seq, err = s.LastSequence(ctx, "wf-node")
	require.NoError(t, err)
	assert.Equal(t, int64(2), seq, "rolled-back events must not persist")

	// Terminal workflows accept no further writes.
	st.WorkflowStatus = state.StatusCompleted
	require.NoError(t, s.SaveNodeOutput(ctx, st, nil, nil))
	err = s.SaveNodeOutput(ctx, st, nil, nil)
	require.ErrorIs(t, err, state.ErrTerminal)
}

func TestCheckpointLifecycle(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	st := state.New("wf-cp", "TEST-2", "default")
	require.NoError(t, s.CreateWorkflow(ctx, st))

	_, err := s.LatestCheckpoint(ctx, "wf-cp")
	require.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, s.SaveCheckpoint(ctx, "wf-cp", "cp-1", []byte(`{"workflowId":"wf-cp"}`), nil))
	cp, err := s.LatestCheckpoint(ctx, "wf-cp")
	require.NoError(t, err)
	assert.Equal(t, "cp-1", cp.CheckpointID)
	assert.Nil(t, cp.Interrupt())

	interrupt := []byte(`{"__interrupt__":"human_approval_node","reason":"waiting for plan approval"}`)
	require.NoError(t, s.SaveCheckpoint(ctx, "wf-cp", "cp-2", []byte(`{"workflowId":"wf-cp"}`), interrupt))
	cp, err = s.LatestCheckpoint(ctx, "wf-cp")
	require.NoError(t, err)
	assert.Equal(t, "cp-2", cp.CheckpointID)
	assert.JSONEq(t, string(interrupt), string(cp.Interrupt()))

	require.NoError(t, s.DeleteCheckpoints(ctx, "wf-cp"))
	_, err = s.LatestCheckpoint(ctx, "wf-cp")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestBrainstormSessionLifecycle(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	session, err := s.CreateSession(ctx, "default")
	require.NoError(t, err)
	assert.Equal(t, SessionActive, session.Status)

	m1, err := s.AppendMessage(ctx, session.ID, "user", "how should we cache this?")
	require.NoError(t, err)
	assert.Equal(t, int64(1), m1.Sequence)

	m2, err := s.AppendMessage(ctx, session.ID, "assistant", "consider a write-through design")
	require.NoError(t, err)
	assert.Equal(t, int64(2), m2.Sequence)

	msgs, err := s.Messages(ctx, session.ID)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "user", msgs[0].Role)

	require.NoError(t, s.SetSessionDriverID(ctx, session.ID, "drv-abc"))
	got, err := s.GetSession(ctx, session.ID)
	require.NoError(t, err)
	assert.Equal(t, "drv-abc", got.DriverSessionID)

	artifact, err := s.SaveArtifact(ctx, session.ID, "docs/plans/2026-01-18-cache-design.md", "design")
	require.NoError(t, err)

	again, err := s.SaveArtifact(ctx, session.ID, "docs/plans/2026-01-18-cache-design.md", "design")
	require.NoError(t, err)
	assert.Equal(t, artifact.ID, again.ID, "re-detected artifact keeps its identity")

	byPath, err := s.ArtifactByPath(ctx, session.ID, "docs/plans/2026-01-18-cache-design.md")
	require.NoError(t, err)
	assert.Equal(t, "design", byPath.Type)

	require.NoError(t, s.CompleteSession(ctx, session.ID))
	_, err = s.AppendMessage(ctx, session.ID, "user", "one more thing")
	require.ErrorIs(t, err, ErrSessionCompleted)
	err = s.CompleteSession(ctx, session.ID)
	require.ErrorIs(t, err, ErrSessionCompleted)

	require.NoError(t, s.DeleteSession(ctx, session.ID))
	_, err = s.GetSession(ctx, session.ID)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestRetentionPruning(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	st := state.New("wf-old", "TEST-3", "default")
	require.NoError(t, s.CreateWorkflow(ctx, st))

	old := time.Now().UTC().AddDate(0, 0, -10)
	fresh := time.Now().UTC()
	st.WorkflowStatus = state.StatusInProgress
	events := []state.WorkflowEvent{
		testEvent("wf-old", 1, state.EventAgentStarted, old),
		testEvent("wf-old", 2, state.EventAgentOutput, old),
		testEvent("wf-old", 3, state.EventAgentOutput, fresh),
		testEvent("wf-old", 4, state.EventAgentOutput, fresh),
		testEvent("wf-old", 5, state.EventAgentOutput, fresh),
	}
	require.NoError(t, s.SaveNodeOutput(ctx, st, events, nil))

	// Age rule removes the two old events; the count rule then trims the
	// remainder to the newest two.
	stats, err := s.PruneEvents(ctx, 7, 2)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.WorkflowsScanned)
	assert.Equal(t, int64(3), stats.EventsDeleted)

	kept, err := s.Events(ctx, "wf-old", 0, 10)
	require.NoError(t, err)
	require.Len(t, kept, 2)
	assert.Equal(t, int64(4), kept[0].Sequence)
	assert.Equal(t, int64(5), kept[1].Sequence)
}

func TestPurgeTerminalWorkflows(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	st := state.New("wf-done", "TEST-4", "default")
	require.NoError(t, s.CreateWorkflow(ctx, st))
	st.WorkflowStatus = state.StatusInProgress
	require.NoError(t, s.SaveNodeOutput(ctx, st, []state.WorkflowEvent{
		testEvent("wf-done", 1, state.EventAgentStarted, time.Now().UTC()),
	}, nil))
	st.WorkflowStatus = state.StatusCompleted
	require.NoError(t, s.SaveNodeOutput(ctx, st, nil, nil))

	// Nothing is old enough yet.
	purged, err := s.PurgeTerminalWorkflows(ctx, 7)
	require.NoError(t, err)
	assert.Zero(t, purged)

	// Backdate and purge; the log cascades away with the workflow.
	_, err = s.DB().ExecContext(ctx, s.rebind(`UPDATE workflows SET updated_at = ? WHERE id = ?`),
		time.Now().UTC().AddDate(0, 0, -30), "wf-done")
	require.NoError(t, err)

	purged, err = s.PurgeTerminalWorkflows(ctx, 7)
	require.NoError(t, err)
	assert.Equal(t, int64(1), purged)

	_, err = s.GetWorkflow(ctx, "wf-done")
	require.ErrorIs(t, err, ErrNotFound)
	left, err := s.Events(ctx, "wf-done", 0, 10)
	require.NoError(t, err)
	assert.Empty(t, left)
}

func TestProfiles(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	p := state.Profile{
		ID:                "default",
		WorkingDir:        "/tmp/work",
		PlanPathPattern:   "docs/plans/{date}-{issue_key}.md",
		TrustLevel:        state.TrustAutonomous,
		BatchCheckpoints:  true,
		CompetitiveReview: true,
		IsActive:          true,
		Agents: map[string]state.AgentConfig{
			"architect": {Driver: "worker", Model: "opus"},
		},
	}
	require.NoError(t, s.SaveProfile(ctx, p))

	got, err := s.GetProfile(ctx, "default")
	require.NoError(t, err)
	assert.Equal(t, state.TrustAutonomous, got.TrustLevel)
	assert.Equal(t, "opus", got.Agents["architect"].Model)

	// Saving again replaces rather than duplicating.
	p.TrustLevel = state.TrustParanoid
	require.NoError(t, s.SaveProfile(ctx, p))
	all, err := s.ListProfiles(ctx)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, state.TrustParanoid, all[0].TrustLevel)

	_, err = s.GetProfile(ctx, "ghost")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestSettingsDefaultsAndUpdate(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	seeded, err := s.HasSettings(ctx)
	require.NoError(t, err)
	assert.False(t, seeded)

	settings, err := s.GetSettings(ctx)
	require.NoError(t, err)
	assert.Equal(t, 30, settings.LogRetentionDays)
	assert.Equal(t, 3, settings.MaxConcurrentWorkflows)

	seeded, err = s.HasSettings(ctx)
	require.NoError(t, err)
	assert.True(t, seeded)

	settings.MaxConcurrentWorkflows = 8
	settings.LogRetentionMaxEvents = 100
	require.NoError(t, s.UpdateSettings(ctx, settings))

	settings, err = s.GetSettings(ctx)
	require.NoError(t, err)
	assert.Equal(t, 8, settings.MaxConcurrentWorkflows)
	assert.Equal(t, 100, settings.LogRetentionMaxEvents)
}

func TestPromptCatalog(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	id, err := s.UpsertPrompt(ctx, "architect", "architect_system", "architect system prompt")
	require.NoError(t, err)

	again, err := s.UpsertPrompt(ctx, "architect", "architect_system", "ignored")
	require.NoError(t, err)
	assert.Equal(t, id, again)

	v1, err := s.CreateVersion(ctx, id, "first revision")
	require.NoError(t, err)
	assert.Equal(t, 1, v1.VersionNumber)

	v2, err := s.CreateVersion(ctx, id, "second revision")
	require.NoError(t, err)
	assert.Equal(t, 2, v2.VersionNumber)

	active, err := s.ActiveVersion(ctx, "architect_system")
	require.NoError(t, err)
	assert.Equal(t, v2.ID, active.ID)
	assert.Equal(t, "second revision", active.Content)

	st := state.New("wf-pin", "TEST-5", "default")
	require.NoError(t, s.CreateWorkflow(ctx, st))

	ids, err := s.ActiveVersionIDs(ctx)
	require.NoError(t, err)
	require.NoError(t, s.PinWorkflowVersions(ctx, "wf-pin", []string{ids["architect_system"]}))

	pinned, err := s.WorkflowVersions(ctx, "wf-pin")
	require.NoError(t, err)
	require.Len(t, pinned, 1)
	assert.Equal(t, v2.ID, pinned[0].ID)
}
