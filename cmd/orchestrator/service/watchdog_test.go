package service

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/forgeline/overseer/common/config"
	"github.com/forgeline/overseer/common/state"
)

func TestWatchdogSweepCancelsStalePending(t *testing.T) {
	h := newHarness(t, func(cfg *config.Config) {
		cfg.Engine.WorkflowStartTimeout = time.Minute
	})
	h.saveProfile(t, t.TempDir())
	ctx := context.Background()

	mkPending := func(id string) {
		st := state.New(id, "TEST-123", "default")
		require.NoError(t, h.store.CreateWorkflow(ctx, st))
	}
	backdate := func(id string) {
		_, err := h.store.DB().ExecContext(ctx,
			`UPDATE workflows SET created_at = ? WHERE id = ?`,
			time.Now().UTC().Add(-2*time.Minute), id)
		require.NoError(t, err)
	}

	// Stale and eventless: the watchdog's target.
	mkPending("wf-stale")
	backdate("wf-stale")

	// Stale but already emitting events: a live task, left alone.
	mkPending("wf-active")
	backdate("wf-active")
	st, err := h.store.GetWorkflow(ctx, "wf-active")
	require.NoError(t, err)
	evt := state.WorkflowEvent{
		ID:         uuid.NewString(),
		WorkflowID: "wf-active",
		Sequence:   1,
		Timestamp:  time.Now().UTC(),
		Agent:      "orchestrator",
		EventType:  state.EventAgentStarted,
		Message:    "starting",
	}
	require.NoError(t, h.store.SaveNodeOutput(ctx, st.State, []state.WorkflowEvent{evt}, nil))

	// Fresh: still within the start timeout.
	mkPending("wf-fresh")

	wd := NewWatchdog(h.cfg, h.store, h.orch, testLog)
	assert.Equal(t, 1, wd.Sweep(ctx))

	wf, err := h.store.GetWorkflow(ctx, "wf-stale")
	require.NoError(t, err)
	assert.Equal(t, state.StatusCancelled, wf.Status)
	assert.True(t, hasEvent(h.eventLog(t, "wf-stale"), state.EventWorkflowCancelled, "start timeout"))

	for _, id := range []string{"wf-active", "wf-fresh"} {
		wf, err := h.store.GetWorkflow(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, state.StatusPending, wf.Status, id)
	}

	assert.Equal(t, 0, wd.Sweep(ctx), "a second pass finds nothing")
}

func TestWatchdogDisabledWithoutTimeout(t *testing.T) {
	h := newHarness(t, nil)
	h.saveProfile(t, t.TempDir())
	ctx := context.Background()

	st := state.New("wf-old", "TEST-123", "default")
	require.NoError(t, h.store.CreateWorkflow(ctx, st))
	_, err := h.store.DB().ExecContext(ctx,
		`UPDATE workflows SET created_at = ? WHERE id = ?`,
		time.Now().UTC().Add(-24*time.Hour), "wf-old")
	require.NoError(t, err)

	wd := NewWatchdog(h.cfg, h.store, h.orch, testLog)
	wd.Start()
	defer wd.Close()

	assert.Equal(t, 0, wd.Sweep(ctx))
	wf, err := h.store.GetWorkflow(ctx, "wf-old")
	require.NoError(t, err)
	assert.Equal(t, state.StatusPending, wf.Status)
}
