package handlers

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/forgeline/overseer/common/state"
)

// requireEventMessage asserts the decoded events payload carries an event of
// the given type whose message contains msg.
func requireEventMessage(t *testing.T, body map[string]interface{}, eventType, msg string) {
	t.Helper()
	events, ok := body["events"].([]interface{})
	require.True(t, ok, "no events array in %v", body)
	for _, raw := range events {
		evt, ok := raw.(map[string]interface{})
		if !ok {
			continue
		}
		if evt["eventType"] == eventType && strings.Contains(fmt.Sprint(evt["message"]), msg) {
			return
		}
	}
	t.Fatalf("no %s event containing %q in %v", eventType, msg, events)
}

func TestStartWorkflowRejectsBadRequests(t *testing.T) {
	env := newEnv(t)

	rec, body := env.do(t, http.MethodPost, "/api/workflows", `{"issueId":`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "invalid request body", body["error"])

	rec, body = env.do(t, http.MethodPost, "/api/workflows", `{"profile":"default"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, body["message"], "required")
}

func TestStartWorkflowWithoutProfile(t *testing.T) {
	env := newEnv(t)

	rec, body := env.do(t, http.MethodPost, "/api/workflows", `{"issueId":"TEST-1"}`)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Contains(t, body["error"], "no active profile")
}

func TestStartWorkflowAdmitsAndExposesRow(t *testing.T) {
	env := newEnv(t)
	workDir := t.TempDir()
	env.seedProfile(t, workDir)

	rec, body := env.do(t, http.MethodPost, "/api/workflows",
		fmt.Sprintf(`{"issueId":"TEST-7","worktreePath":%q}`, workDir))
	require.Equal(t, http.StatusCreated, rec.Code)
	id, ok := body["workflowId"].(string)
	require.True(t, ok, "workflowId missing in %v", body)
	_, err := uuid.Parse(id)
	require.NoError(t, err)

	rec, body = env.do(t, http.MethodGet, "/api/workflows/"+id, "")
	require.Equal(t, http.StatusOK, rec.Code)
	st, ok := body["state"].(map[string]interface{})
	require.True(t, ok, "state missing in %v", body)
	assert.Equal(t, id, st["workflowId"])
	assert.Equal(t, "TEST-7", st["issueId"])

	rec, body = env.do(t, http.MethodGet, "/api/workflows", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.EqualValues(t, 1, body["count"])
}

func TestGetWorkflowUnknown(t *testing.T) {
	env := newEnv(t)

	rec, body := env.do(t, http.MethodGet, "/api/workflows/nope", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Contains(t, body["error"], "not found")
}

func TestListWorkflowsEmpty(t *testing.T) {
	env := newEnv(t)

	rec, body := env.do(t, http.MethodGet, "/api/workflows", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.EqualValues(t, 0, body["count"])
	assert.Empty(t, body["workflows"])
}

func TestApproveGuards(t *testing.T) {
	env := newEnv(t)

	// approved is a required pointer, so an explicit false still binds.
	rec, _ := env.do(t, http.MethodPost, "/api/workflows/wf-1/approve", `{"feedback":"ship it"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec, _ = env.do(t, http.MethodPost, "/api/workflows/wf-1/approve", `{"approved":true}`)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	env.seedWorkflow(t, "wf-1", "TEST-9")
	rec, body := env.do(t, http.MethodPost, "/api/workflows/wf-1/approve", `{"approved":true}`)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Contains(t, body["error"], "not interrupted")
}

func TestResolveBlockerGuards(t *testing.T) {
	env := newEnv(t)

	rec, _ := env.do(t, http.MethodPost, "/api/workflows/wf-2/resolve-blocker", `{}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec, _ = env.do(t, http.MethodPost, "/api/workflows/wf-2/resolve-blocker", `{"resolution":"skip"}`)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	env.seedWorkflow(t, "wf-2", "TEST-10")
	rec, _ = env.do(t, http.MethodPost, "/api/workflows/wf-2/resolve-blocker", `{"resolution":"skip"}`)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestSetPlanValidatesArguments(t *testing.T) {
	env := newEnv(t)

	// The argument check runs before the row lookup.
	rec, body := env.do(t, http.MethodPost, "/api/workflows/nope/plan", `{}`)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Contains(t, body["error"], "exactly one")

	rec, _ = env.do(t, http.MethodPost, "/api/workflows/nope/plan", `{"planFile":"a.md","planContent":"# x"}`)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	rec, _ = env.do(t, http.MethodPost, "/api/workflows/nope/plan", `{"planContent":"# x"}`)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCancelWorkflow(t *testing.T) {
	env := newEnv(t)

	rec, _ := env.do(t, http.MethodDelete, "/api/workflows/nope", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	env.seedWorkflow(t, "wf-3", "TEST-11")
	rec, body := env.do(t, http.MethodDelete, "/api/workflows/wf-3", "")
	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, "cancelling", body["status"])
	assert.Equal(t, "wf-3", body["workflowId"])

	wf, err := env.store.GetWorkflow(context.Background(), "wf-3")
	require.NoError(t, err)
	assert.Equal(t, state.StatusCancelled, wf.Status)

	rec, body = env.do(t, http.MethodGet, "/api/workflows/wf-3/events", "")
	require.Equal(t, http.StatusOK, rec.Code)
	requireEventMessage(t, body, "WORKFLOW_CANCELLED", "cancelled by user")

	// The row is terminal now, so a repeat cancel conflicts.
	rec, body = env.do(t, http.MethodDelete, "/api/workflows/wf-3", "")
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Contains(t, body["error"], "terminal")
}

func TestCancelWorkflowCustomReason(t *testing.T) {
	env := newEnv(t)
	env.seedWorkflow(t, "wf-4", "TEST-12")

	rec, _ := env.do(t, http.MethodDelete, "/api/workflows/wf-4", `{"reason":"superseded by TEST-13"}`)
	require.Equal(t, http.StatusAccepted, rec.Code)

	rec, body := env.do(t, http.MethodGet, "/api/workflows/wf-4/events", "")
	require.Equal(t, http.StatusOK, rec.Code)
	requireEventMessage(t, body, "WORKFLOW_CANCELLED", "superseded by TEST-13")
}

func TestWorkflowEventsPaging(t *testing.T) {
	env := newEnv(t)
	st := env.seedWorkflow(t, "wf-5", "TEST-13")

	evts := make([]state.WorkflowEvent, 0, 3)
	for i := 1; i <= 3; i++ {
		evts = append(evts, state.WorkflowEvent{
			ID:         uuid.NewString(),
			WorkflowID: "wf-5",
			Sequence:   int64(i),
			Timestamp:  time.Now().UTC(),
			Agent:      "orchestrator",
			EventType:  state.EventAgentOutput,
			Message:    fmt.Sprintf("step %d", i),
		})
	}
	require.NoError(t, env.store.SaveNodeOutput(context.Background(), st, evts, nil))

	rec, body := env.do(t, http.MethodGet, "/api/workflows/wf-5/events", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.EqualValues(t, 3, body["count"])

	rec, body = env.do(t, http.MethodGet, "/api/workflows/wf-5/events?after=1&limit=1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.EqualValues(t, 1, body["count"])
	first, ok := body["events"].([]interface{})[0].(map[string]interface{})
	require.True(t, ok)
	assert.EqualValues(t, 2, first["sequence"])

	// Negative paging values fall back to the defaults.
	rec, body = env.do(t, http.MethodGet, "/api/workflows/wf-5/events?after=-4&limit=-1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.EqualValues(t, 3, body["count"])

	rec, _ = env.do(t, http.MethodGet, "/api/workflows/nope/events", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestWorkflowUsage(t *testing.T) {
	env := newEnv(t)

	rec, _ := env.do(t, http.MethodGet, "/api/workflows/nope/usage", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	env.seedWorkflow(t, "wf-6", "TEST-14")
	rec, body := env.do(t, http.MethodGet, "/api/workflows/wf-6/usage", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "wf-6", body["workflowId"])
}
