package handlers

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBrainstormSessionLifecycle(t *testing.T) {
	env := newEnv(t)

	// No active profile yet.
	rec, _ := env.do(t, http.MethodPost, "/api/brainstorm/sessions", `{}`)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	env.seedProfile(t, t.TempDir())

	rec, body := env.do(t, http.MethodPost, "/api/brainstorm/sessions", `{}`)
	require.Equal(t, http.StatusCreated, rec.Code)
	sessionID, ok := body["sessionId"].(string)
	require.True(t, ok, "sessionId missing in %v", body)
	assert.Equal(t, "default", body["profile"])
	assert.Equal(t, "active", body["status"])

	rec, body = env.do(t, http.MethodGet, "/api/brainstorm/sessions", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.EqualValues(t, 1, body["count"])

	rec, body = env.do(t, http.MethodGet, "/api/brainstorm/sessions/"+sessionID, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, sessionID, body["sessionId"])

	rec, _ = env.do(t, http.MethodGet, "/api/brainstorm/sessions/nope", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec, _ = env.do(t, http.MethodDelete, "/api/brainstorm/sessions/"+sessionID, "")
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec, _ = env.do(t, http.MethodGet, "/api/brainstorm/sessions/"+sessionID, "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec, _ = env.do(t, http.MethodDelete, "/api/brainstorm/sessions/nope", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestBrainstormMessageEndpoint(t *testing.T) {
	env := newEnv(t)
	env.seedProfile(t, t.TempDir())

	rec, body := env.do(t, http.MethodPost, "/api/brainstorm/sessions", `{"profile":"default"}`)
	require.Equal(t, http.StatusCreated, rec.Code)
	sessionID := body["sessionId"].(string)

	rec, _ = env.do(t, http.MethodPost, "/api/brainstorm/sessions/"+sessionID+"/message", `{}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec, _ = env.do(t, http.MethodPost, "/api/brainstorm/sessions/nope/message", `{"content":"hi"}`)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec, body = env.do(t, http.MethodPost, "/api/brainstorm/sessions/"+sessionID+"/message",
		`{"content":"how should we cache this?"}`)
	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.NotEmpty(t, body["messageId"])

	// The user message is persisted synchronously before the turn starts.
	rec, body = env.do(t, http.MethodGet, "/api/brainstorm/sessions/"+sessionID, "")
	require.Equal(t, http.StatusOK, rec.Code)
	msgs, ok := body["messages"].([]interface{})
	require.True(t, ok, "no messages in %v", body)
	require.NotEmpty(t, msgs)
	first, ok := msgs[0].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "user", first["role"])
	assert.Equal(t, "how should we cache this?", first["content"])
}

func TestBrainstormHandoffEndpoint(t *testing.T) {
	env := newEnv(t)
	env.seedProfile(t, t.TempDir())

	rec, body := env.do(t, http.MethodPost, "/api/brainstorm/sessions", `{}`)
	require.Equal(t, http.StatusCreated, rec.Code)
	sessionID := body["sessionId"].(string)

	rec, _ = env.do(t, http.MethodPost, "/api/brainstorm/sessions/"+sessionID+"/handoff", `{}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec, _ = env.do(t, http.MethodPost, "/api/brainstorm/sessions/nope/handoff", `{"artifactPath":"docs/plans/x.md"}`)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	// The session never produced the artifact.
	rec, body = env.do(t, http.MethodPost, "/api/brainstorm/sessions/"+sessionID+"/handoff",
		`{"artifactPath":"docs/plans/x.md"}`)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Contains(t, body["error"], "not found")
}
