package models

import (
	"time"

	"github.com/forgeline/overseer/common/store"
)

// CreateSessionRequest opens a brainstorm session against a profile.
type CreateSessionRequest struct {
	Profile string `json:"profile"`
}

// SessionResponse is one brainstorm session. Messages and Artifacts are
// only populated on the detail view.
type SessionResponse struct {
	SessionID       string             `json:"sessionId"`
	Profile         string             `json:"profile"`
	Status          string             `json:"status"`
	DriverSessionID string             `json:"driverSessionId,omitempty"`
	CreatedAt       time.Time          `json:"createdAt"`
	UpdatedAt       time.Time          `json:"updatedAt"`
	Messages        []MessageResponse  `json:"messages,omitempty"`
	Artifacts       []ArtifactResponse `json:"artifacts,omitempty"`
}

// MessageResponse is one stored turn of a session.
type MessageResponse struct {
	MessageID string    `json:"messageId"`
	Sequence  int64     `json:"sequence"`
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"createdAt"`
}

// ArtifactResponse is a file the session produced.
type ArtifactResponse struct {
	ArtifactID string    `json:"artifactId"`
	Path       string    `json:"path"`
	Type       string    `json:"type"`
	CreatedAt  time.Time `json:"createdAt"`
}

// SendMessageRequest appends a user message to a session.
type SendMessageRequest struct {
	Content string `json:"content" validate:"required"`
}

// SendMessageResponse acknowledges an accepted message; the reply streams
// over the event bus.
type SendMessageResponse struct {
	MessageID string `json:"messageId"`
}

// HandoffRequest mints a workflow from a session artifact.
type HandoffRequest struct {
	ArtifactPath string `json:"artifactPath" validate:"required"`
}

// HandoffResponse carries the minted workflow id.
type HandoffResponse struct {
	WorkflowID string `json:"workflowId"`
}

// NewSessionResponse projects a stored session into its list view.
func NewSessionResponse(sess store.BrainstormSession) SessionResponse {
	return SessionResponse{
		SessionID:       sess.ID,
		Profile:         sess.ProfileID,
		Status:          sess.Status,
		DriverSessionID: sess.DriverSessionID,
		CreatedAt:       sess.CreatedAt,
		UpdatedAt:       sess.UpdatedAt,
	}
}

// NewSessionDetail projects a session with its messages and artifacts.
func NewSessionDetail(sess store.BrainstormSession, msgs []store.BrainstormMessage, arts []store.Artifact) SessionResponse {
	out := NewSessionResponse(sess)
	out.Messages = make([]MessageResponse, 0, len(msgs))
	for _, m := range msgs {
		out.Messages = append(out.Messages, MessageResponse{
			MessageID: m.ID,
			Sequence:  m.Sequence,
			Role:      m.Role,
			Content:   m.Content,
			CreatedAt: m.CreatedAt,
		})
	}
	out.Artifacts = make([]ArtifactResponse, 0, len(arts))
	for _, a := range arts {
		out.Artifacts = append(out.Artifacts, ArtifactResponse{
			ArtifactID: a.ID,
			Path:       a.Path,
			Type:       a.Type,
			CreatedAt:  a.CreatedAt,
		})
	}
	return out
}
