package state

import "time"

// EventType is the closed set of workflow event kinds
type EventType string

const (
	EventAgentStarted   EventType = "AGENT_STARTED"
	EventAgentCompleted EventType = "AGENT_COMPLETED"

	EventClaudeThinking   EventType = "CLAUDE_THINKING"
	EventClaudeToolCall   EventType = "CLAUDE_TOOL_CALL"
	EventClaudeToolResult EventType = "CLAUDE_TOOL_RESULT"
	EventAgentOutput      EventType = "AGENT_OUTPUT"

	EventBlocked                EventType = "BLOCKED"
	EventBatchApprovalRequested EventType = "BATCH_APPROVAL_REQUESTED"
	EventBatchApproved          EventType = "BATCH_APPROVED"

	EventWorkflowCompleted EventType = "WORKFLOW_COMPLETED"
	EventWorkflowFailed    EventType = "WORKFLOW_FAILED"
	EventWorkflowCancelled EventType = "WORKFLOW_CANCELLED"

	EventOracleConsultationStarted   EventType = "ORACLE_CONSULTATION_STARTED"
	EventOracleConsultationCompleted EventType = "ORACLE_CONSULTATION_COMPLETED"
	EventOracleConsultationFailed    EventType = "ORACLE_CONSULTATION_FAILED"
	EventOracleToolCall              EventType = "ORACLE_TOOL_CALL"
	EventOracleToolResult            EventType = "ORACLE_TOOL_RESULT"

	EventBrainstormMessageComplete EventType = "BRAINSTORM_MESSAGE_COMPLETE"
	EventBrainstormArtifactCreated EventType = "BRAINSTORM_ARTIFACT_CREATED"
	EventBrainstormSessionCreated  EventType = "BRAINSTORM_SESSION_CREATED"
)

// WorkflowEvent is one observation appended to a workflow's log and fanned
// out on the event bus. Sequence is assigned per workflow by the emitting
// side and is strictly monotonic.
type WorkflowEvent struct {
	ID         string         `json:"id"`
	WorkflowID string         `json:"workflowId"`
	Sequence   int64          `json:"sequence"`
	Timestamp  time.Time      `json:"timestamp"`
	Agent      string         `json:"agent"`
	EventType  EventType      `json:"eventType"`
	Message    string         `json:"message,omitempty"`
	ToolName   string         `json:"toolName,omitempty"`
	ToolInput  map[string]any `json:"toolInput,omitempty"`
	ToolOutput string         `json:"toolOutput,omitempty"`
	IsError    bool           `json:"isError,omitempty"`
	SessionID  string         `json:"sessionId,omitempty"`
}

// IsTerminalEvent reports whether this event type closes a workflow's log
func (t EventType) IsTerminalEvent() bool {
	switch t {
	case EventWorkflowCompleted, EventWorkflowFailed, EventWorkflowCancelled:
		return true
	}
	return false
}

// TokenUsage records one agent call's accumulated driver usage
type TokenUsage struct {
	WorkflowID          string    `json:"workflowId"`
	Agent               string    `json:"agent"`
	Model               string    `json:"model,omitempty"`
	InputTokens         int64     `json:"inputTokens"`
	OutputTokens        int64     `json:"outputTokens"`
	CacheReadTokens     int64     `json:"cacheReadTokens"`
	CacheCreationTokens int64     `json:"cacheCreationTokens"`
	CostUSD             float64   `json:"costUsd"`
	DurationMS          int64     `json:"durationMs"`
	NumTurns            int       `json:"numTurns"`
	Timestamp           time.Time `json:"timestamp"`
}
