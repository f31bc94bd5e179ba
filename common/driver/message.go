package driver

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/forgeline/overseer/common/state"
)

// MessageType tags a protocol message.
type MessageType string

const (
	MessageThinking   MessageType = "THINKING"
	MessageToolCall   MessageType = "TOOL_CALL"
	MessageToolResult MessageType = "TOOL_RESULT"
	MessageResult     MessageType = "RESULT"
	MessageUsage      MessageType = "USAGE"
)

// maxToolOutputLen bounds how much tool output is carried per message; the
// remainder is truncated with a marker so event payloads stay small.
const maxToolOutputLen = 8 * 1024

// Message is one unit of an agentic stream. Exactly the fields for its type
// are populated: THINKING and RESULT carry Content, TOOL_CALL carries
// ToolName/ToolInput, TOOL_RESULT carries ToolName/ToolOutput/IsError, USAGE
// carries Usage. SessionID rides on RESULT so callers can thread the session.
type Message struct {
	Type       MessageType    `json:"type"`
	Content    string         `json:"content,omitempty"`
	ToolName   string         `json:"toolName,omitempty"`
	ToolInput  map[string]any `json:"toolInput,omitempty"`
	ToolOutput string         `json:"toolOutput,omitempty"`
	IsError    bool           `json:"isError,omitempty"`
	SessionID  string         `json:"sessionId,omitempty"`
	Usage      *Usage         `json:"usage,omitempty"`
}

// Usage is the token accounting for one or more driver calls. Fields are
// zero when the transport does not report them.
type Usage struct {
	InputTokens              int64   `json:"inputTokens,omitempty"`
	OutputTokens             int64   `json:"outputTokens,omitempty"`
	CacheCreationInputTokens int64   `json:"cacheCreationInputTokens,omitempty"`
	CacheReadInputTokens     int64   `json:"cacheReadInputTokens,omitempty"`
	TotalCostUSD             float64 `json:"totalCostUsd,omitempty"`
	DurationMS               int64   `json:"durationMs,omitempty"`
	NumTurns                 int     `json:"numTurns,omitempty"`
}

// Add accumulates other into u.
func (u *Usage) Add(other Usage) {
	u.InputTokens += other.InputTokens
	u.OutputTokens += other.OutputTokens
	u.CacheCreationInputTokens += other.CacheCreationInputTokens
	u.CacheReadInputTokens += other.CacheReadInputTokens
	u.TotalCostUSD += other.TotalCostUSD
	u.DurationMS += other.DurationMS
	u.NumTurns += other.NumTurns
}

// TokenUsage converts to the persisted per-workflow shape.
func (u Usage) TokenUsage(workflowID, agent, model string) state.TokenUsage {
	return state.TokenUsage{
		WorkflowID:          workflowID,
		Agent:               agent,
		Model:               model,
		InputTokens:         u.InputTokens,
		OutputTokens:        u.OutputTokens,
		CacheReadTokens:     u.CacheReadInputTokens,
		CacheCreationTokens: u.CacheCreationInputTokens,
		CostUSD:             u.TotalCostUSD,
		DurationMS:          u.DurationMS,
		NumTurns:            u.NumTurns,
	}
}

// Validate checks that the message is well formed for its type.
func (m Message) Validate() error {
	switch m.Type {
	case MessageThinking, MessageResult:
		return nil
	case MessageToolCall:
		if m.ToolName == "" {
			return fmt.Errorf("%s message missing toolName", m.Type)
		}
		return nil
	case MessageToolResult:
		if m.ToolName == "" {
			return fmt.Errorf("%s message missing toolName", m.Type)
		}
		return nil
	case MessageUsage:
		if m.Usage == nil {
			return fmt.Errorf("USAGE message missing usage payload")
		}
		return nil
	case "":
		return fmt.Errorf("message missing type")
	default:
		return fmt.Errorf("unknown message type %q", m.Type)
	}
}

// Truncated returns a copy with oversized tool output clipped.
func (m Message) Truncated() Message {
	if len(m.ToolOutput) > maxToolOutputLen {
		m.ToolOutput = m.ToolOutput[:maxToolOutputLen] + "\n... (truncated)"
	}
	return m
}

// Event maps a message to the workflow-event shape for the named agent. The
// second return is false for USAGE messages, which are accounting and never
// surface on the event stream.
func (m Message) Event(agent string) (state.WorkflowEvent, bool) {
	evt := state.WorkflowEvent{Agent: agent, SessionID: m.SessionID}
	switch m.Type {
	case MessageThinking:
		evt.EventType = state.EventClaudeThinking
		evt.Message = m.Content
	case MessageToolCall:
		evt.EventType = state.EventClaudeToolCall
		evt.Message = m.ToolName
		evt.ToolName = m.ToolName
		evt.ToolInput = m.ToolInput
	case MessageToolResult:
		evt.EventType = state.EventClaudeToolResult
		evt.ToolName = m.ToolName
		evt.ToolOutput = m.Truncated().ToolOutput
		evt.IsError = m.IsError
	case MessageResult:
		evt.EventType = state.EventAgentOutput
		evt.Message = m.Content
	default:
		return state.WorkflowEvent{}, false
	}
	return evt, true
}

// EncodeLine renders the message as a single JSON line, newline terminated.
func EncodeLine(w io.Writer, m Message) error {
	data, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("encode message: %w", err)
	}
	data = append(data, '\n')
	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("write message: %w", err)
	}
	return nil
}

// DecodeLine parses one protocol line. Blank lines yield ok=false.
func DecodeLine(line string) (Message, bool, error) {
	line = strings.TrimSpace(line)
	if line == "" {
		return Message{}, false, nil
	}
	var m Message
	if err := json.Unmarshal([]byte(line), &m); err != nil {
		return Message{}, false, fmt.Errorf("decode message line: %w", err)
	}
	if err := m.Validate(); err != nil {
		return Message{}, false, err
	}
	return m, true, nil
}

// Reader decodes a stream of JSON-line messages.
type Reader struct {
	sc *bufio.Scanner
}

// NewReader wraps r with a line scanner sized for large tool outputs.
func NewReader(r io.Reader) *Reader {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	return &Reader{sc: sc}
}

// Next returns the next message, io.EOF at end of stream.
func (r *Reader) Next() (Message, error) {
	for r.sc.Scan() {
		m, ok, err := DecodeLine(r.sc.Text())
		if err != nil {
			return Message{}, err
		}
		if ok {
			return m, nil
		}
	}
	if err := r.sc.Err(); err != nil {
		return Message{}, fmt.Errorf("read message stream: %w", err)
	}
	return Message{}, io.EOF
}
