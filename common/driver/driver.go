package driver

import (
	"context"
	"errors"
)

// Kind names a driver transport
const (
	KindWorker = "worker"
)

var (
	// ErrUnknownKind is returned by the factory for an unregistered driver kind
	ErrUnknownKind = errors.New("unknown driver kind")

	// ErrNoResult is returned when an agentic stream ends without a RESULT message
	ErrNoResult = errors.New("driver stream ended without a result")
)

// GenerateRequest is a single-turn call. SessionID threads conversational
// continuity where the transport supports it; Schema, when non-nil, is a
// pointer the JSON result is decoded into.
type GenerateRequest struct {
	Prompt       string
	SystemPrompt string
	SessionID    string
	Schema       any
}

// GenerateResult carries the raw text of a single-turn call and the session
// id to use for the next turn.
type GenerateResult struct {
	Text      string
	SessionID string
}

// AgenticRequest is a multi-turn tool-using execution rooted at Cwd.
type AgenticRequest struct {
	Prompt       string
	SystemPrompt string
	Cwd          string
	SessionID    string
}

// Driver is one logical LLM session. Generate performs a single-turn call;
// ExecuteAgentic streams a lazy, finite sequence of tagged messages. Usage
// reports accumulated usage since the last call and may be nil for
// transports that do not report it. A session must not be used from more
// than one workflow at a time.
type Driver interface {
	Generate(ctx context.Context, req GenerateRequest) (GenerateResult, error)
	ExecuteAgentic(ctx context.Context, req AgenticRequest) (*Stream, error)
	Usage() *Usage
	Model() string
}

// Stream is an agentic execution in flight. Messages arrive on C in
// emission order; after C closes, Err reports how the stream ended. USAGE
// messages are retained by the driver and never appear on C. Producers,
// including Driver implementations outside this package, feed the stream
// with Send and end it with Close exactly once.
type Stream struct {
	C <-chan Message

	ch   chan Message
	done chan struct{}
	err  error
}

// NewStream creates a stream with a bounded buffer.
func NewStream(buf int) *Stream {
	if buf <= 0 {
		buf = 16
	}
	ch := make(chan Message, buf)
	return &Stream{C: ch, ch: ch, done: make(chan struct{})}
}

// Send delivers one message to the consumer, honoring cancellation.
func (s *Stream) Send(ctx context.Context, m Message) error {
	select {
	case s.ch <- m:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close ends the stream, recording how it ended. Pass nil for a clean end.
func (s *Stream) Close(err error) {
	s.err = err
	close(s.ch)
	close(s.done)
}

// Err reports the stream's terminal error. Valid after C is closed.
func (s *Stream) Err() error {
	<-s.done
	return s.err
}

// Drain consumes and discards the remainder of the stream, returning its
// terminal error. Useful when a consumer stops caring mid-stream.
func (s *Stream) Drain() error {
	for range s.C {
	}
	return s.Err()
}
