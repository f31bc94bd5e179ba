// Package backend implements the pluggable execution strategies of the
// agent worker. A backend turns one request into a sequence of protocol
// messages; the binary guarantees the final stdout line is USAGE regardless
// of which backend ran.
package backend

import (
	"context"
	"fmt"
	"os"

	"github.com/forgeline/overseer/common/driver"
)

// Mode selects the call shape.
const (
	ModeAgentic  = "agentic"
	ModeGenerate = "generate"
)

// Env vars selecting and configuring the backend.
const (
	EnvTranscript = "OVERSEER_WORKER_TRANSCRIPT"
	EnvExec       = "OVERSEER_WORKER_EXEC"
)

// Request is one worker invocation, already resolved from flags.
type Request struct {
	Mode         string
	Prompt       string
	SystemPrompt string
	Cwd          string
	Model        string
	SessionID    string
	SchemaFile   string
}

// Logger is the slice of logging backends need.
type Logger interface {
	Info(msg string, args ...any)
	Error(msg string, args ...any)
}

// Emit delivers one protocol message to the parent.
type Emit func(driver.Message) error

// Backend executes one request, emitting messages as they are produced.
type Backend interface {
	Run(ctx context.Context, req Request, emit Emit) error
	Name() string
}

// Select picks the backend from the environment: a transcript path means
// replay, an exec command means delegation. Neither is an error the caller
// can recover from.
func Select(log Logger) (Backend, error) {
	if path := os.Getenv(EnvTranscript); path != "" {
		return &Replay{Path: path, Log: log}, nil
	}
	if cmd := os.Getenv(EnvExec); cmd != "" {
		return &Exec{Command: cmd, Log: log}, nil
	}
	return nil, fmt.Errorf("no backend configured: set %s or %s", EnvTranscript, EnvExec)
}
