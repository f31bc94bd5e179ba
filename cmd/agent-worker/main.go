// The agent worker is the subprocess boundary between the orchestrator and
// whatever actually runs the model. It reads one request from flags, writes
// one protocol message per stdout line, logs to stderr, and always closes
// the stream with a USAGE line.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/forgeline/overseer/cmd/agent-worker/backend"
	"github.com/forgeline/overseer/common/driver"
	"github.com/forgeline/overseer/common/logger"
)

func main() {
	log := logger.NewStderr(os.Getenv("LOG_LEVEL"), os.Getenv("LOG_FORMAT"))

	if err := run(log); err != nil {
		log.Error("worker failed", "error", err)
		os.Exit(1)
	}
}

func run(log *logger.Logger) error {
	req, err := parseArgs(os.Args[1:])
	if err != nil {
		return err
	}

	be, err := backend.Select(log)
	if err != nil {
		return err
	}
	log.Info("worker starting", "backend", be.Name(), "mode", req.Mode, "model", req.Model)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	out := os.Stdout
	var mu sync.Mutex
	sawUsage := false
	emit := func(m driver.Message) error {
		mu.Lock()
		defer mu.Unlock()
		if m.Type == driver.MessageUsage {
			sawUsage = true
		}
		return driver.EncodeLine(out, m)
	}

	runErr := be.Run(ctx, req, emit)

	// The contract with the parent: the last line of every run is USAGE,
	// even when the backend supplied none or failed partway.
	if !sawUsage {
		if err := emit(driver.Message{Type: driver.MessageUsage, Usage: &driver.Usage{}}); err != nil {
			return err
		}
	}
	return runErr
}

func parseArgs(args []string) (backend.Request, error) {
	if len(args) == 0 {
		return backend.Request{}, fmt.Errorf("usage: agent-worker agentic|generate [flags]")
	}
	mode := args[0]
	if mode != backend.ModeAgentic && mode != backend.ModeGenerate {
		return backend.Request{}, fmt.Errorf("unknown mode %q", mode)
	}

	fs := flag.NewFlagSet(mode, flag.ContinueOnError)
	promptFile := fs.String("prompt-file", "", "path to the prompt text")
	cwd := fs.String("cwd", ".", "working directory for tool execution")
	model := fs.String("model", "", "model identifier")
	sessionID := fs.String("session-id", "", "session to resume")
	systemPromptFile := fs.String("system-prompt-file", "", "path to the system prompt")
	schemaFile := fs.String("schema-file", "", "path to the expected result shape")
	if err := fs.Parse(args[1:]); err != nil {
		return backend.Request{}, err
	}

	if *promptFile == "" {
		return backend.Request{}, fmt.Errorf("--prompt-file is required")
	}
	if *model == "" {
		return backend.Request{}, fmt.Errorf("--model is required")
	}

	prompt, err := os.ReadFile(*promptFile)
	if err != nil {
		return backend.Request{}, fmt.Errorf("read prompt file: %w", err)
	}
	req := backend.Request{
		Mode:       mode,
		Prompt:     string(prompt),
		Cwd:        *cwd,
		Model:      *model,
		SessionID:  *sessionID,
		SchemaFile: *schemaFile,
	}
	if *systemPromptFile != "" {
		sys, err := os.ReadFile(*systemPromptFile)
		if err != nil {
			return backend.Request{}, fmt.Errorf("read system prompt file: %w", err)
		}
		req.SystemPrompt = string(sys)
	}
	return req, nil
}
