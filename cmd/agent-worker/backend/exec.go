package backend

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"

	"github.com/forgeline/overseer/common/driver"
)

// Exec delegates to an external CLI that already speaks the protocol. The
// configured command is run with the worker's own flags appended, its stdout
// re-validated line by line, its stderr forwarded to ours.
type Exec struct {
	Command string
	Log     Logger
}

func (e *Exec) Name() string { return "exec" }

func (e *Exec) Run(ctx context.Context, req Request, emit Emit) error {
	parts := strings.Fields(e.Command)
	if len(parts) == 0 {
		return fmt.Errorf("exec backend command is empty")
	}
	args := append(parts[1:], e.args(req)...)

	cmd := exec.CommandContext(ctx, parts[0], args...)
	cmd.Dir = req.Cwd
	cmd.Stderr = os.Stderr

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("delegate stdout pipe: %w", err)
	}
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("delegate stdin pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start delegate %s: %w", parts[0], err)
	}
	e.Log.Info("delegating to external cli", "command", parts[0], "mode", req.Mode)

	// The prompt goes over stdin so arbitrarily large prompts never hit the
	// argv length limit.
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		defer stdin.Close()
		io.WriteString(stdin, req.Prompt)
	}()

	var emitErr error
	sc := bufio.NewScanner(stdout)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for sc.Scan() {
		m, ok, err := driver.DecodeLine(sc.Text())
		if err != nil {
			e.Log.Error("delegate emitted malformed line", "error", err)
			continue
		}
		if !ok {
			continue
		}
		if err := emit(m); err != nil {
			emitErr = err
			break
		}
	}
	if emitErr != nil {
		io.Copy(io.Discard, stdout)
	}
	wg.Wait()

	if err := cmd.Wait(); err != nil && emitErr == nil {
		return fmt.Errorf("delegate %s: %w", parts[0], err)
	}
	if scanErr := sc.Err(); scanErr != nil && emitErr == nil {
		return fmt.Errorf("read delegate output: %w", scanErr)
	}
	return emitErr
}

// args rebuilds the flag surface for the delegate.
func (e *Exec) args(req Request) []string {
	args := []string{req.Mode, "--model", req.Model, "--cwd", req.Cwd}
	if req.SessionID != "" {
		args = append(args, "--session-id", req.SessionID)
	}
	if req.SystemPrompt != "" {
		args = append(args, "--system-prompt", req.SystemPrompt)
	}
	if req.SchemaFile != "" {
		args = append(args, "--schema-file", req.SchemaFile)
	}
	return args
}
