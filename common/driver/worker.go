package driver

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"

	"github.com/go-playground/validator/v10"
)

// Logger is the slice of logging the driver needs.
type Logger interface {
	Debug(msg string, args ...any)
	Warn(msg string, args ...any)
}

var schemaValidator = validator.New()

// WorkerDriver runs LLM calls through a worker subprocess speaking the
// JSON-line protocol: one Message per stdout line, logs on stderr, a final
// USAGE line closing every run. Each call spawns one process; the session id
// returned by the worker is threaded into subsequent calls.
type WorkerDriver struct {
	bin   string
	model string
	log   Logger

	mu        sync.Mutex
	sessionID string
	pending   Usage
	hasUsage  bool
}

// NewWorkerDriver builds a driver around the worker binary at bin.
func NewWorkerDriver(bin, model string, log Logger) *WorkerDriver {
	return &WorkerDriver{bin: bin, model: model, log: log}
}

func (d *WorkerDriver) Model() string { return d.model }

// Usage returns usage accumulated since the previous Usage call, or nil when
// no run reported any.
func (d *WorkerDriver) Usage() *Usage {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.hasUsage {
		return nil
	}
	u := d.pending
	d.pending = Usage{}
	d.hasUsage = false
	return &u
}

func (d *WorkerDriver) addUsage(u Usage) {
	d.mu.Lock()
	d.pending.Add(u)
	d.hasUsage = true
	d.mu.Unlock()
}

func (d *WorkerDriver) session(req string) string {
	if req != "" {
		return req
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.sessionID
}

func (d *WorkerDriver) setSession(id string) {
	if id == "" {
		return
	}
	d.mu.Lock()
	d.sessionID = id
	d.mu.Unlock()
}

// Generate runs a single-turn call and returns the final result text. When
// req.Schema is non-nil the result is decoded into it and validated.
func (d *WorkerDriver) Generate(ctx context.Context, req GenerateRequest) (GenerateResult, error) {
	args := []string{"generate"}
	files := &tempFiles{}
	defer files.cleanup()

	promptFile, err := files.write("prompt", req.Prompt)
	if err != nil {
		return GenerateResult{}, err
	}
	args = append(args, "--prompt-file", promptFile, "--cwd", ".", "--model", d.model)
	if sid := d.session(req.SessionID); sid != "" {
		args = append(args, "--session-id", sid)
	}
	if req.SystemPrompt != "" {
		f, err := files.write("system", req.SystemPrompt)
		if err != nil {
			return GenerateResult{}, err
		}
		args = append(args, "--system-prompt-file", f)
	}
	if req.Schema != nil {
		shape, err := json.Marshal(req.Schema)
		if err != nil {
			return GenerateResult{}, fmt.Errorf("marshal schema shape: %w", err)
		}
		f, err := files.write("schema", string(shape))
		if err != nil {
			return GenerateResult{}, err
		}
		args = append(args, "--schema-file", f)
	}

	var result GenerateResult
	sawResult := false
	err = d.run(ctx, args, ".", func(m Message) error {
		switch m.Type {
		case MessageUsage:
			d.addUsage(*m.Usage)
		case MessageResult:
			sawResult = true
			result.Text = m.Content
			result.SessionID = m.SessionID
		}
		return nil
	})
	if err != nil {
		return GenerateResult{}, err
	}
	if !sawResult {
		return GenerateResult{}, ErrNoResult
	}
	d.setSession(result.SessionID)

	if req.Schema != nil {
		if err := json.Unmarshal([]byte(result.Text), req.Schema); err != nil {
			return result, fmt.Errorf("decode schema result: %w", err)
		}
		if err := schemaValidator.Struct(req.Schema); err != nil {
			if _, invalid := err.(*validator.InvalidValidationError); !invalid {
				return result, fmt.Errorf("schema result failed validation: %w", err)
			}
		}
	}
	return result, nil
}

// ExecuteAgentic starts a tool-using run rooted at req.Cwd and streams its
// messages. USAGE messages are retained for Usage and do not appear on the
// stream. Cancelling ctx kills the worker process.
func (d *WorkerDriver) ExecuteAgentic(ctx context.Context, req AgenticRequest) (*Stream, error) {
	args := []string{"agentic"}
	files := &tempFiles{}

	promptFile, err := files.write("prompt", req.Prompt)
	if err != nil {
		files.cleanup()
		return nil, err
	}
	cwd := req.Cwd
	if cwd == "" {
		cwd = "."
	}
	args = append(args, "--prompt-file", promptFile, "--cwd", cwd, "--model", d.model)
	if sid := d.session(req.SessionID); sid != "" {
		args = append(args, "--session-id", sid)
	}
	if req.SystemPrompt != "" {
		f, err := files.write("system", req.SystemPrompt)
		if err != nil {
			files.cleanup()
			return nil, err
		}
		args = append(args, "--system-prompt-file", f)
	}

	stream := NewStream(64)
	go func() {
		defer files.cleanup()
		sawResult := false
		err := d.run(ctx, args, cwd, func(m Message) error {
			if m.Type == MessageUsage {
				d.addUsage(*m.Usage)
				return nil
			}
			if m.Type == MessageResult {
				sawResult = true
				d.setSession(m.SessionID)
			}
			return stream.Send(ctx, m.Truncated())
		})
		if err == nil && !sawResult {
			err = ErrNoResult
		}
		stream.Close(err)
	}()
	return stream, nil
}

// run spawns the worker, decodes its stdout line stream through handle, and
// relays stderr lines to the debug log.
func (d *WorkerDriver) run(ctx context.Context, args []string, dir string, handle func(Message) error) error {
	cmd := exec.CommandContext(ctx, d.bin, args...)
	cmd.Dir = dir

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("worker stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("worker stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start worker %s: %w", d.bin, err)
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		sc := bufio.NewScanner(stderr)
		sc.Buffer(make([]byte, 0, 8*1024), 256*1024)
		for sc.Scan() {
			d.log.Debug("worker stderr", "line", sc.Text())
		}
	}()

	var handleErr error
	r := NewReader(stdout)
	for {
		m, err := r.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			handleErr = err
			break
		}
		if err := handle(m); err != nil {
			handleErr = err
			break
		}
	}
	// Drain so Wait does not block on a full pipe after a handler error.
	if handleErr != nil {
		io.Copy(io.Discard, stdout)
	}
	wg.Wait()

	waitErr := cmd.Wait()
	if handleErr != nil {
		return handleErr
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if waitErr != nil {
		return fmt.Errorf("worker %s: %w", d.bin, waitErr)
	}
	return nil
}

// tempFiles tracks prompt material written for one worker invocation.
type tempFiles struct {
	paths []string
}

func (t *tempFiles) write(kind, content string) (string, error) {
	f, err := os.CreateTemp("", "overseer-"+kind+"-*.txt")
	if err != nil {
		return "", fmt.Errorf("create %s file: %w", kind, err)
	}
	t.paths = append(t.paths, f.Name())
	if _, err := f.WriteString(content); err != nil {
		f.Close()
		return "", fmt.Errorf("write %s file: %w", kind, err)
	}
	if err := f.Close(); err != nil {
		return "", fmt.Errorf("close %s file: %w", kind, err)
	}
	return f.Name(), nil
}

func (t *tempFiles) cleanup() {
	for _, p := range t.paths {
		os.Remove(p)
	}
	t.paths = nil
}
