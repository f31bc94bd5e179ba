package service

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/forgeline/overseer/common/agents"
	"github.com/forgeline/overseer/common/config"
	"github.com/forgeline/overseer/common/driver"
	"github.com/forgeline/overseer/common/events"
	"github.com/forgeline/overseer/common/graph"
	"github.com/forgeline/overseer/common/logger"
	"github.com/forgeline/overseer/common/state"
	"github.com/forgeline/overseer/common/store"
)

var (
	testLog    = logger.New("error", "json")
	memCounter atomic.Int64
)

// testStore opens a uniquely named shared in-memory sqlite database and
// applies migrations.
func testStore(t *testing.T) *store.Store {
	t.Helper()

	cfg := &config.Config{Store: config.StoreConfig{
		Backend:    store.BackendSQLite,
		SQLitePath: fmt.Sprintf("file::memory:service_test_%d", memCounter.Add(1)),
	}}

	s, err := store.Open(context.Background(), cfg, testLog)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	require.NoError(t, s.Migrate(context.Background()))
	return s
}

// fakeDriver replays scripted responses. Generate returns generated texts in
// order; ExecuteAgentic streams the scripted messages. onAgentic runs before
// the stream starts, standing in for side effects a real run would have.
type fakeDriver struct {
	mu          sync.Mutex
	model       string
	generated   []string
	generateErr error
	generateIdx int
	messages    []driver.Message
	agenticErr  error
	onAgentic   func(req driver.AgenticRequest)
	requests    []driver.AgenticRequest
}

func (f *fakeDriver) Model() string        { return f.model }
func (f *fakeDriver) Usage() *driver.Usage { return nil }

func (f *fakeDriver) Generate(_ context.Context, req driver.GenerateRequest) (driver.GenerateResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.generateErr != nil {
		return driver.GenerateResult{}, f.generateErr
	}
	if f.generateIdx >= len(f.generated) {
		return driver.GenerateResult{}, driver.ErrNoResult
	}
	text := f.generated[f.generateIdx]
	f.generateIdx++
	if req.Schema != nil {
		if err := json.Unmarshal([]byte(text), req.Schema); err != nil {
			return driver.GenerateResult{}, fmt.Errorf("decode schema result: %w", err)
		}
	}
	return driver.GenerateResult{Text: text, SessionID: "fake-session"}, nil
}

func (f *fakeDriver) ExecuteAgentic(ctx context.Context, req driver.AgenticRequest) (*driver.Stream, error) {
	f.mu.Lock()
	f.requests = append(f.requests, req)
	onAgentic := f.onAgentic
	messages := f.messages
	f.mu.Unlock()

	if onAgentic != nil {
		onAgentic(req)
	}
	s := driver.NewStream(len(messages) + 1)
	go func() {
		for _, m := range messages {
			if err := s.Send(ctx, m); err != nil {
				s.Close(err)
				return
			}
		}
		s.Close(f.agenticErr)
	}()
	return s, nil
}

func (f *fakeDriver) agenticRequests() []driver.AgenticRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]driver.AgenticRequest, len(f.requests))
	copy(out, f.requests)
	return out
}

// blockingDriver parks agentic execution until its context is cancelled,
// then surfaces the cancellation as the stream's terminal error. started is
// closed once the execution is underway.
type blockingDriver struct {
	fakeDriver
	startOnce sync.Once
	started   chan struct{}
}

func newBlockingDriver(model string) *blockingDriver {
	return &blockingDriver{
		fakeDriver: fakeDriver{model: model},
		started:    make(chan struct{}),
	}
}

func (b *blockingDriver) ExecuteAgentic(ctx context.Context, req driver.AgenticRequest) (*driver.Stream, error) {
	b.mu.Lock()
	b.requests = append(b.requests, req)
	b.mu.Unlock()
	b.startOnce.Do(func() { close(b.started) })

	s := driver.NewStream(1)
	go func() {
		<-ctx.Done()
		s.Close(ctx.Err())
	}()
	return s, nil
}

func resultMessages(content string) []driver.Message {
	return []driver.Message{
		{Type: driver.MessageThinking, Content: "working"},
		{Type: driver.MessageResult, Content: content, SessionID: "fake-session"},
	}
}

// harness wires an orchestrator against scripted drivers. The factory keys
// driver selection off the model name, and the default profile assigns each
// agent slot its own model, so every slot resolves to its own fake.
type harness struct {
	cfg   *config.Config
	store *store.Store
	bus   *events.Bus
	orch  *Orchestrator

	architect  *fakeDriver
	developer  *fakeDriver
	reviewer   *fakeDriver
	brainstorm *fakeDriver
	oracle     *fakeDriver

	extra map[string]driver.Driver
}

func newHarness(t *testing.T, tweak func(*config.Config)) *harness {
	t.Helper()

	cfg := &config.Config{
		Driver: config.DriverConfig{
			Kind:         driver.KindWorker,
			Model:        "oracle",
			Timeout:      30 * time.Second,
			CancelAborts: true,
		},
		Engine: config.EngineConfig{
			MaxConcurrentWorkflows: 3,
			AdmissionPolicy:        "reject",
			MaxReviewIterations:    3,
			EventBufferSize:        64,
			HumanApprovalMode:      "server",
		},
		Git: config.GitConfig{WorktreeRoot: t.TempDir()},
	}
	if tweak != nil {
		tweak(cfg)
	}

	h := &harness{
		cfg:        cfg,
		store:      testStore(t),
		bus:        events.NewBus(cfg.Engine.EventBufferSize, testLog),
		architect:  &fakeDriver{model: "architect"},
		developer:  &fakeDriver{model: "developer"},
		reviewer:   &fakeDriver{model: "reviewer"},
		brainstorm: &fakeDriver{model: "brainstorm"},
		oracle:     &fakeDriver{model: "oracle"},
		extra:      make(map[string]driver.Driver),
	}
	t.Cleanup(h.bus.Close)

	h.orch = NewOrchestrator(&OrchestratorOpts{
		Config:  cfg,
		Store:   h.store,
		Bus:     h.bus,
		Drivers: h.drivers(),
		Log:     testLog,
	})
	t.Cleanup(h.orch.Close)
	return h
}

// drivers builds a factory resolving models to the harness fakes. Tests can
// park extra fakes under new model names through h.extra.
func (h *harness) drivers() *driver.Factory {
	f := driver.NewFactory()
	f.Register(driver.KindWorker, func(model string) (driver.Driver, error) {
		switch model {
		case "architect":
			return h.architect, nil
		case "developer":
			return h.developer, nil
		case "reviewer":
			return h.reviewer, nil
		case "brainstorm":
			return h.brainstorm, nil
		case "oracle":
			return h.oracle, nil
		}
		if d, ok := h.extra[model]; ok {
			return d, nil
		}
		return nil, fmt.Errorf("no fake driver for model %q", model)
	})
	return f
}

// saveProfile persists the active profile whose agent slots map onto the
// harness fakes. The working dir doubles as the adopted worktree in most
// tests.
func (h *harness) saveProfile(t *testing.T, workDir string) state.Profile {
	t.Helper()
	p := state.Profile{
		ID:              "default",
		WorkingDir:      workDir,
		PlanPathPattern: "plan-{issue_key}.md",
		IsActive:        true,
		Agents: map[string]state.AgentConfig{
			agents.NameArchitect:  {Model: "architect"},
			agents.NameDeveloper:  {Model: "developer"},
			agents.NameReviewer:   {Model: "reviewer"},
			agents.NameBrainstorm: {Model: "brainstorm"},
		},
	}
	require.NoError(t, h.store.SaveProfile(context.Background(), p))
	return p
}

// waitForStatus polls the workflow row until it reaches the wanted status.
func (h *harness) waitForStatus(t *testing.T, workflowID string, want state.WorkflowStatus) store.Workflow {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	var last state.WorkflowStatus
	for time.Now().Before(deadline) {
		wf, err := h.store.GetWorkflow(context.Background(), workflowID)
		require.NoError(t, err)
		last = wf.Status
		if wf.Status == want {
			return wf
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("workflow %s never reached %s, last status %s", workflowID, want, last)
	return store.Workflow{}
}

// waitForPause polls until the workflow's task has exited at an interrupt
// checkpoint, then returns the decoded interrupt.
func (h *harness) waitForPause(t *testing.T, workflowID string) graph.Interrupt {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		cp, err := h.store.LatestCheckpoint(context.Background(), workflowID)
		if err == nil && cp.Interrupt() != nil && h.orch.Running() == 0 {
			var intr graph.Interrupt
			require.NoError(t, json.Unmarshal(cp.Interrupt(), &intr))
			return intr
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("workflow %s never paused", workflowID)
	return graph.Interrupt{}
}

// eventLog reads the full persisted event log in sequence order.
func (h *harness) eventLog(t *testing.T, workflowID string) []state.WorkflowEvent {
	t.Helper()
	evts, err := h.store.Events(context.Background(), workflowID, 0, 1000)
	require.NoError(t, err)
	return evts
}

// seedPaused persists a workflow row and an interrupt checkpoint as if a run
// had paused at the given node, without driving the graph there. Resume picks
// it up exactly like a run the engine parked.
func (h *harness) seedPaused(t *testing.T, st state.WorkflowState, node, reason string) {
	t.Helper()
	ctx := context.Background()

	base := state.New(st.WorkflowID, st.IssueID, st.ProfileID)
	require.NoError(t, h.store.CreateWorkflow(ctx, base))

	if st.WorkflowStatus != state.StatusInProgress {
		mid := st
		mid.WorkflowStatus = state.StatusInProgress
		require.NoError(t, h.store.SaveNodeOutput(ctx, mid, nil, nil))
	}
	require.NoError(t, h.store.SaveNodeOutput(ctx, st, nil, nil))

	stateJSON, err := json.Marshal(st)
	require.NoError(t, err)
	interruptJSON, err := json.Marshal(graph.Interrupt{Node: node, Reason: reason})
	require.NoError(t, err)
	require.NoError(t, h.store.SaveCheckpoint(ctx, st.WorkflowID, uuid.NewString(), stateJSON, interruptJSON))
}

// waitFor polls an arbitrary condition.
func waitFor(t *testing.T, desc string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", desc)
}

func hasEvent(evts []state.WorkflowEvent, et state.EventType, msgContains string) bool {
	for _, e := range evts {
		if e.EventType != et {
			continue
		}
		if msgContains == "" || strings.Contains(e.Message, msgContains) {
			return true
		}
	}
	return false
}

// drainInto moves buffered bus events for one stream into got without
// blocking.
func drainInto(sub *events.Subscription, got *[]state.WorkflowEvent, streamID string) {
	for {
		select {
		case evt, ok := <-sub.C:
			if !ok {
				return
			}
			if evt.WorkflowID == streamID {
				*got = append(*got, evt)
			}
		default:
			return
		}
	}
}
