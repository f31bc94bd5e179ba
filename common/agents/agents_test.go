package agents

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/forgeline/overseer/common/driver"
	"github.com/forgeline/overseer/common/logger"
	"github.com/forgeline/overseer/common/state"
)

var testLog = logger.New("error", "json")

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
	f.mu.Unlock()

	if onAgentic != nil {
		onAgentic(req)
	}
	s := driver.NewStream(len(f.messages) + 1)
	go func() {
		for _, m := range f.messages {
			if err := s.Send(ctx, m); err != nil {
				s.Close(err)
				return
			}
		}
		s.Close(f.agenticErr)
	}()
	return s, nil
}

func resultMessages(content string) []driver.Message {
	return []driver.Message{
		{Type: driver.MessageThinking, Content: "working"},
		{Type: driver.MessageResult, Content: content, SessionID: "fake-session"},
	}
}

func eventCollector() (Emitter, *[]state.WorkflowEvent) {
	var mu sync.Mutex
	events := &[]state.WorkflowEvent{}
	return func(evt state.WorkflowEvent) {
		mu.Lock()
		*events = append(*events, evt)
		mu.Unlock()
	}, events
}

func eventTypes(events []state.WorkflowEvent) []state.EventType {
	out := make([]state.EventType, 0, len(events))
	for _, e := range events {
		out = append(out, e.EventType)
	}
	return out
}

func TestValidateCommandResult(t *testing.T) {
	tests := []struct {
		name     string
		exitCode int
		stdout   string
		step     state.PlanStep
		want     bool
	}{
		{name: "default exit zero passes", exitCode: 0, step: state.PlanStep{}, want: true},
		{name: "nonzero exit fails", exitCode: 1, step: state.PlanStep{}, want: false},
		{name: "custom expected exit", exitCode: 2, step: state.PlanStep{ExpectExitCode: 2}, want: true},
		{name: "pattern match", exitCode: 0, stdout: "3 tests passed", step: state.PlanStep{ExpectedOutputPattern: `\d+ tests passed`}, want: true},
		{name: "pattern mismatch", exitCode: 0, stdout: "boom", step: state.PlanStep{ExpectedOutputPattern: `\d+ tests passed`}, want: false},
		{name: "pattern matches through ansi color", exitCode: 0, stdout: "\x1b[32mok\x1b[0m done", step: state.PlanStep{ExpectedOutputPattern: `^ok done$`}, want: true},
		{name: "bad pattern fails closed", exitCode: 0, stdout: "ok", step: state.PlanStep{ExpectedOutputPattern: `([`}, want: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ValidateCommandResult(tt.exitCode, tt.stdout, tt.step))
		})
	}
}

func TestStripANSI(t *testing.T) {
	assert.Equal(t, "plain", StripANSI("plain"))
	assert.Equal(t, "red text", StripANSI("\x1b[31mred\x1b[0m text"))
	assert.Equal(t, "moved", StripANSI("\x1b[2Jmoved"))
}

func TestFilesystemChecks(t *testing.T) {
	dir := t.TempDir()

	t.Run("code step with existing parent", func(t *testing.T) {
		check := FilesystemChecks(state.PlanStep{ActionType: state.ActionCode, FilePath: "newfile.go"}, dir)
		assert.True(t, check.OK)
	})

	t.Run("code step with missing parent", func(t *testing.T) {
		check := FilesystemChecks(state.PlanStep{ActionType: state.ActionCode, FilePath: "no/such/dir/file.go"}, dir)
		assert.False(t, check.OK)
		assert.NotEmpty(t, check.Suggestions)
	})

	t.Run("command on path", func(t *testing.T) {
		check := FilesystemChecks(state.PlanStep{ActionType: state.ActionCommand, Command: "echo hello"}, dir)
		assert.True(t, check.OK)
	})

	t.Run("command not on path", func(t *testing.T) {
		check := FilesystemChecks(state.PlanStep{ActionType: state.ActionCommand, Command: "definitely-not-a-command-xyz --flag"}, dir)
		assert.False(t, check.OK)
		assert.Contains(t, check.Issue, "definitely-not-a-command-xyz")
	})

	t.Run("command with missing cwd", func(t *testing.T) {
		check := FilesystemChecks(state.PlanStep{ActionType: state.ActionCommand, Command: "echo hi", Cwd: "missing-subdir"}, dir)
		assert.False(t, check.OK)
	})
}

func scenarioPlan() *state.ExecutionPlan {
	return &state.ExecutionPlan{
		Goal: "test goal",
		Batches: []state.ExecutionBatch{{
			BatchNumber: 1,
			RiskSummary: state.RiskLow,
			Steps: []state.PlanStep{
				{ID: "A", Description: "step a", ActionType: state.ActionCommand, Command: `sh -c "exit 127"`},
				{ID: "B", Description: "step b", ActionType: state.ActionCommand, Command: "echo b", DependsOn: []string{"A"}},
				{ID: "C", Description: "step c", ActionType: state.ActionCommand, Command: "echo c", DependsOn: []string{"B"}},
			},
		}},
	}
}

func TestCascadeSkips(t *testing.T) {
	plan := scenarioPlan()

	skips := CascadeSkips(plan, map[string]string{"A": "exit 127"})
	assert.Equal(t, map[string]string{
		"B": "depends on A",
		"C": "depends on C→B→A",
	}, skips)
}

func TestCascadeSkipsUnrelatedStepsUntouched(t *testing.T) {
	plan := &state.ExecutionPlan{
		Batches: []state.ExecutionBatch{{
			BatchNumber: 1,
			Steps: []state.PlanStep{
				{ID: "A", ActionType: state.ActionCommand, Command: "echo a"},
				{ID: "B", ActionType: state.ActionCommand, Command: "echo b", DependsOn: []string{"A"}},
				{ID: "X", ActionType: state.ActionCommand, Command: "echo x"},
			},
		}},
	}
	skips := CascadeSkips(plan, map[string]string{"A": "failed"})
	assert.Equal(t, map[string]string{"B": "depends on A"}, skips)
}

func TestAggregateReviews(t *testing.T) {
	results := []state.ReviewResult{
		{ReviewerPersona: PersonaSecurity, Approved: true, Comments: []string{"A"}, Severity: state.SeverityLow},
		{ReviewerPersona: PersonaPerformance, Approved: true, Comments: []string{"B"}, Severity: state.SeverityMedium},
		{ReviewerPersona: PersonaUsability, Approved: false, Comments: []string{"C"}, Severity: state.SeverityHigh},
	}

	agg := AggregateReviews(results)
	assert.False(t, agg.Approved)
	assert.Equal(t, state.SeverityHigh, agg.Severity)
	assert.Equal(t, []string{"[Security] A", "[Performance] B", "[Usability] C"}, agg.Comments)
}

func TestStepRunnerCommandWithFallback(t *testing.T) {
	emit, events := eventCollector()
	runner := &StepRunner{Dir: t.TempDir(), Emit: emit, Log: testLog}

	res, blocker := runner.ExecuteStep(context.Background(), state.PlanStep{
		ID:               "s1",
		ActionType:       state.ActionCommand,
		Command:          "false",
		FallbackCommands: []string{"echo recovered"},
	})
	require.Nil(t, blocker)
	assert.Equal(t, state.StepCompleted, res.Status)
	assert.Equal(t, "echo recovered", res.ExecutedCommand)
	assert.Contains(t, res.Output, "recovered")

	// Two attempts, each a call/result pair.
	types := eventTypes(*events)
	assert.Equal(t, []state.EventType{
		state.EventClaudeToolCall, state.EventClaudeToolResult,
		state.EventClaudeToolCall, state.EventClaudeToolResult,
	}, types)
}

func TestStepRunnerCommandAllFallbacksFail(t *testing.T) {
	emit, _ := eventCollector()
	runner := &StepRunner{Dir: t.TempDir(), Emit: emit, Log: testLog}

	res, blocker := runner.ExecuteStep(context.Background(), state.PlanStep{
		ID:               "s1",
		Description:      "doomed",
		ActionType:       state.ActionCommand,
		Command:          "false",
		FallbackCommands: []string{"false"},
	})
	require.NotNil(t, blocker)
	assert.Equal(t, state.StepFailed, res.Status)
	assert.Equal(t, state.BlockerCommandFailed, blocker.BlockerType)
	assert.Len(t, blocker.AttemptedActions, 2)
}

func TestStepRunnerCodeStep(t *testing.T) {
	emit, _ := eventCollector()
	dir := t.TempDir()
	runner := &StepRunner{Dir: dir, Emit: emit, Log: testLog}

	res, blocker := runner.ExecuteStep(context.Background(), state.PlanStep{
		ID:                    "w1",
		ActionType:            state.ActionCode,
		FilePath:              "pkg/gen.txt",
		CodeChange:            "hello",
		ValidationCommand:     "cat pkg/gen.txt",
		ExpectedOutputPattern: "hello",
	})
	require.Nil(t, blocker)
	assert.Equal(t, state.StepCompleted, res.Status)
}

func TestStepRunnerCodeStepValidationFails(t *testing.T) {
	emit, _ := eventCollector()
	runner := &StepRunner{Dir: t.TempDir(), Emit: emit, Log: testLog}

	res, blocker := runner.ExecuteStep(context.Background(), state.PlanStep{
		ID:                "w1",
		ActionType:        state.ActionCode,
		FilePath:          "gen.txt",
		CodeChange:        "content",
		ValidationCommand: "false",
	})
	require.NotNil(t, blocker)
	assert.Equal(t, state.StepFailed, res.Status)
	assert.Equal(t, state.BlockerValidationFailed, blocker.BlockerType)
}

func TestDeveloperBatchHappyPath(t *testing.T) {
	emit, _ := eventCollector()
	dev := &Developer{Driver: &fakeDriver{}, Log: testLog}
	profile := state.Profile{WorkingDir: t.TempDir()}

	st := state.New("wf-1", "TEST-123", "default")
	st.ExecutionPlan = &state.ExecutionPlan{
		Goal: "test",
		Batches: []state.ExecutionBatch{{
			BatchNumber: 1,
			RiskSummary: state.RiskLow,
			Steps:       []state.PlanStep{{ID: "s1", ActionType: state.ActionCommand, Command: "echo ok"}},
		}},
	}

	update, err := dev.Run(context.Background(), st, profile, emit)
	require.NoError(t, err)
	assert.Equal(t, string(state.DeveloperAllDone), update["developerStatus"])
	assert.Equal(t, 1, update["currentBatchIndex"])

	results := update["batchResults"].([]state.BatchResult)
	require.Len(t, results, 1)
	assert.Equal(t, state.BatchComplete, results[0].Status)
	assert.Equal(t, state.StepCompleted, results[0].CompletedSteps[0].Status)
}

func TestDeveloperBatchHonorsSkippedSteps(t *testing.T) {
	emit, _ := eventCollector()
	dev := &Developer{Driver: &fakeDriver{}, Log: testLog}
	profile := state.Profile{WorkingDir: t.TempDir()}

	st := state.New("wf-skip", "TEST-123", "default")
	st.SkippedStepIDs = []string{"s2"}
	st.ExecutionPlan = &state.ExecutionPlan{
		Goal: "skip list",
		Batches: []state.ExecutionBatch{{
			BatchNumber: 1,
			RiskSummary: state.RiskLow,
			Steps: []state.PlanStep{
				{ID: "s1", ActionType: state.ActionCommand, Command: "echo ok"},
				{ID: "s2", ActionType: state.ActionCommand, Command: "false"},
			},
		}},
	}

	update, err := dev.Run(context.Background(), st, profile, emit)
	require.NoError(t, err)
	assert.Equal(t, string(state.DeveloperAllDone), update["developerStatus"])

	results := update["batchResults"].([]state.BatchResult)
	require.Len(t, results, 1)
	assert.Equal(t, state.BatchComplete, results[0].Status)
	byID := map[string]state.StepResult{}
	for _, res := range results[0].CompletedSteps {
		byID[res.StepID] = res
	}
	assert.Equal(t, state.StepCompleted, byID["s1"].Status)
	assert.Equal(t, state.StepSkipped, byID["s2"].Status)
}

func TestDeveloperBatchCascadeOnFailure(t *testing.T) {
	emit, events := eventCollector()
	dev := &Developer{Driver: &fakeDriver{}, Log: testLog}
	profile := state.Profile{WorkingDir: t.TempDir()}

	st := state.New("wf-2", "TEST-123", "default")
	st.ExecutionPlan = scenarioPlan()

	update, err := dev.Run(context.Background(), st, profile, emit)
	require.NoError(t, err)
	assert.Equal(t, string(state.DeveloperBlocked), update["developerStatus"])
	assert.Equal(t, string(state.StatusBlocked), update["workflowStatus"])

	blocker := update["currentBlocker"].(*state.BlockerReport)
	assert.Equal(t, "A", blocker.StepID)
	assert.Equal(t, state.BlockerCommandFailed, blocker.BlockerType)

	results := update["batchResults"].([]state.BatchResult)
	require.Len(t, results, 1)
	byID := map[string]state.StepResult{}
	for _, res := range results[0].CompletedSteps {
		byID[res.StepID] = res
	}
	assert.Equal(t, state.StepFailed, byID["A"].Status)
	assert.Equal(t, state.StepSkipped, byID["B"].Status)
	assert.Equal(t, "depends on A", byID["B"].Error)
	assert.Equal(t, state.StepSkipped, byID["C"].Status)
	assert.Equal(t, "depends on C→B→A", byID["C"].Error)

	assert.Contains(t, eventTypes(*events), state.EventBlocked)
}

func TestDeveloperBatchCheckpointDecision(t *testing.T) {
	emit, _ := eventCollector()
	dev := &Developer{Driver: &fakeDriver{}, Log: testLog}

	plan := &state.ExecutionPlan{
		Goal: "two batches",
		Batches: []state.ExecutionBatch{
			{BatchNumber: 1, RiskSummary: state.RiskLow, Steps: []state.PlanStep{{ID: "a", ActionType: state.ActionCommand, Command: "echo a"}}},
			{BatchNumber: 2, RiskSummary: state.RiskHigh, Steps: []state.PlanStep{{ID: "b", ActionType: state.ActionCommand, Command: "echo b"}}},
		},
	}

	st := state.New("wf-3", "TEST-123", "default")
	st.ExecutionPlan = plan

	// Autonomous trust pauses only before high-risk batches.
	profile := state.Profile{WorkingDir: t.TempDir(), TrustLevel: state.TrustAutonomous, BatchCheckpoints: true}
	update, err := dev.Run(context.Background(), st, profile, emit)
	require.NoError(t, err)
	assert.Equal(t, string(state.DeveloperBatchComplete), update["developerStatus"])

	// Checkpoints disabled: straight into the next batch.
	profile = state.Profile{WorkingDir: t.TempDir(), TrustLevel: state.TrustParanoid, BatchCheckpoints: false}
	update, err = dev.Run(context.Background(), st, profile, emit)
	require.NoError(t, err)
	assert.Equal(t, string(state.DeveloperExecuting), update["developerStatus"])
}

func TestDeveloperBlockerRecoveryResumesAtBlockedStep(t *testing.T) {
	emit, _ := eventCollector()
	dev := &Developer{Driver: &fakeDriver{}, Log: testLog}
	profile := state.Profile{WorkingDir: t.TempDir()}

	plan := &state.ExecutionPlan{
		Goal: "recovery",
		Batches: []state.ExecutionBatch{{
			BatchNumber: 1,
			RiskSummary: state.RiskLow,
			Steps: []state.PlanStep{
				{ID: "done-step", ActionType: state.ActionCommand, Command: "echo done"},
				{ID: "retry-step", ActionType: state.ActionCommand, Command: "echo retried"},
			},
		}},
	}

	st := state.New("wf-4", "TEST-123", "default")
	st.ExecutionPlan = plan
	st.CurrentBlocker = &state.BlockerReport{StepID: "retry-step", BlockerType: state.BlockerCommandFailed}
	st.BlockerResolution = "the environment is fixed, retry"
	st.BatchResults = []state.BatchResult{{
		BatchNumber: 1,
		Status:      state.BatchBlocked,
		CompletedSteps: []state.StepResult{
			{StepID: "done-step", Status: state.StepCompleted, Output: "done from first run"},
			{StepID: "retry-step", Status: state.StepFailed},
		},
	}}

	update, err := dev.Run(context.Background(), st, profile, emit)
	require.NoError(t, err)

	results := update["batchResults"].([]state.BatchResult)
	require.Len(t, results, 1)
	require.Equal(t, state.BatchComplete, results[0].Status)

	byID := map[string]state.StepResult{}
	for _, res := range results[0].CompletedSteps {
		byID[res.StepID] = res
	}
	assert.Equal(t, "done from first run", byID["done-step"].Output, "completed steps keep first-run results")
	assert.Equal(t, state.StepCompleted, byID["retry-step"].Status)
	assert.Contains(t, byID["retry-step"].Output, "retried")
}

func TestDeveloperAgenticMode(t *testing.T) {
	emit, events := eventCollector()
	drv := &fakeDriver{messages: resultMessages("implemented")}
	dev := &Developer{Driver: drv, Log: testLog}

	st := state.New("wf-5", "TEST-123", "default")
	st.PlanMarkdown = "**Goal:** do the thing"
	st.Goal = "do the thing"

	update, err := dev.Run(context.Background(), st, state.Profile{WorkingDir: t.TempDir()}, emit)
	require.NoError(t, err)
	assert.Equal(t, string(state.DeveloperAllDone), update["developerStatus"])
	assert.Contains(t, eventTypes(*events), state.EventAgentOutput)
	require.Len(t, drv.requests, 1)
	assert.Contains(t, drv.requests[0].Prompt, "do the thing")
}
