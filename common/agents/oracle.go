package agents

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/forgeline/overseer/common/driver"
	"github.com/forgeline/overseer/common/git"
	"github.com/forgeline/overseer/common/logger"
	"github.com/forgeline/overseer/common/state"
)

// defaultOracleTokenBudget caps how much file context a consultation
// bundles, approximated at four characters per token.
const defaultOracleTokenBudget = 32000

// Oracle answers one-off consultations: it bundles relevant files from a
// working directory and drives the model against the problem statement.
type Oracle struct {
	Driver      driver.Driver
	Prompts     Prompts
	TokenBudget int
	Log         *logger.Logger
}

func (o *Oracle) budget() int {
	if o.TokenBudget > 0 {
		return o.TokenBudget
	}
	return defaultOracleTokenBudget
}

// Consult runs one consultation keyed by sessionID and returns the answer.
// Events are emitted under ORACLE_* types throughout.
func (o *Oracle) Consult(ctx context.Context, problem, dir string, include []string, sessionID string, emit Emitter) (string, error) {
	emit(state.WorkflowEvent{
		Agent:     NameOracle,
		EventType: state.EventOracleConsultationStarted,
		Message:   problem,
		SessionID: sessionID,
	})

	bundle, bundled, err := o.BundleFiles(ctx, dir, include)
	if err != nil {
		emit(state.WorkflowEvent{
			Agent:     NameOracle,
			EventType: state.EventOracleConsultationFailed,
			Message:   err.Error(),
			SessionID: sessionID,
			IsError:   true,
		})
		return "", err
	}
	o.Log.Info("oracle bundle assembled", "session_id", sessionID, "files", bundled)

	var sb strings.Builder
	sb.WriteString(problem)
	if bundle != "" {
		sb.WriteString("\n\nRelevant files:\n")
		sb.WriteString(bundle)
	}

	stream, err := o.Driver.ExecuteAgentic(ctx, driver.AgenticRequest{
		Prompt:       sb.String(),
		SystemPrompt: o.Prompts.Get(PromptOracleSystem),
		Cwd:          dir,
		SessionID:    sessionID,
	})
	if err != nil {
		emit(state.WorkflowEvent{
			Agent:     NameOracle,
			EventType: state.EventOracleConsultationFailed,
			Message:   err.Error(),
			SessionID: sessionID,
			IsError:   true,
		})
		return "", err
	}

	var answer string
	sawResult := false
	for m := range stream.C {
		switch m.Type {
		case driver.MessageToolCall:
			emit(state.WorkflowEvent{
				Agent:     NameOracle,
				EventType: state.EventOracleToolCall,
				Message:   m.ToolName,
				ToolName:  m.ToolName,
				ToolInput: m.ToolInput,
				SessionID: sessionID,
			})
		case driver.MessageToolResult:
			emit(state.WorkflowEvent{
				Agent:      NameOracle,
				EventType:  state.EventOracleToolResult,
				ToolName:   m.ToolName,
				ToolOutput: m.Truncated().ToolOutput,
				IsError:    m.IsError,
				SessionID:  sessionID,
			})
		case driver.MessageThinking:
			emit(state.WorkflowEvent{
				Agent:     NameOracle,
				EventType: state.EventClaudeThinking,
				Message:   m.Content,
				SessionID: sessionID,
			})
		case driver.MessageResult:
			answer = m.Content
			sawResult = true
		}
	}
	err = stream.Err()
	if err == nil && !sawResult {
		err = driver.ErrNoResult
	}
	if err != nil {
		emit(state.WorkflowEvent{
			Agent:     NameOracle,
			EventType: state.EventOracleConsultationFailed,
			Message:   err.Error(),
			SessionID: sessionID,
			IsError:   true,
		})
		return "", err
	}

	emit(state.WorkflowEvent{
		Agent:     NameOracle,
		EventType: state.EventOracleConsultationCompleted,
		Message:   answer,
		SessionID: sessionID,
	})
	return answer, nil
}

// BundleFiles gathers file contents under dir for the consultation: the
// candidate set honors gitignore when dir is a checkout, include patterns
// filter it, and the token budget bounds the total.
func (o *Oracle) BundleFiles(ctx context.Context, dir string, include []string) (string, int, error) {
	files, err := o.candidateFiles(ctx, dir)
	if err != nil {
		return "", 0, err
	}

	budget := o.budget() * 4
	var sb strings.Builder
	bundled := 0
	for _, rel := range files {
		if !matchesAny(rel, include) {
			continue
		}
		content, err := os.ReadFile(filepath.Join(dir, rel))
		if err != nil {
			continue
		}
		entry := fmt.Sprintf("\n--- %s ---\n%s\n", rel, content)
		if sb.Len()+len(entry) > budget {
			break
		}
		sb.WriteString(entry)
		bundled++
	}
	return sb.String(), bundled, nil
}

// candidateFiles lists files under dir, via git when possible so ignored
// files stay out of the bundle.
func (o *Oracle) candidateFiles(ctx context.Context, dir string) ([]string, error) {
	repo := git.NewRepo(dir)
	if repo.IsRepo(ctx) {
		return repo.VisibleFiles(ctx)
	}
	return doublestar.Glob(os.DirFS(dir), "**/*")
}

// matchesAny reports whether rel matches one of the include patterns; an
// empty pattern list includes everything.
func matchesAny(rel string, include []string) bool {
	if len(include) == 0 {
		return true
	}
	for _, pattern := range include {
		if ok, err := doublestar.Match(pattern, rel); err == nil && ok {
			return true
		}
	}
	return false
}
