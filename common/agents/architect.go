package agents

import (
	"context"
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/forgeline/overseer/common/driver"
	"github.com/forgeline/overseer/common/logger"
	"github.com/forgeline/overseer/common/state"
)

// goalPattern finds the goal line anywhere in a plan document.
var goalPattern = regexp.MustCompile(`\*\*Goal:\*\*\s*(.+)`)

// Architect writes an implementation plan into the worktree at a path
// derived from the profile's plan pattern, then confirms the file landed.
type Architect struct {
	Driver  driver.Driver
	Prompts Prompts
	Clock   func() time.Time
	Log     *logger.Logger
}

func (a *Architect) now() time.Time {
	if a.Clock != nil {
		return a.Clock()
	}
	return time.Now()
}

// Run drives the architect and returns the plan path update. The plan file
// must exist and be non-empty afterwards; a driver that claims success
// without writing it is an error.
func (a *Architect) Run(ctx context.Context, st state.WorkflowState, profile state.Profile, emit Emitter) (state.Update, error) {
	dir := workingDir(st, profile)
	relPath := state.PlanFilePath("", profile.PlanPattern(), st.IssueID, a.now())
	absPath := state.PlanFilePath(dir, profile.PlanPattern(), st.IssueID, a.now())

	prompt := a.buildPrompt(st, relPath)
	a.Log.Info("architect starting", "workflow_id", st.WorkflowID, "plan_path", relPath)

	_, err := runAgentic(ctx, a.Driver, driver.AgenticRequest{
		Prompt:       prompt,
		SystemPrompt: a.Prompts.Get(PromptArchitectSystem),
		Cwd:          dir,
		SessionID:    st.DriverSessionID,
	}, NameArchitect, emit)
	if err != nil {
		return nil, fmt.Errorf("architect execution: %w", err)
	}

	info, statErr := os.Stat(absPath)
	if statErr != nil || info.Size() == 0 {
		return nil, fmt.Errorf("architect did not write plan file %s", relPath)
	}

	return state.Update{"planPath": relPath}, nil
}

func (a *Architect) buildPrompt(st state.WorkflowState, planPath string) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Write an implementation plan for issue %s", st.IssueID)
	if st.Issue != nil && st.Issue.Title != "" {
		fmt.Fprintf(&sb, " (%q)", st.Issue.Title)
	}
	sb.WriteString(".\n")
	if st.Issue != nil && st.Issue.Body != "" {
		sb.WriteString("\nIssue description:\n")
		sb.WriteString(st.Issue.Body)
		sb.WriteString("\n")
	}
	fmt.Fprintf(&sb, "\nWrite the plan to %s. Start the body with a \"**Goal:**\" line.\n", planPath)
	return sb.String()
}

// ExtractGoal pulls the goal line out of plan markdown, empty when absent.
func ExtractGoal(planMarkdown string) string {
	m := goalPattern.FindStringSubmatch(planMarkdown)
	if m == nil {
		return ""
	}
	return strings.TrimSpace(m[1])
}
