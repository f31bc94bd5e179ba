package agents

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/forgeline/overseer/common/logger"
	"github.com/forgeline/overseer/common/state"
)

// ansiPattern matches terminal escape sequences so output assertions see
// what the command printed, not how it was colored.
var ansiPattern = regexp.MustCompile(`\x1b\[[0-9;]*[A-Za-z]`)

// StripANSI removes terminal escape sequences.
func StripANSI(s string) string {
	return ansiPattern.ReplaceAllString(s, "")
}

const maxStepOutputLen = 8 * 1024

func truncateOutput(s string) string {
	if len(s) > maxStepOutputLen {
		return s[:maxStepOutputLen] + "\n... (truncated)"
	}
	return s
}

// CheckResult is the outcome of pre-validating a step.
type CheckResult struct {
	OK          bool
	Issue       string
	Suggestions []string
}

// FilesystemChecks verifies a step's preconditions on disk: code steps need
// the target file or its parent directory, command steps need the first
// token on PATH and an existing cwd.
func FilesystemChecks(step state.PlanStep, dir string) CheckResult {
	switch step.ActionType {
	case state.ActionCode:
		if step.FilePath == "" {
			return CheckResult{OK: false, Issue: "code step has no filePath"}
		}
		target := filepath.Join(dir, step.FilePath)
		if _, err := os.Stat(target); err == nil {
			return CheckResult{OK: true}
		}
		parent := filepath.Dir(target)
		if _, err := os.Stat(parent); err == nil {
			return CheckResult{OK: true}
		}
		return CheckResult{
			OK:          false,
			Issue:       fmt.Sprintf("neither %s nor its parent directory exists", step.FilePath),
			Suggestions: []string{fmt.Sprintf("create directory %s first", filepath.Dir(step.FilePath))},
		}

	case state.ActionCommand, state.ActionValidation:
		if step.Command == "" {
			return CheckResult{OK: false, Issue: "command step has no command"}
		}
		tokens := strings.Fields(step.Command)
		if _, err := exec.LookPath(tokens[0]); err != nil {
			return CheckResult{
				OK:          false,
				Issue:       fmt.Sprintf("command %q not found on PATH", tokens[0]),
				Suggestions: []string{fmt.Sprintf("install %s or adjust the step command", tokens[0])},
			}
		}
		if step.Cwd != "" {
			cwd := filepath.Join(dir, step.Cwd)
			if _, err := os.Stat(cwd); err != nil {
				return CheckResult{
					OK:          false,
					Issue:       fmt.Sprintf("cwd %s does not exist", step.Cwd),
					Suggestions: []string{fmt.Sprintf("create %s before this step", step.Cwd)},
				}
			}
		}
		return CheckResult{OK: true}
	}
	return CheckResult{OK: true}
}

// PreValidateStep runs the filesystem checks. Model-assisted validation of
// high-risk steps shares this seam but is not wired yet.
func PreValidateStep(step state.PlanStep, dir string) CheckResult {
	return FilesystemChecks(step, dir)
}

// ValidateCommandResult decides whether a command run satisfied the step:
// the exit code must match expectExitCode, and when expectedOutputPattern is
// set it must match the ANSI-stripped stdout.
func ValidateCommandResult(exitCode int, stdout string, step state.PlanStep) bool {
	if exitCode != step.ExpectExitCode {
		return false
	}
	if step.ExpectedOutputPattern == "" {
		return true
	}
	re, err := regexp.Compile(step.ExpectedOutputPattern)
	if err != nil {
		return false
	}
	return re.MatchString(StripANSI(stdout))
}

// StepRunner executes structured plan steps inside one directory, emitting
// tool-call events that mirror what an agentic run would produce.
type StepRunner struct {
	Dir  string
	Emit Emitter
	Log  *logger.Logger
}

// commandOutcome is one command attempt.
type commandOutcome struct {
	command  string
	exitCode int
	stdout   string
	combined string
	err      error
}

// runCommand executes one shell command under the step's cwd.
func (r *StepRunner) runCommand(ctx context.Context, command, cwd string) commandOutcome {
	dir := r.Dir
	if cwd != "" {
		dir = filepath.Join(r.Dir, cwd)
	}

	r.Emit(state.WorkflowEvent{
		Agent:     NameDeveloper,
		EventType: state.EventClaudeToolCall,
		Message:   "run_shell_command",
		ToolName:  "run_shell_command",
		ToolInput: map[string]any{"command": command, "cwd": cwd},
	})

	cmd := exec.CommandContext(ctx, "sh", "-c", command)
	cmd.Dir = dir

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	exitCode := 0
	if err != nil {
		exitCode = -1
		if exitErr, ok := err.(*exec.ExitError); ok {
			exitCode = exitErr.ExitCode()
		}
	}

	combined := stdout.String()
	if stderr.Len() > 0 {
		combined += stderr.String()
	}
	r.Emit(state.WorkflowEvent{
		Agent:      NameDeveloper,
		EventType:  state.EventClaudeToolResult,
		ToolName:   "run_shell_command",
		ToolOutput: truncateOutput(combined),
		IsError:    exitCode != 0,
	})

	return commandOutcome{command: command, exitCode: exitCode, stdout: stdout.String(), combined: combined, err: err}
}

// writeFile performs a code step's write, creating parent directories.
func (r *StepRunner) writeFile(step state.PlanStep) error {
	path := filepath.Join(r.Dir, step.FilePath)

	r.Emit(state.WorkflowEvent{
		Agent:     NameDeveloper,
		EventType: state.EventClaudeToolCall,
		Message:   "write_file",
		ToolName:  "write_file",
		ToolInput: map[string]any{"path": step.FilePath},
	})

	err := os.MkdirAll(filepath.Dir(path), 0o755)
	if err == nil {
		err = os.WriteFile(path, []byte(step.CodeChange), 0o644)
	}

	out := fmt.Sprintf("wrote %s (%d bytes)", step.FilePath, len(step.CodeChange))
	if err != nil {
		out = err.Error()
	}
	r.Emit(state.WorkflowEvent{
		Agent:      NameDeveloper,
		EventType:  state.EventClaudeToolResult,
		ToolName:   "write_file",
		ToolOutput: out,
		IsError:    err != nil,
	})
	return err
}

// ExecuteStep runs one step with its bounded fallbacks and returns the
// result plus the blocker to raise when the step failed.
func (r *StepRunner) ExecuteStep(ctx context.Context, step state.PlanStep) (state.StepResult, *state.BlockerReport) {
	start := time.Now()
	result := state.StepResult{StepID: step.ID}

	finish := func(res state.StepResult) state.StepResult {
		res.DurationSeconds = time.Since(start).Seconds()
		return res
	}

	switch step.ActionType {
	case state.ActionCode:
		if err := r.writeFile(step); err != nil {
			result.Status = state.StepFailed
			result.Error = err.Error()
			return finish(result), &state.BlockerReport{
				StepID:          step.ID,
				StepDescription: step.Description,
				BlockerType:     state.BlockerValidationFailed,
				ErrorMessage:    fmt.Sprintf("write %s: %v", step.FilePath, err),
			}
		}
		if step.ValidationCommand != "" {
			out := r.runCommand(ctx, step.ValidationCommand, step.Cwd)
			if !ValidateCommandResult(out.exitCode, out.stdout, step) {
				result.Status = state.StepFailed
				result.Output = truncateOutput(out.combined)
				result.Error = fmt.Sprintf("validation command failed with exit %d", out.exitCode)
				result.ExecutedCommand = step.ValidationCommand
				return finish(result), &state.BlockerReport{
					StepID:          step.ID,
					StepDescription: step.Description,
					BlockerType:     state.BlockerValidationFailed,
					ErrorMessage:    result.Error,
					AttemptedActions: []string{
						fmt.Sprintf("wrote %s", step.FilePath),
						fmt.Sprintf("ran %q", step.ValidationCommand),
					},
					SuggestedResolutions: []string{"fix the written file and retry", "skip", "abort"},
				}
			}
			result.ExecutedCommand = step.ValidationCommand
			result.Output = truncateOutput(out.combined)
		}
		result.Status = state.StepCompleted
		return finish(result), nil

	case state.ActionCommand, state.ActionValidation:
		commands := append([]string{step.Command}, step.FallbackCommands...)
		var attempts []string
		var last commandOutcome
		for _, command := range commands {
			if err := ctx.Err(); err != nil {
				result.Status = state.StepFailed
				result.Error = err.Error()
				return finish(result), &state.BlockerReport{
					StepID:       step.ID,
					BlockerType:  state.BlockerCommandFailed,
					ErrorMessage: err.Error(),
				}
			}
			last = r.runCommand(ctx, command, step.Cwd)
			attempts = append(attempts, fmt.Sprintf("ran %q (exit %d)", command, last.exitCode))
			if ValidateCommandResult(last.exitCode, last.stdout, step) {
				result.Status = state.StepCompleted
				result.Output = truncateOutput(last.combined)
				result.ExecutedCommand = command
				return finish(result), nil
			}
		}

		result.Status = state.StepFailed
		result.Output = truncateOutput(last.combined)
		result.ExecutedCommand = last.command
		result.Error = fmt.Sprintf("exit %d", last.exitCode)
		return finish(result), &state.BlockerReport{
			StepID:               step.ID,
			StepDescription:      step.Description,
			BlockerType:          state.BlockerCommandFailed,
			ErrorMessage:         fmt.Sprintf("all commands failed, last exit %d: %s", last.exitCode, truncateOutput(last.combined)),
			AttemptedActions:     attempts,
			SuggestedResolutions: []string{"fix the environment and retry", "skip", "abort"},
		}
	}

	result.Status = state.StepFailed
	result.Error = fmt.Sprintf("unknown action type %q", step.ActionType)
	return finish(result), &state.BlockerReport{
		StepID:       step.ID,
		BlockerType:  state.BlockerUnexpectedState,
		ErrorMessage: result.Error,
	}
}
