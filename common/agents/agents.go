// Package agents holds the components that translate workflow state into
// driver calls and back into events: the Architect writes plans, the
// Developer executes them, the Reviewer judges diffs, and the Oracle answers
// ad-hoc consultations.
package agents

import (
	"context"
	"fmt"

	"github.com/forgeline/overseer/common/driver"
	"github.com/forgeline/overseer/common/state"
)

// Agent names as they appear on events and usage rows.
const (
	NameArchitect  = "architect"
	NameDeveloper  = "developer"
	NameReviewer   = "reviewer"
	NameOracle     = "oracle"
	NameBrainstorm = "brainstorm"
)

// Emitter accepts one event. The caller owns sequencing, ids, and
// persistence; agents only fill the agent-visible fields.
type Emitter func(state.WorkflowEvent)

// Prompts is a resolved prompt map: catalog-pinned versions overlaid on the
// built-in defaults.
type Prompts map[string]string

// Get returns the named prompt, falling back to the built-in default.
func (p Prompts) Get(name string) string {
	if p != nil {
		if v, ok := p[name]; ok && v != "" {
			return v
		}
	}
	return defaultPrompts[name]
}

// drainStream consumes an agentic stream, emitting each message as an event
// for the named agent, and returns the final result content.
func drainStream(s *driver.Stream, agent string, emit Emitter) (string, error) {
	var result string
	sawResult := false
	for m := range s.C {
		if evt, ok := m.Event(agent); ok {
			emit(evt)
		}
		if m.Type == driver.MessageResult {
			result = m.Content
			sawResult = true
		}
	}
	if err := s.Err(); err != nil {
		return "", err
	}
	if !sawResult {
		return "", driver.ErrNoResult
	}
	return result, nil
}

// runAgentic starts an agentic execution and drains it to events.
func runAgentic(ctx context.Context, drv driver.Driver, req driver.AgenticRequest, agent string, emit Emitter) (string, error) {
	stream, err := drv.ExecuteAgentic(ctx, req)
	if err != nil {
		return "", fmt.Errorf("start agentic execution: %w", err)
	}
	return drainStream(stream, agent, emit)
}

// workingDir picks the directory an agent operates in: the isolated worktree
// when the workflow has one, the profile's checkout otherwise.
func workingDir(st state.WorkflowState, profile state.Profile) string {
	if st.WorktreePath != "" {
		return st.WorktreePath
	}
	return profile.WorkingDir
}
