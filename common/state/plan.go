package state

import "fmt"

// RiskLevel grades a step or batch
type RiskLevel string

const (
	RiskLow    RiskLevel = "low"
	RiskMedium RiskLevel = "medium"
	RiskHigh   RiskLevel = "high"
)

// ActionType classifies what a plan step does
type ActionType string

const (
	ActionCode       ActionType = "code"
	ActionCommand    ActionType = "command"
	ActionValidation ActionType = "validation"
)

// StepStatus is the outcome of one executed step
type StepStatus string

const (
	StepCompleted StepStatus = "completed"
	StepFailed    StepStatus = "failed"
	StepSkipped   StepStatus = "skipped"
)

// BatchStatus is the outcome of one executed batch
type BatchStatus string

const (
	BatchComplete BatchStatus = "complete"
	BatchBlocked  BatchStatus = "blocked"
)

// BlockerType classifies why a step halted its batch
type BlockerType string

const (
	BlockerCommandFailed    BlockerType = "command_failed"
	BlockerValidationFailed BlockerType = "validation_failed"
	BlockerUnexpectedState  BlockerType = "unexpected_state"
	BlockerPrecondition     BlockerType = "precondition"
)

// Severity grades review findings
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// severityRank orders severities for aggregation
var severityRank = map[Severity]int{
	SeverityLow:      1,
	SeverityMedium:   2,
	SeverityHigh:     3,
	SeverityCritical: 4,
}

// MaxSeverity returns the graver of two severities
func MaxSeverity(a, b Severity) Severity {
	if severityRank[b] > severityRank[a] {
		return b
	}
	return a
}

// PlanStep is one unit of work inside a batch. Immutable once created.
type PlanStep struct {
	ID          string     `json:"id"`
	Description string     `json:"description"`
	ActionType  ActionType `json:"actionType"`
	RiskLevel   RiskLevel  `json:"riskLevel"`
	DependsOn   []string   `json:"dependsOn,omitempty"`

	Command          string   `json:"command,omitempty"`
	FallbackCommands []string `json:"fallbackCommands,omitempty"`

	FilePath   string `json:"filePath,omitempty"`
	CodeChange string `json:"codeChange,omitempty"`

	ValidationCommand     string `json:"validationCommand,omitempty"`
	ExpectExitCode        int    `json:"expectExitCode"`
	ExpectedOutputPattern string `json:"expectedOutputPattern,omitempty"`
	Cwd                   string `json:"cwd,omitempty"`

	RequiresHumanJudgment bool `json:"requiresHumanJudgment,omitempty"`
}

// ExecutionBatch groups steps that execute together under one risk summary
type ExecutionBatch struct {
	BatchNumber int        `json:"batchNumber"`
	Steps       []PlanStep `json:"steps"`
	RiskSummary RiskLevel  `json:"riskSummary"`
	Description string     `json:"description,omitempty"`
}

// ExecutionPlan is the structured plan the developer executes batch by batch
type ExecutionPlan struct {
	Goal                  string           `json:"goal"`
	Batches               []ExecutionBatch `json:"batches"`
	TotalEstimatedMinutes int              `json:"totalEstimatedMinutes,omitempty"`
}

// StepResult records one step's execution outcome
type StepResult struct {
	StepID          string     `json:"stepId"`
	Status          StepStatus `json:"status"`
	Output          string     `json:"output,omitempty"`
	Error           string     `json:"error,omitempty"`
	ExecutedCommand string     `json:"executedCommand,omitempty"`
	DurationSeconds float64    `json:"durationSeconds"`
}

// BatchResult records one batch's execution outcome
type BatchResult struct {
	BatchNumber    int            `json:"batchNumber"`
	Status         BatchStatus    `json:"status"`
	CompletedSteps []StepResult   `json:"completedSteps"`
	Blocker        *BlockerReport `json:"blocker,omitempty"`
}

// BlockerReport is the structured failure awaiting a human resolution
type BlockerReport struct {
	StepID               string      `json:"stepId"`
	StepDescription      string      `json:"stepDescription,omitempty"`
	BlockerType          BlockerType `json:"blockerType"`
	ErrorMessage         string      `json:"errorMessage"`
	AttemptedActions     []string    `json:"attemptedActions,omitempty"`
	SuggestedResolutions []string    `json:"suggestedResolutions,omitempty"`
}

// ReviewResult is one reviewer persona's verdict on a diff
type ReviewResult struct {
	ReviewerPersona string   `json:"reviewerPersona"`
	Approved        bool     `json:"approved"`
	Comments        []string `json:"comments,omitempty"`
	Severity        Severity `json:"severity"`
}

// GitSnapshot captures the worktree before a batch runs
type GitSnapshot struct {
	HeadCommit string   `json:"headCommit"`
	DirtyFiles []string `json:"dirtyFiles,omitempty"`
}

// AllSteps returns all steps of the plan in batch order
func (p *ExecutionPlan) AllSteps() []PlanStep {
	var out []PlanStep
	for _, b := range p.Batches {
		out = append(out, b.Steps...)
	}
	return out
}

// StepByID finds a step anywhere in the plan
func (p *ExecutionPlan) StepByID(id string) (PlanStep, bool) {
	for _, b := range p.Batches {
		for _, s := range b.Steps {
			if s.ID == id {
				return s, true
			}
		}
	}
	return PlanStep{}, false
}

// Validate checks plan structure: unique step ids, all dependsOn references
// resolve inside the plan, and the dependency graph is acyclic.
func (p *ExecutionPlan) Validate() error {
	if len(p.Batches) == 0 {
		return fmt.Errorf("plan has no batches")
	}

	steps := map[string]PlanStep{}
	for _, b := range p.Batches {
		if len(b.Steps) == 0 {
			return fmt.Errorf("batch %d has no steps", b.BatchNumber)
		}
		for _, s := range b.Steps {
			if s.ID == "" {
				return fmt.Errorf("batch %d contains a step without an id", b.BatchNumber)
			}
			if _, dup := steps[s.ID]; dup {
				return fmt.Errorf("duplicate step id %q", s.ID)
			}
			steps[s.ID] = s
		}
	}

	for id, s := range steps {
		for _, dep := range s.DependsOn {
			if _, ok := steps[dep]; !ok {
				return fmt.Errorf("step %q depends on unknown step %q", id, dep)
			}
		}
	}

	return checkAcyclic(steps)
}

// checkAcyclic runs a three-color DFS over the dependency edges
func checkAcyclic(steps map[string]PlanStep) error {
	const (
		white = 0
		gray  = 1
		black = 2
	)

	color := make(map[string]int, len(steps))

	var visit func(id string, path []string) error
	visit = func(id string, path []string) error {
		switch color[id] {
		case gray:
			return fmt.Errorf("dependency cycle through step %q (path %v)", id, append(path, id))
		case black:
			return nil
		}

		color[id] = gray
		for _, dep := range steps[id].DependsOn {
			if err := visit(dep, append(path, id)); err != nil {
				return err
			}
		}
		color[id] = black
		return nil
	}

	for id := range steps {
		if color[id] == white {
			if err := visit(id, nil); err != nil {
				return err
			}
		}
	}
	return nil
}
