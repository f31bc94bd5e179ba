package agents

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/forgeline/overseer/common/driver"
	"github.com/forgeline/overseer/common/state"
)

// PlanExtraction is the schema the validator asks the driver to fill.
type PlanExtraction struct {
	Goal         string   `json:"goal" validate:"required"`
	PlanMarkdown string   `json:"planMarkdown"`
	KeyFiles     []string `json:"keyFiles,omitempty"`
}

// ValidatePlan reads the plan file the architect wrote, extracts its goal
// and key files through a schema-constrained driver call, and returns the
// update populating goal, planMarkdown, and keyFiles. A missing or empty
// plan file is an eager error. The schema-extracted goal wins; the regex
// heuristic covers drivers that return a sparse extraction.
func ValidatePlan(ctx context.Context, drv driver.Driver, prompts Prompts, st state.WorkflowState, profile state.Profile) (state.Update, error) {
	if st.PlanPath == "" {
		return nil, fmt.Errorf("no plan path recorded for workflow %s", st.WorkflowID)
	}

	path := st.PlanPath
	if !filepath.IsAbs(path) {
		path = filepath.Join(workingDir(st, profile), path)
	}
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("plan file missing at %s: %w", st.PlanPath, err)
	}
	body := string(content)
	if strings.TrimSpace(body) == "" {
		return nil, fmt.Errorf("plan file %s is empty", st.PlanPath)
	}

	var extraction PlanExtraction
	_, err = drv.Generate(ctx, driver.GenerateRequest{
		Prompt:    prompts.Get(PromptPlanExtraction) + "\n\n" + body,
		SessionID: st.DriverSessionID,
		Schema:    &extraction,
	})
	if err != nil {
		// The schema call is an extraction aid; a regex goal still lets the
		// workflow proceed when the driver call fails to parse.
		if goal := ExtractGoal(body); goal != "" {
			extraction = PlanExtraction{Goal: goal}
		} else {
			return nil, fmt.Errorf("plan extraction: %w", err)
		}
	}

	goal := strings.TrimSpace(extraction.Goal)
	if goal == "" {
		goal = ExtractGoal(body)
	}
	if goal == "" {
		return nil, fmt.Errorf("plan %s has no extractable goal", st.PlanPath)
	}

	planMarkdown := extraction.PlanMarkdown
	if strings.TrimSpace(planMarkdown) == "" {
		planMarkdown = body
	}

	update := state.Update{
		"goal":         goal,
		"planMarkdown": planMarkdown,
	}
	if len(extraction.KeyFiles) > 0 {
		update["keyFiles"] = extraction.KeyFiles
	}
	return update, nil
}
