package agents

import (
	"context"
	"fmt"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/forgeline/overseer/common/driver"
	"github.com/forgeline/overseer/common/logger"
	"github.com/forgeline/overseer/common/state"
)

// Reviewer personas. The competitive set runs in parallel; General covers
// the single-persona mode.
const (
	PersonaGeneral     = "General"
	PersonaSecurity    = "Security"
	PersonaPerformance = "Performance"
	PersonaUsability   = "Usability"
	PersonaCompetitive = "competitive"
)

// competitivePersonas is the fixed aggregation order.
var competitivePersonas = []string{PersonaSecurity, PersonaPerformance, PersonaUsability}

// reviewVerdict is the schema each persona fills.
type reviewVerdict struct {
	Approved bool     `json:"approved"`
	Comments []string `json:"comments,omitempty"`
	Severity string   `json:"severity" validate:"omitempty,oneof=low medium high critical"`
}

// Reviewer judges a diff. Driver sessions are exclusive, so competitive
// mode draws a fresh session per persona from NewSession.
type Reviewer struct {
	Driver      driver.Driver
	NewSession  func() (driver.Driver, error)
	Prompts     Prompts
	Competitive bool
	Log         *logger.Logger
}

// Review runs the configured persona set against the diff and returns the
// aggregated verdict. An empty diff approves without a driver call.
func (r *Reviewer) Review(ctx context.Context, diff string, emit Emitter) (*state.ReviewResult, error) {
	if strings.TrimSpace(diff) == "" {
		r.Log.Info("empty diff, auto-approving review")
		return &state.ReviewResult{
			ReviewerPersona: PersonaGeneral,
			Approved:        true,
			Severity:        state.SeverityLow,
		}, nil
	}

	if !r.Competitive {
		verdict, err := r.runPersona(ctx, r.Driver, PersonaGeneral, diff)
		if err != nil {
			return nil, err
		}
		emitReviewOutput(emit, *verdict)
		return verdict, nil
	}

	results := make([]state.ReviewResult, len(competitivePersonas))
	g, gctx := errgroup.WithContext(ctx)
	for i, persona := range competitivePersonas {
		g.Go(func() error {
			session, err := r.NewSession()
			if err != nil {
				return fmt.Errorf("session for %s persona: %w", persona, err)
			}
			verdict, err := r.runPersona(gctx, session, persona, diff)
			if err != nil {
				return err
			}
			results[i] = *verdict
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	aggregated := AggregateReviews(results)
	emitReviewOutput(emit, aggregated)
	return &aggregated, nil
}

// runPersona asks one persona for a verdict on the diff.
func (r *Reviewer) runPersona(ctx context.Context, drv driver.Driver, persona, diff string) (*state.ReviewResult, error) {
	system := r.Prompts.Get(PromptReviewerSystem)
	if focus, ok := reviewerPersonaPrompts[persona]; ok {
		system += "\n\n" + focus
	}

	var verdict reviewVerdict
	_, err := drv.Generate(ctx, driver.GenerateRequest{
		Prompt:       "Review this diff:\n\n" + diff,
		SystemPrompt: system,
		Schema:       &verdict,
	})
	if err != nil {
		return nil, fmt.Errorf("%s review: %w", persona, err)
	}

	severity := state.Severity(verdict.Severity)
	if severity == "" {
		severity = state.SeverityLow
	}
	return &state.ReviewResult{
		ReviewerPersona: persona,
		Approved:        verdict.Approved,
		Comments:        verdict.Comments,
		Severity:        severity,
	}, nil
}

// AggregateReviews combines persona verdicts: approval is the AND, severity
// the max, and every comment is prefixed with its persona, in persona order.
func AggregateReviews(results []state.ReviewResult) state.ReviewResult {
	out := state.ReviewResult{
		ReviewerPersona: PersonaCompetitive,
		Approved:        true,
		Severity:        state.SeverityLow,
	}
	for _, res := range results {
		out.Approved = out.Approved && res.Approved
		out.Severity = state.MaxSeverity(out.Severity, res.Severity)
		for _, c := range res.Comments {
			out.Comments = append(out.Comments, fmt.Sprintf("[%s] %s", res.ReviewerPersona, c))
		}
	}
	return out
}

func emitReviewOutput(emit Emitter, review state.ReviewResult) {
	verdict := "approved"
	if !review.Approved {
		verdict = "rejected"
	}
	emit(state.WorkflowEvent{
		Agent:     NameReviewer,
		EventType: state.EventAgentOutput,
		Message:   fmt.Sprintf("review %s (severity %s, %d comments)", verdict, review.Severity, len(review.Comments)),
	})
}
