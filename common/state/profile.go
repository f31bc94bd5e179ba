package state

// TrustLevel controls which batches require human approval
type TrustLevel string

const (
	TrustParanoid   TrustLevel = "paranoid"
	TrustStandard   TrustLevel = "standard"
	TrustAutonomous TrustLevel = "autonomous"
)

// AgentConfig selects the driver and model for one agent slot
type AgentConfig struct {
	Driver string `json:"driver,omitempty"`
	Model  string `json:"model,omitempty"`
}

// Profile is a named configuration bundle a workflow runs under
type Profile struct {
	ID                string                 `json:"id"`
	Tracker           string                 `json:"tracker,omitempty"`
	WorkingDir        string                 `json:"workingDir"`
	PlanOutputDir     string                 `json:"planOutputDir,omitempty"`
	PlanPathPattern   string                 `json:"planPathPattern,omitempty"`
	Agents            map[string]AgentConfig `json:"agents,omitempty"`
	TrustLevel        TrustLevel             `json:"trustLevel,omitempty"`
	BatchCheckpoints  bool                   `json:"batchCheckpoints"`
	CompetitiveReview bool                   `json:"competitiveReview,omitempty"`
	IsActive          bool                   `json:"isActive"`
}

// DefaultPlanPathPattern is used when a profile does not set one
const DefaultPlanPathPattern = "docs/plans/{date}-{issue_key}.md"

// PlanPattern returns the profile's plan path pattern or the default
func (p Profile) PlanPattern() string {
	if p.PlanPathPattern != "" {
		return p.PlanPathPattern
	}
	return DefaultPlanPathPattern
}

// ShouldCheckpoint decides whether a batch pauses for human approval under
// this profile's trust level.
func ShouldCheckpoint(batch ExecutionBatch, p Profile) bool {
	if !p.BatchCheckpoints {
		return false
	}

	switch p.TrustLevel {
	case TrustAutonomous:
		return batch.RiskSummary == RiskHigh
	case TrustParanoid, TrustStandard:
		return true
	default:
		return true
	}
}
