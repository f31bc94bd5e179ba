package models

// UpdateSettingsRequest replaces the runtime tuning knobs. Values apply to
// new workflows; running ones keep the settings they started with.
type UpdateSettingsRequest struct {
	LogRetentionDays            int  `json:"logRetentionDays" validate:"min=0"`
	LogRetentionMaxEvents       int  `json:"logRetentionMaxEvents" validate:"min=0"`
	MaxConcurrentWorkflows      int  `json:"maxConcurrentWorkflows" validate:"required,min=1"`
	WorkflowStartTimeoutSeconds int  `json:"workflowStartTimeoutSeconds" validate:"required,min=1"`
	DriverTimeoutSeconds        int  `json:"driverTimeoutSeconds" validate:"required,min=1"`
	KeepWorktrees               bool `json:"keepWorktrees"`
}
