package state

import (
	"strings"
	"testing"
)

func makePlan(steps ...PlanStep) *ExecutionPlan {
	return &ExecutionPlan{
		Goal: "test",
		Batches: []ExecutionBatch{
			{BatchNumber: 1, RiskSummary: RiskLow, Steps: steps},
		},
	}
}

func TestPlanValidate(t *testing.T) {
	tests := []struct {
		name    string
		plan    *ExecutionPlan
		wantErr string
	}{
		{
			name: "valid chain",
			plan: makePlan(
				PlanStep{ID: "a", ActionType: ActionCommand, Command: "echo a"},
				PlanStep{ID: "b", ActionType: ActionCommand, Command: "echo b", DependsOn: []string{"a"}},
				PlanStep{ID: "c", ActionType: ActionCommand, Command: "echo c", DependsOn: []string{"b"}},
			),
		},
		{
			name:    "no batches",
			plan:    &ExecutionPlan{Goal: "empty"},
			wantErr: "no batches",
		},
		{
			name: "empty batch",
			plan: &ExecutionPlan{
				Goal:    "empty",
				Batches: []ExecutionBatch{{BatchNumber: 1}},
			},
			wantErr: "no steps",
		},
		{
			name: "duplicate step id",
			plan: makePlan(
				PlanStep{ID: "a", ActionType: ActionCommand},
				PlanStep{ID: "a", ActionType: ActionCommand},
			),
			wantErr: "duplicate step id",
		},
		{
			name: "dangling dependency",
			plan: makePlan(
				PlanStep{ID: "a", ActionType: ActionCommand, DependsOn: []string{"missing"}},
			),
			wantErr: "unknown step",
		},
		{
			name: "dependency cycle",
			plan: makePlan(
				PlanStep{ID: "a", ActionType: ActionCommand, DependsOn: []string{"c"}},
				PlanStep{ID: "b", ActionType: ActionCommand, DependsOn: []string{"a"}},
				PlanStep{ID: "c", ActionType: ActionCommand, DependsOn: []string{"b"}},
			),
			wantErr: "cycle",
		},
		{
			name: "self cycle",
			plan: makePlan(
				PlanStep{ID: "a", ActionType: ActionCommand, DependsOn: []string{"a"}},
			),
			wantErr: "cycle",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.plan.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("Validate() = %v, want nil", err)
				}
				return
			}
			if err == nil {
				t.Fatalf("Validate() = nil, want error containing %q", tt.wantErr)
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Validate() = %v, want error containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestPlanValidateAcrossBatches(t *testing.T) {
	plan := &ExecutionPlan{
		Goal: "multi-batch",
		Batches: []ExecutionBatch{
			{BatchNumber: 1, Steps: []PlanStep{{ID: "a", ActionType: ActionCommand}}},
			{BatchNumber: 2, Steps: []PlanStep{{ID: "b", ActionType: ActionCommand, DependsOn: []string{"a"}}}},
		},
	}

	if err := plan.Validate(); err != nil {
		t.Fatalf("cross-batch dependency should validate, got %v", err)
	}
}

func TestStepByID(t *testing.T) {
	plan := makePlan(
		PlanStep{ID: "a", Description: "first"},
		PlanStep{ID: "b", Description: "second"},
	)

	step, ok := plan.StepByID("b")
	if !ok || step.Description != "second" {
		t.Errorf("StepByID(b) = %+v, %v", step, ok)
	}

	if _, ok := plan.StepByID("zzz"); ok {
		t.Error("StepByID(zzz) should not be found")
	}
}

func TestMaxSeverity(t *testing.T) {
	tests := []struct {
		a, b, want Severity
	}{
		{SeverityLow, SeverityHigh, SeverityHigh},
		{SeverityHigh, SeverityLow, SeverityHigh},
		{SeverityMedium, SeverityMedium, SeverityMedium},
		{SeverityCritical, SeverityHigh, SeverityCritical},
		{SeverityLow, SeverityLow, SeverityLow},
	}

	for _, tt := range tests {
		if got := MaxSeverity(tt.a, tt.b); got != tt.want {
			t.Errorf("MaxSeverity(%s, %s) = %s, want %s", tt.a, tt.b, got, tt.want)
		}
	}
}
