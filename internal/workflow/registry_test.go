package workflow

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pesio-ai/be-hr-approvals/internal/errors"
)

func TestLookupUnknownKind(t *testing.T) {
	_, err := Default.Lookup(Kind("vacation_home"))
	require.Error(t, err)
	assert.Equal(t, errors.ErrCodeUnknownWorkflowKind, errors.CodeOf(err))

	_, err = Default.Next(Kind("vacation_home"), StagePending, OutcomeApproved)
	assert.Equal(t, errors.ErrCodeUnknownWorkflowKind, errors.CodeOf(err))
}

func TestPayrollStageList(t *testing.T) {
	def, err := Default.Lookup(KindPayrollBatch)
	require.NoError(t, err)

	assert.Equal(t, StageDraft, def.Initial())
	assert.Equal(t, []Stage{
		StageDraft, StagePendingFinance, StagePendingCEO,
		StageApproved, StageProcessed, StageRejected, StageCancelled,
	}, def.StageList())
	assert.Equal(t, []Stage{StageApproved, StageCancelled, StageProcessed, StageRejected}, def.TerminalStages())
}

func TestRequiredRole(t *testing.T) {
	tests := []struct {
		kind  Kind
		stage Stage
		want  Role
	}{
		{KindPayrollBatch, StageDraft, RoleHRManager},
		{KindPayrollBatch, StagePendingFinance, RoleFinanceManager},
		{KindPayrollBatch, StagePendingCEO, RoleCEO},
		{KindLeave, StagePending, RoleSupervisor},
		{KindTravel, StagePending, RoleSupervisor},
		{KindTimesheet, StagePending, RoleSupervisor},
		{KindExpense, StagePending, RoleFinanceManager},
		{KindPerformance, StagePending, RoleHRManager},
	}

	for _, tt := range tests {
		t.Run(string(tt.kind)+"/"+string(tt.stage), func(t *testing.T) {
			got, err := Default.RequiredRole(tt.kind, tt.stage)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	_, err := Default.RequiredRole(KindPayrollBatch, StageApproved)
	assert.Equal(t, errors.ErrCodeInvalidTransition, errors.CodeOf(err))
}

func TestAuthorizesAdminOnlyAtCEOStage(t *testing.T) {
	assert.True(t, Default.Authorizes(KindPayrollBatch, StagePendingCEO, RoleCEO))
	assert.True(t, Default.Authorizes(KindPayrollBatch, StagePendingCEO, RoleAdmin))
	assert.False(t, Default.Authorizes(KindPayrollBatch, StagePendingFinance, RoleAdmin))
	assert.False(t, Default.Authorizes(KindPayrollBatch, StagePendingCEO, RoleHRManager))
	assert.False(t, Default.Authorizes(KindPayrollBatch, StageApproved, RoleCEO))
}

func TestNextPayroll(t *testing.T) {
	tests := []struct {
		name    string
		stage   Stage
		outcome Outcome
		want    Stage
		code    errors.Code
	}{
		{name: "submit draft", stage: StageDraft, outcome: OutcomeApproved, want: StagePendingFinance},
		{name: "draft cannot be rejected", stage: StageDraft, outcome: OutcomeRejected, code: errors.ErrCodeInvalidTransition},
		{name: "draft cancel", stage: StageDraft, outcome: OutcomeCancelled, want: StageCancelled},
		{name: "finance approves", stage: StagePendingFinance, outcome: OutcomeApproved, want: StagePendingCEO},
		{name: "finance rejects", stage: StagePendingFinance, outcome: OutcomeRejected, want: StageRejected},
		{name: "finance stage not cancellable", stage: StagePendingFinance, outcome: OutcomeCancelled, code: errors.ErrCodeInvalidTransition},
		{name: "ceo approves", stage: StagePendingCEO, outcome: OutcomeApproved, want: StageApproved},
		{name: "ceo rejects", stage: StagePendingCEO, outcome: OutcomeRejected, want: StageRejected},
		{name: "dispatcher completes", stage: StageApproved, outcome: OutcomeProcessed, want: StageProcessed},
		{name: "approved is terminal", stage: StageApproved, outcome: OutcomeApproved, code: errors.ErrCodeInvalidTransition},
		{name: "unknown stage", stage: StagePending, outcome: OutcomeApproved, code: errors.ErrCodeInvalidTransition},
		{name: "unknown outcome", stage: StageDraft, outcome: Outcome("maybe"), code: errors.ErrCodeInvalidInput},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Default.Next(KindPayrollBatch, tt.stage, tt.outcome)
			if tt.code != "" {
				require.Error(t, err)
				assert.Equal(t, tt.code, errors.CodeOf(err))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestStagesAwaiting(t *testing.T) {
	assert.Equal(t, []StageRef{{Kind: KindPayrollBatch, Stage: StagePendingFinance}, {Kind: KindExpense, Stage: StagePending}},
		Default.StagesAwaiting(RoleFinanceManager))
	assert.Equal(t, []StageRef{{Kind: KindPayrollBatch, Stage: StagePendingCEO}},
		Default.StagesAwaiting(RoleAdmin))
	assert.Equal(t, []StageRef{{Kind: KindPayrollBatch, Stage: StagePendingFinance}},
		Default.StagesAwaiting(RoleFinanceManager, KindPayrollBatch))
	assert.Empty(t, Default.StagesAwaiting(RoleEmployee))
}

func TestReplayStaysInsideStageList(t *testing.T) {
	sequences := [][]Outcome{
		{},
		{OutcomeApproved},
		{OutcomeApproved, OutcomeApproved},
		{OutcomeApproved, OutcomeApproved, OutcomeApproved},
		{OutcomeApproved, OutcomeApproved, OutcomeApproved, OutcomeProcessed},
		{OutcomeApproved, OutcomeRejected},
		{OutcomeApproved, OutcomeApproved, OutcomeRejected},
		{OutcomeCancelled},
	}

	def, err := Default.Lookup(KindPayrollBatch)
	require.NoError(t, err)

	for _, seq := range sequences {
		stage, err := Default.Replay(KindPayrollBatch, seq)
		require.NoError(t, err)
		assert.True(t, def.Contains(stage), "stage %s outside stage list", stage)
	}

	stage, err := Default.Replay(KindPayrollBatch, []Outcome{OutcomeApproved, OutcomeApproved, OutcomeApproved, OutcomeProcessed})
	require.NoError(t, err)
	assert.Equal(t, StageProcessed, stage)

	_, err = Default.Replay(KindPayrollBatch, []Outcome{OutcomeRejected})
	assert.Error(t, err)
}

func TestEveryDefinitionIsClosed(t *testing.T) {
	for _, def := range Default.Definitions() {
		def := def
		t.Run(string(def.Kind), func(t *testing.T) {
			for _, sd := range def.Stages {
				for _, next := range []Stage{sd.OnApprove, sd.OnReject, sd.OnCancel, sd.OnProcessed} {
					if next != "" {
						assert.True(t, def.Contains(next), "%s -> %s leaves the stage list", sd.Stage, next)
					}
				}
				if sd.Terminal {
					assert.Empty(t, sd.Roles, "terminal stage %s must not have approvers", sd.Stage)
				} else if sd.Stage != StageDraft || def.Kind != KindPayrollBatch {
					assert.NotEmpty(t, sd.OnReject, "%s must accept a rejection", sd.Stage)
				}
			}
		})
	}
}
