// Package workflow holds the static registry of approval pipelines: which
// stages each workflow kind passes through, which role decides each stage and
// where an approval or rejection leads. Adding a kind is a change to the
// definitions table, not to the engine.
package workflow

// Kind is the category of business process being approved.
type Kind string

const (
	KindPayrollBatch Kind = "payroll_batch"
	KindLeave        Kind = "leave"
	KindTravel       Kind = "travel"
	KindTimesheet    Kind = "timesheet"
	KindExpense      Kind = "expense"
	KindPerformance  Kind = "performance"
)

// Stage is one position in a kind's approval sequence.
type Stage string

const (
	StageDraft          Stage = "DRAFT"
	StagePendingFinance Stage = "PENDING_FINANCE"
	StagePendingCEO     Stage = "PENDING_CEO"
	StagePending        Stage = "PENDING"
	StageApproved       Stage = "APPROVED"
	StageProcessed      Stage = "PROCESSED"
	StageRejected       Stage = "REJECTED"
	StageCancelled      Stage = "CANCELLED"
)

// Role is presented by the caller; this package never authenticates it.
type Role string

const (
	RoleEmployee       Role = "employee"
	RoleSupervisor     Role = "supervisor"
	RoleHRManager      Role = "hr_manager"
	RoleFinanceManager Role = "finance_manager"
	RoleCEO            Role = "ceo"
	RoleAdmin          Role = "admin"

	// RoleSubmitter and RoleSystem never gate a stage. They only appear on
	// ledger entries for cancellations and dispatcher completions.
	RoleSubmitter Role = "submitter"
	RoleSystem    Role = "system"
)

// Outcome is the result recorded by a ledger entry.
type Outcome string

const (
	OutcomeApproved Outcome = "approved"
	OutcomeRejected Outcome = "rejected"

	// OutcomeCancelled is written by a submitter cancellation.
	OutcomeCancelled Outcome = "cancelled"
	// OutcomeProcessed is written when the dispatcher completes downstream work.
	OutcomeProcessed Outcome = "processed"
)

// Decidable reports whether an approver may submit this outcome.
func (o Outcome) Decidable() bool {
	return o == OutcomeApproved || o == OutcomeRejected
}

// Valid reports whether the outcome is known.
func (o Outcome) Valid() bool {
	switch o {
	case OutcomeApproved, OutcomeRejected, OutcomeCancelled, OutcomeProcessed:
		return true
	}
	return false
}

// ValidRole reports whether r is one of the externally supplied roles.
func ValidRole(r Role) bool {
	switch r {
	case RoleEmployee, RoleSupervisor, RoleHRManager, RoleFinanceManager, RoleCEO, RoleAdmin:
		return true
	}
	return false
}

// StageDef describes one stage of a definition.
type StageDef struct {
	Stage Stage `json:"stage"`
	// Roles authorized to decide the stage; Roles[0] is the required role.
	Roles     []Role `json:"roles,omitempty"`
	OnApprove Stage  `json:"on_approve,omitempty"`
	// OnReject is empty when the stage does not accept a rejection.
	OnReject Stage `json:"on_reject,omitempty"`
	// OnCancel is set on stages the submitter may withdraw from.
	OnCancel Stage `json:"on_cancel,omitempty"`
	// OnProcessed is the stage the dispatcher moves to after downstream work.
	OnProcessed Stage `json:"on_processed,omitempty"`
	Terminal    bool  `json:"terminal"`
	// Approved marks terminal stages that count as a successful outcome.
	Approved bool `json:"approved,omitempty"`
	// ArtifactJob requests artifact generation on entry.
	ArtifactJob bool `json:"artifact_job,omitempty"`
	// Draft stages belong to the submitter's own role, so entering one sends
	// no approval request.
	Draft bool `json:"draft,omitempty"`
}

// Decidable reports whether approvers act at this stage.
func (d StageDef) Decidable() bool {
	return !d.Terminal && len(d.Roles) > 0
}

// Cancellable reports whether the submitter may cancel from this stage.
func (d StageDef) Cancellable() bool {
	return d.OnCancel != ""
}

// Definition is the ordered stage list of one kind.
type Definition struct {
	Kind   Kind       `json:"kind"`
	Stages []StageDef `json:"stages"`
}

// StageRef identifies a stage of a particular kind.
type StageRef struct {
	Kind  Kind  `json:"kind"`
	Stage Stage `json:"stage"`
}
