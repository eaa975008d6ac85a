package repository

import (
	"encoding/json"
	"time"

	"github.com/pesio-ai/be-hr-approvals/internal/workflow"
)

// ── Domain records owned by the approval engine ──────────────────────────────

// Instance is one run of a workflow kind attached to a subject entity.
type Instance struct {
	ID           string         `json:"id"`
	Kind         workflow.Kind  `json:"kind"`
	SubjectID    string         `json:"subject_id"`
	CurrentStage workflow.Stage `json:"current_stage"`
	Terminal     bool           `json:"terminal"`
	CreatedBy    string         `json:"created_by"`
	CreatedAt    time.Time      `json:"created_at"`
	UpdatedAt    time.Time      `json:"updated_at"`
	// Version increments on every stage change and guards concurrent writers.
	Version int `json:"version"`
}

// Clone returns a copy safe to hand to another goroutine.
func (i *Instance) Clone() *Instance {
	c := *i
	return &c
}

// Decision is one immutable ledger entry.
type Decision struct {
	ID              string           `json:"id"`
	InstanceID      string           `json:"workflow_instance_id"`
	StageAtDecision workflow.Stage   `json:"stage_at_decision"`
	ApproverID      string           `json:"approver_id"`
	ApproverRole    workflow.Role    `json:"approver_role"`
	Outcome         workflow.Outcome `json:"outcome"`
	Comments        string           `json:"comments,omitempty"`
	DecidedAt       time.Time        `json:"decided_at"`
}

// JobType selects the dispatcher handler for a job.
type JobType string

const (
	JobGenerateArtifacts JobType = "generate_artifacts"
	JobNotify            JobType = "notify"
)

// JobStatus is the lifecycle of an outbox job.
type JobStatus string

const (
	JobPending JobStatus = "pending"
	JobRunning JobStatus = "running"
	JobDone    JobStatus = "done"
	JobFailed  JobStatus = "failed"
)

// DispatchJob is a durable side-effect request written in the same
// transaction as the stage change that caused it.
type DispatchJob struct {
	ID         string  `json:"id"`
	InstanceID string  `json:"instance_id"`
	JobType    JobType `json:"job_type"`
	// DedupKey identifies the triggering event; (InstanceID, JobType, DedupKey)
	// is unique so re-delivery never creates a second job.
	DedupKey      string          `json:"dedup_key"`
	Payload       json.RawMessage `json:"payload,omitempty"`
	Status        JobStatus       `json:"status"`
	Attempts      int             `json:"attempts"`
	NextAttemptAt time.Time       `json:"next_attempt_at"`
	LockedUntil   *time.Time      `json:"locked_until,omitempty"`
	LastError     *string         `json:"last_error,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
	// DispatchedAt is the "dispatched" marker; once set the job never runs again.
	DispatchedAt *time.Time `json:"dispatched_at,omitempty"`
}

// NotifyPayload is the payload of a JobNotify job.
type NotifyPayload struct {
	EventType     string         `json:"event_type"`
	RecipientID   string         `json:"recipient_id,omitempty"`
	RecipientRole workflow.Role  `json:"recipient_role,omitempty"`
	Stage         workflow.Stage `json:"stage"`
	ActorID       string         `json:"actor_id,omitempty"`
	Comments      string         `json:"comments,omitempty"`
}

// Artifact records one generated downstream document, e.g. a payslip.
type Artifact struct {
	InstanceID string    `json:"instance_id"`
	TargetID   string    `json:"target_id"`
	Reference  string    `json:"reference"`
	CreatedAt  time.Time `json:"created_at"`
}

// Transition is everything the engine writes for one stage change. Stores
// apply it atomically: the decision is appended, the instance moves from
// ExpectedVersion to NextStage, and the jobs are enqueued.
type Transition struct {
	InstanceID      string
	ExpectedVersion int
	NextStage       workflow.Stage
	Terminal        bool
	Decision        *Decision
	Jobs            []*DispatchJob
}
