package service

import (
	"context"
	"time"

	"github.com/pesio-ai/be-hr-approvals/internal/repository"
	"github.com/pesio-ai/be-hr-approvals/internal/workflow"
)

// ── Persistence ports (implemented by repository.Store and memory.Store) ─────

// WorkflowStore persists instances and the decision ledger.
type WorkflowStore interface {
	CreateInstance(ctx context.Context, inst *repository.Instance, jobs []*repository.DispatchJob) error
	GetInstance(ctx context.Context, id string) (*repository.Instance, error)
	ActiveForSubject(ctx context.Context, kind workflow.Kind, subjectID string) (*repository.Instance, error)
	ApplyTransition(ctx context.Context, tr *repository.Transition) error
	History(ctx context.Context, instanceID string) ([]*repository.Decision, error)
	ListAwaiting(ctx context.Context, refs []workflow.StageRef) ([]*repository.Instance, error)
}

// DispatchStore is the outbox and artifact log consumed by the dispatcher.
type DispatchStore interface {
	GetInstance(ctx context.Context, id string) (*repository.Instance, error)
	ApplyTransition(ctx context.Context, tr *repository.Transition) error
	EnqueueJob(ctx context.Context, job *repository.DispatchJob) (bool, error)
	ClaimJobs(ctx context.Context, now time.Time, limit int, lease time.Duration) ([]*repository.DispatchJob, error)
	CompleteJob(ctx context.Context, id string) error
	RetryJob(ctx context.Context, id string, nextAttempt time.Time, lastErr string) error
	FailJob(ctx context.Context, id, lastErr string) error
	JobsFor(ctx context.Context, instanceID string) ([]*repository.DispatchJob, error)
	RecordArtifact(ctx context.Context, a *repository.Artifact) error
	Artifacts(ctx context.Context, instanceID string) ([]*repository.Artifact, error)
}

// ── Collaborator ports (implemented in internal/client) ──────────────────────

// SubjectSummary carries display fields of a subject entity, e.g. a batch
// total or an employee name.
type SubjectSummary map[string]any

// SubjectProvider is implemented by the module owning a kind's subjects.
type SubjectProvider interface {
	// Summary returns display fields for the pending queue.
	Summary(ctx context.Context, subjectID string) (SubjectSummary, error)
	// ArtifactTargets lists the items needing an artifact once approved,
	// e.g. the employees of a payroll batch.
	ArtifactTargets(ctx context.Context, subjectID string) ([]string, error)
}

// SubjectProviders maps each kind to its provider. Kinds without a provider
// get no enrichment.
type SubjectProviders map[workflow.Kind]SubjectProvider

// SubjectHooks lets the owning module react to lifecycle changes, e.g. lock
// a payroll batch while it is under approval.
type SubjectHooks interface {
	OnInstanceCreated(ctx context.Context, inst *repository.Instance) error
	OnTerminal(ctx context.Context, inst *repository.Instance) error
}

// ArtifactGenerator renders a downstream document and returns its reference.
type ArtifactGenerator interface {
	Generate(ctx context.Context, kind workflow.Kind, subjectID, targetID string) (string, error)
}

// Notifier delivers an event to a user or role. Delivery guarantees belong
// to the implementation.
type Notifier interface {
	Notify(ctx context.Context, userID string, event Event) error
}

// Event is what the notifier receives.
type Event struct {
	Type          string         `json:"event_type"`
	InstanceID    string         `json:"instance_id"`
	Kind          workflow.Kind  `json:"kind"`
	SubjectID     string         `json:"subject_id"`
	Stage         workflow.Stage `json:"stage"`
	RecipientRole workflow.Role  `json:"recipient_role,omitempty"`
	ActorID       string         `json:"actor_id,omitempty"`
	Comments      string         `json:"comments,omitempty"`
	OccurredAt    time.Time      `json:"occurred_at"`
}

// Notification event types.
const (
	EventApprovalRequired  = "approval_required"
	EventWorkflowApproved  = "workflow_approved"
	EventWorkflowRejected  = "workflow_rejected"
	EventWorkflowCancelled = "workflow_cancelled"
	EventWorkflowProcessed = "workflow_processed"
)

// NopHooks ignores lifecycle callbacks.
type NopHooks struct{}

func (NopHooks) OnInstanceCreated(context.Context, *repository.Instance) error { return nil }
func (NopHooks) OnTerminal(context.Context, *repository.Instance) error        { return nil }
