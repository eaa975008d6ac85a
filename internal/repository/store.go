package repository

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/pesio-ai/be-hr-approvals/internal/database"
	"github.com/pesio-ai/be-hr-approvals/internal/workflow"
)

// Store is the Postgres-backed persistence of the approval engine. Writes
// that span tables run in one transaction.
type Store struct {
	db        *database.DB
	instances *InstanceRepository
	decisions *DecisionRepository
	dispatch  *DispatchRepository
}

// NewStore creates a Store over db.
func NewStore(db *database.DB) *Store {
	return &Store{
		db:        db,
		instances: NewInstanceRepository(db),
		decisions: NewDecisionRepository(db),
		dispatch:  NewDispatchRepository(db),
	}
}

// CreateInstance inserts inst and its initial jobs together.
func (s *Store) CreateInstance(ctx context.Context, inst *Instance, jobs []*DispatchJob) error {
	return s.db.InTransaction(ctx, func(tx pgx.Tx) error {
		if err := s.instances.WithTx(tx).Create(ctx, inst); err != nil {
			return err
		}
		return s.enqueueAll(ctx, s.dispatch.WithTx(tx), inst.ID, jobs)
	})
}

// GetInstance returns the instance or InstanceNotFound.
func (s *Store) GetInstance(ctx context.Context, id string) (*Instance, error) {
	return s.instances.GetByID(ctx, id)
}

// ActiveForSubject returns the non-terminal instance of a subject, or nil.
func (s *Store) ActiveForSubject(ctx context.Context, kind workflow.Kind, subjectID string) (*Instance, error) {
	return s.instances.GetActiveBySubject(ctx, kind, subjectID)
}

// ApplyTransition appends the decision, moves the instance and enqueues the
// jobs atomically. A concurrent writer makes it fail with StaleInstanceState
// and nothing is written.
func (s *Store) ApplyTransition(ctx context.Context, tr *Transition) error {
	return s.db.InTransaction(ctx, func(tx pgx.Tx) error {
		if err := s.instances.WithTx(tx).UpdateStage(ctx, tr.InstanceID, tr.ExpectedVersion, tr.NextStage, tr.Terminal); err != nil {
			return err
		}
		if tr.Decision != nil {
			tr.Decision.InstanceID = tr.InstanceID
			if err := s.decisions.WithTx(tx).Append(ctx, tr.Decision); err != nil {
				return err
			}
		}
		return s.enqueueAll(ctx, s.dispatch.WithTx(tx), tr.InstanceID, tr.Jobs)
	})
}

// History returns the ledger of an instance.
func (s *Store) History(ctx context.Context, instanceID string) ([]*Decision, error) {
	return s.decisions.HistoryOf(ctx, instanceID)
}

// ListAwaiting returns non-terminal instances in any of refs, oldest first.
func (s *Store) ListAwaiting(ctx context.Context, refs []workflow.StageRef) ([]*Instance, error) {
	return s.instances.ListAwaiting(ctx, refs)
}

// EnqueueJob adds a job outside a transition, deduplicated by key.
func (s *Store) EnqueueJob(ctx context.Context, job *DispatchJob) (bool, error) {
	return s.dispatch.Enqueue(ctx, job)
}

// ClaimJobs leases due jobs.
func (s *Store) ClaimJobs(ctx context.Context, now time.Time, limit int, lease time.Duration) ([]*DispatchJob, error) {
	return s.dispatch.Claim(ctx, now, limit, lease)
}

// CompleteJob sets the dispatched marker of a job.
func (s *Store) CompleteJob(ctx context.Context, id string) error {
	return s.dispatch.Complete(ctx, id)
}

// RetryJob schedules another attempt.
func (s *Store) RetryJob(ctx context.Context, id string, nextAttempt time.Time, lastErr string) error {
	return s.dispatch.Retry(ctx, id, nextAttempt, lastErr)
}

// FailJob parks a job permanently.
func (s *Store) FailJob(ctx context.Context, id, lastErr string) error {
	return s.dispatch.Fail(ctx, id, lastErr)
}

// JobsFor lists the jobs of an instance.
func (s *Store) JobsFor(ctx context.Context, instanceID string) ([]*DispatchJob, error) {
	return s.dispatch.JobsFor(ctx, instanceID)
}

// RecordArtifact stores an artifact idempotently.
func (s *Store) RecordArtifact(ctx context.Context, a *Artifact) error {
	return s.dispatch.RecordArtifact(ctx, a)
}

// Artifacts lists the artifacts of an instance.
func (s *Store) Artifacts(ctx context.Context, instanceID string) ([]*Artifact, error) {
	return s.dispatch.Artifacts(ctx, instanceID)
}

func (s *Store) enqueueAll(ctx context.Context, repo *DispatchRepository, instanceID string, jobs []*DispatchJob) error {
	for _, job := range jobs {
		job.InstanceID = instanceID
		if _, err := repo.Enqueue(ctx, job); err != nil {
			return err
		}
	}
	return nil
}
