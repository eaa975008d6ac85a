package repository

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/pesio-ai/be-hr-approvals/internal/database"
	"github.com/pesio-ai/be-hr-approvals/internal/errors"
)

const jobColumns = `
	id, instance_id, job_type, dedup_key, payload,
	status, attempts, next_attempt_at, locked_until,
	last_error, created_at, dispatched_at`

// DispatchRepository is the durable outbox consumed by the dispatcher, plus
// the artifact records that make generation idempotent.
type DispatchRepository struct {
	q database.Querier
}

// NewDispatchRepository creates a new DispatchRepository.
func NewDispatchRepository(q database.Querier) *DispatchRepository {
	return &DispatchRepository{q: q}
}

// WithTx returns a repository bound to tx.
func (r *DispatchRepository) WithTx(tx pgx.Tx) *DispatchRepository {
	return &DispatchRepository{q: tx}
}

// Enqueue inserts a job unless one with the same (instance, type, dedup key)
// exists. Returns false when the job was already known.
func (r *DispatchRepository) Enqueue(ctx context.Context, job *DispatchJob) (bool, error) {
	payload := job.Payload
	if len(payload) == 0 {
		payload = []byte("{}")
	}

	query := `
		INSERT INTO workflow_dispatch_jobs
		    (instance_id, job_type, dedup_key, payload, status, next_attempt_at)
		VALUES ($1, $2, $3, $4, 'pending', NOW())
		ON CONFLICT (instance_id, job_type, dedup_key) DO NOTHING
		RETURNING id, status, next_attempt_at, created_at
	`

	var status string
	err := r.q.QueryRow(ctx, query,
		job.InstanceID,
		string(job.JobType),
		job.DedupKey,
		payload,
	).Scan(&job.ID, &status, &job.NextAttemptAt, &job.CreatedAt)
	if err == pgx.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, errors.Wrap(err, errors.ErrCodeInternal, "failed to enqueue dispatch job")
	}
	job.Status = JobStatus(status)
	return true, nil
}

// Claim leases up to limit due jobs. Jobs whose lease expired are
// reclaimable, so a crashed worker's jobs are picked up again.
func (r *DispatchRepository) Claim(ctx context.Context, now time.Time, limit int, lease time.Duration) ([]*DispatchJob, error) {
	query := `
		UPDATE workflow_dispatch_jobs j
		SET status       = 'running',
		    locked_until = $2,
		    attempts     = j.attempts + 1
		FROM (
		    SELECT id
		    FROM workflow_dispatch_jobs
		    WHERE dispatched_at IS NULL
		      AND ((status = 'pending' AND next_attempt_at <= $1)
		        OR (status = 'running' AND locked_until < $1))
		    ORDER BY next_attempt_at ASC, created_at ASC
		    LIMIT $3
		    FOR UPDATE SKIP LOCKED
		) due
		WHERE j.id = due.id
		RETURNING j.id, j.instance_id, j.job_type, j.dedup_key, j.payload,
		          j.status, j.attempts, j.next_attempt_at, j.locked_until,
		          j.last_error, j.created_at, j.dispatched_at
	`

	rows, err := r.q.Query(ctx, query, now, now.Add(lease), limit)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to claim dispatch jobs")
	}
	defer rows.Close()

	return scanJobs(rows)
}

// Complete sets the dispatched marker.
func (r *DispatchRepository) Complete(ctx context.Context, id string) error {
	query := `
		UPDATE workflow_dispatch_jobs
		SET status        = 'done',
		    dispatched_at = NOW(),
		    locked_until  = NULL,
		    last_error    = NULL
		WHERE id = $1
	`
	_, err := r.q.Exec(ctx, query, id)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to complete dispatch job")
	}
	return nil
}

// Retry releases a job for another attempt at nextAttempt.
func (r *DispatchRepository) Retry(ctx context.Context, id string, nextAttempt time.Time, lastErr string) error {
	query := `
		UPDATE workflow_dispatch_jobs
		SET status          = 'pending',
		    next_attempt_at = $2,
		    locked_until    = NULL,
		    last_error      = $3
		WHERE id = $1 AND dispatched_at IS NULL
	`
	_, err := r.q.Exec(ctx, query, id, nextAttempt, lastErr)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to reschedule dispatch job")
	}
	return nil
}

// Fail parks a job after its final attempt.
func (r *DispatchRepository) Fail(ctx context.Context, id, lastErr string) error {
	query := `
		UPDATE workflow_dispatch_jobs
		SET status       = 'failed',
		    locked_until = NULL,
		    last_error   = $2
		WHERE id = $1 AND dispatched_at IS NULL
	`
	_, err := r.q.Exec(ctx, query, id, lastErr)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to mark dispatch job failed")
	}
	return nil
}

// JobsFor lists every job of an instance, oldest first.
func (r *DispatchRepository) JobsFor(ctx context.Context, instanceID string) ([]*DispatchJob, error) {
	if _, err := uuid.Parse(instanceID); err != nil {
		return nil, nil
	}

	query := `SELECT ` + jobColumns + `
		FROM workflow_dispatch_jobs
		WHERE instance_id = $1
		ORDER BY created_at ASC`

	rows, err := r.q.Query(ctx, query, instanceID)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to list dispatch jobs")
	}
	defer rows.Close()

	return scanJobs(rows)
}

// RecordArtifact stores an artifact; a second record for the same target
// is ignored.
func (r *DispatchRepository) RecordArtifact(ctx context.Context, a *Artifact) error {
	query := `
		INSERT INTO workflow_artifacts (instance_id, target_id, reference)
		VALUES ($1, $2, $3)
		ON CONFLICT (instance_id, target_id) DO NOTHING
	`
	_, err := r.q.Exec(ctx, query, a.InstanceID, a.TargetID, a.Reference)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to record artifact")
	}
	return nil
}

// Artifacts lists the artifacts of an instance.
func (r *DispatchRepository) Artifacts(ctx context.Context, instanceID string) ([]*Artifact, error) {
	query := `
		SELECT instance_id, target_id, reference, created_at
		FROM workflow_artifacts
		WHERE instance_id = $1
		ORDER BY created_at ASC, target_id ASC
	`

	rows, err := r.q.Query(ctx, query, instanceID)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to list artifacts")
	}
	defer rows.Close()

	var out []*Artifact
	for rows.Next() {
		a := &Artifact{}
		if err := rows.Scan(&a.InstanceID, &a.TargetID, &a.Reference, &a.CreatedAt); err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan artifact")
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to list artifacts")
	}
	return out, nil
}

func scanJobs(rows pgx.Rows) ([]*DispatchJob, error) {
	var out []*DispatchJob
	for rows.Next() {
		j := &DispatchJob{}
		var jobType, status string
		var payload []byte
		err := rows.Scan(
			&j.ID,
			&j.InstanceID,
			&jobType,
			&j.DedupKey,
			&payload,
			&status,
			&j.Attempts,
			&j.NextAttemptAt,
			&j.LockedUntil,
			&j.LastError,
			&j.CreatedAt,
			&j.DispatchedAt,
		)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan dispatch job")
		}
		j.JobType = JobType(jobType)
		j.Status = JobStatus(status)
		j.Payload = payload
		out = append(out, j)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to read dispatch jobs")
	}
	return out, nil
}
