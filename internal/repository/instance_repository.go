package repository

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/pesio-ai/be-hr-approvals/internal/database"
	"github.com/pesio-ai/be-hr-approvals/internal/errors"
	"github.com/pesio-ai/be-hr-approvals/internal/workflow"
)

// activeSubjectIndex enforces one non-terminal instance per (kind, subject_id).
const activeSubjectIndex = "workflow_instances_active_subject_uq"

const instanceColumns = `
	id, kind, subject_id, current_stage, terminal,
	created_by, created_at, updated_at, version`

// InstanceRepository reads and writes workflow_instances.
type InstanceRepository struct {
	q database.Querier
}

// NewInstanceRepository creates a new InstanceRepository.
func NewInstanceRepository(q database.Querier) *InstanceRepository {
	return &InstanceRepository{q: q}
}

// WithTx returns a repository bound to tx.
func (r *InstanceRepository) WithTx(tx pgx.Tx) *InstanceRepository {
	return &InstanceRepository{q: tx}
}

// Create inserts a new instance. A second active instance for the same
// subject fails with DuplicateActiveInstance.
func (r *InstanceRepository) Create(ctx context.Context, inst *Instance) error {
	query := `
		INSERT INTO workflow_instances
		    (kind, subject_id, current_stage, terminal, created_by)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id, created_at, updated_at, version
	`

	err := r.q.QueryRow(ctx, query,
		string(inst.Kind),
		inst.SubjectID,
		string(inst.CurrentStage),
		inst.Terminal,
		inst.CreatedBy,
	).Scan(&inst.ID, &inst.CreatedAt, &inst.UpdatedAt, &inst.Version)
	if database.IsUniqueViolation(err, activeSubjectIndex) {
		return errors.Newf(errors.ErrCodeDuplicateActiveInstance,
			"an active %s workflow already exists for subject %s", inst.Kind, inst.SubjectID)
	}
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to create workflow instance")
	}
	return nil
}

// GetByID retrieves an instance by primary key.
func (r *InstanceRepository) GetByID(ctx context.Context, id string) (*Instance, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, instanceNotFound(id)
	}

	query := `SELECT ` + instanceColumns + ` FROM workflow_instances WHERE id = $1`

	inst, err := scanInstance(r.q.QueryRow(ctx, query, id))
	if err == pgx.ErrNoRows {
		return nil, instanceNotFound(id)
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to get workflow instance")
	}
	return inst, nil
}

// GetActiveBySubject returns the non-terminal instance for a subject, or nil.
func (r *InstanceRepository) GetActiveBySubject(ctx context.Context, kind workflow.Kind, subjectID string) (*Instance, error) {
	query := `SELECT ` + instanceColumns + `
		FROM workflow_instances
		WHERE kind = $1 AND subject_id = $2 AND NOT terminal`

	inst, err := scanInstance(r.q.QueryRow(ctx, query, string(kind), subjectID))
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to get active workflow instance")
	}
	return inst, nil
}

// UpdateStage moves an instance to stage when its version still equals
// expectedVersion. A lost race returns StaleInstanceState.
func (r *InstanceRepository) UpdateStage(ctx context.Context, id string, expectedVersion int, stage workflow.Stage, terminal bool) error {
	query := `
		UPDATE workflow_instances
		SET current_stage = $3,
		    terminal      = $4,
		    version       = version + 1,
		    updated_at    = NOW()
		WHERE id = $1 AND version = $2
		RETURNING id
	`

	var returnedID string
	err := r.q.QueryRow(ctx, query, id, expectedVersion, string(stage), terminal).Scan(&returnedID)
	if err == pgx.ErrNoRows {
		return errors.Newf(errors.ErrCodeStaleInstanceState,
			"workflow instance %s changed since it was read", id)
	}
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to update workflow stage")
	}
	return nil
}

// ListAwaiting returns non-terminal instances sitting in any of refs,
// oldest first.
func (r *InstanceRepository) ListAwaiting(ctx context.Context, refs []workflow.StageRef) ([]*Instance, error) {
	if len(refs) == 0 {
		return nil, nil
	}

	kinds := make([]string, len(refs))
	stages := make([]string, len(refs))
	for i, ref := range refs {
		kinds[i] = string(ref.Kind)
		stages[i] = string(ref.Stage)
	}

	query := `SELECT ` + instanceColumns + `
		FROM workflow_instances
		WHERE NOT terminal
		  AND (kind, current_stage) IN (
		      SELECT k, s FROM unnest($1::text[], $2::text[]) AS t(k, s)
		  )
		ORDER BY created_at ASC, id ASC`

	rows, err := r.q.Query(ctx, query, kinds, stages)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to list awaiting instances")
	}
	defer rows.Close()

	var out []*Instance
	for rows.Next() {
		inst, err := scanInstance(rows)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan workflow instance")
		}
		out = append(out, inst)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to list awaiting instances")
	}
	return out, nil
}

// ── scan helpers ──────────────────────────────────────────────────────────────

type rowScanner interface {
	Scan(dest ...any) error
}

func scanInstance(row rowScanner) (*Instance, error) {
	inst := &Instance{}
	var kind, stage string
	err := row.Scan(
		&inst.ID,
		&kind,
		&inst.SubjectID,
		&stage,
		&inst.Terminal,
		&inst.CreatedBy,
		&inst.CreatedAt,
		&inst.UpdatedAt,
		&inst.Version,
	)
	if err != nil {
		return nil, err
	}
	inst.Kind = workflow.Kind(kind)
	inst.CurrentStage = workflow.Stage(stage)
	return inst, nil
}

func instanceNotFound(id string) error {
	return errors.Newf(errors.ErrCodeInstanceNotFound, "workflow instance not found: %s", id)
}
