package repository

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/pesio-ai/be-hr-approvals/internal/database"
	"github.com/pesio-ai/be-hr-approvals/internal/errors"
	"github.com/pesio-ai/be-hr-approvals/internal/workflow"
)

// DecisionRepository is the decision ledger. The table has an
// update/delete-prevention trigger so Append is the only mutation exposed.
type DecisionRepository struct {
	q database.Querier
}

// NewDecisionRepository creates a new DecisionRepository.
func NewDecisionRepository(q database.Querier) *DecisionRepository {
	return &DecisionRepository{q: q}
}

// WithTx returns a repository bound to tx.
func (r *DecisionRepository) WithTx(tx pgx.Tx) *DecisionRepository {
	return &DecisionRepository{q: tx}
}

// Append inserts one decision and fills in its id and timestamp.
func (r *DecisionRepository) Append(ctx context.Context, d *Decision) error {
	query := `
		INSERT INTO workflow_decisions
		    (instance_id, stage_at_decision,
		     approver_id, approver_role,
		     outcome, comments)
		VALUES ($1, $2,
		        $3, $4,
		        $5, $6)
		RETURNING id, decided_at
	`

	err := r.q.QueryRow(ctx, query,
		d.InstanceID,
		string(d.StageAtDecision),
		d.ApproverID,
		string(d.ApproverRole),
		string(d.Outcome),
		nullIfEmpty(d.Comments),
	).Scan(&d.ID, &d.DecidedAt)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to append decision")
	}
	return nil
}

// HistoryOf returns the ledger for an instance in append order.
func (r *DecisionRepository) HistoryOf(ctx context.Context, instanceID string) ([]*Decision, error) {
	if _, err := uuid.Parse(instanceID); err != nil {
		return nil, nil
	}

	query := `
		SELECT id, instance_id, stage_at_decision,
		       approver_id, approver_role,
		       outcome, comments, decided_at
		FROM workflow_decisions
		WHERE instance_id = $1
		ORDER BY seq ASC
	`

	rows, err := r.q.Query(ctx, query, instanceID)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to get decision history")
	}
	defer rows.Close()

	var out []*Decision
	for rows.Next() {
		d, err := scanDecision(rows)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan decision")
		}
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to get decision history")
	}
	return out, nil
}

func scanDecision(row rowScanner) (*Decision, error) {
	d := &Decision{}
	var stage, role, outcome string
	var comments *string
	err := row.Scan(
		&d.ID,
		&d.InstanceID,
		&stage,
		&d.ApproverID,
		&role,
		&outcome,
		&comments,
		&d.DecidedAt,
	)
	if err != nil {
		return nil, err
	}
	d.StageAtDecision = workflow.Stage(stage)
	d.ApproverRole = workflow.Role(role)
	d.Outcome = workflow.Outcome(outcome)
	if comments != nil {
		d.Comments = *comments
	}
	return d, nil
}

func nullIfEmpty(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
