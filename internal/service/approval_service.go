package service

import (
	"context"
	"strings"

	"github.com/pesio-ai/be-hr-approvals/internal/errors"
	"github.com/pesio-ai/be-hr-approvals/internal/logger"
	"github.com/pesio-ai/be-hr-approvals/internal/metrics"
	"github.com/pesio-ai/be-hr-approvals/internal/repository"
	"github.com/pesio-ai/be-hr-approvals/internal/tracing"
	"github.com/pesio-ai/be-hr-approvals/internal/workflow"
)

// CreateRequest starts a workflow for a subject entity.
type CreateRequest struct {
	Kind      workflow.Kind `json:"kind"`
	SubjectID string        `json:"subject_id"`
	CreatedBy string        `json:"created_by"`
}

// DecisionRequest is one approver's decision on an instance.
type DecisionRequest struct {
	InstanceID   string           `json:"instance_id"`
	ApproverID   string           `json:"approver_id"`
	ApproverRole workflow.Role    `json:"approver_role"`
	Outcome      workflow.Outcome `json:"outcome"`
	Comments     string           `json:"comments,omitempty"`
	// ExpectedStage, when set, is the stage the caller saw. A request made
	// against an outdated view fails instead of deciding a later stage.
	ExpectedStage workflow.Stage `json:"expected_stage,omitempty"`
}

// CancelRequest withdraws an instance on behalf of its submitter.
type CancelRequest struct {
	InstanceID  string `json:"instance_id"`
	RequestedBy string `json:"requested_by"`
	Reason      string `json:"reason,omitempty"`
}

// DecisionResult is the state after a successful transition.
type DecisionResult struct {
	Instance      *repository.Instance `json:"instance"`
	Decision      *repository.Decision `json:"decision"`
	PreviousStage workflow.Stage       `json:"previous_stage"`
}

// ApprovalService is the transition engine. It validates decisions against
// the registry, writes the ledger and stage change atomically and queues the
// side effects a stage entry causes.
type ApprovalService struct {
	registry *workflow.Registry
	store    WorkflowStore
	hooks    SubjectHooks
	metrics  *metrics.Metrics
	log      *logger.Logger
}

// NewApprovalService creates a new ApprovalService. hooks and m may be nil.
func NewApprovalService(
	registry *workflow.Registry,
	store WorkflowStore,
	hooks SubjectHooks,
	m *metrics.Metrics,
	log *logger.Logger,
) *ApprovalService {
	if hooks == nil {
		hooks = NopHooks{}
	}
	return &ApprovalService{
		registry: registry,
		store:    store,
		hooks:    hooks,
		metrics:  m,
		log:      log,
	}
}

// ── Instance lifecycle ───────────────────────────────────────────────────────

// CreateInstance starts a workflow at the kind's initial stage.
func (s *ApprovalService) CreateInstance(ctx context.Context, req *CreateRequest) (inst *repository.Instance, err error) {
	ctx, span := tracing.Start(ctx, "approval.CreateInstance", map[string]string{
		"workflow.kind": string(req.Kind),
		"subject.id":    req.SubjectID,
	})
	defer func() { tracing.End(span, err) }()

	def, err := s.registry.Lookup(req.Kind)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(req.SubjectID) == "" {
		return nil, errors.InvalidInput("subject_id", "subject_id is required")
	}
	if strings.TrimSpace(req.CreatedBy) == "" {
		return nil, errors.InvalidInput("created_by", "created_by is required")
	}

	initial := def.Stages[0]
	inst = &repository.Instance{
		Kind:         req.Kind,
		SubjectID:    req.SubjectID,
		CurrentStage: initial.Stage,
		Terminal:     initial.Terminal,
		CreatedBy:    req.CreatedBy,
	}
	if err := s.store.CreateInstance(ctx, inst, entryJobs(inst, initial, req.CreatedBy, "")); err != nil {
		return nil, err
	}

	s.metrics.ObserveInstanceCreated(string(inst.Kind))
	s.log.Info().
		Str("instance_id", inst.ID).
		Str("kind", string(inst.Kind)).
		Str("subject_id", inst.SubjectID).
		Str("stage", string(inst.CurrentStage)).
		Msg("Workflow instance created")

	if err := s.hooks.OnInstanceCreated(ctx, inst.Clone()); err != nil {
		s.log.Warn().Err(err).Str("instance_id", inst.ID).Msg("Instance created hook failed")
	}
	return inst, nil
}

// SubmitDecision records an approve or reject decision and advances the
// instance. A concurrent writer is absorbed by one re-read: if the instance
// is still at the stage this call validated, the decision is retried there;
// otherwise the caller gets StaleInstanceState, or AlreadyDecided when the
// other writer was this approver.
func (s *ApprovalService) SubmitDecision(ctx context.Context, req *DecisionRequest) (res *DecisionResult, err error) {
	ctx, span := tracing.Start(ctx, "approval.SubmitDecision", map[string]string{
		"workflow.instance_id": req.InstanceID,
		"decision.outcome":     string(req.Outcome),
		"approver.role":        string(req.ApproverRole),
	})
	var kind workflow.Kind
	defer func() {
		tracing.End(span, err)
		result := "ok"
		if err != nil {
			result = string(errors.CodeOf(err))
		}
		s.metrics.ObserveDecision(string(kind), string(req.Outcome), result)
	}()

	if err := validateDecision(req); err != nil {
		return nil, err
	}

	inst, err := s.store.GetInstance(ctx, req.InstanceID)
	if err != nil {
		return nil, err
	}
	kind = inst.Kind

	res, err = s.decide(ctx, inst, req)
	if !errors.HasCode(err, errors.ErrCodeStaleInstanceState) {
		return res, err
	}

	// Lost the version race. Retry pinned to the stage that was validated.
	pinned := *req
	if pinned.ExpectedStage == "" {
		pinned.ExpectedStage = inst.CurrentStage
	}
	inst, err = s.store.GetInstance(ctx, req.InstanceID)
	if err != nil {
		return nil, err
	}
	s.log.Debug().
		Str("instance_id", inst.ID).
		Str("validated_stage", string(pinned.ExpectedStage)).
		Str("current_stage", string(inst.CurrentStage)).
		Msg("Retrying decision after concurrent update")

	// The winner may have made the instance terminal; the loser still sees
	// the outcome of the race, not the terminal state.
	if inst.CurrentStage != pinned.ExpectedStage {
		if s.decidedBefore(ctx, inst.ID, &pinned, pinned.ExpectedStage) {
			return nil, alreadyDecided(inst)
		}
		return nil, staleState()
	}
	return s.decide(ctx, inst, &pinned)
}

func validateDecision(req *DecisionRequest) error {
	if req.InstanceID == "" {
		return errors.InvalidInput("instance_id", "instance_id is required")
	}
	if req.ApproverID == "" {
		return errors.InvalidInput("approver_id", "approver_id is required")
	}
	if !req.Outcome.Decidable() {
		return errors.InvalidInput("outcome", "outcome must be approved or rejected")
	}
	if req.Outcome == workflow.OutcomeRejected && strings.TrimSpace(req.Comments) == "" {
		return errors.New(errors.ErrCodeMissingRejectionComments, "a rejection must include comments")
	}
	return nil
}

// decide validates req against inst and applies the transition.
func (s *ApprovalService) decide(ctx context.Context, inst *repository.Instance, req *DecisionRequest) (*DecisionResult, error) {
	def, err := s.registry.Lookup(inst.Kind)
	if err != nil {
		return nil, err
	}
	if inst.Terminal {
		return nil, errors.Newf(errors.ErrCodeInstanceAlreadyTerminal,
			"workflow instance %s is already %s", inst.ID, inst.CurrentStage)
	}

	if req.ExpectedStage != "" && req.ExpectedStage != inst.CurrentStage {
		if s.decidedBefore(ctx, inst.ID, req, req.ExpectedStage) {
			return nil, alreadyDecided(inst)
		}
		return nil, staleState()
	}

	if !s.registry.Authorizes(inst.Kind, inst.CurrentStage, req.ApproverRole) {
		if s.decidedBefore(ctx, inst.ID, req, "") {
			return nil, alreadyDecided(inst)
		}
		required, _ := s.registry.RequiredRole(inst.Kind, inst.CurrentStage)
		e := errors.Newf(errors.ErrCodeRoleMismatch,
			"stage %s requires role %s, got %s", inst.CurrentStage, required, req.ApproverRole)
		e.Field = "approver_role"
		return nil, e
	}

	next, err := def.Next(inst.CurrentStage, req.Outcome)
	if err != nil {
		return nil, err
	}
	nextDef, _ := def.Stage(next)

	decision := &repository.Decision{
		StageAtDecision: inst.CurrentStage,
		ApproverID:      req.ApproverID,
		ApproverRole:    req.ApproverRole,
		Outcome:         req.Outcome,
		Comments:        strings.TrimSpace(req.Comments),
	}
	updated, err := s.apply(ctx, inst, nextDef, decision,
		entryJobs(inst, nextDef, req.ApproverID, decision.Comments))
	if err != nil {
		return nil, err
	}

	s.log.Info().
		Str("instance_id", inst.ID).
		Str("kind", string(inst.Kind)).
		Str("from", string(inst.CurrentStage)).
		Str("to", string(updated.CurrentStage)).
		Str("approver_id", req.ApproverID).
		Str("outcome", string(req.Outcome)).
		Msg("Decision recorded")

	return &DecisionResult{Instance: updated, Decision: decision, PreviousStage: inst.CurrentStage}, nil
}

// decidedBefore reports whether the ledger already holds the same decision
// from the same approver at stage. With no stage, only the entry that moved
// the instance to its current stage counts.
func (s *ApprovalService) decidedBefore(ctx context.Context, instanceID string, req *DecisionRequest, stage workflow.Stage) bool {
	history, err := s.store.History(ctx, instanceID)
	if err != nil {
		s.log.Warn().Err(err).Str("instance_id", instanceID).Msg("Failed to read history for duplicate check")
		return false
	}
	if stage == "" {
		if len(history) == 0 {
			return false
		}
		history = history[len(history)-1:]
	}
	for _, d := range history {
		if d.ApproverID != req.ApproverID || d.Outcome != req.Outcome || d.ApproverRole != req.ApproverRole {
			continue
		}
		if stage == "" || d.StageAtDecision == stage {
			return true
		}
	}
	return false
}

func staleState() error {
	return errors.New(errors.ErrCodeStaleInstanceState, "this item was already acted on, refresh and retry")
}

func alreadyDecided(inst *repository.Instance) error {
	return errors.Newf(errors.ErrCodeAlreadyDecided,
		"decision already recorded; workflow instance %s is now at %s", inst.ID, inst.CurrentStage)
}

// apply writes the transition and runs the terminal hook.
func (s *ApprovalService) apply(
	ctx context.Context,
	inst *repository.Instance,
	next workflow.StageDef,
	decision *repository.Decision,
	jobs []*repository.DispatchJob,
) (*repository.Instance, error) {
	tr := &repository.Transition{
		InstanceID:      inst.ID,
		ExpectedVersion: inst.Version,
		NextStage:       next.Stage,
		Terminal:        next.Terminal,
		Decision:        decision,
		Jobs:            jobs,
	}
	if err := s.store.ApplyTransition(ctx, tr); err != nil {
		if errors.HasCode(err, errors.ErrCodeStaleInstanceState) {
			return nil, staleState()
		}
		return nil, err
	}

	updated := inst.Clone()
	updated.CurrentStage = next.Stage
	updated.Terminal = next.Terminal
	updated.Version++
	updated.UpdatedAt = decision.DecidedAt

	if updated.Terminal {
		if err := s.hooks.OnTerminal(ctx, updated.Clone()); err != nil {
			s.log.Warn().Err(err).Str("instance_id", updated.ID).Msg("Terminal hook failed")
		}
	}
	return updated, nil
}

// Cancel withdraws an instance. Only the submitter may cancel and only from
// a stage that allows it.
func (s *ApprovalService) Cancel(ctx context.Context, req *CancelRequest) (res *DecisionResult, err error) {
	ctx, span := tracing.Start(ctx, "approval.Cancel", map[string]string{
		"workflow.instance_id": req.InstanceID,
	})
	defer func() { tracing.End(span, err) }()

	if req.InstanceID == "" {
		return nil, errors.InvalidInput("instance_id", "instance_id is required")
	}
	if req.RequestedBy == "" {
		return nil, errors.InvalidInput("requested_by", "requested_by is required")
	}

	inst, err := s.store.GetInstance(ctx, req.InstanceID)
	if err != nil {
		return nil, err
	}
	res, err = s.cancel(ctx, inst, req)
	if !errors.HasCode(err, errors.ErrCodeStaleInstanceState) {
		return res, err
	}

	validated := inst.CurrentStage
	if inst, err = s.store.GetInstance(ctx, req.InstanceID); err != nil {
		return nil, err
	}
	if inst.CurrentStage != validated && !inst.Terminal {
		return nil, staleState()
	}
	return s.cancel(ctx, inst, req)
}

func (s *ApprovalService) cancel(ctx context.Context, inst *repository.Instance, req *CancelRequest) (*DecisionResult, error) {
	def, err := s.registry.Lookup(inst.Kind)
	if err != nil {
		return nil, err
	}
	if inst.Terminal {
		return nil, errors.Newf(errors.ErrCodeInstanceAlreadyTerminal,
			"workflow instance %s is already %s", inst.ID, inst.CurrentStage)
	}
	if req.RequestedBy != inst.CreatedBy {
		return nil, errors.New(errors.ErrCodeRoleMismatch, "only the submitter can cancel this request")
	}

	current, _ := def.Stage(inst.CurrentStage)
	next, err := def.Next(inst.CurrentStage, workflow.OutcomeCancelled)
	if err != nil {
		return nil, err
	}
	nextDef, _ := def.Stage(next)

	reason := strings.TrimSpace(req.Reason)
	decision := &repository.Decision{
		StageAtDecision: inst.CurrentStage,
		ApproverID:      req.RequestedBy,
		ApproverRole:    workflow.RoleSubmitter,
		Outcome:         workflow.OutcomeCancelled,
		Comments:        reason,
	}
	jobs := append(entryJobs(inst, nextDef, req.RequestedBy, reason), withdrawnJobs(current, next, req.RequestedBy, reason)...)
	updated, err := s.apply(ctx, inst, nextDef, decision, jobs)
	if err != nil {
		return nil, err
	}

	s.log.Info().
		Str("instance_id", inst.ID).
		Str("kind", string(inst.Kind)).
		Str("from", string(inst.CurrentStage)).
		Str("requested_by", req.RequestedBy).
		Msg("Workflow instance cancelled")

	return &DecisionResult{Instance: updated, Decision: decision, PreviousStage: inst.CurrentStage}, nil
}

// ── Queries ──────────────────────────────────────────────────────────────────

// GetInstance returns an instance by ID.
func (s *ApprovalService) GetInstance(ctx context.Context, id string) (*repository.Instance, error) {
	return s.store.GetInstance(ctx, id)
}

// HistoryOf returns the ledger of an instance in decision order.
func (s *ApprovalService) HistoryOf(ctx context.Context, instanceID string) ([]*repository.Decision, error) {
	if _, err := s.store.GetInstance(ctx, instanceID); err != nil {
		return nil, err
	}
	return s.store.History(ctx, instanceID)
}

// ActiveForSubject returns the non-terminal instance of a subject, or nil
// when there is none.
func (s *ApprovalService) ActiveForSubject(ctx context.Context, kind workflow.Kind, subjectID string) (*repository.Instance, error) {
	if _, err := s.registry.Lookup(kind); err != nil {
		return nil, err
	}
	return s.store.ActiveForSubject(ctx, kind, subjectID)
}

// Definitions returns the registered pipelines.
func (s *ApprovalService) Definitions() []workflow.Definition {
	return s.registry.Definitions()
}

// Replay recomputes the current stage of an instance from its ledger.
func (s *ApprovalService) Replay(ctx context.Context, instanceID string) (workflow.Stage, error) {
	inst, err := s.store.GetInstance(ctx, instanceID)
	if err != nil {
		return "", err
	}
	history, err := s.store.History(ctx, instanceID)
	if err != nil {
		return "", err
	}
	outcomes := make([]workflow.Outcome, len(history))
	for i, d := range history {
		outcomes[i] = d.Outcome
	}
	return s.registry.Replay(inst.Kind, outcomes)
}
