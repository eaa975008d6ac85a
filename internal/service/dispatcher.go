package service

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/pesio-ai/be-hr-approvals/internal/errors"
	"github.com/pesio-ai/be-hr-approvals/internal/logger"
	"github.com/pesio-ai/be-hr-approvals/internal/metrics"
	"github.com/pesio-ai/be-hr-approvals/internal/repository"
	"github.com/pesio-ai/be-hr-approvals/internal/tracing"
	"github.com/pesio-ai/be-hr-approvals/internal/workflow"
)

// SystemActorID is the approver ID on ledger entries the dispatcher writes.
const SystemActorID = "system"

// DispatcherConfig tunes the outbox loop.
type DispatcherConfig struct {
	PollInterval time.Duration
	BatchSize    int
	MaxAttempts  int
	BaseBackoff  time.Duration
	MaxBackoff   time.Duration
	// Lease is how long a claimed job stays invisible to other workers.
	Lease time.Duration
	// Concurrency bounds parallel artifact generation within one job.
	Concurrency int
}

func (c DispatcherConfig) withDefaults() DispatcherConfig {
	if c.PollInterval <= 0 {
		c.PollInterval = 2 * time.Second
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 20
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 8
	}
	if c.BaseBackoff <= 0 {
		c.BaseBackoff = time.Second
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = 5 * time.Minute
	}
	if c.Lease <= 0 {
		c.Lease = time.Minute
	}
	if c.Concurrency <= 0 {
		c.Concurrency = 4
	}
	return c
}

// Backoff returns the delay before the next attempt after attempts failures.
func (c DispatcherConfig) Backoff(attempts int) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	d := c.BaseBackoff
	for i := 1; i < attempts; i++ {
		d *= 2
		if d >= c.MaxBackoff {
			return c.MaxBackoff
		}
	}
	if d > c.MaxBackoff {
		return c.MaxBackoff
	}
	return d
}

// Processing states reported by ProcessingStatus.
const (
	ProcessingIdle      = "idle"
	ProcessingPending   = "processing"
	ProcessingCompleted = "processed"
	ProcessingFailed    = "failed"
)

// ProcessingStatus is the downstream progress of one instance.
type ProcessingStatus struct {
	InstanceID string                    `json:"instance_id"`
	Stage      workflow.Stage            `json:"stage"`
	State      string                    `json:"state"`
	Jobs       []*repository.DispatchJob `json:"jobs"`
	Artifacts  []*repository.Artifact    `json:"artifacts"`
}

// Dispatcher executes outbox jobs written by the engine. Each job runs at
// least once; handlers are idempotent so a redelivered job has no extra
// effect, and the dispatched marker stops a completed job from running again.
type Dispatcher struct {
	cfg       DispatcherConfig
	registry  *workflow.Registry
	store     DispatchStore
	subjects  SubjectProviders
	generator ArtifactGenerator
	notifier  Notifier
	hooks     SubjectHooks
	metrics   *metrics.Metrics
	log       *logger.Logger
	now       func() time.Time
}

// NewDispatcher creates a new Dispatcher. hooks and m may be nil.
func NewDispatcher(
	cfg DispatcherConfig,
	registry *workflow.Registry,
	store DispatchStore,
	subjects SubjectProviders,
	generator ArtifactGenerator,
	notifier Notifier,
	hooks SubjectHooks,
	m *metrics.Metrics,
	log *logger.Logger,
) *Dispatcher {
	if hooks == nil {
		hooks = NopHooks{}
	}
	return &Dispatcher{
		cfg:       cfg.withDefaults(),
		registry:  registry,
		store:     store,
		subjects:  subjects,
		generator: generator,
		notifier:  notifier,
		hooks:     hooks,
		metrics:   m,
		log:       log,
		now:       time.Now,
	}
}

// SetClock overrides time.Now. Used by tests.
func (d *Dispatcher) SetClock(now func() time.Time) {
	d.now = now
}

// Run polls until ctx is cancelled.
func (d *Dispatcher) Run(ctx context.Context) error {
	d.log.Info().
		Dur("poll_interval", d.cfg.PollInterval).
		Int("batch_size", d.cfg.BatchSize).
		Msg("Dispatcher started")

	ticker := time.NewTicker(d.cfg.PollInterval)
	defer ticker.Stop()

	for {
		if _, err := d.RunOnce(ctx); err != nil && ctx.Err() == nil {
			d.log.Error().Err(err).Msg("Dispatch cycle failed")
		}
		select {
		case <-ctx.Done():
			d.log.Info().Msg("Dispatcher stopped")
			return nil
		case <-ticker.C:
		}
	}
}

// RunOnce claims one batch of due jobs and executes it. It returns the
// number of jobs claimed.
func (d *Dispatcher) RunOnce(ctx context.Context) (int, error) {
	jobs, err := d.store.ClaimJobs(ctx, d.now(), d.cfg.BatchSize, d.cfg.Lease)
	if err != nil {
		return 0, err
	}
	for _, job := range jobs {
		if ctx.Err() != nil {
			return len(jobs), ctx.Err()
		}
		d.Handle(ctx, job)
	}
	return len(jobs), nil
}

// Enqueue adds a job outside a transition. It reports false when a job with
// the same dedup key already exists.
func (d *Dispatcher) Enqueue(ctx context.Context, job *repository.DispatchJob) (bool, error) {
	if job.InstanceID == "" {
		return false, errors.InvalidInput("instance_id", "instance_id is required")
	}
	if job.DedupKey == "" {
		return false, errors.InvalidInput("dedup_key", "dedup_key is required")
	}
	switch job.JobType {
	case repository.JobGenerateArtifacts, repository.JobNotify:
	default:
		return false, errors.InvalidInput("job_type", "unknown job type "+string(job.JobType))
	}
	return d.store.EnqueueJob(ctx, job)
}

// Handle executes one claimed job and records the outcome.
func (d *Dispatcher) Handle(ctx context.Context, job *repository.DispatchJob) {
	if job.DispatchedAt != nil {
		return
	}

	ctx, span := tracing.Start(ctx, "dispatch."+string(job.JobType), map[string]string{
		"workflow.instance_id": job.InstanceID,
		"job.id":               job.ID,
	})
	start := d.now()
	err := d.execute(ctx, job)
	tracing.End(span, err)

	log := d.log.With().
		Str("job_id", job.ID).
		Str("job_type", string(job.JobType)).
		Str("instance_id", job.InstanceID).
		Int("attempt", job.Attempts).
		Logger()

	result := "ok"
	switch {
	case err == nil:
		if cerr := d.store.CompleteJob(ctx, job.ID); cerr != nil {
			log.Error().Err(cerr).Msg("Failed to mark job dispatched")
		}
	case job.Attempts >= d.cfg.MaxAttempts:
		result = "failed"
		log.Error().Err(err).Msg("Dispatch job failed permanently")
		if ferr := d.store.FailJob(ctx, job.ID, err.Error()); ferr != nil {
			log.Error().Err(ferr).Msg("Failed to park job")
		}
	default:
		result = "retry"
		delay := d.cfg.Backoff(job.Attempts)
		log.Warn().Err(err).Dur("retry_in", delay).Msg("Dispatch job failed, will retry")
		if rerr := d.store.RetryJob(ctx, job.ID, d.now().Add(delay), err.Error()); rerr != nil {
			log.Error().Err(rerr).Msg("Failed to schedule retry")
		}
	}
	d.metrics.ObserveDispatch(string(job.JobType), result, d.now().Sub(start))
}

func (d *Dispatcher) execute(ctx context.Context, job *repository.DispatchJob) error {
	switch job.JobType {
	case repository.JobNotify:
		return d.notify(ctx, job)
	case repository.JobGenerateArtifacts:
		return d.generateArtifacts(ctx, job)
	}
	return fmt.Errorf("unknown job type %q", job.JobType)
}

// ── Handlers ─────────────────────────────────────────────────────────────────

func (d *Dispatcher) notify(ctx context.Context, job *repository.DispatchJob) error {
	var p repository.NotifyPayload
	if err := json.Unmarshal(job.Payload, &p); err != nil {
		return fmt.Errorf("decode notify payload: %w", err)
	}
	inst, err := d.store.GetInstance(ctx, job.InstanceID)
	if err != nil {
		return err
	}
	if d.notifier == nil {
		return nil
	}
	return d.notifier.Notify(ctx, p.RecipientID, Event{
		Type:          p.EventType,
		InstanceID:    inst.ID,
		Kind:          inst.Kind,
		SubjectID:     inst.SubjectID,
		Stage:         p.Stage,
		RecipientRole: p.RecipientRole,
		ActorID:       p.ActorID,
		Comments:      p.Comments,
		OccurredAt:    job.CreatedAt,
	})
}

// generateArtifacts produces one artifact per target that does not have one
// yet, then moves the instance to its processed stage.
func (d *Dispatcher) generateArtifacts(ctx context.Context, job *repository.DispatchJob) error {
	inst, err := d.store.GetInstance(ctx, job.InstanceID)
	if err != nil {
		return err
	}
	sd, err := d.registry.StageDef(inst.Kind, inst.CurrentStage)
	if err != nil {
		return err
	}
	if !sd.ArtifactJob {
		// Already moved on, e.g. processed by an earlier delivery.
		d.log.Debug().Str("instance_id", inst.ID).Str("stage", string(inst.CurrentStage)).
			Msg("Artifact job no longer applies")
		return nil
	}

	provider, ok := d.subjects[inst.Kind]
	if !ok {
		return fmt.Errorf("no subject provider for %s", inst.Kind)
	}
	if d.generator == nil {
		return fmt.Errorf("no artifact generator configured")
	}

	targets, err := provider.ArtifactTargets(ctx, inst.SubjectID)
	if err != nil {
		return fmt.Errorf("list artifact targets: %w", err)
	}
	existing, err := d.store.Artifacts(ctx, inst.ID)
	if err != nil {
		return err
	}
	done := make(map[string]bool, len(existing))
	for _, a := range existing {
		done[a.TargetID] = true
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(d.cfg.Concurrency)
	for _, target := range targets {
		if done[target] {
			continue
		}
		target := target
		g.Go(func() error {
			ref, err := d.generator.Generate(gctx, inst.Kind, inst.SubjectID, target)
			if err != nil {
				return fmt.Errorf("generate artifact for %s: %w", target, err)
			}
			return d.store.RecordArtifact(gctx, &repository.Artifact{
				InstanceID: inst.ID,
				TargetID:   target,
				Reference:  ref,
			})
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	d.log.Info().
		Str("instance_id", inst.ID).
		Int("targets", len(targets)).
		Int("already_generated", len(done)).
		Msg("Artifacts generated")

	if sd.OnProcessed == "" {
		return nil
	}
	return d.markProcessed(ctx, inst, sd)
}

// markProcessed writes the system ledger entry that moves inst to its
// processed stage, so replaying the ledger reaches the same state.
func (d *Dispatcher) markProcessed(ctx context.Context, inst *repository.Instance, sd workflow.StageDef) error {
	def, err := d.registry.Lookup(inst.Kind)
	if err != nil {
		return err
	}
	next, err := def.Next(sd.Stage, workflow.OutcomeProcessed)
	if err != nil {
		return err
	}
	nextDef, _ := def.Stage(next)

	tr := &repository.Transition{
		InstanceID:      inst.ID,
		ExpectedVersion: inst.Version,
		NextStage:       next,
		Terminal:        nextDef.Terminal,
		Decision: &repository.Decision{
			StageAtDecision: sd.Stage,
			ApproverID:      SystemActorID,
			ApproverRole:    workflow.RoleSystem,
			Outcome:         workflow.OutcomeProcessed,
		},
		Jobs: entryJobs(inst, nextDef, SystemActorID, ""),
	}
	if err := d.store.ApplyTransition(ctx, tr); err != nil {
		if !errors.HasCode(err, errors.ErrCodeStaleInstanceState) {
			return err
		}
		current, gerr := d.store.GetInstance(ctx, inst.ID)
		if gerr != nil {
			return gerr
		}
		if current.CurrentStage == next {
			return nil
		}
		return err
	}

	updated := inst.Clone()
	updated.CurrentStage = next
	updated.Terminal = nextDef.Terminal
	updated.Version++

	d.log.Info().
		Str("instance_id", inst.ID).
		Str("kind", string(inst.Kind)).
		Str("stage", string(next)).
		Msg("Workflow instance processed")

	if updated.Terminal {
		if err := d.hooks.OnTerminal(ctx, updated); err != nil {
			d.log.Warn().Err(err).Str("instance_id", inst.ID).Msg("Terminal hook failed")
		}
	}
	return nil
}

// ── Status ───────────────────────────────────────────────────────────────────

// ProcessingStatus reports the downstream progress of an instance.
func (d *Dispatcher) ProcessingStatus(ctx context.Context, instanceID string) (*ProcessingStatus, error) {
	inst, err := d.store.GetInstance(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	jobs, err := d.store.JobsFor(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	artifacts, err := d.store.Artifacts(ctx, instanceID)
	if err != nil {
		return nil, err
	}

	status := &ProcessingStatus{
		InstanceID: inst.ID,
		Stage:      inst.CurrentStage,
		State:      ProcessingIdle,
		Jobs:       jobs,
		Artifacts:  artifacts,
	}
	if inst.CurrentStage == workflow.StageProcessed {
		status.State = ProcessingCompleted
	}
	for _, job := range jobs {
		if job.JobType != repository.JobGenerateArtifacts {
			continue
		}
		switch job.Status {
		case repository.JobFailed:
			status.State = ProcessingFailed
			return status, nil
		case repository.JobPending, repository.JobRunning:
			status.State = ProcessingPending
		}
	}
	return status, nil
}
