// Package memory is an in-process implementation of the approval store. It
// mirrors the Postgres constraints (one active instance per subject,
// optimistic versions, append-only ledger, deduplicated outbox) and is used
// by tests and by STORE_DRIVER=memory.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/pesio-ai/be-hr-approvals/internal/errors"
	"github.com/pesio-ai/be-hr-approvals/internal/repository"
	"github.com/pesio-ai/be-hr-approvals/internal/workflow"
)

type subjectKey struct {
	kind    workflow.Kind
	subject string
}

type jobKey struct {
	instanceID string
	jobType    repository.JobType
	dedupKey   string
}

type artifactKey struct {
	instanceID string
	targetID   string
}

// Option configures a Store.
type Option func(*Store)

// WithClock overrides time.Now, for deterministic tests.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		s.now = now
	}
}

// Store holds everything in maps guarded by one mutex. Every read returns
// copies so callers cannot mutate stored state.
type Store struct {
	mu sync.RWMutex

	now func() time.Time
	seq int64

	instances map[string]*repository.Instance
	order     map[string]int64
	active    map[subjectKey]string
	decisions map[string][]*repository.Decision

	jobs      map[string]*repository.DispatchJob
	jobOrder  map[string]int64
	jobByKey  map[jobKey]string
	artifacts map[artifactKey]*repository.Artifact
}

// New creates an empty Store.
func New(opts ...Option) *Store {
	s := &Store{
		now:       time.Now,
		instances: make(map[string]*repository.Instance),
		order:     make(map[string]int64),
		active:    make(map[subjectKey]string),
		decisions: make(map[string][]*repository.Decision),
		jobs:      make(map[string]*repository.DispatchJob),
		jobOrder:  make(map[string]int64),
		jobByKey:  make(map[jobKey]string),
		artifacts: make(map[artifactKey]*repository.Artifact),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// CreateInstance inserts inst and its initial jobs.
func (s *Store) CreateInstance(_ context.Context, inst *repository.Instance, jobs []*repository.DispatchJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := subjectKey{kind: inst.Kind, subject: inst.SubjectID}
	if !inst.Terminal {
		if _, exists := s.active[key]; exists {
			return errors.Newf(errors.ErrCodeDuplicateActiveInstance,
				"an active %s workflow already exists for subject %s", inst.Kind, inst.SubjectID)
		}
	}

	now := s.now()
	inst.ID = uuid.NewString()
	inst.CreatedAt = now
	inst.UpdatedAt = now
	inst.Version = 1

	s.seq++
	s.instances[inst.ID] = inst.Clone()
	s.order[inst.ID] = s.seq
	if !inst.Terminal {
		s.active[key] = inst.ID
	}
	for _, job := range jobs {
		job.InstanceID = inst.ID
		s.enqueueLocked(job)
	}
	return nil
}

// GetInstance returns a copy of the instance.
func (s *Store) GetInstance(_ context.Context, id string) (*repository.Instance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	inst, ok := s.instances[id]
	if !ok {
		return nil, errors.Newf(errors.ErrCodeInstanceNotFound, "workflow instance not found: %s", id)
	}
	return inst.Clone(), nil
}

// ActiveForSubject returns the non-terminal instance of a subject, or nil.
func (s *Store) ActiveForSubject(_ context.Context, kind workflow.Kind, subjectID string) (*repository.Instance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.active[subjectKey{kind: kind, subject: subjectID}]
	if !ok {
		return nil, nil
	}
	return s.instances[id].Clone(), nil
}

// ApplyTransition applies the decision, stage change and jobs atomically.
func (s *Store) ApplyTransition(_ context.Context, tr *repository.Transition) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	inst, ok := s.instances[tr.InstanceID]
	if !ok {
		return errors.Newf(errors.ErrCodeInstanceNotFound, "workflow instance not found: %s", tr.InstanceID)
	}
	if inst.Version != tr.ExpectedVersion {
		return errors.Newf(errors.ErrCodeStaleInstanceState,
			"workflow instance %s changed since it was read", tr.InstanceID)
	}

	now := s.now()
	if tr.Decision != nil {
		d := *tr.Decision
		d.ID = uuid.NewString()
		d.InstanceID = inst.ID
		d.DecidedAt = now
		s.decisions[inst.ID] = append(s.decisions[inst.ID], &d)
		tr.Decision.ID = d.ID
		tr.Decision.InstanceID = d.InstanceID
		tr.Decision.DecidedAt = d.DecidedAt
	}

	inst.CurrentStage = tr.NextStage
	inst.Terminal = tr.Terminal
	inst.Version++
	inst.UpdatedAt = now
	if inst.Terminal {
		key := subjectKey{kind: inst.Kind, subject: inst.SubjectID}
		if s.active[key] == inst.ID {
			delete(s.active, key)
		}
	}

	for _, job := range tr.Jobs {
		job.InstanceID = inst.ID
		s.enqueueLocked(job)
	}
	return nil
}

// History returns copies of the ledger entries in append order.
func (s *Store) History(_ context.Context, instanceID string) ([]*repository.Decision, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	src := s.decisions[instanceID]
	out := make([]*repository.Decision, len(src))
	for i, d := range src {
		c := *d
		out[i] = &c
	}
	return out, nil
}

// ListAwaiting returns non-terminal instances in any of refs, oldest first.
func (s *Store) ListAwaiting(_ context.Context, refs []workflow.StageRef) ([]*repository.Instance, error) {
	want := make(map[workflow.StageRef]bool, len(refs))
	for _, ref := range refs {
		want[ref] = true
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*repository.Instance
	for _, id := range s.active {
		inst := s.instances[id]
		if want[workflow.StageRef{Kind: inst.Kind, Stage: inst.CurrentStage}] {
			out = append(out, inst.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return s.order[out[i].ID] < s.order[out[j].ID]
	})
	return out, nil
}

// EnqueueJob adds a job unless its dedup key is already known.
func (s *Store) EnqueueJob(_ context.Context, job *repository.DispatchJob) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.instances[job.InstanceID]; !ok {
		return false, errors.Newf(errors.ErrCodeInstanceNotFound, "workflow instance not found: %s", job.InstanceID)
	}
	return s.enqueueLocked(job), nil
}

// ClaimJobs leases up to limit due jobs, oldest due first.
func (s *Store) ClaimJobs(_ context.Context, now time.Time, limit int, lease time.Duration) ([]*repository.DispatchJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var due []*repository.DispatchJob
	for _, job := range s.jobs {
		if job.DispatchedAt != nil {
			continue
		}
		switch job.Status {
		case repository.JobPending:
			if job.NextAttemptAt.After(now) {
				continue
			}
		case repository.JobRunning:
			if job.LockedUntil == nil || !job.LockedUntil.Before(now) {
				continue
			}
		default:
			continue
		}
		due = append(due, job)
	}
	sort.Slice(due, func(i, j int) bool {
		if !due[i].NextAttemptAt.Equal(due[j].NextAttemptAt) {
			return due[i].NextAttemptAt.Before(due[j].NextAttemptAt)
		}
		return s.jobOrder[due[i].ID] < s.jobOrder[due[j].ID]
	})
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}

	out := make([]*repository.DispatchJob, len(due))
	until := now.Add(lease)
	for i, job := range due {
		job.Status = repository.JobRunning
		job.Attempts++
		job.LockedUntil = &until
		out[i] = cloneJob(job)
	}
	return out, nil
}

// CompleteJob sets the dispatched marker.
func (s *Store) CompleteJob(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok {
		return errors.NotFound("dispatch_job", id)
	}
	now := s.now()
	job.Status = repository.JobDone
	job.DispatchedAt = &now
	job.LockedUntil = nil
	job.LastError = nil
	return nil
}

// RetryJob releases a job for another attempt.
func (s *Store) RetryJob(_ context.Context, id string, nextAttempt time.Time, lastErr string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok {
		return errors.NotFound("dispatch_job", id)
	}
	if job.DispatchedAt != nil {
		return nil
	}
	job.Status = repository.JobPending
	job.NextAttemptAt = nextAttempt
	job.LockedUntil = nil
	job.LastError = &lastErr
	return nil
}

// FailJob parks a job permanently.
func (s *Store) FailJob(_ context.Context, id, lastErr string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok {
		return errors.NotFound("dispatch_job", id)
	}
	if job.DispatchedAt != nil {
		return nil
	}
	job.Status = repository.JobFailed
	job.LockedUntil = nil
	job.LastError = &lastErr
	return nil
}

// JobsFor lists copies of an instance's jobs in enqueue order.
func (s *Store) JobsFor(_ context.Context, instanceID string) ([]*repository.DispatchJob, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*repository.DispatchJob
	for _, job := range s.jobs {
		if job.InstanceID == instanceID {
			out = append(out, cloneJob(job))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return s.jobOrder[out[i].ID] < s.jobOrder[out[j].ID]
	})
	return out, nil
}

// RecordArtifact stores an artifact; a repeat for the same target is ignored.
func (s *Store) RecordArtifact(_ context.Context, a *repository.Artifact) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := artifactKey{instanceID: a.InstanceID, targetID: a.TargetID}
	if _, exists := s.artifacts[key]; exists {
		return nil
	}
	c := *a
	c.CreatedAt = s.now()
	s.artifacts[key] = &c
	return nil
}

// Artifacts lists copies of an instance's artifacts ordered by target.
func (s *Store) Artifacts(_ context.Context, instanceID string) ([]*repository.Artifact, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*repository.Artifact
	for key, a := range s.artifacts {
		if key.instanceID == instanceID {
			c := *a
			out = append(out, &c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TargetID < out[j].TargetID })
	return out, nil
}

func (s *Store) enqueueLocked(job *repository.DispatchJob) bool {
	key := jobKey{instanceID: job.InstanceID, jobType: job.JobType, dedupKey: job.DedupKey}
	if _, exists := s.jobByKey[key]; exists {
		return false
	}

	now := s.now()
	job.ID = uuid.NewString()
	job.Status = repository.JobPending
	job.NextAttemptAt = now
	job.CreatedAt = now
	if len(job.Payload) == 0 {
		job.Payload = []byte("{}")
	}

	s.seq++
	s.jobs[job.ID] = cloneJob(job)
	s.jobOrder[job.ID] = s.seq
	s.jobByKey[key] = job.ID
	return true
}

func cloneJob(j *repository.DispatchJob) *repository.DispatchJob {
	c := *j
	if j.Payload != nil {
		c.Payload = append([]byte(nil), j.Payload...)
	}
	if j.LockedUntil != nil {
		t := *j.LockedUntil
		c.LockedUntil = &t
	}
	if j.LastError != nil {
		e := *j.LastError
		c.LastError = &e
	}
	if j.DispatchedAt != nil {
		t := *j.DispatchedAt
		c.DispatchedAt = &t
	}
	return &c
}
