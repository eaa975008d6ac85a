package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pesio-ai/be-hr-approvals/internal/errors"
	"github.com/pesio-ai/be-hr-approvals/internal/repository"
	"github.com/pesio-ai/be-hr-approvals/internal/workflow"
)

type clock struct{ t time.Time }

func (c *clock) now() time.Time { return c.t }

func newStore() (*Store, *clock) {
	c := &clock{t: time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)}
	return New(WithClock(c.now)), c
}

func createLeave(t *testing.T, s *Store, subject string, jobs ...*repository.DispatchJob) *repository.Instance {
	t.Helper()
	inst := &repository.Instance{
		Kind: workflow.KindLeave, SubjectID: subject,
		CurrentStage: workflow.StagePending, CreatedBy: "emp-1",
	}
	require.NoError(t, s.CreateInstance(context.Background(), inst, jobs))
	return inst
}

func TestStore_OneActiveInstancePerSubject(t *testing.T) {
	s, _ := newStore()
	ctx := context.Background()

	inst := createLeave(t, s, "leave-1")
	assert.Equal(t, 1, inst.Version)
	assert.NotEmpty(t, inst.ID)

	err := s.CreateInstance(ctx, &repository.Instance{Kind: workflow.KindLeave, SubjectID: "leave-1"}, nil)
	assert.True(t, errors.HasCode(err, errors.ErrCodeDuplicateActiveInstance))

	// Same subject under another kind is independent.
	require.NoError(t, s.CreateInstance(ctx, &repository.Instance{Kind: workflow.KindTravel, SubjectID: "leave-1"}, nil))

	require.NoError(t, s.ApplyTransition(ctx, &repository.Transition{
		InstanceID: inst.ID, ExpectedVersion: 1, NextStage: workflow.StageApproved, Terminal: true,
	}))

	active, err := s.ActiveForSubject(ctx, workflow.KindLeave, "leave-1")
	require.NoError(t, err)
	assert.Nil(t, active)

	createLeave(t, s, "leave-1")
}

func TestStore_ApplyTransitionVersionCheck(t *testing.T) {
	s, c := newStore()
	ctx := context.Background()
	inst := createLeave(t, s, "leave-1")

	c.t = c.t.Add(time.Minute)
	d := &repository.Decision{
		StageAtDecision: workflow.StagePending, ApproverID: "sup-1",
		ApproverRole: workflow.RoleSupervisor, Outcome: workflow.OutcomeApproved,
	}
	require.NoError(t, s.ApplyTransition(ctx, &repository.Transition{
		InstanceID: inst.ID, ExpectedVersion: 1, NextStage: workflow.StageApproved, Terminal: true, Decision: d,
	}))
	assert.NotEmpty(t, d.ID)
	assert.Equal(t, c.t, d.DecidedAt)

	err := s.ApplyTransition(ctx, &repository.Transition{
		InstanceID: inst.ID, ExpectedVersion: 1, NextStage: workflow.StageRejected, Terminal: true,
		Decision: &repository.Decision{ApproverID: "sup-2"},
	})
	assert.True(t, errors.HasCode(err, errors.ErrCodeStaleInstanceState))

	got, err := s.GetInstance(ctx, inst.ID)
	require.NoError(t, err)
	assert.Equal(t, workflow.StageApproved, got.CurrentStage)
	assert.Equal(t, 2, got.Version)

	history, err := s.History(ctx, inst.ID)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, "sup-1", history[0].ApproverID)

	_, err = s.GetInstance(ctx, "missing")
	assert.True(t, errors.HasCode(err, errors.ErrCodeInstanceNotFound))
}

func TestStore_ReturnsCopies(t *testing.T) {
	s, _ := newStore()
	ctx := context.Background()
	inst := createLeave(t, s, "leave-1")

	got, err := s.GetInstance(ctx, inst.ID)
	require.NoError(t, err)
	got.CurrentStage = workflow.StageCancelled

	again, err := s.GetInstance(ctx, inst.ID)
	require.NoError(t, err)
	assert.Equal(t, workflow.StagePending, again.CurrentStage)
}

func TestStore_ListAwaitingOldestFirst(t *testing.T) {
	s, c := newStore()
	ctx := context.Background()

	second := createLeave(t, s, "b")
	c.t = c.t.Add(-time.Hour)
	first := createLeave(t, s, "a")
	c.t = c.t.Add(2 * time.Hour)
	require.NoError(t, s.CreateInstance(ctx, &repository.Instance{
		Kind: workflow.KindTravel, SubjectID: "t", CurrentStage: workflow.StagePending,
	}, nil))

	out, err := s.ListAwaiting(ctx, []workflow.StageRef{{Kind: workflow.KindLeave, Stage: workflow.StagePending}})
	require.NoError(t, err)
	require.Len(t, out, 2)
	assert.Equal(t, first.ID, out[0].ID)
	assert.Equal(t, second.ID, out[1].ID)
}

func TestStore_JobDedupAndLease(t *testing.T) {
	s, c := newStore()
	ctx := context.Background()
	inst := createLeave(t, s, "leave-1", &repository.DispatchJob{JobType: repository.JobNotify, DedupKey: "role:PENDING"})

	ok, err := s.EnqueueJob(ctx, &repository.DispatchJob{InstanceID: inst.ID, JobType: repository.JobNotify, DedupKey: "role:PENDING"})
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = s.EnqueueJob(ctx, &repository.DispatchJob{InstanceID: "missing", JobType: repository.JobNotify, DedupKey: "x"})
	assert.True(t, errors.HasCode(err, errors.ErrCodeInstanceNotFound))

	claimed, err := s.ClaimJobs(ctx, c.t, 10, time.Minute)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	assert.Equal(t, 1, claimed[0].Attempts)
	assert.Equal(t, "{}", string(claimed[0].Payload))

	// Leased jobs are invisible until the lease expires.
	claimed, err = s.ClaimJobs(ctx, c.t.Add(30*time.Second), 10, time.Minute)
	require.NoError(t, err)
	assert.Empty(t, claimed)

	claimed, err = s.ClaimJobs(ctx, c.t.Add(2*time.Minute), 10, time.Minute)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	assert.Equal(t, 2, claimed[0].Attempts)

	require.NoError(t, s.CompleteJob(ctx, claimed[0].ID))
	require.NoError(t, s.RetryJob(ctx, claimed[0].ID, c.t, "late"))

	jobs, err := s.JobsFor(ctx, inst.ID)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, repository.JobDone, jobs[0].Status)
	assert.NotNil(t, jobs[0].DispatchedAt)

	claimed, err = s.ClaimJobs(ctx, c.t.Add(time.Hour), 10, time.Minute)
	require.NoError(t, err)
	assert.Empty(t, claimed)
}

func TestStore_RetryAndFail(t *testing.T) {
	s, c := newStore()
	ctx := context.Background()
	inst := createLeave(t, s, "leave-1", &repository.DispatchJob{JobType: repository.JobNotify, DedupKey: "k"})

	claimed, err := s.ClaimJobs(ctx, c.t, 10, time.Minute)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	id := claimed[0].ID

	require.NoError(t, s.RetryJob(ctx, id, c.t.Add(10*time.Second), "timeout"))
	claimed, err = s.ClaimJobs(ctx, c.t.Add(5*time.Second), 10, time.Minute)
	require.NoError(t, err)
	assert.Empty(t, claimed)

	claimed, err = s.ClaimJobs(ctx, c.t.Add(10*time.Second), 10, time.Minute)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	require.NotNil(t, claimed[0].LastError)
	assert.Equal(t, "timeout", *claimed[0].LastError)

	require.NoError(t, s.FailJob(ctx, id, "gave up"))
	jobs, err := s.JobsFor(ctx, inst.ID)
	require.NoError(t, err)
	assert.Equal(t, repository.JobFailed, jobs[0].Status)

	assert.True(t, errors.HasCode(s.CompleteJob(ctx, "missing"), errors.ErrCodeNotFound))
}

func TestStore_ArtifactsIdempotent(t *testing.T) {
	s, _ := newStore()
	ctx := context.Background()
	inst := createLeave(t, s, "leave-1")

	require.NoError(t, s.RecordArtifact(ctx, &repository.Artifact{InstanceID: inst.ID, TargetID: "e2", Reference: "r2"}))
	require.NoError(t, s.RecordArtifact(ctx, &repository.Artifact{InstanceID: inst.ID, TargetID: "e1", Reference: "r1"}))
	require.NoError(t, s.RecordArtifact(ctx, &repository.Artifact{InstanceID: inst.ID, TargetID: "e1", Reference: "other"}))

	out, err := s.Artifacts(ctx, inst.ID)
	require.NoError(t, err)
	require.Len(t, out, 2)
	assert.Equal(t, "e1", out[0].TargetID)
	assert.Equal(t, "r1", out[0].Reference)
}
