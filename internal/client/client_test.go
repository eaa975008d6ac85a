package client

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pesio-ai/be-hr-approvals/internal/logger"
	"github.com/pesio-ai/be-hr-approvals/internal/middleware"
	"github.com/pesio-ai/be-hr-approvals/internal/repository"
	"github.com/pesio-ai/be-hr-approvals/internal/service"
	"github.com/pesio-ai/be-hr-approvals/internal/workflow"
)

type published struct {
	subject string
	data    []byte
}

type fakePublisher struct {
	mu   sync.Mutex
	msgs []published
	err  error
}

func (f *fakePublisher) Publish(_ context.Context, subject string, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.msgs = append(f.msgs, published{subject: subject, data: data})
	return nil
}

func TestNotificationPublisher_Notify(t *testing.T) {
	pub := &fakePublisher{}
	p := NewNotificationPublisher(pub, logger.Nop())

	err := p.Notify(context.Background(), "", service.Event{
		Type:          service.EventApprovalRequired,
		InstanceID:    "wf-1",
		Kind:          workflow.KindPayrollBatch,
		SubjectID:     "batch-B",
		Stage:         workflow.StagePendingFinance,
		RecipientRole: workflow.RoleFinanceManager,
	})
	require.NoError(t, err)
	require.Len(t, pub.msgs, 1)
	assert.Equal(t, "notifications.hr.approval_required", pub.msgs[0].subject)

	var got NotificationEvent
	require.NoError(t, json.Unmarshal(pub.msgs[0].data, &got))
	assert.Equal(t, "finance_manager", got.RecipientRole)
	assert.Equal(t, "payroll_batch", got.ResourceType)
	assert.Equal(t, "wf-1", got.ResourceID)
	assert.True(t, got.IsActionable)
	assert.Equal(t, "action", got.Severity)
	assert.Equal(t, "hr_approval", got.Category)
	assert.Empty(t, got.Recipients)
	assert.Equal(t, "batch-B", got.Payload["subject_id"])
}

func TestNotificationPublisher_RejectedCarriesComments(t *testing.T) {
	pub := &fakePublisher{}
	p := NewNotificationPublisher(pub, logger.Nop())

	require.NoError(t, p.Notify(context.Background(), "hr-1", service.Event{
		Type:       service.EventWorkflowRejected,
		InstanceID: "wf-1",
		Kind:       workflow.KindPayrollBatch,
		Stage:      workflow.StageRejected,
		Comments:   "budget exceeded",
	}))

	var got NotificationEvent
	require.NoError(t, json.Unmarshal(pub.msgs[0].data, &got))
	assert.Equal(t, []string{"hr-1"}, got.Recipients)
	assert.Equal(t, "warning", got.Severity)
	assert.False(t, got.IsActionable)
	assert.Equal(t, "budget exceeded", got.Payload["comments"])
}

func TestNotificationPublisher_ErrorsPropagate(t *testing.T) {
	pub := &fakePublisher{err: errors.New("nats: connection closed")}
	p := NewNotificationPublisher(pub, logger.Nop())

	err := p.Notify(context.Background(), "u", service.Event{Type: service.EventWorkflowApproved})
	assert.ErrorContains(t, err, "connection closed")
}

func TestNotificationPublisher_Disabled(t *testing.T) {
	p := NewNotificationPublisher(nil, logger.Nop())
	assert.NoError(t, p.Notify(context.Background(), "u", service.Event{Type: service.EventWorkflowApproved}))
	assert.NoError(t, p.OnTerminal(context.Background(), &repository.Instance{ID: "wf-1"}))
}

func TestNotificationPublisher_Lifecycle(t *testing.T) {
	pub := &fakePublisher{}
	p := NewNotificationPublisher(pub, logger.Nop())
	p.now = func() time.Time { return time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC) }

	inst := &repository.Instance{
		ID: "wf-1", Kind: workflow.KindPayrollBatch, SubjectID: "batch-B",
		CurrentStage: workflow.StageDraft, CreatedBy: "hr-1",
	}
	require.NoError(t, p.OnInstanceCreated(context.Background(), inst))

	inst.CurrentStage, inst.Terminal = workflow.StageRejected, true
	require.NoError(t, p.OnTerminal(context.Background(), inst))

	require.Len(t, pub.msgs, 2)
	assert.Equal(t, "hr.workflow.payroll_batch.instance_created", pub.msgs[0].subject)
	assert.Equal(t, "hr.workflow.payroll_batch.instance_terminal", pub.msgs[1].subject)

	var got LifecycleEvent
	require.NoError(t, json.Unmarshal(pub.msgs[1].data, &got))
	assert.Equal(t, "REJECTED", got.Stage)
	assert.True(t, got.Terminal)
	assert.Equal(t, "batch-B", got.SubjectID)
}

func TestSubjectClient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "req-42", r.Header.Get(middleware.RequestIDHeader))
		switch r.URL.Path {
		case "/subjects/batch-B/summary":
			_ = json.NewEncoder(w).Encode(map[string]any{"period": "2024-02", "employees": 3})
		case "/subjects/batch-B/artifact-targets":
			_ = json.NewEncoder(w).Encode(map[string]any{"targets": []string{"e1", "e2", "e3"}})
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	c := NewSubjectClient(workflow.KindPayrollBatch, srv.URL+"/", time.Second, BreakerSettings{}, logger.Nop())
	ctx := middleware.ContextWithRequestID(context.Background(), "req-42")

	summary, err := c.Summary(ctx, "batch-B")
	require.NoError(t, err)
	assert.Equal(t, "2024-02", summary["period"])
	assert.EqualValues(t, 3, summary["employees"])

	targets, err := c.ArtifactTargets(ctx, "batch-B")
	require.NoError(t, err)
	assert.Equal(t, []string{"e1", "e2", "e3"}, targets)

	_, err = c.Summary(ctx, "missing")
	var se *StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, http.StatusNotFound, se.StatusCode)
}

func TestSubjectProviders_SkipsUnknownKinds(t *testing.T) {
	providers := NewSubjectProviders(workflow.Default, map[string]string{
		"payroll_batch": "http://payroll",
		"bonus":         "http://bonus",
	}, time.Second, BreakerSettings{}, logger.Nop())

	assert.Len(t, providers, 1)
	assert.Contains(t, providers, workflow.KindPayrollBatch)
}

func TestArtifactClient_Generate(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/artifacts", r.URL.Path)
		var req artifactRequest
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		_ = json.NewEncoder(w).Encode(artifactResponse{Reference: "payslip/" + req.SubjectID + "/" + req.TargetID})
	}))
	defer srv.Close()

	c := NewArtifactClient(srv.URL, time.Second, BreakerSettings{}, logger.Nop())
	ref, err := c.Generate(context.Background(), workflow.KindPayrollBatch, "batch-B", "e1")
	require.NoError(t, err)
	assert.Equal(t, "payslip/batch-B/e1", ref)
}

func TestArtifactClient_EmptyReference(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	c := NewArtifactClient(srv.URL, time.Second, BreakerSettings{}, logger.Nop())
	_, err := c.Generate(context.Background(), workflow.KindPayrollBatch, "batch-B", "e1")
	assert.ErrorContains(t, err, "empty reference")
}

func TestBreaker_OpensOnServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "boom", http.StatusBadGateway)
	}))
	defer srv.Close()

	c := NewArtifactClient(srv.URL, time.Second, BreakerSettings{Failures: 2, Timeout: time.Minute}, logger.Nop())
	for i := 0; i < 2; i++ {
		_, err := c.Generate(context.Background(), workflow.KindPayrollBatch, "b", "e")
		require.Error(t, err)
	}

	_, err := c.Generate(context.Background(), workflow.KindPayrollBatch, "b", "e")
	assert.ErrorIs(t, err, gobreaker.ErrOpenState)
	assert.EqualValues(t, 2, calls.Load())
}

func TestBreaker_IgnoresClientErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.NotFound(w, r)
	}))
	defer srv.Close()

	c := NewSubjectClient(workflow.KindLeave, srv.URL, time.Second, BreakerSettings{Failures: 1, Timeout: time.Minute}, logger.Nop())
	for i := 0; i < 3; i++ {
		_, err := c.Summary(context.Background(), "x")
		require.Error(t, err)
		assert.NotErrorIs(t, err, gobreaker.ErrOpenState)
	}
	assert.EqualValues(t, 3, calls.Load())
}
