package service

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/pesio-ai/be-hr-approvals/internal/logger"
	"github.com/pesio-ai/be-hr-approvals/internal/repository"
	"github.com/pesio-ai/be-hr-approvals/internal/repository/memory"
	"github.com/pesio-ai/be-hr-approvals/internal/workflow"
)

// ── Fakes ─────────────────────────────────────────────────────────────────────

type fakeSubjects struct {
	mu         sync.Mutex
	summaries  map[string]SubjectSummary
	targets    map[string][]string
	summaryErr error
	targetsErr error
}

func newFakeSubjects() *fakeSubjects {
	return &fakeSubjects{
		summaries: make(map[string]SubjectSummary),
		targets:   make(map[string][]string),
	}
}

func (f *fakeSubjects) Summary(_ context.Context, subjectID string) (SubjectSummary, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.summaryErr != nil {
		return nil, f.summaryErr
	}
	return f.summaries[subjectID], nil
}

func (f *fakeSubjects) ArtifactTargets(_ context.Context, subjectID string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.targetsErr != nil {
		return nil, f.targetsErr
	}
	return f.targets[subjectID], nil
}

type fakeGenerator struct {
	mu       sync.Mutex
	calls    map[string]int
	failFor  map[string]int // target -> remaining failures
	generate int
}

func newFakeGenerator() *fakeGenerator {
	return &fakeGenerator{calls: make(map[string]int), failFor: make(map[string]int)}
}

func (g *fakeGenerator) Generate(_ context.Context, _ workflow.Kind, subjectID, targetID string) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls[targetID]++
	if g.failFor[targetID] > 0 {
		g.failFor[targetID]--
		return "", fmt.Errorf("renderer unavailable")
	}
	g.generate++
	return fmt.Sprintf("payslip/%s/%s.pdf", subjectID, targetID), nil
}

func (g *fakeGenerator) callsFor(target string) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.calls[target]
}

type sentEvent struct {
	UserID string
	Event  Event
}

type fakeNotifier struct {
	mu   sync.Mutex
	sent []sentEvent
	err  error
}

func (n *fakeNotifier) Notify(_ context.Context, userID string, event Event) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.err != nil {
		return n.err
	}
	n.sent = append(n.sent, sentEvent{UserID: userID, Event: event})
	return nil
}

func (n *fakeNotifier) events() []sentEvent {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]sentEvent, len(n.sent))
	copy(out, n.sent)
	return out
}

func (n *fakeNotifier) count(eventType string) int {
	c := 0
	for _, e := range n.events() {
		if e.Event.Type == eventType {
			c++
		}
	}
	return c
}

type fakeHooks struct {
	mu       sync.Mutex
	created  []string
	terminal []string
}

func (h *fakeHooks) OnInstanceCreated(_ context.Context, inst *repository.Instance) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.created = append(h.created, inst.ID)
	return nil
}

func (h *fakeHooks) OnTerminal(_ context.Context, inst *repository.Instance) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.terminal = append(h.terminal, inst.ID+":"+string(inst.CurrentStage))
	return nil
}

// ── Fixture ───────────────────────────────────────────────────────────────────

type fixture struct {
	store      *memory.Store
	engine     *ApprovalService
	router     *QueueRouter
	dispatcher *Dispatcher
	subjects   *fakeSubjects
	generator  *fakeGenerator
	notifier   *fakeNotifier
	hooks      *fakeHooks
	now        time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	f := &fixture{
		subjects:  newFakeSubjects(),
		generator: newFakeGenerator(),
		notifier:  &fakeNotifier{},
		hooks:     &fakeHooks{},
		now:       time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC),
	}
	f.store = memory.New(memory.WithClock(f.clock))

	providers := SubjectProviders{workflow.KindPayrollBatch: f.subjects, workflow.KindLeave: f.subjects}
	log := logger.Nop()

	f.engine = NewApprovalService(workflow.Default, f.store, f.hooks, nil, log)
	f.router = NewQueueRouter(workflow.Default, f.store, providers, log)
	f.dispatcher = NewDispatcher(DispatcherConfig{
		BatchSize:   50,
		MaxAttempts: 3,
		BaseBackoff: time.Second,
		MaxBackoff:  10 * time.Second,
		Lease:       30 * time.Second,
		Concurrency: 2,
	}, workflow.Default, f.store, providers, f.generator, f.notifier, f.hooks, nil, log)
	f.dispatcher.SetClock(f.clock)
	return f
}

func (f *fixture) clock() time.Time { return f.now }

func (f *fixture) advance(d time.Duration) { f.now = f.now.Add(d) }

func (f *fixture) create(t *testing.T, kind workflow.Kind, subject, by string) *repository.Instance {
	t.Helper()
	inst, err := f.engine.CreateInstance(context.Background(), &CreateRequest{Kind: kind, SubjectID: subject, CreatedBy: by})
	require.NoError(t, err)
	return inst
}

func (f *fixture) decide(t *testing.T, id, approver string, role workflow.Role, outcome workflow.Outcome, comments string) *DecisionResult {
	t.Helper()
	res, err := f.engine.SubmitDecision(context.Background(), &DecisionRequest{
		InstanceID:   id,
		ApproverID:   approver,
		ApproverRole: role,
		Outcome:      outcome,
		Comments:     comments,
	})
	require.NoError(t, err)
	return res
}

// drain runs the dispatcher until no job is due.
func (f *fixture) drain(t *testing.T) {
	t.Helper()
	for i := 0; i < 10; i++ {
		n, err := f.dispatcher.RunOnce(context.Background())
		require.NoError(t, err)
		if n == 0 {
			return
		}
	}
	t.Fatal("dispatcher did not settle")
}

// payrollAtCEO drives a payroll batch to PENDING_CEO.
func (f *fixture) payrollAtCEO(t *testing.T, batch string) *repository.Instance {
	t.Helper()
	inst := f.create(t, workflow.KindPayrollBatch, batch, "hr-1")
	f.decide(t, inst.ID, "hr-1", workflow.RoleHRManager, workflow.OutcomeApproved, "")
	res := f.decide(t, inst.ID, "fin-1", workflow.RoleFinanceManager, workflow.OutcomeApproved, "")
	require.Equal(t, workflow.StagePendingCEO, res.Instance.CurrentStage)
	return res.Instance
}
