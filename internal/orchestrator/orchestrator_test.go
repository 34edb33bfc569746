package orchestrator

import (
	"bytes"
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shaiso/celerywatch/internal/actions"
	"github.com/shaiso/celerywatch/internal/admission"
	"github.com/shaiso/celerywatch/internal/domain"
	"github.com/shaiso/celerywatch/internal/ledger"
	"github.com/shaiso/celerywatch/internal/repo"
	"github.com/shaiso/celerywatch/internal/telemetry"
)

// --- Helpers ---

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newClock() *fakeClock {
	return &fakeClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type executorFunc func(ctx context.Context, req *actions.Request) (*actions.Result, error)

func (f executorFunc) Execute(ctx context.Context, req *actions.Request) (*actions.Result, error) {
	return f(ctx, req)
}

type harness struct {
	store  *repo.MemoryStore
	engine *Engine
	clock  *fakeClock
	slack  *httptest.Server
	posts  atomic.Int32
}

func newHarness(t *testing.T, register func(*actions.Registry)) *harness {
	t.Helper()

	h := &harness{store: repo.NewMemoryStore(), clock: newClock()}
	h.slack = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h.posts.Add(1)
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	}))
	t.Cleanup(h.slack.Close)

	registry := actions.NewRegistry(actions.Deps{})
	if register != nil {
		register(registry)
	}

	h.engine = New(Config{
		Store:  h.store,
		Ledger: ledger.New(ledger.Config{Store: h.store}),
		Pipeline: actions.NewPipeline(actions.PipelineConfig{
			Registry: registry,
			Configs:  h.store,
			Timeout:  5 * time.Second,
		}),
		Admission: admission.NewController(),
		Workers:   2,
		QueueSize: 16,
		Now:       h.clock.Now,
	})
	return h
}

func (h *harness) slackWorkflow(name string) *domain.WorkflowDefinition {
	return &domain.WorkflowDefinition{
		Name:    name,
		Enabled: true,
		Trigger: domain.Trigger{Type: domain.EventTaskFailed},
		CircuitBreaker: &domain.CircuitBreakerConfig{
			Enabled:       true,
			MaxExecutions: 1,
			WindowSeconds: 300,
			ContextField:  "root_id",
		},
		Actions: []domain.ActionConfig{{
			Type: domain.ActionSlackNotify,
			Params: map[string]any{
				"webhook_url": h.slack.URL,
				"text":        "{{ .task_name }} failed: {{ .exception }}",
			},
		}},
	}
}

func (h *harness) create(t *testing.T, wf *domain.WorkflowDefinition) *domain.WorkflowDefinition {
	t.Helper()
	require.NoError(t, h.store.CreateWorkflow(context.Background(), wf))
	require.NoError(t, h.engine.Reload(context.Background()))
	return wf
}

func (h *harness) executions(t *testing.T, wfID uuid.UUID) []domain.WorkflowExecutionRecord {
	t.Helper()
	recs, err := h.store.ListExecutionsByWorkflow(context.Background(), wfID, repo.ExecutionFilter{})
	require.NoError(t, err)
	return recs
}

func failedEvent(taskID, rootID string) *domain.Event {
	return &domain.Event{
		Type:      domain.EventTaskFailed,
		TaskID:    taskID,
		TaskName:  "billing.tasks.charge_card",
		RootID:    rootID,
		Queue:     "low",
		Exception: "ValueError('card declined')",
		Hostname:  "celery@worker-1",
	}
}

// --- Snapshot Tests ---

func TestBuildSnapshot(t *testing.T) {
	action := []domain.ActionConfig{{Type: domain.ActionSlackNotify}}
	wfs := []domain.WorkflowDefinition{
		{ID: uuid.New(), Name: "low", Enabled: true, Priority: 1, Trigger: domain.Trigger{Type: domain.EventTaskFailed}, Actions: action},
		{ID: uuid.New(), Name: "high", Enabled: true, Priority: 10, Trigger: domain.Trigger{Type: domain.EventTaskFailed}, Actions: action},
		{ID: uuid.New(), Name: "disabled", Enabled: false, Trigger: domain.Trigger{Type: domain.EventTaskFailed}, Actions: action},
		{ID: uuid.New(), Name: "no-actions", Enabled: true, Trigger: domain.Trigger{Type: domain.EventTaskFailed}},
		{ID: uuid.New(), Name: "offline", Enabled: true, Trigger: domain.Trigger{Type: domain.EventWorkerOffline}, Actions: action},
	}

	snap := buildSnapshot(wfs, 7, time.Now())

	assert.Equal(t, uint64(7), snap.Generation)
	assert.Equal(t, 3, snap.Len())

	failed := snap.Subscribers(domain.EventTaskFailed)
	require.Len(t, failed, 2)
	assert.Equal(t, "high", failed[0].Name)
	assert.Equal(t, "low", failed[1].Name)

	assert.Len(t, snap.Subscribers(domain.EventWorkerOffline), 1)
	assert.Nil(t, snap.Subscribers(domain.EventTaskSucceeded))

	var nilSnap *Snapshot
	assert.Nil(t, nilSnap.Subscribers(domain.EventTaskFailed))
	assert.Equal(t, 0, nilSnap.Len())
}

// --- Submit Tests ---

func TestSubmit_DropsWithoutSubscribers(t *testing.T) {
	h := newHarness(t, nil)
	h.create(t, h.slackWorkflow("notify"))

	assert.False(t, h.engine.Submit(&domain.Event{Type: domain.EventTaskSucceeded, TaskID: "t1"}))
	assert.True(t, h.engine.Submit(failedEvent("t1", "r1")))
}

func TestSubmit_DropsWhenQueueFull(t *testing.T) {
	h := newHarness(t, nil)
	h.create(t, h.slackWorkflow("notify"))

	// Воркеры не запущены: очередь не разгружается.
	accepted := 0
	for i := 0; i < 20; i++ {
		if h.engine.Submit(failedEvent(uuid.NewString(), "r1")) {
			accepted++
		}
	}
	assert.Equal(t, 16, accepted)
}

func TestSubmit_RejectsAfterStop(t *testing.T) {
	h := newHarness(t, nil)
	h.create(t, h.slackWorkflow("notify"))
	require.NoError(t, h.engine.Start(context.Background()))
	h.engine.Stop()

	assert.False(t, h.engine.Submit(failedEvent("t1", "r1")))
	assert.ErrorIs(t, h.engine.Ready(), ErrEngineStopped)
}

// --- Scenario Tests ---

func TestScenario_RetryChainSharesBreakerBudget(t *testing.T) {
	h := newHarness(t, nil)
	wf := h.create(t, h.slackWorkflow("notify-on-failure"))
	ctx := context.Background()

	h.engine.processEvent(ctx, failedEvent("t1", "r1"))
	h.clock.Advance(10 * time.Second)
	// Повтор Celery: новый task id, тот же root_id.
	h.engine.processEvent(ctx, failedEvent("t2", "r1"))

	recs := h.executions(t, wf.ID)
	require.Len(t, recs, 2)

	// Новые первыми.
	limited, completed := recs[0], recs[1]
	assert.Equal(t, domain.ExecutionCompleted, completed.Status)
	require.Len(t, completed.ActionsExecuted, 1)
	assert.Equal(t, domain.ActionSuccess, completed.ActionsExecuted[0].Status)
	assert.Equal(t, "r1", completed.ContextKey)

	assert.Equal(t, domain.ExecutionRateLimited, limited.Status)
	assert.Equal(t, domain.RejectCircuitBreaker, limited.RejectReason)
	assert.Empty(t, limited.ActionsExecuted)

	got, err := h.store.GetWorkflow(ctx, wf.ID)
	require.NoError(t, err)
	assert.EqualValues(t, 1, got.ExecutionCount)
	assert.EqualValues(t, 1, got.SuccessCount)
	assert.EqualValues(t, 1, h.posts.Load())

	// Другой root_id: отдельный бюджет.
	h.engine.processEvent(ctx, failedEvent("t3", "r2"))
	assert.Len(t, h.executions(t, wf.ID), 3)
	assert.EqualValues(t, 2, h.posts.Load())
}

func TestScenario_BreakerWindowExpires(t *testing.T) {
	h := newHarness(t, nil)
	wf := h.create(t, h.slackWorkflow("notify"))
	ctx := context.Background()

	h.engine.processEvent(ctx, failedEvent("t1", "r1"))
	h.clock.Advance(330 * time.Second) // 1.1 окна
	h.engine.processEvent(ctx, failedEvent("t2", "r1"))

	for _, rec := range h.executions(t, wf.ID) {
		assert.Equal(t, domain.ExecutionCompleted, rec.Status)
	}
}

func TestScenario_ConditionMissLeavesNoRecord(t *testing.T) {
	h := newHarness(t, nil)
	wf := h.slackWorkflow("high-priority-only")
	wf.Conditions = &domain.ConditionGroup{
		Operator:   domain.LogicalAnd,
		Conditions: []domain.Condition{{Field: "queue", Operator: domain.OpEquals, Value: "high-priority"}},
	}
	h.create(t, wf)

	h.engine.processEvent(context.Background(), failedEvent("t1", "r1"))

	assert.Empty(t, h.executions(t, wf.ID))
	assert.EqualValues(t, 0, h.posts.Load())
	assert.Equal(t, 0, h.engine.admission.BreakerBuckets(), "breaker untouched")
}

func TestScenario_CooldownRecorded(t *testing.T) {
	h := newHarness(t, nil)
	wf := h.slackWorkflow("cooldown")
	wf.CircuitBreaker = nil
	wf.CooldownSeconds = 60
	h.create(t, wf)
	ctx := context.Background()

	h.engine.processEvent(ctx, failedEvent("t1", "r1"))
	h.clock.Advance(30 * time.Second)
	h.engine.processEvent(ctx, failedEvent("t2", "r2"))
	h.clock.Advance(30 * time.Second)
	h.engine.processEvent(ctx, failedEvent("t3", "r3"))

	recs := h.executions(t, wf.ID)
	require.Len(t, recs, 3)
	assert.Equal(t, domain.ExecutionCompleted, recs[0].Status)
	assert.Equal(t, domain.ExecutionRateLimited, recs[1].Status)
	assert.Equal(t, domain.RejectCooldown, recs[1].RejectReason)
	assert.Equal(t, domain.ExecutionCompleted, recs[2].Status)
}

func TestScenario_PriorityOrderAndPanicIsolation(t *testing.T) {
	var order []string
	var mu sync.Mutex
	record := func(name string) {
		mu.Lock()
		defer mu.Unlock()
		order = append(order, name)
	}

	h := newHarness(t, func(r *actions.Registry) {
		r.Register(domain.ActionWebhookCall, executorFunc(func(_ context.Context, req *actions.Request) (*actions.Result, error) {
			record(req.Workflow.Name)
			if req.Workflow.Name == "explodes" {
				panic("nil map write")
			}
			return &actions.Result{Output: map[string]any{"ok": true}}, nil
		}))
	})

	mk := func(name string, priority int) *domain.WorkflowDefinition {
		return h.create(t, &domain.WorkflowDefinition{
			Name:     name,
			Enabled:  true,
			Priority: priority,
			Trigger:  domain.Trigger{Type: domain.EventTaskFailed},
			Actions: []domain.ActionConfig{
				{Type: domain.ActionWebhookCall, ContinueOnFailure: true},
				{Type: domain.ActionWebhookCall},
			},
		})
	}
	explodes := mk("explodes", 10)
	survives := mk("survives", 1)

	h.engine.processEvent(context.Background(), failedEvent("t1", "r1"))

	assert.Equal(t, []string{"explodes", "survives", "survives"}, order)

	bad := h.executions(t, explodes.ID)
	require.Len(t, bad, 1)
	assert.Equal(t, domain.ExecutionFailed, bad[0].Status)
	assert.Contains(t, bad[0].ErrorMessage, "nil map write")
	assert.NotEmpty(t, bad[0].StackTrace)
	require.Len(t, bad[0].ActionsExecuted, 2)
	assert.Equal(t, domain.ActionSkipped, bad[0].ActionsExecuted[1].Status, "panic stops the pipeline despite continue_on_failure")

	good := h.executions(t, survives.ID)
	require.Len(t, good, 1)
	assert.Equal(t, domain.ExecutionCompleted, good[0].Status)
}

func TestScenario_MissingConfigFailsAction(t *testing.T) {
	h := newHarness(t, nil)
	missing := uuid.New()
	wf := h.slackWorkflow("dangling-config")
	wf.CircuitBreaker = nil
	wf.Actions[0].ConfigID = &missing
	h.create(t, wf)

	h.engine.processEvent(context.Background(), failedEvent("t1", "r1"))

	recs := h.executions(t, wf.ID)
	require.Len(t, recs, 1)
	assert.Equal(t, domain.ExecutionFailed, recs[0].Status)
	assert.Equal(t, domain.ActionFailed, recs[0].ActionsExecuted[0].Status)
	assert.EqualValues(t, 0, h.posts.Load())
}

// --- Lifecycle Tests ---

func TestEngine_ProcessesSubmittedEvents(t *testing.T) {
	h := newHarness(t, nil)
	wf := h.slackWorkflow("async")
	require.NoError(t, h.store.CreateWorkflow(context.Background(), wf))

	require.NoError(t, h.engine.Start(context.Background()))
	defer h.engine.Stop()
	require.NoError(t, h.engine.Ready())

	require.True(t, h.engine.Submit(failedEvent("t1", "r1")))

	require.Eventually(t, func() bool {
		recs := h.executions(t, wf.ID)
		return len(recs) == 1 && recs[0].Status == domain.ExecutionCompleted
	}, 5*time.Second, 10*time.Millisecond)

	assert.Equal(t, 0, h.engine.ActiveExecutionsCount())
	stats := h.engine.Stats()
	assert.Equal(t, 1, stats.Workflows)
	assert.Equal(t, 1, stats.BreakerBuckets)
	assert.False(t, stats.LedgerDegraded)
}

func TestEngine_ReloadsOnChange(t *testing.T) {
	h := newHarness(t, nil)
	h.store.OnChange(h.engine.HandleChange)

	require.NoError(t, h.engine.Start(context.Background()))
	defer h.engine.Stop()

	gen := h.engine.Snapshot().Generation
	require.False(t, h.engine.Submit(failedEvent("t1", "r1")))

	wf := h.slackWorkflow("late")
	require.NoError(t, h.store.CreateWorkflow(context.Background(), wf))

	require.Eventually(t, func() bool {
		return h.engine.Snapshot().Generation > gen && h.engine.Snapshot().Len() == 1
	}, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, h.store.SetWorkflowEnabled(context.Background(), wf.ID, false))
	require.Eventually(t, func() bool {
		return h.engine.Snapshot().Len() == 0
	}, 5*time.Second, 10*time.Millisecond)
}

func TestEngine_DeleteForgetsAdmissionState(t *testing.T) {
	h := newHarness(t, nil)
	wf := h.create(t, h.slackWorkflow("forget"))
	h.engine.processEvent(context.Background(), failedEvent("t1", "r1"))
	require.Equal(t, 1, h.engine.admission.BreakerCount(wf, "r1", h.clock.Now()))

	h.engine.HandleChange(repo.Change{Kind: repo.KindWorkflow, ID: wf.ID, Op: repo.OpDelete})

	assert.Equal(t, 0, h.engine.admission.BreakerCount(wf, "r1", h.clock.Now()))
}

func TestEngine_LogsBreakerFill(t *testing.T) {
	h := newHarness(t, nil)
	wf := h.slackWorkflow("fill")
	wf.CircuitBreaker.MaxExecutions = 3
	h.create(t, wf)

	var buf bytes.Buffer
	ctx := telemetry.WithLogger(context.Background(), slog.New(slog.NewTextHandler(&buf, nil)))

	h.engine.processEvent(ctx, failedEvent("t1", "r1"))
	h.clock.Advance(time.Second)
	h.engine.processEvent(ctx, failedEvent("t2", "r1"))

	assert.Contains(t, buf.String(), "breaker_fill=1")
	assert.Contains(t, buf.String(), "breaker_fill=2")
}

func TestEngine_SeedsHourlyCapFromLedger(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	wf := h.slackWorkflow("capped")
	wf.CircuitBreaker = nil
	wf.MaxExecutionsPerHour = 2
	require.NoError(t, h.store.CreateWorkflow(ctx, wf))

	// Два выполнения за последние полчаса до "рестарта".
	for _, ago := range []time.Duration{30 * time.Minute, 10 * time.Minute} {
		at := h.clock.Now().Add(-ago)
		rec := domain.NewExecutionRecord(wf, failedEvent("old", "r0"), at)
		rec.Finish(domain.ExecutionCompleted, nil, at)
		require.NoError(t, h.store.FinalizeExecution(ctx, rec))
	}

	require.NoError(t, h.engine.Reload(ctx))
	h.engine.processEvent(ctx, failedEvent("t1", "r1"))

	recs := h.executions(t, wf.ID)
	require.Len(t, recs, 3)
	assert.Equal(t, domain.ExecutionRateLimited, recs[0].Status)
	assert.Equal(t, domain.RejectHourlyLimit, recs[0].RejectReason)
}
