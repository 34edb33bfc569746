package repo

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shaiso/celerywatch/internal/domain"
)

func newWorkflow(name string) *domain.WorkflowDefinition {
	return &domain.WorkflowDefinition{
		Name:    name,
		Enabled: true,
		Trigger: domain.Trigger{Type: domain.EventTaskFailed},
		Conditions: &domain.ConditionGroup{
			Operator:   domain.LogicalAnd,
			Conditions: []domain.Condition{{Field: "queue", Operator: domain.OpEquals, Value: "payments"}},
		},
		Actions: []domain.ActionConfig{{Type: domain.ActionSlackNotify, Params: map[string]any{"text": "{{ .task_name }}"}}},
	}
}

func finished(wf *domain.WorkflowDefinition, status domain.ExecutionStatus, at time.Time) *domain.WorkflowExecutionRecord {
	ev := &domain.Event{Type: domain.EventTaskFailed, TaskID: uuid.NewString()}
	rec := domain.NewExecutionRecord(wf, ev, at)
	rec.Finish(status, nil, at.Add(time.Second))
	return rec
}

func TestMemoryStore_WorkflowCRUD(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	wf := newWorkflow("notify-payments")
	require.NoError(t, s.CreateWorkflow(ctx, wf))
	require.NotEqual(t, uuid.Nil, wf.ID)

	got, err := s.GetWorkflow(ctx, wf.ID)
	require.NoError(t, err)
	assert.Equal(t, "notify-payments", got.Name)
	require.NotNil(t, got.Conditions)
	assert.Equal(t, "payments", got.Conditions.Conditions[0].Value)

	got.Name = "mutated"
	again, _ := s.GetWorkflow(ctx, wf.ID)
	assert.Equal(t, "notify-payments", again.Name, "returned values are copies")

	assert.ErrorIs(t, s.CreateWorkflow(ctx, newWorkflow("notify-payments")), ErrAlreadyExists)

	require.NoError(t, s.SetWorkflowEnabled(ctx, wf.ID, false))
	enabled, _ := s.ListEnabledWorkflows(ctx)
	assert.Empty(t, enabled)
	all, _ := s.ListWorkflows(ctx)
	assert.Len(t, all, 1)

	require.NoError(t, s.DeleteWorkflow(ctx, wf.ID))
	_, err = s.GetWorkflow(ctx, wf.ID)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, s.DeleteWorkflow(ctx, wf.ID), ErrNotFound)
}

func TestMemoryStore_UpdateKeepsCounters(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	wf := newWorkflow("retry-chain")
	require.NoError(t, s.CreateWorkflow(ctx, wf))
	require.NoError(t, s.FinalizeExecution(ctx, finished(wf, domain.ExecutionCompleted, time.Now())))

	edit := newWorkflow("retry-chain")
	edit.ID = wf.ID
	edit.Priority = 7
	require.NoError(t, s.UpdateWorkflow(ctx, edit))

	got, _ := s.GetWorkflow(ctx, wf.ID)
	assert.Equal(t, 7, got.Priority)
	assert.EqualValues(t, 1, got.ExecutionCount)
	assert.NotNil(t, got.LastExecutedAt)

	missing := newWorkflow("ghost")
	missing.ID = uuid.New()
	assert.ErrorIs(t, s.UpdateWorkflow(ctx, missing), ErrNotFound)
}

func TestMemoryStore_FinalizeCounters(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	wf := newWorkflow("counters")
	require.NoError(t, s.CreateWorkflow(ctx, wf))

	t0 := time.Now().UTC()
	ok := finished(wf, domain.ExecutionCompleted, t0)
	require.NoError(t, s.FinalizeExecution(ctx, ok))
	require.NoError(t, s.FinalizeExecution(ctx, ok), "repeat is a no-op")
	require.NoError(t, s.FinalizeExecution(ctx, finished(wf, domain.ExecutionFailed, t0.Add(time.Minute))))

	limited := domain.NewRateLimitedRecord(wf, &domain.Event{Type: domain.EventTaskFailed}, domain.RejectCooldown, "cooldown", t0.Add(2*time.Minute))
	require.NoError(t, s.FinalizeExecution(ctx, limited))

	got, _ := s.GetWorkflow(ctx, wf.ID)
	assert.EqualValues(t, 2, got.ExecutionCount)
	assert.EqualValues(t, 1, got.SuccessCount)
	assert.EqualValues(t, 1, got.FailureCount)
	require.NotNil(t, got.LastExecutedAt)
	assert.True(t, got.LastExecutedAt.Equal(t0.Add(time.Minute)))
}

func TestMemoryStore_ExecutionLifecycle(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	wf := newWorkflow("lifecycle")
	require.NoError(t, s.CreateWorkflow(ctx, wf))

	rec := domain.NewExecutionRecord(wf, &domain.Event{Type: domain.EventTaskFailed, TaskID: "t1"}, time.Now())
	require.NoError(t, s.CreateExecution(ctx, rec))

	rec.MarkRunning(time.Now())
	require.NoError(t, s.UpdateExecution(ctx, rec))

	rec.Finish(domain.ExecutionCompleted, []domain.ActionResult{{ActionType: domain.ActionSlackNotify, Status: domain.ActionSuccess}}, time.Now())
	require.NoError(t, s.FinalizeExecution(ctx, rec))

	assert.ErrorIs(t, s.UpdateExecution(ctx, rec), ErrNotFound, "completed records are immutable")

	got, err := s.GetExecution(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.ExecutionCompleted, got.Status)
	assert.Len(t, got.ActionsExecuted, 1)
	assert.Equal(t, "t1", got.TriggerEvent["task_id"])
	require.NotNil(t, got.WorkflowSnapshot)
	assert.Equal(t, "lifecycle", got.WorkflowSnapshot.Name)
}

func TestMemoryStore_ListExecutions(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	a, b := newWorkflow("a"), newWorkflow("b")
	require.NoError(t, s.CreateWorkflow(ctx, a))
	require.NoError(t, s.CreateWorkflow(ctx, b))

	base := time.Now().UTC().Add(-time.Hour)
	for i := 0; i < 5; i++ {
		require.NoError(t, s.FinalizeExecution(ctx, finished(a, domain.ExecutionCompleted, base.Add(time.Duration(i)*time.Minute))))
	}
	require.NoError(t, s.FinalizeExecution(ctx, finished(b, domain.ExecutionFailed, base.Add(30*time.Minute))))

	byA, _ := s.ListExecutionsByWorkflow(ctx, a.ID, ExecutionFilter{Limit: 2})
	require.Len(t, byA, 2)
	assert.True(t, byA[0].TriggeredAt.After(byA[1].TriggeredAt), "newest first")

	recent, _ := s.ListRecentExecutions(ctx, ExecutionFilter{})
	require.Len(t, recent, 6)
	assert.Equal(t, b.ID, recent[0].WorkflowID)

	failed, _ := s.ListRecentExecutions(ctx, ExecutionFilter{Status: domain.ExecutionFailed})
	assert.Len(t, failed, 1)

	page, _ := s.ListRecentExecutions(ctx, ExecutionFilter{Offset: 10})
	assert.Empty(t, page)
}

func TestMemoryStore_TimesSinceAndPurge(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	wf := newWorkflow("seed")
	require.NoError(t, s.CreateWorkflow(ctx, wf))

	now := time.Now().UTC()
	require.NoError(t, s.FinalizeExecution(ctx, finished(wf, domain.ExecutionCompleted, now.Add(-2*time.Hour))))
	require.NoError(t, s.FinalizeExecution(ctx, finished(wf, domain.ExecutionCompleted, now.Add(-20*time.Minute))))
	require.NoError(t, s.FinalizeExecution(ctx, domain.NewRateLimitedRecord(wf, &domain.Event{Type: domain.EventTaskFailed}, domain.RejectHourlyLimit, "cap", now.Add(-10*time.Minute))))

	times, err := s.ExecutionTimesSince(ctx, now.Add(-time.Hour))
	require.NoError(t, err)
	assert.Len(t, times[wf.ID], 1, "rate-limited and old records are not admissions")

	n, err := s.PurgeExecutions(ctx, now.Add(-time.Hour))
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	recent, _ := s.ListRecentExecutions(ctx, ExecutionFilter{})
	assert.Len(t, recent, 2)
}

func TestMemoryStore_ActionConfigs(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	cfg := &domain.ActionConfigDefinition{
		Name:   "ops-slack",
		Type:   domain.ActionSlackNotify,
		Config: map[string]any{"webhook_url": "https://hooks.slack.test/x"},
	}
	require.NoError(t, s.CreateActionConfig(ctx, cfg))
	assert.ErrorIs(t, s.CreateActionConfig(ctx, &domain.ActionConfigDefinition{Name: "ops-slack", Type: domain.ActionSlackNotify}), ErrAlreadyExists)

	got, err := s.GetActionConfig(ctx, cfg.ID)
	require.NoError(t, err)
	assert.Equal(t, "https://hooks.slack.test/x", got.Config["webhook_url"])

	cfg.Config["webhook_url"] = "https://hooks.slack.test/y"
	require.NoError(t, s.UpdateActionConfig(ctx, cfg))
	got, _ = s.GetActionConfig(ctx, cfg.ID)
	assert.Equal(t, "https://hooks.slack.test/y", got.Config["webhook_url"])

	list, _ := s.ListActionConfigs(ctx)
	assert.Len(t, list, 1)

	require.NoError(t, s.DeleteActionConfig(ctx, cfg.ID))
	_, err = s.GetActionConfig(ctx, cfg.ID)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryStore_OnChange(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	var changes []Change
	s.OnChange(func(c Change) { changes = append(changes, c) })

	wf := newWorkflow("watched")
	require.NoError(t, s.CreateWorkflow(ctx, wf))
	require.NoError(t, s.SetWorkflowEnabled(ctx, wf.ID, false))
	require.NoError(t, s.DeleteWorkflow(ctx, wf.ID))

	require.Len(t, changes, 3)
	assert.Equal(t, OpCreate, changes[0].Op)
	assert.Equal(t, OpUpdate, changes[1].Op)
	assert.Equal(t, OpDelete, changes[2].Op)
	assert.Equal(t, wf.ID, changes[2].ID)
}

func TestMemoryStore_WithLock(t *testing.T) {
	s := NewMemoryStore()
	var inner atomic.Bool

	ran, err := s.WithLock(context.Background(), "retention", func(ctx context.Context) error {
		got, err := s.WithLock(ctx, "retention", func(context.Context) error { return nil })
		inner.Store(got)
		return err
	})

	require.NoError(t, err)
	assert.True(t, ran)
	assert.False(t, inner.Load(), "lock is exclusive")
}

func TestParseChange(t *testing.T) {
	id := uuid.New()
	c, err := ParseChange(`{"kind":"workflow","id":"` + id.String() + `","op":"update"}`)
	require.NoError(t, err)
	assert.Equal(t, Change{Kind: KindWorkflow, ID: id, Op: OpUpdate}, c)

	_, err = ParseChange("workflow:1")
	assert.Error(t, err)
}

func TestExecutionFilterNormalize(t *testing.T) {
	assert.Equal(t, defaultExecutionLimit, ExecutionFilter{}.normalize().Limit)
	assert.Equal(t, maxExecutionLimit, ExecutionFilter{Limit: 10_000}.normalize().Limit)
	assert.Equal(t, 0, ExecutionFilter{Offset: -3}.normalize().Offset)
}

func TestLockKeyStable(t *testing.T) {
	assert.Equal(t, lockKey("retention"), lockKey("retention"))
	assert.NotEqual(t, lockKey("retention"), lockKey("sweep"))
}
