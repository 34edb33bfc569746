package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shaiso/celerywatch/internal/domain"
	"github.com/shaiso/celerywatch/internal/repo"
)

type testServer struct {
	store  *repo.MemoryStore
	server *httptest.Server
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	store := repo.NewMemoryStore()
	h := NewHandler(Config{
		Store:       store,
		CORSOrigins: []string{"http://localhost:3000"},
		Logger:      slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	srv := httptest.NewServer(h.Router())
	t.Cleanup(srv.Close)
	return &testServer{store: store, server: srv}
}

func (ts *testServer) do(t *testing.T, method, path string, body any) (*http.Response, []byte) {
	t.Helper()
	var rdr io.Reader
	if body != nil {
		switch b := body.(type) {
		case string:
			rdr = bytes.NewBufferString(b)
		default:
			data, err := json.Marshal(b)
			require.NoError(t, err)
			rdr = bytes.NewReader(data)
		}
	}
	req, err := http.NewRequest(method, ts.server.URL+path, rdr)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, data
}

func decodeData[T any](t *testing.T, data []byte) T {
	t.Helper()
	var env struct {
		Data T `json:"data"`
	}
	require.NoError(t, json.Unmarshal(data, &env), string(data))
	return env.Data
}

func decodeError(t *testing.T, data []byte) ErrorDetail {
	t.Helper()
	var env ErrorResponse
	require.NoError(t, json.Unmarshal(data, &env), string(data))
	return env.Error
}

func failedPaymentWorkflow(name string) map[string]any {
	return map[string]any{
		"name":    name,
		"enabled": true,
		"trigger": map[string]any{"type": "task.failed"},
		"conditions": map[string]any{
			"AND": []any{
				map[string]any{"field": "task_name", "operator": "starts_with", "value": "payments."},
				map[string]any{"field": "retries", "operator": "gte", "value": 2},
			},
		},
		"actions": []any{
			map[string]any{
				"type":   "slack.notify",
				"params": map[string]any{"text": "{{ .task_name }} failed on {{ .hostname }}"},
			},
		},
		"priority":         10,
		"cooldown_seconds": 60,
		"circuit_breaker": map[string]any{
			"enabled": true, "max_executions": 3, "window_seconds": 300, "context_field": "root_id",
		},
	}
}

func (ts *testServer) createWorkflow(t *testing.T, body map[string]any) domain.WorkflowDefinition {
	t.Helper()
	resp, data := ts.do(t, http.MethodPost, "/api/v1/workflows", body)
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(data))
	return decodeData[domain.WorkflowDefinition](t, data)
}

// --- Workflows ---

func TestWorkflowCRUD(t *testing.T) {
	ts := newTestServer(t)

	created := ts.createWorkflow(t, failedPaymentWorkflow("payments"))
	assert.NotEqual(t, uuid.Nil, created.ID)
	assert.Equal(t, domain.EventTaskFailed, created.Trigger.Type)
	assert.Equal(t, domain.LogicalAnd, created.Conditions.Operator)
	assert.Len(t, created.Conditions.Conditions, 2)

	resp, data := ts.do(t, http.MethodGet, "/api/v1/workflows/"+created.ID.String(), nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	got := decodeData[domain.WorkflowDefinition](t, data)
	assert.Equal(t, "payments", got.Name)
	assert.Equal(t, 10, got.Priority)

	resp, data = ts.do(t, http.MethodGet, "/api/v1/workflows", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var list ListResponse
	require.NoError(t, json.Unmarshal(data, &list))
	assert.Equal(t, 1, list.Total)

	resp, _ = ts.do(t, http.MethodDelete, "/api/v1/workflows/"+created.ID.String(), nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp, data = ts.do(t, http.MethodGet, "/api/v1/workflows/"+created.ID.String(), nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, ErrCodeNotFound, decodeError(t, data).Code)
}

func TestCreateWorkflow_Invalid(t *testing.T) {
	ts := newTestServer(t)

	tests := []struct {
		name  string
		body  any
		code  ErrorCode
		field string
	}{
		{
			name: "malformed json",
			body: "{not json",
			code: ErrCodeBadRequest,
		},
		{
			name: "unknown operator",
			body: map[string]any{
				"name":       "bad-op",
				"trigger":    map[string]any{"type": "task.failed"},
				"conditions": map[string]any{"AND": []any{map[string]any{"field": "queue", "operator": "like", "value": "x"}}},
				"actions":    []any{map[string]any{"type": "slack.notify"}},
			},
			code:  ErrCodeValidationFailed,
			field: "conditions.conditions[0].operator",
		},
		{
			name: "enabled without actions",
			body: map[string]any{
				"name":    "no-actions",
				"enabled": true,
				"trigger": map[string]any{"type": "task.failed"},
			},
			code:  ErrCodeValidationFailed,
			field: "actions",
		},
		{
			name: "unknown action type",
			body: map[string]any{
				"name":    "bad-action",
				"trigger": map[string]any{"type": "task.failed"},
				"actions": []any{map[string]any{"type": "pager.call"}},
			},
			code:  ErrCodeValidationFailed,
			field: "actions[0].type",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, data := ts.do(t, http.MethodPost, "/api/v1/workflows", tt.body)
			require.Equal(t, http.StatusBadRequest, resp.StatusCode, string(data))

			detail := decodeError(t, data)
			assert.Equal(t, tt.code, detail.Code)
			if tt.field != "" {
				var fields []string
				for _, f := range detail.Fields {
					fields = append(fields, f.Field)
				}
				assert.Contains(t, fields, tt.field)
			}
		})
	}

	wfs, err := ts.store.ListWorkflows(context.Background())
	require.NoError(t, err)
	assert.Empty(t, wfs, "invalid definitions are never stored")
}

func TestCreateWorkflow_DuplicateName(t *testing.T) {
	ts := newTestServer(t)
	ts.createWorkflow(t, failedPaymentWorkflow("payments"))

	resp, data := ts.do(t, http.MethodPost, "/api/v1/workflows", failedPaymentWorkflow("payments"))
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Equal(t, ErrCodeConflict, decodeError(t, data).Code)
}

func TestUpdateWorkflow_KeepsCounters(t *testing.T) {
	ts := newTestServer(t)
	ctx := context.Background()
	created := ts.createWorkflow(t, failedPaymentWorkflow("payments"))

	at := time.Now().UTC().Add(-time.Minute)
	rec := domain.NewExecutionRecord(&created, &domain.Event{Type: domain.EventTaskFailed, TaskID: "t1"}, at)
	rec.Finish(domain.ExecutionCompleted, nil, at)
	require.NoError(t, ts.store.FinalizeExecution(ctx, rec))

	body := failedPaymentWorkflow("payments-renamed")
	body["priority"] = 99
	resp, data := ts.do(t, http.MethodPut, "/api/v1/workflows/"+created.ID.String(), body)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(data))

	updated := decodeData[domain.WorkflowDefinition](t, data)
	assert.Equal(t, "payments-renamed", updated.Name)
	assert.Equal(t, 99, updated.Priority)
	assert.EqualValues(t, 1, updated.ExecutionCount)
	assert.EqualValues(t, 1, updated.SuccessCount)
	assert.Equal(t, created.CreatedAt.Unix(), updated.CreatedAt.Unix())

	resp, _ = ts.do(t, http.MethodPut, "/api/v1/workflows/"+uuid.NewString(), body)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, _ = ts.do(t, http.MethodPut, "/api/v1/workflows/not-a-uuid", body)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestSetWorkflowEnabled(t *testing.T) {
	ts := newTestServer(t)
	created := ts.createWorkflow(t, failedPaymentWorkflow("payments"))
	path := "/api/v1/workflows/" + created.ID.String() + "/enabled"

	resp, data := ts.do(t, http.MethodPut, path, map[string]any{"enabled": false})
	require.Equal(t, http.StatusOK, resp.StatusCode, string(data))
	assert.False(t, decodeData[domain.WorkflowDefinition](t, data).Enabled)

	stored, err := ts.store.GetWorkflow(context.Background(), created.ID)
	require.NoError(t, err)
	assert.False(t, stored.Enabled)

	resp, _ = ts.do(t, http.MethodPut, path, map[string]any{})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode, "enabled is required")

	// Workflow без actions нельзя включить
	draft := ts.createWorkflow(t, map[string]any{
		"name":    "draft",
		"trigger": map[string]any{"type": "task.failed"},
	})
	resp, data = ts.do(t, http.MethodPut, "/api/v1/workflows/"+draft.ID.String()+"/enabled", map[string]any{"enabled": true})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, ErrCodeValidationFailed, decodeError(t, data).Code)
}

// --- Dry run ---

type dryRunResult struct {
	ConditionsMet bool `json:"conditions_met"`
	WouldExecute  bool `json:"would_execute"`
	Actions       []struct {
		Type   string         `json:"type"`
		Params map[string]any `json:"params"`
	} `json:"actions"`
	Event map[string]any `json:"event"`
}

func TestTestWorkflow(t *testing.T) {
	ts := newTestServer(t)
	created := ts.createWorkflow(t, failedPaymentWorkflow("payments"))
	path := "/api/v1/workflows/" + created.ID.String() + "/test"

	t.Run("match", func(t *testing.T) {
		resp, data := ts.do(t, http.MethodPost, path, map[string]any{
			"event": map[string]any{
				"task_name": "payments.charge",
				"task_id":   "abc",
				"retries":   3,
				"hostname":  "celery@w1",
			},
		})
		require.Equal(t, http.StatusOK, resp.StatusCode, string(data))

		res := decodeData[dryRunResult](t, data)

		assert.True(t, res.ConditionsMet)
		assert.True(t, res.WouldExecute)
		require.Len(t, res.Actions, 1)
		assert.Equal(t, "slack.notify", res.Actions[0].Type)
		assert.Equal(t, "payments.charge failed on celery@w1", res.Actions[0].Params["text"])
		assert.Equal(t, "task.failed", res.Event["event_type"], "event type defaults to the trigger")
	})

	t.Run("miss", func(t *testing.T) {
		resp, data := ts.do(t, http.MethodPost, path, map[string]any{
			"task_name": "reports.build",
			"retries":   3,
		})
		require.Equal(t, http.StatusOK, resp.StatusCode, string(data))

		res := decodeData[map[string]any](t, data)
		assert.Equal(t, false, res["conditions_met"])
		assert.Equal(t, false, res["would_execute"])
	})

	t.Run("unknown workflow", func(t *testing.T) {
		resp, _ := ts.do(t, http.MethodPost, "/api/v1/workflows/"+uuid.NewString()+"/test", map[string]any{})
		assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	})
}

func TestTestWorkflow_Idempotent(t *testing.T) {
	ts := newTestServer(t)
	ctx := context.Background()
	created := ts.createWorkflow(t, failedPaymentWorkflow("payments"))
	path := "/api/v1/workflows/" + created.ID.String() + "/test"
	event := map[string]any{"task_name": "payments.charge", "retries": 5, "root_id": "r1"}

	// Больше запусков, чем позволяет breaker: dry-run не трогает гейты
	var first []byte
	for i := 0; i < 5; i++ {
		resp, data := ts.do(t, http.MethodPost, path, map[string]any{"event": event})
		require.Equal(t, http.StatusOK, resp.StatusCode)
		res := decodeData[map[string]any](t, data)
		assert.Equal(t, true, res["would_execute"])
		delete(res["event"].(map[string]any), "timestamp")
		body, _ := json.Marshal(res)
		if first == nil {
			first = body
		}
		assert.JSONEq(t, string(first), string(body))
	}

	execs, err := ts.store.ListRecentExecutions(ctx, repo.ExecutionFilter{})
	require.NoError(t, err)
	assert.Empty(t, execs, "dry run writes nothing to the ledger")

	wf, err := ts.store.GetWorkflow(ctx, created.ID)
	require.NoError(t, err)
	assert.Zero(t, wf.ExecutionCount)
	assert.Nil(t, wf.LastExecutedAt)
}

// --- Executions ---

func TestExecutions(t *testing.T) {
	ts := newTestServer(t)
	ctx := context.Background()
	created := ts.createWorkflow(t, failedPaymentWorkflow("payments"))

	base := time.Now().UTC().Add(-time.Hour)
	ev := &domain.Event{Type: domain.EventTaskFailed, TaskID: "t1", RootID: "r1"}

	done := domain.NewExecutionRecord(&created, ev, base)
	done.Finish(domain.ExecutionCompleted, nil, base.Add(time.Second))
	require.NoError(t, ts.store.FinalizeExecution(ctx, done))

	limited := domain.NewRateLimitedRecord(&created, ev, domain.RejectCircuitBreaker, "breaker open", base.Add(time.Minute))
	require.NoError(t, ts.store.CreateExecution(ctx, limited))

	wfPath := "/api/v1/workflows/" + created.ID.String() + "/executions"

	resp, data := ts.do(t, http.MethodGet, wfPath, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(data))
	recs := decodeData[[]domain.WorkflowExecutionRecord](t, data)
	require.Len(t, recs, 2)
	assert.Equal(t, limited.ID, recs[0].ID, "newest first")

	resp, data = ts.do(t, http.MethodGet, wfPath+"?status=rate_limited", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	recs = decodeData[[]domain.WorkflowExecutionRecord](t, data)
	require.Len(t, recs, 1)
	assert.Equal(t, domain.ExecutionRateLimited, recs[0].Status)

	resp, data = ts.do(t, http.MethodGet, "/api/v1/workflows/executions/recent?limit=1", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, decodeData[[]domain.WorkflowExecutionRecord](t, data), 1)

	resp, data = ts.do(t, http.MethodGet, "/api/v1/executions/"+done.ID.String(), nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, domain.ExecutionCompleted, decodeData[domain.WorkflowExecutionRecord](t, data).Status)

	// История переживает удаление workflow
	resp, _ = ts.do(t, http.MethodDelete, "/api/v1/workflows/"+created.ID.String(), nil)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)
	resp, data = ts.do(t, http.MethodGet, wfPath, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, decodeData[[]domain.WorkflowExecutionRecord](t, data), 2)
}

func TestExecutions_BadQuery(t *testing.T) {
	ts := newTestServer(t)

	for _, q := range []string{"?status=exploded", "?limit=0", "?limit=abc", "?offset=-1"} {
		resp, _ := ts.do(t, http.MethodGet, "/api/v1/workflows/executions/recent"+q, nil)
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode, q)
	}

	resp, _ := ts.do(t, http.MethodGet, "/api/v1/executions/"+uuid.NewString(), nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, _ = ts.do(t, http.MethodGet, "/api/v1/executions/nope", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

// --- Action configs ---

func TestActionConfigCRUD(t *testing.T) {
	ts := newTestServer(t)

	resp, data := ts.do(t, http.MethodPost, "/api/v1/action-configs", map[string]any{
		"name":   "ops-slack",
		"type":   "slack.notify",
		"config": map[string]any{"webhook_url": "https://hooks.slack.test/T000"},
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(data))
	cfg := decodeData[domain.ActionConfigDefinition](t, data)
	path := "/api/v1/action-configs/" + cfg.ID.String()

	resp, data = ts.do(t, http.MethodGet, path, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "https://hooks.slack.test/T000", decodeData[domain.ActionConfigDefinition](t, data).Config["webhook_url"])

	resp, data = ts.do(t, http.MethodPut, path, map[string]any{
		"name":   "ops-slack",
		"type":   "slack.notify",
		"config": map[string]any{"webhook_url": "https://hooks.slack.test/T001"},
	})
	require.Equal(t, http.StatusOK, resp.StatusCode, string(data))

	resp, data = ts.do(t, http.MethodGet, "/api/v1/action-configs", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	list := decodeData[[]domain.ActionConfigDefinition](t, data)
	require.Len(t, list, 1)
	assert.Equal(t, "https://hooks.slack.test/T001", list[0].Config["webhook_url"])

	resp, data = ts.do(t, http.MethodPost, "/api/v1/action-configs", map[string]any{"name": "x", "type": "fax.send"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, ErrCodeValidationFailed, decodeError(t, data).Code)

	resp, _ = ts.do(t, http.MethodDelete, path, nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	resp, _ = ts.do(t, http.MethodDelete, path, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

// --- Router ---

func TestRouter(t *testing.T) {
	ts := newTestServer(t)

	resp, data := ts.do(t, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode, string(data))

	resp, _ = ts.do(t, http.MethodGet, "/metrics", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, data = ts.do(t, http.MethodGet, "/api/v1/nothing-here", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, ErrCodeNotFound, decodeError(t, data).Code)

	for _, tc := range []struct{ method, path string }{
		{http.MethodPatch, "/api/v1/workflows"},
		{http.MethodPost, "/api/v1/workflows/" + uuid.NewString()},
		{http.MethodGet, "/api/v1/workflows/" + uuid.NewString() + "/test"},
		{http.MethodPost, "/api/v1/action-configs/" + uuid.NewString()},
	} {
		resp, data = ts.do(t, tc.method, tc.path, nil)
		assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode, tc.method+" "+tc.path)
		assert.Equal(t, ErrCodeMethodNotAllow, decodeError(t, data).Code)
	}
}

func TestRouter_CORS(t *testing.T) {
	ts := newTestServer(t)

	req, err := http.NewRequest(http.MethodOptions, ts.server.URL+"/api/v1/workflows", nil)
	require.NoError(t, err)
	req.Header.Set("Origin", "http://localhost:3000")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()

	assert.Equal(t, "http://localhost:3000", resp.Header.Get("Access-Control-Allow-Origin"))
}
