package cli

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shaiso/celerywatch/internal/api"
	"github.com/shaiso/celerywatch/internal/repo"
)

const workflowJSON = `{
  "name": "retry-flaky-imports",
  "enabled": true,
  "trigger": {"type": "task.failed"},
  "conditions": {"AND": [{"field": "task_name", "operator": "starts_with", "value": "imports."}]},
  "actions": [{"type": "task.retry", "params": {"countdown_seconds": 30}}],
  "circuit_breaker": {"enabled": true, "max_executions": 3, "window_seconds": 600}
}`

func newTestAPI(t *testing.T) string {
	t.Helper()
	h := api.NewHandler(api.Config{
		Store:  repo.NewMemoryStore(),
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	srv := httptest.NewServer(h.Router())
	t.Cleanup(srv.Close)
	return srv.URL
}

func run(t *testing.T, apiURL string, stdin string, args ...string) (string, string, error) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	cmd := NewRootCmd("test")
	cmd.SetOut(&stdout)
	cmd.SetErr(&stderr)
	cmd.SetIn(strings.NewReader(stdin))
	cmd.SetArgs(append([]string{"--api-url", apiURL}, args...))
	err := cmd.Execute()
	return stdout.String(), stderr.String(), err
}

func createWorkflow(t *testing.T, apiURL string) WorkflowResponse {
	t.Helper()
	stdout, stderr, err := run(t, apiURL, workflowJSON, "--json", "workflow", "create", "-f", "-")
	require.NoError(t, err)
	assert.Contains(t, stderr, "Workflow created")

	var wf WorkflowResponse
	require.NoError(t, json.Unmarshal([]byte(stdout), &wf))
	return wf
}

func TestWorkflowCommands(t *testing.T) {
	apiURL := newTestAPI(t)
	wf := createWorkflow(t, apiURL)
	assert.Equal(t, "retry-flaky-imports", wf.Name)
	assert.Equal(t, "task.failed", wf.Trigger.Type)

	stdout, _, err := run(t, apiURL, "", "workflow", "list")
	require.NoError(t, err)
	assert.Contains(t, stdout, "retry-flaky-imports")
	assert.Contains(t, stdout, "TRIGGER")

	stdout, _, err = run(t, apiURL, "", "workflow", "show", wf.ID)
	require.NoError(t, err)
	assert.Contains(t, stdout, "task.retry")

	_, stderr, err := run(t, apiURL, "", "workflow", "disable", wf.ID)
	require.NoError(t, err)
	assert.Contains(t, stderr, "Workflow disabled")

	got, err := NewClient(apiURL).GetWorkflow(wf.ID)
	require.NoError(t, err)
	assert.False(t, got.Enabled)

	_, _, err = run(t, apiURL, "", "workflow", "enable", wf.ID)
	require.NoError(t, err)

	_, stderr, err = run(t, apiURL, "", "workflow", "delete", wf.ID)
	require.NoError(t, err)
	assert.Contains(t, stderr, "Workflow deleted")

	_, _, err = run(t, apiURL, "", "workflow", "show", wf.ID)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "NOT_FOUND")
}

func TestWorkflowCreate_ValidationError(t *testing.T) {
	apiURL := newTestAPI(t)

	path := filepath.Join(t.TempDir(), "bad.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"name": "bad", "enabled": true, "trigger": {"type": "task.exploded"}}`), 0o644))

	_, _, err := run(t, apiURL, "", "workflow", "create", "-f", path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "VALIDATION_FAILED")
	assert.Contains(t, err.Error(), "trigger.type")

	_, _, err = run(t, apiURL, "not json", "workflow", "create", "-f", "-")
	require.Error(t, err)
}

func TestWorkflowTest(t *testing.T) {
	apiURL := newTestAPI(t)
	wf := createWorkflow(t, apiURL)

	stdout, _, err := run(t, apiURL, "", "--json", "workflow", "test", wf.ID,
		"--set", "task_name=imports.csv", "--set", "retries=2")
	require.NoError(t, err)

	var res TestResultResponse
	require.NoError(t, json.Unmarshal([]byte(stdout), &res))
	assert.True(t, res.ConditionsMet)
	assert.True(t, res.WouldExecute)
	assert.EqualValues(t, 2, res.Event["retry_count"])

	stdout, _, err = run(t, apiURL, "", "workflow", "test", wf.ID, "--set", "task_name=reports.daily")
	require.NoError(t, err)
	assert.Contains(t, stdout, "Would execute:")
	assert.Contains(t, stdout, "false")

	_, _, err = run(t, apiURL, "", "workflow", "test", wf.ID, "--set", "novalue")
	require.Error(t, err)
}

func TestExecutionAndActionConfigCommands(t *testing.T) {
	apiURL := newTestAPI(t)
	wf := createWorkflow(t, apiURL)

	stdout, _, err := run(t, apiURL, "", "--json", "execution", "recent", "--limit", "5")
	require.NoError(t, err)
	assert.JSONEq(t, "[]", stdout)

	_, _, err = run(t, apiURL, "", "workflow", "executions", wf.ID, "--status", "bogus")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "BAD_REQUEST")

	stdout, stderr, err := run(t, apiURL, "", "--json", "action-config", "create",
		"--name", "ops-webhook", "--type", "webhook.call",
		"--config", `{"url": "https://ops.example.test/hook"}`)
	require.NoError(t, err)
	assert.Contains(t, stderr, "Action config created")

	var cfg ActionConfigResponse
	require.NoError(t, json.Unmarshal([]byte(stdout), &cfg))
	assert.Equal(t, "https://ops.example.test/hook", cfg.Config["url"])

	stdout, _, err = run(t, apiURL, "", "action-config", "list")
	require.NoError(t, err)
	assert.Contains(t, stdout, "ops-webhook")

	_, _, err = run(t, apiURL, "", "action-config", "delete", cfg.ID)
	require.NoError(t, err)
}

func TestParseSetFlags(t *testing.T) {
	m := map[string]any{}
	require.NoError(t, parseSetFlags([]string{"retries=3", "queue=default", "flag=true", "root_id=00ab"}, m))
	assert.Equal(t, float64(3), m["retries"])
	assert.Equal(t, "default", m["queue"])
	assert.Equal(t, true, m["flag"])
	assert.Equal(t, "00ab", m["root_id"])

	assert.Error(t, parseSetFlags([]string{"=x"}, m))
}

func TestShortTime(t *testing.T) {
	assert.Equal(t, "-", shortTime(""))
	assert.Equal(t, "2026-03-01 12:00:05", shortTime("2026-03-01T12:00:05.123Z"))
	assert.Equal(t, "yesterday", shortTime("yesterday"))
}
