package cli

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// --- Response types (дублируются из domain, CLI не импортирует internal-пакеты) ---

// WorkflowResponse: workflow из API.
type WorkflowResponse struct {
	ID                   string          `json:"id"`
	Name                 string          `json:"name"`
	Description          string          `json:"description,omitempty"`
	Enabled              bool            `json:"enabled"`
	Trigger              TriggerResponse `json:"trigger"`
	Conditions           json.RawMessage `json:"conditions,omitempty"`
	Actions              []ActionSpec    `json:"actions"`
	Priority             int             `json:"priority"`
	CooldownSeconds      int             `json:"cooldown_seconds"`
	MaxExecutionsPerHour int             `json:"max_executions_per_hour,omitempty"`
	CircuitBreaker       json.RawMessage `json:"circuit_breaker,omitempty"`
	ExecutionCount       int64           `json:"execution_count"`
	SuccessCount         int64           `json:"success_count"`
	FailureCount         int64           `json:"failure_count"`
	LastExecutedAt       string          `json:"last_executed_at,omitempty"`
	CreatedAt            string          `json:"created_at"`
	UpdatedAt            string          `json:"updated_at"`
}

// TriggerResponse: trigger workflow.
type TriggerResponse struct {
	Type string `json:"type"`
}

// ActionSpec: действие workflow.
type ActionSpec struct {
	Type              string         `json:"type"`
	ConfigID          string         `json:"config_id,omitempty"`
	Params            map[string]any `json:"params,omitempty"`
	ContinueOnFailure bool           `json:"continue_on_failure"`
}

// ExecutionResponse: запись журнала выполнений.
type ExecutionResponse struct {
	ID              string                 `json:"id"`
	WorkflowID      string                 `json:"workflow_id"`
	TriggeredAt     string                 `json:"triggered_at"`
	TriggerType     string                 `json:"trigger_type"`
	TriggerEvent    map[string]any         `json:"trigger_event,omitempty"`
	Status          string                 `json:"status"`
	ActionsExecuted []ActionResultResponse `json:"actions_executed"`
	RejectReason    string                 `json:"reject_reason,omitempty"`
	ContextKey      string                 `json:"context_key,omitempty"`
	ErrorMessage    string                 `json:"error_message,omitempty"`
	StackTrace      string                 `json:"stack_trace,omitempty"`
	StartedAt       string                 `json:"started_at,omitempty"`
	CompletedAt     string                 `json:"completed_at,omitempty"`
	DurationMs      int64                  `json:"duration_ms"`
}

// ActionResultResponse: результат действия.
type ActionResultResponse struct {
	ActionType   string         `json:"action_type"`
	Status       string         `json:"status"`
	Result       map[string]any `json:"result,omitempty"`
	ErrorMessage string         `json:"error_message,omitempty"`
	DurationMs   int64          `json:"duration_ms"`
}

// ActionConfigResponse: конфигурация действия из API.
type ActionConfigResponse struct {
	ID          string         `json:"id"`
	Name        string         `json:"name"`
	Type        string         `json:"type"`
	Config      map[string]any `json:"config"`
	Description string         `json:"description,omitempty"`
	CreatedAt   string         `json:"created_at"`
	UpdatedAt   string         `json:"updated_at"`
}

// TestResultResponse: результат dry-run.
type TestResultResponse struct {
	WorkflowID     string             `json:"workflow_id"`
	Event          map[string]any     `json:"event"`
	TriggerMatched bool               `json:"trigger_matched"`
	ConditionsMet  bool               `json:"conditions_met"`
	WouldExecute   bool               `json:"would_execute"`
	Conditions     []ConditionOutcome `json:"conditions"`
	Actions        []ActionPreview    `json:"actions"`
	Notes          []string           `json:"notes,omitempty"`
}

// ConditionOutcome: результат одного условия в dry-run.
type ConditionOutcome struct {
	Path     string `json:"path"`
	Field    string `json:"field"`
	Operator string `json:"operator"`
	Expected any    `json:"expected,omitempty"`
	Actual   any    `json:"actual"`
	Matched  bool   `json:"matched"`
}

// ActionPreview: действие с отрендеренными params.
type ActionPreview struct {
	Type        string         `json:"type"`
	Params      map[string]any `json:"params,omitempty"`
	RenderError string         `json:"render_error,omitempty"`
}

// --- Request types ---

// CreateActionConfigRequest: создание конфигурации действия.
type CreateActionConfigRequest struct {
	Name        string         `json:"name"`
	Type        string         `json:"type"`
	Config      map[string]any `json:"config"`
	Description string         `json:"description,omitempty"`
}

// ListExecutionsOpts: параметры выборки журнала.
type ListExecutionsOpts struct {
	Status string
	Limit  int
	Offset int
}

func (o ListExecutionsOpts) values() url.Values {
	params := url.Values{}
	if o.Status != "" {
		params.Set("status", o.Status)
	}
	if o.Limit > 0 {
		params.Set("limit", strconv.Itoa(o.Limit))
	}
	if o.Offset > 0 {
		params.Set("offset", strconv.Itoa(o.Offset))
	}
	return params
}

// --- API response wrappers ---

type dataResponse struct {
	Data json.RawMessage `json:"data"`
}

type listResponse struct {
	Data  json.RawMessage `json:"data"`
	Total int             `json:"total"`
}

type errorResponse struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
		Fields  []struct {
			Field   string `json:"field"`
			Message string `json:"message"`
		} `json:"fields"`
	} `json:"error"`
}

// --- Client ---

// Client: HTTP-клиент для API celerywatch.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient создаёт клиент для API.
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// --- Workflows ---

// ListWorkflows возвращает все workflows.
func (c *Client) ListWorkflows() ([]WorkflowResponse, error) {
	var workflows []WorkflowResponse
	err := c.list("/api/v1/workflows", nil, &workflows)
	return workflows, err
}

// GetWorkflow возвращает workflow по ID.
func (c *Client) GetWorkflow(id string) (*WorkflowResponse, error) {
	var wf WorkflowResponse
	err := c.get("/api/v1/workflows/"+id, &wf)
	return &wf, err
}

// CreateWorkflow создаёт workflow из JSON-определения.
func (c *Client) CreateWorkflow(definition json.RawMessage) (*WorkflowResponse, error) {
	var wf WorkflowResponse
	err := c.post("/api/v1/workflows", definition, &wf)
	return &wf, err
}

// UpdateWorkflow заменяет определение workflow.
func (c *Client) UpdateWorkflow(id string, definition json.RawMessage) (*WorkflowResponse, error) {
	var wf WorkflowResponse
	err := c.put("/api/v1/workflows/"+id, definition, &wf)
	return &wf, err
}

// DeleteWorkflow удаляет workflow.
func (c *Client) DeleteWorkflow(id string) error {
	return c.delete("/api/v1/workflows/" + id)
}

// SetWorkflowEnabled включает или выключает workflow.
func (c *Client) SetWorkflowEnabled(id string, enabled bool) (*WorkflowResponse, error) {
	var wf WorkflowResponse
	body := map[string]bool{"enabled": enabled}
	err := c.put("/api/v1/workflows/"+id+"/enabled", body, &wf)
	return &wf, err
}

// TestWorkflow выполняет dry-run на синтетическом событии.
func (c *Client) TestWorkflow(id string, event map[string]any) (*TestResultResponse, error) {
	if event == nil {
		event = map[string]any{}
	}
	var res TestResultResponse
	err := c.post("/api/v1/workflows/"+id+"/test", map[string]any{"event": event}, &res)
	return &res, err
}

// --- Executions ---

// ListWorkflowExecutions возвращает журнал выполнений workflow.
func (c *Client) ListWorkflowExecutions(workflowID string, opts ListExecutionsOpts) ([]ExecutionResponse, error) {
	var execs []ExecutionResponse
	err := c.list("/api/v1/workflows/"+workflowID+"/executions", opts.values(), &execs)
	return execs, err
}

// ListRecentExecutions возвращает последние выполнения всех workflows.
func (c *Client) ListRecentExecutions(opts ListExecutionsOpts) ([]ExecutionResponse, error) {
	var execs []ExecutionResponse
	err := c.list("/api/v1/workflows/executions/recent", opts.values(), &execs)
	return execs, err
}

// GetExecution возвращает запись журнала по ID.
func (c *Client) GetExecution(id string) (*ExecutionResponse, error) {
	var exec ExecutionResponse
	err := c.get("/api/v1/executions/"+id, &exec)
	return &exec, err
}

// --- Action configs ---

// ListActionConfigs возвращает все конфигурации действий.
func (c *Client) ListActionConfigs() ([]ActionConfigResponse, error) {
	var configs []ActionConfigResponse
	err := c.list("/api/v1/action-configs", nil, &configs)
	return configs, err
}

// CreateActionConfig создаёт конфигурацию действия.
func (c *Client) CreateActionConfig(req CreateActionConfigRequest) (*ActionConfigResponse, error) {
	var cfg ActionConfigResponse
	err := c.post("/api/v1/action-configs", req, &cfg)
	return &cfg, err
}

// DeleteActionConfig удаляет конфигурацию действия.
func (c *Client) DeleteActionConfig(id string) error {
	return c.delete("/api/v1/action-configs/" + id)
}

// --- HTTP helpers ---

func (c *Client) get(path string, result any) error {
	return c.doData(http.MethodGet, path, nil, result)
}

func (c *Client) post(path string, body any, result any) error {
	return c.doData(http.MethodPost, path, body, result)
}

func (c *Client) put(path string, body any, result any) error {
	return c.doData(http.MethodPut, path, body, result)
}

func (c *Client) delete(path string) error {
	resp, err := c.do(http.MethodDelete, path, nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return c.checkError(resp)
}

func (c *Client) list(path string, params url.Values, result any) error {
	if len(params) > 0 {
		path = path + "?" + params.Encode()
	}

	resp, err := c.do(http.MethodGet, path, nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if err := c.checkError(resp); err != nil {
		return err
	}

	var lr listResponse
	if err := json.NewDecoder(resp.Body).Decode(&lr); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}

	return json.Unmarshal(lr.Data, result)
}

func (c *Client) doData(method, path string, body any, result any) error {
	resp, err := c.do(method, path, body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if err := c.checkError(resp); err != nil {
		return err
	}

	// 204 No Content
	if resp.StatusCode == http.StatusNoContent {
		return nil
	}

	var dr dataResponse
	if err := json.NewDecoder(resp.Body).Decode(&dr); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}

	if result != nil {
		return json.Unmarshal(dr.Data, result)
	}
	return nil
}

func (c *Client) do(method, path string, body any) (*http.Response, error) {
	var bodyReader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(data)
	}

	req, err := http.NewRequest(method, c.baseURL+path, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	return c.httpClient.Do(req)
}

func (c *Client) checkError(resp *http.Response) error {
	if resp.StatusCode < 400 {
		return nil
	}

	var er errorResponse
	if err := json.NewDecoder(resp.Body).Decode(&er); err != nil {
		return fmt.Errorf("API error: HTTP %d", resp.StatusCode)
	}

	msg := fmt.Sprintf("%s: %s", er.Error.Code, er.Error.Message)
	for _, f := range er.Error.Fields {
		if f.Field != "" {
			msg += fmt.Sprintf("\n  %s: %s", f.Field, f.Message)
		} else {
			msg += "\n  " + f.Message
		}
	}
	return errors.New(msg)
}
