package actions

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const (
	defaultWebhookTimeout = 5 * time.Second
	maxResponseBody       = 64 << 10
)

// WebhookExecutor: действие webhook.call.
//
// Params (config и params после слияния):
//   - url (string): адрес (обязательно)
//   - method (string): HTTP-метод. Default: POST
//   - headers (map[string]any): HTTP-заголовки
//   - body (any): тело. Строка уходит как есть, остальное сериализуется
//     в JSON. Default: снимок события
//   - timeout_seconds (number): таймаут запроса. Default: 10
//
// Output:
//   - status_code (int): HTTP-код ответа
//   - body (any): тело ответа (JSON или строка, обрезается)
type WebhookExecutor struct {
	// Client: HTTP-клиент. nil: http.DefaultClient.
	Client *http.Client
}

// Execute выполняет HTTP-запрос.
func (e *WebhookExecutor) Execute(ctx context.Context, req *Request) (*Result, error) {
	url := getString(req.Params, "url", "")
	if url == "" {
		return nil, fmt.Errorf("%w: url", ErrMissingParam)
	}
	method := strings.ToUpper(getString(req.Params, "method", http.MethodPost))

	ctx, cancel := context.WithTimeout(ctx, getTimeout(req.Params, "timeout_seconds", defaultWebhookTimeout))
	defer cancel()

	body, contentType, err := webhookBody(req)
	if err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, fmt.Errorf("%w: create request: %v", ErrHTTPRequest, err)
	}

	setHeaders(httpReq, req.Params)
	if body != nil && httpReq.Header.Get("Content-Type") == "" {
		httpReq.Header.Set("Content-Type", contentType)
	}
	httpReq.Header.Set("User-Agent", "celerywatch")

	resp, respBody, err := doRequest(e.Client, httpReq)
	if err != nil {
		return nil, err
	}

	output := map[string]any{
		"status_code": resp.StatusCode,
		"body":        parseBody(respBody),
	}

	// HTTP >= 400: логическая ошибка, output сохраняется для аудита
	if resp.StatusCode >= 400 {
		return &Result{
			Output: output,
			Error:  fmt.Sprintf("HTTP %d: %s", resp.StatusCode, truncate(string(respBody), 200)),
		}, nil
	}

	return &Result{Output: output}, nil
}

// webhookBody: тело запроса и его Content-Type.
func webhookBody(req *Request) (io.Reader, string, error) {
	method := strings.ToUpper(getString(req.Params, "method", http.MethodPost))

	body, ok := req.Params["body"]
	if !ok || body == nil {
		if method == http.MethodGet || method == http.MethodHead || req.Event == nil {
			return nil, "", nil
		}
		body = map[string]any{
			"workflow_id":   req.Workflow.ID.String(),
			"workflow_name": req.Workflow.Name,
			"execution_id":  req.ExecutionID.String(),
			"event":         req.Event.Fields(),
		}
	}

	if s, ok := body.(string); ok {
		ct := "text/plain; charset=utf-8"
		if json.Valid([]byte(s)) {
			ct = "application/json"
		}
		return strings.NewReader(s), ct, nil
	}

	b, err := json.Marshal(body)
	if err != nil {
		return nil, "", fmt.Errorf("%w: marshal body: %v", ErrHTTPRequest, err)
	}
	return bytes.NewReader(b), "application/json", nil
}

// doRequest выполняет запрос и читает ограниченное тело ответа.
func doRequest(client *http.Client, req *http.Request) (*http.Response, []byte, error) {
	if client == nil {
		client = http.DefaultClient
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrHTTPRequest, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return nil, nil, fmt.Errorf("%w: read response: %v", ErrHTTPRequest, err)
	}
	return resp, body, nil
}

// parseBody: JSON, иначе строка.
func parseBody(body []byte) any {
	if len(body) == 0 {
		return nil
	}
	var parsed any
	if err := json.Unmarshal(body, &parsed); err != nil {
		return truncate(string(body), 1000)
	}
	return parsed
}

// setHeaders устанавливает заголовки из params.
func setHeaders(req *http.Request, params map[string]any) {
	switch h := params["headers"].(type) {
	case map[string]any:
		for key, val := range h {
			if s, ok := val.(string); ok {
				req.Header.Set(key, s)
			}
		}
	case map[string]string:
		for key, val := range h {
			req.Header.Set(key, val)
		}
	}
}
