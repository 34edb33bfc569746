package actions

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"

	"golang.org/x/time/rate"
)

// Slack принимает около одного сообщения в секунду на incoming webhook.
const (
	slackRate  = rate.Limit(1)
	slackBurst = 3
)

// SlackExecutor: действие slack.notify.
//
// Params:
//   - webhook_url (string): incoming webhook (обычно из action config)
//   - text (string): текст. Default: сообщение из события
//   - channel, username, icon_emoji (string): опционально
//
// Отправки на один webhook проходят через token bucket: при всплеске
// событий действие ждёт в пределах таймаута pipeline.
type SlackExecutor struct {
	Client *http.Client

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// NewSlackExecutor создаёт executor с пустым набором лимитеров.
func NewSlackExecutor() *SlackExecutor {
	return &SlackExecutor{limiters: make(map[string]*rate.Limiter)}
}

// Execute отправляет сообщение в Slack.
func (e *SlackExecutor) Execute(ctx context.Context, req *Request) (*Result, error) {
	url := getString(req.Params, "webhook_url", "")
	if url == "" {
		return nil, fmt.Errorf("%w: webhook_url", ErrMissingParam)
	}

	if err := e.limiter(url).Wait(ctx); err != nil {
		return nil, fmt.Errorf("%w: rate limit wait: %v", ErrHTTPRequest, err)
	}

	payload := map[string]any{
		"text": getString(req.Params, "text", defaultSlackText(req)),
	}
	for _, key := range []string{"channel", "username", "icon_emoji"} {
		if v := getString(req.Params, key, ""); v != "" {
			payload[key] = v
		}
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("%w: marshal payload: %v", ErrHTTPRequest, err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("%w: create request: %v", ErrHTTPRequest, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, respBody, err := doRequest(e.Client, httpReq)
	if err != nil {
		return nil, err
	}

	output := map[string]any{"status_code": resp.StatusCode}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &Result{
			Output: output,
			Error:  fmt.Sprintf("slack returned HTTP %d: %s", resp.StatusCode, truncate(string(respBody), 200)),
		}, nil
	}
	return &Result{Output: output}, nil
}

func (e *SlackExecutor) limiter(url string) *rate.Limiter {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.limiters == nil {
		e.limiters = make(map[string]*rate.Limiter)
	}
	l, ok := e.limiters[url]
	if !ok {
		l = rate.NewLimiter(slackRate, slackBurst)
		e.limiters[url] = l
	}
	return l
}

// defaultSlackText: сообщение, если text не задан.
func defaultSlackText(req *Request) string {
	ev := req.Event
	if ev == nil {
		return fmt.Sprintf(":rotating_light: workflow *%s* triggered", req.Workflow.Name)
	}

	var b strings.Builder
	fmt.Fprintf(&b, ":rotating_light: *%s*: `%s`", req.Workflow.Name, ev.Type)
	if ev.TaskName != "" {
		fmt.Fprintf(&b, "\ntask: `%s`", ev.TaskName)
	}
	if ev.TaskID != "" {
		fmt.Fprintf(&b, " (%s)", ev.TaskID)
	}
	if ev.Hostname != "" {
		fmt.Fprintf(&b, "\nworker: %s", ev.Hostname)
	}
	if ev.Exception != "" {
		fmt.Fprintf(&b, "\n```%s```", truncate(ev.Exception, 500))
	}
	return b.String()
}
