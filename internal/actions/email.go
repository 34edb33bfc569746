package actions

import (
	"context"
	"fmt"

	"gopkg.in/gomail.v2"
)

const defaultSMTPPort = 587

// SMTPConfig: параметры SMTP из action config.
type SMTPConfig struct {
	Host     string
	Port     int
	Username string
	Password string
}

// Sender отправляет письма. *gomail.Dialer реализует его.
type Sender interface {
	DialAndSend(m ...*gomail.Message) error
}

// DialerFunc создаёт Sender для SMTP конфигурации.
type DialerFunc func(cfg SMTPConfig) Sender

func gomailDialer(cfg SMTPConfig) Sender {
	return gomail.NewDialer(cfg.Host, cfg.Port, cfg.Username, cfg.Password)
}

// EmailExecutor: действие email.send.
//
// Params:
//   - smtp_host, smtp_port, username, password, from: обычно из action config
//   - to (list или строка через запятую): получатели (обязательно)
//   - subject (string). Default: "[celerywatch] <workflow>: <event_type>"
//   - body (string): текст письма
//   - html (string): HTML альтернатива
type EmailExecutor struct {
	// Dial: nil: gomail SMTP dialer.
	Dial DialerFunc
}

// Execute отправляет письмо.
//
// gomail не принимает context, отправка идёт в отдельной горутине,
// по таймауту действие падает, горутина дожидается SMTP сама.
func (e *EmailExecutor) Execute(ctx context.Context, req *Request) (*Result, error) {
	cfg := SMTPConfig{
		Host:     getString(req.Params, "smtp_host", ""),
		Port:     getInt(req.Params, "smtp_port", defaultSMTPPort),
		Username: getString(req.Params, "username", ""),
		Password: getString(req.Params, "password", ""),
	}
	if cfg.Host == "" {
		return nil, fmt.Errorf("%w: smtp_host", ErrMissingParam)
	}

	from := getString(req.Params, "from", cfg.Username)
	if from == "" {
		return nil, fmt.Errorf("%w: from", ErrMissingParam)
	}
	to := getStringList(req.Params, "to")
	if len(to) == 0 {
		return nil, fmt.Errorf("%w: to", ErrMissingParam)
	}

	m := gomail.NewMessage()
	m.SetHeader("From", from)
	m.SetHeader("To", to...)
	m.SetHeader("Subject", getString(req.Params, "subject", defaultSubject(req)))

	text := getString(req.Params, "body", "")
	html := getString(req.Params, "html", "")
	switch {
	case text != "" && html != "":
		m.SetBody("text/plain", text)
		m.AddAlternative("text/html", html)
	case html != "":
		m.SetBody("text/html", html)
	default:
		if text == "" {
			text = defaultSlackText(req)
		}
		m.SetBody("text/plain", text)
	}

	dial := e.Dial
	if dial == nil {
		dial = gomailDialer
	}
	sender := dial(cfg)

	done := make(chan error, 1)
	go func() {
		done <- sender.DialAndSend(m)
	}()

	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: %v", ErrEmailSend, ctx.Err())
	case err := <-done:
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrEmailSend, err)
		}
	}

	return &Result{Output: map[string]any{
		"recipients": to,
		"smtp_host":  cfg.Host,
	}}, nil
}

func defaultSubject(req *Request) string {
	if req.Event == nil {
		return fmt.Sprintf("[celerywatch] %s", req.Workflow.Name)
	}
	return fmt.Sprintf("[celerywatch] %s: %s", req.Workflow.Name, req.Event.Type)
}
