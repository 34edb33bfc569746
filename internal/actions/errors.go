package actions

import "errors"

// Ошибки действий.
var (
	// ErrUnknownActionType: нет executor'а для типа действия.
	ErrUnknownActionType = errors.New("unknown action type")

	// ErrActionConfig: config_id не разрешился или не подходит к действию.
	ErrActionConfig = errors.New("action config unavailable")

	// ErrMissingParam: обязательный параметр не задан.
	ErrMissingParam = errors.New("missing required parameter")

	// ErrHTTPRequest: HTTP-запрос завершился ошибкой.
	ErrHTTPRequest = errors.New("http request failed")

	// ErrEmailSend: письмо не отправлено.
	ErrEmailSend = errors.New("email send failed")

	// ErrPublisherUnavailable: брокер для task.retry не подключён.
	ErrPublisherUnavailable = errors.New("task publisher unavailable")

	// ErrActionPanic: обработчик действия паниковал.
	ErrActionPanic = errors.New("action panicked")
)
