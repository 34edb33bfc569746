// Package actions выполняет действия workflow.
//
// Executor на каждый тип действия (slack.notify, webhook.call,
// email.send, task.retry) регистрируется в Registry. Pipeline
// выполняет действия workflow по порядку с таймаутом на каждое,
// разрешает config_id, рендерит params шаблонами и переводит ошибки
// и паники обработчиков в ActionResult.
package actions
