// Package api содержит HTTP API управления workflows.
//
// Структура:
//   - handler.go               : Handler и интерфейс хранилища
//   - routes.go                : регистрация маршрутов на gorilla/mux
//   - middleware.go            : logging, recovery, CORS
//   - response.go              : унифицированные JSON-ответы и обработка ошибок
//   - dto.go                   : тела запросов
//   - workflow_handler.go      : /workflows и dry-run
//   - execution_handler.go     : журнал выполнений
//   - action_config_handler.go : /action-configs
//
// Все маршруты лежат под /api/v1. Движок узнаёт об изменениях через
// LISTEN/NOTIFY, API только пишет в хранилище.
package api
