// Package cli реализует инструмент командной строки celerywatch.
//
// # Обзор
//
// CLI: клиентская утилита для API управления workflows.
// Работает через HTTP, не импортирует внутренние пакеты системы.
//
// # Ключевые компоненты
//
// ## Client
//
// HTTP-клиент для API. Инкапсулирует HTTP-запросы, разбор ответов
// (DataResponse, ListResponse, ErrorResponse) и ошибки валидации по полям.
//
//	client := cli.NewClient("http://localhost:8080")
//	workflows, err := client.ListWorkflows()
//
// ## Output
//
// Форматирование вывода. Два режима:
//   - таблицы (text/tabwriter) по умолчанию
//   - JSON с флагом --json
//
// Данные выводятся в stdout, сообщения (Success/Error) в stderr:
// celerywatch workflow list --json | jq .
//
// ## Commands
//
// Cobra-команды организованы по ресурсам:
//   - workflow: list, show, create, update, delete, enable, disable, test, executions
//   - execution: recent, show
//   - action-config: list, create, delete
//
// Каждая группа создаётся фабричной функцией (NewWorkflowCmd и т.д.),
// принимающей clientFn и outputFn: замыкания для ленивого создания
// Client и Output после парсинга PersistentFlags.
package cli
