// Package maintenance запускает фоновые задачи движка по cron:
//   - очистка простаивающих бакетов circuit breaker
//   - удаление старых записей журнала выполнений
//
// Очистку журнала выполняет один экземпляр: задача берёт advisory lock.
package maintenance
