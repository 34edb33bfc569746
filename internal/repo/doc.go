// Package repo хранит определения workflow, конфигурации действий и
// журнал выполнений.
//
// PGStore работает поверх pgxpool, MemoryStore повторяет его методы
// в памяти. Изменения определений публикуются через LISTEN/NOTIFY
// (ChangesChannel) и читаются Listener.
package repo
