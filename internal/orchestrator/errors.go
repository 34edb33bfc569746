package orchestrator

import "errors"

// Ошибки движка.
var (
	// ErrEngineStopped: движок остановлен.
	ErrEngineStopped = errors.New("engine stopped")

	// ErrNoSnapshot: индекс правил ещё не загружен.
	ErrNoSnapshot = errors.New("rule snapshot not loaded")
)
