// celerywatch CLI: управление workflows мониторинга Celery через HTTP API.
//
// Использование:
//
//	celerywatch [--api-url URL] [--json] <command> <subcommand> [flags]
//
// Команды:
//
//	workflow       Управление workflows и dry-run
//	execution      Журнал выполнений
//	action-config  Переиспользуемые конфигурации действий
package main

import (
	"fmt"
	"os"

	"github.com/shaiso/celerywatch/internal/cli"
)

// version задаётся через ldflags при сборке.
var version = "dev"

func main() {
	if err := cli.NewRootCmd(version).Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
