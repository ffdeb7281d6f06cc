// Command sqrun drives the phase orchestrator and parallel build scheduler
// described in internal/orchestrator.
package main

import (
	"os"

	"github.com/sqrun/sqrun/internal/cli"
)

func main() {
	os.Exit(cli.Execute())
}
