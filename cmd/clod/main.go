package main

import (
	"os"

	"github.com/clod/orchestrator/cmd/clod/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
