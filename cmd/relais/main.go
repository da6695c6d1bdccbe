package main

import (
	"os"

	"github.com/relais-dev/relais/cmd/relais/command"
)

func main() {
	if err := command.RootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
