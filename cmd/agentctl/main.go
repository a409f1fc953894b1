package main

import (
	"os"

	"github.com/austindbirch/agentgate/cmd/agentctl/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
