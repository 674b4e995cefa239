// Package main is the entrypoint for the fleetd node agent.
package main

import (
	"os"
)

// Build information, set by ldflags during build.
var (
	commit    = "unknown"
	buildTime = "unknown"
)

func main() {
	Commit = commit
	BuildTime = buildTime

	if err := Execute(); err != nil {
		os.Exit(1)
	}
}
