// Package main is the entry point for the intel stream client. It loads
// configuration, opens one resilient stream connection per feed, serves
// health, readiness, metrics and admin endpoints, and shuts down gracefully
// on SIGINT/SIGTERM.
package main

import (
	"os"
)

// Set by the release build via -ldflags.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	if err := newRootCommand(version, commit, date).Execute(); err != nil {
		os.Exit(1)
	}
}
