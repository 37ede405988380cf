// Command readahead reads files and URLs through the prefetch engine and
// manages its block cache.
package main

import (
	"fmt"
	"os"

	"github.com/meigma/readahead/cmd/readahead/commands"
)

// Build-time variables injected via ldflags.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	commands.Version = version
	commands.Commit = commit
	commands.Date = date

	if err := commands.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
