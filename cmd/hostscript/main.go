// Command hostscript runs user Lua rules against chat messages and
// protocol traffic of a messaging host.
package main

import (
	"errors"
	"os"
)

// version is set at build time via -ldflags "-X main.version=..."
var version = "dev"

func main() {
	if err := newRootCommand().Execute(); err != nil {
		if !errors.Is(err, errScriptFailed) {
			red.Fprintf(os.Stderr, "error: %v\n", err)
		}
		os.Exit(1)
	}
}
