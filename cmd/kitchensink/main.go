// kitchensink runs the rainbow funnel app and its analytics tooling.
//
// Usage:
//
//	kitchensink serve [--config f] [--with-stub]   Run the app
//	kitchensink stub [--port n] [--flag K=v]       Run the local ingest stub
//	kitchensink walk [--profile p] [--abandon-at n] Drive a tab through the funnel
//	kitchensink flags [--env e]                    Print resolved flag keys
//	kitchensink check <file-or-dir>                Run YAML funnel scenarios
package main

import (
	"errors"
	"fmt"
	"os"
)

// version is set at build time via -ldflags "-X main.version=..."
var version = "dev"

func main() {
	if err := NewRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		var usage usageError
		if errors.As(err, &usage) {
			os.Exit(2)
		}
		os.Exit(1)
	}
}

// usageError marks errors caused by bad command-line input.
type usageError struct{ error }

func (e usageError) Unwrap() error { return e.error }
