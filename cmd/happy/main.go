// Command happy is the local-side runtime that bridges a terminal coding
// agent to the happy backend and mobile app: the session supervisor, the
// machine daemon, and the `doctor` diagnostics all hang off this one
// binary's subcommands (§6.1).
package main

import (
	"fmt"
	"os"

	"github.com/kandev/happy/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
