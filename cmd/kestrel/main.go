// Command kestrel is a small collection of demos built on top of the
// kestrel runtime, mirroring the upstream C++ project's examples/
// directory: a feature probe, an echo server, a bulk file copier, and a
// futex-semaphore fan-in demo, each a thin cobra subcommand over the
// same runtime/task/ops machinery a library consumer would use.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	rootCmd := &cobra.Command{
		Use:     "kestrel",
		Short:   "io_uring coroutine runtime demos",
		Long:    "kestrel runs small demo programs against the kestrel io_uring runtime: feature probing, an echo server, a bulk file copier, and a futex-semaphore fan-in demo.",
		Version: fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
	}

	rootCmd.AddCommand(
		newProbeCommand(),
		newEchoServerCommand(),
		newCpCommand(),
		newFutexDemoCommand(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
