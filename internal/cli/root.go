// Package cli implements the solvepad command-line interface using
// Cobra. Subcommands cover the daemon (serve), task inspection, and
// key pool administration.
package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "solvepad",
	Short: "solvepad — batch-solve coding exercises via LLM providers",
	Long: `solvepad answers batches of coding-exercise questions by calling
remote LLM providers behind a rate-limited key pool, executes the
generated code, and assembles the results into a PDF document.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command. Called from main.go.
func Execute(version string) {
	rootCmd.Version = version

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
