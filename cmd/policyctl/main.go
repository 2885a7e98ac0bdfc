// Command policyctl checks policy files and evaluates license policies
// offline against CycloneDX SBOMs.
package main

import (
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/ericfisherdev/policygate/internal/observability"
)

func newRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:           "policyctl",
		Short:         "Inspect merge request approval policies",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().String("log-level", "warn", "log level (debug, info, warn, error)")
	root.PersistentPreRun = func(cmd *cobra.Command, _ []string) {
		level, _ := cmd.Flags().GetString("log-level")
		slog.SetDefault(observability.NewLogger(cmd.ErrOrStderr(), level, "text"))
	}

	root.AddCommand(newValidateCommand())
	root.AddCommand(newLicensesCommand())
	return root
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		slog.Error("error executing command", "error", err)
		os.Exit(1)
	}
}
