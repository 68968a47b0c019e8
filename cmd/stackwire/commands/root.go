package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

var (
	// Global flags
	configPaths []string
	verbose     bool
	jsonOutput  bool
)

// Execute runs the root command
func Execute(ctx context.Context, version, commit, buildDate string) error {
	rootCmd := newRootCommand(version, commit, buildDate)
	return rootCmd.ExecuteContext(ctx)
}

func newRootCommand(version, commit, buildDate string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "stackwire",
		Short: "Stackwire - compose and run multi-service stacks",
		Long: `Stackwire composes a stack of services from a CUE description, starts
them in dependency order and wires every service to the addresses of the
services it depends on.

Features:
  - Typed compositions via CUE
  - Scripted bindings via Starlark
  - Health dashboards that discover their targets
  - Resource commands gated by OPA/rego policies
  - Publish manifests with deployment-time expressions`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringSliceVarP(&configPaths, "file", "f", []string{DefaultCompositionFile}, "composition files or directories")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose output")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output in JSON format")

	rootCmd.AddCommand(newValidateCommand())
	rootCmd.AddCommand(newGraphCommand())
	rootCmd.AddCommand(newRunCommand())
	rootCmd.AddCommand(newPublishCommand())
	rootCmd.AddCommand(newExecCommand())
	rootCmd.AddCommand(newHistoryCommand())

	return rootCmd
}
