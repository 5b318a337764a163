// Package app provides the entry point for the thv-stub command-line application.
package app

import (
	"github.com/spf13/cobra"

	"github.com/stacklok/capsule-broker/pkg/logger"
)

// NewRootCmd creates the root command for the thv-stub CLI: the
// in-container stub launcher and its companion debug tooling.
func NewRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:               "thv-stub",
		DisableAutoGenTag: true,
		Short:             "thv-stub launches the real MCP server behind a capability-bound stub",
		Long: `thv-stub reads a base64-encoded stub spec from STUB_SPEC, selects the
freshest valid capability token for its stub under CAP_ROOT, decrypts the
sealed secrets the spec declares, substitutes them into the spec's command,
args, env, and cwd, and replaces its own process image with the resolved
command. It never returns on success.

With no subcommand, running thv-stub performs exactly that launch. The
"unseal" subcommand is a debugging aid that decrypts sealed secrets without
executing anything.`,
		RunE: func(_ *cobra.Command, _ []string) error {
			return runLaunch()
		},
		PersistentPreRun: func(_ *cobra.Command, _ []string) {
			logger.Initialize()
		},
	}

	rootCmd.AddCommand(newUnsealCmd())
	rootCmd.SilenceUsage = true
	return rootCmd
}
