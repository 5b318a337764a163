// Package app provides the entry point for the capsule-broker command-line application.
package app

import (
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/stacklok/capsule-broker/pkg/logger"
)

// NewRootCmd creates the root command for the thv-broker CLI: the host-side
// tool that administers keys, issues capabilities, stores secrets, and
// redeems capabilities into sealed records.
func NewRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:               "thv-broker",
		DisableAutoGenTag: true,
		Short:             "thv-broker issues and redeems capability-bound secrets for MCP stubs",
		Long: `thv-broker is the host-side half of the capability-based secret broker.

It owns the key, secret, and state stores under a broker directory, issues
short-lived HMAC-bound capability tokens scoped to a session and a set of
stubs, and redeems those tokens into sealed, per-capability secret records
that a container-side stub launcher can decrypt but the broker itself never
re-reads.`,
		Run: func(cmd *cobra.Command, _ []string) {
			if err := cmd.Help(); err != nil {
				logger.Errorf("error displaying help: %v", err)
			}
		},
		PersistentPreRun: func(_ *cobra.Command, _ []string) {
			logger.Initialize()
		},
	}

	rootCmd.PersistentFlags().Bool("debug", false, "Enable debug mode")
	rootCmd.PersistentFlags().String("broker-dir", "", "Path to the broker state directory (default: ~/.config/capsule-broker)")

	if err := viper.BindPFlag("debug", rootCmd.PersistentFlags().Lookup("debug")); err != nil {
		logger.Errorf("error binding debug flag: %v", err)
	}
	if err := viper.BindPFlag("broker_dir", rootCmd.PersistentFlags().Lookup("broker-dir")); err != nil {
		logger.Errorf("error binding broker-dir flag: %v", err)
	}

	rootCmd.AddCommand(newInitCmd())
	rootCmd.AddCommand(newIssueCmd())
	rootCmd.AddCommand(newStoreCmd())
	rootCmd.AddCommand(newRedeemCmd())
	rootCmd.AddCommand(newHealthCmd())

	rootCmd.SilenceUsage = true

	return rootCmd
}
