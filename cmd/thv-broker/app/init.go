package app

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/stacklok/capsule-broker/pkg/broker"
	"github.com/stacklok/capsule-broker/pkg/logger"
)

func newInitCmd() *cobra.Command {
	var stubs []string

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Initialize the broker store, generating keys for new stubs",
		Long: `Initialize the broker directory and its key/secret/state files.

For any stub named by --stubs that has no key yet, a new random key is
generated and persisted; stubs that already have a key are left untouched.
Safe to run repeatedly.`,
		RunE: func(_ *cobra.Command, _ []string) error {
			store := broker.NewStore(brokerDir())
			if err := store.Init(stubs); err != nil {
				return err
			}
			logger.Infof("broker initialized at %s (%d stub(s))", brokerDir(), len(stubs))
			fmt.Printf("Broker initialized for stub(s): %v\n", stubs)
			return nil
		},
	}

	cmd.Flags().StringSliceVar(&stubs, "stubs", nil, "Stub names to ensure keys for (comma-separated or repeated)")
	return cmd
}
