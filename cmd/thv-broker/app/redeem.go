package app

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/stacklok/capsule-broker/pkg/broker"
	"github.com/stacklok/capsule-broker/pkg/lockfile"
	"github.com/stacklok/capsule-broker/pkg/logger"
)

func newRedeemCmd() *cobra.Command {
	var (
		capabilityPath string
		secretNames    []string
		outputDir      string
		allowReuse     bool
	)

	cmd := &cobra.Command{
		Use:   "redeem",
		Short: "Redeem a capability token into sealed secret records",
		Long: `Redeem validates a capability token (HMAC, session key, expiry, replay
ledger), then seals each requested secret's plaintext under the token's
session key and writes the result next to the capability (or to
--output-dir), marking the capability used.`,
		RunE: func(_ *cobra.Command, _ []string) error {
			if capabilityPath == "" {
				return fmt.Errorf("--capability is required")
			}
			if len(secretNames) == 0 {
				return fmt.Errorf("at least one --secret is required")
			}

			store := broker.NewStore(brokerDir())
			redeemer := broker.NewRedeemer(store)

			var records []broker.SealedRecord
			err := lockfile.WithBrokerLock(brokerDir(), func() error {
				var redeemErr error
				records, redeemErr = redeemer.Redeem(capabilityPath, secretNames, outputDir, allowReuse)
				return redeemErr
			})
			if err != nil {
				return err
			}

			for _, record := range records {
				logger.Infof("sealed secret %s for capability %s", record.Secret, record.CapabilityID)
			}
			fmt.Printf("Redeemed %d secret(s)\n", len(records))
			return nil
		},
	}

	cmd.Flags().StringVar(&capabilityPath, "capability", "", "Path to the capability token file")
	cmd.Flags().StringSliceVar(&secretNames, "secret", nil, "Secret name to seal (repeatable)")
	cmd.Flags().StringVar(&outputDir, "output-dir", "", "Directory to write sealed records into (default: <capability dir>/secrets)")
	cmd.Flags().BoolVar(&allowReuse, "allow-reuse", false, "Allow redeeming an already-used capability")
	return cmd
}
