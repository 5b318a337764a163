package app

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/stacklok/capsule-broker/pkg/broker"
)

func newHealthCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Report broker store hygiene and recent issuance activity",
		RunE: func(_ *cobra.Command, _ []string) error {
			store := broker.NewStore(brokerDir())
			if err := store.EnsureExists(); err != nil {
				return err
			}
			report, err := store.Health(broker.DefaultClock())
			if err != nil {
				return err
			}
			for _, line := range report.Lines() {
				fmt.Println("[broker] " + line)
			}
			return nil
		},
	}
}
