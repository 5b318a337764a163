package app

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/stacklok/capsule-broker/pkg/broker"
	"github.com/stacklok/capsule-broker/pkg/lockfile"
	"github.com/stacklok/capsule-broker/pkg/logger"
)

func newIssueCmd() *cobra.Command {
	var (
		sessionID string
		stubs     []string
		outputDir string
		ttl       int
	)

	cmd := &cobra.Command{
		Use:   "issue",
		Short: "Issue capability tokens for a session and a set of stubs",
		Long: `Issue mints one HMAC-bound capability token per requested stub whose key is
already known to the broker, sharing a single expiry across the call, and
enforces the issuance rate limit.`,
		RunE: func(_ *cobra.Command, _ []string) error {
			if sessionID == "" {
				return fmt.Errorf("--session-id is required")
			}
			if len(stubs) == 0 {
				return fmt.Errorf("--stubs is required")
			}
			if outputDir == "" {
				return fmt.Errorf("--output is required")
			}
			if ttl <= 0 {
				ttl = broker.DefaultTTL()
			}

			store := broker.NewStore(brokerDir())
			issuer := broker.NewIssuer(store)

			var tokens []broker.CapabilityToken
			err := lockfile.WithBrokerLock(brokerDir(), func() error {
				var issueErr error
				tokens, issueErr = issuer.Issue(sessionID, stubs, outputDir, ttl)
				return issueErr
			})
			if err != nil {
				return err
			}

			for _, token := range tokens {
				logger.Infof("issued capability %s for stub %s (session %s)", token.CapabilityID, token.Stub, sessionID)
			}
			fmt.Printf("Issued %d capability token(s)\n", len(tokens))
			return nil
		},
	}

	cmd.Flags().StringVar(&sessionID, "session-id", "", "Session identifier to bind capabilities to")
	cmd.Flags().StringSliceVar(&stubs, "stubs", nil, "Stub names to issue capabilities for")
	cmd.Flags().StringVar(&outputDir, "output", "", "Directory to write capability tokens into")
	cmd.Flags().IntVar(&ttl, "ttl", 0, "Capability TTL in minutes (default: BROKER_TTL or 30)")
	return cmd
}
