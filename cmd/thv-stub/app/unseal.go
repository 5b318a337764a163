package app

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/stacklok/capsule-broker/pkg/launcher"
)

func newUnsealCmd() *cobra.Command {
	var (
		stub      string
		secrets   []string
		capRoot   string
		format    string
		writeMaps []string
	)

	cmd := &cobra.Command{
		Use:   "unseal",
		Short: "Decrypt sealed secrets for a stub without launching anything",
		Long: `unseal selects the freshest valid capability for --stub, decrypts the
sealed secrets named by --secret, and emits them as JSON (default) or, with
--format raw and exactly one --secret, as a bare value on stdout. --write
secret:path additionally writes a decrypted value to a file with mode 0600.

This is a debugging aid only; it never executes the stub's command.`,
		RunE: func(_ *cobra.Command, _ []string) error {
			if stub == "" || len(secrets) == 0 {
				return fmt.Errorf("--stub and at least one --secret are required")
			}
			if capRoot == "" {
				capRoot = launcher.CapRoot()
			}

			token, stubDir, err := launcher.SelectCapability(capRoot, stub, nil)
			if err != nil {
				return err
			}
			resolved, err := launcher.LoadSecrets(stubDir, token, secrets)
			if err != nil {
				return err
			}

			for _, mapping := range writeMaps {
				name, dest, ok := strings.Cut(mapping, ":")
				if !ok {
					return fmt.Errorf("write mapping %q must be in secret:path format", mapping)
				}
				value, ok := resolved[name]
				if !ok {
					return fmt.Errorf("write mapping references unknown secret %q", name)
				}
				if err := os.WriteFile(dest, []byte(value), 0o600); err != nil {
					return fmt.Errorf("writing %s: %w", dest, err)
				}
			}

			if format == "raw" {
				if len(secrets) != 1 {
					return fmt.Errorf("--format raw requires exactly one --secret")
				}
				fmt.Print(resolved[secrets[0]])
				return nil
			}

			encoded, err := json.MarshalIndent(resolved, "", "  ")
			if err != nil {
				return err
			}
			fmt.Println(string(encoded))
			return nil
		},
	}

	cmd.Flags().StringVar(&stub, "stub", "", "Stub name")
	cmd.Flags().StringArrayVar(&secrets, "secret", nil, "Secret name to decode (repeatable)")
	cmd.Flags().StringVar(&capRoot, "cap-root", "", "Capability root directory (default: CAP_ROOT or the user config dir)")
	cmd.Flags().StringVar(&format, "format", "json", "Output format: json or raw")
	cmd.Flags().StringArrayVar(&writeMaps, "write", nil, "secret:path mapping to write decrypted value with mode 0600")
	return cmd
}
