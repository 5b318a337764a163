package app

import (
	"fmt"
	"io"
	"os"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/stacklok/capsule-broker/pkg/broker"
	"github.com/stacklok/capsule-broker/pkg/logger"
)

func newStoreCmd() *cobra.Command {
	var (
		stub       string
		name       string
		value      string
		fromEnv    string
		fromFile   string
	)

	cmd := &cobra.Command{
		Use:   "store",
		Short: "Store a secret plaintext value for a stub",
		Long: `Store sets the plaintext for (stub, name) in the broker's secret store.

At most one input mode may be used:
  --value <v>        the literal value
  --from-env <VAR>    read from the named environment variable
  --from-file <path>  read from the named file (trailing newline trimmed)

With none of the three given and stdin is not a terminal, the value is read
from stdin (piped input). Otherwise the value is prompted for interactively
with input hidden, matching the terminal's usual secret-entry behavior.`,
		RunE: func(_ *cobra.Command, _ []string) error {
			if stub == "" || name == "" {
				return fmt.Errorf("--stub and --name are required")
			}

			resolved, err := resolveSecretValue(value, fromEnv, fromFile)
			if err != nil {
				return err
			}

			store := broker.NewStore(brokerDir())
			if err := store.StoreSecret(stub, name, resolved); err != nil {
				return err
			}
			logger.Infof("stored secret %s for stub %s", name, stub)
			fmt.Printf("Secret %s stored for stub %s\n", name, stub)
			return nil
		},
	}

	cmd.Flags().StringVar(&stub, "stub", "", "Stub name")
	cmd.Flags().StringVar(&name, "name", "", "Secret name")
	cmd.Flags().StringVar(&value, "value", "", "Literal secret value")
	cmd.Flags().StringVar(&fromEnv, "from-env", "", "Read the value from this environment variable")
	cmd.Flags().StringVar(&fromFile, "from-file", "", "Read the value from this file")
	return cmd
}

func resolveSecretValue(value, fromEnv, fromFile string) (string, error) {
	modes := 0
	if value != "" {
		modes++
	}
	if fromEnv != "" {
		modes++
	}
	if fromFile != "" {
		modes++
	}
	if modes > 1 {
		return "", fmt.Errorf("only one of --value, --from-env, --from-file may be given")
	}

	switch {
	case value != "":
		return value, nil
	case fromEnv != "":
		v, ok := os.LookupEnv(fromEnv)
		if !ok {
			return "", fmt.Errorf("environment variable %s is not set", fromEnv)
		}
		return v, nil
	case fromFile != "":
		data, err := os.ReadFile(fromFile)
		if err != nil {
			return "", fmt.Errorf("reading %s: %w", fromFile, err)
		}
		return strings.TrimSuffix(string(data), "\n"), nil
	default:
		return readValueFromTerminalOrStdin()
	}
}

func readValueFromTerminalOrStdin() (string, error) {
	stat, _ := os.Stdin.Stat()
	isPiped := (stat.Mode() & os.ModeCharDevice) == 0

	if isPiped {
		data, err := io.ReadAll(os.Stdin)
		if err != nil {
			return "", fmt.Errorf("reading secret from stdin: %w", err)
		}
		return strings.TrimSuffix(string(data), "\n"), nil
	}

	fmt.Print("Enter secret value (input will be hidden): ")
	data, err := term.ReadPassword(int(syscall.Stdin))
	fmt.Println()
	if err != nil {
		return "", fmt.Errorf("reading secret from terminal: %w", err)
	}
	return string(data), nil
}
