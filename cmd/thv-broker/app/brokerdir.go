package app

import (
	"os"
	"path/filepath"

	"github.com/spf13/viper"
)

// brokerDir resolves the broker state directory: the --broker-dir flag
// (bound to viper as broker_dir) if set, otherwise BROKER_DIR, otherwise
// a "capsule-broker" directory under the user's config directory.
func brokerDir() string {
	if v := viper.GetString("broker_dir"); v != "" {
		return v
	}
	if v := os.Getenv("BROKER_DIR"); v != "" {
		return v
	}
	base, err := os.UserConfigDir()
	if err != nil {
		base = "."
	}
	return filepath.Join(base, "capsule-broker")
}
