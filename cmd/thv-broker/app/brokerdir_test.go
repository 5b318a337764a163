package app

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
)

func TestBrokerDir_PrefersViperFlag(t *testing.T) {
	defer viper.Reset()
	viper.Set("broker_dir", "/flag/path")
	t.Setenv("BROKER_DIR", "/env/path")

	assert.Equal(t, "/flag/path", brokerDir())
}

func TestBrokerDir_FallsBackToEnvVar(t *testing.T) {
	defer viper.Reset()
	viper.Set("broker_dir", "")
	t.Setenv("BROKER_DIR", "/env/path")

	assert.Equal(t, "/env/path", brokerDir())
}

func TestBrokerDir_FallsBackToUserConfigDir(t *testing.T) {
	defer viper.Reset()
	viper.Set("broker_dir", "")
	t.Setenv("BROKER_DIR", "")

	base, err := os.UserConfigDir()
	if err != nil {
		t.Skip("no user config dir available in this environment")
	}

	assert.Equal(t, filepath.Join(base, "capsule-broker"), brokerDir())
}
