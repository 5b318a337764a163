package app

import (
	"testing"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stacklok/capsule-broker/pkg/broker"
)

func TestInitCmd_CreatesKeysForStubs(t *testing.T) {
	defer viper.Reset()
	dir := t.TempDir()
	viper.Set("broker_dir", dir)

	cmd := newInitCmd()
	cmd.SetArgs([]string{"--stubs", "alpha,beta"})
	require.NoError(t, cmd.Execute())

	keys, err := broker.NewStore(dir).LoadKeys()
	require.NoError(t, err)
	assert.Contains(t, keys, "alpha")
	assert.Contains(t, keys, "beta")
}
