package app

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRootCmd_RegistersSubcommands(t *testing.T) {
	t.Parallel()

	cmd := NewRootCmd()

	names := make([]string, 0)
	for _, sub := range cmd.Commands() {
		names = append(names, sub.Name())
	}
	assert.ElementsMatch(t, []string{"init", "issue", "store", "redeem", "health"}, names)
}

func TestNewRootCmd_BindsPersistentFlags(t *testing.T) {
	t.Parallel()

	cmd := NewRootCmd()

	debugFlag := cmd.PersistentFlags().Lookup("debug")
	require.NotNil(t, debugFlag)
	assert.Equal(t, "false", debugFlag.DefValue)

	dirFlag := cmd.PersistentFlags().Lookup("broker-dir")
	require.NotNil(t, dirFlag)
	assert.Equal(t, "", dirFlag.DefValue)
}

func TestNewRootCmd_SilencesUsage(t *testing.T) {
	t.Parallel()

	cmd := NewRootCmd()
	assert.True(t, cmd.SilenceUsage)
}
