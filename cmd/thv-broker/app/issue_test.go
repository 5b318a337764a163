package app

import (
	"testing"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stacklok/capsule-broker/pkg/broker"
)

func TestIssueCmd_RequiresSessionID(t *testing.T) {
	defer viper.Reset()
	dir := t.TempDir()
	viper.Set("broker_dir", dir)

	cmd := newIssueCmd()
	cmd.SetArgs([]string{"--stubs", "alpha", "--output", dir})
	assert.Error(t, cmd.Execute())
}

func TestIssueCmd_RequiresStubs(t *testing.T) {
	defer viper.Reset()
	dir := t.TempDir()
	viper.Set("broker_dir", dir)

	cmd := newIssueCmd()
	cmd.SetArgs([]string{"--session-id", "sess-1", "--output", dir})
	assert.Error(t, cmd.Execute())
}

func TestIssueCmd_RequiresOutput(t *testing.T) {
	defer viper.Reset()
	dir := t.TempDir()
	viper.Set("broker_dir", dir)

	cmd := newIssueCmd()
	cmd.SetArgs([]string{"--session-id", "sess-1", "--stubs", "alpha"})
	assert.Error(t, cmd.Execute())
}

func TestIssueCmd_IssuesTokenForKnownStub(t *testing.T) {
	defer viper.Reset()
	dir := t.TempDir()
	viper.Set("broker_dir", dir)
	outputDir := t.TempDir()

	require.NoError(t, broker.NewStore(dir).Init([]string{"alpha"}))

	cmd := newIssueCmd()
	cmd.SetArgs([]string{"--session-id", "sess-1", "--stubs", "alpha", "--output", outputDir})
	require.NoError(t, cmd.Execute())
}
