package broker

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStore_InitCreatesKeysForUnknownStubs(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	store := NewStore(dir)
	store.immutableEnabled = false

	require.NoError(t, store.Init([]string{"github", "context7"}))

	keys, err := store.LoadKeys()
	require.NoError(t, err)
	assert.Len(t, keys, 2)
	assert.Len(t, keys["github"], 64) // 32 random bytes, hex-encoded
	assert.Len(t, keys["context7"], 64)

	_, err = os.Stat(filepath.Join(dir, stateFileName))
	require.NoError(t, err)
	_, err = os.Stat(filepath.Join(dir, secretsFileName))
	require.NoError(t, err)
}

func TestStore_InitIsIdempotent(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	store := NewStore(dir)
	store.immutableEnabled = false

	require.NoError(t, store.Init([]string{"github"}))
	first, err := store.LoadKeys()
	require.NoError(t, err)

	require.NoError(t, store.Init([]string{"github", "context7"}))
	second, err := store.LoadKeys()
	require.NoError(t, err)

	assert.Equal(t, first["github"], second["github"], "existing key must not be rotated")
	assert.Contains(t, second, "context7")
}

func TestStore_LoadKeysMissingIsConfigurationError(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	store := NewStore(dir)

	_, err := store.LoadKeys()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "configuration")
}

func TestStore_LoadKeysCorruptIsFatal(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, keysFileName), []byte("{not json"), 0o600))

	store := NewStore(dir)
	_, err := store.LoadKeys()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "corrupted key store")
}

func TestStore_LoadStateRecoversFromCorruption(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, stateFileName), []byte("not json at all"), 0o600))

	store := NewStore(dir)
	state := store.LoadState()
	assert.Empty(t, state.IssueTimestamps)
	assert.Empty(t, state.UsedCapabilities)
}

func TestStore_StoreAndLoadSecret(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	store := NewStore(dir)
	store.immutableEnabled = false

	require.NoError(t, store.StoreSecret("svc", "TOKEN", "hunter2"))

	secrets, err := store.LoadSecrets()
	require.NoError(t, err)
	assert.Equal(t, "hunter2", secrets["svc"]["TOKEN"])
}

func TestStore_StoreSecretRejectsEmptyValue(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	store := NewStore(dir)
	store.immutableEnabled = false

	err := store.StoreSecret("svc", "TOKEN", "")
	require.Error(t, err)
}

func TestStore_WritesAreMode0600(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	store := NewStore(dir)
	store.immutableEnabled = false
	require.NoError(t, store.Init([]string{"svc"}))

	info, err := os.Stat(filepath.Join(dir, keysFileName))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())
}
