package lockfile

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/gofrs/flock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLockRegistry_RegisterUnregister(t *testing.T) {
	t.Parallel()

	r := &lockRegistry{locks: make(map[string]*flock.Flock)}
	lockPath := "/test/path/file.lock"
	lock := flock.New(lockPath)

	r.RegisterLock(lockPath, lock)
	r.mu.RLock()
	assert.Contains(t, r.locks, lockPath)
	r.mu.RUnlock()

	r.UnregisterLock(lockPath)
	r.mu.RLock()
	assert.NotContains(t, r.locks, lockPath)
	r.mu.RUnlock()
}

func TestWithBrokerLock_RunsFnAndReleases(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()

	ran := false
	err := WithBrokerLock(dir, func() error {
		ran = true
		return nil
	})
	require.NoError(t, err)
	assert.True(t, ran)

	// The lock file should exist but be unlocked afterward: acquiring it
	// again must succeed immediately.
	lockPath := filepath.Join(dir, ".broker.lock")
	_, err = os.Stat(lockPath)
	require.NoError(t, err)

	again := flock.New(lockPath)
	locked, err := again.TryLock()
	require.NoError(t, err)
	assert.True(t, locked)
	_ = again.Unlock()
}

func TestWithBrokerLock_PropagatesFnError(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	sentinel := assert.AnError

	err := WithBrokerLock(dir, func() error {
		return sentinel
	})
	assert.ErrorIs(t, err, sentinel)
}
