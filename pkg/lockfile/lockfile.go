// Package lockfile provides advisory locking over the broker directory so
// concurrent thv-broker invocations don't race on issue_timestamps /
// used_capabilities lost updates (spec section 5).
package lockfile

import (
	"fmt"
	"path/filepath"
	"sync"

	"github.com/gofrs/flock"
)

type lockRegistry struct {
	mu    sync.RWMutex
	locks map[string]*flock.Flock
}

var registry = &lockRegistry{locks: make(map[string]*flock.Flock)}

// RegisterLock records a lock under path so CleanupAll can release it later.
func (r *lockRegistry) RegisterLock(path string, lock *flock.Flock) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.locks[path] = lock
}

// UnregisterLock removes path from the registry without unlocking it.
func (r *lockRegistry) UnregisterLock(path string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.locks, path)
}

// CleanupAll releases every registered lock. Intended for process-exit
// signal handlers.
func (r *lockRegistry) CleanupAll() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for path, lock := range r.locks {
		_ = lock.Unlock()
		delete(r.locks, path)
	}
}

// CleanupAll releases every lock acquired via WithBrokerLock that is still
// held, best-effort. Safe to call from a signal handler at shutdown.
func CleanupAll() {
	registry.CleanupAll()
}

// WithBrokerLock acquires an exclusive advisory lock on a ".lock" file
// inside brokerDir, runs fn while holding it, and releases it afterward
// regardless of fn's outcome. This is the mechanism spec section 5
// requires deployments to use to serialize issue/redeem against the same
// broker directory.
func WithBrokerLock(brokerDir string, fn func() error) error {
	lockPath := filepath.Join(brokerDir, ".broker.lock")
	lock := flock.New(lockPath)

	locked, err := lock.TryLock()
	if err != nil {
		return fmt.Errorf("acquiring broker lock %s: %w", lockPath, err)
	}
	if !locked {
		// Block until the current holder releases it; broker invocations
		// are short-lived CLI processes so this is bounded in practice.
		if err := lock.Lock(); err != nil {
			return fmt.Errorf("waiting for broker lock %s: %w", lockPath, err)
		}
	}

	registry.RegisterLock(lockPath, lock)
	defer func() {
		_ = lock.Unlock()
		registry.UnregisterLock(lockPath)
	}()

	return fn()
}
