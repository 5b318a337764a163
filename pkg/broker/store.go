package broker

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"

	apierrors "github.com/stacklok/capsule-broker/pkg/errors"
	"github.com/stacklok/capsule-broker/pkg/logger"
)

const (
	keysFileName    = "keys.json"
	stateFileName   = "state.json"
	secretsFileName = "secrets.json"
	storeFileMode   = 0o600
)

// Store owns the three durable mappings under a broker directory: keys,
// secrets, and state. All writes go through write-temp-then-rename so a
// concurrent reader sees either the old or the new content, never a
// partial write (spec section 5).
type Store struct {
	dir              string
	immutableEnabled bool
}

// NewStore opens a Store rooted at dir. It does not touch the filesystem;
// call Init to create the directory and any missing files.
func NewStore(dir string) *Store {
	return &Store{
		dir:              dir,
		immutableEnabled: immutableFlagDefault(),
	}
}

func immutableFlagDefault() bool {
	v, ok := os.LookupEnv("BROKER_IMMUTABLE")
	if !ok {
		return true
	}
	return v != "0" && v != "false" && v != "False" && v != ""
}

func (s *Store) keysPath() string    { return filepath.Join(s.dir, keysFileName) }
func (s *Store) statePath() string   { return filepath.Join(s.dir, stateFileName) }
func (s *Store) secretsPath() string { return filepath.Join(s.dir, secretsFileName) }

// Init ensures the broker directory and its three files exist. For any
// stub in stubs that has no key yet, a new random 32-byte key is generated
// and persisted; stubs that already have a key are left untouched
// (idempotent). The state and secrets files, if absent, are initialized
// to empty structures regardless of which stubs were requested.
func (s *Store) Init(stubs []string) error {
	if err := os.MkdirAll(s.dir, 0o700); err != nil {
		return apierrors.NewIOError(fmt.Sprintf("creating broker directory %s", s.dir), err)
	}

	keys, err := s.loadKeysAllowMissing()
	if err != nil {
		return err
	}
	updated := false
	for _, stub := range stubs {
		if stub == "" {
			continue
		}
		if _, ok := keys[stub]; !ok {
			key, err := randomKeyHex()
			if err != nil {
				return apierrors.NewIOError("generating broker key", err)
			}
			keys[stub] = key
			updated = true
		}
	}
	if updated || !fileExists(s.keysPath()) {
		if err := s.writeJSON(s.keysPath(), keys); err != nil {
			return err
		}
		s.maybeLockFile(s.keysPath())
	}

	if !fileExists(s.statePath()) {
		if err := s.writeJSON(s.statePath(), NewState()); err != nil {
			return err
		}
		s.maybeLockFile(s.statePath())
	}

	if !fileExists(s.secretsPath()) {
		if err := s.writeJSON(s.secretsPath(), map[string]map[string]string{}); err != nil {
			return err
		}
		s.maybeLockFile(s.secretsPath())
	}

	return nil
}

// EnsureExists makes sure the broker directory and its files are at least
// present (lazily creating empty ones) without creating any new stub keys.
// This mirrors the source's _ensure_broker_files(create_missing_keys=False)
// path used by issue/redeem/health.
func (s *Store) EnsureExists() error {
	return s.Init(nil)
}

// LoadKeys returns the stub -> hex key mapping. A missing key file is
// fatal: the store must be initialized first. Corrupt JSON is fatal.
func (s *Store) LoadKeys() (map[string]string, error) {
	if !fileExists(s.keysPath()) {
		return nil, apierrors.NewConfigurationError(
			"broker key store missing; run 'init' first", nil)
	}
	data, err := os.ReadFile(s.keysPath())
	if err != nil {
		return nil, apierrors.NewIOError("reading key store", err)
	}
	var keys map[string]string
	if err := json.Unmarshal(data, &keys); err != nil {
		return nil, apierrors.NewConfigurationError("corrupted key store", err)
	}
	if keys == nil {
		keys = map[string]string{}
	}
	return keys, nil
}

func (s *Store) loadKeysAllowMissing() (map[string]string, error) {
	if !fileExists(s.keysPath()) {
		return map[string]string{}, nil
	}
	data, err := os.ReadFile(s.keysPath())
	if err != nil {
		return nil, apierrors.NewIOError("reading key store", err)
	}
	var keys map[string]string
	if err := json.Unmarshal(data, &keys); err != nil {
		// Corrupt on init is tolerated as empty so Init can self-heal;
		// LoadKeys (used by issue/redeem) is the strict path.
		return map[string]string{}, nil
	}
	if keys == nil {
		keys = map[string]string{}
	}
	return keys, nil
}

// LoadState returns the current issuance/used-capability state. Corrupt or
// missing state is recovered as an empty structure, never fatal.
func (s *Store) LoadState() *State {
	data, err := os.ReadFile(s.statePath())
	if err != nil {
		return NewState()
	}
	var st State
	if err := json.Unmarshal(data, &st); err != nil {
		return NewState()
	}
	if st.UsedCapabilities == nil {
		st.UsedCapabilities = map[string]string{}
	}
	if st.IssueTimestamps == nil {
		st.IssueTimestamps = []float64{}
	}
	return &st
}

// WriteState persists state atomically.
func (s *Store) WriteState(st *State) error {
	return s.writeJSON(s.statePath(), st)
}

// LoadSecrets returns the stub -> (name -> plaintext) mapping.
func (s *Store) LoadSecrets() (map[string]map[string]string, error) {
	data, err := os.ReadFile(s.secretsPath())
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]map[string]string{}, nil
		}
		return nil, apierrors.NewIOError("reading secret store", err)
	}
	var secrets map[string]map[string]string
	if err := json.Unmarshal(data, &secrets); err != nil {
		// Matches the source's _load_secrets: malformed secrets file is
		// recovered as empty rather than fatal, since it never holds
		// protocol state (only user-supplied plaintext).
		return map[string]map[string]string{}, nil
	}
	if secrets == nil {
		secrets = map[string]map[string]string{}
	}
	return secrets, nil
}

// WriteSecrets persists the secret store atomically.
func (s *Store) WriteSecrets(secrets map[string]map[string]string) error {
	if err := s.writeJSON(s.secretsPath(), secrets); err != nil {
		return err
	}
	s.maybeLockFile(s.secretsPath())
	return nil
}

// StoreSecret sets (stub, name) -> value in the secret store.
func (s *Store) StoreSecret(stub, name, value string) error {
	if value == "" {
		return apierrors.NewConfigurationError("secret value cannot be empty", nil)
	}
	secrets, err := s.LoadSecrets()
	if err != nil {
		return err
	}
	if secrets[stub] == nil {
		secrets[stub] = map[string]string{}
	}
	secrets[stub][name] = value
	return s.WriteSecrets(secrets)
}

func (s *Store) writeJSON(path string, data any) error {
	encoded, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return apierrors.NewIOError(fmt.Sprintf("encoding %s", path), err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, encoded, storeFileMode); err != nil {
		return apierrors.NewIOError(fmt.Sprintf("writing %s", tmp), err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return apierrors.NewIOError(fmt.Sprintf("renaming %s to %s", tmp, path), err)
	}
	if err := os.Chmod(path, storeFileMode); err != nil {
		return apierrors.NewIOError(fmt.Sprintf("chmod %s", path), err)
	}
	return nil
}

// maybeLockFile marks path immutable via chattr +i when BROKER_IMMUTABLE is
// enabled (default) and the host is Linux. Failure to mark is non-fatal:
// chattr is frequently unavailable (non-ext filesystems, containers
// without CAP_LINUX_IMMUTABLE) and the spec treats this as best-effort
// hardening, not a correctness requirement.
func (s *Store) maybeLockFile(path string) {
	if !s.immutableEnabled || runtime.GOOS != "linux" {
		return
	}
	cmd := exec.Command("chattr", "+i", path)
	if err := cmd.Run(); err != nil {
		logger.Debugf("broker: could not mark %s immutable: %v", path, err)
	}
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func randomKeyHex() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}
