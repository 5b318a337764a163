// Package launcher implements the in-container stub launcher (C4): it
// selects the freshest valid capability for a stub, decrypts its sealed
// secrets, substitutes them into a caller-supplied stub spec, and hands
// off to the real target command.
package launcher

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	apierrors "github.com/stacklok/capsule-broker/pkg/errors"
	"github.com/stacklok/capsule-broker/pkg/broker"
	"github.com/stacklok/capsule-broker/pkg/sealing"
	"github.com/stacklok/capsule-broker/pkg/stubspec"
)

const (
	// SpecEnvVar carries the base64-encoded stub spec.
	SpecEnvVar = "STUB_SPEC"
	// CapRootEnvVar optionally overrides the capability directory tree root.
	CapRootEnvVar = "CAP_ROOT"
)

// DefaultCapRoot returns the capability directory tree root to use when
// CAP_ROOT is unset: a "capsule-broker/capabilities" directory under the
// user's config directory.
func DefaultCapRoot() string {
	base, err := os.UserConfigDir()
	if err != nil {
		base = "."
	}
	return filepath.Join(base, "capsule-broker", "capabilities")
}

// CapRoot resolves the effective capability root from the environment.
func CapRoot() string {
	if v := os.Getenv(CapRootEnvVar); v != "" {
		return v
	}
	return DefaultCapRoot()
}

// Plan is the fully resolved outcome of a launcher run: what to exec, with
// which arguments, environment, and working directory.
type Plan struct {
	Command string
	Args    []string
	Env     []string
	Cwd     string
}

// Clock abstracts time.Now for deterministic capability-selection tests.
type Clock func() time.Time

// Prepare runs spec sections 4.4 steps 1-8: decode the stub spec from the
// STUB_SPEC environment variable, resolve a valid capability, decrypt its
// declared secrets, substitute them, and build the child process
// environment. It never touches the process image; callers invoke Exec
// with the result.
func Prepare(environ []string, clock Clock) (*Plan, error) {
	if clock == nil {
		clock = time.Now
	}

	rawSpec, ok := lookupEnv(environ, SpecEnvVar)
	if !ok || rawSpec == "" {
		return nil, apierrors.NewSpecError(fmt.Sprintf("missing %s environment variable", SpecEnvVar), nil)
	}
	spec, err := stubspec.Decode(rawSpec)
	if err != nil {
		return nil, err
	}

	capRoot := CapRoot()
	if v, ok := lookupEnv(environ, CapRootEnvVar); ok && v != "" {
		capRoot = v
	}
	stubDir := filepath.Join(capRoot, spec.Stub)
	info, err := os.Stat(stubDir)
	if err != nil || !info.IsDir() {
		return nil, apierrors.NewIOError(fmt.Sprintf("capability directory missing for stub %q at %s", spec.Stub, stubDir), err)
	}

	token, err := selectCapability(stubDir, spec.Stub, clock)
	if err != nil {
		return nil, err
	}

	secrets, err := loadSecrets(stubDir, token, spec.Secrets)
	if err != nil {
		return nil, err
	}

	resolved, err := stubspec.Resolve(spec, secrets)
	if err != nil {
		return nil, err
	}

	env := scrubStubEnv(environ)
	for k, v := range resolved.Env {
		env = setEnv(env, k, v)
	}

	return &Plan{
		Command: resolved.Command,
		Args:    append([]string{resolved.Command}, resolved.Args...),
		Env:     env,
		Cwd:     resolved.Cwd,
	}, nil
}

// SelectCapability resolves <capRoot>/<stub> and runs capability
// selection over it. Exported for the unseal debug CLI, which needs the
// same selection logic without the rest of Prepare's exec-plan building.
func SelectCapability(capRoot, stub string, clock Clock) (*broker.CapabilityToken, string, error) {
	if clock == nil {
		clock = time.Now
	}
	stubDir := filepath.Join(capRoot, stub)
	info, err := os.Stat(stubDir)
	if err != nil || !info.IsDir() {
		return nil, "", apierrors.NewIOError(fmt.Sprintf("capability directory missing for stub %q at %s", stub, stubDir), err)
	}
	token, err := selectCapability(stubDir, stub, clock)
	if err != nil {
		return nil, "", err
	}
	return token, stubDir, nil
}

// LoadSecrets exposes loadSecrets for the unseal debug CLI.
func LoadSecrets(stubDir string, token *broker.CapabilityToken, names []string) (map[string]string, error) {
	return loadSecrets(stubDir, token, names)
}

// selectCapability implements spec section 4.4 step 3: newest-mtime-first
// selection among tokens whose stub field matches the directory, whose
// expires_at is strictly in the future, and which carry a session key.
func selectCapability(stubDir, stub string, clock Clock) (*broker.CapabilityToken, error) {
	entries, err := os.ReadDir(stubDir)
	if err != nil {
		return nil, apierrors.NewIOError(fmt.Sprintf("reading %s", stubDir), err)
	}

	type candidate struct {
		path    string
		modTime time.Time
	}
	var candidates []candidate
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".json" {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		candidates = append(candidates, candidate{path: filepath.Join(stubDir, entry.Name()), modTime: info.ModTime()})
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].modTime.After(candidates[j].modTime) })

	now := clock().UTC()
	for _, c := range candidates {
		token, err := broker.LoadToken(c.path)
		if err != nil {
			continue
		}
		if token.Stub != stub {
			continue
		}
		expiry, err := time.Parse(time.RFC3339, token.ExpiresAt)
		if err != nil || !expiry.UTC().After(now) {
			continue
		}
		if token.SessionKeyHex == "" {
			continue
		}
		return token, nil
	}
	return nil, apierrors.NewTemporalError(fmt.Sprintf("no valid (unexpired) capabilities available for stub %q", stub), nil)
}

// loadSecrets implements spec section 4.4 step 4: for each declared secret
// name, open its sealed record, verify binding to the selected capability,
// and decrypt.
func loadSecrets(stubDir string, token *broker.CapabilityToken, names []string) (map[string]string, error) {
	secretsDir := filepath.Join(stubDir, "secrets")
	resolved := make(map[string]string, len(names))
	for _, name := range names {
		if name == "" {
			continue
		}
		path := filepath.Join(secretsDir, name+".sealed")
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, apierrors.NewIOError(fmt.Sprintf("sealed secret %q missing at %s", name, path), err)
		}
		var record broker.SealedRecord
		if err := json.Unmarshal(data, &record); err != nil {
			return nil, apierrors.NewIntegrityError(fmt.Sprintf("sealed secret %q is not valid JSON", name), err)
		}
		if record.Stub != token.Stub {
			return nil, apierrors.NewIntegrityError(fmt.Sprintf("sealed secret %q does not match stub %q", name, token.Stub), nil)
		}
		if record.CapabilityID != token.CapabilityID {
			return nil, apierrors.NewIntegrityError(fmt.Sprintf("sealed secret %q not bound to capability %s", name, token.CapabilityID), nil)
		}
		ciphertext, err := base64.StdEncoding.DecodeString(record.Ciphertext)
		if err != nil {
			return nil, apierrors.NewIntegrityError(fmt.Sprintf("sealed secret %q ciphertext invalid", name), err)
		}
		plain, err := sealing.Unseal(token.SessionKeyHex, ciphertext)
		if err != nil {
			return nil, apierrors.NewIntegrityError(fmt.Sprintf("sealed secret %q could not be unsealed", name), err)
		}
		resolved[name] = string(plain)
	}
	return resolved, nil
}

func lookupEnv(environ []string, key string) (string, bool) {
	prefix := key + "="
	for _, kv := range environ {
		if len(kv) > len(prefix) && kv[:len(prefix)] == prefix {
			return kv[len(prefix):], true
		}
	}
	return "", false
}

// scrubStubEnv returns environ with SpecEnvVar removed, per spec section
// 4.4 step 7. The launcher never forwards its own encoded spec to the
// child.
func scrubStubEnv(environ []string) []string {
	prefix := SpecEnvVar + "="
	out := make([]string, 0, len(environ))
	for _, kv := range environ {
		if len(kv) >= len(prefix) && kv[:len(prefix)] == prefix {
			continue
		}
		out = append(out, kv)
	}
	return out
}

func setEnv(env []string, key, value string) []string {
	prefix := key + "="
	for i, kv := range env {
		if len(kv) >= len(prefix) && kv[:len(prefix)] == prefix {
			env[i] = prefix + value
			return env
		}
	}
	return append(env, prefix+value)
}
