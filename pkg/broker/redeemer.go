package broker

import (
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	apierrors "github.com/stacklok/capsule-broker/pkg/errors"
	"github.com/stacklok/capsule-broker/pkg/sealing"
)

// usedCapabilityTTL bounds how long a redeemed capability_id is remembered
// in the replay ledger before it may be evicted (spec section 3).
const usedCapabilityTTL = 24 * time.Hour

// Redeemer validates capability tokens and seals requested secrets.
type Redeemer struct {
	store *Store
	clock Clock
}

// NewRedeemer builds a Redeemer over store, using DefaultClock.
func NewRedeemer(store *Store) *Redeemer {
	return &Redeemer{store: store, clock: DefaultClock}
}

// Redeem runs spec section 4.3's algorithm against the token at
// capabilityPath. outputDir, if empty, defaults to
// "<capabilityPath's directory>/secrets". Returns the sealed records
// written, one per requested secret name, in request order.
func (r *Redeemer) Redeem(capabilityPath string, secretNames []string, outputDir string, allowReuse bool) ([]SealedRecord, error) {
	if err := r.store.EnsureExists(); err != nil {
		return nil, err
	}
	if len(secretNames) == 0 {
		return nil, apierrors.NewConfigurationError("at least one secret name must be provided", nil)
	}

	token, err := LoadToken(capabilityPath)
	if err != nil {
		return nil, err
	}

	keys, err := r.store.LoadKeys()
	if err != nil {
		return nil, err
	}
	keyHex, ok := keys[token.Stub]
	if !ok || keyHex == "" {
		return nil, apierrors.NewConfigurationError(fmt.Sprintf("no broker key for stub %q", token.Stub), nil)
	}

	payload := canonicalPayload(token.Nonce, token.Session, token.Stub, token.CapabilityID)
	expectedHMAC, err := hmacHex(keyHex, payload)
	if err != nil {
		return nil, apierrors.NewConfigurationError("invalid broker key", err)
	}
	if !constantTimeEqual(expectedHMAC, token.HMAC) {
		return nil, apierrors.NewIntegrityError("capability HMAC mismatch; refusing redemption", nil)
	}

	expectedSessionKey, err := hmacHex(keyHex, payload+"|seal")
	if err != nil {
		return nil, apierrors.NewConfigurationError("invalid broker key", err)
	}
	if !constantTimeEqual(expectedSessionKey, token.SessionKeyHex) {
		return nil, apierrors.NewIntegrityError("capability session key mismatch", nil)
	}

	expiresAt, err := time.Parse(time.RFC3339, token.ExpiresAt)
	if err != nil {
		return nil, apierrors.NewIntegrityError(fmt.Sprintf("invalid expiry timestamp %q", token.ExpiresAt), err)
	}
	if !r.clock().UTC().Before(expiresAt.UTC()) {
		return nil, apierrors.NewTemporalError("capability expired", nil)
	}

	state := r.store.LoadState()
	if _, used := state.UsedCapabilities[token.CapabilityID]; used && !allowReuse {
		return nil, apierrors.NewReplayError("capability already redeemed; refusing replay", nil)
	}

	secretsStore, err := r.store.LoadSecrets()
	if err != nil {
		return nil, err
	}
	secretsForStub := secretsStore[token.Stub]

	destination := outputDir
	if destination == "" {
		destination = filepath.Join(filepath.Dir(capabilityPath), "secrets")
	}
	if err := os.MkdirAll(destination, 0o700); err != nil {
		return nil, apierrors.NewIOError(fmt.Sprintf("creating %s", destination), err)
	}

	issuedAt := r.clock().UTC().Format(time.RFC3339)
	var records []SealedRecord
	for _, name := range secretNames {
		plaintext, ok := secretsForStub[name]
		if !ok {
			return nil, apierrors.NewConfigurationError(
				fmt.Sprintf("secret %q not defined for stub %q", name, token.Stub), nil)
		}

		ciphertext, err := sealing.Seal(token.SessionKeyHex, []byte(plaintext))
		if err != nil {
			return nil, apierrors.NewIntegrityError("sealing secret", err)
		}

		record := SealedRecord{
			Stub:         token.Stub,
			Secret:       name,
			CapabilityID: token.CapabilityID,
			IssuedAt:     issuedAt,
			Algorithm:    sealing.Algorithm,
			Ciphertext:   base64.StdEncoding.EncodeToString(ciphertext),
		}
		if err := writeSealedRecord(destination, name, record); err != nil {
			return nil, err
		}
		records = append(records, record)
	}

	r.markUsed(state, token.CapabilityID)
	if err := r.store.WriteState(state); err != nil {
		return nil, err
	}

	return records, nil
}

func (r *Redeemer) markUsed(state *State, capabilityID string) {
	now := r.clock().UTC()
	state.UsedCapabilities[capabilityID] = now.Format(time.RFC3339)

	cutoff := now.Add(-usedCapabilityTTL)
	for id, ts := range state.UsedCapabilities {
		parsed, err := time.Parse(time.RFC3339, ts)
		if err != nil || parsed.Before(cutoff) {
			delete(state.UsedCapabilities, id)
		}
	}
}

// LoadToken reads and minimally validates a capability token file,
// rejecting it if any required field is missing.
func LoadToken(path string) (*CapabilityToken, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, apierrors.NewIOError(fmt.Sprintf("capability file missing: %s", path), err)
		}
		return nil, apierrors.NewIOError(fmt.Sprintf("reading %s", path), err)
	}

	var token CapabilityToken
	if err := json.Unmarshal(data, &token); err != nil {
		return nil, apierrors.NewIntegrityError(fmt.Sprintf("invalid capability JSON in %s", path), err)
	}

	missing := []string{}
	if token.Stub == "" {
		missing = append(missing, "stub")
	}
	if token.Session == "" {
		missing = append(missing, "session")
	}
	if token.CapabilityID == "" {
		missing = append(missing, "capability_id")
	}
	if token.Nonce == "" {
		missing = append(missing, "nonce")
	}
	if token.ExpiresAt == "" {
		missing = append(missing, "expires_at")
	}
	if token.HMAC == "" {
		missing = append(missing, "hmac")
	}
	if len(missing) > 0 {
		return nil, apierrors.NewIntegrityError(
			fmt.Sprintf("capability missing field(s): %v", missing), nil)
	}

	return &token, nil
}

func writeSealedRecord(dir, name string, record SealedRecord) error {
	encoded, err := json.MarshalIndent(record, "", "  ")
	if err != nil {
		return apierrors.NewIOError("encoding sealed record", err)
	}
	path := filepath.Join(dir, name+".sealed")
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, encoded, 0o600); err != nil {
		return apierrors.NewIOError(fmt.Sprintf("writing %s", tmp), err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return apierrors.NewIOError(fmt.Sprintf("renaming %s", tmp), err)
	}
	if err := os.Chmod(path, 0o600); err != nil {
		return apierrors.NewIOError(fmt.Sprintf("chmod %s", path), err)
	}
	return nil
}

// constantTimeEqual compares two hex strings in constant time, per spec
// section 9's mandate that naive byte-wise comparison is a conformance
// failure.
func constantTimeEqual(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
