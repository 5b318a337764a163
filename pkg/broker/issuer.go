package broker

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	apierrors "github.com/stacklok/capsule-broker/pkg/errors"
)

// Default tunables, overridable via environment (spec section 4.2/6).
const (
	DefaultIssueWindowSeconds = 60
	DefaultIssueWindowLimit   = 30
	DefaultTTLMinutes         = 30
)

// IssueWindowSeconds returns the rate-limit window, honoring
// BROKER_RATE_WINDOW.
func IssueWindowSeconds() int {
	return intEnv("BROKER_RATE_WINDOW", DefaultIssueWindowSeconds)
}

// IssueWindowLimit returns the rate-limit ceiling, honoring
// BROKER_RATE_LIMIT.
func IssueWindowLimit() int {
	return intEnv("BROKER_RATE_LIMIT", DefaultIssueWindowLimit)
}

// DefaultTTL returns the default capability TTL in minutes, honoring
// BROKER_TTL.
func DefaultTTL() int {
	return intEnv("BROKER_TTL", DefaultTTLMinutes)
}

func intEnv(name string, fallback int) int {
	raw, ok := os.LookupEnv(name)
	if !ok {
		return fallback
	}
	var parsed int
	if _, err := fmt.Sscanf(raw, "%d", &parsed); err != nil {
		return fallback
	}
	return parsed
}

// Issuer issues capability tokens against a Store.
type Issuer struct {
	store *Store
	clock Clock
}

// NewIssuer builds an Issuer over store, using DefaultClock.
func NewIssuer(store *Store) *Issuer {
	return &Issuer{store: store, clock: DefaultClock}
}

// Issue runs spec section 4.2's algorithm: rate-check, compute a shared
// expiry, then mint one capability token per requested stub whose key
// exists. Returns the tokens written, in the same order as stubs (skipping
// unknown stubs). Fails if the rate limit is exceeded, or if no stub
// produced a token.
func (iss *Issuer) Issue(sessionID string, stubs []string, outputDir string, ttlMinutes int) ([]CapabilityToken, error) {
	if err := iss.store.EnsureExists(); err != nil {
		return nil, err
	}
	keys, err := iss.store.LoadKeys()
	if err != nil {
		return nil, err
	}

	state := iss.store.LoadState()
	if err := iss.rateLimitCheck(state); err != nil {
		return nil, err
	}

	now := iss.clock()
	expiresAt := now.Add(time.Duration(ttlMinutes) * time.Minute).UTC().Format(time.RFC3339)

	var issued []CapabilityToken
	for _, stub := range stubs {
		keyHex, ok := keys[stub]
		if !ok || keyHex == "" {
			continue
		}
		token, err := iss.mintToken(keyHex, sessionID, stub, expiresAt)
		if err != nil {
			return nil, err
		}
		if err := writeToken(outputDir, stub, token); err != nil {
			return nil, err
		}
		issued = append(issued, token)
	}

	if err := iss.store.WriteState(state); err != nil {
		return nil, err
	}

	if len(issued) == 0 {
		return nil, apierrors.NewConfigurationError("no capabilities issued (missing stub keys?)", nil)
	}
	return issued, nil
}

func (iss *Issuer) mintToken(keyHex, sessionID, stub, expiresAt string) (CapabilityToken, error) {
	capabilityID := uuid.NewString()
	nonce, err := randomNonceHex()
	if err != nil {
		return CapabilityToken{}, apierrors.NewIOError("generating nonce", err)
	}

	payload := canonicalPayload(nonce, sessionID, stub, capabilityID)
	digest, err := hmacHex(keyHex, payload)
	if err != nil {
		return CapabilityToken{}, apierrors.NewConfigurationError("invalid broker key", err)
	}
	sessionKey, err := hmacHex(keyHex, payload+"|seal")
	if err != nil {
		return CapabilityToken{}, apierrors.NewConfigurationError("invalid broker key", err)
	}

	return CapabilityToken{
		Stub:          stub,
		Session:       sessionID,
		CapabilityID:  capabilityID,
		Nonce:         nonce,
		ExpiresAt:     expiresAt,
		HMAC:          digest,
		SessionKeyHex: sessionKey,
	}, nil
}

// rateLimitCheck expires timestamps older than the window, rejects if the
// remaining count is already at the limit, and otherwise appends now.
func (iss *Issuer) rateLimitCheck(state *State) error {
	now := iss.clock()
	windowSeconds := float64(IssueWindowSeconds())
	nowUnix := float64(now.UnixNano()) / 1e9

	var live []float64
	for _, ts := range state.IssueTimestamps {
		if nowUnix-ts <= windowSeconds {
			live = append(live, ts)
		}
	}

	if len(live) >= IssueWindowLimit() {
		return apierrors.NewTemporalError(
			fmt.Sprintf("rate limit exceeded: %d requests within %ds", len(live), IssueWindowSeconds()),
			nil,
		)
	}

	live = append(live, nowUnix)
	state.IssueTimestamps = live
	state.LastIssue = nowUnix
	return nil
}

func canonicalPayload(nonce, sessionID, stub, capabilityID string) string {
	return fmt.Sprintf("%s|%s|%s|%s", nonce, sessionID, stub, capabilityID)
}

func hmacHex(keyHex, payload string) (string, error) {
	key, err := hex.DecodeString(keyHex)
	if err != nil {
		return "", err
	}
	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(payload))
	return hex.EncodeToString(mac.Sum(nil)), nil
}

func randomNonceHex() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}

func writeToken(outputDir, stub string, token CapabilityToken) error {
	stubDir := filepath.Join(outputDir, stub)
	if err := os.MkdirAll(stubDir, 0o700); err != nil {
		return apierrors.NewIOError(fmt.Sprintf("creating %s", stubDir), err)
	}

	encoded, err := json.MarshalIndent(token, "", "  ")
	if err != nil {
		return apierrors.NewIOError("encoding capability token", err)
	}

	tokenPath := filepath.Join(stubDir, token.CapabilityID+".json")
	tmp := tokenPath + ".tmp"
	if err := os.WriteFile(tmp, encoded, 0o600); err != nil {
		return apierrors.NewIOError(fmt.Sprintf("writing %s", tmp), err)
	}
	if err := os.Rename(tmp, tokenPath); err != nil {
		return apierrors.NewIOError(fmt.Sprintf("renaming %s", tmp), err)
	}
	if err := os.Chmod(tokenPath, 0o600); err != nil {
		return apierrors.NewIOError(fmt.Sprintf("chmod %s", tokenPath), err)
	}
	return nil
}
