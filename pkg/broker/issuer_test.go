package broker

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestIssuer(t *testing.T, now time.Time) (*Issuer, *Store, string) {
	t.Helper()
	brokerDir := t.TempDir()
	outDir := t.TempDir()

	store := NewStore(brokerDir)
	store.immutableEnabled = false
	require.NoError(t, store.Init([]string{"github"}))

	issuer := NewIssuer(store)
	issuer.clock = func() time.Time { return now }
	return issuer, store, outDir
}

func TestIssuer_IssueWritesTokenPerKnownStub(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 7, 30, 12, 0, 0, 0, time.UTC)
	issuer, _, outDir := newTestIssuer(t, now)

	tokens, err := issuer.Issue("session-1", []string{"github", "unknown-stub"}, outDir, 30)
	require.NoError(t, err)
	require.Len(t, tokens, 1)

	tok := tokens[0]
	assert.Equal(t, "github", tok.Stub)
	assert.Equal(t, "session-1", tok.Session)
	assert.NotEmpty(t, tok.CapabilityID)
	assert.NotEmpty(t, tok.Nonce)
	assert.NotEqual(t, tok.HMAC, tok.SessionKeyHex)
	assert.Equal(t, "2026-07-30T12:30:00Z", tok.ExpiresAt)

	_, err = os.Stat(outDir + "/github/" + tok.CapabilityID + ".json")
	require.NoError(t, err)
}

func TestIssuer_IssueFailsWhenNoStubsKnown(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 7, 30, 12, 0, 0, 0, time.UTC)
	issuer, _, outDir := newTestIssuer(t, now)

	_, err := issuer.Issue("session-1", []string{"unknown"}, outDir, 30)
	require.Error(t, err)
}

func TestIssuer_RateLimitExceeded(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 7, 30, 12, 0, 0, 0, time.UTC)
	issuer, store, outDir := newTestIssuer(t, now)

	state := NewState()
	nowUnix := float64(now.UnixNano()) / 1e9
	for i := 0; i < IssueWindowLimit(); i++ {
		state.IssueTimestamps = append(state.IssueTimestamps, nowUnix-1)
	}
	require.NoError(t, store.WriteState(state))

	_, err := issuer.Issue("session-1", []string{"github"}, outDir, 30)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "rate limit")
}

func TestIssuer_RateLimitWindowExpires(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 7, 30, 12, 0, 0, 0, time.UTC)
	issuer, store, outDir := newTestIssuer(t, now)

	state := NewState()
	staleUnix := float64(now.Add(-2*time.Hour).UnixNano()) / 1e9
	for i := 0; i < IssueWindowLimit()+5; i++ {
		state.IssueTimestamps = append(state.IssueTimestamps, staleUnix)
	}
	require.NoError(t, store.WriteState(state))

	_, err := issuer.Issue("session-1", []string{"github"}, outDir, 30)
	require.NoError(t, err)
}

func TestIssuer_DistinctIssuesProduceDistinctCapabilityIDs(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 7, 30, 12, 0, 0, 0, time.UTC)
	issuer, _, outDir := newTestIssuer(t, now)

	first, err := issuer.Issue("session-1", []string{"github"}, outDir, 30)
	require.NoError(t, err)
	second, err := issuer.Issue("session-1", []string{"github"}, outDir, 30)
	require.NoError(t, err)

	assert.NotEqual(t, first[0].CapabilityID, second[0].CapabilityID)
	assert.NotEqual(t, first[0].Nonce, second[0].Nonce)
}
