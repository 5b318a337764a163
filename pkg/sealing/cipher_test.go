package sealing

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"testing"
	"testing/quick"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func randomKeyHex(t *testing.T) string {
	t.Helper()
	buf := make([]byte, 32)
	_, err := rand.Read(buf)
	require.NoError(t, err)
	return hex.EncodeToString(buf)
}

func TestSealUnseal_RoundTrip(t *testing.T) {
	t.Parallel()

	key := randomKeyHex(t)
	plaintext := []byte("hunter2")

	ciphertext, err := Seal(key, plaintext)
	require.NoError(t, err)
	assert.NotEqual(t, plaintext, ciphertext)
	assert.Len(t, ciphertext, len(plaintext))

	recovered, err := Unseal(key, ciphertext)
	require.NoError(t, err)
	assert.Equal(t, plaintext, recovered)
}

func TestSealUnseal_RoundTripProperty(t *testing.T) {
	t.Parallel()

	key := randomKeyHex(t)
	f := func(data []byte) bool {
		ciphertext, err := Seal(key, data)
		if err != nil {
			return false
		}
		recovered, err := Unseal(key, ciphertext)
		if err != nil {
			return false
		}
		return string(recovered) == string(data)
	}
	require.NoError(t, quick.Check(f, nil))
}

func TestSeal_EmptyKeyRejected(t *testing.T) {
	t.Parallel()

	_, err := Seal("", []byte("secret"))
	assert.Error(t, err)
}

func TestSeal_InvalidHexRejected(t *testing.T) {
	t.Parallel()

	_, err := Seal("not-hex!!", []byte("secret"))
	assert.Error(t, err)
}

func TestSeal_CrossesBlockBoundary(t *testing.T) {
	t.Parallel()

	key := randomKeyHex(t)
	// 100 bytes forces at least three SHA-256 block rotations (32 bytes each).
	plaintext := make([]byte, 100)
	for i := range plaintext {
		plaintext[i] = byte(i)
	}

	ciphertext, err := Seal(key, plaintext)
	require.NoError(t, err)

	recovered, err := Unseal(key, ciphertext)
	require.NoError(t, err)
	assert.Equal(t, plaintext, recovered)
}

// This test also locks in the exact block-derivation formula from spec
// section 4.6: block_0 = SHA-256(key), block_{n+1} = SHA-256(block_n).
func TestSeal_MatchesReferenceFormula(t *testing.T) {
	t.Parallel()

	key := randomKeyHex(t)
	keyBytes, err := hex.DecodeString(key)
	require.NoError(t, err)

	plaintext := []byte("0123456789abcdefghijklmnopqrstuvwxyzXX") // > 32 bytes
	block := sha256.Sum256(keyBytes)
	want := make([]byte, len(plaintext))
	idx := 0
	for i, b := range plaintext {
		want[i] = b ^ block[idx]
		idx++
		if idx == len(block) {
			block = sha256.Sum256(block[:])
			idx = 0
		}
	}

	got, err := Seal(key, plaintext)
	require.NoError(t, err)
	assert.Equal(t, want, got)

	// Sanity: this is not a MAC, just documents that the HMAC-derived
	// session key and the cipher are independent layers.
	mac := hmac.New(sha256.New, keyBytes)
	mac.Write(plaintext)
	assert.NotEqual(t, mac.Sum(nil), got)
}
