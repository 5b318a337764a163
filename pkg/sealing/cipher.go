// Package sealing implements the xor-sha256 stream cipher shared by the
// capability redeemer (C3) and the stub launcher (C4). It is deliberately
// not AES-GCM or any authenticated cipher: the protocol's integrity comes
// from the capability token's HMAC and single-use capability_id (spec
// section 4.6), not from this cipher. Do not swap it out without
// redesigning the token structure.
package sealing

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// Algorithm is the version tag stored in every sealed record.
const Algorithm = "xor-sha256"

// Seal encrypts plaintext with the hex-encoded session key, producing
// ciphertext of the same length. The cipher is symmetric: Seal and Unseal
// are the identical transform.
func Seal(sessionKeyHex string, plaintext []byte) ([]byte, error) {
	return xorStream(sessionKeyHex, plaintext)
}

// Unseal decrypts ciphertext with the hex-encoded session key.
func Unseal(sessionKeyHex string, ciphertext []byte) ([]byte, error) {
	return xorStream(sessionKeyHex, ciphertext)
}

func xorStream(sessionKeyHex string, data []byte) ([]byte, error) {
	keyBytes, err := hex.DecodeString(sessionKeyHex)
	if err != nil {
		return nil, fmt.Errorf("invalid session key: %w", err)
	}
	if len(keyBytes) == 0 {
		return nil, fmt.Errorf("session key cannot decode to empty byte string")
	}

	block := sha256.Sum256(keyBytes)
	out := make([]byte, len(data))
	idx := 0
	for i, b := range data {
		out[i] = b ^ block[idx]
		idx++
		if idx == len(block) {
			block = sha256.Sum256(block[:])
			idx = 0
		}
	}
	return out, nil
}
