// Package crypto implements the engine's hashing, hash-chaining, identifier
// generation and ed25519 signing primitives.
package crypto

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/veridact/erasure/pkg/canonicalize"
)

// GenesisHash anchors every new chain.
const GenesisHash = "genesis"

// Hash returns the SHA-256 digest of data as a 64-char lowercase hex string.
func Hash(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Chain extends a hash chain: H(prevHash || JCS(payload)).
func Chain(prevHash string, payload any) (string, error) {
	canonical, err := canonicalize.JCS(payload)
	if err != nil {
		return "", fmt.Errorf("chain: %w", err)
	}
	return Hash(append([]byte(prevHash), canonical...)), nil
}

// VerifyChain replays payloads against the recorded hashes. hashes[i] must
// equal Chain(hashes[i-1], payloads[i]) with GenesisHash before the first
// link. Returns false on any mismatch or length disagreement.
func VerifyChain(hashes []string, payloads []any) (bool, error) {
	if len(hashes) != len(payloads) {
		return false, nil
	}
	prev := GenesisHash
	for i := range hashes {
		expected, err := Chain(prev, payloads[i])
		if err != nil {
			return false, err
		}
		if expected != hashes[i] {
			return false, nil
		}
		prev = expected
	}
	return true, nil
}

// CertificateID returns a 16-character uppercase hex identifier from a
// cryptographically secure source.
func CertificateID() (string, error) {
	var buf [8]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return "", fmt.Errorf("certificate id: %w", err)
	}
	return strings.ToUpper(hex.EncodeToString(buf[:])), nil
}
