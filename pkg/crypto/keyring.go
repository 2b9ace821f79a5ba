package crypto

import (
	"crypto/ed25519"
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

// DeriveSigningKey derives a deterministic ed25519 private key from a master
// secret for the named purpose (e.g. "certificate-signing"). Rotating the
// master secret rotates every derived key.
func DeriveSigningKey(master []byte, purpose string) (ed25519.PrivateKey, error) {
	if len(master) < 16 {
		return nil, fmt.Errorf("master secret too short: %d bytes", len(master))
	}
	r := hkdf.New(sha256.New, master, nil, []byte(purpose))
	seed := make([]byte, ed25519.SeedSize)
	if _, err := io.ReadFull(r, seed); err != nil {
		return nil, fmt.Errorf("hkdf expand: %w", err)
	}
	return ed25519.NewKeyFromSeed(seed), nil
}
