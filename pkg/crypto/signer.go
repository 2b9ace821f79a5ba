package crypto

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"fmt"

	"github.com/veridact/erasure/pkg/canonicalize"
	"github.com/veridact/erasure/pkg/contracts"
)

// Signer signs and verifies destruction certificates.
type Signer interface {
	Sign(data []byte) (string, error)
	PublicKey() string
	KeyID() string
	SignCertificate(cert *contracts.Certificate) error
	VerifyCertificate(cert *contracts.Certificate) (bool, error)
}

// Ed25519Signer is the default Signer implementation.
type Ed25519Signer struct {
	privKey ed25519.PrivateKey
	pubKey  ed25519.PublicKey
	keyID   string
}

// NewEd25519Signer generates a fresh keypair.
func NewEd25519Signer(keyID string) (*Ed25519Signer, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("key generation failed: %w", err)
	}
	return &Ed25519Signer{privKey: priv, pubKey: pub, keyID: keyID}, nil
}

// NewEd25519SignerFromKey wraps an existing private key.
func NewEd25519SignerFromKey(priv ed25519.PrivateKey, keyID string) *Ed25519Signer {
	return &Ed25519Signer{
		privKey: priv,
		pubKey:  priv.Public().(ed25519.PublicKey),
		keyID:   keyID,
	}
}

func (s *Ed25519Signer) Sign(data []byte) (string, error) {
	return hex.EncodeToString(ed25519.Sign(s.privKey, data)), nil
}

func (s *Ed25519Signer) PublicKey() string {
	return hex.EncodeToString(s.pubKey)
}

func (s *Ed25519Signer) KeyID() string { return s.keyID }

// signingPayload is the canonical certificate minus the signature field.
func signingPayload(cert *contracts.Certificate) ([]byte, error) {
	unsigned := *cert
	unsigned.Signature = ""
	return canonicalize.JCS(&unsigned)
}

// SignCertificate computes the deterministic signature over the canonical
// certificate and stores it on the record.
func (s *Ed25519Signer) SignCertificate(cert *contracts.Certificate) error {
	cert.SignerKeyID = s.keyID
	cert.SignerPublicKey = s.PublicKey()
	payload, err := signingPayload(cert)
	if err != nil {
		return contracts.Errf(contracts.CodeCertificate, "canonicalize certificate: %v", err).WithCause(err)
	}
	sig, err := s.Sign(payload)
	if err != nil {
		return contracts.Errf(contracts.CodeCertificate, "sign certificate: %v", err).WithCause(err)
	}
	cert.Signature = sig
	return nil
}

// VerifyCertificate recomputes the signature over the canonical certificate.
// Any field mutation other than Signature invalidates.
func (s *Ed25519Signer) VerifyCertificate(cert *contracts.Certificate) (bool, error) {
	return VerifyCertificate(cert)
}

// VerifyCertificate verifies a certificate against its embedded public key.
func VerifyCertificate(cert *contracts.Certificate) (bool, error) {
	if cert.Signature == "" || cert.SignerPublicKey == "" {
		return false, nil
	}
	pub, err := hex.DecodeString(cert.SignerPublicKey)
	if err != nil || len(pub) != ed25519.PublicKeySize {
		return false, fmt.Errorf("invalid signer public key")
	}
	sig, err := hex.DecodeString(cert.Signature)
	if err != nil {
		return false, fmt.Errorf("invalid signature hex: %w", err)
	}
	payload, err := signingPayload(cert)
	if err != nil {
		return false, err
	}
	return ed25519.Verify(ed25519.PublicKey(pub), payload, sig), nil
}
