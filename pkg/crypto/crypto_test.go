package crypto

import (
	"regexp"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/veridact/erasure/pkg/contracts"
)

func TestHashIs64Hex(t *testing.T) {
	h := Hash([]byte("hello"))
	assert.Regexp(t, regexp.MustCompile(`^[0-9a-f]{64}$`), h)
}

func TestChainDeterministic(t *testing.T) {
	p := map[string]any{"b": 2, "a": 1}
	h1, err := Chain(GenesisHash, p)
	require.NoError(t, err)
	h2, err := Chain(GenesisHash, map[string]any{"a": 1, "b": 2})
	require.NoError(t, err)
	assert.Equal(t, h1, h2)
}

func TestVerifyChainReplay(t *testing.T) {
	payloads := []any{
		map[string]any{"step": "stripe"},
		map[string]any{"step": "database"},
		map[string]any{"step": "checkpoint"},
	}
	hashes := make([]string, 0, len(payloads))
	prev := GenesisHash
	for _, p := range payloads {
		h, err := Chain(prev, p)
		require.NoError(t, err)
		hashes = append(hashes, h)
		prev = h
	}

	ok, err := VerifyChain(hashes, payloads)
	require.NoError(t, err)
	assert.True(t, ok)

	// Tamper with a middle payload.
	payloads[1] = map[string]any{"step": "database", "extra": true}
	ok, err = VerifyChain(hashes, payloads)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestVerifyChainLengthMismatch(t *testing.T) {
	ok, err := VerifyChain([]string{"x"}, nil)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestCertificateIDFormat(t *testing.T) {
	seen := map[string]bool{}
	for i := 0; i < 32; i++ {
		id, err := CertificateID()
		require.NoError(t, err)
		assert.Regexp(t, regexp.MustCompile(`^[0-9A-F]{16}$`), id)
		assert.False(t, seen[id], "certificate IDs must not repeat")
		seen[id] = true
	}
}

func sampleCertificate() *contracts.Certificate {
	return &contracts.Certificate{
		CertificateID: "A1B2C3D4E5F60718",
		WorkflowID:    "wf-1",
		PolicyVersion: "1.2.0",
		Status:        contracts.StatusCompleted,
		RedactedSubject: contracts.UserIdentifiers{
			UserID: "g***1",
		},
		AuditHashRoot: "abc",
		HashAlgorithm: "sha256",
		IssuedAt:      time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
		ValidUntil:    time.Date(2027, 3, 1, 12, 0, 0, 0, time.UTC),
	}
}

func TestCertificateSignRoundTrip(t *testing.T) {
	signer, err := NewEd25519Signer("cert-key-1")
	require.NoError(t, err)

	cert := sampleCertificate()
	require.NoError(t, signer.SignCertificate(cert))
	require.NotEmpty(t, cert.Signature)

	ok, err := VerifyCertificate(cert)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestCertificateMutationInvalidates(t *testing.T) {
	signer, err := NewEd25519Signer("cert-key-1")
	require.NoError(t, err)

	cert := sampleCertificate()
	require.NoError(t, signer.SignCertificate(cert))

	mutated := *cert
	mutated.AuditHashRoot = "tampered"
	ok, err := VerifyCertificate(&mutated)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestDeriveSigningKeyDeterministic(t *testing.T) {
	master := []byte("0123456789abcdef0123456789abcdef")
	k1, err := DeriveSigningKey(master, "certificate-signing")
	require.NoError(t, err)
	k2, err := DeriveSigningKey(master, "certificate-signing")
	require.NoError(t, err)
	assert.Equal(t, k1, k2)

	k3, err := DeriveSigningKey(master, "other-purpose")
	require.NoError(t, err)
	assert.NotEqual(t, k1, k3)
}

func TestDeriveSigningKeyRejectsShortSecret(t *testing.T) {
	_, err := DeriveSigningKey([]byte("short"), "x")
	assert.Error(t, err)
}
