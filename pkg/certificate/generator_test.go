package certificate

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/veridact/erasure/pkg/audit"
	"github.com/veridact/erasure/pkg/contracts"
	"github.com/veridact/erasure/pkg/crypto"
	"github.com/veridact/erasure/pkg/state"
	"github.com/veridact/erasure/pkg/store"
)

func fixture(t *testing.T) (*Generator, *state.Manager, *audit.Store, *store.MemoryKV) {
	t.Helper()
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	kv := store.NewMemoryKV().WithClock(clock)
	st := state.NewManager(kv).WithClock(clock)
	trail := audit.NewStore(kv).WithClock(clock)
	signer, err := crypto.NewEd25519Signer("signing-key-1")
	require.NoError(t, err)
	gen := NewGenerator(st, trail, kv, signer).WithClock(clock)
	return gen, st, trail, kv
}

func completedWorkflow(t *testing.T, st *state.Manager, id string) {
	t.Helper()
	ctx := context.Background()
	now := time.Date(2025, 6, 1, 11, 0, 0, 0, time.UTC)
	done := now.Add(time.Hour)
	w := &contracts.WorkflowState{
		WorkflowID:    id,
		RequestID:     "req-1",
		PolicyVersion: "1.2.0",
		Policy: contracts.Policy{
			Jurisdiction: contracts.JurisdictionEU, PolicyVersion: "1.2.0",
			MaxRetryAttempts: 3, InitialRetryDelayMs: 1000, RetryBackoffMultiplier: 2,
			ZombieCheckIntervalDays: 30, AutoDeleteThreshold: 0.8, ManualReviewThreshold: 0.5,
			RequiredSystems: []string{"database", "stripe"}, CertificateValidityDays: 365,
			HashAlgorithm: "sha256",
		},
		Subject: contracts.UserIdentifiers{
			UserID: "gdpr_test_001",
			Emails: []string{"gdpr.test@example.dev"},
			Phones: []string{"+15551234567"},
		},
		Status:       contracts.StatusCompleted,
		CurrentPhase: contracts.PhaseCertificate,
		Steps: map[string]*contracts.StepState{
			"database": {Status: contracts.StepDeleted, Attempts: 1,
				Evidence: &contracts.Evidence{Receipt: "db-rcpt-1", Timestamp: now}},
			"stripe": {Status: contracts.StepDeleted, Attempts: 2,
				Evidence: &contracts.Evidence{Receipt: "stripe-rcpt-9", Timestamp: now}},
		},
		DataLineage: contracts.DataLineageSnapshot{
			Systems: []string{"database", "stripe"}, CapturedAt: now,
		},
		CompletedAt: &done,
	}
	require.NoError(t, st.Create(ctx, w))
	_, err := st.Apply(ctx, id, state.SetStatus(contracts.StatusCompleted))
	require.NoError(t, err)
}

func TestGenerateSignsAndRedacts(t *testing.T) {
	gen, st, trail, _ := fixture(t)
	ctx := context.Background()
	completedWorkflow(t, st, "wf-1")
	_, err := trail.Append(ctx, "wf-1", "WORKFLOW_CREATED", map[string]any{"user_id": "gdpr_test_001"})
	require.NoError(t, err)
	_, err = trail.Append(ctx, "wf-1", "WORKFLOW_COMPLETED", nil)
	require.NoError(t, err)

	cert, err := gen.Generate(ctx, "wf-1")
	require.NoError(t, err)

	assert.Len(t, cert.CertificateID, 16)
	assert.Equal(t, "1.2.0", cert.PolicyVersion)
	assert.Equal(t, contracts.StatusCompleted, cert.Status)
	assert.Equal(t, "sha256", cert.HashAlgorithm)
	assert.NotEmpty(t, cert.AuditHashRoot)
	assert.Equal(t, cert.IssuedAt.AddDate(0, 0, 365), cert.ValidUntil)

	// Raw identifiers never appear.
	assert.Equal(t, "g***1", cert.RedactedSubject.UserID)
	assert.Equal(t, "g***t@example.dev", cert.RedactedSubject.Emails[0])
	assert.Equal(t, "+***67", cert.RedactedSubject.Phones[0])

	require.Len(t, cert.SystemReceipts, 2)
	assert.Equal(t, "database", cert.SystemReceipts[0].System)
	assert.Equal(t, "db-rcpt-1", cert.SystemReceipts[0].Receipt)

	ok, err := crypto.VerifyCertificate(cert)
	require.NoError(t, err)
	assert.True(t, ok)

	// Workflow carries the link.
	w, err := st.Get(ctx, "wf-1")
	require.NoError(t, err)
	assert.Equal(t, cert.CertificateID, w.CertificateID)
}

func TestGenerateIsIdempotent(t *testing.T) {
	gen, st, _, _ := fixture(t)
	ctx := context.Background()
	completedWorkflow(t, st, "wf-1")

	first, err := gen.Generate(ctx, "wf-1")
	require.NoError(t, err)
	second, err := gen.Generate(ctx, "wf-1")
	require.NoError(t, err)
	assert.Equal(t, first.CertificateID, second.CertificateID)
	assert.Equal(t, first.Signature, second.Signature)
}

func TestGenerateRefusesNonTerminal(t *testing.T) {
	gen, st, _, _ := fixture(t)
	ctx := context.Background()
	w := &contracts.WorkflowState{
		WorkflowID: "wf-2",
		Policy: contracts.Policy{
			Jurisdiction: contracts.JurisdictionEU, MaxRetryAttempts: 1, InitialRetryDelayMs: 1,
			RetryBackoffMultiplier: 2, ZombieCheckIntervalDays: 30,
			AutoDeleteThreshold: 0.8, ManualReviewThreshold: 0.5,
			RequiredSystems: []string{"database"},
		},
		Status: contracts.StatusInProgress,
	}
	require.NoError(t, st.Create(ctx, w))

	_, err := gen.Generate(ctx, "wf-2")
	require.Error(t, err)
	assert.True(t, contracts.IsCode(err, contracts.CodeCertificate))
}

func TestGenerateRefusesTamperedChain(t *testing.T) {
	gen, st, trail, kv := fixture(t)
	ctx := context.Background()
	completedWorkflow(t, st, "wf-1")
	_, err := trail.Append(ctx, "wf-1", "WORKFLOW_CREATED", nil)
	require.NoError(t, err)
	_, err = trail.Append(ctx, "wf-1", "STEP_COMPLETED", map[string]any{"step": "database"})
	require.NoError(t, err)

	// Corrupt the persisted chain behind the store's back.
	raw, ok, err := kv.Get(ctx, "audit:wf-1")
	require.NoError(t, err)
	require.True(t, ok)
	tampered := bytes.Replace(raw, []byte("STEP_COMPLETED"), []byte("STEP_COMPLETEX"), 1)
	require.NotEqual(t, raw, tampered)
	require.NoError(t, kv.Set(ctx, "audit:wf-1", tampered, 0))

	_, err = gen.Generate(ctx, "wf-1")
	require.Error(t, err)
	assert.True(t, contracts.IsCode(err, contracts.CodeAuditIntegrity))
}

func TestVerifyDetectsMutation(t *testing.T) {
	gen, st, _, kv := fixture(t)
	ctx := context.Background()
	completedWorkflow(t, st, "wf-1")

	cert, err := gen.Generate(ctx, "wf-1")
	require.NoError(t, err)

	ok, err := gen.Verify(ctx, cert.CertificateID)
	require.NoError(t, err)
	assert.True(t, ok)

	// Mutate the stored record.
	stored, found, err := kv.Get(ctx, "certificate:"+cert.CertificateID)
	require.NoError(t, err)
	require.True(t, found)
	mutated := []byte(string(stored))
	copy(mutated, []byte(`{"certificate_id":"AAAAAAAAAAAAAAAA"`))
	require.NoError(t, kv.Set(ctx, "certificate:"+cert.CertificateID, mutated, 0))

	ok, err = gen.Verify(ctx, cert.CertificateID)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestGetMissingIs404(t *testing.T) {
	gen, _, _, _ := fixture(t)
	_, err := gen.Get(context.Background(), "DOESNOTEXIST0000")
	require.Error(t, err)
	var e *contracts.Error
	require.ErrorAs(t, err, &e)
	assert.Equal(t, 404, e.Status)
}
