// Package certificate issues the signed Certificate of Destruction once a
// workflow reaches a terminal outcome. Generation refuses to run over a
// broken audit chain and never embeds raw subject identifiers.
package certificate

import (
	"context"
	"encoding/json"
	"log/slog"
	"sort"
	"time"

	"github.com/veridact/erasure/pkg/audit"
	"github.com/veridact/erasure/pkg/contracts"
	"github.com/veridact/erasure/pkg/crypto"
	"github.com/veridact/erasure/pkg/privacy"
	"github.com/veridact/erasure/pkg/state"
	"github.com/veridact/erasure/pkg/store"
)

func certKey(certificateID string) string { return "certificate:" + certificateID }

// Generator builds, signs and persists certificates.
type Generator struct {
	state  *state.Manager
	audit  *audit.Store
	kv     store.KV
	signer crypto.Signer
	logger *slog.Logger
	clock  func() time.Time
}

// NewGenerator creates a certificate generator.
func NewGenerator(st *state.Manager, trail *audit.Store, kv store.KV, signer crypto.Signer) *Generator {
	return &Generator{state: st, audit: trail, kv: kv, signer: signer, logger: slog.Default(), clock: time.Now}
}

// WithLogger sets the structured logger.
func (g *Generator) WithLogger(l *slog.Logger) *Generator {
	g.logger = l
	return g
}

// WithClock overrides the clock for deterministic tests.
func (g *Generator) WithClock(clock func() time.Time) *Generator {
	g.clock = clock
	return g
}

// Generate issues the certificate for a terminal workflow. Re-issuing for a
// workflow that already has one returns the existing certificate unchanged.
func (g *Generator) Generate(ctx context.Context, workflowID string) (*contracts.Certificate, error) {
	w, err := g.state.Get(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	if !w.Status.Terminal() {
		return nil, contracts.Errf(contracts.CodeCertificate,
			"workflow %s is %s; certificates are issued only for terminal workflows", workflowID, w.Status)
	}
	if w.CertificateID != "" {
		return g.Get(ctx, w.CertificateID)
	}

	// Verify the full chain before attesting to anything. Load re-verifies
	// every link and fails with AUDIT_INTEGRITY on tampering.
	trail, err := g.audit.Load(ctx, workflowID)
	if err != nil {
		return nil, err
	}

	id, err := crypto.CertificateID()
	if err != nil {
		return nil, contracts.Errf(contracts.CodeCertificate, "generate certificate id: %v", err).WithCause(err)
	}

	now := g.clock().UTC()
	cert := &contracts.Certificate{
		CertificateID:   id,
		WorkflowID:      workflowID,
		PolicyVersion:   w.PolicyVersion,
		Status:          w.Status,
		RedactedSubject: privacy.RedactIdentifiers(w.Subject),
		SystemReceipts:  receiptsFrom(w),
		DataLineage:     w.DataLineage,
		AuditHashRoot:   trail.Root(),
		HashAlgorithm:   w.Policy.HashAlgorithm,
		IssuedAt:        now,
		ValidUntil:      now.AddDate(0, 0, w.Policy.CertificateValidityDays),
	}
	if err := g.signer.SignCertificate(cert); err != nil {
		return nil, err
	}

	raw, err := json.Marshal(cert)
	if err != nil {
		return nil, contracts.Errf(contracts.CodeCertificate, "encode certificate: %v", err).WithCause(err)
	}
	if err := g.kv.Set(ctx, certKey(id), raw, 0); err != nil {
		return nil, contracts.Errf(contracts.CodeCertificate, "persist certificate: %v", err).WithCause(err)
	}
	if _, err := g.state.Apply(ctx, workflowID, state.SetCertificateID(id)); err != nil {
		return nil, err
	}

	g.logger.Info("certificate issued",
		"workflow_id", workflowID,
		"certificate_id", id,
		"status", string(w.Status),
		"receipts", len(cert.SystemReceipts))
	return cert, nil
}

// receiptsFrom collects the per-system attestation rows, system order
// stable.
func receiptsFrom(w *contracts.WorkflowState) []contracts.SystemReceipt {
	systems := make([]string, 0, len(w.Steps))
	for name := range w.Steps {
		systems = append(systems, name)
	}
	sort.Strings(systems)

	out := make([]contracts.SystemReceipt, 0, len(systems))
	for _, name := range systems {
		st := w.Steps[name]
		r := contracts.SystemReceipt{System: name, Status: st.Status, Timestamp: st.LastUpdated}
		if st.Evidence != nil {
			r.Receipt = st.Evidence.Receipt
			if !st.Evidence.Timestamp.IsZero() {
				r.Timestamp = st.Evidence.Timestamp
			}
		}
		out = append(out, r)
	}
	return out
}

// Get loads a certificate by ID.
func (g *Generator) Get(ctx context.Context, certificateID string) (*contracts.Certificate, error) {
	raw, ok, err := g.kv.Get(ctx, certKey(certificateID))
	if err != nil {
		return nil, contracts.Errf(contracts.CodeCertificate, "load certificate %s: %v", certificateID, err).WithCause(err)
	}
	if !ok {
		return nil, contracts.NewError(contracts.CodeCertificate, 404, contracts.ClassNonRetryable,
			"certificate %s not found", certificateID)
	}
	var cert contracts.Certificate
	if err := json.Unmarshal(raw, &cert); err != nil {
		return nil, contracts.Errf(contracts.CodeCertificate, "decode certificate %s: %v", certificateID, err).WithCause(err)
	}
	return &cert, nil
}

// Verify checks the signature on a stored certificate.
func (g *Generator) Verify(ctx context.Context, certificateID string) (bool, error) {
	cert, err := g.Get(ctx, certificateID)
	if err != nil {
		return false, err
	}
	return crypto.VerifyCertificate(cert)
}
