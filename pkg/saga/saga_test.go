package saga

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/veridact/erasure/pkg/adapters"
	"github.com/veridact/erasure/pkg/analyzer"
	"github.com/veridact/erasure/pkg/audit"
	"github.com/veridact/erasure/pkg/bus"
	"github.com/veridact/erasure/pkg/certificate"
	"github.com/veridact/erasure/pkg/contracts"
	"github.com/veridact/erasure/pkg/crypto"
	"github.com/veridact/erasure/pkg/jobs"
	"github.com/veridact/erasure/pkg/locks"
	"github.com/veridact/erasure/pkg/notify"
	"github.com/veridact/erasure/pkg/pii"
	"github.com/veridact/erasure/pkg/policy"
	"github.com/veridact/erasure/pkg/state"
	"github.com/veridact/erasure/pkg/store"
	"github.com/veridact/erasure/pkg/stream"
)

const policyYAML = `
policies:
  - jurisdiction: EU
    policy_version: "1.2.0"
    max_retry_attempts: 3
    initial_retry_delay_ms: 1000
    retry_backoff_multiplier: 2.0
    auto_delete_threshold: 0.8
    manual_review_threshold: 0.5
    required_systems: [payments, database]
    parallel_systems: [intercom, sendgrid, crm, analytics]
`

type harness struct {
	orch     *Orchestrator
	bus      *bus.Bus
	clock    *bus.VirtualClock
	state    *state.Manager
	audit    *audit.Store
	events   *stream.MemoryStream
	locks    *locks.Service
	registry *adapters.Registry
	systems  map[string]*adapters.Scripted
}

func newHarness(t *testing.T, opts ...Option) *harness {
	t.Helper()
	clock := bus.NewVirtualClock(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	wallclock := func() time.Time { return clock.Now() }

	kv := store.NewMemoryKV().WithClock(wallclock)
	st := state.NewManager(kv).WithClock(wallclock)
	trail := audit.NewStore(kv).WithClock(wallclock)
	events := stream.NewMemoryStream()
	lockSvc := locks.NewService(kv).WithClock(wallclock)
	signer, err := crypto.NewEd25519Signer("test-key")
	require.NoError(t, err)
	certs := certificate.NewGenerator(st, trail, kv, signer).WithClock(wallclock)
	notifier := notify.NewNotifier(events).WithClock(wallclock)
	jobMgr := jobs.NewManager(st, events).
		WithClock(wallclock).
		WithSleep(func(context.Context, time.Duration) error { return nil })

	registry := adapters.NewRegistry()
	systems := make(map[string]*adapters.Scripted)
	for _, name := range []string{"payments", "database", "intercom", "sendgrid", "crm", "analytics"} {
		s := adapters.NewScripted(name)
		systems[name] = s
		registry.Register(s)
	}

	policies, err := policy.Parse([]byte(policyYAML))
	require.NoError(t, err)

	b := bus.New(bus.WithScheduler(clock), bus.WithWorkers(4))
	orch := New(Deps{
		Bus:      b,
		State:    st,
		Audit:    trail,
		Jobs:     jobMgr,
		Locks:    lockSvc,
		Certs:    certs,
		Notifier: notifier,
		Registry: registry,
		Policies: policies,
	}, opts...)
	b.Start(context.Background())
	t.Cleanup(b.Stop)

	return &harness{
		orch: orch, bus: b, clock: clock, state: st, audit: trail,
		events: events, locks: lockSvc, registry: registry, systems: systems,
	}
}

// settle drains the bus and fires any pending retry timers until the
// machine quiesces.
func (h *harness) settle() {
	h.bus.Drain()
	for i := 0; i < 20 && h.clock.Pending() > 0; i++ {
		h.clock.Advance(time.Hour)
		h.bus.Drain()
	}
}

func request() contracts.ErasureRequest {
	return contracts.ErasureRequest{
		Subject: contracts.UserIdentifiers{
			UserID:  "gdpr_test_001",
			Emails:  []string{"gdpr.test@example.dev"},
			Phones:  []string{"+15551234567"},
			Aliases: []string{"Test User"},
		},
		LegalProof: contracts.LegalProof{
			Type:       contracts.ProofOTPVerified,
			Evidence:   "otp:4412",
			VerifiedAt: time.Date(2025, 6, 1, 11, 0, 0, 0, time.UTC),
		},
		Jurisdiction: contracts.JurisdictionEU,
		RequestedBy:  contracts.Actor{UserID: "agent-7", Role: "support_agent"},
	}
}

func auditTypes(t *testing.T, h *harness, workflowID string) []string {
	t.Helper()
	trail, err := h.audit.Load(context.Background(), workflowID)
	require.NoError(t, err)
	var out []string
	for _, ev := range trail.Events() {
		out = append(out, ev.EventType)
	}
	return out
}

func indexOf(types []string, want string) int {
	for i, v := range types {
		if v == want {
			return i
		}
	}
	return -1
}

func TestHappyPathEU(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	w, dup, err := h.orch.CreateWorkflow(ctx, request())
	require.NoError(t, err)
	require.False(t, dup)
	h.settle()

	got, err := h.state.Get(ctx, w.WorkflowID)
	require.NoError(t, err)
	assert.Equal(t, contracts.StatusCompleted, got.Status)
	assert.Equal(t, contracts.PhaseCertificate, got.CurrentPhase)
	assert.True(t, got.IdentityCriticalCompleted)
	for _, system := range []string{"payments", "database", "intercom", "sendgrid", "crm", "analytics"} {
		require.Equal(t, contracts.StepDeleted, got.Steps[system].Status, system)
		assert.NotEmpty(t, got.Steps[system].Evidence.Receipt, system)
	}
	require.NotEmpty(t, got.CertificateID)
	require.NotNil(t, got.CompletedAt)

	// Ordering: payments deleted before database started, both before the
	// checkpoint passed.
	types := auditTypes(t, h, w.WorkflowID)
	trail, err := h.audit.Load(ctx, w.WorkflowID)
	require.NoError(t, err)
	paymentsDone, databaseDone := -1, -1
	for i, ev := range trail.Events() {
		if ev.EventType == "STEP_COMPLETED" {
			switch ev.Payload["step"] {
			case "payments":
				paymentsDone = i
			case "database":
				databaseDone = i
			}
		}
	}
	checkpoint := indexOf(types, "CHECKPOINT_PASSED")
	require.True(t, paymentsDone >= 0 && databaseDone >= 0 && checkpoint >= 0)
	assert.Less(t, paymentsDone, databaseDone)
	assert.Less(t, databaseDone, checkpoint)

	// Certificate verifies and redacts.
	cert, err := h.orch.certs.Get(ctx, got.CertificateID)
	require.NoError(t, err)
	ok, err := crypto.VerifyCertificate(cert)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "g***1", cert.RedactedSubject.UserID)

	// Lock released on completion.
	_, held, err := h.locks.HolderOf(ctx, "gdpr_test_001")
	require.NoError(t, err)
	assert.False(t, held)

	// Completion announced downstream.
	assert.Len(t, h.events.Retained(contracts.TopicCompletionNotifications), 1)
}

func TestTransientFailureRetriesWithBackoff(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	// payments fails twice, succeeds on the third attempt.
	boom := contracts.Retryablef(contracts.CodeExternalSystem, "upstream 503")
	h.systems["payments"].Script(boom, boom)

	w, _, err := h.orch.CreateWorkflow(ctx, request())
	require.NoError(t, err)

	h.bus.Drain()
	// First retry armed at +1s; nothing fires earlier.
	assert.Equal(t, 1, h.clock.Pending())
	h.clock.Advance(999 * time.Millisecond)
	h.bus.Drain()
	assert.Equal(t, 1, h.clock.Pending())
	h.clock.Advance(time.Millisecond)
	h.bus.Drain()
	// Second retry armed at +2s after the second failure.
	assert.Equal(t, 1, h.clock.Pending())
	h.clock.Advance(2 * time.Second)
	h.settle()

	got, err := h.state.Get(ctx, w.WorkflowID)
	require.NoError(t, err)
	assert.Equal(t, contracts.StatusCompleted, got.Status)
	assert.Equal(t, 3, got.Steps["payments"].Attempts)
	assert.Equal(t, 3, h.systems["payments"].Calls())
}

func TestRefusedDeletionIsNotRecordedDeleted(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	// payments answers without a transport error but reports success=false
	// on every attempt.
	h.systems["payments"].Refuse("permission denied", "permission denied", "permission denied",
		"permission denied", "permission denied")

	w, _, err := h.orch.CreateWorkflow(ctx, request())
	require.NoError(t, err)
	h.settle()

	got, err := h.state.Get(ctx, w.WorkflowID)
	require.NoError(t, err)
	assert.Equal(t, contracts.StatusAwaitingManualReview, got.Status)
	assert.Equal(t, contracts.StepFailed, got.Steps["payments"].Status)
	assert.Equal(t, 3, got.Steps["payments"].Attempts)
	assert.Nil(t, got.Steps["payments"].Evidence)
	assert.Equal(t, "", got.CertificateID)

	// No successor ran and no step completion was audited for payments.
	assert.Equal(t, 0, h.systems["database"].Calls())
	types := auditTypes(t, h, w.WorkflowID)
	assert.Equal(t, -1, indexOf(types, "STEP_COMPLETED"))
	assert.GreaterOrEqual(t, indexOf(types, "STEP_FAILED"), 0)
}

func TestRefusedDeletionRetriesThenSucceeds(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.systems["payments"].Refuse("temporarily locked")

	w, _, err := h.orch.CreateWorkflow(ctx, request())
	require.NoError(t, err)
	h.settle()

	got, err := h.state.Get(ctx, w.WorkflowID)
	require.NoError(t, err)
	assert.Equal(t, contracts.StatusCompleted, got.Status)
	assert.Equal(t, contracts.StepDeleted, got.Steps["payments"].Status)
	assert.Equal(t, 2, got.Steps["payments"].Attempts)
	require.NotNil(t, got.Steps["payments"].Evidence)
	assert.NotEmpty(t, got.Steps["payments"].Evidence.Receipt)
}

func TestRequiredExhaustionHaltsSaga(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	boom := contracts.Retryablef(contracts.CodeExternalSystem, "permanent outage")
	h.systems["payments"].Script(boom, boom, boom, boom, boom)

	w, _, err := h.orch.CreateWorkflow(ctx, request())
	require.NoError(t, err)
	h.settle()

	got, err := h.state.Get(ctx, w.WorkflowID)
	require.NoError(t, err)
	assert.Equal(t, contracts.StatusAwaitingManualReview, got.Status)
	assert.Equal(t, contracts.StepFailed, got.Steps["payments"].Status)
	assert.Equal(t, 3, got.Steps["payments"].Attempts)

	// No successor ran, no checkpoint ran.
	assert.Equal(t, 0, h.systems["database"].Calls())
	types := auditTypes(t, h, w.WorkflowID)
	assert.Equal(t, -1, indexOf(types, "CHECKPOINT_PASSED"))
	assert.Equal(t, -1, indexOf(types, "CHECKPOINT_FAILED"))

	// The failure surfaced on the error stream.
	assert.NotEmpty(t, h.events.Retained(contracts.TopicErrorNotifications))
}

func TestNoBypassOfSequentialOrder(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	// Park payments on a retry so database's predecessor is not DELETED yet.
	boom := contracts.Retryablef(contracts.CodeExternalSystem, "outage")
	h.systems["payments"].Script(boom, boom, boom)
	w, _, err := h.orch.CreateWorkflow(ctx, request())
	require.NoError(t, err)
	h.bus.Drain()

	// An out-of-order database event must be rejected, not executed.
	err = h.orch.handleStep(ctx, "database", bus.Message{
		WorkflowID: w.WorkflowID, Step: "database", Attempt: 1,
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cannot proceed: payments not completed")
	assert.Equal(t, 0, h.systems["database"].Calls())
}

func TestCheckpointFailsWhenRequiredPending(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	// Build the S4 precondition by hand: payments DELETED, database still
	// IN_PROGRESS.
	pol, err := h.orch.policies.For(contracts.JurisdictionEU)
	require.NoError(t, err)
	now := h.clock.Now()
	w := &contracts.WorkflowState{
		WorkflowID: "wf_s4", RequestID: "req_s4",
		Policy: pol, PolicyVersion: pol.PolicyVersion,
		Subject: contracts.UserIdentifiers{UserID: "u-s4"},
		Status:  contracts.StatusInProgress, CurrentPhase: contracts.PhaseIdentityCritical,
		Steps: map[string]*contracts.StepState{
			"payments": {Status: contracts.StepDeleted, Attempts: 1, LastUpdated: now},
			"database": {Status: contracts.StepInProgress, Attempts: 1, LastUpdated: now},
		},
	}
	require.NoError(t, h.state.Create(ctx, w))

	require.NoError(t, h.bus.Publish(ctx, bus.Message{
		Topic: contracts.TopicCheckpointValidation, WorkflowID: "wf_s4",
	}))
	h.bus.Drain()

	got, err := h.state.Get(ctx, "wf_s4")
	require.NoError(t, err)
	assert.Equal(t, contracts.StatusAwaitingManualReview, got.Status)

	types := auditTypes(t, h, "wf_s4")
	assert.GreaterOrEqual(t, indexOf(types, "CHECKPOINT_FAILED"), 0)
}

func TestParallelFailureTolerated(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	boom := contracts.Errf(contracts.CodeExternalSystem, "tenant gone")
	h.systems["sendgrid"].Script(boom, boom, boom)

	w, _, err := h.orch.CreateWorkflow(ctx, request())
	require.NoError(t, err)
	h.settle()

	got, err := h.state.Get(ctx, w.WorkflowID)
	require.NoError(t, err)
	assert.Equal(t, contracts.StatusCompletedExceptions, got.Status)
	assert.Equal(t, contracts.StepFailed, got.Steps["sendgrid"].Status)
	assert.Equal(t, contracts.StepDeleted, got.Steps["crm"].Status)
	assert.NotEmpty(t, got.CertificateID)

	cert, err := h.orch.certs.Get(ctx, got.CertificateID)
	require.NoError(t, err)
	assert.Equal(t, contracts.StatusCompletedExceptions, cert.Status)
}

func TestDuplicateRequestReturnsExistingWorkflow(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	first, dup, err := h.orch.CreateWorkflow(ctx, request())
	require.NoError(t, err)
	require.False(t, dup)

	second, dup, err := h.orch.CreateWorkflow(ctx, request())
	require.NoError(t, err)
	assert.True(t, dup)
	assert.Equal(t, first.WorkflowID, second.WorkflowID)
}

func TestConcurrentRequestSameUserConflicts(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, _, err := h.orch.CreateWorkflow(ctx, request())
	require.NoError(t, err)

	// Different body, same user: lock conflict, not dedupe.
	other := request()
	other.LegalProof.Evidence = "otp:9999"
	_, _, err = h.orch.CreateWorkflow(ctx, other)
	require.Error(t, err)
	assert.True(t, contracts.IsCode(err, contracts.CodeWorkflowLock))
}

func TestCancelOverride(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	// Park the workflow mid-flight.
	boom := contracts.Retryablef(contracts.CodeExternalSystem, "outage")
	h.systems["payments"].Script(boom, boom, boom, boom)
	w, _, err := h.orch.CreateWorkflow(ctx, request())
	require.NoError(t, err)
	h.bus.Drain()

	next, err := h.orch.ApplyOverride(ctx, w.WorkflowID, contracts.OverrideRequest{
		Action:     contracts.OverrideCancelWorkflow,
		Reason:     "subject withdrew the request",
		LegalBasis: "GDPR art. 17(3)",
		ApprovedBy: contracts.ApprovedBy{Actor: contracts.Actor{UserID: "counsel-1", Role: "legal_counsel"}},
	})
	require.NoError(t, err)
	assert.Equal(t, contracts.StatusFailed, next.Status)
	for _, st := range next.Steps {
		require.Equal(t, contracts.StepFailed, st.Status)
		assert.Contains(t, st.Evidence.Receipt, "CANCELLED: subject withdrew the request")
	}

	// Pending retries are suppressed and the lock is free again.
	h.settle()
	_, held, err := h.locks.HolderOf(ctx, "gdpr_test_001")
	require.NoError(t, err)
	assert.False(t, held)

	got, err := h.state.Get(ctx, w.WorkflowID)
	require.NoError(t, err)
	assert.Equal(t, contracts.StatusFailed, got.Status)
}

func TestOverrideRequiresLegalCounsel(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	w, _, err := h.orch.CreateWorkflow(ctx, request())
	require.NoError(t, err)

	_, err = h.orch.ApplyOverride(ctx, w.WorkflowID, contracts.OverrideRequest{
		Action:     contracts.OverrideCancelWorkflow,
		Reason:     "r",
		LegalBasis: "b",
		ApprovedBy: contracts.ApprovedBy{Actor: contracts.Actor{UserID: "agent", Role: "support_agent"}},
	})
	require.Error(t, err)
	assert.True(t, contracts.IsCode(err, contracts.CodeAuth))
}

func TestRequiredStepHoldPausesUntilResume(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	// Fail payments once so the hold lands before database runs.
	boom := contracts.Retryablef(contracts.CodeExternalSystem, "blip")
	h.systems["payments"].Script(boom)

	w, _, err := h.orch.CreateWorkflow(ctx, request())
	require.NoError(t, err)
	h.bus.Drain()

	_, err = h.orch.ApplyOverride(ctx, w.WorkflowID, contracts.OverrideRequest{
		Action:     contracts.OverrideLegalHold,
		Reason:     "regulator inquiry",
		LegalBasis: "GDPR art. 17(3)(b)",
		Systems:    []string{"database"},
		ApprovedBy: contracts.ApprovedBy{Actor: contracts.Actor{UserID: "counsel-1", Role: "legal_counsel"}},
	})
	require.NoError(t, err)

	// payments retries and succeeds; the chain then parks on database.
	h.settle()
	got, err := h.state.Get(ctx, w.WorkflowID)
	require.NoError(t, err)
	assert.Equal(t, contracts.StatusInProgress, got.Status)
	assert.Equal(t, contracts.StepDeleted, got.Steps["payments"].Status)
	assert.Equal(t, contracts.StepLegalHold, got.Steps["database"].Status)
	assert.Equal(t, 0, h.systems["database"].Calls())

	_, err = h.orch.ApplyOverride(ctx, w.WorkflowID, contracts.OverrideRequest{
		Action:     contracts.OverrideResumeDeletion,
		Reason:     "inquiry closed",
		LegalBasis: "GDPR art. 17(1)",
		Systems:    []string{"database"},
		ApprovedBy: contracts.ApprovedBy{Actor: contracts.Actor{UserID: "counsel-1", Role: "legal_counsel"}},
	})
	require.NoError(t, err)
	h.settle()

	got, err = h.state.Get(ctx, w.WorkflowID)
	require.NoError(t, err)
	assert.Equal(t, contracts.StatusCompleted, got.Status)
	assert.Equal(t, contracts.StepDeleted, got.Steps["database"].Status)

	types := auditTypes(t, h, w.WorkflowID)
	assert.GreaterOrEqual(t, indexOf(types, "LEGAL_HOLD_APPLIED"), 0)
	assert.GreaterOrEqual(t, indexOf(types, "DELETION_RESUMED"), 0)
}

func TestParallelLegalHoldTolerated(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	// Hold sendgrid before its deletion runs: fail payments once so we can
	// apply the hold while the saga is still early.
	boom := contracts.Retryablef(contracts.CodeExternalSystem, "blip")
	h.systems["payments"].Script(boom)

	w, _, err := h.orch.CreateWorkflow(ctx, request())
	require.NoError(t, err)
	h.bus.Drain()

	_, err = h.orch.ApplyOverride(ctx, w.WorkflowID, contracts.OverrideRequest{
		Action:     contracts.OverrideLegalHold,
		Reason:     "pending litigation",
		LegalBasis: "GDPR art. 17(3)(e)",
		Systems:    []string{"sendgrid"},
		ApprovedBy: contracts.ApprovedBy{Actor: contracts.Actor{UserID: "counsel-1", Role: "legal_counsel"}},
	})
	require.NoError(t, err)

	h.settle()

	got, err := h.state.Get(ctx, w.WorkflowID)
	require.NoError(t, err)
	// Saga completed around the held system.
	assert.Equal(t, contracts.StatusCompletedExceptions, got.Status)
	assert.Equal(t, contracts.StepLegalHold, got.Steps["sendgrid"].Status)
	assert.Equal(t, 0, h.systems["sendgrid"].Calls())
	assert.NotNil(t, got.HoldFor("sendgrid", h.clock.Now()))
}

func TestPIIScanClassifiesAndRoutes(t *testing.T) {
	sources := func(_ context.Context, w *contracts.WorkflowState) ([]analyzer.Request, error) {
		return []analyzer.Request{
			{
				System:   "intercom",
				Location: "conversations/123",
				Content:  "ticket from gdpr.test@example.dev about +15551234567, signed Test User",
			},
			{System: "intercom", Location: "conversations/124", Content: "nothing personal here"},
		}, nil
	}
	h := newHarness(t, WithScanner(analyzer.NewStatic()), WithPIISources(sources))
	ctx := context.Background()

	w, _, err := h.orch.CreateWorkflow(ctx, request())
	require.NoError(t, err)
	h.settle()

	got, err := h.state.Get(ctx, w.WorkflowID)
	require.NoError(t, err)
	// email 0.95 -> auto-delete, phone 0.85 -> auto-delete, alias 0.6 ->
	// manual review.
	require.Len(t, got.PIIFindings, 3)
	classes := pii.FromPolicy(got.Policy).Classify(got.PIIFindings)
	assert.Len(t, classes.AutoDelete, 2)
	assert.Len(t, classes.ManualReview, 1)

	// Manual-review findings keep the outcome from a clean COMPLETED.
	assert.Equal(t, contracts.StatusCompletedExceptions, got.Status)

	types := auditTypes(t, h, w.WorkflowID)
	assert.GreaterOrEqual(t, indexOf(types, "PII_SCAN_COMPLETED"), 0)
	assert.GreaterOrEqual(t, indexOf(types, "PII_AUTO_DELETED"), 0)
}

func TestBackgroundJobsRunInBackgroundPhase(t *testing.T) {
	corpus := jobs.NewMemoryCorpus()
	corpus.Add("s3://archive/logs",
		jobs.Item{Key: "a", Content: "hello"},
		jobs.Item{Key: "b", Content: "mail gdpr.test@example.dev"},
		jobs.Item{Key: "c", Content: "bye"},
	)
	h := newHarness(t, WithJobSpecs(JobSpec{
		Type: contracts.JobS3Scan, Target: "s3://archive/logs", BatchSize: 2, CheckpointInterval: 2,
	}))
	// Driver registration needs the state-backed subject lookup.
	driver := jobs.NewCorpusDriver(contracts.JobS3Scan, corpus, analyzer.NewStatic(), func(workflowID string) contracts.UserIdentifiers {
		w, err := h.state.Get(context.Background(), workflowID)
		if err != nil {
			return contracts.UserIdentifiers{}
		}
		return w.Subject
	})
	h.orch.jobs.RegisterDriver(driver)
	ctx := context.Background()

	w, _, err := h.orch.CreateWorkflow(ctx, request())
	require.NoError(t, err)
	h.settle()

	got, err := h.state.Get(ctx, w.WorkflowID)
	require.NoError(t, err)
	require.Len(t, got.BackgroundJobs, 1)
	for _, job := range got.BackgroundJobs {
		assert.Equal(t, contracts.JobCompleted, job.Status)
		assert.InDelta(t, 100.0, job.Progress, 1e-9)
		assert.Len(t, job.Findings, 1)
	}
	// The email finding rides into the workflow finding set and, at 0.95,
	// the outcome stays terminal with exceptions only if review is pending.
	assert.NotEmpty(t, got.PIIFindings)
}
