// Package state persists WorkflowState documents with optimistic concurrency.
// Every write goes through a compare-and-swap loop so that concurrent step
// handlers never lose each other's updates, and a set of structural
// invariants is enforced on each transition: DELETED steps never regress,
// background-job progress is monotonic, and terminal workflow statuses are
// absorbing.
package state

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"strings"
	"time"

	"github.com/veridact/erasure/pkg/contracts"
	"github.com/veridact/erasure/pkg/store"
)

const casRetries = 5

// WorkflowKey returns the storage key for a workflow document.
func WorkflowKey(workflowID string) string { return "workflow:" + workflowID }

// Mutation edits a workflow document in place. Mutations must be pure
// functions of their input; Apply may call them more than once under CAS
// contention.
type Mutation func(*contracts.WorkflowState) error

// Manager is the single writer interface for workflow documents.
type Manager struct {
	kv    store.KV
	clock func() time.Time
}

// NewManager creates a state manager on the given store.
func NewManager(kv store.KV) *Manager {
	return &Manager{kv: kv, clock: time.Now}
}

// WithClock overrides the clock for deterministic tests.
func (m *Manager) WithClock(clock func() time.Time) *Manager {
	m.clock = clock
	return m
}

// Create inserts a new workflow document. Fails with WORKFLOW_STATE if the
// ID already exists.
func (m *Manager) Create(ctx context.Context, w *contracts.WorkflowState) error {
	if w.WorkflowID == "" {
		return contracts.Errf(contracts.CodeValidation, "workflow_id is required")
	}
	now := m.clock().UTC()
	w.Version = 1
	if w.CreatedAt.IsZero() {
		w.CreatedAt = now
	}
	w.LastUpdated = now
	if w.Steps == nil {
		w.Steps = make(map[string]*contracts.StepState)
	}
	raw, err := json.Marshal(w)
	if err != nil {
		return contracts.Errf(contracts.CodeWorkflowState, "encode workflow %s: %v", w.WorkflowID, err).WithCause(err)
	}
	ok, err := m.kv.CompareAndSwap(ctx, WorkflowKey(w.WorkflowID), nil, raw, 0)
	if err != nil {
		return contracts.Errf(contracts.CodeWorkflowState, "persist workflow %s: %v", w.WorkflowID, err).WithCause(err)
	}
	if !ok {
		return contracts.Errf(contracts.CodeWorkflowState, "workflow %s already exists", w.WorkflowID)
	}
	return nil
}

// Get loads a workflow document.
func (m *Manager) Get(ctx context.Context, workflowID string) (*contracts.WorkflowState, error) {
	raw, ok, err := m.kv.Get(ctx, WorkflowKey(workflowID))
	if err != nil {
		return nil, contracts.Errf(contracts.CodeWorkflowState, "load workflow %s: %v", workflowID, err).WithCause(err)
	}
	if !ok {
		return nil, contracts.NewError(contracts.CodeWorkflowState, 404, contracts.ClassNonRetryable,
			"workflow %s not found", workflowID)
	}
	var w contracts.WorkflowState
	if err := json.Unmarshal(raw, &w); err != nil {
		return nil, contracts.Errf(contracts.CodeWorkflowState, "decode workflow %s: %v", workflowID, err).WithCause(err)
	}
	return &w, nil
}

// List returns every persisted workflow, newest first.
func (m *Manager) List(ctx context.Context) ([]*contracts.WorkflowState, error) {
	raws, err := m.kv.ScanPrefix(ctx, "workflow:")
	if err != nil {
		return nil, contracts.Errf(contracts.CodeWorkflowState, "scan workflows: %v", err).WithCause(err)
	}
	out := make([]*contracts.WorkflowState, 0, len(raws))
	for key, raw := range raws {
		var w contracts.WorkflowState
		if err := json.Unmarshal(raw, &w); err != nil {
			return nil, contracts.Errf(contracts.CodeWorkflowState, "decode %s: %v", key, err).WithCause(err)
		}
		out = append(out, &w)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].WorkflowID < out[j].WorkflowID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

// Apply runs the mutations against the current document under CAS, bumping
// Version and LastUpdated on success. Invariant violations abort without
// retrying; CAS conflicts retry up to casRetries times.
func (m *Manager) Apply(ctx context.Context, workflowID string, muts ...Mutation) (*contracts.WorkflowState, error) {
	key := WorkflowKey(workflowID)
	for attempt := 0; attempt < casRetries; attempt++ {
		raw, ok, err := m.kv.Get(ctx, key)
		if err != nil {
			return nil, contracts.Errf(contracts.CodeWorkflowState, "load workflow %s: %v", workflowID, err).WithCause(err)
		}
		if !ok {
			return nil, contracts.NewError(contracts.CodeWorkflowState, 404, contracts.ClassNonRetryable,
				"workflow %s not found", workflowID)
		}
		var prior contracts.WorkflowState
		if err := json.Unmarshal(raw, &prior); err != nil {
			return nil, contracts.Errf(contracts.CodeWorkflowState, "decode workflow %s: %v", workflowID, err).WithCause(err)
		}

		var next contracts.WorkflowState
		if err := json.Unmarshal(raw, &next); err != nil {
			return nil, contracts.Errf(contracts.CodeWorkflowState, "decode workflow %s: %v", workflowID, err).WithCause(err)
		}
		for _, mut := range muts {
			if err := mut(&next); err != nil {
				return nil, err
			}
		}
		if err := checkTransition(&prior, &next); err != nil {
			return nil, err
		}
		next.Version = prior.Version + 1
		next.LastUpdated = m.clock().UTC()

		encoded, err := json.Marshal(&next)
		if err != nil {
			return nil, contracts.Errf(contracts.CodeWorkflowState, "encode workflow %s: %v", workflowID, err).WithCause(err)
		}
		swapped, err := m.kv.CompareAndSwap(ctx, key, raw, encoded, 0)
		if err != nil {
			return nil, contracts.Errf(contracts.CodeWorkflowState, "persist workflow %s: %v", workflowID, err).WithCause(err)
		}
		if swapped {
			return &next, nil
		}
	}
	return nil, contracts.Retryablef(contracts.CodeWorkflowState,
		"workflow %s: gave up after %d CAS conflicts", workflowID, casRetries)
}

// checkTransition enforces the structural invariants between two versions of
// the same document.
func checkTransition(prior, next *contracts.WorkflowState) error {
	if prior.Status.Terminal() && next.Status != prior.Status {
		return contracts.Errf(contracts.CodeWorkflowState,
			"workflow %s is %s and cannot transition to %s", prior.WorkflowID, prior.Status, next.Status)
	}
	for name, before := range prior.Steps {
		after := next.Steps[name]
		if before.Status == contracts.StepDeleted {
			if after == nil || after.Status != contracts.StepDeleted {
				return contracts.Errf(contracts.CodeWorkflowState,
					"step %s is DELETED and cannot regress", name)
			}
		}
		if after != nil && after.Attempts < before.Attempts {
			return contracts.Errf(contracts.CodeWorkflowState,
				"step %s: attempt counter cannot decrease (%d -> %d)", name, before.Attempts, after.Attempts)
		}
	}
	for id, before := range prior.BackgroundJobs {
		after := next.BackgroundJobs[id]
		if after == nil {
			return contracts.Errf(contracts.CodeWorkflowState, "background job %s cannot be removed", id)
		}
		if after.Progress < before.Progress {
			return contracts.Errf(contracts.CodeWorkflowState,
				"background job %s: progress cannot decrease (%.4f -> %.4f)", id, before.Progress, after.Progress)
		}
		if len(after.Checkpoints) < len(before.Checkpoints) {
			return contracts.Errf(contracts.CodeWorkflowState,
				"background job %s: checkpoints cannot be dropped", id)
		}
	}
	if len(next.AuditHashes) < len(prior.AuditHashes) {
		return contracts.Errf(contracts.CodeWorkflowState, "audit hash list cannot shrink")
	}
	if !prior.DataLineage.CapturedAt.IsZero() && !lineageEqual(prior.DataLineage, next.DataLineage) {
		return contracts.Errf(contracts.CodeWorkflowState, "data lineage snapshot is immutable")
	}
	return nil
}

func lineageEqual(a, b contracts.DataLineageSnapshot) bool {
	return a.CapturedAt.Equal(b.CapturedAt) &&
		strings.Join(a.Systems, "\x00") == strings.Join(b.Systems, "\x00") &&
		strings.Join(a.Identifiers, "\x00") == strings.Join(b.Identifiers, "\x00")
}

// SetPhase moves the phase pointer.
func SetPhase(phase contracts.Phase) Mutation {
	return func(w *contracts.WorkflowState) error {
		w.CurrentPhase = phase
		return nil
	}
}

// SetStatus moves the workflow status.
func SetStatus(status contracts.WorkflowStatus) Mutation {
	return func(w *contracts.WorkflowState) error {
		w.Status = status
		return nil
	}
}

// Complete marks the workflow terminal with the given outcome.
func Complete(status contracts.WorkflowStatus, at time.Time) Mutation {
	return func(w *contracts.WorkflowState) error {
		if !status.Terminal() {
			return contracts.Errf(contracts.CodeWorkflowState, "%s is not a terminal status", status)
		}
		w.Status = status
		t := at.UTC()
		w.CompletedAt = &t
		return nil
	}
}

// UpsertStep edits (creating if absent) the named step record.
func UpsertStep(system string, edit func(*contracts.StepState)) Mutation {
	return func(w *contracts.WorkflowState) error {
		if w.Steps == nil {
			w.Steps = make(map[string]*contracts.StepState)
		}
		st, ok := w.Steps[system]
		if !ok {
			st = &contracts.StepState{Status: contracts.StepNotStarted}
			w.Steps[system] = st
		}
		edit(st)
		return nil
	}
}

// RecordStepResult is the common step transition: bump attempts, set status
// and evidence, stamp the update time.
func RecordStepResult(system string, status contracts.StepStatus, evidence *contracts.Evidence, at time.Time) Mutation {
	return UpsertStep(system, func(st *contracts.StepState) {
		st.Status = status
		if evidence != nil {
			st.Evidence = evidence
		}
		st.LastUpdated = at.UTC()
	})
}

// IncrementStepAttempts bumps the attempt counter ahead of a delivery.
func IncrementStepAttempts(system string, at time.Time) Mutation {
	return UpsertStep(system, func(st *contracts.StepState) {
		st.Attempts++
		if st.Status == contracts.StepNotStarted {
			st.Status = contracts.StepInProgress
		}
		st.LastUpdated = at.UTC()
	})
}

// MarkIdentityCriticalCompleted latches the checkpoint gate result.
func MarkIdentityCriticalCompleted() Mutation {
	return func(w *contracts.WorkflowState) error {
		w.IdentityCriticalCompleted = true
		return nil
	}
}

// UpsertJob inserts or replaces a background job record wholesale. Progress
// monotonicity is still enforced by the transition check.
func UpsertJob(job *contracts.BackgroundJob) Mutation {
	return func(w *contracts.WorkflowState) error {
		if job.JobID == "" {
			return contracts.Errf(contracts.CodeBackgroundJob, "job_id is required")
		}
		if w.BackgroundJobs == nil {
			w.BackgroundJobs = make(map[string]*contracts.BackgroundJob)
		}
		copied := *job
		w.BackgroundJobs[job.JobID] = &copied
		return nil
	}
}

// EditJob applies an edit to an existing background job.
func EditJob(jobID string, edit func(*contracts.BackgroundJob) error) Mutation {
	return func(w *contracts.WorkflowState) error {
		job, ok := w.BackgroundJobs[jobID]
		if !ok {
			return contracts.Errf(contracts.CodeBackgroundJob, "background job %s not found", jobID)
		}
		return edit(job)
	}
}

// AppendFindings merges findings into the workflow set, de-duplicating on
// match ID.
func AppendFindings(findings ...contracts.PIIFinding) Mutation {
	return func(w *contracts.WorkflowState) error {
		w.PIIFindings = MergeFindings(w.PIIFindings, findings)
		return nil
	}
}

// MergeFindings returns base plus any additions whose match ID is new.
func MergeFindings(base, additions []contracts.PIIFinding) []contracts.PIIFinding {
	seen := make(map[string]bool, len(base))
	for _, f := range base {
		seen[f.MatchID] = true
	}
	out := base
	for _, f := range additions {
		if f.MatchID == "" || seen[f.MatchID] {
			continue
		}
		seen[f.MatchID] = true
		out = append(out, f)
	}
	return out
}

// AddLegalHold appends a hold, replacing any existing hold on the same
// system.
func AddLegalHold(hold contracts.LegalHold) Mutation {
	return func(w *contracts.WorkflowState) error {
		kept := w.LegalHolds[:0]
		for _, h := range w.LegalHolds {
			if h.System != hold.System {
				kept = append(kept, h)
			}
		}
		w.LegalHolds = append(kept, hold)
		return nil
	}
}

// RemoveLegalHolds drops holds for the listed systems. An empty list drops
// every hold.
func RemoveLegalHolds(systems ...string) Mutation {
	drop := make(map[string]bool, len(systems))
	for _, s := range systems {
		drop[s] = true
	}
	return func(w *contracts.WorkflowState) error {
		if len(systems) == 0 {
			w.LegalHolds = nil
			return nil
		}
		kept := w.LegalHolds[:0]
		for _, h := range w.LegalHolds {
			if !drop[h.System] {
				kept = append(kept, h)
			}
		}
		w.LegalHolds = kept
		return nil
	}
}

// SetAuditHashes mirrors the chain head list onto the document.
func SetAuditHashes(hashes []string) Mutation {
	return func(w *contracts.WorkflowState) error {
		w.AuditHashes = append([]string(nil), hashes...)
		return nil
	}
}

// SetCertificateID links the issued certificate.
func SetCertificateID(id string) Mutation {
	return func(w *contracts.WorkflowState) error {
		w.CertificateID = id
		return nil
	}
}

// ErrNotFound reports whether err is the 404 variant of a state error.
func ErrNotFound(err error) bool {
	var e *contracts.Error
	return errors.As(err, &e) && e.Code == contracts.CodeWorkflowState && e.Status == 404
}
