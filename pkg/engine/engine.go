// Package engine is the facade the transport layer talks to: request
// admission, status projection, certificates, overrides and audit export,
// with the orchestrator and stores behind it.
package engine

import (
	"context"
	"io"
	"math"
	"time"

	"github.com/veridact/erasure/pkg/audit"
	"github.com/veridact/erasure/pkg/certificate"
	"github.com/veridact/erasure/pkg/contracts"
	"github.com/veridact/erasure/pkg/saga"
	"github.com/veridact/erasure/pkg/state"
	"github.com/veridact/erasure/pkg/stream"
)

// Engine bundles the engine's public operations.
type Engine struct {
	orch   *saga.Orchestrator
	state  *state.Manager
	certs  *certificate.Generator
	audit  *audit.Store
	events stream.Stream
}

// New assembles the facade.
func New(orch *saga.Orchestrator, st *state.Manager, certs *certificate.Generator, trail *audit.Store, events stream.Stream) *Engine {
	return &Engine{orch: orch, state: st, certs: certs, audit: trail, events: events}
}

// SubmitResult echoes the admission outcome.
type SubmitResult struct {
	WorkflowID string    `json:"workflow_id"`
	RequestID  string    `json:"request_id"`
	Duplicate  bool      `json:"duplicate"`
	CreatedAt  time.Time `json:"created_at"`
}

// Submit admits an erasure request. A duplicate body returns the existing
// workflow with Duplicate set.
func (e *Engine) Submit(ctx context.Context, req contracts.ErasureRequest) (SubmitResult, error) {
	w, dup, err := e.orch.CreateWorkflow(ctx, req)
	if err != nil {
		return SubmitResult{}, err
	}
	return SubmitResult{
		WorkflowID: w.WorkflowID,
		RequestID:  w.RequestID,
		Duplicate:  dup,
		CreatedAt:  w.CreatedAt,
	}, nil
}

// StepReport is the per-system slice of a status report.
type StepReport struct {
	Status      contracts.StepStatus `json:"status"`
	Attempts    int                  `json:"attempts"`
	LastUpdated time.Time            `json:"last_updated"`
}

// JobReport is the per-job slice of a status report.
type JobReport struct {
	Type     contracts.JobType   `json:"type"`
	Status   contracts.JobStatus `json:"status"`
	Progress float64             `json:"progress"`
}

// Progress summarises step completion.
type Progress struct {
	TotalSteps     int `json:"totalSteps"`
	CompletedSteps int `json:"completedSteps"`
	FailedSteps    int `json:"failedSteps"`
	Percentage     int `json:"percentage"`
}

// StatusReport is the GET status projection.
type StatusReport struct {
	WorkflowID          string                   `json:"workflowId"`
	RequestID           string                   `json:"requestId"`
	Status              contracts.WorkflowStatus `json:"status"`
	Phase               contracts.Phase          `json:"phase"`
	Progress            Progress                 `json:"progress"`
	Steps               map[string]StepReport    `json:"steps"`
	BackgroundJobs      map[string]JobReport     `json:"backgroundJobs"`
	LegalHolds          []contracts.LegalHold    `json:"legalHolds"`
	CertificateID       string                   `json:"certificateId,omitempty"`
	ParentWorkflowID    string                   `json:"parentWorkflowId,omitempty"`
	CreatedAt           time.Time                `json:"createdAt"`
	LastUpdated         time.Time                `json:"lastUpdated"`
	EstimatedCompletion *time.Time               `json:"estimatedCompletion,omitempty"`
}

// Status projects a workflow into the API status shape.
func (e *Engine) Status(ctx context.Context, workflowID string) (StatusReport, error) {
	w, err := e.state.Get(ctx, workflowID)
	if err != nil {
		return StatusReport{}, err
	}
	return statusOf(w), nil
}

func statusOf(w *contracts.WorkflowState) StatusReport {
	r := StatusReport{
		WorkflowID:       w.WorkflowID,
		RequestID:        w.RequestID,
		Status:           w.Status,
		Phase:            w.CurrentPhase,
		Steps:            make(map[string]StepReport, len(w.Steps)),
		BackgroundJobs:   make(map[string]JobReport, len(w.BackgroundJobs)),
		LegalHolds:       append([]contracts.LegalHold(nil), w.LegalHolds...),
		CertificateID:    w.CertificateID,
		ParentWorkflowID: w.ParentWorkflowID,
		CreatedAt:        w.CreatedAt,
		LastUpdated:      w.LastUpdated,
	}
	for name, st := range w.Steps {
		r.Steps[name] = StepReport{Status: st.Status, Attempts: st.Attempts, LastUpdated: st.LastUpdated}
		r.Progress.TotalSteps++
		switch st.Status {
		case contracts.StepDeleted:
			r.Progress.CompletedSteps++
		case contracts.StepFailed:
			r.Progress.FailedSteps++
		}
	}
	if r.Progress.TotalSteps > 0 {
		r.Progress.Percentage = int(math.Round(
			float64(r.Progress.CompletedSteps) / float64(r.Progress.TotalSteps) * 100))
	}
	for id, job := range w.BackgroundJobs {
		r.BackgroundJobs[id] = JobReport{Type: job.Type, Status: job.Status, Progress: job.Progress}
	}
	if !w.Status.Terminal() && r.Progress.CompletedSteps > 0 {
		r.EstimatedCompletion = estimateCompletion(w, r.Progress)
	}
	return r
}

// estimateCompletion extrapolates linearly from elapsed time per completed
// step. Rough by construction; absent once the workflow is terminal.
func estimateCompletion(w *contracts.WorkflowState, p Progress) *time.Time {
	elapsed := w.LastUpdated.Sub(w.CreatedAt)
	if elapsed <= 0 || p.CompletedSteps == 0 {
		return nil
	}
	remaining := p.TotalSteps - p.CompletedSteps - p.FailedSteps
	eta := w.LastUpdated.Add(elapsed / time.Duration(p.CompletedSteps) * time.Duration(remaining))
	return &eta
}

// Certificate fetches the Certificate of Destruction for a workflow. Only
// terminal-success workflows carry one.
func (e *Engine) Certificate(ctx context.Context, workflowID string) (*contracts.Certificate, error) {
	w, err := e.state.Get(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	if w.CertificateID == "" {
		return nil, contracts.Errf(contracts.CodeCertificate,
			"workflow %s has no certificate (status %s)", workflowID, w.Status)
	}
	return e.certs.Get(ctx, w.CertificateID)
}

// VerifyCertificate re-checks a stored certificate's signature.
func (e *Engine) VerifyCertificate(ctx context.Context, certificateID string) (bool, error) {
	return e.certs.Verify(ctx, certificateID)
}

// Override applies a legal-counsel intervention.
func (e *Engine) Override(ctx context.Context, workflowID string, req contracts.OverrideRequest) (StatusReport, error) {
	w, err := e.orch.ApplyOverride(ctx, workflowID, req)
	if err != nil {
		return StatusReport{}, err
	}
	return statusOf(w), nil
}

// Page is a window into the workflow list.
type Page struct {
	Items  []StatusReport `json:"items"`
	Total  int            `json:"total"`
	Offset int            `json:"offset"`
	Limit  int            `json:"limit"`
}

// List returns workflows newest first, optionally filtered by status.
func (e *Engine) List(ctx context.Context, status contracts.WorkflowStatus, offset, limit int) (Page, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	all, err := e.state.List(ctx)
	if err != nil {
		return Page{}, err
	}
	var filtered []*contracts.WorkflowState
	for _, w := range all {
		if status == "" || w.Status == status {
			filtered = append(filtered, w)
		}
	}
	page := Page{Total: len(filtered), Offset: offset, Limit: limit, Items: []StatusReport{}}
	for i := offset; i < len(filtered) && i < offset+limit; i++ {
		page.Items = append(page.Items, statusOf(filtered[i]))
	}
	return page, nil
}

// ExportAudit writes the workflow's verified audit chain as JSONL.
func (e *Engine) ExportAudit(ctx context.Context, workflowID string, w io.Writer) error {
	return e.audit.ExportJSONL(ctx, workflowID, w)
}

// Events exposes the stream for SSE subscriptions.
func (e *Engine) Events() stream.Stream { return e.events }
