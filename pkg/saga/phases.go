package saga

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/veridact/erasure/pkg/bus"
	"github.com/veridact/erasure/pkg/contracts"
	"github.com/veridact/erasure/pkg/notify"
	"github.com/veridact/erasure/pkg/pii"
	"github.com/veridact/erasure/pkg/state"
)

// handleWorkflowCreated opens the identity-critical phase and enqueues the
// first required step. Successors are enqueued only from their
// predecessor's success handler.
func (o *Orchestrator) handleWorkflowCreated(ctx context.Context, msg bus.Message) error {
	w, err := o.state.Get(ctx, msg.WorkflowID)
	if err != nil {
		return err
	}
	if w.Status != contracts.StatusInProgress || w.CurrentPhase != contracts.PhaseInit {
		return nil
	}
	if _, err := o.state.Apply(ctx, w.WorkflowID, state.SetPhase(contracts.PhaseIdentityCritical)); err != nil {
		return err
	}
	if _, err := o.audit.Append(ctx, w.WorkflowID, "PHASE_STARTED", map[string]any{
		"phase": string(contracts.PhaseIdentityCritical),
	}); err != nil {
		return err
	}
	o.emitStatus(ctx, w.WorkflowID, w.Status, contracts.PhaseIdentityCritical, "", "identity-critical deletions started")
	return o.enqueueStep(ctx, w, w.Policy.RequiredSystems[0])
}

// handleCheckpoint verifies every required system is DELETED. Pass latches
// identityCriticalCompleted and fans out; failure parks the workflow for
// manual review.
func (o *Orchestrator) handleCheckpoint(ctx context.Context, msg bus.Message) error {
	w, err := o.state.Get(ctx, msg.WorkflowID)
	if err != nil {
		return err
	}
	if w.Status != contracts.StatusInProgress {
		return nil
	}
	if _, err := o.state.Apply(ctx, w.WorkflowID, state.SetPhase(contracts.PhaseCheckpoint)); err != nil {
		return err
	}

	if !w.RequiredStepsDeleted() {
		var pending []string
		for _, s := range w.Policy.RequiredSystems {
			if st := w.Step(s); st == nil || st.Status != contracts.StepDeleted {
				pending = append(pending, s)
			}
		}
		if _, err := o.state.Apply(ctx, w.WorkflowID, state.SetStatus(contracts.StatusAwaitingManualReview)); err != nil {
			return err
		}
		if _, err := o.audit.Append(ctx, w.WorkflowID, "CHECKPOINT_FAILED", map[string]any{
			"pending": pending,
		}); err != nil {
			return err
		}
		o.emitStatus(ctx, w.WorkflowID, contracts.StatusAwaitingManualReview, contracts.PhaseCheckpoint, "", "checkpoint failed")
		o.notifyError(ctx, w.WorkflowID, "",
			contracts.Errf(contracts.CodeWorkflowState, "checkpoint failed: required systems pending: %v", pending),
			pending...)
		return o.bus.Publish(ctx, bus.Message{
			Topic:      contracts.TopicCheckpointFailed,
			WorkflowID: w.WorkflowID,
			Payload: map[string]any{
				"checkpointStatus":           "FAILED",
				"pending":                    pending,
				"requiresManualIntervention": true,
			},
		})
	}

	if _, err := o.state.Apply(ctx, w.WorkflowID, state.MarkIdentityCriticalCompleted()); err != nil {
		return err
	}
	if _, err := o.audit.Append(ctx, w.WorkflowID, "CHECKPOINT_PASSED", map[string]any{
		"required_systems": w.Policy.RequiredSystems,
	}); err != nil {
		return err
	}
	o.emitStatus(ctx, w.WorkflowID, w.Status, contracts.PhaseCheckpoint, "", "checkpoint passed")
	return o.bus.Publish(ctx, bus.Message{
		Topic:      contracts.TopicParallelOrchestrator,
		WorkflowID: w.WorkflowID,
	})
}

// handleParallelFanOut enqueues every parallel system at once, in policy
// order. With no parallel systems the phase settles immediately.
func (o *Orchestrator) handleParallelFanOut(ctx context.Context, msg bus.Message) error {
	w, err := o.state.Get(ctx, msg.WorkflowID)
	if err != nil {
		return err
	}
	if w.Status != contracts.StatusInProgress {
		return nil
	}
	if _, err := o.state.Apply(ctx, w.WorkflowID, state.SetPhase(contracts.PhaseParallel)); err != nil {
		return err
	}
	if _, err := o.audit.Append(ctx, w.WorkflowID, "PHASE_STARTED", map[string]any{
		"phase":   string(contracts.PhaseParallel),
		"systems": w.Policy.ParallelSystems,
	}); err != nil {
		return err
	}
	o.emitStatus(ctx, w.WorkflowID, w.Status, contracts.PhaseParallel, "", "parallel fan-out")

	pending := false
	for _, system := range w.Policy.ParallelSystems {
		if settled(w.Step(system)) {
			continue
		}
		pending = true
		if err := o.enqueueStep(ctx, w, system); err != nil {
			return err
		}
	}
	if !pending {
		return o.advanceParallelIfSettled(ctx, w.WorkflowID)
	}
	return nil
}

// handlePIIScan runs inline content through the analyzer, classifies every
// finding against the policy thresholds, then starts the background phase.
func (o *Orchestrator) handlePIIScan(ctx context.Context, msg bus.Message) error {
	w, err := o.state.Get(ctx, msg.WorkflowID)
	if err != nil {
		return err
	}
	if w.Status != contracts.StatusInProgress {
		return nil
	}

	if o.scanner != nil && o.piiSources != nil {
		reqs, err := o.piiSources(ctx, w)
		if err != nil {
			return contracts.Errf(contracts.CodePIIAgent, "resolve pii sources: %v", err).WithCause(err)
		}
		for _, req := range reqs {
			if len(req.Subject.UserID) == 0 {
				req.Subject = w.Subject
			}
			resp, err := o.scanner.Analyze(ctx, req)
			if err != nil {
				o.notifyError(ctx, w.WorkflowID, "", contracts.Retryablef(contracts.CodePIIAgent,
					"inline scan of %s/%s failed: %v", req.System, req.Location, err))
				continue
			}
			if len(resp.Findings) > 0 {
				if _, err := o.state.Apply(ctx, w.WorkflowID, state.AppendFindings(resp.Findings...)); err != nil {
					return err
				}
			}
		}
		w, err = o.state.Get(ctx, w.WorkflowID)
		if err != nil {
			return err
		}
	}

	classifier := pii.FromPolicy(w.Policy)
	classes := classifier.Classify(w.PIIFindings)
	if _, err := o.audit.Append(ctx, w.WorkflowID, "PII_SCAN_COMPLETED", map[string]any{
		"total":         len(w.PIIFindings),
		"auto_delete":   len(classes.AutoDelete),
		"manual_review": len(classes.ManualReview),
		"ignored":       len(classes.Ignore),
	}); err != nil {
		return err
	}
	for _, f := range classes.AutoDelete {
		if err := o.emitPIIDetected(ctx, w.WorkflowID, f, pii.RouteAutoDelete); err != nil {
			return err
		}
		if _, err := o.audit.Append(ctx, w.WorkflowID, "PII_AUTO_DELETED", map[string]any{
			"match_id":   f.MatchID,
			"system":     f.System,
			"pii_type":   string(f.PIIType),
			"confidence": f.Confidence,
		}); err != nil {
			return err
		}
	}
	for _, f := range classes.ManualReview {
		if err := o.emitPIIDetected(ctx, w.WorkflowID, f, pii.RouteManualReview); err != nil {
			return err
		}
	}

	if _, err := o.state.Apply(ctx, w.WorkflowID, state.SetPhase(contracts.PhaseBackground)); err != nil {
		return err
	}
	o.emitStatus(ctx, w.WorkflowID, w.Status, contracts.PhaseBackground, "", "background scans started")
	return o.runBackgroundPhase(ctx, w.WorkflowID)
}

func (o *Orchestrator) emitPIIDetected(ctx context.Context, workflowID string, f contracts.PIIFinding, route pii.Route) error {
	return o.bus.Publish(ctx, bus.Message{
		Topic:      contracts.TopicPIIDetected,
		WorkflowID: workflowID,
		Payload: map[string]any{
			"match_id":   f.MatchID,
			"system":     f.System,
			"location":   f.Location,
			"pii_type":   string(f.PIIType),
			"confidence": f.Confidence,
			"route":      string(route),
		},
	})
}

// runBackgroundPhase creates and runs every configured scan, tolerating
// individual failures, then hands over to completion.
func (o *Orchestrator) runBackgroundPhase(ctx context.Context, workflowID string) error {
	for _, spec := range o.jobSpecs {
		job, err := o.jobs.CreateJob(ctx, workflowID, spec.Type, spec.Target, spec.BatchSize, spec.CheckpointInterval)
		if err != nil {
			return err
		}
		if err := o.jobs.Run(ctx, workflowID, job.JobID); err != nil {
			// A failed scan is an exception, not a workflow failure.
			o.logger.Warn("background job failed",
				"workflow_id", workflowID, "job_id", job.JobID, "error", err)
			o.notifyError(ctx, workflowID, "", err)
		}
	}
	done, err := o.jobs.AllComplete(ctx, workflowID)
	if err != nil {
		return err
	}
	if !done {
		return contracts.Errf(contracts.CodeBackgroundJob,
			"background phase ended with unfinished jobs on workflow %s", workflowID)
	}
	return o.bus.Publish(ctx, bus.Message{
		Topic:      contracts.TopicWorkflowCompletion,
		WorkflowID: workflowID,
	})
}

// handleCompletion decides the final status, issues the certificate,
// releases the user lock and announces the outcome.
func (o *Orchestrator) handleCompletion(ctx context.Context, msg bus.Message) error {
	w, err := o.state.Get(ctx, msg.WorkflowID)
	if err != nil {
		return err
	}
	if w.Status != contracts.StatusInProgress {
		return nil
	}

	exceptions := collectExceptions(w)
	final := contracts.StatusCompleted
	if len(exceptions) > 0 {
		final = contracts.StatusCompletedExceptions
	}
	now := o.now()
	if _, err := o.state.Apply(ctx, w.WorkflowID,
		state.SetPhase(contracts.PhaseCompletion),
		state.Complete(final, now)); err != nil {
		return err
	}
	if _, err := o.audit.Append(ctx, w.WorkflowID, "WORKFLOW_COMPLETED", map[string]any{
		"status":     string(final),
		"exceptions": exceptions,
	}); err != nil {
		return err
	}

	// Mirror the verified chain heads onto the state document before the
	// certificate freezes the root.
	trail, err := o.audit.Load(ctx, w.WorkflowID)
	if err != nil {
		return err
	}
	if _, err := o.state.Apply(ctx, w.WorkflowID,
		state.SetPhase(contracts.PhaseCertificate),
		state.SetAuditHashes(trail.Hashes())); err != nil {
		return err
	}

	cert, err := o.certs.Generate(ctx, w.WorkflowID)
	if err != nil {
		return err
	}
	if _, err := o.audit.Append(ctx, w.WorkflowID, "CERTIFICATE_GENERATED", map[string]any{
		"certificate_id": cert.CertificateID,
	}); err != nil {
		return err
	}
	if err := o.bus.Publish(ctx, bus.Message{
		Topic:      contracts.TopicCertificateGenerated,
		WorkflowID: w.WorkflowID,
		Payload:    map[string]any{"certificate_id": cert.CertificateID},
	}); err != nil {
		return err
	}

	if err := o.locks.ReleaseUserLock(ctx, w.Subject.UserID); err != nil {
		o.logger.Warn("lock release failed", "workflow_id", w.WorkflowID, "error", err)
	}

	o.emitStatus(ctx, w.WorkflowID, final, contracts.PhaseCertificate, "", "workflow completed")
	if o.notifier != nil {
		if err := o.notifier.Completion(ctx, completionNotice(w.WorkflowID, final, cert.CertificateID, exceptions, now)); err != nil {
			o.logger.Warn("completion notice failed", "workflow_id", w.WorkflowID, "error", err)
		}
	}

	// Arm the zombie re-check cycle.
	nextCheck := now.AddDate(0, 0, w.Policy.ZombieCheckIntervalDays)
	if err := o.bus.Publish(ctx, bus.Message{
		Topic:      contracts.TopicZombieCheckScheduled,
		WorkflowID: w.WorkflowID,
		Payload:    map[string]any{"next_check_at": nextCheck.Format("2006-01-02T15:04:05Z07:00")},
	}); err != nil {
		return err
	}
	if o.metrics != nil {
		o.metrics.WorkflowCompleted(ctx, string(final))
		o.metrics.CertificateIssued(ctx)
	}
	o.logger.Info("workflow completed",
		"workflow_id", w.WorkflowID,
		"status", string(final),
		"certificate_id", cert.CertificateID,
		"exceptions", len(exceptions))
	return nil
}

func completionNotice(workflowID string, status contracts.WorkflowStatus, certificateID string, exceptions []string, at time.Time) notify.CompletionNotice {
	return notify.CompletionNotice{
		WorkflowID:    workflowID,
		Status:        status,
		CertificateID: certificateID,
		Exceptions:    exceptions,
		CompletedAt:   at,
	}
}

// collectExceptions lists everything that keeps the outcome from a clean
// COMPLETED: failed or held steps, failed jobs and findings still awaiting
// review.
func collectExceptions(w *contracts.WorkflowState) []string {
	var out []string
	systems := make([]string, 0, len(w.Steps))
	for s := range w.Steps {
		systems = append(systems, s)
	}
	sort.Strings(systems)
	for _, s := range systems {
		switch w.Steps[s].Status {
		case contracts.StepFailed:
			out = append(out, fmt.Sprintf("%s: FAILED", s))
		case contracts.StepLegalHold:
			out = append(out, fmt.Sprintf("%s: LEGAL_HOLD", s))
		}
	}
	jobIDs := make([]string, 0, len(w.BackgroundJobs))
	for id := range w.BackgroundJobs {
		jobIDs = append(jobIDs, id)
	}
	sort.Strings(jobIDs)
	for _, id := range jobIDs {
		if w.BackgroundJobs[id].Status == contracts.JobFailed {
			out = append(out, fmt.Sprintf("job %s: FAILED", id))
		}
	}
	classifier := pii.FromPolicy(w.Policy)
	if pending := len(classifier.Classify(w.PIIFindings).ManualReview); pending > 0 {
		out = append(out, fmt.Sprintf("%d findings awaiting manual review", pending))
	}
	return out
}
