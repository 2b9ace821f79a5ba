package saga

import (
	"context"

	"github.com/veridact/erasure/pkg/bus"
	"github.com/veridact/erasure/pkg/contracts"
	"github.com/veridact/erasure/pkg/policy"
	"github.com/veridact/erasure/pkg/state"
)

// ApplyOverride executes a legal-counsel intervention. Overrides are gated
// on the legal_counsel role and, where the frozen policy declares one, a
// CEL guard expression.
func (o *Orchestrator) ApplyOverride(ctx context.Context, workflowID string, req contracts.OverrideRequest) (*contracts.WorkflowState, error) {
	if req.Reason == "" || req.LegalBasis == "" {
		return nil, contracts.Errf(contracts.CodeValidation, "override reason and legal_basis are required")
	}
	if req.ApprovedBy.Role != "legal_counsel" {
		return nil, contracts.Errf(contracts.CodeAuth,
			"override requires the legal_counsel role, got %q", req.ApprovedBy.Role)
	}

	w, err := o.state.Get(ctx, workflowID)
	if err != nil {
		return nil, err
	}

	guards, err := policy.CompileGuards(w.Policy.OverrideGuards)
	if err != nil {
		return nil, err
	}
	allowed, err := guards.Allow(policy.GuardInput{
		Action:     req.Action,
		Status:     w.Status,
		Phase:      w.CurrentPhase,
		Reason:     req.Reason,
		LegalBasis: req.LegalBasis,
		Role:       req.ApprovedBy.Role,
		Systems:    req.Systems,
	})
	if err != nil {
		return nil, err
	}
	if !allowed {
		return nil, contracts.Errf(contracts.CodeAuth,
			"override %s denied by policy guard", req.Action)
	}

	switch req.Action {
	case contracts.OverrideLegalHold:
		return o.applyLegalHold(ctx, w, req)
	case contracts.OverrideResumeDeletion:
		return o.applyResumeDeletion(ctx, w, req)
	case contracts.OverrideForceComplete:
		return o.applyForceComplete(ctx, w, req)
	case contracts.OverrideCancelWorkflow:
		return o.applyCancel(ctx, w, req)
	default:
		return nil, contracts.Errf(contracts.CodeValidation, "unknown override action %q", req.Action)
	}
}

func (o *Orchestrator) auditOverride(ctx context.Context, workflowID, eventType string, req contracts.OverrideRequest, extra map[string]any) error {
	payload := map[string]any{
		"action":      string(req.Action),
		"reason":      req.Reason,
		"legal_basis": req.LegalBasis,
		"approved_by": req.ApprovedBy.UserID,
		"role":        req.ApprovedBy.Role,
	}
	for k, v := range extra {
		payload[k] = v
	}
	_, err := o.audit.Append(ctx, workflowID, eventType, payload)
	return err
}

// applyLegalHold places holds on the named systems and parks their steps.
// Already-deleted steps are untouched; a hold cannot restore deleted data.
func (o *Orchestrator) applyLegalHold(ctx context.Context, w *contracts.WorkflowState, req contracts.OverrideRequest) (*contracts.WorkflowState, error) {
	if len(req.Systems) == 0 {
		return nil, contracts.Errf(contracts.CodeValidation, "LEGAL_HOLD requires a systems list")
	}
	if w.Status.Terminal() {
		return nil, contracts.Errf(contracts.CodeWorkflowState,
			"workflow %s is %s; holds apply to running workflows only", w.WorkflowID, w.Status)
	}
	now := o.now()
	muts := make([]state.Mutation, 0, len(req.Systems)*2)
	for _, system := range req.Systems {
		if _, ok := w.Steps[system]; !ok {
			return nil, contracts.Errf(contracts.CodeValidation,
				"unknown system %q on workflow %s", system, w.WorkflowID)
		}
		muts = append(muts, state.AddLegalHold(contracts.LegalHold{
			System:    system,
			Reason:    req.Reason,
			ExpiresAt: req.ExpiresAt,
			AppliedBy: req.ApprovedBy.UserID,
			AppliedAt: now,
		}))
		if st := w.Step(system); st != nil && st.Status != contracts.StepDeleted {
			muts = append(muts, state.RecordStepResult(system, contracts.StepLegalHold, nil, now))
		}
	}
	next, err := o.state.Apply(ctx, w.WorkflowID, muts...)
	if err != nil {
		return nil, err
	}
	if err := o.auditOverride(ctx, w.WorkflowID, "LEGAL_HOLD_APPLIED", req, map[string]any{
		"systems": req.Systems,
	}); err != nil {
		return nil, err
	}
	o.emitStatus(ctx, w.WorkflowID, next.Status, next.CurrentPhase, "", "legal hold applied")
	return next, nil
}

// applyResumeDeletion lifts holds and re-enqueues the affected steps. An
// empty systems list lifts every hold.
func (o *Orchestrator) applyResumeDeletion(ctx context.Context, w *contracts.WorkflowState, req contracts.OverrideRequest) (*contracts.WorkflowState, error) {
	if w.Status.Terminal() {
		return nil, contracts.Errf(contracts.CodeWorkflowState,
			"workflow %s is %s and cannot resume", w.WorkflowID, w.Status)
	}
	resumed := req.Systems
	if len(resumed) == 0 {
		for _, h := range w.LegalHolds {
			resumed = append(resumed, h.System)
		}
	}
	now := o.now()
	muts := []state.Mutation{state.RemoveLegalHolds(req.Systems...)}
	for _, system := range resumed {
		if st := w.Step(system); st != nil && st.Status == contracts.StepLegalHold {
			muts = append(muts, state.RecordStepResult(system, contracts.StepNotStarted, nil, now))
		}
	}
	if w.Status == contracts.StatusAwaitingManualReview {
		muts = append(muts, state.SetStatus(contracts.StatusInProgress))
	}
	next, err := o.state.Apply(ctx, w.WorkflowID, muts...)
	if err != nil {
		return nil, err
	}
	if err := o.auditOverride(ctx, w.WorkflowID, "DELETION_RESUMED", req, map[string]any{
		"systems": resumed,
	}); err != nil {
		return nil, err
	}

	// Re-enter the machine: required steps restart the chain at the first
	// undeleted required system; parallel steps re-enqueue directly.
	for _, system := range w.Policy.RequiredSystems {
		if st := next.Step(system); st == nil || st.Status != contracts.StepDeleted {
			if err := o.enqueueStep(ctx, next, system); err != nil {
				return nil, err
			}
			break
		}
	}
	if next.IdentityCriticalCompleted {
		for _, system := range resumed {
			if isParallel(next.Policy, system) {
				if err := o.enqueueStep(ctx, next, system); err != nil {
					return nil, err
				}
			}
		}
	}
	o.emitStatus(ctx, w.WorkflowID, next.Status, next.CurrentPhase, "", "deletion resumed")
	return next, nil
}

// applyForceComplete pushes a parked workflow to COMPLETED_WITH_EXCEPTIONS.
// Non-terminal steps are finalised as FAILED so the certificate reflects
// what actually happened.
func (o *Orchestrator) applyForceComplete(ctx context.Context, w *contracts.WorkflowState, req contracts.OverrideRequest) (*contracts.WorkflowState, error) {
	if w.Status.Terminal() {
		return nil, contracts.Errf(contracts.CodeWorkflowState,
			"workflow %s is already %s", w.WorkflowID, w.Status)
	}
	now := o.now()
	muts := []state.Mutation{}
	for system, st := range w.Steps {
		if !st.Status.Terminal() {
			muts = append(muts, state.RecordStepResult(system, contracts.StepFailed, &contracts.Evidence{
				Receipt:   "FORCED: " + req.Reason,
				Timestamp: now,
			}, now))
		}
	}
	muts = append(muts, state.SetStatus(contracts.StatusInProgress))
	if _, err := o.state.Apply(ctx, w.WorkflowID, muts...); err != nil {
		return nil, err
	}
	if err := o.auditOverride(ctx, w.WorkflowID, "FORCE_COMPLETED", req, nil); err != nil {
		return nil, err
	}
	if err := o.bus.Publish(ctx, bus.Message{
		Topic:      contracts.TopicWorkflowCompletion,
		WorkflowID: w.WorkflowID,
	}); err != nil {
		return nil, err
	}
	return o.state.Get(ctx, w.WorkflowID)
}

// applyCancel flips the workflow to FAILED and stamps non-terminal steps
// with a cancellation receipt. Further step enqueues are suppressed by the
// terminal status.
func (o *Orchestrator) applyCancel(ctx context.Context, w *contracts.WorkflowState, req contracts.OverrideRequest) (*contracts.WorkflowState, error) {
	if w.Status.Terminal() {
		return nil, contracts.Errf(contracts.CodeWorkflowState,
			"workflow %s is already %s", w.WorkflowID, w.Status)
	}
	now := o.now()
	muts := []state.Mutation{}
	for system, st := range w.Steps {
		if !st.Status.Terminal() {
			muts = append(muts, state.RecordStepResult(system, contracts.StepFailed,
				cancellationEvidence(req.Reason, now), now))
		}
	}
	muts = append(muts, state.Complete(contracts.StatusFailed, now))
	next, err := o.state.Apply(ctx, w.WorkflowID, muts...)
	if err != nil {
		return nil, err
	}
	if err := o.auditOverride(ctx, w.WorkflowID, "WORKFLOW_CANCELLED", req, nil); err != nil {
		return nil, err
	}
	if err := o.locks.ReleaseUserLock(ctx, w.Subject.UserID); err != nil {
		o.logger.Warn("lock release failed", "workflow_id", w.WorkflowID, "error", err)
	}
	o.emitStatus(ctx, w.WorkflowID, contracts.StatusFailed, next.CurrentPhase, "", "workflow cancelled")
	if o.notifier != nil {
		if err := o.notifier.Completion(ctx, completionNotice(w.WorkflowID, contracts.StatusFailed, "", []string{"cancelled: " + req.Reason}, now)); err != nil {
			o.logger.Warn("completion notice failed", "workflow_id", w.WorkflowID, "error", err)
		}
	}
	return next, nil
}
