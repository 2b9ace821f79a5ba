package saga

import (
	"context"
	"time"

	"github.com/veridact/erasure/pkg/bus"
	"github.com/veridact/erasure/pkg/contracts"
	"github.com/veridact/erasure/pkg/retry"
	"github.com/veridact/erasure/pkg/state"
)

func requiredIndex(p contracts.Policy, system string) int {
	for i, s := range p.RequiredSystems {
		if s == system {
			return i
		}
	}
	return -1
}

func isParallel(p contracts.Policy, system string) bool {
	if requiredIndex(p, system) >= 0 {
		return false
	}
	for _, s := range p.ParallelSystems {
		if s == system {
			return true
		}
	}
	return false
}

// enqueueStep publishes the deletion event for a system at the next attempt
// number.
func (o *Orchestrator) enqueueStep(ctx context.Context, w *contracts.WorkflowState, system string) error {
	attempt := 1
	if st := w.Step(system); st != nil {
		attempt = st.Attempts + 1
	}
	return o.bus.Publish(ctx, bus.Message{
		Topic:      contracts.StepTopic(system),
		WorkflowID: w.WorkflowID,
		Step:       system,
		Attempt:    attempt,
	})
}

// handleStep executes one deletion attempt against an external system.
func (o *Orchestrator) handleStep(ctx context.Context, system string, msg bus.Message) error {
	w, err := o.state.Get(ctx, msg.WorkflowID)
	if err != nil {
		return err
	}
	// Terminal and paused workflows stop consuming step events; CANCEL and
	// manual-review halts rely on this.
	if w.Status != contracts.StatusInProgress {
		o.logger.Info("step suppressed", "workflow_id", w.WorkflowID, "step", system, "status", string(w.Status))
		return nil
	}
	st := w.Step(system)
	if st != nil && st.Status == contracts.StepDeleted {
		return nil
	}

	// Sequential guard: a required step may only run once its predecessor
	// is DELETED.
	if idx := requiredIndex(w.Policy, system); idx > 0 {
		pred := w.Policy.RequiredSystems[idx-1]
		if ps := w.Step(pred); ps == nil || ps.Status != contracts.StepDeleted {
			err := contracts.Errf(contracts.CodeWorkflowState,
				"cannot proceed: %s not completed", pred)
			o.notifyError(ctx, w.WorkflowID, system, err, system)
			return err
		}
	}

	now := o.now()
	if hold := w.HoldFor(system, now); hold != nil {
		return o.parkOnLegalHold(ctx, w, system, hold.Reason)
	}

	if _, err := o.state.Apply(ctx, w.WorkflowID, state.IncrementStepAttempts(system, now)); err != nil {
		return err
	}
	attempts := msg.Attempt

	adapter, ok := o.registry.Get(system)
	if !ok {
		return o.failStep(ctx, w, system, attempts,
			contracts.Errf(contracts.CodeExternalSystem, "no adapter registered for %s", system))
	}

	callCtx, cancel := context.WithTimeout(ctx, w.Policy.ExternalSystemTimeout())
	res, err := adapter.Delete(callCtx, w.Subject)
	cancel()
	if err != nil {
		return o.retryOrFail(ctx, w, system, attempts, err)
	}
	// A connector can refuse without a transport error; a refused deletion
	// must never be recorded as DELETED.
	if res == nil || !res.Success {
		detail := "connector returned no result"
		if res != nil {
			detail = res.RawResponse
		}
		return o.retryOrFail(ctx, w, system, attempts,
			contracts.Retryablef(contracts.CodeExternalSystem, "%s refused deletion: %s", system, detail))
	}

	evidence := &contracts.Evidence{
		Receipt:     res.Receipt,
		Timestamp:   o.now(),
		RawResponse: res.RawResponse,
	}
	if _, err := o.state.Apply(ctx, w.WorkflowID,
		state.RecordStepResult(system, contracts.StepDeleted, evidence, evidence.Timestamp)); err != nil {
		return err
	}
	if _, err := o.audit.Append(ctx, w.WorkflowID, "STEP_COMPLETED", map[string]any{
		"step":     system,
		"attempts": attempts,
		"receipt":  res.Receipt,
	}); err != nil {
		return err
	}
	o.emitStatus(ctx, w.WorkflowID, w.Status, w.CurrentPhase, system, "deleted")
	return o.bus.Publish(ctx, bus.Message{
		Topic:      contracts.TopicStepCompleted,
		WorkflowID: w.WorkflowID,
		Payload:    map[string]any{"system": system},
	})
}

// retryOrFail schedules the next attempt with exponential backoff or
// finalises the step as FAILED once attempts are exhausted.
func (o *Orchestrator) retryOrFail(ctx context.Context, w *contracts.WorkflowState, system string, attempts int, cause error) error {
	pol := retry.FromWorkflowPolicy(w.Policy)
	if _, err := o.audit.Append(ctx, w.WorkflowID, "STEP_ATTEMPT_FAILED", map[string]any{
		"step":    system,
		"attempt": attempts,
		"error":   cause.Error(),
	}); err != nil {
		return err
	}
	if contracts.IsRetryable(cause) && pol.ShouldRetry(attempts) {
		if o.metrics != nil {
			o.metrics.StepRetried(ctx, system)
		}
		delay := pol.Delay(attempts)
		o.logger.Warn("step attempt failed, retry scheduled",
			"workflow_id", w.WorkflowID, "step", system,
			"attempt", attempts, "delay", delay, "error", cause)
		o.notifyError(ctx, w.WorkflowID, system,
			contracts.Retryablef(contracts.CodeExternalSystem, "%s deletion attempt %d failed: %v", system, attempts, cause),
			system)
		o.bus.PublishAfter(bus.Message{
			Topic:      contracts.StepTopic(system),
			WorkflowID: w.WorkflowID,
			Step:       system,
			Attempt:    attempts + 1,
		}, delay)
		return nil
	}
	return o.failStep(ctx, w, system, attempts, cause)
}

// failStep finalises a step as FAILED. A required step halts the saga into
// AWAITING_MANUAL_REVIEW; a parallel failure is tolerated.
func (o *Orchestrator) failStep(ctx context.Context, w *contracts.WorkflowState, system string, attempts int, cause error) error {
	now := o.now()
	required := requiredIndex(w.Policy, system) >= 0
	muts := []state.Mutation{
		state.RecordStepResult(system, contracts.StepFailed, nil, now),
	}
	if required {
		muts = append(muts, state.SetStatus(contracts.StatusAwaitingManualReview))
	}
	if _, err := o.state.Apply(ctx, w.WorkflowID, muts...); err != nil {
		return err
	}
	if _, err := o.audit.Append(ctx, w.WorkflowID, "STEP_FAILED", map[string]any{
		"step":     system,
		"attempts": attempts,
		"required": required,
		"error":    cause.Error(),
	}); err != nil {
		return err
	}
	o.notifyError(ctx, w.WorkflowID, system,
		contracts.Errf(contracts.CodeExternalSystem, "%s deletion failed after %d attempts: %v", system, attempts, cause),
		system)
	if required {
		o.emitStatus(ctx, w.WorkflowID, contracts.StatusAwaitingManualReview, w.CurrentPhase, system, "required step failed")
	}
	return o.bus.Publish(ctx, bus.Message{
		Topic:      contracts.TopicStepFailed,
		WorkflowID: w.WorkflowID,
		Payload: map[string]any{
			"system":                     system,
			"requiresManualIntervention": required,
		},
	})
}

// parkOnLegalHold marks the step LEGAL_HOLD without consuming an attempt.
func (o *Orchestrator) parkOnLegalHold(ctx context.Context, w *contracts.WorkflowState, system, reason string) error {
	now := o.now()
	if _, err := o.state.Apply(ctx, w.WorkflowID,
		state.RecordStepResult(system, contracts.StepLegalHold, nil, now)); err != nil {
		return err
	}
	if _, err := o.audit.Append(ctx, w.WorkflowID, "STEP_LEGAL_HOLD", map[string]any{
		"step":   system,
		"reason": reason,
	}); err != nil {
		return err
	}
	o.emitStatus(ctx, w.WorkflowID, w.Status, w.CurrentPhase, system, "legal hold")
	if isParallel(w.Policy, system) {
		// Parallel phase advancement treats a held step as settled.
		return o.bus.Publish(ctx, bus.Message{
			Topic:      contracts.TopicParallelStepDone,
			WorkflowID: w.WorkflowID,
			Payload:    map[string]any{"system": system, "legalHold": true},
		})
	}
	// A held required step pauses the chain until RESUME_DELETION.
	return nil
}

func payloadSystem(msg bus.Message) string {
	if msg.Payload == nil {
		return ""
	}
	s, _ := msg.Payload["system"].(string)
	return s
}

// handleStepCompleted advances the saga after a successful deletion:
// required steps chain to their successor or the checkpoint, parallel steps
// feed the fan-in.
func (o *Orchestrator) handleStepCompleted(ctx context.Context, msg bus.Message) error {
	system := payloadSystem(msg)
	w, err := o.state.Get(ctx, msg.WorkflowID)
	if err != nil {
		return err
	}
	if w.Status != contracts.StatusInProgress {
		return nil
	}

	if idx := requiredIndex(w.Policy, system); idx >= 0 {
		if idx+1 < len(w.Policy.RequiredSystems) {
			return o.enqueueStep(ctx, w, w.Policy.RequiredSystems[idx+1])
		}
		// Last required step done; run the checkpoint.
		return o.bus.Publish(ctx, bus.Message{
			Topic:      contracts.TopicCheckpointValidation,
			WorkflowID: w.WorkflowID,
		})
	}

	if err := o.bus.Publish(ctx, bus.Message{
		Topic:      contracts.TopicParallelStepDone,
		WorkflowID: w.WorkflowID,
		Payload:    map[string]any{"system": system},
	}); err != nil {
		return err
	}
	return o.advanceParallelIfSettled(ctx, w.WorkflowID)
}

// handleStepFailed advances the parallel fan-in past tolerated failures.
// Required failures have already halted the workflow in failStep.
func (o *Orchestrator) handleStepFailed(ctx context.Context, msg bus.Message) error {
	w, err := o.state.Get(ctx, msg.WorkflowID)
	if err != nil {
		return err
	}
	if w.Status != contracts.StatusInProgress {
		return nil
	}
	if isParallel(w.Policy, payloadSystem(msg)) {
		return o.advanceParallelIfSettled(ctx, w.WorkflowID)
	}
	return nil
}

// settled reports whether a step no longer blocks phase advancement.
func settled(st *contracts.StepState) bool {
	return st != nil && (st.Status.Terminal() || st.Status == contracts.StepLegalHold)
}

func (o *Orchestrator) advanceParallelIfSettled(ctx context.Context, workflowID string) error {
	w, err := o.state.Get(ctx, workflowID)
	if err != nil {
		return err
	}
	if w.CurrentPhase != contracts.PhaseParallel || w.Status != contracts.StatusInProgress {
		return nil
	}
	for _, system := range w.Policy.ParallelSystems {
		if !settled(w.Step(system)) {
			return nil
		}
	}
	if _, err := o.state.Apply(ctx, workflowID, state.SetPhase(contracts.PhasePIIScan)); err != nil {
		return err
	}
	if _, err := o.audit.Append(ctx, workflowID, "PARALLEL_PHASE_COMPLETED", nil); err != nil {
		return err
	}
	o.emitStatus(ctx, workflowID, w.Status, contracts.PhasePIIScan, "", "parallel phase settled")
	return o.bus.Publish(ctx, bus.Message{
		Topic:      contracts.TopicPIIScan,
		WorkflowID: workflowID,
	})
}

// stepEvidence builds the cancellation evidence used by CANCEL_WORKFLOW.
func cancellationEvidence(reason string, at time.Time) *contracts.Evidence {
	return &contracts.Evidence{Receipt: "CANCELLED: " + reason, Timestamp: at}
}
