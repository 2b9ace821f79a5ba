// Package saga drives the erasure workflow: a phase machine over the event
// bus that runs identity-critical deletions sequentially, gates on a
// checkpoint, fans parallel deletions out, routes PII findings, waits on
// background scans and finishes with a signed certificate.
package saga

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/veridact/erasure/pkg/adapters"
	"github.com/veridact/erasure/pkg/analyzer"
	"github.com/veridact/erasure/pkg/audit"
	"github.com/veridact/erasure/pkg/bus"
	"github.com/veridact/erasure/pkg/certificate"
	"github.com/veridact/erasure/pkg/contracts"
	"github.com/veridact/erasure/pkg/jobs"
	"github.com/veridact/erasure/pkg/locks"
	"github.com/veridact/erasure/pkg/notify"
	"github.com/veridact/erasure/pkg/policy"
	"github.com/veridact/erasure/pkg/privacy"
	"github.com/veridact/erasure/pkg/state"
)

// JobSpec declares one background scan the orchestrator starts for every
// workflow that reaches the background phase.
type JobSpec struct {
	Type               contracts.JobType
	Target             string
	BatchSize          int
	CheckpointInterval int
}

// PIISourceFunc supplies the inline content units the PII scan phase runs
// through the analyzer for a workflow. Nil means no inline scan.
type PIISourceFunc func(ctx context.Context, w *contracts.WorkflowState) ([]analyzer.Request, error)

// Metrics receives the orchestrator's counter events. Satisfied by
// observability.Provider; nil disables instrumentation.
type Metrics interface {
	WorkflowStarted(ctx context.Context, jurisdiction string)
	WorkflowCompleted(ctx context.Context, status string)
	StepRetried(ctx context.Context, system string)
	CertificateIssued(ctx context.Context)
}

// Orchestrator owns the workflow lifecycle.
type Orchestrator struct {
	bus      *bus.Bus
	state    *state.Manager
	audit    *audit.Store
	jobs     *jobs.Manager
	locks    *locks.Service
	certs    *certificate.Generator
	notifier *notify.Notifier
	registry *adapters.Registry
	policies *policy.Store

	scanner    analyzer.ContentAnalyzer
	piiSources PIISourceFunc
	jobSpecs   []JobSpec
	metrics    Metrics

	logger *slog.Logger
}

// Deps bundles the orchestrator's collaborators.
type Deps struct {
	Bus      *bus.Bus
	State    *state.Manager
	Audit    *audit.Store
	Jobs     *jobs.Manager
	Locks    *locks.Service
	Certs    *certificate.Generator
	Notifier *notify.Notifier
	Registry *adapters.Registry
	Policies *policy.Store
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithScanner sets the inline PII analyzer.
func WithScanner(a analyzer.ContentAnalyzer) Option {
	return func(o *Orchestrator) { o.scanner = a }
}

// WithPIISources sets the inline content source for the PII scan phase.
func WithPIISources(f PIISourceFunc) Option {
	return func(o *Orchestrator) { o.piiSources = f }
}

// WithJobSpecs sets the background scans started per workflow.
func WithJobSpecs(specs ...JobSpec) Option {
	return func(o *Orchestrator) { o.jobSpecs = specs }
}

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *Orchestrator) { o.logger = l }
}

// WithMetrics sets the instrumentation sink.
func WithMetrics(m Metrics) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

// New wires an orchestrator and registers its handlers on the bus. Call
// before Bus.Start.
func New(d Deps, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		bus:      d.Bus,
		state:    d.State,
		audit:    d.Audit,
		jobs:     d.Jobs,
		locks:    d.Locks,
		certs:    d.Certs,
		notifier: d.Notifier,
		registry: d.Registry,
		policies: d.Policies,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(o)
	}
	o.registerHandlers()
	return o
}

func (o *Orchestrator) now() time.Time { return o.bus.Scheduler().Now().UTC() }

func (o *Orchestrator) registerHandlers() {
	o.bus.Register(contracts.TopicWorkflowCreated, "saga.created", o.handleWorkflowCreated)
	o.bus.Register(contracts.TopicCheckpointValidation, "saga.checkpoint", o.handleCheckpoint)
	o.bus.Register(contracts.TopicParallelOrchestrator, "saga.parallel", o.handleParallelFanOut)
	o.bus.Register(contracts.TopicStepCompleted, "saga.step-completed", o.handleStepCompleted)
	o.bus.Register(contracts.TopicStepFailed, "saga.step-failed", o.handleStepFailed)
	o.bus.Register(contracts.TopicPIIScan, "saga.pii-scan", o.handlePIIScan)
	o.bus.Register(contracts.TopicWorkflowCompletion, "saga.completion", o.handleCompletion)
	for _, system := range o.registry.Names() {
		system := system
		o.bus.Register(contracts.StepTopic(system), "saga.step."+system, func(ctx context.Context, msg bus.Message) error {
			return o.handleStep(ctx, system, msg)
		})
	}
}

// lineageFrom captures identifier kinds only; raw values never enter the
// lineage snapshot because it is embedded verbatim in the certificate.
func lineageFrom(subject contracts.UserIdentifiers, systems []string, at time.Time) contracts.DataLineageSnapshot {
	kinds := []string{"user_id"}
	if len(subject.Emails) > 0 {
		kinds = append(kinds, "email")
	}
	if len(subject.Phones) > 0 {
		kinds = append(kinds, "phone")
	}
	if len(subject.Aliases) > 0 {
		kinds = append(kinds, "alias")
	}
	return contracts.DataLineageSnapshot{
		Systems:     append([]string(nil), systems...),
		Identifiers: kinds,
		CapturedAt:  at,
	}
}

func systemsUnion(p contracts.Policy) []string {
	seen := make(map[string]bool, len(p.RequiredSystems)+len(p.ParallelSystems))
	var out []string
	for _, s := range append(append([]string(nil), p.RequiredSystems...), p.ParallelSystems...) {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	return out
}

// CreateWorkflow validates and admits an erasure request: dedupe, per-user
// lock, frozen policy snapshot, initial state and the workflow-created
// event. The returned bool is true when the request was a duplicate and the
// existing workflow is returned instead.
func (o *Orchestrator) CreateWorkflow(ctx context.Context, req contracts.ErasureRequest) (*contracts.WorkflowState, bool, error) {
	if err := req.Subject.Validate(); err != nil {
		return nil, false, contracts.Errf(contracts.CodeValidation, "invalid subject: %v", err).WithCause(err)
	}
	if req.LegalProof.Type == "" || req.LegalProof.Evidence == "" {
		return nil, false, contracts.Errf(contracts.CodeValidation, "legal proof is required")
	}
	if req.RequestedBy.UserID == "" {
		return nil, false, contracts.Errf(contracts.CodeValidation, "requested_by is required")
	}
	req.Subject = privacy.NormalizeIdentifiers(req.Subject)

	pol, err := o.policies.For(req.Jurisdiction)
	if err != nil {
		return nil, false, err
	}

	workflowID := "wf_" + uuid.NewString()
	requestID := "req_" + uuid.NewString()

	entry, duplicate, err := o.locks.DedupeRequest(ctx, req, requestID, workflowID)
	if err != nil {
		return nil, false, err
	}
	if duplicate {
		existing, err := o.state.Get(ctx, entry.WorkflowID)
		if err != nil {
			return nil, false, err
		}
		return existing, true, nil
	}

	if err := o.locks.AcquireUserLock(ctx, req.Subject.UserID, workflowID, requestID); err != nil {
		if rerr := o.locks.RemoveDedupe(ctx, req); rerr != nil {
			o.logger.Warn("dedupe rollback failed", "workflow_id", workflowID, "error", rerr)
		}
		return nil, false, err
	}

	now := o.now()
	systems := systemsUnion(pol)
	steps := make(map[string]*contracts.StepState, len(systems))
	for _, s := range systems {
		steps[s] = &contracts.StepState{Status: contracts.StepNotStarted, LastUpdated: now}
	}
	w := &contracts.WorkflowState{
		WorkflowID:    workflowID,
		RequestID:     requestID,
		PolicyVersion: pol.PolicyVersion,
		Policy:        pol,
		Subject:       req.Subject,
		Status:        contracts.StatusInProgress,
		CurrentPhase:  contracts.PhaseInit,
		Steps:         steps,
		DataLineage:   lineageFrom(req.Subject, systems, now),
		CreatedAt:     now,
	}
	if err := o.state.Create(ctx, w); err != nil {
		if rerr := o.locks.ReleaseUserLock(ctx, req.Subject.UserID); rerr != nil {
			o.logger.Warn("lock rollback failed", "workflow_id", workflowID, "error", rerr)
		}
		return nil, false, err
	}

	if _, err := o.audit.Append(ctx, workflowID, "WORKFLOW_CREATED", map[string]any{
		"request_id":     requestID,
		"user_id":        privacy.RedactUserID(req.Subject.UserID),
		"jurisdiction":   string(req.Jurisdiction),
		"policy_version": pol.PolicyVersion,
		"legal_proof":    string(req.LegalProof.Type),
		"requested_by":   req.RequestedBy.Role,
	}); err != nil {
		return nil, false, err
	}

	o.emitStatus(ctx, workflowID, contracts.StatusInProgress, contracts.PhaseInit, "", "workflow created")
	if err := o.bus.Publish(ctx, bus.Message{
		Topic:      contracts.TopicWorkflowCreated,
		WorkflowID: workflowID,
	}); err != nil {
		return nil, false, err
	}
	if o.metrics != nil {
		o.metrics.WorkflowStarted(ctx, string(req.Jurisdiction))
	}
	o.logger.Info("workflow created",
		"workflow_id", workflowID,
		"jurisdiction", string(req.Jurisdiction),
		"required_systems", pol.RequiredSystems,
		"parallel_systems", pol.ParallelSystems)
	return w, false, nil
}

func (o *Orchestrator) emitStatus(ctx context.Context, workflowID string, status contracts.WorkflowStatus, phase contracts.Phase, step, detail string) {
	if o.notifier == nil {
		return
	}
	if err := o.notifier.Status(ctx, notify.StatusUpdate{
		WorkflowID: workflowID,
		Status:     status,
		Phase:      phase,
		Step:       step,
		Detail:     detail,
	}); err != nil {
		o.logger.Warn("status emit failed", "workflow_id", workflowID, "error", err)
	}
}

func (o *Orchestrator) notifyError(ctx context.Context, workflowID, step string, err error, affected ...string) {
	if o.notifier == nil {
		return
	}
	if _, nerr := o.notifier.FromError(ctx, workflowID, step, err, affected...); nerr != nil {
		o.logger.Warn("error notification failed", "workflow_id", workflowID, "error", nerr)
	}
}
