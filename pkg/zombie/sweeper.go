// Package zombie re-checks completed workflows for resurfaced data. A
// daily sweep re-invokes every adapter a workflow deleted from; any system
// that still holds data re-opens a child workflow narrowed to the offending
// systems.
package zombie

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/veridact/erasure/pkg/adapters"
	"github.com/veridact/erasure/pkg/audit"
	"github.com/veridact/erasure/pkg/bus"
	"github.com/veridact/erasure/pkg/contracts"
	"github.com/veridact/erasure/pkg/locks"
	"github.com/veridact/erasure/pkg/state"
)

// Sweeper runs the zombie-data re-check cycle.
type Sweeper struct {
	state    *state.Manager
	audit    *audit.Store
	registry *adapters.Registry
	locks    *locks.Service
	bus      *bus.Bus
	logger   *slog.Logger
	clock    func() time.Time

	zombiesDetected metric.Int64Counter
}

// NewSweeper creates a sweeper. meter may be nil in tests.
func NewSweeper(st *state.Manager, trail *audit.Store, registry *adapters.Registry, lockSvc *locks.Service, b *bus.Bus, meter metric.Meter) (*Sweeper, error) {
	s := &Sweeper{
		state:    st,
		audit:    trail,
		registry: registry,
		locks:    lockSvc,
		bus:      b,
		logger:   slog.Default(),
		clock:    time.Now,
	}
	if meter != nil {
		counter, err := meter.Int64Counter("erasure.zombies.detected",
			metric.WithDescription("Resurfaced data findings during zombie re-checks"))
		if err != nil {
			return nil, err
		}
		s.zombiesDetected = counter
	}
	return s, nil
}

// WithLogger sets the structured logger.
func (s *Sweeper) WithLogger(l *slog.Logger) *Sweeper {
	s.logger = l
	return s
}

// WithClock overrides the clock for deterministic tests.
func (s *Sweeper) WithClock(clock func() time.Time) *Sweeper {
	s.clock = clock
	return s
}

// Start runs the sweep once per day until the context ends.
func (s *Sweeper) Start(ctx context.Context) {
	ticker := time.NewTicker(24 * time.Hour)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := s.Sweep(ctx); err != nil {
					s.logger.Error("zombie sweep failed", "error", err)
				}
			}
		}
	}()
}

func eligible(w *contracts.WorkflowState, now time.Time) bool {
	if w.Status != contracts.StatusCompleted && w.Status != contracts.StatusCompletedExceptions {
		return false
	}
	if w.CompletedAt == nil {
		return false
	}
	interval := time.Duration(w.Policy.ZombieCheckIntervalDays) * 24 * time.Hour
	return now.Sub(*w.CompletedAt) >= interval
}

// Sweep re-checks every eligible workflow once. Returns the first hard
// error; per-workflow problems are logged and skipped.
func (s *Sweeper) Sweep(ctx context.Context) error {
	all, err := s.state.List(ctx)
	if err != nil {
		return err
	}
	now := s.clock().UTC()

	children := make(map[string]bool)
	for _, w := range all {
		if w.ParentWorkflowID != "" && !w.Status.Terminal() {
			children[w.ParentWorkflowID] = true
		}
	}

	for _, w := range all {
		if !w.Status.Terminal() {
			if err := s.releaseExpiredHolds(ctx, w, now); err != nil {
				s.logger.Warn("hold expiry release failed", "workflow_id", w.WorkflowID, "error", err)
			}
		}
		if !eligible(w, now) || children[w.WorkflowID] {
			continue
		}
		if err := s.checkWorkflow(ctx, w, now); err != nil {
			s.logger.Warn("zombie check failed", "workflow_id", w.WorkflowID, "error", err)
		}
	}
	return nil
}

// releaseExpiredHolds clears lapsed legal holds on a running workflow and
// re-enqueues the steps they were parking.
func (s *Sweeper) releaseExpiredHolds(ctx context.Context, w *contracts.WorkflowState, now time.Time) error {
	var expired []string
	for _, h := range w.LegalHolds {
		if h.ExpiresAt != nil && !h.ExpiresAt.After(now) {
			expired = append(expired, h.System)
		}
	}
	if len(expired) == 0 {
		return nil
	}

	muts := []state.Mutation{state.RemoveLegalHolds(expired...)}
	for _, system := range expired {
		if st := w.Step(system); st != nil && st.Status == contracts.StepLegalHold {
			muts = append(muts, state.RecordStepResult(system, contracts.StepNotStarted, nil, now))
		}
	}
	next, err := s.state.Apply(ctx, w.WorkflowID, muts...)
	if err != nil {
		return err
	}
	if _, err := s.audit.Append(ctx, w.WorkflowID, "LEGAL_HOLD_EXPIRED", map[string]any{
		"systems":    expired,
		"expired_at": now.Format(time.RFC3339),
	}); err != nil {
		return err
	}
	s.logger.Info("expired legal holds released",
		"workflow_id", w.WorkflowID, "systems", expired)

	// Required steps re-enter through the head of the undeleted chain;
	// parallel steps re-enqueue directly once the checkpoint has passed.
	for _, system := range next.Policy.RequiredSystems {
		if st := next.Step(system); st == nil || st.Status != contracts.StepDeleted {
			return s.enqueueStep(ctx, next, system)
		}
	}
	if next.IdentityCriticalCompleted {
		for _, system := range expired {
			if st := next.Step(system); st != nil && st.Status == contracts.StepNotStarted {
				if err := s.enqueueStep(ctx, next, system); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

func (s *Sweeper) enqueueStep(ctx context.Context, w *contracts.WorkflowState, system string) error {
	attempt := 1
	if st := w.Step(system); st != nil {
		attempt = st.Attempts + 1
	}
	return s.bus.Publish(ctx, bus.Message{
		Topic:      contracts.StepTopic(system),
		WorkflowID: w.WorkflowID,
		Step:       system,
		Attempt:    attempt,
	})
}

// checkWorkflow re-deletes against every system the workflow covered. A
// deletion that reports fresh work (anything but an already-deleted
// receipt) means the data resurfaced.
func (s *Sweeper) checkWorkflow(ctx context.Context, w *contracts.WorkflowState, now time.Time) error {
	var offending []string
	for _, system := range systemsOf(w) {
		adapter, ok := s.registry.Get(system)
		if !ok {
			continue
		}
		res, err := adapter.Delete(ctx, w.Subject)
		if err != nil {
			s.logger.Warn("zombie re-delete failed",
				"workflow_id", w.WorkflowID, "system", system, "error", err)
			continue
		}
		if res.Success && res.Receipt != adapters.ReceiptAlreadyDeleted {
			offending = append(offending, system)
		}
	}
	if len(offending) == 0 {
		return nil
	}

	if _, err := s.audit.Append(ctx, w.WorkflowID, "ZOMBIE_DATA_DETECTED", map[string]any{
		"systems":    offending,
		"checked_at": now.Format(time.RFC3339),
	}); err != nil {
		return err
	}
	if s.zombiesDetected != nil {
		s.zombiesDetected.Add(ctx, int64(len(offending)),
			metric.WithAttributes(attribute.String("workflow_id", w.WorkflowID)))
	}
	s.logger.Warn("zombie data detected",
		"workflow_id", w.WorkflowID, "systems", offending)
	return s.reopen(ctx, w, offending, now)
}

func systemsOf(w *contracts.WorkflowState) []string {
	out := make([]string, 0, len(w.Steps))
	for _, system := range w.Policy.RequiredSystems {
		if _, ok := w.Steps[system]; ok {
			out = append(out, system)
		}
	}
	for _, system := range w.Policy.ParallelSystems {
		if _, ok := w.Steps[system]; ok {
			out = append(out, system)
		}
	}
	return out
}

// reopen creates a child workflow narrowed to the offending systems and
// feeds it into the normal saga.
func (s *Sweeper) reopen(ctx context.Context, parent *contracts.WorkflowState, offending []string, now time.Time) error {
	childID := "wf_" + uuid.NewString()
	requestID := "req_" + uuid.NewString()

	if err := s.locks.AcquireUserLock(ctx, parent.Subject.UserID, childID, requestID); err != nil {
		// Another workflow is already running for this user; the next sweep
		// will retry.
		return err
	}

	childPolicy := parent.Policy
	childPolicy.RequiredSystems = append([]string(nil), offending...)
	childPolicy.ParallelSystems = nil

	steps := make(map[string]*contracts.StepState, len(offending))
	for _, system := range offending {
		steps[system] = &contracts.StepState{Status: contracts.StepNotStarted, LastUpdated: now}
	}
	child := &contracts.WorkflowState{
		WorkflowID:       childID,
		RequestID:        requestID,
		PolicyVersion:    parent.PolicyVersion,
		Policy:           childPolicy,
		Subject:          parent.Subject,
		Status:           contracts.StatusInProgress,
		CurrentPhase:     contracts.PhaseInit,
		Steps:            steps,
		ParentWorkflowID: parent.WorkflowID,
		DataLineage: contracts.DataLineageSnapshot{
			Systems:     append([]string(nil), offending...),
			Identifiers: append([]string(nil), parent.DataLineage.Identifiers...),
			CapturedAt:  now,
		},
		CreatedAt: now,
	}
	if err := s.state.Create(ctx, child); err != nil {
		if rerr := s.locks.ReleaseUserLock(ctx, parent.Subject.UserID); rerr != nil {
			s.logger.Warn("lock rollback failed", "workflow_id", childID, "error", rerr)
		}
		return err
	}
	if _, err := s.audit.Append(ctx, childID, "WORKFLOW_CREATED", map[string]any{
		"parent_workflow_id": parent.WorkflowID,
		"trigger":            "ZOMBIE_DATA_DETECTED",
		"required_systems":   offending,
	}); err != nil {
		return err
	}
	s.logger.Info("zombie remediation workflow opened",
		"workflow_id", childID, "parent_workflow_id", parent.WorkflowID, "systems", offending)
	return s.bus.Publish(ctx, bus.Message{
		Topic:      contracts.TopicWorkflowCreated,
		WorkflowID: childID,
	})
}
