// Package jobs runs resumable background scans (S3, warehouse, backup).
// Progress is monotonic, checkpoints carry strictly increasing item counts,
// and a failed driver resumes from the newest checkpoint instead of
// restarting.
package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/veridact/erasure/pkg/contracts"
	"github.com/veridact/erasure/pkg/retry"
	"github.com/veridact/erasure/pkg/state"
	"github.com/veridact/erasure/pkg/stream"
)

// ProgressUpdate is what a driver reports while scanning.
type ProgressUpdate struct {
	Progress       float64
	ProcessedItems int
	LastKey        string
	Findings       []contracts.PIIFinding
	// Checkpoint asks the manager to cut a checkpoint at this point.
	Checkpoint bool
}

// ProgressFunc is handed to drivers to report scan progress.
type ProgressFunc func(ctx context.Context, update ProgressUpdate) error

// ScanDriver executes one job type. Resume is the newest checkpoint from a
// previous attempt, nil on a fresh start.
type ScanDriver interface {
	Type() contracts.JobType
	Scan(ctx context.Context, job contracts.BackgroundJob, resume *contracts.Checkpoint, report ProgressFunc) error
}

// Manager owns the background-job lifecycle for all workflows.
type Manager struct {
	state   *state.Manager
	events  stream.Stream
	drivers map[contracts.JobType]ScanDriver
	logger  *slog.Logger
	clock   func() time.Time
	sleep   func(ctx context.Context, d time.Duration) error
}

// NewManager creates a job manager.
func NewManager(st *state.Manager, events stream.Stream) *Manager {
	return &Manager{
		state:   st,
		events:  events,
		drivers: make(map[contracts.JobType]ScanDriver),
		logger:  slog.Default(),
		clock:   time.Now,
		sleep:   realSleep,
	}
}

func realSleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// WithLogger sets the structured logger.
func (m *Manager) WithLogger(l *slog.Logger) *Manager {
	m.logger = l
	return m
}

// WithClock overrides the clock for deterministic tests.
func (m *Manager) WithClock(clock func() time.Time) *Manager {
	m.clock = clock
	return m
}

// WithSleep overrides the retry backoff sleep for tests.
func (m *Manager) WithSleep(sleep func(ctx context.Context, d time.Duration) error) *Manager {
	m.sleep = sleep
	return m
}

// RegisterDriver installs the driver for its job type.
func (m *Manager) RegisterDriver(d ScanDriver) {
	m.drivers[d.Type()] = d
}

// CreateJob registers a PENDING job on the workflow.
func (m *Manager) CreateJob(ctx context.Context, workflowID string, typ contracts.JobType, target string, batchSize, checkpointInterval int) (*contracts.BackgroundJob, error) {
	now := m.clock().UTC()
	job := &contracts.BackgroundJob{
		JobID:              "job_" + uuid.NewString(),
		Type:               typ,
		WorkflowID:         workflowID,
		Status:             contracts.JobPending,
		ScanTarget:         target,
		BatchSize:          batchSize,
		CheckpointInterval: checkpointInterval,
		CreatedAt:          now,
		LastUpdated:        now,
	}
	if _, err := m.state.Apply(ctx, workflowID, state.UpsertJob(job)); err != nil {
		return nil, err
	}
	return job, nil
}

// Run starts a PENDING job and executes its driver with policy-driven
// retries. Each retry resumes from the newest checkpoint. Jobs already
// RUNNING or terminal are rejected. The job ends COMPLETED or FAILED.
func (m *Manager) Run(ctx context.Context, workflowID, jobID string) error {
	driver, policy, err := m.prepare(ctx, workflowID, jobID)
	if err != nil {
		return err
	}
	if _, err := m.markRunning(ctx, workflowID, jobID); err != nil {
		return err
	}
	return m.execute(ctx, workflowID, jobID, driver, policy)
}

// Resume reattaches to a job a crashed owner left RUNNING and continues it
// from the newest checkpoint. Only terminal jobs are rejected.
func (m *Manager) Resume(ctx context.Context, workflowID, jobID string) error {
	driver, policy, err := m.prepare(ctx, workflowID, jobID)
	if err != nil {
		return err
	}
	if _, err := m.reattach(ctx, workflowID, jobID); err != nil {
		return err
	}
	return m.execute(ctx, workflowID, jobID, driver, policy)
}

func (m *Manager) prepare(ctx context.Context, workflowID, jobID string) (ScanDriver, retry.Policy, error) {
	w, err := m.state.Get(ctx, workflowID)
	if err != nil {
		return nil, retry.Policy{}, err
	}
	job, ok := w.BackgroundJobs[jobID]
	if !ok {
		return nil, retry.Policy{}, contracts.Errf(contracts.CodeBackgroundJob, "background job %s not found", jobID)
	}
	driver, ok := m.drivers[job.Type]
	if !ok {
		return nil, retry.Policy{}, m.fail(ctx, workflowID, jobID, fmt.Sprintf("no driver for job type %s", job.Type))
	}
	return driver, retry.FromWorkflowPolicy(w.Policy), nil
}

func (m *Manager) execute(ctx context.Context, workflowID, jobID string, driver ScanDriver, policy retry.Policy) error {
	var lastErr error
	for attempt := 1; ; attempt++ {
		current, err := m.job(ctx, workflowID, jobID)
		if err != nil {
			return err
		}
		resume := current.LatestCheckpoint()
		if resume != nil {
			m.logger.Info("resuming background job from checkpoint",
				"workflow_id", workflowID, "job_id", jobID,
				"checkpoint_id", resume.ID, "processed_items", resume.ProcessedItems)
		}

		report := func(ctx context.Context, u ProgressUpdate) error {
			_, err := m.UpdateProgress(ctx, workflowID, jobID, u)
			return err
		}
		lastErr = driver.Scan(ctx, *current, resume, report)
		if lastErr == nil {
			return m.complete(ctx, workflowID, jobID)
		}

		m.logger.Warn("background job attempt failed",
			"workflow_id", workflowID, "job_id", jobID,
			"attempt", attempt, "error", lastErr)
		if _, err := m.state.Apply(ctx, workflowID, state.EditJob(jobID, func(j *contracts.BackgroundJob) error {
			j.Attempts = attempt
			j.LastUpdated = m.clock().UTC()
			return nil
		})); err != nil {
			return err
		}
		if !contracts.IsRetryable(lastErr) || !policy.ShouldRetry(attempt) {
			break
		}
		if err := m.sleep(ctx, policy.Delay(attempt)); err != nil {
			lastErr = err
			break
		}
	}
	return m.fail(ctx, workflowID, jobID, lastErr.Error())
}

// UpdateProgress applies a driver progress report: progress is clamped so
// it never decreases, findings merge uniquely by match ID, and an optional
// checkpoint is cut.
func (m *Manager) UpdateProgress(ctx context.Context, workflowID, jobID string, u ProgressUpdate) (*contracts.BackgroundJob, error) {
	now := m.clock().UTC()
	next, err := m.state.Apply(ctx, workflowID, state.EditJob(jobID, func(j *contracts.BackgroundJob) error {
		if u.Progress > j.Progress {
			j.Progress = u.Progress
		}
		j.Findings = state.MergeFindings(j.Findings, u.Findings)
		j.LastUpdated = now
		if u.Checkpoint {
			cutCheckpoint(j, u, now)
		}
		return nil
	}), state.AppendFindings(u.Findings...))
	if err != nil {
		return nil, err
	}
	job := next.BackgroundJobs[jobID]
	m.emitProgress(ctx, job)
	return job, nil
}

// cutCheckpoint appends a checkpoint when the processed count strictly
// exceeds the newest one. IDs embed time and count:
// checkpoint_{unixMs}_{processedItems}.
func cutCheckpoint(j *contracts.BackgroundJob, u ProgressUpdate, now time.Time) {
	if latest := j.LatestCheckpoint(); latest != nil && u.ProcessedItems <= latest.ProcessedItems {
		return
	}
	j.Checkpoints = append(j.Checkpoints, contracts.Checkpoint{
		ID:             fmt.Sprintf("checkpoint_%d_%d", now.UnixMilli(), u.ProcessedItems),
		ProcessedItems: u.ProcessedItems,
		LastKey:        u.LastKey,
		CreatedAt:      now,
	})
}

// Cancel marks a non-terminal job FAILED with a cancellation reason.
func (m *Manager) Cancel(ctx context.Context, workflowID, jobID, reason string) error {
	return m.fail(ctx, workflowID, jobID, "cancelled: "+reason)
}

// AllComplete reports whether every job on the workflow is terminal. A
// workflow with no jobs is trivially complete.
func (m *Manager) AllComplete(ctx context.Context, workflowID string) (bool, error) {
	w, err := m.state.Get(ctx, workflowID)
	if err != nil {
		return false, err
	}
	for _, job := range w.BackgroundJobs {
		if !job.Status.Terminal() {
			return false, nil
		}
	}
	return true, nil
}

// Findings returns the union of findings across every job on the workflow,
// de-duplicated by match ID.
func (m *Manager) Findings(ctx context.Context, workflowID string) ([]contracts.PIIFinding, error) {
	w, err := m.state.Get(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	var out []contracts.PIIFinding
	for _, job := range w.BackgroundJobs {
		out = state.MergeFindings(out, job.Findings)
	}
	return out, nil
}

func (m *Manager) job(ctx context.Context, workflowID, jobID string) (*contracts.BackgroundJob, error) {
	w, err := m.state.Get(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	job, ok := w.BackgroundJobs[jobID]
	if !ok {
		return nil, contracts.Errf(contracts.CodeBackgroundJob, "background job %s not found", jobID)
	}
	return job, nil
}

func (m *Manager) markRunning(ctx context.Context, workflowID, jobID string) (*contracts.WorkflowState, error) {
	return m.state.Apply(ctx, workflowID, state.EditJob(jobID, func(j *contracts.BackgroundJob) error {
		if j.Status.Terminal() || j.Status == contracts.JobRunning {
			return contracts.Errf(contracts.CodeBackgroundJob, "background job %s is already %s", jobID, j.Status)
		}
		j.Status = contracts.JobRunning
		j.LastUpdated = m.clock().UTC()
		return nil
	}))
}

func (m *Manager) reattach(ctx context.Context, workflowID, jobID string) (*contracts.WorkflowState, error) {
	return m.state.Apply(ctx, workflowID, state.EditJob(jobID, func(j *contracts.BackgroundJob) error {
		if j.Status.Terminal() {
			return contracts.Errf(contracts.CodeBackgroundJob, "background job %s is already %s", jobID, j.Status)
		}
		j.Status = contracts.JobRunning
		j.LastUpdated = m.clock().UTC()
		return nil
	}))
}

func (m *Manager) complete(ctx context.Context, workflowID, jobID string) error {
	next, err := m.state.Apply(ctx, workflowID, state.EditJob(jobID, func(j *contracts.BackgroundJob) error {
		j.Status = contracts.JobCompleted
		if j.Progress < 100 {
			j.Progress = 100
		}
		j.LastUpdated = m.clock().UTC()
		return nil
	}))
	if err != nil {
		return err
	}
	m.emitProgress(ctx, next.BackgroundJobs[jobID])
	return nil
}

func (m *Manager) fail(ctx context.Context, workflowID, jobID, reason string) error {
	next, err := m.state.Apply(ctx, workflowID, state.EditJob(jobID, func(j *contracts.BackgroundJob) error {
		j.Status = contracts.JobFailed
		j.FailureReason = reason
		j.LastUpdated = m.clock().UTC()
		return nil
	}))
	if err != nil {
		return err
	}
	m.emitProgress(ctx, next.BackgroundJobs[jobID])
	return contracts.Errf(contracts.CodeBackgroundJob, "background job %s failed: %s", jobID, reason)
}

func (m *Manager) emitProgress(ctx context.Context, job *contracts.BackgroundJob) {
	if m.events == nil || job == nil {
		return
	}
	payload, err := json.Marshal(map[string]any{
		"job_id":      job.JobID,
		"workflow_id": job.WorkflowID,
		"type":        job.Type,
		"status":      job.Status,
		"progress":    job.Progress,
		"findings":    len(job.Findings),
		"checkpoints": len(job.Checkpoints),
	})
	if err != nil {
		return
	}
	if err := m.events.Publish(ctx, contracts.TopicBackgroundProgress, job.WorkflowID, payload); err != nil {
		m.logger.Warn("background progress publish failed",
			"workflow_id", job.WorkflowID, "job_id", job.JobID, "error", err)
	}
}
