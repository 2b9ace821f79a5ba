// Package contracts defines the shared domain types of the erasure engine:
// identifiers, policies, workflow state, background jobs, PII findings,
// audit events and destruction certificates.
package contracts

import (
	"fmt"
	"time"
)

// Jurisdiction selects the regulatory profile a workflow runs under.
type Jurisdiction string

const (
	JurisdictionEU    Jurisdiction = "EU"
	JurisdictionUS    Jurisdiction = "US"
	JurisdictionOther Jurisdiction = "OTHER"
)

// UserIdentifiers bundles everything known about the data subject.
// Immutable once captured into a workflow.
type UserIdentifiers struct {
	UserID  string   `json:"user_id"`
	Emails  []string `json:"emails,omitempty"`
	Phones  []string `json:"phones,omitempty"`
	Aliases []string `json:"aliases,omitempty"`
}

// Validate checks the minimum shape of an identifier bundle.
func (u UserIdentifiers) Validate() error {
	if u.UserID == "" {
		return fmt.Errorf("user_id is required")
	}
	return nil
}

// Policy is the jurisdiction-parameterised configuration a workflow is
// frozen against at creation. Read-only during the run.
type Policy struct {
	Jurisdiction            Jurisdiction `json:"jurisdiction" yaml:"jurisdiction"`
	PolicyVersion           string       `json:"policy_version" yaml:"policy_version"`
	MaxRetryAttempts        int          `json:"max_retry_attempts" yaml:"max_retry_attempts"`
	InitialRetryDelayMs     int64        `json:"initial_retry_delay_ms" yaml:"initial_retry_delay_ms"`
	RetryBackoffMultiplier  float64      `json:"retry_backoff_multiplier" yaml:"retry_backoff_multiplier"`
	ZombieCheckIntervalDays int          `json:"zombie_check_interval_days" yaml:"zombie_check_interval_days"`
	AutoDeleteThreshold     float64      `json:"auto_delete_threshold" yaml:"auto_delete_threshold"`
	ManualReviewThreshold   float64      `json:"manual_review_threshold" yaml:"manual_review_threshold"`
	RequiredSystems         []string     `json:"required_systems" yaml:"required_systems"`
	ParallelSystems         []string     `json:"parallel_systems" yaml:"parallel_systems"`
	ExternalSystemTimeoutMs int64        `json:"external_system_timeout_ms" yaml:"external_system_timeout_ms"`
	CertificateValidityDays int          `json:"certificate_validity_days" yaml:"certificate_validity_days"`
	HashAlgorithm           string       `json:"hash_algorithm" yaml:"hash_algorithm"`
	// OverrideGuards maps an override action to a CEL expression that must
	// evaluate to true before the action is applied.
	OverrideGuards map[string]string `json:"override_guards,omitempty" yaml:"override_guards,omitempty"`
}

// Validate enforces the policy invariants.
func (p Policy) Validate() error {
	if p.MaxRetryAttempts < 1 {
		return fmt.Errorf("max_retry_attempts must be >= 1, got %d", p.MaxRetryAttempts)
	}
	if p.InitialRetryDelayMs <= 0 {
		return fmt.Errorf("initial_retry_delay_ms must be > 0, got %d", p.InitialRetryDelayMs)
	}
	if p.RetryBackoffMultiplier <= 1 {
		return fmt.Errorf("retry_backoff_multiplier must be > 1, got %v", p.RetryBackoffMultiplier)
	}
	if p.ZombieCheckIntervalDays <= 0 {
		return fmt.Errorf("zombie_check_interval_days must be > 0, got %d", p.ZombieCheckIntervalDays)
	}
	if p.ManualReviewThreshold < 0 || p.ManualReviewThreshold >= p.AutoDeleteThreshold || p.AutoDeleteThreshold > 1 {
		return fmt.Errorf("thresholds must satisfy 0 <= manual_review (%v) < auto_delete (%v) <= 1",
			p.ManualReviewThreshold, p.AutoDeleteThreshold)
	}
	if len(p.RequiredSystems) == 0 {
		return fmt.Errorf("at least one required system must be declared")
	}
	return nil
}

// ExternalSystemTimeout returns the per-call deadline for connector calls.
func (p Policy) ExternalSystemTimeout() time.Duration {
	if p.ExternalSystemTimeoutMs <= 0 {
		return 30 * time.Second
	}
	return time.Duration(p.ExternalSystemTimeoutMs) * time.Millisecond
}

// WorkflowStatus is the terminal-or-not state of a workflow run.
type WorkflowStatus string

const (
	StatusInProgress           WorkflowStatus = "IN_PROGRESS"
	StatusCompleted            WorkflowStatus = "COMPLETED"
	StatusCompletedExceptions  WorkflowStatus = "COMPLETED_WITH_EXCEPTIONS"
	StatusFailed               WorkflowStatus = "FAILED"
	StatusAwaitingManualReview WorkflowStatus = "AWAITING_MANUAL_REVIEW"
)

// Terminal reports whether the status admits no further transitions.
func (s WorkflowStatus) Terminal() bool {
	switch s {
	case StatusCompleted, StatusCompletedExceptions, StatusFailed:
		return true
	}
	return false
}

// Phase is the saga phase machine position.
type Phase string

const (
	PhaseInit             Phase = "INIT"
	PhaseIdentityCritical Phase = "IDENTITY_CRITICAL"
	PhaseCheckpoint       Phase = "CHECKPOINT"
	PhaseParallel         Phase = "PARALLEL"
	PhasePIIScan          Phase = "PII_SCAN"
	PhaseBackground       Phase = "BACKGROUND"
	PhaseCompletion       Phase = "COMPLETION"
	PhaseCertificate      Phase = "CERTIFICATE"
)

// StepStatus tracks a single deletion step against one external system.
type StepStatus string

const (
	StepNotStarted StepStatus = "NOT_STARTED"
	StepInProgress StepStatus = "IN_PROGRESS"
	StepDeleted    StepStatus = "DELETED"
	StepFailed     StepStatus = "FAILED"
	StepLegalHold  StepStatus = "LEGAL_HOLD"
)

// Terminal reports whether a step admits no further execution.
func (s StepStatus) Terminal() bool {
	return s == StepDeleted || s == StepFailed
}

// Evidence records what a downstream system returned for a deletion.
type Evidence struct {
	Receipt     string    `json:"receipt,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
	RawResponse string    `json:"raw_response,omitempty"`
}

// StepState is the per-system record inside a workflow.
type StepState struct {
	Status      StepStatus `json:"status"`
	Attempts    int        `json:"attempts"`
	Evidence    *Evidence  `json:"evidence,omitempty"`
	LastUpdated time.Time  `json:"last_updated"`
}

// JobType categorizes background scans.
type JobType string

const (
	JobS3Scan        JobType = "S3_SCAN"
	JobWarehouseScan JobType = "WAREHOUSE_SCAN"
	JobBackupCheck   JobType = "BACKUP_CHECK"
)

// JobStatus is the background-job lifecycle state.
type JobStatus string

const (
	JobPending   JobStatus = "PENDING"
	JobRunning   JobStatus = "RUNNING"
	JobCompleted JobStatus = "COMPLETED"
	JobFailed    JobStatus = "FAILED"
)

// Terminal reports whether the job has finished, successfully or not.
func (s JobStatus) Terminal() bool {
	return s == JobCompleted || s == JobFailed
}

// Checkpoint is a resumption point inside a background scan. IDs embed the
// creation time and the number of items processed so far:
// checkpoint_{unixMs}_{processedItems}.
type Checkpoint struct {
	ID             string            `json:"id"`
	ProcessedItems int               `json:"processed_items"`
	LastKey        string            `json:"last_key,omitempty"`
	Meta           map[string]string `json:"meta,omitempty"`
	CreatedAt      time.Time         `json:"created_at"`
}

// BackgroundJob is a resumable scan owned by a workflow.
type BackgroundJob struct {
	JobID              string       `json:"job_id"`
	Type               JobType      `json:"type"`
	WorkflowID         string       `json:"workflow_id"`
	Status             JobStatus    `json:"status"`
	// Progress runs 0..100 and never decreases.
	Progress float64 `json:"progress"`
	ScanTarget         string       `json:"scan_target,omitempty"`
	BatchSize          int          `json:"batch_size,omitempty"`
	CheckpointInterval int          `json:"checkpoint_interval,omitempty"`
	Attempts           int          `json:"attempts"`
	FailureReason      string       `json:"failure_reason,omitempty"`
	Checkpoints        []Checkpoint `json:"checkpoints,omitempty"`
	Findings           []PIIFinding `json:"findings,omitempty"`
	CreatedAt          time.Time    `json:"created_at"`
	LastUpdated        time.Time    `json:"last_updated"`
}

// LatestCheckpoint returns the checkpoint with the highest processed_items,
// or nil when the job has none.
func (j *BackgroundJob) LatestCheckpoint() *Checkpoint {
	if len(j.Checkpoints) == 0 {
		return nil
	}
	best := &j.Checkpoints[0]
	for i := range j.Checkpoints {
		if j.Checkpoints[i].ProcessedItems > best.ProcessedItems {
			best = &j.Checkpoints[i]
		}
	}
	return best
}

// PIIType labels the category of a detected datum.
type PIIType string

const (
	PIIEmail   PIIType = "email"
	PIIName    PIIType = "name"
	PIIPhone   PIIType = "phone"
	PIIAddress PIIType = "address"
	PIICustom  PIIType = "custom"
)

// Provenance records where a finding came from.
type Provenance struct {
	Timestamp time.Time `json:"timestamp"`
	MessageID string    `json:"message_id,omitempty"`
	Channel   string    `json:"channel,omitempty"`
}

// PIIFinding is a structured detection of personal data in free text.
type PIIFinding struct {
	MatchID    string     `json:"match_id"`
	System     string     `json:"system"`
	Location   string     `json:"location"`
	PIIType    PIIType    `json:"pii_type"`
	Confidence float64    `json:"confidence"`
	Snippet    string     `json:"snippet,omitempty"`
	Provenance Provenance `json:"provenance"`
}

// LegalHold is an operator-applied prohibition on deleting data from a
// system.
type LegalHold struct {
	System    string     `json:"system"`
	Reason    string     `json:"reason"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
	AppliedBy string     `json:"applied_by,omitempty"`
	AppliedAt time.Time  `json:"applied_at"`
}

// Expired reports whether the hold has lapsed at t.
func (h LegalHold) Expired(t time.Time) bool {
	return h.ExpiresAt != nil && t.After(*h.ExpiresAt)
}

// DataLineageSnapshot is taken once at workflow creation and never mutated.
type DataLineageSnapshot struct {
	Systems     []string  `json:"systems"`
	Identifiers []string  `json:"identifiers"`
	CapturedAt  time.Time `json:"captured_at"`
}

// WorkflowState is the saga record persisted under workflow:{id}.
type WorkflowState struct {
	WorkflowID    string          `json:"workflow_id"`
	RequestID     string          `json:"request_id"`
	PolicyVersion string          `json:"policy_version"`
	Policy        Policy          `json:"policy"`
	Subject       UserIdentifiers `json:"user_identifiers"`
	Status        WorkflowStatus  `json:"status"`
	CurrentPhase  Phase           `json:"current_phase"`

	Steps          map[string]*StepState     `json:"steps"`
	BackgroundJobs map[string]*BackgroundJob `json:"background_jobs,omitempty"`
	LegalHolds     []LegalHold               `json:"legal_holds,omitempty"`
	AuditHashes    []string                  `json:"audit_hashes,omitempty"`
	PIIFindings    []PIIFinding              `json:"pii_findings,omitempty"`
	DataLineage    DataLineageSnapshot       `json:"data_lineage_snapshot"`

	IdentityCriticalCompleted bool `json:"identity_critical_completed"`

	// ParentWorkflowID links a zombie-remediation child back to the run
	// whose data resurfaced.
	ParentWorkflowID string `json:"parent_workflow_id,omitempty"`

	// Version is the optimistic-concurrency counter bumped on every write.
	Version uint64 `json:"version"`

	CreatedAt     time.Time  `json:"created_at"`
	LastUpdated   time.Time  `json:"last_updated"`
	CompletedAt   *time.Time `json:"completed_at,omitempty"`
	CertificateID string     `json:"certificate_id,omitempty"`
}

// Step returns the named step record, creating nothing.
func (w *WorkflowState) Step(name string) *StepState {
	if w.Steps == nil {
		return nil
	}
	return w.Steps[name]
}

// RequiredStepsDeleted reports whether every system in the frozen policy's
// required set has reached DELETED.
func (w *WorkflowState) RequiredStepsDeleted() bool {
	for _, sys := range w.Policy.RequiredSystems {
		st := w.Step(sys)
		if st == nil || st.Status != StepDeleted {
			return false
		}
	}
	return true
}

// HasExceptions reports whether any step or background job failed.
func (w *WorkflowState) HasExceptions() bool {
	for _, st := range w.Steps {
		if st.Status == StepFailed {
			return true
		}
	}
	for _, job := range w.BackgroundJobs {
		if job.Status == JobFailed {
			return true
		}
	}
	return false
}

// HoldFor returns the active legal hold covering a system, if any.
func (w *WorkflowState) HoldFor(system string, now time.Time) *LegalHold {
	for i := range w.LegalHolds {
		h := &w.LegalHolds[i]
		if h.System == system && !h.Expired(now) {
			return h
		}
	}
	return nil
}

// AuditEvent is one link in the workflow's tamper-evident chain.
type AuditEvent struct {
	WorkflowID string         `json:"workflow_id"`
	EventType  string         `json:"event_type"`
	Timestamp  time.Time      `json:"timestamp"`
	Payload    map[string]any `json:"payload,omitempty"`
	PrevHash   string         `json:"prev_hash"`
	Hash       string         `json:"hash"`
}

// SystemReceipt is the per-system attestation embedded in a certificate.
type SystemReceipt struct {
	System    string     `json:"system"`
	Status    StepStatus `json:"status"`
	Receipt   string     `json:"receipt,omitempty"`
	Timestamp time.Time  `json:"timestamp"`
}

// Certificate is the signed Certificate of Destruction.
type Certificate struct {
	CertificateID     string              `json:"certificate_id"`
	WorkflowID        string              `json:"workflow_id"`
	PolicyVersion     string              `json:"policy_version"`
	Status            WorkflowStatus      `json:"status"`
	RedactedSubject   UserIdentifiers     `json:"redacted_user_identifiers"`
	SystemReceipts    []SystemReceipt     `json:"system_receipts"`
	DataLineage       DataLineageSnapshot `json:"data_lineage_snapshot"`
	AuditHashRoot     string              `json:"audit_hash_root"`
	HashAlgorithm     string              `json:"hash_algorithm"`
	IssuedAt          time.Time           `json:"issued_at"`
	ValidUntil        time.Time           `json:"valid_until"`
	SignerKeyID       string              `json:"signer_key_id,omitempty"`
	SignerPublicKey   string              `json:"signer_public_key,omitempty"`
	Signature         string              `json:"signature,omitempty"`
}

// LegalProofType identifies how the requester's authority was verified.
type LegalProofType string

const (
	ProofSignedRequest LegalProofType = "SIGNED_REQUEST"
	ProofLegalForm     LegalProofType = "LEGAL_FORM"
	ProofOTPVerified   LegalProofType = "OTP_VERIFIED"
)

// LegalProof accompanies every erasure request.
type LegalProof struct {
	Type       LegalProofType `json:"type"`
	Evidence   string         `json:"evidence"`
	VerifiedAt time.Time      `json:"verified_at"`
}

// Actor identifies who initiated or approved an operation.
type Actor struct {
	UserID       string `json:"user_id"`
	Role         string `json:"role"`
	Organization string `json:"organization,omitempty"`
}

// ErasureRequest is the verified deletion request the engine accepts.
type ErasureRequest struct {
	Subject      UserIdentifiers `json:"user_identifiers"`
	LegalProof   LegalProof      `json:"legal_proof"`
	Jurisdiction Jurisdiction    `json:"jurisdiction"`
	RequestedBy  Actor           `json:"requested_by"`
}

// OverrideAction is a legal-counsel intervention on a running workflow.
type OverrideAction string

const (
	OverrideLegalHold      OverrideAction = "LEGAL_HOLD"
	OverrideResumeDeletion OverrideAction = "RESUME_DELETION"
	OverrideForceComplete  OverrideAction = "FORCE_COMPLETE"
	OverrideCancelWorkflow OverrideAction = "CANCEL_WORKFLOW"
)

// ApprovedBy extends Actor with the approval timestamp.
type ApprovedBy struct {
	Actor
	Timestamp time.Time `json:"timestamp"`
}

// OverrideRequest is the body of POST /erasure-request/{id}/override.
type OverrideRequest struct {
	Action     OverrideAction `json:"action"`
	Reason     string         `json:"reason"`
	LegalBasis string         `json:"legal_basis"`
	Systems    []string       `json:"systems,omitempty"`
	ExpiresAt  *time.Time     `json:"expires_at,omitempty"`
	Evidence   string         `json:"evidence,omitempty"`
	ApprovedBy ApprovedBy     `json:"approved_by"`
}
