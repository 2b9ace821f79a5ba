// Package notify publishes the engine's three operator-facing streams:
// workflow status transitions, structured error notifications with
// remediation guidance, and completion summaries.
package notify

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/veridact/erasure/pkg/contracts"
	"github.com/veridact/erasure/pkg/stream"
)

// Severity grades an error notification.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityError    Severity = "error"
	SeverityCritical Severity = "critical"
)

// ResolutionStatus tracks the lifecycle of an error notification.
type ResolutionStatus string

const (
	ResolutionOpen       ResolutionStatus = "open"
	ResolutionInProgress ResolutionStatus = "in_progress"
	ResolutionResolved   ResolutionStatus = "resolved"
	ResolutionEscalated  ResolutionStatus = "escalated"
)

// Remediation tells an operator what can be done about an error.
type Remediation struct {
	Actions            []string `json:"actions,omitempty"`
	Retryable          bool     `json:"retryable"`
	EscalationRequired bool     `json:"escalation_required"`
}

// Impact describes the blast radius of an error.
type Impact struct {
	AffectedSystems  []string `json:"affected_systems,omitempty"`
	DataAtRisk       bool     `json:"data_at_risk"`
	ComplianceImpact string   `json:"compliance_impact,omitempty"`
}

// ErrorNotification is one entry on the error stream.
type ErrorNotification struct {
	ID          string              `json:"id"`
	WorkflowID  string              `json:"workflow_id"`
	Step        string              `json:"step,omitempty"`
	Severity    Severity            `json:"severity"`
	Category    contracts.ErrorCode `json:"category"`
	Message     string              `json:"message"`
	Remediation Remediation         `json:"remediation"`
	Impact      Impact              `json:"impact"`
	Resolution  ResolutionStatus    `json:"resolution"`
	Timestamp   time.Time           `json:"timestamp"`
}

// StatusUpdate is one entry on the workflow-status stream.
type StatusUpdate struct {
	WorkflowID string                   `json:"workflow_id"`
	Status     contracts.WorkflowStatus `json:"status"`
	Phase      contracts.Phase          `json:"phase"`
	Step       string                   `json:"step,omitempty"`
	Detail     string                   `json:"detail,omitempty"`
	Timestamp  time.Time                `json:"timestamp"`
}

// CompletionNotice is one entry on the completion stream.
type CompletionNotice struct {
	WorkflowID    string                   `json:"workflow_id"`
	Status        contracts.WorkflowStatus `json:"status"`
	CertificateID string                   `json:"certificate_id,omitempty"`
	Exceptions    []string                 `json:"exceptions,omitempty"`
	CompletedAt   time.Time                `json:"completed_at"`
}

// Notifier fans engine events out to the three streams.
type Notifier struct {
	events stream.Stream
	logger *slog.Logger
	clock  func() time.Time
}

// NewNotifier creates a notifier over the given stream backend.
func NewNotifier(events stream.Stream) *Notifier {
	return &Notifier{events: events, logger: slog.Default(), clock: time.Now}
}

// WithLogger sets the structured logger.
func (n *Notifier) WithLogger(l *slog.Logger) *Notifier {
	n.logger = l
	return n
}

// WithClock overrides the clock for deterministic tests.
func (n *Notifier) WithClock(clock func() time.Time) *Notifier {
	n.clock = clock
	return n
}

func (n *Notifier) publish(ctx context.Context, topic, group string, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return contracts.Errf(contracts.CodeValidation, "encode %s event: %v", topic, err).WithCause(err)
	}
	if err := n.events.Publish(ctx, topic, group, payload); err != nil {
		n.logger.Warn("notification publish failed", "topic", topic, "error", err)
		return err
	}
	return nil
}

// Status emits a workflow-status update.
func (n *Notifier) Status(ctx context.Context, u StatusUpdate) error {
	if u.Timestamp.IsZero() {
		u.Timestamp = n.clock().UTC()
	}
	return n.publish(ctx, contracts.TopicWorkflowStatus, u.WorkflowID, u)
}

// Error emits an error notification; the ID is assigned here.
func (n *Notifier) Error(ctx context.Context, e ErrorNotification) (ErrorNotification, error) {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Resolution == "" {
		e.Resolution = ResolutionOpen
	}
	if e.Severity == "" {
		e.Severity = SeverityError
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = n.clock().UTC()
	}
	return e, n.publish(ctx, contracts.TopicErrorNotifications, e.WorkflowID, e)
}

// FromError builds a notification out of an engine error with remediation
// derived from its classification.
func (n *Notifier) FromError(ctx context.Context, workflowID, step string, err error, affected ...string) (ErrorNotification, error) {
	code := contracts.CodeOf(err)
	if code == "" {
		code = contracts.CodeExternalSystem
	}
	retryable := contracts.IsRetryable(err)
	notification := ErrorNotification{
		WorkflowID: workflowID,
		Step:       step,
		Severity:   severityFor(code, retryable),
		Category:   code,
		Message:    err.Error(),
		Remediation: Remediation{
			Actions:            remediationActions(code, retryable),
			Retryable:          retryable,
			EscalationRequired: !retryable,
		},
		Impact: Impact{
			AffectedSystems:  affected,
			DataAtRisk:       code == contracts.CodeExternalSystem || code == contracts.CodeBackgroundJob,
			ComplianceImpact: complianceImpact(code),
		},
	}
	return n.Error(ctx, notification)
}

func severityFor(code contracts.ErrorCode, retryable bool) Severity {
	switch code {
	case contracts.CodeAuditIntegrity:
		return SeverityCritical
	case contracts.CodeExternalSystem, contracts.CodeBackgroundJob:
		if retryable {
			return SeverityWarning
		}
		return SeverityError
	case contracts.CodeValidation, contracts.CodeAuth:
		return SeverityInfo
	default:
		return SeverityError
	}
}

func remediationActions(code contracts.ErrorCode, retryable bool) []string {
	if retryable {
		return []string{"automatic retry scheduled", "monitor the workflow status stream"}
	}
	switch code {
	case contracts.CodeAuditIntegrity:
		return []string{"freeze the workflow", "escalate to security", "export the audit trail for forensics"}
	case contracts.CodeLegalHold:
		return []string{"review the legal hold with counsel", "resume deletion once the hold is lifted"}
	default:
		return []string{"inspect the workflow state", "escalate to an operator"}
	}
}

func complianceImpact(code contracts.ErrorCode) string {
	switch code {
	case contracts.CodeExternalSystem, contracts.CodeBackgroundJob:
		return "erasure deadline at risk for the affected systems"
	case contracts.CodeAuditIntegrity:
		return "audit evidence cannot be attested"
	default:
		return ""
	}
}

// Resolve re-emits a notification with an advanced resolution status.
// Transitions only move forward: open, in_progress, then resolved or
// escalated.
func (n *Notifier) Resolve(ctx context.Context, e ErrorNotification, next ResolutionStatus) (ErrorNotification, error) {
	if !validResolutionStep(e.Resolution, next) {
		return e, contracts.Errf(contracts.CodeValidation,
			"resolution cannot move from %s to %s", e.Resolution, next)
	}
	e.Resolution = next
	e.Timestamp = n.clock().UTC()
	return e, n.publish(ctx, contracts.TopicErrorNotifications, e.WorkflowID, e)
}

func validResolutionStep(from, to ResolutionStatus) bool {
	switch from {
	case ResolutionOpen:
		return to == ResolutionInProgress || to == ResolutionResolved || to == ResolutionEscalated
	case ResolutionInProgress:
		return to == ResolutionResolved || to == ResolutionEscalated
	default:
		return false
	}
}

// Completion emits a completion notice.
func (n *Notifier) Completion(ctx context.Context, c CompletionNotice) error {
	if c.CompletedAt.IsZero() {
		c.CompletedAt = n.clock().UTC()
	}
	return n.publish(ctx, contracts.TopicCompletionNotifications, c.WorkflowID, c)
}
