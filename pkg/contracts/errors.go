package contracts

import (
	"errors"
	"fmt"
	"time"
)

// ErrorCode is the taxonomy tag carried by every engine error.
type ErrorCode string

const (
	CodeValidation     ErrorCode = "VALIDATION"
	CodeAuth           ErrorCode = "AUTH"
	CodeWorkflowLock   ErrorCode = "WORKFLOW_LOCK"
	CodeWorkflowState  ErrorCode = "WORKFLOW_STATE"
	CodeExternalSystem ErrorCode = "EXTERNAL_SYSTEM"
	CodeBackgroundJob  ErrorCode = "BACKGROUND_JOB"
	CodePIIAgent       ErrorCode = "PII_AGENT"
	CodeAuditIntegrity ErrorCode = "AUDIT_INTEGRITY"
	CodeCertificate    ErrorCode = "CERTIFICATE"
	CodePolicyConfig   ErrorCode = "POLICY_CONFIG"
	CodeLegalHold      ErrorCode = "LEGAL_HOLD"
)

// Classification mirrors retryability semantics for callers that schedule
// work, after the ErrorIR convention.
const (
	ClassRetryable    = "RETRYABLE"
	ClassNonRetryable = "NON_RETRYABLE"
	ClassCompensation = "COMPENSATION_REQUIRED"
)

// Error is the structured error value used across the engine. Matching is
// done on Code equality, never on message substrings.
type Error struct {
	Code           ErrorCode      `json:"code"`
	Status         int            `json:"status"`
	Message        string         `json:"message"`
	Classification string         `json:"classification"`
	Timestamp      time.Time      `json:"timestamp"`
	Metadata       map[string]any `json:"metadata,omitempty"`
	cause          error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap exposes the wrapped cause to errors.Is/As.
func (e *Error) Unwrap() error { return e.cause }

// WithCause attaches an underlying error.
func (e *Error) WithCause(err error) *Error {
	e.cause = err
	return e
}

// WithMeta attaches one metadata key. Returns the receiver for chaining.
func (e *Error) WithMeta(key string, value any) *Error {
	if e.Metadata == nil {
		e.Metadata = make(map[string]any, 1)
	}
	e.Metadata[key] = value
	return e
}

// NewError constructs a structured error with the given taxonomy tag.
func NewError(code ErrorCode, status int, classification, format string, args ...any) *Error {
	return &Error{
		Code:           code,
		Status:         status,
		Message:        fmt.Sprintf(format, args...),
		Classification: classification,
		Timestamp:      time.Now().UTC(),
	}
}

// Errf is shorthand for a non-retryable error with the given code and a
// status inferred from the taxonomy.
func Errf(code ErrorCode, format string, args ...any) *Error {
	return NewError(code, defaultStatus(code), ClassNonRetryable, format, args...)
}

// Retryablef marks an error as safe to retry.
func Retryablef(code ErrorCode, format string, args ...any) *Error {
	return NewError(code, defaultStatus(code), ClassRetryable, format, args...)
}

func defaultStatus(code ErrorCode) int {
	switch code {
	case CodeValidation:
		return 400
	case CodeAuth:
		return 403
	case CodeWorkflowLock:
		return 409
	case CodeWorkflowState:
		return 409
	case CodePolicyConfig:
		return 500
	case CodeLegalHold:
		return 423
	default:
		return 500
	}
}

// CodeOf extracts the taxonomy tag, or "" for foreign errors.
func CodeOf(err error) ErrorCode {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// IsCode reports whether err carries the given taxonomy tag.
func IsCode(err error, code ErrorCode) bool {
	return CodeOf(err) == code
}

// IsRetryable reports whether err is classified retryable. Foreign errors
// default to retryable so that transient connector failures re-enter the
// retry path.
func IsRetryable(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Classification == ClassRetryable
	}
	return true
}
