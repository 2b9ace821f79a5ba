// Package api is the HTTP boundary: JSON handlers over the engine facade,
// JWT role checks, per-IP rate limiting, idempotent replay and SSE feeds.
// Errors render as RFC 7807 problem details.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/veridact/erasure/pkg/contracts"
)

// ProblemDetail implements RFC 7807.
type ProblemDetail struct {
	Type     string         `json:"type"`
	Title    string         `json:"title"`
	Status   int            `json:"status"`
	Detail   string         `json:"detail,omitempty"`
	Instance string         `json:"instance,omitempty"`
	Code     string         `json:"code,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

func (p *ProblemDetail) Error() string {
	return fmt.Sprintf("%s: %s", p.Title, p.Detail)
}

func writeProblem(w http.ResponseWriter, r *http.Request, status int, title, detail string, code string, meta map[string]any) {
	p := &ProblemDetail{
		Type:     fmt.Sprintf("https://veridact.dev/errors/%d", status),
		Title:    title,
		Status:   status,
		Detail:   detail,
		Instance: r.URL.Path,
		Code:     code,
		Metadata: meta,
	}
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(p)
}

// WriteError renders any error. A contracts.Error keeps its status, code
// and metadata; everything else becomes a 500.
func WriteError(w http.ResponseWriter, r *http.Request, err error) {
	var e *contracts.Error
	if errors.As(err, &e) {
		writeProblem(w, r, e.Status, titleFor(e.Status), e.Message, string(e.Code), e.Metadata)
		return
	}
	writeProblem(w, r, http.StatusInternalServerError, "Internal Server Error", err.Error(), "", nil)
}

func titleFor(status int) string {
	if t := http.StatusText(status); t != "" {
		return t
	}
	return "Error"
}

// WriteBadRequest renders a 400.
func WriteBadRequest(w http.ResponseWriter, r *http.Request, detail string) {
	writeProblem(w, r, http.StatusBadRequest, "Bad Request", detail, string(contracts.CodeValidation), nil)
}

// WriteUnauthorized renders a 401.
func WriteUnauthorized(w http.ResponseWriter, r *http.Request, detail string) {
	if detail == "" {
		detail = "authentication required"
	}
	writeProblem(w, r, http.StatusUnauthorized, "Unauthorized", detail, string(contracts.CodeAuth), nil)
}

// WriteForbidden renders a 403.
func WriteForbidden(w http.ResponseWriter, r *http.Request, detail string) {
	if detail == "" {
		detail = "insufficient permissions"
	}
	writeProblem(w, r, http.StatusForbidden, "Forbidden", detail, string(contracts.CodeAuth), nil)
}

// WriteTooManyRequests renders a 429 with Retry-After.
func WriteTooManyRequests(w http.ResponseWriter, r *http.Request, retryAfterSeconds int) {
	w.Header().Set("Retry-After", fmt.Sprintf("%d", retryAfterSeconds))
	writeProblem(w, r, http.StatusTooManyRequests, "Too Many Requests",
		"rate limit exceeded", "", nil)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
