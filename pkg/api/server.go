package api

import (
	_ "embed"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/veridact/erasure/pkg/contracts"
	"github.com/veridact/erasure/pkg/engine"
)

//go:embed request_schema.json
var requestSchemaJSON string

var requestSchema = jsonschema.MustCompileString("erasure-request.json", requestSchemaJSON)

// Server routes HTTP traffic onto the engine facade.
type Server struct {
	engine *engine.Engine
	logger *slog.Logger
}

// NewServer creates the route handler set.
func NewServer(e *engine.Engine) *Server {
	return &Server{engine: e, logger: slog.Default()}
}

// WithLogger sets the structured logger.
func (s *Server) WithLogger(l *slog.Logger) *Server {
	s.logger = l
	return s
}

// Handler builds the full middleware chain around the route mux.
func (s *Server) Handler(verifier *Verifier, limiter *RateLimiter, idem *IdempotencyStore) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("POST /erasure-request",
		requireRole(s.handleSubmit, RoleComplianceOfficer, RoleComplianceAdmin, RoleSystemAdmin))
	mux.HandleFunc("GET /erasure-request/workflows",
		requireRole(s.handleList, RoleComplianceOfficer, RoleComplianceAdmin, RoleAuditor, RoleSystemAdmin))
	mux.HandleFunc("GET /erasure-request/{id}/status",
		requireRole(s.handleStatus, RoleComplianceOfficer, RoleComplianceAdmin, RoleLegalCounsel, RoleAuditor, RoleSystemAdmin))
	mux.HandleFunc("GET /erasure-request/{id}/certificate",
		requireRole(s.handleCertificate, RoleLegalCounsel, RoleComplianceAdmin, RoleAuditor, RoleSystemAdmin))
	mux.HandleFunc("GET /erasure-request/{id}/audit",
		requireRole(s.handleAuditExport, RoleAuditor, RoleComplianceAdmin, RoleSystemAdmin))
	mux.HandleFunc("POST /erasure-request/{id}/override",
		requireRole(s.handleOverride, RoleLegalCounsel))
	mux.HandleFunc("GET /streams/{topic}",
		requireRole(s.handleStream, RoleComplianceOfficer, RoleComplianceAdmin, RoleLegalCounsel, RoleAuditor, RoleSystemAdmin))

	var h http.Handler = mux
	if idem != nil {
		h = idem.Middleware(h)
	}
	h = AuthMiddleware(verifier)(h)
	if limiter != nil {
		h = limiter.Middleware(h)
	}
	return h
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func decodeValidated(r *http.Request, schema *jsonschema.Schema, dst any) error {
	var raw json.RawMessage
	if err := json.NewDecoder(http.MaxBytesReader(nil, r.Body, 1<<20)).Decode(&raw); err != nil {
		return contracts.Errf(contracts.CodeValidation, "invalid JSON body: %v", err)
	}
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return contracts.Errf(contracts.CodeValidation, "invalid JSON body: %v", err)
	}
	if err := schema.Validate(doc); err != nil {
		return contracts.Errf(contracts.CodeValidation, "request validation failed: %v", err)
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return contracts.Errf(contracts.CodeValidation, "decode request: %v", err)
	}
	return nil
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req contracts.ErasureRequest
	if err := decodeValidated(r, requestSchema, &req); err != nil {
		WriteError(w, r, err)
		return
	}
	res, err := s.engine.Submit(r.Context(), req)
	if err != nil {
		WriteError(w, r, err)
		return
	}
	if res.Duplicate {
		writeProblem(w, r, http.StatusConflict, "Conflict",
			"an identical erasure request is already being processed",
			string(contracts.CodeWorkflowLock),
			map[string]any{"existingWorkflowId": res.WorkflowID})
		return
	}
	writeJSON(w, http.StatusCreated, res)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	status, err := s.engine.Status(r.Context(), r.PathValue("id"))
	if err != nil {
		WriteError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (s *Server) handleCertificate(w http.ResponseWriter, r *http.Request) {
	cert, err := s.engine.Certificate(r.Context(), r.PathValue("id"))
	if err != nil {
		WriteError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, cert)
}

func (s *Server) handleAuditExport(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/x-ndjson")
	if err := s.engine.ExportAudit(r.Context(), r.PathValue("id"), w); err != nil {
		s.logger.Error("audit export failed", "workflow_id", r.PathValue("id"), "error", err)
	}
}

func (s *Server) handleOverride(w http.ResponseWriter, r *http.Request) {
	var req contracts.OverrideRequest
	if err := json.NewDecoder(http.MaxBytesReader(nil, r.Body, 1<<20)).Decode(&req); err != nil {
		WriteBadRequest(w, r, "invalid JSON body: "+err.Error())
		return
	}
	status, err := s.engine.Override(r.Context(), r.PathValue("id"), req)
	if err != nil {
		WriteError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	offset, _ := strconv.Atoi(q.Get("offset"))
	limit, _ := strconv.Atoi(q.Get("limit"))
	status := contracts.WorkflowStatus(strings.ToUpper(q.Get("status")))
	page, err := s.engine.List(r.Context(), status, offset, limit)
	if err != nil {
		WriteError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, page)
}
