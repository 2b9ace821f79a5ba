package api

import (
	"encoding/json"
	"net/http"

	"github.com/veridact/erasure/pkg/contracts"
	"github.com/veridact/erasure/pkg/stream"
)

// streamTopics maps URL segments onto stream topics and the roles allowed
// to subscribe.
var streamTopics = map[string]struct {
	topic string
	roles []string
}{
	"workflow-status": {
		topic: contracts.TopicWorkflowStatus,
		roles: []string{RoleComplianceOfficer, RoleComplianceAdmin, RoleLegalCounsel, RoleAuditor, RoleSystemAdmin},
	},
	"error-notifications": {
		topic: contracts.TopicErrorNotifications,
		roles: []string{RoleComplianceOfficer, RoleComplianceAdmin, RoleSystemAdmin},
	},
	"completion-notifications": {
		topic: contracts.TopicCompletionNotifications,
		roles: []string{RoleComplianceOfficer, RoleComplianceAdmin, RoleLegalCounsel, RoleAuditor, RoleSystemAdmin},
	},
}

// workflowFilter narrows a subscription to one workflow by inspecting the
// payload's workflow_id field.
func workflowFilter(workflowID string) stream.Filter {
	if workflowID == "" {
		return nil
	}
	return func(ev stream.Event) bool {
		var probe struct {
			WorkflowID string `json:"workflow_id"`
		}
		if err := json.Unmarshal(ev.Payload, &probe); err != nil {
			return false
		}
		return probe.WorkflowID == workflowID
	}
}

// handleStream serves a long-lived server-sent events feed.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	spec, ok := streamTopics[r.PathValue("topic")]
	if !ok {
		WriteBadRequest(w, r, "unknown stream "+r.PathValue("topic"))
		return
	}
	claims, ok := ClaimsFrom(r.Context())
	if !ok || !claims.HasRole(spec.roles...) {
		WriteForbidden(w, r, "")
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		WriteError(w, r, contracts.Errf(contracts.CodeValidation, "streaming unsupported by connection"))
		return
	}

	sub, err := s.engine.Events().Subscribe(r.Context(), spec.topic,
		workflowFilter(r.URL.Query().Get("workflowId")))
	if err != nil {
		WriteError(w, r, err)
		return
	}
	defer sub.Cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case ev, ok := <-sub.Events():
			if !ok {
				return
			}
			if _, err := w.Write([]byte("id: " + ev.ID + "\nevent: " + ev.Topic + "\ndata: ")); err != nil {
				return
			}
			if _, err := w.Write(ev.Payload); err != nil {
				return
			}
			if _, err := w.Write([]byte("\n\n")); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}
