package server

import (
	"errors"
	"net/http"

	"github.com/CIRISAI/CIRISLens-sub000/internal/model"
	"github.com/CIRISAI/CIRISLens-sub000/internal/storage"
)

// HandleListRatchetAlerts handles GET /coherence-ratchet/alerts.
func (h *Handlers) HandleListRatchetAlerts(w http.ResponseWriter, r *http.Request) {
	since, err := queryTime(r, "since")
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}

	f := storage.AlertFilter{
		Status:    model.AlertStatus(r.URL.Query().Get("status")),
		Severity:  model.AlertSeverity(r.URL.Query().Get("severity")),
		Mechanism: model.DetectionMechanism(r.URL.Query().Get("mechanism")),
		AgentHash: r.URL.Query().Get("agent_id_hash"),
		Since:     since,
		Limit:     queryLimit(r, 100),
	}

	alerts, err := h.db.ListAlerts(r.Context(), f)
	if err != nil {
		h.writeInternalError(w, r, "failed to list alerts", err)
		return
	}
	writeJSON(w, r, http.StatusOK, map[string]any{
		"alerts": alerts,
		"count":  len(alerts),
	})
}

// HandleGetRatchetAlert handles GET /coherence-ratchet/alerts/{alert_id}.
func (h *Handlers) HandleGetRatchetAlert(w http.ResponseWriter, r *http.Request) {
	a, err := h.db.GetAlert(r.Context(), r.PathValue("alert_id"))
	if errors.Is(err, storage.ErrNotFound) {
		writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "alert not found")
		return
	}
	if err != nil {
		h.writeInternalError(w, r, "failed to get alert", err)
		return
	}
	writeJSON(w, r, http.StatusOK, a)
}

// HandleRunRatchet handles POST /coherence-ratchet/run (full tier): runs all
// five mechanisms immediately. Alert IDs are deterministic per mechanism and
// period, so re-runs are idempotent.
func (h *Handlers) HandleRunRatchet(w http.ResponseWriter, r *http.Request) {
	created, err := h.analyzer.RunAll(r.Context())
	if err != nil {
		h.writeInternalError(w, r, "analysis run failed", err)
		return
	}
	writeJSON(w, r, http.StatusOK, map[string]any{
		"status":         "completed",
		"alerts_created": created,
	})
}

// HandleAcknowledgeAlert handles PUT /coherence-ratchet/alerts/{alert_id}/acknowledge.
func (h *Handlers) HandleAcknowledgeAlert(w http.ResponseWriter, r *http.Request) {
	var req model.AcknowledgeAlertRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	by := req.AcknowledgedBy
	if by == "" {
		if claims := ClaimsFromContext(r.Context()); claims != nil {
			by = claims.Subject
		}
	}

	alertID := r.PathValue("alert_id")
	ok, err := h.db.AcknowledgeAlert(r.Context(), alertID, by)
	if err != nil {
		h.writeInternalError(w, r, "failed to acknowledge alert", err)
		return
	}
	if !ok {
		writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "alert not found or not open")
		return
	}
	writeJSON(w, r, http.StatusOK, map[string]string{"alert_id": alertID, "status": "acknowledged"})
}

// HandleResolveAlert handles PUT /coherence-ratchet/alerts/{alert_id}/resolve.
func (h *Handlers) HandleResolveAlert(w http.ResponseWriter, r *http.Request) {
	var req model.ResolveAlertRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}

	alertID := r.PathValue("alert_id")
	ok, err := h.db.ResolveAlert(r.Context(), alertID, req.ResolutionNote)
	if err != nil {
		h.writeInternalError(w, r, "failed to resolve alert", err)
		return
	}
	if !ok {
		writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "alert not found")
		return
	}
	writeJSON(w, r, http.StatusOK, map[string]string{"alert_id": alertID, "status": "resolved"})
}
