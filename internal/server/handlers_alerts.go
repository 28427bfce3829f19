package server

import (
	"encoding/json"
	"net/http"
)

// handleListAlerts implements GET /alerts.
func (s *Server) handleListAlerts(w http.ResponseWriter, r *http.Request) {
	writeSuccess(w, http.StatusOK, map[string]interface{}{"alerts": s.cfg.Monitor.Alerts()})
}

type acknowledgeAlertRequest struct {
	ID int64 `json:"id"`
}

// handleAcknowledgeAlert implements POST /alerts/acknowledge.
func (s *Server) handleAcknowledgeAlert(w http.ResponseWriter, r *http.Request) {
	var req acknowledgeAlertRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErr(w, http.StatusBadRequest, "INVALID_REQUEST", "malformed request body")
		return
	}
	if !s.cfg.Monitor.AcknowledgeAlert(req.ID) {
		writeErr(w, http.StatusNotFound, "NOT_FOUND", "no alert with that id")
		return
	}
	if err := s.cfg.Store.AcknowledgeAlert(r.Context(), req.ID); err != nil {
		s.log.Error().Err(err).Int64("alert_id", req.ID).Msg("failed to persist alert acknowledgement")
	}
	writeSuccess(w, http.StatusOK, map[string]interface{}{"id": req.ID, "acknowledged": true})
}
