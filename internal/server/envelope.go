package server

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/aristath/protocol-yield-orchestrator/internal/domain"
)

// envelope is the uniform response shape spec §6.1 requires on every
// endpoint: {success, data, timestamp} or {error, message, timestamp}.
type envelope struct {
	Success   bool        `json:"success"`
	Data      interface{} `json:"data,omitempty"`
	Error     string      `json:"error,omitempty"`
	Message   string      `json:"message,omitempty"`
	Timestamp string      `json:"timestamp"`
}

func writeSuccess(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(envelope{
		Success:   true,
		Data:      data,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

func writeErr(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(envelope{
		Success:   false,
		Error:     code,
		Message:   message,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

// writeDomainErr maps a core error kind to the status/code pair spec §7
// assigns it. Callers that already know the status (e.g. NO_DATA, 404)
// should call writeErr directly instead.
func writeDomainErr(w http.ResponseWriter, err error) {
	switch err.(type) {
	case *domain.OptimizationError:
		writeErr(w, http.StatusInternalServerError, "INTERNAL_ERROR", err.Error())
	case *domain.ReallocationError:
		writeErr(w, http.StatusInternalServerError, "REALLOCATION_ERROR", err.Error())
	case *domain.MonitoringError:
		writeErr(w, http.StatusInternalServerError, "INTERNAL_ERROR", err.Error())
	case *domain.DataError:
		writeErr(w, http.StatusInternalServerError, "INTERNAL_ERROR", err.Error())
	case *domain.CoordinationError:
		writeErr(w, http.StatusInternalServerError, "INTERNAL_ERROR", err.Error())
	default:
		writeErr(w, http.StatusInternalServerError, "INTERNAL_ERROR", err.Error())
	}
}
