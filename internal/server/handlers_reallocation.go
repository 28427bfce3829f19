package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/aristath/protocol-yield-orchestrator/internal/domain"
)

type reallocateRequest struct {
	Allocation map[string]float64 `json:"allocation"`
	Reason     string              `json:"reason"`
}

// handleReallocate implements POST /reallocate.
func (s *Server) handleReallocate(w http.ResponseWriter, r *http.Request) {
	var req reallocateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErr(w, http.StatusBadRequest, "INVALID_ALLOCATION", "malformed request body")
		return
	}
	if len(req.Allocation) == 0 {
		writeErr(w, http.StatusBadRequest, "INVALID_ALLOCATION", "allocation must declare at least one protocol")
		return
	}

	sum := 0.0
	for _, v := range req.Allocation {
		sum += v
	}
	if diff := sum - 1.0; diff > domain.NumericTolerance || diff < -domain.NumericTolerance {
		writeErr(w, http.StatusBadRequest, "INVALID_ALLOCATION", "allocation fractions must sum to 1.0")
		return
	}

	var current map[string]float64
	if latest, ok := s.cfg.Coordinator.Latest(); ok {
		current = latest.AllocationByProtocol
	}

	changes, err := s.cfg.Reallocation.ExecuteReallocation(r.Context(), current, req.Allocation, req.Reason)
	if err != nil {
		status, code := reallocationErrorStatus(err)
		writeErr(w, status, code, err.Error())
		return
	}

	writeSuccess(w, http.StatusOK, map[string]interface{}{"changes": changes})
}

// reallocationErrorStatus distinguishes a preflight rejection (sum/bounds/
// hold-duration/rate-cap, none of which touched an adapter) from an
// in-flight execution failure (an adapter call actually failed, possibly
// triggering rollback).
func reallocationErrorStatus(err error) (int, string) {
	var realloc *domain.ReallocationError
	if !errors.As(err, &realloc) {
		return http.StatusInternalServerError, "INTERNAL_ERROR"
	}
	var allocErr *domain.AllocationError
	var calcErr *domain.CalculationError
	if errors.As(realloc, &allocErr) || errors.As(realloc, &calcErr) {
		return http.StatusTooManyRequests, "CANNOT_REALLOCATE"
	}
	return http.StatusInternalServerError, "REALLOCATION_ERROR"
}

// handleReallocationHistory implements GET /reallocation/history.
func (s *Server) handleReallocationHistory(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", 100)
	changes, err := s.cfg.Store.RecentAllocationChanges(r.Context(), limit)
	if err != nil {
		writeDomainErr(w, err)
		return
	}
	writeSuccess(w, http.StatusOK, map[string]interface{}{"changes": changes})
}
