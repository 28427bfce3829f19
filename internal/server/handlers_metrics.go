package server

import (
	"net/http"
	"strconv"
	"time"
)

// handleHealth implements GET /health (S1: always 200, no auth).
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeSuccess(w, http.StatusOK, map[string]string{"status": "healthy"})
}

// handleStatus implements GET /status: a lighter liveness view than
// /dashboard, safe to expose without authentication.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	_, hasSnapshot := s.cfg.Coordinator.Latest()
	writeSuccess(w, http.StatusOK, map[string]interface{}{
		"status":           "running",
		"adapters":         s.cfg.Coordinator.Adapters(),
		"has_snapshot":     hasSnapshot,
		"subscriber_count": s.cfg.Bus.SubscriberCount(),
		"host":             s.cfg.HostMetrics.Read(),
	})
}

// handleMetrics implements GET /metrics.
func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	latest, ok := s.cfg.Coordinator.Latest()
	if !ok {
		writeErr(w, http.StatusNotFound, "NO_DATA", "no metrics snapshot has been taken yet")
		return
	}
	writeSuccess(w, http.StatusOK, latest)
}

// handleMetricsHistory implements GET /metrics/history?hours=H&limit=L.
func (s *Server) handleMetricsHistory(w http.ResponseWriter, r *http.Request) {
	hours := queryInt(r, "hours", 24)
	limit := queryInt(r, "limit", 100)

	var history []interface{}
	if hours > 0 {
		start := time.Now().Add(-time.Duration(hours) * time.Hour)
		snapshots, err := s.cfg.Store.GetMetricsForPeriod(r.Context(), start, time.Now())
		if err != nil {
			writeDomainErr(w, err)
			return
		}
		if limit > 0 && len(snapshots) > limit {
			snapshots = snapshots[len(snapshots)-limit:]
		}
		for _, snap := range snapshots {
			history = append(history, snap)
		}
	}
	writeSuccess(w, http.StatusOK, map[string]interface{}{"snapshots": history})
}

// handleOpportunities implements GET /opportunities?limit=L.
func (s *Server) handleOpportunities(w http.ResponseWriter, r *http.Request) {
	opportunities, err := s.cfg.Optimizer.FindOpportunities(r.Context())
	if err != nil {
		writeDomainErr(w, err)
		return
	}
	limit := queryInt(r, "limit", 0)
	if limit > 0 && len(opportunities) > limit {
		opportunities = opportunities[:limit]
	}
	writeSuccess(w, http.StatusOK, map[string]interface{}{"opportunities": opportunities})
}

// handleAllocation implements GET /allocation: the current allocation
// (from the latest snapshot) alongside the optimizer's target (invariant
// 6, the round-trip property).
func (s *Server) handleAllocation(w http.ResponseWriter, r *http.Request) {
	current := map[string]float64{}
	if latest, ok := s.cfg.Coordinator.Latest(); ok {
		current = latest.AllocationByProtocol
	}
	optimal, err := s.cfg.Optimizer.OptimalAllocation(r.Context())
	if err != nil {
		writeDomainErr(w, err)
		return
	}
	writeSuccess(w, http.StatusOK, map[string]interface{}{
		"current_allocation": current,
		"optimal_allocation": optimal,
	})
}

// handleDashboard implements GET /dashboard.
func (s *Server) handleDashboard(w http.ResponseWriter, r *http.Request) {
	snapshot, err := s.cfg.Monitor.GetDashboardMetrics(r.Context())
	if err != nil {
		writeDomainErr(w, err)
		return
	}
	writeSuccess(w, http.StatusOK, snapshot)
}

func queryInt(r *http.Request, name string, def int) int {
	v := r.URL.Query().Get(name)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}
