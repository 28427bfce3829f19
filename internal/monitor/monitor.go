// Package monitor derives dashboard state from coordinator and
// optimizer output and raises alerts when earnings, connectivity or
// resource usage cross configured thresholds.
package monitor

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/protocol-yield-orchestrator/internal/domain"
)

// Config holds the monitor's alerting thresholds (spec §4.5, §6.4).
type Config struct {
	LowEarningsThreshold       float64       // account-currency/hour below which LowEarnings fires, default 0.01
	OptimizationMinImprovement float64       // % improvement above which OptimizationAvailable fires, default 10.0
	ResourcePressureThreshold  float64       // utilization % above which ResourcePressure fires, default 90.0
	AlertDedupWindow           time.Duration // same kind+protocol within this window is suppressed, default 10m
	RecentChangesLimit         int           // number of AllocationChange rows surfaced on the dashboard, default 5
}

// DefaultConfig returns the monitor's built-in thresholds, as listed on the
// fields above. cmd/server replaces LowEarningsThreshold and
// OptimizationMinImprovement with the values loaded by internal/config.
func DefaultConfig() Config {
	return Config{
		LowEarningsThreshold:        0.01,
		OptimizationMinImprovement:  10.0,
		ResourcePressureThreshold:   90.0,
		AlertDedupWindow:            10 * time.Minute,
		RecentChangesLimit:          5,
	}
}

// HistoryReader is the subset of Coordinator the monitor depends on.
type HistoryReader interface {
	Latest() (domain.AggregatedMetrics, bool)
}

// OpportunityFinder is the subset of Optimizer the monitor depends on.
type OpportunityFinder interface {
	FindOpportunities(ctx context.Context) ([]domain.OptimizationOpportunity, error)
	OptimalAllocation(ctx context.Context) (map[string]float64, error)
}

// ChangeHistory is the subset of the persistence store the monitor reads
// recent allocation changes from.
type ChangeHistory interface {
	RecentAllocationChanges(ctx context.Context, limit int) ([]domain.AllocationChange, error)
}

// Monitor aggregates dashboard state and owns the in-memory alert log.
type Monitor struct {
	mu      sync.Mutex
	history HistoryReader
	opt     OpportunityFinder
	changes ChangeHistory
	cfg     Config
	log     zerolog.Logger

	alerts   []domain.Alert
	nextID   int64
	interval time.Duration // configured reallocation cadence, for NextReallocationIn
	lastRun  time.Time
}

// New constructs a Monitor.
func New(history HistoryReader, opt OpportunityFinder, changes ChangeHistory, cfg Config, pollInterval time.Duration, log zerolog.Logger) *Monitor {
	return &Monitor{
		history:  history,
		opt:      opt,
		changes:  changes,
		cfg:      cfg,
		interval: pollInterval,
		log:      log.With().Str("component", "monitor").Logger(),
	}
}

// NoteReallocationRun records that a reallocation cycle just ran, so
// NextReallocationIn can be computed relative to it.
func (m *Monitor) NoteReallocationRun(at time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastRun = at
}

// GetDashboardMetrics assembles the composite view the API and WebSocket
// layers serve: the latest snapshot, the best current opportunity, the
// current and optimal allocation, time until the next reallocation cycle,
// and the most recent allocation changes.
func (m *Monitor) GetDashboardMetrics(ctx context.Context) (domain.DashboardSnapshot, error) {
	latest, ok := m.history.Latest()
	if !ok {
		return domain.DashboardSnapshot{}, &domain.MonitoringError{Cause: errNoSnapshot}
	}

	var top *domain.OptimizationOpportunity
	if opps, err := m.opt.FindOpportunities(ctx); err == nil && len(opps) > 0 {
		o := opps[0]
		top = &o
	}

	optimal, err := m.opt.OptimalAllocation(ctx)
	if err != nil {
		optimal = nil
	}

	var recent []domain.AllocationChange
	if m.changes != nil {
		recent, _ = m.changes.RecentAllocationChanges(ctx, m.cfg.RecentChangesLimit)
	}

	m.mu.Lock()
	lastRun := m.lastRun
	interval := m.interval
	m.mu.Unlock()

	nextIn := time.Duration(0)
	if !lastRun.IsZero() && interval > 0 {
		elapsed := time.Since(lastRun)
		if elapsed < interval {
			nextIn = interval - elapsed
		}
	}

	return domain.DashboardSnapshot{
		Metrics:           &latest,
		TopOpportunity:    top,
		CurrentAllocation: latest.AllocationByProtocol,
		OptimalAllocation: optimal,
		NextReallocationIn: nextIn,
		RecentChanges:      recent,
	}, nil
}

// CheckAlerts evaluates every alerting rule against the latest snapshot
// and opportunity set, appending any newly-raised (non-duplicate) alerts
// to the in-memory log and returning them.
func (m *Monitor) CheckAlerts(ctx context.Context) ([]domain.Alert, error) {
	latest, ok := m.history.Latest()
	if !ok {
		return nil, &domain.MonitoringError{Cause: errNoSnapshot}
	}

	var raised []domain.Alert

	// LowEarnings: total hourly earnings below threshold.
	if latest.TotalEarningsPerHour < m.cfg.LowEarningsThreshold {
		raised = append(raised, m.raise(domain.AlertLowEarnings, "", 0.5,
			"aggregate earnings per hour have fallen below the configured threshold"))
	}

	// ConnectionLost: any protocol reporting disconnected.
	for protocol, connected := range latest.ConnectedByProtocol {
		if !connected {
			raised = append(raised, m.raise(domain.AlertConnectionLost, protocol, 0.7,
				"protocol adapter is disconnected"))
		}
	}

	// ResourcePressure: pool utilization above threshold on any dimension.
	u := latest.Utilization
	if u.CPUPercent > m.cfg.ResourcePressureThreshold ||
		u.MemoryPercent > m.cfg.ResourcePressureThreshold ||
		u.BandwidthPercent > m.cfg.ResourcePressureThreshold ||
		u.StoragePercent > m.cfg.ResourcePressureThreshold {
		raised = append(raised, m.raise(domain.AlertResourcePressure, "", 0.6,
			"resource utilization is approaching the configured pressure threshold"))
	}

	// OptimizationAvailable: a pairwise opportunity beats the configured
	// minimum improvement.
	if opps, err := m.opt.FindOpportunities(ctx); err == nil {
		for _, o := range opps {
			if latest.TotalEarningsPerHour <= domain.NumericTolerance {
				continue
			}
			pct := o.EarningsImprovement / latest.TotalEarningsPerHour * 100.0
			if pct >= m.cfg.OptimizationMinImprovement {
				raised = append(raised, m.raise(domain.AlertOptimizationAvailable, o.ToProtocol, 0.4,
					"a reallocation opportunity exceeds the configured minimum improvement"))
			}
		}
	}

	// raise returns the zero Alert (ID 0) for a suppressed duplicate.
	out := raised[:0]
	for _, a := range raised {
		if a.ID != 0 {
			out = append(out, a)
		}
	}
	return out, nil
}

// raise appends an alert to the log unless an unacknowledged alert of the
// same kind and protocol was raised within the dedup window, in which case
// it returns the zero Alert and appends nothing to the log.
func (m *Monitor) raise(kind domain.AlertKind, protocol string, severity float64, message string) domain.Alert {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	for i := len(m.alerts) - 1; i >= 0; i-- {
		existing := m.alerts[i]
		if existing.Kind != kind || existing.Protocol != protocol {
			continue
		}
		if existing.Acknowledged {
			continue
		}
		if now.Sub(existing.Timestamp) < m.cfg.AlertDedupWindow {
			return domain.Alert{} // suppressed duplicate
		}
		break
	}

	m.nextID++
	alert := domain.Alert{
		ID:        m.nextID,
		Timestamp: now,
		Kind:      kind,
		Protocol:  protocol,
		Severity:  severity,
		Message:   message,
	}
	m.alerts = append(m.alerts, alert)
	return alert
}

// RecordAlert implements reallocation.AlertSink, letting the reallocation
// engine push a ReallocationFailed alert directly into the monitor's log
// without going through CheckAlerts.
func (m *Monitor) RecordAlert(ctx context.Context, alert domain.Alert) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	alert.ID = m.nextID
	if alert.Timestamp.IsZero() {
		alert.Timestamp = time.Now()
	}
	m.alerts = append(m.alerts, alert)
	return nil
}

// Alerts returns the alert log, newest first.
func (m *Monitor) Alerts() []domain.Alert {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]domain.Alert, len(m.alerts))
	copy(out, m.alerts)
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.After(out[j].Timestamp) })
	return out
}

// AcknowledgeAlert marks an alert as acknowledged. It reports false if no
// alert with the given ID exists.
func (m *Monitor) AcknowledgeAlert(id int64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.alerts {
		if m.alerts[i].ID == id {
			m.alerts[i].Acknowledged = true
			return true
		}
	}
	return false
}

var errNoSnapshot = &noSnapshotError{}

type noSnapshotError struct{}

func (e *noSnapshotError) Error() string { return "no coordinator snapshot available yet" }
