// Package domain holds the shared data model described by the orchestrator
// specification: protocol identities, allocation strategies, earnings and
// resource samples, snapshots, plans, opportunities, audit rows and alerts.
// Nothing in this package talks to adapters, the database or the network —
// it is the vocabulary every other package shares.
package domain

import (
	"sort"
	"time"
)

// NumericTolerance is the equality tolerance used throughout for fractional
// allocations (spec §9 "Numeric semantics").
const NumericTolerance = 1e-6

// ConnectionState is one of Connected, Connecting, Disconnected or Error.
type ConnectionState string

const (
	StateDisconnected ConnectionState = "disconnected"
	StateConnecting   ConnectionState = "connecting"
	StateConnected    ConnectionState = "connected"
	StateError        ConnectionState = "error"
)

// ConnectionStatus reports an adapter's current connection state. Message
// is populated only when State is StateError.
type ConnectionStatus struct {
	State   ConnectionState `json:"state"`
	Message string          `json:"message,omitempty"`
}

// HealthStatus is returned by an adapter's HealthCheck regardless of
// connection state.
type HealthStatus struct {
	IsHealthy    bool      `json:"is_healthy"`
	UptimePct    float64   `json:"uptime_percent"`
	LastError    string    `json:"last_error,omitempty"`
	LastCheckAt  time.Time `json:"last_check_at"`
}

// Bounds declares the per-protocol allowed range for each resource
// fraction, configured at registration time (spec §6.4).
type Bounds struct {
	MinAllocation float64 `json:"min_allocation"`
	MaxAllocation float64 `json:"max_allocation"`
}

// AllocationStrategy is the fraction of the operator's pool offered to a
// protocol along resource dimensions, plus priority and protocol-specific
// options.
type AllocationStrategy struct {
	CPU      float64                `json:"cpu"`
	Memory   float64                `json:"memory"`
	Bandwidth float64               `json:"bandwidth"`
	Storage  float64                `json:"storage"`
	Priority int                    `json:"priority"` // [1,10]
	Options  map[string]float64     `json:"options,omitempty"`
}

// Fraction returns the single scalar "current allocation" figure the
// optimizer and reallocation engine reason about. The reference adapters
// each declare which dimension dominates; by convention the dominant
// dimension's value is mirrored across all four fields by the adapter, so
// any one of them is representative. CPU is used as the canonical field.
func (a AllocationStrategy) Fraction() float64 {
	return a.CPU
}

// WithFraction returns a copy of the strategy with every dimension set to
// the given fraction — used when the optimizer emits a single scalar
// target per protocol and adapters want a full AllocationStrategy.
func WithFraction(f float64, priority int) AllocationStrategy {
	return AllocationStrategy{CPU: f, Memory: f, Bandwidth: f, Storage: f, Priority: priority}
}

// EarningsData is one earnings sample for a protocol.
type EarningsData struct {
	Timestamp            time.Time              `json:"timestamp"`
	EarningsAccountCurrency float64              `json:"earnings_account_currency"`
	EarningsNativeToken   float64                `json:"earnings_native_token"`
	NativeTokenSymbol     string                 `json:"native_token_symbol"`
	HourlyRateAccountCurrency float64            `json:"hourly_rate_account_currency"`
	Extra                 map[string]interface{} `json:"extra,omitempty"`
}

// ResourceMetrics is one resource-usage sample for a protocol.
type ResourceMetrics struct {
	Timestamp  time.Time `json:"timestamp"`
	CPUPercent float64   `json:"cpu_percent"`
	MemoryMB   float64   `json:"memory_mb"`
	BandwidthMbps float64 `json:"bandwidth_mbps"`
	StorageGB  float64   `json:"storage_gb"`
	DiskIOMBps *float64  `json:"disk_io_mbps,omitempty"`
	LatencyMs  *float64  `json:"latency_ms,omitempty"`
}

// ResourceUtilization summarizes pool usage across all protocols.
type ResourceUtilization struct {
	CPUPercent        float64 `json:"cpu_percent"`
	MemoryPercent     float64 `json:"memory_percent"`
	BandwidthPercent  float64 `json:"bandwidth_percent"`
	StoragePercent    float64 `json:"storage_percent"`
	DisconnectedCount int     `json:"disconnected_count"`
}

// AggregatedMetrics is one timestamped coordinator snapshot.
type AggregatedMetrics struct {
	Timestamp           time.Time            `json:"timestamp"`
	TotalEarningsPerHour float64             `json:"total_earnings_per_hour"`
	EarningsByProtocol  map[string]float64   `json:"earnings_by_protocol"`
	AllocationByProtocol map[string]float64  `json:"allocation_by_protocol"`
	Utilization         ResourceUtilization  `json:"utilization"`
	ConnectedByProtocol map[string]bool      `json:"connected_by_protocol"`
}

// Protocols returns the snapshot's registered protocol keys, sorted.
func (m AggregatedMetrics) Protocols() []string {
	out := make([]string, 0, len(m.ConnectedByProtocol))
	for p := range m.ConnectedByProtocol {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

// OptimizationOpportunity is a single pairwise reallocation suggestion.
type OptimizationOpportunity struct {
	FromProtocol       string  `json:"from_protocol"`
	ToProtocol         string  `json:"to_protocol"`
	CurrentRate        float64 `json:"current_rate"`
	ProjectedRate      float64 `json:"projected_rate"`
	EarningsImprovement float64 `json:"earnings_improvement"`
	Confidence         float64 `json:"confidence"`
	Complexity         float64 `json:"complexity"`
}

// AllocationPlan is a proposed allocation for every registered protocol.
type AllocationPlan struct {
	Targets             map[string]float64 `json:"targets"`
	EstimatedImprovement float64            `json:"estimated_improvement"`
	EstimatedCost        float64            `json:"estimated_cost"`
	NetBenefit           float64            `json:"net_benefit"`
	ROIPercent           float64            `json:"roi_percent"`
	Confidence           float64            `json:"confidence"`
	CreatedAt            time.Time          `json:"created_at"`
}

// SumTargets returns the sum of all target fractions in the plan.
func (p AllocationPlan) SumTargets() float64 {
	sum := 0.0
	for _, v := range p.Targets {
		sum += v
	}
	return sum
}

// AllocationChange is one append-only audit row.
type AllocationChange struct {
	ID             int64     `json:"id"`
	Timestamp      time.Time `json:"timestamp"`
	Protocol       string    `json:"protocol"`
	OldFraction    float64   `json:"old_fraction"`
	NewFraction    float64   `json:"new_fraction"`
	EarningsImpact *float64  `json:"earnings_impact"`
	Reason         string    `json:"reason"`
}

// AlertKind enumerates the monitor's alert categories.
type AlertKind string

const (
	AlertLowEarnings         AlertKind = "LowEarnings"
	AlertOptimizationAvailable AlertKind = "OptimizationAvailable"
	AlertConnectionLost      AlertKind = "ConnectionLost"
	AlertResourcePressure    AlertKind = "ResourcePressure"
	AlertReallocationFailed  AlertKind = "ReallocationFailed"
)

// Alert is one monitor-raised alert row.
type Alert struct {
	ID           int64     `json:"id"`
	Timestamp    time.Time `json:"timestamp"`
	Kind         AlertKind `json:"kind"`
	Protocol     string    `json:"protocol,omitempty"`
	Severity     float64   `json:"severity"`
	Message      string    `json:"message"`
	Acknowledged bool      `json:"acknowledged"`
}

// DashboardSnapshot is the derived, composite view the monitor hands to
// the API and WebSocket layers.
type DashboardSnapshot struct {
	Metrics              *AggregatedMetrics        `json:"metrics,omitempty"`
	TopOpportunity        *OptimizationOpportunity  `json:"top_opportunity,omitempty"`
	CurrentAllocation     map[string]float64        `json:"current_allocation"`
	OptimalAllocation     map[string]float64        `json:"optimal_allocation"`
	NextReallocationIn     time.Duration             `json:"next_reallocation_in"`
	RecentChanges          []AllocationChange        `json:"recent_changes"`
}

// Permission is one of the four API permission scopes.
type Permission string

const (
	PermissionRead   Permission = "read"
	PermissionWrite  Permission = "write"
	PermissionAdmin  Permission = "admin"
	PermissionDelete Permission = "delete"
)

// ApiKey is a caller-facing API credential. KeyHash is never the plaintext
// key — only a salted bcrypt hash is ever persisted.
type ApiKey struct {
	ID                 string       `json:"id"`
	Name               string       `json:"name"`
	Description        string       `json:"description,omitempty"`
	KeyHash            string       `json:"-"`
	Prefix             string       `json:"prefix"`
	CreatedAt          time.Time    `json:"created_at"`
	ExpiresAt          *time.Time   `json:"expires_at,omitempty"`
	LastUsedAt         *time.Time   `json:"last_used_at,omitempty"`
	IsActive           bool         `json:"is_active"`
	RateLimitPerMinute int          `json:"rate_limit_per_minute"`
	Permissions        []Permission `json:"permissions"`
}

// HasPermission reports whether the key carries the given permission.
func (k ApiKey) HasPermission(p Permission) bool {
	for _, have := range k.Permissions {
		if have == p {
			return true
		}
	}
	return false
}

// Expired reports whether the key has a set, past expiration.
func (k ApiKey) Expired(now time.Time) bool {
	return k.ExpiresAt != nil && now.After(*k.ExpiresAt)
}
