package server

import (
	"context"
	"time"

	"github.com/aristath/protocol-yield-orchestrator/internal/domain"
)

// MetricsSource is the coordinator surface the API reads from.
// coordinator.Coordinator satisfies it.
type MetricsSource interface {
	Latest() (domain.AggregatedMetrics, bool)
	Adapters() []string
}

// PlanSource is the optimizer surface the API reads from.
// optimizer.Optimizer satisfies it.
type PlanSource interface {
	FindOpportunities(ctx context.Context) ([]domain.OptimizationOpportunity, error)
	OptimalAllocation(ctx context.Context) (map[string]float64, error)
}

// Reallocator is the reallocation engine surface the API drives.
// reallocation.Engine satisfies it.
type Reallocator interface {
	ExecuteReallocation(ctx context.Context, current, targets map[string]float64, reason string) ([]domain.AllocationChange, error)
}

// DashboardSource is the monitor surface the API reads from and mutates.
// monitor.Monitor satisfies it.
type DashboardSource interface {
	GetDashboardMetrics(ctx context.Context) (domain.DashboardSnapshot, error)
	Alerts() []domain.Alert
	AcknowledgeAlert(id int64) bool
}

// PersistSource is the store surface the API reads and writes.
// store.Store satisfies it.
type PersistSource interface {
	GetMetricsForPeriod(ctx context.Context, start, end time.Time) ([]domain.AggregatedMetrics, error)
	RecentAllocationChanges(ctx context.Context, limit int) ([]domain.AllocationChange, error)
	AcknowledgeAlert(ctx context.Context, id int64) error
	CreateApiKey(ctx context.Context, key domain.ApiKey) error
	AllApiKeys(ctx context.Context) ([]domain.ApiKey, error)
	GetApiKey(ctx context.Context, id string) (domain.ApiKey, bool, error)
	UpdateApiKey(ctx context.Context, key domain.ApiKey) error
	RevokeApiKey(ctx context.Context, id string) error
}
