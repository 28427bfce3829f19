package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/protocol-yield-orchestrator/internal/backup"
	"github.com/aristath/protocol-yield-orchestrator/internal/domain"
	"github.com/aristath/protocol-yield-orchestrator/internal/events"
)

// Poller is the coordinator surface TickJob depends on.
type Poller interface {
	PollAll(ctx context.Context) (domain.AggregatedMetrics, error)
}

// PlanBuilder is the optimizer surface TickJob depends on.
type PlanBuilder interface {
	BuildPlan(ctx context.Context) (domain.AllocationPlan, error)
	ShouldReallocate(plan domain.AllocationPlan, currentEarnings float64) bool
}

// Reallocator is the reallocation engine surface TickJob depends on.
type Reallocator interface {
	ExecuteReallocation(ctx context.Context, current, targets map[string]float64, reason string) ([]domain.AllocationChange, error)
}

// AlertChecker is the monitor surface TickJob depends on.
type AlertChecker interface {
	CheckAlerts(ctx context.Context) ([]domain.Alert, error)
	NoteReallocationRun(at time.Time)
}

// SnapshotRecorder is the store surface TickJob depends on for the poll
// half of the cycle.
type SnapshotRecorder interface {
	RecordSnapshot(ctx context.Context, snap domain.AggregatedMetrics) error
	RecordAlert(ctx context.Context, alert domain.Alert) error
}

// TickJob runs one poll → monitor → optimize → reallocate cycle. It is
// the heartbeat of the orchestrator: registered on a short interval
// (spec default 30s) via Scheduler.AddJob.
type TickJob struct {
	poller      Poller
	optimizer   PlanBuilder
	reallocator Reallocator
	alerts      AlertChecker
	store       SnapshotRecorder
	bus         *events.Bus
	log         zerolog.Logger
}

// NewTickJob constructs a TickJob. bus may be nil if no WebSocket layer
// is active.
func NewTickJob(poller Poller, optimizer PlanBuilder, reallocator Reallocator, alerts AlertChecker, store SnapshotRecorder, bus *events.Bus, log zerolog.Logger) *TickJob {
	return &TickJob{
		poller:      poller,
		optimizer:   optimizer,
		reallocator: reallocator,
		alerts:      alerts,
		store:       store,
		bus:         bus,
		log:         log.With().Str("component", "scheduler.tick").Logger(),
	}
}

// Name implements Job.
func (j *TickJob) Name() string { return "tick" }

// Run implements Job.
func (j *TickJob) Run() error {
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	snapshot, err := j.poller.PollAll(ctx)
	if err != nil {
		return fmt.Errorf("poll adapters: %w", err)
	}
	if err := j.store.RecordSnapshot(ctx, snapshot); err != nil {
		j.log.Error().Err(err).Msg("failed to persist metrics snapshot")
	}
	j.publish(events.MetricsUpdated, snapshot)

	raised, err := j.alerts.CheckAlerts(ctx)
	if err != nil {
		j.log.Error().Err(err).Msg("alert check failed")
	}
	for _, alert := range raised {
		if err := j.store.RecordAlert(ctx, alert); err != nil {
			j.log.Error().Err(err).Str("kind", string(alert.Kind)).Msg("failed to persist alert")
		}
		j.publish(events.AlertRaised, alert)
	}

	plan, err := j.optimizer.BuildPlan(ctx)
	if err != nil {
		j.log.Warn().Err(err).Msg("optimizer could not build a plan this tick")
		return nil
	}
	if !j.optimizer.ShouldReallocate(plan, snapshot.TotalEarningsPerHour) {
		return nil
	}

	changes, err := j.reallocator.ExecuteReallocation(ctx, snapshot.AllocationByProtocol, plan.Targets, "optimizer: projected improvement exceeds threshold")
	j.alerts.NoteReallocationRun(time.Now())
	if err != nil {
		j.log.Error().Err(err).Msg("reallocation failed")
		j.publish(events.ReallocationFailed, err.Error())
		return nil
	}
	for _, change := range changes {
		j.publish(events.AllocationChanged, change)
	}
	return nil
}

func (j *TickJob) publish(t events.Type, data interface{}) {
	if j.bus != nil {
		j.bus.Publish(t, data)
	}
}

// Retainer is the store surface RetentionJob depends on.
type Retainer interface {
	ApplyRetention(ctx context.Context, retentionDays, maxReallocations, maxAlerts int) error
}

// RetentionJob prunes aged rows out of the metrics/reallocations/alerts
// tables on a daily schedule.
type RetentionJob struct {
	store            Retainer
	retentionDays    int
	maxReallocations int
	maxAlerts        int
	log              zerolog.Logger
}

// NewRetentionJob constructs a RetentionJob.
func NewRetentionJob(store Retainer, retentionDays, maxReallocations, maxAlerts int, log zerolog.Logger) *RetentionJob {
	return &RetentionJob{
		store:            store,
		retentionDays:    retentionDays,
		maxReallocations: maxReallocations,
		maxAlerts:        maxAlerts,
		log:              log.With().Str("component", "scheduler.retention").Logger(),
	}
}

// Name implements Job.
func (j *RetentionJob) Name() string { return "retention" }

// Run implements Job.
func (j *RetentionJob) Run() error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := j.store.ApplyRetention(ctx, j.retentionDays, j.maxReallocations, j.maxAlerts); err != nil {
		return fmt.Errorf("apply retention: %w", err)
	}
	return nil
}

// BackupJob exports the audit trail to S3 and rotates old exports. It is
// a no-op if exporter is nil (backups disabled, spec §11).
type BackupJob struct {
	exporter      *backup.Exporter
	retentionDays int
	log           zerolog.Logger
}

// NewBackupJob constructs a BackupJob.
func NewBackupJob(exporter *backup.Exporter, retentionDays int, log zerolog.Logger) *BackupJob {
	return &BackupJob{exporter: exporter, retentionDays: retentionDays, log: log.With().Str("component", "scheduler.backup").Logger()}
}

// Name implements Job.
func (j *BackupJob) Name() string { return "backup" }

// Run implements Job.
func (j *BackupJob) Run() error {
	if j.exporter == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	if err := j.exporter.Export(ctx); err != nil {
		return fmt.Errorf("export audit trail: %w", err)
	}
	if err := j.exporter.Rotate(ctx, j.retentionDays); err != nil {
		j.log.Warn().Err(err).Msg("audit export rotation failed")
	}
	return nil
}

// RingSnapshotter is the coordinator surface SnapshotCacheJob persists.
type RingSnapshotter interface {
	Snapshot() []domain.AggregatedMetrics
}

// RingCache is the cache surface SnapshotCacheJob writes to.
type RingCache interface {
	Save(snapshots []domain.AggregatedMetrics) error
}

// SnapshotCacheJob periodically warm-persists the coordinator's in-memory
// ring buffer so a restart doesn't lose recent history (spec §12).
type SnapshotCacheJob struct {
	coord RingSnapshotter
	cache RingCache
	log   zerolog.Logger
}

// NewSnapshotCacheJob constructs a SnapshotCacheJob.
func NewSnapshotCacheJob(coord RingSnapshotter, cache RingCache, log zerolog.Logger) *SnapshotCacheJob {
	return &SnapshotCacheJob{coord: coord, cache: cache, log: log.With().Str("component", "scheduler.snapshotcache").Logger()}
}

// Name implements Job.
func (j *SnapshotCacheJob) Name() string { return "snapshot_cache" }

// Run implements Job.
func (j *SnapshotCacheJob) Run() error {
	if err := j.cache.Save(j.coord.Snapshot()); err != nil {
		return fmt.Errorf("save ring snapshot cache: %w", err)
	}
	return nil
}
