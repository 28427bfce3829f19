package scheduler_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/protocol-yield-orchestrator/internal/domain"
	"github.com/aristath/protocol-yield-orchestrator/internal/events"
	"github.com/aristath/protocol-yield-orchestrator/internal/scheduler"
)

type fakePoller struct {
	snapshot domain.AggregatedMetrics
	err      error
}

func (f fakePoller) PollAll(ctx context.Context) (domain.AggregatedMetrics, error) {
	return f.snapshot, f.err
}

type fakePlanBuilder struct {
	plan    domain.AllocationPlan
	build   bool
	should  bool
}

func (f fakePlanBuilder) BuildPlan(ctx context.Context) (domain.AllocationPlan, error) {
	if !f.build {
		return domain.AllocationPlan{}, errors.New("no plan")
	}
	return f.plan, nil
}

func (f fakePlanBuilder) ShouldReallocate(plan domain.AllocationPlan, currentEarnings float64) bool {
	return f.should
}

type fakeReallocator struct {
	changes []domain.AllocationChange
	err     error
	called  bool
}

func (f *fakeReallocator) ExecuteReallocation(ctx context.Context, current, targets map[string]float64, reason string) ([]domain.AllocationChange, error) {
	f.called = true
	return f.changes, f.err
}

type fakeAlertChecker struct {
	alerts []domain.Alert
	noted  bool
}

func (f *fakeAlertChecker) CheckAlerts(ctx context.Context) ([]domain.Alert, error) {
	return f.alerts, nil
}

func (f *fakeAlertChecker) NoteReallocationRun(at time.Time) { f.noted = true }

type fakeStore struct {
	snapshots []domain.AggregatedMetrics
	alerts    []domain.Alert
}

func (f *fakeStore) RecordSnapshot(ctx context.Context, snap domain.AggregatedMetrics) error {
	f.snapshots = append(f.snapshots, snap)
	return nil
}

func (f *fakeStore) RecordAlert(ctx context.Context, alert domain.Alert) error {
	f.alerts = append(f.alerts, alert)
	return nil
}

func TestTickJobSkipsReallocationWhenNotWarranted(t *testing.T) {
	poller := fakePoller{snapshot: domain.AggregatedMetrics{TotalEarningsPerHour: 5}}
	planBuilder := fakePlanBuilder{build: true, should: false}
	reallocator := &fakeReallocator{}
	alertChecker := &fakeAlertChecker{}
	store := &fakeStore{}

	job := scheduler.NewTickJob(poller, planBuilder, reallocator, alertChecker, store, nil, zerolog.Nop())
	require.NoError(t, job.Run())

	assert.False(t, reallocator.called)
	require.Len(t, store.snapshots, 1)
}

func TestTickJobExecutesReallocationWhenWarranted(t *testing.T) {
	poller := fakePoller{snapshot: domain.AggregatedMetrics{TotalEarningsPerHour: 5, AllocationByProtocol: map[string]float64{"streaming": 0.5}}}
	planBuilder := fakePlanBuilder{build: true, should: true, plan: domain.AllocationPlan{Targets: map[string]float64{"streaming": 0.6}}}
	reallocator := &fakeReallocator{changes: []domain.AllocationChange{{Protocol: "streaming"}}}
	alertChecker := &fakeAlertChecker{}
	store := &fakeStore{}
	bus := events.NewBus(zerolog.Nop())
	ch, unsubscribe := bus.Subscribe()
	defer unsubscribe()

	job := scheduler.NewTickJob(poller, planBuilder, reallocator, alertChecker, store, bus, zerolog.Nop())
	require.NoError(t, job.Run())

	assert.True(t, reallocator.called)
	assert.True(t, alertChecker.noted)

	var sawAllocationChange bool
	for i := 0; i < 3; i++ {
		select {
		case evt := <-ch:
			if evt.Type == events.AllocationChanged {
				sawAllocationChange = true
			}
		case <-time.After(100 * time.Millisecond):
		}
	}
	assert.True(t, sawAllocationChange)
}

func TestTickJobPropagatesPollFailure(t *testing.T) {
	poller := fakePoller{err: errors.New("adapters down")}
	job := scheduler.NewTickJob(poller, fakePlanBuilder{}, &fakeReallocator{}, &fakeAlertChecker{}, &fakeStore{}, nil, zerolog.Nop())
	require.Error(t, job.Run())
}

func TestTickJobPersistsAndPublishesAlerts(t *testing.T) {
	poller := fakePoller{snapshot: domain.AggregatedMetrics{}}
	alertChecker := &fakeAlertChecker{alerts: []domain.Alert{{Kind: domain.AlertLowEarnings, Message: "low"}}}
	store := &fakeStore{}

	job := scheduler.NewTickJob(poller, fakePlanBuilder{build: false}, &fakeReallocator{}, alertChecker, store, nil, zerolog.Nop())
	require.NoError(t, job.Run())

	require.Len(t, store.alerts, 1)
	assert.Equal(t, domain.AlertLowEarnings, store.alerts[0].Kind)
}

type fakeRetainer struct {
	called bool
}

func (f *fakeRetainer) ApplyRetention(ctx context.Context, retentionDays, maxReallocations, maxAlerts int) error {
	f.called = true
	return nil
}

func TestRetentionJobDelegatesToStore(t *testing.T) {
	retainer := &fakeRetainer{}
	job := scheduler.NewRetentionJob(retainer, 90, 1000, 1000, zerolog.Nop())
	require.NoError(t, job.Run())
	assert.True(t, retainer.called)
}

func TestBackupJobNoopWhenExporterNil(t *testing.T) {
	job := scheduler.NewBackupJob(nil, 30, zerolog.Nop())
	assert.Equal(t, "backup", job.Name())
	require.NoError(t, job.Run())
}
