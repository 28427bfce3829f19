package store_test

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/protocol-yield-orchestrator/internal/database"
	"github.com/aristath/protocol-yield-orchestrator/internal/domain"
	"github.com/aristath/protocol-yield-orchestrator/internal/store"
)

func setupStore(t *testing.T) *store.Store {
	t.Helper()
	db, err := database.New(database.Config{Path: "file::memory:?cache=shared", Profile: database.ProfileStandard, Name: "test"})
	require.NoError(t, err)
	require.NoError(t, db.Migrate())
	t.Cleanup(func() { _ = db.Close() })
	return store.New(db.Conn(), zerolog.Nop())
}

func sampleSnapshot(ts time.Time) domain.AggregatedMetrics {
	return domain.AggregatedMetrics{
		Timestamp:            ts,
		TotalEarningsPerHour: 4.2,
		EarningsByProtocol:   map[string]float64{"streaming": 2.0, "compute": 2.2},
		AllocationByProtocol: map[string]float64{"streaming": 0.4, "compute": 0.6},
		ConnectedByProtocol:  map[string]bool{"streaming": true, "compute": true},
		Utilization:          domain.ResourceUtilization{CPUPercent: 50, MemoryPercent: 40, BandwidthPercent: 30, StoragePercent: 20},
	}
}

func TestRecordAndQuerySnapshots(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()

	base := time.Now().Add(-time.Hour)
	require.NoError(t, s.RecordSnapshot(ctx, sampleSnapshot(base)))
	require.NoError(t, s.RecordSnapshot(ctx, sampleSnapshot(base.Add(30*time.Minute))))

	results, err := s.GetMetricsForPeriod(ctx, base.Add(-time.Minute), time.Now())
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, 4.2, results[0].TotalEarningsPerHour)
	assert.InDelta(t, 0.4, results[0].AllocationByProtocol["streaming"], domain.NumericTolerance)
	assert.True(t, results[0].ConnectedByProtocol["compute"])
}

func TestAllocationChangeRoundTrip(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()

	change := domain.AllocationChange{
		Timestamp:   time.Now(),
		Protocol:    "streaming",
		OldFraction: 0.4,
		NewFraction: 0.5,
		Reason:      "optimizer plan",
	}
	require.NoError(t, s.RecordAllocationChange(ctx, change))

	recent, err := s.RecentAllocationChanges(ctx, 10)
	require.NoError(t, err)
	require.Len(t, recent, 1)
	assert.Equal(t, "streaming", recent[0].Protocol)
	assert.Nil(t, recent[0].EarningsImpact)

	require.NoError(t, s.SetEarningsImpact(ctx, recent[0].ID, 0.15))
	recent, err = s.RecentAllocationChanges(ctx, 10)
	require.NoError(t, err)
	require.NotNil(t, recent[0].EarningsImpact)
	assert.InDelta(t, 0.15, *recent[0].EarningsImpact, domain.NumericTolerance)
}

func TestAlertAcknowledge(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()

	require.NoError(t, s.RecordAlert(ctx, domain.Alert{
		Timestamp: time.Now(), Kind: domain.AlertLowEarnings, Severity: 0.5, Message: "low",
	}))

	alerts, err := s.RecentAlerts(ctx, 10)
	require.NoError(t, err)
	require.Len(t, alerts, 1)
	assert.False(t, alerts[0].Acknowledged)

	require.NoError(t, s.AcknowledgeAlert(ctx, alerts[0].ID))
	alerts, err = s.RecentAlerts(ctx, 10)
	require.NoError(t, err)
	assert.True(t, alerts[0].Acknowledged)
}

func TestApiKeyLifecycle(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()

	key := domain.ApiKey{
		ID: "key-1", Name: "ops", KeyHash: "hashed", Prefix: "pyo_ab12",
		CreatedAt: time.Now(), IsActive: true, RateLimitPerMinute: 60,
		Permissions: []domain.Permission{domain.PermissionRead, domain.PermissionWrite},
	}
	require.NoError(t, s.CreateApiKey(ctx, key))

	active, err := s.ActiveApiKeys(ctx)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.True(t, active[0].HasPermission(domain.PermissionRead))
	assert.False(t, active[0].HasPermission(domain.PermissionAdmin))

	require.NoError(t, s.TouchApiKeyLastUsed(ctx, key.ID, time.Now()))
	require.NoError(t, s.RevokeApiKey(ctx, key.ID))

	active, err = s.ActiveApiKeys(ctx)
	require.NoError(t, err)
	assert.Empty(t, active)
}

func TestApplyRetention(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()

	old := sampleSnapshot(time.Now().AddDate(0, 0, -40))
	require.NoError(t, s.RecordSnapshot(ctx, old))
	recentSnap := sampleSnapshot(time.Now())
	require.NoError(t, s.RecordSnapshot(ctx, recentSnap))

	for i := 0; i < 5; i++ {
		require.NoError(t, s.RecordAllocationChange(ctx, domain.AllocationChange{
			Timestamp: time.Now(), Protocol: "streaming", NewFraction: 0.5, Reason: "test",
		}))
	}

	require.NoError(t, s.ApplyRetention(ctx, 30, 2, 100))

	results, err := s.GetMetricsForPeriod(ctx, time.Now().AddDate(0, 0, -60), time.Now().Add(time.Hour))
	require.NoError(t, err)
	assert.Len(t, results, 1, "only the recent snapshot should survive the 30 day retention window")

	recentChanges, err := s.RecentAllocationChanges(ctx, 100)
	require.NoError(t, err)
	assert.Len(t, recentChanges, 2, "reallocations should be capped at maxReallocations")
}
