package adapter_test

import (
	"context"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/protocol-yield-orchestrator/internal/adapter"
	"github.com/aristath/protocol-yield-orchestrator/internal/domain"
)

func newAdapters(t *testing.T) []adapter.Adapter {
	t.Helper()
	log := zerolog.Nop()
	bounds := domain.Bounds{MinAllocation: 0.1, MaxAllocation: 0.6}
	return []adapter.Adapter{
		adapter.NewStreaming("streaming", bounds, 2.0, log),
		adapter.NewStorage("storage", bounds, 1.0, log),
		adapter.NewCompute("compute", bounds, 3.0, log),
		adapter.NewBandwidth("bandwidth", bounds, 1.5, log),
	}
}

func TestConnectLifecycle(t *testing.T) {
	for _, a := range newAdapters(t) {
		a := a
		t.Run(a.Protocol(), func(t *testing.T) {
			require.Equal(t, domain.StateDisconnected, a.Status().State)

			err := a.Connect(context.Background())
			require.NoError(t, err)
			require.Equal(t, domain.StateConnected, a.Status().State)

			// Idempotent at Connected.
			err = a.Connect(context.Background())
			require.NoError(t, err)
			require.Equal(t, domain.StateConnected, a.Status().State)

			a.Disconnect(context.Background())
			require.Equal(t, domain.StateDisconnected, a.Status().State)
		})
	}
}

func TestApplyAllocationValidatesBounds(t *testing.T) {
	for _, a := range newAdapters(t) {
		a := a
		t.Run(a.Protocol(), func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, a.Connect(ctx))

			bounds := a.Bounds()

			// In bounds: succeeds and is reflected immediately.
			ok := domain.WithFraction(bounds.MaxAllocation, 5)
			require.NoError(t, a.ApplyAllocation(ctx, ok))
			current, err := a.GetCurrentAllocation(ctx)
			require.NoError(t, err)
			assert.InDelta(t, bounds.MaxAllocation, current.Fraction(), domain.NumericTolerance)

			// Out of bounds: fails with AllocationError, old allocation
			// remains in effect.
			bad := domain.WithFraction(bounds.MaxAllocation+0.5, 5)
			err = a.ApplyAllocation(ctx, bad)
			require.Error(t, err)
			var allocErr *domain.AllocationError
			require.ErrorAs(t, err, &allocErr)

			unchanged, _ := a.GetCurrentAllocation(ctx)
			assert.InDelta(t, bounds.MaxAllocation, unchanged.Fraction(), domain.NumericTolerance)

			// Idempotent when given an equal strategy.
			require.NoError(t, a.ApplyAllocation(ctx, ok))
		})
	}
}

func TestHealthCheckReflectsConnection(t *testing.T) {
	for _, a := range newAdapters(t) {
		a := a
		t.Run(a.Protocol(), func(t *testing.T) {
			ctx := context.Background()

			health := a.HealthCheck(ctx)
			assert.False(t, health.IsHealthy)

			require.NoError(t, a.Connect(ctx))
			health = a.HealthCheck(ctx)
			assert.True(t, health.IsHealthy)

			a.Disconnect(ctx)
			health = a.HealthCheck(ctx)
			assert.False(t, health.IsHealthy)
		})
	}
}

func TestHistoricalEarningsOmitsMissingHours(t *testing.T) {
	for _, a := range newAdapters(t) {
		a := a
		t.Run(a.Protocol(), func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, a.Connect(ctx))

			samples, err := a.GetHistoricalEarnings(ctx, 24)
			require.NoError(t, err)
			assert.LessOrEqual(t, len(samples), 24)
			assert.NotEmpty(t, samples)

			for i := 1; i < len(samples); i++ {
				assert.True(t, samples[i].Timestamp.After(samples[i-1].Timestamp))
			}
		})
	}
}

func TestResourceUsageInRange(t *testing.T) {
	for _, a := range newAdapters(t) {
		a := a
		t.Run(a.Protocol(), func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, a.Connect(ctx))
			require.NoError(t, a.ApplyAllocation(ctx, domain.WithFraction(0.3, 5)))

			usage, err := a.GetResourceUsage(ctx)
			require.NoError(t, err)
			assert.GreaterOrEqual(t, usage.CPUPercent, 0.0)
			assert.LessOrEqual(t, usage.CPUPercent, 100.0)
			assert.GreaterOrEqual(t, usage.MemoryMB, 0.0)
			assert.GreaterOrEqual(t, usage.BandwidthMbps, 0.0)
			assert.GreaterOrEqual(t, usage.StorageGB, 0.0)
		})
	}
}
