package coordinator_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/protocol-yield-orchestrator/internal/adapter"
	"github.com/aristath/protocol-yield-orchestrator/internal/coordinator"
	"github.com/aristath/protocol-yield-orchestrator/internal/domain"
)

func connectedAdapters(t *testing.T) []adapter.Adapter {
	t.Helper()
	log := zerolog.Nop()
	bounds := domain.Bounds{MinAllocation: 0.05, MaxAllocation: 0.8}
	ctx := context.Background()
	adapters := []adapter.Adapter{
		adapter.NewStreaming("streaming", bounds, 2.0, log),
		adapter.NewStorage("storage", bounds, 1.0, log),
		adapter.NewCompute("compute", bounds, 3.0, log),
		adapter.NewBandwidth("bandwidth", bounds, 1.5, log),
	}
	for _, a := range adapters {
		require.NoError(t, a.Connect(ctx))
		require.NoError(t, a.ApplyAllocation(ctx, domain.WithFraction(0.25, 5)))
	}
	return adapters
}

func TestPollAllAggregatesAllAdapters(t *testing.T) {
	c := coordinator.New(zerolog.Nop(), 10, time.Second)
	for _, a := range connectedAdapters(t) {
		c.Register(a)
	}

	snapshot, err := c.PollAll(context.Background())
	require.NoError(t, err)

	assert.Len(t, snapshot.EarningsByProtocol, 4)
	assert.Len(t, snapshot.ConnectedByProtocol, 4)
	for _, p := range []string{"streaming", "storage", "compute", "bandwidth"} {
		assert.True(t, snapshot.ConnectedByProtocol[p], p)
		assert.Greater(t, snapshot.EarningsByProtocol[p], 0.0, p)
	}
	assert.Greater(t, snapshot.TotalEarningsPerHour, 0.0)

	latest, ok := c.Latest()
	require.True(t, ok)
	assert.Equal(t, snapshot.Timestamp, latest.Timestamp)
}

func TestPollAllDegradesFailedAdapter(t *testing.T) {
	c := coordinator.New(zerolog.Nop(), 10, time.Second)
	adapters := connectedAdapters(t)
	// Disconnect one adapter; it should degrade rather than abort the poll.
	adapters[1].Disconnect(context.Background())
	for _, a := range adapters {
		c.Register(a)
	}

	snapshot, err := c.PollAll(context.Background())
	require.NoError(t, err)

	assert.False(t, snapshot.ConnectedByProtocol["storage"])
	assert.Equal(t, 0.0, snapshot.EarningsByProtocol["storage"])
	assert.True(t, snapshot.ConnectedByProtocol["compute"])
}

func TestPollAllFailsWhenEveryAdapterFails(t *testing.T) {
	c := coordinator.New(zerolog.Nop(), 10, time.Second)
	for _, a := range connectedAdapters(t) {
		a.Disconnect(context.Background())
		c.Register(a)
	}

	_, err := c.PollAll(context.Background())
	require.Error(t, err)
	var coordErr *domain.CoordinationError
	require.ErrorAs(t, err, &coordErr)
}

func TestHistoryIsBoundedAndMonotone(t *testing.T) {
	c := coordinator.New(zerolog.Nop(), 3, time.Second)
	for _, a := range connectedAdapters(t) {
		c.Register(a)
	}

	for i := 0; i < 5; i++ {
		_, err := c.PollAll(context.Background())
		require.NoError(t, err)
		time.Sleep(time.Millisecond)
	}

	history := c.Recent(100)
	assert.LessOrEqual(t, len(history), 3)
	for i := 1; i < len(history); i++ {
		assert.True(t, history[i].Timestamp.After(history[i-1].Timestamp))
	}
}

func TestGetMetricsForPeriod(t *testing.T) {
	c := coordinator.New(zerolog.Nop(), 100, time.Second)
	for _, a := range connectedAdapters(t) {
		c.Register(a)
	}

	var mid time.Time
	for i := 0; i < 5; i++ {
		snap, err := c.PollAll(context.Background())
		require.NoError(t, err)
		if i == 2 {
			mid = snap.Timestamp
		}
		time.Sleep(time.Millisecond)
	}

	within := c.GetMetricsForPeriod(mid, time.Now().Add(time.Hour))
	assert.GreaterOrEqual(t, len(within), 1)
	for _, s := range within {
		assert.False(t, s.Timestamp.Before(mid))
	}

	none := c.GetMetricsForPeriod(time.Now().Add(time.Hour), time.Now().Add(2*time.Hour))
	assert.Empty(t, none)
}

func TestSnapshotCacheRoundTrip(t *testing.T) {
	c := coordinator.New(zerolog.Nop(), 10, time.Second)
	for _, a := range connectedAdapters(t) {
		c.Register(a)
	}
	_, err := c.PollAll(context.Background())
	require.NoError(t, err)
	_, err = c.PollAll(context.Background())
	require.NoError(t, err)

	dir := t.TempDir()
	cache := coordinator.NewSnapshotCache(filepath.Join(dir, "snapshots.msgpack"))
	require.NoError(t, cache.Save(c.Snapshot()))

	restored := coordinator.New(zerolog.Nop(), 10, time.Second)
	loaded, err := cache.Load()
	require.NoError(t, err)
	restored.Restore(loaded)

	// msgpack keeps the instant but not the monotonic clock reading or
	// the Location, so timestamps are compared with Equal.
	original, got := c.Snapshot(), restored.Snapshot()
	require.Len(t, got, len(original))
	for i := range original {
		assert.True(t, original[i].Timestamp.Equal(got[i].Timestamp))
		original[i].Timestamp, got[i].Timestamp = time.Time{}, time.Time{}
	}
	assert.Equal(t, original, got)
}

func TestSnapshotCacheLoadMissingFileIsEmpty(t *testing.T) {
	dir := t.TempDir()
	cache := coordinator.NewSnapshotCache(filepath.Join(dir, "absent.msgpack"))
	loaded, err := cache.Load()
	require.NoError(t, err)
	assert.Empty(t, loaded)
	_, statErr := os.Stat(filepath.Join(dir, "absent.msgpack"))
	assert.True(t, os.IsNotExist(statErr))
}
