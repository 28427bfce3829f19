package reallocation_test

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/protocol-yield-orchestrator/internal/adapter"
	"github.com/aristath/protocol-yield-orchestrator/internal/domain"
	"github.com/aristath/protocol-yield-orchestrator/internal/reallocation"
)

type fakeSource struct {
	adapters map[string]adapter.Adapter
	order    []string
}

func (f *fakeSource) Adapter(protocol string) (adapter.Adapter, bool) {
	a, ok := f.adapters[protocol]
	return a, ok
}

func (f *fakeSource) Adapters() []string { return f.order }

// failingAdapter wraps a real reference adapter and fails ApplyAllocation
// once a configured number of successful calls have already happened,
// to exercise the rollback path deterministically.
type failingAdapter struct {
	adapter.Adapter
	failAfter int
	calls     int
}

func (f *failingAdapter) ApplyAllocation(ctx context.Context, strategy domain.AllocationStrategy) error {
	f.calls++
	if f.calls > f.failAfter {
		return &domain.AllocationError{Protocol: f.Protocol(), Reason: "simulated backend rejection"}
	}
	return f.Adapter.ApplyAllocation(ctx, strategy)
}

func newSource(t *testing.T, bounds domain.Bounds) (*fakeSource, map[string]domain.Bounds) {
	t.Helper()
	log := zerolog.Nop()
	ctx := context.Background()
	names := []string{"alpha", "beta", "gamma"}
	src := &fakeSource{adapters: make(map[string]adapter.Adapter), order: names}
	boundsMap := make(map[string]domain.Bounds, len(names))
	for _, n := range names {
		a := adapter.NewCompute(n, bounds, 2.0, log)
		require.NoError(t, a.Connect(ctx))
		require.NoError(t, a.ApplyAllocation(ctx, domain.WithFraction(1.0/3.0, 5)))
		src.adapters[n] = a
		boundsMap[n] = bounds
	}
	return src, boundsMap
}

func TestCanReallocateRejectsBadSum(t *testing.T) {
	src, bounds := newSource(t, domain.Bounds{MinAllocation: 0.05, MaxAllocation: 0.8})
	engine := reallocation.New(src, nil, nil, bounds, reallocation.DefaultConfig(), zerolog.Nop())

	err := engine.CanReallocate(map[string]float64{"alpha": 0.33, "beta": 0.33, "gamma": 0.33},
		map[string]float64{"alpha": 0.5, "beta": 0.5, "gamma": 0.5})
	require.Error(t, err)
}

func TestExecuteReallocationSucceeds(t *testing.T) {
	src, bounds := newSource(t, domain.Bounds{MinAllocation: 0.05, MaxAllocation: 0.8})
	engine := reallocation.New(src, nil, nil, bounds, reallocation.DefaultConfig(), zerolog.Nop())

	current := map[string]float64{"alpha": 1.0 / 3, "beta": 1.0 / 3, "gamma": 1.0 / 3}
	targets := map[string]float64{"alpha": 0.5, "beta": 0.3, "gamma": 0.2}

	changes, err := engine.ExecuteReallocation(context.Background(), current, targets, "test plan")
	require.NoError(t, err)
	assert.Len(t, changes, 3)

	for protocol, target := range targets {
		a, _ := src.Adapter(protocol)
		alloc, err := a.GetCurrentAllocation(context.Background())
		require.NoError(t, err)
		assert.InDelta(t, target, alloc.Fraction(), domain.NumericTolerance)
	}
}

func TestExecuteReallocationRollsBackOnFailure(t *testing.T) {
	src, bounds := newSource(t, domain.Bounds{MinAllocation: 0.05, MaxAllocation: 0.8})
	// alpha sorts first lexicographically and succeeds; beta is made to fail.
	src.adapters["beta"] = &failingAdapter{Adapter: src.adapters["beta"], failAfter: 0}

	engine := reallocation.New(src, nil, nil, bounds, reallocation.DefaultConfig(), zerolog.Nop())

	current := map[string]float64{"alpha": 1.0 / 3, "beta": 1.0 / 3, "gamma": 1.0 / 3}
	targets := map[string]float64{"alpha": 0.5, "beta": 0.3, "gamma": 0.2}

	_, err := engine.ExecuteReallocation(context.Background(), current, targets, "test plan")
	require.Error(t, err)
	var reallocErr *domain.ReallocationError
	require.ErrorAs(t, err, &reallocErr)
	assert.True(t, reallocErr.RolledBack)

	// alpha was applied then rolled back to its original 1/3 allocation.
	a, _ := src.Adapter("alpha")
	alloc, err := a.GetCurrentAllocation(context.Background())
	require.NoError(t, err)
	assert.InDelta(t, 1.0/3, alloc.Fraction(), domain.NumericTolerance)
}

func TestCanReallocateEnforcesHoldDuration(t *testing.T) {
	src, bounds := newSource(t, domain.Bounds{MinAllocation: 0.05, MaxAllocation: 0.8})
	cfg := reallocation.DefaultConfig()
	cfg.MinHoldDuration = time.Hour
	engine := reallocation.New(src, nil, nil, bounds, cfg, zerolog.Nop())

	current := map[string]float64{"alpha": 1.0 / 3, "beta": 1.0 / 3, "gamma": 1.0 / 3}
	targets := map[string]float64{"alpha": 0.5, "beta": 0.3, "gamma": 0.2}

	_, err := engine.ExecuteReallocation(context.Background(), current, targets, "first")
	require.NoError(t, err)

	// Attempting another change to the same protocols immediately should
	// be rejected by the hold-duration constraint.
	_, err = engine.ExecuteReallocation(context.Background(), targets, map[string]float64{"alpha": 0.4, "beta": 0.4, "gamma": 0.2}, "second")
	require.Error(t, err)
}

func TestEstimateCostIsZeroWhenNothingChanges(t *testing.T) {
	src, bounds := newSource(t, domain.Bounds{MinAllocation: 0.05, MaxAllocation: 0.8})
	cfg := reallocation.DefaultConfig()
	cfg.BaseSwitchCost = 1.0
	cfg.PerProtocolCost = 0.1
	engine := reallocation.New(src, nil, nil, bounds, cfg, zerolog.Nop())

	same := map[string]float64{"alpha": 1.0 / 3, "beta": 1.0 / 3, "gamma": 1.0 / 3}
	assert.Equal(t, 0.0, engine.EstimateCost(same, same))

	changed := map[string]float64{"alpha": 0.5, "beta": 0.3, "gamma": 0.2}
	assert.InDelta(t, 1.3, engine.EstimateCost(same, changed), domain.NumericTolerance)
}
