package optimizer_test

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/protocol-yield-orchestrator/internal/domain"
	"github.com/aristath/protocol-yield-orchestrator/internal/optimizer"
)

type fakeHistory struct {
	snapshots []domain.AggregatedMetrics
}

func (f *fakeHistory) Recent(n int) []domain.AggregatedMetrics {
	if n <= 0 || n > len(f.snapshots) {
		n = len(f.snapshots)
	}
	return f.snapshots[len(f.snapshots)-n:]
}

func (f *fakeHistory) Latest() (domain.AggregatedMetrics, bool) {
	if len(f.snapshots) == 0 {
		return domain.AggregatedMetrics{}, false
	}
	return f.snapshots[len(f.snapshots)-1], true
}

type fakeCost struct{ perProtocol float64 }

func (f *fakeCost) EstimateCost(current, target map[string]float64) float64 {
	changed := 0
	for p, c := range current {
		if diffAbs(c, target[p]) > domain.NumericTolerance {
			changed++
		}
	}
	return float64(changed) * f.perProtocol
}

func diffAbs(a, b float64) float64 {
	if a > b {
		return a - b
	}
	return b - a
}

func snapshot(alloc map[string]float64, rate map[string]float64, ts time.Time) domain.AggregatedMetrics {
	earnings := make(map[string]float64, len(alloc))
	total := 0.0
	connected := make(map[string]bool, len(alloc))
	for p, a := range alloc {
		e := a * rate[p]
		earnings[p] = e
		total += e
		connected[p] = true
	}
	return domain.AggregatedMetrics{
		Timestamp:            ts,
		TotalEarningsPerHour: total,
		EarningsByProtocol:   earnings,
		AllocationByProtocol: alloc,
		ConnectedByProtocol:  connected,
	}
}

func bounds() map[string]domain.Bounds {
	return map[string]domain.Bounds{
		"streaming": {MinAllocation: 0.1, MaxAllocation: 0.6},
		"compute":   {MinAllocation: 0.1, MaxAllocation: 0.6},
	}
}

func TestFindOpportunitiesSurfacesHigherEfficiencyMove(t *testing.T) {
	now := time.Now()
	hist := &fakeHistory{snapshots: []domain.AggregatedMetrics{
		snapshot(map[string]float64{"streaming": 0.5, "compute": 0.2}, map[string]float64{"streaming": 1.0, "compute": 5.0}, now),
	}}
	opt := optimizer.New(hist, &fakeCost{perProtocol: 0.01}, bounds(), optimizer.DefaultConfig(), zerolog.Nop())

	opps, err := opt.FindOpportunities(context.Background())
	require.NoError(t, err)
	require.NotEmpty(t, opps)
	assert.Equal(t, "streaming", opps[0].FromProtocol)
	assert.Equal(t, "compute", opps[0].ToProtocol)
	assert.Greater(t, opps[0].EarningsImprovement, 0.0)
}

func TestOptimalAllocationRespectsBoundsAndSumsToOne(t *testing.T) {
	now := time.Now()
	hist := &fakeHistory{snapshots: []domain.AggregatedMetrics{
		snapshot(map[string]float64{"streaming": 0.3, "compute": 0.3}, map[string]float64{"streaming": 1.0, "compute": 5.0}, now),
	}}
	opt := optimizer.New(hist, &fakeCost{perProtocol: 0.01}, bounds(), optimizer.DefaultConfig(), zerolog.Nop())

	targets, err := opt.OptimalAllocation(context.Background())
	require.NoError(t, err)

	sum := 0.0
	for p, v := range targets {
		b := bounds()[p]
		assert.GreaterOrEqual(t, v, b.MinAllocation-domain.NumericTolerance)
		assert.LessOrEqual(t, v, b.MaxAllocation+domain.NumericTolerance)
		sum += v
	}
	assert.InDelta(t, 1.0, sum, domain.NumericTolerance)
	// Compute earns more per unit, so it should absorb the slack up to its max.
	assert.InDelta(t, bounds()["compute"].MaxAllocation, targets["compute"], domain.NumericTolerance)
}

func TestOptimalAllocationInfeasibleBoundsErrors(t *testing.T) {
	now := time.Now()
	hist := &fakeHistory{snapshots: []domain.AggregatedMetrics{
		snapshot(map[string]float64{"streaming": 0.3, "compute": 0.3}, map[string]float64{"streaming": 1.0, "compute": 5.0}, now),
	}}
	infeasible := map[string]domain.Bounds{
		"streaming": {MinAllocation: 0.7, MaxAllocation: 1.0},
		"compute":   {MinAllocation: 0.7, MaxAllocation: 1.0},
	}
	opt := optimizer.New(hist, &fakeCost{perProtocol: 0.01}, infeasible, optimizer.DefaultConfig(), zerolog.Nop())

	_, err := opt.OptimalAllocation(context.Background())
	require.Error(t, err)
	var optErr *domain.OptimizationError
	require.ErrorAs(t, err, &optErr)
}

func TestBuildPlanComputesNetBenefitAndROI(t *testing.T) {
	now := time.Now()
	hist := &fakeHistory{snapshots: []domain.AggregatedMetrics{
		snapshot(map[string]float64{"streaming": 0.5, "compute": 0.2}, map[string]float64{"streaming": 1.0, "compute": 5.0}, now),
	}}
	opt := optimizer.New(hist, &fakeCost{perProtocol: 0.01}, bounds(), optimizer.DefaultConfig(), zerolog.Nop())

	plan, err := opt.BuildPlan(context.Background())
	require.NoError(t, err)
	assert.InDelta(t, 1.0, plan.SumTargets(), domain.NumericTolerance)
	assert.Equal(t, plan.EstimatedImprovement-plan.EstimatedCost, plan.NetBenefit)

	assert.True(t, opt.ShouldReallocate(plan, 0.5*1.0+0.2*5.0))
}

func TestShouldReallocateRejectsNonPositiveNetBenefit(t *testing.T) {
	opt := optimizer.New(&fakeHistory{}, &fakeCost{}, bounds(), optimizer.DefaultConfig(), zerolog.Nop())
	plan := domain.AllocationPlan{EstimatedImprovement: 1, EstimatedCost: 1, NetBenefit: 0}
	assert.False(t, opt.ShouldReallocate(plan, 10))
}
