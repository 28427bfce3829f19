// Package optimizer turns a coordinator snapshot history into reallocation
// opportunities and a target allocation plan. Unlike the teacher's
// gradient-based mean-variance optimizers, the orchestrator's allocation
// space is small (one scalar fraction per protocol, summing to 1) so a
// greedy water-filling pass is both sufficient and auditable.
package optimizer

import (
	"context"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/protocol-yield-orchestrator/internal/domain"
	"github.com/aristath/protocol-yield-orchestrator/pkg/statsutil"
)

// Config holds the optimizer's tunables, all overridable via configuration
// (spec §6.4).
type Config struct {
	MinImprovementPercent float64 // opportunities below this are dropped, default 5.0
	MaxAllocationChangePP float64 // largest single-pair shift considered, default 20.0 (percentage points)
	MinSamplesForConfidence int   // below this many snapshots, confidence is capped, default 10
	CappedConfidence      float64 // the cap applied when samples are scarce, default 0.5
}

// DefaultConfig returns the spec's documented defaults.
func DefaultConfig() Config {
	return Config{
		MinImprovementPercent:   5.0,
		MaxAllocationChangePP:   20.0,
		MinSamplesForConfidence: 10,
		CappedConfidence:        0.5,
	}
}

// HistoryReader is the subset of Coordinator the optimizer depends on.
type HistoryReader interface {
	Recent(n int) []domain.AggregatedMetrics
	Latest() (domain.AggregatedMetrics, bool)
}

// CostEstimator is the subset of the reallocation engine the optimizer
// depends on, so a plan can be scored net of switching cost.
type CostEstimator interface {
	EstimateCost(current, target map[string]float64) float64
}

// Optimizer derives opportunities and plans from coordinator history.
type Optimizer struct {
	history HistoryReader
	cost    CostEstimator
	bounds  map[string]domain.Bounds
	cfg     Config
	log     zerolog.Logger
}

// New constructs an Optimizer. bounds must carry an entry for every
// protocol the optimizer is expected to reason about.
func New(history HistoryReader, cost CostEstimator, bounds map[string]domain.Bounds, cfg Config, log zerolog.Logger) *Optimizer {
	return &Optimizer{
		history: history,
		cost:    cost,
		bounds:  bounds,
		cfg:     cfg,
		log:     log.With().Str("component", "optimizer").Logger(),
	}
}

// protocolStats is the per-protocol working set derived from history.
type protocolStats struct {
	protocol      string
	currentAlloc  float64
	currentRate   float64 // current efficiency: earnings per unit allocation
	earningsSeries []float64
}

func (o *Optimizer) collectStats() ([]protocolStats, error) {
	latest, ok := o.history.Latest()
	if !ok {
		return nil, &domain.OptimizationError{Reason: "no snapshot history available"}
	}

	recent := o.history.Recent(0)
	byProtocol := make(map[string][]float64, len(latest.EarningsByProtocol))
	for _, snap := range recent {
		for p, e := range snap.EarningsByProtocol {
			byProtocol[p] = append(byProtocol[p], e)
		}
	}

	out := make([]protocolStats, 0, len(latest.Protocols()))
	for _, p := range latest.Protocols() {
		alloc := latest.AllocationByProtocol[p]
		earn := latest.EarningsByProtocol[p]
		rate := 0.0
		if alloc > domain.NumericTolerance {
			rate = earn / alloc
		}
		out = append(out, protocolStats{
			protocol:       p,
			currentAlloc:   alloc,
			currentRate:    rate,
			earningsSeries: byProtocol[p],
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].protocol < out[j].protocol })
	return out, nil
}

func (o *Optimizer) confidence(stats protocolStats) float64 {
	if len(stats.earningsSeries) < o.cfg.MinSamplesForConfidence {
		return o.cfg.CappedConfidence
	}
	cv := statsutil.CoefficientOfVariation(stats.earningsSeries)
	// Lower variability => higher confidence. A CV of 0 maps to 1.0; a CV
	// of 1.0 or more maps to a floor of 0.1.
	confidence := 1.0 - cv
	if confidence < 0.1 {
		confidence = 0.1
	}
	if confidence > 1.0 {
		confidence = 1.0
	}
	return confidence
}

// FindOpportunities enumerates pairwise reallocation suggestions: moving a
// slice of allocation from a lower-efficiency protocol to a
// higher-efficiency one. Opportunities below MinImprovementPercent are
// dropped; ties are broken by improvement then by complexity (the smaller
// the shift, the less complex).
func (o *Optimizer) FindOpportunities(ctx context.Context) ([]domain.OptimizationOpportunity, error) {
	stats, err := o.collectStats()
	if err != nil {
		return nil, err
	}

	var opportunities []domain.OptimizationOpportunity
	for _, from := range stats {
		for _, to := range stats {
			if from.protocol == to.protocol {
				continue
			}
			if to.currentRate <= from.currentRate {
				continue
			}

			bounds := o.bounds[to.protocol]
			fromBounds := o.bounds[from.protocol]
			maxShift := o.cfg.MaxAllocationChangePP / 100.0
			shift := from.currentAlloc - fromBounds.MinAllocation
			if shift > maxShift {
				shift = maxShift
			}
			if bounds.MaxAllocation-to.currentAlloc < shift {
				shift = bounds.MaxAllocation - to.currentAlloc
			}
			if shift <= domain.NumericTolerance {
				continue
			}

			currentTotal := from.currentRate*from.currentAlloc + to.currentRate*to.currentAlloc
			projectedTotal := from.currentRate*(from.currentAlloc-shift) + to.currentRate*(to.currentAlloc+shift)
			improvement := projectedTotal - currentTotal
			if currentTotal > domain.NumericTolerance {
				improvementPct := improvement / currentTotal * 100.0
				if improvementPct < o.cfg.MinImprovementPercent {
					continue
				}
			} else if improvement <= 0 {
				continue
			}

			opportunities = append(opportunities, domain.OptimizationOpportunity{
				FromProtocol:        from.protocol,
				ToProtocol:          to.protocol,
				CurrentRate:         from.currentRate,
				ProjectedRate:       to.currentRate,
				EarningsImprovement: improvement,
				Confidence:          o.confidence(to),
				Complexity:          shift, // smaller shift => simpler change
			})
		}
	}

	sort.Slice(opportunities, func(i, j int) bool {
		if opportunities[i].EarningsImprovement != opportunities[j].EarningsImprovement {
			return opportunities[i].EarningsImprovement > opportunities[j].EarningsImprovement
		}
		return opportunities[i].Complexity < opportunities[j].Complexity
	})

	return opportunities, nil
}

// OptimalAllocation computes a target allocation via the closed-form
// fill described in spec §4.3: every protocol starts at its declared
// minimum, then the remaining unit budget is handed out in order of
// descending efficiency, each protocol taking as much as its remaining
// headroom to max allows until the budget is exhausted.
func (o *Optimizer) OptimalAllocation(ctx context.Context) (map[string]float64, error) {
	stats, err := o.collectStats()
	if err != nil {
		return nil, err
	}

	targets := make(map[string]float64, len(stats))
	minSum := 0.0
	for _, s := range stats {
		b := o.bounds[s.protocol]
		targets[s.protocol] = b.MinAllocation
		minSum += b.MinAllocation
	}
	if minSum > 1.0+domain.NumericTolerance {
		return nil, &domain.OptimizationError{Reason: "sum of protocol minimums exceeds 1.0, bounds are infeasible"}
	}

	ranked := make([]protocolStats, len(stats))
	copy(ranked, stats)
	sort.Slice(ranked, func(i, j int) bool { return ranked[i].currentRate > ranked[j].currentRate })

	remaining := 1.0 - minSum
	for _, s := range ranked {
		if remaining <= domain.NumericTolerance {
			break
		}
		b := o.bounds[s.protocol]
		headroom := b.MaxAllocation - targets[s.protocol]
		take := headroom
		if take > remaining {
			take = remaining
		}
		if take > 0 {
			targets[s.protocol] += take
			remaining -= take
		}
	}

	return targets, nil
}

// BuildPlan assembles a full AllocationPlan: the optimal target
// allocation, its estimated earnings improvement over the current
// allocation, the reallocation engine's cost estimate for reaching it, and
// the resulting net benefit, ROI and confidence.
func (o *Optimizer) BuildPlan(ctx context.Context) (domain.AllocationPlan, error) {
	stats, err := o.collectStats()
	if err != nil {
		return domain.AllocationPlan{}, err
	}

	targets, err := o.OptimalAllocation(ctx)
	if err != nil {
		return domain.AllocationPlan{}, err
	}

	current := make(map[string]float64, len(stats))
	currentEarnings := 0.0
	projectedEarnings := 0.0
	minConfidence := 1.0
	for _, s := range stats {
		current[s.protocol] = s.currentAlloc
		currentEarnings += s.currentRate * s.currentAlloc
		projectedEarnings += s.currentRate * targets[s.protocol]
		c := o.confidence(s)
		if c < minConfidence {
			minConfidence = c
		}
	}

	improvement := projectedEarnings - currentEarnings
	cost := 0.0
	if o.cost != nil {
		cost = o.cost.EstimateCost(current, targets)
	}
	netBenefit := improvement - cost
	roi := 0.0
	if cost > domain.NumericTolerance {
		roi = netBenefit / cost * 100.0
	}

	return domain.AllocationPlan{
		Targets:              targets,
		EstimatedImprovement: improvement,
		EstimatedCost:        cost,
		NetBenefit:           netBenefit,
		ROIPercent:           roi,
		Confidence:           minConfidence,
		CreatedAt:            time.Now(),
	}, nil
}

// ShouldReallocate decides whether a plan is worth executing: it must show
// a strictly positive net benefit and at least the configured minimum
// improvement percentage relative to current earnings.
func (o *Optimizer) ShouldReallocate(plan domain.AllocationPlan, currentEarnings float64) bool {
	if plan.NetBenefit <= domain.NumericTolerance {
		return false
	}
	if currentEarnings > domain.NumericTolerance {
		improvementPct := plan.EstimatedImprovement / currentEarnings * 100.0
		return improvementPct >= o.cfg.MinImprovementPercent
	}
	return plan.EstimatedImprovement > 0
}
