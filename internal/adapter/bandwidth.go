package adapter

import (
	"context"
	"math"
	"math/rand"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/protocol-yield-orchestrator/internal/domain"
)

// Bandwidth is the reference adapter for bandwidth-resale backends. Its
// dominant resource dimension is bandwidth as well, but unlike Streaming
// it rewards allocation with a small bonus multiplier that is capped —
// the rate scales with 1.2× the bandwidth fraction, capped at 1.0, so it
// stops growing once the fraction passes about 0.83.
type Bandwidth struct {
	base
	baseRatePerHour float64
	nativeSymbol    string
	rng             *rand.Rand
}

func NewBandwidth(protocol string, bounds domain.Bounds, baseRatePerHour float64, log zerolog.Logger) *Bandwidth {
	return &Bandwidth{
		base:            newBase(protocol, bounds, log),
		baseRatePerHour: baseRatePerHour,
		nativeSymbol:    "BNDW",
		rng:             rand.New(rand.NewSource(time.Now().UnixNano() + 3)),
	}
}

func (b *Bandwidth) Connect(ctx context.Context) error {
	return b.connect(ctx, func(ctx context.Context) error {
		select {
		case <-ctx.Done():
			return &domain.ConnectionError{Protocol: b.protocol, Cause: ctx.Err()}
		case <-time.After(5 * time.Millisecond):
			return nil
		}
	})
}

func (b *Bandwidth) rate(bwFraction float64) float64 {
	b.mu.Lock() // rng is not safe for concurrent use
	defer b.mu.Unlock()
	if bwFraction <= 0 {
		return 0
	}
	bonus := math.Min(bwFraction*1.2, 1.0)
	jitter := 1 + (b.rng.Float64()-0.5)*0.06
	return b.baseRatePerHour * bonus * jitter
}

func (b *Bandwidth) GetCurrentEarnings(ctx context.Context) (domain.EarningsData, error) {
	if !b.connectionHealthy() {
		return domain.EarningsData{}, &domain.ApiError{Protocol: b.protocol, Cause: ctx.Err()}
	}
	alloc, _ := b.GetCurrentAllocation(ctx)
	rate := b.rate(alloc.Bandwidth)
	return domain.EarningsData{
		Timestamp:                 time.Now(),
		EarningsAccountCurrency:   rate,
		EarningsNativeToken:       rate * 8.0,
		NativeTokenSymbol:         b.nativeSymbol,
		HourlyRateAccountCurrency: rate,
	}, nil
}

func (b *Bandwidth) GetHistoricalEarnings(ctx context.Context, hours int) ([]domain.EarningsData, error) {
	if !b.connectionHealthy() {
		return nil, &domain.ApiError{Protocol: b.protocol, Cause: ctx.Err()}
	}
	alloc, _ := b.GetCurrentAllocation(ctx)
	now := time.Now()
	samples := make([]domain.EarningsData, 0, hours)
	for h := hours; h >= 1; h-- {
		if h%9 == 0 {
			continue
		}
		rate := b.rate(alloc.Bandwidth)
		samples = append(samples, domain.EarningsData{
			Timestamp:                 now.Add(-time.Duration(h) * time.Hour),
			EarningsAccountCurrency:   rate,
			EarningsNativeToken:       rate * 8.0,
			NativeTokenSymbol:         b.nativeSymbol,
			HourlyRateAccountCurrency: rate,
		})
	}
	return samples, nil
}

func (b *Bandwidth) GetResourceUsage(ctx context.Context) (domain.ResourceMetrics, error) {
	alloc, _ := b.GetCurrentAllocation(ctx)
	return domain.ResourceMetrics{
		Timestamp:     time.Now(),
		CPUPercent:    alloc.CPU * 10,
		MemoryMB:      alloc.Memory * 512,
		BandwidthMbps: alloc.Bandwidth * 1000,
		StorageGB:     alloc.Storage * 1,
	}, nil
}

func (b *Bandwidth) ApplyAllocation(ctx context.Context, strategy domain.AllocationStrategy) error {
	return b.applyAllocation(strategy)
}

func (b *Bandwidth) HealthCheck(ctx context.Context) domain.HealthStatus {
	healthy := b.connectionHealthy()
	errMsg := ""
	if !healthy {
		errMsg = "not connected"
	}
	return b.recordCheck(healthy, errMsg)
}

func (b *Bandwidth) DescribeConfig() map[string]interface{} {
	return map[string]interface{}{
		"kind":               "bandwidth",
		"dominant_dimension": "bandwidth",
		"base_rate_per_hour": b.baseRatePerHour,
	}
}
