package adapter

import (
	"context"
	"math"
	"math/rand"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/protocol-yield-orchestrator/internal/domain"
)

// Compute is the reference adapter for distributed-compute backends. Its
// dominant resource dimension is CPU, and its earnings formula is mildly
// convex in the CPU fraction allocated — larger compute jobs are
// disproportionately more profitable per unit of CPU offered, up to the
// adapter's declared max.
type Compute struct {
	base
	baseRatePerHour float64
	nativeSymbol    string
	rng             *rand.Rand
}

func NewCompute(protocol string, bounds domain.Bounds, baseRatePerHour float64, log zerolog.Logger) *Compute {
	return &Compute{
		base:            newBase(protocol, bounds, log),
		baseRatePerHour: baseRatePerHour,
		nativeSymbol:    "CMPT",
		rng:             rand.New(rand.NewSource(time.Now().UnixNano() + 2)),
	}
}

func (c *Compute) Connect(ctx context.Context) error {
	return c.connect(ctx, func(ctx context.Context) error {
		select {
		case <-ctx.Done():
			return &domain.ConnectionError{Protocol: c.protocol, Cause: ctx.Err()}
		case <-time.After(5 * time.Millisecond):
			return nil
		}
	})
}

func (c *Compute) rate(cpuFraction float64) float64 {
	c.mu.Lock() // rng is not safe for concurrent use
	defer c.mu.Unlock()
	if cpuFraction <= 0 {
		return 0
	}
	jitter := 1 + (c.rng.Float64()-0.5)*0.12
	return c.baseRatePerHour * math.Pow(cpuFraction, 1.15) * jitter
}

func (c *Compute) GetCurrentEarnings(ctx context.Context) (domain.EarningsData, error) {
	if !c.connectionHealthy() {
		return domain.EarningsData{}, &domain.ApiError{Protocol: c.protocol, Cause: ctx.Err()}
	}
	alloc, _ := c.GetCurrentAllocation(ctx)
	rate := c.rate(alloc.CPU)
	return domain.EarningsData{
		Timestamp:                 time.Now(),
		EarningsAccountCurrency:   rate,
		EarningsNativeToken:       rate * 4.2,
		NativeTokenSymbol:         c.nativeSymbol,
		HourlyRateAccountCurrency: rate,
	}, nil
}

func (c *Compute) GetHistoricalEarnings(ctx context.Context, hours int) ([]domain.EarningsData, error) {
	if !c.connectionHealthy() {
		return nil, &domain.ApiError{Protocol: c.protocol, Cause: ctx.Err()}
	}
	alloc, _ := c.GetCurrentAllocation(ctx)
	now := time.Now()
	samples := make([]domain.EarningsData, 0, hours)
	for h := hours; h >= 1; h-- {
		if h%13 == 0 {
			continue
		}
		rate := c.rate(alloc.CPU)
		samples = append(samples, domain.EarningsData{
			Timestamp:                 now.Add(-time.Duration(h) * time.Hour),
			EarningsAccountCurrency:   rate,
			EarningsNativeToken:       rate * 4.2,
			NativeTokenSymbol:         c.nativeSymbol,
			HourlyRateAccountCurrency: rate,
		})
	}
	return samples, nil
}

func (c *Compute) GetResourceUsage(ctx context.Context) (domain.ResourceMetrics, error) {
	alloc, _ := c.GetCurrentAllocation(ctx)
	return domain.ResourceMetrics{
		Timestamp:     time.Now(),
		CPUPercent:    alloc.CPU * 100,
		MemoryMB:      alloc.Memory * 4096,
		BandwidthMbps: alloc.Bandwidth * 200,
		StorageGB:     alloc.Storage * 20,
	}, nil
}

func (c *Compute) ApplyAllocation(ctx context.Context, strategy domain.AllocationStrategy) error {
	return c.applyAllocation(strategy)
}

func (c *Compute) HealthCheck(ctx context.Context) domain.HealthStatus {
	healthy := c.connectionHealthy()
	errMsg := ""
	if !healthy {
		errMsg = "not connected"
	}
	return c.recordCheck(healthy, errMsg)
}

func (c *Compute) DescribeConfig() map[string]interface{} {
	return map[string]interface{}{
		"kind":               "compute",
		"dominant_dimension": "cpu",
		"base_rate_per_hour": c.baseRatePerHour,
	}
}
