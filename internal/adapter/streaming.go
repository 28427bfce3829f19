package adapter

import (
	"context"
	"math"
	"math/rand"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/protocol-yield-orchestrator/internal/domain"
)

// Streaming is the reference adapter for data-streaming backends. Its
// dominant resource dimension is bandwidth, and its earnings formula has
// diminishing returns (concave) in the bandwidth fraction allocated to it
// — streaming relays saturate quickly once enough bandwidth is offered.
type Streaming struct {
	base
	baseRatePerHour float64
	nativeSymbol    string
	rng             *rand.Rand
}

// NewStreaming constructs a Streaming adapter. baseRatePerHour is the
// account-currency rate observed at full allocation.
func NewStreaming(protocol string, bounds domain.Bounds, baseRatePerHour float64, log zerolog.Logger) *Streaming {
	return &Streaming{
		base:            newBase(protocol, bounds, log),
		baseRatePerHour: baseRatePerHour,
		nativeSymbol:    "STRM",
		rng:             rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

func (s *Streaming) Connect(ctx context.Context) error {
	return s.connect(ctx, func(ctx context.Context) error {
		select {
		case <-ctx.Done():
			return &domain.ConnectionError{Protocol: s.protocol, Cause: ctx.Err()}
		case <-time.After(5 * time.Millisecond):
			return nil
		}
	})
}

func (s *Streaming) rate(bwFraction float64) float64 {
	s.mu.Lock() // rng is not safe for concurrent use
	defer s.mu.Unlock()
	if bwFraction <= 0 {
		return 0
	}
	jitter := 1 + (s.rng.Float64()-0.5)*0.1 // +/-5%
	return s.baseRatePerHour * math.Pow(bwFraction, 0.75) * jitter
}

func (s *Streaming) GetCurrentEarnings(ctx context.Context) (domain.EarningsData, error) {
	if !s.connectionHealthy() {
		return domain.EarningsData{}, &domain.ApiError{Protocol: s.protocol, Cause: ctx.Err()}
	}
	alloc, _ := s.GetCurrentAllocation(ctx)
	rate := s.rate(alloc.Bandwidth)
	return domain.EarningsData{
		Timestamp:                 time.Now(),
		EarningsAccountCurrency:   rate,
		EarningsNativeToken:       rate * 12.5,
		NativeTokenSymbol:         s.nativeSymbol,
		HourlyRateAccountCurrency: rate,
	}, nil
}

func (s *Streaming) GetHistoricalEarnings(ctx context.Context, hours int) ([]domain.EarningsData, error) {
	if !s.connectionHealthy() {
		return nil, &domain.ApiError{Protocol: s.protocol, Cause: ctx.Err()}
	}
	alloc, _ := s.GetCurrentAllocation(ctx)
	now := time.Now()
	samples := make([]domain.EarningsData, 0, hours)
	for h := hours; h >= 1; h-- {
		if h%7 == 0 {
			continue // missing hours are omitted, never interpolated
		}
		rate := s.rate(alloc.Bandwidth)
		samples = append(samples, domain.EarningsData{
			Timestamp:                 now.Add(-time.Duration(h) * time.Hour),
			EarningsAccountCurrency:   rate,
			EarningsNativeToken:       rate * 12.5,
			NativeTokenSymbol:         s.nativeSymbol,
			HourlyRateAccountCurrency: rate,
		})
	}
	return samples, nil
}

func (s *Streaming) GetResourceUsage(ctx context.Context) (domain.ResourceMetrics, error) {
	alloc, _ := s.GetCurrentAllocation(ctx)
	return domain.ResourceMetrics{
		Timestamp:     time.Now(),
		CPUPercent:    alloc.CPU * 40,
		MemoryMB:      alloc.Memory * 2048,
		BandwidthMbps: alloc.Bandwidth * 900,
		StorageGB:     alloc.Storage * 10,
	}, nil
}

func (s *Streaming) ApplyAllocation(ctx context.Context, strategy domain.AllocationStrategy) error {
	return s.applyAllocation(strategy)
}

func (s *Streaming) HealthCheck(ctx context.Context) domain.HealthStatus {
	healthy := s.connectionHealthy()
	errMsg := ""
	if !healthy {
		errMsg = "not connected"
	}
	return s.recordCheck(healthy, errMsg)
}

func (s *Streaming) DescribeConfig() map[string]interface{} {
	return map[string]interface{}{
		"kind":               "streaming",
		"dominant_dimension": "bandwidth",
		"base_rate_per_hour": s.baseRatePerHour,
	}
}
