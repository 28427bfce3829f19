package adapter

import (
	"context"
	"math/rand"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/protocol-yield-orchestrator/internal/domain"
)

// Storage is the reference adapter for decentralized-storage backends.
// Its dominant resource dimension is storage, and its earnings formula is
// linear in the storage fraction allocated — storage networks pay per
// byte pledged, with no saturation effect.
type Storage struct {
	base
	baseRatePerHour float64
	nativeSymbol    string
	rng             *rand.Rand
}

func NewStorage(protocol string, bounds domain.Bounds, baseRatePerHour float64, log zerolog.Logger) *Storage {
	return &Storage{
		base:            newBase(protocol, bounds, log),
		baseRatePerHour: baseRatePerHour,
		nativeSymbol:    "STOR",
		rng:             rand.New(rand.NewSource(time.Now().UnixNano() + 1)),
	}
}

func (s *Storage) Connect(ctx context.Context) error {
	return s.connect(ctx, func(ctx context.Context) error {
		select {
		case <-ctx.Done():
			return &domain.ConnectionError{Protocol: s.protocol, Cause: ctx.Err()}
		case <-time.After(5 * time.Millisecond):
			return nil
		}
	})
}

func (s *Storage) rate(storageFraction float64) float64 {
	s.mu.Lock() // rng is not safe for concurrent use
	defer s.mu.Unlock()
	if storageFraction <= 0 {
		return 0
	}
	jitter := 1 + (s.rng.Float64()-0.5)*0.08
	return s.baseRatePerHour * storageFraction * jitter
}

func (s *Storage) GetCurrentEarnings(ctx context.Context) (domain.EarningsData, error) {
	if !s.connectionHealthy() {
		return domain.EarningsData{}, &domain.ApiError{Protocol: s.protocol, Cause: ctx.Err()}
	}
	alloc, _ := s.GetCurrentAllocation(ctx)
	rate := s.rate(alloc.Storage)
	return domain.EarningsData{
		Timestamp:                 time.Now(),
		EarningsAccountCurrency:   rate,
		EarningsNativeToken:       rate * 30,
		NativeTokenSymbol:         s.nativeSymbol,
		HourlyRateAccountCurrency: rate,
	}, nil
}

func (s *Storage) GetHistoricalEarnings(ctx context.Context, hours int) ([]domain.EarningsData, error) {
	if !s.connectionHealthy() {
		return nil, &domain.ApiError{Protocol: s.protocol, Cause: ctx.Err()}
	}
	alloc, _ := s.GetCurrentAllocation(ctx)
	now := time.Now()
	samples := make([]domain.EarningsData, 0, hours)
	for h := hours; h >= 1; h-- {
		if h%11 == 0 {
			continue
		}
		rate := s.rate(alloc.Storage)
		samples = append(samples, domain.EarningsData{
			Timestamp:                 now.Add(-time.Duration(h) * time.Hour),
			EarningsAccountCurrency:   rate,
			EarningsNativeToken:       rate * 30,
			NativeTokenSymbol:         s.nativeSymbol,
			HourlyRateAccountCurrency: rate,
		})
	}
	return samples, nil
}

func (s *Storage) GetResourceUsage(ctx context.Context) (domain.ResourceMetrics, error) {
	alloc, _ := s.GetCurrentAllocation(ctx)
	return domain.ResourceMetrics{
		Timestamp:     time.Now(),
		CPUPercent:    alloc.CPU * 15,
		MemoryMB:      alloc.Memory * 1024,
		BandwidthMbps: alloc.Bandwidth * 100,
		StorageGB:     alloc.Storage * 2000,
	}, nil
}

func (s *Storage) ApplyAllocation(ctx context.Context, strategy domain.AllocationStrategy) error {
	return s.applyAllocation(strategy)
}

func (s *Storage) HealthCheck(ctx context.Context) domain.HealthStatus {
	healthy := s.connectionHealthy()
	errMsg := ""
	if !healthy {
		errMsg = "not connected"
	}
	return s.recordCheck(healthy, errMsg)
}

func (s *Storage) DescribeConfig() map[string]interface{} {
	return map[string]interface{}{
		"kind":               "storage",
		"dominant_dimension": "storage",
		"base_rate_per_hour": s.baseRatePerHour,
	}
}
