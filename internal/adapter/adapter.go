// Package adapter defines the protocol-adapter contract (spec §4.1) and its
// four reference implementations. Every adapter is safe for concurrent
// reads; writes to internal state are serialized by each adapter's own
// mutex — callers never need to lock around an adapter.
package adapter

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/protocol-yield-orchestrator/internal/domain"
)

// Adapter is the polymorphic capability set every protocol backend
// implements. There is exactly one layer of polymorphism: the four
// reference variants (Streaming, Storage, Compute, Bandwidth) and any
// future variant all satisfy this single interface.
type Adapter interface {
	// Protocol returns the adapter's stable registry key.
	Protocol() string

	// Connect transitions Disconnected|Error -> Connecting -> Connected.
	Connect(ctx context.Context) error

	// Disconnect transitions any state to Disconnected. Never fails
	// observably.
	Disconnect(ctx context.Context)

	// Status returns the adapter's current connection status.
	Status() domain.ConnectionStatus

	// GetCurrentEarnings returns the latest earnings sample.
	GetCurrentEarnings(ctx context.Context) (domain.EarningsData, error)

	// GetHistoricalEarnings returns at most `hours` samples, newest last.
	// Missing hours are omitted, never interpolated.
	GetHistoricalEarnings(ctx context.Context, hours int) ([]domain.EarningsData, error)

	// GetResourceUsage returns a non-blocking resource snapshot.
	GetResourceUsage(ctx context.Context) (domain.ResourceMetrics, error)

	// ApplyAllocation validates and applies a new allocation strategy.
	// Idempotent when given a strategy equal to the current one.
	ApplyAllocation(ctx context.Context, strategy domain.AllocationStrategy) error

	// GetCurrentAllocation returns the strategy currently in effect.
	GetCurrentAllocation(ctx context.Context) (domain.AllocationStrategy, error)

	// HealthCheck returns health regardless of connection state.
	HealthCheck(ctx context.Context) domain.HealthStatus

	// Bounds returns the adapter-declared [min,max] allocation bounds.
	Bounds() domain.Bounds

	// DescribeConfig returns a read-only view of protocol-specific
	// configuration, for diagnostics only (never credentials).
	DescribeConfig() map[string]interface{}
}

// base holds the state and synchronization common to every reference
// adapter: connection lifecycle, current allocation, and health history.
// Reference adapters embed base and add only their earnings formula and
// dominant resource dimension.
type base struct {
	mu       sync.RWMutex
	protocol string
	bounds   domain.Bounds
	log      zerolog.Logger

	status     domain.ConnectionStatus
	allocation domain.AllocationStrategy
	connectedAt time.Time
	lastCheck  time.Time
	lastError  string
	uptimeOK   int
	uptimeTotal int
}

func newBase(protocol string, bounds domain.Bounds, log zerolog.Logger) base {
	return base{
		protocol:   protocol,
		bounds:     bounds,
		log:        log.With().Str("protocol", protocol).Logger(),
		status:     domain.ConnectionStatus{State: domain.StateDisconnected},
		allocation: domain.WithFraction(bounds.MinAllocation, 5),
	}
}

func (b *base) Protocol() string { return b.protocol }

func (b *base) Bounds() domain.Bounds {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.bounds
}

func (b *base) Status() domain.ConnectionStatus {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.status
}

func (b *base) connect(ctx context.Context, dial func(context.Context) error) error {
	b.mu.Lock()
	if b.status.State == domain.StateConnected {
		b.mu.Unlock()
		return nil // idempotent at Connected
	}
	b.status = domain.ConnectionStatus{State: domain.StateConnecting}
	b.mu.Unlock()

	if err := dial(ctx); err != nil {
		b.mu.Lock()
		b.status = domain.ConnectionStatus{State: domain.StateError, Message: err.Error()}
		b.lastError = err.Error()
		b.mu.Unlock()
		return err
	}

	b.mu.Lock()
	b.status = domain.ConnectionStatus{State: domain.StateConnected}
	b.connectedAt = time.Now()
	b.mu.Unlock()
	return nil
}

func (b *base) Disconnect(ctx context.Context) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.status = domain.ConnectionStatus{State: domain.StateDisconnected}
}

func (b *base) GetCurrentAllocation(ctx context.Context) (domain.AllocationStrategy, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.allocation, nil
}

func (b *base) applyAllocation(strategy domain.AllocationStrategy) error {
	fractions := []float64{strategy.CPU, strategy.Memory, strategy.Bandwidth, strategy.Storage}
	b.mu.RLock()
	bounds := b.bounds
	b.mu.RUnlock()

	for _, f := range fractions {
		if f < bounds.MinAllocation-domain.NumericTolerance || f > bounds.MaxAllocation+domain.NumericTolerance {
			return &domain.AllocationError{
				Protocol: b.protocol,
				Reason:   "fraction outside declared bounds",
			}
		}
	}

	b.mu.Lock()
	b.allocation = strategy
	b.mu.Unlock()
	return nil
}

func (b *base) recordCheck(healthy bool, errMsg string) domain.HealthStatus {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.lastCheck = time.Now()
	b.uptimeTotal++
	if healthy {
		b.uptimeOK++
	}
	if errMsg != "" {
		b.lastError = errMsg
	}

	uptimePct := 100.0
	if b.uptimeTotal > 0 {
		uptimePct = 100.0 * float64(b.uptimeOK) / float64(b.uptimeTotal)
	}

	status := domain.HealthStatus{
		IsHealthy:   healthy,
		UptimePct:   uptimePct,
		LastCheckAt: b.lastCheck,
	}
	if !healthy {
		status.LastError = b.lastError
	}
	return status
}

func (b *base) connectionHealthy() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.status.State == domain.StateConnected
}
