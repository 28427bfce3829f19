// Package coordinator polls every registered protocol adapter on a fixed
// cadence, degrades failed adapters rather than failing the whole poll, and
// keeps a bounded in-memory history of aggregated snapshots for the
// optimizer and monitor to read.
package coordinator

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/protocol-yield-orchestrator/internal/adapter"
	"github.com/aristath/protocol-yield-orchestrator/internal/domain"
)

// DefaultPerAdapterTimeout bounds how long PollAll waits on any single
// adapter before treating it as failed for this cycle.
const DefaultPerAdapterTimeout = 5 * time.Second

// DefaultHistoryCapacity is the number of snapshots kept in the in-memory
// ring before the oldest are evicted.
const DefaultHistoryCapacity = 1000

// Coordinator owns the registered adapters and the rolling snapshot
// history derived from polling them.
type Coordinator struct {
	mu               sync.RWMutex
	adapters         map[string]adapter.Adapter
	order            []string // registration order, used by Adapters and PollAll
	perAdapterTimeout time.Duration
	capacity         int
	history          []domain.AggregatedMetrics // strictly increasing by Timestamp
	log              zerolog.Logger
}

// New constructs a Coordinator with no adapters registered yet.
func New(log zerolog.Logger, capacity int, perAdapterTimeout time.Duration) *Coordinator {
	if capacity <= 0 {
		capacity = DefaultHistoryCapacity
	}
	if perAdapterTimeout <= 0 {
		perAdapterTimeout = DefaultPerAdapterTimeout
	}
	return &Coordinator{
		adapters:          make(map[string]adapter.Adapter),
		perAdapterTimeout: perAdapterTimeout,
		capacity:          capacity,
		history:           make([]domain.AggregatedMetrics, 0, capacity),
		log:               log.With().Str("component", "coordinator").Logger(),
	}
}

// Register adds an adapter under its protocol key. Re-registering the same
// protocol replaces the previous adapter.
func (c *Coordinator) Register(a adapter.Adapter) {
	c.mu.Lock()
	defer c.mu.Unlock()
	protocol := a.Protocol()
	if _, exists := c.adapters[protocol]; !exists {
		c.order = append(c.order, protocol)
	}
	c.adapters[protocol] = a
}

// Adapters returns the registered protocol keys in registration order.
func (c *Coordinator) Adapters() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, len(c.order))
	copy(out, c.order)
	return out
}

// Adapter returns the adapter registered under protocol, if any.
func (c *Coordinator) Adapter(protocol string) (adapter.Adapter, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	a, ok := c.adapters[protocol]
	return a, ok
}

type adapterResult struct {
	protocol   string
	connected  bool
	earnings   domain.EarningsData
	allocation domain.AllocationStrategy
	usage      domain.ResourceMetrics
	err        error
}

// PollAll fetches current earnings, resource usage and allocation from
// every registered adapter concurrently. An adapter that errors or exceeds
// perAdapterTimeout is degraded to zero earnings and marked disconnected
// for this cycle rather than aborting the poll. PollAll fails only when
// not a single adapter contributed a usable sample.
func (c *Coordinator) PollAll(ctx context.Context) (domain.AggregatedMetrics, error) {
	c.mu.RLock()
	protocols := make([]string, len(c.order))
	copy(protocols, c.order)
	adapters := make(map[string]adapter.Adapter, len(c.adapters))
	for k, v := range c.adapters {
		adapters[k] = v
	}
	timeout := c.perAdapterTimeout
	c.mu.RUnlock()

	results := make(chan adapterResult, len(protocols))
	var wg sync.WaitGroup
	for _, p := range protocols {
		p := p
		a := adapters[p]
		wg.Add(1)
		go func() {
			defer wg.Done()
			results <- c.pollOne(ctx, p, a, timeout)
		}()
	}
	wg.Wait()
	close(results)

	snapshot := domain.AggregatedMetrics{
		Timestamp:            time.Now(),
		EarningsByProtocol:   make(map[string]float64, len(protocols)),
		AllocationByProtocol: make(map[string]float64, len(protocols)),
		ConnectedByProtocol:  make(map[string]bool, len(protocols)),
	}

	var (
		contributed int
		cpuSum, memSum, bwSum, storSum float64
		disconnected int
	)
	for res := range results {
		snapshot.ConnectedByProtocol[res.protocol] = res.connected
		if res.err != nil {
			c.log.Warn().Str("protocol", res.protocol).Err(res.err).Msg("adapter poll degraded")
			snapshot.EarningsByProtocol[res.protocol] = 0
			snapshot.AllocationByProtocol[res.protocol] = res.allocation.Fraction()
			disconnected++
			continue
		}
		contributed++
		snapshot.EarningsByProtocol[res.protocol] = res.earnings.HourlyRateAccountCurrency
		snapshot.AllocationByProtocol[res.protocol] = res.allocation.Fraction()
		snapshot.TotalEarningsPerHour += res.earnings.HourlyRateAccountCurrency
		cpuSum += res.usage.CPUPercent
		memSum += res.usage.MemoryMB
		bwSum += res.usage.BandwidthMbps
		storSum += res.usage.StorageGB
		if !res.connected {
			disconnected++
		}
	}

	if contributed == 0 {
		return domain.AggregatedMetrics{}, &domain.CoordinationError{Cause: errNoAdapterContributed}
	}

	n := float64(len(protocols))
	if n > 0 {
		snapshot.Utilization = domain.ResourceUtilization{
			CPUPercent:        cpuSum / n,
			MemoryPercent:     memSum / n,
			BandwidthPercent:  bwSum / n,
			StoragePercent:    storSum / n,
			DisconnectedCount: disconnected,
		}
	}

	c.append(snapshot)
	return snapshot, nil
}

func (c *Coordinator) pollOne(ctx context.Context, protocol string, a adapter.Adapter, timeout time.Duration) adapterResult {
	if a == nil {
		return adapterResult{protocol: protocol, err: &domain.ConnectionError{Protocol: protocol}}
	}

	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	status := a.Status()
	connected := status.State == domain.StateConnected

	earnings, err := a.GetCurrentEarnings(cctx)
	if err != nil {
		// Fall back to last-known allocation, zero earnings, marked
		// disconnected — the cycle still produces a sample for every
		// other adapter.
		allocation, _ := a.GetCurrentAllocation(cctx)
		return adapterResult{
			protocol:   protocol,
			connected:  false,
			allocation: allocation,
			err:        err,
		}
	}

	allocation, err := a.GetCurrentAllocation(cctx)
	if err != nil {
		return adapterResult{protocol: protocol, connected: false, err: err}
	}

	usage, err := a.GetResourceUsage(cctx)
	if err != nil {
		return adapterResult{protocol: protocol, connected: false, err: err}
	}

	return adapterResult{
		protocol:   protocol,
		connected:  connected,
		earnings:   earnings,
		allocation: allocation,
		usage:      usage,
	}
}

// append adds a snapshot to the bounded ring, evicting the oldest entry
// when at capacity. Callers must already hold no lock; append takes its
// own.
func (c *Coordinator) append(snapshot domain.AggregatedMetrics) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.history) >= c.capacity {
		copy(c.history, c.history[1:])
		c.history = c.history[:len(c.history)-1]
	}
	c.history = append(c.history, snapshot)
}

// Latest returns the most recent snapshot, if any has been recorded.
func (c *Coordinator) Latest() (domain.AggregatedMetrics, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if len(c.history) == 0 {
		return domain.AggregatedMetrics{}, false
	}
	return c.history[len(c.history)-1], true
}

// Recent returns up to n of the most recent snapshots, oldest first.
func (c *Coordinator) Recent(n int) []domain.AggregatedMetrics {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if n <= 0 || n > len(c.history) {
		n = len(c.history)
	}
	out := make([]domain.AggregatedMetrics, n)
	copy(out, c.history[len(c.history)-n:])
	return out
}

// GetMetricsForPeriod returns every snapshot with Timestamp within
// [start, end], using a binary search since history is strictly
// increasing by Timestamp.
func (c *Coordinator) GetMetricsForPeriod(start, end time.Time) []domain.AggregatedMetrics {
	c.mu.RLock()
	defer c.mu.RUnlock()

	lo := sort.Search(len(c.history), func(i int) bool {
		return !c.history[i].Timestamp.Before(start)
	})
	hi := sort.Search(len(c.history), func(i int) bool {
		return c.history[i].Timestamp.After(end)
	})
	if lo >= hi {
		return nil
	}
	out := make([]domain.AggregatedMetrics, hi-lo)
	copy(out, c.history[lo:hi])
	return out
}

// Snapshot returns a copy of the full in-memory history, oldest first, for
// warm-cache persistence.
func (c *Coordinator) Snapshot() []domain.AggregatedMetrics {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]domain.AggregatedMetrics, len(c.history))
	copy(out, c.history)
	return out
}

// Restore replaces the in-memory history with previously persisted
// snapshots, truncating to capacity if necessary. Used at startup to warm
// the ring from the msgpack cache.
func (c *Coordinator) Restore(snapshots []domain.AggregatedMetrics) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(snapshots) > c.capacity {
		snapshots = snapshots[len(snapshots)-c.capacity:]
	}
	c.history = append(c.history[:0], snapshots...)
}

var errNoAdapterContributed = &noAdapterContributedError{}

type noAdapterContributedError struct{}

func (e *noAdapterContributedError) Error() string {
	return "no adapter contributed a usable sample this cycle"
}
