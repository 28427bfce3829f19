// Package reallocation executes allocation plans against the registered
// adapters: it preflights hold-time and rate-limit constraints, applies
// changes in a fixed order, and rolls back everything it already applied
// if any later step fails.
package reallocation

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/protocol-yield-orchestrator/internal/adapter"
	"github.com/aristath/protocol-yield-orchestrator/internal/domain"
)

// Config holds the engine's tunables (spec §6.4).
type Config struct {
	MinHoldDuration   time.Duration // minimum time a protocol's allocation must stand before it may change again, default 1h
	MaxPerHour        int           // maximum number of reallocations executed per rolling hour, default 4
	AutoRollback      bool          // whether ExecuteReallocation rolls back on partial failure, default true
	BaseSwitchCost    float64       // fixed cost incurred whenever any protocol changes, default account-currency units
	PerProtocolCost   float64       // additional cost per protocol whose allocation actually changes
}

// DefaultConfig returns the spec's documented defaults.
func DefaultConfig() Config {
	return Config{
		MinHoldDuration: time.Hour,
		MaxPerHour:      4,
		AutoRollback:    true,
		BaseSwitchCost:  0.0,
		PerProtocolCost: 0.0,
	}
}

// AdapterSource resolves a registered adapter by protocol key. Coordinator
// satisfies this.
type AdapterSource interface {
	Adapter(protocol string) (adapter.Adapter, bool)
	Adapters() []string
}

// AuditWriter persists one allocation-change audit row.
type AuditWriter interface {
	RecordAllocationChange(ctx context.Context, change domain.AllocationChange) error
}

// AlertSink raises an alert when a reallocation fails badly enough to
// warrant operator attention.
type AlertSink interface {
	RecordAlert(ctx context.Context, alert domain.Alert) error
}

// Engine executes AllocationPlans against an AdapterSource.
type Engine struct {
	mu         sync.Mutex
	adapters   AdapterSource
	audit      AuditWriter
	alerts     AlertSink
	bounds     map[string]domain.Bounds
	cfg        Config
	log        zerolog.Logger
	lastChange map[string]time.Time // protocol -> last successful change
	history    []time.Time          // successful-execution timestamps, for the rolling-hour cap
}

// New constructs an Engine. audit and alerts may be nil; when nil, audit
// rows and alerts are simply not recorded (useful in tests).
func New(adapters AdapterSource, audit AuditWriter, alerts AlertSink, bounds map[string]domain.Bounds, cfg Config, log zerolog.Logger) *Engine {
	return &Engine{
		adapters:   adapters,
		audit:      audit,
		alerts:     alerts,
		bounds:     bounds,
		cfg:        cfg,
		log:        log.With().Str("component", "reallocation").Logger(),
		lastChange: make(map[string]time.Time),
	}
}

// SetAlertSink wires the AlertSink after construction, for the case where
// the sink (the monitor) itself depends on something built from this
// engine (the optimizer), making a single construction order impossible.
func (e *Engine) SetAlertSink(alerts AlertSink) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.alerts = alerts
}

// CanReallocate reports whether target may currently be executed: the
// targets must sum to 1 within tolerance, every target must respect its
// protocol's declared bounds, no changed protocol may be within its hold
// duration, and the rolling-hour execution cap must not already be met.
func (e *Engine) CanReallocate(current, targets map[string]float64) error {
	sum := 0.0
	for _, v := range targets {
		sum += v
	}
	if diff := sum - 1.0; diff > domain.NumericTolerance || diff < -domain.NumericTolerance {
		return &domain.ReallocationError{Cause: &domain.CalculationError{Reason: "targets do not sum to 1.0"}}
	}

	for protocol, target := range targets {
		b, ok := e.bounds[protocol]
		if !ok {
			continue
		}
		if target < b.MinAllocation-domain.NumericTolerance || target > b.MaxAllocation+domain.NumericTolerance {
			return &domain.ReallocationError{Protocol: protocol, Cause: &domain.AllocationError{Protocol: protocol, Reason: "target outside declared bounds"}}
		}
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	now := time.Now()
	for protocol, target := range targets {
		if !e.changed(current[protocol], target) {
			continue
		}
		if last, ok := e.lastChange[protocol]; ok && now.Sub(last) < e.cfg.MinHoldDuration {
			return &domain.ReallocationError{Protocol: protocol, Cause: &domain.AllocationError{Protocol: protocol, Reason: "protocol is within its minimum hold duration"}}
		}
	}

	cutoff := now.Add(-time.Hour)
	count := 0
	for _, t := range e.history {
		if t.After(cutoff) {
			count++
		}
	}
	if count >= e.cfg.MaxPerHour {
		return &domain.ReallocationError{Cause: &domain.CalculationError{Reason: "rolling-hour reallocation cap reached"}}
	}

	return nil
}

func (e *Engine) changed(old, target float64) bool {
	diff := old - target
	if diff < 0 {
		diff = -diff
	}
	return diff > domain.NumericTolerance
}

// EstimateCost returns BaseSwitchCost plus PerProtocolCost for every
// protocol whose target differs from its current allocation. A plan with
// no actual changes costs nothing.
func (e *Engine) EstimateCost(current, target map[string]float64) float64 {
	changed := 0
	for protocol, t := range target {
		if e.changed(current[protocol], t) {
			changed++
		}
	}
	if changed == 0 {
		return 0
	}
	return e.cfg.BaseSwitchCost + e.cfg.PerProtocolCost*float64(changed)
}

// ExecuteReallocation applies targets to every registered adapter in
// lexicographic protocol order. If any adapter's ApplyAllocation fails,
// every protocol already changed in this call is rolled back to its
// previous allocation in reverse order. If AutoRollback is false, failure
// leaves whatever was already applied in place.
func (e *Engine) ExecuteReallocation(ctx context.Context, current, targets map[string]float64, reason string) ([]domain.AllocationChange, error) {
	if err := e.CanReallocate(current, targets); err != nil {
		return nil, err
	}

	protocols := make([]string, 0, len(targets))
	for p := range targets {
		protocols = append(protocols, p)
	}
	sort.Strings(protocols)

	type applied struct {
		protocol string
		old      domain.AllocationStrategy
	}
	var done []applied
	var changes []domain.AllocationChange

	rollback := func() bool {
		ok := true
		for i := len(done) - 1; i >= 0; i-- {
			a, found := e.adapters.Adapter(done[i].protocol)
			if !found {
				ok = false
				continue
			}
			if err := a.ApplyAllocation(ctx, done[i].old); err != nil {
				e.log.Error().Str("protocol", done[i].protocol).Err(err).Msg("rollback failed")
				ok = false
			}
		}
		return ok
	}

	for _, protocol := range protocols {
		target := targets[protocol]
		a, found := e.adapters.Adapter(protocol)
		if !found {
			continue
		}
		if !e.changed(current[protocol], target) {
			continue
		}

		old, err := a.GetCurrentAllocation(ctx)
		if err != nil {
			rolledBack := e.cfg.AutoRollback && rollback()
			return changes, e.fail(ctx, protocol, err, rolledBack)
		}

		newStrategy := domain.WithFraction(target, old.Priority)
		if err := a.ApplyAllocation(ctx, newStrategy); err != nil {
			rolledBack := e.cfg.AutoRollback && rollback()
			return changes, e.fail(ctx, protocol, err, rolledBack)
		}

		done = append(done, applied{protocol: protocol, old: old})
		changes = append(changes, domain.AllocationChange{
			Timestamp:   time.Now(),
			Protocol:    protocol,
			OldFraction: old.Fraction(),
			NewFraction: target,
			Reason:      reason,
		})
	}

	// Audit rows are only written once every protocol in this batch has
	// applied successfully — writing them inside the loop would leave
	// rows on disk for protocols a later failure rolled back (S5: a
	// rolled-back reallocation writes zero AllocationChange rows).
	if e.audit != nil {
		for _, change := range changes {
			if err := e.audit.RecordAllocationChange(ctx, change); err != nil {
				e.log.Error().Str("protocol", change.Protocol).Err(err).Msg("failed to persist allocation change audit row")
			}
		}
	}

	e.mu.Lock()
	now := time.Now()
	for _, p := range done {
		e.lastChange[p.protocol] = now
	}
	if len(done) > 0 {
		e.history = append(e.history, now)
	}
	e.mu.Unlock()

	return changes, nil
}

func (e *Engine) fail(ctx context.Context, protocol string, cause error, rolledBack bool) error {
	rollbackAttempted := e.cfg.AutoRollback
	rollbackFailed := rollbackAttempted && !rolledBack
	reallocErr := &domain.ReallocationError{
		Protocol:       protocol,
		Cause:          cause,
		RolledBack:     rolledBack,
		RollbackFailed: rollbackFailed,
	}
	if rollbackFailed && e.alerts != nil {
		alert := domain.Alert{
			Timestamp: time.Now(),
			Kind:      domain.AlertReallocationFailed,
			Protocol:  protocol,
			Severity:  0.9,
			Message:   reallocErr.Error(),
		}
		if err := e.alerts.RecordAlert(ctx, alert); err != nil {
			e.log.Error().Err(err).Msg("failed to record reallocation-failed alert")
		}
	}
	return reallocErr
}
