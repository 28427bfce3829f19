// Package store persists coordinator snapshots, reallocation audit rows,
// alerts and API keys to the sqlite database opened by internal/database.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/protocol-yield-orchestrator/internal/domain"
)

// Store is the orchestrator's persistence layer.
type Store struct {
	db  *sql.DB
	log zerolog.Logger
}

// New wraps an already-migrated *sql.DB.
func New(db *sql.DB, log zerolog.Logger) *Store {
	return &Store{db: db, log: log.With().Str("component", "store").Logger()}
}

// RecordSnapshot persists one coordinator snapshot and its per-protocol
// breakdown in a single transaction.
func (s *Store) RecordSnapshot(ctx context.Context, snap domain.AggregatedMetrics) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return &domain.DataError{Operation: "record snapshot begin", Cause: err}
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `
		INSERT INTO metrics (timestamp, total_earnings_per_hour, cpu_percent, memory_percent, bandwidth_percent, storage_percent, disconnected_count)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		snap.Timestamp.Format(time.RFC3339Nano),
		snap.TotalEarningsPerHour,
		snap.Utilization.CPUPercent,
		snap.Utilization.MemoryPercent,
		snap.Utilization.BandwidthPercent,
		snap.Utilization.StoragePercent,
		snap.Utilization.DisconnectedCount,
	)
	if err != nil {
		return &domain.DataError{Operation: "record snapshot", Cause: err}
	}
	metricID, err := res.LastInsertId()
	if err != nil {
		return &domain.DataError{Operation: "record snapshot id", Cause: err}
	}

	for protocol, connected := range snap.ConnectedByProtocol {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO protocol_metrics (metric_id, protocol, earnings_per_hour, allocation_fraction, connected)
			VALUES (?, ?, ?, ?, ?)`,
			metricID, protocol, snap.EarningsByProtocol[protocol], snap.AllocationByProtocol[protocol], connected,
		)
		if err != nil {
			return &domain.DataError{Operation: "record protocol metric", Cause: err}
		}
	}

	if err := tx.Commit(); err != nil {
		return &domain.DataError{Operation: "record snapshot commit", Cause: err}
	}
	return nil
}

// GetMetricsForPeriod reconstructs snapshots whose timestamp falls within
// [start, end], for cases where history must be read back from disk
// rather than from the coordinator's in-memory ring (e.g. after restart,
// or for a period that has already scrolled out of the ring).
func (s *Store) GetMetricsForPeriod(ctx context.Context, start, end time.Time) ([]domain.AggregatedMetrics, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, timestamp, total_earnings_per_hour, cpu_percent, memory_percent, bandwidth_percent, storage_percent, disconnected_count
		FROM metrics WHERE timestamp >= ? AND timestamp <= ? ORDER BY timestamp ASC`,
		start.Format(time.RFC3339Nano), end.Format(time.RFC3339Nano),
	)
	if err != nil {
		return nil, &domain.DataError{Operation: "query metrics for period", Cause: err}
	}
	defer rows.Close()

	type row struct {
		id  int64
		ts  string
		m   domain.AggregatedMetrics
	}
	var parsed []row
	for rows.Next() {
		var r row
		if err := rows.Scan(&r.id, &r.ts, &r.m.TotalEarningsPerHour,
			&r.m.Utilization.CPUPercent, &r.m.Utilization.MemoryPercent,
			&r.m.Utilization.BandwidthPercent, &r.m.Utilization.StoragePercent,
			&r.m.Utilization.DisconnectedCount); err != nil {
			return nil, &domain.DataError{Operation: "scan metrics row", Cause: err}
		}
		ts, err := time.Parse(time.RFC3339Nano, r.ts)
		if err != nil {
			return nil, &domain.DataError{Operation: "parse metrics timestamp", Cause: err}
		}
		r.m.Timestamp = ts
		parsed = append(parsed, r)
	}
	if err := rows.Err(); err != nil {
		return nil, &domain.DataError{Operation: "iterate metrics rows", Cause: err}
	}

	out := make([]domain.AggregatedMetrics, len(parsed))
	for i, r := range parsed {
		earnings, alloc, connected, err := s.protocolBreakdown(ctx, r.id)
		if err != nil {
			return nil, err
		}
		r.m.EarningsByProtocol = earnings
		r.m.AllocationByProtocol = alloc
		r.m.ConnectedByProtocol = connected
		out[i] = r.m
	}
	return out, nil
}

func (s *Store) protocolBreakdown(ctx context.Context, metricID int64) (map[string]float64, map[string]float64, map[string]bool, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT protocol, earnings_per_hour, allocation_fraction, connected FROM protocol_metrics WHERE metric_id = ?`,
		metricID,
	)
	if err != nil {
		return nil, nil, nil, &domain.DataError{Operation: "query protocol metrics", Cause: err}
	}
	defer rows.Close()

	earnings := make(map[string]float64)
	alloc := make(map[string]float64)
	connected := make(map[string]bool)
	for rows.Next() {
		var protocol string
		var e, a float64
		var c bool
		if err := rows.Scan(&protocol, &e, &a, &c); err != nil {
			return nil, nil, nil, &domain.DataError{Operation: "scan protocol metric", Cause: err}
		}
		earnings[protocol] = e
		alloc[protocol] = a
		connected[protocol] = c
	}
	if err := rows.Err(); err != nil {
		return nil, nil, nil, &domain.DataError{Operation: "iterate protocol metrics", Cause: err}
	}
	return earnings, alloc, connected, nil
}

// RecordAllocationChange appends one audit row. It implements
// reallocation.AuditWriter.
func (s *Store) RecordAllocationChange(ctx context.Context, change domain.AllocationChange) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO reallocations (timestamp, protocol, old_fraction, new_fraction, earnings_impact, reason)
		VALUES (?, ?, ?, ?, ?, ?)`,
		change.Timestamp.Format(time.RFC3339Nano), change.Protocol, change.OldFraction, change.NewFraction,
		change.EarningsImpact, change.Reason,
	)
	if err != nil {
		return &domain.DataError{Operation: "record allocation change", Cause: err}
	}
	return nil
}

// RecentAllocationChanges returns the most recent audit rows, newest
// first. It implements monitor.ChangeHistory.
func (s *Store) RecentAllocationChanges(ctx context.Context, limit int) ([]domain.AllocationChange, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, timestamp, protocol, old_fraction, new_fraction, earnings_impact, reason
		FROM reallocations ORDER BY timestamp DESC LIMIT ?`, limit,
	)
	if err != nil {
		return nil, &domain.DataError{Operation: "query recent allocation changes", Cause: err}
	}
	defer rows.Close()

	var out []domain.AllocationChange
	for rows.Next() {
		var c domain.AllocationChange
		var ts string
		var impact sql.NullFloat64
		if err := rows.Scan(&c.ID, &ts, &c.Protocol, &c.OldFraction, &c.NewFraction, &impact, &c.Reason); err != nil {
			return nil, &domain.DataError{Operation: "scan allocation change", Cause: err}
		}
		parsed, err := time.Parse(time.RFC3339Nano, ts)
		if err != nil {
			return nil, &domain.DataError{Operation: "parse allocation change timestamp", Cause: err}
		}
		c.Timestamp = parsed
		if impact.Valid {
			v := impact.Float64
			c.EarningsImpact = &v
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, &domain.DataError{Operation: "iterate allocation changes", Cause: err}
	}
	return out, nil
}

// SetEarningsImpact retroactively populates the earnings impact of a
// previously recorded allocation change, once the next snapshot after it
// is available (spec §13 decision: earnings realization is
// retroactive-only).
func (s *Store) SetEarningsImpact(ctx context.Context, id int64, impact float64) error {
	_, err := s.db.ExecContext(ctx, `UPDATE reallocations SET earnings_impact = ? WHERE id = ?`, impact, id)
	if err != nil {
		return &domain.DataError{Operation: "set earnings impact", Cause: err}
	}
	return nil
}

// RecordAlert persists one alert row. It implements reallocation.AlertSink.
func (s *Store) RecordAlert(ctx context.Context, alert domain.Alert) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO alerts (timestamp, kind, protocol, severity, message, acknowledged)
		VALUES (?, ?, ?, ?, ?, ?)`,
		alert.Timestamp.Format(time.RFC3339Nano), string(alert.Kind), alert.Protocol, alert.Severity, alert.Message, alert.Acknowledged,
	)
	if err != nil {
		return &domain.DataError{Operation: "record alert", Cause: err}
	}
	return nil
}

// RecentAlerts returns the most recent alert rows, newest first.
func (s *Store) RecentAlerts(ctx context.Context, limit int) ([]domain.Alert, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, timestamp, kind, protocol, severity, message, acknowledged
		FROM alerts ORDER BY timestamp DESC LIMIT ?`, limit,
	)
	if err != nil {
		return nil, &domain.DataError{Operation: "query recent alerts", Cause: err}
	}
	defer rows.Close()

	var out []domain.Alert
	for rows.Next() {
		var a domain.Alert
		var ts, kind string
		var protocol sql.NullString
		if err := rows.Scan(&a.ID, &ts, &kind, &protocol, &a.Severity, &a.Message, &a.Acknowledged); err != nil {
			return nil, &domain.DataError{Operation: "scan alert", Cause: err}
		}
		parsed, err := time.Parse(time.RFC3339Nano, ts)
		if err != nil {
			return nil, &domain.DataError{Operation: "parse alert timestamp", Cause: err}
		}
		a.Timestamp = parsed
		a.Kind = domain.AlertKind(kind)
		a.Protocol = protocol.String
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, &domain.DataError{Operation: "iterate alerts", Cause: err}
	}
	return out, nil
}

// AcknowledgeAlert marks an alert acknowledged by ID.
func (s *Store) AcknowledgeAlert(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx, `UPDATE alerts SET acknowledged = 1 WHERE id = ?`, id)
	if err != nil {
		return &domain.DataError{Operation: "acknowledge alert", Cause: err}
	}
	return nil
}

// CreateApiKey persists a new key. KeyHash must already be a bcrypt hash —
// the store never sees plaintext key material.
func (s *Store) CreateApiKey(ctx context.Context, key domain.ApiKey) error {
	perms, err := json.Marshal(key.Permissions)
	if err != nil {
		return &domain.DataError{Operation: "marshal api key permissions", Cause: err}
	}
	var expiresAt, lastUsedAt interface{}
	if key.ExpiresAt != nil {
		expiresAt = key.ExpiresAt.Format(time.RFC3339Nano)
	}
	if key.LastUsedAt != nil {
		lastUsedAt = key.LastUsedAt.Format(time.RFC3339Nano)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO api_keys (id, name, description, key_hash, prefix, created_at, expires_at, last_used_at, is_active, rate_limit_per_minute, permissions)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		key.ID, key.Name, key.Description, key.KeyHash, key.Prefix,
		key.CreatedAt.Format(time.RFC3339Nano), expiresAt, lastUsedAt, key.IsActive, key.RateLimitPerMinute, string(perms),
	)
	if err != nil {
		return &domain.DataError{Operation: "create api key", Cause: err}
	}
	return nil
}

// ActiveApiKeys returns every key with is_active = 1, for the auth
// middleware to hold in memory and verify against.
func (s *Store) ActiveApiKeys(ctx context.Context) ([]domain.ApiKey, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, description, key_hash, prefix, created_at, expires_at, last_used_at, is_active, rate_limit_per_minute, permissions
		FROM api_keys WHERE is_active = 1`,
	)
	if err != nil {
		return nil, &domain.DataError{Operation: "query active api keys", Cause: err}
	}
	defer rows.Close()
	return scanApiKeys(rows)
}

// AllApiKeys returns every key regardless of active state, newest first,
// for the admin listing endpoint.
func (s *Store) AllApiKeys(ctx context.Context) ([]domain.ApiKey, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, description, key_hash, prefix, created_at, expires_at, last_used_at, is_active, rate_limit_per_minute, permissions
		FROM api_keys ORDER BY created_at DESC`,
	)
	if err != nil {
		return nil, &domain.DataError{Operation: "query all api keys", Cause: err}
	}
	defer rows.Close()
	return scanApiKeys(rows)
}

// GetApiKey returns a single key by ID, or false if none exists.
func (s *Store) GetApiKey(ctx context.Context, id string) (domain.ApiKey, bool, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, description, key_hash, prefix, created_at, expires_at, last_used_at, is_active, rate_limit_per_minute, permissions
		FROM api_keys WHERE id = ?`, id,
	)
	if err != nil {
		return domain.ApiKey{}, false, &domain.DataError{Operation: "query api key", Cause: err}
	}
	defer rows.Close()
	keys, err := scanApiKeys(rows)
	if err != nil {
		return domain.ApiKey{}, false, err
	}
	if len(keys) == 0 {
		return domain.ApiKey{}, false, nil
	}
	return keys[0], true, nil
}

// UpdateApiKey replaces the mutable fields of an existing key (name,
// description, expiry, active state, rate limit, permissions). It does not touch
// KeyHash, Prefix or CreatedAt.
func (s *Store) UpdateApiKey(ctx context.Context, key domain.ApiKey) error {
	perms, err := json.Marshal(key.Permissions)
	if err != nil {
		return &domain.DataError{Operation: "marshal api key permissions", Cause: err}
	}
	var expiresAt interface{}
	if key.ExpiresAt != nil {
		expiresAt = key.ExpiresAt.Format(time.RFC3339Nano)
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE api_keys SET name = ?, description = ?, expires_at = ?, is_active = ?, rate_limit_per_minute = ?, permissions = ?
		WHERE id = ?`,
		key.Name, key.Description, expiresAt, key.IsActive, key.RateLimitPerMinute, string(perms), key.ID,
	)
	if err != nil {
		return &domain.DataError{Operation: "update api key", Cause: err}
	}
	n, err := res.RowsAffected()
	if err != nil {
		return &domain.DataError{Operation: "update api key rows affected", Cause: err}
	}
	if n == 0 {
		return &domain.DataError{Operation: "update api key", Cause: fmt.Errorf("no key with id %q", key.ID)}
	}
	return nil
}

func scanApiKeys(rows *sql.Rows) ([]domain.ApiKey, error) {
	var out []domain.ApiKey
	for rows.Next() {
		var k domain.ApiKey
		var createdAt string
		var expiresAt, lastUsedAt sql.NullString
		var permsJSON string
		if err := rows.Scan(&k.ID, &k.Name, &k.Description, &k.KeyHash, &k.Prefix, &createdAt, &expiresAt, &lastUsedAt, &k.IsActive, &k.RateLimitPerMinute, &permsJSON); err != nil {
			return nil, &domain.DataError{Operation: "scan api key", Cause: err}
		}
		parsed, err := time.Parse(time.RFC3339Nano, createdAt)
		if err != nil {
			return nil, &domain.DataError{Operation: "parse api key created_at", Cause: err}
		}
		k.CreatedAt = parsed
		if expiresAt.Valid {
			t, err := time.Parse(time.RFC3339Nano, expiresAt.String)
			if err != nil {
				return nil, &domain.DataError{Operation: "parse api key expires_at", Cause: err}
			}
			k.ExpiresAt = &t
		}
		if lastUsedAt.Valid {
			t, err := time.Parse(time.RFC3339Nano, lastUsedAt.String)
			if err != nil {
				return nil, &domain.DataError{Operation: "parse api key last_used_at", Cause: err}
			}
			k.LastUsedAt = &t
		}
		if err := json.Unmarshal([]byte(permsJSON), &k.Permissions); err != nil {
			return nil, &domain.DataError{Operation: "unmarshal api key permissions", Cause: err}
		}
		out = append(out, k)
	}
	if err := rows.Err(); err != nil {
		return nil, &domain.DataError{Operation: "iterate api keys", Cause: err}
	}
	return out, nil
}

// TouchApiKeyLastUsed best-effort updates last_used_at; callers should not
// treat failures here as request-fatal.
func (s *Store) TouchApiKeyLastUsed(ctx context.Context, id string, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `UPDATE api_keys SET last_used_at = ? WHERE id = ?`, at.Format(time.RFC3339Nano), id)
	if err != nil {
		return &domain.DataError{Operation: "touch api key last used", Cause: err}
	}
	return nil
}

// RevokeApiKey deactivates a key without deleting its audit trail.
func (s *Store) RevokeApiKey(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE api_keys SET is_active = 0 WHERE id = ?`, id)
	if err != nil {
		return &domain.DataError{Operation: "revoke api key", Cause: err}
	}
	n, err := res.RowsAffected()
	if err != nil {
		return &domain.DataError{Operation: "revoke api key rows affected", Cause: err}
	}
	if n == 0 {
		return &domain.DataError{Operation: "revoke api key", Cause: fmt.Errorf("no key with id %q", id)}
	}
	return nil
}

// ApplyRetention deletes rows older than the configured windows: metrics
// (and their protocol_metrics children) older than retentionDays, and
// reallocations/alerts beyond their count caps.
func (s *Store) ApplyRetention(ctx context.Context, retentionDays int, maxReallocations, maxAlerts int) error {
	cutoff := time.Now().AddDate(0, 0, -retentionDays).Format(time.RFC3339Nano)
	if _, err := s.db.ExecContext(ctx, `DELETE FROM metrics WHERE timestamp < ?`, cutoff); err != nil {
		return &domain.DataError{Operation: "retention: metrics", Cause: err}
	}
	// protocol_metrics rows are removed via ON DELETE CASCADE.

	if _, err := s.db.ExecContext(ctx, `
		DELETE FROM reallocations WHERE id NOT IN (
			SELECT id FROM reallocations ORDER BY timestamp DESC LIMIT ?
		)`, maxReallocations); err != nil {
		return &domain.DataError{Operation: "retention: reallocations", Cause: err}
	}

	if _, err := s.db.ExecContext(ctx, `
		DELETE FROM alerts WHERE id NOT IN (
			SELECT id FROM alerts ORDER BY timestamp DESC LIMIT ?
		)`, maxAlerts); err != nil {
		return &domain.DataError{Operation: "retention: alerts", Cause: err}
	}

	return nil
}
