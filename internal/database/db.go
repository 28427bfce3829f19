// Package database provides the orchestrator's single sqlite connection
// with production-grade PRAGMA profiles, adapted from the same profile
// scheme used for the ledger/cache/standard databases elsewhere in this
// stack.
package database

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite" // pure Go SQLite driver
)

// Profile selects a PRAGMA configuration tuned for a particular access
// pattern.
type Profile string

const (
	// ProfileLedger maximizes durability for the append-only audit
	// tables (reallocations, alerts).
	ProfileLedger Profile = "ledger"
	// ProfileCache maximizes speed for ephemeral, rebuildable data (the
	// warm snapshot ring is NOT stored here — this profile exists for
	// any future disposable table).
	ProfileCache Profile = "cache"
	// ProfileStandard balances safety and speed for the metrics and
	// protocol_metrics tables.
	ProfileStandard Profile = "standard"
)

// Config configures a single database file.
type Config struct {
	Path    string
	Profile Profile
	Name    string // used only for logging and error messages
}

// DB wraps a *sql.DB with the profile it was opened under.
type DB struct {
	conn    *sql.DB
	path    string
	profile Profile
	name    string
}

// New opens (and if necessary creates) the database file at cfg.Path with
// the PRAGMAs appropriate to cfg.Profile.
func New(cfg Config) (*DB, error) {
	if !strings.HasPrefix(cfg.Path, "file:") {
		absPath, err := filepath.Abs(cfg.Path)
		if err != nil {
			return nil, fmt.Errorf("resolve database path: %w", err)
		}
		if err := os.MkdirAll(filepath.Dir(absPath), 0o755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
		cfg.Path = absPath
	}

	if cfg.Profile == "" {
		cfg.Profile = ProfileStandard
	}

	connStr := buildConnectionString(cfg.Path, cfg.Profile)
	conn, err := sql.Open("sqlite", connStr)
	if err != nil {
		return nil, fmt.Errorf("open database %s: %w", cfg.Name, err)
	}
	configureConnectionPool(conn, cfg.Profile)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := conn.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("ping database %s: %w", cfg.Name, err)
	}

	return &DB{conn: conn, path: cfg.Path, profile: cfg.Profile, name: cfg.Name}, nil
}

func buildConnectionString(path string, profile Profile) string {
	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}
	connStr := path + sep + "_pragma=journal_mode(WAL)"

	switch profile {
	case ProfileLedger:
		connStr += "&_pragma=synchronous(FULL)"
		connStr += "&_pragma=auto_vacuum(NONE)"
	case ProfileCache:
		connStr += "&_pragma=synchronous(OFF)"
		connStr += "&_pragma=auto_vacuum(FULL)"
		connStr += "&_pragma=temp_store(MEMORY)"
	case ProfileStandard:
		connStr += "&_pragma=synchronous(NORMAL)"
		connStr += "&_pragma=auto_vacuum(INCREMENTAL)"
		connStr += "&_pragma=temp_store(MEMORY)"
	}

	connStr += "&_pragma=foreign_keys(1)"
	connStr += "&_pragma=wal_autocheckpoint(1000)"
	connStr += "&_pragma=cache_size(-64000)"
	return connStr
}

func configureConnectionPool(conn *sql.DB, profile Profile) {
	conn.SetMaxOpenConns(25)
	conn.SetMaxIdleConns(5)
	conn.SetConnMaxLifetime(24 * time.Hour)
	conn.SetConnMaxIdleTime(30 * time.Minute)
	if profile == ProfileCache {
		conn.SetMaxOpenConns(10)
		conn.SetMaxIdleConns(2)
	}
}

// schema is the single source of truth for the orchestrator's tables.
// Every statement is idempotent so Migrate can run on every startup.
const schema = `
CREATE TABLE IF NOT EXISTS metrics (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	timestamp TEXT NOT NULL,
	total_earnings_per_hour REAL NOT NULL,
	cpu_percent REAL NOT NULL,
	memory_percent REAL NOT NULL,
	bandwidth_percent REAL NOT NULL,
	storage_percent REAL NOT NULL,
	disconnected_count INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_metrics_timestamp ON metrics(timestamp);

CREATE TABLE IF NOT EXISTS protocol_metrics (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	metric_id INTEGER NOT NULL REFERENCES metrics(id) ON DELETE CASCADE,
	protocol TEXT NOT NULL,
	earnings_per_hour REAL NOT NULL,
	allocation_fraction REAL NOT NULL,
	connected INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_protocol_metrics_metric_id ON protocol_metrics(metric_id);
CREATE INDEX IF NOT EXISTS idx_protocol_metrics_protocol ON protocol_metrics(protocol);

CREATE TABLE IF NOT EXISTS reallocations (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	timestamp TEXT NOT NULL,
	protocol TEXT NOT NULL,
	old_fraction REAL NOT NULL,
	new_fraction REAL NOT NULL,
	earnings_impact REAL,
	reason TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_reallocations_timestamp ON reallocations(timestamp);

CREATE TABLE IF NOT EXISTS alerts (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	timestamp TEXT NOT NULL,
	kind TEXT NOT NULL,
	protocol TEXT,
	severity REAL NOT NULL,
	message TEXT NOT NULL,
	acknowledged INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_alerts_timestamp ON alerts(timestamp);
CREATE INDEX IF NOT EXISTS idx_alerts_kind_protocol ON alerts(kind, protocol);

CREATE TABLE IF NOT EXISTS api_keys (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL,
	description TEXT,
	key_hash TEXT NOT NULL,
	prefix TEXT NOT NULL,
	created_at TEXT NOT NULL,
	expires_at TEXT,
	last_used_at TEXT,
	is_active INTEGER NOT NULL DEFAULT 1,
	rate_limit_per_minute INTEGER NOT NULL,
	permissions TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_api_keys_prefix ON api_keys(prefix);
`

// Migrate applies the schema. It is idempotent and safe to call on every
// startup.
func (db *DB) Migrate() error {
	tx, err := db.conn.Begin()
	if err != nil {
		return fmt.Errorf("begin schema transaction: %w", err)
	}
	if _, err := tx.Exec(schema); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("apply schema for %s: %w", db.name, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit schema for %s: %w", db.name, err)
	}
	return nil
}

// Close closes the underlying connection.
func (db *DB) Close() error { return db.conn.Close() }

// Conn returns the underlying *sql.DB for use by repositories.
func (db *DB) Conn() *sql.DB { return db.conn }

// Name returns the database's friendly name.
func (db *DB) Name() string { return db.name }

// Path returns the database file path.
func (db *DB) Path() string { return db.path }

// WithTransaction runs fn inside a transaction, committing on success and
// rolling back on error or panic.
func WithTransaction(conn *sql.DB, fn func(*sql.Tx) error) (err error) {
	tx, err := conn.Begin()
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			err = fmt.Errorf("panic in transaction: %v", p)
			return
		}
		if err != nil {
			if rbErr := tx.Rollback(); rbErr != nil {
				err = fmt.Errorf("transaction failed: %w (rollback also failed: %v)", err, rbErr)
			}
			return
		}
		if commitErr := tx.Commit(); commitErr != nil {
			err = fmt.Errorf("commit transaction: %w", commitErr)
		}
	}()
	err = fn(tx)
	return err
}

// HealthCheck pings the connection and runs SQLite's integrity check.
func (db *DB) HealthCheck(ctx context.Context) error {
	if err := db.conn.PingContext(ctx); err != nil {
		return fmt.Errorf("ping failed for %s: %w", db.name, err)
	}
	var result string
	if err := db.conn.QueryRowContext(ctx, "PRAGMA integrity_check").Scan(&result); err != nil {
		return fmt.Errorf("integrity check failed for %s: %w", db.name, err)
	}
	if result != "ok" {
		return fmt.Errorf("integrity check failed for %s: %s", db.name, result)
	}
	return nil
}

// WALCheckpoint forces a WAL checkpoint; mode is one of PASSIVE, FULL,
// RESTART or TRUNCATE.
func (db *DB) WALCheckpoint(mode string) error {
	if mode == "" {
		mode = "TRUNCATE"
	}
	if _, err := db.conn.Exec(fmt.Sprintf("PRAGMA wal_checkpoint(%s)", mode)); err != nil {
		return fmt.Errorf("WAL checkpoint failed for %s: %w", db.name, err)
	}
	return nil
}
