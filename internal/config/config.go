// Package config loads the orchestrator's configuration from environment
// variables (with an optional .env file), the way the teacher's
// config.Load() does: read-with-default helpers, no remote config
// service, and absolute-path resolution for on-disk state.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/aristath/protocol-yield-orchestrator/internal/optimizer"
	"github.com/aristath/protocol-yield-orchestrator/internal/reallocation"
)

// ProtocolConfig declares one registered adapter: its kind (which
// constructor in internal/adapter to use), its allocation bounds, and any
// opaque protocol-specific fields (credentials, endpoints) the core
// passes through to the adapter without interpreting.
type ProtocolConfig struct {
	Name          string
	Kind          string // "streaming", "storage", "compute", "bandwidth"
	MinAllocation float64
	MaxAllocation float64
	Opaque        map[string]string
}

// CoordinatorConfig holds coordinator.New's tunables.
type CoordinatorConfig struct {
	MaxHistory        int
	PerAdapterTimeout time.Duration
}

// MonitorConfig holds monitor.Config plus the poll interval the scheduler
// drives it with.
type MonitorConfig struct {
	LowEarningsThreshold       float64
	OptimizationThreshold      float64
	ConnectionTimeout          time.Duration
	MaxAlerts                  int
	PollInterval               time.Duration
}

// APIConfig holds the HTTP/WebSocket server's network-facing settings.
type APIConfig struct {
	Host           string
	Port           int
	Workers        int
	RequestTimeout time.Duration
}

// StoreConfig holds persistence-layer settings.
type StoreConfig struct {
	URL            string
	MaxConnections int
	RetentionDays  int
	BackupBucket   string // empty disables internal/backup
	BackupRegion   string
	BackupPrefix   string
}

// Config is the orchestrator's fully resolved, typed configuration.
type Config struct {
	DataDir     string
	LogLevel    string
	DevMode     bool
	Coordinator CoordinatorConfig
	Optimizer   optimizer.Config
	Reallocation reallocation.Config
	Monitor     MonitorConfig
	API         APIConfig
	Store       StoreConfig
	Protocols   []ProtocolConfig
}

// Load reads configuration from environment variables, optionally
// preceded by a .env file in the working directory. dataDirOverride, if
// non-empty, takes priority over the PYO_DATA_DIR environment variable
// the way a CLI flag would.
func Load(dataDirOverride ...string) (*Config, error) {
	_ = godotenv.Load()

	dataDir := getEnv("PYO_DATA_DIR", "")
	if len(dataDirOverride) > 0 && dataDirOverride[0] != "" {
		dataDir = dataDirOverride[0]
	}
	if dataDir == "" {
		dataDir = "./data"
	}
	absDataDir, err := filepath.Abs(dataDir)
	if err != nil {
		return nil, fmt.Errorf("resolve data directory: %w", err)
	}
	if err := os.MkdirAll(absDataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data directory: %w", err)
	}

	cfg := &Config{
		DataDir:  absDataDir,
		LogLevel: getEnv("LOG_LEVEL", "info"),
		DevMode:  getEnvAsBool("DEV_MODE", false),
		Coordinator: CoordinatorConfig{
			MaxHistory:        getEnvAsInt("COORDINATOR_MAX_HISTORY", 1000),
			PerAdapterTimeout: getEnvAsSeconds("COORDINATOR_PER_ADAPTER_TIMEOUT_SECONDS", 5),
		},
		Optimizer: optimizer.Config{
			MinImprovementPercent:   getEnvAsFloat("OPTIMIZER_MIN_IMPROVEMENT_PERCENT", 5.0),
			MaxAllocationChangePP:   getEnvAsFloat("OPTIMIZER_MAX_ALLOCATION_CHANGE", 20.0),
			MinSamplesForConfidence: getEnvAsInt("OPTIMIZER_MIN_SAMPLES", 10),
			CappedConfidence:        0.5,
		},
		Reallocation: reallocation.Config{
			MinHoldDuration: getEnvAsSeconds("REALLOCATION_MIN_HOLD_DURATION_SECONDS", 3600),
			MaxPerHour:      getEnvAsInt("REALLOCATION_MAX_PER_HOUR", 4),
			AutoRollback:    getEnvAsBool("REALLOCATION_AUTO_ROLLBACK", true),
			BaseSwitchCost:  getEnvAsFloat("REALLOCATION_BASE_SWITCH_COST", 0.0),
			PerProtocolCost: getEnvAsFloat("REALLOCATION_PER_PROTOCOL_COST", 0.0),
		},
		Monitor: MonitorConfig{
			LowEarningsThreshold:  getEnvAsFloat("MONITOR_LOW_EARNINGS_THRESHOLD", 5.0),
			OptimizationThreshold: getEnvAsFloat("MONITOR_OPTIMIZATION_THRESHOLD", 0.25),
			ConnectionTimeout:     getEnvAsSeconds("MONITOR_CONNECTION_TIMEOUT_SECONDS", 300),
			MaxAlerts:             getEnvAsInt("MONITOR_MAX_ALERTS", 1000),
			PollInterval:          getEnvAsSeconds("COORDINATOR_POLL_INTERVAL_SECONDS", 30),
		},
		API: APIConfig{
			Host:           getEnv("API_HOST", "0.0.0.0"),
			Port:           getEnvAsInt("API_PORT", 8080),
			Workers:        getEnvAsInt("API_WORKERS", 4),
			RequestTimeout: getEnvAsSeconds("API_REQUEST_TIMEOUT_SECONDS", 60),
		},
		Store: StoreConfig{
			URL:            getEnv("STORE_URL", filepath.Join(absDataDir, "orchestrator.db")),
			MaxConnections: getEnvAsInt("STORE_MAX_CONNECTIONS", 25),
			RetentionDays:  getEnvAsInt("STORE_RETENTION_DAYS", 90),
			BackupBucket:   getEnv("STORE_BACKUP_BUCKET", ""),
			BackupRegion:   getEnv("STORE_BACKUP_REGION", "us-east-1"),
			BackupPrefix:   getEnv("STORE_BACKUP_PREFIX", "protocol-yield-orchestrator"),
		},
		Protocols: loadProtocols(),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks configuration for internally-inconsistent values that
// would otherwise surface later as confusing runtime errors.
func (c *Config) Validate() error {
	if c.API.Port <= 0 || c.API.Port > 65535 {
		return fmt.Errorf("invalid API_PORT: %d", c.API.Port)
	}
	for _, p := range c.Protocols {
		if p.MinAllocation < 0 || p.MaxAllocation > 1 || p.MinAllocation > p.MaxAllocation {
			return fmt.Errorf("invalid allocation bounds for protocol %q: [%.4f, %.4f]", p.Name, p.MinAllocation, p.MaxAllocation)
		}
	}
	return nil
}

// Bounds returns each protocol's configured [min, max] allocation range
// keyed by protocol name.
func (c *Config) Bounds() map[string][2]float64 {
	bounds := make(map[string][2]float64, len(c.Protocols))
	for _, p := range c.Protocols {
		bounds[p.Name] = [2]float64{p.MinAllocation, p.MaxAllocation}
	}
	return bounds
}

// loadProtocols parses PYO_PROTOCOLS, a comma-separated list of protocol
// names, then reads PYO_PROTOCOL_<NAME>_* variables for each one. This
// mirrors the teacher's env-var-driven settings without requiring a
// structured config file, which spec §1 places out of scope.
func loadProtocols() []ProtocolConfig {
	names := splitNonEmpty(getEnv("PYO_PROTOCOLS", ""))
	protocols := make([]ProtocolConfig, 0, len(names))
	for _, name := range names {
		upper := strings.ToUpper(name)
		protocols = append(protocols, ProtocolConfig{
			Name:          name,
			Kind:          getEnv(fmt.Sprintf("PYO_PROTOCOL_%s_KIND", upper), name),
			MinAllocation: getEnvAsFloat(fmt.Sprintf("PYO_PROTOCOL_%s_MIN", upper), 0.0),
			MaxAllocation: getEnvAsFloat(fmt.Sprintf("PYO_PROTOCOL_%s_MAX", upper), 1.0),
			Opaque: map[string]string{
				"endpoint":          getEnv(fmt.Sprintf("PYO_PROTOCOL_%s_ENDPOINT", upper), ""),
				"api_key":           getEnv(fmt.Sprintf("PYO_PROTOCOL_%s_API_KEY", upper), ""),
				"api_secret":        getEnv(fmt.Sprintf("PYO_PROTOCOL_%s_API_SECRET", upper), ""),
				"base_rate_per_hour": getEnv(fmt.Sprintf("PYO_PROTOCOL_%s_BASE_RATE", upper), "1.0"),
			},
		})
	}
	return protocols
}

func splitNonEmpty(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatVal, err := strconv.ParseFloat(value, 64); err == nil {
			return floatVal
		}
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}

func getEnvAsSeconds(key string, defaultSeconds int) time.Duration {
	return time.Duration(getEnvAsInt(key, defaultSeconds)) * time.Second
}
