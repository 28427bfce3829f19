package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/protocol-yield-orchestrator/internal/adapter"
	"github.com/aristath/protocol-yield-orchestrator/internal/apikeyauth"
	"github.com/aristath/protocol-yield-orchestrator/internal/backup"
	"github.com/aristath/protocol-yield-orchestrator/internal/config"
	"github.com/aristath/protocol-yield-orchestrator/internal/coordinator"
	"github.com/aristath/protocol-yield-orchestrator/internal/database"
	"github.com/aristath/protocol-yield-orchestrator/internal/domain"
	"github.com/aristath/protocol-yield-orchestrator/internal/events"
	"github.com/aristath/protocol-yield-orchestrator/internal/hostmetrics"
	"github.com/aristath/protocol-yield-orchestrator/internal/monitor"
	"github.com/aristath/protocol-yield-orchestrator/internal/optimizer"
	"github.com/aristath/protocol-yield-orchestrator/internal/ratelimit"
	"github.com/aristath/protocol-yield-orchestrator/internal/reallocation"
	"github.com/aristath/protocol-yield-orchestrator/internal/scheduler"
	"github.com/aristath/protocol-yield-orchestrator/internal/server"
	"github.com/aristath/protocol-yield-orchestrator/internal/store"
	"github.com/aristath/protocol-yield-orchestrator/pkg/logger"
)

func main() {
	log := logger.New(logger.Config{Level: os.Getenv("LOG_LEVEL"), Pretty: os.Getenv("DEV_MODE") == "true"})
	log.Info().Msg("starting protocol yield orchestrator")

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}

	db, err := database.New(database.Config{Path: cfg.Store.URL, Profile: database.ProfileStandard, Name: "orchestrator"})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open database")
	}
	defer db.Close()
	if err := db.Migrate(); err != nil {
		log.Fatal().Err(err).Msg("failed to migrate database")
	}

	coord := coordinator.New(log, cfg.Coordinator.MaxHistory, cfg.Coordinator.PerAdapterTimeout)

	ringCache := coordinator.NewSnapshotCache(filepath.Join(cfg.DataDir, "ring_cache.msgpack"))
	if warm, err := ringCache.Load(); err != nil {
		log.Warn().Err(err).Msg("failed to load warm ring cache, starting with empty history")
	} else if len(warm) > 0 {
		coord.Restore(warm)
		log.Info().Int("snapshots", len(warm)).Msg("restored ring buffer from warm cache")
	}

	bounds := make(map[string]domain.Bounds, len(cfg.Protocols))
	for _, p := range cfg.Protocols {
		b := domain.Bounds{MinAllocation: p.MinAllocation, MaxAllocation: p.MaxAllocation}
		bounds[p.Name] = b
		a, err := newAdapter(p, b, log)
		if err != nil {
			log.Fatal().Err(err).Str("protocol", p.Name).Msg("failed to construct adapter")
		}
		coord.Register(a)
		if err := a.Connect(context.Background()); err != nil {
			log.Warn().Err(err).Str("protocol", p.Name).Msg("initial adapter connect failed, will retry on next poll")
		}
	}

	st := store.New(db.Conn(), log)
	bus := events.NewBus(log)

	reallocEngine := reallocation.New(coord, st, nil, bounds, cfg.Reallocation, log)
	opt := optimizer.New(coord, reallocEngine, bounds, cfg.Optimizer, log)
	monitorCfg := monitor.DefaultConfig()
	monitorCfg.LowEarningsThreshold = cfg.Monitor.LowEarningsThreshold
	monitorCfg.OptimizationMinImprovement = cfg.Monitor.OptimizationThreshold * 100.0
	mon := monitor.New(coord, opt, st, monitorCfg, cfg.Monitor.PollInterval, log)
	// The engine's AlertSink is the monitor, not the store directly
	// (store.RecordAlert and monitor.Alerts/AcknowledgeAlert track alert
	// IDs in separate spaces; only the monitor's in-memory set is ever
	// read back by GET /alerts). Wired late because the monitor itself
	// depends on the optimizer, which depends on this engine.
	reallocEngine.SetAlertSink(mon)

	auth := apikeyauth.New(st, log)
	limiter := ratelimit.New()
	hostMetrics := hostmetrics.NewReader(cfg.DataDir, log)

	exporter, err := backup.New(context.Background(), st, backup.Config{
		Bucket: cfg.Store.BackupBucket,
		Region: cfg.Store.BackupRegion,
		Prefix: cfg.Store.BackupPrefix,
	}, log)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize backup exporter")
	}

	sched := scheduler.New(log)
	tickSchedule := fmt.Sprintf("@every %ds", int(cfg.Monitor.PollInterval.Seconds()))
	if err := sched.AddJob(tickSchedule, scheduler.NewTickJob(coord, opt, reallocEngine, mon, st, bus, log)); err != nil {
		log.Fatal().Err(err).Msg("failed to register tick job")
	}
	if err := sched.AddJob("0 0 3 * * *", scheduler.NewRetentionJob(st, cfg.Store.RetentionDays, 10000, cfg.Monitor.MaxAlerts, log)); err != nil {
		log.Fatal().Err(err).Msg("failed to register retention job")
	}
	if err := sched.AddJob("0 30 3 * * *", scheduler.NewBackupJob(exporter, cfg.Store.RetentionDays, log)); err != nil {
		log.Fatal().Err(err).Msg("failed to register backup job")
	}
	if err := sched.AddJob("@every 5m", scheduler.NewSnapshotCacheJob(coord, ringCache, log)); err != nil {
		log.Fatal().Err(err).Msg("failed to register snapshot cache job")
	}
	sched.Start()
	defer sched.Stop()

	srv := server.New(server.Config{
		Log:          log,
		Coordinator:  coord,
		Optimizer:    opt,
		Reallocation: reallocEngine,
		Monitor:      mon,
		Store:        st,
		Auth:         auth,
		Limiter:      limiter,
		Bus:          bus,
		HostMetrics:  hostMetrics,
		Bounds:       bounds,
		Host:         cfg.API.Host,
		Port:         cfg.API.Port,
		RequestTimeout: cfg.API.RequestTimeout,
		DevMode:      cfg.DevMode,
	})

	go func() {
		if err := srv.Start(); err != nil {
			log.Fatal().Err(err).Msg("HTTP server failed")
		}
	}()
	log.Info().Int("port", cfg.API.Port).Msg("orchestrator started")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("server forced to shutdown")
	}
	if err := ringCache.Save(coord.Snapshot()); err != nil {
		log.Error().Err(err).Msg("failed to save warm ring cache on shutdown")
	}
	log.Info().Msg("orchestrator stopped")
}

// newAdapter constructs the reference adapter matching p.Kind.
func newAdapter(p config.ProtocolConfig, bounds domain.Bounds, log zerolog.Logger) (adapter.Adapter, error) {
	baseRate, err := strconv.ParseFloat(p.Opaque["base_rate_per_hour"], 64)
	if err != nil {
		baseRate = 1.0
	}
	switch p.Kind {
	case "streaming":
		return adapter.NewStreaming(p.Name, bounds, baseRate, log), nil
	case "storage":
		return adapter.NewStorage(p.Name, bounds, baseRate, log), nil
	case "compute":
		return adapter.NewCompute(p.Name, bounds, baseRate, log), nil
	case "bandwidth":
		return adapter.NewBandwidth(p.Name, bounds, baseRate, log), nil
	default:
		return nil, fmt.Errorf("unknown adapter kind %q for protocol %q", p.Kind, p.Name)
	}
}
