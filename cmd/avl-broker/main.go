package main

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"os/signal"
	"path/filepath"
	"regexp"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/fleet-beacon/avl-broker/internal/beacon"
	"github.com/fleet-beacon/avl-broker/internal/config"
	"github.com/fleet-beacon/avl-broker/internal/db"
	"github.com/fleet-beacon/avl-broker/internal/httpapi"
	"github.com/fleet-beacon/avl-broker/internal/inference"
	"github.com/fleet-beacon/avl-broker/internal/kafka"
	"github.com/fleet-beacon/avl-broker/internal/maintenance"
	"github.com/fleet-beacon/avl-broker/internal/metrics"
	"github.com/fleet-beacon/avl-broker/internal/persist"
	"github.com/fleet-beacon/avl-broker/internal/store"
	"github.com/fleet-beacon/avl-broker/internal/tcpserver"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "serve":
		runServe()
	case "migrate":
		runMigrate()
	case "maintenance":
		runMaintenance()
	case "--help", "-h", "help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println("Usage: avl-broker <command> [options]")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  serve         Start the broker (tracker TCP listener + HTTP API)")
	fmt.Println("  migrate       Run database migrations")
	fmt.Println("  maintenance   Run partition maintenance (create new, drop old)")
	fmt.Println()
	fmt.Println("Options:")
	fmt.Println("  --config <path>   Path to configuration YAML file")
	fmt.Println("  --log-level <lvl> Override log level (debug, info, warn, error)")
}

func parseFlags(args []string) (configPath string, logLevel string) {
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--config":
			if i+1 < len(args) {
				configPath = args[i+1]
				i++
			}
		case "--log-level":
			if i+1 < len(args) {
				logLevel = args[i+1]
				i++
			}
		}
	}
	return
}

func loadConfig(args []string) (*config.Config, *zap.Logger) {
	configPath, logLevelOverride := parseFlags(args)

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}

	if logLevelOverride != "" {
		cfg.Service.LogLevel = logLevelOverride
	}

	logger := initLogger(cfg.Service.LogLevel)
	return cfg, logger
}

func initLogger(level string) *zap.Logger {
	var zapLevel zapcore.Level
	switch level {
	case "debug":
		zapLevel = zap.DebugLevel
	case "warn":
		zapLevel = zap.WarnLevel
	case "error":
		zapLevel = zap.ErrorLevel
	default:
		zapLevel = zap.InfoLevel
	}

	zapCfg := zap.NewProductionConfig()
	zapCfg.Level = zap.NewAtomicLevelAt(zapLevel)
	zapCfg.EncoderConfig.TimeKey = "ts"
	zapCfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	logger, err := zapCfg.Build()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error initializing logger: %v\n", err)
		os.Exit(1)
	}
	return logger
}

// migrationsDir returns the path to the migrations directory relative to the binary.
func migrationsDir() string {
	exe, err := os.Executable()
	if err != nil {
		return "migrations"
	}
	return filepath.Join(filepath.Dir(exe), "migrations")
}

func runServe() {
	cfg, logger := loadConfig(os.Args[2:])
	defer logger.Sync()

	metrics.Register()

	logger.Info("starting avl-broker",
		zap.String("tcp_listen", cfg.Service.TCPListen),
		zap.String("http_listen", cfg.Service.HTTPListen),
		zap.Bool("db_enabled", cfg.Postgres.DSN != ""),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Persistence is optional; without a DSN the broker runs memory-only.
	var adapter persist.Adapter = persist.NewNoop()
	if cfg.Postgres.DSN != "" {
		pool, err := db.NewPool(ctx, cfg.Postgres.DSN, cfg.Postgres.MaxConns, cfg.Postgres.MinConns)
		if err != nil {
			logger.Fatal("failed to connect to database", zap.Error(err))
		}
		adapter = persist.NewPG(pool, logger.Named("persist"), cfg.Ingest.StoreRawFramesCompress)

		pm := maintenance.NewPartitionManager(pool, cfg.Retention.Days, cfg.Retention.Timezone, logger.Named("maintenance"))
		if err := pm.CreatePartitions(ctx); err != nil {
			logger.Fatal("failed to create partitions on startup", zap.Error(err))
		}
	}
	defer adapter.Close()

	st := store.New()
	warmStore(ctx, st, cfg, adapter, logger)

	defs := make(map[string]beacon.Definition, len(cfg.Beacons.Definitions))
	for mac, d := range cfg.Beacons.Definitions {
		defs[mac] = beacon.Definition{
			MAC:      mac,
			Name:     d.Name,
			Category: d.Category,
			Type:     d.Type,
			Serial:   d.Serial,
		}
	}
	matcher := beacon.NewMatcher(defs, cfg.Beacons.Patterns)

	params := inference.Params{
		PairSec: cfg.Inference.PairSec,
		DriftM:  cfg.Inference.DriftM,
		GapSec:  cfg.Inference.GapSec,
		JumpM:   cfg.Inference.JumpM,
		StopKmh: cfg.Inference.StopKmh,
	}
	engine := inference.New(st, matcher, params, logger.Named("inference"))

	committer := &inference.Committer{
		DB:     adapter,
		Logger: logger.Named("commit"),
	}

	if len(cfg.Kafka.Brokers) > 0 {
		publisher, err := kafka.NewPublisher(cfg.Kafka.Brokers, cfg.Kafka.Topic, cfg.Kafka.ClientID, logger.Named("kafka"))
		if err != nil {
			logger.Fatal("failed to create kafka publisher", zap.Error(err))
		}
		defer publisher.Close()
		committer.Publisher = publisher
		logger.Info("scan fan-out enabled",
			zap.Strings("brokers", cfg.Kafka.Brokers),
			zap.String("topic", cfg.Kafka.Topic),
		)
	}

	// --- HTTP API ---
	httpServer := httpapi.NewServer(cfg.Service.HTTPListen, st, engine, committer, adapter, cfg.Service.TCPListen, logger.Named("http"))
	if err := httpServer.Start(); err != nil {
		logger.Fatal("failed to start HTTP server", zap.Error(err))
	}

	// --- Tracker TCP listener ---
	tcpServer := tcpserver.New(tcpserver.Config{
		IdleTimeout:   cfg.IdleTimeout(),
		MaxFrameBytes: cfg.Ingest.MaxFrameBytes,
		ValidateCRC:   cfg.Ingest.ValidateCRC,
		StoreRaw:      cfg.Ingest.StoreRawFrames,
	}, engine, committer, adapter, logger.Named("tcp"))

	tcpErr := make(chan error, 1)
	go func() { tcpErr <- tcpServer.ListenAndServe(ctx, cfg.Service.TCPListen) }()

	logger.Info("avl-broker started")

	// Wait for shutdown signal or listener failure.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	select {
	case sig := <-sigCh:
		logger.Info("received shutdown signal", zap.String("signal", sig.String()))
	case err := <-tcpErr:
		if err != nil {
			logger.Error("tracker listener failed", zap.Error(err))
		}
	}

	// Graceful shutdown.
	shutdownTimeout := time.Duration(cfg.Service.ShutdownTimeoutSeconds) * time.Second
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	// Stop accepting HTTP traffic first.
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown error", zap.Error(err))
	}

	// Cancel context to stop the listener, then drain device sessions.
	cancel()
	done := make(chan struct{})
	go func() {
		tcpServer.Shutdown()
		close(done)
	}()

	select {
	case <-done:
		logger.Info("all device sessions drained")
	case <-shutdownCtx.Done():
		logger.Warn("shutdown timeout reached, some sessions may not have finished")
	}

	logger.Info("avl-broker stopped")
}

// warmStore seeds the in-memory state: configured beacon definitions first,
// so every known beacon is visible on the API before its first sighting,
// then the last persisted state on top.
func warmStore(ctx context.Context, st *store.Store, cfg *config.Config, adapter persist.Adapter, logger *zap.Logger) {
	trackers, err := adapter.LoadTrackers(ctx)
	if err != nil {
		logger.Warn("loading persisted trackers", zap.Error(err))
	}
	beacons, err := adapter.LoadBeaconStates(ctx)
	if err != nil {
		logger.Warn("loading persisted beacon states", zap.Error(err))
	}
	scanners, err := adapter.LoadScanners(ctx)
	if err != nil {
		logger.Warn("loading persisted scanners", zap.Error(err))
	}

	st.Do(func(s *store.State) {
		for mac, def := range cfg.Beacons.Definitions {
			b := s.EnsureBeacon(mac)
			b.Name = def.Name
			b.Category = def.Category
			b.Type = def.Type
			b.Serial = def.Serial
		}

		for _, t := range trackers {
			tr := s.EnsureTracker(t.IMEI, t.RecordedAt)
			tr.Position = &store.Position{Lat: t.Lat, Lng: t.Lng}
			tr.SpeedKmh = t.SpeedKmh
			tr.Heading = t.Heading
			tr.Altitude = t.Altitude
			tr.Satellites = t.Satellites
			tr.LastRecord = t.RecordedAt
			tr.Connected = false
		}

		for _, bs := range beacons {
			// The definition table is authoritative for which beacons exist:
			// rows persisted under a previous config stay in the database but
			// must not reappear on the API.
			if _, ok := cfg.Beacons.Definitions[bs.MAC]; !ok {
				logger.Warn("skipping persisted beacon with no configured definition",
					zap.String("mac", bs.MAC))
				continue
			}
			b := s.EnsureBeacon(bs.MAC)
			if bs.Lat != nil && bs.Lng != nil {
				b.Position = &store.Position{Lat: *bs.Lat, Lng: *bs.Lng}
			}
			b.CarrierID = bs.TrackerIMEI
			b.PositionSource = bs.Source
			b.PositionUpdatedAt = bs.UpdatedAt
			b.Battery = bs.Battery
			b.Magnet = bs.Magnet
			// Pairing restarts from scratch after a restart; a stale paired
			// flag would let the first sighting tow the beacon.
			b.IsPaired = false
		}

		for _, sc := range scanners {
			s.Scanners[sc.ID] = &store.Scanner{
				ID:           sc.ID,
				Name:         sc.Name,
				Position:     store.Position{Lat: sc.Lat, Lng: sc.Lng},
				RegisteredAt: sc.RegisteredAt,
				LastSeen:     sc.LastSeen,
			}
		}
	})

	logger.Info("store warmed",
		zap.Int("trackers", len(trackers)),
		zap.Int("beacons", len(beacons)),
		zap.Int("scanners", len(scanners)),
		zap.Int("definitions", len(cfg.Beacons.Definitions)),
	)
}

func runMigrate() {
	cfg, logger := loadConfig(os.Args[2:])
	defer logger.Sync()

	if cfg.Postgres.DSN == "" {
		logger.Fatal("postgres.dsn is required for migrate")
	}

	logger.Info("running migrations",
		zap.String("dsn", redactDSN(cfg.Postgres.DSN)),
	)

	ctx := context.Background()
	pool, err := db.NewPool(ctx, cfg.Postgres.DSN, cfg.Postgres.MaxConns, cfg.Postgres.MinConns)
	if err != nil {
		logger.Fatal("failed to connect to database", zap.Error(err))
	}
	defer pool.Close()

	if err := db.RunMigrations(ctx, pool, migrationsDir(), logger); err != nil {
		logger.Fatal("migration failed", zap.Error(err))
	}

	logger.Info("migrations complete")
}

func runMaintenance() {
	cfg, logger := loadConfig(os.Args[2:])
	defer logger.Sync()

	if cfg.Postgres.DSN == "" {
		logger.Fatal("postgres.dsn is required for maintenance")
	}

	logger.Info("running partition maintenance",
		zap.Int("retention_days", cfg.Retention.Days),
		zap.String("timezone", cfg.Retention.Timezone),
	)

	ctx := context.Background()
	pool, err := db.NewPool(ctx, cfg.Postgres.DSN, cfg.Postgres.MaxConns, cfg.Postgres.MinConns)
	if err != nil {
		logger.Fatal("failed to connect to database", zap.Error(err))
	}
	defer pool.Close()

	pm := maintenance.NewPartitionManager(pool, cfg.Retention.Days, cfg.Retention.Timezone, logger)
	if err := pm.Run(ctx); err != nil {
		logger.Fatal("maintenance failed", zap.Error(err))
	}

	logger.Info("partition maintenance complete")
}

func redactDSN(dsn string) string {
	if !strings.Contains(dsn, "://") {
		re := regexp.MustCompile(`password\s*=\s*\S+`)
		return re.ReplaceAllString(dsn, "password=***")
	}
	u, err := url.Parse(dsn)
	if err != nil {
		return "***"
	}
	if u.User != nil {
		u.User = url.UserPassword(u.User.Username(), "***")
	}
	return u.String()
}
