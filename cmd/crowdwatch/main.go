package main

import (
	"context"
	"flag"
	"log"
	"os/signal"
	"syscall"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/recover"

	"github.com/rewired-gh/crowdwatch/internal/config"
	"github.com/rewired-gh/crowdwatch/internal/coordinator"
	"github.com/rewired-gh/crowdwatch/internal/httpapi"
	"github.com/rewired-gh/crowdwatch/internal/logger"
	"github.com/rewired-gh/crowdwatch/internal/metrics"
	"github.com/rewired-gh/crowdwatch/internal/profile"
	"github.com/rewired-gh/crowdwatch/internal/storage"
	"github.com/rewired-gh/crowdwatch/internal/telegram"
)

var (
	configPath = flag.String("config", "configs/config.yaml", "Path to configuration file")
	seedPath   = flag.String("seed", "", "Facility seed file; provisions the snapshot if none exists")
)

func main() {
	flag.Parse()

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	// Validate configuration
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	// Setup logging with level support
	logger.Init(cfg.Logging.Level, cfg.Logging.Format)
	logger.Info("Configuration loaded from %s", *configPath)

	fileMode, _ := cfg.Storage.FileMode()
	dirMode, _ := cfg.Storage.DirMode()
	loc, _ := cfg.Profile.Location()

	// Provision the facility set on first start
	if *seedPath != "" {
		facilities, err := storage.ReadSeedFile(*seedPath)
		if err != nil {
			logger.Fatal("Failed to read seed file: %v", err)
		}
		seeded, err := storage.SeedSnapshot(cfg.Storage.SnapshotPath, facilities, fileMode, dirMode)
		if err != nil {
			logger.Fatal("Failed to seed snapshot: %v", err)
		}
		if seeded {
			logger.Info("Seeded %d facilities into %s", len(facilities), cfg.Storage.SnapshotPath)
		} else {
			logger.Info("Snapshot %s already exists, seed file ignored", cfg.Storage.SnapshotPath)
		}
	}

	// Initialize storage
	snapshots, err := storage.OpenSnapshotStore(cfg.Storage.SnapshotPath, fileMode, dirMode)
	if err != nil {
		logger.Fatal("Failed to open snapshot store: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	readings, err := storage.OpenReadingLog(ctx, storage.Driver(cfg.Storage.ReadingsDriver), cfg.Storage.ReadingsDSN)
	if err != nil {
		logger.Fatal("Failed to open reading log: %v", err)
	}
	defer func() {
		if err := readings.Close(); err != nil {
			logger.Error("Failed to close reading log: %v", err)
		}
	}()

	recorder := metrics.NewRecorder()

	engine, err := profile.New(readings, profile.Options{
		Location:    loc,
		BucketWidth: cfg.Profile.BucketWidth,
		Recorder:    recorder,
	})
	if err != nil {
		logger.Fatal("Failed to initialize profile engine: %v", err)
	}

	allow, err := coordinator.NewAllowList(cfg.Auth.Tokens)
	if err != nil {
		logger.Fatal("Invalid credential allow-list: %v", err)
	}

	opts := coordinator.Options{Recorder: recorder}

	// Initialize Telegram alerts
	if t := cfg.Alerts.Telegram; t.Enabled {
		notifier, err := telegram.NewNotifier(t.BotToken, t.ChatID, t.MaxRetries, t.RetryDelayBase, t.QueueSize)
		if err != nil {
			logger.Fatal("Failed to initialize Telegram notifier: %v", err)
		}
		defer notifier.Close()
		opts.Notifier = notifier
		logger.Info("Telegram over-capacity alerts enabled")
	} else {
		logger.Debug("Telegram alerts disabled")
	}

	coord := coordinator.New(snapshots, readings, allow, opts)

	app := fiber.New(fiber.Config{
		AppName:               "crowdwatch",
		DisableStartupMessage: true,
		ReadTimeout:           cfg.Server.ReadTimeout,
		WriteTimeout:          cfg.Server.WriteTimeout,
		ErrorHandler:          httpapi.ErrorHandler,
	})
	app.Use(recover.New())

	httpapi.RegisterRoutes(app, httpapi.Deps{
		Snapshots: snapshots,
		Profiles:  engine,
		Submitter: coord,
		Recorder:  recorder,
		Metrics:   recorder.Handler(),
	})

	go func() {
		if err := app.Listen(cfg.Server.Addr); err != nil {
			logger.Error("HTTP server stopped: %v", err)
			stop()
		}
	}()
	logger.Info("Serving %d facilities on %s (readings: %s, identities: %d)",
		countFacilities(snapshots), cfg.Server.Addr, readings.Driver(), allow.Len())

	<-ctx.Done()
	logger.Info("Shutdown signal received, cleaning up...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := app.ShutdownWithContext(shutdownCtx); err != nil {
		logger.Error("Error during shutdown: %v", err)
	}
	logger.Info("Service stopped")
}

func countFacilities(s *storage.SnapshotStore) int {
	all, err := s.GetAll()
	if err != nil {
		return 0
	}
	return len(all)
}
