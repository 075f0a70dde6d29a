package main

import (
	"context"
	"flag"
	"log"
	"os/signal"
	"syscall"

	"github.com/rewired-gh/crowdwatch/internal/config"
	"github.com/rewired-gh/crowdwatch/internal/logger"
	"github.com/rewired-gh/crowdwatch/internal/reporter"
)

var (
	configPath = flag.String("config", "", "Path to configuration file (optional; environment and .env are always read)")
	once       = flag.Bool("once", false, "Send a single reading and exit")
)

func main() {
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if err := cfg.ValidateReporter(); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	logger.Init(cfg.Logging.Level, cfg.Logging.Format)

	r := cfg.Reporter
	if r.InsecureSkipVerify {
		logger.Warn("TLS certificate verification is disabled for %s", r.BaseURL)
	}

	client := reporter.NewClient(r.BaseURL, r.Token, reporter.Options{
		Timeout:            r.Timeout,
		MaxRetries:         r.MaxRetries,
		InsecureSkipVerify: r.InsecureSkipVerify,
	})
	sched := reporter.NewScheduler(client, reporter.Job{
		FacilityID:  r.FacilityID,
		Name:        r.Name,
		SubName:     r.SubName,
		MaxCapacity: r.MaxCapacity,
		CountFile:   r.CountFile,
	}, r.Interval)

	if *once {
		sched.RunOnce()
		return
	}

	if err := sched.Start(); err != nil {
		logger.Fatal("Failed to start scheduler: %v", err)
	}
	defer sched.Stop()
	logger.Info("Reporting facility %d from %s every %v", r.FacilityID, r.CountFile, r.Interval)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()
	logger.Info("Reporter stopped")
}
