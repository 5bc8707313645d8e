package main

import (
	"context"
	"encoding/json"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/SenTheOpsGuy/chillconnect-platform-sub002/internal/app"
	"github.com/SenTheOpsGuy/chillconnect-platform-sub002/internal/config"
	"github.com/sirupsen/logrus"
)

// Runs a single lifecycle sweep tick and prints the report, for use from an
// external scheduler when the server's own schedule is disabled.
func main() {
	timeout := flag.Duration("timeout", 5*time.Minute, "abort the tick after this long")
	flag.Parse()

	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})
	logger.SetOutput(os.Stderr)

	cfg, err := config.Load()
	if err != nil {
		logger.Fatalf("Failed to load configuration: %v", err)
	}
	if level, err := logrus.ParseLevel(cfg.Server.LogLevel); err == nil {
		logger.SetLevel(level)
	}
	if cfg.Database.Driver == "memory" {
		logger.Fatal("A one-shot sweep needs a persistent store, set STORE_DRIVER=postgres")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, *timeout)
	defer cancel()

	application, err := app.New(ctx, cfg, logger)
	if err != nil {
		logger.Fatalf("Failed to initialize services: %v", err)
	}
	defer application.Close()

	report, err := application.Sweeper.RunOnce(ctx)
	if err != nil {
		logger.WithError(err).Error("Lifecycle sweep failed")
		application.Close()
		os.Exit(1)
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(report); err != nil {
		logger.WithError(err).Error("Failed to write report")
	}
	if len(report.Failures) > 0 {
		application.Close()
		os.Exit(2)
	}
}
