package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/gitfleet/gitfleet/internal/shared/config"
	"github.com/gitfleet/gitfleet/internal/shared/logging"
	"github.com/gitfleet/gitfleet/internal/sourcewatcher"
)

func main() {
	cfg, err := config.LoadWatcherConfig()
	if err != nil {
		panic("Failed to load configuration: " + err.Error())
	}

	logger := logging.NewLogger(cfg.ServiceName, cfg.LogLevel, cfg.Environment)

	service, err := sourcewatcher.NewService(cfg, logger)
	if err != nil {
		logger.Error("Failed to create watcher service", "error", err)
		panic("Failed to create watcher service: " + err.Error())
	}
	defer service.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		logger.Info("Received shutdown signal")
		cancel()
	}()

	logger.Info("Starting watcher service",
		"environment", cfg.Environment,
		"log_level", cfg.LogLevel,
		"work_dir", cfg.WorkDir,
		"nats_urls", cfg.NATS.URLs,
	)

	if err := service.Start(ctx); err != nil {
		if err == context.Canceled {
			logger.Info("Watcher service stopped gracefully")
		} else {
			logger.Error("Watcher service failed", "error", err)
			os.Exit(1)
		}
	}
}
