package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/gitfleet/gitfleet/internal/deployer"
	"github.com/gitfleet/gitfleet/internal/shared/config"
	"github.com/gitfleet/gitfleet/internal/shared/logging"
)

func main() {
	cfg, err := config.LoadDeployerConfig()
	if err != nil {
		panic("Failed to load configuration: " + err.Error())
	}

	logger := logging.NewLogger(cfg.ServiceName, cfg.LogLevel, cfg.Environment)

	service, err := deployer.NewService(cfg, logger)
	if err != nil {
		logger.Error("Failed to create deployer service", "error", err)
		panic("Failed to create deployer service: " + err.Error())
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

	logger.Info("Starting deployer service",
		"environment", cfg.Environment,
		"log_level", cfg.LogLevel,
		"nats_urls", cfg.NATS.URLs,
		"drift_interval", cfg.DriftInterval,
		"apply_concurrency", cfg.ApplyConcurrency,
	)

	if err := service.Start(ctx); err != nil {
		if err == context.Canceled {
			logger.Info("Deployer service stopped gracefully")
		} else {
			logger.Error("Deployer service failed", "error", err)
			os.Exit(1)
		}
	}
}
