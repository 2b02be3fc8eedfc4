package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/gitfleet/gitfleet/internal/agent"
	"github.com/gitfleet/gitfleet/internal/shared/config"
	"github.com/gitfleet/gitfleet/internal/shared/logging"
)

func main() {
	cfg, err := config.LoadAgentConfig()
	if err != nil {
		panic("Failed to load configuration: " + err.Error())
	}

	logger := logging.NewLogger(cfg.ServiceName, cfg.LogLevel, cfg.Environment)

	service, err := agent.NewService(cfg, logger)
	if err != nil {
		logger.Error("Failed to create agent service", "error", err)
		panic("Failed to create agent service: " + err.Error())
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

	logger.Info("Starting agent service",
		"environment", cfg.Environment,
		"log_level", cfg.LogLevel,
		"cluster_id", cfg.ClusterID,
		"nats_urls", cfg.NATS.URLs,
	)

	if err := service.Start(ctx); err != nil {
		if err == context.Canceled {
			logger.Info("Agent service stopped gracefully")
		} else {
			logger.Error("Agent service failed", "error", err)
			os.Exit(1)
		}
	}
}
