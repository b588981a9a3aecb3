package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dvloznov/transactions-api/internal/app"
	"github.com/dvloznov/transactions-api/internal/config"
	"github.com/dvloznov/transactions-api/internal/logger"
	"github.com/dvloznov/transactions-api/internal/worker"
)

func main() {
	os.Exit(run())
}

// run starts the worker and blocks until a signal arrives or the consumer
// loses the broker for good, which is reported with a non-zero exit code.
func run() int {
	configPath := flag.String("config", os.Getenv("CONFIG_FILE"), "Path to YAML config file (or set CONFIG_FILE env)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.New().Fatal().Err(err).Msg("Failed to load configuration")
	}

	// Initialize logger
	log := logger.NewWithLevel(cfg.LogLevel)

	if !cfg.Distributed() {
		log.Warn().Msg("Broker backend is memory - this worker only sees commands published by itself; run cmd/api instead")
	}

	// Create context that cancels on interrupt
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	statuses, err := app.OpenStatusStore(ctx, cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open status store")
	}
	defer statuses.Close()

	repo, err := app.OpenRepository(ctx, cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open transaction repository")
	}
	defer repo.Close()

	archiver, closeArchiver, err := app.OpenArchiver(ctx, cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open dead-letter archive")
	}
	defer closeArchiver()

	broker, err := app.OpenBroker(cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open broker")
	}
	defer broker.Close()

	log.Info().Msg("Starting worker service")

	processor := worker.NewProcessor(statuses, repo, archiver, log)
	if err := processor.Run(ctx, broker.Consumer); err != nil {
		log.Fatal().Err(err).Msg("Failed to start consumer")
	}

	log.Info().Msg("Worker service started, waiting for commands...")

	// Wait for interrupt signal or consumer failure
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	exitCode := 0
	select {
	case <-quit:
	case err := <-broker.Failures():
		log.Error().Err(err).Msg("Consumer lost the broker")
		exitCode = 1
	}

	log.Info().Msg("Shutting down worker service...")

	// Create shutdown context with timeout
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	// Stop consuming and wait for in-flight commands
	if err := broker.Consumer.Stop(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Error during graceful shutdown")
	}

	// Cancel context to stop workers
	cancel()

	log.Info().Int("exit_code", exitCode).Msg("Worker service exited")
	return exitCode
}
