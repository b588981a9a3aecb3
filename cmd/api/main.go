package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dvloznov/transactions-api/internal/api/handlers"
	"github.com/dvloznov/transactions-api/internal/api/middleware"
	"github.com/dvloznov/transactions-api/internal/app"
	"github.com/dvloznov/transactions-api/internal/config"
	"github.com/dvloznov/transactions-api/internal/logger"
	"github.com/dvloznov/transactions-api/internal/transactions"
	"github.com/dvloznov/transactions-api/internal/worker"
)

func main() {
	// Parse command-line flags
	var (
		configPath = flag.String("config", os.Getenv("CONFIG_FILE"), "Path to YAML config file (or set CONFIG_FILE env)")
		port       = flag.String("port", "", "HTTP server port (overrides config and PORT env)")
	)
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.New().Fatal().Err(err).Msg("Failed to load configuration")
	}
	if *port != "" {
		cfg.Port = *port
	}

	// Initialize logger
	log := logger.NewWithLevel(cfg.LogLevel)

	ctx := context.Background()

	// Initialize status store and broker
	statuses, err := app.OpenStatusStore(ctx, cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open status store")
	}
	defer statuses.Close()

	broker, err := app.OpenBroker(cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open broker")
	}

	// With the in-memory broker nobody else can consume, so process commands in-process
	workerCtx, cancelWorker := context.WithCancel(ctx)
	defer cancelWorker()

	var closeWorkerDeps []func() error
	if !cfg.Distributed() {
		repo, err := app.OpenRepository(ctx, cfg, log)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to open transaction repository")
		}
		archiver, closeArchiver, err := app.OpenArchiver(ctx, cfg, log)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to open dead-letter archive")
		}
		closeWorkerDeps = append(closeWorkerDeps, repo.Close, closeArchiver)

		processor := worker.NewProcessor(statuses, repo, archiver, log)
		if err := processor.Run(workerCtx, broker.Consumer); err != nil {
			log.Fatal().Err(err).Msg("Failed to start in-process worker")
		}
	}

	// Initialize handlers
	service := transactions.NewService(statuses, broker.Publisher, transactions.UUIDGenerator{}, log)
	transactionsHandler := handlers.NewTransactionsHandler(service, statuses, log)

	// RabbitMQ publishers report connection and circuit state on /health
	brokerState, _ := broker.Publisher.(handlers.BrokerState)

	// Create HTTP server
	server := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      middleware.Chain(handlers.NewRouter(transactionsHandler, brokerState), log),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in a goroutine
	go func() {
		log.Info().Str("port", cfg.Port).Str("broker", cfg.Broker.Backend).Str("status_store", cfg.Status.Backend).Msg("Starting API server")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("Failed to start server")
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("Shutting down server...")

	// Graceful shutdown
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server forced to shutdown")
	}

	// Stop consuming and wait for in-flight commands
	if !cfg.Distributed() {
		if err := broker.Consumer.Stop(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("Error stopping in-process worker")
		}
	}
	cancelWorker()

	if err := broker.Close(); err != nil {
		log.Error().Err(err).Msg("Failed to close broker")
	}
	for _, closeFn := range closeWorkerDeps {
		if err := closeFn(); err != nil {
			log.Error().Err(err).Msg("Failed to close worker dependency")
		}
	}

	log.Info().Msg("Server exited")
}
