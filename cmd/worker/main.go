// Package main provides the maintenance worker entry point for the broker
// aggregator service. It runs the token refresh loop and the scheduled
// sweeps (daily counter reset, health log retention, oauth state purge)
// for deployments that keep background work out of the API process.
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/broker-aggregator/internal/adapter"
	"github.com/broker-aggregator/internal/config"
	"github.com/broker-aggregator/internal/connection"
	"github.com/broker-aggregator/internal/events"
	"github.com/broker-aggregator/internal/logging"
	"github.com/broker-aggregator/internal/storage"
	"github.com/broker-aggregator/internal/vault"
	"github.com/broker-aggregator/internal/worker"
)

func main() {
	fmt.Println("Broker Aggregator Maintenance Worker")
	log.Println("Worker starting...")

	// Load configuration
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logLevel := logging.ParseLogLevel(cfg.Logging.Level)
	logFormat := logging.ParseLogFormat(cfg.Logging.Format)
	logging.InitGlobalLogger(logLevel, logFormat)
	logger := logging.GetGlobalLogger()

	// Initialize database connections
	logger.Info("Connecting to databases...")

	postgres, err := storage.NewPostgresDB(&cfg.Database.Postgres)
	if err != nil {
		logger.WithError(err).Fatal("Failed to connect to Postgres")
	}
	defer postgres.Close()

	clickhouse, err := storage.NewClickHouseDB(&cfg.Database.ClickHouse)
	if err != nil {
		logger.WithError(err).Fatal("Failed to connect to ClickHouse")
	}
	defer clickhouse.Close()

	logger.Info("Database connections established")

	credentialVault, err := vault.New(cfg.Vault.Key)
	if err != nil {
		logger.WithError(err).Fatal("Failed to initialize credential vault")
	}

	// Broker adapters, needed for the refresh calls
	adapters := adapter.NewPool()
	for name, brokerCfg := range cfg.Brokers.Brokers {
		if brokerCfg.ClientID == "" {
			continue
		}
		switch name {
		case "zerodha":
			adapters.Register(adapter.NewZerodhaAdapter(brokerCfg, cfg.Aggregation.CallTimeout))
		case "upstox":
			adapters.Register(adapter.NewUpstoxAdapter(brokerCfg, cfg.Aggregation.CallTimeout))
		case "angelone":
			adapters.Register(adapter.NewAngelOneAdapter(brokerCfg, cfg.Aggregation.CallTimeout))
		default:
			logger.WithField("broker", name).Warn("Skipping unknown broker")
		}
	}

	var notifier events.Notifier
	if cfg.Kafka.Enabled {
		notifier = events.NewKafkaNotifier(&cfg.Kafka)
	} else {
		notifier = events.NopNotifier{}
	}
	defer notifier.Close()

	connectionRepo := storage.NewConnectionRepository(postgres)
	oauthStateRepo := storage.NewOAuthStateRepository(postgres)
	healthLog := storage.NewHealthLogRepository(clickhouse)

	manager := connection.NewManager(connectionRepo, healthLog, adapters, credentialVault, notifier, connection.Config{
		FailureThreshold: cfg.Health.FailureThreshold,
		DefaultRateReset: cfg.Aggregation.DefaultRateReset,
	})

	// Start the token refresh worker
	refreshWorker := worker.NewRefreshWorker(manager, cfg.Health.RefreshInterval, cfg.Health.RefreshLead)
	if err := refreshWorker.Start(context.Background()); err != nil {
		logger.WithError(err).Fatal("Failed to start token refresh worker")
	}
	logger.WithFields(map[string]interface{}{
		"interval": cfg.Health.RefreshInterval.String(),
		"lead":     cfg.Health.RefreshLead.String(),
	}).Info("Token refresh worker started")

	// Start the scheduled sweeps
	sweeper := worker.NewSweeper(manager, healthLog, oauthStateRepo, cfg.Health.RetentionWindow)
	if err := sweeper.Start(); err != nil {
		logger.WithError(err).Fatal("Failed to start sweeper")
	}
	logger.Info("Sweeper started")

	// Wait for shutdown signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	logger.Info("Shutdown signal received, stopping workers...")
	refreshWorker.Stop()
	sweeper.Stop()
	logger.Info("All workers stopped")
}
