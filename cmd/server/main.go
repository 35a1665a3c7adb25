// Package main provides the API server entry point for the broker aggregator service.
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/broker-aggregator/internal/adapter"
	"github.com/broker-aggregator/internal/aggregator"
	"github.com/broker-aggregator/internal/api"
	"github.com/broker-aggregator/internal/circuitbreaker"
	"github.com/broker-aggregator/internal/config"
	"github.com/broker-aggregator/internal/connection"
	"github.com/broker-aggregator/internal/events"
	"github.com/broker-aggregator/internal/logging"
	"github.com/broker-aggregator/internal/models"
	"github.com/broker-aggregator/internal/storage"
	"github.com/broker-aggregator/internal/vault"
	"github.com/broker-aggregator/internal/worker"
)

// healthLogStore is the full health log surface the server wires up. Both the
// ClickHouse-backed repository and the in-memory fallback satisfy it.
type healthLogStore interface {
	Append(ctx context.Context, record *models.HealthLogRecord) error
	StatsByBroker(ctx context.Context, from, to time.Time) ([]models.BrokerHealthStats, error)
	RecentByConnection(ctx context.Context, connectionID string, limit int) ([]models.HealthLogRecord, error)
	PurgeOlderThan(ctx context.Context, cutoff time.Time) error
}

func main() {
	fmt.Println("Broker Aggregator API Server")
	log.Println("Server starting...")

	// Load configuration
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	// Initialize structured logging
	logLevel := logging.ParseLogLevel(cfg.Logging.Level)
	logFormat := logging.ParseLogFormat(cfg.Logging.Format)
	logging.InitGlobalLogger(logLevel, logFormat)

	logger := logging.GetGlobalLogger()
	logger.WithFields(map[string]interface{}{
		"level":  cfg.Logging.Level,
		"format": cfg.Logging.Format,
	}).Info("Structured logging initialized")

	// Initialize database connections
	logger.Info("Connecting to databases...")

	// Connect to Postgres
	postgres, err := storage.NewPostgresDB(&cfg.Database.Postgres)
	if err != nil {
		logger.WithError(err).Fatal("Failed to connect to Postgres")
	}
	defer postgres.Close()

	// Connect to Redis
	redis, err := storage.NewRedisCache(&cfg.Database.Redis)
	if err != nil {
		logger.WithError(err).Fatal("Failed to connect to Redis")
	}
	defer redis.Close()

	// Connect to ClickHouse. The health log degrades to in-memory when
	// ClickHouse is unreachable; everything else keeps working.
	var healthLog healthLogStore
	clickhouse, err := storage.NewClickHouseDB(&cfg.Database.ClickHouse)
	if err != nil {
		logger.WithError(err).Warn("ClickHouse unavailable, using in-memory health log")
		healthLog = storage.NewMemoryHealthLog()
	} else {
		defer clickhouse.Close()
		healthLog = storage.NewHealthLogRepository(clickhouse)
	}

	logger.Info("Database connections established")

	// Initialize the credential vault
	credentialVault, err := vault.New(cfg.Vault.Key)
	if err != nil {
		logger.WithError(err).Fatal("Failed to initialize credential vault")
	}

	// Initialize broker adapters
	logger.Info("Initializing broker adapters...")
	adapters := buildAdapterPool(cfg, logger)
	if len(adapters.Types()) == 0 {
		logger.Warn("No broker adapters configured - connections cannot be created")
	}

	// Initialize the notification emitter
	var notifier events.Notifier
	if cfg.Kafka.Enabled {
		notifier = events.NewKafkaNotifier(&cfg.Kafka)
		logger.WithFields(map[string]interface{}{
			"topic": cfg.Kafka.Topic,
		}).Info("Kafka notifier initialized")
	} else {
		notifier = events.NopNotifier{}
		logger.Info("Kafka disabled, notification events will be discarded")
	}
	defer notifier.Close()

	// Initialize repositories
	connectionRepo := storage.NewConnectionRepository(postgres)
	positionRepo := storage.NewPositionRepository(postgres)
	oauthStateRepo := storage.NewOAuthStateRepository(postgres)

	// Initialize cache service
	cacheService := storage.NewCacheService(redis, cfg.Cache.TTL)

	// Initialize services
	logger.Info("Initializing services...")

	manager := connection.NewManager(connectionRepo, healthLog, adapters, credentialVault, notifier, connection.Config{
		FailureThreshold: cfg.Health.FailureThreshold,
		DefaultRateReset: cfg.Aggregation.DefaultRateReset,
	})

	breakers := circuitbreaker.NewRegistry(circuitbreaker.DefaultConfig())

	portfolioService := aggregator.NewService(manager, adapters, positionRepo, cacheService, breakers, aggregator.Config{
		CallTimeout:  cfg.Aggregation.CallTimeout,
		RoundTimeout: cfg.Aggregation.RoundTimeout,
		MaxPerUser:   cfg.Aggregation.MaxPerUser,
		MaxGlobal:    cfg.Aggregation.MaxGlobal,
	})

	connectService := aggregator.NewConnectService(adapters, oauthStateRepo, manager, cacheService, cfg.Health.OAuthStateTTL)

	logger.Info("Services initialized")

	// Start the token refresh worker alongside the API so expiring tokens
	// are renewed even in single-process deployments.
	refreshWorker := worker.NewRefreshWorker(manager, cfg.Health.RefreshInterval, cfg.Health.RefreshLead)
	if err := refreshWorker.Start(context.Background()); err != nil {
		logger.WithError(err).Fatal("Failed to start token refresh worker")
	}
	defer refreshWorker.Stop()

	// Create server configuration
	serverConfig := &api.ServerConfig{
		Host:            cfg.Server.Host,
		Port:            cfg.Server.Port,
		ReadTimeout:     cfg.Server.ReadTimeout,
		WriteTimeout:    cfg.Server.WriteTimeout,
		IdleTimeout:     cfg.Server.IdleTimeout,
		ShutdownTimeout: cfg.Server.ShutdownTimeout,
		FreeTierRPS:     cfg.RateLimit.FreeTierRPS,
		PremiumTierRPS:  cfg.RateLimit.PremiumTierRPS,
	}

	server := api.NewServer(serverConfig, portfolioService, connectService, manager, healthLog, breakers)

	// Start server in a goroutine
	go func() {
		if err := server.Start(); err != nil {
			logger.WithError(err).Fatal("Server failed to start")
		}
	}()

	logger.WithFields(map[string]interface{}{
		"host": cfg.Server.Host,
		"port": cfg.Server.Port,
	}).Info("Server started successfully")

	// Wait for interrupt signal to gracefully shutdown the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down server...")

	// Create shutdown context with timeout
	ctx, cancel := context.WithTimeout(context.Background(), serverConfig.ShutdownTimeout)
	defer cancel()

	// Attempt graceful shutdown
	if err := server.Shutdown(ctx); err != nil {
		logger.WithError(err).Fatal("Server forced to shutdown")
	}

	logger.Info("Server exited")
}

// buildAdapterPool registers an adapter for each configured broker.
func buildAdapterPool(cfg *config.Config, logger *logging.Logger) *adapter.Pool {
	pool := adapter.NewPool()

	for name, brokerCfg := range cfg.Brokers.Brokers {
		if brokerCfg.ClientID == "" {
			logger.WithFields(map[string]interface{}{
				"broker": name,
			}).Warn("Skipping broker: no client credentials configured")
			continue
		}

		switch name {
		case "zerodha":
			pool.Register(adapter.NewZerodhaAdapter(brokerCfg, cfg.Aggregation.CallTimeout))
		case "upstox":
			pool.Register(adapter.NewUpstoxAdapter(brokerCfg, cfg.Aggregation.CallTimeout))
		case "angelone":
			pool.Register(adapter.NewAngelOneAdapter(brokerCfg, cfg.Aggregation.CallTimeout))
		default:
			logger.WithFields(map[string]interface{}{
				"broker": name,
			}).Warn("Skipping unknown broker")
			continue
		}

		logger.WithFields(map[string]interface{}{
			"broker": name,
		}).Info("Broker adapter initialized")
	}

	return pool
}
