// Package config provides configuration management for the broker aggregator.
// It loads configuration from environment variables and .env files.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all application configuration
type Config struct {
	Server      ServerConfig
	Database    DatabaseConfig
	Kafka       KafkaConfig
	Cache       CacheConfig
	Vault       VaultConfig
	Aggregation AggregationConfig
	Health      HealthConfig
	RateLimit   RateLimitConfig
	Brokers     BrokersConfig
	Logging     LoggingConfig
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host            string
	Port            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Postgres   PostgresConfig
	ClickHouse ClickHouseConfig
	Redis      RedisConfig
}

// PostgresConfig holds Postgres configuration
type PostgresConfig struct {
	Host           string
	Port           string
	Database       string
	User           string
	Password       string
	MaxConnections int
}

// ClickHouseConfig holds ClickHouse configuration for the health/audit log
type ClickHouseConfig struct {
	Host     string
	Port     string
	Database string
	User     string
	Password string
}

// RedisConfig holds Redis configuration for the portfolio cache
type RedisConfig struct {
	Host           string
	Port           string
	Password       string
	DB             int
	MaxConnections int
}

// KafkaConfig holds the notification event emitter configuration
type KafkaConfig struct {
	Brokers []string
	Topic   string
	Enabled bool
}

// CacheConfig holds portfolio cache configuration
type CacheConfig struct {
	TTL time.Duration
}

// VaultConfig holds the credential vault configuration.
// Key is a hex-encoded 32-byte AES key.
type VaultConfig struct {
	Key string
}

// AggregationConfig holds fan-out round configuration
type AggregationConfig struct {
	CallTimeout      time.Duration // per-adapter-call timeout
	RoundTimeout     time.Duration // overall round budget
	MaxPerUser       int           // concurrent adapter calls per user round
	MaxGlobal        int           // concurrent adapter calls process-wide
	DefaultRateReset time.Duration // backoff when a broker gives no Retry-After hint
}

// HealthConfig holds connection health configuration
type HealthConfig struct {
	FailureThreshold int           // consecutive failures before status -> error
	RetentionWindow  time.Duration // health log retention
	RefreshLead      time.Duration // proactive token refresh lead time
	RefreshInterval  time.Duration // refresh worker poll interval
	OAuthStateTTL    time.Duration // oauth state validity
}

// RateLimitConfig holds API rate limiting configuration (requests per second)
type RateLimitConfig struct {
	FreeTierRPS    int
	PremiumTierRPS int
}

// BrokersConfig holds per-broker app credentials and pacing
type BrokersConfig struct {
	Brokers map[string]BrokerConfig
}

// BrokerConfig holds configuration for a single broker integration
type BrokerConfig struct {
	BaseURL           string
	AuthURL           string
	ClientID          string
	ClientSecret      string
	RedirectURL       string
	RequestsPerSecond float64
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string
	Format string
}

// LoadConfig loads configuration from .env file and environment variables
func LoadConfig() (*Config, error) {
	// .env file is optional - environment variables can be set directly
	if err := godotenv.Load(); err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("error loading .env file: %w", err)
		}
	}

	config := &Config{
		Server: ServerConfig{
			Host:            getEnv("SERVER_HOST", "0.0.0.0"),
			Port:            getEnv("SERVER_PORT", "8080"),
			ReadTimeout:     getEnvAsDuration("SERVER_READ_TIMEOUT", 15*time.Second),
			WriteTimeout:    getEnvAsDuration("SERVER_WRITE_TIMEOUT", 30*time.Second),
			IdleTimeout:     getEnvAsDuration("SERVER_IDLE_TIMEOUT", 60*time.Second),
			ShutdownTimeout: getEnvAsDuration("SERVER_SHUTDOWN_TIMEOUT", 10*time.Second),
		},
		Database: DatabaseConfig{
			Postgres: PostgresConfig{
				Host:           getEnv("POSTGRES_HOST", "localhost"),
				Port:           getEnv("POSTGRES_PORT", "5432"),
				Database:       getEnv("POSTGRES_DB", "broker_aggregator"),
				User:           getEnv("POSTGRES_USER", "aggregator"),
				Password:       getEnv("POSTGRES_PASSWORD", ""),
				MaxConnections: getEnvAsInt("POSTGRES_MAX_CONNECTIONS", 50),
			},
			ClickHouse: ClickHouseConfig{
				Host:     getEnv("CLICKHOUSE_HOST", "localhost"),
				Port:     getEnv("CLICKHOUSE_PORT", "9000"),
				Database: getEnv("CLICKHOUSE_DB", "broker_aggregator"),
				User:     getEnv("CLICKHOUSE_USER", "default"),
				Password: getEnv("CLICKHOUSE_PASSWORD", ""),
			},
			Redis: RedisConfig{
				Host:           getEnv("REDIS_HOST", "localhost"),
				Port:           getEnv("REDIS_PORT", "6379"),
				Password:       getEnv("REDIS_PASSWORD", ""),
				DB:             getEnvAsInt("REDIS_DB", 0),
				MaxConnections: getEnvAsInt("REDIS_MAX_CONNECTIONS", 50),
			},
		},
		Kafka: KafkaConfig{
			Brokers: strings.Split(getEnv("KAFKA_BROKERS", "localhost:9092"), ","),
			Topic:   getEnv("KAFKA_NOTIFICATION_TOPIC", "broker-aggregator.notifications"),
			Enabled: getEnvAsBool("KAFKA_ENABLED", false),
		},
		Cache: CacheConfig{
			TTL: getEnvAsDuration("CACHE_TTL", 20*time.Second),
		},
		Vault: VaultConfig{
			Key: getEnv("VAULT_KEY", ""),
		},
		Aggregation: AggregationConfig{
			CallTimeout:      getEnvAsDuration("AGG_CALL_TIMEOUT", 5*time.Second),
			RoundTimeout:     getEnvAsDuration("AGG_ROUND_TIMEOUT", 15*time.Second),
			MaxPerUser:       getEnvAsInt("AGG_MAX_PER_USER", 8),
			MaxGlobal:        getEnvAsInt("AGG_MAX_GLOBAL", 64),
			DefaultRateReset: getEnvAsDuration("AGG_DEFAULT_RATE_RESET", 60*time.Second),
		},
		Health: HealthConfig{
			FailureThreshold: getEnvAsInt("HEALTH_FAILURE_THRESHOLD", 5),
			RetentionWindow:  getEnvAsDuration("HEALTH_RETENTION_WINDOW", 30*24*time.Hour),
			RefreshLead:      getEnvAsDuration("HEALTH_REFRESH_LEAD", 10*time.Minute),
			RefreshInterval:  getEnvAsDuration("HEALTH_REFRESH_INTERVAL", time.Minute),
			OAuthStateTTL:    getEnvAsDuration("OAUTH_STATE_TTL", 10*time.Minute),
		},
		RateLimit: RateLimitConfig{
			FreeTierRPS:    getEnvAsInt("RATE_LIMIT_FREE_TIER_RPS", 5),
			PremiumTierRPS: getEnvAsInt("RATE_LIMIT_PREMIUM_TIER_RPS", 50),
		},
		Logging: LoggingConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Format: getEnv("LOG_FORMAT", "json"),
		},
	}

	config.Brokers = loadBrokerConfigs()

	return config, nil
}

// loadBrokerConfigs loads per-broker configurations.
// Each broker reads from a <BROKER>_-prefixed set of environment variables.
func loadBrokerConfigs() BrokersConfig {
	enabled := strings.Split(getEnv("ENABLED_BROKERS", "zerodha,upstox,angelone"), ",")

	brokers := make(map[string]BrokerConfig)
	for _, broker := range enabled {
		broker = strings.TrimSpace(broker)
		if broker == "" {
			continue
		}

		prefix := strings.ToUpper(broker)
		brokers[broker] = BrokerConfig{
			BaseURL:           getEnv(prefix+"_BASE_URL", ""),
			AuthURL:           getEnv(prefix+"_AUTH_URL", ""),
			ClientID:          getEnv(prefix+"_CLIENT_ID", ""),
			ClientSecret:      getEnv(prefix+"_CLIENT_SECRET", ""),
			RedirectURL:       getEnv(prefix+"_REDIRECT_URL", ""),
			RequestsPerSecond: getEnvAsFloat(prefix+"_REQUESTS_PER_SECOND", 3.0),
		}
	}

	return BrokersConfig{Brokers: brokers}
}

// getEnv gets an environment variable with a default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvAsInt gets an environment variable as an integer with a default value
func getEnvAsInt(key string, defaultValue int) int {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}

	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsFloat gets an environment variable as a float with a default value
func getEnvAsFloat(key string, defaultValue float64) float64 {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}

	value, err := strconv.ParseFloat(valueStr, 64)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsBool gets an environment variable as a boolean with a default value
func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}

	value, err := strconv.ParseBool(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsDuration gets an environment variable as a duration with a default value
func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}

	value, err := time.ParseDuration(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}
