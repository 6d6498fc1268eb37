// Package config loads Kestrel's service configuration from the environment
// and its scoring rule set from YAML.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// EnvPrefix is prepended to every environment variable Load reads.
const EnvPrefix = "KESTREL_"

// Load reads configuration from environment variables on top of the tier
// preset selected by KESTREL_TIER. A .env file in the working directory is
// loaded first when present.
func Load() (*domain.Config, error) {
	// Missing .env is the normal case outside local development.
	_ = godotenv.Load()

	cfg := domain.DefaultConfig()
	if domain.Tier(getEnv("TIER", string(domain.TierCommunity))) == domain.TierPro {
		cfg = domain.ProConfig()
	}

	cfg.Server.Host = getEnv("HOST", cfg.Server.Host)
	cfg.Server.Port = getEnvInt("PORT", cfg.Server.Port)
	cfg.Server.ReadTimeout = getEnvInt("READ_TIMEOUT", cfg.Server.ReadTimeout)
	cfg.Server.WriteTimeout = getEnvInt("WRITE_TIMEOUT", cfg.Server.WriteTimeout)

	repo := &cfg.Repository
	repo.Driver = getEnv("DB_DRIVER", repo.Driver)
	repo.SQLitePath = getEnv("SQLITE_PATH", repo.SQLitePath)
	repo.PostgresHost = getEnv("POSTGRES_HOST", repo.PostgresHost)
	repo.PostgresPort = getEnvInt("POSTGRES_PORT", repo.PostgresPort)
	repo.PostgresUser = getEnv("POSTGRES_USER", repo.PostgresUser)
	repo.PostgresPassword = getEnv("POSTGRES_PASSWORD", repo.PostgresPassword)
	repo.PostgresDB = getEnv("POSTGRES_DB", repo.PostgresDB)
	repo.PostgresSSLMode = getEnv("POSTGRES_SSLMODE", repo.PostgresSSLMode)
	repo.MaxOpenConns = getEnvInt("DB_MAX_OPEN_CONNS", repo.MaxOpenConns)
	repo.MaxIdleConns = getEnvInt("DB_MAX_IDLE_CONNS", repo.MaxIdleConns)

	c := &cfg.Cache
	c.Type = getEnv("CACHE_TYPE", c.Type)
	c.LocalMaxSize = getEnvInt("CACHE_SIZE", c.LocalMaxSize)
	c.RedisAddr = getEnv("REDIS_ADDR", c.RedisAddr)
	c.RedisPassword = getEnv("REDIS_PASSWORD", c.RedisPassword)
	c.RedisDB = getEnvInt("REDIS_DB", c.RedisDB)
	c.EnableTwoPhase = getEnvBool("CACHE_TWO_PHASE", c.EnableTwoPhase)

	b := &cfg.EventBus
	b.Type = getEnv("BUS_TYPE", b.Type)
	b.ChannelBufferSize = getEnvInt("BUS_BUFFER", b.ChannelBufferSize)
	b.NATSUrl = getEnv("NATS_URL", b.NATSUrl)
	b.NATSToken = getEnv("NATS_TOKEN", b.NATSToken)
	b.KafkaBrokers = getEnvList("KAFKA_BROKERS", b.KafkaBrokers)
	b.KafkaGroupID = getEnv("KAFKA_GROUP", b.KafkaGroupID)

	s := &cfg.Signals
	s.LookbackDays = getEnvInt("SIGNALS_LOOKBACK_DAYS", s.LookbackDays)
	s.MinHistory = getEnvInt("SIGNALS_MIN_HISTORY", s.MinHistory)
	s.ProfileTTLSeconds = getEnvInt("PROFILE_TTL_SECONDS", s.ProfileTTLSeconds)

	m := &cfg.Model
	m.Type = getEnv("MODEL_TYPE", m.Type)
	m.CoefficientsPath = getEnv("MODEL_COEFFICIENTS", m.CoefficientsPath)
	m.TimeoutMs = getEnvInt("MODEL_TIMEOUT_MS", m.TimeoutMs)

	cfg.AlertWorker.Enabled = getEnvBool("ALERT_WORKER", cfg.AlertWorker.Enabled)
	cfg.AlertWorker.Tenants = getEnvList("TENANTS", cfg.AlertWorker.Tenants)

	cfg.EngineConfigPath = getEnv("ENGINE_CONFIG", cfg.EngineConfigPath)

	cfg.Logging.Level = getEnv("LOG_LEVEL", cfg.Logging.Level)
	cfg.Logging.Format = getEnv("LOG_FORMAT", cfg.Logging.Format)
	cfg.Tracing.Enabled = getEnvBool("TRACING_ENABLED", cfg.Tracing.Enabled)
	cfg.Tracing.Endpoint = getEnv("TRACING_ENDPOINT", cfg.Tracing.Endpoint)

	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the settings that would otherwise only fail at startup.
func Validate(cfg *domain.Config) error {
	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		return fmt.Errorf("%sPORT must be between 1 and 65535, got %d", EnvPrefix, cfg.Server.Port)
	}
	switch cfg.Repository.Driver {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("%sDB_DRIVER must be sqlite or postgres, got %q", EnvPrefix, cfg.Repository.Driver)
	}
	switch cfg.Cache.Type {
	case "memory", "redis":
	default:
		return fmt.Errorf("%sCACHE_TYPE must be memory or redis, got %q", EnvPrefix, cfg.Cache.Type)
	}
	switch cfg.EventBus.Type {
	case "channel", "nats":
	case "kafka":
		if len(cfg.EventBus.KafkaBrokers) == 0 {
			return fmt.Errorf("%sKAFKA_BROKERS is required for the kafka bus", EnvPrefix)
		}
	default:
		return fmt.Errorf("%sBUS_TYPE must be channel, nats or kafka, got %q", EnvPrefix, cfg.EventBus.Type)
	}
	if cfg.Model.TimeoutMs < 0 {
		return fmt.Errorf("%sMODEL_TIMEOUT_MS must not be negative", EnvPrefix)
	}
	return nil
}

// ModelTimeout converts the configured model timeout.
func ModelTimeout(cfg *domain.Config) time.Duration {
	return time.Duration(cfg.Model.TimeoutMs) * time.Millisecond
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(EnvPrefix + key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(EnvPrefix + key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(EnvPrefix + key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getEnvList(key string, defaultValue []string) []string {
	value := os.Getenv(EnvPrefix + key)
	if value == "" {
		return defaultValue
	}
	var out []string
	for _, item := range strings.Split(value, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}
