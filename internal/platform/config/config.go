package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Server captures process-level configuration.
type Server struct {
	Addr             string
	DatabaseURL      string
	JWTSigningKey    string
	JWTIssuer        string
	LogLevel         string
	ReconcileSpec    string
	SeedDemoAccounts bool
	Redis            RedisConfig
	Kafka            KafkaConfig
	Transfer         TransferConfig
}

// RedisConfig configures the shared Redis client used for write-intent locks.
// An empty URL disables Redis and the in-process lock is used instead.
type RedisConfig struct {
	URL          string
	PoolSize     int
	MinIdleConns int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	LockTTL      time.Duration
}

// KafkaConfig configures the ledger event sink. No brokers means events are dropped.
type KafkaConfig struct {
	Brokers []string
	Topic   string
}

// TransferConfig tunes the transfer engine's retry behaviour.
type TransferConfig struct {
	MaxAttempts int
	BackoffBase time.Duration
	Timeout     time.Duration
}

const (
	DefaultAddr          = ":8080"
	DefaultKafkaTopic    = "ledger.transactions"
	DefaultReconcileSpec = "@every 5m"
	DefaultMaxAttempts   = 3
	DefaultBackoffBase   = 10 * time.Millisecond
	DefaultTimeout       = 5 * time.Second
)

// FromEnv builds a Server config from environment variables so main stays lean.
// A .env file in the working directory is loaded first when present; values
// already set in the environment win.
func FromEnv() Server {
	_ = godotenv.Load()

	jwtSigningKey := os.Getenv("JWT_SIGNING_KEY")
	if jwtSigningKey == "" {
		// Use a default for development - should be overridden in production
		jwtSigningKey = "dev-secret-key-change-in-production"
	}

	return Server{
		Addr:             getEnv("REMIT_ADDR", DefaultAddr),
		DatabaseURL:      os.Getenv("DATABASE_URL"),
		JWTSigningKey:    jwtSigningKey,
		JWTIssuer:        os.Getenv("JWT_ISSUER"),
		LogLevel:         getEnv("LOG_LEVEL", "info"),
		ReconcileSpec:    getEnv("RECONCILE_SCHEDULE", DefaultReconcileSpec),
		SeedDemoAccounts: os.Getenv("SEED_DEMO_ACCOUNTS") == "true",
		Redis: RedisConfig{
			URL:          os.Getenv("REDIS_URL"),
			PoolSize:     getInt("REDIS_POOL_SIZE", 10),
			MinIdleConns: getInt("REDIS_MIN_IDLE_CONNS", 2),
			DialTimeout:  getDuration("REDIS_DIAL_TIMEOUT", 5*time.Second),
			ReadTimeout:  getDuration("REDIS_READ_TIMEOUT", 3*time.Second),
			WriteTimeout: getDuration("REDIS_WRITE_TIMEOUT", 3*time.Second),
			LockTTL:      getDuration("REDIS_LOCK_TTL", 10*time.Second),
		},
		Kafka: KafkaConfig{
			Brokers: splitList(os.Getenv("KAFKA_BROKERS")),
			Topic:   getEnv("KAFKA_TOPIC", DefaultKafkaTopic),
		},
		Transfer: TransferConfig{
			MaxAttempts: getInt("TRANSFER_MAX_ATTEMPTS", DefaultMaxAttempts),
			BackoffBase: getDuration("TRANSFER_BACKOFF_BASE", DefaultBackoffBase),
			Timeout:     getDuration("TRANSFER_TIMEOUT", DefaultTimeout),
		},
	}
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getInt(key string, fallback int) int {
	v, err := strconv.Atoi(os.Getenv(key))
	if err != nil || v <= 0 {
		return fallback
	}
	return v
}

func getDuration(key string, fallback time.Duration) time.Duration {
	v, err := time.ParseDuration(os.Getenv(key))
	if err != nil || v <= 0 {
		return fallback
	}
	return v
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
