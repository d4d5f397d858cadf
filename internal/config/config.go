package config

import (
	"fmt"
	"net/url"
	"time"

	pkgconfig "github.com/utafrali/selfscan-checkout/pkg/config"
)

// Retry store drivers.
const (
	StoreRedis    = "redis"
	StorePostgres = "postgres"
	StoreMemory   = "memory"
)

// Config holds all configuration for the checkout coordinator.
type Config struct {
	Environment string `env:"ENVIRONMENT" envDefault:"development"`
	LogLevel    string `env:"LOG_LEVEL" envDefault:"info"`

	// HTTP server
	HTTPPort int `env:"HTTP_PORT" envDefault:"8090"`

	// Checkout backend
	BackendURL          string        `env:"BACKEND_URL" envDefault:"http://localhost:8080"`
	BackendClientToken  string        `env:"BACKEND_CLIENT_TOKEN"`
	BackendHealthPath   string        `env:"BACKEND_HEALTH_PATH" envDefault:"health"`
	BackendTimeout      time.Duration `env:"BACKEND_TIMEOUT" envDefault:"10s"`
	BackendMaxRetries   int           `env:"BACKEND_MAX_RETRIES" envDefault:"1"`
	CheckoutInfoTimeout time.Duration `env:"CHECKOUT_INFO_TIMEOUT" envDefault:"10s"`

	// Circuit breaker settings for backend calls
	CBMaxRequests  uint32  `env:"CB_MAX_REQUESTS" envDefault:"1"`
	CBInterval     int     `env:"CB_INTERVAL_SECONDS" envDefault:"60"`
	CBTimeout      int     `env:"CB_TIMEOUT_SECONDS" envDefault:"15"`
	CBFailureRatio float64 `env:"CB_FAILURE_RATIO" envDefault:"0.5"`
	CBMinRequests  uint32  `env:"CB_MIN_REQUESTS" envDefault:"5"`

	// Checkout machine
	PollInterval    time.Duration `env:"POLL_INTERVAL" envDefault:"2s"`
	OfflineFallback bool          `env:"OFFLINE_FALLBACK" envDefault:"true"`
	IdleContextTTL  time.Duration `env:"IDLE_CONTEXT_TTL" envDefault:"30m"`
	SweepInterval   time.Duration `env:"SWEEP_INTERVAL" envDefault:"1m"`

	// Retry queue
	RetryStore         string        `env:"RETRY_STORE" envDefault:"redis"`
	RetryFlushInterval time.Duration `env:"RETRY_FLUSH_INTERVAL" envDefault:"1m"`
	RetryResendRate    float64       `env:"RETRY_RESEND_RATE" envDefault:"5"`
	RetryResendBurst   int           `env:"RETRY_RESEND_BURST" envDefault:"5"`

	// Redis
	RedisHost string `env:"REDIS_HOST" envDefault:"localhost"`
	RedisPort int    `env:"REDIS_PORT" envDefault:"6379"`
	RedisPass string `env:"REDIS_PASSWORD"`
	RedisDB   int    `env:"REDIS_DB" envDefault:"0"`

	// PostgreSQL
	PostgresHost string `env:"POSTGRES_HOST" envDefault:"localhost"`
	PostgresPort int    `env:"POSTGRES_PORT" envDefault:"5432"`
	PostgresUser string `env:"POSTGRES_USER" envDefault:"selfscan"`
	PostgresPass string `env:"POSTGRES_PASSWORD" envDefault:"selfscan_secret"`
	PostgresDB   string `env:"POSTGRES_DB" envDefault:"selfscan_checkout"`
	PostgresSSL  string `env:"POSTGRES_SSL_MODE" envDefault:"disable"`

	// Database pool
	DBMaxConns            int32 `env:"DB_MAX_CONNS" envDefault:"10"`
	DBMinConns            int32 `env:"DB_MIN_CONNS" envDefault:"2"`
	DBMaxConnLifetimeMins int   `env:"DB_MAX_CONN_LIFETIME_MINUTES" envDefault:"60"`
	DBMaxConnIdleTimeMins int   `env:"DB_MAX_CONN_IDLE_TIME_MINUTES" envDefault:"30"`

	// Slow query logging
	SlowQueryThresholdMs int `env:"LOG_SLOW_QUERY_MS" envDefault:"500"`

	// Kafka. Events are disabled when no broker is configured.
	KafkaBrokers       []string `env:"KAFKA_BROKERS" envSeparator:","`
	KafkaConsumerGroup string   `env:"KAFKA_CONSUMER_GROUP" envDefault:"checkout-coordinator"`

	// OpenTelemetry
	OTELEnabled    bool    `env:"OTEL_ENABLED" envDefault:"false"`
	OTELEndpoint   string  `env:"OTEL_EXPORTER_OTLP_ENDPOINT" envDefault:"localhost:4318"`
	OTELSampleRate float64 `env:"OTEL_SAMPLE_RATE" envDefault:"1.0"`
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{}
	if err := pkgconfig.Load(cfg); err != nil {
		return nil, fmt.Errorf("load coordinator config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// validate checks configuration invariants.
func (c *Config) validate() error {
	if c.HTTPPort < 1 || c.HTTPPort > 65535 {
		return fmt.Errorf("invalid HTTP port: %d", c.HTTPPort)
	}
	if c.BackendURL == "" {
		return fmt.Errorf("BACKEND_URL is required")
	}
	u, err := url.ParseRequestURI(c.BackendURL)
	if err != nil {
		return fmt.Errorf("invalid BACKEND_URL %q: %w", c.BackendURL, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("BACKEND_URL must be http or https, got %q", u.Scheme)
	}
	if c.BackendTimeout <= 0 {
		return fmt.Errorf("BACKEND_TIMEOUT must be positive")
	}
	if c.BackendMaxRetries < 0 {
		return fmt.Errorf("BACKEND_MAX_RETRIES must not be negative")
	}
	if c.PollInterval <= 0 {
		return fmt.Errorf("POLL_INTERVAL must be positive")
	}
	if c.IdleContextTTL <= 0 || c.SweepInterval <= 0 {
		return fmt.Errorf("IDLE_CONTEXT_TTL and SWEEP_INTERVAL must be positive")
	}
	if c.RetryFlushInterval <= 0 {
		return fmt.Errorf("RETRY_FLUSH_INTERVAL must be positive")
	}
	if c.RetryResendRate <= 0 || c.RetryResendBurst < 1 {
		return fmt.Errorf("RETRY_RESEND_RATE must be positive and RETRY_RESEND_BURST at least 1")
	}
	switch c.RetryStore {
	case StoreRedis, StorePostgres, StoreMemory:
	default:
		return fmt.Errorf("RETRY_STORE must be one of %s, %s, %s; got %q", StoreRedis, StorePostgres, StoreMemory, c.RetryStore)
	}
	if c.CBFailureRatio <= 0 || c.CBFailureRatio > 1.0 {
		return fmt.Errorf("CB_FAILURE_RATIO must be in (0, 1], got %f", c.CBFailureRatio)
	}
	if c.OTELSampleRate < 0 || c.OTELSampleRate > 1.0 {
		return fmt.Errorf("OTEL_SAMPLE_RATE must be between 0.0 and 1.0, got %f", c.OTELSampleRate)
	}
	return nil
}

// EventsEnabled reports whether Kafka brokers are configured.
func (c *Config) EventsEnabled() bool {
	return len(c.KafkaBrokers) > 0
}
