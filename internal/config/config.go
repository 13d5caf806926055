package config

import (
	"fmt"
	"sync"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Config holds all process configuration, parsed from the environment.
type Config struct {
	Environment string `env:"ENVIRONMENT" envDefault:"development"`

	IngestPort string `env:"INGEST_PORT" envDefault:"8080"`
	AdminPort  string `env:"ADMIN_PORT" envDefault:"8081"`

	DatabaseURL string `env:"DATABASE_URL,required"`
	RedisURL    string `env:"REDIS_URL,required"`

	// DLQBucket switches the dead-letter sink to S3 when set; empty keeps
	// the Redis-backed blob store.
	DLQBucket string `env:"DLQ_BUCKET"`

	MaxBodyMB         int    `env:"MAX_BODY_MB" envDefault:"2"`
	ReplayWindowSec   int    `env:"REPLAY_WINDOW_SEC" envDefault:"300"`
	IdempotencyWindow int    `env:"IDEMPOTENCY_WINDOW_SEC" envDefault:"86400"`
	DisableHMACVerify bool   `env:"DISABLE_HMAC_VERIFICATION" envDefault:"false"`
	RequestTimeoutSec int    `env:"REQUEST_TIMEOUT_SEC" envDefault:"10"`
	EndpointCacheSec  int    `env:"ENDPOINT_CACHE_SEC" envDefault:"30"`
	VisibilityTimeout int    `env:"VISIBILITY_TIMEOUT_SEC" envDefault:"120"`
	ConcurrentDeliv   int    `env:"CONCURRENT_DELIVERIES" envDefault:"10"`
	RetryBaseSec      int    `env:"RETRY_BASE_SEC" envDefault:"30"`
	RetryCapSec       int    `env:"RETRY_CAP_SEC" envDefault:"900"`
	RetryPolicy       string `env:"RETRY_POLICY" envDefault:"exponential"`
	DLQRetentionDays  int    `env:"DLQ_RETENTION_DAYS" envDefault:"14"`
	LogRetentionDays  int    `env:"LOG_RETENTION_DAYS" envDefault:"30"`

	// AdminTokens is the comma-separated set of bearer tokens granted the
	// ADMIN role on the operator RPC surface.
	AdminTokens []string `env:"ADMIN_TOKENS" envSeparator:","`
}

// Production reports whether the process runs with production hardening.
// The HMAC dev bypass is ignored in production regardless of the flag.
func (c *Config) Production() bool {
	return c.Environment == "production"
}

// DevBypassHMAC reports whether signature verification may be skipped for
// endpoints with hmac_mode=none.
func (c *Config) DevBypassHMAC() bool {
	return c.DisableHMACVerify && !c.Production()
}

var loadEnvOnce sync.Once

// Load reads configuration from the environment, first loading a .env file
// if one is present.
func Load() (*Config, error) {
	loadEnvOnce.Do(func() {
		// Missing .env is fine; real environments set variables directly.
		_ = godotenv.Load()
	})

	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("parsing environment: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	if c.MaxBodyMB < 1 {
		return fmt.Errorf("MAX_BODY_MB must be >= 1, got %d", c.MaxBodyMB)
	}
	if c.ConcurrentDeliv < 1 {
		return fmt.Errorf("CONCURRENT_DELIVERIES must be >= 1, got %d", c.ConcurrentDeliv)
	}
	switch c.RetryPolicy {
	case "exponential", "linear", "constant":
	default:
		return fmt.Errorf("RETRY_POLICY must be exponential, linear or constant, got %q", c.RetryPolicy)
	}
	if c.RetryBaseSec < 1 || c.RetryCapSec < c.RetryBaseSec {
		return fmt.Errorf("retry backoff bounds invalid: base=%d cap=%d", c.RetryBaseSec, c.RetryCapSec)
	}
	return nil
}
