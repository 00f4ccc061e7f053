package config

import (
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/caarlos0/env/v11"

	"github.com/PortNumber53/subcatalog/backend/internal/logger"
)

// Config captures runtime configuration values used by the backend service.
type Config struct {
	// ServerAddress is the host:port pair the HTTP server listens on. Defaults to ":18111".
	ServerAddress string `env:"BACKEND_ADDR" envDefault:":18111"`

	// DatabaseURL is the Postgres DSN used by database/sql.
	DatabaseURL string `env:"DATABASE_URL"`

	// RedisURL enables the cross-replica sweep lease when set.
	RedisURL string `env:"REDIS_URL"`

	Gateway  GatewayConfig `envPrefix:"GATEWAY_"`
	JWT      JWTConfig     `envPrefix:"JWT_"`
	Sweepers SweeperConfig `envPrefix:"SWEEP_"`
	Worker   WorkerConfig  `envPrefix:"WORKER_"`
	Notify   NotifyConfig  `envPrefix:"NOTIFY_"`
	Log      logger.Config
}

// GatewayConfig describes the card payment gateway account and callbacks.
type GatewayConfig struct {
	ShopID      string        `env:"SHOP_ID"`
	SecretKey   string        `env:"SECRET_KEY"`
	CheckoutURL string        `env:"CHECKOUT_URL" envDefault:"https://checkout.bepaid.by/ctp/api/checkouts"`
	APIURL      string        `env:"API_URL" envDefault:"https://gateway.bepaid.by"`
	Test        bool          `env:"TEST" envDefault:"true"`
	Currency    string        `env:"CURRENCY" envDefault:"BYN"`
	Timeout     time.Duration `env:"TIMEOUT" envDefault:"10s"`
	// CheckoutExpiry bounds how long a hosted checkout stays payable. Zero disables expiry.
	CheckoutExpiry  time.Duration `env:"CHECKOUT_EXPIRY" envDefault:"30m"`
	SuccessURL      string        `env:"SUCCESS_URL"`
	FailURL         string        `env:"FAIL_URL"`
	NotificationURL string        `env:"NOTIFICATION_URL"`
	// VerifyWebhookAuth requires the webhook caller to present the shop credentials via basic auth.
	VerifyWebhookAuth bool `env:"VERIFY_WEBHOOK_AUTH" envDefault:"false"`
}

// JWTConfig holds access and refresh credential settings. AccessTTL is the only
// source of truth for access token lifetime.
type JWTConfig struct {
	SigningKey string        `env:"SIGNING_KEY"`
	Issuer     string        `env:"ISSUER" envDefault:"subcatalog-auth"`
	Audience   string        `env:"AUDIENCE" envDefault:"subcatalog-api"`
	AccessTTL  time.Duration `env:"ACCESS_TTL" envDefault:"15m"`
	RefreshTTL time.Duration `env:"REFRESH_TTL" envDefault:"720h"`
}

// SweeperConfig controls the background reconciliation tasks.
type SweeperConfig struct {
	StuckInterval      time.Duration `env:"STUCK_INTERVAL" envDefault:"5m"`
	StuckThreshold     time.Duration `env:"STUCK_THRESHOLD" envDefault:"15m"`
	ExpirationInterval time.Duration `env:"EXPIRATION_INTERVAL" envDefault:"10m"`
	CleanupInterval    time.Duration `env:"CLEANUP_INTERVAL" envDefault:"24h"`
	JobRetention       time.Duration `env:"JOB_RETENTION" envDefault:"720h"`
	BatchSize          int           `env:"BATCH_SIZE" envDefault:"100"`
	LeaseTTL           time.Duration `env:"LEASE_TTL" envDefault:"2m"`
}

// WorkerConfig controls the notification outbox worker.
type WorkerConfig struct {
	MaxConcurrent  int           `env:"MAX_CONCURRENT" envDefault:"2"`
	PollInterval   time.Duration `env:"POLL_INTERVAL" envDefault:"2s"`
	RetryBaseDelay time.Duration `env:"RETRY_BASE_DELAY" envDefault:"5s"`
	RetryMaxDelay  time.Duration `env:"RETRY_MAX_DELAY" envDefault:"10m"`
}

// NotifyConfig points at the notification service. Empty URL logs notifications instead.
type NotifyConfig struct {
	URL     string        `env:"URL"`
	Timeout time.Duration `env:"TIMEOUT" envDefault:"5s"`
}

const (
	envServerAddress = "BACKEND_ADDR"
	envDatabaseURL   = "DATABASE_URL"
	envSigningKey    = "JWT_SIGNING_KEY"
	envGatewayShopID = "GATEWAY_SHOP_ID"
)

// Load reads configuration from environment variables, applies defaults, and returns
// a Config structure. Required values return an error when missing.
func Load() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse environment: %w", err)
	}

	if cfg.DatabaseURL == "" {
		return Config{}, fmt.Errorf("%s is required", envDatabaseURL)
	}
	if _, err := url.Parse(cfg.DatabaseURL); err != nil {
		return Config{}, fmt.Errorf("invalid %s: %w", envDatabaseURL, err)
	}
	if cfg.JWT.SigningKey == "" {
		return Config{}, fmt.Errorf("%s is required", envSigningKey)
	}
	if cfg.JWT.AccessTTL <= 0 || cfg.JWT.RefreshTTL <= cfg.JWT.AccessTTL {
		return Config{}, errors.New("JWT_REFRESH_TTL must exceed a positive JWT_ACCESS_TTL")
	}
	if cfg.Gateway.Timeout <= 0 {
		return Config{}, errors.New("GATEWAY_TIMEOUT must be positive")
	}
	if cfg.Sweepers.BatchSize <= 0 {
		cfg.Sweepers.BatchSize = 100
	}

	return cfg, nil
}

// GatewayEnabled reports whether checkout credentials are configured.
func (c Config) GatewayEnabled() bool {
	return c.Gateway.ShopID != "" && c.Gateway.SecretKey != ""
}
