package config

import (
	"github.com/kelseyhightower/envconfig"
	"github.com/pkg/errors"
)

// Config holds all application configuration, loaded from the environment
// under the MARKET_ prefix.
type Config struct {
	Server    ServerConfig
	Database  DatabaseConfig
	Cache     CacheConfig
	Payment   PaymentConfig
	RateLimit RateLimitConfig
	Tracing   TracingConfig
	Security  SecurityConfig

	// Admins is a comma-separated list of user ids granted system-wide
	// purchase-history access.
	Admins []string `envconfig:"ADMINS"`

	// StrictStockContracts turns reservation contract violations (double
	// release, release after commit) into panics instead of Conflict errors.
	StrictStockContracts bool `envconfig:"STRICT_STOCK_CONTRACTS" default:"false"`

	LogLevel string `envconfig:"LOG_LEVEL" default:"info"`
}

// ServerConfig holds the HTTP listener settings.
type ServerConfig struct {
	Host            string `envconfig:"SERVER_HOST" default:""`
	Port            string `envconfig:"SERVER_PORT" default:"8080"`
	ShutdownTimeout int    `envconfig:"SERVER_SHUTDOWN_TIMEOUT" default:"30"`
}

// DatabaseConfig holds the sqlite settings.
type DatabaseConfig struct {
	Path string `envconfig:"DATABASE_PATH" default:"./marketplace.db"`
}

// CacheConfig holds the read-cache settings. An empty RedisAddr selects the
// in-process cache.
type CacheConfig struct {
	Enabled    bool   `envconfig:"CACHE_ENABLED" default:"true"`
	RedisAddr  string `envconfig:"REDIS_ADDR" default:""`
	RedisPass  string `envconfig:"REDIS_PASSWORD" default:""`
	RedisDB    int    `envconfig:"REDIS_DB" default:"0"`
	TTLSeconds int    `envconfig:"CACHE_TTL_SECONDS" default:"60"`
}

// PaymentConfig holds card validation settings.
type PaymentConfig struct {
	// Blacklist is a comma-separated list of card numbers to decline.
	Blacklist []string `envconfig:"PAYMENT_BLACKLIST"`
}

// RateLimitConfig holds per-client request limiting settings.
type RateLimitConfig struct {
	Enabled bool `envconfig:"RATE_LIMIT_ENABLED" default:"true"`
	Rate    int  `envconfig:"RATE_LIMIT_RATE" default:"100"`
	Window  int  `envconfig:"RATE_LIMIT_WINDOW" default:"60"`
}

// TracingConfig holds OpenTelemetry exporter settings.
type TracingConfig struct {
	Enabled     bool   `envconfig:"TRACING_ENABLED" default:"false"`
	ServiceName string `envconfig:"TRACING_SERVICE_NAME" default:"marketplace-api"`
	JaegerURL   string `envconfig:"JAEGER_URL" default:"http://localhost:14268/api/traces"`
}

// SecurityConfig holds request hardening settings.
type SecurityConfig struct {
	MaxRequestBodySize int64  `envconfig:"MAX_REQUEST_BODY_SIZE" default:"10485760"`
	AllowedOrigins     string `envconfig:"ALLOWED_ORIGINS" default:"*"`
}

// Load reads configuration from the environment and validates it.
func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("market", &cfg); err != nil {
		return nil, errors.Wrap(err, "process environment")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the loaded configuration for unusable values.
func (c *Config) Validate() error {
	if c.Server.Port == "" {
		return errors.New("server port is required")
	}
	if c.Database.Path == "" {
		return errors.New("database path is required")
	}
	if c.RateLimit.Enabled {
		if c.RateLimit.Rate <= 0 {
			return errors.New("rate limit rate must be positive")
		}
		if c.RateLimit.Window <= 0 {
			return errors.New("rate limit window must be positive")
		}
	}
	if c.Cache.Enabled && c.Cache.TTLSeconds <= 0 {
		return errors.New("cache ttl must be positive")
	}
	return nil
}

// Addr returns the host:port pair the server listens on.
func (c *ServerConfig) Addr() string {
	return c.Host + ":" + c.Port
}
