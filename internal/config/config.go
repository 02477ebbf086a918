// Package config defines configuration parsing and helpers.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v10"
	"github.com/go-playground/validator/v10"

	"github.com/sonicx222/arb-coordinator/internal/domain"
)

// Config holds all coordinator configuration parsed from environment variables.
type Config struct {
	AppEnv   string `env:"APP_ENV" envDefault:"dev"`
	Port     int    `env:"PORT" envDefault:"8090" validate:"gt=0,lt=65536"`
	RedisURL string `env:"REDIS_URL" envDefault:"redis://localhost:6379/0" validate:"required"`

	// Leader election
	LockKey           string        `env:"LOCK_KEY" envDefault:"coordinator:leader:lock" validate:"required"`
	LockTTL           time.Duration `env:"LOCK_TTL" envDefault:"30s" validate:"gt=0"`
	HeartbeatInterval time.Duration `env:"HEARTBEAT_INTERVAL" envDefault:"10s" validate:"gt=0"`
	IsStandby         bool          `env:"IS_STANDBY" envDefault:"false"`
	CanBecomeLeader   bool          `env:"CAN_BECOME_LEADER" envDefault:"true"`
	RegionID          string        `env:"REGION_ID" envDefault:"primary"`

	// Stream consumption
	ConsumerGroup       string        `env:"CONSUMER_GROUP" envDefault:"coordinator" validate:"required"`
	ConsumerID          string        `env:"CONSUMER_ID"`
	DLQStream           string        `env:"DLQ_STREAM" envDefault:"stream:dead-letter-queue" validate:"required"`
	OrphanIdleThreshold time.Duration `env:"ORPHAN_IDLE_THRESHOLD" envDefault:"60s" validate:"gt=0"`
	MaxStreamErrors     int           `env:"MAX_STREAM_ERRORS" envDefault:"10" validate:"gt=0"`

	// Opportunity store
	MaxOpportunities           int           `env:"MAX_OPPORTUNITIES" envDefault:"1000" validate:"gt=0"`
	OpportunityTTL             time.Duration `env:"OPPORTUNITY_TTL" envDefault:"60s" validate:"gt=0"`
	OpportunityCleanupInterval time.Duration `env:"OPPORTUNITY_CLEANUP_INTERVAL" envDefault:"10s" validate:"gt=0"`
	PairTTL                    time.Duration `env:"PAIR_TTL" envDefault:"300s" validate:"gt=0"`

	// Alerting
	AlertCooldownOverride  time.Duration `env:"ALERT_COOLDOWN"`
	StartupGracePeriod     time.Duration `env:"STARTUP_GRACE_PERIOD" envDefault:"60s"`
	NotifyChannelsFile     string        `env:"NOTIFY_CHANNELS_FILE"`
	WhaleAlertThresholdUSD float64       `env:"WHALE_ALERT_THRESHOLD_USD" envDefault:"250000"`

	// Ingestion back-pressure
	RateLimitMaxTokens int           `env:"RATE_LIMIT_MAX_TOKENS" envDefault:"1000" validate:"gt=0"`
	RateLimitRefill    time.Duration `env:"RATE_LIMIT_REFILL" envDefault:"1s" validate:"gt=0"`

	// Forwarding circuit breaker
	CircuitBreakerThreshold int           `env:"CIRCUIT_BREAKER_THRESHOLD" envDefault:"5" validate:"gt=0"`
	CircuitBreakerReset     time.Duration `env:"CIRCUIT_BREAKER_RESET" envDefault:"60s" validate:"gt=0"`

	// Intervals
	MetricsInterval time.Duration `env:"METRICS_INTERVAL" envDefault:"5s" validate:"gt=0"`
	CleanupInterval time.Duration `env:"CLEANUP_INTERVAL" envDefault:"10s" validate:"gt=0"`

	// Legacy compatibility
	EnableLegacyHealthPolling bool `env:"ENABLE_LEGACY_HEALTH_POLLING" envDefault:"false"`

	// HTTP surface
	HTTPReadTimeout       time.Duration `env:"HTTP_READ_TIMEOUT" envDefault:"15s"`
	HTTPWriteTimeout      time.Duration `env:"HTTP_WRITE_TIMEOUT" envDefault:"30s"`
	HTTPIdleTimeout       time.Duration `env:"HTTP_IDLE_TIMEOUT" envDefault:"60s"`
	ServerShutdownTimeout time.Duration `env:"SERVER_SHUTDOWN_TIMEOUT" envDefault:"5s"`
	CORSAllowOrigins      string        `env:"CORS_ALLOW_ORIGINS" envDefault:"*"`
	RateLimitPerMin       int           `env:"RATE_LIMIT_PER_MIN" envDefault:"120"`

	// Observability
	OTLPEndpoint    string `env:"OTEL_EXPORTER_OTLP_ENDPOINT" envDefault:""`
	OTELServiceName string `env:"OTEL_SERVICE_NAME" envDefault:"arb-coordinator"`
}

// Load parses environment variables into a Config and validates it.
func Load() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("op=config.Load: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate enforces start-time invariants. A failure here aborts start.
func (c Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("op=config.Validate: %w: %w", domain.ErrConfigInvalid, err)
	}
	if c.HeartbeatInterval >= c.LockTTL {
		return fmt.Errorf("op=config.Validate: %w: heartbeat interval %v must be shorter than lock TTL %v",
			domain.ErrConfigInvalid, c.HeartbeatInterval, c.LockTTL)
	}
	return nil
}

// IsDev reports whether the coordinator runs in development mode.
func (c Config) IsDev() bool { return strings.ToLower(c.AppEnv) == "dev" }

// IsProd reports whether the coordinator runs in production mode.
func (c Config) IsProd() bool { return strings.ToLower(c.AppEnv) == "prod" }

// AlertCooldown returns the alert dedup window: an explicit override wins,
// otherwise 300s in prod and 30s elsewhere.
func (c Config) AlertCooldown() time.Duration {
	if c.AlertCooldownOverride > 0 {
		return c.AlertCooldownOverride
	}
	if c.IsProd() {
		return 5 * time.Minute
	}
	return 30 * time.Second
}
