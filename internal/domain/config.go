package domain

import (
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Config holds the complete Heron configuration.
type Config struct {
	// Server settings
	Server ServerConfig `json:"server"`

	// Tier determines which backends are used by default
	Tier Tier `json:"tier" envconfig:"TIER"`

	// Component configurations
	Repository  RepositoryConfig  `json:"repository"`
	Cache       CacheConfig       `json:"cache"`
	EventBus    EventBusConfig    `json:"eventBus"`
	Clients     ClientsConfig     `json:"clients"`
	Circulation CirculationConfig `json:"circulation"`

	// Observability
	Logging LoggingConfig `json:"logging"`
	Tracing TracingConfig `json:"tracing"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host         string `json:"host" envconfig:"HOST"`
	Port         int    `json:"port" envconfig:"PORT"`
	ReadTimeout  int    `json:"readTimeout" envconfig:"READ_TIMEOUT"`   // seconds
	WriteTimeout int    `json:"writeTimeout" envconfig:"WRITE_TIMEOUT"` // seconds

	// Requests per second allowed per client address; 0 disables limiting.
	RateLimit      float64  `json:"rateLimit" envconfig:"RATE_LIMIT"`
	RateLimitBurst int      `json:"rateLimitBurst" envconfig:"RATE_LIMIT_BURST"`
	AllowedOrigins []string `json:"allowedOrigins" envconfig:"ALLOWED_ORIGINS"`
}

// ClientsConfig holds the addresses of the sibling services.
// An empty address means the local implementation is used.
type ClientsConfig struct {
	InventoryURL     string        `json:"inventoryUrl" envconfig:"INVENTORY_URL"`
	UsersURL         string        `json:"usersUrl" envconfig:"USERS_URL"`
	CalendarURL      string        `json:"calendarUrl" envconfig:"CALENDAR_URL"`
	PolicyStorageURL string        `json:"policyStorageUrl" envconfig:"POLICY_STORAGE_URL"`
	RulesURL         string        `json:"rulesUrl" envconfig:"RULES_URL"`
	Timeout          time.Duration `json:"timeout" envconfig:"TIMEOUT"`
}

// CirculationConfig holds tenant-wide circulation settings.
type CirculationConfig struct {
	// TimeZone is the IANA zone used to interpret schedule boundaries.
	TimeZone string `json:"timeZone" envconfig:"TIMEZONE"`
}

// Location resolves the configured time zone.
func (c CirculationConfig) Location() (*time.Location, error) {
	if c.TimeZone == "" {
		return time.UTC, nil
	}
	loc, err := time.LoadLocation(c.TimeZone)
	if err != nil {
		return nil, fmt.Errorf("invalid circulation time zone %q: %w", c.TimeZone, err)
	}
	return loc, nil
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `json:"level" envconfig:"LEVEL"`   // debug, info, warn, error
	Format string `json:"format" envconfig:"FORMAT"` // json, text
}

// TracingConfig holds OpenTelemetry settings.
type TracingConfig struct {
	Enabled     bool   `json:"enabled" envconfig:"ENABLED"`
	ServiceName string `json:"serviceName" envconfig:"SERVICE_NAME"`
	Endpoint    string `json:"endpoint" envconfig:"ENDPOINT"`
}

// Tier represents the deployment tier.
type Tier string

const (
	// TierCommunity runs on SQLite + channels + in-process cache
	TierCommunity Tier = "community"

	// TierPro runs on PostgreSQL + NATS + Redis
	TierPro Tier = "pro"
)

// DefaultConfig returns a default configuration for Community tier.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:           "0.0.0.0",
			Port:           8080,
			ReadTimeout:    30,
			WriteTimeout:   30,
			RateLimit:      0,
			RateLimitBurst: 50,
			AllowedOrigins: []string{"*"},
		},
		Tier: TierCommunity,
		Repository: RepositoryConfig{
			Driver:     "sqlite",
			SQLitePath: "./heron.db",
		},
		Cache: CacheConfig{
			Type:         "memory",
			LocalMaxSize: 10000,
			LocalTTL:     5 * time.Minute,
			PolicyTTL:    5 * time.Minute,
		},
		EventBus: EventBusConfig{
			Type:              "channel",
			ChannelBufferSize: 1000,
		},
		Clients: ClientsConfig{
			Timeout: 10 * time.Second,
		},
		Circulation: CirculationConfig{
			TimeZone: "UTC",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Tracing: TracingConfig{
			Enabled:     false,
			ServiceName: "heron",
		},
	}
}

// ProConfig returns a configuration for Pro tier.
func ProConfig() *Config {
	cfg := DefaultConfig()
	cfg.Tier = TierPro
	cfg.Repository = RepositoryConfig{
		Driver:       "postgres",
		PostgresHost: "localhost",
		PostgresPort: 5432,
		PostgresDB:   "heron",
	}
	cfg.Cache = CacheConfig{
		Type:           "redis",
		RedisAddr:      "localhost:6379",
		EnableTwoPhase: true,
		LocalMaxSize:   1000,
		LocalTTL:       time.Minute,
		PolicyTTL:      10 * time.Minute,
	}
	cfg.EventBus = EventBusConfig{
		Type:              "nats",
		NATSUrl:           "nats://localhost:4222",
		NATSMaxReconnects: 10,
		NATSReconnectWait: 5,
	}
	cfg.Tracing.Enabled = true
	return cfg
}

// LoadConfig picks the tier preset named by HERON_TIER and overlays
// HERON_* environment variables on top of it.
func LoadConfig() (*Config, error) {
	var tier struct {
		Tier Tier `envconfig:"TIER" default:"community"`
	}
	if err := envconfig.Process("HERON", &tier); err != nil {
		return nil, fmt.Errorf("failed to read tier: %w", err)
	}

	cfg := DefaultConfig()
	if tier.Tier == TierPro {
		cfg = ProConfig()
	}

	if err := envconfig.Process("HERON", cfg); err != nil {
		return nil, fmt.Errorf("failed to process environment: %w", err)
	}
	if _, err := cfg.Circulation.Location(); err != nil {
		return nil, err
	}
	return cfg, nil
}
