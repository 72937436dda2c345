// Package domain defines the core interfaces and types for Heron.
package domain

import (
	"context"
	"time"
)

// Repository defines the interface for data persistence.
// All methods require tenantID for strict multi-tenancy isolation.
type Repository interface {
	// Policy operations
	SavePolicy(ctx context.Context, tenantID string, policy *PolicyRecord) error
	GetPolicy(ctx context.Context, tenantID string, kind PolicyKind, policyID string) (*PolicyRecord, error)
	ListPolicies(ctx context.Context, tenantID string, kind PolicyKind) ([]*PolicyRecord, error)
	DeletePolicy(ctx context.Context, tenantID string, kind PolicyKind, policyID string) error

	// Rule table operations
	SaveCirculationRules(ctx context.Context, tenantID string, rules *CirculationRules) error
	GetCirculationRules(ctx context.Context, tenantID string) (*CirculationRules, error)
	ListRuleTenants(ctx context.Context) ([]string, error)

	// Fixed due date schedule operations
	SaveFixedDueDateSchedule(ctx context.Context, tenantID string, schedule *FixedDueDateSchedule) error
	GetFixedDueDateSchedule(ctx context.Context, tenantID string, scheduleID string) (*FixedDueDateSchedule, error)

	// Health check
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// RepositoryConfig holds configuration for repository initialization.
type RepositoryConfig struct {
	// Driver is the database driver: "sqlite" or "postgres"
	Driver string `envconfig:"DRIVER"`

	// SQLite specific
	SQLitePath string `envconfig:"SQLITE_PATH"`

	// PostgreSQL specific
	PostgresHost     string `envconfig:"POSTGRES_HOST"`
	PostgresPort     int    `envconfig:"POSTGRES_PORT"`
	PostgresUser     string `envconfig:"POSTGRES_USER"`
	PostgresPassword string `envconfig:"POSTGRES_PASSWORD"`
	PostgresDB       string `envconfig:"POSTGRES_DB"`
	PostgresSSLMode  string `envconfig:"POSTGRES_SSLMODE"`

	// Connection pool settings
	MaxOpenConns    int           `envconfig:"MAX_OPEN_CONNS"`
	MaxIdleConns    int           `envconfig:"MAX_IDLE_CONNS"`
	ConnMaxLifetime time.Duration `envconfig:"CONN_MAX_LIFETIME"`
}
