// Package domain defines the core interfaces and types for Kestrel.
package domain

import (
	"context"
	"time"
)

// Repository defines the interface for data persistence.
// All tenant data methods require tenantID for strict isolation.
type Repository interface {
	// Transaction operations
	SaveTransaction(ctx context.Context, tenantID string, tx *Transaction) error
	GetTransaction(ctx context.Context, tenantID string, txID string) (*Transaction, error)

	// Account history, bounded to [from, to). Used for velocity and baselines.
	CountAccountTransactions(ctx context.Context, tenantID, accountID string, from, to time.Time) (int, error)
	AccountAmountStats(ctx context.Context, tenantID, accountID string, from, to time.Time) (*AccountProfile, error)

	// Evaluation results
	SaveEvaluation(ctx context.Context, tenantID string, eval *Evaluation) error
	GetEvaluation(ctx context.Context, tenantID string, evalID string) (*Evaluation, error)
	ListEvaluationsByTransaction(ctx context.Context, tenantID string, txID string) ([]*Evaluation, error)

	// Alerts
	SaveAlert(ctx context.Context, tenantID string, alert *Alert) error
	GetAlert(ctx context.Context, tenantID string, alertID string) (*Alert, error)
	GetAlertByEvaluation(ctx context.Context, tenantID string, evalID string) (*Alert, error)
	ListAlerts(ctx context.Context, tenantID string, status AlertStatus) ([]*Alert, error)
	UpdateAlert(ctx context.Context, tenantID string, alert *Alert) error

	// Engine configuration history (global, not tenant scoped)
	SaveEngineConfig(ctx context.Context, rec *EngineConfigRecord) error
	GetLatestEngineConfig(ctx context.Context) (*EngineConfigRecord, error)

	// Health check
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// RepositoryConfig holds configuration for repository initialization.
type RepositoryConfig struct {
	// Driver is the database driver: "sqlite" or "postgres"
	Driver string

	// SQLite specific
	SQLitePath string

	// PostgreSQL specific
	PostgresHost     string
	PostgresPort     int
	PostgresUser     string
	PostgresPassword string
	PostgresDB       string
	PostgresSSLMode  string

	// Connection pool settings
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}
