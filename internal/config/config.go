package config

import "time"

// Config holds all application configuration.
// It organizes settings into logical groups for better maintainability.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"    validate:"required"`
	Database  DatabaseConfig  `mapstructure:"database"  validate:"required"`
	Broker    BrokerConfig    `mapstructure:"broker"    validate:"required"`
	Worker    WorkerConfig    `mapstructure:"worker"    validate:"required"`
	Reconcile ReconcileConfig `mapstructure:"reconcile" validate:"required"`
	Scoring   ScoringConfig   `mapstructure:"scoring"   validate:"required"`
}

// ServerConfig contains all server-related configuration settings.
type ServerConfig struct {
	Port     int    `mapstructure:"port"      validate:"required,gt=0,lt=65536"`
	LogLevel string `mapstructure:"log_level" validate:"required,oneof=debug info warn error"`
}

// DatabaseConfig contains all database-related configuration settings.
type DatabaseConfig struct {
	URL string `mapstructure:"url" validate:"required,url"`
}

// BrokerConfig contains the Redis broker connection settings.
type BrokerConfig struct {
	URL string `mapstructure:"url" validate:"required"`
}

// WorkerConfig contains worker-pool tuning settings.
type WorkerConfig struct {
	// Count is the number of concurrent worker goroutines per process.
	Count int `mapstructure:"count" validate:"required,gt=0"`

	// SoftTimeLimit is how long a handler may run before its context is
	// cancelled. Zero disables the soft limit.
	SoftTimeLimit time.Duration `mapstructure:"soft_time_limit"`

	// HardTimeLimit is how long a worker slot waits for a handler to honor
	// cancellation before the slot is abandoned. Zero disables the hard limit.
	HardTimeLimit time.Duration `mapstructure:"hard_time_limit"`
}

// ReconcileConfig contains reconciliation and retention settings.
type ReconcileConfig struct {
	// SweepInterval is how often the reconciler runs.
	SweepInterval time.Duration `mapstructure:"sweep_interval" validate:"required"`

	// StaleAfter is the default age past which a Running record with no
	// corroborating broker status is treated as stale.
	StaleAfter time.Duration `mapstructure:"stale_after" validate:"required"`

	// RetentionDays is how long terminal job records are kept before the
	// cleanup sweep deletes them.
	RetentionDays int `mapstructure:"retention_days" validate:"required,gt=0"`
}

// ScoringConfig contains settings for the external scoring collaborator.
type ScoringConfig struct {
	GeminiAPIKey string `mapstructure:"gemini_api_key" validate:"required"`
	ModelName    string `mapstructure:"model_name"     validate:"required"`
}
