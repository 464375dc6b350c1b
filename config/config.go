// Package config holds the GOAT core configuration, loaded with Viper
// from a TOML file, environment variables (GOAT_ prefix), and defaults.
package config

// Config represents the core GOAT configuration
type Config struct {
	Database DatabaseConfig `mapstructure:"database"`
	Jobs     JobsConfig     `mapstructure:"jobs"`
	Log      LogConfig      `mapstructure:"log"`
}

// DatabaseConfig configures the SQLite database
type DatabaseConfig struct {
	Path string `mapstructure:"path"`
}

// JobsConfig configures the job execution engine
type JobsConfig struct {
	// RunInBackground selects asynchronous execution: entrypoints are
	// handed to the background scheduler and the caller gets a job id back
	// immediately instead of the full result.
	RunInBackground bool `mapstructure:"run_in_background"`

	// StepTimeoutSeconds is the default per-step deadline (default: 120).
	// Individual step executors may override it.
	StepTimeoutSeconds int `mapstructure:"step_timeout_seconds"`

	// Workers is the number of concurrent background workers (default: 4)
	Workers int `mapstructure:"workers"`

	// MaxJobsPerMinute throttles background job admission (default: 60)
	MaxJobsPerMinute int `mapstructure:"max_jobs_per_minute"`

	// OrphanWindowMinutes bounds the trailing window the generic cleanup
	// uses when deleting orphaned user data rows (default: 15)
	OrphanWindowMinutes int `mapstructure:"orphan_window_minutes"`

	// RetentionDays controls how long terminal jobs are kept before the
	// operator-driven cleanup removes them (default: 30)
	RetentionDays int `mapstructure:"retention_days"`
}

// LogConfig configures logging output
type LogConfig struct {
	JSON bool `mapstructure:"json"`
}
