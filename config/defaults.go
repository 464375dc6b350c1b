package config

import (
	"github.com/spf13/viper"
)

// SetDefaults configures default values for all configuration options
func SetDefaults(v *viper.Viper) {
	// Database defaults
	v.SetDefault("database.path", "goat.db")

	// Job engine defaults
	v.SetDefault("jobs.run_in_background", true)
	v.SetDefault("jobs.step_timeout_seconds", 120)
	v.SetDefault("jobs.workers", 4)
	v.SetDefault("jobs.max_jobs_per_minute", 60)
	v.SetDefault("jobs.orphan_window_minutes", 15)
	v.SetDefault("jobs.retention_days", 30)

	// Log defaults
	v.SetDefault("log.json", false)
}
