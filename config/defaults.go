package config

import "github.com/spf13/viper"

// SetDefaults configures default values for all configuration options
func SetDefaults(v *viper.Viper) {
	// Database defaults
	v.SetDefault("database.path", "loom.db")

	// Authority defaults
	v.SetDefault("authority.base_url", "http://localhost:8710")
	v.SetDefault("authority.websocket_url", "ws://localhost:8710/realtime")
	v.SetDefault("authority.timeout_seconds", 30)

	// Pulse (background job scheduler) defaults
	v.SetDefault("pulse.poll_interval_seconds", 5)
	v.SetDefault("pulse.default_limit", 1)
	v.SetDefault("pulse.retry_backoff_seconds", 5)
	v.SetDefault("pulse.max_retry_backoff_seconds", 300)
	v.SetDefault("pulse.dispatch_per_second", 50.0)

	// Synchronizer defaults
	v.SetDefault("sync.batch_size", 100)

	// Outbox defaults
	v.SetDefault("outbox.retry_delay_seconds", 30)
	v.SetDefault("outbox.max_batch", 50)

	// Update log defaults
	v.SetDefault("update_log.compaction_threshold", 64)
}
