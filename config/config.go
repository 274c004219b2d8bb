// Package config owns the Loom client configuration.
package config

import "time"

// Config represents the core Loom client configuration
type Config struct {
	Database  DatabaseConfig  `mapstructure:"database"`
	Authority AuthorityConfig `mapstructure:"authority"`
	Pulse     PulseConfig     `mapstructure:"pulse"`
	Sync      SyncConfig      `mapstructure:"sync"`
	Outbox    OutboxConfig    `mapstructure:"outbox"`
	UpdateLog UpdateLogConfig `mapstructure:"update_log"`
}

// DatabaseConfig configures the local SQLite replica
type DatabaseConfig struct {
	Path string `mapstructure:"path"`
}

// AuthorityConfig configures how the client reaches the central authority
type AuthorityConfig struct {
	BaseURL        string `mapstructure:"base_url"`        // HTTP API (pull + mutation submission)
	WebSocketURL   string `mapstructure:"websocket_url"`   // realtime push channel
	Token          string `mapstructure:"token"`           // bearer token; usually set via LOOM_AUTHORITY_TOKEN
	TimeoutSeconds int    `mapstructure:"timeout_seconds"` // per-request HTTP timeout
}

// PulseConfig configures the background job scheduler
type PulseConfig struct {
	PollIntervalSeconds    int     `mapstructure:"poll_interval_seconds"`     // queue scan fallback interval (default: 5)
	DefaultLimit           int     `mapstructure:"default_limit"`             // running jobs per concurrency key (default: 1)
	RetryBackoffSeconds    int     `mapstructure:"retry_backoff_seconds"`     // base delay for default retries (default: 5)
	MaxRetryBackoffSeconds int     `mapstructure:"max_retry_backoff_seconds"` // backoff cap (default: 300)
	DispatchPerSecond      float64 `mapstructure:"dispatch_per_second"`       // handler-start rate ceiling (default: 50)
}

// SyncConfig configures the synchronizer pull streams
type SyncConfig struct {
	UserID    string         `mapstructure:"user_id"`
	BatchSize int            `mapstructure:"batch_size"` // items per pull request (default: 100)
	Streams   []StreamConfig `mapstructure:"streams"`
}

// StreamConfig identifies one pull stream to keep synchronized
type StreamConfig struct {
	Type   string `mapstructure:"type"`
	Params string `mapstructure:"params"`
}

// OutboxConfig configures local mutation delivery
type OutboxConfig struct {
	RetryDelaySeconds int `mapstructure:"retry_delay_seconds"` // fixed delay while the authority is unreachable (default: 30)
	MaxBatch          int `mapstructure:"max_batch"`           // mutations per submission (default: 50)
}

// UpdateLogConfig configures CRDT log maintenance
type UpdateLogConfig struct {
	CompactionThreshold int `mapstructure:"compaction_threshold"` // hot entries per entity before compaction (default: 64)
}

// PollInterval returns the pulse poll interval as a duration.
func (c PulseConfig) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalSeconds) * time.Second
}

// RetryBackoff returns the base retry backoff as a duration.
func (c PulseConfig) RetryBackoff() time.Duration {
	return time.Duration(c.RetryBackoffSeconds) * time.Second
}

// MaxRetryBackoff returns the retry backoff cap as a duration.
func (c PulseConfig) MaxRetryBackoff() time.Duration {
	return time.Duration(c.MaxRetryBackoffSeconds) * time.Second
}

// RetryDelay returns the outbox offline retry delay as a duration.
func (c OutboxConfig) RetryDelay() time.Duration {
	return time.Duration(c.RetryDelaySeconds) * time.Second
}
