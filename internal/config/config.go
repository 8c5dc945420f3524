// Package config loads and validates service configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Jobs      JobsConfig      `mapstructure:"jobs"`
	Progress  ProgressConfig  `mapstructure:"progress"`
	PubSub    PubSubConfig    `mapstructure:"pubsub"`
	Anthropic AnthropicConfig `mapstructure:"anthropic"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port                 int `mapstructure:"port"`
	ShutdownGraceSeconds int `mapstructure:"shutdown_grace_seconds"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// JobsConfig governs job execution and retention.
type JobsConfig struct {
	TimeoutSeconds   int     `mapstructure:"timeout_seconds"`
	MaxConcurrent    int     `mapstructure:"max_concurrent"`
	RetentionMinutes int     `mapstructure:"retention_minutes"`
	CreateRatePerSec float64 `mapstructure:"create_rate_per_sec"`
	CreateBurst      int     `mapstructure:"create_burst"`
}

// ProgressConfig bounds event history and subscriber fan-out.
type ProgressConfig struct {
	HistoryCap        int `mapstructure:"history_cap"`
	SubscriberQueue   int `mapstructure:"subscriber_queue"`
	HeartbeatSeconds  int `mapstructure:"heartbeat_seconds"`
	MirrorBufferSize  int `mapstructure:"mirror_buffer_size"`
	MirrorBatchEvents int `mapstructure:"mirror_batch_events"`
	MirrorBatchWaitMs int `mapstructure:"mirror_batch_wait_ms"`
}

// PubSubConfig holds metadata for the optional event mirror topic. Empty
// project or topic disables publishing.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// AnthropicConfig configures the hosted generation backend. An empty API
// key switches the crew to the offline generator.
type AnthropicConfig struct {
	APIKey    string `mapstructure:"api_key"`
	Model     string `mapstructure:"model"`
	MaxTokens int    `mapstructure:"max_tokens"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("JOURNALCRAFT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.shutdown_grace_seconds", 15)
	v.SetDefault("logging.development", true)
	v.SetDefault("jobs.timeout_seconds", 300)
	v.SetDefault("jobs.max_concurrent", 8)
	v.SetDefault("jobs.retention_minutes", 60)
	v.SetDefault("jobs.create_rate_per_sec", 5)
	v.SetDefault("jobs.create_burst", 10)
	v.SetDefault("progress.history_cap", 256)
	v.SetDefault("progress.subscriber_queue", 64)
	v.SetDefault("progress.heartbeat_seconds", 30)
	v.SetDefault("progress.mirror_buffer_size", 2048)
	v.SetDefault("progress.mirror_batch_events", 256)
	v.SetDefault("progress.mirror_batch_wait_ms", 250)
	v.SetDefault("anthropic.max_tokens", 8192)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Jobs.TimeoutSeconds < 0 {
		return fmt.Errorf("jobs.timeout_seconds must be >= 0")
	}
	if c.Jobs.RetentionMinutes <= 0 {
		return fmt.Errorf("jobs.retention_minutes must be > 0")
	}
	if c.Progress.HistoryCap <= 0 {
		return fmt.Errorf("progress.history_cap must be > 0")
	}
	if c.Progress.SubscriberQueue <= 0 {
		return fmt.Errorf("progress.subscriber_queue must be > 0")
	}
	if c.Progress.HeartbeatSeconds <= 0 {
		return fmt.Errorf("progress.heartbeat_seconds must be > 0")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	if (c.PubSub.ProjectID == "") != (c.PubSub.TopicName == "") {
		return fmt.Errorf("pubsub.project_id and pubsub.topic_name must be set together")
	}
	return nil
}

// JobTimeout returns the per-job execution deadline.
func (c Config) JobTimeout() time.Duration {
	return time.Duration(c.Jobs.TimeoutSeconds) * time.Second
}

// Retention returns how long terminal jobs stay queryable.
func (c Config) Retention() time.Duration {
	return time.Duration(c.Jobs.RetentionMinutes) * time.Minute
}

// Heartbeat returns the stream keepalive interval.
func (c Config) Heartbeat() time.Duration {
	return time.Duration(c.Progress.HeartbeatSeconds) * time.Second
}

// ShutdownGrace returns the drain window applied during shutdown.
func (c Config) ShutdownGrace() time.Duration {
	return time.Duration(c.Server.ShutdownGraceSeconds) * time.Second
}

// MirrorBatchWait returns the mirror hub's flush timer interval.
func (c Config) MirrorBatchWait() time.Duration {
	return time.Duration(c.Progress.MirrorBatchWaitMs) * time.Millisecond
}
