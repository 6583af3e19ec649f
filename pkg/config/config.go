package config

import (
	"fmt"
	"time"
)

// Config is the complete runtime configuration, resolved from defaults and
// environment variables.
type Config struct {
	Tracker TrackerConfig `koanf:"tracker" validate:"required"`
	Engine  EngineConfig  `koanf:"engine"  validate:"required"`
	Audit   AuditConfig   `koanf:"audit"`
	Log     LogConfig     `koanf:"log"`
}

// TrackerConfig configures the issue-tracker HTTP collaborator.
type TrackerConfig struct {
	BaseURL          string          `koanf:"base_url"           env:"TRACKER_BASE_URL"    validate:"omitempty,url"`
	Email            string          `koanf:"email"              env:"TRACKER_EMAIL"`
	APIToken         SensitiveString `koanf:"api_token"          env:"TRACKER_API_TOKEN"   sensitive:"true"`
	OAuthToken       SensitiveString `koanf:"oauth_token"        env:"TRACKER_OAUTH_TOKEN" sensitive:"true"`
	RequestTimeoutMS int             `koanf:"request_timeout_ms" env:"REQUEST_TIMEOUT_MS"  validate:"min=1000,max=300000"`
	MaxRetries       int             `koanf:"max_retries"        env:"MAX_RETRIES"         validate:"min=0,max=10"`
	RetryDelayMS     int             `koanf:"retry_delay_ms"     env:"RETRY_DELAY_MS"      validate:"min=100,max=10000"`
}

// EngineConfig configures the automation engine runtime.
type EngineConfig struct {
	RetentionDays           int `koanf:"retention_days"            env:"RETENTION_DAYS"            validate:"min=1"`
	MaxConcurrentExecutions int `koanf:"max_concurrent_executions" env:"MAX_CONCURRENT_EXECUTIONS" validate:"min=1"`
	ExecutionTimeoutMS      int `koanf:"execution_timeout_ms"      env:"EXECUTION_TIMEOUT_MS"      validate:"min=1000"`
}

// AuditConfig configures the audit sink.
type AuditConfig struct {
	Dir     string `koanf:"dir"     env:"AUDIT_DIR"`
	Enabled bool   `koanf:"enabled" env:"AUDIT_ENABLED"`
}

// LogConfig configures the logging backend.
type LogConfig struct {
	Level string `koanf:"level" env:"LOG_LEVEL" validate:"oneof=trace debug info warn error fatal"`
}

// Default returns the configuration defaults applied before any environment
// overrides.
func Default() *Config {
	return &Config{
		Tracker: TrackerConfig{
			RequestTimeoutMS: 30000,
			MaxRetries:       3,
			RetryDelayMS:     1000,
		},
		Engine: EngineConfig{
			RetentionDays:           30,
			MaxConcurrentExecutions: 10,
			ExecutionTimeoutMS:      300000,
		},
		Audit: AuditConfig{
			Dir:     "./logs/audit",
			Enabled: true,
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

func (c *TrackerConfig) RequestTimeout() time.Duration {
	return time.Duration(c.RequestTimeoutMS) * time.Millisecond
}

func (c *TrackerConfig) RetryDelay() time.Duration {
	return time.Duration(c.RetryDelayMS) * time.Millisecond
}

// HasBasicAuth reports whether email/token authentication is configured.
func (c *TrackerConfig) HasBasicAuth() bool {
	return c.Email != "" && c.APIToken != ""
}

// HasOAuth reports whether bearer-token authentication is configured.
func (c *TrackerConfig) HasOAuth() bool {
	return c.OAuthToken != ""
}

func (c *EngineConfig) ExecutionTimeout() time.Duration {
	return time.Duration(c.ExecutionTimeoutMS) * time.Millisecond
}

func (c *EngineConfig) Retention() time.Duration {
	return time.Duration(c.RetentionDays) * 24 * time.Hour
}

// ValidateStartup enforces the invariants that must hold before the engine
// may run: a tracker base URL and at least one authentication method.
func (c *Config) ValidateStartup() error {
	if c.Tracker.BaseURL == "" {
		return fmt.Errorf("TRACKER_BASE_URL is required")
	}
	if !c.Tracker.HasBasicAuth() && !c.Tracker.HasOAuth() {
		return fmt.Errorf("tracker authentication is required: set TRACKER_EMAIL and TRACKER_API_TOKEN, or TRACKER_OAUTH_TOKEN")
	}
	return nil
}
