package config

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	t.Run("Should apply documented defaults", func(t *testing.T) {
		cfg, err := Load()
		require.NoError(t, err)
		assert.Equal(t, 30000, cfg.Tracker.RequestTimeoutMS)
		assert.Equal(t, 3, cfg.Tracker.MaxRetries)
		assert.Equal(t, 1000, cfg.Tracker.RetryDelayMS)
		assert.Equal(t, 30, cfg.Engine.RetentionDays)
		assert.Equal(t, 10, cfg.Engine.MaxConcurrentExecutions)
		assert.Equal(t, 300000, cfg.Engine.ExecutionTimeoutMS)
		assert.Equal(t, "./logs/audit", cfg.Audit.Dir)
		assert.True(t, cfg.Audit.Enabled)
		assert.Equal(t, "info", cfg.Log.Level)
	})
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Run("Should override from environment variables", func(t *testing.T) {
		t.Setenv("TRACKER_BASE_URL", "https://tracker.example.com")
		t.Setenv("TRACKER_EMAIL", "bot@example.com")
		t.Setenv("TRACKER_API_TOKEN", "tok-123")
		t.Setenv("MAX_RETRIES", "5")
		t.Setenv("RETENTION_DAYS", "7")
		t.Setenv("LOG_LEVEL", "debug")
		cfg, err := Load()
		require.NoError(t, err)
		assert.Equal(t, "https://tracker.example.com", cfg.Tracker.BaseURL)
		assert.Equal(t, "bot@example.com", cfg.Tracker.Email)
		assert.Equal(t, "tok-123", cfg.Tracker.APIToken.Value())
		assert.Equal(t, 5, cfg.Tracker.MaxRetries)
		assert.Equal(t, 7, cfg.Engine.RetentionDays)
		assert.Equal(t, "debug", cfg.Log.Level)
	})
	t.Run("Should reject out-of-range values", func(t *testing.T) {
		t.Setenv("REQUEST_TIMEOUT_MS", "50")
		_, err := Load()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "request_timeout_ms")
	})
	t.Run("Should reject unknown log levels", func(t *testing.T) {
		t.Setenv("LOG_LEVEL", "verbose")
		_, err := Load()
		require.Error(t, err)
	})
}

func TestConfig_ValidateStartup(t *testing.T) {
	t.Run("Should require a base URL", func(t *testing.T) {
		cfg := Default()
		err := cfg.ValidateStartup()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "TRACKER_BASE_URL")
	})
	t.Run("Should require authentication", func(t *testing.T) {
		cfg := Default()
		cfg.Tracker.BaseURL = "https://tracker.example.com"
		err := cfg.ValidateStartup()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "authentication")
	})
	t.Run("Should accept email and API token", func(t *testing.T) {
		cfg := Default()
		cfg.Tracker.BaseURL = "https://tracker.example.com"
		cfg.Tracker.Email = "bot@example.com"
		cfg.Tracker.APIToken = "tok"
		require.NoError(t, cfg.ValidateStartup())
	})
	t.Run("Should accept an OAuth token alone", func(t *testing.T) {
		cfg := Default()
		cfg.Tracker.BaseURL = "https://tracker.example.com"
		cfg.Tracker.OAuthToken = "bearer-tok"
		require.NoError(t, cfg.ValidateStartup())
	})
}

func TestSensitiveString(t *testing.T) {
	t.Run("Should redact in formatted output", func(t *testing.T) {
		s := SensitiveString("super-secret")
		assert.Equal(t, "[REDACTED]", s.String())
		assert.Equal(t, "super-secret", s.Value())
	})
	t.Run("Should redact in JSON", func(t *testing.T) {
		b, err := json.Marshal(SensitiveString("super-secret"))
		require.NoError(t, err)
		assert.JSONEq(t, `"[REDACTED]"`, string(b))
	})
	t.Run("Should keep empty values empty", func(t *testing.T) {
		assert.Equal(t, "", SensitiveString("").String())
	})
}
