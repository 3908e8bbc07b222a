package config

import (
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, 3000, cfg.Gateway.Port)
	assert.Equal(t, 10, cfg.Gateway.LoginRate)
	assert.Equal(t, 5*time.Second, cfg.Lifecycle.RetryDelay)
	assert.Equal(t, 60*time.Second, cfg.Lifecycle.PairingTTL)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.True(t, cfg.Logging.Redaction)
	assert.Equal(t, 20, cfg.Assistant.RatePerMinute)
	assert.False(t, cfg.Assistant.Enabled)
	assert.False(t, cfg.Media.Enabled())
}

func TestConfigApplyPaths(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ApplyPaths("/home/op")

	assert.Equal(t, filepath.Join("/home/op", ".wafleet"), cfg.DataDir)
	assert.Equal(t, filepath.Join(cfg.DataDir, "sessions"), cfg.SessionsDir)
	assert.Equal(t, filepath.Join(cfg.DataDir, "wafleet.log"), cfg.Logging.File)
	assert.Equal(t, filepath.Join(cfg.DataDir, "audit.log"), cfg.AuditLogPath())
	assert.Equal(t, filepath.Join(cfg.DataDir, "wafleet.pid"), cfg.PIDFile())
	assert.Equal(t, filepath.Join(cfg.DataDir, "groups"), cfg.Moderation.GroupsDir)

	custom := DefaultConfig()
	custom.DataDir = "/srv/bots"
	custom.SessionsDir = "/srv/state"
	custom.ApplyPaths("/home/op")
	assert.Equal(t, "/srv/bots", custom.DataDir)
	assert.Equal(t, "/srv/state", custom.SessionsDir)
}

func TestConfigValidate(t *testing.T) {
	valid := func() *Config {
		cfg := DefaultConfig()
		cfg.Gateway.AdminSecret = "a-strong-admin-secret"
		return cfg
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{name: "valid", mutate: func(*Config) {}},
		{name: "missing secret", mutate: func(c *Config) { c.Gateway.AdminSecret = "" }, wantErr: "admin_secret"},
		{name: "bad port", mutate: func(c *Config) { c.Gateway.Port = 70000 }, wantErr: "port"},
		{name: "zero retry delay", mutate: func(c *Config) { c.Lifecycle.RetryDelay = 0 }, wantErr: "retry_delay"},
		{name: "zero pairing ttl", mutate: func(c *Config) { c.Lifecycle.PairingTTL = 0 }, wantErr: "pairing_ttl"},
		{
			name: "assistant without key",
			mutate: func(c *Config) {
				c.Assistant.Enabled = true
			},
			wantErr: "api_key",
		},
		{
			name: "assistant bad provider",
			mutate: func(c *Config) {
				c.Assistant.Enabled = true
				c.Assistant.APIKey = "sk-test"
				c.Assistant.Provider = "gemini"
			},
			wantErr: "invalid provider",
		},
		{
			name: "half configured media",
			mutate: func(c *Config) {
				c.Media.SearchAPIURL = "https://search.example"
			},
			wantErr: "set together",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				require.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestConfigString(t *testing.T) {
	cfg := DefaultConfig()
	out := cfg.String()
	assert.True(t, strings.HasPrefix(out, "{"))
	assert.Contains(t, out, `"admin_secret"`)
	assert.Contains(t, out, `"retry_delay"`)
}
