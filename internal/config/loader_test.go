package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewLoader(t *testing.T) {
	loader := NewLoader("/path/to/config.json")
	assert.NotNil(t, loader)
	assert.Equal(t, "/path/to/config.json", loader.GetConfigPath())
}

func TestLoaderLoad(t *testing.T) {
	t.Run("defaults when file doesn't exist", func(t *testing.T) {
		tmpDir := t.TempDir()
		cfg, err := NewLoader(filepath.Join(tmpDir, "missing.json")).Load()

		require.NoError(t, err)
		assert.Equal(t, 3000, cfg.Gateway.Port)
		assert.Equal(t, 5*time.Second, cfg.Lifecycle.RetryDelay)
		assert.NotEmpty(t, cfg.DataDir)
		assert.Equal(t, filepath.Join(cfg.DataDir, "sessions"), cfg.SessionsDir)
	})

	t.Run("load config from file", func(t *testing.T) {
		tmpDir := t.TempDir()
		configPath := filepath.Join(tmpDir, "wafleet.json")
		testConfig := `{
			"data_dir": "` + filepath.ToSlash(tmpDir) + `",
			"gateway": {"port": 8088, "admin_secret": "file-secret-value", "allowed_origins": ["https://panel.example"]},
			"lifecycle": {"retry_delay": "10s"},
			"assistant": {"enabled": true, "provider": "anthropic", "api_key": "sk-ant-test"}
		}`
		require.NoError(t, os.WriteFile(configPath, []byte(testConfig), 0600))

		cfg, err := NewLoader(configPath).Load()
		require.NoError(t, err)

		assert.Equal(t, 8088, cfg.Gateway.Port)
		assert.Equal(t, "file-secret-value", cfg.Gateway.AdminSecret)
		assert.Equal(t, []string{"https://panel.example"}, cfg.Gateway.AllowedOrigins)
		assert.Equal(t, 10*time.Second, cfg.Lifecycle.RetryDelay)
		assert.Equal(t, 60*time.Second, cfg.Lifecycle.PairingTTL)
		assert.True(t, cfg.Assistant.Enabled)
		assert.Equal(t, "anthropic", cfg.Assistant.Provider)
		assert.Equal(t, filepath.Join(tmpDir, "sessions"), cfg.SessionsDir)
		assert.Equal(t, filepath.Join(tmpDir, "wafleet.log"), cfg.Logging.File)
	})

	t.Run("environment overrides file", func(t *testing.T) {
		tmpDir := t.TempDir()
		configPath := filepath.Join(tmpDir, "wafleet.json")
		require.NoError(t, os.WriteFile(configPath, []byte(`{"gateway": {"port": 8088}}`), 0600))

		t.Setenv("WAFLEET_GATEWAY_PORT", "9099")
		t.Setenv("WAFLEET_GATEWAY_ADMIN_SECRET", "env-secret-value")
		t.Setenv("WAFLEET_LIFECYCLE_PAIRING_TTL", "90s")

		cfg, err := NewLoader(configPath).Load()
		require.NoError(t, err)
		assert.Equal(t, 9099, cfg.Gateway.Port)
		assert.Equal(t, "env-secret-value", cfg.Gateway.AdminSecret)
		assert.Equal(t, 90*time.Second, cfg.Lifecycle.PairingTTL)
	})

	t.Run("dotenv next to the config file", func(t *testing.T) {
		tmpDir := t.TempDir()
		configPath := filepath.Join(tmpDir, "wafleet.json")
		require.NoError(t, os.WriteFile(filepath.Join(tmpDir, ".env"), []byte("WAFLEET_LOGGING_LEVEL=debug\n"), 0600))
		t.Cleanup(func() { os.Unsetenv("WAFLEET_LOGGING_LEVEL") })

		cfg, err := NewLoader(configPath).Load()
		require.NoError(t, err)
		assert.Equal(t, "debug", cfg.Logging.Level)
	})

	t.Run("invalid JSON", func(t *testing.T) {
		tmpDir := t.TempDir()
		configPath := filepath.Join(tmpDir, "wafleet.json")
		require.NoError(t, os.WriteFile(configPath, []byte(`{"gateway": `), 0600))

		_, err := NewLoader(configPath).Load()
		assert.Error(t, err)
	})
}

func TestLoaderSaveRoundTrip(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "nested", "wafleet.json")

	cfg := DefaultConfig()
	cfg.DataDir = tmpDir
	cfg.Gateway.AdminSecret = "saved-secret-value"
	cfg.Gateway.Port = 4000

	loader := NewLoader(configPath)
	require.NoError(t, loader.Save(cfg))

	info, err := os.Stat(configPath)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())

	loaded, err := loader.Load()
	require.NoError(t, err)
	assert.Equal(t, "saved-secret-value", loaded.Gateway.AdminSecret)
	assert.Equal(t, 4000, loaded.Gateway.Port)
	assert.Equal(t, cfg.Lifecycle.RetryDelay, loaded.Lifecycle.RetryDelay)
}

func TestFlatten(t *testing.T) {
	keys, err := flatten(DefaultConfig())
	require.NoError(t, err)

	assert.Contains(t, keys, "gateway.admin_secret")
	assert.Contains(t, keys, "lifecycle.retry_delay")
	assert.Contains(t, keys, "maintenance.schedule")
	assert.NotContains(t, keys, "gateway")
}
