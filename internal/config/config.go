package config

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"time"
)

// Config represents the wafleet daemon configuration
type Config struct {
	// Data directory, ~/.wafleet when empty
	DataDir string `json:"data_dir" mapstructure:"data_dir"`

	// Sessions directory, <data_dir>/sessions when empty
	SessionsDir string `json:"sessions_dir" mapstructure:"sessions_dir"`

	Gateway     GatewayConfig     `json:"gateway" mapstructure:"gateway"`
	Lifecycle   LifecycleConfig   `json:"lifecycle" mapstructure:"lifecycle"`
	Logging     LoggingConfig     `json:"logging" mapstructure:"logging"`
	Media       MediaConfig       `json:"media" mapstructure:"media"`
	Assistant   AssistantConfig   `json:"assistant" mapstructure:"assistant"`
	Tracing     TracingConfig     `json:"tracing" mapstructure:"tracing"`
	Maintenance MaintenanceConfig `json:"maintenance" mapstructure:"maintenance"`
	Moderation  ModerationConfig  `json:"moderation" mapstructure:"moderation"`
}

// GatewayConfig holds the control API configuration
type GatewayConfig struct {
	Host           string   `json:"host" mapstructure:"host"`
	Port           int      `json:"port" mapstructure:"port"`
	AdminSecret    string   `json:"admin_secret" mapstructure:"admin_secret"`
	AllowedOrigins []string `json:"allowed_origins" mapstructure:"allowed_origins"`
	LoginRate      int      `json:"login_rate" mapstructure:"login_rate"` // attempts per minute per IP
}

// LifecycleConfig tunes the session lifecycle manager
type LifecycleConfig struct {
	RetryDelay        time.Duration `json:"retry_delay" mapstructure:"retry_delay"`
	PairingTTL        time.Duration `json:"pairing_ttl" mapstructure:"pairing_ttl"`
	WelcomeInterval   time.Duration `json:"welcome_interval" mapstructure:"welcome_interval"`
	SendTimeout       time.Duration `json:"send_timeout" mapstructure:"send_timeout"`
	ResumeConcurrency int           `json:"resume_concurrency" mapstructure:"resume_concurrency"`
	DedupeTTL         time.Duration `json:"dedupe_ttl" mapstructure:"dedupe_ttl"`
	QRImages          bool          `json:"qr_images" mapstructure:"qr_images"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level     string `json:"level" mapstructure:"level"`
	File      string `json:"file" mapstructure:"file"`
	Pretty    bool   `json:"pretty" mapstructure:"pretty"`
	MaxSize   int    `json:"max_size" mapstructure:"max_size"` // MB
	MaxAge    int    `json:"max_age" mapstructure:"max_age"`   // days
	Compress  bool   `json:"compress" mapstructure:"compress"`
	Redaction bool   `json:"redaction" mapstructure:"redaction"`
}

// MediaConfig configures song lookups and the anti-call voice note
type MediaConfig struct {
	SearchAPIURL  string        `json:"search_api_url" mapstructure:"search_api_url"`
	SongAPIURL    string        `json:"song_api_url" mapstructure:"song_api_url"`
	Timeout       time.Duration `json:"timeout" mapstructure:"timeout"`
	CacheDir      string        `json:"cache_dir" mapstructure:"cache_dir"`
	VoiceNotePath string        `json:"voice_note_path" mapstructure:"voice_note_path"`
}

// Enabled reports whether both song APIs are configured.
func (m MediaConfig) Enabled() bool {
	return m.SearchAPIURL != "" && m.SongAPIURL != ""
}

// AssistantConfig configures automatic AI replies
type AssistantConfig struct {
	Enabled       bool          `json:"enabled" mapstructure:"enabled"`
	Provider      string        `json:"provider" mapstructure:"provider"` // openai, anthropic
	BaseURL       string        `json:"base_url" mapstructure:"base_url"`
	APIKey        string        `json:"api_key" mapstructure:"api_key"`
	Model         string        `json:"model" mapstructure:"model"`
	Timeout       time.Duration `json:"timeout" mapstructure:"timeout"`
	RatePerMinute int           `json:"rate_per_minute" mapstructure:"rate_per_minute"`
	SystemPrompt  string        `json:"system_prompt" mapstructure:"system_prompt"`
}

// TracingConfig toggles OpenTelemetry spans
type TracingConfig struct {
	Enabled bool `json:"enabled" mapstructure:"enabled"`
}

// MaintenanceConfig schedules housekeeping (dedupe sweep, pairing expiry, stats log)
type MaintenanceConfig struct {
	Enabled  bool   `json:"enabled" mapstructure:"enabled"`
	Schedule string `json:"schedule" mapstructure:"schedule"` // cron spec
}

// ModerationConfig configures group moderation
type ModerationConfig struct {
	Enabled          bool     `json:"enabled" mapstructure:"enabled"`
	GroupsDir        string   `json:"groups_dir" mapstructure:"groups_dir"`
	BlockedKeywords  []string `json:"blocked_keywords" mapstructure:"blocked_keywords"`
	BlockedPatterns  []string `json:"blocked_patterns" mapstructure:"blocked_patterns"`
	AllowedLinkHosts []string `json:"allowed_link_hosts" mapstructure:"allowed_link_hosts"`
	FakePrefixes     []string `json:"fake_prefixes" mapstructure:"fake_prefixes"`
	MaxMentions      int      `json:"max_mentions" mapstructure:"max_mentions"`
}

// DefaultConfig returns a config with default values
func DefaultConfig() *Config {
	return &Config{
		Gateway: GatewayConfig{
			Host:      "0.0.0.0",
			Port:      3000,
			LoginRate: 10,
		},
		Lifecycle: LifecycleConfig{
			RetryDelay:        5 * time.Second,
			PairingTTL:        60 * time.Second,
			WelcomeInterval:   2 * time.Second,
			SendTimeout:       20 * time.Second,
			ResumeConcurrency: 4,
			DedupeTTL:         10 * time.Minute,
			QRImages:          true,
		},
		Logging: LoggingConfig{
			Level:     "info",
			Pretty:    true,
			MaxSize:   100,
			MaxAge:    7,
			Compress:  true,
			Redaction: true,
		},
		Media: MediaConfig{
			Timeout: 60 * time.Second,
		},
		Assistant: AssistantConfig{
			Provider:      "openai",
			Model:         "gpt-4o-mini",
			Timeout:       30 * time.Second,
			RatePerMinute: 20,
		},
		Maintenance: MaintenanceConfig{
			Enabled:  true,
			Schedule: "*/5 * * * *",
		},
		Moderation: ModerationConfig{
			Enabled: true,
			AllowedLinkHosts: []string{
				"google.com", "youtube.com", "youtu.be", "facebook.com",
				"instagram.com", "twitter.com", "tiktok.com", "spotify.com",
			},
			FakePrefixes: []string{"212", "92", "1"},
			MaxMentions:  5,
		},
	}
}

// String returns a JSON representation of the config
func (c *Config) String() string {
	data, _ := json.MarshalIndent(c, "", "  ")
	return string(data)
}

// ApplyPaths fills the directories derived from DataDir.
func (c *Config) ApplyPaths(home string) {
	if c.DataDir == "" {
		c.DataDir = filepath.Join(home, ".wafleet")
	}
	if c.SessionsDir == "" {
		c.SessionsDir = filepath.Join(c.DataDir, "sessions")
	}
	if c.Logging.File == "" {
		c.Logging.File = filepath.Join(c.DataDir, "wafleet.log")
	}
	if c.Media.CacheDir == "" {
		c.Media.CacheDir = filepath.Join(c.DataDir, "media")
	}
	if c.Moderation.GroupsDir == "" {
		c.Moderation.GroupsDir = filepath.Join(c.DataDir, "groups")
	}
}

// AuditLogPath is where administrative actions are recorded.
func (c *Config) AuditLogPath() string {
	return filepath.Join(c.DataDir, "audit.log")
}

// PIDFile is the daemon PID file.
func (c *Config) PIDFile() string {
	return filepath.Join(c.DataDir, "wafleet.pid")
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Gateway.AdminSecret == "" {
		return fmt.Errorf("gateway.admin_secret is required (set WAFLEET_GATEWAY_ADMIN_SECRET)")
	}
	if c.Gateway.Port < 0 || c.Gateway.Port > 65535 {
		return fmt.Errorf("gateway.port must be between 0 and 65535, got %d", c.Gateway.Port)
	}
	if c.Lifecycle.RetryDelay <= 0 {
		return fmt.Errorf("lifecycle.retry_delay must be positive")
	}
	if c.Lifecycle.PairingTTL <= 0 {
		return fmt.Errorf("lifecycle.pairing_ttl must be positive")
	}
	if c.Lifecycle.ResumeConcurrency < 0 {
		return fmt.Errorf("lifecycle.resume_concurrency must be >= 0")
	}

	if c.Assistant.Enabled {
		if c.Assistant.APIKey == "" {
			return fmt.Errorf("assistant.api_key is required when the assistant is enabled")
		}
		switch c.Assistant.Provider {
		case "openai", "anthropic":
		default:
			return fmt.Errorf("assistant: invalid provider %s (must be: openai, anthropic)", c.Assistant.Provider)
		}
	}

	if (c.Media.SearchAPIURL == "") != (c.Media.SongAPIURL == "") {
		return fmt.Errorf("media: search_api_url and song_api_url must be set together")
	}

	return nil
}
