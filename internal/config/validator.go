package config

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// MinAdminSecretLength is the shortest admin secret the daemon accepts.
const MinAdminSecretLength = 12

// Validator validates configuration values
type Validator struct{}

// NewValidator creates a new validator
func NewValidator() *Validator {
	return &Validator{}
}

// ValidateAdminSecret rejects secrets that are short or equal to the access code sentinel.
func (v *Validator) ValidateAdminSecret(secret string) error {
	if secret == "" {
		return fmt.Errorf("admin secret cannot be empty")
	}
	if len(secret) < MinAdminSecretLength {
		return fmt.Errorf("admin secret must be at least %d characters", MinAdminSecretLength)
	}
	if strings.Trim(secret, "0") == "" {
		return fmt.Errorf("admin secret cannot be all zeros")
	}
	return nil
}

// ValidatePort validates a listen port. 0 picks a free port.
func (v *Validator) ValidatePort(port int) error {
	if port < 0 || port > 65535 {
		return fmt.Errorf("port must be between 0 and 65535, got %d", port)
	}
	return nil
}

// ValidateAPIKey validates an API key format
func (v *Validator) ValidateAPIKey(key string, provider string) error {
	if key == "" {
		return fmt.Errorf("%s API key cannot be empty", provider)
	}

	switch provider {
	case "anthropic":
		if !strings.HasPrefix(key, "sk-ant-") {
			return fmt.Errorf("invalid Anthropic API key format (should start with sk-ant-)")
		}
	case "openai":
		if !strings.HasPrefix(key, "sk-") {
			return fmt.Errorf("invalid OpenAI API key format (should start with sk-)")
		}
	}

	return nil
}

// ValidateProvider validates an assistant provider name
func (v *Validator) ValidateProvider(provider string) error {
	switch provider {
	case "openai", "anthropic":
		return nil
	}
	return fmt.Errorf("invalid assistant provider: %s (must be one of: openai, anthropic)", provider)
}

// ValidateLogLevel validates log level
func (v *Validator) ValidateLogLevel(level string) error {
	validLevels := []string{"debug", "info", "warn", "error"}
	for _, valid := range validLevels {
		if level == valid {
			return nil
		}
	}
	return fmt.Errorf("invalid log level: %s (must be one of: %s)", level, strings.Join(validLevels, ", "))
}

// ValidateSchedule parses a standard five-field cron spec.
func (v *Validator) ValidateSchedule(spec string) error {
	if _, err := cron.ParseStandard(spec); err != nil {
		return fmt.Errorf("invalid maintenance schedule %q: %w", spec, err)
	}
	return nil
}

// ValidateURL accepts absolute http and https URLs.
func (v *Validator) ValidateURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid URL %q: %w", raw, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("invalid URL %q: scheme must be http or https", raw)
	}
	if u.Host == "" {
		return fmt.Errorf("invalid URL %q: missing host", raw)
	}
	return nil
}

// ValidateOrigin accepts "*" or a scheme://host[:port] origin.
func (v *Validator) ValidateOrigin(origin string) error {
	if origin == "*" {
		return nil
	}
	if err := v.ValidateURL(origin); err != nil {
		return err
	}
	u, _ := url.Parse(origin)
	if u.Path != "" && u.Path != "/" {
		return fmt.Errorf("invalid origin %q: must not contain a path", origin)
	}
	return nil
}

// ValidateDuration rejects non-positive durations.
func (v *Validator) ValidateDuration(name string, d time.Duration) error {
	if d <= 0 {
		return fmt.Errorf("%s must be positive, got %s", name, d)
	}
	return nil
}

// ValidateConfig performs comprehensive validation
func (v *Validator) ValidateConfig(cfg *Config) []error {
	var errors []error

	if err := v.ValidateAdminSecret(cfg.Gateway.AdminSecret); err != nil {
		errors = append(errors, fmt.Errorf("gateway: %w", err))
	}
	if err := v.ValidatePort(cfg.Gateway.Port); err != nil {
		errors = append(errors, fmt.Errorf("gateway: %w", err))
	}
	for _, origin := range cfg.Gateway.AllowedOrigins {
		if err := v.ValidateOrigin(origin); err != nil {
			errors = append(errors, fmt.Errorf("gateway: %w", err))
		}
	}
	if cfg.Gateway.LoginRate < 0 {
		errors = append(errors, fmt.Errorf("gateway: login_rate must be >= 0"))
	}

	durations := map[string]time.Duration{
		"lifecycle.retry_delay":  cfg.Lifecycle.RetryDelay,
		"lifecycle.pairing_ttl":  cfg.Lifecycle.PairingTTL,
		"lifecycle.send_timeout": cfg.Lifecycle.SendTimeout,
		"lifecycle.dedupe_ttl":   cfg.Lifecycle.DedupeTTL,
	}
	for _, name := range []string{"lifecycle.retry_delay", "lifecycle.pairing_ttl", "lifecycle.send_timeout", "lifecycle.dedupe_ttl"} {
		if err := v.ValidateDuration(name, durations[name]); err != nil {
			errors = append(errors, err)
		}
	}
	if cfg.Lifecycle.ResumeConcurrency < 0 {
		errors = append(errors, fmt.Errorf("lifecycle.resume_concurrency must be >= 0"))
	}

	if cfg.Media.Enabled() {
		if err := v.ValidateURL(cfg.Media.SearchAPIURL); err != nil {
			errors = append(errors, fmt.Errorf("media.search_api_url: %w", err))
		}
		if err := v.ValidateURL(cfg.Media.SongAPIURL); err != nil {
			errors = append(errors, fmt.Errorf("media.song_api_url: %w", err))
		}
	}

	if cfg.Assistant.Enabled {
		if err := v.ValidateProvider(cfg.Assistant.Provider); err != nil {
			errors = append(errors, err)
		} else if cfg.Assistant.BaseURL == "" {
			// Compatible gateways behind base_url use their own key formats.
			if err := v.ValidateAPIKey(cfg.Assistant.APIKey, cfg.Assistant.Provider); err != nil {
				errors = append(errors, fmt.Errorf("assistant: %w", err))
			}
		}
	}

	if cfg.Maintenance.Enabled {
		if err := v.ValidateSchedule(cfg.Maintenance.Schedule); err != nil {
			errors = append(errors, err)
		}
	}

	if cfg.Moderation.Enabled {
		for _, p := range cfg.Moderation.BlockedPatterns {
			if _, err := regexp.Compile(p); err != nil {
				errors = append(errors, fmt.Errorf("moderation.blocked_patterns: invalid pattern %s: %w", p, err))
			}
		}
		if cfg.Moderation.MaxMentions < 0 {
			errors = append(errors, fmt.Errorf("moderation.max_mentions must be >= 0"))
		}
	}

	if err := v.ValidateLogLevel(cfg.Logging.Level); err != nil {
		errors = append(errors, err)
	}

	return errors
}
