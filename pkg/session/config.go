package session

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/xeipuuv/gojsonschema"
)

const (
	// SentinelAccessKey marks a session whose access code has not been generated yet.
	SentinelAccessKey = "0000"

	DefaultBotName      = "UNSET_BOT"
	DefaultStatusEmoji  = "default"
	FallbackStatusEmoji = "💚"

	AudioReplySong  = "song"
	AudioReplyVoice = "voice"
)

var (
	ErrSettingNotAllowed = errors.New("setting cannot be changed")
	ErrInvalidSetting    = errors.New("invalid setting")
)

// Config is the per-session settings document stored as sessions/<key>/config.json.
type Config struct {
	BotName            string    `json:"botName"`
	AccessKey          string    `json:"accessKey"`
	CreatedAt          time.Time `json:"createdAt"`
	IsActive           bool      `json:"isActive"`
	GhostMode          bool      `json:"ghostMode"`
	AntiDelete         bool      `json:"antiDelete"`
	AntiCall           bool      `json:"antiCall"`
	OneTimeViewCapture bool      `json:"oneTimeViewCapture"`
	StatusView         bool      `json:"statusView"`
	StatusEmoji        string    `json:"statusEmoji"`
	AudioReplyMode     string    `json:"audioReplyMode"`
	AIEnabled          bool      `json:"aiEnabled"`
	AIMemory           bool      `json:"aiMemory"`
}

// DefaultConfig returns the document used for new sessions and for unreadable ones.
func DefaultConfig(now time.Time) Config {
	return Config{
		BotName:            DefaultBotName,
		AccessKey:          SentinelAccessKey,
		CreatedAt:          now.UTC(),
		IsActive:           true,
		OneTimeViewCapture: true,
		StatusView:         true,
		StatusEmoji:        DefaultStatusEmoji,
		AudioReplyMode:     AudioReplySong,
	}
}

// HasAccessCode reports whether the one-time access code was already generated.
func (c Config) HasAccessCode() bool {
	return c.AccessKey != "" && c.AccessKey != SentinelAccessKey
}

// Emoji returns the reaction used for status auto-view.
func (c Config) Emoji() string {
	if c.StatusEmoji == "" || c.StatusEmoji == DefaultStatusEmoji {
		return FallbackStatusEmoji
	}
	return c.StatusEmoji
}

// settable maps accepted setting names, including the legacy snake_case spellings, to
// their JSON field.
var settable = map[string]string{
	"botName":            "botName",
	"bot_name":           "botName",
	"ghostMode":          "ghostMode",
	"ghost_mode":         "ghostMode",
	"antiDelete":         "antiDelete",
	"anti_delete":        "antiDelete",
	"antiCall":           "antiCall",
	"anti_call":          "antiCall",
	"oneTimeViewCapture": "oneTimeViewCapture",
	"one_time":           "oneTimeViewCapture",
	"statusView":         "statusView",
	"status_view":        "statusView",
	"statusEmoji":        "statusEmoji",
	"status_emoji":       "statusEmoji",
	"audioReplyMode":     "audioReplyMode",
	"audio_mode":         "audioReplyMode",
	"aiEnabled":          "aiEnabled",
	"ai_enabled":         "aiEnabled",
	"aiMemory":           "aiMemory",
	"ai_memory":          "aiMemory",
}

var protected = map[string]bool{
	"accessKey":  true,
	"access_key": true,
	"createdAt":  true,
	"created_at": true,
	"isActive":   true,
	"is_active":  true,
}

// CanonicalSetting resolves a setting name to its JSON field.
func CanonicalSetting(name string) (string, error) {
	name = strings.TrimSpace(name)
	if protected[name] {
		return "", fmt.Errorf("%w: %s", ErrSettingNotAllowed, name)
	}
	field, ok := settable[name]
	if !ok {
		return "", fmt.Errorf("%w: unknown setting %q", ErrInvalidSetting, name)
	}
	return field, nil
}

// Apply sets one user-facing setting. The resulting document must satisfy the config schema.
func (c *Config) Apply(name string, value interface{}) (string, error) {
	field, err := CanonicalSetting(name)
	if err != nil {
		return "", err
	}

	raw, err := json.Marshal(c)
	if err != nil {
		return "", fmt.Errorf("failed to encode config: %w", err)
	}
	doc := make(map[string]interface{})
	if err := json.Unmarshal(raw, &doc); err != nil {
		return "", fmt.Errorf("failed to decode config: %w", err)
	}
	doc[field] = value

	updated, err := json.Marshal(doc)
	if err != nil {
		return "", fmt.Errorf("%w: %s: %v", ErrInvalidSetting, field, err)
	}
	if err := validateDocument(updated); err != nil {
		return "", err
	}

	next := *c
	if err := json.Unmarshal(updated, &next); err != nil {
		return "", fmt.Errorf("%w: %s: %v", ErrInvalidSetting, field, err)
	}
	*c = next
	return field, nil
}

const configSchema = `{
  "type": "object",
  "properties": {
    "botName":            {"type": "string", "minLength": 1, "maxLength": 64},
    "accessKey":          {"type": "string", "minLength": 1, "maxLength": 64},
    "createdAt":          {"type": "string"},
    "isActive":           {"type": "boolean"},
    "ghostMode":          {"type": "boolean"},
    "antiDelete":         {"type": "boolean"},
    "antiCall":           {"type": "boolean"},
    "oneTimeViewCapture": {"type": "boolean"},
    "statusView":         {"type": "boolean"},
    "statusEmoji":        {"type": "string", "minLength": 1, "maxLength": 32},
    "audioReplyMode":     {"enum": ["song", "voice"]},
    "aiEnabled":          {"type": "boolean"},
    "aiMemory":           {"type": "boolean"}
  }
}`

var (
	schemaOnce sync.Once
	schema     *gojsonschema.Schema
	schemaErr  error
)

func compiledSchema() (*gojsonschema.Schema, error) {
	schemaOnce.Do(func() {
		schema, schemaErr = gojsonschema.NewSchema(gojsonschema.NewStringLoader(configSchema))
	})
	return schema, schemaErr
}

// validateDocument checks a raw config.json body against the config schema.
func validateDocument(data []byte) error {
	s, err := compiledSchema()
	if err != nil {
		return fmt.Errorf("failed to compile config schema: %w", err)
	}
	result, err := s.Validate(gojsonschema.NewBytesLoader(data))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSetting, err)
	}
	if result.Valid() {
		return nil
	}
	problems := make([]string, 0, len(result.Errors()))
	for _, desc := range result.Errors() {
		problems = append(problems, desc.String())
	}
	return fmt.Errorf("%w: %s", ErrInvalidSetting, strings.Join(problems, "; "))
}
