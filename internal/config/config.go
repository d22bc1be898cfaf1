package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"aha-chat/internal/domain"
)

// ErrMissingAPIKey means neither a key nor an SSM parameter name was configured.
var ErrMissingAPIKey = errors.New("config: GROQ_API_KEY or GROQ_API_KEY_PARAM must be set")

// Config is the process configuration shared by the Lambda and terminal entrypoints.
type Config struct {
	GroqAPIKey            string        `mapstructure:"groq_api_key"`
	GroqAPIKeyParam       string        `mapstructure:"groq_api_key_param"`
	GroqBaseURL           string        `mapstructure:"groq_base_url"`
	StateTable            string        `mapstructure:"state_table"`
	LogLevel              string        `mapstructure:"log_level"`
	SessionIdleTimeout    time.Duration `mapstructure:"session_idle_timeout"`
	ResponseHeaderTimeout time.Duration `mapstructure:"response_header_timeout"`
	DefaultModel          string        `mapstructure:"default_model"`
}

var envKeys = map[string]string{
	"groq_api_key":            "GROQ_API_KEY",
	"groq_api_key_param":      "GROQ_API_KEY_PARAM",
	"groq_base_url":           "GROQ_BASE_URL",
	"state_table":             "STATE_TABLE",
	"log_level":               "LOG_LEVEL",
	"session_idle_timeout":    "SESSION_IDLE_TIMEOUT",
	"response_header_timeout": "RESPONSE_HEADER_TIMEOUT",
	"default_model":           "DEFAULT_MODEL",
}

func defaults() map[string]any {
	return map[string]any{
		"groq_base_url":           "https://api.groq.com/openai/v1",
		"log_level":               "info",
		"session_idle_timeout":    2 * time.Hour,
		"response_header_timeout": 30 * time.Second,
		"default_model":           domain.DefaultModel().ID,
	}
}

// Load reads configuration from the environment and, when path is not empty,
// from a config file in any format viper understands. Environment wins.
func Load(path string) (Config, error) {
	v := viper.New()
	for k, val := range defaults() {
		v.SetDefault(k, val)
	}
	for key, env := range envKeys {
		if err := v.BindEnv(key, env); err != nil {
			return Config{}, fmt.Errorf("config: bind %s: %w", env, err)
		}
	}

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("config: read %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("config: unmarshal: %w", err)
	}
	cfg.GroqAPIKey = strings.TrimSpace(cfg.GroqAPIKey)
	cfg.GroqAPIKeyParam = strings.TrimSpace(cfg.GroqAPIKeyParam)

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate reports the first configuration problem found.
func (c Config) Validate() error {
	if c.GroqAPIKey == "" && c.GroqAPIKeyParam == "" {
		return ErrMissingAPIKey
	}
	if _, ok := domain.LookupModel(c.DefaultModel); !ok {
		return fmt.Errorf("config: unknown default_model %q", c.DefaultModel)
	}
	if c.SessionIdleTimeout <= 0 {
		return errors.New("config: session_idle_timeout must be positive")
	}
	if c.ResponseHeaderTimeout <= 0 {
		return errors.New("config: response_header_timeout must be positive")
	}
	if _, err := ParseLevel(c.LogLevel); err != nil {
		return err
	}
	return nil
}
