// Package config loads service settings from defaults, an optional file, a
// local .env file and the environment.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
	"go.uber.org/zap/zapcore"
)

const (
	ProviderOpenAI = "openai"
	ProviderGemini = "gemini"

	BackendDynamoDB = "dynamodb"
	BackendSQLite   = "sqlite"
	BackendMemory   = "memory"
)

type Config struct {
	Provider   string           `mapstructure:"provider"`
	OpenAI     OpenAIConfig     `mapstructure:"openai"`
	Gemini     GeminiConfig     `mapstructure:"gemini"`
	Store      StoreConfig      `mapstructure:"store"`
	Turn       TurnConfig       `mapstructure:"turn"`
	Narrator   NarratorConfig   `mapstructure:"narrator"`
	Moderation ModerationConfig `mapstructure:"moderation"`
	Log        LogConfig        `mapstructure:"log"`
}

type OpenAIConfig struct {
	Model                 string  `mapstructure:"model"`
	BaseURL               string  `mapstructure:"base_url"`
	APIKey                string  `mapstructure:"api_key"`
	TokenParam            string  `mapstructure:"token_param"`
	TokenPrefix           string  `mapstructure:"token_prefix"`
	NarrativeTemperature  float32 `mapstructure:"narrative_temperature"`
	StructuredTemperature float32 `mapstructure:"structured_temperature"`
}

type GeminiConfig struct {
	Model  string `mapstructure:"model"`
	APIKey string `mapstructure:"api_key"`
}

type StoreConfig struct {
	Backend    string `mapstructure:"backend"`
	Table      string `mapstructure:"table"`
	SQLitePath string `mapstructure:"sqlite_path"`
}

// TurnConfig bounds a turn. LeaseTTL of zero derives the thread lease from
// Timeout.
type TurnConfig struct {
	MaxActionLength int           `mapstructure:"max_action_length"`
	Timeout         time.Duration `mapstructure:"timeout"`
	LeaseTTL        time.Duration `mapstructure:"lease_ttl"`
	LeaseRetry      time.Duration `mapstructure:"lease_retry"`
}

type NarratorConfig struct {
	Language      string `mapstructure:"language"`
	MaxTokens     int    `mapstructure:"max_tokens"`
	MaxSteps      int    `mapstructure:"max_steps"`
	HistoryBudget int    `mapstructure:"history_budget"`
}

type ModerationConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

type LogConfig struct {
	Level string `mapstructure:"level"`
}

// ZapLevel parses the configured log level.
func (c LogConfig) ZapLevel() (zapcore.Level, error) {
	return zapcore.ParseLevel(c.Level)
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("provider", ProviderOpenAI)
	v.SetDefault("openai.model", "gpt-4o-mini")
	v.SetDefault("openai.base_url", "")
	v.SetDefault("openai.api_key", "")
	v.SetDefault("openai.token_param", "")
	v.SetDefault("openai.token_prefix", "")
	v.SetDefault("openai.narrative_temperature", 0.7)
	v.SetDefault("openai.structured_temperature", 0)
	v.SetDefault("gemini.model", "gemini-1.5-flash")
	v.SetDefault("gemini.api_key", "")
	v.SetDefault("store.backend", BackendDynamoDB)
	v.SetDefault("store.table", "")
	v.SetDefault("store.sqlite_path", "dungeon.db")
	v.SetDefault("turn.max_action_length", 1000)
	v.SetDefault("turn.timeout", 2*time.Minute)
	v.SetDefault("turn.lease_ttl", 0)
	v.SetDefault("turn.lease_retry", 200*time.Millisecond)
	v.SetDefault("narrator.language", "English")
	v.SetDefault("narrator.max_tokens", 600)
	v.SetDefault("narrator.max_steps", 5)
	v.SetDefault("narrator.history_budget", 2000)
	v.SetDefault("moderation.enabled", false)
	v.SetDefault("log.level", "info")
}

// Load reads the configuration. path may be empty; a missing .env file is
// ignored. Environment variables use upper-case keys with underscores, e.g.
// OPENAI_API_KEY or STORE_BACKEND.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("config: load .env: %w", err)
	}

	v := viper.New()
	setDefaults(v)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: decode: %w", err)
	}
	cfg.Provider = strings.ToLower(strings.TrimSpace(cfg.Provider))
	cfg.Store.Backend = strings.ToLower(strings.TrimSpace(cfg.Store.Backend))
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the settings that the service cannot start without.
// Missing provider credentials are not an error; the service then reports
// itself unavailable.
func (c *Config) Validate() error {
	switch c.Provider {
	case ProviderOpenAI, ProviderGemini:
	default:
		return fmt.Errorf("config: unknown provider %q", c.Provider)
	}
	switch c.Store.Backend {
	case BackendDynamoDB:
		if strings.TrimSpace(c.Store.Table) == "" {
			return errors.New("config: store.table is required for the dynamodb backend")
		}
	case BackendSQLite:
		if strings.TrimSpace(c.Store.SQLitePath) == "" {
			return errors.New("config: store.sqlite_path is required for the sqlite backend")
		}
	case BackendMemory:
	default:
		return fmt.Errorf("config: unknown store backend %q", c.Store.Backend)
	}
	if c.Turn.MaxActionLength <= 0 {
		return errors.New("config: turn.max_action_length must be positive")
	}
	if c.Turn.Timeout <= 0 {
		return errors.New("config: turn.timeout must be positive")
	}
	if c.Turn.LeaseTTL < 0 {
		return errors.New("config: turn.lease_ttl must not be negative")
	}
	if c.Turn.LeaseTTL > 0 && c.Turn.LeaseTTL <= c.Turn.Timeout {
		return errors.New("config: turn.lease_ttl must exceed turn.timeout")
	}
	if c.Narrator.MaxSteps <= 0 {
		return errors.New("config: narrator.max_steps must be positive")
	}
	if _, err := c.Log.ZapLevel(); err != nil {
		return fmt.Errorf("config: log.level: %w", err)
	}
	return nil
}
