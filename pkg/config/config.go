// Package config loads the bot configuration from a YAML file, .env files
// and the process environment, in that order of increasing precedence.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"
	_ "time/tzdata"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Misskey     MisskeyConfig                     `yaml:"misskey" envPrefix:"MISSKEY_"`
	Provider    ProviderConfig                    `yaml:"provider" envPrefix:"PROVIDER_"`
	Bot         BotConfig                         `yaml:"bot" envPrefix:"BOT_"`
	API         APIConfig                         `yaml:"api" envPrefix:"API_"`
	Persistence PersistenceConfig                 `yaml:"persistence" envPrefix:"PERSISTENCE_"`
	Logging     LoggingConfig                     `yaml:"logging" envPrefix:"LOG_"`
	Server      ServerConfig                      `yaml:"server" envPrefix:"SERVER_"`
	Plugins     map[string]map[string]interface{} `yaml:"plugins"`

	treeMu sync.Mutex
	tree   map[string]interface{}
}

type MisskeyConfig struct {
	InstanceURL string `yaml:"instance_url" env:"INSTANCE_URL"`
	AccessToken string `yaml:"access_token" env:"ACCESS_TOKEN"`
}

// ProviderConfig selects the content-generation backend. Type is "openai"
// (any OpenAI-compatible endpoint, DeepSeek included) or "anthropic".
type ProviderConfig struct {
	Type        string  `yaml:"type" env:"TYPE"`
	APIKey      string  `yaml:"api_key" env:"API_KEY"`
	APIBase     string  `yaml:"api_base" env:"API_BASE"`
	Model       string  `yaml:"model" env:"MODEL"`
	MaxTokens   int     `yaml:"max_tokens" env:"MAX_TOKENS"`
	Temperature float64 `yaml:"temperature" env:"TEMPERATURE"`
}

type BotConfig struct {
	SystemPrompt string `yaml:"system_prompt" env:"SYSTEM_PROMPT"`
	// Persona names a persona whose prompts replace SystemPrompt and
	// AutoPost.Prompt. PersonaParams fill its {{placeholders}}.
	Persona       string            `yaml:"persona" env:"PERSONA"`
	PersonaParams map[string]string `yaml:"persona_params" env:"PERSONA_PARAMS"`

	AutoPost      AutoPostConfig `yaml:"auto_post" envPrefix:"AUTO_POST_"`
	Response      ResponseConfig `yaml:"response" envPrefix:"RESPONSE_"`
	Workers       int            `yaml:"workers" env:"WORKERS"`
	QueueSize     int            `yaml:"queue_size" env:"QUEUE_SIZE"`
	ShutdownGrace time.Duration  `yaml:"shutdown_grace" env:"SHUTDOWN_GRACE"`
}

type AutoPostConfig struct {
	Enabled         bool          `yaml:"enabled" env:"ENABLED"`
	IntervalMinutes int           `yaml:"interval_minutes" env:"INTERVAL_MINUTES"`
	InitialDelay    time.Duration `yaml:"initial_delay" env:"INITIAL_DELAY"`
	MaxPostsPerDay  int           `yaml:"max_posts_per_day" env:"MAX_POSTS_PER_DAY"`
	Prompt          string        `yaml:"prompt" env:"PROMPT"`
	Visibility      string        `yaml:"visibility" env:"VISIBILITY"`
	Timezone        string        `yaml:"timezone" env:"TIMEZONE"`
}

type ResponseConfig struct {
	MentionEnabled bool   `yaml:"mention_enabled" env:"MENTION_ENABLED"`
	ChatEnabled    bool   `yaml:"chat_enabled" env:"CHAT_ENABLED"`
	Visibility     string `yaml:"visibility" env:"VISIBILITY"`
	// PollingInterval paces the REST poll that runs next to the stream.
	// Zero disables polling.
	PollingInterval time.Duration `yaml:"polling_interval" env:"POLLING_INTERVAL"`
	// ChatHistoryLimit is how many earlier messages of a chat conversation
	// are fetched for each chat event. Zero disables history.
	ChatHistoryLimit int `yaml:"chat_history_limit" env:"CHAT_HISTORY_LIMIT"`
}

// APIConfig is the retry policy applied to every outbound call.
type APIConfig struct {
	MaxRetries int           `yaml:"max_retries" env:"MAX_RETRIES"`
	Timeout    time.Duration `yaml:"timeout" env:"TIMEOUT"`
	BaseDelay  time.Duration `yaml:"base_delay" env:"BASE_DELAY"`
	MaxDelay   time.Duration `yaml:"max_delay" env:"MAX_DELAY"`
	Backoff    string        `yaml:"backoff" env:"BACKOFF"`
	Jitter     float64       `yaml:"jitter" env:"JITTER"`
}

type PersistenceConfig struct {
	DBPath      string `yaml:"db_path" env:"DB_PATH"`
	CleanupDays int    `yaml:"cleanup_days" env:"CLEANUP_DAYS"`
	CleanupCron string `yaml:"cleanup_cron" env:"CLEANUP_CRON"`
	VacuumCron  string `yaml:"vacuum_cron" env:"VACUUM_CRON"`
}

type LoggingConfig struct {
	Level  string `yaml:"level" env:"LEVEL"`
	Format string `yaml:"format" env:"FORMAT"`
}

type ServerConfig struct {
	Enabled bool   `yaml:"enabled" env:"ENABLED"`
	Addr    string `yaml:"addr" env:"ADDR"`
	Token   string `yaml:"token" env:"TOKEN"`
}

// Default returns the configuration used for every unset key.
func Default() *Config {
	return &Config{
		Provider: ProviderConfig{
			Type:        "openai",
			APIBase:     "https://api.deepseek.com/v1",
			Model:       "deepseek-chat",
			MaxTokens:   1000,
			Temperature: 0.8,
		},
		Bot: BotConfig{
			SystemPrompt: "You are a friendly assistant living on a Misskey instance.",
			AutoPost: AutoPostConfig{
				Enabled:         true,
				IntervalMinutes: 180,
				InitialDelay:    time.Minute,
				MaxPostsPerDay:  8,
				Prompt:          "Write a short, natural post to share with your followers.",
				Visibility:      "public",
				Timezone:        "UTC",
			},
			Response: ResponseConfig{
				MentionEnabled:   true,
				ChatEnabled:      true,
				Visibility:       "home",
				PollingInterval:  time.Minute,
				ChatHistoryLimit: 5,
			},
			Workers:       4,
			QueueSize:     100,
			ShutdownGrace: 10 * time.Second,
		},
		API: APIConfig{
			MaxRetries: 3,
			Timeout:    30 * time.Second,
			BaseDelay:  time.Second,
			MaxDelay:   30 * time.Second,
			Backoff:    "exponential",
			Jitter:     0.1,
		},
		Persistence: PersistenceConfig{
			DBPath:      "data/misskeybot.db",
			CleanupDays: 7,
			CleanupCron: "0 1 * * *",
			VacuumCron:  "0 2 * * *",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
		Server: ServerConfig{
			Addr: "127.0.0.1:8765",
		},
		Plugins: map[string]map[string]interface{}{},
	}
}

// Load builds a Config from defaults, the YAML file at path (optional when
// empty), .env files and the environment. The result is validated.
func Load(path string) (*Config, error) {
	loadDotEnv(path)

	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}
	if cfg.Plugins == nil {
		cfg.Plugins = map[string]map[string]interface{}{}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := cfg.buildTree(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// loadDotEnv loads .env from the working directory and from the config
// file's directory. Variables already set in the process win.
func loadDotEnv(configPath string) {
	files := []string{".env"}
	if configPath != "" {
		if dir := filepath.Dir(configPath); dir != "." {
			files = append(files, filepath.Join(dir, ".env"))
		}
	}
	for _, f := range files {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, fs.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "warning: load %s: %v\n", f, err)
		}
	}
}

// Location returns the autopost day-window timezone. Validate guarantees it
// parses.
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Bot.AutoPost.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// AutoPostInterval returns the configured interval between autopost fires.
func (c *Config) AutoPostInterval() time.Duration {
	return time.Duration(c.Bot.AutoPost.IntervalMinutes) * time.Minute
}

// CleanupAge returns the retention for Store.Cleanup.
func (c *Config) CleanupAge() time.Duration {
	return time.Duration(c.Persistence.CleanupDays) * 24 * time.Hour
}
