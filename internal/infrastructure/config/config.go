package config

import (
	"fmt"
	"os"
	"time"

	"github.com/goccy/go-yaml"
	"github.com/kelseyhightower/envconfig"
)

// Config holds all application configuration.
type Config struct {
	Server    ServerConfig
	Provider  ProviderConfig
	Agent     AgentConfig
	History   HistoryConfig
	Slack     SlackConfig
	Logging   LogConfig
	RateLimit RateLimitConfig
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Port string `envconfig:"PORT" default:"8000" yaml:"port"`
	Host string `envconfig:"HOST" default:"0.0.0.0" yaml:"host"`
}

// ProviderConfig holds remote session provider configuration.
type ProviderConfig struct {
	BaseURL        string        `envconfig:"PROVIDER_URL" default:"http://localhost:9100" yaml:"base_url"`
	APIKey         string        `envconfig:"PROVIDER_API_KEY" default:"" yaml:"api_key"`
	StartTimeout   time.Duration `envconfig:"PROVIDER_START_TIMEOUT" default:"30s" yaml:"start_timeout"`
	ExecuteTimeout time.Duration `envconfig:"PROVIDER_EXECUTE_TIMEOUT" default:"120s" yaml:"execute_timeout"`
}

// AgentConfig holds session orchestrator configuration.
type AgentConfig struct {
	SettleDelay time.Duration `envconfig:"AGENT_SETTLE_DELAY" default:"500ms" yaml:"settle_delay"`
	MinBalance  float64       `envconfig:"AGENT_MIN_BALANCE" default:"1.0" yaml:"min_balance"`
	CommandCost float64       `envconfig:"AGENT_COMMAND_COST" default:"0.5" yaml:"command_cost"`
}

// HistoryConfig holds session archive configuration.
type HistoryConfig struct {
	Dir     string `envconfig:"HISTORY_DIR" default:"/tmp/crewdesk/history" yaml:"dir"`
	Enabled bool   `envconfig:"HISTORY_ENABLED" default:"true" yaml:"enabled"`
}

// SlackConfig holds Slack notification configuration.
type SlackConfig struct {
	WebhookURL string        `envconfig:"SLACK_WEBHOOK_URL" default:"" yaml:"webhook_url"`
	Timeout    time.Duration `envconfig:"SLACK_TIMEOUT" default:"5s" yaml:"timeout"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level       string `envconfig:"LOG_LEVEL" default:"info" yaml:"level"`
	Development bool   `envconfig:"LOG_DEV" default:"false" yaml:"development"`
}

// RateLimitConfig holds rate limiting configuration.
type RateLimitConfig struct {
	RequestsPerSecond int  `envconfig:"RATE_LIMIT_RPS" default:"100" yaml:"requests_per_second"`
	Burst             int  `envconfig:"RATE_LIMIT_BURST" default:"200" yaml:"burst"`
	Enabled           bool `envconfig:"RATE_LIMIT_ENABLED" default:"true" yaml:"enabled"`
}

// Load loads configuration from environment variables, then overlays the
// YAML file named by CONFIG_FILE when set. File values take precedence.
func Load() (*Config, error) {
	return LoadFile(os.Getenv("CONFIG_FILE"))
}

// LoadFile loads configuration with an explicit config file overlay.
func LoadFile(path string) (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if path != "" {
		if err := overlayFile(&cfg, path); err != nil {
			return nil, err
		}
	}
	return &cfg, nil
}

// LoadOrDefault loads configuration from environment or returns default.
func LoadOrDefault() *Config {
	cfg, err := Load()
	if err != nil {
		return Default()
	}
	return cfg
}

// Default returns default configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port: "8000",
			Host: "0.0.0.0",
		},
		Provider: ProviderConfig{
			BaseURL:        "http://localhost:9100",
			StartTimeout:   30 * time.Second,
			ExecuteTimeout: 120 * time.Second,
		},
		Agent: AgentConfig{
			SettleDelay: 500 * time.Millisecond,
			MinBalance:  1.0,
			CommandCost: 0.5,
		},
		History: HistoryConfig{
			Dir:     "/tmp/crewdesk/history",
			Enabled: true,
		},
		Slack: SlackConfig{
			Timeout: 5 * time.Second,
		},
		Logging: LogConfig{
			Level:       "info",
			Development: false,
		},
		RateLimit: RateLimitConfig{
			RequestsPerSecond: 100,
			Burst:             200,
			Enabled:           true,
		},
	}
}

func overlayFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return nil
}
