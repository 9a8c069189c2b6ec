// Package config loads the platform configuration from YAML with
// environment fallbacks for credentials.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config represents the platform configuration
type Config struct {
	// API Keys
	OpenAIKey string `yaml:"openai_key"`

	// GCP Configuration
	GCPProject     string `yaml:"gcp_project"`
	GCPCredentials string `yaml:"gcp_credentials"`

	// Model Configuration
	DefaultModel   string `yaml:"default_model"`
	EmbeddingModel string `yaml:"embedding_model"`

	// Models maps each servable model key to its provider name.
	Models map[string]string `yaml:"models"`

	// Rates maps model keys (or "<model>-input"/"<model>-output") to
	// credit rates per token.
	Rates map[string]float64 `yaml:"rates"`

	// Multipliers holds per-model reservation estimate multipliers.
	Multipliers map[string]float64 `yaml:"multipliers"`

	// Redis Configuration
	Redis RedisConfig `yaml:"redis"`

	// Vector Store
	VectorProvider string            `yaml:"vector_provider"` // memory, firestore
	VectorConfig   map[string]string `yaml:"vector_config"`

	// DataDir is the base directory for file-backed conversation storage.
	// Used only when redis is not configured. Empty means ~/.platform.
	DataDir string `yaml:"data_dir"`

	// Generation Configuration
	Generation GenerationConfig `yaml:"generation"`

	// Maintenance Configuration
	Maintenance MaintenanceConfig `yaml:"maintenance"`

	// Observability Configuration
	MetricsPort int `yaml:"metrics_port"`
}

// RedisConfig holds connection settings for the credit ledger and
// memory tools
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// GenerationConfig holds generation session settings
type GenerationConfig struct {
	MaxToolRounds int     `yaml:"max_tool_rounds"`
	EventBuffer   int     `yaml:"event_buffer"`
	RateLimit     float64 `yaml:"rate_limit"`
	RateBurst     int     `yaml:"rate_burst"`
}

// MaintenanceConfig holds the stale-session sweeper settings
type MaintenanceConfig struct {
	Schedule   string `yaml:"schedule"`
	StaleAfter string `yaml:"stale_after"`
}

// maxConfigSize bounds config files to 1MB.
const maxConfigSize = 1 << 20

// LoadConfig loads configuration from a YAML file
func LoadConfig(path string) (*Config, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	if info.Size() > maxConfigSize {
		return nil, fmt.Errorf("config file too large: %d bytes", info.Size())
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	// Apply defaults
	if cfg.EmbeddingModel == "" {
		cfg.EmbeddingModel = "text-embedding-3-small"
	}
	if cfg.Generation.EventBuffer == 0 {
		cfg.Generation.EventBuffer = 256
	}
	if cfg.Maintenance.Schedule == "" {
		cfg.Maintenance.Schedule = "@every 5m"
	}
	if cfg.Maintenance.StaleAfter == "" {
		cfg.Maintenance.StaleAfter = "15m"
	}
	if cfg.MetricsPort == 0 {
		cfg.MetricsPort = 9090
	}
	if cfg.VectorProvider == "" {
		cfg.VectorProvider = "memory"
	}

	// Load credentials from environment if not in config
	if cfg.OpenAIKey == "" {
		cfg.OpenAIKey = os.Getenv("OPENAI_API_KEY")
	}
	if cfg.GCPProject == "" {
		cfg.GCPProject = os.Getenv("GCP_PROJECT")
	}
	if cfg.GCPCredentials == "" {
		cfg.GCPCredentials = os.Getenv("GOOGLE_APPLICATION_CREDENTIALS")
	}
	if cfg.Redis.Addr == "" {
		cfg.Redis.Addr = os.Getenv("REDIS_ADDR")
	}
	if cfg.Redis.Password == "" {
		cfg.Redis.Password = os.Getenv("REDIS_PASSWORD")
	}

	return &cfg, nil
}

// SaveConfig saves configuration to a YAML file
func SaveConfig(cfg *Config, path string) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.DefaultModel == "" {
		return fmt.Errorf("default_model is required")
	}

	if len(c.Models) == 0 {
		return fmt.Errorf("at least one model binding is required")
	}

	if _, ok := c.Models[c.DefaultModel]; !ok {
		return fmt.Errorf("default_model %q has no provider binding", c.DefaultModel)
	}

	if c.OpenAIKey == "" {
		return fmt.Errorf("openai_key must be configured")
	}

	if c.VectorProvider == "firestore" && c.GCPProject == "" {
		return fmt.Errorf("gcp_project is required for the firestore vector store")
	}

	return nil
}
