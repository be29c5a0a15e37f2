package config

import (
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"pulpo/errors"
)

type ProviderKeys struct {
	Anthropic string `yaml:"anthropic"`
	OpenAI    string `yaml:"openai"`
	Google    string `yaml:"google"`
	// Bedrock uses the ambient AWS credential chain; only the region is
	// configured here.
	BedrockRegion string `yaml:"bedrock_region"`
}

type MCPServer struct {
	Name    string   `yaml:"name"`
	Command string   `yaml:"command"`
	Args    []string `yaml:"args"`
}

type Config struct {
	Provider string       `yaml:"provider"`
	Model    string       `yaml:"model"`
	Keys     ProviderKeys `yaml:"keys"`

	// MaxIterations caps tool calls per user message. Zero means the
	// default of 15.
	MaxIterations int `yaml:"max_iterations"`
	// ToolFailureThreshold aborts the loop after this many consecutive
	// failures of the same tool. Zero means the default of 3.
	ToolFailureThreshold int `yaml:"tool_failure_threshold"`

	RedisAddr            string `yaml:"redis_addr"`
	EncryptionPassphrase string `yaml:"encryption_passphrase"`
	DatabasePath         string `yaml:"database_path"`

	// AllowedEndpoints restricts outbound API tool requests to matching
	// URL globs. Empty means unrestricted.
	AllowedEndpoints []string `yaml:"allowed_endpoints"`

	MCPServers []MCPServer `yaml:"mcp_servers"`
}

const (
	DefaultMaxIterations        = 15
	DefaultToolFailureThreshold = 3
)

// LoadConfig loads configuration from the user's home directory and the current
// working directory, with the latter taking precedence.
func LoadConfig() (*Config, error) {
	cfg := &Config{}

	// Load user-level config first
	home, err := os.UserHomeDir()
	if err == nil {
		userConfigPath := filepath.Join(home, ".pulpo", "config.yaml")
		if _, err := os.Stat(userConfigPath); err == nil {
			if err := loadFromFile(userConfigPath, cfg); err != nil {
				return nil, errors.Wrapf(err, "error loading user config")
			}
		}
	}

	// Load project-level config, overriding user-level
	wd, err := os.Getwd()
	if err != nil {
		return nil, errors.Wrapf(err, "could not get working directory")
	}
	projectConfigPath := filepath.Join(wd, ".pulpo", "config.yaml")
	if _, err := os.Stat(projectConfigPath); err == nil {
		if err := loadFromFile(projectConfigPath, cfg); err != nil {
			return nil, errors.Wrapf(err, "error loading project config")
		}
	}

	cfg.applyEnv()
	cfg.applyDefaults()
	return cfg, nil
}

func loadFromFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	// Unmarshal overwrites fields present in the YAML, giving a simple
	// merge where project-level config replaces user-level.
	return yaml.Unmarshal(data, cfg)
}

// applyEnv lets API keys come from the environment so they can stay out
// of config files.
func (c *Config) applyEnv() {
	if v := os.Getenv("ANTHROPIC_API_KEY"); v != "" && c.Keys.Anthropic == "" {
		c.Keys.Anthropic = v
	}
	if v := os.Getenv("OPENAI_API_KEY"); v != "" && c.Keys.OpenAI == "" {
		c.Keys.OpenAI = v
	}
	if v := os.Getenv("GOOGLE_API_KEY"); v != "" && c.Keys.Google == "" {
		c.Keys.Google = v
	}
	if v := os.Getenv("PULPO_ENCRYPTION_PASSPHRASE"); v != "" && c.EncryptionPassphrase == "" {
		c.EncryptionPassphrase = v
	}
}

func (c *Config) applyDefaults() {
	if c.MaxIterations <= 0 {
		c.MaxIterations = DefaultMaxIterations
	}
	if c.ToolFailureThreshold <= 0 {
		c.ToolFailureThreshold = DefaultToolFailureThreshold
	}
	if c.RedisAddr == "" {
		c.RedisAddr = "localhost:6379"
	}
	if c.DatabasePath == "" {
		c.DatabasePath = filepath.Join(".pulpo", "pulpo.db")
	}
}
