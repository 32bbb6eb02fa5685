// Package config holds all receiptwise configuration. Non-secret settings
// load from a YAML file; secrets come from the environment (optionally via a
// local .env that is never committed).
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config is the root configuration.
type Config struct {
	// DataDir holds tokens.json, rate limiter state, and the audit log.
	DataDir string `yaml:"data_dir"`

	// RulesFile is the YAML rule set for the deterministic pathway.
	RulesFile string `yaml:"rules_file"`

	// Province is the principal's home province (e.g. BC, AB). Rule
	// provincial context comes from here, not from the receipt.
	Province string `yaml:"province"`

	LLM    LLMConfig    `yaml:"llm"`
	QBO    QBOConfig    `yaml:"qbo"`
	Limits LimitsConfig `yaml:"limits"`
	Server ServerConfig `yaml:"server"`

	// Rounding selects the deductible rounding rule: "half-up" (default)
	// or "bankers".
	Rounding string `yaml:"rounding"`
}

// ServerConfig configures the HTTP API.
type ServerConfig struct {
	Listen string `yaml:"listen"`
}

// Default returns the configuration used when no file is present.
func Default() *Config {
	home, _ := os.UserHomeDir()
	return &Config{
		DataDir:   filepath.Join(home, ".receiptwise"),
		RulesFile: filepath.Join(home, ".receiptwise", "rules.yaml"),
		Province:  "BC",
		LLM:       DefaultLLMConfig(),
		QBO:       DefaultQBOConfig(),
		Limits:    DefaultLimitsConfig(),
		Server:    ServerConfig{Listen: ":8080"},
		Rounding:  "half-up",
	}
}

// Load reads the config file, falling back to defaults when it does not
// exist, then applies environment overrides. A local .env is honored if
// present.
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	cfg := Default()
	if path == "" {
		path = filepath.Join(cfg.DataDir, "config.yaml")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnv()
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}

	cfg.applyEnv()
	return cfg, nil
}

// applyEnv pulls secrets and overrides from the environment. Variable names
// are documented in .env.example.
func (c *Config) applyEnv() {
	if v := os.Getenv("RECEIPTWISE_DATA_DIR"); v != "" {
		c.DataDir = v
	}
	if v := os.Getenv("GEMINI_API_KEY"); v != "" {
		c.LLM.APIKey = v
	}
	if v := os.Getenv("QBO_CLIENT_ID"); v != "" {
		c.QBO.ClientID = v
	}
	if v := os.Getenv("QBO_CLIENT_SECRET"); v != "" {
		c.QBO.ClientSecret = v
	}
	if v := os.Getenv("QBO_REDIRECT_URL"); v != "" {
		c.QBO.RedirectURL = v
	}
	if v := os.Getenv("QBO_ENVIRONMENT"); v != "" {
		c.QBO.Environment = v
	}
}

// EnsureDataDir creates the data directory tree.
func (c *Config) EnsureDataDir() error {
	return os.MkdirAll(c.DataDir, 0o755)
}

// ParseTimeout converts a duration string with a fallback default.
func ParseTimeout(s string, def time.Duration) time.Duration {
	if s == "" {
		return def
	}
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return def
	}
	return d
}
