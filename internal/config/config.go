// Package config loads the agent-prompt configuration file.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the on-disk configuration.
type Config struct {
	DBPath    string        `yaml:"db_path"`
	MaxTokens int           `yaml:"max_tokens"`
	Encoder   EncoderConfig `yaml:"encoder"`
	Memory    MemoryConfig  `yaml:"memory"`
}

// EncoderConfig selects the token counter.
type EncoderConfig struct {
	Provider      string        `yaml:"provider"`
	CharsPerToken int           `yaml:"chars_per_token"`
	BaseURL       string        `yaml:"base_url"`
	Timeout       time.Duration `yaml:"timeout"`
}

// MemoryConfig holds memory scan defaults, used when a book leaves them unset.
type MemoryConfig struct {
	ScanDepth   int `yaml:"scan_depth"`
	TokenBudget int `yaml:"token_budget"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		DBPath:    filepath.Join(homeDir(), ".agent-prompt", "prompt.db"),
		MaxTokens: 4096,
		Encoder: EncoderConfig{
			Provider:      "chars",
			CharsPerToken: 4,
			BaseURL:       "http://localhost:8080",
			Timeout:       30 * time.Second,
		},
		Memory: MemoryConfig{ScanDepth: 8, TokenBudget: 512},
	}
}

// DefaultPath resolves the config file location: $AGENT_PROMPT_CONFIG, then
// ~/.agent-prompt/config.yaml.
func DefaultPath() string {
	if env := os.Getenv("AGENT_PROMPT_CONFIG"); env != "" {
		return env
	}
	return filepath.Join(homeDir(), ".agent-prompt", "config.yaml")
}

// Load reads path over the defaults and applies environment overrides. A
// missing file is not an error.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		path = DefaultPath()
	}

	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
	case err != nil:
		return cfg, fmt.Errorf("read config: %w", err)
	default:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	if env := os.Getenv("AGENT_PROMPT_DB"); env != "" {
		cfg.DBPath = env
	}
	if env := os.Getenv("AGENT_PROMPT_ENCODER"); env != "" {
		cfg.Encoder.Provider = env
	}
	if env := os.Getenv("AGENT_PROMPT_ENCODER_URL"); env != "" {
		cfg.Encoder.BaseURL = env
	}
	cfg.DBPath = expandHome(cfg.DBPath)

	if cfg.MaxTokens < 0 {
		return cfg, fmt.Errorf("max_tokens must not be negative, got %d", cfg.MaxTokens)
	}
	return cfg, nil
}

func homeDir() string {
	home, _ := os.UserHomeDir()
	return home
}

func expandHome(p string) string {
	if p == "~" {
		return homeDir()
	}
	if strings.HasPrefix(p, "~/") {
		return filepath.Join(homeDir(), p[2:])
	}
	return p
}
