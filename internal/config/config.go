// Package config holds the typed daemon configuration and its defaults.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// LogConfig controls log outputs and rotation
type LogConfig struct {
	Level         string `json:"level" mapstructure:"level"`
	EnableFile    bool   `json:"enable_file" mapstructure:"enable_file"`
	EnableConsole bool   `json:"enable_console" mapstructure:"enable_console"`
	Filename      string `json:"filename" mapstructure:"filename"`
	LogDir        string `json:"log_dir" mapstructure:"log_dir"`
	MaxSize       int    `json:"max_size" mapstructure:"max_size"`
	MaxBackups    int    `json:"max_backups" mapstructure:"max_backups"`
	MaxAge        int    `json:"max_age" mapstructure:"max_age"`
	Compress      bool   `json:"compress" mapstructure:"compress"`
	JSONFormat    bool   `json:"json_format" mapstructure:"json_format"`
}

// SwarmConfig bounds the helper fan-out
type SwarmConfig struct {
	MaxHelpers  int   `json:"max_helpers" mapstructure:"max_helpers"`
	Concurrency int64 `json:"concurrency" mapstructure:"concurrency"`
}

// Config is the full daemon configuration
type Config struct {
	Listen       string        `json:"listen" mapstructure:"listen"`
	DataDir      string        `json:"data_dir" mapstructure:"data_dir"`
	WorkspaceDir string        `json:"workspace_dir" mapstructure:"workspace_dir"`
	APIKey       string        `json:"api_key" mapstructure:"api_key"`
	LLMBaseURL   string        `json:"llm_base_url" mapstructure:"llm_base_url"`
	ChatTimeout  time.Duration `json:"chat_timeout" mapstructure:"chat_timeout"`
	Retention    int           `json:"retention" mapstructure:"retention"`
	SecretKey    string        `json:"secret_key" mapstructure:"secret_key"`
	Swarm        SwarmConfig   `json:"swarm" mapstructure:"swarm"`
	Logging      LogConfig     `json:"logging" mapstructure:"logging"`
}

// Default returns a configuration suitable for local single-operator use
func Default() *Config {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	base := filepath.Join(home, ".pocketbrain")
	return &Config{
		Listen:       "127.0.0.1:8585",
		DataDir:      filepath.Join(base, "data"),
		WorkspaceDir: filepath.Join(base, "workspace"),
		LLMBaseURL:   "http://127.0.0.1:11434",
		ChatTimeout:  120 * time.Second,
		Retention:    500,
		Swarm: SwarmConfig{
			MaxHelpers:  5,
			Concurrency: 2,
		},
		Logging: LogConfig{
			Level:         "info",
			EnableConsole: true,
			EnableFile:    false,
			Filename:      "main.log",
			MaxSize:       10,
			MaxBackups:    5,
			MaxAge:        30,
			Compress:      true,
		},
	}
}

// Validate rejects configurations the daemon cannot run with
func (c *Config) Validate() error {
	if c.Listen == "" {
		return fmt.Errorf("listen address must not be empty")
	}
	if c.DataDir == "" {
		return fmt.Errorf("data_dir must not be empty")
	}
	if c.WorkspaceDir == "" {
		return fmt.Errorf("workspace_dir must not be empty")
	}
	if c.LLMBaseURL == "" {
		return fmt.Errorf("llm_base_url must not be empty")
	}
	if c.ChatTimeout <= 0 {
		return fmt.Errorf("chat_timeout must be positive, got %s", c.ChatTimeout)
	}
	if c.Retention < 0 {
		return fmt.Errorf("retention must not be negative, got %d", c.Retention)
	}
	if c.Swarm.MaxHelpers < 1 || c.Swarm.MaxHelpers > 5 {
		return fmt.Errorf("swarm.max_helpers must be between 1 and 5, got %d", c.Swarm.MaxHelpers)
	}
	if c.Swarm.Concurrency != 1 && c.Swarm.Concurrency != 2 {
		return fmt.Errorf("swarm.concurrency must be 1 or 2, got %d", c.Swarm.Concurrency)
	}
	return nil
}
