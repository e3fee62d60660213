package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, "127.0.0.1:8585", cfg.Listen)
	assert.Equal(t, int64(2), cfg.Swarm.Concurrency)
	assert.True(t, cfg.Logging.EnableConsole)
}

func TestValidateRejectsBadValues(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty listen", func(c *Config) { c.Listen = "" }},
		{"empty data dir", func(c *Config) { c.DataDir = "" }},
		{"empty workspace dir", func(c *Config) { c.WorkspaceDir = "" }},
		{"empty llm base url", func(c *Config) { c.LLMBaseURL = "" }},
		{"zero chat timeout", func(c *Config) { c.ChatTimeout = 0 }},
		{"negative chat timeout", func(c *Config) { c.ChatTimeout = -time.Second }},
		{"negative retention", func(c *Config) { c.Retention = -1 }},
		{"zero helpers", func(c *Config) { c.Swarm.MaxHelpers = 0 }},
		{"too many helpers", func(c *Config) { c.Swarm.MaxHelpers = 6 }},
		{"bad concurrency", func(c *Config) { c.Swarm.Concurrency = 3 }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}
