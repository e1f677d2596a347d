package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, 3, cfg.Worker.Concurrency)
	assert.Equal(t, 2, cfg.LLM.MaxConcurrentCalls)
	assert.True(t, cfg.LLM.EnableSelfHealing)
	assert.NoError(t, cfg.Validate())
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*Config)
		wantErr bool
	}{
		{"valid default config", func(c *Config) {}, false},
		{"missing nats url", func(c *Config) { c.NATS.URL = "" }, true},
		{"zero worker concurrency", func(c *Config) { c.Worker.Concurrency = 0 }, true},
		{"negative max cost", func(c *Config) { c.LLM.MaxCostPerTaskUSD = -1 }, true},
		{"zero reaper interval", func(c *Config) { c.Reaper.Interval = 0 }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.modify(cfg)
			err := cfg.Validate()
			if tt.wantErr {
				require.Error(t, err)
			} else {
				require.NoError(t, err)
			}
		})
	}
}

func TestApplyEnv(t *testing.T) {
	t.Setenv("WORKER_CONCURRENCY", "7")
	t.Setenv("MAX_COST_PER_TASK_USD", "1.5")
	t.Setenv("ENABLE_TEMPLATE_SELF_HEALING", "false")
	t.Setenv("LOG_LEVEL", "debug")

	cfg := DefaultConfig()
	require.NoError(t, cfg.ApplyEnv())

	assert.Equal(t, 7, cfg.Worker.Concurrency)
	assert.Equal(t, 1.5, cfg.LLM.MaxCostPerTaskUSD)
	assert.False(t, cfg.LLM.EnableSelfHealing)
	assert.Equal(t, "debug", cfg.LogLevel)
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "templatefabric.yaml")
	content := []byte("worker:\n  concurrency: 9\nnats:\n  url: nats://example:4222\n")
	require.NoError(t, os.WriteFile(path, content, 0644))

	cfg, err := LoadFromFile(path)
	require.NoError(t, err)
	assert.Equal(t, 9, cfg.Worker.Concurrency)
	assert.Equal(t, "nats://example:4222", cfg.NATS.URL)
}

func TestLoaderLoadMergesFileAndEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "templatefabric.yaml")
	require.NoError(t, os.WriteFile(path, []byte("worker:\n  concurrency: 5\n"), 0644))
	t.Setenv("WORKER_CONCURRENCY", "11")

	loader := NewLoader(path, nil)
	cfg, err := loader.Load()
	require.NoError(t, err)
	assert.Equal(t, 11, cfg.Worker.Concurrency)
}
