// Package config provides configuration loading and management for TemplateFabric.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete TemplateFabric configuration.
type Config struct {
	NATS     NATSConfig    `yaml:"nats"`
	Worker   WorkerConfig  `yaml:"worker"`
	LLM      LLMConfig     `yaml:"llm"`
	Storage  StorageConfig `yaml:"storage"`
	Reaper   ReaperConfig  `yaml:"reaper"`
	LogLevel string        `yaml:"log_level"`
}

// NATSConfig configures the connection to the NATS/JetStream broker.
type NATSConfig struct {
	// URL is the NATS server URL.
	URL string `yaml:"url"`
}

// WorkerConfig configures the worker runtime.
type WorkerConfig struct {
	// Concurrency is the number of jobs a single worker process handles at once.
	Concurrency int `yaml:"concurrency"`
}

// LLMConfig configures the LLM gateway.
type LLMConfig struct {
	// MaxConcurrentCalls bounds outstanding LLM calls across the whole process.
	MaxConcurrentCalls int `yaml:"max_concurrent_calls"`
	// MaxRetries is the maximum retry attempts per call on transient errors.
	MaxRetries int `yaml:"max_retries"`
	// MaxCostPerTaskUSD caps cumulative spend per task; 0 disables the cap.
	MaxCostPerTaskUSD float64 `yaml:"max_cost_per_task_usd"`
	// EnableSelfHealing toggles the pipeline self-heal correction pass.
	EnableSelfHealing bool `yaml:"enable_self_healing"`
	// APIKey is the default provider API key.
	APIKey string `yaml:"api_key"`
}

// StorageConfig configures where uploaded source files live.
type StorageConfig struct {
	// Root is the filesystem root for uploaded files.
	Root string `yaml:"root"`
}

// ReaperConfig configures the zombie reaper.
type ReaperConfig struct {
	// Interval is the sweep period.
	Interval time.Duration `yaml:"interval"`
	// ProcessingTimeout fails jobs stuck in Processing longer than this.
	ProcessingTimeout time.Duration `yaml:"processing_timeout"`
	// PendingTimeout fails jobs stuck in Pending longer than this.
	PendingTimeout time.Duration `yaml:"pending_timeout"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		NATS: NATSConfig{
			URL: "nats://127.0.0.1:4222",
		},
		Worker: WorkerConfig{
			Concurrency: 3,
		},
		LLM: LLMConfig{
			MaxConcurrentCalls: 2,
			MaxRetries:         3,
			MaxCostPerTaskUSD:  0,
			EnableSelfHealing:  true,
		},
		Storage: StorageConfig{
			Root: "./data/uploads",
		},
		Reaper: ReaperConfig{
			Interval:          300 * time.Second,
			ProcessingTimeout: 15 * time.Minute,
			PendingTimeout:    20 * time.Minute,
		},
		LogLevel: "info",
	}
}

// Validate checks that the configuration is usable, aggregating every problem found.
func (c *Config) Validate() error {
	var errs []error

	if c.NATS.URL == "" {
		errs = append(errs, fmt.Errorf("nats.url is required"))
	}
	if c.Worker.Concurrency <= 0 {
		errs = append(errs, fmt.Errorf("worker.concurrency must be positive"))
	}
	if c.LLM.MaxConcurrentCalls <= 0 {
		errs = append(errs, fmt.Errorf("llm.max_concurrent_calls must be positive"))
	}
	if c.LLM.MaxRetries < 0 {
		errs = append(errs, fmt.Errorf("llm.max_retries cannot be negative"))
	}
	if c.LLM.MaxCostPerTaskUSD < 0 {
		errs = append(errs, fmt.Errorf("llm.max_cost_per_task_usd cannot be negative"))
	}
	if c.Storage.Root == "" {
		errs = append(errs, fmt.Errorf("storage.root is required"))
	}
	if c.Reaper.Interval <= 0 {
		errs = append(errs, fmt.Errorf("reaper.interval must be positive"))
	}

	if len(errs) == 0 {
		return nil
	}
	msg := "invalid configuration:"
	for _, e := range errs {
		msg += "\n  - " + e.Error()
	}
	return fmt.Errorf("%s", msg)
}

// LoadFromFile loads configuration from a YAML file, falling back to defaults for
// anything the file doesn't set.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	config := DefaultConfig()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}

	return config, nil
}

// ApplyEnv overrides config fields from environment variables:
// WORKER_CONCURRENCY, MAX_COST_PER_TASK_USD, ENABLE_TEMPLATE_SELF_HEALING, LOG_LEVEL,
// plus NATS_URL, LLM_API_KEY, and STORAGE_ROOT.
func (c *Config) ApplyEnv() error {
	if v := os.Getenv("NATS_URL"); v != "" {
		c.NATS.URL = v
	}
	if v := os.Getenv("STORAGE_ROOT"); v != "" {
		c.Storage.Root = v
	}
	if v := os.Getenv("LLM_API_KEY"); v != "" {
		c.LLM.APIKey = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}
	if v := os.Getenv("WORKER_CONCURRENCY"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("parse WORKER_CONCURRENCY: %w", err)
		}
		c.Worker.Concurrency = n
	}
	if v := os.Getenv("MAX_COST_PER_TASK_USD"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("parse MAX_COST_PER_TASK_USD: %w", err)
		}
		c.LLM.MaxCostPerTaskUSD = f
	}
	if v := os.Getenv("ENABLE_TEMPLATE_SELF_HEALING"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("parse ENABLE_TEMPLATE_SELF_HEALING: %w", err)
		}
		c.LLM.EnableSelfHealing = b
	}
	return nil
}

// Merge overlays non-zero fields of other onto c (other takes precedence).
func (c *Config) Merge(other *Config) {
	if other == nil {
		return
	}
	if other.NATS.URL != "" {
		c.NATS.URL = other.NATS.URL
	}
	if other.Worker.Concurrency != 0 {
		c.Worker.Concurrency = other.Worker.Concurrency
	}
	if other.LLM.MaxConcurrentCalls != 0 {
		c.LLM.MaxConcurrentCalls = other.LLM.MaxConcurrentCalls
	}
	if other.LLM.MaxRetries != 0 {
		c.LLM.MaxRetries = other.LLM.MaxRetries
	}
	if other.LLM.MaxCostPerTaskUSD != 0 {
		c.LLM.MaxCostPerTaskUSD = other.LLM.MaxCostPerTaskUSD
	}
	if other.LLM.APIKey != "" {
		c.LLM.APIKey = other.LLM.APIKey
	}
	if other.Storage.Root != "" {
		c.Storage.Root = other.Storage.Root
	}
	if other.Reaper.Interval != 0 {
		c.Reaper.Interval = other.Reaper.Interval
	}
	if other.Reaper.ProcessingTimeout != 0 {
		c.Reaper.ProcessingTimeout = other.Reaper.ProcessingTimeout
	}
	if other.Reaper.PendingTimeout != 0 {
		c.Reaper.PendingTimeout = other.Reaper.PendingTimeout
	}
	if other.LogLevel != "" {
		c.LogLevel = other.LogLevel
	}
}
