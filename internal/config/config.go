// Package config loads and validates the maestrod configuration.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level configuration structure.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	LLM      LLMConfig      `yaml:"llm"`
	Memory   MemoryConfig   `yaml:"memory"`
	RAG      RAGConfig      `yaml:"rag"`
	Quota    QuotaConfig    `yaml:"quota"`
	Logging  LoggingConfig  `yaml:"logging"`
}

type ServerConfig struct {
	Host        string `yaml:"host"`
	HTTPPort    int    `yaml:"http_port"`
	MetricsPort int    `yaml:"metrics_port"`
}

type DatabaseConfig struct {
	// Driver selects the record store backend: "sqlite", "postgres", or
	// "memory".
	Driver string `yaml:"driver"`

	// DSN is the driver-specific connection string (file path for sqlite).
	DSN string `yaml:"dsn"`
}

// LLMConfig configures the provider directory and the completion client.
type LLMConfig struct {
	// DefaultProvider is used when a request and its conversation name none.
	DefaultProvider string `yaml:"default_provider"`

	// DefaultModel is the last-resort model when neither the request nor
	// the provider's default_model names one.
	DefaultModel string `yaml:"default_model"`

	Providers map[string]ProviderConfig `yaml:"providers"`

	Fallback FallbackConfig `yaml:"fallback"`

	// DefaultTemperature applies when a request does not set one.
	DefaultTemperature float64 `yaml:"default_temperature"`

	// MaxToolSteps bounds the tool-calling loop. Requests may override it
	// but the engine hard-caps the value at 8.
	MaxToolSteps int `yaml:"max_tool_steps"`

	// MaxHistoryMessages caps how much history is loaded per run.
	MaxHistoryMessages int `yaml:"max_history_messages"`

	// Timeout is the per-call connect/read/write timeout. Streaming reads
	// are exempt; only their connect phase is bounded.
	Timeout time.Duration `yaml:"timeout"`
}

// ProviderConfig is one entry of the provider directory.
type ProviderConfig struct {
	APIKey       string `yaml:"api_key"`
	BaseURL      string `yaml:"base_url"`
	DefaultModel string `yaml:"default_model"`
}

// FallbackConfig configures the ordered provider fallback chain tried after
// the primary.
type FallbackConfig struct {
	Enabled   bool     `yaml:"enabled"`
	Providers []string `yaml:"providers"`
}

// MemoryConfig configures conversation summary compaction.
type MemoryConfig struct {
	Enabled bool `yaml:"enabled"`

	// TriggerMessages is how many unsummarized eligible messages must
	// accumulate before a compaction runs (floor 6).
	TriggerMessages int `yaml:"trigger_messages"`

	// KeepRecent is how many trailing messages stay out of the summary
	// (clamped to [4,100]).
	KeepRecent int `yaml:"keep_recent"`

	// SummaryMaxChars caps the stored summary length (floor 500).
	SummaryMaxChars int `yaml:"summary_max_chars"`
}

// RAGConfig configures ingestion and retrieval.
type RAGConfig struct {
	EmbeddingProvider string `yaml:"embedding_provider"`
	EmbeddingModel    string `yaml:"embedding_model"`

	ChunkSize    int `yaml:"chunk_size"`
	ChunkOverlap int `yaml:"chunk_overlap"`

	// MaxChunksPerDocument bounds embedding calls during ingestion; a
	// document splitting into more windows fails before any call is made.
	MaxChunksPerDocument int `yaml:"max_chunks_per_document"`

	// TopK is the default passage count when a request does not set one.
	TopK int `yaml:"top_k"`
}

// QuotaConfig configures per-tenant rate and token ceilings.
type QuotaConfig struct {
	Enabled           bool `yaml:"enabled"`
	RequestsPerMinute int  `yaml:"requests_per_minute"`
	RequestsPerDay    int  `yaml:"requests_per_day"`
	TokensPerDay      int  `yaml:"tokens_per_day"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Default returns the configuration defaults applied underneath any loaded
// file.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:        "0.0.0.0",
			HTTPPort:    8080,
			MetricsPort: 9090,
		},
		Database: DatabaseConfig{
			Driver: "sqlite",
			DSN:    "maestro.db",
		},
		LLM: LLMConfig{
			DefaultProvider:    "openai",
			DefaultModel:       "gpt-4o-mini",
			Providers:          map[string]ProviderConfig{},
			DefaultTemperature: 0.7,
			MaxToolSteps:       3,
			MaxHistoryMessages: 100,
			Timeout:            60 * time.Second,
		},
		Memory: MemoryConfig{
			Enabled:         true,
			TriggerMessages: 12,
			KeepRecent:      8,
			SummaryMaxChars: 2000,
		},
		RAG: RAGConfig{
			ChunkSize:            800,
			ChunkOverlap:         120,
			MaxChunksPerDocument: 256,
			TopK:                 3,
		},
		Quota: QuotaConfig{
			Enabled:           true,
			RequestsPerMinute: 20,
			RequestsPerDay:    0,
			TokensPerDay:      0,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load reads the yaml file at path over the defaults, overlays credential
// environment variables, and validates the result.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv fills provider credentials from MAESTRO_<PROVIDER>_API_KEY so
// keys can stay out of the config file.
func (c *Config) applyEnv() {
	for name, pc := range c.LLM.Providers {
		if pc.APIKey != "" {
			continue
		}
		env := "MAESTRO_" + strings.ToUpper(name) + "_API_KEY"
		if v := os.Getenv(env); v != "" {
			pc.APIKey = v
			c.LLM.Providers[name] = pc
		}
	}
}

// Validate checks structural invariants. Missing credentials are not an
// error here; resolution reports them per request.
func (c *Config) Validate() error {
	if c.LLM.DefaultProvider == "" {
		return fmt.Errorf("llm.default_provider is required")
	}
	if c.LLM.MaxToolSteps < 1 {
		c.LLM.MaxToolSteps = 1
	}
	if c.LLM.MaxHistoryMessages < 1 {
		c.LLM.MaxHistoryMessages = 1
	}
	if c.LLM.Timeout <= 0 {
		c.LLM.Timeout = 60 * time.Second
	}
	for name := range c.LLM.Providers {
		if strings.TrimSpace(name) == "" {
			return fmt.Errorf("llm.providers: empty provider name")
		}
		if name != strings.ToLower(name) {
			return fmt.Errorf("llm.providers: provider name %q must be lowercase", name)
		}
	}
	for _, name := range c.LLM.Fallback.Providers {
		if strings.TrimSpace(name) == "" {
			return fmt.Errorf("llm.fallback.providers: empty provider name")
		}
	}
	switch c.Database.Driver {
	case "sqlite", "postgres", "memory":
	default:
		return fmt.Errorf("database.driver: unsupported driver %q", c.Database.Driver)
	}
	return nil
}
