package config

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/mailmule/mailmule/pkg/record"
)

// Granularity values for the similarity index.
const (
	GranularityMessages      = "messages"
	GranularityConversations = "conversations"
	GranularityBoth          = "both"
)

// IndexedKinds maps a granularity setting to the record kinds it indexes.
func IndexedKinds(granularity string) []record.Kind {
	switch granularity {
	case GranularityConversations:
		return []record.Kind{record.KindConversation}
	case GranularityBoth:
		return []record.Kind{record.KindMessage, record.KindConversation}
	default:
		return []record.Kind{record.KindMessage}
	}
}

// Config represents the main MailMule configuration.
type Config struct {
	// Data directory (db, spool, logs default under here)
	DataDir string `json:"data_dir" mapstructure:"data_dir"`

	// Record store
	Store StoreConfig `json:"store" mapstructure:"store"`

	// Embedding provider
	Embedding EmbeddingConfig `json:"embedding" mapstructure:"embedding"`

	// Query rewriting
	Rewrite RewriteConfig `json:"rewrite" mapstructure:"rewrite"`

	// Similarity index
	Index IndexConfig `json:"index" mapstructure:"index"`

	// Ingestion spool
	Ingest IngestConfig `json:"ingest" mapstructure:"ingest"`

	// Embedding backfill
	Backfill BackfillConfig `json:"backfill" mapstructure:"backfill"`

	// HTTP server
	Server ServerConfig `json:"server" mapstructure:"server"`

	// Logging
	Logging LoggingConfig `json:"logging" mapstructure:"logging"`
}

// StoreConfig holds record store configuration.
type StoreConfig struct {
	Path string `json:"path" mapstructure:"path"`
}

// EmbeddingConfig holds embedding provider configuration.
type EmbeddingConfig struct {
	Provider      string `json:"provider" mapstructure:"provider"` // openai, mock
	APIKey        string `json:"api_key" mapstructure:"api_key"`
	Model         string `json:"model" mapstructure:"model"`
	Dimension     int    `json:"dimension" mapstructure:"dimension"`
	TimeoutSec    int    `json:"timeout_sec" mapstructure:"timeout_sec"`
	MaxInputChars int    `json:"max_input_chars" mapstructure:"max_input_chars"`
}

// RewriteConfig holds query rewriting configuration.
type RewriteConfig struct {
	Enabled    bool   `json:"enabled" mapstructure:"enabled"`
	Provider   string `json:"provider" mapstructure:"provider"` // anthropic, openai
	APIKey     string `json:"api_key" mapstructure:"api_key"`
	Model      string `json:"model" mapstructure:"model"`
	TimeoutSec int    `json:"timeout_sec" mapstructure:"timeout_sec"`
}

// IndexConfig holds index synchronizer configuration.
type IndexConfig struct {
	Granularity          string  `json:"granularity" mapstructure:"granularity"`
	IncrementalThreshold float64 `json:"incremental_threshold" mapstructure:"incremental_threshold"`
	ReconcileInterval    string  `json:"reconcile_interval" mapstructure:"reconcile_interval"`
}

// IngestConfig holds ingestion spool configuration.
type IngestConfig struct {
	SpoolDir string `json:"spool_dir" mapstructure:"spool_dir"`
}

// BackfillConfig holds embedding backfill configuration.
type BackfillConfig struct {
	BatchSize int    `json:"batch_size" mapstructure:"batch_size"`
	Interval  string `json:"interval" mapstructure:"interval"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host              string `json:"host" mapstructure:"host"`
	Port              int    `json:"port" mapstructure:"port"`
	RequestTimeoutSec int    `json:"request_timeout_sec" mapstructure:"request_timeout_sec"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level  string `json:"level" mapstructure:"level"`
	File   string `json:"file" mapstructure:"file"`
	Pretty bool   `json:"pretty" mapstructure:"pretty"`
}

// DefaultConfig returns a config with default values.
func DefaultConfig() *Config {
	return &Config{
		Embedding: EmbeddingConfig{
			Provider:      "openai",
			Model:         "text-embedding-3-small",
			Dimension:     1536,
			TimeoutSec:    30,
			MaxInputChars: 32768,
		},
		Rewrite: RewriteConfig{
			Enabled:    true,
			Provider:   "anthropic",
			Model:      "claude-3-5-haiku-latest",
			TimeoutSec: 10,
		},
		Index: IndexConfig{
			Granularity:          GranularityMessages,
			IncrementalThreshold: 0.25,
			ReconcileInterval:    "30s",
		},
		Backfill: BackfillConfig{
			BatchSize: 64,
			Interval:  "1m",
		},
		Server: ServerConfig{
			Host:              "127.0.0.1",
			Port:              8484,
			RequestTimeoutSec: 30,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Pretty: true,
		},
	}
}

// String returns a JSON representation of the config.
func (c *Config) String() string {
	data, _ := json.MarshalIndent(c, "", "  ")
	return string(data)
}

// ReconcileEvery returns the reconcile interval as a duration.
func (c *Config) ReconcileEvery() time.Duration {
	d, err := time.ParseDuration(c.Index.ReconcileInterval)
	if err != nil || d <= 0 {
		return 30 * time.Second
	}
	return d
}

// BackfillEvery returns the backfill interval as a duration.
func (c *Config) BackfillEvery() time.Duration {
	d, err := time.ParseDuration(c.Backfill.Interval)
	if err != nil || d <= 0 {
		return time.Minute
	}
	return d
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	switch c.Embedding.Provider {
	case "openai", "mock":
	default:
		return fmt.Errorf("embedding: invalid provider %q (must be: openai, mock)", c.Embedding.Provider)
	}
	if c.Embedding.Provider == "openai" && c.Embedding.APIKey == "" {
		return fmt.Errorf("embedding: api_key is required for provider openai")
	}
	if c.Embedding.Dimension <= 0 {
		return fmt.Errorf("embedding: dimension must be positive")
	}

	if c.Rewrite.Enabled {
		switch c.Rewrite.Provider {
		case "anthropic", "openai":
		default:
			return fmt.Errorf("rewrite: invalid provider %q (must be: anthropic, openai)", c.Rewrite.Provider)
		}
		if c.Rewrite.APIKey == "" {
			return fmt.Errorf("rewrite: api_key is required when rewriting is enabled")
		}
	}

	switch c.Index.Granularity {
	case GranularityMessages, GranularityConversations, GranularityBoth:
	default:
		return fmt.Errorf("index: invalid granularity %q (must be: messages, conversations, both)", c.Index.Granularity)
	}
	if c.Index.IncrementalThreshold < 0 || c.Index.IncrementalThreshold > 1 {
		return fmt.Errorf("index: incremental_threshold must be within [0, 1]")
	}
	if _, err := time.ParseDuration(c.Index.ReconcileInterval); err != nil {
		return fmt.Errorf("index: invalid reconcile_interval: %w", err)
	}

	if c.Backfill.BatchSize <= 0 {
		return fmt.Errorf("backfill: batch_size must be positive")
	}
	if _, err := time.ParseDuration(c.Backfill.Interval); err != nil {
		return fmt.Errorf("backfill: invalid interval: %w", err)
	}

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server: invalid port %d", c.Server.Port)
	}

	return nil
}
