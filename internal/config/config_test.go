package config

import (
	"testing"
	"time"

	"github.com/mailmule/mailmule/pkg/record"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validConfig() *Config {
	cfg := DefaultConfig()
	cfg.Embedding.Provider = "mock"
	cfg.Rewrite.Enabled = false
	return cfg
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, "openai", cfg.Embedding.Provider)
	assert.Equal(t, 1536, cfg.Embedding.Dimension)
	assert.Equal(t, GranularityMessages, cfg.Index.Granularity)
	assert.InDelta(t, 0.25, cfg.Index.IncrementalThreshold, 1e-9)
	assert.Equal(t, 64, cfg.Backfill.BatchSize)
}

func TestValidate_OK(t *testing.T) {
	require.NoError(t, validConfig().Validate())
}

func TestValidate_Errors(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"bad embedding provider", func(c *Config) { c.Embedding.Provider = "llama" }},
		{"openai without key", func(c *Config) { c.Embedding.Provider = "openai"; c.Embedding.APIKey = "" }},
		{"zero dimension", func(c *Config) { c.Embedding.Dimension = 0 }},
		{"rewrite without key", func(c *Config) { c.Rewrite.Enabled = true; c.Rewrite.APIKey = "" }},
		{"bad rewrite provider", func(c *Config) {
			c.Rewrite.Enabled = true
			c.Rewrite.APIKey = "k"
			c.Rewrite.Provider = "gemini"
		}},
		{"bad granularity", func(c *Config) { c.Index.Granularity = "threads" }},
		{"threshold above one", func(c *Config) { c.Index.IncrementalThreshold = 1.5 }},
		{"bad reconcile interval", func(c *Config) { c.Index.ReconcileInterval = "soon" }},
		{"zero backfill batch", func(c *Config) { c.Backfill.BatchSize = 0 }},
		{"bad port", func(c *Config) { c.Server.Port = 0 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestIndexedKinds(t *testing.T) {
	assert.Equal(t, []record.Kind{record.KindMessage}, IndexedKinds(GranularityMessages))
	assert.Equal(t, []record.Kind{record.KindConversation}, IndexedKinds(GranularityConversations))
	assert.Equal(t, []record.Kind{record.KindMessage, record.KindConversation}, IndexedKinds(GranularityBoth))
}

func TestReconcileEvery(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, 30*time.Second, cfg.ReconcileEvery())

	cfg.Index.ReconcileInterval = "5s"
	assert.Equal(t, 5*time.Second, cfg.ReconcileEvery())

	cfg.Index.ReconcileInterval = "garbage"
	assert.Equal(t, 30*time.Second, cfg.ReconcileEvery())
}

func TestBackfillEvery(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, time.Minute, cfg.BackfillEvery())

	cfg.Backfill.Interval = "15s"
	assert.Equal(t, 15*time.Second, cfg.BackfillEvery())
}
