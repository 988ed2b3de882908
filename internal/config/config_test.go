package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("INSIGHTS_DATABASE_URL", "postgres://localhost/insights")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "gemini-2.5-flash", cfg.Extraction.FastModel)
	assert.Equal(t, "gemini-2.5-pro", cfg.Extraction.StrongModel)
	assert.Equal(t, 0.6, cfg.Extraction.ConfidenceThreshold)
	assert.Equal(t, 120*time.Second, cfg.Extraction.Timeout)
	assert.Equal(t, 768, cfg.Embedding.Dimensions)
	assert.Equal(t, 2, cfg.Processing.StorageFetchRetries)
	assert.Equal(t, 3, cfg.Processing.HTTPFetchRetries)
	assert.Equal(t, 10, cfg.Processing.BatchSize)
	assert.Equal(t, 3, cfg.Processing.MaxRetries)
	assert.Equal(t, 48*time.Hour, cfg.Processing.Lookback)
	assert.Equal(t, "postgres", cfg.Checkpoint.Backend)
	assert.Equal(t, "0 23 * * *", cfg.Schedule.Cron)
	assert.False(t, cfg.Source.Enabled())
}

func TestLoadFileAndEnvOverride(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
database:
  url: postgres://file/insights
processing:
  batch_size: 25
  pacing: 250ms
source:
  url: https://metabase.example.com
  api_key: from-file
`), 0o600))
	t.Setenv("INSIGHTS_PROCESSING_BATCH_SIZE", "40")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "postgres://file/insights", cfg.Database.URL)
	assert.Equal(t, 40, cfg.Processing.BatchSize)
	assert.Equal(t, 250*time.Millisecond, cfg.Processing.Pacing)
	assert.True(t, cfg.Source.Enabled())
}

func TestLoadLegacyEnvNames(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://legacy/insights")
	t.Setenv("METABASE_URL", "https://metabase.example.com")
	t.Setenv("METABASE_API_KEY", "legacy-key")
	t.Setenv("INSIGHTS_BATCH_SIZE", "5")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "postgres://legacy/insights", cfg.Database.URL)
	assert.Equal(t, "legacy-key", cfg.Source.APIKey)
	assert.Equal(t, 5, cfg.Processing.BatchSize)
}

func TestLoadMissingFile(t *testing.T) {
	t.Setenv("INSIGHTS_DATABASE_URL", "postgres://localhost/insights")
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		return &Config{
			Database:   DatabaseConfig{URL: "postgres://x"},
			Processing: ProcessingConfig{BatchSize: 10, MaxRetries: 3, Concurrency: 1},
			Extraction: ExtractionConfig{ConfidenceThreshold: 0.6},
			Embedding:  EmbeddingConfig{Dimensions: 768},
			Checkpoint: CheckpointConfig{Backend: "postgres"},
		}
	}
	require.NoError(t, valid().Validate())

	cases := map[string]func(*Config){
		"database.url":         func(c *Config) { c.Database.URL = "" },
		"batch_size":           func(c *Config) { c.Processing.BatchSize = 0 },
		"retry budgets":        func(c *Config) { c.Processing.HTTPFetchRetries = -1 },
		"concurrency":          func(c *Config) { c.Processing.Concurrency = 0 },
		"confidence_threshold": func(c *Config) { c.Extraction.ConfidenceThreshold = 1.5 },
		"dimensions":           func(c *Config) { c.Embedding.Dimensions = 0 },
		"embedding.dimensions": func(c *Config) { c.Embedding.Dimensions = 3072 },
		"checkpoint.backend":   func(c *Config) { c.Checkpoint.Backend = "sqlite" },
		"gcp.project_id":       func(c *Config) { c.Checkpoint.Backend = "firestore" },
	}
	for want, mutate := range cases {
		t.Run(want, func(t *testing.T) {
			cfg := valid()
			mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), want)
		})
	}
}
