package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	cfg := New()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, 10, cfg.Search.MaxDocuments)
	assert.Equal(t, 8, cfg.Search.ChunkPoolFactor)
	assert.Equal(t, 12, cfg.Search.StrongRankCeiling)
	assert.Equal(t, 20, cfg.Search.ModerateRankCeiling)
	assert.Equal(t, 512, cfg.Chunking.WindowTokens)
	assert.Equal(t, 64, cfg.Chunking.OverlapTokens)
}

func TestLoadYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "surveydeck.yaml")
	content := []byte(`
server:
  addr: ":9000"
search:
  max_documents: 25
  strong_rank_ceiling: 10
  moderate_rank_ceiling: 30
classifier:
  concurrency: 4
  timeout: 10s
`)
	require.NoError(t, os.WriteFile(path, content, 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, ":9000", cfg.Server.Addr)
	assert.Equal(t, 25, cfg.Search.MaxDocuments)
	assert.Equal(t, 10, cfg.Search.StrongRankCeiling)
	assert.Equal(t, 4, cfg.Classifier.Concurrency)
	assert.Equal(t, 10*time.Second, cfg.Classifier.Timeout.Std())
	// Untouched fields keep defaults.
	assert.Equal(t, "text-embedding-3-small", cfg.Embeddings.Model)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("SURVEYDECK_ADDR", ":7777")
	t.Setenv("SURVEYDECK_CLASSIFIER_MODEL", "gpt-4o")
	t.Setenv("SURVEYDECK_MAX_DOCUMENTS", "3")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, ":7777", cfg.Server.Addr)
	assert.Equal(t, "gpt-4o", cfg.Classifier.Model)
	assert.Equal(t, 3, cfg.Search.MaxDocuments)
}

func TestValidateRejectsBadValues(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero max documents", func(c *Config) { c.Search.MaxDocuments = 0 }},
		{"overlap >= window", func(c *Config) { c.Chunking.OverlapTokens = c.Chunking.WindowTokens }},
		{"moderate below strong", func(c *Config) { c.Search.ModerateRankCeiling = 5 }},
		{"zero dimensions", func(c *Config) { c.Embeddings.Dimensions = 0 }},
		{"zero classifier workers", func(c *Config) { c.Classifier.Concurrency = 0 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := New()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}
