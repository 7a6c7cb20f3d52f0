// Package config loads surveydeck configuration.
//
// Configuration is applied in order of increasing precedence:
//  1. Hardcoded defaults
//  2. YAML config file (surveydeck.yaml)
//  3. Environment variables (SURVEYDECK_*)
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/surveydeck/surveydeck/internal/logging"
)

// Config is the complete surveydeck configuration.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Storage    StorageConfig    `yaml:"storage"`
	Search     SearchConfig     `yaml:"search"`
	Embeddings EmbeddingsConfig `yaml:"embeddings"`
	Classifier ClassifierConfig `yaml:"classifier"`
	Chunking   ChunkingConfig   `yaml:"chunking"`
	Highlight  HighlightConfig  `yaml:"highlight"`
	Ingest     IngestConfig     `yaml:"ingest"`
	Logging    logging.Config   `yaml:"logging"`
}

// ServerConfig configures the HTTP API server.
type ServerConfig struct {
	Addr string `yaml:"addr"`
	// PublicBaseURL is the externally visible prefix for served files.
	PublicBaseURL string `yaml:"public_base_url"`
	// RateLimitPerMinute bounds requests per caller key.
	RateLimitPerMinute int `yaml:"rate_limit_per_minute"`
	// RequestTimeout bounds a single search request end to end.
	RequestTimeout Duration `yaml:"request_timeout"`
}

// StorageConfig configures durable state locations.
type StorageConfig struct {
	// DataDir is the root directory for all durable state.
	DataDir string `yaml:"data_dir"`
	// BlobDir holds source and rendered document files.
	BlobDir string `yaml:"blob_dir"`
	// CacheDir holds the badger TTL caches.
	CacheDir string `yaml:"cache_dir"`
}

// SearchConfig configures retrieval and ranking.
type SearchConfig struct {
	// MaxDocuments is the default document breadth per query (K_docs).
	MaxDocuments int `yaml:"max_documents"`
	// ChunkPoolFactor widens the chunk candidate pool: K_chunks = K_docs * factor.
	ChunkPoolFactor int `yaml:"chunk_pool_factor"`
	// MaxMatchesPerDocument caps classified chunks per document (M).
	MaxMatchesPerDocument int `yaml:"max_matches_per_document"`
	// StrongRankCeiling and ModerateRankCeiling are presentation policy:
	// rank <= strong -> strong, <= moderate -> moderate, else weak.
	StrongRankCeiling   int `yaml:"strong_rank_ceiling"`
	ModerateRankCeiling int `yaml:"moderate_rank_ceiling"`
	// KeywordSearch unions FTS5 keyword hits into the candidate pool.
	KeywordSearch bool `yaml:"keyword_search"`
	// ResultCacheTTL bounds the badger-backed search result cache.
	ResultCacheTTL Duration `yaml:"result_cache_ttl"`
}

// EmbeddingsConfig configures the embedding provider.
type EmbeddingsConfig struct {
	// Provider selects the backend: "openai" or "static".
	Provider   string        `yaml:"provider"`
	Host       string        `yaml:"host"`
	APIKey     string        `yaml:"api_key"`
	Model      string        `yaml:"model"`
	Dimensions int           `yaml:"dimensions"`
	BatchSize  int           `yaml:"batch_size"`
	Timeout    Duration      `yaml:"timeout"`
	CacheSize  int           `yaml:"cache_size"`
}

// ClassifierConfig configures the LLM match classifier.
type ClassifierConfig struct {
	Host    string        `yaml:"host"`
	APIKey  string        `yaml:"api_key"`
	Model   string        `yaml:"model"`
	Timeout Duration      `yaml:"timeout"`
	// Concurrency bounds the classification fan-out worker pool.
	Concurrency int `yaml:"concurrency"`
	// RequestsPerSecond rate-limits calls to the provider.
	RequestsPerSecond float64 `yaml:"requests_per_second"`
	// ContextualSummaries enables per-page LLM summaries at ingest time.
	ContextualSummaries bool `yaml:"contextual_summaries"`
}

// ChunkingConfig configures page windowing.
type ChunkingConfig struct {
	// WindowTokens is the approximate chunk size in tokens.
	WindowTokens int `yaml:"window_tokens"`
	// OverlapTokens is the overlap between adjacent windows.
	OverlapTokens int `yaml:"overlap_tokens"`
}

// HighlightConfig configures the render pipeline.
type HighlightConfig struct {
	// ArtifactTTL bounds cached highlight artifacts in badger.
	ArtifactTTL Duration `yaml:"artifact_ttl"`
	// LockWait bounds waiting on the cross-process render lock; a caller
	// that times out renders independently rather than deadlock.
	LockWait Duration `yaml:"lock_wait"`
	// RenderTimeout bounds a single render.
	RenderTimeout Duration `yaml:"render_timeout"`
}

// IngestConfig configures the ingestion pipeline.
type IngestConfig struct {
	// InboxDir, when set, is watched for dropped PDFs.
	InboxDir string `yaml:"inbox_dir"`
	// InboxOrganization and InboxSurveyType label documents dropped
	// into the inbox, which carry no metadata of their own.
	InboxOrganization string `yaml:"inbox_organization"`
	InboxSurveyType   string `yaml:"inbox_survey_type"`
	// Workers bounds concurrent embedding batches during ingest.
	Workers int `yaml:"workers"`
	// MaxFileSizeMB rejects oversized uploads.
	MaxFileSizeMB int `yaml:"max_file_size_mb"`
}

// New returns a Config populated with defaults.
func New() *Config {
	dataDir := defaultDataDir()
	return &Config{
		Server: ServerConfig{
			Addr:               ":8710",
			PublicBaseURL:      "http://localhost:8710",
			RateLimitPerMinute: 60,
			RequestTimeout:     Duration(90 * time.Second),
		},
		Storage: StorageConfig{
			DataDir:  dataDir,
			BlobDir:  filepath.Join(dataDir, "blobs"),
			CacheDir: filepath.Join(dataDir, "cache"),
		},
		Search: SearchConfig{
			MaxDocuments:          10,
			ChunkPoolFactor:       8,
			MaxMatchesPerDocument: 5,
			StrongRankCeiling:     12,
			ModerateRankCeiling:   20,
			KeywordSearch:         true,
			ResultCacheTTL:        Duration(15 * time.Minute),
		},
		Embeddings: EmbeddingsConfig{
			Provider:   "openai",
			Host:       "https://api.openai.com/v1",
			Model:      "text-embedding-3-small",
			Dimensions: 1536,
			BatchSize:  32,
			Timeout:    Duration(60 * time.Second),
			CacheSize:  1000,
		},
		Classifier: ClassifierConfig{
			Host:                "https://api.openai.com/v1",
			Model:               "gpt-4o-mini",
			Timeout:             Duration(30 * time.Second),
			Concurrency:         8,
			RequestsPerSecond:   10,
			ContextualSummaries: true,
		},
		Chunking: ChunkingConfig{
			WindowTokens:  512,
			OverlapTokens: 64,
		},
		Highlight: HighlightConfig{
			ArtifactTTL:   Duration(24 * time.Hour),
			LockWait:      Duration(20 * time.Second),
			RenderTimeout: Duration(60 * time.Second),
		},
		Ingest: IngestConfig{
			InboxOrganization: "unsorted",
			InboxSurveyType:   "general",
			Workers:           maxInt(1, runtime.NumCPU()/2),
			MaxFileSizeMB:     50,
		},
		Logging: logging.DefaultConfig(),
	}
}

// Load loads configuration from path (empty means defaults only),
// applies SURVEYDECK_* environment overrides, and validates.
func Load(path string) (*Config, error) {
	cfg := New()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	cfg.applyEnvOverrides()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// applyEnvOverrides applies SURVEYDECK_* environment variables.
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("SURVEYDECK_ADDR"); v != "" {
		c.Server.Addr = v
	}
	if v := os.Getenv("SURVEYDECK_PUBLIC_BASE_URL"); v != "" {
		c.Server.PublicBaseURL = v
	}
	if v := os.Getenv("SURVEYDECK_DATA_DIR"); v != "" {
		c.Storage.DataDir = v
		c.Storage.BlobDir = filepath.Join(v, "blobs")
		c.Storage.CacheDir = filepath.Join(v, "cache")
	}
	if v := os.Getenv("SURVEYDECK_EMBEDDINGS_HOST"); v != "" {
		c.Embeddings.Host = v
	}
	if v := os.Getenv("SURVEYDECK_EMBEDDINGS_MODEL"); v != "" {
		c.Embeddings.Model = v
	}
	if v := os.Getenv("SURVEYDECK_EMBEDDINGS_PROVIDER"); v != "" {
		c.Embeddings.Provider = v
	}
	if v := os.Getenv("SURVEYDECK_API_KEY"); v != "" {
		c.Embeddings.APIKey = v
		c.Classifier.APIKey = v
	}
	if v := os.Getenv("SURVEYDECK_CLASSIFIER_HOST"); v != "" {
		c.Classifier.Host = v
	}
	if v := os.Getenv("SURVEYDECK_CLASSIFIER_MODEL"); v != "" {
		c.Classifier.Model = v
	}
	if v := os.Getenv("SURVEYDECK_CLASSIFIER_CONCURRENCY"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Classifier.Concurrency = n
		}
	}
	if v := os.Getenv("SURVEYDECK_MAX_DOCUMENTS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Search.MaxDocuments = n
		}
	}
	if v := os.Getenv("SURVEYDECK_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("SURVEYDECK_INBOX_DIR"); v != "" {
		c.Ingest.InboxDir = v
	}
}

// Validate checks configuration invariants.
func (c *Config) Validate() error {
	if c.Search.MaxDocuments <= 0 {
		return fmt.Errorf("search.max_documents must be positive, got %d", c.Search.MaxDocuments)
	}
	if c.Search.ChunkPoolFactor < 1 {
		return fmt.Errorf("search.chunk_pool_factor must be >= 1, got %d", c.Search.ChunkPoolFactor)
	}
	if c.Search.MaxMatchesPerDocument < 1 {
		return fmt.Errorf("search.max_matches_per_document must be >= 1, got %d", c.Search.MaxMatchesPerDocument)
	}
	if c.Search.StrongRankCeiling < 1 || c.Search.ModerateRankCeiling <= c.Search.StrongRankCeiling {
		return fmt.Errorf("rank ceilings must satisfy 1 <= strong < moderate, got %d/%d",
			c.Search.StrongRankCeiling, c.Search.ModerateRankCeiling)
	}
	if c.Chunking.WindowTokens <= 0 {
		return fmt.Errorf("chunking.window_tokens must be positive, got %d", c.Chunking.WindowTokens)
	}
	if c.Chunking.OverlapTokens < 0 || c.Chunking.OverlapTokens >= c.Chunking.WindowTokens {
		return fmt.Errorf("chunking.overlap_tokens must be in [0, window_tokens), got %d", c.Chunking.OverlapTokens)
	}
	if c.Embeddings.Dimensions <= 0 {
		return fmt.Errorf("embeddings.dimensions must be positive, got %d", c.Embeddings.Dimensions)
	}
	if c.Classifier.Concurrency < 1 {
		return fmt.Errorf("classifier.concurrency must be >= 1, got %d", c.Classifier.Concurrency)
	}
	if c.Highlight.LockWait <= 0 {
		return fmt.Errorf("highlight.lock_wait must be positive, got %s", c.Highlight.LockWait)
	}
	return nil
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".surveydeck"
	}
	return filepath.Join(home, ".surveydeck")
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
