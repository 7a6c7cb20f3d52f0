package cmd

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/surveydeck/surveydeck/internal/classify"
	"github.com/surveydeck/surveydeck/internal/config"
	"github.com/surveydeck/surveydeck/internal/embed"
	deckerrors "github.com/surveydeck/surveydeck/internal/errors"
	"github.com/surveydeck/surveydeck/internal/ingest"
	"github.com/surveydeck/surveydeck/internal/search"
	"github.com/surveydeck/surveydeck/internal/store"
)

// stores bundles the three durable indexes backing a surveydeck
// deployment.
type stores struct {
	metadata *store.SQLiteMetadataStore
	vectors  *store.HNSWStore
	keywords *store.SQLiteKeywordIndex

	// snapshotPath is where the HNSW graph is persisted between runs.
	snapshotPath string
}

// openStores opens metadata, vector, and keyword stores under the
// configured data directory, loading the vector snapshot if present.
func openStores(cfg *config.Config) (*stores, error) {
	dataDir := cfg.Storage.DataDir
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir %s: %w", dataDir, err)
	}

	metadata, err := store.NewSQLiteMetadataStore(filepath.Join(dataDir, "metadata.db"))
	if err != nil {
		return nil, fmt.Errorf("open metadata store: %w", err)
	}

	keywords, err := store.NewSQLiteKeywordIndex(filepath.Join(dataDir, "keywords.db"))
	if err != nil {
		_ = metadata.Close()
		return nil, fmt.Errorf("open keyword index: %w", err)
	}

	vectors, err := store.NewHNSWStore(store.DefaultVectorStoreConfig(cfg.Embeddings.Dimensions))
	if err != nil {
		_ = metadata.Close()
		_ = keywords.Close()
		return nil, fmt.Errorf("create vector store: %w", err)
	}

	snapshotPath := filepath.Join(dataDir, "vectors.hnsw")
	if _, statErr := os.Stat(snapshotPath); statErr == nil {
		if loadErr := vectors.Load(snapshotPath); loadErr != nil {
			slog.Warn("vector snapshot load failed, starting empty",
				"path", snapshotPath, "error", loadErr)
		}
	}

	return &stores{
		metadata:     metadata,
		vectors:      vectors,
		keywords:     keywords,
		snapshotPath: snapshotPath,
	}, nil
}

// Close closes all stores, keeping the first error.
func (s *stores) Close() error {
	var firstErr error
	for _, c := range []interface{ Close() error }{s.vectors, s.keywords, s.metadata} {
		if err := c.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// newEmbedder selects the embedding backend. Offline mode and the
// "static" provider both use deterministic local embeddings.
func newEmbedder(cfg *config.Config, offline bool) (embed.Embedder, error) {
	if offline || cfg.Embeddings.Provider == "static" {
		return embed.NewStaticEmbedder(), nil
	}

	inner, err := embed.NewOpenAIEmbedder(embed.OpenAIConfig{
		Host:       cfg.Embeddings.Host,
		APIKey:     cfg.Embeddings.APIKey,
		Model:      cfg.Embeddings.Model,
		Dimensions: cfg.Embeddings.Dimensions,
		BatchSize:  cfg.Embeddings.BatchSize,
		Timeout:    cfg.Embeddings.Timeout.Std(),
		Retry:      deckerrors.DefaultRetryConfig(),
	})
	if err != nil {
		return nil, fmt.Errorf("create embedder: %w", err)
	}
	if cfg.Embeddings.CacheSize > 0 {
		return embed.NewCachedEmbedder(inner, cfg.Embeddings.CacheSize)
	}
	return inner, nil
}

// newClassifier selects the match classifier. Without an API key the
// static heuristic classifier keeps the pipeline usable offline.
func newClassifier(cfg *config.Config, offline bool) (classify.Classifier, error) {
	if offline || cfg.Classifier.APIKey == "" {
		slog.Info("using static classifier", "offline", offline)
		return classify.NewStaticClassifier(), nil
	}
	return classify.NewLLMClassifier(classify.LLMConfig{
		BaseURL: cfg.Classifier.Host,
		APIKey:  cfg.Classifier.APIKey,
		Model:   cfg.Classifier.Model,
		Timeout: cfg.Classifier.Timeout.Std(),
		RPS:     cfg.Classifier.RequestsPerSecond,
	})
}

// newSummarizer returns the ingest-time summarizer, or nil when
// contextual summaries are disabled or no provider is reachable.
func newSummarizer(cfg *config.Config, offline bool) (ingest.Summarizer, error) {
	if offline || !cfg.Classifier.ContextualSummaries || cfg.Classifier.APIKey == "" {
		return nil, nil
	}
	return ingest.NewLLMSummarizer(ingest.SummarizerConfig{
		BaseURL: cfg.Classifier.Host,
		APIKey:  cfg.Classifier.APIKey,
		Model:   cfg.Classifier.Model,
		Timeout: cfg.Classifier.Timeout.Std(),
	})
}

// newSearchEngine wires the retrieve-classify-rank pipeline. cache may
// be nil to disable result caching.
func newSearchEngine(cfg *config.Config, st *stores, embedder embed.Embedder,
	classifier classify.Classifier, cache *store.TTLCache) (*search.Engine, error) {
	retriever := search.NewRetriever(search.RetrieverConfig{
		MaxDocuments:          cfg.Search.MaxDocuments,
		ChunkPoolFactor:       cfg.Search.ChunkPoolFactor,
		MaxMatchesPerDocument: cfg.Search.MaxMatchesPerDocument,
		KeywordSearch:         cfg.Search.KeywordSearch,
	}, embedder, st.vectors, st.keywords, st.metadata)

	ranker := search.NewRanker(search.RankerConfig{
		StrongRankCeiling:   cfg.Search.StrongRankCeiling,
		ModerateRankCeiling: cfg.Search.ModerateRankCeiling,
	})

	return search.NewEngine(search.EngineConfig{
		Concurrency:    cfg.Classifier.Concurrency,
		ResultCacheTTL: cfg.Search.ResultCacheTTL.Std(),
	}, retriever, classifier, ranker, cache)
}
