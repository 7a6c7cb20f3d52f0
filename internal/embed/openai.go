package embed

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/tmc/langchaingo/embeddings"
	"github.com/tmc/langchaingo/llms/openai"

	deckerrors "github.com/surveydeck/surveydeck/internal/errors"
)

// OpenAIConfig configures the OpenAI-compatible embedding backend.
type OpenAIConfig struct {
	Host       string
	APIKey     string
	Model      string
	Dimensions int
	BatchSize  int
	Timeout    time.Duration
	Retry      deckerrors.RetryConfig
}

// OpenAIEmbedder generates embeddings via an OpenAI-compatible API.
type OpenAIEmbedder struct {
	embedder   embeddings.Embedder
	model      string
	dimensions int
	batchSize  int
	timeout    time.Duration
	retry      deckerrors.RetryConfig
	logger     *slog.Logger
}

var _ Embedder = (*OpenAIEmbedder)(nil)

// NewOpenAIEmbedder creates an embedder backed by an OpenAI-compatible
// embedding endpoint.
func NewOpenAIEmbedder(cfg OpenAIConfig) (*OpenAIEmbedder, error) {
	if cfg.Model == "" {
		return nil, fmt.Errorf("embedding model is required")
	}
	if cfg.Dimensions <= 0 {
		return nil, fmt.Errorf("embedding dimensions must be positive, got %d", cfg.Dimensions)
	}
	if cfg.BatchSize <= 0 || cfg.BatchSize > MaxBatchSize {
		cfg.BatchSize = DefaultBatchSize
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.Retry.MaxRetries == 0 {
		cfg.Retry = deckerrors.DefaultRetryConfig()
	}
	token := cfg.APIKey
	if token == "" {
		// Local OpenAI-compatible services accept any token.
		token = "none"
	}

	client, err := openai.New(
		openai.WithBaseURL(cfg.Host),
		openai.WithToken(token),
		openai.WithEmbeddingModel(cfg.Model),
	)
	if err != nil {
		return nil, fmt.Errorf("create embedding client: %w", err)
	}

	embedder, err := embeddings.NewEmbedder(client,
		embeddings.WithStripNewLines(true),
		embeddings.WithBatchSize(cfg.BatchSize),
	)
	if err != nil {
		return nil, fmt.Errorf("wrap embedding client: %w", err)
	}

	return &OpenAIEmbedder{
		embedder:   embedder,
		model:      cfg.Model,
		dimensions: cfg.Dimensions,
		batchSize:  cfg.BatchSize,
		timeout:    cfg.Timeout,
		retry:      cfg.Retry,
		logger:     slog.Default().With("component", "openai-embedder"),
	}, nil
}

// Embed generates an embedding for a single text.
func (e *OpenAIEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	vectors, err := e.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vectors[0], nil
}

// EmbedBatch generates embeddings for multiple texts. Provider failures
// are retried with bounded backoff; exhaustion surfaces a retryable
// provider error so callers can skip the affected items.
func (e *OpenAIEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return [][]float32{}, nil
	}

	vectors, err := deckerrors.RetryWithResult(ctx, e.retry, func() ([][]float32, error) {
		batchCtx, cancel := context.WithTimeout(ctx, e.timeout)
		defer cancel()
		return e.embedder.EmbedDocuments(batchCtx, texts)
	})
	if err != nil {
		e.logger.Warn("embedding batch failed",
			slog.Int("count", len(texts)),
			slog.String("error", err.Error()))
		return nil, deckerrors.Wrap(deckerrors.ErrCodeEmbeddingFailed, err)
	}
	if len(vectors) != len(texts) {
		return nil, deckerrors.New(deckerrors.ErrCodeEmbeddingFailed,
			fmt.Sprintf("provider returned %d vectors for %d texts", len(vectors), len(texts)), nil)
	}
	for i, v := range vectors {
		if len(v) != e.dimensions {
			return nil, deckerrors.New(deckerrors.ErrCodeDimensionMismatch,
				fmt.Sprintf("vector %d has %d dimensions, index expects %d", i, len(v), e.dimensions), nil)
		}
	}
	return vectors, nil
}

// Dimensions returns the embedding dimension.
func (e *OpenAIEmbedder) Dimensions() int { return e.dimensions }

// ModelName returns the model identifier.
func (e *OpenAIEmbedder) ModelName() string { return e.model }

// Close releases resources. The underlying HTTP client needs no
// explicit cleanup.
func (e *OpenAIEmbedder) Close() error { return nil }
