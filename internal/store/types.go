// Package store provides vector storage (HNSW), keyword search (SQLite FTS5),
// and document metadata persistence (SQLite). This is the persistence layer
// for all indexed survey data.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Document represents an ingested survey document. The JSON shape is
// the search response metadata object; the local source path and
// content hash never leave the process.
type Document struct {
	ID           string    `json:"id"`           // Stable document identifier
	Title        string    `json:"title"`        // Display title
	Organization string    `json:"organization"` // Owning organization slug
	SurveyType   string    `json:"survey_type"`  // Survey type slug (e.g. "engagement", "exit")
	SourcePath   string    `json:"-"`            // Absolute path of the ingested PDF
	SourceURL    string    `json:"source_url"`   // Public URL of the original document
	Year         int       `json:"year"`         // Survey year, zero when unknown
	Countries    []string  `json:"countries"`    // Country tags, may be empty
	Regions      []string  `json:"regions"`      // Region tags, may be empty
	PageCount    int       `json:"page_count"`   // Pages extracted during ingest
	ContentHash  string    `json:"-"`            // SHA256 of the source file
	Summary      string    `json:"summary"`      // Short document summary, may be empty
	IngestedAt   time.Time `json:"ingested_at"`  // When the document was last (re)ingested
}

// Chunk is a retrievable window of page text.
type Chunk struct {
	ID            string    // SHA256(document_id + page + index + text)
	DocumentID    string    // Parent document ID
	PageNumber    int       // 1-indexed source page
	Index         int       // Position of the window within its page
	Text          string    // Window text as extracted
	ContextHeader string    // Optional contextual summary prepended at embed time
	CreatedAt     time.Time
}

// EmbedText returns the text that should be embedded and keyword-indexed
// for this chunk. The context header, when present, is prepended so the
// vector carries document-level meaning.
func (c *Chunk) EmbedText() string {
	if c.ContextHeader == "" {
		return c.Text
	}
	return c.ContextHeader + "\n\n" + c.Text
}

// Filter restricts retrieval to a subset of the corpus. Values within a
// field are ORed; fields are ANDed. Empty fields match everything.
type Filter struct {
	Organizations []string
	SurveyTypes   []string
}

// Empty reports whether the filter matches the whole corpus.
func (f Filter) Empty() bool {
	return len(f.Organizations) == 0 && len(f.SurveyTypes) == 0
}

// MetadataStore persists documents and chunks in SQLite.
type MetadataStore interface {
	// Document operations
	SaveDocument(ctx context.Context, doc *Document) error
	GetDocument(ctx context.Context, id string) (*Document, error)
	GetDocumentByHash(ctx context.Context, contentHash string) (*Document, error)
	ListDocuments(ctx context.Context, filter Filter) ([]*Document, error)
	DeleteDocument(ctx context.Context, id string) error // Cascades to chunks

	// Chunk operations
	SaveChunks(ctx context.Context, chunks []*Chunk) error
	GetChunk(ctx context.Context, id string) (*Chunk, error)
	GetChunks(ctx context.Context, ids []string) ([]*Chunk, error) // Batch retrieval
	GetChunksByDocument(ctx context.Context, docID string) ([]*Chunk, error)
	DeleteChunksByDocument(ctx context.Context, docID string) error

	// Filter support
	ChunkIDsForFilter(ctx context.Context, filter Filter) ([]string, error)
	Organizations(ctx context.Context) ([]string, error)
	SurveyTypes(ctx context.Context, organization string) ([]string, error)

	// Lifecycle
	Close() error
}

// VectorEntry pairs a chunk embedding with its owning document, so the
// vector store can delete by document without consulting SQLite.
type VectorEntry struct {
	ChunkID    string
	DocumentID string
	Vector     []float32
}

// VectorHit is a single vector search result.
type VectorHit struct {
	ChunkID    string
	DocumentID string
	Distance   float32 // Lower is more similar (0-2 for cosine)
	Score      float32 // Normalized similarity (0-1)
}

// VectorStore provides semantic retrieval over chunk embeddings.
type VectorStore interface {
	// Upsert inserts entries, replacing any existing chunk IDs.
	Upsert(ctx context.Context, entries []VectorEntry) error

	// Query finds the k nearest chunks. When allowed is non-nil the
	// search is restricted to exactly that candidate set before any
	// scoring happens; chunks outside it can never appear in results.
	Query(ctx context.Context, query []float32, k int, allowed map[string]struct{}) ([]*VectorHit, error)

	// DeleteByDocument removes every vector belonging to a document.
	DeleteByDocument(ctx context.Context, docID string) error

	Contains(chunkID string) bool
	Count() int

	// Persistence
	Save(path string) error
	Load(path string) error
	Close() error
}

// VectorStoreConfig configures the vector store.
type VectorStoreConfig struct {
	// Dimensions is the vector dimension (1536 for text-embedding-3-small,
	// 256 for the static backend).
	Dimensions int

	// Metric is the distance metric: "cos" (cosine) or "l2" (euclidean).
	Metric string

	// M is HNSW max connections per layer.
	M int

	// EfSearch is HNSW query-time search width.
	EfSearch int
}

// DefaultVectorStoreConfig returns sensible defaults for the vector store.
func DefaultVectorStoreConfig(dimensions int) VectorStoreConfig {
	return VectorStoreConfig{
		Dimensions: dimensions,
		Metric:     "cos",
		M:          16,
		EfSearch:   64,
	}
}

// KeywordHit is a single keyword search result.
type KeywordHit struct {
	ChunkID    string
	DocumentID string
	Score      float64 // BM25 relevance, higher is better
}

// KeywordIndex provides full-text search over chunk text.
type KeywordIndex interface {
	// Index adds chunks to the index, replacing existing chunk IDs.
	Index(ctx context.Context, chunks []*Chunk) error

	// Search returns chunks matching the query, restricted to the filter
	// candidate set when allowed is non-nil.
	Search(ctx context.Context, query string, limit int, allowed map[string]struct{}) ([]*KeywordHit, error)

	// DeleteByDocument removes every entry belonging to a document.
	DeleteByDocument(ctx context.Context, docID string) error

	Count() (int, error)
	Close() error
}

// ErrDimensionMismatch indicates a vector dimension mismatch between the
// configured embedder and the persisted index.
type ErrDimensionMismatch struct {
	Expected int
	Got      int
}

func (e ErrDimensionMismatch) Error() string {
	return fmt.Sprintf("dimension mismatch: expected %d, got %d (reingest the corpus)", e.Expected, e.Got)
}

// ErrNotFound indicates a missing document or chunk.
type ErrNotFound struct {
	Kind string // "document" or "chunk"
	ID   string
}

func (e ErrNotFound) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Kind, e.ID)
}

// IsNotFound reports whether err wraps an ErrNotFound.
func IsNotFound(err error) bool {
	var notFound ErrNotFound
	return errors.As(err, &notFound)
}
