package search

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/surveydeck/surveydeck/internal/embed"
	deckerrors "github.com/surveydeck/surveydeck/internal/errors"
	"github.com/surveydeck/surveydeck/internal/store"
)

// RetrieverConfig bounds the candidate pool.
type RetrieverConfig struct {
	// MaxDocuments is the default document breadth (K_docs).
	MaxDocuments int
	// ChunkPoolFactor widens the chunk pool: K_chunks = K_docs * factor.
	// The broad pool preserves per-document diversity before grouping.
	ChunkPoolFactor int
	// MaxMatchesPerDocument caps retained chunks per document (M).
	MaxMatchesPerDocument int
	// KeywordSearch unions FTS5 keyword hits into the candidate pool.
	KeywordSearch bool
}

// Retriever embeds the query and assembles per-document candidate sets
// from the vector index, optionally unioned with keyword hits.
type Retriever struct {
	cfg      RetrieverConfig
	embedder embed.Embedder
	vectors  store.VectorStore
	keywords store.KeywordIndex
	metadata store.MetadataStore
	logger   *slog.Logger
}

// NewRetriever wires the retrieval stage. keywords may be nil when
// keyword union is disabled.
func NewRetriever(cfg RetrieverConfig, embedder embed.Embedder, vectors store.VectorStore,
	keywords store.KeywordIndex, metadata store.MetadataStore) *Retriever {
	if cfg.MaxDocuments <= 0 {
		cfg.MaxDocuments = 10
	}
	if cfg.ChunkPoolFactor <= 0 {
		cfg.ChunkPoolFactor = 8
	}
	if cfg.MaxMatchesPerDocument <= 0 {
		cfg.MaxMatchesPerDocument = 5
	}
	return &Retriever{
		cfg:      cfg,
		embedder: embedder,
		vectors:  vectors,
		keywords: keywords,
		metadata: metadata,
		logger:   slog.Default().With("component", "retriever"),
	}
}

// docCandidates is one document's retained chunks, ordered by
// descending similarity.
type docCandidates struct {
	document   *store.Document
	chunks     []*candidate
	bestScore  float32
	documentID string
}

// Retrieve returns up to limit documents' candidate chunks for the
// query. An empty query is a validation error, not an empty result.
func (r *Retriever) Retrieve(ctx context.Context, req Request) ([]*docCandidates, error) {
	query := strings.TrimSpace(req.Query)
	if query == "" {
		return nil, deckerrors.New(deckerrors.ErrCodeQueryEmpty,
			"query must not be empty", nil)
	}

	limit := req.Limit
	if limit <= 0 || limit > r.cfg.MaxDocuments {
		limit = r.cfg.MaxDocuments
	}

	// Resolve the filter to an explicit candidate set before searching,
	// so the index never considers out-of-filter chunks.
	filter := store.Filter{Organizations: req.Organizations, SurveyTypes: req.SurveyTypes}
	var allowed map[string]struct{}
	if !filter.Empty() {
		ids, err := r.metadata.ChunkIDsForFilter(ctx, filter)
		if err != nil {
			return nil, deckerrors.IndexError("failed to resolve filter candidates", err)
		}
		allowed = make(map[string]struct{}, len(ids))
		for _, id := range ids {
			allowed[id] = struct{}{}
		}
	}

	queryVector, err := r.embedder.Embed(ctx, query)
	if err != nil {
		return nil, deckerrors.New(deckerrors.ErrCodeEmbeddingFailed,
			"failed to embed query", err)
	}

	poolSize := limit * r.cfg.ChunkPoolFactor
	hits, err := r.vectors.Query(ctx, queryVector, poolSize, allowed)
	if err != nil {
		return nil, deckerrors.IndexError("vector query failed", err)
	}

	similarity := make(map[string]float32, len(hits))
	order := make([]string, 0, len(hits))
	for _, h := range hits {
		similarity[h.ChunkID] = h.Score
		order = append(order, h.ChunkID)
	}

	if r.cfg.KeywordSearch && r.keywords != nil {
		r.unionKeywordHits(ctx, query, poolSize, allowed, similarity, &order)
	}

	if len(order) == 0 {
		return nil, nil
	}

	chunks, err := r.metadata.GetChunks(ctx, order)
	if err != nil {
		return nil, deckerrors.IndexError("failed to load candidate chunks", err)
	}
	chunkByID := make(map[string]*store.Chunk, len(chunks))
	for _, c := range chunks {
		chunkByID[c.ID] = c
	}

	grouped, err := r.groupByDocument(ctx, order, similarity, chunkByID)
	if err != nil {
		return nil, err
	}

	// Provisional document order: best single-chunk similarity,
	// ties broken by ascending document ID for determinism.
	sort.Slice(grouped, func(i, j int) bool {
		if grouped[i].bestScore != grouped[j].bestScore {
			return grouped[i].bestScore > grouped[j].bestScore
		}
		return grouped[i].documentID < grouped[j].documentID
	})
	if len(grouped) > limit {
		grouped = grouped[:limit]
	}
	return grouped, nil
}

// unionKeywordHits merges keyword results into the candidate pool.
// A chunk found by both retrievers keeps its vector similarity; chunks
// found only by keyword get a neutral floor score so they survive
// grouping but never outrank semantic hits.
func (r *Retriever) unionKeywordHits(ctx context.Context, query string, limit int,
	allowed map[string]struct{}, similarity map[string]float32, order *[]string) {

	kwHits, err := r.keywords.Search(ctx, query, limit, allowed)
	if err != nil {
		// Keyword search is an enrichment; vector results stand alone.
		r.logger.Warn("keyword search failed, continuing with vector results",
			"error", err)
		return
	}
	for _, h := range kwHits {
		if _, seen := similarity[h.ChunkID]; seen {
			continue
		}
		similarity[h.ChunkID] = keywordFloorScore
		*order = append(*order, h.ChunkID)
	}
}

// keywordFloorScore is the similarity assigned to keyword-only hits.
const keywordFloorScore = 0.5

// groupByDocument buckets candidates by document, retaining the top M
// chunks per document by similarity.
func (r *Retriever) groupByDocument(ctx context.Context, order []string,
	similarity map[string]float32, chunkByID map[string]*store.Chunk) ([]*docCandidates, error) {

	byDoc := make(map[string]*docCandidates)
	var docOrder []string

	for _, chunkID := range order {
		chunk, ok := chunkByID[chunkID]
		if !ok {
			// Indexed but missing from metadata; stores drifted.
			r.logger.Warn("candidate chunk missing from metadata store",
				"chunk_id", chunkID)
			continue
		}
		group, ok := byDoc[chunk.DocumentID]
		if !ok {
			doc, err := r.metadata.GetDocument(ctx, chunk.DocumentID)
			if err != nil {
				return nil, deckerrors.IndexError(
					fmt.Sprintf("failed to load document %s", chunk.DocumentID), err)
			}
			group = &docCandidates{document: doc, documentID: doc.ID}
			byDoc[chunk.DocumentID] = group
			docOrder = append(docOrder, chunk.DocumentID)
		}
		group.chunks = append(group.chunks, &candidate{
			chunk:      chunk,
			document:   group.document,
			similarity: similarity[chunkID],
		})
	}

	grouped := make([]*docCandidates, 0, len(byDoc))
	for _, docID := range docOrder {
		group := byDoc[docID]
		sort.Slice(group.chunks, func(i, j int) bool {
			if group.chunks[i].similarity != group.chunks[j].similarity {
				return group.chunks[i].similarity > group.chunks[j].similarity
			}
			return group.chunks[i].chunk.ID < group.chunks[j].chunk.ID
		})
		if len(group.chunks) > r.cfg.MaxMatchesPerDocument {
			group.chunks = group.chunks[:r.cfg.MaxMatchesPerDocument]
		}
		group.bestScore = group.chunks[0].similarity
		grouped = append(grouped, group)
	}
	return grouped, nil
}
