package search

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/surveydeck/surveydeck/internal/classify"
	"github.com/surveydeck/surveydeck/internal/embed"
	deckerrors "github.com/surveydeck/surveydeck/internal/errors"
	"github.com/surveydeck/surveydeck/internal/store"
)

// harness wires an in-memory pipeline: static embedder, SQLite metadata
// and keyword stores, HNSW vectors, rule-based classifier.
type harness struct {
	metadata *store.SQLiteMetadataStore
	vectors  *store.HNSWStore
	keywords *store.SQLiteKeywordIndex
	embedder embed.Embedder
	engine   *Engine
}

func newHarness(t *testing.T, classifier classify.Classifier, cache *store.TTLCache, cacheTTL time.Duration) *harness {
	t.Helper()

	metadata, err := store.NewSQLiteMetadataStore("")
	require.NoError(t, err)
	t.Cleanup(func() { _ = metadata.Close() })

	vectors, err := store.NewHNSWStore(store.DefaultVectorStoreConfig(embed.StaticDimensions))
	require.NoError(t, err)
	t.Cleanup(func() { _ = vectors.Close() })

	keywords, err := store.NewSQLiteKeywordIndex("")
	require.NoError(t, err)
	t.Cleanup(func() { _ = keywords.Close() })

	embedder := embed.NewStaticEmbedder()
	retriever := NewRetriever(RetrieverConfig{
		MaxDocuments:          10,
		ChunkPoolFactor:       8,
		MaxMatchesPerDocument: 5,
		KeywordSearch:         true,
	}, embedder, vectors, keywords, metadata)

	if classifier == nil {
		classifier = classify.NewStaticClassifier()
	}
	engine, err := NewEngine(EngineConfig{Concurrency: 4, ResultCacheTTL: cacheTTL},
		retriever, classifier, NewRanker(DefaultRankerConfig()), cache)
	require.NoError(t, err)
	t.Cleanup(func() { _ = engine.Close() })

	return &harness{
		metadata: metadata,
		vectors:  vectors,
		keywords: keywords,
		embedder: embedder,
		engine:   engine,
	}
}

// indexDocument stores a document whose pages each become one chunk.
func (h *harness) indexDocument(t *testing.T, doc *store.Document, pages []string) {
	t.Helper()
	ctx := context.Background()

	doc.PageCount = len(pages)
	require.NoError(t, h.metadata.SaveDocument(ctx, doc))

	var chunks []*store.Chunk
	var entries []store.VectorEntry
	for i, text := range pages {
		chunk := &store.Chunk{
			ID:         fmt.Sprintf("%s-p%02d", doc.ID, i+1),
			DocumentID: doc.ID,
			PageNumber: i + 1,
			Index:      0,
			Text:       text,
		}
		vector, err := h.embedder.Embed(ctx, chunk.EmbedText())
		require.NoError(t, err)
		chunks = append(chunks, chunk)
		entries = append(entries, store.VectorEntry{
			ChunkID: chunk.ID, DocumentID: doc.ID, Vector: vector,
		})
	}
	require.NoError(t, h.metadata.SaveChunks(ctx, chunks))
	require.NoError(t, h.vectors.Upsert(ctx, entries))
	require.NoError(t, h.keywords.Index(ctx, chunks))
}

func fillerPage(n int) string {
	return fmt.Sprintf("Unrelated finance narrative number %d about budget line items and travel reimbursements.", n)
}

func TestSearchEmptyQueryIsValidationError(t *testing.T) {
	h := newHarness(t, nil, nil, 0)

	_, err := h.engine.Search(context.Background(), Request{Query: "   "})
	require.Error(t, err)
	assert.Equal(t, deckerrors.ErrCodeQueryEmpty, deckerrors.GetCode(err))
	assert.True(t, deckerrors.IsValidation(err))
}

func TestSearchEmptyCorpus(t *testing.T) {
	h := newHarness(t, nil, nil, 0)

	resp, err := h.engine.Search(context.Background(), Request{Query: "anything at all"})
	require.NoError(t, err)
	assert.Empty(t, resp.Results)
}

func TestSearchVerbatimPhraseScenario(t *testing.T) {
	h := newHarness(t, nil, nil, 0)

	// 50 documents, 10 owned by "who"; exactly 3 of those contain the
	// phrase verbatim on some page.
	verbatim := map[string]bool{"who-doc-02": true, "who-doc-05": true, "who-doc-08": true}
	for i := 1; i <= 10; i++ {
		id := fmt.Sprintf("who-doc-%02d", i)
		pages := []string{fillerPage(i), fillerPage(i + 100)}
		if verbatim[id] {
			pages[1] = fmt.Sprintf("National vaccination coverage reached %d%% across surveyed districts.", 60+i)
		}
		h.indexDocument(t, &store.Document{
			ID: id, Title: id, Organization: "who", SurveyType: "health",
		}, pages)
	}
	for i := 1; i <= 40; i++ {
		id := fmt.Sprintf("other-doc-%02d", i)
		// Out-of-filter documents also mention the phrase; the filter
		// must keep them out regardless.
		h.indexDocument(t, &store.Document{
			ID: id, Title: id, Organization: "unicef", SurveyType: "health",
		}, []string{fmt.Sprintf("Regional vaccination coverage summary %d.", i)})
	}

	resp, err := h.engine.Search(context.Background(), Request{
		Query:         "vaccination coverage",
		Organizations: []string{"who"},
		Limit:         3,
	})
	require.NoError(t, err)
	require.Len(t, resp.Results, 3)

	var got []string
	for _, result := range resp.Results {
		got = append(got, result.Document.ID)

		assert.Equal(t, "who", result.Document.Organization)
		assert.GreaterOrEqual(t, result.DirectMatches, 1,
			"each verbatim document has at least one direct match")

		require.NotEmpty(t, result.Matches)
		best := result.Matches[0]
		assert.Equal(t, 1, best.Rank)
		for _, m := range result.Matches {
			assert.LessOrEqual(t, m.RelevanceScore, best.RelevanceScore,
				"rank-1 match holds the highest relevance in its document")
		}
	}
	assert.ElementsMatch(t, []string{"who-doc-02", "who-doc-05", "who-doc-08"}, got)
}

func TestSearchFilterIsPreFilter(t *testing.T) {
	h := newHarness(t, nil, nil, 0)

	// The best semantic match belongs to another organization.
	h.indexDocument(t, &store.Document{
		ID: "doc-out", Organization: "unicef", SurveyType: "health",
	}, []string{"Vaccination coverage vaccination coverage vaccination coverage."})
	h.indexDocument(t, &store.Document{
		ID: "doc-in", Organization: "who", SurveyType: "health",
	}, []string{"Immunization progress was noted in several provinces."})

	resp, err := h.engine.Search(context.Background(), Request{
		Query:         "vaccination coverage",
		Organizations: []string{"who"},
	})
	require.NoError(t, err)

	for _, result := range resp.Results {
		assert.NotEqual(t, "doc-out", result.Document.ID,
			"out-of-filter documents must never surface")
	}
}

func TestSearchRanksContiguous(t *testing.T) {
	h := newHarness(t, nil, nil, 0)

	pages := make([]string, 5)
	for i := range pages {
		pages[i] = fmt.Sprintf("Remote work satisfaction finding number %d with varying detail.", i+1)
	}
	h.indexDocument(t, &store.Document{
		ID: "doc-1", Organization: "acme", SurveyType: "engagement",
	}, pages)

	resp, err := h.engine.Search(context.Background(), Request{Query: "remote work satisfaction"})
	require.NoError(t, err)
	require.Len(t, resp.Results, 1)

	matches := resp.Results[0].Matches
	require.NotEmpty(t, matches)
	for i, m := range matches {
		assert.Equal(t, i+1, m.Rank, "ranks are contiguous from 1")
	}
}

// flakyClassifier fails for chunks containing a marker substring.
type flakyClassifier struct {
	inner  classify.Classifier
	marker string
}

func (f *flakyClassifier) Classify(ctx context.Context, query, chunkText string) (*classify.Classification, error) {
	if strings.Contains(chunkText, f.marker) {
		return nil, errors.New("provider unavailable")
	}
	return f.inner.Classify(ctx, query, chunkText)
}

func (f *flakyClassifier) Close() error { return f.inner.Close() }

func TestSearchClassificationFailureShrinksResults(t *testing.T) {
	classifier := &flakyClassifier{inner: classify.NewStaticClassifier(), marker: "POISON"}
	h := newHarness(t, classifier, nil, 0)

	h.indexDocument(t, &store.Document{
		ID: "doc-1", Organization: "acme", SurveyType: "engagement",
	}, []string{
		"Retention drivers include POISON compensation concerns.",
		"Retention drivers include manager support and growth.",
	})
	h.indexDocument(t, &store.Document{
		ID: "doc-2", Organization: "acme", SurveyType: "engagement",
	}, []string{"Retention POISON only page."})

	resp, err := h.engine.Search(context.Background(), Request{Query: "retention drivers"})
	require.NoError(t, err, "classification failures never fail the query")

	require.Len(t, resp.Results, 1, "a document whose every chunk fails is dropped")
	result := resp.Results[0]
	assert.Equal(t, "doc-1", result.Document.ID)
	require.Len(t, result.Matches, 1, "failed chunk excluded, sibling survives")
	assert.Equal(t, 1, result.Matches[0].Rank)
}

func TestSearchResultCache(t *testing.T) {
	cache, err := store.OpenTTLCache("", time.Minute)
	require.NoError(t, err)
	t.Cleanup(func() { _ = cache.Close() })

	h := newHarness(t, nil, cache, time.Minute)
	h.indexDocument(t, &store.Document{
		ID: "doc-1", Organization: "acme", SurveyType: "engagement",
	}, []string{"Onboarding experience feedback was largely positive."})

	req := Request{Query: "onboarding experience"}

	first, err := h.engine.Search(context.Background(), req)
	require.NoError(t, err)
	assert.False(t, first.Cached)
	require.Len(t, first.Results, 1)

	second, err := h.engine.Search(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, second.Cached)
	require.Len(t, second.Results, 1)
	assert.Equal(t, first.Results[0].Document.ID, second.Results[0].Document.ID)
	assert.Equal(t, first.Results[0].Matches[0].Rank, second.Results[0].Matches[0].Rank)
}

func TestCacheKeyDistinguishesLimits(t *testing.T) {
	h := newHarness(t, nil, nil, 0)

	base := Request{Query: "staff turnover"}
	small, large := base, base
	small.Limit = 1
	large.Limit = 257 // 257 % 256 == 1; a truncated key would collide

	assert.NotEqual(t, h.engine.cacheKey(small), h.engine.cacheKey(large))
	assert.Equal(t, h.engine.cacheKey(small), h.engine.cacheKey(small))
}

func TestSearchKeyphraseAlwaysInChunk(t *testing.T) {
	h := newHarness(t, nil, nil, 0)

	h.indexDocument(t, &store.Document{
		ID: "doc-1", Organization: "acme", SurveyType: "engagement",
	}, []string{"Benefits enrollment confusion was reported by new hires."})

	resp, err := h.engine.Search(context.Background(), Request{Query: "benefits enrollment"})
	require.NoError(t, err)
	require.Len(t, resp.Results, 1)

	for _, m := range resp.Results[0].Matches {
		chunk, err := h.metadata.GetChunk(context.Background(), m.ChunkID)
		require.NoError(t, err)
		assert.Contains(t, chunk.Text, m.StartingKeyphrase,
			"every keyphrase is a literal substring of its chunk")
	}
}
