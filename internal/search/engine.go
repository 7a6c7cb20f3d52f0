package search

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/panjf2000/ants/v2"

	"github.com/surveydeck/surveydeck/internal/classify"
	deckerrors "github.com/surveydeck/surveydeck/internal/errors"
	"github.com/surveydeck/surveydeck/internal/store"
	"github.com/surveydeck/surveydeck/internal/telemetry"
)

// EngineConfig configures the query pipeline.
type EngineConfig struct {
	// Concurrency bounds the classification fan-out worker pool.
	Concurrency int
	// ResultCacheTTL bounds cached responses; zero disables caching.
	ResultCacheTTL time.Duration
}

// Engine runs the full query pipeline: retrieve, classify, rank.
// Classification calls fan out over a bounded worker pool and are
// joined before ranking; a chunk whose classification fails is dropped
// rather than failing the query.
type Engine struct {
	cfg        EngineConfig
	retriever  *Retriever
	classifier classify.Classifier
	ranker     *Ranker
	cache      *store.TTLCache // nil disables result caching
	pool       *ants.Pool
	metrics    *telemetry.Collector // nil disables query metrics
	logger     *slog.Logger
}

// SetMetrics attaches a query-metrics collector. Must be called before
// the engine serves queries.
func (e *Engine) SetMetrics(metrics *telemetry.Collector) {
	e.metrics = metrics
}

// NewEngine creates the query engine. cache may be nil.
func NewEngine(cfg EngineConfig, retriever *Retriever, classifier classify.Classifier,
	ranker *Ranker, cache *store.TTLCache) (*Engine, error) {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 8
	}
	pool, err := ants.NewPool(cfg.Concurrency)
	if err != nil {
		return nil, deckerrors.InternalError("failed to create classification pool", err)
	}
	return &Engine{
		cfg:        cfg,
		retriever:  retriever,
		classifier: classifier,
		ranker:     ranker,
		cache:      cache,
		pool:       pool,
		logger:     slog.Default().With("component", "search-engine"),
	}, nil
}

// Search executes one query end to end.
func (e *Engine) Search(ctx context.Context, req Request) (*Response, error) {
	start := time.Now()

	key := e.cacheKey(req)
	if cached := e.lookupCache(key); cached != nil {
		e.logger.Debug("search served from cache", "key", key)
		cached.Cached = true
		e.recordMetrics(req, cached, start)
		return cached, nil
	}

	groups, err := e.retriever.Retrieve(ctx, req)
	if err != nil {
		return nil, err
	}

	results := make([]*DocumentResult, 0, len(groups))
	for _, group := range groups {
		result := e.classifyDocument(ctx, req.Query, group)
		if len(result.Matches) == 0 {
			// Every classification for this document failed.
			continue
		}
		e.ranker.RankDocument(result)
		results = append(results, result)
	}
	e.ranker.OrderDocuments(results)

	response := &Response{Results: results}
	e.storeCache(key, response)
	e.recordMetrics(req, response, start)

	e.logger.Info("search completed",
		"documents", len(results),
		"duration_ms", time.Since(start).Milliseconds())
	return response, nil
}

func (e *Engine) recordMetrics(req Request, resp *Response, start time.Time) {
	if e.metrics == nil {
		return
	}
	e.metrics.Record(telemetry.QueryEvent{
		Query:         req.Query,
		Organizations: req.Organizations,
		SurveyTypes:   req.SurveyTypes,
		Documents:     len(resp.Results),
		Cached:        resp.Cached,
		Latency:       time.Since(start),
		Timestamp:     start,
	})
}

// classifyDocument fans the document's candidate chunks out to the
// classifier pool and joins the surviving matches.
func (e *Engine) classifyDocument(ctx context.Context, query string, group *docCandidates) *DocumentResult {
	result := &DocumentResult{Document: group.document}

	var mu sync.Mutex
	var wg sync.WaitGroup
	matches := make([]*Match, 0, len(group.chunks))

	for _, cand := range group.chunks {
		cand := cand
		wg.Add(1)
		submit := func() {
			defer wg.Done()
			match, err := e.classifyChunk(ctx, query, cand)
			if err != nil {
				// Exclude only this chunk; the query continues.
				e.logger.Warn("classification failed, excluding chunk",
					"chunk_id", cand.chunk.ID,
					"document_id", cand.document.ID,
					"error", err)
				return
			}
			mu.Lock()
			matches = append(matches, match)
			mu.Unlock()
		}
		if err := e.pool.Submit(submit); err != nil {
			// Pool saturated or released: classify inline.
			submit()
		}
	}
	wg.Wait()

	// Pool completion order is nondeterministic; restore a stable order
	// before ranking so equal-score ties resolve identically.
	sort.Slice(matches, func(i, j int) bool {
		return matches[i].ChunkID < matches[j].ChunkID
	})
	result.Matches = matches
	return result
}

func (e *Engine) classifyChunk(ctx context.Context, query string, cand *candidate) (*Match, error) {
	cls, err := e.classifier.Classify(ctx, query, cand.chunk.Text)
	if err != nil {
		return nil, err
	}
	return &Match{
		ChunkID:           cand.chunk.ID,
		PageNumber:        cand.chunk.PageNumber,
		RelevanceScore:    cls.RelevanceScore(),
		MatchType:         cls.MatchType,
		ContextualScore:   cls.ContextualScore,
		DirectMatchScore:  cls.DirectMatchScore,
		Explanation:       cls.Explanation,
		StartingKeyphrase: cls.StartingKeyphrase,
	}, nil
}

// cacheKey derives a stable key from the request. Filter slices are
// sorted so equivalent requests share an entry.
func (e *Engine) cacheKey(req Request) string {
	orgs := append([]string(nil), req.Organizations...)
	types := append([]string(nil), req.SurveyTypes...)
	sort.Strings(orgs)
	sort.Strings(types)

	h := sha256.New()
	h.Write([]byte(strings.TrimSpace(req.Query)))
	h.Write([]byte{0})
	h.Write([]byte(strings.Join(orgs, ",")))
	h.Write([]byte{0})
	h.Write([]byte(strings.Join(types, ",")))
	h.Write([]byte{0})
	fmt.Fprintf(h, "%d", req.Limit)
	return "result:" + hex.EncodeToString(h.Sum(nil))
}

func (e *Engine) lookupCache(key string) *Response {
	if e.cache == nil || e.cfg.ResultCacheTTL <= 0 {
		return nil
	}
	data, ok, err := e.cache.Get(key)
	if err != nil {
		e.logger.Warn("result cache read failed", "error", err)
		return nil
	}
	if !ok {
		return nil
	}
	var response Response
	if err := json.Unmarshal(data, &response); err != nil {
		e.logger.Warn("result cache entry corrupt, discarding", "error", err)
		_ = e.cache.Delete(key)
		return nil
	}
	return &response
}

func (e *Engine) storeCache(key string, response *Response) {
	if e.cache == nil || e.cfg.ResultCacheTTL <= 0 {
		return
	}
	data, err := json.Marshal(response)
	if err != nil {
		e.logger.Warn("failed to encode response for cache", "error", err)
		return
	}
	if err := e.cache.SetWithTTL(key, data, e.cfg.ResultCacheTTL); err != nil {
		e.logger.Warn("result cache write failed", "error", err)
	}
}

// Close releases the worker pool and classifier.
func (e *Engine) Close() error {
	e.pool.Release()
	return e.classifier.Close()
}
