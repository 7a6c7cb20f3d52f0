// Package ingest turns source PDFs into indexed, searchable documents.
//
// The pipeline is extract, summarize, chunk, embed, index. Work is
// best-effort per page: an unextractable or unembeddable page is
// reported as a gap and the rest of the document still lands in the
// index. Re-ingesting a document replaces its chunks everywhere and
// invalidates its cached highlight artifacts.
package ingest

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/panjf2000/ants/v2"

	"github.com/surveydeck/surveydeck/internal/chunk"
	"github.com/surveydeck/surveydeck/internal/embed"
	deckerrors "github.com/surveydeck/surveydeck/internal/errors"
	"github.com/surveydeck/surveydeck/internal/extract"
	"github.com/surveydeck/surveydeck/internal/store"
)

// PageStatus is the per-page ingestion outcome.
type PageStatus string

const (
	PageIndexed     PageStatus = "indexed"
	PageEmpty       PageStatus = "empty"
	PageEmbedFailed PageStatus = "embed_failed"
)

// PageReport is one page's ingestion outcome.
type PageReport struct {
	Page   int        `json:"page"`
	Chunks int        `json:"chunks"`
	Status PageStatus `json:"status"`
}

// Report summarizes one ingestion run.
type Report struct {
	DocumentID  string        `json:"document_id"`
	Title       string        `json:"title"`
	Pages       []PageReport  `json:"pages"`
	TotalChunks int           `json:"total_chunks"`
	Reingested  bool          `json:"reingested"`
	Skipped     bool          `json:"skipped"` // content hash unchanged
	Duration    time.Duration `json:"-"`
}

// Request describes one document to ingest.
type Request struct {
	Path         string
	Title        string // defaults to the filename
	Organization string
	SurveyType   string
	SourceURL    string
	Year         int      // survey year, zero when unknown
	Countries    []string // country tags
	Regions      []string // region tags

	// DocumentID, when set, re-ingests an existing document in place.
	DocumentID string
}

// Invalidator drops cached artifacts derived from a document. The
// highlighter satisfies this.
type Invalidator interface {
	InvalidateDocument(documentID string) error
}

// Options tunes the pipeline.
type Options struct {
	// Workers bounds concurrent page embedding batches.
	Workers int

	// VectorSnapshotPath, when set, is written after every successful
	// ingest so the HNSW graph survives restarts.
	VectorSnapshotPath string
}

// Pipeline ingests documents into the metadata, vector, and keyword
// stores.
type Pipeline struct {
	opts        Options
	chunker     *chunk.Chunker
	embedder    embed.Embedder
	metadata    store.MetadataStore
	vectors     store.VectorStore
	keywords    store.KeywordIndex
	summarizer  Summarizer  // nil skips summaries
	invalidator Invalidator // nil skips highlight invalidation
	pool        *ants.Pool
	logger      *slog.Logger

	// loadPages is swappable for tests.
	loadPages func(path string) ([]extract.Page, error)
}

func NewPipeline(opts Options, chunker *chunk.Chunker, embedder embed.Embedder,
	metadata store.MetadataStore, vectors store.VectorStore, keywords store.KeywordIndex,
	summarizer Summarizer, invalidator Invalidator) (*Pipeline, error) {
	if opts.Workers <= 0 {
		opts.Workers = 4
	}
	pool, err := ants.NewPool(opts.Workers)
	if err != nil {
		return nil, deckerrors.InternalError("failed to create ingest pool", err)
	}
	return &Pipeline{
		opts:        opts,
		chunker:     chunker,
		embedder:    embedder,
		metadata:    metadata,
		vectors:     vectors,
		keywords:    keywords,
		summarizer:  summarizer,
		invalidator: invalidator,
		pool:        pool,
		logger:      slog.Default().With("component", "ingest"),
		loadPages:   extract.Pages,
	}, nil
}

// Close releases the worker pool.
func (p *Pipeline) Close() error {
	p.pool.Release()
	if p.summarizer != nil {
		return p.summarizer.Close()
	}
	return nil
}

// Ingest processes one document end to end. A document whose content
// hash already exists is skipped without touching the index.
func (p *Pipeline) Ingest(ctx context.Context, req Request) (*Report, error) {
	start := time.Now()

	if req.Path == "" {
		return nil, deckerrors.ValidationError("source path is required", nil)
	}
	if req.Organization == "" || req.SurveyType == "" {
		return nil, deckerrors.ValidationError("organization and survey_type are required", nil)
	}

	hash, err := hashFile(req.Path)
	if err != nil {
		return nil, deckerrors.New(deckerrors.ErrCodeFileNotFound,
			fmt.Sprintf("failed to read %s", req.Path), err)
	}

	if existing, err := p.metadata.GetDocumentByHash(ctx, hash); err == nil && existing != nil {
		p.logger.Info("content unchanged, skipping ingest",
			"document_id", existing.ID, "path", req.Path)
		return &Report{DocumentID: existing.ID, Title: existing.Title,
			Skipped: true, Duration: time.Since(start)}, nil
	}

	docID := req.DocumentID
	if docID == "" {
		docID = uuid.NewString()
	}
	reingest := false
	if _, err := p.metadata.GetDocument(ctx, docID); err == nil {
		reingest = true
		if err := p.removeExisting(ctx, docID); err != nil {
			return nil, err
		}
	}

	pages, err := p.loadPages(req.Path)
	if err != nil {
		return nil, deckerrors.New(deckerrors.ErrCodeExtractFailed,
			fmt.Sprintf("failed to extract %s", req.Path), err)
	}

	title := req.Title
	if title == "" {
		title = strings.TrimSuffix(filepath.Base(req.Path), filepath.Ext(req.Path))
	}

	summary := p.summarize(ctx, pages)
	header := contextHeader(title, req.Organization, req.SurveyType, summary)

	chunksByPage := p.chunkPages(docID, pages, header)
	reports, indexed := p.embedPages(ctx, pages, chunksByPage)

	doc := &store.Document{
		ID:           docID,
		Title:        title,
		Organization: req.Organization,
		SurveyType:   req.SurveyType,
		SourcePath:   req.Path,
		SourceURL:    req.SourceURL,
		Year:         req.Year,
		Countries:    req.Countries,
		Regions:      req.Regions,
		PageCount:    len(pages),
		ContentHash:  hash,
		Summary:      summary,
		IngestedAt:   time.Now().UTC(),
	}
	if err := p.persist(ctx, doc, indexed); err != nil {
		return nil, err
	}

	if p.opts.VectorSnapshotPath != "" {
		if err := p.vectors.Save(p.opts.VectorSnapshotPath); err != nil {
			p.logger.Warn("vector snapshot failed", "error", err)
		}
	}

	report := &Report{
		DocumentID:  docID,
		Title:       title,
		Pages:       reports,
		TotalChunks: len(indexed),
		Reingested:  reingest,
		Duration:    time.Since(start),
	}
	p.logger.Info("document ingested",
		"document_id", docID,
		"pages", len(pages),
		"chunks", len(indexed),
		"reingested", reingest,
		"duration", report.Duration)
	return report, nil
}

// removeExisting clears every trace of a document before re-ingest.
func (p *Pipeline) removeExisting(ctx context.Context, docID string) error {
	if p.invalidator != nil {
		if err := p.invalidator.InvalidateDocument(docID); err != nil {
			p.logger.Warn("highlight invalidation failed", "document_id", docID, "error", err)
		}
	}
	if err := p.vectors.DeleteByDocument(ctx, docID); err != nil {
		return deckerrors.New(deckerrors.ErrCodeIngestFailed,
			fmt.Sprintf("failed to clear vectors for %s", docID), err)
	}
	if p.keywords != nil {
		if err := p.keywords.DeleteByDocument(ctx, docID); err != nil {
			return deckerrors.New(deckerrors.ErrCodeIngestFailed,
				fmt.Sprintf("failed to clear keyword index for %s", docID), err)
		}
	}
	if err := p.metadata.DeleteChunksByDocument(ctx, docID); err != nil {
		return deckerrors.New(deckerrors.ErrCodeIngestFailed,
			fmt.Sprintf("failed to clear chunks for %s", docID), err)
	}
	return nil
}

// summarize is best-effort: a summarizer failure costs the summary,
// never the ingest.
func (p *Pipeline) summarize(ctx context.Context, pages []extract.Page) string {
	if p.summarizer == nil {
		return ""
	}
	var head strings.Builder
	for i := range pages {
		if pages[i].Empty() {
			continue
		}
		head.WriteString(pages[i].Text)
		head.WriteByte('\n')
		if head.Len() >= summaryInputRunes || i >= 2 {
			break
		}
	}
	if head.Len() == 0 {
		return ""
	}
	summary, err := p.summarizer.Summarize(ctx, head.String())
	if err != nil {
		p.logger.Warn("summary generation failed", "error", err)
		return ""
	}
	return summary
}

// contextHeader is prepended to every chunk's embedding input so that
// retrieval sees the document's scope alongside the local text.
func contextHeader(title, organization, surveyType, summary string) string {
	parts := []string{fmt.Sprintf("%s (%s, %s survey)", title, organization, surveyType)}
	if summary != "" {
		parts = append(parts, summary)
	}
	return strings.Join(parts, " ")
}

func (p *Pipeline) chunkPages(docID string, pages []extract.Page, header string) map[int][]*store.Chunk {
	now := time.Now().UTC()
	byPage := make(map[int][]*store.Chunk, len(pages))
	for i := range pages {
		windows := p.chunker.SplitPage(pages[i].Number, pages[i].Text)
		if len(windows) == 0 {
			continue
		}
		chunks := make([]*store.Chunk, len(windows))
		for j, w := range windows {
			chunks[j] = &store.Chunk{
				ID:            fmt.Sprintf("%s-p%04d-%02d", docID, w.PageNumber, w.Index),
				DocumentID:    docID,
				PageNumber:    w.PageNumber,
				Index:         w.Index,
				Text:          w.Text,
				ContextHeader: header,
				CreatedAt:     now,
			}
		}
		byPage[pages[i].Number] = chunks
	}
	return byPage
}

// embedPages embeds each page's chunks on the worker pool. A page
// whose embedding fails after retries is reported and dropped.
func (p *Pipeline) embedPages(ctx context.Context, pages []extract.Page,
	chunksByPage map[int][]*store.Chunk) ([]PageReport, []indexedChunk) {

	var (
		mu      sync.Mutex
		wg      sync.WaitGroup
		reports = make([]PageReport, 0, len(pages))
		indexed []indexedChunk
	)

	for i := range pages {
		page := pages[i]
		chunks := chunksByPage[page.Number]
		if len(chunks) == 0 {
			mu.Lock()
			reports = append(reports, PageReport{Page: page.Number, Status: PageEmpty})
			mu.Unlock()
			continue
		}

		work := func() {
			defer wg.Done()
			vectors, err := p.embedChunks(ctx, chunks)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				p.logger.Warn("page embedding failed",
					"page", page.Number, "error", err)
				reports = append(reports, PageReport{
					Page: page.Number, Chunks: len(chunks), Status: PageEmbedFailed})
				return
			}
			for j, c := range chunks {
				indexed = append(indexed, indexedChunk{chunk: c, vector: vectors[j]})
			}
			reports = append(reports, PageReport{
				Page: page.Number, Chunks: len(chunks), Status: PageIndexed})
		}

		wg.Add(1)
		if err := p.pool.Submit(work); err != nil {
			work()
		}
	}
	wg.Wait()

	sort.Slice(reports, func(i, j int) bool { return reports[i].Page < reports[j].Page })
	sort.Slice(indexed, func(i, j int) bool { return indexed[i].chunk.ID < indexed[j].chunk.ID })
	return reports, indexed
}

type indexedChunk struct {
	chunk  *store.Chunk
	vector []float32
}

func (p *Pipeline) embedChunks(ctx context.Context, chunks []*store.Chunk) ([][]float32, error) {
	texts := make([]string, len(chunks))
	for i, c := range chunks {
		texts[i] = c.EmbedText()
	}
	retry := deckerrors.DefaultRetryConfig()
	retry.MaxRetries = 2
	return deckerrors.RetryWithResult(ctx, retry, func() ([][]float32, error) {
		return p.embedder.EmbedBatch(ctx, texts)
	})
}

// persist writes the document and its surviving chunks to every store.
func (p *Pipeline) persist(ctx context.Context, doc *store.Document, indexed []indexedChunk) error {
	if err := p.metadata.SaveDocument(ctx, doc); err != nil {
		return deckerrors.New(deckerrors.ErrCodeIngestFailed,
			fmt.Sprintf("failed to save document %s", doc.ID), err)
	}
	if len(indexed) == 0 {
		return nil
	}

	chunks := make([]*store.Chunk, len(indexed))
	entries := make([]store.VectorEntry, len(indexed))
	for i, ic := range indexed {
		chunks[i] = ic.chunk
		entries[i] = store.VectorEntry{
			ChunkID:    ic.chunk.ID,
			DocumentID: ic.chunk.DocumentID,
			Vector:     ic.vector,
		}
	}
	if err := p.metadata.SaveChunks(ctx, chunks); err != nil {
		return deckerrors.New(deckerrors.ErrCodeIngestFailed,
			fmt.Sprintf("failed to save chunks for %s", doc.ID), err)
	}
	if err := p.vectors.Upsert(ctx, entries); err != nil {
		return deckerrors.New(deckerrors.ErrCodeIngestFailed,
			fmt.Sprintf("failed to index vectors for %s", doc.ID), err)
	}
	if p.keywords != nil {
		if err := p.keywords.Index(ctx, chunks); err != nil {
			return deckerrors.New(deckerrors.ErrCodeIngestFailed,
				fmt.Sprintf("failed to index keywords for %s", doc.ID), err)
		}
	}
	return nil
}

func hashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
