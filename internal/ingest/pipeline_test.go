package ingest

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/surveydeck/surveydeck/internal/chunk"
	"github.com/surveydeck/surveydeck/internal/embed"
	deckerrors "github.com/surveydeck/surveydeck/internal/errors"
	"github.com/surveydeck/surveydeck/internal/extract"
	"github.com/surveydeck/surveydeck/internal/store"
)

type fakeSummarizer struct {
	summary string
	err     error
	calls   int
}

func (f *fakeSummarizer) Summarize(ctx context.Context, text string) (string, error) {
	f.calls++
	return f.summary, f.err
}

func (f *fakeSummarizer) Close() error { return nil }

type recordingInvalidator struct {
	ids []string
}

func (r *recordingInvalidator) InvalidateDocument(id string) error {
	r.ids = append(r.ids, id)
	return nil
}

// poisonEmbedder fails any batch containing the marker. Failures are
// validation errors so the pipeline's retry loop stops immediately.
type poisonEmbedder struct {
	embed.Embedder
	marker string
}

func (p *poisonEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	for _, t := range texts {
		if strings.Contains(t, p.marker) {
			return nil, deckerrors.ValidationError("poisoned batch", nil)
		}
	}
	return p.Embedder.EmbedBatch(ctx, texts)
}

type ingestHarness struct {
	pipeline    *Pipeline
	metadata    *store.SQLiteMetadataStore
	vectors     *store.HNSWStore
	keywords    *store.SQLiteKeywordIndex
	summarizer  *fakeSummarizer
	invalidator *recordingInvalidator
}

func newIngestHarness(t *testing.T, embedder embed.Embedder, pages map[string][]extract.Page) *ingestHarness {
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

	if embedder == nil {
		embedder = embed.NewStaticEmbedder()
	}
	summarizer := &fakeSummarizer{summary: "Covers workforce engagement across regional offices."}
	invalidator := &recordingInvalidator{}

	pipeline, err := NewPipeline(Options{Workers: 2}, chunk.New(chunk.Options{}),
		embedder, metadata, vectors, keywords, summarizer, invalidator)
	require.NoError(t, err)
	t.Cleanup(func() { _ = pipeline.Close() })

	pipeline.loadPages = func(path string) ([]extract.Page, error) {
		p, ok := pages[filepath.Base(path)]
		if !ok {
			return nil, errors.New("unextractable file")
		}
		return p, nil
	}

	return &ingestHarness{
		pipeline:    pipeline,
		metadata:    metadata,
		vectors:     vectors,
		keywords:    keywords,
		summarizer:  summarizer,
		invalidator: invalidator,
	}
}

func writeSource(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func surveyPages(texts ...string) []extract.Page {
	pages := make([]extract.Page, len(texts))
	for i, text := range texts {
		pages[i] = extract.Page{Number: i + 1, Text: text}
	}
	return pages
}

func TestIngestRoundTrip(t *testing.T) {
	h := newIngestHarness(t, nil, map[string][]extract.Page{
		"survey.pdf": surveyPages(
			"Employee engagement results for the northern region offices.",
			"",
			"Retention remains the leading concern raised by managers.",
		),
	})
	ctx := context.Background()

	report, err := h.pipeline.Ingest(ctx, Request{
		Path:         writeSource(t, "survey.pdf", "pdf-bytes-v1"),
		Title:        "Annual Engagement Survey",
		Organization: "acme",
		SurveyType:   "engagement",
		SourceURL:    "https://example.org/survey.pdf",
		Year:         2025,
		Countries:    []string{"kenya"},
		Regions:      []string{"east-africa"},
	})
	require.NoError(t, err)

	assert.False(t, report.Skipped)
	assert.False(t, report.Reingested)
	assert.NotEmpty(t, report.DocumentID)
	require.Len(t, report.Pages, 3)
	assert.Equal(t, PageIndexed, report.Pages[0].Status)
	assert.Equal(t, PageEmpty, report.Pages[1].Status)
	assert.Equal(t, PageIndexed, report.Pages[2].Status)
	assert.Equal(t, report.TotalChunks, report.Pages[0].Chunks+report.Pages[2].Chunks)

	doc, err := h.metadata.GetDocument(ctx, report.DocumentID)
	require.NoError(t, err)
	assert.Equal(t, "Annual Engagement Survey", doc.Title)
	assert.Equal(t, 3, doc.PageCount)
	assert.Equal(t, 2025, doc.Year)
	assert.Equal(t, []string{"kenya"}, doc.Countries)
	assert.Equal(t, []string{"east-africa"}, doc.Regions)
	assert.NotEmpty(t, doc.ContentHash)
	assert.Equal(t, "Covers workforce engagement across regional offices.", doc.Summary)

	chunks, err := h.metadata.GetChunksByDocument(ctx, report.DocumentID)
	require.NoError(t, err)
	require.Len(t, chunks, report.TotalChunks)
	for _, c := range chunks {
		assert.Contains(t, c.ContextHeader, "Annual Engagement Survey")
		assert.Contains(t, c.ContextHeader, "Covers workforce engagement")
		assert.True(t, h.vectors.Contains(c.ID))
	}

	hits, err := h.keywords.Search(ctx, "retention managers", 10, nil)
	require.NoError(t, err)
	assert.NotEmpty(t, hits)
}

func TestIngestSkipsUnchangedContent(t *testing.T) {
	h := newIngestHarness(t, nil, map[string][]extract.Page{
		"survey.pdf": surveyPages("Engagement results."),
	})
	ctx := context.Background()
	path := writeSource(t, "survey.pdf", "pdf-bytes-v1")
	req := Request{Path: path, Organization: "acme", SurveyType: "engagement"}

	first, err := h.pipeline.Ingest(ctx, req)
	require.NoError(t, err)
	countAfterFirst := h.vectors.Count()

	second, err := h.pipeline.Ingest(ctx, req)
	require.NoError(t, err)
	assert.True(t, second.Skipped)
	assert.Equal(t, first.DocumentID, second.DocumentID)
	assert.Equal(t, countAfterFirst, h.vectors.Count(), "skip leaves the index untouched")
	assert.Equal(t, 1, h.summarizer.calls, "no second summary for unchanged content")
}

func TestIngestReplacesOnReingest(t *testing.T) {
	h := newIngestHarness(t, nil, map[string][]extract.Page{
		"v1.pdf": surveyPages("Original findings about onboarding."),
		"v2.pdf": surveyPages("Revised findings about onboarding.", "A brand new appendix page."),
	})
	ctx := context.Background()

	first, err := h.pipeline.Ingest(ctx, Request{
		Path: writeSource(t, "v1.pdf", "content-v1"), Organization: "acme", SurveyType: "exit"})
	require.NoError(t, err)

	second, err := h.pipeline.Ingest(ctx, Request{
		Path: writeSource(t, "v2.pdf", "content-v2"), Organization: "acme", SurveyType: "exit",
		DocumentID: first.DocumentID})
	require.NoError(t, err)

	assert.True(t, second.Reingested)
	assert.Equal(t, first.DocumentID, second.DocumentID)
	assert.Equal(t, []string{first.DocumentID}, h.invalidator.ids,
		"re-ingest invalidates cached highlights")

	doc, err := h.metadata.GetDocument(ctx, first.DocumentID)
	require.NoError(t, err)
	assert.Equal(t, 2, doc.PageCount)

	chunks, err := h.metadata.GetChunksByDocument(ctx, first.DocumentID)
	require.NoError(t, err)
	require.Equal(t, second.TotalChunks, len(chunks))
	for _, c := range chunks {
		assert.NotContains(t, c.Text, "Original findings", "old chunks are gone")
	}
	assert.Equal(t, second.TotalChunks, h.vectors.Count())
}

func TestIngestEmbedFailureIsPageScoped(t *testing.T) {
	embedder := &poisonEmbedder{Embedder: embed.NewStaticEmbedder(), marker: "POISON"}
	h := newIngestHarness(t, embedder, map[string][]extract.Page{
		"survey.pdf": surveyPages(
			"A perfectly ordinary first page.",
			"This page mentions POISON and cannot be embedded.",
			"A perfectly ordinary third page.",
		),
	})
	ctx := context.Background()

	report, err := h.pipeline.Ingest(ctx, Request{
		Path: writeSource(t, "survey.pdf", "bytes"), Organization: "acme", SurveyType: "engagement"})
	require.NoError(t, err, "a failed page never fails the document")

	require.Len(t, report.Pages, 3)
	assert.Equal(t, PageIndexed, report.Pages[0].Status)
	assert.Equal(t, PageEmbedFailed, report.Pages[1].Status)
	assert.Equal(t, PageIndexed, report.Pages[2].Status)

	chunks, err := h.metadata.GetChunksByDocument(ctx, report.DocumentID)
	require.NoError(t, err)
	for _, c := range chunks {
		assert.NotEqual(t, 2, c.PageNumber, "failed page left no chunks behind")
	}
}

func TestIngestValidation(t *testing.T) {
	h := newIngestHarness(t, nil, nil)
	ctx := context.Background()

	_, err := h.pipeline.Ingest(ctx, Request{Organization: "acme", SurveyType: "x"})
	assert.True(t, deckerrors.IsValidation(err))

	_, err = h.pipeline.Ingest(ctx, Request{Path: "/tmp/x.pdf"})
	assert.True(t, deckerrors.IsValidation(err))
}

func TestIngestMissingFile(t *testing.T) {
	h := newIngestHarness(t, nil, nil)

	_, err := h.pipeline.Ingest(context.Background(), Request{
		Path: filepath.Join(t.TempDir(), "ghost.pdf"), Organization: "acme", SurveyType: "x"})
	require.Error(t, err)
	assert.Equal(t, deckerrors.ErrCodeFileNotFound, deckerrors.GetCode(err))
}

func TestIngestExtractionFailure(t *testing.T) {
	h := newIngestHarness(t, nil, map[string][]extract.Page{})

	_, err := h.pipeline.Ingest(context.Background(), Request{
		Path: writeSource(t, "broken.pdf", "not really a pdf"),
		Organization: "acme", SurveyType: "x"})
	require.Error(t, err)
	assert.Equal(t, deckerrors.ErrCodeExtractFailed, deckerrors.GetCode(err))
}

func TestIngestSummaryFailureIsNonFatal(t *testing.T) {
	h := newIngestHarness(t, nil, map[string][]extract.Page{
		"survey.pdf": surveyPages("Engagement results."),
	})
	h.summarizer.err = errors.New("provider down")
	h.summarizer.summary = ""

	report, err := h.pipeline.Ingest(context.Background(), Request{
		Path: writeSource(t, "survey.pdf", "bytes"), Organization: "acme", SurveyType: "engagement"})
	require.NoError(t, err)

	doc, err := h.metadata.GetDocument(context.Background(), report.DocumentID)
	require.NoError(t, err)
	assert.Empty(t, doc.Summary)
	assert.Positive(t, report.TotalChunks)
}

func TestIngestDefaultTitleFromFilename(t *testing.T) {
	h := newIngestHarness(t, nil, map[string][]extract.Page{
		"northern-region-2025.pdf": surveyPages("Results."),
	})

	report, err := h.pipeline.Ingest(context.Background(), Request{
		Path:         writeSource(t, "northern-region-2025.pdf", "bytes"),
		Organization: "acme", SurveyType: "engagement"})
	require.NoError(t, err)
	assert.Equal(t, "northern-region-2025", report.Title)
}

func TestContextHeader(t *testing.T) {
	header := contextHeader("Exit Survey", "acme", "exit", "Covers departures.")
	assert.Equal(t, "Exit Survey (acme, exit survey) Covers departures.", header)

	header = contextHeader("Exit Survey", "acme", "exit", "")
	assert.Equal(t, "Exit Survey (acme, exit survey)", header)
}
