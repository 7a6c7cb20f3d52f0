package output

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/surveydeck/surveydeck/internal/ingest"
	"github.com/surveydeck/surveydeck/internal/search"
	"github.com/surveydeck/surveydeck/internal/store"
)

func TestWriterPlainForNonTerminal(t *testing.T) {
	var buf bytes.Buffer
	w := New(&buf)

	w.Success("ok %d", 7)
	w.Error("bad")

	// Buffers are not terminals, so no ANSI escapes.
	assert.Equal(t, "ok 7\nbad\n", buf.String())
}

func TestSearchResultsRendering(t *testing.T) {
	var buf bytes.Buffer
	w := New(&buf)

	w.SearchResults(&search.Response{
		Results: []*search.DocumentResult{{
			Document: &store.Document{
				Title:        "Annual Engagement Survey",
				Organization: "acme",
				SurveyType:   "engagement",
			},
			Matches: []*search.Match{{
				ChunkID:        "c1",
				PageNumber:     4,
				Rank:           1,
				RelevanceScore: 9.5,
				Explanation:    "Mentions remote work satisfaction scores.",
				Tier:           search.TierStrong,
			}},
			NumMatches:    1,
			StrongMatches: 1,
		}},
		Cached: true,
	})

	out := buf.String()
	assert.Contains(t, out, "1. Annual Engagement Survey")
	assert.Contains(t, out, "acme / engagement")
	assert.Contains(t, out, "1 strong, 0 moderate, 0 weak")
	assert.Contains(t, out, "p.4")
	assert.Contains(t, out, "strong")
	assert.Contains(t, out, "9.5")
	assert.Contains(t, out, "Mentions remote work satisfaction scores.")
	assert.Contains(t, out, "(served from cache)")
}

func TestSearchResultsEmpty(t *testing.T) {
	var buf bytes.Buffer
	New(&buf).SearchResults(&search.Response{})
	assert.Contains(t, buf.String(), "no matching documents")
}

func TestIngestReportRendering(t *testing.T) {
	var buf bytes.Buffer
	New(&buf).IngestReport(&ingest.Report{
		DocumentID:  "d1",
		Title:       "Exit Survey",
		TotalChunks: 12,
		Pages: []ingest.PageReport{
			{Page: 1, Chunks: 6, Status: ingest.PageIndexed},
			{Page: 2, Status: ingest.PageEmpty},
			{Page: 3, Chunks: 6, Status: ingest.PageIndexed},
		},
		Duration: 120 * time.Millisecond,
	})

	out := buf.String()
	assert.Contains(t, out, "ingested Exit Survey (d1)")
	assert.Contains(t, out, "12 chunks from 3 pages")
	assert.Contains(t, out, "gaps: p.2 empty")
}

func TestIngestReportReingested(t *testing.T) {
	var buf bytes.Buffer
	New(&buf).IngestReport(&ingest.Report{
		DocumentID:  "d1",
		Title:       "Exit Survey",
		TotalChunks: 4,
		Pages:       []ingest.PageReport{{Page: 1, Chunks: 4, Status: ingest.PageIndexed}},
		Reingested:  true,
	})
	assert.Contains(t, buf.String(), "re-ingested Exit Survey")
}

func TestIngestReportSkipped(t *testing.T) {
	var buf bytes.Buffer
	New(&buf).IngestReport(&ingest.Report{DocumentID: "d1", Skipped: true})
	assert.Contains(t, buf.String(), "skipped d1: content unchanged")
}
