package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestKeywordIndex(t *testing.T) *SQLiteKeywordIndex {
	t.Helper()
	idx, err := NewSQLiteKeywordIndex("")
	require.NoError(t, err)
	t.Cleanup(func() { _ = idx.Close() })
	return idx
}

func seedKeywordIndex(t *testing.T, idx *SQLiteKeywordIndex) {
	t.Helper()
	err := idx.Index(context.Background(), []*Chunk{
		{ID: "c1", DocumentID: "doc-a", PageNumber: 1, Index: 0,
			Text: "Employees reported high satisfaction with remote work flexibility."},
		{ID: "c2", DocumentID: "doc-a", PageNumber: 2, Index: 0,
			Text: "Compensation remains the top driver of attrition intent."},
		{ID: "c3", DocumentID: "doc-b", PageNumber: 1, Index: 0,
			Text: "Remote work policies vary widely across departments."},
	})
	require.NoError(t, err)
}

func TestKeywordIndexSearch(t *testing.T) {
	idx := newTestKeywordIndex(t)
	seedKeywordIndex(t, idx)

	hits, err := idx.Search(context.Background(), "remote work", 10, nil)
	require.NoError(t, err)
	require.Len(t, hits, 2)

	ids := []string{hits[0].ChunkID, hits[1].ChunkID}
	assert.ElementsMatch(t, []string{"c1", "c3"}, ids)
	for _, h := range hits {
		assert.Greater(t, h.Score, 0.0)
	}
}

func TestKeywordIndexSearchFiltered(t *testing.T) {
	idx := newTestKeywordIndex(t)
	seedKeywordIndex(t, idx)

	allowed := map[string]struct{}{"c3": {}}
	hits, err := idx.Search(context.Background(), "remote work", 10, allowed)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "c3", hits[0].ChunkID)
	assert.Equal(t, "doc-b", hits[0].DocumentID)
}

func TestKeywordIndexNoMatches(t *testing.T) {
	idx := newTestKeywordIndex(t)
	seedKeywordIndex(t, idx)

	hits, err := idx.Search(context.Background(), "zygomorphic", 10, nil)
	require.NoError(t, err)
	assert.Empty(t, hits)
}

func TestKeywordIndexStopWordsOnlyQuery(t *testing.T) {
	idx := newTestKeywordIndex(t)
	seedKeywordIndex(t, idx)

	hits, err := idx.Search(context.Background(), "the and of", 10, nil)
	require.NoError(t, err)
	assert.Empty(t, hits)
}

func TestKeywordIndexQuerySyntaxEscaped(t *testing.T) {
	idx := newTestKeywordIndex(t)
	seedKeywordIndex(t, idx)

	// FTS5 operators in user input must not cause query errors.
	_, err := idx.Search(context.Background(), `remote NEAR/3 "work* OR (`, 10, nil)
	require.NoError(t, err)
}

func TestKeywordIndexReindexReplaces(t *testing.T) {
	idx := newTestKeywordIndex(t)
	ctx := context.Background()

	require.NoError(t, idx.Index(ctx, []*Chunk{
		{ID: "c1", DocumentID: "doc-a", Text: "onboarding experience feedback"},
	}))
	require.NoError(t, idx.Index(ctx, []*Chunk{
		{ID: "c1", DocumentID: "doc-a", Text: "manager effectiveness ratings"},
	}))

	count, err := idx.Count()
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	hits, err := idx.Search(ctx, "onboarding", 10, nil)
	require.NoError(t, err)
	assert.Empty(t, hits)

	hits, err = idx.Search(ctx, "manager effectiveness", 10, nil)
	require.NoError(t, err)
	assert.Len(t, hits, 1)
}

func TestKeywordIndexDeleteByDocument(t *testing.T) {
	idx := newTestKeywordIndex(t)
	seedKeywordIndex(t, idx)

	require.NoError(t, idx.DeleteByDocument(context.Background(), "doc-a"))

	count, err := idx.Count()
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	hits, err := idx.Search(context.Background(), "remote work", 10, nil)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "doc-b", hits[0].DocumentID)
}

func TestKeywordIndexContextHeaderSearchable(t *testing.T) {
	idx := newTestKeywordIndex(t)

	require.NoError(t, idx.Index(context.Background(), []*Chunk{
		{ID: "c1", DocumentID: "doc-a", Text: "Scores improved year over year.",
			ContextHeader: "Covers quarterly engagement trends for engineering."},
	}))

	hits, err := idx.Search(context.Background(), "engagement trends", 10, nil)
	require.NoError(t, err)
	assert.Len(t, hits, 1)
}
