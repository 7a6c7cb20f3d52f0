package store

import (
	"context"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestVectorStore(t *testing.T) *HNSWStore {
	t.Helper()
	s, err := NewHNSWStore(DefaultVectorStoreConfig(4))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestHNSWStoreUpsertAndQuery(t *testing.T) {
	s := newTestVectorStore(t)
	ctx := context.Background()

	err := s.Upsert(ctx, []VectorEntry{
		{ChunkID: "c1", DocumentID: "doc-a", Vector: []float32{1, 0, 0, 0}},
		{ChunkID: "c2", DocumentID: "doc-a", Vector: []float32{0, 1, 0, 0}},
		{ChunkID: "c3", DocumentID: "doc-b", Vector: []float32{0.9, 0.1, 0, 0}},
	})
	require.NoError(t, err)
	assert.Equal(t, 3, s.Count())

	hits, err := s.Query(ctx, []float32{1, 0, 0, 0}, 2, nil)
	require.NoError(t, err)
	require.Len(t, hits, 2)
	assert.Equal(t, "c1", hits[0].ChunkID)
	assert.Equal(t, "doc-a", hits[0].DocumentID)
	assert.Equal(t, "c3", hits[1].ChunkID)
	assert.Greater(t, hits[0].Score, hits[1].Score)
}

func TestHNSWStoreFilteredQuery(t *testing.T) {
	s := newTestVectorStore(t)
	ctx := context.Background()

	err := s.Upsert(ctx, []VectorEntry{
		{ChunkID: "c1", DocumentID: "doc-a", Vector: []float32{1, 0, 0, 0}},
		{ChunkID: "c2", DocumentID: "doc-b", Vector: []float32{0.99, 0.01, 0, 0}},
		{ChunkID: "c3", DocumentID: "doc-b", Vector: []float32{0, 0, 1, 0}},
	})
	require.NoError(t, err)

	// Restrict to doc-b's chunks: c1 is the global best match but must
	// never surface.
	allowed := map[string]struct{}{"c2": {}, "c3": {}}
	hits, err := s.Query(ctx, []float32{1, 0, 0, 0}, 10, allowed)
	require.NoError(t, err)
	require.Len(t, hits, 2)
	assert.Equal(t, "c2", hits[0].ChunkID)
	assert.Equal(t, "c3", hits[1].ChunkID)
	for _, h := range hits {
		assert.NotEqual(t, "c1", h.ChunkID)
	}
}

func TestHNSWStoreFilteredQueryEmptySet(t *testing.T) {
	s := newTestVectorStore(t)
	ctx := context.Background()

	require.NoError(t, s.Upsert(ctx, []VectorEntry{
		{ChunkID: "c1", DocumentID: "doc-a", Vector: []float32{1, 0, 0, 0}},
	}))

	hits, err := s.Query(ctx, []float32{1, 0, 0, 0}, 5, map[string]struct{}{})
	require.NoError(t, err)
	assert.Empty(t, hits)
}

func TestHNSWStoreUpsertReplaces(t *testing.T) {
	s := newTestVectorStore(t)
	ctx := context.Background()

	require.NoError(t, s.Upsert(ctx, []VectorEntry{
		{ChunkID: "c1", DocumentID: "doc-a", Vector: []float32{1, 0, 0, 0}},
	}))
	require.NoError(t, s.Upsert(ctx, []VectorEntry{
		{ChunkID: "c1", DocumentID: "doc-a", Vector: []float32{0, 1, 0, 0}},
	}))
	assert.Equal(t, 1, s.Count())

	hits, err := s.Query(ctx, []float32{0, 1, 0, 0}, 1, nil)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "c1", hits[0].ChunkID)
	assert.InDelta(t, 1.0, float64(hits[0].Score), 1e-5)
}

func TestHNSWStoreDeleteByDocument(t *testing.T) {
	s := newTestVectorStore(t)
	ctx := context.Background()

	require.NoError(t, s.Upsert(ctx, []VectorEntry{
		{ChunkID: "c1", DocumentID: "doc-a", Vector: []float32{1, 0, 0, 0}},
		{ChunkID: "c2", DocumentID: "doc-a", Vector: []float32{0, 1, 0, 0}},
		{ChunkID: "c3", DocumentID: "doc-b", Vector: []float32{0, 0, 1, 0}},
	}))

	require.NoError(t, s.DeleteByDocument(ctx, "doc-a"))
	assert.Equal(t, 1, s.Count())
	assert.False(t, s.Contains("c1"))
	assert.False(t, s.Contains("c2"))
	assert.True(t, s.Contains("c3"))

	hits, err := s.Query(ctx, []float32{1, 0, 0, 0}, 10, nil)
	require.NoError(t, err)
	for _, h := range hits {
		assert.Equal(t, "doc-b", h.DocumentID)
	}
}

func TestHNSWStoreDimensionMismatch(t *testing.T) {
	s := newTestVectorStore(t)
	ctx := context.Background()

	err := s.Upsert(ctx, []VectorEntry{
		{ChunkID: "c1", DocumentID: "doc-a", Vector: []float32{1, 0}},
	})
	require.Error(t, err)
	assert.ErrorAs(t, err, &ErrDimensionMismatch{})

	_, err = s.Query(ctx, []float32{1, 0}, 1, nil)
	require.Error(t, err)
	assert.ErrorAs(t, err, &ErrDimensionMismatch{})
}

func TestHNSWStoreSaveLoad(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "vectors.hnsw")
	ctx := context.Background()

	s, err := NewHNSWStore(DefaultVectorStoreConfig(4))
	require.NoError(t, err)
	require.NoError(t, s.Upsert(ctx, []VectorEntry{
		{ChunkID: "c1", DocumentID: "doc-a", Vector: []float32{1, 0, 0, 0}},
		{ChunkID: "c2", DocumentID: "doc-b", Vector: []float32{0, 1, 0, 0}},
	}))
	require.NoError(t, s.Save(path))
	require.NoError(t, s.Close())

	dims, err := ReadStoreDimensions(path)
	require.NoError(t, err)
	assert.Equal(t, 4, dims)

	loaded, err := NewHNSWStore(DefaultVectorStoreConfig(4))
	require.NoError(t, err)
	defer loaded.Close()
	require.NoError(t, loaded.Load(path))

	assert.Equal(t, 2, loaded.Count())
	hits, err := loaded.Query(ctx, []float32{1, 0, 0, 0}, 1, nil)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "c1", hits[0].ChunkID)

	// Filtered scan works after load (vectors restored from metadata).
	hits, err = loaded.Query(ctx, []float32{1, 0, 0, 0}, 1, map[string]struct{}{"c2": {}})
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "c2", hits[0].ChunkID)

	require.NoError(t, loaded.DeleteByDocument(ctx, "doc-b"))
	assert.Equal(t, 1, loaded.Count())
}

func TestHNSWStoreConcurrentAccess(t *testing.T) {
	s := newTestVectorStore(t)
	ctx := context.Background()

	require.NoError(t, s.Upsert(ctx, []VectorEntry{
		{ChunkID: "seed", DocumentID: "doc-seed", Vector: []float32{1, 0, 0, 0}},
	}))

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			entry := VectorEntry{
				ChunkID:    string(rune('a' + n)),
				DocumentID: "doc-w",
				Vector:     []float32{float32(n), 1, 0, 0},
			}
			assert.NoError(t, s.Upsert(ctx, []VectorEntry{entry}))
		}(i)
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.Query(ctx, []float32{1, 0, 0, 0}, 3, nil)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, 9, s.Count())
}

func TestDistanceToScore(t *testing.T) {
	tests := []struct {
		name     string
		distance float32
		metric   string
		want     float32
	}{
		{"cosine identical", 0, "cos", 1.0},
		{"cosine orthogonal", 1, "cos", 0.5},
		{"cosine opposite", 2, "cos", 0.0},
		{"l2 identical", 0, "l2", 1.0},
		{"l2 distance one", 1, "l2", 0.5},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.want, distanceToScore(tt.distance, tt.metric), 1e-6)
		})
	}
}
