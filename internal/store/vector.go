package store

import (
	"bufio"
	"context"
	"encoding/gob"
	"fmt"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/coder/hnsw"
)

// HNSWStore implements VectorStore using the coder/hnsw pure Go HNSW
// implementation. Unfiltered queries run an approximate graph search;
// filtered queries run an exact scan over the candidate set, so the
// filter bounds the search space rather than trimming its results.
type HNSWStore struct {
	mu     sync.RWMutex
	graph  *hnsw.Graph[uint64]
	config VectorStoreConfig

	// ID mapping (string <-> uint64)
	idMap   map[string]uint64 // chunk ID -> internal key
	keyMap  map[uint64]string // internal key -> chunk ID
	nextKey uint64

	// Per-chunk attributes for filtered scans and document deletion.
	vectors map[string][]float32 // chunk ID -> normalized vector
	docIDs  map[string]string    // chunk ID -> document ID
	byDoc   map[string]map[string]struct{}

	closed bool
}

// hnswMetadata stores ID mappings and vectors for persistence.
type hnswMetadata struct {
	IDMap   map[string]uint64
	DocIDs  map[string]string
	Vectors map[string][]float32
	NextKey uint64
	Config  VectorStoreConfig
}

var _ VectorStore = (*HNSWStore)(nil)

// NewHNSWStore creates a new HNSW-based vector store.
func NewHNSWStore(cfg VectorStoreConfig) (*HNSWStore, error) {
	if cfg.Dimensions <= 0 {
		return nil, fmt.Errorf("dimensions must be positive, got %d", cfg.Dimensions)
	}
	if cfg.Metric == "" {
		cfg.Metric = "cos"
	}
	if cfg.M == 0 {
		cfg.M = 16
	}
	if cfg.EfSearch == 0 {
		cfg.EfSearch = 64
	}

	graph := hnsw.NewGraph[uint64]()
	switch cfg.Metric {
	case "l2":
		graph.Distance = hnsw.EuclideanDistance
	default:
		graph.Distance = hnsw.CosineDistance
	}
	graph.M = cfg.M
	graph.EfSearch = cfg.EfSearch
	graph.Ml = 0.25

	return &HNSWStore{
		graph:   graph,
		config:  cfg,
		idMap:   make(map[string]uint64),
		keyMap:  make(map[uint64]string),
		vectors: make(map[string][]float32),
		docIDs:  make(map[string]string),
		byDoc:   make(map[string]map[string]struct{}),
	}, nil
}

// Upsert inserts entries, replacing any existing chunk IDs.
func (s *HNSWStore) Upsert(ctx context.Context, entries []VectorEntry) error {
	if len(entries) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return fmt.Errorf("vector store is closed")
	}

	for _, e := range entries {
		if len(e.Vector) != s.config.Dimensions {
			return ErrDimensionMismatch{Expected: s.config.Dimensions, Got: len(e.Vector)}
		}
	}

	for _, e := range entries {
		// Lazy deletion on replace: orphan the old graph node instead of
		// removing it. coder/hnsw misbehaves when the last node is deleted.
		if existingKey, exists := s.idMap[e.ChunkID]; exists {
			delete(s.keyMap, existingKey)
			s.dropChunkLocked(e.ChunkID)
		}

		key := s.nextKey
		s.nextKey++

		vec := make([]float32, len(e.Vector))
		copy(vec, e.Vector)
		if s.config.Metric == "cos" {
			normalizeVectorInPlace(vec)
		}

		s.graph.Add(hnsw.MakeNode(key, vec))

		s.idMap[e.ChunkID] = key
		s.keyMap[key] = e.ChunkID
		s.vectors[e.ChunkID] = vec
		s.docIDs[e.ChunkID] = e.DocumentID
		if s.byDoc[e.DocumentID] == nil {
			s.byDoc[e.DocumentID] = make(map[string]struct{})
		}
		s.byDoc[e.DocumentID][e.ChunkID] = struct{}{}
	}

	return nil
}

// Query finds the k nearest chunks to the query vector. A non-nil allowed
// set restricts the search to exactly those chunk IDs via a brute-force
// scan; a nil set runs the approximate graph search over the whole corpus.
func (s *HNSWStore) Query(ctx context.Context, query []float32, k int, allowed map[string]struct{}) ([]*VectorHit, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, fmt.Errorf("vector store is closed")
	}
	if len(query) != s.config.Dimensions {
		return nil, ErrDimensionMismatch{Expected: s.config.Dimensions, Got: len(query)}
	}
	if k <= 0 || len(s.idMap) == 0 {
		return []*VectorHit{}, nil
	}

	normalized := make([]float32, len(query))
	copy(normalized, query)
	if s.config.Metric == "cos" {
		normalizeVectorInPlace(normalized)
	}

	if allowed != nil {
		return s.scanLocked(normalized, k, allowed), nil
	}

	nodes := s.graph.Search(normalized, k)
	hits := make([]*VectorHit, 0, len(nodes))
	for _, node := range nodes {
		id, exists := s.keyMap[node.Key]
		if !exists {
			// Orphaned by lazy deletion.
			continue
		}
		distance := s.graph.Distance(normalized, node.Value)
		hits = append(hits, &VectorHit{
			ChunkID:    id,
			DocumentID: s.docIDs[id],
			Distance:   distance,
			Score:      distanceToScore(distance, s.config.Metric),
		})
	}
	return hits, nil
}

// scanLocked is the exact search used for filtered queries. The candidate
// set is typically a small slice of the corpus, so a linear scan stays
// cheap while guaranteeing no out-of-filter chunk can surface.
func (s *HNSWStore) scanLocked(query []float32, k int, allowed map[string]struct{}) []*VectorHit {
	hits := make([]*VectorHit, 0, len(allowed))
	for id := range allowed {
		vec, ok := s.vectors[id]
		if !ok {
			continue
		}
		distance := s.graph.Distance(query, vec)
		hits = append(hits, &VectorHit{
			ChunkID:    id,
			DocumentID: s.docIDs[id],
			Distance:   distance,
			Score:      distanceToScore(distance, s.config.Metric),
		})
	}

	sort.Slice(hits, func(i, j int) bool {
		if hits[i].Distance != hits[j].Distance {
			return hits[i].Distance < hits[j].Distance
		}
		return hits[i].ChunkID < hits[j].ChunkID
	})
	if len(hits) > k {
		hits = hits[:k]
	}
	return hits
}

// DeleteByDocument removes every vector belonging to a document.
// Graph nodes are lazily orphaned rather than removed.
func (s *HNSWStore) DeleteByDocument(ctx context.Context, docID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return fmt.Errorf("vector store is closed")
	}

	for chunkID := range s.byDoc[docID] {
		if key, exists := s.idMap[chunkID]; exists {
			delete(s.keyMap, key)
			delete(s.idMap, chunkID)
		}
		delete(s.vectors, chunkID)
		delete(s.docIDs, chunkID)
	}
	delete(s.byDoc, docID)

	return nil
}

// dropChunkLocked removes a single chunk from all attribute maps.
func (s *HNSWStore) dropChunkLocked(chunkID string) {
	if docID, ok := s.docIDs[chunkID]; ok {
		if set := s.byDoc[docID]; set != nil {
			delete(set, chunkID)
			if len(set) == 0 {
				delete(s.byDoc, docID)
			}
		}
	}
	delete(s.idMap, chunkID)
	delete(s.vectors, chunkID)
	delete(s.docIDs, chunkID)
}

// Contains checks if a chunk ID exists.
func (s *HNSWStore) Contains(chunkID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return false
	}
	_, exists := s.idMap[chunkID]
	return exists
}

// Count returns the number of live vectors.
func (s *HNSWStore) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return 0
	}
	return len(s.idMap)
}

// Save persists the index to disk using temp file + rename.
func (s *HNSWStore) Save(path string) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return fmt.Errorf("vector store is closed")
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}

	tmpPath := path + ".tmp"
	file, err := os.Create(tmpPath)
	if err != nil {
		return fmt.Errorf("failed to create index file: %w", err)
	}
	if err := s.graph.Export(file); err != nil {
		file.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("failed to export graph: %w", err)
	}
	if err := file.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to close index file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to rename index file: %w", err)
	}

	if err := s.saveMetadata(path + ".meta"); err != nil {
		return fmt.Errorf("failed to save metadata: %w", err)
	}
	return nil
}

func (s *HNSWStore) saveMetadata(path string) error {
	tmpPath := path + ".tmp"
	file, err := os.Create(tmpPath)
	if err != nil {
		return fmt.Errorf("create temp metadata file: %w", err)
	}

	meta := hnswMetadata{
		IDMap:   s.idMap,
		DocIDs:  s.docIDs,
		Vectors: s.vectors,
		NextKey: s.nextKey,
		Config:  s.config,
	}
	if err := gob.NewEncoder(file).Encode(meta); err != nil {
		if closeErr := file.Close(); closeErr != nil {
			slog.Warn("failed to close temp file during cleanup", slog.String("error", closeErr.Error()))
		}
		os.Remove(tmpPath)
		return fmt.Errorf("encode metadata: %w", err)
	}
	if err := file.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("close metadata file: %w", err)
	}
	return os.Rename(tmpPath, path)
}

// Load restores the index from disk.
func (s *HNSWStore) Load(path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return fmt.Errorf("vector store is closed")
	}

	if err := s.loadMetadata(path + ".meta"); err != nil {
		return fmt.Errorf("failed to load metadata: %w", err)
	}

	file, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open index file: %w", err)
	}
	defer file.Close()

	// coder/hnsw Import requires an io.ByteReader.
	if err := s.graph.Import(bufio.NewReader(file)); err != nil {
		return fmt.Errorf("failed to import graph: %w", err)
	}
	return nil
}

func (s *HNSWStore) loadMetadata(path string) error {
	file, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open metadata file: %w", err)
	}
	defer func() {
		if err := file.Close(); err != nil {
			slog.Warn("failed to close metadata file", slog.String("error", err.Error()))
		}
	}()

	var meta hnswMetadata
	if err := gob.NewDecoder(file).Decode(&meta); err != nil {
		return fmt.Errorf("decode hnsw metadata: %w", err)
	}

	s.idMap = meta.IDMap
	s.docIDs = meta.DocIDs
	s.vectors = meta.Vectors
	s.nextKey = meta.NextKey
	s.config = meta.Config

	s.keyMap = make(map[uint64]string, len(s.idMap))
	for id, key := range s.idMap {
		s.keyMap[key] = id
	}
	s.byDoc = make(map[string]map[string]struct{})
	for chunkID, docID := range s.docIDs {
		if s.byDoc[docID] == nil {
			s.byDoc[docID] = make(map[string]struct{})
		}
		s.byDoc[docID][chunkID] = struct{}{}
	}
	return nil
}

// Close releases resources.
func (s *HNSWStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	s.graph = nil
	return nil
}

// ReadStoreDimensions reads the dimensions from an existing store's
// metadata file. Returns 0 if the file doesn't exist (fresh start).
func ReadStoreDimensions(vectorPath string) (int, error) {
	file, err := os.Open(vectorPath + ".meta")
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("failed to open hnsw metadata: %w", err)
	}
	defer file.Close()

	var meta hnswMetadata
	if err := gob.NewDecoder(file).Decode(&meta); err != nil {
		return 0, fmt.Errorf("failed to decode hnsw metadata: %w", err)
	}
	return meta.Config.Dimensions, nil
}

// normalizeVectorInPlace normalizes a vector to unit length in place.
func normalizeVectorInPlace(v []float32) {
	var sumSquares float64
	for _, val := range v {
		sumSquares += float64(val) * float64(val)
	}
	if sumSquares == 0 {
		return
	}
	invMagnitude := float32(1.0 / math.Sqrt(sumSquares))
	for i := range v {
		v[i] *= invMagnitude
	}
}

// distanceToScore converts a distance to a 0-1 similarity score.
func distanceToScore(distance float32, metric string) float32 {
	switch metric {
	case "l2":
		return 1.0 / (1.0 + distance)
	default:
		// Cosine distance ranges 0 (identical) to 2 (opposite).
		return 1.0 - distance/2.0
	}
}
