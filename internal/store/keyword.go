package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"

	_ "modernc.org/sqlite" // Pure Go SQLite driver (no CGO)
)

// SQLiteKeywordIndex implements KeywordIndex using SQLite FTS5 with BM25
// ranking. WAL mode allows concurrent multi-process access.
type SQLiteKeywordIndex struct {
	mu        sync.RWMutex
	db        *sql.DB
	path      string
	closed    bool
	stopWords map[string]struct{}
}

var _ KeywordIndex = (*SQLiteKeywordIndex)(nil)

// defaultStopWords are high-frequency survey-report words that add noise
// to keyword matching.
var defaultStopWords = []string{
	"the", "a", "an", "and", "or", "of", "to", "in", "on", "for",
	"with", "that", "this", "is", "are", "was", "were", "be",
	"survey", "respondents", "percent",
}

var wordRegex = regexp.MustCompile(`[\p{L}\p{N}]+`)

// validateIndexIntegrity checks an FTS5 index before opening, clearing it
// when corruption is detected so the caller can reindex.
func validateIndexIntegrity(path string) error {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil
	}

	db, err := sql.Open("sqlite", path+"?mode=ro")
	if err != nil {
		return fmt.Errorf("cannot open for validation: %w", err)
	}
	defer db.Close()

	var result string
	if err := db.QueryRow("PRAGMA integrity_check").Scan(&result); err != nil {
		return fmt.Errorf("integrity check failed: %w", err)
	}
	if result != "ok" {
		return fmt.Errorf("database corrupted: %s", result)
	}

	var count int
	err = db.QueryRow(`SELECT COUNT(*) FROM sqlite_master
	                   WHERE type='table' AND name='fts_chunks'`).Scan(&count)
	if err != nil {
		return fmt.Errorf("cannot query schema: %w", err)
	}
	if count == 0 {
		return fmt.Errorf("FTS5 table 'fts_chunks' missing")
	}
	return nil
}

// NewSQLiteKeywordIndex creates an FTS5-backed keyword index at path.
// An empty path creates an in-memory index for testing.
func NewSQLiteKeywordIndex(path string) (*SQLiteKeywordIndex, error) {
	dsn := ":memory:"
	if path != "" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create directory: %w", err)
		}

		if validErr := validateIndexIntegrity(path); validErr != nil {
			slog.Warn("keyword_index_corrupted",
				slog.String("path", path),
				slog.String("error", validErr.Error()))

			if removeErr := os.Remove(path); removeErr != nil && !os.IsNotExist(removeErr) {
				return nil, fmt.Errorf("keyword index corrupted at %s and cannot remove: %w (original error: %v)",
					path, removeErr, validErr)
			}
			_ = os.Remove(path + "-wal")
			_ = os.Remove(path + "-shm")

			slog.Info("keyword_index_cleared",
				slog.String("path", path),
				slog.String("reason", "corruption detected, please reingest"))
		}
		dsn = path
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA temp_store = MEMORY",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to set pragma: %w", err)
		}
	}

	idx := &SQLiteKeywordIndex{
		db:        db,
		path:      path,
		stopWords: buildStopWordMap(defaultStopWords),
	}
	if err := idx.initSchema(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return idx, nil
}

func (s *SQLiteKeywordIndex) initSchema() error {
	schema := `
	-- chunk_id and document_id are UNINDEXED (stored but not searchable).
	CREATE VIRTUAL TABLE IF NOT EXISTS fts_chunks USING fts5(
		chunk_id UNINDEXED,
		document_id UNINDEXED,
		content,
		tokenize='unicode61'
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Index adds chunks, replacing any existing chunk IDs.
func (s *SQLiteKeywordIndex) Index(ctx context.Context, chunks []*Chunk) error {
	if len(chunks) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return fmt.Errorf("keyword index is closed")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	del, err := tx.PrepareContext(ctx, `DELETE FROM fts_chunks WHERE chunk_id = ?`)
	if err != nil {
		return fmt.Errorf("prepare delete: %w", err)
	}
	defer del.Close()

	ins, err := tx.PrepareContext(ctx, `
		INSERT INTO fts_chunks (chunk_id, document_id, content) VALUES (?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare insert: %w", err)
	}
	defer ins.Close()

	for _, c := range chunks {
		if _, err := del.ExecContext(ctx, c.ID); err != nil {
			return fmt.Errorf("delete existing chunk %s: %w", c.ID, err)
		}
		if _, err := ins.ExecContext(ctx, c.ID, c.DocumentID, c.EmbedText()); err != nil {
			return fmt.Errorf("insert chunk %s: %w", c.ID, err)
		}
	}
	return tx.Commit()
}

// Search returns chunks matching the query ranked by BM25. A non-nil
// allowed set restricts results to exactly those chunk IDs.
func (s *SQLiteKeywordIndex) Search(ctx context.Context, query string, limit int, allowed map[string]struct{}) ([]*KeywordHit, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, fmt.Errorf("keyword index is closed")
	}

	match := s.buildMatchQuery(query)
	if match == "" {
		return []*KeywordHit{}, nil
	}

	// Overfetch when filtering since out-of-filter rows are discarded.
	fetchLimit := limit
	if allowed != nil {
		fetchLimit = limit * 4
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT chunk_id, document_id, bm25(fts_chunks)
		FROM fts_chunks
		WHERE fts_chunks MATCH ?
		ORDER BY bm25(fts_chunks)
		LIMIT ?`, match, fetchLimit)
	if err != nil {
		return nil, fmt.Errorf("keyword search: %w", err)
	}
	defer rows.Close()

	var hits []*KeywordHit
	for rows.Next() {
		var hit KeywordHit
		var rank float64
		if err := rows.Scan(&hit.ChunkID, &hit.DocumentID, &rank); err != nil {
			return nil, fmt.Errorf("scan keyword hit: %w", err)
		}
		if allowed != nil {
			if _, ok := allowed[hit.ChunkID]; !ok {
				continue
			}
		}
		// bm25() returns negative ranks, more negative is better.
		hit.Score = -rank
		hits = append(hits, &hit)
		if len(hits) >= limit {
			break
		}
	}
	return hits, rows.Err()
}

// buildMatchQuery turns free text into an FTS5 MATCH expression: each
// non-stop-word term is quoted and the terms are ORed. Quoting disables
// FTS5 query syntax in user input.
func (s *SQLiteKeywordIndex) buildMatchQuery(query string) string {
	words := wordRegex.FindAllString(strings.ToLower(query), -1)
	terms := make([]string, 0, len(words))
	seen := make(map[string]struct{}, len(words))
	for _, w := range words {
		if len(w) < 2 {
			continue
		}
		if _, stop := s.stopWords[w]; stop {
			continue
		}
		if _, dup := seen[w]; dup {
			continue
		}
		seen[w] = struct{}{}
		terms = append(terms, `"`+w+`"`)
	}
	return strings.Join(terms, " OR ")
}

// DeleteByDocument removes every entry belonging to a document.
func (s *SQLiteKeywordIndex) DeleteByDocument(ctx context.Context, docID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return fmt.Errorf("keyword index is closed")
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM fts_chunks WHERE document_id = ?`, docID); err != nil {
		return fmt.Errorf("delete document %s from keyword index: %w", docID, err)
	}
	return nil
}

// Count returns the number of indexed chunks.
func (s *SQLiteKeywordIndex) Count() (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return 0, fmt.Errorf("keyword index is closed")
	}
	var count int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM fts_chunks`).Scan(&count); err != nil {
		return 0, fmt.Errorf("count keyword index: %w", err)
	}
	return count, nil
}

// Close closes the database.
func (s *SQLiteKeywordIndex) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}

func buildStopWordMap(words []string) map[string]struct{} {
	m := make(map[string]struct{}, len(words))
	for _, w := range words {
		m[strings.ToLower(w)] = struct{}{}
	}
	return m
}
