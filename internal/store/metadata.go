package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite" // Pure Go SQLite driver (no CGO)
)

// SQLiteMetadataStore implements MetadataStore on SQLite with WAL mode
// for concurrent multi-process access.
type SQLiteMetadataStore struct {
	mu     sync.RWMutex
	db     *sql.DB
	closed bool
}

var _ MetadataStore = (*SQLiteMetadataStore)(nil)

// NewSQLiteMetadataStore opens (or creates) the metadata database at path.
// An empty path creates an in-memory database for testing.
func NewSQLiteMetadataStore(path string) (*SQLiteMetadataStore, error) {
	dsn := ":memory:"
	if path != "" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create directory: %w", err)
		}
		dsn = path
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Single writer to prevent lock contention.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	// WAL mode must be set via PRAGMA for modernc.org/sqlite.
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA foreign_keys = ON",
		"PRAGMA temp_store = MEMORY",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to set pragma: %w", err)
		}
	}

	s := &SQLiteMetadataStore{db: db}
	if err := s.initSchema(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

func (s *SQLiteMetadataStore) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY
	);

	CREATE TABLE IF NOT EXISTS documents (
		id            TEXT PRIMARY KEY,
		title         TEXT NOT NULL,
		organization  TEXT NOT NULL,
		survey_type   TEXT NOT NULL,
		source_path   TEXT NOT NULL,
		source_url    TEXT NOT NULL DEFAULT '',
		year          INTEGER NOT NULL DEFAULT 0,
		countries     TEXT NOT NULL DEFAULT '',
		regions       TEXT NOT NULL DEFAULT '',
		page_count    INTEGER NOT NULL DEFAULT 0,
		content_hash  TEXT NOT NULL,
		summary       TEXT NOT NULL DEFAULT '',
		ingested_at   INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_documents_org_type
		ON documents(organization, survey_type);
	CREATE INDEX IF NOT EXISTS idx_documents_hash
		ON documents(content_hash);

	CREATE TABLE IF NOT EXISTS chunks (
		id             TEXT PRIMARY KEY,
		document_id    TEXT NOT NULL REFERENCES documents(id) ON DELETE CASCADE,
		page_number    INTEGER NOT NULL,
		chunk_index    INTEGER NOT NULL,
		text           TEXT NOT NULL,
		context_header TEXT NOT NULL DEFAULT '',
		created_at     INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_chunks_document
		ON chunks(document_id, page_number, chunk_index);

	INSERT OR IGNORE INTO schema_version (version) VALUES (1);
	`
	_, err := s.db.Exec(schema)
	return err
}

// SaveDocument inserts or replaces a document row.
func (s *SQLiteMetadataStore) SaveDocument(ctx context.Context, doc *Document) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return fmt.Errorf("metadata store is closed")
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO documents
			(id, title, organization, survey_type, source_path, source_url,
			 year, countries, regions, page_count, content_hash, summary,
			 ingested_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		doc.ID, doc.Title, doc.Organization, doc.SurveyType,
		doc.SourcePath, doc.SourceURL, doc.Year, joinTags(doc.Countries),
		joinTags(doc.Regions), doc.PageCount, doc.ContentHash,
		doc.Summary, doc.IngestedAt.Unix())
	if err != nil {
		return fmt.Errorf("save document %s: %w", doc.ID, err)
	}
	return nil
}

// GetDocument fetches a document by ID.
func (s *SQLiteMetadataStore) GetDocument(ctx context.Context, id string) (*Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, fmt.Errorf("metadata store is closed")
	}
	return s.scanDocument(s.db.QueryRowContext(ctx, `
		SELECT id, title, organization, survey_type, source_path, source_url,
		       year, countries, regions, page_count, content_hash, summary,
		       ingested_at
		FROM documents WHERE id = ?`, id), "document", id)
}

// GetDocumentByHash fetches a document by its source content hash.
// Used during ingest to detect unchanged re-submissions.
func (s *SQLiteMetadataStore) GetDocumentByHash(ctx context.Context, contentHash string) (*Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, fmt.Errorf("metadata store is closed")
	}
	return s.scanDocument(s.db.QueryRowContext(ctx, `
		SELECT id, title, organization, survey_type, source_path, source_url,
		       year, countries, regions, page_count, content_hash, summary,
		       ingested_at
		FROM documents WHERE content_hash = ?`, contentHash), "document", contentHash)
}

func (s *SQLiteMetadataStore) scanDocument(row *sql.Row, kind, id string) (*Document, error) {
	var doc Document
	var countries, regions string
	var ingestedAt int64
	err := row.Scan(&doc.ID, &doc.Title, &doc.Organization, &doc.SurveyType,
		&doc.SourcePath, &doc.SourceURL, &doc.Year, &countries, &regions,
		&doc.PageCount, &doc.ContentHash, &doc.Summary, &ingestedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound{Kind: kind, ID: id}
	}
	if err != nil {
		return nil, fmt.Errorf("scan document: %w", err)
	}
	doc.Countries = splitTags(countries)
	doc.Regions = splitTags(regions)
	doc.IngestedAt = time.Unix(ingestedAt, 0).UTC()
	return &doc, nil
}

// ListDocuments returns documents matching the filter, ordered by ID.
func (s *SQLiteMetadataStore) ListDocuments(ctx context.Context, filter Filter) ([]*Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, fmt.Errorf("metadata store is closed")
	}

	query := `
		SELECT id, title, organization, survey_type, source_path, source_url,
		       year, countries, regions, page_count, content_hash, summary,
		       ingested_at
		FROM documents`
	where, args := filterClause(filter)
	query += where + " ORDER BY id"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list documents: %w", err)
	}
	defer rows.Close()

	var docs []*Document
	for rows.Next() {
		var doc Document
		var countries, regions string
		var ingestedAt int64
		if err := rows.Scan(&doc.ID, &doc.Title, &doc.Organization, &doc.SurveyType,
			&doc.SourcePath, &doc.SourceURL, &doc.Year, &countries, &regions,
			&doc.PageCount, &doc.ContentHash, &doc.Summary, &ingestedAt); err != nil {
			return nil, fmt.Errorf("scan document row: %w", err)
		}
		doc.Countries = splitTags(countries)
		doc.Regions = splitTags(regions)
		doc.IngestedAt = time.Unix(ingestedAt, 0).UTC()
		docs = append(docs, &doc)
	}
	return docs, rows.Err()
}

// DeleteDocument removes a document; chunks cascade.
func (s *SQLiteMetadataStore) DeleteDocument(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return fmt.Errorf("metadata store is closed")
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM documents WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete document %s: %w", id, err)
	}
	return nil
}

// SaveChunks inserts or replaces chunk rows in a single transaction.
func (s *SQLiteMetadataStore) SaveChunks(ctx context.Context, chunks []*Chunk) error {
	if len(chunks) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return fmt.Errorf("metadata store is closed")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT OR REPLACE INTO chunks
			(id, document_id, page_number, chunk_index, text, context_header, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare chunk insert: %w", err)
	}
	defer stmt.Close()

	for _, c := range chunks {
		createdAt := c.CreatedAt
		if createdAt.IsZero() {
			createdAt = time.Now()
		}
		if _, err := stmt.ExecContext(ctx, c.ID, c.DocumentID, c.PageNumber,
			c.Index, c.Text, c.ContextHeader, createdAt.Unix()); err != nil {
			return fmt.Errorf("insert chunk %s: %w", c.ID, err)
		}
	}
	return tx.Commit()
}

// GetChunk fetches a single chunk by ID.
func (s *SQLiteMetadataStore) GetChunk(ctx context.Context, id string) (*Chunk, error) {
	chunks, err := s.GetChunks(ctx, []string{id})
	if err != nil {
		return nil, err
	}
	if len(chunks) == 0 {
		return nil, ErrNotFound{Kind: "chunk", ID: id}
	}
	return chunks[0], nil
}

// GetChunks fetches chunks by ID in one query. Missing IDs are skipped.
func (s *SQLiteMetadataStore) GetChunks(ctx context.Context, ids []string) ([]*Chunk, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, fmt.Errorf("metadata store is closed")
	}

	placeholders := placeholderList(len(ids))
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, document_id, page_number, chunk_index, text, context_header, created_at
		FROM chunks WHERE id IN (`+placeholders+`)`, args...)
	if err != nil {
		return nil, fmt.Errorf("get chunks: %w", err)
	}
	defer rows.Close()

	return scanChunks(rows)
}

// GetChunksByDocument returns a document's chunks in page order.
func (s *SQLiteMetadataStore) GetChunksByDocument(ctx context.Context, docID string) ([]*Chunk, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, fmt.Errorf("metadata store is closed")
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, document_id, page_number, chunk_index, text, context_header, created_at
		FROM chunks WHERE document_id = ?
		ORDER BY page_number, chunk_index`, docID)
	if err != nil {
		return nil, fmt.Errorf("get chunks by document: %w", err)
	}
	defer rows.Close()

	return scanChunks(rows)
}

func scanChunks(rows *sql.Rows) ([]*Chunk, error) {
	var chunks []*Chunk
	for rows.Next() {
		var c Chunk
		var createdAt int64
		if err := rows.Scan(&c.ID, &c.DocumentID, &c.PageNumber, &c.Index,
			&c.Text, &c.ContextHeader, &createdAt); err != nil {
			return nil, fmt.Errorf("scan chunk row: %w", err)
		}
		c.CreatedAt = time.Unix(createdAt, 0).UTC()
		chunks = append(chunks, &c)
	}
	return chunks, rows.Err()
}

// DeleteChunksByDocument removes all chunks of a document.
func (s *SQLiteMetadataStore) DeleteChunksByDocument(ctx context.Context, docID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return fmt.Errorf("metadata store is closed")
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM chunks WHERE document_id = ?`, docID); err != nil {
		return fmt.Errorf("delete chunks for %s: %w", docID, err)
	}
	return nil
}

// ChunkIDsForFilter returns the IDs of every chunk whose document matches
// the filter. Used to bound vector and keyword searches before scoring.
func (s *SQLiteMetadataStore) ChunkIDsForFilter(ctx context.Context, filter Filter) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, fmt.Errorf("metadata store is closed")
	}

	query := `
		SELECT c.id FROM chunks c
		JOIN documents d ON d.id = c.document_id`
	where, args := filterClauseAliased(filter, "d")
	query += where

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("chunk ids for filter: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan chunk id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// Organizations returns the distinct organizations present in the corpus.
func (s *SQLiteMetadataStore) Organizations(ctx context.Context) ([]string, error) {
	return s.distinct(ctx, `SELECT DISTINCT organization FROM documents ORDER BY organization`)
}

// SurveyTypes returns the distinct survey types, optionally scoped to one
// organization.
func (s *SQLiteMetadataStore) SurveyTypes(ctx context.Context, organization string) ([]string, error) {
	if organization == "" {
		return s.distinct(ctx, `SELECT DISTINCT survey_type FROM documents ORDER BY survey_type`)
	}
	return s.distinct(ctx,
		`SELECT DISTINCT survey_type FROM documents WHERE organization = ? ORDER BY survey_type`,
		organization)
}

func (s *SQLiteMetadataStore) distinct(ctx context.Context, query string, args ...any) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, fmt.Errorf("metadata store is closed")
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("distinct query: %w", err)
	}
	defer rows.Close()

	var values []string
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, fmt.Errorf("scan value: %w", err)
		}
		values = append(values, v)
	}
	return values, rows.Err()
}

// Close closes the database.
func (s *SQLiteMetadataStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}

func filterClause(filter Filter) (string, []any) {
	return filterClauseAliased(filter, "")
}

// filterClauseAliased builds a WHERE clause for the filter: values
// within a field are ORed (IN), fields are ANDed.
func filterClauseAliased(filter Filter, alias string) (string, []any) {
	prefix := ""
	if alias != "" {
		prefix = alias + "."
	}
	var conds []string
	var args []any
	if len(filter.Organizations) > 0 {
		conds = append(conds, prefix+"organization IN ("+placeholderList(len(filter.Organizations))+")")
		for _, v := range filter.Organizations {
			args = append(args, v)
		}
	}
	if len(filter.SurveyTypes) > 0 {
		conds = append(conds, prefix+"survey_type IN ("+placeholderList(len(filter.SurveyTypes))+")")
		for _, v := range filter.SurveyTypes {
			args = append(args, v)
		}
	}
	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

func placeholderList(n int) string {
	s := strings.Repeat("?,", n)
	return s[:len(s)-1]
}

// Tag lists (countries, regions) are stored as one comma-separated TEXT
// column. Tags are slugs; commas never appear inside a value.
func joinTags(tags []string) string {
	return strings.Join(tags, ",")
}

func splitTags(s string) []string {
	if s == "" {
		return nil
	}
	return strings.Split(s, ",")
}
