package telemetry

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite" // Pure Go SQLite driver (no CGO)
)

// SQLiteMetricsStore persists collector snapshots so metrics survive
// restarts. Aggregates are keyed by day.
type SQLiteMetricsStore struct {
	db *sql.DB
}

// NewSQLiteMetricsStore opens (or creates) the metrics database at
// path. An empty path creates an in-memory database for testing.
func NewSQLiteMetricsStore(path string) (*SQLiteMetricsStore, error) {
	dsn := ":memory:"
	if path != "" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create directory: %w", err)
		}
		dsn = path
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open metrics database: %w", err)
	}
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA synchronous = NORMAL",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to set pragma: %w", err)
		}
	}

	s := &SQLiteMetricsStore{db: db}
	if err := s.initSchema(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize metrics schema: %w", err)
	}
	return s, nil
}

func (s *SQLiteMetricsStore) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS query_stats (
		date TEXT NOT NULL,
		total INTEGER NOT NULL DEFAULT 0,
		cache_hits INTEGER NOT NULL DEFAULT 0,
		zero_results INTEGER NOT NULL DEFAULT 0,
		PRIMARY KEY (date)
	);

	CREATE TABLE IF NOT EXISTS latency_stats (
		date TEXT NOT NULL,
		bucket TEXT NOT NULL,
		count INTEGER NOT NULL DEFAULT 0,
		PRIMARY KEY (date, bucket)
	);

	CREATE TABLE IF NOT EXISTS filter_stats (
		date TEXT NOT NULL,
		kind TEXT NOT NULL,
		value TEXT NOT NULL,
		count INTEGER NOT NULL DEFAULT 0,
		PRIMARY KEY (date, kind, value)
	);

	CREATE TABLE IF NOT EXISTS zero_result_queries (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		query TEXT NOT NULL,
		recorded_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("create metrics schema: %w", err)
	}
	return nil
}

// SaveSnapshot merges a collector snapshot into today's aggregates.
func (s *SQLiteMetricsStore) SaveSnapshot(snap Snapshot) error {
	date := time.Now().UTC().Format("2006-01-02")

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec(`
		INSERT INTO query_stats (date, total, cache_hits, zero_results)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(date) DO UPDATE SET
			total = total + excluded.total,
			cache_hits = cache_hits + excluded.cache_hits,
			zero_results = zero_results + excluded.zero_results
	`, date, snap.TotalQueries, snap.CacheHits, snap.ZeroResultCount); err != nil {
		return fmt.Errorf("save query stats: %w", err)
	}

	for bucket, count := range snap.Latency {
		if _, err := tx.Exec(`
			INSERT INTO latency_stats (date, bucket, count)
			VALUES (?, ?, ?)
			ON CONFLICT(date, bucket) DO UPDATE SET count = count + excluded.count
		`, date, string(bucket), count); err != nil {
			return fmt.Errorf("save latency stats: %w", err)
		}
	}

	saveFilters := func(kind string, counts []FilterCount) error {
		for _, fc := range counts {
			if _, err := tx.Exec(`
				INSERT INTO filter_stats (date, kind, value, count)
				VALUES (?, ?, ?, ?)
				ON CONFLICT(date, kind, value) DO UPDATE SET count = count + excluded.count
			`, date, kind, fc.Value, fc.Count); err != nil {
				return fmt.Errorf("save filter stats: %w", err)
			}
		}
		return nil
	}
	if err := saveFilters("organization", snap.Organizations); err != nil {
		return err
	}
	if err := saveFilters("survey_type", snap.SurveyTypes); err != nil {
		return err
	}

	for _, query := range snap.ZeroResultQueries {
		if _, err := tx.Exec(
			`INSERT INTO zero_result_queries (query) VALUES (?)`, query); err != nil {
			return fmt.Errorf("save zero-result query: %w", err)
		}
	}
	// Keep the table bounded; only the newest entries matter.
	if _, err := tx.Exec(`
		DELETE FROM zero_result_queries WHERE id NOT IN (
			SELECT id FROM zero_result_queries ORDER BY id DESC LIMIT ?
		)`, zeroResultCapacity); err != nil {
		return fmt.Errorf("trim zero-result queries: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit metrics: %w", err)
	}
	return nil
}

// LatencyCounts returns summed latency buckets over a date range
// (inclusive, "2006-01-02" format).
func (s *SQLiteMetricsStore) LatencyCounts(from, to string) (map[LatencyBucket]int64, error) {
	rows, err := s.db.Query(`
		SELECT bucket, SUM(count) FROM latency_stats
		WHERE date >= ? AND date <= ?
		GROUP BY bucket
	`, from, to)
	if err != nil {
		return nil, fmt.Errorf("query latency stats: %w", err)
	}
	defer rows.Close()

	counts := make(map[LatencyBucket]int64)
	for rows.Next() {
		var bucket string
		var count int64
		if err := rows.Scan(&bucket, &count); err != nil {
			return nil, fmt.Errorf("scan latency row: %w", err)
		}
		counts[LatencyBucket(bucket)] = count
	}
	return counts, rows.Err()
}

// TopFilters returns the most-used filter values of one kind
// ("organization" or "survey_type") across all recorded days.
func (s *SQLiteMetricsStore) TopFilters(kind string, limit int) ([]FilterCount, error) {
	rows, err := s.db.Query(`
		SELECT value, SUM(count) AS total FROM filter_stats
		WHERE kind = ?
		GROUP BY value
		ORDER BY total DESC, value ASC
		LIMIT ?
	`, kind, limit)
	if err != nil {
		return nil, fmt.Errorf("query filter stats: %w", err)
	}
	defer rows.Close()

	var out []FilterCount
	for rows.Next() {
		var fc FilterCount
		if err := rows.Scan(&fc.Value, &fc.Count); err != nil {
			return nil, fmt.Errorf("scan filter row: %w", err)
		}
		out = append(out, fc)
	}
	return out, rows.Err()
}

// ZeroResultQueries returns the most recent zero-result queries,
// newest first.
func (s *SQLiteMetricsStore) ZeroResultQueries(limit int) ([]string, error) {
	rows, err := s.db.Query(`
		SELECT query FROM zero_result_queries ORDER BY id DESC LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("query zero-result queries: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var q string
		if err := rows.Scan(&q); err != nil {
			return nil, fmt.Errorf("scan zero-result row: %w", err)
		}
		out = append(out, q)
	}
	return out, rows.Err()
}

// Close closes the metrics database.
func (s *SQLiteMetricsStore) Close() error {
	return s.db.Close()
}
