package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/surveydeck/surveydeck/internal/blob"
	"github.com/surveydeck/surveydeck/internal/catalog"
	"github.com/surveydeck/surveydeck/internal/chunk"
	"github.com/surveydeck/surveydeck/internal/config"
	"github.com/surveydeck/surveydeck/internal/highlight"
	"github.com/surveydeck/surveydeck/internal/ingest"
	"github.com/surveydeck/surveydeck/internal/server"
	"github.com/surveydeck/surveydeck/internal/store"
	"github.com/surveydeck/surveydeck/internal/telemetry"
	"github.com/surveydeck/surveydeck/pkg/version"
)

// serveOptions holds CLI flags for serve.
type serveOptions struct {
	addr    string
	offline bool
}

func newServeCmd() *cobra.Command {
	var opts serveOptions

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the surveydeck HTTP API server",
		Long: `Run the HTTP API server exposing search, highlight, and ingest
endpoints, plus the rendered-artifact file server.

When ingest.inbox_dir is configured, PDFs dropped there are ingested
automatically.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context(), opts)
		},
	}

	cmd.Flags().StringVar(&opts.addr, "addr", "", "Listen address (overrides config)")
	cmd.Flags().BoolVar(&opts.offline, "offline", false, "Use local embeddings and heuristic classification")

	return cmd
}

func runServe(ctx context.Context, opts serveOptions) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if opts.addr != "" {
		cfg.Server.Addr = opts.addr
	}

	slog.Info("surveydeck starting",
		"version", version.Short(),
		"addr", cfg.Server.Addr,
		"data_dir", cfg.Storage.DataDir)

	st, err := openStores(cfg)
	if err != nil {
		return err
	}
	defer func() { _ = st.Close() }()

	embedder, err := newEmbedder(cfg, opts.offline)
	if err != nil {
		return err
	}
	defer func() { _ = embedder.Close() }()

	classifier, err := newClassifier(cfg, opts.offline)
	if err != nil {
		return err
	}
	defer func() { _ = classifier.Close() }()

	resultCache, err := store.OpenTTLCache(
		filepath.Join(cfg.Storage.CacheDir, "results"), cfg.Search.ResultCacheTTL.Std())
	if err != nil {
		return fmt.Errorf("open result cache: %w", err)
	}
	defer func() { _ = resultCache.Close() }()

	artifactCache, err := store.OpenTTLCache(
		filepath.Join(cfg.Storage.CacheDir, "highlights"), cfg.Highlight.ArtifactTTL.Std())
	if err != nil {
		return fmt.Errorf("open highlight cache: %w", err)
	}
	defer func() { _ = artifactCache.Close() }()

	artifactBase := strings.TrimRight(cfg.Server.PublicBaseURL, "/") + "/artifacts"
	blobs, err := blob.NewLocalStore(cfg.Storage.BlobDir, artifactBase)
	if err != nil {
		return err
	}

	highlighter := highlight.NewHighlighter(highlight.Config{
		LockDir:       filepath.Join(cfg.Storage.DataDir, "locks"),
		LockWait:      cfg.Highlight.LockWait.Std(),
		ArtifactTTL:   cfg.Highlight.ArtifactTTL.Std(),
		RenderTimeout: cfg.Highlight.RenderTimeout.Std(),
	}, st.metadata, blobs, artifactCache, highlight.NewPDFRenderer())

	summarizer, err := newSummarizer(cfg, opts.offline)
	if err != nil {
		return err
	}

	chunker := chunk.New(chunk.Options{
		WindowTokens:  cfg.Chunking.WindowTokens,
		OverlapTokens: cfg.Chunking.OverlapTokens,
	})

	pipeline, err := ingest.NewPipeline(ingest.Options{
		Workers:            cfg.Ingest.Workers,
		VectorSnapshotPath: st.snapshotPath,
	}, chunker, embedder, st.metadata, st.vectors, st.keywords, summarizer, highlighter)
	if err != nil {
		return err
	}
	defer func() { _ = pipeline.Close() }()

	engine, err := newSearchEngine(cfg, st, embedder, classifier, resultCache)
	if err != nil {
		return err
	}
	defer func() { _ = engine.Close() }()

	metrics := telemetry.NewCollector()
	engine.SetMetrics(metrics)
	metricsStore, err := telemetry.NewSQLiteMetricsStore(
		filepath.Join(cfg.Storage.DataDir, "metrics.db"))
	if err != nil {
		return fmt.Errorf("open metrics store: %w", err)
	}
	defer func() { _ = metricsStore.Close() }()
	go flushMetrics(ctx, metrics, metricsStore)

	srv := server.New(server.Config{
		Addr:               cfg.Server.Addr,
		UploadDir:          filepath.Join(cfg.Storage.DataDir, "uploads"),
		MaxUploadBytes:     int64(cfg.Ingest.MaxFileSizeMB) << 20,
		RateLimitPerMinute: cfg.Server.RateLimitPerMinute,
		RequestTimeout:     cfg.Server.RequestTimeout.Std(),
	}, engine, highlighter, pipeline, catalog.New(st.metadata), blobs)

	if cfg.Ingest.InboxDir != "" {
		go watchInbox(ctx, cfg, pipeline)
	}

	return srv.Start(ctx)
}

// metricsFlushInterval is how often query metrics are persisted.
const metricsFlushInterval = 5 * time.Minute

// flushMetrics periodically merges collected query metrics into the
// metrics store, with a final flush on shutdown.
func flushMetrics(ctx context.Context, metrics *telemetry.Collector, store *telemetry.SQLiteMetricsStore) {
	ticker := time.NewTicker(metricsFlushInterval)
	defer ticker.Stop()

	flush := func() {
		snap := metrics.Snapshot()
		if snap.TotalQueries == 0 {
			return
		}
		if err := store.SaveSnapshot(snap); err != nil {
			slog.Warn("metrics flush failed", "error", err)
			return
		}
		metrics.Reset()
	}

	for {
		select {
		case <-ctx.Done():
			flush()
			return
		case <-ticker.C:
			flush()
		}
	}
}

// watchInbox ingests PDFs dropped into the configured inbox directory.
// Inbox documents carry no metadata, so they are labeled with the
// configured inbox organization and survey type.
func watchInbox(ctx context.Context, cfg *config.Config, pipeline *ingest.Pipeline) {
	watcher := ingest.NewInboxWatcher(cfg.Ingest.InboxDir, ingest.DefaultSettleDelay,
		func(ctx context.Context, path string) {
			report, err := pipeline.Ingest(ctx, ingest.Request{
				Path:         path,
				Organization: cfg.Ingest.InboxOrganization,
				SurveyType:   cfg.Ingest.InboxSurveyType,
			})
			if err != nil {
				slog.Error("inbox ingest failed", "path", path, "error", err)
				return
			}
			if report.Skipped {
				slog.Info("inbox document unchanged", "path", path, "document_id", report.DocumentID)
				return
			}
			slog.Info("inbox document ingested",
				"path", path,
				"document_id", report.DocumentID,
				"chunks", report.TotalChunks)
		})
	if err := watcher.Start(ctx); err != nil {
		slog.Error("inbox watcher stopped", "dir", cfg.Ingest.InboxDir, "error", err)
	}
}
