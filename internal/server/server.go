// Package server exposes the REST API: search, highlight, ingest,
// filter listing, artifact serving, and health.
package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/surveydeck/surveydeck/internal/blob"
	"github.com/surveydeck/surveydeck/internal/catalog"
	"github.com/surveydeck/surveydeck/internal/highlight"
	"github.com/surveydeck/surveydeck/internal/ingest"
	"github.com/surveydeck/surveydeck/internal/search"
)

// Searcher runs one search request.
type Searcher interface {
	Search(ctx context.Context, req search.Request) (*search.Response, error)
}

// Highlighter renders one highlight request.
type Highlighter interface {
	Highlight(ctx context.Context, req highlight.Request) (*highlight.Result, error)
}

// Ingester ingests one document.
type Ingester interface {
	Ingest(ctx context.Context, req ingest.Request) (*ingest.Report, error)
}

// Config tunes the HTTP server.
type Config struct {
	Addr string

	// UploadDir receives multipart document uploads before ingestion.
	UploadDir string

	// MaxUploadBytes bounds a multipart ingest request body; zero means
	// defaultMaxUploadBytes.
	MaxUploadBytes int64

	// RateLimitPerMinute bounds requests per caller; zero disables.
	RateLimitPerMinute int

	// RequestTimeout bounds one request end to end.
	RequestTimeout time.Duration
}

// Server is the HTTP API front end.
type Server struct {
	cfg         Config
	searcher    Searcher
	highlighter Highlighter
	ingester    Ingester
	catalog     *catalog.Catalog
	artifacts   *blob.LocalStore // nil disables artifact serving
	logger      *slog.Logger
	httpServer  *http.Server
}

func New(cfg Config, searcher Searcher, highlighter Highlighter, ingester Ingester,
	cat *catalog.Catalog, artifacts *blob.LocalStore) *Server {
	if cfg.Addr == "" {
		cfg.Addr = ":8710"
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 60 * time.Second
	}
	if cfg.MaxUploadBytes <= 0 {
		cfg.MaxUploadBytes = defaultMaxUploadBytes
	}
	s := &Server{
		cfg:         cfg,
		searcher:    searcher,
		highlighter: highlighter,
		ingester:    ingester,
		catalog:     cat,
		artifacts:   artifacts,
		logger:      slog.Default().With("component", "server"),
	}
	s.httpServer = &http.Server{
		Addr:         cfg.Addr,
		Handler:      s.Handler(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: cfg.RequestTimeout + 10*time.Second,
		IdleTimeout:  120 * time.Second,
	}
	return s
}

// Handler builds the routed, middleware-wrapped handler. Exposed so
// tests can drive the server through httptest.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("POST /api/v1/search", s.handleSearch)
	mux.HandleFunc("POST /api/v1/highlight", s.handleHighlight)
	mux.HandleFunc("POST /api/v1/ingest", s.handleIngest)
	mux.HandleFunc("GET /api/v1/filters", s.handleFilters)

	if s.artifacts != nil {
		mux.Handle("GET /artifacts/",
			http.StripPrefix("/artifacts/", http.FileServer(http.Dir(s.artifacts.Dir()))))
	}

	var handler http.Handler = mux
	if s.cfg.RateLimitPerMinute > 0 {
		handler = s.rateLimit(handler)
	}
	handler = s.logRequests(handler)
	return handler
}

// Start serves until ctx is cancelled, then drains in-flight requests.
func (s *Server) Start(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("http server listening", "addr", s.cfg.Addr)
		if err := s.httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			return err
		}
		return <-errCh
	}
}
