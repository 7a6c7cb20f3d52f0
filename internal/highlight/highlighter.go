package highlight

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"
	"golang.org/x/sync/singleflight"

	"github.com/surveydeck/surveydeck/internal/blob"
	deckerrors "github.com/surveydeck/surveydeck/internal/errors"
	"github.com/surveydeck/surveydeck/internal/extract"
	"github.com/surveydeck/surveydeck/internal/store"
)

const (
	// DefaultLockWait bounds how long a render waits on another
	// process's file lock before degrading to the fallback URL.
	DefaultLockWait = 15 * time.Second

	// DefaultArtifactTTL is how long artifact cache entries live.
	DefaultArtifactTTL = 7 * 24 * time.Hour

	// DefaultRenderTimeout bounds a single annotation render.
	DefaultRenderTimeout = 60 * time.Second

	lockRetryDelay = 100 * time.Millisecond

	cachePrefix = "highlight:"
)

// Config tunes the highlighter.
type Config struct {
	// LockDir holds cross-process render lock files.
	LockDir string

	// LockWait bounds lock acquisition; zero means DefaultLockWait.
	LockWait time.Duration

	// ArtifactTTL bounds artifact cache entries; zero means
	// DefaultArtifactTTL.
	ArtifactTTL time.Duration

	// RenderTimeout bounds one render pass; zero means
	// DefaultRenderTimeout.
	RenderTimeout time.Duration
}

// Highlighter produces highlighted renditions of ingested documents.
//
// The same (document, anchors) request always resolves to the same
// artifact name, so repeated requests are cache hits and concurrent
// requests collapse to one render: in-process via singleflight, across
// processes via a file lock plus an exists check after acquisition.
type Highlighter struct {
	cfg      Config
	metadata store.MetadataStore
	blobs    blob.Store
	cache    *store.TTLCache // nil disables the artifact cache
	renderer Renderer
	group    singleflight.Group
	logger   *slog.Logger

	// loadPages is swappable for tests.
	loadPages func(path string) ([]extract.Page, error)
}

func NewHighlighter(cfg Config, metadata store.MetadataStore, blobs blob.Store,
	cache *store.TTLCache, renderer Renderer) *Highlighter {
	if cfg.LockWait <= 0 {
		cfg.LockWait = DefaultLockWait
	}
	if cfg.ArtifactTTL <= 0 {
		cfg.ArtifactTTL = DefaultArtifactTTL
	}
	if cfg.RenderTimeout <= 0 {
		cfg.RenderTimeout = DefaultRenderTimeout
	}
	if cfg.LockDir == "" {
		cfg.LockDir = os.TempDir()
	}
	return &Highlighter{
		cfg:       cfg,
		metadata:  metadata,
		blobs:     blobs,
		cache:     cache,
		renderer:  renderer,
		logger:    slog.Default().With("component", "highlighter"),
		loadPages: extract.Pages,
	}
}

// Highlight returns a URL for the highlighted rendition of the
// requested document. Render failures degrade to the unhighlighted
// source URL with a page fragment rather than an error.
func (h *Highlighter) Highlight(ctx context.Context, req Request) (*Result, error) {
	if req.DocumentID == "" {
		return nil, deckerrors.ValidationError("document_id is required", nil)
	}
	if len(req.Anchors) == 0 {
		return nil, deckerrors.ValidationError("at least one anchor is required", nil)
	}
	for _, a := range req.Anchors {
		if a.PageNumber < 1 {
			return nil, deckerrors.New(deckerrors.ErrCodePageOutOfRange,
				fmt.Sprintf("invalid page number %d", a.PageNumber), nil)
		}
	}

	doc, err := h.metadata.GetDocument(ctx, req.DocumentID)
	if err != nil {
		if store.IsNotFound(err) {
			return nil, deckerrors.ValidationError(
				fmt.Sprintf("unknown document %q", req.DocumentID), err)
		}
		return nil, err
	}
	for _, a := range req.Anchors {
		if doc.PageCount > 0 && a.PageNumber > doc.PageCount {
			return nil, deckerrors.New(deckerrors.ErrCodePageOutOfRange,
				fmt.Sprintf("page %d out of range for document %q (%d pages)",
					a.PageNumber, doc.ID, doc.PageCount), nil)
		}
	}

	name := artifactName(doc.ID, req.Anchors)

	if result := h.lookupCache(doc.ID, name); result != nil {
		return result, nil
	}

	v, err, _ := h.group.Do(name, func() (any, error) {
		return h.render(ctx, doc, req.Anchors, name)
	})
	if err != nil {
		return nil, err
	}
	return v.(*Result), nil
}

// render produces the artifact, assuming it is the only in-process
// caller for this name. Any failure after this point degrades to the
// fallback result instead of an error.
func (h *Highlighter) render(ctx context.Context, doc *store.Document, anchors []Anchor, name string) (*Result, error) {
	lock, err := h.acquireLock(ctx, name)
	if err != nil {
		h.logger.Warn("render lock not acquired, serving fallback",
			"document_id", doc.ID, "artifact", name, "error", err)
		return h.fallback(doc, anchors, 0), nil
	}
	defer func() {
		if err := lock.Unlock(); err != nil {
			h.logger.Warn("failed to release render lock", "artifact", name, "error", err)
		}
	}()

	// Another process may have rendered while we waited on the lock.
	if h.blobs.Exists(name) {
		return h.publish(doc.ID, name, len(anchors)), nil
	}

	pages, err := h.loadPages(doc.SourcePath)
	if err != nil {
		h.logger.Warn("page extraction failed, serving fallback",
			"document_id", doc.ID, "error", err)
		return h.fallback(doc, anchors, 0), nil
	}
	byNumber := make(map[int]*extract.Page, len(pages))
	for i := range pages {
		byNumber[pages[i].Number] = &pages[i]
	}

	var regions []Region
	located := 0
	for _, anchor := range anchors {
		page, ok := byNumber[anchor.PageNumber]
		if !ok {
			continue
		}
		found := locateAnchor(page, anchor)
		if len(found) > 0 {
			located++
			regions = append(regions, found...)
		}
	}
	if len(regions) == 0 {
		h.logger.Warn("no anchors located, serving fallback", "document_id", doc.ID)
		return h.fallback(doc, anchors, 0), nil
	}

	tmp, err := os.CreateTemp("", "surveydeck-render-*.pdf")
	if err != nil {
		return h.fallback(doc, anchors, located), nil
	}
	tmpPath := tmp.Name()
	tmp.Close()
	defer os.Remove(tmpPath)

	renderCtx, cancel := context.WithTimeout(ctx, h.cfg.RenderTimeout)
	defer cancel()
	if err := h.renderer.Render(renderCtx, doc.SourcePath, regions, tmpPath); err != nil {
		h.logger.Warn("render failed, serving fallback",
			"document_id", doc.ID, "artifact", name, "error", err)
		return h.fallback(doc, anchors, located), nil
	}

	f, err := os.Open(tmpPath)
	if err != nil {
		return h.fallback(doc, anchors, located), nil
	}
	defer f.Close()
	url, err := h.blobs.Put(ctx, name, f)
	if err != nil {
		h.logger.Warn("artifact publish failed, serving fallback",
			"document_id", doc.ID, "artifact", name, "error", err)
		return h.fallback(doc, anchors, located), nil
	}

	h.storeCache(doc.ID, name, url)
	return &Result{URL: url, Located: located}, nil
}

func (h *Highlighter) acquireLock(ctx context.Context, name string) (*flock.Flock, error) {
	if err := os.MkdirAll(h.cfg.LockDir, 0o755); err != nil {
		return nil, err
	}
	lock := flock.New(filepath.Join(h.cfg.LockDir, name+".lock"))

	lockCtx, cancel := context.WithTimeout(ctx, h.cfg.LockWait)
	defer cancel()
	ok, err := lock.TryLockContext(lockCtx, lockRetryDelay)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("lock %s held past %s", name, h.cfg.LockWait)
	}
	return lock, nil
}

// publish records an artifact that already exists in the blob store.
func (h *Highlighter) publish(documentID, name string, located int) *Result {
	url := h.blobs.URL(name)
	h.storeCache(documentID, name, url)
	return &Result{URL: url, Located: located}
}

// fallback points the caller at the unhighlighted source, jumping to
// the first anchored page. Fallbacks are never cached so the next
// request retries the render.
func (h *Highlighter) fallback(doc *store.Document, anchors []Anchor, located int) *Result {
	url := doc.SourceURL
	if url == "" {
		url = "file://" + doc.SourcePath
	}
	if len(anchors) > 0 {
		url = fmt.Sprintf("%s#page=%d", url, anchors[0].PageNumber)
	}
	return &Result{URL: url, Fallback: true, Located: located}
}

// InvalidateDocument drops every cached artifact mapping for a
// document. Called on re-ingest; the blob files themselves are left
// for TTL-independent cleanup since their names are content-addressed.
func (h *Highlighter) InvalidateDocument(documentID string) error {
	if h.cache == nil {
		return nil
	}
	return h.cache.DeletePrefix(cachePrefix + documentID + ":")
}

func (h *Highlighter) cacheKey(documentID, name string) string {
	return cachePrefix + documentID + ":" + name
}

func (h *Highlighter) lookupCache(documentID, name string) *Result {
	if h.cache == nil {
		return nil
	}
	url, ok, err := h.cache.Get(h.cacheKey(documentID, name))
	if err != nil || !ok {
		return nil
	}
	if !h.blobs.Exists(name) {
		// Stale mapping, artifact was removed out of band.
		_ = h.cache.Delete(h.cacheKey(documentID, name))
		return nil
	}
	return &Result{URL: string(url)}
}

func (h *Highlighter) storeCache(documentID, name, url string) {
	if h.cache == nil {
		return
	}
	if err := h.cache.SetWithTTL(h.cacheKey(documentID, name), []byte(url), h.cfg.ArtifactTTL); err != nil {
		h.logger.Warn("failed to cache artifact mapping", "artifact", name, "error", err)
	}
}
