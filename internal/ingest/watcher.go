package ingest

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	deckerrors "github.com/surveydeck/surveydeck/internal/errors"
)

// DefaultSettleDelay is how long a dropped file must stay quiet before
// it is handed to the pipeline. Copies into the inbox arrive as a
// burst of writes; acting on the first one would ingest a torso.
const DefaultSettleDelay = 2 * time.Second

// InboxHandler receives the path of a settled PDF.
type InboxHandler func(ctx context.Context, path string)

// InboxWatcher watches a drop directory and reports PDFs once their
// writes have settled. Files already present at start are reported too,
// so a restart never strands an inbox.
type InboxWatcher struct {
	dir     string
	handler InboxHandler
	settle  time.Duration
	logger  *slog.Logger

	mu      sync.Mutex
	pending map[string]*time.Timer
	stopped bool
}

func NewInboxWatcher(dir string, settle time.Duration, handler InboxHandler) *InboxWatcher {
	if settle <= 0 {
		settle = DefaultSettleDelay
	}
	return &InboxWatcher{
		dir:     dir,
		handler: handler,
		settle:  settle,
		logger:  slog.Default().With("component", "inbox-watcher"),
		pending: make(map[string]*time.Timer),
	}
}

// Start watches the inbox until ctx is cancelled.
func (w *InboxWatcher) Start(ctx context.Context) error {
	if err := os.MkdirAll(w.dir, 0o755); err != nil {
		return deckerrors.New(deckerrors.ErrCodeIngestFailed,
			"failed to create inbox directory", err)
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return deckerrors.New(deckerrors.ErrCodeIngestFailed,
			"failed to create inbox watcher", err)
	}
	defer fsw.Close()

	if err := fsw.Add(w.dir); err != nil {
		return deckerrors.New(deckerrors.ErrCodeIngestFailed,
			"failed to watch inbox directory", err)
	}

	w.scanExisting(ctx)
	w.logger.Info("watching inbox", "dir", w.dir, "settle", w.settle)

	for {
		select {
		case <-ctx.Done():
			w.drainTimers()
			return ctx.Err()
		case event, ok := <-fsw.Events:
			if !ok {
				return nil
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) == 0 {
				continue
			}
			if !isPDF(event.Name) {
				continue
			}
			w.schedule(ctx, event.Name)
		case err, ok := <-fsw.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("inbox watch error", "error", err)
		}
	}
}

// scanExisting schedules PDFs that were dropped while nothing watched.
func (w *InboxWatcher) scanExisting(ctx context.Context) {
	entries, err := os.ReadDir(w.dir)
	if err != nil {
		w.logger.Warn("inbox scan failed", "error", err)
		return
	}
	for _, e := range entries {
		if e.IsDir() || !isPDF(e.Name()) {
			continue
		}
		w.schedule(ctx, filepath.Join(w.dir, e.Name()))
	}
}

// schedule (re)arms the settle timer for a path. Every further write
// pushes the deadline out.
func (w *InboxWatcher) schedule(ctx context.Context, path string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.stopped {
		return
	}
	if timer, ok := w.pending[path]; ok {
		timer.Reset(w.settle)
		return
	}
	w.pending[path] = time.AfterFunc(w.settle, func() {
		w.mu.Lock()
		delete(w.pending, path)
		w.mu.Unlock()

		if ctx.Err() != nil {
			return
		}
		if _, err := os.Stat(path); err != nil {
			// Removed before it settled.
			return
		}
		w.logger.Info("inbox file settled", "path", path)
		w.handler(ctx, path)
	})
}

func (w *InboxWatcher) drainTimers() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.stopped = true
	for path, timer := range w.pending {
		timer.Stop()
		delete(w.pending, path)
	}
}

func isPDF(name string) bool {
	return strings.EqualFold(filepath.Ext(name), ".pdf")
}
