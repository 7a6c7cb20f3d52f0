package ingest

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type inboxRecorder struct {
	mu    sync.Mutex
	paths []string
}

func (r *inboxRecorder) handle(ctx context.Context, path string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.paths = append(r.paths, path)
}

func (r *inboxRecorder) seen() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.paths...)
}

func startWatcher(t *testing.T, dir string, rec *inboxRecorder) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	w := NewInboxWatcher(dir, 50*time.Millisecond, rec.handle)
	go func() {
		defer close(done)
		_ = w.Start(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	// Give the watcher a beat to register before the test drops files.
	time.Sleep(50 * time.Millisecond)
}

func TestInboxWatcherReportsSettledPDF(t *testing.T) {
	dir := t.TempDir()
	rec := &inboxRecorder{}
	startWatcher(t, dir, rec)

	path := filepath.Join(dir, "dropped.pdf")
	require.NoError(t, os.WriteFile(path, []byte("pdf"), 0o644))

	require.Eventually(t, func() bool {
		seen := rec.seen()
		return len(seen) == 1 && seen[0] == path
	}, 3*time.Second, 20*time.Millisecond)
}

func TestInboxWatcherIgnoresNonPDF(t *testing.T) {
	dir := t.TempDir()
	rec := &inboxRecorder{}
	startWatcher(t, dir, rec)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("x"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "report.pdf"), []byte("pdf"), 0o644))

	require.Eventually(t, func() bool {
		return len(rec.seen()) == 1
	}, 3*time.Second, 20*time.Millisecond)

	time.Sleep(150 * time.Millisecond)
	seen := rec.seen()
	require.Len(t, seen, 1)
	assert.Equal(t, "report.pdf", filepath.Base(seen[0]))
}

func TestInboxWatcherPicksUpExistingFiles(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "stranded.pdf")
	require.NoError(t, os.WriteFile(path, []byte("pdf"), 0o644))

	rec := &inboxRecorder{}
	startWatcher(t, dir, rec)

	require.Eventually(t, func() bool {
		seen := rec.seen()
		return len(seen) == 1 && seen[0] == path
	}, 3*time.Second, 20*time.Millisecond)
}

func TestInboxWatcherCoalescesWrites(t *testing.T) {
	dir := t.TempDir()
	rec := &inboxRecorder{}
	startWatcher(t, dir, rec)

	path := filepath.Join(dir, "large.pdf")
	f, err := os.Create(path)
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		_, err = f.WriteString("chunk of pdf bytes\n")
		require.NoError(t, err)
		require.NoError(t, f.Sync())
		time.Sleep(10 * time.Millisecond)
	}
	require.NoError(t, f.Close())

	require.Eventually(t, func() bool {
		return len(rec.seen()) >= 1
	}, 3*time.Second, 20*time.Millisecond)

	time.Sleep(200 * time.Millisecond)
	assert.Len(t, rec.seen(), 1, "a burst of writes settles into one event")
}
