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

func write(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func TestWatcherScan(t *testing.T) {
	f := newFixture(t)
	dir := t.TempDir()
	write(t, filepath.Join(dir, "a.txt"), "alpha")
	write(t, filepath.Join(dir, "sub", "b.md"), "# Beta\n\nbody")
	write(t, filepath.Join(dir, ".hidden.txt"), "skip")
	write(t, filepath.Join(dir, ".git", "c.txt"), "skip")
	write(t, filepath.Join(dir, "image.png"), "skip")

	w := NewWatcher(f.svc, dir, Request{TenantID: "t1"}, nil)
	n, err := w.Scan(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Len(t, f.claimAll(t), 2)
}

func TestWatcherIngestsNewFiles(t *testing.T) {
	f := newFixture(t)
	dir := t.TempDir()

	var (
		mu   sync.Mutex
		seen []string
	)
	w := NewWatcher(f.svc, dir, Request{TenantID: "t1"}, nil)
	w.SetSettle(20 * time.Millisecond)
	w.Ingested = func(path string, _ Result, err error) {
		assert.NoError(t, err)
		mu.Lock()
		seen = append(seen, path)
		mu.Unlock()
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()
	defer func() {
		cancel()
		require.NoError(t, <-done)
	}()

	// Give the watcher time to register the root.
	time.Sleep(50 * time.Millisecond)
	path := filepath.Join(dir, "new.txt")
	write(t, path, "first")
	write(t, path, "first, edited")
	write(t, filepath.Join(dir, "ignored.bin"), "x")

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) == 1
	}, 3*time.Second, 10*time.Millisecond)

	time.Sleep(60 * time.Millisecond)
	mu.Lock()
	assert.Equal(t, []string{path}, seen, "rapid writes collapse into one ingest")
	mu.Unlock()
}
