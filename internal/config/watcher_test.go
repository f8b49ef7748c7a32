package config

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestWatcher_ReloadsOnWrite(t *testing.T) {
	if testing.Short() {
		t.Skip("filesystem watch test")
	}

	path := filepath.Join(t.TempDir(), "config.yaml")
	initial := DefaultConfig()
	require.NoError(t, initial.Save(path))

	var mu sync.Mutex
	var patterns []string
	w, err := NewWatcher(path, func(cfg Config) {
		mu.Lock()
		patterns = append(patterns, cfg.Target.Pattern)
		mu.Unlock()
	})
	require.NoError(t, err)
	require.NoError(t, w.Start())
	defer w.Stop()

	updated := initial
	updated.Target.Pattern = "/reloaded"
	require.NoError(t, updated.Save(path))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(patterns) > 0 && patterns[len(patterns)-1] == "/reloaded"
	}, 5*time.Second, 50*time.Millisecond)
}

func TestWatcher_IgnoresSiblingFiles(t *testing.T) {
	if testing.Short() {
		t.Skip("filesystem watch test")
	}

	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, DefaultConfig().Save(path))

	var called sync.Map
	w, err := NewWatcher(path, func(Config) { called.Store("hit", true) })
	require.NoError(t, err)
	require.NoError(t, w.Start())
	defer w.Stop()

	require.NoError(t, DefaultConfig().Save(filepath.Join(dir, "other.yaml")))
	time.Sleep(300 * time.Millisecond)
	_, hit := called.Load("hit")
	require.False(t, hit)
}

// Editors save with a write burst, and truncate-then-write saves pass
// through a partial file. The reload must fire after the burst settles and
// see the final content, not stop at the first (possibly partial) write.
func TestWatcher_ReloadsSettledContentAfterBurst(t *testing.T) {
	if testing.Short() {
		t.Skip("filesystem watch test")
	}

	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, DefaultConfig().Save(path))

	var mu sync.Mutex
	var patterns []string
	w, err := NewWatcher(path, func(cfg Config) {
		mu.Lock()
		patterns = append(patterns, cfg.Target.Pattern)
		mu.Unlock()
	})
	require.NoError(t, err)
	require.NoError(t, w.Start())
	defer w.Stop()

	// Truncate-then-write: a partial file first, the real save shortly after.
	require.NoError(t, os.WriteFile(path, []byte("target: ["), 0o644))
	time.Sleep(50 * time.Millisecond)
	settled := DefaultConfig()
	settled.Target.Pattern = "/settled"
	require.NoError(t, settled.Save(path))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(patterns) > 0 && patterns[len(patterns)-1] == "/settled"
	}, 5*time.Second, 50*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	for _, p := range patterns {
		require.Equal(t, "/settled", p, "reload observed pre-settle content")
	}
}

func TestWatcher_StopAfterFailedStart(t *testing.T) {
	path := filepath.Join(t.TempDir(), "missing", "config.yaml")
	w, err := NewWatcher(path, func(Config) {})
	require.NoError(t, err)
	require.Error(t, w.Start())

	stopped := make(chan struct{})
	go func() {
		w.Stop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop hung after a failed Start")
	}
}

func TestWatcher_StopIsIdempotent(t *testing.T) {
	w, err := NewWatcher(filepath.Join(t.TempDir(), "config.yaml"), func(Config) {})
	require.NoError(t, err)
	require.NoError(t, w.Start())
	w.Stop()
	w.Stop()
}
