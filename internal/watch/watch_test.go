package watch

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

func TestWatcherBatchesSettledChanges(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "loras"), 0755))
	require.NoError(t, os.MkdirAll(filepath.Join(root, ".cache"), 0755))

	var mu sync.Mutex
	got := map[string][]string{}
	w, err := New([]string{root, filepath.Join(root, "missing")}, func(r string, paths []string) {
		mu.Lock()
		defer mu.Unlock()
		got[r] = append(got[r], paths...)
	}, Options{Debounce: 100 * time.Millisecond, Ignore: IgnorePartials})
	require.NoError(t, err)
	assert.Equal(t, []string{root}, w.Roots())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	model := filepath.Join(root, "loras", "new.safetensors")
	require.NoError(t, os.WriteFile(model+".part", []byte("x"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(root, ".cache", "junk"), []byte("x"), 0644))
	require.NoError(t, os.WriteFile(model, []byte("x"), 0644))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got[root]) > 0
	}, 5*time.Second, 20*time.Millisecond)

	mu.Lock()
	assert.Contains(t, got[root], model)
	assert.NotContains(t, got[root], model+".part")
	assert.NotContains(t, got[root], filepath.Join(root, ".cache", "junk"))
	mu.Unlock()

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("watcher did not stop")
	}
}
