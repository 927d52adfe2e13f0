package downloader

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func payload(n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(i % 251)
	}
	return b
}

func sha(b []byte) string {
	s := sha256.Sum256(b)
	return hex.EncodeToString(s[:])
}

func fileServer(content []byte, hits *int32) *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits != nil {
			atomic.AddInt32(hits, 1)
		}
		http.ServeContent(w, r, "model.safetensors", time.Time{}, bytes.NewReader(content))
	}))
}

func TestDownloadFresh(t *testing.T) {
	content := payload(200 * 1024)
	srv := fileServer(content, nil)
	defer srv.Close()

	dest := filepath.Join(t.TempDir(), "sub", "model.safetensors")
	var last Progress
	res, err := NewDownloader(srv.Client(), "").Download(context.Background(), Request{
		URL: srv.URL, DestinationPath: dest, ExpectedHash: sha(content),
		OnProgress: func(p Progress) { last = p },
	})
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.False(t, res.Resumed)
	assert.Equal(t, int64(len(content)), res.BytesDownloaded)
	assert.Equal(t, int64(len(content)), res.TotalBytes)
	assert.Equal(t, sha(content), res.SHA256)
	assert.Equal(t, int64(len(content)), last.BytesDownloaded)

	got, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, content, got)
	assert.NoFileExists(t, PartPath(dest))
}

func TestDownloadCancelKeepsPartialThenResumes(t *testing.T) {
	content := payload(256 * 1024)
	half := len(content) / 2

	var stall atomic.Bool
	stall.Store(true)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !stall.Load() {
			http.ServeContent(w, r, "model.safetensors", time.Time{}, bytes.NewReader(content))
			return
		}
		w.Header().Set("Content-Length", "262144")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(content[:half])
		w.(http.Flusher).Flush()
		<-r.Context().Done()
	}))
	defer srv.Close()

	dest := filepath.Join(t.TempDir(), "model.safetensors")
	d := NewDownloader(srv.Client(), "")

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		_, err := d.Download(ctx, Request{URL: srv.URL, DestinationPath: dest})
		errCh <- err
	}()

	require.Eventually(t, func() bool {
		fi, err := os.Stat(PartPath(dest))
		return err == nil && fi.Size() == int64(half)
	}, 5*time.Second, 10*time.Millisecond)
	cancel()

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, ErrAborted)
	case <-time.After(5 * time.Second):
		t.Fatal("download did not stop after cancel")
	}
	fi, err := os.Stat(PartPath(dest))
	require.NoError(t, err)
	assert.Equal(t, int64(half), fi.Size())
	assert.NoFileExists(t, dest)

	stall.Store(false)
	res, err := d.Download(context.Background(), Request{URL: srv.URL, DestinationPath: dest, ExpectedHash: sha(content)})
	require.NoError(t, err)
	assert.True(t, res.Resumed)
	assert.Equal(t, int64(len(content)), res.BytesDownloaded)
	assert.Equal(t, int64(len(content)), res.TotalBytes)

	got, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, content, got)
}

func TestDownloadHashMismatchDeletesPartial(t *testing.T) {
	content := payload(4096)
	srv := fileServer(content, nil)
	defer srv.Close()

	dest := filepath.Join(t.TempDir(), "model.safetensors")
	_, err := NewDownloader(srv.Client(), "").Download(context.Background(), Request{
		URL: srv.URL, DestinationPath: dest, ExpectedHash: sha([]byte("something else")),
	})
	assert.ErrorIs(t, err, ErrHashMismatch)
	assert.NoFileExists(t, PartPath(dest))
	assert.NoFileExists(t, dest)
}

func TestDownloadRestartsWhenRangeIgnored(t *testing.T) {
	content := payload(8192)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(content)
	}))
	defer srv.Close()

	dest := filepath.Join(t.TempDir(), "model.safetensors")
	require.NoError(t, os.WriteFile(PartPath(dest), []byte("stale bytes"), 0644))

	res, err := NewDownloader(srv.Client(), "").Download(context.Background(), Request{
		URL: srv.URL, DestinationPath: dest, ExpectedHash: sha(content),
	})
	require.NoError(t, err)
	assert.False(t, res.Resumed)
	got, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, content, got)
}

func TestDownloadCompletePartial(t *testing.T) {
	content := payload(4096)
	srv := fileServer(content, nil)
	defer srv.Close()

	dest := filepath.Join(t.TempDir(), "model.safetensors")
	require.NoError(t, os.WriteFile(PartPath(dest), content, 0644))

	res, err := NewDownloader(srv.Client(), "").Download(context.Background(), Request{
		URL: srv.URL, DestinationPath: dest, ExpectedHash: sha(content),
	})
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.True(t, res.Resumed)
	assert.FileExists(t, dest)
}

func TestDownloadSkipsValidExistingFile(t *testing.T) {
	content := payload(1024)
	var hits int32
	srv := fileServer(content, &hits)
	defer srv.Close()

	dest := filepath.Join(t.TempDir(), "model.safetensors")
	require.NoError(t, os.WriteFile(dest, content, 0644))

	res, err := NewDownloader(srv.Client(), "").Download(context.Background(), Request{
		URL: srv.URL, DestinationPath: dest, ExpectedHash: sha(content),
	})
	require.NoError(t, err)
	assert.True(t, res.Skipped)
	assert.Equal(t, int32(0), atomic.LoadInt32(&hits))
}

func TestDownloadStatusAndAuth(t *testing.T) {
	auth := make(chan string, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth <- r.Header.Get("Authorization")
		http.NotFound(w, r)
	}))
	defer srv.Close()

	dest := filepath.Join(t.TempDir(), "model.safetensors")
	_, err := NewDownloader(srv.Client(), "secret").Download(context.Background(), Request{URL: srv.URL, DestinationPath: dest})
	assert.ErrorIs(t, err, ErrHttpStatus)
	assert.Equal(t, "Bearer secret", <-auth)
	assert.NoFileExists(t, dest)
}

func TestThroughputIsPerInterval(t *testing.T) {
	t0 := time.Unix(1700000000, 0)
	rate := newThroughput(t0)

	assert.InDelta(t, 1000.0, rate.sample(t0.Add(time.Second), 1000), 1e-9)
	// 100 bytes in the next second, not the 550 B/s average since the start.
	assert.InDelta(t, 100.0, rate.sample(t0.Add(2*time.Second), 1100), 1e-9)
	assert.InDelta(t, 400.0, rate.sample(t0.Add(2500*time.Millisecond), 1300), 1e-9)
	assert.Zero(t, rate.sample(t0.Add(2500*time.Millisecond), 1300))
}
