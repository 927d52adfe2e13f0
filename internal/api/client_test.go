package api

import (
	"context"
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

const versionJSON = `{
  "id": 128713, "modelId": 4201, "name": "v6.0", "baseModel": "SD 1.5",
  "trainedWords": ["analog style"],
  "model": {"name": "Realistic Vision", "type": "Checkpoint"},
  "files": [{"name": "rv.safetensors", "primary": true, "downloadUrl": "https://civitai.com/api/download/models/128713",
             "hashes": {"SHA256": "ABCDEF"}}]
}`

func testClient(url string) *Client {
	c := NewClient("secret", nil)
	c.BaseURL = url
	c.backoffUnit = time.Millisecond
	return c
}

func TestGetModelVersionByHash(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/model-versions/by-hash/ABCDEF", r.URL.Path)
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(versionJSON))
	}))
	defer srv.Close()

	v, err := testClient(srv.URL).GetModelVersionByHash(context.Background(), "abcdef")
	require.NoError(t, err)
	assert.Equal(t, 128713, v.ID)
	assert.Equal(t, "Realistic Vision", v.Model.Name)
	f, ok := v.PrimaryFile()
	require.True(t, ok)
	assert.Equal(t, "ABCDEF", f.Hashes.SHA256)
}

func TestClientRetriesAndSentinels(t *testing.T) {
	tests := []struct {
		name      string
		statuses  []int
		wantErr   error
		wantCalls int32
	}{
		{"rate limited then ok", []int{429, 200}, nil, 2},
		{"server error exhausts retries", []int{502, 502, 502}, ErrServerError, 3},
		{"rate limit exhausts retries", []int{429, 429, 429}, ErrRateLimited, 3},
		{"not found is final", []int{404}, ErrNotFound, 1},
		{"forbidden is final", []int{403}, ErrUnauthorized, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var calls atomic.Int32
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				n := calls.Add(1)
				status := tt.statuses[min(int(n), len(tt.statuses))-1]
				w.WriteHeader(status)
				if status == http.StatusOK {
					_, _ = w.Write([]byte(versionJSON))
				}
			}))
			defer srv.Close()

			_, err := testClient(srv.URL).GetModelVersion(context.Background(), 1)
			if tt.wantErr == nil {
				require.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, tt.wantErr)
			}
			assert.Equal(t, tt.wantCalls, calls.Load())
		})
	}
}

func TestClientStopsOnCancel(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	c := testClient(srv.URL)
	c.backoffUnit = time.Hour
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := c.GetModelVersion(ctx, 1)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestLoggingTransportRedacts(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(versionJSON))
	}))
	defer srv.Close()

	logPath := filepath.Join(t.TempDir(), "api.log")
	lt, err := NewLoggingTransport(nil, logPath)
	require.NoError(t, err)

	c := testClient(srv.URL)
	c.HttpClient = &http.Client{Transport: lt}
	v, err := c.GetModelVersion(context.Background(), 128713)
	require.NoError(t, err)
	assert.Equal(t, "v6.0", v.Name)
	require.NoError(t, lt.Close())

	data, err := os.ReadFile(logPath)
	require.NoError(t, err)
	assert.Contains(t, string(data), "Realistic Vision")
	assert.Contains(t, string(data), "[redacted]")
	assert.NotContains(t, string(data), "secret")

	assert.Equal(t, "https://h/x?token=[redacted]&a=1", redactQuery("https://h/x?token=abc&a=1"))
}
