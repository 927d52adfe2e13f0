package downloader

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"go-modelvault/internal/helpers"
	"go-modelvault/internal/models"

	log "github.com/sirupsen/logrus"
)

// Custom Downloader Errors
var (
	ErrHashMismatch = errors.New("downloaded file hash mismatch")
	ErrHttpStatus   = errors.New("unexpected HTTP status code")
	ErrFileSystem   = errors.New("filesystem error") // Covers create, remove, rename
	ErrHttpRequest  = errors.New("HTTP request creation/execution error")
	ErrAborted      = errors.New("download aborted")
)

// PartSuffix is appended to the destination path while a download is in flight.
const PartSuffix = ".part"

const progressInterval = 500 * time.Millisecond

// Progress is a throttled snapshot of a running download.
type Progress struct {
	BytesDownloaded int64
	TotalBytes      int64
	SpeedBps        float64
}

type Request struct {
	URL             string
	DestinationPath string
	ExpectedHash    string // SHA-256 hex, optional
	Token           string // bearer token for this host; empty uses the downloader's key
	OnProgress      func(Progress)
}

type Result struct {
	Success         bool
	Filepath        string
	BytesDownloaded int64
	TotalBytes      int64
	SHA256          string
	Resumed         bool
	Skipped         bool
}

// Downloader fetches files with byte-range resume and hash checks.
type Downloader struct {
	client *http.Client
	apiKey string
}

// NewDownloader creates a new Downloader instance.
func NewDownloader(client *http.Client, apiKey string) *Downloader {
	if client == nil {
		// No overall timeout: large models take longer than any sane value.
		client = &http.Client{}
	}
	return &Downloader{
		client: client,
		apiKey: apiKey,
	}
}

// PartPath returns the in-flight path for a destination.
func PartPath(dest string) string {
	return dest + PartSuffix
}

// Download fetches req.URL into req.DestinationPath, resuming from an existing .part file.
// Cancelling ctx keeps the .part file and returns ErrAborted.
func (d *Downloader) Download(ctx context.Context, req Request) (Result, error) {
	dest := req.DestinationPath
	res := Result{Filepath: dest}

	if req.ExpectedHash != "" {
		if _, err := os.Stat(dest); err == nil && helpers.CheckHash(dest, models.Hashes{SHA256: req.ExpectedHash}) {
			log.Infof("Found valid existing file %s. Skipping download.", dest)
			fi, _ := os.Stat(dest)
			res.Success, res.Skipped = true, true
			res.SHA256 = strings.ToLower(req.ExpectedHash)
			if fi != nil {
				res.BytesDownloaded, res.TotalBytes = fi.Size(), fi.Size()
			}
			return res, nil
		}
	}

	if !helpers.CheckAndMakeDir(filepath.Dir(dest)) {
		return res, fmt.Errorf("%w: failed to create target directory %s", ErrFileSystem, filepath.Dir(dest))
	}

	partPath := PartPath(dest)
	var offset int64
	if fi, err := os.Stat(partPath); err == nil {
		offset = fi.Size()
	}

	sum := sha256.New()
	if offset > 0 {
		if err := hashExisting(partPath, sum); err != nil {
			return res, fmt.Errorf("%w: reading partial file %s: %v", ErrFileSystem, partPath, err)
		}
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, req.URL, nil)
	if err != nil {
		return res, fmt.Errorf("%w: creating download request for %s: %w", ErrHttpRequest, req.URL, err)
	}
	token := req.Token
	if token == "" {
		token = d.apiKey
	}
	if token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+token)
	}
	if offset > 0 {
		httpReq.Header.Set("Range", fmt.Sprintf("bytes=%d-", offset))
		log.Infof("Resuming %s from byte %d", filepath.Base(dest), offset)
	}

	resp, err := d.client.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return res, ErrAborted
		}
		return res, fmt.Errorf("%w: performing request for %s: %v", ErrHttpRequest, req.URL, err)
	}
	defer resp.Body.Close()

	var total int64
	var body io.Reader = resp.Body
	switch {
	case resp.StatusCode == http.StatusRequestedRangeNotSatisfiable && offset > 0:
		log.Debugf("Server reports %s already complete at %d bytes", partPath, offset)
		total = offset
		body = nil
		res.Resumed = true
	case resp.StatusCode == http.StatusPartialContent && offset > 0:
		res.Resumed = true
		total = totalFromHeaders(resp, offset)
	case resp.StatusCode == http.StatusOK:
		if offset > 0 {
			log.Warnf("Server ignored range request for %s; restarting from zero", req.URL)
			offset = 0
			sum.Reset()
		}
		total = totalFromHeaders(resp, 0)
	default:
		log.Errorf("Error downloading file: Received status code %d from %s", resp.StatusCode, req.URL)
		return res, fmt.Errorf("%w: received status %d from %s", ErrHttpStatus, resp.StatusCode, req.URL)
	}
	res.TotalBytes = total

	downloaded := offset
	if body != nil {
		flags := os.O_CREATE | os.O_WRONLY
		if offset > 0 {
			flags |= os.O_APPEND
		} else {
			flags |= os.O_TRUNC
		}
		f, err := os.OpenFile(partPath, flags, 0644)
		if err != nil {
			return res, fmt.Errorf("%w: opening partial file %s: %v", ErrFileSystem, partPath, err)
		}

		downloaded, err = d.copyBody(ctx, f, body, sum, offset, total, req.OnProgress)
		if closeErr := f.Close(); closeErr != nil && err == nil {
			err = fmt.Errorf("%w: closing partial file %s: %v", ErrFileSystem, partPath, closeErr)
		}
		res.BytesDownloaded = downloaded
		if err != nil {
			return res, err
		}
	}
	res.BytesDownloaded = downloaded
	if res.TotalBytes == 0 {
		res.TotalBytes = downloaded
	}
	if req.OnProgress != nil {
		req.OnProgress(Progress{BytesDownloaded: downloaded, TotalBytes: res.TotalBytes})
	}

	res.SHA256 = hex.EncodeToString(sum.Sum(nil))
	if req.ExpectedHash != "" && !strings.EqualFold(res.SHA256, req.ExpectedHash) {
		log.Errorf("Hash mismatch for downloaded file %s: got %s, want %s", partPath, res.SHA256, req.ExpectedHash)
		if err := os.Remove(partPath); err != nil {
			log.WithError(err).Warnf("Failed to remove partial file %s", partPath)
		}
		return res, ErrHashMismatch
	}

	if err := os.Remove(dest); err != nil && !os.IsNotExist(err) {
		log.WithError(err).Warnf("Failed to remove existing file %s before install", dest)
	}
	if err := os.Rename(partPath, dest); err != nil {
		log.WithError(err).Errorf("Error renaming partial file %s to %s", partPath, dest)
		return res, fmt.Errorf("%w: renaming %s to %s: %v", ErrFileSystem, partPath, dest, err)
	}

	res.Success = true
	log.Infof("Successfully downloaded %s (%s)", dest, helpers.BytesToSize(uint64(downloaded)))
	return res, nil
}

// copyBody streams body into f and sum, checking ctx before every read.
func (d *Downloader) copyBody(ctx context.Context, f io.Writer, body io.Reader, sum hash.Hash, offset, total int64, onProgress func(Progress)) (int64, error) {
	counter := &helpers.CounterWriter{Writer: io.MultiWriter(f, sum)}
	buf := make([]byte, 64*1024)
	rate := newThroughput(time.Now())

	for {
		if ctx.Err() != nil {
			return offset + int64(counter.Total), ErrAborted
		}
		n, readErr := body.Read(buf)
		if n > 0 {
			if _, err := counter.Write(buf[:n]); err != nil {
				return offset + int64(counter.Total), fmt.Errorf("%w: writing partial file: %v", ErrFileSystem, err)
			}
		}
		if now := time.Now(); onProgress != nil && now.Sub(rate.lastAt) >= progressInterval {
			onProgress(Progress{
				BytesDownloaded: offset + int64(counter.Total),
				TotalBytes:      total,
				SpeedBps:        rate.sample(now, counter.Total),
			})
		}
		if readErr == io.EOF {
			return offset + int64(counter.Total), nil
		}
		if readErr != nil {
			if ctx.Err() != nil {
				return offset + int64(counter.Total), ErrAborted
			}
			return offset + int64(counter.Total), fmt.Errorf("%w: reading response body: %v", ErrHttpRequest, readErr)
		}
	}
}

// throughput measures the transfer rate between consecutive samples.
type throughput struct {
	lastAt    time.Time
	lastBytes uint64
}

func newThroughput(start time.Time) *throughput {
	return &throughput{lastAt: start}
}

// sample returns bytes per second received since the previous sample.
func (t *throughput) sample(now time.Time, received uint64) float64 {
	secs := now.Sub(t.lastAt).Seconds()
	delta := received - t.lastBytes
	t.lastAt, t.lastBytes = now, received
	if secs <= 0 {
		return 0
	}
	return float64(delta) / secs
}

func hashExisting(path string, h hash.Hash) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = io.Copy(h, f)
	return err
}

// totalFromHeaders prefers Content-Range, then Content-Length plus the resume offset.
func totalFromHeaders(resp *http.Response, offset int64) int64 {
	if cr := resp.Header.Get("Content-Range"); cr != "" {
		if i := strings.LastIndex(cr, "/"); i >= 0 {
			if n, err := strconv.ParseInt(cr[i+1:], 10, 64); err == nil {
				return n
			}
		}
	}
	if resp.ContentLength >= 0 {
		return resp.ContentLength + offset
	}
	return 0
}
