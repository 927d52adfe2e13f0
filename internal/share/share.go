// Package share builds BitTorrent metainfo and magnet links for catalog model files.
package share

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/anacrolix/torrent/bencode"
	"github.com/anacrolix/torrent/metainfo"
	log "github.com/sirupsen/logrus"
)

var ErrNoTrackers = errors.New("at least one tracker announce URL is required")

const pieceLength = 512 * 1024

type Options struct {
	Trackers  []string
	OutputDir string // default: next to the model file
	Overwrite bool
	Magnet    bool // also write <name>-magnet.txt
}

type Result struct {
	SourcePath  string
	TorrentPath string
	MagnetLink  string
	Skipped     bool
	Err         error
}

// Generate writes a .torrent for one model file (or directory).
// An existing .torrent is kept unless Overwrite is set.
func Generate(sourcePath string, opts Options) (Result, error) {
	res := Result{SourcePath: sourcePath}
	if len(opts.Trackers) == 0 {
		return res, ErrNoTrackers
	}
	stat, err := os.Stat(sourcePath)
	if err != nil {
		return res, fmt.Errorf("error stating source path %s: %w", sourcePath, err)
	}

	base := stat.Name()
	torrentName := strings.TrimSuffix(base, filepath.Ext(base)) + ".torrent"
	outDir := filepath.Dir(sourcePath)
	if stat.IsDir() {
		torrentName = base + ".torrent"
		outDir = sourcePath
	}
	if opts.OutputDir != "" {
		if err := os.MkdirAll(opts.OutputDir, 0755); err != nil {
			return res, fmt.Errorf("error creating output directory %s: %w", opts.OutputDir, err)
		}
		outDir = opts.OutputDir
	}
	res.TorrentPath = filepath.Join(outDir, torrentName)

	if _, err := os.Stat(res.TorrentPath); err == nil && !opts.Overwrite {
		log.WithField("path", res.TorrentPath).Info("Skipping existing torrent file (use --overwrite to replace)")
		res.Skipped = true
		if mi, err := metainfo.LoadFromFile(res.TorrentPath); err == nil {
			res.MagnetLink = magnetURI(mi.HashInfoBytes(), base, opts.Trackers)
		}
		return res, nil
	}

	mi := metainfo.MetaInfo{
		Announce:     opts.Trackers[0],
		AnnounceList: make([][]string, len(opts.Trackers)),
		CreatedBy:    "go-modelvault",
	}
	for i, tracker := range opts.Trackers {
		mi.AnnounceList[i] = []string{tracker}
	}

	info := metainfo.Info{PieceLength: pieceLength}
	log.WithField("path", sourcePath).Debug("Building torrent info...")
	if err := info.BuildFromFilePath(sourcePath); err != nil {
		return res, fmt.Errorf("error building torrent info from path %s: %w", sourcePath, err)
	}
	if mi.InfoBytes, err = bencode.Marshal(info); err != nil {
		return res, fmt.Errorf("error marshaling torrent info: %w", err)
	}

	f, err := os.Create(res.TorrentPath)
	if err != nil {
		return res, fmt.Errorf("error creating torrent file %s: %w", res.TorrentPath, err)
	}
	if err := mi.Write(f); err != nil {
		f.Close()
		return res, fmt.Errorf("error writing torrent file %s: %w", res.TorrentPath, err)
	}
	if err := f.Close(); err != nil {
		return res, fmt.Errorf("error closing torrent file %s: %w", res.TorrentPath, err)
	}
	log.WithField("path", res.TorrentPath).Info("Generated torrent file")

	res.MagnetLink = magnetURI(mi.HashInfoBytes(), base, opts.Trackers)
	if opts.Magnet {
		magnetPath := strings.TrimSuffix(res.TorrentPath, ".torrent") + "-magnet.txt"
		if err := os.WriteFile(magnetPath, []byte(res.MagnetLink), 0644); err != nil {
			// The torrent itself is usable; the magnet file is a convenience.
			log.WithError(err).WithField("path", magnetPath).Error("Failed to write magnet link file")
		}
	}
	return res, nil
}

func magnetURI(hash metainfo.Hash, name string, trackers []string) string {
	parts := []string{
		"magnet:?xt=urn:btih:" + hash.HexString(),
		"dn=" + url.QueryEscape(name),
	}
	for _, tracker := range trackers {
		parts = append(parts, "tr="+url.QueryEscape(tracker))
	}
	return strings.Join(parts, "&")
}

// GenerateAll runs Generate over paths with a fixed worker pool. Results keep
// the order of paths; failures are reported per result and counted in the error.
func GenerateAll(ctx context.Context, paths []string, concurrency int, opts Options) ([]Result, error) {
	if len(opts.Trackers) == 0 {
		return nil, ErrNoTrackers
	}
	if concurrency <= 0 {
		concurrency = 4
	}
	results := make([]Result, len(paths))
	jobs := make(chan int)
	var wg sync.WaitGroup
	var failures atomic.Int64

	for w := 1; w <= concurrency; w++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			for i := range jobs {
				r, err := Generate(paths[i], opts)
				if err != nil {
					log.WithError(err).Errorf("Worker %d: Failed to generate torrent for %s", id, paths[i])
					r.Err = err
					failures.Add(1)
				}
				results[i] = r
			}
		}(w)
	}

queue:
	for i := range paths {
		select {
		case <-ctx.Done():
			break queue
		case jobs <- i:
		}
	}
	close(jobs)
	wg.Wait()

	if ctx.Err() != nil {
		return results, context.Cause(ctx)
	}
	if n := failures.Load(); n > 0 {
		return results, fmt.Errorf("%d torrents failed to generate", n)
	}
	return results, nil
}
