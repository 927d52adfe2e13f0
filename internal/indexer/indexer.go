// Package indexer keeps the model catalog in step with the files under a root.
//
// Callers must hold the per-location lock (see internal/lock) for the
// duration of a Scan; the store does not serialize concurrent scans.
package indexer

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go-modelvault/internal/database"
	"go-modelvault/internal/forensics"
	"go-modelvault/internal/helpers"
	"go-modelvault/internal/models"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

var ErrRootNotFound = errors.New("scan root does not exist")

const defaultBatchSize = 16

// Catalog is the subset of the store the indexer writes to.
type Catalog interface {
	GetModel(ctx context.Context, id string) (*models.ModelRecord, error)
	ModelByPath(ctx context.Context, location, path string) (*models.ModelRecord, error)
	ListModels(ctx context.Context, filter database.ModelFilter) ([]models.ModelRecord, error)
	UpsertModel(ctx context.Context, m *models.ModelRecord) error
	DeleteModels(ctx context.Context, ids []string) (int64, error)
	AddScanLog(ctx context.Context, entry *models.ScanLog) error
}

// SearchIndex mirrors catalog writes into full-text search.
type SearchIndex interface {
	IndexModel(rec models.ModelRecord) error
	DeleteModels(ids []string) error
}

// Enricher looks up remote catalog metadata by SHA-256.
type Enricher interface {
	GetModelVersionByHash(ctx context.Context, hash string) (*models.ModelVersion, error)
}

type Progress struct {
	Processed   int
	Total       int
	CurrentFile string
}

type Options struct {
	Location        string
	ValidationLevel string
	ForceRescan     bool
	BatchSize       int
	OnProgress      func(Progress)
}

type Result struct {
	ScannedCount  int
	NewModels     int
	UpdatedModels int
	RemovedModels int
	SkippedModels int
	Errors        int
	TotalSize     int64
	Duration      time.Duration
}

type Indexer struct {
	store    Catalog
	analyzer *forensics.Analyzer
	search   SearchIndex
	enricher Enricher

	// idMu serializes id assignment so identical files scanned in one batch get distinct rows.
	idMu sync.Mutex
}

func New(store Catalog, analyzer *forensics.Analyzer) *Indexer {
	return &Indexer{store: store, analyzer: analyzer}
}

// WithSearch mirrors upserts and evictions into a search index.
func (ix *Indexer) WithSearch(s SearchIndex) *Indexer {
	ix.search = s
	return ix
}

// WithEnricher enables best-effort remote metadata lookup for fully hashed files.
func (ix *Indexer) WithEnricher(e Enricher) *Indexer {
	ix.enricher = e
	return ix
}

// Walk lists model files under root, skipping hidden and cache directories.
func Walk(root string, analyzer *forensics.Analyzer) ([]string, error) {
	info, err := os.Stat(root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrRootNotFound, root)
		}
		return nil, err
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("%w: %s is not a directory", ErrRootNotFound, root)
	}

	var files []string
	err = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			log.WithError(err).Warnf("Skipping unreadable path %s", path)
			if d != nil && d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if d.IsDir() {
			if path != root && helpers.IsHiddenOrCacheDir(d.Name()) {
				return filepath.SkipDir
			}
			return nil
		}
		if d.Type().IsRegular() && analyzer.Supported(path) {
			files = append(files, path)
		}
		return nil
	})
	return files, err
}

// underRoot reports whether path lies inside root.
func underRoot(path, root string) bool {
	rel, err := filepath.Rel(root, path)
	return err == nil && rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

// Scan indexes every model file under root into opts.Location and evicts rows whose file is gone.
// A cancelled scan returns the context's cause and evicts nothing.
func (ix *Indexer) Scan(ctx context.Context, root string, opts Options) (*Result, error) {
	start := time.Now()
	root = filepath.Clean(root)
	if opts.Location == "" {
		opts.Location = models.LocationLocal
	}
	batchSize := opts.BatchSize
	if batchSize <= 0 {
		batchSize = defaultBatchSize
	}
	logger := log.WithFields(log.Fields{"root": root, "location": opts.Location})

	files, err := Walk(root, ix.analyzer)
	if err != nil {
		return &Result{}, err
	}
	if ctx.Err() != nil {
		return &Result{}, context.Cause(ctx)
	}

	existing, err := ix.store.ListModels(ctx, database.ModelFilter{Location: opts.Location})
	if err != nil {
		return &Result{}, err
	}
	byPath := make(map[string]*models.ModelRecord, len(existing))
	for i := range existing {
		if underRoot(existing[i].Filepath, root) {
			byPath[existing[i].Filepath] = &existing[i]
		}
	}
	logger.Infof("Scanning %d file(s), %d already in catalog", len(files), len(byPath))

	res := &Result{ScannedCount: len(files)}
	var mu sync.Mutex
	processed := 0

	for batchStart := 0; batchStart < len(files); batchStart += batchSize {
		if ctx.Err() != nil {
			break
		}
		batch := files[batchStart:min(batchStart+batchSize, len(files))]

		var g errgroup.Group
		g.SetLimit(batchSize)
		for _, path := range batch {
			path := path
			g.Go(func() error {
				if ctx.Err() != nil {
					return nil
				}
				outcome, size := ix.processFile(ctx, path, byPath[path], opts)

				mu.Lock()
				defer mu.Unlock()
				res.TotalSize += size
				switch outcome {
				case outcomeNew:
					res.NewModels++
				case outcomeUpdated:
					res.UpdatedModels++
				case outcomeSkipped:
					res.SkippedModels++
				case outcomeError:
					res.Errors++
				}
				processed++
				if opts.OnProgress != nil {
					opts.OnProgress(Progress{Processed: processed, Total: len(files), CurrentFile: path})
				}
				return nil
			})
		}
		_ = g.Wait()
	}

	if ctx.Err() != nil {
		res.Duration = time.Since(start)
		logger.Infof("Scan interrupted after %d of %d file(s)", processed, len(files))
		return res, context.Cause(ctx)
	}

	observed := make(map[string]bool, len(files))
	for _, f := range files {
		observed[f] = true
	}
	var stale []string
	for path, rec := range byPath {
		if observed[path] {
			continue
		}
		// A row adopted by a renamed file now carries the new path.
		if cur, err := ix.store.GetModel(ctx, rec.ID); err == nil && cur.Filepath != path {
			continue
		}
		stale = append(stale, rec.ID)
	}
	if len(stale) > 0 {
		n, err := ix.store.DeleteModels(ctx, stale)
		if err != nil {
			logger.WithError(err).Error("Failed to evict stale catalog rows")
			res.Errors++
		}
		res.RemovedModels = int(n)
		if ix.search != nil {
			if err := ix.search.DeleteModels(stale); err != nil {
				logger.WithError(err).Warn("Failed to remove stale models from search index")
			}
		}
	}

	res.Duration = time.Since(start)
	entry := &models.ScanLog{
		Location:     opts.Location,
		Root:         root,
		FileCount:    res.ScannedCount,
		TotalSize:    res.TotalSize,
		NewCount:     res.NewModels,
		UpdatedCount: res.UpdatedModels,
		RemovedCount: res.RemovedModels,
		SkippedCount: res.SkippedModels,
		ErrorCount:   res.Errors,
		DurationMs:   res.Duration.Milliseconds(),
	}
	if err := ix.store.AddScanLog(ctx, entry); err != nil {
		logger.WithError(err).Warn("Failed to write scan log")
	}

	logger.WithFields(log.Fields{
		"new":     res.NewModels,
		"updated": res.UpdatedModels,
		"removed": res.RemovedModels,
		"skipped": res.SkippedModels,
		"errors":  res.Errors,
	}).Infof("Scan finished in %s (%s)", res.Duration.Round(time.Millisecond), helpers.BytesToSize(uint64(res.TotalSize)))
	return res, nil
}

type outcome int

const (
	outcomeNew outcome = iota
	outcomeUpdated
	outcomeSkipped
	outcomeError
)

// processFile analyzes and upserts one file. Size is the file size, 0 on error.
func (ix *Indexer) processFile(ctx context.Context, path string, prev *models.ModelRecord, opts Options) (outcome, int64) {
	info, err := os.Stat(path)
	if err != nil {
		log.WithError(err).Warnf("Skipping %s", path)
		return outcomeError, 0
	}
	// Size-only change detection: a same-size rewrite is not noticed without ForceRescan.
	if prev != nil && prev.FileSize == info.Size() && !opts.ForceRescan {
		return outcomeSkipped, info.Size()
	}

	_, moved, err := ix.upsert(ctx, path, prev, opts.Location, opts.ValidationLevel)
	if err != nil {
		log.WithError(err).Warnf("Failed to index %s", path)
		return outcomeError, 0
	}
	if prev == nil && !moved {
		return outcomeNew, info.Size()
	}
	return outcomeUpdated, info.Size()
}

// IndexFile analyzes one file and upserts it into the catalog, e.g. after a download installs.
func (ix *Indexer) IndexFile(ctx context.Context, path, location, level string) (*models.ModelRecord, error) {
	prev, err := ix.store.ModelByPath(ctx, location, path)
	if err != nil && !errors.Is(err, database.ErrNotFound) {
		return nil, err
	}
	rec, _, err := ix.upsert(ctx, path, prev, location, level)
	return rec, err
}

func (ix *Indexer) upsert(ctx context.Context, path string, prev *models.ModelRecord, location, level string) (*models.ModelRecord, bool, error) {
	result, err := ix.analyzer.Analyze(path, level)
	if err != nil {
		return nil, false, err
	}
	rec := result.ToRecord(prev, location)

	moved := false
	if prev == nil {
		// The id is reserved under idMu so two new files with equal content never share it.
		ix.idMu.Lock()
		if old := ix.movedRecord(ctx, &rec); old != nil {
			rec = result.ToRecord(old, location)
			moved = true
		} else {
			rec.ID = ix.newID(ctx, &rec)
		}
		err := ix.store.UpsertModel(ctx, &rec)
		ix.idMu.Unlock()
		if err != nil {
			return nil, false, err
		}
	}

	dirty := prev != nil
	if ix.enricher != nil && rec.FullHash != "" && rec.RemoteVersionID == 0 {
		ix.enrich(ctx, &rec)
		dirty = dirty || rec.RemoteVersionID != 0
	}
	if dirty {
		if err := ix.store.UpsertModel(ctx, &rec); err != nil {
			return nil, false, err
		}
	}

	if ix.search != nil {
		if err := ix.search.IndexModel(rec); err != nil {
			log.WithError(err).Warnf("Failed to index %s for search", rec.Filename)
		}
	}
	return &rec, moved, nil
}

// movedRecord returns the row already holding this content's id when its file
// is gone from disk, i.e. the file was renamed or moved within the location.
func (ix *Indexer) movedRecord(ctx context.Context, rec *models.ModelRecord) *models.ModelRecord {
	hash := rec.ContentHash()
	if hash == "" {
		return nil
	}
	old, err := ix.store.GetModel(ctx, rec.Location+":"+hash)
	if err != nil || old.Location != rec.Location || old.Filepath == rec.Filepath {
		return nil
	}
	if _, err := os.Stat(old.Filepath); !os.IsNotExist(err) {
		return nil
	}
	log.WithField("id", old.ID).Infof("%s moved to %s", old.Filepath, rec.Filepath)
	return old
}

// newID derives <location>:<hash> when the content is hashed and the id is free, else a UUID.
func (ix *Indexer) newID(ctx context.Context, rec *models.ModelRecord) string {
	if hash := rec.ContentHash(); hash != "" {
		id := rec.Location + ":" + hash
		if _, err := ix.store.GetModel(ctx, id); errors.Is(err, database.ErrNotFound) {
			return id
		}
	}
	return uuid.NewString()
}

func (ix *Indexer) enrich(ctx context.Context, rec *models.ModelRecord) {
	version, err := ix.enricher.GetModelVersionByHash(ctx, rec.FullHash)
	if err != nil {
		log.WithError(err).Debugf("No remote metadata for %s", rec.Filename)
		return
	}
	rec.RemoteName = strings.TrimSpace(version.Model.Name + " " + version.Name)
	rec.RemoteBaseModel = version.BaseModel
	rec.RemoteVersionID = version.ID
	rec.RemoteDownloadURL = version.DownloadUrl
	if f, ok := version.PrimaryFile(); ok && f.DownloadUrl != "" {
		rec.RemoteDownloadURL = f.DownloadUrl
	}
	if len(rec.TriggerWords) == 0 && len(version.TrainedWords) > 0 {
		rec.TriggerWords = version.TrainedWords
	}
	log.Debugf("Enriched %s as %q (%s)", rec.Filename, rec.RemoteName, rec.RemoteBaseModel)
}
