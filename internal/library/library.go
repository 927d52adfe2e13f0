// Package library keeps workflow rows in step with the workflow files on disk
// and with the current model catalog.
package library

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"go-modelvault/internal/database"
	"go-modelvault/internal/forensics"
	"go-modelvault/internal/graph"
	"go-modelvault/internal/helpers"
	"go-modelvault/internal/models"
	"go-modelvault/internal/resolver"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
)

var ErrRootNotFound = errors.New("workflow root does not exist")

// Store is the subset of the catalog store the library uses.
type Store interface {
	ListModels(ctx context.Context, filter database.ModelFilter) ([]models.ModelRecord, error)
	SaveWorkflow(ctx context.Context, wf *models.WorkflowRecord, deps []models.WorkflowDependency) error
	GetWorkflow(ctx context.Context, id string) (*models.WorkflowRecord, error)
	WorkflowByPath(ctx context.Context, path string) (*models.WorkflowRecord, error)
	ListWorkflows(ctx context.Context, filter database.WorkflowFilter) ([]models.WorkflowRecord, error)
	DeleteWorkflows(ctx context.Context, ids []string) (int64, error)
	CreateDownloadItem(ctx context.Context, item *models.DownloadQueueItem) error
	ListDownloadItems(ctx context.Context, status string) ([]models.DownloadQueueItem, error)
}

// SearchIndex mirrors workflow writes into full-text search.
type SearchIndex interface {
	IndexWorkflow(wf models.WorkflowRecord) error
	DeleteWorkflows(ids []string) error
}

type Progress struct {
	Processed   int
	Total       int
	CurrentFile string
}

type ScanResult struct {
	Scanned  int
	Added    int
	Updated  int
	Removed  int
	Errors   int
	Duration time.Duration
}

type Library struct {
	store  Store
	parser *graph.Parser
	search SearchIndex
}

func New(store Store, parser *graph.Parser) *Library {
	return &Library{store: store, parser: parser}
}

func (l *Library) WithSearch(s SearchIndex) *Library {
	l.search = s
	return l
}

// Walk lists .json files under root, skipping hidden and cache directories.
func Walk(root string) ([]string, error) {
	info, err := os.Stat(root)
	if err != nil || !info.IsDir() {
		return nil, fmt.Errorf("%w: %s", ErrRootNotFound, root)
	}
	var files []string
	err = filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			log.WithError(err).Warnf("Skipping unreadable path %s", p)
			if d != nil && d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if d.IsDir() {
			if p != root && helpers.IsHiddenOrCacheDir(d.Name()) {
				return filepath.SkipDir
			}
			return nil
		}
		if d.Type().IsRegular() && strings.EqualFold(filepath.Ext(p), ".json") {
			files = append(files, p)
		}
		return nil
	})
	return files, err
}

// catalogResolver snapshots every catalog model into a resolver.
func (l *Library) catalogResolver(ctx context.Context) (*resolver.Resolver, error) {
	catalog, err := l.store.ListModels(ctx, database.ModelFilter{})
	if err != nil {
		return nil, err
	}
	return resolver.New(catalog), nil
}

// ScanDirectory parses and resolves every workflow under root, then deletes
// rows for workflows under root whose file is gone. Cancellation stops
// before the next file and skips eviction.
func (l *Library) ScanDirectory(ctx context.Context, root string, onProgress func(Progress)) (*ScanResult, error) {
	start := time.Now()
	root = filepath.Clean(root)
	files, err := Walk(root)
	if err != nil {
		return &ScanResult{}, err
	}
	r, err := l.catalogResolver(ctx)
	if err != nil {
		return &ScanResult{}, err
	}

	res := &ScanResult{Scanned: len(files)}
	observed := make(map[string]bool, len(files))
	for i, p := range files {
		if ctx.Err() != nil {
			res.Duration = time.Since(start)
			return res, context.Cause(ctx)
		}
		observed[p] = true
		_, added, err := l.ingest(ctx, p, r)
		switch {
		case err != nil:
			log.WithError(err).Warnf("Failed to store workflow %s", p)
			res.Errors++
		case added:
			res.Added++
		default:
			res.Updated++
		}
		if onProgress != nil {
			onProgress(Progress{Processed: i + 1, Total: len(files), CurrentFile: p})
		}
	}

	existing, err := l.store.ListWorkflows(ctx, database.WorkflowFilter{PathPrefix: root})
	if err != nil {
		return res, err
	}
	var stale []string
	for _, wf := range existing {
		if underRoot(wf.SourcePath, root) && !observed[wf.SourcePath] {
			stale = append(stale, wf.ID)
		}
	}
	if len(stale) > 0 {
		n, err := l.store.DeleteWorkflows(ctx, stale)
		if err != nil {
			return res, err
		}
		res.Removed = int(n)
		if l.search != nil {
			if err := l.search.DeleteWorkflows(stale); err != nil {
				log.WithError(err).Warn("Failed to remove stale workflows from search index")
			}
		}
	}

	res.Duration = time.Since(start)
	log.WithFields(log.Fields{
		"root":    root,
		"added":   res.Added,
		"updated": res.Updated,
		"removed": res.Removed,
		"errors":  res.Errors,
	}).Infof("Workflow scan finished in %s", res.Duration.Round(time.Millisecond))
	return res, nil
}

func underRoot(p, root string) bool {
	rel, err := filepath.Rel(root, p)
	return err == nil && rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

func (l *Library) ingest(ctx context.Context, p string, r *resolver.Resolver) (*models.WorkflowRecord, bool, error) {
	raw, err := os.ReadFile(p)
	if err != nil {
		return nil, false, err
	}
	wf, err := l.store.WorkflowByPath(ctx, p)
	added := false
	switch {
	case errors.Is(err, database.ErrNotFound):
		added = true
		wf = &models.WorkflowRecord{ID: uuid.NewString(), SourcePath: p}
	case err != nil:
		return nil, false, err
	}
	wf.Name = strings.TrimSuffix(filepath.Base(p), filepath.Ext(p))
	wf.RawContent = string(raw)
	deps := l.evaluate(wf, r)
	if err := l.save(ctx, wf, deps); err != nil {
		return nil, false, err
	}
	return wf, added, nil
}

func (l *Library) save(ctx context.Context, wf *models.WorkflowRecord, deps []models.WorkflowDependency) error {
	wf.LastScannedAt = time.Now()
	if err := l.store.SaveWorkflow(ctx, wf, deps); err != nil {
		return err
	}
	if l.search != nil {
		if err := l.search.IndexWorkflow(*wf); err != nil {
			log.WithError(err).Warnf("Failed to index workflow %s for search", wf.Name)
		}
	}
	return nil
}

// evaluate parses the stored raw content and refreshes the summary fields of wf.
func (l *Library) evaluate(wf *models.WorkflowRecord, r *resolver.Resolver) []models.WorkflowDependency {
	pr, err := l.parser.ParseBytes([]byte(wf.RawContent))
	if err != nil {
		log.WithError(err).Debugf("Workflow %s does not parse", wf.SourcePath)
		*wf = models.WorkflowRecord{
			ID: wf.ID, SourcePath: wf.SourcePath, Name: wf.Name, RawContent: wf.RawContent,
			CreatedAt: wf.CreatedAt,
		}
		wf.Status = resolver.WorkflowStatus(nil, err)
		wf.ParseError = err.Error()
		return nil
	}

	res := r.Resolve(pr.Dependencies)
	est := resolver.Estimate(res, pr.Metadata.Resolution)

	s := res.Summary
	wf.Status = resolver.WorkflowStatus(res, nil)
	wf.ParseError = ""
	wf.TotalDependencies = s.Total
	wf.ResolvedLocal = s.ResolvedLocal
	wf.ResolvedWarehouse = s.ResolvedWarehouse
	wf.MissingCount = s.Missing
	wf.AmbiguousCount = s.Ambiguous
	wf.IncompatibleCount = s.Incompatible
	wf.TotalSizeBytes = s.TotalSizeBytes
	wf.EstimatedVRAMGB = est.PeakGB
	wf.VRAMWarnings = est.Warnings
	wf.Metadata = pr.Metadata
	wf.Metadata.Architecture = s.Architecture
	wf.UnmappedNodeTypes = pr.Unmapped

	deps := make([]models.WorkflowDependency, 0, len(res.Dependencies))
	for _, rd := range res.Dependencies {
		deps = append(deps, models.WorkflowDependency{
			WorkflowID:           wf.ID,
			NodeID:               rd.NodeID,
			NodeType:             rd.NodeType,
			ModelType:            rd.ModelType,
			ModelName:            rd.ModelName,
			Status:               rd.Status,
			ResolvedModelID:      rd.ResolvedModelID,
			RemoteURLs:           rd.RemoteURLs,
			ExpectedArchitecture: rd.ExpectedArchitecture,
			CompatibilityIssue:   rd.CompatibilityIssue,
			CandidateModelIDs:    rd.CandidateModelIDs,
		})
	}
	return deps
}

// Resolve re-resolves one stored workflow against the current catalog.
func (l *Library) Resolve(ctx context.Context, id string) (*models.WorkflowRecord, error) {
	wf, err := l.store.GetWorkflow(ctx, id)
	if err != nil {
		return nil, err
	}
	r, err := l.catalogResolver(ctx)
	if err != nil {
		return nil, err
	}
	deps := l.evaluate(wf, r)
	if err := l.save(ctx, wf, deps); err != nil {
		return nil, err
	}
	return wf, nil
}

// ResolveAll re-resolves every stored workflow from its raw content and returns how many were updated.
func (l *Library) ResolveAll(ctx context.Context, onProgress func(Progress)) (int, error) {
	workflows, err := l.store.ListWorkflows(ctx, database.WorkflowFilter{})
	if err != nil {
		return 0, err
	}
	r, err := l.catalogResolver(ctx)
	if err != nil {
		return 0, err
	}
	updated := 0
	for i := range workflows {
		if ctx.Err() != nil {
			return updated, context.Cause(ctx)
		}
		wf := &workflows[i]
		deps := l.evaluate(wf, r)
		if err := l.save(ctx, wf, deps); err != nil {
			log.WithError(err).Warnf("Failed to re-resolve workflow %s", wf.Name)
		} else {
			updated++
		}
		if onProgress != nil {
			onProgress(Progress{Processed: i + 1, Total: len(workflows), CurrentFile: wf.SourcePath})
		}
	}
	log.Infof("Re-resolved %d of %d workflow(s)", updated, len(workflows))
	return updated, nil
}

// QueueMissingDownloads queues a download for every missing dependency of a
// workflow that has a direct remote URL. Destinations already queued are skipped.
func (l *Library) QueueMissingDownloads(ctx context.Context, workflowID, destRoot string) ([]models.DownloadQueueItem, error) {
	wf, err := l.store.GetWorkflow(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	queued, err := l.store.ListDownloadItems(ctx, models.DownloadQueued)
	if err != nil {
		return nil, err
	}
	pending := make(map[string]bool, len(queued))
	for _, item := range queued {
		pending[item.DestinationPath] = true
	}

	var items []models.DownloadQueueItem
	for _, dep := range wf.Dependencies {
		if dep.Status != models.DepMissing {
			continue
		}
		u, ok := resolver.DirectURL(dep.RemoteURLs)
		if !ok {
			log.Debugf("No direct source for %s, skipping", dep.ModelName)
			continue
		}
		dest := filepath.Join(destRoot, forensics.ModelFolder(dep.ModelType), downloadName(dep.ModelName, u))
		if pending[dest] {
			continue
		}
		depID := dep.ID
		item := models.DownloadQueueItem{
			DependencyID:    &depID,
			ModelName:       dep.ModelName,
			ModelType:       dep.ModelType,
			SourceKind:      resolver.SourceKind(u),
			URL:             u,
			DestinationPath: dest,
			Status:          models.DownloadQueued,
		}
		if err := l.store.CreateDownloadItem(ctx, &item); err != nil {
			return items, err
		}
		pending[dest] = true
		items = append(items, item)
	}
	log.Infof("Queued %d download(s) for workflow %s", len(items), wf.Name)
	return items, nil
}

// downloadName is the on-disk filename for a reference, taken from the URL when the reference is one.
func downloadName(ref, rawURL string) string {
	name := ref
	if strings.HasPrefix(ref, "http://") || strings.HasPrefix(ref, "https://") {
		if u, err := url.Parse(rawURL); err == nil {
			name = path.Base(u.Path)
		}
	}
	name = strings.ReplaceAll(name, "\\", "/")
	return path.Base(name)
}
