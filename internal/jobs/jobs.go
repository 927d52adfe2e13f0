// Package jobs implements the scheduler workers for scans, re-resolution and downloads.
package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strconv"
	"time"

	"go-modelvault/internal/config"
	"go-modelvault/internal/database"
	"go-modelvault/internal/downloader"
	"go-modelvault/internal/indexer"
	"go-modelvault/internal/library"
	"go-modelvault/internal/lock"
	"go-modelvault/internal/models"
	"go-modelvault/internal/scheduler"

	log "github.com/sirupsen/logrus"
)

// Task types
const (
	TypeModelScan       = "model-scan"
	TypeWorkflowScan    = "workflow-scan"
	TypeWorkflowResolve = "workflow-resolve"
	TypeDownload        = "download"
)

var ErrBadPayload = errors.New("invalid task payload")

// lockPoll is how often a scan waiting for its location lock re-checks.
const lockPoll = 200 * time.Millisecond

type ModelScanPayload struct {
	Root            string `json:"root"`
	Location        string `json:"location"`
	ValidationLevel string `json:"validationLevel"`
	ForceRescan     bool   `json:"forceRescan"`
}

type WorkflowScanPayload struct {
	Root string `json:"root"`
}

// WorkflowResolvePayload re-resolves one workflow, or all of them when WorkflowID is empty.
type WorkflowResolvePayload struct {
	WorkflowID string `json:"workflowId,omitempty"`
}

// DownloadStore is the download queue persistence.
type DownloadStore interface {
	GetDownloadItem(ctx context.Context, id uint) (*models.DownloadQueueItem, error)
	UpdateDownloadItem(ctx context.Context, id uint, fields map[string]interface{}) error
}

// Deps are the services workers run against. Settings may be nil.
type Deps struct {
	Indexer    *indexer.Indexer
	Library    *library.Library
	Downloader *downloader.Downloader
	Downloads  DownloadStore
	Settings   *database.DB
	Locks      *lock.MutexMap

	// Tokens maps a download source kind (civitai, huggingface) to its bearer token.
	Tokens map[string]string
	// DownloadValidation is the analysis level for freshly installed files.
	DownloadValidation string
	ScanBatchSize      int
}

type Runner struct {
	d Deps
}

// Register binds every worker to s.
func Register(s *scheduler.Scheduler, d Deps) *Runner {
	if d.Locks == nil {
		d.Locks = lock.NewMutexMap()
	}
	if d.DownloadValidation == "" {
		d.DownloadValidation = config.ValidationFull
	}
	r := &Runner{d: d}
	s.Register(TypeModelScan, r.modelScan)
	s.Register(TypeWorkflowScan, r.workflowScan)
	s.Register(TypeWorkflowResolve, r.workflowResolve)
	s.Register(TypeDownload, r.download)
	return r
}

func decode(task *models.Task, v interface{}) error {
	if err := json.Unmarshal([]byte(task.Payload), v); err != nil {
		return fmt.Errorf("%w: %v", ErrBadPayload, err)
	}
	return nil
}

// aborted maps a worker error to ErrAborted when the scheduler stopped the task.
func aborted(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return scheduler.ErrAborted
	}
	return err
}

// lockLocation waits for the per-location catalog lock, giving up when ctx ends.
func (r *Runner) lockLocation(ctx context.Context, location string, rep scheduler.Reporter) error {
	if r.d.Locks.TryLock(location) {
		return nil
	}
	_ = rep.Log(models.LogInfo, fmt.Sprintf("Waiting for another %s scan to finish", location))
	t := time.NewTicker(lockPoll)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return scheduler.ErrAborted
		case <-t.C:
			if r.d.Locks.TryLock(location) {
				return nil
			}
		}
	}
}

// modelScan checks for cancellation before each file (inside the indexer).
func (r *Runner) modelScan(ctx context.Context, task *models.Task, rep scheduler.Reporter) error {
	var p ModelScanPayload
	if err := decode(task, &p); err != nil {
		return err
	}
	if p.Location == "" {
		p.Location = models.LocationLocal
	}
	if p.ValidationLevel == "" {
		p.ValidationLevel = config.ValidationStandard
	}

	if err := r.lockLocation(ctx, p.Location, rep); err != nil {
		return err
	}
	defer r.d.Locks.Unlock(p.Location)

	_ = rep.Log(models.LogInfo, fmt.Sprintf("Scanning %s (%s, %s validation)", p.Root, p.Location, p.ValidationLevel))
	res, err := r.d.Indexer.Scan(ctx, p.Root, indexer.Options{
		Location:        p.Location,
		ValidationLevel: p.ValidationLevel,
		ForceRescan:     p.ForceRescan,
		OnProgress: func(pr indexer.Progress) {
			_ = rep.Progress(scheduler.Progress{
				CurrentItems: pr.Processed,
				TotalItems:   pr.Total,
				Message:      filepath.Base(pr.CurrentFile),
			})
		},
	})
	if err != nil {
		return aborted(ctx, err)
	}

	msg := fmt.Sprintf("%d new, %d updated, %d removed, %d unchanged, %d errors",
		res.NewModels, res.UpdatedModels, res.RemovedModels, res.SkippedModels, res.Errors)
	_ = rep.Log(models.LogInfo, msg)
	if r.d.Settings != nil {
		if err := r.d.Settings.SetLastModelScan(database.ScanSummary{
			Root: p.Root, Location: p.Location, Scanned: res.ScannedCount,
			Added: res.NewModels, Updated: res.UpdatedModels, Removed: res.RemovedModels, Errors: res.Errors,
			DurationMs: res.Duration.Milliseconds(), FinishedAt: time.Now(),
		}); err != nil {
			log.WithError(err).Warn("Failed to record scan summary")
		}
	}

	// The catalog changed; refresh workflow statuses.
	if r.d.Library != nil && (res.NewModels > 0 || res.UpdatedModels > 0 || res.RemovedModels > 0) {
		if _, err := r.d.Library.ResolveAll(ctx, nil); err != nil {
			return aborted(ctx, err)
		}
	}
	return nil
}

// workflowScan checks for cancellation before each workflow file.
func (r *Runner) workflowScan(ctx context.Context, task *models.Task, rep scheduler.Reporter) error {
	var p WorkflowScanPayload
	if err := decode(task, &p); err != nil {
		return err
	}
	_ = rep.Log(models.LogInfo, "Scanning workflows in "+p.Root)
	res, err := r.d.Library.ScanDirectory(ctx, p.Root, func(pr library.Progress) {
		_ = rep.Progress(scheduler.Progress{
			CurrentItems: pr.Processed,
			TotalItems:   pr.Total,
			Message:      filepath.Base(pr.CurrentFile),
		})
	})
	if err != nil {
		return aborted(ctx, err)
	}
	_ = rep.Log(models.LogInfo, fmt.Sprintf("%d added, %d updated, %d removed, %d errors",
		res.Added, res.Updated, res.Removed, res.Errors))
	if r.d.Settings != nil {
		if err := r.d.Settings.SetLastWorkflowScan(database.ScanSummary{
			Root: p.Root, Scanned: res.Scanned, Added: res.Added, Updated: res.Updated,
			Removed: res.Removed, Errors: res.Errors,
			DurationMs: res.Duration.Milliseconds(), FinishedAt: time.Now(),
		}); err != nil {
			log.WithError(err).Warn("Failed to record workflow scan summary")
		}
	}
	return nil
}

// workflowResolve checks for cancellation before each workflow.
func (r *Runner) workflowResolve(ctx context.Context, task *models.Task, rep scheduler.Reporter) error {
	var p WorkflowResolvePayload
	if task.Payload != "" {
		if err := decode(task, &p); err != nil {
			return err
		}
	}
	if p.WorkflowID != "" {
		wf, err := r.d.Library.Resolve(ctx, p.WorkflowID)
		if err != nil {
			return aborted(ctx, err)
		}
		return rep.Log(models.LogInfo, fmt.Sprintf("%s is %s", wf.Name, wf.Status))
	}
	n, err := r.d.Library.ResolveAll(ctx, func(pr library.Progress) {
		_ = rep.Progress(scheduler.Progress{CurrentItems: pr.Processed, TotalItems: pr.Total})
	})
	if err != nil {
		return aborted(ctx, err)
	}
	return rep.Log(models.LogInfo, fmt.Sprintf("Re-resolved %d workflow(s)", n))
}

// download checks for cancellation in the downloader's read loop. Pause and
// shutdown leave the item queued with its .part file; cancel marks it cancelled.
func (r *Runner) download(ctx context.Context, task *models.Task, rep scheduler.Reporter) error {
	id64, err := strconv.ParseUint(task.RelatedID, 10, 64)
	if err != nil {
		return fmt.Errorf("%w: download item id %q", ErrBadPayload, task.RelatedID)
	}
	id := uint(id64)
	bg := context.Background()
	item, err := r.d.Downloads.GetDownloadItem(ctx, id)
	if err != nil {
		return err
	}
	if item.Status == models.DownloadComplete {
		return rep.Log(models.LogInfo, "Already downloaded")
	}
	if err := r.d.Downloads.UpdateDownloadItem(ctx, id, map[string]interface{}{
		"status":        models.DownloadDownloading,
		"task_id":       task.ID,
		"temp_path":     downloader.PartPath(item.DestinationPath),
		"error_message": "",
	}); err != nil {
		return err
	}
	_ = rep.Log(models.LogInfo, fmt.Sprintf("Downloading %s from %s", item.ModelName, item.URL))

	res, err := r.d.Downloader.Download(ctx, downloader.Request{
		URL:             item.URL,
		DestinationPath: item.DestinationPath,
		ExpectedHash:    item.ExpectedHash,
		Token:           r.d.Tokens[item.SourceKind],
		OnProgress: func(p downloader.Progress) {
			_ = rep.Progress(scheduler.Progress{
				CurrentBytes: p.BytesDownloaded,
				TotalBytes:   p.TotalBytes,
				SpeedBps:     p.SpeedBps,
				Message:      item.ModelName,
			})
		},
	})
	if err != nil {
		if ctx.Err() != nil {
			status := models.DownloadQueued
			if errors.Is(context.Cause(ctx), scheduler.ErrCancelled) {
				status = models.DownloadCancelled
			}
			if uerr := r.d.Downloads.UpdateDownloadItem(bg, id, map[string]interface{}{
				"status":           status,
				"bytes_downloaded": res.BytesDownloaded,
			}); uerr != nil {
				log.WithError(uerr).Warnf("Failed to update download item %d", id)
			}
			return scheduler.ErrAborted
		}
		if uerr := r.d.Downloads.UpdateDownloadItem(bg, id, map[string]interface{}{
			"status":           models.DownloadFailed,
			"error_message":    err.Error(),
			"bytes_downloaded": res.BytesDownloaded,
		}); uerr != nil {
			log.WithError(uerr).Warnf("Failed to update download item %d", id)
		}
		return err
	}

	if err := r.d.Downloads.UpdateDownloadItem(bg, id, map[string]interface{}{
		"status":           models.DownloadValidating,
		"bytes_downloaded": res.BytesDownloaded,
		"sha256":           res.SHA256,
	}); err != nil {
		return err
	}
	complete := map[string]interface{}{
		"status":    models.DownloadComplete,
		"temp_path": "",
	}
	if r.d.Indexer != nil {
		// The file is installed either way; a later local scan indexes it.
		if err := r.lockLocation(ctx, models.LocationLocal, rep); err != nil {
			if uerr := r.d.Downloads.UpdateDownloadItem(bg, id, complete); uerr != nil {
				log.WithError(uerr).Warnf("Failed to update download item %d", id)
			}
			_ = rep.Log(models.LogWarn, "Downloaded but not indexed: stopped while waiting for a local scan")
			return err
		}
		rec, err := r.d.Indexer.IndexFile(bg, item.DestinationPath, models.LocationLocal, r.d.DownloadValidation)
		r.d.Locks.Unlock(models.LocationLocal)
		if err != nil {
			_ = rep.Log(models.LogWarn, "Downloaded but could not index: "+err.Error())
		} else {
			_ = rep.Log(models.LogInfo, fmt.Sprintf("Indexed as %s (%s)", rec.ID, rec.DetectedType))
		}
	}
	return r.d.Downloads.UpdateDownloadItem(bg, id, complete)
}
