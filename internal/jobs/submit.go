package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strconv"

	"go-modelvault/internal/models"
	"go-modelvault/internal/scheduler"
)

// Priorities: downloads run before scans, which run before re-resolution.
const (
	PriorityResolve  = 0
	PriorityScan     = 5
	PriorityDownload = 10
)

func payload(v interface{}) (string, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(raw), nil
}

// SubmitModelScan queues a catalog scan of one root.
func SubmitModelScan(ctx context.Context, s *scheduler.Scheduler, p ModelScanPayload) (*models.Task, error) {
	if p.Location == "" {
		p.Location = models.LocationLocal
	}
	raw, err := payload(p)
	if err != nil {
		return nil, err
	}
	return s.CreateTask(ctx, TypeModelScan, p.Root, scheduler.CreateOptions{
		Name:        fmt.Sprintf("Scan %s models in %s", p.Location, filepath.Base(p.Root)),
		Description: p.Root,
		Payload:     raw,
		Priority:    PriorityScan,
		Cancellable: true,
	})
}

// SubmitWorkflowScan queues a scan of one workflow root.
func SubmitWorkflowScan(ctx context.Context, s *scheduler.Scheduler, root string) (*models.Task, error) {
	raw, err := payload(WorkflowScanPayload{Root: root})
	if err != nil {
		return nil, err
	}
	return s.CreateTask(ctx, TypeWorkflowScan, root, scheduler.CreateOptions{
		Name:        "Scan workflows in " + filepath.Base(root),
		Description: root,
		Payload:     raw,
		Priority:    PriorityScan,
		Cancellable: true,
	})
}

// SubmitResolve queues re-resolution of one workflow, or of all workflows when id is empty.
func SubmitResolve(ctx context.Context, s *scheduler.Scheduler, workflowID string) (*models.Task, error) {
	raw, err := payload(WorkflowResolvePayload{WorkflowID: workflowID})
	if err != nil {
		return nil, err
	}
	name := "Resolve all workflows"
	if workflowID != "" {
		name = "Resolve workflow " + workflowID
	}
	return s.CreateTask(ctx, TypeWorkflowResolve, workflowID, scheduler.CreateOptions{
		Name:        name,
		Payload:     raw,
		Priority:    PriorityResolve,
		Cancellable: true,
	})
}

// SubmitDownload queues a download task for a queue item and links the two.
func SubmitDownload(ctx context.Context, s *scheduler.Scheduler, store DownloadStore, item *models.DownloadQueueItem) (*models.Task, error) {
	task, err := s.CreateTask(ctx, TypeDownload, strconv.FormatUint(uint64(item.ID), 10), scheduler.CreateOptions{
		Name:        "Download " + filepath.Base(item.DestinationPath),
		Description: item.URL,
		Priority:    PriorityDownload,
		MaxRetries:  scheduler.Retries(3),
		Cancellable: true,
		Pausable:    true,
	})
	if err != nil {
		return nil, err
	}
	item.TaskID = task.ID
	if err := store.UpdateDownloadItem(ctx, item.ID, map[string]interface{}{"task_id": task.ID}); err != nil {
		return task, err
	}
	return task, nil
}
