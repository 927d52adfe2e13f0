package database

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go-modelvault/internal/models"

	log "github.com/sirupsen/logrus"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

// ErrNotFound is returned when a key or row does not exist.
var ErrNotFound = errors.New("not found")

// Store is the relational catalog: models, workflows, tasks and downloads.
type Store struct {
	db *gorm.DB
}

// OpenStore opens (creating if needed) the sqlite database at path and migrates the schema.
func OpenStore(path string) (*Store, error) {
	dir := filepath.Dir(path)
	if dir != "." && dir != "/" {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return nil, fmt.Errorf("failed to create database directory %s: %w", dir, err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_foreign_keys=1&_journal_mode=WAL&_busy_timeout=5000", path)
	gormLogger := logger.New(log.StandardLogger(), logger.Config{
		SlowThreshold:             500 * time.Millisecond,
		LogLevel:                  logger.Warn,
		IgnoreRecordNotFoundError: true,
	})
	if log.IsLevelEnabled(log.TraceLevel) {
		gormLogger = gormLogger.LogMode(logger.Info)
	}

	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: gormLogger})
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database at %s: %w", path, err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get database instance: %w", err)
	}
	// sqlite allows a single writer; one connection keeps pragmas and writes consistent.
	sqlDB.SetMaxOpenConns(1)

	if err := AutoMigrate(db); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("failed to auto-migrate: %w", err)
	}

	log.Infof("Catalog database opened at %s", path)
	return &Store{db: db}, nil
}

// AutoMigrate runs GORM auto-migration for all catalog rows.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&models.ModelRecord{},
		&models.ScanLog{},
		&models.WorkflowRecord{},
		&models.WorkflowDependency{},
		&models.Task{},
		&models.TaskLog{},
		&models.DownloadQueueItem{},
	)
}

// Close closes the database connection.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func notFound(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrNotFound
	}
	return err
}

// --- Models ---

// ModelFilter narrows ListModels. Empty fields match everything.
type ModelFilter struct {
	Location string
	Type     string
}

// UpsertModel inserts or updates a model row by id.
func (s *Store) UpsertModel(ctx context.Context, m *models.ModelRecord) error {
	if err := s.db.WithContext(ctx).Save(m).Error; err != nil {
		return fmt.Errorf("upserting model %s: %w", m.Filepath, err)
	}
	return nil
}

func (s *Store) GetModel(ctx context.Context, id string) (*models.ModelRecord, error) {
	var m models.ModelRecord
	if err := s.db.WithContext(ctx).First(&m, "id = ?", id).Error; err != nil {
		return nil, notFound(err)
	}
	return &m, nil
}

// ModelByPath returns the row for a file at a location.
func (s *Store) ModelByPath(ctx context.Context, location, path string) (*models.ModelRecord, error) {
	var m models.ModelRecord
	err := s.db.WithContext(ctx).Where("location = ? AND filepath = ?", location, path).First(&m).Error
	if err != nil {
		return nil, notFound(err)
	}
	return &m, nil
}

func (s *Store) ListModels(ctx context.Context, filter ModelFilter) ([]models.ModelRecord, error) {
	q := s.db.WithContext(ctx).Order("filename ASC")
	if filter.Location != "" {
		q = q.Where("location = ?", filter.Location)
	}
	if filter.Type != "" {
		q = q.Where("detected_type = ?", filter.Type)
	}
	var out []models.ModelRecord
	if err := q.Find(&out).Error; err != nil {
		return nil, fmt.Errorf("listing models: %w", err)
	}
	return out, nil
}

// DeleteModels removes model rows by id and returns how many were deleted.
func (s *Store) DeleteModels(ctx context.Context, ids []string) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	res := s.db.WithContext(ctx).Where("id IN ?", ids).Delete(&models.ModelRecord{})
	if res.Error != nil {
		return 0, fmt.Errorf("deleting models: %w", res.Error)
	}
	return res.RowsAffected, nil
}

func (s *Store) AddScanLog(ctx context.Context, entry *models.ScanLog) error {
	return s.db.WithContext(ctx).Create(entry).Error
}

// RecentScanLogs returns the newest scan logs, optionally for one location.
func (s *Store) RecentScanLogs(ctx context.Context, location string, limit int) ([]models.ScanLog, error) {
	q := s.db.WithContext(ctx).Order("created_at DESC, id DESC")
	if location != "" {
		q = q.Where("location = ?", location)
	}
	if limit > 0 {
		q = q.Limit(limit)
	}
	var out []models.ScanLog
	return out, q.Find(&out).Error
}

// --- Workflows ---

// WorkflowFilter narrows ListWorkflows. Empty fields match everything.
type WorkflowFilter struct {
	Status     string
	PathPrefix string
}

// SaveWorkflow upserts a workflow row and replaces its dependency rows in one transaction.
func (s *Store) SaveWorkflow(ctx context.Context, wf *models.WorkflowRecord, deps []models.WorkflowDependency) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Omit(clause.Associations).Save(wf).Error; err != nil {
			return fmt.Errorf("saving workflow %s: %w", wf.SourcePath, err)
		}
		if err := tx.Where("workflow_id = ?", wf.ID).Delete(&models.WorkflowDependency{}).Error; err != nil {
			return fmt.Errorf("clearing dependencies of %s: %w", wf.ID, err)
		}
		if len(deps) == 0 {
			wf.Dependencies = nil
			return nil
		}
		for i := range deps {
			deps[i].ID = 0
			deps[i].WorkflowID = wf.ID
		}
		if err := tx.Create(&deps).Error; err != nil {
			return fmt.Errorf("inserting dependencies of %s: %w", wf.ID, err)
		}
		wf.Dependencies = deps
		return nil
	})
}

// GetWorkflow returns a workflow with its dependencies.
func (s *Store) GetWorkflow(ctx context.Context, id string) (*models.WorkflowRecord, error) {
	var wf models.WorkflowRecord
	err := s.db.WithContext(ctx).Preload("Dependencies", func(db *gorm.DB) *gorm.DB {
		return db.Order("id ASC")
	}).First(&wf, "id = ?", id).Error
	if err != nil {
		return nil, notFound(err)
	}
	return &wf, nil
}

func (s *Store) WorkflowByPath(ctx context.Context, path string) (*models.WorkflowRecord, error) {
	var wf models.WorkflowRecord
	if err := s.db.WithContext(ctx).Where("source_path = ?", path).First(&wf).Error; err != nil {
		return nil, notFound(err)
	}
	return &wf, nil
}

// ListWorkflows returns workflow rows without their dependencies.
func (s *Store) ListWorkflows(ctx context.Context, filter WorkflowFilter) ([]models.WorkflowRecord, error) {
	q := s.db.WithContext(ctx).Order("source_path ASC")
	if filter.Status != "" {
		q = q.Where("status = ?", filter.Status)
	}
	if filter.PathPrefix != "" {
		q = q.Where("source_path LIKE ?", filter.PathPrefix+"%")
	}
	var out []models.WorkflowRecord
	if err := q.Find(&out).Error; err != nil {
		return nil, fmt.Errorf("listing workflows: %w", err)
	}
	return out, nil
}

// DeleteWorkflows removes workflows; their dependencies go with them.
func (s *Store) DeleteWorkflows(ctx context.Context, ids []string) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	res := s.db.WithContext(ctx).Where("id IN ?", ids).Delete(&models.WorkflowRecord{})
	if res.Error != nil {
		return 0, fmt.Errorf("deleting workflows: %w", res.Error)
	}
	return res.RowsAffected, nil
}

func (s *Store) ListDependencies(ctx context.Context, workflowID string) ([]models.WorkflowDependency, error) {
	var out []models.WorkflowDependency
	err := s.db.WithContext(ctx).Where("workflow_id = ?", workflowID).Order("id ASC").Find(&out).Error
	return out, err
}

// --- Tasks ---

// TaskFilter narrows ListTasks. Empty fields match everything.
type TaskFilter struct {
	Statuses []string
	Type     string
	Limit    int
}

func (s *Store) CreateTask(ctx context.Context, t *models.Task) error {
	if err := s.db.WithContext(ctx).Omit(clause.Associations).Create(t).Error; err != nil {
		return fmt.Errorf("creating task %s: %w", t.Name, err)
	}
	return nil
}

func (s *Store) GetTask(ctx context.Context, id string) (*models.Task, error) {
	var t models.Task
	if err := s.db.WithContext(ctx).First(&t, "id = ?", id).Error; err != nil {
		return nil, notFound(err)
	}
	return &t, nil
}

// UpdateTask applies column updates to one task.
func (s *Store) UpdateTask(ctx context.Context, id string, fields map[string]interface{}) error {
	res := s.db.WithContext(ctx).Model(&models.Task{}).Where("id = ?", id).Updates(fields)
	if res.Error != nil {
		return fmt.Errorf("updating task %s: %w", id, res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdateTasksWithStatus moves every task in one status to another and returns the count.
func (s *Store) UpdateTasksWithStatus(ctx context.Context, from string, fields map[string]interface{}) (int64, error) {
	res := s.db.WithContext(ctx).Model(&models.Task{}).Where("status = ?", from).Updates(fields)
	return res.RowsAffected, res.Error
}

// ListTasks returns tasks newest first.
func (s *Store) ListTasks(ctx context.Context, filter TaskFilter) ([]models.Task, error) {
	q := s.db.WithContext(ctx).Order("created_at DESC")
	if len(filter.Statuses) > 0 {
		q = q.Where("status IN ?", filter.Statuses)
	}
	if filter.Type != "" {
		q = q.Where("type = ?", filter.Type)
	}
	if filter.Limit > 0 {
		q = q.Limit(filter.Limit)
	}
	var out []models.Task
	if err := q.Find(&out).Error; err != nil {
		return nil, fmt.Errorf("listing tasks: %w", err)
	}
	return out, nil
}

// PendingTasks returns pending tasks in start order: highest priority, then most recent.
func (s *Store) PendingTasks(ctx context.Context) ([]models.Task, error) {
	var out []models.Task
	err := s.db.WithContext(ctx).
		Where("status = ?", models.TaskPending).
		Order("priority DESC, created_at DESC").
		Find(&out).Error
	return out, err
}

// DeleteTask removes a task and its logs.
func (s *Store) DeleteTask(ctx context.Context, id string) error {
	res := s.db.WithContext(ctx).Where("id = ?", id).Delete(&models.Task{})
	if res.Error != nil {
		return fmt.Errorf("deleting task %s: %w", id, res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Store) AppendTaskLog(ctx context.Context, taskID, level, message string) error {
	entry := models.TaskLog{TaskID: taskID, Level: level, Message: message}
	return s.db.WithContext(ctx).Create(&entry).Error
}

// TaskLogs returns the logs of a task in append order. With limit > 0 only the last entries are returned.
func (s *Store) TaskLogs(ctx context.Context, taskID string, limit int) ([]models.TaskLog, error) {
	var out []models.TaskLog
	q := s.db.WithContext(ctx).Where("task_id = ?", taskID)
	if limit > 0 {
		q = q.Order("id DESC").Limit(limit)
	} else {
		q = q.Order("id ASC")
	}
	if err := q.Find(&out).Error; err != nil {
		return nil, err
	}
	if limit > 0 {
		for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
			out[i], out[j] = out[j], out[i]
		}
	}
	return out, nil
}

// --- Download queue ---

func (s *Store) CreateDownloadItem(ctx context.Context, item *models.DownloadQueueItem) error {
	return s.db.WithContext(ctx).Create(item).Error
}

func (s *Store) GetDownloadItem(ctx context.Context, id uint) (*models.DownloadQueueItem, error) {
	var item models.DownloadQueueItem
	if err := s.db.WithContext(ctx).First(&item, id).Error; err != nil {
		return nil, notFound(err)
	}
	return &item, nil
}

func (s *Store) UpdateDownloadItem(ctx context.Context, id uint, fields map[string]interface{}) error {
	res := s.db.WithContext(ctx).Model(&models.DownloadQueueItem{}).Where("id = ?", id).Updates(fields)
	if res.Error != nil {
		return fmt.Errorf("updating download item %d: %w", id, res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Store) ListDownloadItems(ctx context.Context, status string) ([]models.DownloadQueueItem, error) {
	q := s.db.WithContext(ctx).Order("id ASC")
	if status != "" {
		q = q.Where("status = ?", status)
	}
	var out []models.DownloadQueueItem
	return out, q.Find(&out).Error
}
