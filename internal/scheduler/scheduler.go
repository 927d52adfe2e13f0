// Package scheduler runs long operations as persisted, bounded-concurrency tasks.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go-modelvault/internal/database"
	"go-modelvault/internal/models"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
)

var (
	ErrTaskNotFound        = errors.New("task not found")
	ErrInvalidTransition   = errors.New("invalid task state transition")
	ErrRetryBudgetExceeded = errors.New("retry budget exceeded")
	ErrNotPausable         = errors.New("task is not pausable")
	ErrNotCancellable      = errors.New("task is not cancellable")
	ErrAborted             = errors.New("task aborted")
	ErrNotRunning          = errors.New("scheduler is not running")
)

// Context causes attached when the scheduler stops a worker.
var (
	ErrPaused    = errors.New("task paused")
	ErrCancelled = errors.New("task cancelled")
	ErrShutdown  = errors.New("scheduler shutting down")
	ErrTimeout   = errors.New("task timed out")
)

const DefaultMaxConcurrent = 3

// Store is the persistence the scheduler needs; *database.Store implements it.
type Store interface {
	CreateTask(ctx context.Context, t *models.Task) error
	GetTask(ctx context.Context, id string) (*models.Task, error)
	UpdateTask(ctx context.Context, id string, fields map[string]interface{}) error
	UpdateTasksWithStatus(ctx context.Context, from string, fields map[string]interface{}) (int64, error)
	ListTasks(ctx context.Context, filter database.TaskFilter) ([]models.Task, error)
	PendingTasks(ctx context.Context) ([]models.Task, error)
	DeleteTask(ctx context.Context, id string) error
	AppendTaskLog(ctx context.Context, taskID, level, message string) error
	TaskLogs(ctx context.Context, taskID string, limit int) ([]models.TaskLog, error)
}

// Worker executes one task. It must check ctx before each unit of work and
// return ErrAborted (or ctx's error) once ctx is done.
type Worker func(ctx context.Context, task *models.Task, r Reporter) error

type Options struct {
	MaxConcurrent     int
	DefaultMaxRetries int
	TaskTimeout       time.Duration // 0 disables the watchdog
}

// CreateOptions describe a new task.
type CreateOptions struct {
	Name        string
	Description string
	Payload     string
	Priority    int
	MaxRetries  *int // nil uses Options.DefaultMaxRetries
	Cancellable bool
	Pausable    bool
}

// Retries is a helper for CreateOptions.MaxRetries.
func Retries(n int) *int { return &n }

type run struct {
	taskID string
	ctx    context.Context
	cancel context.CancelCauseFunc
	stop   context.CancelFunc
}

// Scheduler owns the run table. Every status change of a task with a live
// run happens under mu together with the run table update.
type Scheduler struct {
	store Store
	opts  Options

	mu         sync.Mutex
	workers    map[string]Worker
	runs       map[string]*run
	started    bool
	baseCtx    context.Context
	baseCancel context.CancelCauseFunc
	wg         sync.WaitGroup
}

func New(store Store, opts Options) *Scheduler {
	if opts.MaxConcurrent <= 0 {
		opts.MaxConcurrent = DefaultMaxConcurrent
	}
	if opts.DefaultMaxRetries < 0 {
		opts.DefaultMaxRetries = 0
	}
	return &Scheduler{
		store:   store,
		opts:    opts,
		workers: make(map[string]Worker),
		runs:    make(map[string]*run),
	}
}

// Register binds a worker to a task type. Registering twice replaces the worker.
func (s *Scheduler) Register(taskType string, w Worker) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.workers[taskType] = w
}

// Start recovers tasks left running by a previous process and begins dispatching.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return nil
	}
	n, err := s.store.UpdateTasksWithStatus(ctx, models.TaskRunning, map[string]interface{}{
		"status":           models.TaskPending,
		"progress_message": "interrupted; waiting to restart",
	})
	if err != nil {
		return fmt.Errorf("recovering interrupted tasks: %w", err)
	}
	if n > 0 {
		log.Infof("Recovered %d interrupted task(s) back to pending", n)
	}
	s.baseCtx, s.baseCancel = context.WithCancelCause(context.Background())
	s.started = true
	s.dispatchLocked()
	return nil
}

// Stop signals every worker, waits for them and returns their tasks to pending.
// It returns ctx's error if the workers do not exit in time.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return nil
	}
	s.started = false
	s.baseCancel(ErrShutdown)
	active := len(s.runs)
	s.mu.Unlock()

	if active > 0 {
		log.Infof("Waiting for %d running task(s) to stop...", active)
	}
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// MaxConcurrent reports the configured worker limit.
func (s *Scheduler) MaxConcurrent() int { return s.opts.MaxConcurrent }

// Active returns the number of live workers, including ones still draining after pause or cancel.
func (s *Scheduler) Active() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.runs)
}

// CreateTask persists a pending task and starts it if a slot is free.
func (s *Scheduler) CreateTask(ctx context.Context, taskType, relatedID string, opts CreateOptions) (*models.Task, error) {
	maxRetries := s.opts.DefaultMaxRetries
	if opts.MaxRetries != nil {
		maxRetries = max(*opts.MaxRetries, 0)
	}
	name := opts.Name
	if name == "" {
		name = taskType
	}
	task := &models.Task{
		ID:          uuid.NewString(),
		Type:        taskType,
		RelatedID:   relatedID,
		Name:        name,
		Description: opts.Description,
		Payload:     opts.Payload,
		Status:      models.TaskPending,
		Priority:    opts.Priority,
		MaxRetries:  maxRetries,
		Cancellable: opts.Cancellable,
		Pausable:    opts.Pausable,
	}
	if err := s.store.CreateTask(ctx, task); err != nil {
		return nil, err
	}
	s.appendLog(task.ID, models.LogInfo, "Task created")
	log.WithFields(log.Fields{"task": task.ID, "type": taskType}).Debugf("Created task %q", name)

	s.mu.Lock()
	s.dispatchLocked()
	s.mu.Unlock()
	return s.Get(ctx, task.ID)
}

func (s *Scheduler) Get(ctx context.Context, id string) (*models.Task, error) {
	t, err := s.store.GetTask(ctx, id)
	if errors.Is(err, database.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}
	return t, err
}

func (s *Scheduler) List(ctx context.Context, filter database.TaskFilter) ([]models.Task, error) {
	return s.store.ListTasks(ctx, filter)
}

// Logs returns a task's logs in append order; limit > 0 keeps only the latest entries.
func (s *Scheduler) Logs(ctx context.Context, id string, limit int) ([]models.TaskLog, error) {
	if _, err := s.Get(ctx, id); err != nil {
		return nil, err
	}
	return s.store.TaskLogs(ctx, id, limit)
}

// Snapshot is a polled view of a task and its most recent logs.
type Snapshot struct {
	Task models.Task
	Logs []models.TaskLog
}

const snapshotLogs = 20

func (s *Scheduler) Snapshot(ctx context.Context, id string) (*Snapshot, error) {
	t, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	logs, err := s.store.TaskLogs(ctx, id, snapshotLogs)
	if err != nil {
		return nil, err
	}
	return &Snapshot{Task: *t, Logs: logs}, nil
}

// Delete removes a finished task and its logs.
func (s *Scheduler) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	if !t.IsTerminal() {
		return fmt.Errorf("%w: cannot delete %s task", ErrInvalidTransition, t.Status)
	}
	return s.store.DeleteTask(ctx, id)
}

// Pause stops a running pausable task; its worker context is cancelled with ErrPaused.
func (s *Scheduler) Pause(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	if !t.Pausable {
		return fmt.Errorf("%w: %s", ErrNotPausable, id)
	}
	if t.Status != models.TaskRunning {
		return fmt.Errorf("%w: cannot pause %s task", ErrInvalidTransition, t.Status)
	}
	now := time.Now()
	if err := s.store.UpdateTask(ctx, id, map[string]interface{}{
		"status":    models.TaskPaused,
		"paused_at": &now,
	}); err != nil {
		return err
	}
	if r, ok := s.runs[id]; ok {
		r.cancel(ErrPaused)
	}
	s.appendLog(id, models.LogInfo, "Task paused")
	return nil
}

// Resume restarts a paused task now if a slot is free and its previous worker has exited,
// otherwise queues it as pending.
func (s *Scheduler) Resume(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	if t.Status != models.TaskPaused {
		return fmt.Errorf("%w: cannot resume %s task", ErrInvalidTransition, t.Status)
	}
	_, draining := s.runs[id]
	if !s.started || draining || len(s.runs) >= s.opts.MaxConcurrent {
		if err := s.store.UpdateTask(ctx, id, map[string]interface{}{"status": models.TaskPending}); err != nil {
			return err
		}
		s.appendLog(id, models.LogInfo, "Task resumed; waiting for a free slot")
		return nil
	}
	s.appendLog(id, models.LogInfo, "Task resumed")
	s.startLocked(t)
	return nil
}

// Cancel stops a task for good. Partial work (such as .part files) is left to the worker.
func (s *Scheduler) Cancel(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	if !t.Cancellable {
		return fmt.Errorf("%w: %s", ErrNotCancellable, id)
	}
	if t.IsTerminal() {
		return fmt.Errorf("%w: cannot cancel %s task", ErrInvalidTransition, t.Status)
	}
	now := time.Now()
	if err := s.store.UpdateTask(ctx, id, map[string]interface{}{
		"status":       models.TaskCancelled,
		"completed_at": &now,
	}); err != nil {
		return err
	}
	if r, ok := s.runs[id]; ok {
		r.cancel(ErrCancelled)
	}
	s.appendLog(id, models.LogInfo, "Task cancelled")
	return nil
}

// Retry requeues a failed task while its retry budget lasts.
func (s *Scheduler) Retry(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	if t.Status != models.TaskFailed {
		return fmt.Errorf("%w: cannot retry %s task", ErrInvalidTransition, t.Status)
	}
	if t.RetryCount >= t.MaxRetries {
		return fmt.Errorf("%w: %d of %d retries used", ErrRetryBudgetExceeded, t.RetryCount, t.MaxRetries)
	}
	if err := s.store.UpdateTask(ctx, id, map[string]interface{}{
		"status":        models.TaskPending,
		"retry_count":   t.RetryCount + 1,
		"error_message": "",
		"completed_at":  nil,
	}); err != nil {
		return err
	}
	s.appendLog(id, models.LogInfo, fmt.Sprintf("Retry %d of %d", t.RetryCount+1, t.MaxRetries))
	s.dispatchLocked()
	return nil
}

// PauseAll pauses every running pausable task and returns how many were paused.
func (s *Scheduler) PauseAll(ctx context.Context) (int, error) {
	return s.bulk(ctx, []string{models.TaskRunning}, s.Pause)
}

func (s *Scheduler) ResumeAll(ctx context.Context) (int, error) {
	return s.bulk(ctx, []string{models.TaskPaused}, s.Resume)
}

func (s *Scheduler) CancelAll(ctx context.Context) (int, error) {
	return s.bulk(ctx, []string{models.TaskPending, models.TaskRunning, models.TaskPaused}, s.Cancel)
}

func (s *Scheduler) bulk(ctx context.Context, statuses []string, op func(context.Context, string) error) (int, error) {
	tasks, err := s.store.ListTasks(ctx, database.TaskFilter{Statuses: statuses})
	if err != nil {
		return 0, err
	}
	count := 0
	for _, t := range tasks {
		err := op(ctx, t.ID)
		switch {
		case err == nil:
			count++
		case errors.Is(err, ErrNotPausable), errors.Is(err, ErrNotCancellable), errors.Is(err, ErrInvalidTransition):
			log.WithField("task", t.ID).Debugf("Skipping task in bulk operation: %v", err)
		default:
			return count, err
		}
	}
	return count, nil
}

// Sync applies task changes persisted by another process: live runs whose row
// was paused or cancelled are stopped, and pending tasks are dispatched.
func (s *Scheduler) Sync(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, r := range s.runs {
		if r.ctx.Err() != nil {
			continue
		}
		t, err := s.store.GetTask(ctx, id)
		if err != nil {
			return err
		}
		switch t.Status {
		case models.TaskPaused:
			r.cancel(ErrPaused)
		case models.TaskCancelled:
			r.cancel(ErrCancelled)
		}
	}
	s.dispatchLocked()
	return nil
}

// dispatchLocked starts pending tasks while slots are free. Caller holds mu.
func (s *Scheduler) dispatchLocked() {
	if !s.started {
		return
	}
	if len(s.runs) >= s.opts.MaxConcurrent {
		return
	}
	pending, err := s.store.PendingTasks(context.Background())
	if err != nil {
		log.WithError(err).Error("Failed to load pending tasks")
		return
	}
	for i := range pending {
		if len(s.runs) >= s.opts.MaxConcurrent {
			return
		}
		if _, draining := s.runs[pending[i].ID]; draining {
			continue
		}
		s.startLocked(&pending[i])
	}
}

// startLocked moves a task to running and launches its worker. Caller holds mu.
func (s *Scheduler) startLocked(t *models.Task) {
	bg := context.Background()
	logger := log.WithFields(log.Fields{"task": t.ID, "type": t.Type})

	worker, ok := s.workers[t.Type]
	if !ok {
		msg := fmt.Sprintf("no worker registered for task type %q", t.Type)
		now := time.Now()
		if err := s.store.UpdateTask(bg, t.ID, map[string]interface{}{
			"status":        models.TaskFailed,
			"error_message": msg,
			"completed_at":  &now,
		}); err != nil {
			logger.WithError(err).Error("Failed to persist task failure")
		}
		s.appendLog(t.ID, models.LogError, msg)
		logger.Warn(msg)
		return
	}

	now := time.Now()
	if err := s.store.UpdateTask(bg, t.ID, map[string]interface{}{
		"status":           models.TaskRunning,
		"started_at":       &now,
		"paused_at":        nil,
		"error_message":    "",
		"progress_message": "",
	}); err != nil {
		logger.WithError(err).Error("Failed to mark task running")
		return
	}
	t.Status = models.TaskRunning
	t.StartedAt = &now

	ctx, cancel := context.WithCancelCause(s.baseCtx)
	r := &run{taskID: t.ID, ctx: ctx, cancel: cancel, stop: func() {}}
	if s.opts.TaskTimeout > 0 {
		r.ctx, r.stop = context.WithTimeoutCause(ctx, s.opts.TaskTimeout, ErrTimeout)
	}
	s.runs[t.ID] = r
	s.appendLog(t.ID, models.LogInfo, "Task started")
	logger.Infof("Starting task %q", t.Name)

	task := *t
	s.wg.Add(1)
	go s.execute(r, worker, &task)
}

func (s *Scheduler) execute(r *run, worker Worker, task *models.Task) {
	defer s.wg.Done()
	var err error
	func() {
		defer func() {
			if p := recover(); p != nil {
				err = fmt.Errorf("worker panicked: %v", p)
			}
		}()
		err = worker(r.ctx, task, &reporter{s: s, r: r})
	}()
	// Disarm the watchdog before waiting on mu so a late tick cannot fail a finished task.
	r.stop()
	s.finish(r, task, err)
}

// finish records the worker outcome and frees its slot.
func (s *Scheduler) finish(r *run, task *models.Task, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	defer r.stop()
	defer r.cancel(nil)

	// Only remove our own entry; a resumed run of the same task may already own the id.
	if s.runs[r.taskID] == r {
		delete(s.runs, r.taskID)
	}

	bg := context.Background()
	logger := log.WithFields(log.Fields{"task": task.ID, "type": task.Type})
	cause := context.Cause(r.ctx)
	now := time.Now()

	switch {
	case errors.Is(cause, ErrPaused), errors.Is(cause, ErrCancelled):
		// Status was persisted by Pause/Cancel.
		logger.Debugf("Worker exited after %v", cause)
	case errors.Is(cause, ErrShutdown):
		if err := s.store.UpdateTask(bg, task.ID, map[string]interface{}{"status": models.TaskPending}); err != nil {
			logger.WithError(err).Error("Failed to requeue interrupted task")
		}
		s.appendLog(task.ID, models.LogInfo, "Interrupted by shutdown; will restart")
	case errors.Is(cause, ErrTimeout):
		msg := fmt.Sprintf("task timed out after %s", s.opts.TaskTimeout)
		s.fail(task, msg, &now)
	case err == nil:
		if err := s.store.UpdateTask(bg, task.ID, map[string]interface{}{
			"status":       models.TaskCompleted,
			"completed_at": &now,
		}); err != nil {
			logger.WithError(err).Error("Failed to mark task completed")
		}
		s.appendLog(task.ID, models.LogInfo, "Task completed")
		logger.Infof("Task %q completed", task.Name)
	case errors.Is(err, ErrAborted):
		// The worker gave up on its own without a scheduler signal.
		if err := s.store.UpdateTask(bg, task.ID, map[string]interface{}{
			"status":       models.TaskCancelled,
			"completed_at": &now,
		}); err != nil {
			logger.WithError(err).Error("Failed to mark task cancelled")
		}
		s.appendLog(task.ID, models.LogInfo, "Task aborted by worker")
	default:
		s.fail(task, err.Error(), &now)
	}

	s.dispatchLocked()
}

func (s *Scheduler) fail(task *models.Task, msg string, at *time.Time) {
	if err := s.store.UpdateTask(context.Background(), task.ID, map[string]interface{}{
		"status":        models.TaskFailed,
		"error_message": msg,
		"completed_at":  at,
	}); err != nil {
		log.WithError(err).WithField("task", task.ID).Error("Failed to mark task failed")
	}
	s.appendLog(task.ID, models.LogError, msg)
	log.WithFields(log.Fields{"task": task.ID, "type": task.Type}).Errorf("Task %q failed: %s", task.Name, msg)
}

func (s *Scheduler) appendLog(taskID, level, msg string) {
	if err := s.store.AppendTaskLog(context.Background(), taskID, level, msg); err != nil {
		log.WithError(err).WithField("task", taskID).Warn("Failed to append task log")
	}
}
