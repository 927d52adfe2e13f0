package scheduler

import (
	"context"
	"errors"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"go-modelvault/internal/database"
	"go-modelvault/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	waitFor = 5 * time.Second
	tick    = 10 * time.Millisecond
)

func newScheduler(t *testing.T, opts Options) (*Scheduler, *database.Store) {
	t.Helper()
	store, err := database.OpenStore(filepath.Join(t.TempDir(), "tasks.db"))
	require.NoError(t, err)
	s := New(store, opts)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), waitFor)
		defer cancel()
		_ = s.Stop(ctx)
		_ = store.Close()
	})
	return s, store
}

func opts() CreateOptions {
	return CreateOptions{Cancellable: true, Pausable: true}
}

func status(t *testing.T, s *Scheduler, id string) string {
	t.Helper()
	task, err := s.Get(context.Background(), id)
	require.NoError(t, err)
	return task.Status
}

func countStatus(t *testing.T, s *Scheduler, st string) int {
	t.Helper()
	tasks, err := s.List(context.Background(), database.TaskFilter{Statuses: []string{st}})
	require.NoError(t, err)
	return len(tasks)
}

// blockingWorker finishes when it receives from release, or aborts on ctx.
func blockingWorker(release <-chan struct{}) Worker {
	return func(ctx context.Context, _ *models.Task, _ Reporter) error {
		select {
		case <-release:
			return nil
		case <-ctx.Done():
			return ErrAborted
		}
	}
}

func TestConcurrencyBoundAndPromotion(t *testing.T) {
	ctx := context.Background()
	s, _ := newScheduler(t, Options{MaxConcurrent: 3})
	release := make(chan struct{})
	s.Register("block", blockingWorker(release))
	require.NoError(t, s.Start(ctx))

	for i := 0; i < 5; i++ {
		_, err := s.CreateTask(ctx, "block", "", opts())
		require.NoError(t, err)
	}
	assert.Equal(t, 3, countStatus(t, s, models.TaskRunning))
	assert.Equal(t, 2, countStatus(t, s, models.TaskPending))

	release <- struct{}{}
	require.Eventually(t, func() bool {
		return countStatus(t, s, models.TaskCompleted) == 1 && countStatus(t, s, models.TaskRunning) == 3
	}, waitFor, tick)
	assert.Equal(t, 1, countStatus(t, s, models.TaskPending))
	assert.LessOrEqual(t, s.Active(), 3)
}

func TestPendingOrderPriorityThenNewest(t *testing.T) {
	ctx := context.Background()
	s, _ := newScheduler(t, Options{MaxConcurrent: 1})
	release := make(chan struct{})
	s.Register("block", blockingWorker(release))
	require.NoError(t, s.Start(ctx))

	first, err := s.CreateTask(ctx, "block", "", opts())
	require.NoError(t, err)
	low, err := s.CreateTask(ctx, "block", "", opts())
	require.NoError(t, err)
	time.Sleep(5 * time.Millisecond)
	newer, err := s.CreateTask(ctx, "block", "", opts())
	require.NoError(t, err)
	high := opts()
	high.Priority = 10
	urgent, err := s.CreateTask(ctx, "block", "", high)
	require.NoError(t, err)
	assert.Equal(t, models.TaskRunning, status(t, s, first.ID))

	release <- struct{}{}
	require.Eventually(t, func() bool { return status(t, s, urgent.ID) == models.TaskRunning }, waitFor, tick)
	release <- struct{}{}
	require.Eventually(t, func() bool { return status(t, s, newer.ID) == models.TaskRunning }, waitFor, tick)
	assert.Equal(t, models.TaskPending, status(t, s, low.ID))
}

func TestPauseResumeCancel(t *testing.T) {
	ctx := context.Background()
	s, store := newScheduler(t, Options{MaxConcurrent: 2})

	var invocations atomic.Int32
	s.Register("loop", func(ctx context.Context, task *models.Task, r Reporter) error {
		invocations.Add(1)
		for i := 0; ; i++ {
			if err := r.Progress(Progress{CurrentItems: i, TotalItems: 1000}); err != nil {
				// Slow drain so a quick resume finds the old worker still running.
				time.Sleep(30 * time.Millisecond)
				return err
			}
			time.Sleep(5 * time.Millisecond)
		}
	})
	require.NoError(t, s.Start(ctx))

	task, err := s.CreateTask(ctx, "loop", "", opts())
	require.NoError(t, err)
	require.Equal(t, models.TaskRunning, task.Status)

	require.NoError(t, s.Pause(ctx, task.ID))
	assert.Equal(t, models.TaskPaused, status(t, s, task.ID))
	assert.ErrorIs(t, s.Pause(ctx, task.ID), ErrInvalidTransition)

	require.NoError(t, s.Resume(ctx, task.ID))
	require.Eventually(t, func() bool {
		return invocations.Load() == 2 && status(t, s, task.ID) == models.TaskRunning
	}, waitFor, tick)

	require.NoError(t, s.Cancel(ctx, task.ID))
	assert.Equal(t, models.TaskCancelled, status(t, s, task.ID))
	require.Eventually(t, func() bool { return s.Active() == 0 }, waitFor, tick)

	final, err := s.Get(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskCancelled, final.Status)
	assert.Empty(t, final.ErrorMessage)
	assert.Equal(t, 0, final.RetryCount)

	logs, err := store.TaskLogs(ctx, task.ID, 0)
	require.NoError(t, err)
	for _, l := range logs {
		assert.NotEqual(t, models.LogError, l.Level, l.Message)
	}
	assert.ErrorIs(t, s.Resume(ctx, task.ID), ErrInvalidTransition)
	assert.ErrorIs(t, s.Cancel(ctx, task.ID), ErrInvalidTransition)
}

func TestRetryBudget(t *testing.T) {
	ctx := context.Background()
	s, _ := newScheduler(t, Options{MaxConcurrent: 1})
	s.Register("boom", func(ctx context.Context, _ *models.Task, r Reporter) error {
		return errors.New("disk on fire")
	})
	require.NoError(t, s.Start(ctx))

	createOpts := opts()
	createOpts.MaxRetries = Retries(2)
	task, err := s.CreateTask(ctx, "boom", "", createOpts)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return status(t, s, task.ID) == models.TaskFailed }, waitFor, tick)

	for i := 1; i <= 2; i++ {
		require.NoError(t, s.Retry(ctx, task.ID))
		require.Eventually(t, func() bool {
			got, err := s.Get(ctx, task.ID)
			return err == nil && got.Status == models.TaskFailed && got.RetryCount == i
		}, waitFor, tick)
	}

	err = s.Retry(ctx, task.ID)
	assert.ErrorIs(t, err, ErrRetryBudgetExceeded)
	final, err := s.Get(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskFailed, final.Status)
	assert.Equal(t, "disk on fire", final.ErrorMessage)
	assert.Equal(t, 2, final.RetryCount)

	logs, err := s.Logs(ctx, task.ID, 0)
	require.NoError(t, err)
	errorLogs := 0
	for _, l := range logs {
		if l.Level == models.LogError {
			errorLogs++
		}
	}
	assert.Equal(t, 3, errorLogs)
}

func TestUnregisteredTypeFailsImmediately(t *testing.T) {
	ctx := context.Background()
	s, _ := newScheduler(t, Options{})
	require.NoError(t, s.Start(ctx))

	task, err := s.CreateTask(ctx, "nope", "", opts())
	require.NoError(t, err)
	assert.Equal(t, models.TaskFailed, task.Status)
	assert.Contains(t, task.ErrorMessage, `"nope"`)
	assert.Equal(t, 0, s.Active())
}

func TestFlagsAndInvalidTransitions(t *testing.T) {
	ctx := context.Background()
	s, _ := newScheduler(t, Options{MaxConcurrent: 1})
	release := make(chan struct{})
	s.Register("block", blockingWorker(release))
	require.NoError(t, s.Start(ctx))

	locked, err := s.CreateTask(ctx, "block", "", CreateOptions{})
	require.NoError(t, err)
	assert.ErrorIs(t, s.Pause(ctx, locked.ID), ErrNotPausable)
	assert.ErrorIs(t, s.Cancel(ctx, locked.ID), ErrNotCancellable)
	assert.ErrorIs(t, s.Retry(ctx, locked.ID), ErrInvalidTransition)
	assert.ErrorIs(t, s.Delete(ctx, locked.ID), ErrInvalidTransition)

	queued, err := s.CreateTask(ctx, "block", "", opts())
	require.NoError(t, err)
	assert.Equal(t, models.TaskPending, queued.Status)
	assert.ErrorIs(t, s.Pause(ctx, queued.ID), ErrInvalidTransition)
	require.NoError(t, s.Cancel(ctx, queued.ID))
	assert.Equal(t, models.TaskCancelled, status(t, s, queued.ID))

	require.NoError(t, s.Delete(ctx, queued.ID))
	_, err = s.Get(ctx, queued.ID)
	assert.ErrorIs(t, err, ErrTaskNotFound)
	_, err = s.Logs(ctx, queued.ID, 0)
	assert.ErrorIs(t, err, ErrTaskNotFound)

	release <- struct{}{}
	require.Eventually(t, func() bool { return status(t, s, locked.ID) == models.TaskCompleted }, waitFor, tick)
}

func TestProgressAndSnapshot(t *testing.T) {
	ctx := context.Background()
	s, _ := newScheduler(t, Options{})
	s.Register("count", func(ctx context.Context, _ *models.Task, r Reporter) error {
		if err := r.Log(models.LogInfo, "counting"); err != nil {
			return err
		}
		return r.Progress(Progress{CurrentItems: 5, TotalItems: 10, CurrentBytes: 100, TotalBytes: 300, SpeedBps: 50, Message: "halfway"})
	})
	require.NoError(t, s.Start(ctx))

	task, err := s.CreateTask(ctx, "count", "rel-1", CreateOptions{Name: "Count things"})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return status(t, s, task.ID) == models.TaskCompleted }, waitFor, tick)

	snap, err := s.Snapshot(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, "rel-1", snap.Task.RelatedID)
	assert.Equal(t, 5, snap.Task.CurrentItems)
	assert.Equal(t, int64(4), snap.Task.EtaSeconds)
	assert.Equal(t, "halfway", snap.Task.ProgressMessage)
	assert.InDelta(t, 50.0, snap.Task.Percent(), 1e-9)
	require.NotEmpty(t, snap.Logs)
	assert.Equal(t, "Task completed", snap.Logs[len(snap.Logs)-1].Message)
}

func TestTimeoutFailsTask(t *testing.T) {
	ctx := context.Background()
	s, _ := newScheduler(t, Options{TaskTimeout: 50 * time.Millisecond})
	s.Register("block", blockingWorker(make(chan struct{})))
	require.NoError(t, s.Start(ctx))

	task, err := s.CreateTask(ctx, "block", "", opts())
	require.NoError(t, err)
	require.Eventually(t, func() bool { return status(t, s, task.ID) == models.TaskFailed }, waitFor, tick)
	got, err := s.Get(ctx, task.ID)
	require.NoError(t, err)
	assert.Contains(t, got.ErrorMessage, "timed out")
}

func TestStopRequeuesAndStartRecovers(t *testing.T) {
	ctx := context.Background()
	s, store := newScheduler(t, Options{})
	s.Register("block", blockingWorker(make(chan struct{})))
	require.NoError(t, s.Start(ctx))

	task, err := s.CreateTask(ctx, "block", "", opts())
	require.NoError(t, err)
	require.NoError(t, s.Stop(ctx))
	assert.Equal(t, models.TaskPending, status(t, s, task.ID))
	assert.Equal(t, 0, s.Active())

	// A row left running by a crashed process is recovered on start.
	require.NoError(t, store.UpdateTask(ctx, task.ID, map[string]interface{}{"status": models.TaskRunning}))
	release := make(chan struct{})
	s.Register("block", blockingWorker(release))
	require.NoError(t, s.Start(ctx))
	assert.Equal(t, models.TaskRunning, status(t, s, task.ID))
	close(release)
	require.Eventually(t, func() bool { return status(t, s, task.ID) == models.TaskCompleted }, waitFor, tick)
}

func TestBulkOperations(t *testing.T) {
	ctx := context.Background()
	s, _ := newScheduler(t, Options{MaxConcurrent: 2})
	s.Register("block", blockingWorker(make(chan struct{})))
	require.NoError(t, s.Start(ctx))

	for i := 0; i < 3; i++ {
		_, err := s.CreateTask(ctx, "block", "", opts())
		require.NoError(t, err)
	}
	_, err := s.CreateTask(ctx, "block", "", CreateOptions{Cancellable: true})
	require.NoError(t, err)

	paused, err := s.PauseAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, paused)

	cancelled, err := s.CancelAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 4, cancelled)
	require.Eventually(t, func() bool { return s.Active() == 0 }, waitFor, tick)

	resumed, err := s.ResumeAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, resumed)
}

func TestSyncAppliesChangesFromAnotherProcess(t *testing.T) {
	ctx := context.Background()
	s, store := newScheduler(t, Options{MaxConcurrent: 1})
	var invocations atomic.Int32
	s.Register("block", func(ctx context.Context, task *models.Task, r Reporter) error {
		invocations.Add(1)
		<-ctx.Done()
		return ErrAborted
	})
	require.NoError(t, s.Start(ctx))

	task, err := s.CreateTask(ctx, "block", "", opts())
	require.NoError(t, err)
	require.Equal(t, models.TaskRunning, task.Status)

	// A second, never-started scheduler only edits rows.
	remote := New(store, Options{})
	require.NoError(t, remote.Pause(ctx, task.ID))
	assert.Equal(t, 1, s.Active())

	require.NoError(t, s.Sync(ctx))
	require.Eventually(t, func() bool { return s.Active() == 0 }, waitFor, tick)
	assert.Equal(t, models.TaskPaused, status(t, s, task.ID))

	require.NoError(t, remote.Resume(ctx, task.ID))
	assert.Equal(t, models.TaskPending, status(t, s, task.ID))
	require.NoError(t, s.Sync(ctx))
	require.Eventually(t, func() bool {
		return invocations.Load() == 2 && status(t, s, task.ID) == models.TaskRunning
	}, waitFor, tick)

	require.NoError(t, remote.Cancel(ctx, task.ID))
	require.NoError(t, s.Sync(ctx))
	require.Eventually(t, func() bool { return s.Active() == 0 }, waitFor, tick)
	assert.Equal(t, models.TaskCancelled, status(t, s, task.ID))
}

func TestTimeoutAfterWorkerReturnsKeepsCompletion(t *testing.T) {
	ctx := context.Background()
	timeout := 100 * time.Millisecond
	s, _ := newScheduler(t, Options{TaskTimeout: timeout})
	returning := make(chan struct{})
	s.Register("quick", func(context.Context, *models.Task, Reporter) error {
		close(returning)
		return nil
	})
	require.NoError(t, s.Start(ctx))

	task, err := s.CreateTask(ctx, "quick", "", opts())
	require.NoError(t, err)

	// Keep finish waiting on the lock until the deadline has long passed.
	<-returning
	s.mu.Lock()
	time.Sleep(3 * timeout)
	s.mu.Unlock()

	require.Eventually(t, func() bool { return status(t, s, task.ID) == models.TaskCompleted }, waitFor, tick)
	got, err := s.Get(ctx, task.ID)
	require.NoError(t, err)
	assert.Empty(t, got.ErrorMessage)
}
