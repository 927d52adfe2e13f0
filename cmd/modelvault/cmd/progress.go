package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gosuri/uilive"
	log "github.com/sirupsen/logrus"

	"go-modelvault/internal/database"
	"go-modelvault/internal/helpers"
	"go-modelvault/internal/models"
	"go-modelvault/internal/scheduler"
)

const refreshInterval = 500 * time.Millisecond

var errTasksUnfinished = errors.New("some tasks did not complete")

// commandContext is cancelled on SIGINT/SIGTERM.
func commandContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

// settled reports whether a task will not progress without user action.
func settled(t models.Task) bool {
	return t.IsTerminal() || t.Status == models.TaskPaused
}

func taskLine(t models.Task) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s  %-9s %5.1f%%  %s", shortID(t.ID), t.Status, t.Percent(), t.Name)
	switch {
	case t.ErrorMessage != "":
		b.WriteString("  ! " + t.ErrorMessage)
	case t.ProgressMessage != "":
		b.WriteString("  " + t.ProgressMessage)
	}
	if t.Status == models.TaskRunning && t.SpeedBps > 0 {
		fmt.Fprintf(&b, "  %s/s", helpers.BytesToSize(uint64(t.SpeedBps)))
	}
	if t.Status == models.TaskRunning && t.EtaSeconds > 0 {
		fmt.Fprintf(&b, "  eta %s", (time.Duration(t.EtaSeconds) * time.Second).String())
	}
	return b.String()
}

// renderTasks writes one frame in a single write so uilive never shows half of it.
func renderTasks(w io.Writer, tasks []models.Task) {
	var b strings.Builder
	if len(tasks) == 0 {
		b.WriteString("No active tasks\n")
	}
	for _, t := range tasks {
		b.WriteString(taskLine(t))
		b.WriteByte('\n')
	}
	fmt.Fprint(w, b.String())
}

// activeTasks returns the watched tasks and whether all of them are settled.
// An empty ids list watches everything pending, running or paused.
func activeTasks(ctx context.Context, s *scheduler.Scheduler, ids []string) ([]models.Task, bool, error) {
	if len(ids) == 0 {
		tasks, err := s.List(ctx, database.TaskFilter{
			Statuses: []string{models.TaskRunning, models.TaskPending, models.TaskPaused},
		})
		if err != nil {
			return nil, false, err
		}
		for _, t := range tasks {
			if !settled(t) {
				return tasks, false, nil
			}
		}
		return tasks, true, nil
	}
	tasks := make([]models.Task, 0, len(ids))
	done := true
	for _, id := range ids {
		t, err := s.Get(ctx, id)
		if err != nil {
			return nil, false, err
		}
		tasks = append(tasks, *t)
		done = done && settled(*t)
	}
	return tasks, done, nil
}

// runTasks starts the scheduler and shows live progress until every task in
// ids has settled, or until ctx ends when follow is set. An interrupt leaves
// running tasks pending for the next run.
func (a *app) runTasks(ctx context.Context, ids []string, follow bool) error {
	if err := a.sched.Start(ctx); err != nil {
		return err
	}
	log.Debugf("Running tasks, up to %d at a time", a.sched.MaxConcurrent())
	writer := uilive.New()
	writer.Start()
	defer writer.Stop()

	ticker := time.NewTicker(refreshInterval)
	defer ticker.Stop()
	var last []models.Task
	for {
		if ctx.Err() == nil {
			if err := a.sched.Sync(ctx); err != nil && ctx.Err() == nil {
				log.WithError(err).Warn("Failed to sync task state")
			}
		}
		tasks, done, err := activeTasks(context.Background(), a.sched, ids)
		if err != nil {
			return err
		}
		renderTasks(writer, tasks)
		last = tasks
		if done && !follow {
			break
		}
		select {
		case <-ctx.Done():
			writer.Flush()
			log.Info("Interrupted; unfinished tasks will restart on the next run")
			return nil
		case <-ticker.C:
		}
	}
	writer.Flush()

	unfinished := 0
	for _, t := range last {
		if t.Status != models.TaskCompleted {
			unfinished++
		}
	}
	if unfinished > 0 {
		return fmt.Errorf("%w: %d of %d", errTasksUnfinished, unfinished, len(last))
	}
	return nil
}
