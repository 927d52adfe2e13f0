package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/gosuri/uilive"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"go-modelvault/internal/database"
	"go-modelvault/internal/models"
	"go-modelvault/internal/scheduler"
)

var errAmbiguousTask = errors.New("task id prefix matches more than one task")

var tasksCmd = &cobra.Command{
	Use:   "tasks",
	Short: "List, inspect and control background tasks",
	Long: `Tasks are persisted in the catalog database. Control commands (pause, resume,
cancel, retry) change the stored state; a modelvault process that is running
tasks applies the change within a second. Task ids may be abbreviated.`,
}

var tasksListCmd = &cobra.Command{
	Use:   "list",
	Short: "List tasks, newest first",
	RunE:  runTasksList,
}

var tasksShowCmd = &cobra.Command{
	Use:   "show <task>",
	Short: "Show a task and its most recent logs",
	Args:  cobra.ExactArgs(1),
	RunE:  runTasksShow,
}

var tasksLogsCmd = &cobra.Command{
	Use:   "logs <task>",
	Short: "Print a task's logs",
	Args:  cobra.ExactArgs(1),
	RunE:  runTasksLogs,
}

var tasksRunCmd = &cobra.Command{
	Use:   "run",
	Short: "Run queued tasks until the queue is empty (or until interrupted with --follow)",
	RunE:  runTasksRun,
}

var tasksWatchCmd = &cobra.Command{
	Use:   "watch [task...]",
	Short: "Show live progress of tasks run by another modelvault process",
	RunE:  runTasksWatch,
}

func init() {
	rootCmd.AddCommand(tasksCmd)
	tasksCmd.AddCommand(tasksListCmd, tasksShowCmd, tasksLogsCmd, tasksRunCmd, tasksWatchCmd)

	tasksListCmd.Flags().StringSlice("status", nil, "Only tasks with these statuses")
	tasksListCmd.Flags().String("type", "", "Only tasks of this type (model-scan, workflow-scan, workflow-resolve, download)")
	tasksListCmd.Flags().Int("limit", 50, "Maximum number of tasks (0 for all)")
	tasksLogsCmd.Flags().Int("limit", 0, "Only the latest N log entries (0 for all)")
	tasksRunCmd.Flags().Bool("follow", false, "Keep running and picking up new tasks until interrupted")
	tasksWatchCmd.Flags().Bool("follow", false, "Keep watching until interrupted")

	viper.BindPFlag("tasks.status", tasksListCmd.Flags().Lookup("status"))
	viper.BindPFlag("tasks.type", tasksListCmd.Flags().Lookup("type"))
	viper.BindPFlag("tasks.limit", tasksListCmd.Flags().Lookup("limit"))
	viper.BindPFlag("tasks.log_limit", tasksLogsCmd.Flags().Lookup("limit"))
	viper.BindPFlag("tasks.run_follow", tasksRunCmd.Flags().Lookup("follow"))
	viper.BindPFlag("tasks.watch_follow", tasksWatchCmd.Flags().Lookup("follow"))

	addControlCommand("pause", "Pause running tasks (downloads keep their partial file)", true, (*scheduler.Scheduler).Pause, (*scheduler.Scheduler).PauseAll)
	addControlCommand("resume", "Resume paused tasks", true, (*scheduler.Scheduler).Resume, (*scheduler.Scheduler).ResumeAll)
	addControlCommand("cancel", "Cancel unfinished tasks", true, (*scheduler.Scheduler).Cancel, (*scheduler.Scheduler).CancelAll)
	addControlCommand("retry", "Requeue failed tasks within their retry budget", false, (*scheduler.Scheduler).Retry, nil)
	addControlCommand("delete", "Delete finished tasks and their logs", false, (*scheduler.Scheduler).Delete, nil)
}

// addControlCommand registers a per-task control command, with --all when a bulk form exists.
func addControlCommand(name, short string, bulk bool,
	op func(*scheduler.Scheduler, context.Context, string) error,
	all func(*scheduler.Scheduler, context.Context) (int, error)) {
	c := &cobra.Command{
		Use:   name + " [task...]",
		Short: short,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openStore(globalConfig)
			if err != nil {
				return err
			}
			defer a.Close()
			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}

			if doAll, _ := cmd.Flags().GetBool("all"); doAll {
				n, err := all(a.sched, ctx)
				fmt.Printf("%s: %d task(s)\n", name, n)
				return err
			}
			if len(args) == 0 {
				return fmt.Errorf("%s needs at least one task id", name)
			}
			var failed int
			for _, ref := range args {
				t, err := findTask(ctx, a.sched, ref)
				if err == nil {
					err = op(a.sched, ctx, t.ID)
				}
				if err != nil {
					log.WithError(err).Errorf("%s %s failed", name, ref)
					failed++
					continue
				}
				fmt.Printf("%s: %s %s\n", name, shortID(t.ID), t.Name)
			}
			if failed > 0 {
				return fmt.Errorf("%s failed for %d task(s)", name, failed)
			}
			return nil
		},
	}
	if bulk {
		c.Flags().Bool("all", false, "Apply to every eligible task")
	}
	tasksCmd.AddCommand(c)
}

// findTask accepts a full task id or an unambiguous prefix of one.
func findTask(ctx context.Context, s *scheduler.Scheduler, ref string) (*models.Task, error) {
	t, err := s.Get(ctx, ref)
	if err == nil || !errors.Is(err, scheduler.ErrTaskNotFound) {
		return t, err
	}
	tasks, lerr := s.List(ctx, database.TaskFilter{})
	if lerr != nil {
		return nil, lerr
	}
	var match *models.Task
	for i := range tasks {
		if strings.HasPrefix(tasks[i].ID, ref) {
			if match != nil {
				return nil, fmt.Errorf("%w: %s", errAmbiguousTask, ref)
			}
			match = &tasks[i]
		}
	}
	if match == nil {
		return nil, err
	}
	return match, nil
}

func printTasks(tasks []models.Task) {
	tw := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tSTATUS\tPROGRESS\tTYPE\tNAME\tCREATED")
	for _, t := range tasks {
		fmt.Fprintf(tw, "%s\t%s\t%.1f%%\t%s\t%s\t%s\n",
			shortID(t.ID), t.Status, t.Percent(), t.Type, t.Name, t.CreatedAt.Format(time.DateTime))
	}
	tw.Flush()
}

func runTasksList(cmd *cobra.Command, args []string) error {
	a, err := openStore(globalConfig)
	if err != nil {
		return err
	}
	defer a.Close()

	tasks, err := a.sched.List(context.Background(), database.TaskFilter{
		Statuses: viper.GetStringSlice("tasks.status"),
		Type:     viper.GetString("tasks.type"),
		Limit:    viper.GetInt("tasks.limit"),
	})
	if err != nil {
		return err
	}
	printTasks(tasks)
	return nil
}

func printLogs(logs []models.TaskLog) {
	for _, l := range logs {
		fmt.Printf("%s  %-5s  %s\n", l.CreatedAt.Format(time.DateTime), strings.ToUpper(l.Level), l.Message)
	}
}

func runTasksShow(cmd *cobra.Command, args []string) error {
	a, err := openStore(globalConfig)
	if err != nil {
		return err
	}
	defer a.Close()
	ctx := context.Background()

	t, err := findTask(ctx, a.sched, args[0])
	if err != nil {
		return err
	}
	snap, err := a.sched.Snapshot(ctx, t.ID)
	if err != nil {
		return err
	}
	t = &snap.Task

	tw := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintf(tw, "ID:\t%s\n", t.ID)
	fmt.Fprintf(tw, "Name:\t%s\n", t.Name)
	fmt.Fprintf(tw, "Type:\t%s\n", t.Type)
	if t.Description != "" {
		fmt.Fprintf(tw, "Description:\t%s\n", t.Description)
	}
	fmt.Fprintf(tw, "Status:\t%s\n", t.Status)
	fmt.Fprintf(tw, "Progress:\t%.1f%%\n", t.Percent())
	if t.TotalItems > 0 {
		fmt.Fprintf(tw, "Items:\t%d / %d\n", t.CurrentItems, t.TotalItems)
	}
	if t.TotalBytes > 0 {
		fmt.Fprintf(tw, "Bytes:\t%d / %d\n", t.CurrentBytes, t.TotalBytes)
	}
	if t.ProgressMessage != "" {
		fmt.Fprintf(tw, "Message:\t%s\n", t.ProgressMessage)
	}
	if t.ErrorMessage != "" {
		fmt.Fprintf(tw, "Error:\t%s\n", t.ErrorMessage)
	}
	fmt.Fprintf(tw, "Retries:\t%d / %d\n", t.RetryCount, t.MaxRetries)
	fmt.Fprintf(tw, "Priority:\t%d\n", t.Priority)
	fmt.Fprintf(tw, "Pausable:\t%t\n", t.Pausable)
	fmt.Fprintf(tw, "Cancellable:\t%t\n", t.Cancellable)
	fmt.Fprintf(tw, "Created:\t%s\n", t.CreatedAt.Format(time.DateTime))
	if t.StartedAt != nil {
		fmt.Fprintf(tw, "Started:\t%s\n", t.StartedAt.Format(time.DateTime))
	}
	if t.CompletedAt != nil {
		fmt.Fprintf(tw, "Finished:\t%s\n", t.CompletedAt.Format(time.DateTime))
	}
	tw.Flush()

	if len(snap.Logs) > 0 {
		fmt.Println("\nRecent logs:")
		printLogs(snap.Logs)
	}
	return nil
}

func runTasksLogs(cmd *cobra.Command, args []string) error {
	a, err := openStore(globalConfig)
	if err != nil {
		return err
	}
	defer a.Close()
	ctx := context.Background()

	t, err := findTask(ctx, a.sched, args[0])
	if err != nil {
		return err
	}
	logs, err := a.sched.Logs(ctx, t.ID, viper.GetInt("tasks.log_limit"))
	if err != nil {
		return err
	}
	printLogs(logs)
	return nil
}

func runTasksRun(cmd *cobra.Command, args []string) error {
	a, err := openApp(globalConfig)
	if err != nil {
		return err
	}
	defer a.Close()
	ctx, stop := commandContext()
	defer stop()
	return a.runTasks(ctx, nil, viper.GetBool("tasks.run_follow"))
}

// runTasksWatch only polls the database; it never starts tasks itself.
func runTasksWatch(cmd *cobra.Command, args []string) error {
	a, err := openStore(globalConfig)
	if err != nil {
		return err
	}
	defer a.Close()
	ctx, stop := commandContext()
	defer stop()

	var ids []string
	for _, ref := range args {
		t, err := findTask(ctx, a.sched, ref)
		if err != nil {
			return err
		}
		ids = append(ids, t.ID)
	}
	follow := viper.GetBool("tasks.watch_follow")

	writer := uilive.New()
	writer.Start()
	defer writer.Stop()
	ticker := time.NewTicker(refreshInterval)
	defer ticker.Stop()
	for {
		tasks, done, err := activeTasks(context.Background(), a.sched, ids)
		if err != nil {
			return err
		}
		renderTasks(writer, tasks)
		if done && !follow {
			return nil
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}
