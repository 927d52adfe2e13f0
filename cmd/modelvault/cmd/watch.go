package cmd

import (
	"context"
	"errors"
	"path/filepath"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"go-modelvault/internal/database"
	"go-modelvault/internal/jobs"
	"go-modelvault/internal/models"
	"go-modelvault/internal/scheduler"
	"go-modelvault/internal/watch"
)

// kindWorkflows marks a watched workflow root; model roots map to their location.
const kindWorkflows = "workflows"

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Run tasks and rescan roots whenever files under them change",
	Long: `Watches every configured model and workflow root. Once changes under a root
have settled, a scan of that root is queued (unless one is already waiting).
Queued tasks are run in this process until interrupted.`,
	RunE: runWatch,
}

func init() {
	rootCmd.AddCommand(watchCmd)
	watchCmd.Flags().Duration("debounce", watch.DefaultDebounce, "Quiet period before a batch of changes triggers a scan")
	viper.BindPFlag("watch.debounce", watchCmd.Flags().Lookup("debounce"))
}

func watchTargets(cfg models.Config) map[string]string {
	out := make(map[string]string)
	for _, root := range cfg.WorkflowRoots {
		out[filepath.Clean(root)] = kindWorkflows
	}
	for _, root := range cfg.WarehouseRoots {
		out[filepath.Clean(root)] = models.LocationWarehouse
	}
	for _, root := range cfg.LocalModelRoots {
		out[filepath.Clean(root)] = models.LocationLocal
	}
	return out
}

// scanQueued reports whether a scan of root is already waiting to run.
func scanQueued(ctx context.Context, s *scheduler.Scheduler, taskType, root string) bool {
	pending, err := s.List(ctx, database.TaskFilter{Statuses: []string{models.TaskPending}, Type: taskType})
	if err != nil {
		log.WithError(err).Warn("Failed to list pending tasks")
		return false
	}
	for _, t := range pending {
		if t.RelatedID == root {
			return true
		}
	}
	return false
}

// queueRescan is the watch handler: one scan task per settled root.
func queueRescan(ctx context.Context, s *scheduler.Scheduler, cfg models.Config, targets map[string]string) watch.Handler {
	return func(root string, paths []string) {
		kind, ok := targets[root]
		if !ok {
			return
		}
		var err error
		switch kind {
		case kindWorkflows:
			if scanQueued(ctx, s, jobs.TypeWorkflowScan, root) {
				return
			}
			_, err = jobs.SubmitWorkflowScan(ctx, s, root)
		default:
			if scanQueued(ctx, s, jobs.TypeModelScan, root) {
				return
			}
			_, err = jobs.SubmitModelScan(ctx, s, jobs.ModelScanPayload{
				Root: root, Location: kind, ValidationLevel: cfg.ValidationLevel,
			})
		}
		if err != nil {
			log.WithError(err).Errorf("Failed to queue rescan of %s", root)
			return
		}
		log.WithField("root", root).Infof("Queued rescan after %d change(s)", len(paths))
	}
}

func runWatch(cmd *cobra.Command, args []string) error {
	targets := watchTargets(globalConfig)
	if len(targets) == 0 {
		return errNoRoots
	}

	a, err := openApp(globalConfig)
	if err != nil {
		return err
	}
	defer a.Close()
	ctx, stop := commandContext()
	defer stop()

	roots := make([]string, 0, len(targets))
	for root := range targets {
		roots = append(roots, root)
	}
	debounce := viper.GetDuration("watch.debounce")
	if debounce <= 0 {
		debounce = time.Second
	}
	w, err := watch.New(roots, queueRescan(ctx, a.sched, globalConfig, targets), watch.Options{
		Debounce: debounce,
		Ignore:   watch.IgnorePartials,
	})
	if err != nil {
		return err
	}
	log.Infof("Watching %d root(s)", len(w.Roots()))

	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()
	runErr := a.runTasks(ctx, nil, true)
	stop()
	return errors.Join(runErr, <-done)
}
