package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"text/tabwriter"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"go-modelvault/internal/config"
	"go-modelvault/internal/helpers"
	"go-modelvault/internal/jobs"
	"go-modelvault/internal/models"
)

var errNoRoots = errors.New("no roots given and none configured")

var scanCmd = &cobra.Command{
	Use:   "scan",
	Short: "Scan model or workflow roots as background tasks",
}

var scanModelsCmd = &cobra.Command{
	Use:   "models [root...]",
	Short: "Index model files under the given roots (default: configured model roots)",
	Long: `Walks each root, analyzes every model file and updates the catalog.
Unchanged files (same size) are skipped unless --force is given; rows whose
file disappeared are removed. Workflows are re-resolved when the catalog changed.`,
	RunE: runScanModels,
}

var scanWorkflowsCmd = &cobra.Command{
	Use:   "workflows [root...]",
	Short: "Parse workflow files under the given roots (default: configured workflow roots)",
	RunE:  runScanWorkflows,
}

var scanHistoryCmd = &cobra.Command{
	Use:   "history",
	Short: "List recent model catalog scans",
	RunE:  runScanHistory,
}

func init() {
	rootCmd.AddCommand(scanCmd)
	scanCmd.AddCommand(scanModelsCmd, scanWorkflowsCmd, scanHistoryCmd)

	scanCmd.PersistentFlags().Bool("detach", false, "Only queue the tasks; run them later with 'tasks run'")
	scanModelsCmd.Flags().StringP("location", "l", "", "Location of the given roots (local, warehouse); without roots, limits the configured roots")
	scanModelsCmd.Flags().String("validation", "", "Validation level (quick, standard, full); overrides config")
	scanModelsCmd.Flags().BoolP("force", "f", false, "Re-analyze files even when their size is unchanged")

	viper.BindPFlag("scan.detach", scanCmd.PersistentFlags().Lookup("detach"))
	viper.BindPFlag("scan.location", scanModelsCmd.Flags().Lookup("location"))
	viper.BindPFlag("scan.validation", scanModelsCmd.Flags().Lookup("validation"))
	viper.BindPFlag("scan.force", scanModelsCmd.Flags().Lookup("force"))

	scanHistoryCmd.Flags().StringP("location", "l", "", "Only scans of this location")
	scanHistoryCmd.Flags().IntP("limit", "n", 20, "Maximum number of scans to show")
	viper.BindPFlag("scan.history.location", scanHistoryCmd.Flags().Lookup("location"))
	viper.BindPFlag("scan.history.limit", scanHistoryCmd.Flags().Lookup("limit"))
}

// modelScanTargets pairs each root with its location.
func modelScanTargets(cfg models.Config, args []string, location string) ([]jobs.ModelScanPayload, error) {
	var out []jobs.ModelScanPayload
	if len(args) > 0 {
		if location == "" {
			location = models.LocationLocal
		}
		for _, root := range args {
			abs, err := filepath.Abs(root)
			if err != nil {
				return nil, err
			}
			out = append(out, jobs.ModelScanPayload{Root: abs, Location: location})
		}
		return out, nil
	}
	for _, loc := range []string{models.LocationLocal, models.LocationWarehouse} {
		if location != "" && location != loc {
			continue
		}
		for _, root := range config.RootsByLocation(cfg)[loc] {
			out = append(out, jobs.ModelScanPayload{Root: root, Location: loc})
		}
	}
	if len(out) == 0 {
		return nil, errNoRoots
	}
	return out, nil
}

func runScanModels(cmd *cobra.Command, args []string) error {
	location := viper.GetString("scan.location")
	switch location {
	case "", models.LocationLocal, models.LocationWarehouse:
	default:
		return fmt.Errorf("unknown location %q (expected local or warehouse)", location)
	}
	validation := globalConfig.ValidationLevel
	if v := viper.GetString("scan.validation"); v != "" {
		validation = v
	}
	switch validation {
	case config.ValidationQuick, config.ValidationStandard, config.ValidationFull:
	default:
		return fmt.Errorf("unknown validation level %q", validation)
	}
	force := globalConfig.ForceRescan || viper.GetBool("scan.force")

	targets, err := modelScanTargets(globalConfig, args, location)
	if err != nil {
		return err
	}

	a, err := openApp(globalConfig)
	if err != nil {
		return err
	}
	defer a.Close()
	ctx, stop := commandContext()
	defer stop()

	var ids []string
	for _, p := range targets {
		p.ValidationLevel = validation
		p.ForceRescan = force
		if last, err := a.settings.LastModelScan(p.Location, p.Root); err == nil {
			log.Debugf("Last scan of %s finished %s ago: %d file(s), %d added, %d removed",
				p.Root, time.Since(last.FinishedAt).Round(time.Second), last.Scanned, last.Added, last.Removed)
		}
		task, err := jobs.SubmitModelScan(ctx, a.sched, p)
		if err != nil {
			return err
		}
		log.WithFields(log.Fields{"task": shortID(task.ID), "location": p.Location}).Infof("Queued scan of %s", p.Root)
		ids = append(ids, task.ID)
	}
	if viper.GetBool("scan.detach") {
		return nil
	}
	return a.runTasks(ctx, ids, false)
}

func runScanWorkflows(cmd *cobra.Command, args []string) error {
	roots := globalConfig.WorkflowRoots
	if len(args) > 0 {
		roots = roots[:0:0]
		for _, root := range args {
			abs, err := filepath.Abs(root)
			if err != nil {
				return err
			}
			roots = append(roots, abs)
		}
	}
	if len(roots) == 0 {
		return errNoRoots
	}

	a, err := openApp(globalConfig)
	if err != nil {
		return err
	}
	defer a.Close()
	ctx, stop := commandContext()
	defer stop()

	var ids []string
	for _, root := range roots {
		task, err := jobs.SubmitWorkflowScan(ctx, a.sched, root)
		if err != nil {
			return err
		}
		log.WithField("task", shortID(task.ID)).Infof("Queued workflow scan of %s", root)
		ids = append(ids, task.ID)
	}
	if viper.GetBool("scan.detach") {
		return nil
	}
	return a.runTasks(ctx, ids, false)
}

func runScanHistory(cmd *cobra.Command, args []string) error {
	a, err := openStore(globalConfig)
	if err != nil {
		return err
	}
	defer a.Close()

	logs, err := a.store.RecentScanLogs(context.Background(), viper.GetString("scan.history.location"),
		viper.GetInt("scan.history.limit"))
	if err != nil {
		return err
	}
	if len(logs) == 0 {
		fmt.Println("No scans recorded")
		return nil
	}
	tw := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "WHEN\tLOCATION\tROOT\tFILES\tSIZE\tNEW\tUPDATED\tREMOVED\tSKIPPED\tERRORS\tDURATION")
	for _, l := range logs {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\t%d\t%d\t%d\t%d\t%d\t%s\n",
			l.CreatedAt.Local().Format(time.DateTime), l.Location, l.Root, l.FileCount,
			helpers.BytesToSize(uint64(l.TotalSize)), l.NewCount, l.UpdatedCount, l.RemovedCount,
			l.SkippedCount, l.ErrorCount, time.Duration(l.DurationMs)*time.Millisecond)
	}
	return tw.Flush()
}
