package cmd

import (
	"github.com/spf13/cobra"

	"go-modelvault/internal/jobs"
)

var resolveCmd = &cobra.Command{
	Use:   "resolve [workflow...]",
	Short: "Re-resolve workflow dependencies against the current catalog (default: all workflows)",
	RunE:  runResolve,
}

func init() {
	rootCmd.AddCommand(resolveCmd)
}

func runResolve(cmd *cobra.Command, args []string) error {
	a, err := openApp(globalConfig)
	if err != nil {
		return err
	}
	defer a.Close()
	ctx, stop := commandContext()
	defer stop()

	targets := []string{""}
	if len(args) > 0 {
		targets = targets[:0]
		for _, ref := range args {
			wf, err := findWorkflow(ctx, a, ref)
			if err != nil {
				return err
			}
			targets = append(targets, wf.ID)
		}
	}

	var ids []string
	for _, id := range targets {
		task, err := jobs.SubmitResolve(ctx, a.sched, id)
		if err != nil {
			return err
		}
		ids = append(ids, task.ID)
	}
	return a.runTasks(ctx, ids, false)
}
