package cmd

import (
	"context"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"go-modelvault/internal/database"
	"go-modelvault/internal/helpers"
	"go-modelvault/internal/models"
)

var workflowsCmd = &cobra.Command{
	Use:   "workflows",
	Short: "Inspect parsed workflows and their dependencies",
}

var workflowsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List workflows with their resolution summary",
	RunE:  runWorkflowsList,
}

var workflowsShowCmd = &cobra.Command{
	Use:   "show <workflow>",
	Short: "Show a workflow (by id or file path): dependencies, VRAM estimate and metadata",
	Args:  cobra.ExactArgs(1),
	RunE:  runWorkflowsShow,
}

func init() {
	rootCmd.AddCommand(workflowsCmd)
	workflowsCmd.AddCommand(workflowsListCmd, workflowsShowCmd)

	workflowsListCmd.Flags().StringP("status", "s", "", "Only workflows with this status")
	workflowsListCmd.Flags().String("under", "", "Only workflows whose file is under this directory")
	viper.BindPFlag("workflows.status", workflowsListCmd.Flags().Lookup("status"))
	viper.BindPFlag("workflows.under", workflowsListCmd.Flags().Lookup("under"))
}

func runWorkflowsList(cmd *cobra.Command, args []string) error {
	a, err := openStore(globalConfig)
	if err != nil {
		return err
	}
	defer a.Close()

	wfs, err := a.store.ListWorkflows(context.Background(), database.WorkflowFilter{
		Status:     viper.GetString("workflows.status"),
		PathPrefix: viper.GetString("workflows.under"),
	})
	if err != nil {
		return err
	}
	tw := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tNAME\tSTATUS\tDEPS\tLOCAL\tWAREHOUSE\tMISSING\tVRAM\tARCH")
	for _, wf := range wfs {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%d\t%d\t%d\t%.1f GB\t%s\n", shortID(wf.ID), wf.Name, wf.Status,
			wf.TotalDependencies, wf.ResolvedLocal, wf.ResolvedWarehouse, wf.MissingCount,
			wf.EstimatedVRAMGB, wf.Metadata.Architecture)
	}
	tw.Flush()
	return nil
}

func runWorkflowsShow(cmd *cobra.Command, args []string) error {
	a, err := openStore(globalConfig)
	if err != nil {
		return err
	}
	defer a.Close()
	ctx := context.Background()

	wf, err := findWorkflow(ctx, a, args[0])
	if err != nil {
		return err
	}
	// Lookup by path does not load dependencies.
	if wf, err = a.store.GetWorkflow(ctx, wf.ID); err != nil {
		return err
	}
	printWorkflow(ctx, a, wf)
	return nil
}

func printWorkflow(ctx context.Context, a *app, wf *models.WorkflowRecord) {
	tw := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintf(tw, "ID:\t%s\n", wf.ID)
	fmt.Fprintf(tw, "Name:\t%s\n", wf.Name)
	fmt.Fprintf(tw, "File:\t%s\n", wf.SourcePath)
	fmt.Fprintf(tw, "Status:\t%s\n", wf.Status)
	if wf.ParseError != "" {
		fmt.Fprintf(tw, "Parse error:\t%s\n", wf.ParseError)
	}
	fmt.Fprintf(tw, "Dependencies:\t%d (local %d, warehouse %d, missing %d, ambiguous %d, incompatible %d)\n",
		wf.TotalDependencies, wf.ResolvedLocal, wf.ResolvedWarehouse, wf.MissingCount,
		wf.AmbiguousCount, wf.IncompatibleCount)
	fmt.Fprintf(tw, "Resolved size:\t%s\n", helpers.BytesToSize(uint64(wf.TotalSizeBytes)))
	fmt.Fprintf(tw, "Estimated VRAM:\t%.1f GB\n", wf.EstimatedVRAMGB)

	m := wf.Metadata
	if m.Architecture != "" {
		fmt.Fprintf(tw, "Architecture:\t%s\n", m.Architecture)
	}
	fmt.Fprintf(tw, "Graph:\t%d nodes (%d types), %d links, %d groups\n", m.NodeCount, m.NodeTypes, m.LinkCount, m.GroupCount)
	if m.Sampler != nil {
		fmt.Fprintf(tw, "Sampler:\t%s %s/%s, %d steps, cfg %.1f, denoise %.2f, seed %d\n", m.Sampler.NodeType,
			m.Sampler.SamplerName, m.Sampler.Scheduler, m.Sampler.Steps, m.Sampler.CFG, m.Sampler.Denoise, m.Sampler.Seed)
	}
	if m.Resolution != nil {
		fmt.Fprintf(tw, "Resolution:\t%dx%d (batch %d)\n", m.Resolution.Width, m.Resolution.Height, m.Resolution.BatchSize)
	}
	if len(m.Features) > 0 {
		fmt.Fprintf(tw, "Features:\t%s\n", strings.Join(m.Features, ", "))
	}
	if m.Author != "" {
		fmt.Fprintf(tw, "Author:\t%s\n", m.Author)
	}
	if m.Version != "" {
		fmt.Fprintf(tw, "Version:\t%s\n", m.Version)
	}
	if len(m.Tags) > 0 {
		fmt.Fprintf(tw, "Tags:\t%s\n", strings.Join(m.Tags, ", "))
	}
	if m.Description != "" {
		fmt.Fprintf(tw, "Description:\t%s\n", m.Description)
	}
	fmt.Fprintf(tw, "Last scanned:\t%s\n", wf.LastScannedAt.Format(time.DateTime))
	tw.Flush()

	for _, w := range wf.VRAMWarnings {
		fmt.Printf("VRAM warning: %s\n", w)
	}
	if len(wf.UnmappedNodeTypes) > 0 {
		fmt.Printf("Unmapped loader nodes: %s\n", strings.Join(wf.UnmappedNodeTypes, ", "))
	}
	if len(wf.Dependencies) == 0 {
		return
	}

	fmt.Println()
	tw = tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "NODE\tTYPE\tMODEL\tSTATUS\tDETAIL")
	for _, d := range wf.Dependencies {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", d.NodeID, d.ModelType, d.ModelName, d.Status, dependencyDetail(ctx, a, d))
	}
	tw.Flush()
}

// dependencyDetail is where a dependency resolved to, or what to do about it.
func dependencyDetail(ctx context.Context, a *app, d models.WorkflowDependency) string {
	switch {
	case d.ResolvedModelID != nil:
		detail := *d.ResolvedModelID
		if rec, err := a.store.GetModel(ctx, *d.ResolvedModelID); err == nil {
			detail = rec.Filepath
		}
		if d.CompatibilityIssue != "" {
			detail += " (" + d.CompatibilityIssue + ")"
		}
		return detail
	case d.Status == models.DepAmbiguous:
		return fmt.Sprintf("%d candidates", len(d.CandidateModelIDs))
	case d.CompatibilityIssue != "":
		return d.CompatibilityIssue
	case len(d.RemoteURLs) > 0:
		return d.RemoteURLs[0]
	}
	return ""
}
