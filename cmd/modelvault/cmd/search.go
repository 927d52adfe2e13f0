package cmd

import (
	"context"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"go-modelvault/index"
	"go-modelvault/internal/database"
)

var searchCmd = &cobra.Command{
	Use:   "search <query...>",
	Short: "Full-text search over catalog models and workflows",
	Long: `Runs a Bleve query string query. Fields can be addressed by name, e.g.
'+modelType:lora +architecture:sdxl' or '+type:workflow castle'.`,
	RunE: runSearch,
}

func init() {
	rootCmd.AddCommand(searchCmd)

	searchCmd.Flags().String("type", "", "Only documents of this type (model, workflow)")
	searchCmd.Flags().IntP("limit", "n", 20, "Maximum number of hits")
	searchCmd.Flags().Bool("reindex", false, "Rebuild the index from the catalog database first")

	viper.BindPFlag("search.type", searchCmd.Flags().Lookup("type"))
	viper.BindPFlag("search.limit", searchCmd.Flags().Lookup("limit"))
	viper.BindPFlag("search.reindex", searchCmd.Flags().Lookup("reindex"))
}

// searchQuery joins the arguments and applies the type filter.
func searchQuery(args []string, docType string) string {
	q := strings.TrimSpace(strings.Join(args, " "))
	if docType != "" {
		q = strings.TrimSpace("+type:" + docType + " " + q)
	}
	return q
}

func reindex(ctx context.Context, a *app) error {
	recs, err := a.store.ListModels(ctx, database.ModelFilter{})
	if err != nil {
		return err
	}
	wfs, err := a.store.ListWorkflows(ctx, database.WorkflowFilter{})
	if err != nil {
		return err
	}
	if err := a.search.Reindex(recs, wfs); err != nil {
		return err
	}
	log.Infof("Re-indexed %d model(s) and %d workflow(s)", len(recs), len(wfs))
	return nil
}

func runSearch(cmd *cobra.Command, args []string) error {
	query := searchQuery(args, viper.GetString("search.type"))
	doReindex := viper.GetBool("search.reindex")
	if query == "" && !doReindex {
		return fmt.Errorf("empty query")
	}

	a, err := openApp(globalConfig)
	if err != nil {
		return err
	}
	defer a.Close()

	if doReindex {
		if err := reindex(context.Background(), a); err != nil {
			return err
		}
		if query == "" {
			return nil
		}
	}

	res, err := index.Search(a.bleve, query, viper.GetInt("search.limit"))
	if err != nil {
		return fmt.Errorf("search failed: %w", err)
	}
	tw := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "SCORE\tTYPE\tNAME\tKIND\tSTATUS\tPATH")
	for _, hit := range res.Hits {
		kind := hit.Fields["modelType"]
		if kind == nil {
			kind = hit.Fields["architecture"]
		}
		fmt.Fprintf(tw, "%.3f\t%v\t%v\t%v\t%v\t%v\n", hit.Score,
			field(hit.Fields, "type"), field(hit.Fields, "name"), orEmpty(kind),
			field(hit.Fields, "status"), field(hit.Fields, "filePath"))
		if magnet, ok := hit.Fields["magnetLink"].(string); ok && magnet != "" {
			fmt.Fprintf(tw, "\t\t\t\t\t%s\n", magnet)
		}
	}
	tw.Flush()
	fmt.Printf("\n%d of %d hit(s) in %s\n", len(res.Hits), res.Total, res.Took)
	return nil
}

func field(fields map[string]interface{}, name string) interface{} {
	return orEmpty(fields[name])
}

func orEmpty(v interface{}) interface{} {
	if v == nil {
		return ""
	}
	return v
}
