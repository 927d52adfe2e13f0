package cmd

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"go-modelvault/internal/database"
	"go-modelvault/internal/forensics"
	"go-modelvault/internal/helpers"
	"go-modelvault/internal/models"
)

// Verification problems
const (
	problemMissing  = "missing"
	problemChanged  = "size changed"
	problemMismatch = "hash mismatch"
)

var modelsCmd = &cobra.Command{
	Use:   "models",
	Short: "Inspect the model catalog",
}

var modelsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List catalog models",
	RunE:  runModelsList,
}

var modelsVerifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Check catalog rows against the files on disk",
	Long: `Reports rows whose file is missing or has a different size. With --hash the
stored full (or partial) hash is recomputed and mismatching rows are marked
corrupt. With --prune rows of missing files are removed.`,
	RunE: runModelsVerify,
}

func init() {
	rootCmd.AddCommand(modelsCmd)
	modelsCmd.AddCommand(modelsListCmd, modelsVerifyCmd)

	modelsCmd.PersistentFlags().StringP("location", "l", "", "Only models in this location (local, warehouse)")
	modelsCmd.PersistentFlags().StringP("type", "t", "", "Only models of this detected type")
	modelsVerifyCmd.Flags().Bool("hash", false, "Recompute and compare stored hashes (slow)")
	modelsVerifyCmd.Flags().Bool("prune", false, "Remove rows whose file is missing")

	viper.BindPFlag("models.location", modelsCmd.PersistentFlags().Lookup("location"))
	viper.BindPFlag("models.type", modelsCmd.PersistentFlags().Lookup("type"))
	viper.BindPFlag("models.hash", modelsVerifyCmd.Flags().Lookup("hash"))
	viper.BindPFlag("models.prune", modelsVerifyCmd.Flags().Lookup("prune"))
}

func modelFilter() database.ModelFilter {
	return database.ModelFilter{
		Location: viper.GetString("models.location"),
		Type:     viper.GetString("models.type"),
	}
}

func runModelsList(cmd *cobra.Command, args []string) error {
	a, err := openStore(globalConfig)
	if err != nil {
		return err
	}
	defer a.Close()

	recs, err := a.store.ListModels(context.Background(), modelFilter())
	if err != nil {
		return err
	}
	tw := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "NAME\tTYPE\tARCH\tPRECISION\tSIZE\tHASH\tLOCATION\tPATH")
	var total int64
	for _, r := range recs {
		name := r.Filename
		if r.RemoteName != "" {
			name = r.RemoteName
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\n", name, r.DetectedType, r.DetectedArchitecture,
			r.DetectedPrecision, helpers.BytesToSize(uint64(r.FileSize)), r.HashStatus, r.Location, r.Filepath)
		total += r.FileSize
	}
	tw.Flush()
	fmt.Printf("\n%d model(s), %s\n", len(recs), helpers.BytesToSize(uint64(total)))
	return nil
}

// verifyModel returns the problem found with a catalog row, or "" when it checks out.
func verifyModel(rec models.ModelRecord, checkHash bool) (string, error) {
	info, err := os.Stat(rec.Filepath)
	if os.IsNotExist(err) {
		return problemMissing, nil
	}
	if err != nil {
		return "", err
	}
	if info.Size() != rec.FileSize {
		return problemChanged, nil
	}
	if !checkHash {
		return "", nil
	}
	switch {
	case rec.FullHash != "":
		if !helpers.CheckHash(rec.Filepath, models.Hashes{SHA256: rec.FullHash}) {
			return problemMismatch, nil
		}
	case rec.PartialHash != "":
		sum, err := forensics.PartialHash(rec.Filepath, info.Size())
		if err != nil {
			return "", err
		}
		if sum != rec.PartialHash {
			return problemMismatch, nil
		}
	}
	return "", nil
}

func runModelsVerify(cmd *cobra.Command, args []string) error {
	checkHash := viper.GetBool("models.hash")
	prune := viper.GetBool("models.prune")

	open := openStore
	if prune {
		// Pruning also drops the rows from the search index.
		open = openApp
	}
	a, err := open(globalConfig)
	if err != nil {
		return err
	}
	defer a.Close()
	ctx, stop := commandContext()
	defer stop()

	recs, err := a.store.ListModels(ctx, modelFilter())
	if err != nil {
		return err
	}
	log.Infof("Verifying %d catalog row(s)...", len(recs))

	var ok, problems int
	var missing []string
	tw := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "PROBLEM\tLOCATION\tPATH")
	for _, rec := range recs {
		if ctx.Err() != nil {
			break
		}
		problem, err := verifyModel(rec, checkHash)
		if err != nil {
			log.WithError(err).Warnf("Cannot verify %s", rec.Filepath)
			problems++
			continue
		}
		switch problem {
		case "":
			ok++
			continue
		case problemMissing:
			missing = append(missing, rec.ID)
		case problemMismatch:
			rec.HashStatus = models.HashCorrupt
			if err := a.store.UpsertModel(ctx, &rec); err != nil {
				log.WithError(err).Warnf("Failed to mark %s corrupt", rec.Filepath)
			}
		}
		problems++
		fmt.Fprintf(tw, "%s\t%s\t%s\n", problem, rec.Location, rec.Filepath)
	}
	tw.Flush()

	if prune && len(missing) > 0 {
		n, err := a.store.DeleteModels(ctx, missing)
		if err != nil {
			return err
		}
		if err := a.search.DeleteModels(missing); err != nil {
			log.WithError(err).Warn("Failed to remove pruned models from the search index")
		}
		log.Infof("Pruned %d row(s) of missing files", n)
		if _, err := a.library.ResolveAll(ctx, nil); err != nil {
			return err
		}
	}

	fmt.Printf("\nVerification complete: %d ok, %d with problems\n", ok, problems)
	if problems > 0 && !prune {
		return fmt.Errorf("%d model(s) failed verification", problems)
	}
	return nil
}
