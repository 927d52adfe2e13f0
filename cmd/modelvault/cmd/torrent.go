package cmd

import (
	"context"
	"fmt"
	"strings"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"go-modelvault/internal/database"
	"go-modelvault/internal/models"
	"go-modelvault/internal/share"
)

// trackersSetting is the settings key holding default announce URLs, comma separated.
const trackersSetting = "trackers"

var torrentCmd = &cobra.Command{
	Use:   "torrent [model-id...]",
	Short: "Generate .torrent files and magnet links for catalog models",
	Long: `Builds a .torrent for each selected model file (all catalog models matching
--location/--type when no ids are given). Magnet links are added to the search
index. Announce URLs come from --tracker or the 'trackers' setting.`,
	RunE: runTorrent,
}

func init() {
	rootCmd.AddCommand(torrentCmd)

	torrentCmd.Flags().StringSlice("tracker", nil, "Tracker announce URL (repeatable)")
	torrentCmd.Flags().String("output-dir", "", "Directory for .torrent files (default: next to each model)")
	torrentCmd.Flags().Bool("overwrite", false, "Regenerate existing .torrent files")
	torrentCmd.Flags().Bool("magnet", false, "Also write <name>-magnet.txt files")
	torrentCmd.Flags().IntP("concurrency", "c", 4, "Number of concurrent torrent generators")
	torrentCmd.Flags().StringP("location", "l", "", "Only models in this location")
	torrentCmd.Flags().StringP("type", "t", "", "Only models of this detected type")

	viper.BindPFlag("torrent.trackers", torrentCmd.Flags().Lookup("tracker"))
	viper.BindPFlag("torrent.output_dir", torrentCmd.Flags().Lookup("output-dir"))
	viper.BindPFlag("torrent.overwrite", torrentCmd.Flags().Lookup("overwrite"))
	viper.BindPFlag("torrent.magnet", torrentCmd.Flags().Lookup("magnet"))
	viper.BindPFlag("torrent.concurrency", torrentCmd.Flags().Lookup("concurrency"))
	viper.BindPFlag("torrent.location", torrentCmd.Flags().Lookup("location"))
	viper.BindPFlag("torrent.type", torrentCmd.Flags().Lookup("type"))
}

func splitTrackers(v string) []string {
	var out []string
	for _, t := range strings.Split(v, ",") {
		if t = strings.TrimSpace(t); t != "" {
			out = append(out, t)
		}
	}
	return out
}

func selectModels(ctx context.Context, a *app, ids []string) ([]models.ModelRecord, error) {
	if len(ids) == 0 {
		return a.store.ListModels(ctx, database.ModelFilter{
			Location: viper.GetString("torrent.location"),
			Type:     viper.GetString("torrent.type"),
		})
	}
	out := make([]models.ModelRecord, 0, len(ids))
	for _, id := range ids {
		rec, err := a.store.GetModel(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("model %s: %w", id, err)
		}
		out = append(out, *rec)
	}
	return out, nil
}

func runTorrent(cmd *cobra.Command, args []string) error {
	a, err := openApp(globalConfig)
	if err != nil {
		return err
	}
	defer a.Close()
	ctx, stop := commandContext()
	defer stop()

	trackers := viper.GetStringSlice("torrent.trackers")
	if len(trackers) == 0 {
		if v, err := a.settings.GetSetting(trackersSetting); err == nil {
			trackers = splitTrackers(v)
		}
	}
	if len(trackers) == 0 {
		return fmt.Errorf("%w: pass --tracker or run 'settings set %s <url,...>'", share.ErrNoTrackers, trackersSetting)
	}

	recs, err := selectModels(ctx, a, args)
	if err != nil {
		return err
	}
	if len(recs) == 0 {
		log.Info("No models selected")
		return nil
	}
	paths := make([]string, len(recs))
	for i, rec := range recs {
		paths[i] = rec.Filepath
	}

	log.Infof("Generating torrents for %d model(s)...", len(paths))
	results, genErr := share.GenerateAll(ctx, paths, viper.GetInt("torrent.concurrency"), share.Options{
		Trackers:  trackers,
		OutputDir: viper.GetString("torrent.output_dir"),
		Overwrite: viper.GetBool("torrent.overwrite"),
		Magnet:    viper.GetBool("torrent.magnet"),
	})

	var created, skipped int
	for i, r := range results {
		if r.Err != nil || r.MagnetLink == "" {
			continue
		}
		if r.Skipped {
			skipped++
		} else {
			created++
		}
		if err := a.search.IndexShared(recs[i], r.TorrentPath, r.MagnetLink); err != nil {
			log.WithError(err).Warnf("Failed to index magnet link for %s", recs[i].Filename)
		}
	}
	log.Infof("Torrent generation complete: %d created, %d existing", created, skipped)
	return genErr
}
