package cmd

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"go-modelvault/internal/downloader"
	"go-modelvault/internal/models"
)

func init() {
	rootCmd.AddCommand(cleanCmd)

	cleanCmd.Flags().BoolP("torrents", "t", false, "Also remove *.torrent files")
	cleanCmd.Flags().BoolP("magnets", "m", false, "Also remove *-magnet.txt files")
	cleanCmd.Flags().Bool("all", false, "Also remove .part files of downloads that are still queued")
	cleanCmd.Flags().Bool("dry-run", false, "Only list what would be removed")

	viper.BindPFlag("clean.torrents", cleanCmd.Flags().Lookup("torrents"))
	viper.BindPFlag("clean.magnets", cleanCmd.Flags().Lookup("magnets"))
	viper.BindPFlag("clean.all", cleanCmd.Flags().Lookup("all"))
	viper.BindPFlag("clean.dry_run", cleanCmd.Flags().Lookup("dry-run"))
}

var cleanCmd = &cobra.Command{
	Use:   "clean",
	Short: "Remove leftover partial downloads from the download directory and model roots",
	Long: `Recursively scans DownloadDir and the model roots and removes .part files
left by cancelled or failed downloads. Partial files of downloads that are still
queued (paused or interrupted) are kept unless --all is given. Optionally removes
*.torrent and *-magnet.txt files as well.`,
	RunE: runClean,
}

type cleanOptions struct {
	Torrents bool
	Magnets  bool
	// Keep holds partial files that must survive.
	Keep map[string]bool
}

// cleanKind returns the kind of leftover a file is, or "" to leave it alone.
func cleanKind(path string, opts cleanOptions) string {
	lowerName := strings.ToLower(filepath.Base(path))
	switch {
	case strings.HasSuffix(lowerName, ".part"):
		if opts.Keep[path] {
			return ""
		}
		return ".part"
	case opts.Torrents && strings.HasSuffix(lowerName, ".torrent"):
		return ".torrent"
	case opts.Magnets && strings.HasSuffix(lowerName, "-magnet.txt"):
		return "-magnet.txt"
	}
	return ""
}

// cleanTargets walks roots and maps each removable file to its kind.
func cleanTargets(roots []string, opts cleanOptions) (map[string]string, error) {
	out := make(map[string]string)
	for _, root := range roots {
		err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				log.Warnf("Error accessing path %q during scan: %v", path, err)
				return nil
			}
			if d.IsDir() {
				return nil
			}
			if kind := cleanKind(path, opts); kind != "" {
				out[path] = kind
			}
			return nil
		})
		if err != nil {
			return out, fmt.Errorf("error during directory walk of %q: %w", root, err)
		}
	}
	return out, nil
}

func cleanRoots(cfg models.Config) []string {
	seen := make(map[string]bool)
	var roots []string
	for _, r := range append(append([]string{cfg.DownloadDir}, cfg.LocalModelRoots...), cfg.WarehouseRoots...) {
		if r == "" || seen[r] {
			continue
		}
		seen[r] = true
		if info, err := os.Stat(r); err != nil || !info.IsDir() {
			log.Warnf("Skipping %s: not an accessible directory", r)
			continue
		}
		roots = append(roots, r)
	}
	return roots
}

// activePartials lists the .part files of downloads that will be resumed.
func activePartials(ctx context.Context, a *app) (map[string]bool, error) {
	keep := make(map[string]bool)
	for _, status := range []string{models.DownloadQueued, models.DownloadDownloading} {
		items, err := a.store.ListDownloadItems(ctx, status)
		if err != nil {
			return nil, err
		}
		for _, item := range items {
			keep[downloader.PartPath(item.DestinationPath)] = true
		}
	}
	return keep, nil
}

func runClean(cmd *cobra.Command, args []string) error {
	roots := cleanRoots(globalConfig)
	if len(roots) == 0 {
		return fmt.Errorf("nothing to clean: DownloadDir and model roots are unset or missing")
	}
	opts := cleanOptions{
		Torrents: viper.GetBool("clean.torrents"),
		Magnets:  viper.GetBool("clean.magnets"),
	}
	if !viper.GetBool("clean.all") {
		a, err := openStore(globalConfig)
		if err != nil {
			return err
		}
		opts.Keep, err = activePartials(context.Background(), a)
		a.Close()
		if err != nil {
			return err
		}
	}

	log.Infof("Scanning for leftover files in %s...", strings.Join(roots, ", "))
	targets, walkErr := cleanTargets(roots, opts)
	dryRun := viper.GetBool("clean.dry_run")

	removed := make(map[string]int)
	var filesFailed int
	for path, kind := range targets {
		if dryRun {
			fmt.Printf("would remove %s\n", path)
			continue
		}
		if err := os.Remove(path); err != nil {
			if os.IsNotExist(err) {
				log.Warnf("Attempted to remove %s file %q, but it was already gone.", kind, path)
			} else {
				log.Errorf("Failed to remove %s file %q: %v", kind, path, err)
				filesFailed++
			}
			continue
		}
		log.Infof("Removed %s file: %s", kind, path)
		removed[kind]++
	}

	var summaryParts []string
	for _, kind := range []string{".part", ".torrent", "-magnet.txt"} {
		if removed[kind] > 0 {
			summaryParts = append(summaryParts, fmt.Sprintf("%d %s file(s)", removed[kind], kind))
		}
	}
	summary := "Clean complete. Removed: "
	if len(summaryParts) > 0 {
		summary += strings.Join(summaryParts, ", ")
	} else {
		summary += "0 files"
	}
	if dryRun {
		summary = fmt.Sprintf("Dry run: %d file(s) would be removed", len(targets))
	}
	if filesFailed > 0 {
		summary += fmt.Sprintf(". Failed to remove %d file(s).", filesFailed)
	}
	log.Info(summary)

	if walkErr != nil {
		return walkErr
	}
	if filesFailed > 0 {
		return fmt.Errorf("failed to remove %d file(s)", filesFailed)
	}
	return nil
}
