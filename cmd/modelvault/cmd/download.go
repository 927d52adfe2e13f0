package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"path"
	"path/filepath"
	"strings"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"go-modelvault/internal/database"
	"go-modelvault/internal/forensics"
	"go-modelvault/internal/jobs"
	"go-modelvault/internal/models"
	"go-modelvault/internal/resolver"
)

var downloadCmd = &cobra.Command{
	Use:   "download [workflow...]",
	Short: "Download the missing models of workflows (by id or file path), a single --url, or a Civitai --version",
	Long: `Queues a download task for every missing dependency that has a direct
source and runs them. Files land in <dest>/<model folder>/<name>; each finished
file is hashed and indexed into the local catalog, then the workflows are
re-resolved. Interrupted downloads resume from their .part file.`,
	RunE: runDownload,
}

func init() {
	rootCmd.AddCommand(downloadCmd)

	downloadCmd.Flags().String("dest", "", "Destination root (default: DownloadDir, else the first local model root)")
	downloadCmd.Flags().String("url", "", "Download a single file from this URL instead of workflow dependencies")
	downloadCmd.Flags().StringP("type", "t", "", "Model type for --url (checkpoint, lora, vae, ...); picks the destination folder")
	downloadCmd.Flags().String("name", "", "File name for --url (default: last URL path element)")
	downloadCmd.Flags().String("sha256", "", "Expected SHA-256 for --url")
	downloadCmd.Flags().Int("version", 0, "Download the primary file of this Civitai model version id")
	downloadCmd.Flags().Bool("detach", false, "Only queue the downloads; run them later with 'tasks run'")

	viper.BindPFlag("download.dest", downloadCmd.Flags().Lookup("dest"))
	viper.BindPFlag("download.url", downloadCmd.Flags().Lookup("url"))
	viper.BindPFlag("download.type", downloadCmd.Flags().Lookup("type"))
	viper.BindPFlag("download.name", downloadCmd.Flags().Lookup("name"))
	viper.BindPFlag("download.sha256", downloadCmd.Flags().Lookup("sha256"))
	viper.BindPFlag("download.version", downloadCmd.Flags().Lookup("version"))
	viper.BindPFlag("download.detach", downloadCmd.Flags().Lookup("detach"))
}

func downloadRoot(cfg models.Config) (string, error) {
	if dest := viper.GetString("download.dest"); dest != "" {
		return filepath.Abs(dest)
	}
	if cfg.DownloadDir != "" {
		return cfg.DownloadDir, nil
	}
	if len(cfg.LocalModelRoots) > 0 {
		return cfg.LocalModelRoots[0], nil
	}
	return "", errors.New("no destination: pass --dest or set DownloadDir")
}

// findWorkflow accepts a workflow id or the path of its file.
func findWorkflow(ctx context.Context, a *app, ref string) (*models.WorkflowRecord, error) {
	wf, err := a.store.GetWorkflow(ctx, ref)
	if err == nil || !errors.Is(err, database.ErrNotFound) {
		return wf, err
	}
	abs, aerr := filepath.Abs(ref)
	if aerr != nil {
		return nil, err
	}
	wf, err = a.store.WorkflowByPath(ctx, abs)
	if errors.Is(err, database.ErrNotFound) {
		return nil, fmt.Errorf("workflow %s: %w", ref, err)
	}
	return wf, err
}

// urlItem builds the queue item for a --url download.
func urlItem(rawURL, modelType, name, sha, destRoot string) (*models.DownloadQueueItem, error) {
	u, err := url.Parse(rawURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return nil, fmt.Errorf("invalid download URL %q", rawURL)
	}
	if name == "" {
		name = path.Base(u.Path)
	}
	if name == "" || name == "/" || name == "." {
		return nil, fmt.Errorf("cannot derive a file name from %q; pass --name", rawURL)
	}
	if modelType == "" {
		modelType = forensics.TypeFromName(name)
	}
	return &models.DownloadQueueItem{
		ModelName:       name,
		ModelType:       modelType,
		SourceKind:      resolver.SourceKind(rawURL),
		URL:             rawURL,
		DestinationPath: filepath.Join(destRoot, forensics.ModelFolder(modelType), filepath.Base(name)),
		ExpectedHash:    sha,
		Status:          models.DownloadQueued,
	}, nil
}

// versionItem builds the queue item for the primary file of a Civitai model version.
func versionItem(v *models.ModelVersion, destRoot string) (*models.DownloadQueueItem, error) {
	f, ok := v.PrimaryFile()
	if !ok || f.DownloadUrl == "" {
		return nil, fmt.Errorf("model version %d has no downloadable file", v.ID)
	}
	modelType := forensics.TypeFromCivitai(v.Model.Type)
	if strings.EqualFold(f.Type, "VAE") {
		modelType = models.TypeVAE
	}
	item, err := urlItem(f.DownloadUrl, modelType, f.Name, f.Hashes.SHA256, destRoot)
	if err != nil {
		return nil, err
	}
	item.ExpectedSize = int64(f.SizeKB * 1024)
	return item, nil
}

func runDownload(cmd *cobra.Command, args []string) error {
	rawURL := viper.GetString("download.url")
	versionID := viper.GetInt("download.version")
	if rawURL == "" && versionID == 0 && len(args) == 0 {
		return errors.New("give at least one workflow, --url or --version")
	}
	destRoot, err := downloadRoot(globalConfig)
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

	var items []models.DownloadQueueItem
	if rawURL != "" {
		item, err := urlItem(rawURL, viper.GetString("download.type"), viper.GetString("download.name"),
			viper.GetString("download.sha256"), destRoot)
		if err != nil {
			return err
		}
		if err := a.store.CreateDownloadItem(ctx, item); err != nil {
			return err
		}
		items = append(items, *item)
	}
	if versionID != 0 {
		v, err := newAPIClient(globalConfig).GetModelVersion(ctx, versionID)
		if err != nil {
			return fmt.Errorf("looking up model version %d: %w", versionID, err)
		}
		item, err := versionItem(v, destRoot)
		if err != nil {
			return err
		}
		if err := a.store.CreateDownloadItem(ctx, item); err != nil {
			return err
		}
		log.Infof("Model version %d: %s %s (%s)", v.ID, v.Model.Name, v.Name, v.BaseModel)
		items = append(items, *item)
	}

	var workflowIDs []string
	for _, ref := range args {
		wf, err := findWorkflow(ctx, a, ref)
		if err != nil {
			return err
		}
		queued, err := a.library.QueueMissingDownloads(ctx, wf.ID, destRoot)
		if err != nil {
			return err
		}
		if len(queued) == 0 && wf.MissingCount > 0 {
			log.Warnf("%s has %d missing model(s) but none with a direct source", wf.Name, wf.MissingCount)
		}
		items = append(items, queued...)
		workflowIDs = append(workflowIDs, wf.ID)
	}

	var ids []string
	for i := range items {
		task, err := jobs.SubmitDownload(ctx, a.sched, a.store, &items[i])
		if err != nil {
			return err
		}
		log.WithField("task", shortID(task.ID)).Infof("Queued %s -> %s", items[i].URL, items[i].DestinationPath)
		ids = append(ids, task.ID)
	}
	if len(ids) == 0 {
		log.Info("Nothing to download")
		return nil
	}
	if viper.GetBool("download.detach") {
		return nil
	}

	downloadErr := a.runTasks(ctx, ids, false)
	if ctx.Err() != nil || len(workflowIDs) == 0 {
		return downloadErr
	}

	// Installed files are in the catalog now; refresh the workflows' status.
	var resolveIDs []string
	for _, id := range workflowIDs {
		task, err := jobs.SubmitResolve(ctx, a.sched, id)
		if err != nil {
			return err
		}
		resolveIDs = append(resolveIDs, task.ID)
	}
	if err := a.runTasks(ctx, resolveIDs, false); err != nil {
		return err
	}
	for _, id := range workflowIDs {
		if wf, err := a.store.GetWorkflow(ctx, id); err == nil {
			fmt.Printf("%s: %s\n", wf.Name, wf.Status)
		}
	}
	return downloadErr
}
