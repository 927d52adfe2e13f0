package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/blevesearch/bleve/v2"
	log "github.com/sirupsen/logrus"

	"go-modelvault/index"
	"go-modelvault/internal/api"
	"go-modelvault/internal/config"
	"go-modelvault/internal/database"
	"go-modelvault/internal/downloader"
	"go-modelvault/internal/forensics"
	"go-modelvault/internal/graph"
	"go-modelvault/internal/indexer"
	"go-modelvault/internal/jobs"
	"go-modelvault/internal/library"
	"go-modelvault/internal/lock"
	"go-modelvault/internal/models"
	"go-modelvault/internal/scheduler"
)

const stopTimeout = 30 * time.Second

// app holds the services one command invocation works against.
type app struct {
	cfg      models.Config
	store    *database.Store
	settings *database.DB
	bleve    bleve.Index
	search   *index.Catalog
	indexer  *indexer.Indexer
	library  *library.Library
	sched    *scheduler.Scheduler
}

// openApp opens the catalog database, settings store and search index and
// wires the services and task workers. The scheduler is not started.
func openApp(cfg models.Config) (*app, error) {
	store, err := database.OpenStore(cfg.DatabasePath)
	if err != nil {
		return nil, err
	}
	a := &app{cfg: cfg, store: store}

	if a.settings, err = database.Open(cfg.SettingsPath); err != nil {
		a.Close()
		return nil, fmt.Errorf("opening settings store %s: %w", cfg.SettingsPath, err)
	}
	if a.bleve, err = index.OpenOrCreateIndex(cfg.BleveIndexPath); err != nil {
		a.Close()
		return nil, fmt.Errorf("opening search index %s: %w", cfg.BleveIndexPath, err)
	}
	a.search = index.NewCatalog(a.bleve)

	parser, err := graph.NewParser()
	if err != nil {
		a.Close()
		return nil, err
	}
	a.indexer = indexer.New(store, forensics.NewAnalyzer(cfg.ModelExtensions)).WithSearch(a.search)
	if cfg.EnrichMetadata {
		a.indexer.WithEnricher(newAPIClient(cfg))
	}
	a.library = library.New(store, parser).WithSearch(a.search)

	a.sched = newScheduler(store, cfg)
	jobs.Register(a.sched, jobs.Deps{
		Indexer:    a.indexer,
		Library:    a.library,
		Downloader: downloader.NewDownloader(&http.Client{Transport: globalHttpTransport}, ""),
		Downloads:  store,
		Settings:   a.settings,
		Locks:      lock.NewMutexMap(),
		Tokens: map[string]string{
			models.SourceCivitai:     cfg.ApiKey,
			models.SourceHuggingFace: cfg.HuggingFaceToken,
		},
		DownloadValidation: config.ValidationFull,
		ScanBatchSize:      cfg.ScanBatchSize,
	})
	return a, nil
}

func newAPIClient(cfg models.Config) *api.Client {
	return api.NewClient(cfg.ApiKey, &http.Client{
		Timeout:   time.Duration(cfg.ApiClientTimeoutSec) * time.Second,
		Transport: globalHttpTransport,
	})
}

func newScheduler(store *database.Store, cfg models.Config) *scheduler.Scheduler {
	return scheduler.New(store, scheduler.Options{
		MaxConcurrent:     cfg.MaxConcurrentTasks,
		DefaultMaxRetries: cfg.DefaultMaxRetries,
		TaskTimeout:       time.Duration(cfg.TaskTimeoutSec) * time.Second,
	})
}

// openStore opens only the catalog database, for commands that read rows or
// edit task state. The settings store and search index take exclusive file
// locks, so these commands must not open them while another process runs tasks.
func openStore(cfg models.Config) (*app, error) {
	store, err := database.OpenStore(cfg.DatabasePath)
	if err != nil {
		return nil, err
	}
	return &app{cfg: cfg, store: store, sched: newScheduler(store, cfg)}, nil
}

// Close stops the scheduler, returning its running tasks to pending, and
// closes every store.
func (a *app) Close() {
	if a.sched != nil {
		ctx, cancel := context.WithTimeout(context.Background(), stopTimeout)
		if err := a.sched.Stop(ctx); err != nil {
			log.WithError(err).Warn("Tasks did not stop in time")
		}
		cancel()
	}
	var errs []error
	if a.bleve != nil {
		errs = append(errs, a.bleve.Close())
	}
	if a.settings != nil {
		errs = append(errs, a.settings.Close())
	}
	errs = append(errs, a.store.Close())
	if err := errors.Join(errs...); err != nil {
		log.WithError(err).Error("Error closing stores")
	}
}
