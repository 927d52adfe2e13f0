package library

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"go-modelvault/internal/database"
	"go-modelvault/internal/graph"
	"go-modelvault/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const portraitWorkflow = `{
  "nodes": [
    {"id": 4, "type": "CheckpointLoaderSimple", "widgets_values": ["sd15.safetensors"]},
    {"id": 7, "type": "VAELoader", "widgets_values": ["vae-ft-mse-840000-ema-pruned.safetensors"]},
    {"id": 9, "type": "EmptyLatentImage", "widgets_values": [512, 768, 1]}
  ],
  "links": []
}`

func setup(t *testing.T) (*Library, *database.Store, string) {
	t.Helper()
	store, err := database.OpenStore(filepath.Join(t.TempDir(), "catalog.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	parser, err := graph.NewParser()
	require.NoError(t, err)

	root := t.TempDir()
	write := func(rel, content string) {
		p := filepath.Join(root, rel)
		require.NoError(t, os.MkdirAll(filepath.Dir(p), 0755))
		require.NoError(t, os.WriteFile(p, []byte(content), 0644))
	}
	write("portrait.json", portraitWorkflow)
	write("broken/broken.json", `{"nodes": [`)
	write(".trash/old.json", portraitWorkflow)
	write("notes.txt", "not a workflow")

	require.NoError(t, store.UpsertModel(context.Background(), &models.ModelRecord{
		ID: "local:aa", Filename: "sd15.safetensors", Filepath: "/m/checkpoints/sd15.safetensors",
		Location: models.LocationLocal, DetectedType: models.TypeCheckpoint,
		DetectedArchitecture: models.ArchSD15, FileSize: 2 << 30, HashStatus: models.HashValid,
	}))
	return New(store, parser), store, root
}

func TestScanDirectoryResolveAndQueue(t *testing.T) {
	lib, store, root := setup(t)
	ctx := context.Background()

	var seen []string
	res, err := lib.ScanDirectory(ctx, root, func(p Progress) { seen = append(seen, p.CurrentFile) })
	require.NoError(t, err)
	assert.Equal(t, 2, res.Scanned)
	assert.Equal(t, 2, res.Added)
	assert.Zero(t, res.Errors)
	assert.Len(t, seen, 2)

	wf, err := store.WorkflowByPath(ctx, filepath.Join(root, "portrait.json"))
	require.NoError(t, err)
	assert.Equal(t, "portrait", wf.Name)
	assert.Equal(t, models.WorkflowMissingItems, wf.Status)
	assert.Equal(t, 2, wf.TotalDependencies)
	assert.Equal(t, 1, wf.ResolvedLocal)
	assert.Equal(t, 1, wf.MissingCount)
	assert.Equal(t, models.ArchSD15, wf.Metadata.Architecture)
	require.NotNil(t, wf.Metadata.Resolution)
	assert.Equal(t, 768, wf.Metadata.Resolution.Height)
	assert.Positive(t, wf.EstimatedVRAMGB)

	broken, err := store.WorkflowByPath(ctx, filepath.Join(root, "broken", "broken.json"))
	require.NoError(t, err)
	assert.Equal(t, models.WorkflowError, broken.Status)
	assert.NotEmpty(t, broken.ParseError)

	// A rescan keeps identities.
	res, err = lib.ScanDirectory(ctx, root, nil)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Updated)
	again, err := store.WorkflowByPath(ctx, filepath.Join(root, "portrait.json"))
	require.NoError(t, err)
	assert.Equal(t, wf.ID, again.ID)

	dest := t.TempDir()
	items, err := lib.QueueMissingDownloads(ctx, wf.ID, dest)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, filepath.Join(dest, "vae", "vae-ft-mse-840000-ema-pruned.safetensors"), items[0].DestinationPath)
	assert.Equal(t, models.SourceHuggingFace, items[0].SourceKind)
	assert.Equal(t, models.DownloadQueued, items[0].Status)
	require.NotNil(t, items[0].DependencyID)

	items, err = lib.QueueMissingDownloads(ctx, wf.ID, dest)
	require.NoError(t, err)
	assert.Empty(t, items)

	// The catalog gains the VAE; re-resolving makes the workflow ready.
	require.NoError(t, store.UpsertModel(ctx, &models.ModelRecord{
		ID: "local:bb", Filename: "vae-ft-mse-840000-ema-pruned.safetensors",
		Filepath: filepath.Join(dest, "vae", "vae-ft-mse-840000-ema-pruned.safetensors"),
		Location: models.LocationLocal, DetectedType: models.TypeVAE, DetectedArchitecture: models.ArchSD15,
		HashStatus: models.HashValid,
	}))
	n, err := lib.ResolveAll(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	wf, err = store.GetWorkflow(ctx, wf.ID)
	require.NoError(t, err)
	assert.Equal(t, models.WorkflowReadyLocal, wf.Status)
	for _, d := range wf.Dependencies {
		assert.True(t, d.IsResolved(), d.ModelName)
	}

	require.NoError(t, os.Remove(filepath.Join(root, "portrait.json")))
	res, err = lib.ScanDirectory(ctx, root, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Removed)
	_, err = store.GetWorkflow(ctx, wf.ID)
	assert.ErrorIs(t, err, database.ErrNotFound)
	deps, err := store.ListDependencies(ctx, wf.ID)
	require.NoError(t, err)
	assert.Empty(t, deps)
}

func TestScanDirectoryCancelled(t *testing.T) {
	lib, store, root := setup(t)
	ctx, cancel := context.WithCancel(context.Background())

	_, err := lib.ScanDirectory(ctx, root, func(Progress) { cancel() })
	assert.ErrorIs(t, err, context.Canceled)

	all, err := store.ListWorkflows(context.Background(), database.WorkflowFilter{})
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestScanDirectoryMissingRoot(t *testing.T) {
	lib, _, root := setup(t)
	_, err := lib.ScanDirectory(context.Background(), filepath.Join(root, "nope"), nil)
	assert.ErrorIs(t, err, ErrRootNotFound)
}

func TestDownloadName(t *testing.T) {
	assert.Equal(t, "x.safetensors", downloadName(`loras\sdxl\x.safetensors`, ""))
	assert.Equal(t, "model.gguf", downloadName("https://h.example/a/model.gguf", "https://h.example/a/model.gguf"))
}

func TestScanDirectoryResolvesPromptEmbeddings(t *testing.T) {
	lib, store, _ := setup(t)
	ctx := context.Background()
	require.NoError(t, store.UpsertModel(ctx, &models.ModelRecord{
		ID: "local:neg", Filename: "EasyNegative.safetensors", Filepath: "/m/embeddings/EasyNegative.safetensors",
		Location: models.LocationLocal, DetectedType: models.TypeEmbedding, HashStatus: models.HashValid,
	}))

	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "negative.json"), []byte(`{"nodes": [
	  {"id": 4, "type": "CheckpointLoaderSimple", "widgets_values": ["sd15.safetensors"]},
	  {"id": 7, "type": "CLIPTextEncode", "widgets_values": ["lowres, embedding:EasyNegative"]}
	]}`), 0644))

	res, err := lib.ScanDirectory(ctx, root, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Added)

	wf, err := store.WorkflowByPath(ctx, filepath.Join(root, "negative.json"))
	require.NoError(t, err)
	assert.Equal(t, models.WorkflowReadyLocal, wf.Status)
	assert.Equal(t, 2, wf.ResolvedLocal)
	assert.Zero(t, wf.MissingCount)

	deps, err := store.ListDependencies(ctx, wf.ID)
	require.NoError(t, err)
	require.Len(t, deps, 2)
	require.NotNil(t, deps[1].ResolvedModelID)
	assert.Equal(t, "local:neg", *deps[1].ResolvedModelID)
	assert.Empty(t, deps[1].RemoteURLs)
}
