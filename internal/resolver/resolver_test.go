package resolver

import (
	"errors"
	"testing"

	"go-modelvault/internal/graph"
	"go-modelvault/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sd15Workflow = `{"nodes": [{"id": 4, "type": "CheckpointLoaderSimple", "widgets_values": ["sd15.safetensors"]}]}`

func parse(t *testing.T, doc string) []graph.Dependency {
	t.Helper()
	p, err := graph.NewParser()
	require.NoError(t, err)
	res, err := p.ParseBytes([]byte(doc))
	require.NoError(t, err)
	return res.Dependencies
}

func record(id, name, typ, location, arch, hash string) models.ModelRecord {
	return models.ModelRecord{
		ID: id, Filename: name, Filepath: "/models/" + name, Location: location,
		DetectedType: typ, DetectedArchitecture: arch, PartialHash: hash, FileSize: 1000,
	}
}

func assertComplete(t *testing.T, res *Resolution) {
	t.Helper()
	for _, rd := range res.Dependencies {
		resolved := rd.Status == models.DepResolvedLocal || rd.Status == models.DepResolvedWarehouse
		assert.Equal(t, resolved, rd.ResolvedModelID != nil, "dependency %s has status %s", rd.ModelName, rd.Status)
	}
}

func TestResolveLocalWorkflow(t *testing.T) {
	catalog := []models.ModelRecord{record("local:aa", "sd15.safetensors", models.TypeCheckpoint, models.LocationLocal, models.ArchSD15, "aa")}
	res := New(catalog).Resolve(parse(t, sd15Workflow))

	require.Len(t, res.Dependencies, 1)
	assert.Equal(t, models.DepResolvedLocal, res.Dependencies[0].Status)
	require.NotNil(t, res.Dependencies[0].ResolvedModelID)
	assert.Equal(t, "local:aa", *res.Dependencies[0].ResolvedModelID)
	assert.Equal(t, models.WorkflowReadyLocal, WorkflowStatus(res, nil))
	assert.Equal(t, int64(1000), res.Summary.TotalSizeBytes)
	assertComplete(t, res)
}

func TestResolveMissingWorkflow(t *testing.T) {
	res := New(nil).Resolve(parse(t, sd15Workflow))

	require.Len(t, res.Dependencies, 1)
	rd := res.Dependencies[0]
	assert.Equal(t, models.DepMissing, rd.Status)
	assert.Nil(t, rd.ResolvedModelID)
	assert.Equal(t, []string{"https://civitai.com/search/models?query=sd15"}, rd.RemoteURLs)
	assert.Equal(t, 1, res.Summary.Missing)
	assert.Equal(t, models.WorkflowMissingItems, WorkflowStatus(res, nil))
	assertComplete(t, res)
}

func TestResolveMatching(t *testing.T) {
	cases := []struct {
		name       string
		catalog    []models.ModelRecord
		ref        string
		wantStatus string
		wantID     string
	}{
		{
			name:       "warehouse only",
			catalog:    []models.ModelRecord{record("warehouse:aa", "sd15.safetensors", models.TypeCheckpoint, models.LocationWarehouse, "", "aa")},
			ref:        "sd15.safetensors",
			wantStatus: models.DepResolvedWarehouse,
			wantID:     "warehouse:aa",
		},
		{
			name: "same content prefers local",
			catalog: []models.ModelRecord{
				record("warehouse:aa", "sd15.safetensors", models.TypeCheckpoint, models.LocationWarehouse, "", "aa"),
				record("local:aa", "sd15.safetensors", models.TypeCheckpoint, models.LocationLocal, "", "aa"),
			},
			ref:        "sd15.safetensors",
			wantStatus: models.DepResolvedLocal,
			wantID:     "local:aa",
		},
		{
			name: "different content is ambiguous",
			catalog: []models.ModelRecord{
				record("local:aa", "sd15.safetensors", models.TypeCheckpoint, models.LocationLocal, "", "aa"),
				record("warehouse:bb", "sd15.safetensors", models.TypeCheckpoint, models.LocationWarehouse, "", "bb"),
			},
			ref:        "sd15.safetensors",
			wantStatus: models.DepAmbiguous,
		},
		{
			name:       "case insensitive",
			catalog:    []models.ModelRecord{record("local:aa", "sd15.safetensors", models.TypeCheckpoint, models.LocationLocal, "", "aa")},
			ref:        "SD15.SafeTensors",
			wantStatus: models.DepResolvedLocal,
			wantID:     "local:aa",
		},
		{
			name:       "folder prefix ignored",
			catalog:    []models.ModelRecord{record("local:aa", "sd15.safetensors", models.TypeCheckpoint, models.LocationLocal, "", "aa")},
			ref:        `SD1.5\sd15.safetensors`,
			wantStatus: models.DepResolvedLocal,
			wantID:     "local:aa",
		},
		{
			name:       "unet satisfies checkpoint",
			catalog:    []models.ModelRecord{record("local:aa", "sd15.safetensors", models.TypeUNet, models.LocationLocal, "", "aa")},
			ref:        "sd15.safetensors",
			wantStatus: models.DepResolvedLocal,
			wantID:     "local:aa",
		},
		{
			name:       "wrong type is missing",
			catalog:    []models.ModelRecord{record("local:aa", "sd15.safetensors", models.TypeLora, models.LocationLocal, "", "aa")},
			ref:        "sd15.safetensors",
			wantStatus: models.DepMissing,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			dep := graph.Dependency{NodeID: "1", NodeType: "CheckpointLoaderSimple", ModelType: models.TypeCheckpoint, ModelName: tc.ref}
			res := New(tc.catalog).Resolve([]graph.Dependency{dep})
			require.Len(t, res.Dependencies, 1)
			rd := res.Dependencies[0]
			assert.Equal(t, tc.wantStatus, rd.Status)
			if tc.wantID != "" {
				require.NotNil(t, rd.ResolvedModelID)
				assert.Equal(t, tc.wantID, *rd.ResolvedModelID)
			}
			if tc.wantStatus == models.DepAmbiguous {
				assert.Len(t, rd.CandidateModelIDs, 2)
			}
			assertComplete(t, res)
		})
	}
}

func TestResolveEmbeddingWithoutExtension(t *testing.T) {
	catalog := []models.ModelRecord{
		record("local:base", "sd15.safetensors", models.TypeCheckpoint, models.LocationLocal, models.ArchSD15, "base"),
		record("local:neg", "EasyNegative.safetensors", models.TypeEmbedding, models.LocationLocal, "", "neg"),
		record("local:hands", "badhands.pt", models.TypeEmbedding, models.LocationLocal, "", "hands"),
	}
	doc := `{"nodes": [
	  {"id": 4, "type": "CheckpointLoaderSimple", "widgets_values": ["sd15.safetensors"]},
	  {"id": 6, "type": "CLIPTextEncode", "widgets_values": ["blurry, embedding:easynegative, embedding:badhands.pt"]}
	]}`
	res := New(catalog).Resolve(parse(t, doc))

	require.Len(t, res.Dependencies, 3)
	for _, rd := range res.Dependencies {
		assert.Equal(t, models.DepResolvedLocal, rd.Status, rd.ModelName)
	}
	require.NotNil(t, res.Dependencies[1].ResolvedModelID)
	assert.Equal(t, "local:neg", *res.Dependencies[1].ResolvedModelID)
	assert.Empty(t, res.Dependencies[1].RemoteURLs)
	assert.Equal(t, models.WorkflowReadyLocal, WorkflowStatus(res, nil))
	assertComplete(t, res)

	// A reference that names an extension is not matched by stem.
	dep := graph.Dependency{ModelType: models.TypeEmbedding, ModelName: "EasyNegative.pt"}
	res = New(catalog).Resolve([]graph.Dependency{dep})
	assert.Equal(t, models.DepMissing, res.Dependencies[0].Status)
}

func TestResolveIncompatibleLora(t *testing.T) {
	catalog := []models.ModelRecord{
		record("local:base", "juggernautXL.safetensors", models.TypeCheckpoint, models.LocationLocal, models.ArchSDXL, "base"),
		record("local:lora", "sd15_style.safetensors", models.TypeLora, models.LocationLocal, models.ArchSD15, "lora"),
		record("local:vae", "sdxl_vae.safetensors", models.TypeVAE, models.LocationLocal, models.ArchSDXL, "vae"),
	}
	deps := []graph.Dependency{
		{NodeID: "1", ModelType: models.TypeCheckpoint, ModelName: "juggernautXL.safetensors"},
		{NodeID: "2", ModelType: models.TypeLora, ModelName: "sd15_style.safetensors"},
		{NodeID: "3", ModelType: models.TypeVAE, ModelName: "sdxl_vae.safetensors"},
	}
	res := New(catalog).Resolve(deps)

	lora := res.Dependencies[1]
	assert.Equal(t, models.DepIncompatible, lora.Status)
	assert.Nil(t, lora.ResolvedModelID)
	assert.Equal(t, models.ArchSDXL, lora.ExpectedArchitecture)
	assert.Contains(t, lora.CompatibilityIssue, "sd15")
	assert.Equal(t, models.DepResolvedLocal, res.Dependencies[2].Status)

	assert.Equal(t, 1, res.Summary.Incompatible)
	assert.Equal(t, models.ArchSDXL, res.Summary.Architecture)
	assert.Equal(t, models.WorkflowMissingItems, res.Summary.Status())
	assertComplete(t, res)
}

func TestWorkflowStatus(t *testing.T) {
	assert.Equal(t, models.WorkflowError, WorkflowStatus(nil, errors.New("bad json")))
	assert.Equal(t, models.WorkflowReadyLocal, Summary{}.Status())
	assert.Equal(t, models.WorkflowReadyCloud, Summary{Total: 2, ResolvedLocal: 1, ResolvedWarehouse: 1}.Status())
	assert.Equal(t, models.WorkflowMissingItems, Summary{Total: 2, ResolvedLocal: 1, Ambiguous: 1}.Status())
}

func TestRemoteURLs(t *testing.T) {
	urls := RemoteURLs("SDXL/sd_xl_base_1.0.safetensors")
	require.Len(t, urls, 2)
	direct, ok := DirectURL(urls)
	require.True(t, ok)
	assert.Equal(t, models.SourceHuggingFace, SourceKind(direct))

	assert.Equal(t, []string{"https://example.com/m.safetensors"}, RemoteURLs("https://example.com/m.safetensors"))
	_, ok = DirectURL(RemoteURLs("my_custom_model.safetensors"))
	assert.False(t, ok)
	assert.Equal(t, models.SourceCivitai, SourceKind("https://civitai.com/api/download/models/1"))
	assert.Equal(t, models.SourceDirect, SourceKind("https://example.com/x"))
}

func TestEstimateVRAM(t *testing.T) {
	catalog := []models.ModelRecord{record("local:base", "base.safetensors", models.TypeCheckpoint, models.LocationLocal, models.ArchSDXL, "base")}
	res := New(catalog).Resolve([]graph.Dependency{{ModelType: models.TypeCheckpoint, ModelName: "base.safetensors"}})

	est := Estimate(res, &models.Resolution{Width: 1024, Height: 1024, BatchSize: 1})
	assert.InDelta(t, 8.5, est.PeakGB, 1e-9)
	require.Len(t, est.Warnings, 1)
	assert.Contains(t, est.Warnings[0], "8 GB")

	fp32 := catalog[0]
	fp32.DetectedArchitecture = models.ArchSD15
	fp32.DetectedPrecision = "fp32"
	res = New([]models.ModelRecord{fp32}).Resolve([]graph.Dependency{{ModelType: models.TypeCheckpoint, ModelName: "base.safetensors"}})
	est = Estimate(res, nil)
	require.Len(t, est.Breakdown, 1)
	assert.InDelta(t, 4.0, est.Breakdown[0].GB, 1e-9)
	assert.Empty(t, est.Warnings)
}

func TestEstimateVRAMFromNames(t *testing.T) {
	deps := []graph.Dependency{
		{ModelType: models.TypeUNet, ModelName: "flux1-dev.safetensors"},
		{ModelType: models.TypeCLIP, ModelName: "t5xxl_fp16.safetensors"},
		{ModelType: models.TypeCLIP, ModelName: "clip_l.safetensors"},
	}
	res := New(nil).Resolve(deps)
	est := Estimate(res, &models.Resolution{Width: 896, Height: 1152, BatchSize: 1})

	assert.InDelta(t, 23.9, est.PeakGB, 1e-9)
	require.Len(t, est.Warnings, 3)
	assert.Contains(t, est.Warnings[0], "16 GB")
	assert.Contains(t, est.Warnings[2], "8 GB")
}
