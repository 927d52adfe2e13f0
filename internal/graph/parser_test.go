package graph

import (
	"os"
	"path/filepath"
	"testing"

	"go-modelvault/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const uiWorkflow = `{
  "nodes": [
    {"id": 4, "type": "CheckpointLoaderSimple", "widgets_values": ["sd_xl_base_1.0.safetensors"]},
    {"id": 10, "type": "LoraLoader", "widgets_values": ["detail_tweaker_xl.safetensors", 0.8, 1.0]},
    {"id": 11, "type": "LoraLoader", "widgets_values": ["detail_tweaker_xl.safetensors", 0.5, 0.5]},
    {"id": 12, "type": "VAELoader", "widgets_values": ["None"]},
    {"id": 6, "type": "CLIPTextEncode", "widgets_values": ["a castle, embedding:EasyNegative, (embedding:badhands.pt:1.2)"]},
    {"id": 3, "type": "KSampler", "widgets_values": [156680208700286, "randomize", 25, 7.5, "dpmpp_2m", "karras", 1]},
    {"id": 5, "type": "EmptyLatentImage", "widgets_values": [1024, 1024, 2]},
    {"id": 20, "type": "ControlNetLoader", "widgets_values": {"control_net_name": "control_canny.safetensors"}},
    {"id": 21, "type": "MysteryModelLoader", "widgets_values": ["x.bin"]},
    {"id": 22, "type": "UpscaleModelLoader", "inputs": {"model_name": "4x-UltraSharp.pth"}}
  ],
  "links": [[1, 4, 0, 3, 0, "MODEL"], [2, 5, 0, 3, 3, "LATENT"]],
  "groups": [{"title": "Base"}],
  "extra": {"info": {"author": "someone", "tags": "castle, fantasy"}, "description": "castle workflow", "version": 2}
}`

func newParser(t *testing.T) *Parser {
	t.Helper()
	p, err := NewParser()
	require.NoError(t, err)
	return p
}

func TestParseUIWorkflow(t *testing.T) {
	res, err := newParser(t).ParseBytes([]byte(uiWorkflow))
	require.NoError(t, err)
	assert.Equal(t, FormatUI, res.Format)

	var got []string
	for _, d := range res.Dependencies {
		got = append(got, d.ModelType+":"+d.ModelName)
	}
	assert.Equal(t, []string{
		"checkpoint:sd_xl_base_1.0.safetensors",
		"lora:detail_tweaker_xl.safetensors",
		"embedding:EasyNegative",
		"embedding:badhands.pt",
		"controlnet:control_canny.safetensors",
		"upscaler:4x-UltraSharp.pth",
	}, got)
	assert.Equal(t, "10", res.Dependencies[1].NodeID)

	assert.Contains(t, res.Unmapped, "MysteryModelLoader")
	assert.Contains(t, res.Unmapped, "CLIPTextEncode")
	assert.NotContains(t, res.Unmapped, "KSampler")
	require.Len(t, res.Diagnostics, 1)
	assert.Equal(t, "21", res.Diagnostics[0].NodeID)

	meta := res.Metadata
	require.NotNil(t, meta.Sampler)
	assert.Equal(t, int64(156680208700286), meta.Sampler.Seed)
	assert.Equal(t, 25, meta.Sampler.Steps)
	assert.InDelta(t, 7.5, meta.Sampler.CFG, 1e-9)
	assert.Equal(t, "dpmpp_2m", meta.Sampler.SamplerName)
	assert.Equal(t, "karras", meta.Sampler.Scheduler)
	require.NotNil(t, meta.Resolution)
	assert.Equal(t, models.Resolution{Width: 1024, Height: 1024, BatchSize: 2}, *meta.Resolution)
	assert.Equal(t, 10, meta.NodeCount)
	assert.Equal(t, 2, meta.LinkCount)
	assert.Equal(t, 1, meta.GroupCount)
	assert.Equal(t, []string{"controlnet", "lora", "upscale"}, meta.Features)
	assert.Equal(t, "someone", meta.Author)
	assert.Equal(t, "castle workflow", meta.Description)
	assert.Equal(t, "2", meta.Version)
	assert.Equal(t, []string{"castle", "fantasy"}, meta.Tags)
}

func TestParseAPIWorkflow(t *testing.T) {
	doc := `{
	  "1": {"class_type": "UNETLoader", "inputs": {"unet_name": "flux1-dev.safetensors", "weight_dtype": "fp8_e4m3fn"}},
	  "2": {"class_type": "DualCLIPLoader", "inputs": {"clip_name1": "t5xxl_fp16.safetensors", "clip_name2": "clip_l.safetensors", "type": "flux"}},
	  "3": {"class_type": "KSamplerAdvanced", "inputs": {"noise_seed": 42, "steps": 20, "cfg": 1, "sampler_name": "euler", "scheduler": "simple", "model": ["1", 0]}},
	  "4": {"class_type": "EmptySD3LatentImage", "inputs": {"width": 896, "height": 1152, "batch_size": 1}}
	}`
	res, err := newParser(t).ParseBytes([]byte(doc))
	require.NoError(t, err)
	assert.Equal(t, FormatAPI, res.Format)
	require.Len(t, res.Dependencies, 3)
	assert.Equal(t, Dependency{NodeID: "1", NodeType: "UNETLoader", ModelType: models.TypeUNet, ModelName: "flux1-dev.safetensors"}, res.Dependencies[0])
	assert.Equal(t, "clip_l.safetensors", res.Dependencies[2].ModelName)

	require.NotNil(t, res.Metadata.Sampler)
	assert.Equal(t, int64(42), res.Metadata.Sampler.Seed)
	assert.Equal(t, "KSamplerAdvanced", res.Metadata.Sampler.NodeType)
	assert.Equal(t, 1, res.Metadata.LinkCount)
	assert.Equal(t, 896, res.Metadata.Resolution.Width)
	assert.Empty(t, res.Unmapped)
}

func TestParseErrors(t *testing.T) {
	p := newParser(t)
	_, err := p.ParseBytes([]byte(`{"nodes": [`))
	assert.Error(t, err)

	_, err = p.ParseBytes([]byte(`{"foo": "bar"}`))
	assert.ErrorIs(t, err, ErrUnsupportedFormat)

	_, err = p.Parse(filepath.Join(t.TempDir(), "missing.json"))
	assert.Error(t, err)

	path := filepath.Join(t.TempDir(), "empty.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"nodes": []}`), 0644))
	res, err := p.Parse(path)
	require.NoError(t, err)
	assert.Empty(t, res.Dependencies)
}

func TestSchemaValidation(t *testing.T) {
	require.NoError(t, ValidateSchemas(LoaderSchemas))

	cases := []struct {
		name   string
		schema NodeSchema
	}{
		{"no type", NodeSchema{Fields: []FieldSpec{model("a", models.TypeLora)}}},
		{"no fields", NodeSchema{NodeType: "X"}},
		{"duplicate field", NodeSchema{NodeType: "X", Fields: []FieldSpec{model("a", models.TypeLora), str("a")}}},
		{"unknown model type", NodeSchema{NodeType: "X", Fields: []FieldSpec{model("a", "weights")}}},
		{"no model field", NodeSchema{NodeType: "X", Fields: []FieldSpec{str("a")}}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := NewParser(tc.schema)
			assert.ErrorIs(t, err, ErrInvalidSchema)
		})
	}

	err := ValidateSchemas([]NodeSchema{LoaderSchemas[0], LoaderSchemas[0]})
	assert.ErrorIs(t, err, ErrInvalidSchema)
}

func TestExtraSchemaAddsLoader(t *testing.T) {
	p, err := NewParser(NodeSchema{NodeType: "MysteryModelLoader", Fields: []FieldSpec{model("name", models.TypeCheckpoint)}})
	require.NoError(t, err)
	res, err := p.ParseBytes([]byte(uiWorkflow))
	require.NoError(t, err)
	assert.NotContains(t, res.Unmapped, "MysteryModelLoader")
	assert.Empty(t, res.Diagnostics)

	found := false
	for _, d := range res.Dependencies {
		if d.ModelName == "x.bin" {
			found = true
			assert.Equal(t, models.TypeCheckpoint, d.ModelType)
		}
	}
	assert.True(t, found)
}
