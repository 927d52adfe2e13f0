package forensics

import (
	"encoding/binary"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"go-modelvault/internal/config"
	"go-modelvault/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// writeSafetensors writes a minimal safetensors file with 4-byte tensors.
// dataShortfall truncates the tensor data to simulate an interrupted copy.
func writeSafetensors(t *testing.T, path string, dtype string, keys []string, meta map[string]string, dataShortfall int) {
	t.Helper()
	header := make(map[string]interface{})
	offset := 0
	for _, k := range keys {
		header[k] = map[string]interface{}{
			"dtype":        dtype,
			"shape":        []int{2},
			"data_offsets": []int{offset, offset + 4},
		}
		offset += 4
	}
	if meta != nil {
		header["__metadata__"] = meta
	}
	raw, err := json.Marshal(header)
	require.NoError(t, err)

	buf := make([]byte, 8, 8+len(raw)+offset)
	binary.LittleEndian.PutUint64(buf, uint64(len(raw)))
	buf = append(buf, raw...)
	buf = append(buf, make([]byte, offset-dataShortfall)...)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
	require.NoError(t, os.WriteFile(path, buf, 0644))
}

func TestAnalyzeSafetensorsLora(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "loras", "style.safetensors")
	writeSafetensors(t, path, "F16",
		[]string{"lora_unet_down.lora_up.weight", "lora_te2_text.lora_down.weight"},
		map[string]string{
			"ss_base_model_version": "sdxl_base_v1-0",
			"ss_tag_frequency":      `{"set":{"blue hair":10,"1girl":30,"smile":5}}`,
		}, 0)

	res, err := NewAnalyzer(nil).Analyze(path, config.ValidationStandard)
	require.NoError(t, err)

	assert.Equal(t, models.TypeLora, res.DetectedType)
	assert.Equal(t, models.ArchSDXL, res.DetectedArchitecture)
	assert.Equal(t, "fp16", res.DetectedPrecision)
	assert.Equal(t, FormatSafetensors, res.Format)
	assert.Equal(t, models.HashValid, res.HashStatus)
	assert.True(t, res.IsValid)
	assert.Len(t, res.PartialHash, 64)
	assert.Empty(t, res.FullHash)
	assert.Equal(t, []string{"1girl", "blue hair", "smile"}, res.TriggerWords)
	assert.Equal(t, "sdxl_base_v1-0", res.EmbeddedMetadata["ss_base_model_version"])
}

func TestAnalyzeTypeFromKeysWhenFolderUnknown(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "misc", "model.safetensors")
	writeSafetensors(t, path, "BF16",
		[]string{"double_blocks.0.img_attn.qkv.weight", "double_blocks.0.txt_attn.qkv.weight"}, nil, 0)

	res, err := NewAnalyzer(nil).Analyze(path, config.ValidationQuick)
	require.NoError(t, err)
	assert.Equal(t, models.TypeUNet, res.DetectedType)
	assert.Equal(t, models.ArchFlux, res.DetectedArchitecture)
	assert.Equal(t, "bf16", res.DetectedPrecision)
	assert.Equal(t, models.HashPending, res.HashStatus)
	assert.Empty(t, res.PartialHash)
}

func TestAnalyzeIncompleteAndCorrupt(t *testing.T) {
	dir := t.TempDir()

	truncated := filepath.Join(dir, "checkpoints", "cut.safetensors")
	writeSafetensors(t, truncated, "F16", []string{"model.diffusion_model.x", "first_stage_model.y"}, nil, 3)
	res, err := NewAnalyzer(nil).Analyze(truncated, config.ValidationStandard)
	require.NoError(t, err)
	assert.False(t, res.IsValid)
	assert.Equal(t, models.HashIncomplete, res.HashStatus)
	assert.NotEmpty(t, res.PartialHash)

	garbage := filepath.Join(dir, "checkpoints", "garbage.safetensors")
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint64(buf, 5)
	buf = append(buf, []byte("{nope")...)
	require.NoError(t, os.WriteFile(garbage, buf, 0644))
	res, err = NewAnalyzer(nil).Analyze(garbage, config.ValidationQuick)
	require.NoError(t, err)
	assert.False(t, res.IsValid)
	assert.Equal(t, models.HashCorrupt, res.HashStatus)
	assert.Equal(t, models.TypeCheckpoint, res.DetectedType)
}

func TestAnalyzeFullHashAndGGUF(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "unet", "flux1-dev-Q8_0.gguf")
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
	require.NoError(t, os.WriteFile(path, []byte("GGUFhello world"), 0644))

	res, err := NewAnalyzer(nil).Analyze(path, config.ValidationFull)
	require.NoError(t, err)
	assert.Equal(t, FormatGGUF, res.Format)
	assert.Equal(t, models.TypeUNet, res.DetectedType)
	assert.Equal(t, models.ArchFlux, res.DetectedArchitecture)
	assert.Equal(t, "q8_0", res.DetectedPrecision)
	assert.Len(t, res.FullHash, 64)
	assert.Equal(t, models.HashValid, res.HashStatus)

	bad := filepath.Join(dir, "unet", "broken.gguf")
	require.NoError(t, os.WriteFile(bad, []byte("nope"), 0644))
	res, err = NewAnalyzer(nil).Analyze(bad, config.ValidationQuick)
	require.NoError(t, err)
	assert.Equal(t, models.HashCorrupt, res.HashStatus)
}

func TestAnalyzeErrors(t *testing.T) {
	a := NewAnalyzer(nil)
	_, err := a.Analyze(filepath.Join(t.TempDir(), "missing.safetensors"), config.ValidationQuick)
	assert.Error(t, err)

	_, err = a.Analyze(t.TempDir(), config.ValidationQuick)
	assert.ErrorIs(t, err, ErrNotAFile)
}

func TestPartialHashDependsOnHeadTailAndSize(t *testing.T) {
	dir := t.TempDir()
	size := 3 * partialChunk
	a := make([]byte, size)
	b := make([]byte, size)
	// A change in the unhashed middle keeps the partial hash.
	b[size/2] = 1
	pa, pb := filepath.Join(dir, "a"), filepath.Join(dir, "b")
	require.NoError(t, os.WriteFile(pa, a, 0644))
	require.NoError(t, os.WriteFile(pb, b, 0644))

	ha, err := PartialHash(pa, int64(size))
	require.NoError(t, err)
	hb, err := PartialHash(pb, int64(size))
	require.NoError(t, err)
	assert.Equal(t, ha, hb)

	b[size-1] = 1
	require.NoError(t, os.WriteFile(pb, b, 0644))
	hb, err = PartialHash(pb, int64(size))
	require.NoError(t, err)
	assert.NotEqual(t, ha, hb)
}

func TestHeuristics(t *testing.T) {
	assert.Equal(t, models.TypeCLIPVision, TypeFromPath("/m/clip_vision/x.safetensors"))
	assert.Equal(t, models.TypeLora, TypeFromPath("/m/loras/sdxl/x.safetensors"))
	assert.Equal(t, models.TypeUnknown, TypeFromPath("/m/misc/x.safetensors"))
	for typ, folder := range canonicalFolders {
		assert.Equal(t, typ, TypeFromPath("/m/"+folder+"/x.safetensors"), folder)
	}
	assert.Equal(t, "other", ModelFolder(models.TypeUnknown))

	assert.Equal(t, models.TypeLora, TypeFromCivitai("LORA"))
	assert.Equal(t, models.TypeEmbedding, TypeFromCivitai("TextualInversion"))
	assert.Equal(t, models.TypeUnknown, TypeFromCivitai("Poses"))

	assert.Equal(t, models.ArchSDXL, ArchitectureFromName("juggernautXL_v9.safetensors"))
	assert.Equal(t, models.ArchSD15, ArchitectureFromName("v1-5-pruned-emaonly.safetensors"))
	assert.Equal(t, models.ArchFlux, ArchitectureFromName("flux1-dev.sft"))
	assert.Equal(t, models.ArchUnknown, ArchitectureFromName("pixelart.safetensors"))

	assert.Equal(t, "fp16", PrecisionFromName("model_fp16.safetensors"))
	assert.Equal(t, "", PrecisionFromName("model.safetensors"))

	a := NewAnalyzer([]string{".safetensors"})
	assert.True(t, a.Supported("X.SAFETENSORS"))
	assert.False(t, a.Supported("x.ckpt"))
}

func TestSafetensorsHeaderRejectsBadOffsets(t *testing.T) {
	dir := t.TempDir()
	write := func(name, offsets string) (string, int64) {
		raw := []byte(`{"w":{"dtype":"F16","shape":[2],"data_offsets":` + offsets + `}}`)
		buf := make([]byte, 8)
		binary.LittleEndian.PutUint64(buf, uint64(len(raw)))
		buf = append(buf, raw...)
		buf = append(buf, 0, 0, 0, 0)
		path := filepath.Join(dir, name)
		require.NoError(t, os.WriteFile(path, buf, 0644))
		return path, int64(len(buf))
	}

	tests := []struct {
		name    string
		offsets string
		want    string
	}{
		{"fits", "[0,4]", ""},
		{"past end", "[0,5]", models.HashIncomplete},
		{"max int64", "[0,9223372036854775807]", models.HashIncomplete},
		{"negative start", "[-4,4]", models.HashCorrupt},
		{"reversed", "[4,0]", models.HashCorrupt},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path, size := write(tt.name+".safetensors", tt.offsets)
			_, status := readSafetensorsHeader(path, size)
			assert.Equal(t, tt.want, status)
		})
	}

	path, _ := write("huge.safetensors", "[0,9223372036854775807]")
	res, err := NewAnalyzer(nil).Analyze(path, config.ValidationStandard)
	require.NoError(t, err)
	assert.False(t, res.IsValid)
	assert.Equal(t, models.HashIncomplete, res.HashStatus)
}
