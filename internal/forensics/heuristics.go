package forensics

import (
	"encoding/binary"
	"encoding/hex"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"go-modelvault/internal/models"

	"lukechampine.com/blake3"
)

// directoryTypes maps well-known model folder names to model types.
var directoryTypes = map[string]string{
	"checkpoints":       models.TypeCheckpoint,
	"stable-diffusion":  models.TypeCheckpoint,
	"loras":             models.TypeLora,
	"lora":              models.TypeLora,
	"lycoris":           models.TypeLora,
	"vae":               models.TypeVAE,
	"vae_approx":        models.TypeVAE,
	"controlnet":        models.TypeControlNet,
	"t2i_adapter":       models.TypeControlNet,
	"upscale_models":    models.TypeUpscaler,
	"esrgan":            models.TypeUpscaler,
	"embeddings":        models.TypeEmbedding,
	"textual_inversion": models.TypeEmbedding,
	"clip":              models.TypeCLIP,
	"text_encoders":     models.TypeCLIP,
	"clip_vision":       models.TypeCLIPVision,
	"unet":              models.TypeUNet,
	"diffusion_models":  models.TypeUNet,
	"ipadapter":         models.TypeIPAdapter,
	"hypernetworks":     models.TypeHypernetwork,
	"style_models":      models.TypeStyleModel,
	"gligen":            models.TypeGLIGEN,
	"photomaker":        models.TypePhotoMaker,
}

// canonicalFolders is where ComfyUI expects each model type.
var canonicalFolders = map[string]string{
	models.TypeCheckpoint:   "checkpoints",
	models.TypeLora:         "loras",
	models.TypeVAE:          "vae",
	models.TypeControlNet:   "controlnet",
	models.TypeUpscaler:     "upscale_models",
	models.TypeEmbedding:    "embeddings",
	models.TypeCLIP:         "text_encoders",
	models.TypeCLIPVision:   "clip_vision",
	models.TypeUNet:         "diffusion_models",
	models.TypeIPAdapter:    "ipadapter",
	models.TypeHypernetwork: "hypernetworks",
	models.TypeStyleModel:   "style_models",
	models.TypeGLIGEN:       "gligen",
	models.TypePhotoMaker:   "photomaker",
}

// ModelFolder returns the folder a model of type t belongs in, "other" when unknown.
func ModelFolder(t string) string {
	if f, ok := canonicalFolders[t]; ok {
		return f
	}
	return "other"
}

// TypeFromPath returns the type of the nearest directory segment that names a model folder.
func TypeFromPath(path string) string {
	dir := filepath.Dir(filepath.Clean(path))
	for {
		base := strings.ToLower(filepath.Base(dir))
		if t, ok := directoryTypes[base]; ok {
			return t
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return models.TypeUnknown
		}
		dir = parent
	}
}

// TypeFromName guesses a type from common filename conventions.
func TypeFromName(name string) string {
	n := strings.ToLower(name)
	switch {
	case strings.Contains(n, "lora"):
		return models.TypeLora
	case strings.Contains(n, "controlnet") || strings.HasPrefix(n, "control_"):
		return models.TypeControlNet
	case strings.Contains(n, "vae"):
		return models.TypeVAE
	case strings.Contains(n, "esrgan") || strings.Contains(n, "upscale"):
		return models.TypeUpscaler
	case strings.Contains(n, "ip-adapter") || strings.Contains(n, "ip_adapter"):
		return models.TypeIPAdapter
	}
	return models.TypeUnknown
}

var civitaiTypes = map[string]string{
	"checkpoint":       models.TypeCheckpoint,
	"lora":             models.TypeLora,
	"locon":            models.TypeLora,
	"dora":             models.TypeLora,
	"vae":              models.TypeVAE,
	"controlnet":       models.TypeControlNet,
	"upscaler":         models.TypeUpscaler,
	"textualinversion": models.TypeEmbedding,
	"hypernetwork":     models.TypeHypernetwork,
}

// TypeFromCivitai maps a Civitai model type ("LORA", "TextualInversion", ...) to ours.
func TypeFromCivitai(t string) string {
	if mt, ok := civitaiTypes[strings.ToLower(t)]; ok {
		return mt
	}
	return models.TypeUnknown
}

var (
	xlPattern   = regexp.MustCompile(`sdxl|xl([^a-z]|$)|pony|illustrious`)
	sd15Pattern = regexp.MustCompile(`sd[-_]?1[._-]?5|v1[-_]5|sd15`)
	sd2Pattern  = regexp.MustCompile(`sd[-_]?2|v2[-_]1`)
	quantRe     = regexp.MustCompile(`(?i)(^|[^a-z0-9])(q[2-8]_[0-9a-z_]+|iq[1-4]_[a-z_]+|f16|bf16|f32)($|[^a-z0-9])`)
)

// ArchitectureFromName guesses the architecture from the filename.
func ArchitectureFromName(name string) string {
	n := strings.ToLower(name)
	switch {
	case strings.Contains(n, "flux"):
		return models.ArchFlux
	case strings.Contains(n, "sd3"):
		return models.ArchSD3
	case xlPattern.MatchString(n):
		return models.ArchSDXL
	case sd15Pattern.MatchString(n):
		return models.ArchSD15
	case sd2Pattern.MatchString(n):
		return models.ArchSD2
	}
	return models.ArchUnknown
}

// PrecisionFromName guesses the precision from the filename.
func PrecisionFromName(name string) string {
	n := strings.ToLower(name)
	switch {
	case strings.Contains(n, "bf16"):
		return "bf16"
	case strings.Contains(n, "fp16"):
		return "fp16"
	case strings.Contains(n, "fp8"):
		return "fp8"
	case strings.Contains(n, "fp32"):
		return "fp32"
	}
	if m := quantRe.FindStringSubmatch(strings.TrimSuffix(n, filepath.Ext(n))); m != nil {
		return strings.ToLower(m[2])
	}
	return ""
}

var ggufMagic = []byte("GGUF")

func inspectGGUF(res *Result) {
	f, err := os.Open(res.Filepath)
	if err != nil {
		markInvalid(res, models.HashCorrupt)
		return
	}
	defer f.Close()

	var magic [4]byte
	if _, err := io.ReadFull(f, magic[:]); err != nil || string(magic[:]) != string(ggufMagic) {
		markInvalid(res, models.HashCorrupt)
		return
	}
	if res.DetectedType == models.TypeUnknown {
		res.DetectedType = models.TypeUNet
	}
	res.DetectedPrecision = PrecisionFromName(res.Filename)
	if res.DetectedPrecision == "" {
		res.DetectedPrecision = "gguf"
	}
}

// partialChunk is how much of the head and the tail is hashed.
const partialChunk = 1 << 20

// PartialHash is BLAKE3 over the first MiB, the last MiB and the little-endian file size.
func PartialHash(path string, size int64) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := blake3.New(32, nil)
	if _, err := io.CopyN(h, f, min(size, partialChunk)); err != nil && err != io.EOF {
		return "", err
	}
	if size > partialChunk {
		tailStart := max(size-partialChunk, partialChunk)
		if _, err := f.Seek(tailStart, io.SeekStart); err != nil {
			return "", err
		}
		if _, err := io.CopyN(h, f, size-tailStart); err != nil && err != io.EOF {
			return "", err
		}
	}
	var sizeBuf [8]byte
	binary.LittleEndian.PutUint64(sizeBuf[:], uint64(size))
	h.Write(sizeBuf[:])
	return hex.EncodeToString(h.Sum(nil)), nil
}
