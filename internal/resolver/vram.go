package resolver

import (
	"fmt"
	"math"
	"strings"

	"go-modelvault/internal/forensics"
	"go-modelvault/internal/models"
)

// Fixed runtime cost (CUDA context, activations of the text encoders, etc.).
const overheadGB = 1.5

// Latent cost per megapixel of batch output.
const gbPerMegapixel = 0.5

// vramTiers are common GPU memory sizes, largest first.
var vramTiers = []int{24, 16, 12, 8}

// vramTable holds fp16 footprints in GB per model type and architecture.
// The "" entry is the default for the type.
var vramTable = map[string]map[string]float64{
	models.TypeCheckpoint: {
		"": 4.0, models.ArchSD15: 2.0, models.ArchSD2: 2.5, models.ArchSDXL: 6.5,
		models.ArchSD3: 5.5, models.ArchFlux: 12.0,
	},
	models.TypeUNet: {
		"": 4.0, models.ArchSD15: 1.7, models.ArchSDXL: 5.0, models.ArchSD3: 4.2, models.ArchFlux: 11.9,
	},
	models.TypeLora:         {"": 0.2, models.ArchSDXL: 0.4, models.ArchFlux: 0.6},
	models.TypeVAE:          {"": 0.3},
	models.TypeControlNet:   {"": 1.5, models.ArchSD15: 0.7, models.ArchSDXL: 2.5, models.ArchFlux: 3.3},
	models.TypeCLIP:         {"": 0.5, models.ArchSDXL: 0.8},
	models.TypeCLIPVision:   {"": 1.2},
	models.TypeUpscaler:     {"": 0.1},
	models.TypeEmbedding:    {"": 0},
	models.TypeIPAdapter:    {"": 0.7, models.ArchSDXL: 1.0},
	models.TypeHypernetwork: {"": 0.2},
	models.TypeStyleModel:   {"": 0.5},
	models.TypeGLIGEN:       {"": 0.5},
	models.TypePhotoMaker:   {"": 0.9},
}

// T5 text encoders dwarf CLIP ones.
const t5GB = 9.5

type VRAMItem struct {
	ModelType string
	ModelName string
	GB        float64
}

type VRAMEstimate struct {
	PeakGB    float64
	Breakdown []VRAMItem
	Warnings  []string
}

func precisionFactor(p string) float64 {
	p = strings.ToLower(p)
	switch {
	case p == "fp32" || p == "f32" || p == "fp64":
		return 2
	case strings.HasPrefix(p, "fp8"), p == "int8", p == "gguf":
		return 0.5
	case strings.HasPrefix(p, "q") || strings.HasPrefix(p, "iq"):
		return 0.5
	}
	return 1
}

func baseGB(rd ResolvedDependency, arch string) float64 {
	if rd.ModelType == models.TypeCLIP {
		lower := strings.ToLower(rd.ModelName)
		if strings.Contains(lower, "t5") {
			return t5GB
		}
	}
	row, ok := vramTable[rd.ModelType]
	if !ok {
		return 0
	}
	if gb, ok := row[arch]; ok {
		return gb
	}
	return row[""]
}

// Estimate sums per-dependency footprints, the latent term and a fixed overhead.
// Unresolved dependencies are estimated from their names.
func Estimate(res *Resolution, resolution *models.Resolution) VRAMEstimate {
	est := VRAMEstimate{}
	total := overheadGB
	if res != nil {
		for _, rd := range res.Dependencies {
			arch := rd.Architecture
			if !knownArch(arch) {
				arch = rd.ExpectedArchitecture
			}
			if !knownArch(arch) {
				arch = forensics.ArchitectureFromName(rd.ModelName)
			}
			if !knownArch(arch) {
				arch = res.Summary.Architecture
			}
			precision := rd.Precision
			if precision == "" {
				precision = forensics.PrecisionFromName(rd.ModelName)
			}
			gb := round1(baseGB(rd, arch) * precisionFactor(precision))
			if gb == 0 {
				continue
			}
			est.Breakdown = append(est.Breakdown, VRAMItem{ModelType: rd.ModelType, ModelName: rd.ModelName, GB: gb})
			total += gb
		}
	}
	if resolution != nil && resolution.Width > 0 && resolution.Height > 0 {
		batch := max(resolution.BatchSize, 1)
		mp := float64(resolution.Width*resolution.Height*batch) / (1024 * 1024)
		total += mp * gbPerMegapixel
	}

	est.PeakGB = round1(total)
	for _, tier := range vramTiers {
		if est.PeakGB > float64(tier) {
			est.Warnings = append(est.Warnings, fmt.Sprintf("estimated peak %.1f GB exceeds %d GB cards", est.PeakGB, tier))
		}
	}
	return est
}

func round1(f float64) float64 {
	return math.Round(f*10) / 10
}
